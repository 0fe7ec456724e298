package lease

import (
	"context"
	"log"

	rcron "github.com/robfig/cron/v3"
)

// Sweeper runs a reclaim function on a cron schedule. The schedule uses
// six fields (seconds first), e.g. "0 * * * * *" for once a minute.
type Sweeper struct {
	Schedule string
	Run      func(ctx context.Context) (int, error)
	Logger   *log.Logger

	cron *rcron.Cron
}

func (s *Sweeper) Start() error {
	s.cron = rcron.New(rcron.WithSeconds())
	_, err := s.cron.AddFunc(s.Schedule, func() {
		reclaimed, err := s.Run(context.Background())
		if err != nil {
			s.logf("sweep: %v", err)
			return
		}
		if reclaimed > 0 {
			s.logf("sweep: reclaimed %d expired lease(s)", reclaimed)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}
