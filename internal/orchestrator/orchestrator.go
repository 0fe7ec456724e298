// Package orchestrator drives workers against the engine's ready set:
// poll, reserve, execute, report, repeat. It is the library behind
// `gantry run` and exists so embedders can drive pipelines without the
// CLI.
package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"gantry/internal/domain"
	"gantry/internal/engine"
	"gantry/internal/fault"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeError     = "error"
)

type Options struct {
	ProjectID    string
	CallerID     string
	MaxParallel  int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	RenewEvery   time.Duration
}

type Orchestrator struct {
	Engine engine.Engine
	Worker Worker
	Opts   Options
	Logger *log.Logger
}

func New(eng engine.Engine, w Worker, opts Options) *Orchestrator {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = eng.Leases.TaskTTL
	}
	if opts.RenewEvery <= 0 {
		opts.RenewEvery = opts.LeaseTTL / 3
	}
	return &Orchestrator{Engine: eng, Worker: w, Opts: opts}
}

// CycleReport tallies one pass over the ready set.
type CycleReport struct {
	Ready      int `json:"ready"`
	Dispatched int `json:"dispatched"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

func (r CycleReport) add(outcome string) CycleReport {
	switch outcome {
	case outcomeCompleted:
		r.Completed++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	default:
		r.Errors++
	}
	return r
}

// RunCycle fetches the ready set once and executes up to MaxParallel
// tasks from it to completion. Reservation conflicts are skipped, not
// errors: another worker got there first.
func (o *Orchestrator) RunCycle(ctx context.Context) (CycleReport, error) {
	ready, err := o.Engine.GetReadyTasks(ctx, o.Opts.ProjectID, o.Opts.CallerID)
	if err != nil {
		return CycleReport{}, err
	}
	report := CycleReport{Ready: len(ready)}
	if len(ready) == 0 {
		return report, nil
	}
	batch := ready
	if len(batch) > o.Opts.MaxParallel {
		batch = batch[:o.Opts.MaxParallel]
	}

	outcomes := make(chan string, len(batch))
	var wg sync.WaitGroup
	for _, t := range batch {
		wg.Add(1)
		report.Dispatched++
		go func(t domain.Task) {
			defer wg.Done()
			outcomes <- o.executeOne(ctx, t)
		}(t)
	}
	wg.Wait()
	close(outcomes)
	for outcome := range outcomes {
		report = report.add(outcome)
	}
	return report, nil
}

// Run cycles until the project has nothing ready and nothing in
// flight, or ctx ends. Tasks parked behind unsatisfied gates do not
// keep the loop alive: once nothing is runnable the loop returns and
// the caller decides whether to come back after sign-offs.
func (o *Orchestrator) Run(ctx context.Context) (CycleReport, error) {
	var total CycleReport
	for {
		report, err := o.RunCycle(ctx)
		if err != nil {
			return total, err
		}
		total.Ready = report.Ready
		total.Dispatched += report.Dispatched
		total.Completed += report.Completed
		total.Failed += report.Failed
		total.Skipped += report.Skipped
		total.Errors += report.Errors

		if report.Dispatched > 0 {
			continue
		}
		counts, err := o.Engine.Repo.CountTasksByStatus(ctx, o.Opts.ProjectID)
		if err != nil {
			return total, err
		}
		if counts[domain.TaskInProgress] == 0 {
			if parked := counts[domain.TaskPending] + counts[domain.TaskBlocked]; parked > 0 {
				o.logf("run: %d task(s) parked behind dependencies or gates, stopping", parked)
			}
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(o.Opts.PollInterval):
		}
	}
}

// executeOne reserves, executes, and reports a single task, renewing
// the lease in the background for long executions.
func (o *Orchestrator) executeOne(ctx context.Context, t domain.Task) string {
	reserved, _, err := o.Engine.ReserveTask(ctx, t.ID, o.Opts.CallerID, o.Opts.LeaseTTL)
	if fault.IsConcurrency(err) || fault.IsValidation(err) {
		o.logf("reserve %s: %v", t.ID, err)
		return outcomeSkipped
	}
	if err != nil {
		o.logf("reserve %s: %v", t.ID, err)
		return outcomeError
	}

	stopRenewal := o.keepLeaseAlive(ctx, reserved.ID)
	execErr := o.Worker.Execute(ctx, reserved, reserved.Attempts)
	stopRenewal()

	status := domain.TaskCompleted
	if execErr != nil {
		o.logf("execute %s (attempt %d): %v", reserved.ID, reserved.Attempts, execErr)
		status = domain.TaskFailed
	}
	if _, err := o.Engine.UpdateTaskStatus(ctx, reserved.ID, status, o.Opts.CallerID); err != nil {
		// The lease may have lapsed mid-run and the slot been
		// reclaimed; the work will be retried elsewhere.
		o.logf("report %s as %s: %v", reserved.ID, status, err)
		return outcomeError
	}
	if status == domain.TaskFailed {
		return outcomeFailed
	}
	return outcomeCompleted
}

// keepLeaseAlive renews the execution lease every RenewEvery until the
// returned stop function runs.
func (o *Orchestrator) keepLeaseAlive(ctx context.Context, taskID string) func() {
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.Opts.RenewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				if _, err := o.Engine.RenewLease(hctx, taskID, o.Opts.CallerID, o.Opts.LeaseTTL); err != nil {
					o.logf("renew %s: %v", taskID, err)
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}
