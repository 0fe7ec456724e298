// Package ratelimit implements a per-caller sliding window. State is
// per-instance; two resolver instances rate-limit independently.
package ratelimit

import (
	"sync"
	"time"
)

type Limiter struct {
	Now func() time.Time

	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests map[string][]time.Time
}

func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Limiter{
		Now:      time.Now,
		limit:    limit,
		window:   window,
		requests: make(map[string][]time.Time),
	}
}

// Allow records a request for callerID and reports whether it fits in
// the window, with the wait until the oldest request slides out.
func (l *Limiter) Allow(callerID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	cutoff := now.Add(-l.window)
	kept := l.requests[callerID][:0]
	for _, t := range l.requests[callerID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= l.limit {
		l.requests[callerID] = kept
		return false, kept[0].Add(l.window).Sub(now)
	}
	l.requests[callerID] = append(kept, now)
	return true, 0
}

func (l *Limiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}
