// Package breaker implements a circuit breaker for backing-store calls.
// State is per-instance and constructor-injected; nothing here is
// package-global.
package breaker

import (
	"sync"
	"time"

	"gantry/internal/fault"
)

const (
	Closed   = "closed"
	Open     = "open"
	HalfOpen = "half_open"
)

type Breaker struct {
	Scope    string
	Now      func() time.Time
	OnChange func(from, to string)

	mu        sync.Mutex
	threshold int
	window    time.Duration
	recovery  time.Duration
	state     string
	count     int
	firstFail time.Time
	openedAt  time.Time
	trial     bool
}

// New builds a closed breaker that opens after threshold consecutive
// failures inside window and probes again after recovery.
func New(scope string, threshold int, window, recovery time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = time.Minute
	}
	if recovery <= 0 {
		recovery = 30 * time.Second
	}
	return &Breaker{
		Scope:     scope,
		Now:       time.Now,
		threshold: threshold,
		window:    window,
		recovery:  recovery,
		state:     Closed,
	}
}

// Allow reports whether a call may proceed. A nil return must be paired
// with RecordSuccess or RecordFailure; Do handles the pairing.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	now := b.now()
	switch b.state {
	case Closed:
		b.mu.Unlock()
		return nil
	case Open:
		reopenAt := b.openedAt.Add(b.recovery)
		if now.Before(reopenAt) {
			b.mu.Unlock()
			return fault.CircuitOpenError{Scope: b.Scope, RetryAfter: reopenAt.Sub(now)}
		}
		// Recovery elapsed: exactly one half-open trial.
		from := b.state
		b.state = HalfOpen
		b.trial = true
		b.mu.Unlock()
		b.change(from, HalfOpen)
		return nil
	default: // HalfOpen
		if b.trial {
			b.mu.Unlock()
			return fault.CircuitOpenError{Scope: b.Scope, RetryAfter: b.recovery}
		}
		b.trial = true
		b.mu.Unlock()
		return nil
	}
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	if b.state == HalfOpen {
		b.state = Closed
	}
	b.count = 0
	b.trial = false
	b.mu.Unlock()
	if from == HalfOpen {
		b.change(from, Closed)
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.now()
	from := b.state
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = now
		b.trial = false
		b.count = 0
	case Closed:
		if b.count == 0 || now.Sub(b.firstFail) > b.window {
			b.count = 1
			b.firstFail = now
		} else {
			b.count++
		}
		if b.count >= b.threshold {
			b.state = Open
			b.openedAt = now
		}
	}
	to := b.state
	b.mu.Unlock()
	if from != to {
		b.change(from, to)
	}
}

// Do wraps a store call with the breaker.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

func (b *Breaker) change(from, to string) {
	if b.OnChange != nil {
		b.OnChange(from, to)
	}
}
