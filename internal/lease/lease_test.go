package lease_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"gantry/internal/coord"
	"gantry/internal/domain"
	"gantry/internal/fault"
	"gantry/internal/lease"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newManager(clock *testClock) *lease.Manager {
	m := lease.NewManager(coord.NewMemoryStore())
	m.Now = clock.Now
	m.LockWait = 100 * time.Millisecond
	return m
}

func TestAcquireExecutionDefaultsTTL(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	ctx := context.Background()

	l, err := m.AcquireExecution(ctx, "t-1", "worker-1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if l.TaskID != "t-1" || l.WorkerID != "worker-1" || l.Class != domain.LeaseExecution {
		t.Fatalf("unexpected lease: %+v", l)
	}
	if l.ExpiresAt != "2025-06-01T13:00:00Z" {
		t.Fatalf("expected the 1h default ttl, got %s", l.ExpiresAt)
	}
}

func TestAcquireExecutionConflictIsImmediate(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	ctx := context.Background()

	if _, err := m.AcquireExecution(ctx, "t-1", "worker-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	start := time.Now()
	_, err := m.AcquireExecution(ctx, "t-1", "worker-2", time.Minute)
	if !fault.IsConcurrency(err) {
		t.Fatalf("expected ConcurrencyError, got %v", err)
	}
	// execution claims never poll; the caller should pick another task
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("conflicting acquire blocked for %s", time.Since(start))
	}
}

func TestAcquireExecutionReentrant(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	ctx := context.Background()

	first, err := m.AcquireExecution(ctx, "t-1", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	again, err := m.AcquireExecution(ctx, "t-1", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
	if again.ExpiresAt != first.ExpiresAt {
		t.Fatalf("re-acquire changed the lease: %s vs %s", again.ExpiresAt, first.ExpiresAt)
	}
}

func TestAcquireExecutionReclaimsExpired(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	ctx := context.Background()

	if _, err := m.AcquireExecution(ctx, "t-1", "worker-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	clock.Advance(2 * time.Minute)
	l, err := m.AcquireExecution(ctx, "t-1", "worker-2", time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if l.WorkerID != "worker-2" {
		t.Fatalf("expected worker-2 to hold the reclaimed lease, got %s", l.WorkerID)
	}
}

func TestRenewExecutionNotHeld(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	ctx := context.Background()

	if _, err := m.RenewExecution(ctx, "t-1", "worker-1", time.Minute); !fault.IsConcurrency(err) {
		t.Fatalf("expected ConcurrencyError for unheld renew, got %v", err)
	}
}

func TestListExecutionsSkipsResolutionLocks(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	ctx := context.Background()

	if _, err := m.AcquireExecution(ctx, "t-1", "worker-1", time.Minute); err != nil {
		t.Fatalf("acquire execution: %v", err)
	}
	if _, err := m.AcquireResolutionLock(ctx, "proj-1", "caller-1"); err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	leases, err := m.ListExecutions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(leases) != 1 || leases[0].TaskID != "t-1" {
		t.Fatalf("expected only the execution lease, got %+v", leases)
	}
}

func TestResolutionLockContention(t *testing.T) {
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	m := newManager(clock)
	ctx := context.Background()

	l, err := m.AcquireResolutionLock(ctx, "proj-1", "caller-1")
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}
	if l.Class != domain.LeaseResolution || l.TaskID != "proj-1" {
		t.Fatalf("unexpected lock: %+v", l)
	}
	// holder re-entry is free
	if _, err := m.AcquireResolutionLock(ctx, "proj-1", "caller-1"); err != nil {
		t.Fatalf("re-acquire by holder: %v", err)
	}
	// a contender polls for LockWait, then reports the holder
	_, err = m.AcquireResolutionLock(ctx, "proj-1", "caller-2")
	var ce fault.ConcurrencyError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConcurrencyError, got %v", err)
	}
	if ce.HolderID != "caller-1" {
		t.Fatalf("expected holder caller-1, got %q", ce.HolderID)
	}

	if _, err := m.ReleaseResolutionLock(ctx, "proj-1", "caller-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := m.AcquireResolutionLock(ctx, "proj-1", "caller-2"); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestSweeperRunsOnSchedule(t *testing.T) {
	var runs atomic.Int64
	s := &lease.Sweeper{
		Schedule: "@every 50ms",
		Run: func(ctx context.Context) (int, error) {
			runs.Add(1)
			return 0, nil
		},
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	s.Stop()
	after := runs.Load()
	if after == 0 {
		t.Fatalf("sweeper never ran")
	}
	time.Sleep(120 * time.Millisecond)
	if runs.Load() != after {
		t.Fatalf("sweeper kept running after stop")
	}
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	s := &lease.Sweeper{Schedule: "not a schedule", Run: func(ctx context.Context) (int, error) { return 0, nil }}
	if err := s.Start(); err == nil {
		t.Fatalf("expected schedule parse error")
	}
}
