// Package lease coordinates workers through two lock classes over the
// coordination store: task-scoped execution leases and project-scoped
// resolution locks.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"gantry/internal/coord"
	"gantry/internal/domain"
	"gantry/internal/fault"
)

const (
	taskKeyPrefix = "lease:task:"
	lockKeyPrefix = "lock:resolve:"
)

type Manager struct {
	Store    coord.Store
	Now      func() time.Time
	TaskTTL  time.Duration
	LockTTL  time.Duration
	LockWait time.Duration
	Logger   *log.Logger
}

func NewManager(store coord.Store) *Manager {
	return &Manager{
		Store:    store,
		Now:      time.Now,
		TaskTTL:  time.Hour,
		LockTTL:  30 * time.Second,
		LockWait: 5 * time.Second,
	}
}

// AcquireExecution claims the execution lease for a task. A single
// attempt: a live lease under another worker is an immediate
// ConcurrencyError so the caller can pick a different task.
func (m *Manager) AcquireExecution(ctx context.Context, taskID, workerID string, ttl time.Duration) (domain.Lease, error) {
	if ttl <= 0 {
		ttl = m.TaskTTL
	}
	entry, err := m.acquire(ctx, taskKeyPrefix+taskID, workerID, ttl, 0)
	if err != nil {
		return domain.Lease{}, err
	}
	return executionLease(entry), nil
}

// RenewExecution extends a live execution lease held by workerID.
func (m *Manager) RenewExecution(ctx context.Context, taskID, workerID string, ttl time.Duration) (domain.Lease, error) {
	if ttl <= 0 {
		ttl = m.TaskTTL
	}
	now := m.now()
	entry, err := m.Store.Renew(ctx, taskKeyPrefix+taskID, workerID, now, now.Add(ttl))
	if errors.Is(err, coord.ErrNotHeld) {
		return domain.Lease{}, fault.ConcurrencyError{Resource: "lease for task " + taskID}
	}
	if err != nil {
		return domain.Lease{}, err
	}
	return executionLease(entry), nil
}

// ReleaseExecution is compare-and-delete on the owner. Releasing a
// lease held by someone else, or not held at all, is a no-op.
func (m *Manager) ReleaseExecution(ctx context.Context, taskID, workerID string) (bool, error) {
	released, err := m.Store.Release(ctx, taskKeyPrefix+taskID, workerID)
	if err != nil {
		return false, err
	}
	if !released && m.Logger != nil {
		m.Logger.Printf("lease: release of task %s by %s was a no-op", taskID, workerID)
	}
	return released, nil
}

// GetExecution returns the current execution lease for a task, live or
// expired. The second return is false when no lease row exists.
func (m *Manager) GetExecution(ctx context.Context, taskID string) (domain.Lease, bool, error) {
	entry, err := m.Store.Get(ctx, taskKeyPrefix+taskID)
	if errors.Is(err, coord.ErrNotHeld) {
		return domain.Lease{}, false, nil
	}
	if err != nil {
		return domain.Lease{}, false, err
	}
	return executionLease(entry), true, nil
}

// ListExecutions returns all execution leases, live or expired.
func (m *Manager) ListExecutions(ctx context.Context) ([]domain.Lease, error) {
	entries, err := m.Store.Scan(ctx, taskKeyPrefix)
	if err != nil {
		return nil, err
	}
	leases := make([]domain.Lease, 0, len(entries))
	for _, e := range entries {
		leases = append(leases, executionLease(e))
	}
	return leases, nil
}

// AcquireResolutionLock serializes resolver computation per project.
// Contending callers poll with exponential backoff for up to LockWait
// before giving up with a ConcurrencyError.
func (m *Manager) AcquireResolutionLock(ctx context.Context, projectID, callerID string) (domain.Lease, error) {
	entry, err := m.acquire(ctx, lockKeyPrefix+projectID, callerID, m.LockTTL, m.LockWait)
	if err != nil {
		return domain.Lease{}, err
	}
	l := executionLease(entry)
	l.Class = domain.LeaseResolution
	l.TaskID = projectID
	return l, nil
}

// ReleaseResolutionLock drops the project's resolution lock if held by
// callerID.
func (m *Manager) ReleaseResolutionLock(ctx context.Context, projectID, callerID string) (bool, error) {
	return m.Store.Release(ctx, lockKeyPrefix+projectID, callerID)
}

// acquire runs the set-if-absent claim, retrying contention and store
// errors with exponential backoff until wait elapses. wait <= 0 means a
// single attempt.
func (m *Manager) acquire(ctx context.Context, key, ownerID string, ttl, wait time.Duration) (coord.Entry, error) {
	op := func() (coord.Entry, error) {
		now := m.now()
		entry, ok, err := m.Store.SetNX(ctx, key, ownerID, now, now.Add(ttl))
		if err != nil {
			return coord.Entry{}, err
		}
		if !ok {
			if entry.OwnerID == ownerID && entry.Live(now) {
				// Re-entrant claim by the current holder.
				return entry, nil
			}
			return coord.Entry{}, fault.ConcurrencyError{Resource: resourceName(key), HolderID: entry.OwnerID}
		}
		return entry, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if wait <= 0 {
		opts = append(opts, backoff.WithMaxTries(1))
	} else {
		opts = append(opts, backoff.WithMaxElapsedTime(wait))
	}
	return backoff.Retry(ctx, op, opts...)
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func executionLease(e coord.Entry) domain.Lease {
	return domain.Lease{
		TaskID:     strings.TrimPrefix(e.Key, taskKeyPrefix),
		WorkerID:   e.OwnerID,
		Class:      domain.LeaseExecution,
		AcquiredAt: e.AcquiredAt.UTC().Format(time.RFC3339),
		ExpiresAt:  e.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func resourceName(key string) string {
	if strings.HasPrefix(key, taskKeyPrefix) {
		return fmt.Sprintf("lease for task %s", strings.TrimPrefix(key, taskKeyPrefix))
	}
	if strings.HasPrefix(key, lockKeyPrefix) {
		return fmt.Sprintf("resolution lock for project %s", strings.TrimPrefix(key, lockKeyPrefix))
	}
	return key
}
