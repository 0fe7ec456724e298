package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gantry/internal/domain"
	"gantry/internal/events"
	"gantry/internal/fault"
	"gantry/internal/repo"
	"gantry/internal/resolver"
)

// ReserveTask claims a task for exclusive execution. The lease is the
// mutex: it is claimed first with a single compare-and-swap, then the
// status flip to in_progress and the attempt increment commit in one
// transaction. Reserving a task the caller already holds returns the
// live lease unchanged.
func (e Engine) ReserveTask(ctx context.Context, taskID, workerID string, ttl time.Duration) (domain.Task, domain.Lease, error) {
	if err := fault.CheckID("task_id", taskID); err != nil {
		return domain.Task{}, domain.Lease{}, err
	}
	if err := fault.CheckID("worker_id", workerID); err != nil {
		return domain.Task{}, domain.Lease{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, domain.Lease{}, err
	}
	if _, err := e.requireActiveProject(ctx, t.ProjectID); err != nil {
		return domain.Task{}, domain.Lease{}, err
	}
	switch t.Status {
	case domain.TaskInProgress:
		l, held, err := e.Leases.GetExecution(ctx, taskID)
		if err != nil {
			return domain.Task{}, domain.Lease{}, err
		}
		if held && l.WorkerID == workerID && leaseLive(l, e.now()) {
			return t, l, nil
		}
		ce := fault.ConcurrencyError{Resource: "task " + taskID}
		if held {
			ce.HolderID = l.WorkerID
		}
		return domain.Task{}, domain.Lease{}, ce
	case domain.TaskCompleted, domain.TaskFailed:
		return domain.Task{}, domain.Lease{}, fault.ValidationError{Field: "task_id", Reason: "task " + taskID + " already " + t.Status}
	}

	reasons, err := e.taskReasons(ctx, t)
	if err != nil {
		return domain.Task{}, domain.Lease{}, err
	}
	if len(reasons) > 0 {
		return domain.Task{}, domain.Lease{}, fault.ValidationError{Field: "task_id", Reason: "task not ready: " + reasons[0]}
	}

	l, err := e.Leases.AcquireExecution(ctx, taskID, workerID, ttl)
	if err != nil {
		return domain.Task{}, domain.Lease{}, err
	}
	if err := e.startExecution(ctx, t, workerID, l); err != nil {
		if _, rerr := e.Leases.ReleaseExecution(ctx, taskID, workerID); rerr != nil {
			e.logf("reserve %s: rollback lease: %v", taskID, rerr)
		}
		return domain.Task{}, domain.Lease{}, err
	}
	e.Cache.Invalidate(t.ProjectID)
	t, err = e.Repo.GetTask(ctx, taskID)
	return t, l, err
}

// startExecution commits the status flip for a freshly leased task,
// re-checking status and the stage parallel budget inside the write
// transaction where the view is authoritative.
func (e Engine) startExecution(ctx context.Context, t domain.Task, workerID string, l domain.Lease) error {
	cfg, err := e.projectConfig(ctx, t.ProjectID)
	if err != nil {
		return err
	}
	budget := 1
	if stage, ok := cfg.Pipeline.Stage(t.Stage); ok && stage.MaxParallel > 0 {
		budget = stage.MaxParallel
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetTaskTx(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	switch cur.Status {
	case domain.TaskPending, domain.TaskReady, domain.TaskBlocked:
	default:
		return fault.ConcurrencyError{Resource: "task " + t.ID}
	}
	var inflight int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE project_id=? AND stage=? AND status=?`,
		t.ProjectID, t.Stage, domain.TaskInProgress).Scan(&inflight); err != nil {
		return err
	}
	if inflight >= budget {
		return fault.ConcurrencyError{Resource: fmt.Sprintf("stage %s parallel capacity (%d of %d in flight)", t.Stage, inflight, budget)}
	}
	if err := e.Repo.MarkInProgressTx(ctx, tx, t.ID, workerID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TaskReserved, t.ProjectID, "task", t.ID, workerID,
		events.EventPayload{"expires_at": l.ExpiresAt, "attempt": cur.Attempts + 1}); err != nil {
		return err
	}
	return tx.Commit()
}

// taskReasons re-checks a single task's eligibility against the live
// graph, stage budget aside.
func (e Engine) taskReasons(ctx context.Context, t domain.Task) ([]string, error) {
	tasks, err := e.Repo.ProjectTasks(ctx, t.ProjectID)
	if err != nil {
		return nil, err
	}
	edges, err := e.Repo.ProjectEdges(ctx, t.ProjectID)
	if err != nil {
		return nil, err
	}
	gates, err := e.Repo.ProjectGates(ctx, t.ProjectID)
	if err != nil {
		return nil, err
	}
	qualities, err := e.Repo.TaskQualities(ctx, t.ProjectID)
	if err != nil {
		return nil, err
	}
	return resolver.Reasons(t, tasks, edges, gates, qualities), nil
}

// RenewLease extends a live execution lease before it expires.
func (e Engine) RenewLease(ctx context.Context, taskID, workerID string, ttl time.Duration) (domain.Lease, error) {
	if err := fault.CheckID("task_id", taskID); err != nil {
		return domain.Lease{}, err
	}
	if err := fault.CheckID("worker_id", workerID); err != nil {
		return domain.Lease{}, err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Lease{}, err
	}
	l, err := e.Leases.RenewExecution(ctx, taskID, workerID, ttl)
	if err != nil {
		return domain.Lease{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Lease{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.LeaseRenewed, t.ProjectID, "lease", taskID, workerID,
		events.EventPayload{"expires_at": l.ExpiresAt}); err != nil {
		return domain.Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Lease{}, err
	}
	return l, nil
}

// ReleaseTask gives a task back without completing it. The release is
// compare-and-delete on the owner: a non-owner call changes nothing and
// returns nil, matching at-least-once workers that release after their
// lease already lapsed.
func (e Engine) ReleaseTask(ctx context.Context, taskID, workerID string) error {
	if err := fault.CheckID("task_id", taskID); err != nil {
		return err
	}
	if err := fault.CheckID("worker_id", workerID); err != nil {
		return err
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	released, err := e.Leases.ReleaseExecution(ctx, taskID, workerID)
	if err != nil {
		return err
	}
	if !released {
		return nil
	}
	if t.Status != domain.TaskInProgress {
		return nil
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RequeueTaskTx(ctx, tx, taskID, now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TaskReleased, t.ProjectID, "task", taskID, workerID,
		events.EventPayload{"attempt": t.Attempts}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Cache.Invalidate(t.ProjectID)
	return nil
}

// SweepExpiredLeases requeues every in_progress task whose execution
// lease is gone or expired. Attempts is not touched: reclaiming a slot
// is not a new execution. Returns the number of tasks requeued.
func (e Engine) SweepExpiredLeases(ctx context.Context) (int, error) {
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Status: domain.TaskInProgress})
	if err != nil {
		return 0, err
	}
	now := e.now()
	swept := 0
	for _, t := range tasks {
		l, held, err := e.Leases.GetExecution(ctx, t.ID)
		if err != nil {
			return swept, err
		}
		if held && leaseLive(l, now) {
			continue
		}
		nowStr := e.nowString()
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return swept, err
		}
		if err := e.sweepOneTx(ctx, tx, t, l, held, nowStr); err != nil {
			tx.Rollback()
			return swept, err
		}
		if err := tx.Commit(); err != nil {
			return swept, err
		}
		e.Cache.Invalidate(t.ProjectID)
		swept++
	}
	if swept > 0 {
		e.logf("sweep: requeued %d expired task(s)", swept)
	}
	return swept, nil
}

func (e Engine) sweepOneTx(ctx context.Context, tx *sql.Tx, t domain.Task, l domain.Lease, held bool, now string) error {
	if err := e.Repo.RequeueTaskTx(ctx, tx, t.ID, now); err != nil {
		return err
	}
	payload := events.EventPayload{"attempt": t.Attempts}
	if held {
		payload["worker_id"] = l.WorkerID
		payload["expired_at"] = l.ExpiresAt
	}
	if err := e.Events.Append(ctx, tx, events.LeaseExpired, t.ProjectID, "lease", t.ID, "sweeper", payload); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, events.TaskRequeued, t.ProjectID, "task", t.ID, "sweeper",
		events.EventPayload{"attempt": t.Attempts, "max_attempts": t.MaxAttempts})
}

func leaseLive(l domain.Lease, now time.Time) bool {
	exp, err := time.Parse(time.RFC3339, l.ExpiresAt)
	if err != nil {
		return false
	}
	return now.Before(exp)
}
