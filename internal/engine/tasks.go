package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gantry/internal/config"
	"gantry/internal/domain"
	"gantry/internal/events"
	"gantry/internal/fault"
	"gantry/internal/resolver"
)

// GetReadyTasks delegates to the resolver after checking the project
// exists, so unknown ids read as not-found instead of an empty set.
func (e Engine) GetReadyTasks(ctx context.Context, projectID, callerID string) ([]domain.Task, error) {
	if err := fault.CheckID("project_id", projectID); err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Resolver.GetReadyTasks(ctx, projectID, callerID)
}

// Diagnostics explains, per non-terminal task, what keeps it out of
// the ready set.
func (e Engine) Diagnostics(ctx context.Context, projectID string) ([]domain.BlockedTask, error) {
	if err := fault.CheckID("project_id", projectID); err != nil {
		return nil, err
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Resolver.BlockingDiagnostics(ctx, projectID)
}

// TaskCreateOptions are parameters for adding a stage instance by hand,
// on top of what project init materializes.
type TaskCreateOptions struct {
	ID          string
	ProjectID   string
	Stage       string
	Title       string
	Description string
	DependsOn   []string
	ActorID     string
}

// CreateTask adds another instance of a pipeline stage. The instance
// inherits the stage's dependency edges against every existing task of
// each dependency stage; DependsOn adds explicit task-level edges on
// top.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if err := fault.CheckID("project_id", opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	if err := fault.CheckID("actor_id", opts.ActorID); err != nil {
		return domain.Task{}, err
	}
	if opts.ID != "" {
		if err := fault.CheckID("task_id", opts.ID); err != nil {
			return domain.Task{}, err
		}
	}
	if _, err := e.requireActiveProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	cfg, err := e.projectConfig(ctx, opts.ProjectID)
	if err != nil {
		return domain.Task{}, err
	}
	stage, ok := cfg.Pipeline.Stage(opts.Stage)
	if !ok {
		return domain.Task{}, fault.ValidationError{Field: "stage", Reason: "unknown stage " + opts.Stage}
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.insertStageInstanceTx(ctx, tx, cfg, opts.ProjectID, stage, nil,
		instanceOptions{ID: opts.ID, Title: opts.Title, Description: opts.Description}, opts.ActorID, now)
	if err != nil {
		return domain.Task{}, err
	}
	for _, depID := range dedupe(opts.DependsOn) {
		if depID == t.ID {
			return domain.Task{}, fault.ValidationError{Field: "depends_on", Reason: "task cannot depend on itself"}
		}
		dep, err := e.Repo.GetTaskTx(ctx, tx, depID)
		if err != nil {
			return domain.Task{}, fmt.Errorf("dependency %s: %w", depID, err)
		}
		if dep.ProjectID != opts.ProjectID {
			return domain.Task{}, fault.ValidationError{Field: "depends_on", Reason: "task " + depID + " is in a different project"}
		}
		exists, err := edgeExistsTx(ctx, tx, t.ID, depID)
		if err != nil {
			return domain.Task{}, err
		}
		if exists {
			continue
		}
		edge := domain.DependencyEdge{
			ProjectID:   opts.ProjectID,
			TaskID:      t.ID,
			DependsOnID: depID,
			EdgeType:    domain.EdgeRequired,
			CreatedAt:   now,
		}
		if err := e.Repo.InsertEdgeTx(ctx, tx, edge); err != nil {
			return domain.Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Cache.Invalidate(opts.ProjectID)
	return t, nil
}

func edgeExistsTx(ctx context.Context, tx *sql.Tx, taskID, dependsOnID string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM task_edges WHERE task_id=? AND depends_on_id=?`, taskID, dependsOnID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateTaskStatus records a worker's terminal report for an execution.
// Only completed and failed are accepted; repeating a report the store
// already shows is a no-op, including a failure report that arrives
// again after the retry policy already requeued the task. The worker
// must still hold the execution
// lease, otherwise the slot has been reclaimed and the report is
// rejected with a ConcurrencyError.
func (e Engine) UpdateTaskStatus(ctx context.Context, taskID, status, workerID string) (domain.Task, error) {
	if err := fault.CheckID("task_id", taskID); err != nil {
		return domain.Task{}, err
	}
	if err := fault.CheckID("worker_id", workerID); err != nil {
		return domain.Task{}, err
	}
	if status != domain.TaskCompleted && status != domain.TaskFailed {
		return domain.Task{}, fault.ValidationError{Field: "status", Reason: "status must be completed or failed"}
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status == status {
		return t, nil
	}
	if status == domain.TaskFailed && t.Status == domain.TaskReady && t.Attempts > 0 {
		// The failure already consumed an attempt and requeued the
		// task; a redelivered report changes nothing.
		return t, nil
	}
	if _, err := e.requireActiveProject(ctx, t.ProjectID); err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskInProgress {
		return domain.Task{}, fault.ValidationError{Field: "status", Reason: fmt.Sprintf("cannot report %s for a task in status %s", status, t.Status)}
	}
	l, held, err := e.Leases.GetExecution(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if !held || l.WorkerID != workerID || !leaseLive(l, e.now()) {
		ce := fault.ConcurrencyError{Resource: "lease for task " + taskID}
		if held && l.WorkerID != workerID {
			ce.HolderID = l.WorkerID
		}
		return domain.Task{}, ce
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	permanentFailure := false
	switch status {
	case domain.TaskCompleted:
		if err := e.Repo.MarkCompletedTx(ctx, tx, taskID, now); err != nil {
			return domain.Task{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TaskStatusChanged, t.ProjectID, "task", taskID, workerID,
			events.EventPayload{"from": t.Status, "to": domain.TaskCompleted, "attempt": t.Attempts}); err != nil {
			return domain.Task{}, err
		}
	case domain.TaskFailed:
		if err := e.Events.Append(ctx, tx, events.TaskStatusChanged, t.ProjectID, "task", taskID, workerID,
			events.EventPayload{"from": t.Status, "to": domain.TaskFailed, "attempt": t.Attempts}); err != nil {
			return domain.Task{}, err
		}
		if t.Attempts < t.MaxAttempts {
			if err := e.Repo.RequeueTaskTx(ctx, tx, taskID, now); err != nil {
				return domain.Task{}, err
			}
			if err := e.Events.Append(ctx, tx, events.TaskRequeued, t.ProjectID, "task", taskID, workerID,
				events.EventPayload{"attempt": t.Attempts, "max_attempts": t.MaxAttempts}); err != nil {
				return domain.Task{}, err
			}
		} else {
			permanentFailure = true
			if err := e.Repo.MarkFailedTx(ctx, tx, taskID, now); err != nil {
				return domain.Task{}, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Leases.ReleaseExecution(ctx, taskID, workerID); err != nil {
		e.logf("release lease for %s: %v", taskID, err)
	}
	e.Cache.Invalidate(t.ProjectID)

	if status == domain.TaskCompleted {
		e.propagateCompletion(ctx, t, workerID)
	}
	if permanentFailure {
		e.markDependentsBlocked(ctx, t, workerID)
	}
	return e.Repo.GetTask(ctx, taskID)
}

// propagateCompletion runs the eager side effects of a completion:
// dependent-stage gates are recomputed, lazy stages materialize, and
// direct dependents flip to ready when nothing blocks them anymore.
// Everything here is best effort; the resolver recomputes the same
// facts from the store on every read.
func (e Engine) propagateCompletion(ctx context.Context, completed domain.Task, actorID string) {
	cfg, err := e.projectConfig(ctx, completed.ProjectID)
	if err != nil {
		e.logf("propagate %s: config: %v", completed.ID, err)
		return
	}
	edges, err := e.Repo.EdgesInto(ctx, completed.ID)
	if err != nil {
		e.logf("propagate %s: edges: %v", completed.ID, err)
		return
	}
	tasks, err := e.Repo.ProjectTasks(ctx, completed.ProjectID)
	if err != nil {
		e.logf("propagate %s: tasks: %v", completed.ID, err)
		return
	}
	stageByID := make(map[string]string, len(tasks))
	for _, t := range tasks {
		stageByID[t.ID] = t.Stage
	}
	var dependentIDs, stages []string
	for _, edge := range edges {
		dependentIDs = append(dependentIDs, edge.TaskID)
		if s, ok := stageByID[edge.TaskID]; ok {
			stages = append(stages, s)
		}
	}
	if err := e.recomputeStageGates(ctx, cfg, completed.ProjectID, stages, false, actorID); err != nil {
		e.logf("propagate %s: gates: %v", completed.ID, err)
	}
	spawned, err := e.materializeLazyStages(ctx, cfg, completed.ProjectID, actorID)
	if err != nil {
		e.logf("propagate %s: spawn: %v", completed.ID, err)
	}
	var spawnedIDs, spawnedStages []string
	for _, s := range spawned {
		spawnedIDs = append(spawnedIDs, s.ID)
		spawnedStages = append(spawnedStages, s.Stage)
	}
	// A freshly materialized stage carries gate rows seeded unsatisfied;
	// compute them against the real edges before judging eligibility.
	if len(spawnedStages) > 0 {
		if err := e.recomputeStageGates(ctx, cfg, completed.ProjectID, spawnedStages, false, actorID); err != nil {
			e.logf("propagate %s: spawned gates: %v", completed.ID, err)
		}
	}
	if err := e.flipEligible(ctx, completed.ProjectID, append(dependentIDs, spawnedIDs...), actorID); err != nil {
		e.logf("propagate %s: flip: %v", completed.ID, err)
	}
}

// materializeLazyStages creates the first instance of every lazy stage
// whose dependency stages all have at least one completed task.
func (e Engine) materializeLazyStages(ctx context.Context, cfg *config.Config, projectID, actorID string) ([]domain.Task, error) {
	tasks, err := e.Repo.ProjectTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	instances := map[string]int{}
	completed := map[string]int{}
	for _, t := range tasks {
		instances[t.Stage]++
		if t.Status == domain.TaskCompleted {
			completed[t.Stage]++
		}
	}
	var due []config.Stage
	for _, stage := range cfg.Pipeline.Stages {
		if stage.Spawn != config.SpawnLazy || instances[stage.Name] > 0 {
			continue
		}
		satisfied := len(stage.DependsOn) > 0
		for _, dep := range stage.DependsOn {
			if completed[dep.Stage] == 0 {
				satisfied = false
				break
			}
		}
		if satisfied {
			due = append(due, stage)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	var created []domain.Task
	for _, stage := range due {
		t, err := e.insertStageInstanceTx(ctx, tx, cfg, projectID, stage, nil, instanceOptions{}, actorID, now)
		if err != nil {
			return nil, err
		}
		created = append(created, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	e.Cache.Invalidate(projectID)
	return created, nil
}

// flipEligible promotes the given pending or blocked tasks to ready
// when nothing blocks them. Stage budgets are not consulted: ready is
// an eligibility statement, dispatch headroom belongs to the resolver.
func (e Engine) flipEligible(ctx context.Context, projectID string, ids []string, actorID string) error {
	if len(ids) == 0 {
		return nil
	}
	tasks, err := e.Repo.ProjectTasks(ctx, projectID)
	if err != nil {
		return err
	}
	edges, err := e.Repo.ProjectEdges(ctx, projectID)
	if err != nil {
		return err
	}
	gates, err := e.Repo.ProjectGates(ctx, projectID)
	if err != nil {
		return err
	}
	qualities, err := e.Repo.TaskQualities(ctx, projectID)
	if err != nil {
		return err
	}
	byID := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	var flips []domain.Task
	for _, id := range dedupe(ids) {
		t, ok := byID[id]
		if !ok {
			continue
		}
		if t.Status != domain.TaskPending && t.Status != domain.TaskBlocked {
			continue
		}
		if len(resolver.Reasons(t, tasks, edges, gates, qualities)) > 0 {
			continue
		}
		flips = append(flips, t)
	}
	if len(flips) == 0 {
		return nil
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, t := range flips {
		if err := e.Repo.MarkReadyTx(ctx, tx, t.ID, now); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.TaskStatusChanged, projectID, "task", t.ID, actorID,
			events.EventPayload{"from": t.Status, "to": domain.TaskReady}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Cache.Invalidate(projectID)
	return nil
}

// markDependentsBlocked parks direct required dependents of a
// permanently failed task so listings explain themselves without a
// resolver pass.
func (e Engine) markDependentsBlocked(ctx context.Context, failed domain.Task, actorID string) {
	edges, err := e.Repo.EdgesInto(ctx, failed.ID)
	if err != nil {
		e.logf("block dependents of %s: %v", failed.ID, err)
		return
	}
	reason := fmt.Sprintf("required %s task %s failed permanently", failed.Stage, failed.ID)
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.logf("block dependents of %s: %v", failed.ID, err)
		return
	}
	defer tx.Rollback()
	blocked := 0
	for _, edge := range edges {
		if edge.EdgeType != domain.EdgeRequired {
			continue
		}
		dep, err := e.Repo.GetTaskTx(ctx, tx, edge.TaskID)
		if err != nil {
			e.logf("block dependents of %s: %v", failed.ID, err)
			return
		}
		if dep.Status != domain.TaskPending && dep.Status != domain.TaskReady {
			continue
		}
		if err := e.Repo.SetBlockedTx(ctx, tx, dep.ID, reason, now); err != nil {
			e.logf("block dependents of %s: %v", failed.ID, err)
			return
		}
		if err := e.Events.Append(ctx, tx, events.TaskStatusChanged, failed.ProjectID, "task", dep.ID, actorID,
			events.EventPayload{"from": dep.Status, "to": domain.TaskBlocked, "reason": reason}); err != nil {
			e.logf("block dependents of %s: %v", failed.ID, err)
			return
		}
		blocked++
	}
	if err := tx.Commit(); err != nil {
		e.logf("block dependents of %s: %v", failed.ID, err)
		return
	}
	if blocked > 0 {
		e.Cache.Invalidate(failed.ProjectID)
	}
}
