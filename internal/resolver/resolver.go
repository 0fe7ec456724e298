// Package resolver computes which tasks of a project are eligible to
// execute. It is the only reader of the task graph on the hot path and
// is guarded, in order, by identifier validation, the per-caller rate
// limiter, the ready cache, an in-process flight group, the per-project
// resolution lock, and the circuit breaker around the store reads.
package resolver

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"gantry/internal/breaker"
	"gantry/internal/cache"
	"gantry/internal/config"
	"gantry/internal/domain"
	"gantry/internal/fault"
	"gantry/internal/ratelimit"
)

// Store is the task-graph snapshot access the resolver needs. repo.Repo
// implements it; tests use an in-memory fake.
type Store interface {
	GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error)
	ProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error)
	ProjectEdges(ctx context.Context, projectID string) ([]domain.DependencyEdge, error)
	ProjectGates(ctx context.Context, projectID string) ([]domain.Gate, error)
	TaskQualities(ctx context.Context, projectID string) (map[string]float64, error)
}

// Locker serializes resolution per project.
type Locker interface {
	AcquireResolutionLock(ctx context.Context, projectID, callerID string) (domain.Lease, error)
	ReleaseResolutionLock(ctx context.Context, projectID, callerID string) (bool, error)
}

// Metrics describes one resolver invocation for the audit sink.
type Metrics struct {
	ProjectID  string
	CallerID   string
	ReadyCount int
	FromCache  bool
	Elapsed    time.Duration
}

type Resolver struct {
	Store      Store
	Locks      Locker
	Breaker    *breaker.Breaker
	Cache      *cache.ReadyCache
	Limiter    *ratelimit.Limiter
	Logger     *log.Logger
	Now        func() time.Time
	OnComputed func(m Metrics)

	flight singleflight.Group
}

// GetReadyTasks returns the project's ready set ordered by stage
// priority weight, then task id. An empty result is not an error.
func (r *Resolver) GetReadyTasks(ctx context.Context, projectID, callerID string) ([]domain.Task, error) {
	if err := fault.CheckID("project_id", projectID); err != nil {
		return nil, err
	}
	if err := fault.CheckID("caller_id", callerID); err != nil {
		return nil, err
	}
	if ok, retry := r.Limiter.Allow(callerID); !ok {
		return nil, fault.SecurityError{CallerID: callerID, Reason: fmt.Sprintf("rate limit exceeded, retry in %s", retry.Round(time.Millisecond))}
	}
	started := r.now()

	if set, ok := r.Cache.Get(projectID); ok {
		r.emit(Metrics{ProjectID: projectID, CallerID: callerID, ReadyCount: len(set.Tasks), FromCache: true, Elapsed: r.now().Sub(started)})
		return set.Tasks, nil
	}

	// Concurrent misses for the same project collapse into one
	// computation; late callers share the winner's result instead of
	// stacking up behind the resolution lock.
	v, err, _ := r.flight.Do(projectID, func() (any, error) {
		return r.resolve(ctx, projectID, callerID, started)
	})
	if err != nil {
		return nil, err
	}
	return v.([]domain.Task), nil
}

// resolve recomputes the ready set under the project's resolution lock
// and fills the cache. Exactly one computation emits one metric.
func (r *Resolver) resolve(ctx context.Context, projectID, callerID string, started time.Time) ([]domain.Task, error) {
	if _, err := r.Locks.AcquireResolutionLock(ctx, projectID, callerID); err != nil {
		if fault.IsConcurrency(err) {
			// A resolver in another process may have filled the cache
			// while we waited.
			if set, ok := r.Cache.Get(projectID); ok {
				r.emit(Metrics{ProjectID: projectID, CallerID: callerID, ReadyCount: len(set.Tasks), FromCache: true, Elapsed: r.now().Sub(started)})
				return set.Tasks, nil
			}
		}
		return nil, err
	}
	defer func() {
		if _, err := r.Locks.ReleaseResolutionLock(ctx, projectID, callerID); err != nil && r.Logger != nil {
			r.Logger.Printf("resolver: release lock for %s: %v", projectID, err)
		}
	}()

	snap, err := r.load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := compute(snap)

	set := domain.ReadySet{
		ProjectID:  projectID,
		ComputedAt: r.now().UTC().Format(time.RFC3339),
		Tasks:      out.ready,
	}
	r.Cache.Put(projectID, set)
	r.emit(Metrics{ProjectID: projectID, CallerID: callerID, ReadyCount: len(out.ready), Elapsed: r.now().Sub(started)})
	return out.ready, nil
}

// BlockingDiagnostics explains, per non-terminal task, what keeps it
// out of the ready set. Tasks that are ready contribute nothing.
func (r *Resolver) BlockingDiagnostics(ctx context.Context, projectID string) ([]domain.BlockedTask, error) {
	if err := fault.CheckID("project_id", projectID); err != nil {
		return nil, err
	}
	snap, err := r.load(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := compute(snap)
	return out.blocked, nil
}

// snapshot is one consistent read of everything readiness depends on.
type snapshot struct {
	cfg       *config.Config
	tasks     []domain.Task
	edges     []domain.DependencyEdge
	gates     []domain.Gate
	qualities map[string]float64
}

func (r *Resolver) load(ctx context.Context, projectID string) (snapshot, error) {
	var snap snapshot
	err := r.Breaker.Do(func() error {
		var err error
		if snap.cfg, err = r.Store.GetProjectConfig(ctx, projectID); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if snap.tasks, err = r.Store.ProjectTasks(ctx, projectID); err != nil {
			return fmt.Errorf("load tasks: %w", err)
		}
		if snap.edges, err = r.Store.ProjectEdges(ctx, projectID); err != nil {
			return fmt.Errorf("load edges: %w", err)
		}
		if snap.gates, err = r.Store.ProjectGates(ctx, projectID); err != nil {
			return fmt.Errorf("load gates: %w", err)
		}
		if snap.qualities, err = r.Store.TaskQualities(ctx, projectID); err != nil {
			return fmt.Errorf("load qualities: %w", err)
		}
		return nil
	})
	return snap, err
}

type outcome struct {
	ready   []domain.Task
	blocked []domain.BlockedTask
}

// compute walks the snapshot and classifies every non-terminal task.
// Stage parallel budgets are applied last so the highest-priority
// candidates win the remaining headroom.
func compute(snap snapshot) outcome {
	taskByID := make(map[string]domain.Task, len(snap.tasks))
	inflight := map[string]int{}
	for _, t := range snap.tasks {
		taskByID[t.ID] = t
		if t.Status == domain.TaskInProgress {
			inflight[t.Stage]++
		}
	}
	edgesByTask := map[string][]domain.DependencyEdge{}
	for _, e := range snap.edges {
		edgesByTask[e.TaskID] = append(edgesByTask[e.TaskID], e)
	}
	gatesByStage := map[string][]domain.Gate{}
	for _, g := range snap.gates {
		gatesByStage[g.Stage] = append(gatesByStage[g.Stage], g)
	}

	var candidates []domain.Task
	var out outcome
	for _, t := range snap.tasks {
		switch t.Status {
		case domain.TaskPending, domain.TaskBlocked, domain.TaskReady:
		default:
			continue
		}
		reasons := blockingReasons(t, edgesByTask[t.ID], gatesByStage[t.Stage], taskByID, snap.qualities)
		if len(reasons) > 0 {
			out.blocked = append(out.blocked, domain.BlockedTask{TaskID: t.ID, Stage: t.Stage, Status: t.Status, Reasons: reasons})
			continue
		}
		candidates = append(candidates, t)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	granted := map[string]int{}
	for _, t := range candidates {
		budget := stageBudget(snap.cfg, t.Stage)
		if inflight[t.Stage]+granted[t.Stage] >= budget {
			out.blocked = append(out.blocked, domain.BlockedTask{
				TaskID: t.ID,
				Stage:  t.Stage,
				Status: t.Status,
				Reasons: []string{fmt.Sprintf("stage %s at parallel capacity (%d of %d in flight)",
					t.Stage, inflight[t.Stage]+granted[t.Stage], budget)},
			})
			continue
		}
		granted[t.Stage]++
		out.ready = append(out.ready, t)
	}
	return out
}

// blockingReasons lists what keeps a task out of the ready set, budget
// aside. Empty means eligible.
func blockingReasons(t domain.Task, edges []domain.DependencyEdge, gates []domain.Gate, taskByID map[string]domain.Task, qualities map[string]float64) []string {
	var reasons []string
	for _, e := range edges {
		dep, known := taskByID[e.DependsOnID]
		switch e.EdgeType {
		case domain.EdgeRequired:
			if !known {
				reasons = append(reasons, fmt.Sprintf("required task %s does not exist", e.DependsOnID))
				continue
			}
			if dep.Status == domain.TaskFailed && dep.Attempts >= dep.MaxAttempts {
				reasons = append(reasons, fmt.Sprintf("required %s task %s failed permanently", dep.Stage, dep.ID))
				continue
			}
			if dep.Status != domain.TaskCompleted {
				reasons = append(reasons, fmt.Sprintf("waiting on required %s task %s (%s)", dep.Stage, dep.ID, dep.Status))
				continue
			}
			if e.MinimumScore != nil {
				got, scored := qualities[dep.ID]
				if !scored {
					reasons = append(reasons, fmt.Sprintf("%s task %s has no scored artifact (minimum %.2f)", dep.Stage, dep.ID, *e.MinimumScore))
				} else if got < *e.MinimumScore {
					reasons = append(reasons, fmt.Sprintf("Improve quality of %s task %s from %.2f to %.2f", dep.Stage, dep.ID, got, *e.MinimumScore))
				}
			}
		case domain.EdgeOptional, domain.EdgeGateRequirement:
			// Optional edges never block; gate_requirement edges act
			// through the stage's capability_check gate.
		}
	}
	for _, g := range gates {
		if !g.Satisfied {
			reasons = append(reasons, fmt.Sprintf("gate %s on stage %s unsatisfied (%.2f of %.2f)", g.Type, g.Stage, g.CurrentValue, g.Threshold))
		}
	}
	return reasons
}

// Reasons reports what keeps one task out of the ready set, stage
// budget aside. The engine uses it to re-check eligibility at
// reservation time and to flip direct dependents eagerly after a
// completion.
func Reasons(t domain.Task, tasks []domain.Task, edges []domain.DependencyEdge, gates []domain.Gate, qualities map[string]float64) []string {
	taskByID := make(map[string]domain.Task, len(tasks))
	for _, other := range tasks {
		taskByID[other.ID] = other
	}
	var own []domain.DependencyEdge
	for _, e := range edges {
		if e.TaskID == t.ID {
			own = append(own, e)
		}
	}
	var stageGates []domain.Gate
	for _, g := range gates {
		if g.Stage == t.Stage {
			stageGates = append(stageGates, g)
		}
	}
	return blockingReasons(t, own, stageGates, taskByID, qualities)
}

func stageBudget(cfg *config.Config, stageName string) int {
	if cfg == nil {
		return 1
	}
	stage, ok := cfg.Pipeline.Stage(stageName)
	if !ok || stage.MaxParallel <= 0 {
		return 1
	}
	return stage.MaxParallel
}

func (r *Resolver) emit(m Metrics) {
	if r.OnComputed != nil {
		r.OnComputed(m)
	}
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
