// Package engine is the library facade over the task graph store, the
// dependency resolver, the gate evaluator, and the lease manager. All
// writes go through here so audit events, gate recomputation, and
// ready cache invalidation stay consistent.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"gantry/internal/breaker"
	"gantry/internal/cache"
	"gantry/internal/config"
	"gantry/internal/coord"
	"gantry/internal/domain"
	"gantry/internal/events"
	"gantry/internal/fault"
	"gantry/internal/gate"
	"gantry/internal/lease"
	"gantry/internal/ratelimit"
	"gantry/internal/repo"
	"gantry/internal/resolver"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Gates    gate.Evaluator
	Leases   *lease.Manager
	Breaker  *breaker.Breaker
	Cache    *cache.ReadyCache
	Resolver *resolver.Resolver
	Logger   *log.Logger
	Now      func() time.Time
}

// New wires a full engine over one database handle. Breaker, cache,
// limiter, and resolver state belong to this instance; two engines
// over the same database coordinate only through the store.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default("gantry")
	}
	r := repo.New(db)
	br := breaker.New("store",
		cfg.Breaker.FailureThreshold,
		time.Duration(cfg.Breaker.WindowSeconds)*time.Second,
		time.Duration(cfg.Breaker.RecoverySeconds)*time.Second)
	ch := cache.New(cfg.Cache.MaxProjects, time.Duration(cfg.Cache.TTLSeconds)*time.Second)
	lm := lease.NewManager(coord.NewSQLiteStore(db))
	lm.TaskTTL = cfg.TaskTTL()
	lm.LockTTL = cfg.LockTTL()
	lm.LockWait = cfg.LockWait()
	res := &resolver.Resolver{
		Store:   r,
		Locks:   lm,
		Breaker: br,
		Cache:   ch,
		Limiter: ratelimit.New(cfg.Limits.CallerRequests, time.Duration(cfg.Limits.WindowSeconds)*time.Second),
	}
	e := Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Gates:    gate.Evaluator{Repo: r},
		Leases:   lm,
		Breaker:  br,
		Cache:    ch,
		Resolver: res,
		Now:      time.Now,
	}
	res.OnComputed = func(m resolver.Metrics) { e.recordResolverMetrics(m) }
	br.OnChange = func(from, to string) { e.recordBreakerChange(from, to) }
	return e
}

// WithClock pins the engine and every component it owns to one clock.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Gates.Now = now
	e.Leases.Now = now
	e.Breaker.Now = now
	e.Resolver.Now = now
	e.Resolver.Limiter.Now = now
	return e
}

func (e Engine) WithLogger(logger *log.Logger) Engine {
	e.Logger = logger
	e.Leases.Logger = logger
	e.Resolver.Logger = logger
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InitProject creates a project and instantiates its pipeline: one
// task per eager stage, dependency edges between stage instances, and
// an unsatisfied gate row for every configured gate. Generated task
// ids are deterministic so re-running init on the same inputs names
// the same tasks.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string, cfg *config.Config) (domain.Project, error) {
	if err := fault.CheckID("project_id", projectID); err != nil {
		return domain.Project{}, err
	}
	if err := fault.CheckID("actor_id", actorID); err != nil {
		return domain.Project{}, err
	}
	if cfg == nil {
		cfg = e.Config
	}
	if cfg == nil {
		return domain.Project{}, fault.ValidationError{Field: "config", Reason: "pipeline config required"}
	}
	if err := cfg.Validate(); err != nil {
		return domain.Project{}, fault.ValidationError{Field: "config", Reason: err.Error()}
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err == nil {
		return domain.Project{}, fault.ValidationError{Field: "project_id", Reason: "project " + projectID + " already initialized"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Project{}, err
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:          projectID,
		Pipeline:    cfg.Pipeline.Name,
		Status:      "active",
		Description: description,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, projectID, now, cfg); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}

	for _, stage := range cfg.Pipeline.Stages {
		for _, spec := range stage.Gates {
			g := domain.Gate{
				ProjectID: projectID,
				Stage:     stage.Name,
				Type:      spec.Type,
				Threshold: spec.Threshold,
				UpdatedAt: now,
			}
			if err := e.Repo.UpsertGateTx(ctx, tx, g); err != nil {
				return domain.Project{}, fmt.Errorf("seed gate %s/%s: %w", stage.Name, spec.Type, err)
			}
		}
	}

	created := map[string][]string{}
	for _, stage := range cfg.Pipeline.Stages {
		if stage.Spawn != config.SpawnEager {
			continue
		}
		t, err := e.insertStageInstanceTx(ctx, tx, cfg, projectID, stage, created, instanceOptions{}, actorID, now)
		if err != nil {
			return domain.Project{}, err
		}
		created[stage.Name] = append(created[stage.Name], t.ID)
	}

	if err := e.Events.Append(ctx, tx, events.ProjectInitialized, projectID, "project", projectID, actorID,
		events.EventPayload{"pipeline": cfg.Pipeline.Name, "stages": len(cfg.Pipeline.Stages)}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.Cache.Invalidate(projectID)

	// Gate rows are seeded unsatisfied; compute their real state against
	// the materialized graph so a gate that already holds (a
	// capability_check with no gate_requirement edges) does not park the
	// stage with nothing left to trigger a recomputation.
	var gated []string
	for _, stage := range cfg.Pipeline.Stages {
		if stage.Spawn == config.SpawnEager && len(stage.Gates) > 0 {
			gated = append(gated, stage.Name)
		}
	}
	if len(gated) > 0 {
		if err := e.recomputeStageGates(ctx, cfg, projectID, gated, false, actorID); err != nil {
			e.logf("init %s: gates: %v", projectID, err)
		}
	}
	return p, nil
}

// instanceOptions carries the caller-chosen parts of a stage instance.
// Zero values fall back to stage config.
type instanceOptions struct {
	ID          string
	Title       string
	Description string
}

// insertStageInstanceTx creates one task for a stage and wires edges to
// every existing task of each dependency stage. createdInTx adds tasks
// inserted earlier in the same transaction to the store's view.
func (e Engine) insertStageInstanceTx(ctx context.Context, tx *sql.Tx, cfg *config.Config, projectID string, stage config.Stage, createdInTx map[string][]string, opts instanceOptions, actorID, now string) (domain.Task, error) {
	ordinal, err := stageOrdinalTx(ctx, tx, projectID, stage.Name)
	if err != nil {
		return domain.Task{}, err
	}
	id := opts.ID
	if id == "" {
		id = deterministicTaskID(projectID, stage.Name, ordinal)
	}
	title := opts.Title
	if title == "" {
		title = stage.Title
		if title == "" {
			title = stage.Name
		}
		if ordinal > 1 {
			title = fmt.Sprintf("%s #%d", title, ordinal)
		}
	}
	t := domain.Task{
		ID:          id,
		ProjectID:   projectID,
		Stage:       stage.Name,
		Title:       title,
		Description: opts.Description,
		Status:      domain.TaskPending,
		Priority:    cfg.Pipeline.PriorityOf(stage.Name),
		MaxAttempts: stage.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task %s: %w", id, err)
	}
	for _, dep := range stage.DependsOn {
		targets, err := stageTaskIDsTx(ctx, tx, projectID, dep.Stage)
		if err != nil {
			return domain.Task{}, err
		}
		targets = append(targets, createdInTx[dep.Stage]...)
		for _, target := range dedupe(targets) {
			edge := domain.DependencyEdge{
				ProjectID:    projectID,
				TaskID:       t.ID,
				DependsOnID:  target,
				EdgeType:     dep.Edge,
				MinimumScore: dep.MinimumScore,
				CreatedAt:    now,
			}
			if err := e.Repo.InsertEdgeTx(ctx, tx, edge); err != nil {
				return domain.Task{}, fmt.Errorf("insert edge %s -> %s: %w", t.ID, target, err)
			}
		}
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, projectID, "task", t.ID, actorID,
		events.EventPayload{"stage": t.Stage, "status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func stageOrdinalTx(ctx context.Context, tx *sql.Tx, projectID, stage string) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE project_id=? AND stage=?`, projectID, stage).Scan(&n); err != nil {
		return 0, err
	}
	return n + 1, nil
}

func stageTaskIDsTx(ctx context.Context, tx *sql.Tx, projectID, stage string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM tasks WHERE project_id=? AND stage=? ORDER BY id`, projectID, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func deterministicTaskID(projectID, stage string, ordinal int) string {
	name := "gantry/" + projectID + "/" + stage + "/" + strconv.Itoa(ordinal)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// ArchiveProject retires a project. Nothing is deleted; an archived
// project refuses mutations but stays readable.
func (e Engine) ArchiveProject(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	if err := fault.CheckID("project_id", projectID); err != nil {
		return domain.Project{}, err
	}
	if err := fault.CheckID("actor_id", actorID); err != nil {
		return domain.Project{}, err
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Project{}, err
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ArchiveProjectTx(ctx, tx, projectID, now); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ProjectArchived, projectID, "project", projectID, actorID, nil); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	e.Cache.Invalidate(projectID)
	return e.Repo.GetProject(ctx, projectID)
}

func (e Engine) requireActiveProject(ctx context.Context, projectID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return p, err
	}
	if p.Status != "active" {
		return p, fault.ValidationError{Field: "project_id", Reason: "project " + projectID + " is archived"}
	}
	return p, nil
}

// projectConfig loads the pipeline snapshot stored with the project,
// falling back to the engine default for projects seeded before a
// config existed.
func (e Engine) projectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) && e.Config != nil {
		return e.Config, nil
	}
	return cfg, err
}

// StatusSummary is the operational view the CLI and API render.
type StatusSummary struct {
	Project domain.Project `json:"project"`
	Counts  map[string]int `json:"counts"`
	Gates   []domain.Gate  `json:"gates"`
	Leases  []domain.Lease `json:"leases"`
	Breaker string         `json:"breaker"`
}

func (e Engine) Status(ctx context.Context, projectID string) (StatusSummary, error) {
	if err := fault.CheckID("project_id", projectID); err != nil {
		return StatusSummary{}, err
	}
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return StatusSummary{}, err
	}
	counts, err := e.Repo.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return StatusSummary{}, err
	}
	gates, err := e.Repo.ProjectGates(ctx, projectID)
	if err != nil {
		return StatusSummary{}, err
	}
	leases, err := e.Leases.ListExecutions(ctx)
	if err != nil {
		return StatusSummary{}, err
	}
	return StatusSummary{Project: p, Counts: counts, Gates: gates, Leases: leases, Breaker: e.Breaker.State()}, nil
}

// recordResolverMetrics appends one resolver.computed event per
// invocation. Best effort: a failed append never fails the resolve.
func (e Engine) recordResolverMetrics(m resolver.Metrics) {
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.logf("resolver metrics: begin: %v", err)
		return
	}
	defer tx.Rollback()
	payload := events.EventPayload{
		"caller_id":   m.CallerID,
		"ready_count": m.ReadyCount,
		"from_cache":  m.FromCache,
		"elapsed_ms":  m.Elapsed.Milliseconds(),
	}
	if err := e.Events.Append(ctx, tx, events.ResolverComputed, m.ProjectID, "project", m.ProjectID, m.CallerID, payload); err != nil {
		e.logf("resolver metrics: append: %v", err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logf("resolver metrics: commit: %v", err)
	}
}

func (e Engine) recordBreakerChange(from, to string) {
	e.logf("breaker: %s -> %s", from, to)
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	evtType := events.BreakerClosed
	switch to {
	case breaker.Open:
		evtType = events.BreakerOpened
	case breaker.HalfOpen:
		evtType = events.BreakerHalfOpen
	}
	if err := e.Events.Append(ctx, tx, evtType, "", "breaker", e.Breaker.Scope, "engine",
		events.EventPayload{"from": from, "to": to}); err != nil {
		return
	}
	_ = tx.Commit()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}
