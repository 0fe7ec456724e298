package engine

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"gantry/internal/config"
	"gantry/internal/domain"
	"gantry/internal/events"
	"gantry/internal/fault"
	"gantry/internal/repo"
)

// ArtifactOptions are parameters for recording a task output.
type ArtifactOptions struct {
	ID      string
	TaskID  string
	Kind    string
	URI     string
	Quality *float64
	ActorID string
}

// RecordArtifact attaches an output to a task and recomputes the
// stage's gates. A scored artifact can raise quality gates and unlock
// minimum_score edges; it never un-satisfies a gate.
func (e Engine) RecordArtifact(ctx context.Context, opts ArtifactOptions) (domain.Artifact, error) {
	if err := fault.CheckID("task_id", opts.TaskID); err != nil {
		return domain.Artifact{}, err
	}
	if err := fault.CheckID("actor_id", opts.ActorID); err != nil {
		return domain.Artifact{}, err
	}
	if opts.Kind == "" {
		return domain.Artifact{}, fault.ValidationError{Field: "kind", Reason: "artifact kind required"}
	}
	if opts.Quality != nil && (*opts.Quality < 0 || *opts.Quality > 1) {
		return domain.Artifact{}, fault.ValidationError{Field: "quality", Reason: "quality must be within [0,1]"}
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if _, err := e.requireActiveProject(ctx, t.ProjectID); err != nil {
		return domain.Artifact{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	a := domain.Artifact{
		ID:        id,
		ProjectID: t.ProjectID,
		TaskID:    t.ID,
		Kind:      opts.Kind,
		URI:       opts.URI,
		Quality:   opts.Quality,
		CreatedBy: opts.ActorID,
		CreatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, err
	}
	payload := events.EventPayload{"task_id": t.ID, "kind": a.Kind}
	if a.Quality != nil {
		payload["quality"] = *a.Quality
	}
	if err := e.Events.Append(ctx, tx, events.ArtifactRecorded, t.ProjectID, "artifact", a.ID, opts.ActorID, payload); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	e.refreshStage(ctx, t, false, opts.ActorID)
	return a, nil
}

// InvalidateArtifact withdraws an artifact from gate and quality math.
// This is the one trigger allowed to regress a satisfied gate. Already
// invalidated artifacts are a no-op.
func (e Engine) InvalidateArtifact(ctx context.Context, artifactID, reason, actorID string) (domain.Artifact, error) {
	if err := fault.CheckID("artifact_id", artifactID); err != nil {
		return domain.Artifact{}, err
	}
	if err := fault.CheckID("actor_id", actorID); err != nil {
		return domain.Artifact{}, err
	}
	a, err := e.Repo.GetArtifact(ctx, artifactID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if _, err := e.requireActiveProject(ctx, a.ProjectID); err != nil {
		return domain.Artifact{}, err
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()
	changed, err := e.Repo.InvalidateArtifactTx(ctx, tx, artifactID, actorID, reason, now)
	if err != nil {
		return domain.Artifact{}, err
	}
	if !changed {
		return a, nil
	}
	if err := e.Events.Append(ctx, tx, events.ArtifactInvalidated, a.ProjectID, "artifact", a.ID, actorID,
		events.EventPayload{"task_id": a.TaskID, "reason": reason}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	t, err := e.Repo.GetTask(ctx, a.TaskID)
	if err == nil {
		e.refreshStage(ctx, t, true, actorID)
	}
	return e.Repo.GetArtifact(ctx, artifactID)
}

// ReviewOptions are parameters for recording a review score.
type ReviewOptions struct {
	ID           string
	TaskID       string
	ReviewerID   string
	ReviewerType string
	Score        float64
	Positive     bool
	SignedOff    bool
	Comment      string
	ActorID      string
}

// AddReview records a review score against a task. Reviews only count
// toward review_points gates once positive and signed off; SignedOff
// lets automated reviewers attest in one step.
func (e Engine) AddReview(ctx context.Context, opts ReviewOptions) (domain.ReviewScore, error) {
	if err := fault.CheckID("task_id", opts.TaskID); err != nil {
		return domain.ReviewScore{}, err
	}
	if err := fault.CheckID("reviewer_id", opts.ReviewerID); err != nil {
		return domain.ReviewScore{}, err
	}
	if err := fault.CheckID("actor_id", opts.ActorID); err != nil {
		return domain.ReviewScore{}, err
	}
	if opts.ReviewerType != domain.ReviewerHuman && opts.ReviewerType != domain.ReviewerAutomated {
		return domain.ReviewScore{}, fault.ValidationError{Field: "reviewer_type", Reason: "reviewer_type must be human or automated"}
	}
	if opts.Score < 0 || opts.Score > 1 {
		return domain.ReviewScore{}, fault.ValidationError{Field: "score", Reason: "score must be within [0,1]"}
	}
	t, err := e.Repo.GetTask(ctx, opts.TaskID)
	if err != nil {
		return domain.ReviewScore{}, err
	}
	if _, err := e.requireActiveProject(ctx, t.ProjectID); err != nil {
		return domain.ReviewScore{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	rv := domain.ReviewScore{
		ID:           id,
		ProjectID:    t.ProjectID,
		TaskID:       t.ID,
		ReviewerID:   opts.ReviewerID,
		ReviewerType: opts.ReviewerType,
		Score:        opts.Score,
		Positive:     opts.Positive,
		Comment:      opts.Comment,
		CreatedAt:    now,
	}
	if opts.SignedOff {
		rv.SignedOff = true
		rv.SignedOffBy = &opts.ActorID
		rv.SignedOffAt = &now
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewScore{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReviewTx(ctx, tx, rv); err != nil {
		return domain.ReviewScore{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ReviewRecorded, t.ProjectID, "review", rv.ID, opts.ActorID,
		events.EventPayload{"task_id": t.ID, "reviewer_type": rv.ReviewerType, "score": rv.Score, "positive": rv.Positive}); err != nil {
		return domain.ReviewScore{}, err
	}
	if rv.SignedOff {
		if err := e.Events.Append(ctx, tx, events.ReviewSignedOff, t.ProjectID, "review", rv.ID, opts.ActorID,
			events.EventPayload{"task_id": t.ID}); err != nil {
			return domain.ReviewScore{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewScore{}, err
	}
	if rv.SignedOff {
		e.refreshStage(ctx, t, false, opts.ActorID)
	}
	return rv, nil
}

// SignOffReview attests an existing review, making it count toward
// review_points. Signing off twice is a no-op.
func (e Engine) SignOffReview(ctx context.Context, reviewID, actorID string) (domain.ReviewScore, error) {
	if err := fault.CheckID("review_id", reviewID); err != nil {
		return domain.ReviewScore{}, err
	}
	if err := fault.CheckID("actor_id", actorID); err != nil {
		return domain.ReviewScore{}, err
	}
	rv, err := e.Repo.GetReview(ctx, reviewID)
	if err != nil {
		return domain.ReviewScore{}, err
	}
	if _, err := e.requireActiveProject(ctx, rv.ProjectID); err != nil {
		return domain.ReviewScore{}, err
	}
	now := e.nowString()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewScore{}, err
	}
	defer tx.Rollback()
	changed, err := e.Repo.SignOffReviewTx(ctx, tx, reviewID, actorID, now)
	if err != nil {
		return domain.ReviewScore{}, err
	}
	if !changed {
		return rv, nil
	}
	if err := e.Events.Append(ctx, tx, events.ReviewSignedOff, rv.ProjectID, "review", rv.ID, actorID,
		events.EventPayload{"task_id": rv.TaskID}); err != nil {
		return domain.ReviewScore{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewScore{}, err
	}
	if t, err := e.Repo.GetTask(ctx, rv.TaskID); err == nil {
		e.refreshStage(ctx, t, false, actorID)
	}
	return e.Repo.GetReview(ctx, reviewID)
}

// refreshStage recomputes one stage's gates after a quality trigger and
// flips that stage's parked tasks when the change unblocks them. Best
// effort: the resolver rechecks everything on read.
func (e Engine) refreshStage(ctx context.Context, t domain.Task, allowRegress bool, actorID string) {
	cfg, err := e.projectConfig(ctx, t.ProjectID)
	if err != nil {
		e.logf("refresh %s/%s: config: %v", t.ProjectID, t.Stage, err)
		return
	}
	if err := e.recomputeStageGates(ctx, cfg, t.ProjectID, []string{t.Stage}, allowRegress, actorID); err != nil {
		e.logf("refresh %s/%s: gates: %v", t.ProjectID, t.Stage, err)
		return
	}
	e.Cache.Invalidate(t.ProjectID)

	// A quality change on this stage can unblock this stage's own
	// tasks (via gates) and tasks downstream (via minimum_score
	// edges). Flip both sets eagerly.
	tasks, err := e.Repo.ProjectTasks(ctx, t.ProjectID)
	if err != nil {
		e.logf("refresh %s/%s: tasks: %v", t.ProjectID, t.Stage, err)
		return
	}
	edges, err := e.Repo.ProjectEdges(ctx, t.ProjectID)
	if err != nil {
		e.logf("refresh %s/%s: edges: %v", t.ProjectID, t.Stage, err)
		return
	}
	var ids []string
	for _, other := range tasks {
		if other.Stage == t.Stage {
			ids = append(ids, other.ID)
		}
	}
	for _, edge := range edges {
		if edge.DependsOnID == t.ID {
			ids = append(ids, edge.TaskID)
		}
	}
	if err := e.flipEligible(ctx, t.ProjectID, ids, actorID); err != nil {
		e.logf("refresh %s/%s: flip: %v", t.ProjectID, t.Stage, err)
	}
}

// recomputeStageGates re-evaluates the named stages' gates and persists
// the rows. Satisfied is monotone: once a gate satisfies, later
// recomputation keeps it satisfied unless allowRegress is set, which
// only the artifact invalidation path does.
func (e Engine) recomputeStageGates(ctx context.Context, cfg *config.Config, projectID string, stages []string, allowRegress bool, actorID string) error {
	type change struct {
		gate domain.Gate
		was  bool
		had  bool
	}
	var changes []change
	for _, stage := range dedupe(stages) {
		computed, err := e.Gates.EvaluateStage(ctx, cfg, projectID, stage)
		if err != nil {
			return err
		}
		for _, g := range computed {
			existing, err := e.Repo.GetGate(ctx, projectID, stage, g.Type)
			had := true
			if errors.Is(err, repo.ErrNotFound) {
				had = false
			} else if err != nil {
				return err
			}
			if !allowRegress && had && existing.Satisfied && !g.Satisfied {
				g.Satisfied = true
			}
			changes = append(changes, change{gate: g, was: had && existing.Satisfied, had: had})
		}
	}
	if len(changes) == 0 {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, c := range changes {
		if err := e.Repo.UpsertGateTx(ctx, tx, c.gate); err != nil {
			return err
		}
		if c.gate.Satisfied == c.was && c.had {
			continue
		}
		evtType := events.GateSatisfied
		if !c.gate.Satisfied {
			if !c.had {
				continue
			}
			evtType = events.GateReopened
		}
		if err := e.Events.Append(ctx, tx, evtType, projectID, "gate", c.gate.Stage+"/"+c.gate.Type, actorID,
			events.EventPayload{"stage": c.gate.Stage, "type": c.gate.Type, "current_value": c.gate.CurrentValue, "threshold": c.gate.Threshold}); err != nil {
			return err
		}
	}
	return tx.Commit()
}
