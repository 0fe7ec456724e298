// Package gate computes review/quality gate state for pipeline stages.
// Gates are recomputed when a review is signed off or an artifact is
// recorded or invalidated, never speculatively by the resolver.
package gate

import (
	"context"
	"time"

	"gantry/internal/config"
	"gantry/internal/domain"
	"gantry/internal/fault"
	"gantry/internal/repo"
)

type Evaluator struct {
	Repo repo.Repo
	Now  func() time.Time
}

// EvaluateStage computes current_value and satisfied for every gate the
// pipeline configures on a stage. The caller persists the rows; the
// monotonicity rule (satisfied never regresses except under artifact
// invalidation) is applied there, where the trigger is known.
func (e Evaluator) EvaluateStage(ctx context.Context, cfg *config.Config, projectID, stageName string) ([]domain.Gate, error) {
	stage, ok := cfg.Pipeline.Stage(stageName)
	if !ok {
		return nil, fault.ValidationError{Field: "stage", Reason: "unknown stage " + stageName}
	}
	now := e.now().UTC().Format(time.RFC3339)
	var out []domain.Gate
	for _, spec := range stage.Gates {
		g := domain.Gate{
			ProjectID: projectID,
			Stage:     stageName,
			Type:      spec.Type,
			Threshold: spec.Threshold,
			UpdatedAt: now,
		}
		switch spec.Type {
		case domain.GateReviewPoints:
			points, err := e.Repo.StageReviewPoints(ctx, projectID, stageName)
			if err != nil {
				return nil, err
			}
			g.CurrentValue = points
			g.Satisfied = points >= spec.Threshold
		case domain.GateQualityThreshold:
			avg, scored, err := e.Repo.StageQuality(ctx, projectID, stageName)
			if err != nil {
				return nil, err
			}
			g.CurrentValue = avg
			g.Satisfied = scored && avg >= spec.Threshold
		case domain.GateArtifactExists:
			has, err := e.Repo.StageHasArtifact(ctx, projectID, stageName)
			if err != nil {
				return nil, err
			}
			if has {
				g.CurrentValue = 1
			}
			g.Satisfied = has
		case domain.GateCapabilityCheck:
			met, total, err := e.capabilityProgress(ctx, projectID, stageName)
			if err != nil {
				return nil, err
			}
			if total == 0 {
				g.CurrentValue = 1
				g.Satisfied = true
			} else {
				g.CurrentValue = float64(met) / float64(total)
				g.Satisfied = met == total
			}
		default:
			return nil, fault.ValidationError{Field: "gate", Reason: "unknown gate type " + spec.Type}
		}
		out = append(out, g)
	}
	return out, nil
}

// capabilityProgress counts the gate_requirement edges into the stage's
// tasks and how many already point at a completed task.
func (e Evaluator) capabilityProgress(ctx context.Context, projectID, stageName string) (met, total int, err error) {
	tasks, err := e.Repo.ProjectTasks(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}
	inStage := make(map[string]bool)
	statusByID := make(map[string]string, len(tasks))
	for _, t := range tasks {
		statusByID[t.ID] = t.Status
		if t.Stage == stageName {
			inStage[t.ID] = true
		}
	}
	edges, err := e.Repo.ProjectEdges(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}
	for _, edge := range edges {
		if edge.EdgeType != domain.EdgeGateRequirement || !inStage[edge.TaskID] {
			continue
		}
		total++
		if statusByID[edge.DependsOnID] == domain.TaskCompleted {
			met++
		}
	}
	return met, total, nil
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
