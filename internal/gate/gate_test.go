package gate_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"gantry/internal/config"
	"gantry/internal/db"
	"gantry/internal/domain"
	"gantry/internal/fault"
	"gantry/internal/gate"
	"gantry/internal/migrate"
	"gantry/internal/repo"
)

const stamp = "2025-06-01T12:00:00Z"

type gateEnv struct {
	Repo repo.Repo
	DB   *sql.DB
	Eval gate.Evaluator
	Ctx  context.Context
}

func newGateEnv(t *testing.T) gateEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.New(conn)
	eval := gate.Evaluator{Repo: r, Now: func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}}
	return gateEnv{Repo: r, DB: conn, Eval: eval, Ctx: context.Background()}
}

func (env gateEnv) inTx(t *testing.T, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := env.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		t.Fatalf("seed: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func (env gateEnv) seedProject(t *testing.T, cfg *config.Config, tasks []domain.Task, edges []domain.DependencyEdge) {
	t.Helper()
	env.inTx(t, func(tx *sql.Tx) error {
		p := domain.Project{ID: "proj-1", Pipeline: cfg.Pipeline.Name, Status: "active", CreatedAt: stamp}
		if err := env.Repo.InsertProject(env.Ctx, tx, p); err != nil {
			return err
		}
		for _, task := range tasks {
			task.ProjectID = "proj-1"
			task.CreatedAt = stamp
			task.UpdatedAt = stamp
			if task.Title == "" {
				task.Title = task.ID
			}
			if task.MaxAttempts == 0 {
				task.MaxAttempts = 3
			}
			if err := env.Repo.InsertTask(env.Ctx, tx, task); err != nil {
				return err
			}
		}
		for _, edge := range edges {
			edge.ProjectID = "proj-1"
			edge.CreatedAt = stamp
			if err := env.Repo.InsertEdgeTx(env.Ctx, tx, edge); err != nil {
				return err
			}
		}
		return nil
	})
}

func (env gateEnv) addReview(t *testing.T, v domain.ReviewScore) {
	t.Helper()
	env.inTx(t, func(tx *sql.Tx) error {
		v.ProjectID = "proj-1"
		v.CreatedAt = stamp
		return env.Repo.InsertReviewTx(env.Ctx, tx, v)
	})
}

func (env gateEnv) addArtifact(t *testing.T, a domain.Artifact) {
	t.Helper()
	env.inTx(t, func(tx *sql.Tx) error {
		a.ProjectID = "proj-1"
		a.CreatedBy = "tester"
		a.CreatedAt = stamp
		return env.Repo.InsertArtifactTx(env.Ctx, tx, a)
	})
}

func quality(v float64) *float64 { return &v }

func signedOff(v domain.ReviewScore) domain.ReviewScore {
	v.SignedOff = true
	by := "lead"
	v.SignedOffBy = &by
	at := stamp
	v.SignedOffAt = &at
	return v
}

func mustConfig(t *testing.T, yml string) *config.Config {
	t.Helper()
	cfg, err := config.FromYAML([]byte(yml))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestReviewPointsArithmetic(t *testing.T) {
	env := newGateEnv(t)
	cfg := mustConfig(t, `project:
  id: proj-1
pipeline:
  name: signoff
  stages:
    - name: release
      gates:
        - type: review_points
          threshold: 5.0
`)
	env.seedProject(t, cfg, []domain.Task{{ID: "t-1", Stage: "release", Status: domain.TaskPending}}, nil)

	// 2 signed positive humans and 1 signed positive bot: 2.5 points.
	// Negative or unsigned reviews contribute nothing.
	env.addReview(t, signedOff(domain.ReviewScore{ID: "r-1", TaskID: "t-1", ReviewerID: "alice", ReviewerType: domain.ReviewerHuman, Score: 0.9, Positive: true}))
	env.addReview(t, signedOff(domain.ReviewScore{ID: "r-2", TaskID: "t-1", ReviewerID: "bob", ReviewerType: domain.ReviewerHuman, Score: 0.8, Positive: true}))
	env.addReview(t, signedOff(domain.ReviewScore{ID: "r-3", TaskID: "t-1", ReviewerID: "lint-bot", ReviewerType: domain.ReviewerAutomated, Score: 1.0, Positive: true}))
	env.addReview(t, signedOff(domain.ReviewScore{ID: "r-4", TaskID: "t-1", ReviewerID: "carol", ReviewerType: domain.ReviewerHuman, Score: 0.2, Positive: false}))
	env.addReview(t, domain.ReviewScore{ID: "r-5", TaskID: "t-1", ReviewerID: "dave", ReviewerType: domain.ReviewerHuman, Score: 0.9, Positive: true})

	gates, err := env.Eval.EvaluateStage(env.Ctx, cfg, "proj-1", "release")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(gates) != 1 {
		t.Fatalf("expected one gate, got %d", len(gates))
	}
	g := gates[0]
	if g.CurrentValue != 2.5 || g.Satisfied {
		t.Fatalf("expected 2.5 unsatisfied, got %.2f satisfied=%t", g.CurrentValue, g.Satisfied)
	}
}

func TestQualityThresholdNeedsScoredArtifacts(t *testing.T) {
	env := newGateEnv(t)
	cfg := mustConfig(t, `project:
  id: proj-1
pipeline:
  name: qa
  stages:
    - name: verify
      gates:
        - type: quality_threshold
          threshold: 0.7
`)
	env.seedProject(t, cfg, []domain.Task{{ID: "t-1", Stage: "verify", Status: domain.TaskPending}}, nil)

	// an unscored artifact is not evidence of quality
	env.addArtifact(t, domain.Artifact{ID: "a-0", TaskID: "t-1", Kind: "log"})
	gates, err := env.Eval.EvaluateStage(env.Ctx, cfg, "proj-1", "verify")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gates[0].Satisfied {
		t.Fatalf("satisfied with no scored artifacts")
	}

	env.addArtifact(t, domain.Artifact{ID: "a-1", TaskID: "t-1", Kind: "measurement", Quality: quality(0.9)})
	env.addArtifact(t, domain.Artifact{ID: "a-2", TaskID: "t-1", Kind: "measurement", Quality: quality(0.6)})
	gates, err = env.Eval.EvaluateStage(env.Ctx, cfg, "proj-1", "verify")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gates[0].CurrentValue != 0.75 || !gates[0].Satisfied {
		t.Fatalf("expected 0.75 satisfied, got %.2f satisfied=%t", gates[0].CurrentValue, gates[0].Satisfied)
	}
}

func TestQualityIgnoresInvalidatedArtifacts(t *testing.T) {
	env := newGateEnv(t)
	cfg := mustConfig(t, `project:
  id: proj-1
pipeline:
  name: qa
  stages:
    - name: verify
      gates:
        - type: quality_threshold
          threshold: 0.7
`)
	env.seedProject(t, cfg, []domain.Task{{ID: "t-1", Stage: "verify", Status: domain.TaskPending}}, nil)
	env.addArtifact(t, domain.Artifact{ID: "a-1", TaskID: "t-1", Kind: "measurement", Quality: quality(0.9)})
	env.addArtifact(t, domain.Artifact{ID: "a-2", TaskID: "t-1", Kind: "measurement", Quality: quality(0.3)})

	env.inTx(t, func(tx *sql.Tx) error {
		_, err := env.Repo.InvalidateArtifactTx(env.Ctx, tx, "a-2", "tester", "bad run", stamp)
		return err
	})
	gates, err := env.Eval.EvaluateStage(env.Ctx, cfg, "proj-1", "verify")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gates[0].CurrentValue != 0.9 || !gates[0].Satisfied {
		t.Fatalf("invalidated artifact still counted: %.2f satisfied=%t", gates[0].CurrentValue, gates[0].Satisfied)
	}
}

func TestArtifactExistsIgnoresInvalidated(t *testing.T) {
	env := newGateEnv(t)
	cfg := mustConfig(t, `project:
  id: proj-1
pipeline:
  name: intake
  stages:
    - name: collect
      gates:
        - type: artifact_exists
`)
	env.seedProject(t, cfg, []domain.Task{{ID: "t-1", Stage: "collect", Status: domain.TaskPending}}, nil)
	env.addArtifact(t, domain.Artifact{ID: "a-1", TaskID: "t-1", Kind: "notes"})
	env.inTx(t, func(tx *sql.Tx) error {
		_, err := env.Repo.InvalidateArtifactTx(env.Ctx, tx, "a-1", "tester", "wrong upload", stamp)
		return err
	})

	gates, err := env.Eval.EvaluateStage(env.Ctx, cfg, "proj-1", "collect")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gates[0].Satisfied || gates[0].CurrentValue != 0 {
		t.Fatalf("withdrawn artifact still satisfies: %+v", gates[0])
	}

	env.addArtifact(t, domain.Artifact{ID: "a-2", TaskID: "t-1", Kind: "notes"})
	gates, err = env.Eval.EvaluateStage(env.Ctx, cfg, "proj-1", "collect")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !gates[0].Satisfied || gates[0].CurrentValue != 1 {
		t.Fatalf("valid artifact not counted: %+v", gates[0])
	}
}

func TestCapabilityCheckProgress(t *testing.T) {
	env := newGateEnv(t)
	cfg := mustConfig(t, `project:
  id: proj-1
pipeline:
  name: migration
  stages:
    - name: design
    - name: schema
    - name: audit
      depends_on:
        - stage: design
          edge: gate_requirement
        - stage: schema
          edge: gate_requirement
      gates:
        - type: capability_check
`)
	env.seedProject(t, cfg,
		[]domain.Task{
			{ID: "t-design", Stage: "design", Status: domain.TaskCompleted},
			{ID: "t-schema", Stage: "schema", Status: domain.TaskPending},
			{ID: "t-audit", Stage: "audit", Status: domain.TaskPending},
		},
		[]domain.DependencyEdge{
			{TaskID: "t-audit", DependsOnID: "t-design", EdgeType: domain.EdgeGateRequirement},
			{TaskID: "t-audit", DependsOnID: "t-schema", EdgeType: domain.EdgeGateRequirement},
		})

	gates, err := env.Eval.EvaluateStage(env.Ctx, cfg, "proj-1", "audit")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gates[0].CurrentValue != 0.5 || gates[0].Satisfied {
		t.Fatalf("expected half progress, got %+v", gates[0])
	}

	env.inTx(t, func(tx *sql.Tx) error {
		return env.Repo.MarkCompletedTx(env.Ctx, tx, "t-schema", stamp)
	})
	gates, err = env.Eval.EvaluateStage(env.Ctx, cfg, "proj-1", "audit")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if gates[0].CurrentValue != 1 || !gates[0].Satisfied {
		t.Fatalf("expected full progress, got %+v", gates[0])
	}
}

func TestCapabilityCheckWithoutEdgesIsSatisfied(t *testing.T) {
	env := newGateEnv(t)
	cfg := mustConfig(t, `project:
  id: proj-1
pipeline:
  name: migration
  stages:
    - name: audit
      gates:
        - type: capability_check
`)
	env.seedProject(t, cfg, []domain.Task{{ID: "t-audit", Stage: "audit", Status: domain.TaskPending}}, nil)

	gates, err := env.Eval.EvaluateStage(env.Ctx, cfg, "proj-1", "audit")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !gates[0].Satisfied || gates[0].CurrentValue != 1 {
		t.Fatalf("no requirements should mean satisfied, got %+v", gates[0])
	}
}

func TestEvaluateUnknownStage(t *testing.T) {
	env := newGateEnv(t)
	cfg := mustConfig(t, `project:
  id: proj-1
pipeline:
  name: p
  stages:
    - name: a
`)
	if _, err := env.Eval.EvaluateStage(env.Ctx, cfg, "proj-1", "ghost"); !fault.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
