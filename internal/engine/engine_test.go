package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gantry/internal/config"
	"gantry/internal/db"
	"gantry/internal/domain"
	"gantry/internal/engine"
	"gantry/internal/fault"
	"gantry/internal/migrate"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *testClock
}

func newTestEnv(t *testing.T, yml string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg, err := config.FromYAML([]byte(yml))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg).WithClock(clock.Now)
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test project", "tester", cfg); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Clock: clock}
}

// stageTask returns the first task of the named stage.
func (env testEnv) stageTask(t *testing.T, stage string) domain.Task {
	t.Helper()
	tasks, err := env.Engine.Repo.ProjectTasks(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Stage == stage {
			return task
		}
	}
	t.Fatalf("no task in stage %s", stage)
	return domain.Task{}
}

func (env testEnv) readyIDs(t *testing.T, callerID string) []string {
	t.Helper()
	tasks, err := env.Engine.GetReadyTasks(env.Ctx, "proj-1", callerID)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}

func (env testEnv) reasonsFor(t *testing.T, taskID string) []string {
	t.Helper()
	blocked, err := env.Engine.Diagnostics(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	for _, b := range blocked {
		if b.TaskID == taskID {
			return b.Reasons
		}
	}
	return nil
}

func (env testEnv) complete(t *testing.T, taskID, workerID string) {
	t.Helper()
	if _, _, err := env.Engine.ReserveTask(env.Ctx, taskID, workerID, 0); err != nil {
		t.Fatalf("reserve %s: %v", taskID, err)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, taskID, domain.TaskCompleted, workerID); err != nil {
		t.Fatalf("complete %s: %v", taskID, err)
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

const minScorePipeline = `project:
  id: proj-1
pipeline:
  name: delivery
  stages:
    - name: design
      spawn: eager
    - name: review
      spawn: eager
      depends_on:
        - stage: design
          edge: required
          minimum_score: 0.8
`

const reviewGatePipeline = `project:
  id: proj-1
pipeline:
  name: signoff
  stages:
    - name: design
      spawn: eager
    - name: release
      spawn: eager
      depends_on:
        - stage: design
          edge: required
      gates:
        - type: review_points
          threshold: 5.0
`

const parallelPipeline = `project:
  id: proj-1
pipeline:
  name: build
  stages:
    - name: code
      spawn: eager
      max_parallel: 2
`

const chainPipeline = `project:
  id: proj-1
pipeline:
  name: chain
  stages:
    - name: plan
      spawn: eager
    - name: write
      spawn: eager
      depends_on:
        - stage: plan
          edge: required
`

func TestInitProjectMaterializesPipeline(t *testing.T) {
	env := newTestEnv(t, config.GenerateDefault("proj-1"))
	tasks, err := env.Engine.Repo.ProjectTasks(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	byStage := map[string]int{}
	for _, task := range tasks {
		byStage[task.Stage]++
		if task.Status != domain.TaskPending {
			t.Fatalf("task %s: expected pending, got %s", task.ID, task.Status)
		}
	}
	// eager stages get one instance each, the lazy verify stage none
	if byStage["requirements"] != 1 || byStage["design"] != 1 || byStage["implement"] != 1 {
		t.Fatalf("unexpected instances per stage: %v", byStage)
	}
	if byStage["verify"] != 0 {
		t.Fatalf("lazy stage materialized at init: %v", byStage)
	}
	gates, err := env.Engine.Repo.ProjectGates(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list gates: %v", err)
	}
	if len(gates) != 3 {
		t.Fatalf("expected 3 seeded gates, got %d", len(gates))
	}
	for _, g := range gates {
		if g.Satisfied {
			t.Fatalf("gate %s/%s seeded satisfied", g.Stage, g.Type)
		}
	}
	edges, err := env.Engine.Repo.ProjectEdges(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	implement := env.stageTask(t, "implement")
	design := env.stageTask(t, "design")
	var found bool
	for _, e := range edges {
		if e.TaskID == implement.ID && e.DependsOnID == design.ID {
			found = true
			if e.MinimumScore == nil || *e.MinimumScore != 0.8 {
				t.Fatalf("implement edge lost minimum_score: %+v", e)
			}
		}
	}
	if !found {
		t.Fatalf("implement -> design edge missing")
	}

	// ids are derived from project/stage/ordinal, so a fresh database
	// materializes the same names
	other := newTestEnv(t, config.GenerateDefault("proj-1"))
	otherTasks, err := other.Engine.Repo.ProjectTasks(other.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	ids := map[string]bool{}
	for _, task := range tasks {
		ids[task.ID] = true
	}
	for _, task := range otherTasks {
		if !ids[task.ID] {
			t.Fatalf("task id %s not deterministic", task.ID)
		}
	}
}

func TestReadyOrderingAndIdempotence(t *testing.T) {
	env := newTestEnv(t, `project:
  id: proj-1
pipeline:
  name: fanout
  stages:
    - name: plan
      spawn: eager
    - name: gather
      spawn: eager
    - name: write
      spawn: eager
      depends_on:
        - stage: plan
          edge: required
`)
	plan := env.stageTask(t, "plan")
	gather := env.stageTask(t, "gather")
	write := env.stageTask(t, "write")

	first := env.readyIDs(t, "caller-1")
	if len(first) != 2 || first[0] != plan.ID || first[1] != gather.ID {
		t.Fatalf("expected [plan gather] by stage weight, got %v", first)
	}
	if contains(first, write.ID) {
		t.Fatalf("write ready before plan completed")
	}
	second := env.readyIDs(t, "caller-1")
	if len(second) != len(first) || second[0] != first[0] || second[1] != first[1] {
		t.Fatalf("ready set not stable: %v vs %v", first, second)
	}
	reasons := env.reasonsFor(t, write.ID)
	want := fmt.Sprintf("waiting on required plan task %s (pending)", plan.ID)
	if !contains(reasons, want) {
		t.Fatalf("expected %q, got %v", want, reasons)
	}
}

func TestMinimumScoreEdge(t *testing.T) {
	env := newTestEnv(t, minScorePipeline)
	design := env.stageTask(t, "design")
	review := env.stageTask(t, "review")

	env.complete(t, design.ID, "worker-1")

	if contains(env.readyIDs(t, "caller-1"), review.ID) {
		t.Fatalf("review ready without a scored design artifact")
	}
	want := fmt.Sprintf("design task %s has no scored artifact (minimum 0.80)", design.ID)
	if reasons := env.reasonsFor(t, review.ID); !contains(reasons, want) {
		t.Fatalf("expected %q, got %v", want, reasons)
	}

	q := 0.6
	low, err := env.Engine.RecordArtifact(env.Ctx, engine.ArtifactOptions{
		TaskID: design.ID, Kind: "document", URI: "file:///design.md", Quality: &q, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("record artifact: %v", err)
	}
	if contains(env.readyIDs(t, "caller-1"), review.ID) {
		t.Fatalf("review ready at quality 0.60")
	}
	want = fmt.Sprintf("Improve quality of design task %s from 0.60 to 0.80", design.ID)
	if reasons := env.reasonsFor(t, review.ID); !contains(reasons, want) {
		t.Fatalf("expected %q, got %v", want, reasons)
	}

	// quality is the average over valid artifacts, so one strong score
	// does not cancel a weak one
	q2 := 0.9
	if _, err := env.Engine.RecordArtifact(env.Ctx, engine.ArtifactOptions{
		TaskID: design.ID, Kind: "document", Quality: &q2, ActorID: "tester",
	}); err != nil {
		t.Fatalf("record artifact: %v", err)
	}
	want = fmt.Sprintf("Improve quality of design task %s from 0.75 to 0.80", design.ID)
	if reasons := env.reasonsFor(t, review.ID); !contains(reasons, want) {
		t.Fatalf("expected %q, got %v", want, reasons)
	}

	// withdrawing the weak artifact lifts the average over the bar
	if _, err := env.Engine.InvalidateArtifact(env.Ctx, low.ID, "draft superseded", "tester"); err != nil {
		t.Fatalf("invalidate artifact: %v", err)
	}
	if !contains(env.readyIDs(t, "caller-1"), review.ID) {
		t.Fatalf("review not ready after average reached 0.90")
	}
}

func TestReviewPointsGate(t *testing.T) {
	env := newTestEnv(t, reviewGatePipeline)
	design := env.stageTask(t, "design")
	release := env.stageTask(t, "release")

	env.complete(t, design.ID, "worker-1")

	if contains(env.readyIDs(t, "caller-1"), release.ID) {
		t.Fatalf("release ready with unsatisfied review gate")
	}
	addReview := func(reviewer, reviewerType string) {
		t.Helper()
		if _, err := env.Engine.AddReview(env.Ctx, engine.ReviewOptions{
			TaskID: release.ID, ReviewerID: reviewer, ReviewerType: reviewerType,
			Score: 0.9, Positive: true, SignedOff: true, ActorID: "tester",
		}); err != nil {
			t.Fatalf("add review by %s: %v", reviewer, err)
		}
	}
	addReview("alice", domain.ReviewerHuman)
	addReview("bob", domain.ReviewerHuman)
	addReview("lint-bot", domain.ReviewerAutomated)

	// reviews that are negative, or not signed off, contribute nothing
	if _, err := env.Engine.AddReview(env.Ctx, engine.ReviewOptions{
		TaskID: release.ID, ReviewerID: "carol", ReviewerType: domain.ReviewerHuman,
		Score: 0.2, Positive: false, SignedOff: true, ActorID: "tester",
	}); err != nil {
		t.Fatalf("add negative review: %v", err)
	}
	pendingSignOff, err := env.Engine.AddReview(env.Ctx, engine.ReviewOptions{
		TaskID: release.ID, ReviewerID: "dave", ReviewerType: domain.ReviewerHuman,
		Score: 0.8, Positive: true, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("add unsigned review: %v", err)
	}

	g, err := env.Engine.Repo.GetGate(env.Ctx, "proj-1", "release", domain.GateReviewPoints)
	if err != nil {
		t.Fatalf("get gate: %v", err)
	}
	if g.CurrentValue != 2.5 || g.Satisfied {
		t.Fatalf("expected 2.5 unsatisfied, got %.2f satisfied=%t", g.CurrentValue, g.Satisfied)
	}
	want := "gate review_points on stage release unsatisfied (2.50 of 5.00)"
	if reasons := env.reasonsFor(t, release.ID); !contains(reasons, want) {
		t.Fatalf("expected %q, got %v", want, reasons)
	}

	// signing off the held-back review and adding two more crosses 5.0
	if _, err := env.Engine.SignOffReview(env.Ctx, pendingSignOff.ID, "lead"); err != nil {
		t.Fatalf("sign off: %v", err)
	}
	addReview("erin", domain.ReviewerHuman)
	addReview("frank", domain.ReviewerHuman)

	g, err = env.Engine.Repo.GetGate(env.Ctx, "proj-1", "release", domain.GateReviewPoints)
	if err != nil {
		t.Fatalf("get gate: %v", err)
	}
	if g.CurrentValue != 5.5 || !g.Satisfied {
		t.Fatalf("expected 5.5 satisfied, got %.2f satisfied=%t", g.CurrentValue, g.Satisfied)
	}
	if !contains(env.readyIDs(t, "caller-1"), release.ID) {
		t.Fatalf("release not ready after gate satisfied")
	}
}

func TestStageParallelCapacity(t *testing.T) {
	env := newTestEnv(t, parallelPipeline)
	for i := 2; i <= 3; i++ {
		if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
			ProjectID: "proj-1", Stage: "code", ActorID: "tester",
		}); err != nil {
			t.Fatalf("create instance %d: %v", i, err)
		}
	}
	ready := env.readyIDs(t, "caller-1")
	if len(ready) != 2 {
		t.Fatalf("expected budget of 2, got %d ready", len(ready))
	}
	if _, _, err := env.Engine.ReserveTask(env.Ctx, ready[0], "worker-1", 0); err != nil {
		t.Fatalf("reserve first: %v", err)
	}
	if _, _, err := env.Engine.ReserveTask(env.Ctx, ready[1], "worker-2", 0); err != nil {
		t.Fatalf("reserve second: %v", err)
	}

	tasks, err := env.Engine.Repo.ProjectTasks(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	var third domain.Task
	for _, task := range tasks {
		if task.Status != domain.TaskInProgress {
			third = task
		}
	}
	if third.ID == "" {
		t.Fatalf("no third task left")
	}
	if got := env.readyIDs(t, "caller-1"); len(got) != 0 {
		t.Fatalf("expected empty ready set at capacity, got %v", got)
	}
	want := "stage code at parallel capacity (2 of 2 in flight)"
	if reasons := env.reasonsFor(t, third.ID); !contains(reasons, want) {
		t.Fatalf("expected %q, got %v", want, reasons)
	}
	// the budget is re-checked inside the reservation transaction
	_, _, err = env.Engine.ReserveTask(env.Ctx, third.ID, "worker-3", 0)
	if !fault.IsConcurrency(err) {
		t.Fatalf("expected ConcurrencyError at capacity, got %v", err)
	}

	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, ready[0], domain.TaskCompleted, "worker-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !contains(env.readyIDs(t, "caller-1"), third.ID) {
		t.Fatalf("third task not ready after slot freed")
	}
	if _, _, err := env.Engine.ReserveTask(env.Ctx, third.ID, "worker-3", 0); err != nil {
		t.Fatalf("reserve third: %v", err)
	}
}

func TestReserveConflictAndIdempotentHold(t *testing.T) {
	env := newTestEnv(t, parallelPipeline)
	task := env.stageTask(t, "code")

	reserved, lease, err := env.Engine.ReserveTask(env.Ctx, task.ID, "worker-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if reserved.Status != domain.TaskInProgress || reserved.Attempts != 1 {
		t.Fatalf("expected in_progress attempt 1, got %s attempt %d", reserved.Status, reserved.Attempts)
	}
	if reserved.WorkerID == nil || *reserved.WorkerID != "worker-1" {
		t.Fatalf("worker not pinned: %+v", reserved.WorkerID)
	}

	// the holder re-reserving gets the live lease back without a new attempt
	again, lease2, err := env.Engine.ReserveTask(env.Ctx, task.ID, "worker-1", 30*time.Minute)
	if err != nil {
		t.Fatalf("re-reserve by holder: %v", err)
	}
	if again.Attempts != 1 || lease2.ExpiresAt != lease.ExpiresAt {
		t.Fatalf("holder re-reserve was not idempotent: attempts=%d expires %s vs %s", again.Attempts, lease2.ExpiresAt, lease.ExpiresAt)
	}

	_, _, err = env.Engine.ReserveTask(env.Ctx, task.ID, "worker-2", 0)
	var ce fault.ConcurrencyError
	if !errors.As(err, &ce) || ce.HolderID != "worker-1" {
		t.Fatalf("expected conflict naming worker-1, got %v", err)
	}

	leases, err := env.Engine.Leases.ListExecutions(env.Ctx)
	if err != nil {
		t.Fatalf("list leases: %v", err)
	}
	if len(leases) != 1 {
		t.Fatalf("expected exactly one execution lease, got %d", len(leases))
	}
}

func TestReserveGuards(t *testing.T) {
	env := newTestEnv(t, chainPipeline)
	plan := env.stageTask(t, "plan")
	write := env.stageTask(t, "write")

	_, _, err := env.Engine.ReserveTask(env.Ctx, write.ID, "worker-1", 0)
	if !fault.IsValidation(err) || !strings.Contains(err.Error(), "task not ready:") {
		t.Fatalf("expected not-ready validation error, got %v", err)
	}

	env.complete(t, plan.ID, "worker-1")
	env.complete(t, write.ID, "worker-1")

	_, _, err = env.Engine.ReserveTask(env.Ctx, write.ID, "worker-2", 0)
	if !fault.IsValidation(err) || !strings.Contains(err.Error(), "already completed") {
		t.Fatalf("expected already-completed error, got %v", err)
	}
}

func TestStatusReportGuards(t *testing.T) {
	env := newTestEnv(t, parallelPipeline)
	task := env.stageTask(t, "code")

	_, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, domain.TaskReady, "worker-1")
	if !fault.IsValidation(err) {
		t.Fatalf("expected validation error for status ready, got %v", err)
	}
	_, err = env.Engine.UpdateTaskStatus(env.Ctx, task.ID, domain.TaskCompleted, "worker-1")
	if !fault.IsValidation(err) || !strings.Contains(err.Error(), "in status pending") {
		t.Fatalf("expected report-on-pending rejection, got %v", err)
	}

	if _, _, err := env.Engine.ReserveTask(env.Ctx, task.ID, "worker-1", time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, err = env.Engine.UpdateTaskStatus(env.Ctx, task.ID, domain.TaskCompleted, "worker-2")
	var ce fault.ConcurrencyError
	if !errors.As(err, &ce) || ce.HolderID != "worker-1" {
		t.Fatalf("expected lease conflict naming worker-1, got %v", err)
	}

	// a lapsed lease means the slot may already be someone else's
	env.Clock.Advance(2 * time.Hour)
	_, err = env.Engine.UpdateTaskStatus(env.Ctx, task.ID, domain.TaskCompleted, "worker-1")
	if !fault.IsConcurrency(err) {
		t.Fatalf("expected expired-lease rejection, got %v", err)
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	env := newTestEnv(t, parallelPipeline)
	task := env.stageTask(t, "code")

	if _, _, err := env.Engine.ReserveTask(env.Ctx, task.ID, "worker-1", 10*time.Minute); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	env.Clock.Advance(11 * time.Minute)

	swept, err := env.Engine.SweepExpiredLeases(env.Ctx)
	if err != nil || swept != 1 {
		t.Fatalf("sweep: %d, %v", swept, err)
	}
	requeued, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if requeued.Status != domain.TaskReady || requeued.WorkerID != nil {
		t.Fatalf("expected requeued task, got %s worker %v", requeued.Status, requeued.WorkerID)
	}
	if requeued.Attempts != 1 {
		t.Fatalf("sweep must not change attempts, got %d", requeued.Attempts)
	}

	reserved, _, err := env.Engine.ReserveTask(env.Ctx, task.ID, "worker-2", 0)
	if err != nil {
		t.Fatalf("reserve after reclaim: %v", err)
	}
	if reserved.Attempts != 2 {
		t.Fatalf("expected attempt 2 on re-execution, got %d", reserved.Attempts)
	}

	var expiredEvents int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT COUNT(1) FROM events WHERE type='lease.expired' AND entity_id=?`, task.ID).Scan(&expiredEvents); err != nil {
		t.Fatalf("query events: %v", err)
	}
	if expiredEvents != 1 {
		t.Fatalf("expected one lease.expired event, got %d", expiredEvents)
	}
}

func TestSweepLeavesLiveLeases(t *testing.T) {
	env := newTestEnv(t, parallelPipeline)
	first := env.stageTask(t, "code")
	second, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Stage: "code", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, _, err := env.Engine.ReserveTask(env.Ctx, first.ID, "worker-1", 10*time.Minute); err != nil {
		t.Fatalf("reserve first: %v", err)
	}
	if _, _, err := env.Engine.ReserveTask(env.Ctx, second.ID, "worker-2", time.Hour); err != nil {
		t.Fatalf("reserve second: %v", err)
	}
	env.Clock.Advance(30 * time.Minute)

	swept, err := env.Engine.SweepExpiredLeases(env.Ctx)
	if err != nil || swept != 1 {
		t.Fatalf("sweep: %d, %v", swept, err)
	}
	live, err := env.Engine.Repo.GetTask(env.Ctx, second.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if live.Status != domain.TaskInProgress {
		t.Fatalf("live lease swept: %s", live.Status)
	}
}

func TestFailureRetryPolicy(t *testing.T) {
	env := newTestEnv(t, `project:
  id: proj-1
pipeline:
  name: fragile
  stages:
    - name: build
      spawn: eager
      max_attempts: 2
    - name: ship
      spawn: eager
      depends_on:
        - stage: build
          edge: required
`)
	build := env.stageTask(t, "build")
	ship := env.stageTask(t, "ship")

	if _, _, err := env.Engine.ReserveTask(env.Ctx, build.ID, "worker-1", 0); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	failed, err := env.Engine.UpdateTaskStatus(env.Ctx, build.ID, domain.TaskFailed, "worker-1")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != domain.TaskReady || failed.Attempts != 1 {
		t.Fatalf("expected requeue after attempt 1 of 2, got %s attempts %d", failed.Status, failed.Attempts)
	}

	if _, _, err := env.Engine.ReserveTask(env.Ctx, build.ID, "worker-1", 0); err != nil {
		t.Fatalf("reserve retry: %v", err)
	}
	failed, err = env.Engine.UpdateTaskStatus(env.Ctx, build.ID, domain.TaskFailed, "worker-1")
	if err != nil {
		t.Fatalf("fail again: %v", err)
	}
	if failed.Status != domain.TaskFailed {
		t.Fatalf("expected permanent failure at max attempts, got %s", failed.Status)
	}

	parked, err := env.Engine.Repo.GetTask(env.Ctx, ship.ID)
	if err != nil {
		t.Fatalf("get dependent: %v", err)
	}
	wantReason := fmt.Sprintf("required build task %s failed permanently", build.ID)
	if parked.Status != domain.TaskBlocked || parked.BlockedReason == nil || *parked.BlockedReason != wantReason {
		t.Fatalf("dependent not parked: %s %v", parked.Status, parked.BlockedReason)
	}
	if reasons := env.reasonsFor(t, ship.ID); !contains(reasons, wantReason) {
		t.Fatalf("expected %q, got %v", wantReason, reasons)
	}

	_, _, err = env.Engine.ReserveTask(env.Ctx, build.ID, "worker-2", 0)
	if !fault.IsValidation(err) || !strings.Contains(err.Error(), "already failed") {
		t.Fatalf("expected already-failed error, got %v", err)
	}
}

func TestReleaseTask(t *testing.T) {
	env := newTestEnv(t, parallelPipeline)
	task := env.stageTask(t, "code")

	if _, _, err := env.Engine.ReserveTask(env.Ctx, task.ID, "worker-1", 0); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// a non-owner release is a silent no-op
	if err := env.Engine.ReleaseTask(env.Ctx, task.ID, "worker-2"); err != nil {
		t.Fatalf("non-owner release: %v", err)
	}
	held, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil || held.Status != domain.TaskInProgress {
		t.Fatalf("non-owner release changed the task: %s, %v", held.Status, err)
	}

	if err := env.Engine.ReleaseTask(env.Ctx, task.ID, "worker-1"); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	released, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if released.Status != domain.TaskReady || released.WorkerID != nil {
		t.Fatalf("expected requeued task, got %s worker %v", released.Status, released.WorkerID)
	}
	if released.Attempts != 1 {
		t.Fatalf("release must not refund the attempt, got %d", released.Attempts)
	}

	reserved, _, err := env.Engine.ReserveTask(env.Ctx, task.ID, "worker-2", 0)
	if err != nil || reserved.Attempts != 2 {
		t.Fatalf("re-reserve after release: attempts %d, %v", reserved.Attempts, err)
	}
}

func TestRenewLease(t *testing.T) {
	env := newTestEnv(t, parallelPipeline)
	task := env.stageTask(t, "code")

	_, lease, err := env.Engine.ReserveTask(env.Ctx, task.ID, "worker-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	env.Clock.Advance(5 * time.Minute)

	if _, err := env.Engine.RenewLease(env.Ctx, task.ID, "worker-2", 10*time.Minute); !fault.IsConcurrency(err) {
		t.Fatalf("expected non-owner renew rejection, got %v", err)
	}
	renewed, err := env.Engine.RenewLease(env.Ctx, task.ID, "worker-1", 10*time.Minute)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.ExpiresAt <= lease.ExpiresAt {
		t.Fatalf("renew did not extend expiry: %s -> %s", lease.ExpiresAt, renewed.ExpiresAt)
	}

	env.Clock.Advance(11 * time.Minute)
	if _, err := env.Engine.RenewLease(env.Ctx, task.ID, "worker-1", 10*time.Minute); !fault.IsConcurrency(err) {
		t.Fatalf("expected renew of expired lease to fail, got %v", err)
	}
}

func TestLazyStageMaterialization(t *testing.T) {
	env := newTestEnv(t, `project:
  id: proj-1
pipeline:
  name: drafting
  stages:
    - name: draft
      spawn: eager
    - name: polish
      spawn: lazy
      depends_on:
        - stage: draft
          edge: required
    - name: scratch
      spawn: lazy
`)
	tasks, err := env.Engine.Repo.ProjectTasks(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected only the draft instance at init, got %d", len(tasks))
	}

	draft := env.stageTask(t, "draft")
	env.complete(t, draft.ID, "worker-1")

	polish := env.stageTask(t, "polish")
	if !contains(env.readyIDs(t, "caller-1"), polish.ID) {
		t.Fatalf("materialized polish instance not ready")
	}
	// a lazy stage with no dependency edges has no completion trigger
	tasks, err = env.Engine.Repo.ProjectTasks(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	for _, task := range tasks {
		if task.Stage == "scratch" {
			t.Fatalf("dependency-less lazy stage materialized")
		}
	}
}

func TestGateMonotonicityAndInvalidation(t *testing.T) {
	env := newTestEnv(t, `project:
  id: proj-1
pipeline:
  name: qa
  stages:
    - name: verify
      spawn: eager
      gates:
        - type: quality_threshold
          threshold: 0.7
`)
	verify := env.stageTask(t, "verify")
	if contains(env.readyIDs(t, "caller-1"), verify.ID) {
		t.Fatalf("verify ready with unsatisfied quality gate")
	}

	q := 0.75
	strong, err := env.Engine.RecordArtifact(env.Ctx, engine.ArtifactOptions{
		TaskID: verify.ID, Kind: "measurement", Quality: &q, ActorID: "qa-bot",
	})
	if err != nil {
		t.Fatalf("record artifact: %v", err)
	}
	g, err := env.Engine.Repo.GetGate(env.Ctx, "proj-1", "verify", domain.GateQualityThreshold)
	if err != nil || !g.Satisfied {
		t.Fatalf("gate not satisfied at 0.75: %+v, %v", g, err)
	}
	if !contains(env.readyIDs(t, "caller-1"), verify.ID) {
		t.Fatalf("verify not ready after gate satisfied")
	}

	// a later weak artifact drags the average below the bar, but a
	// satisfied gate only regresses under explicit invalidation
	q2 := 0.5
	if _, err := env.Engine.RecordArtifact(env.Ctx, engine.ArtifactOptions{
		TaskID: verify.ID, Kind: "measurement", Quality: &q2, ActorID: "qa-bot",
	}); err != nil {
		t.Fatalf("record artifact: %v", err)
	}
	g, err = env.Engine.Repo.GetGate(env.Ctx, "proj-1", "verify", domain.GateQualityThreshold)
	if err != nil {
		t.Fatalf("get gate: %v", err)
	}
	if !g.Satisfied || g.CurrentValue != 0.625 {
		t.Fatalf("expected satisfied at current 0.625, got %.3f satisfied=%t", g.CurrentValue, g.Satisfied)
	}

	if _, err := env.Engine.InvalidateArtifact(env.Ctx, strong.ID, "instrument miscalibrated", "tester"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	g, err = env.Engine.Repo.GetGate(env.Ctx, "proj-1", "verify", domain.GateQualityThreshold)
	if err != nil {
		t.Fatalf("get gate: %v", err)
	}
	if g.Satisfied || g.CurrentValue != 0.5 {
		t.Fatalf("expected regressed gate at 0.5, got %.2f satisfied=%t", g.CurrentValue, g.Satisfied)
	}
	if contains(env.readyIDs(t, "caller-1"), verify.ID) {
		t.Fatalf("verify still ready after gate reopened")
	}

	var reopened int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT COUNT(1) FROM events WHERE type='gate.reopened'`).Scan(&reopened); err != nil {
		t.Fatalf("query events: %v", err)
	}
	if reopened != 1 {
		t.Fatalf("expected one gate.reopened event, got %d", reopened)
	}
}

func TestArtifactExistsGate(t *testing.T) {
	env := newTestEnv(t, `project:
  id: proj-1
pipeline:
  name: intake
  stages:
    - name: collect
      spawn: eager
      gates:
        - type: artifact_exists
`)
	collect := env.stageTask(t, "collect")
	if contains(env.readyIDs(t, "caller-1"), collect.ID) {
		t.Fatalf("collect ready without any artifact")
	}
	if _, err := env.Engine.RecordArtifact(env.Ctx, engine.ArtifactOptions{
		TaskID: collect.ID, Kind: "notes", URI: "file:///notes.md", ActorID: "tester",
	}); err != nil {
		t.Fatalf("record artifact: %v", err)
	}
	if !contains(env.readyIDs(t, "caller-1"), collect.ID) {
		t.Fatalf("collect not ready after artifact recorded")
	}
}

func TestCapabilityCheckGate(t *testing.T) {
	env := newTestEnv(t, `project:
  id: proj-1
pipeline:
  name: migration
  stages:
    - name: design
      spawn: eager
    - name: audit
      spawn: eager
      depends_on:
        - stage: design
          edge: gate_requirement
      gates:
        - type: capability_check
`)
	design := env.stageTask(t, "design")
	audit := env.stageTask(t, "audit")

	if contains(env.readyIDs(t, "caller-1"), audit.ID) {
		t.Fatalf("audit ready before capability met")
	}
	want := "gate capability_check on stage audit unsatisfied (0.00 of 0.00)"
	if reasons := env.reasonsFor(t, audit.ID); !contains(reasons, want) {
		t.Fatalf("expected %q, got %v", want, reasons)
	}

	env.complete(t, design.ID, "worker-1")

	g, err := env.Engine.Repo.GetGate(env.Ctx, "proj-1", "audit", domain.GateCapabilityCheck)
	if err != nil || !g.Satisfied {
		t.Fatalf("capability gate not satisfied after dependency completed: %+v, %v", g, err)
	}
	if !contains(env.readyIDs(t, "caller-1"), audit.ID) {
		t.Fatalf("audit not ready after capability met")
	}
}

func TestCapabilityCheckWithoutRequirements(t *testing.T) {
	env := newTestEnv(t, `project:
  id: proj-1
pipeline:
  name: migration
  stages:
    - name: entry
      spawn: eager
      gates:
        - type: capability_check
`)
	entry := env.stageTask(t, "entry")

	// with no gate_requirement edges the gate holds from the start;
	// nothing would ever recompute it later for this stage
	g, err := env.Engine.Repo.GetGate(env.Ctx, "proj-1", "entry", domain.GateCapabilityCheck)
	if err != nil || !g.Satisfied || g.CurrentValue != 1 {
		t.Fatalf("edge-less capability gate not satisfied at init: %+v, %v", g, err)
	}
	if !contains(env.readyIDs(t, "caller-1"), entry.ID) {
		t.Fatalf("entry not ready; reasons: %v", env.reasonsFor(t, entry.ID))
	}
	env.complete(t, entry.ID, "worker-1")
}

func TestLazyStageGateComputedAtMaterialization(t *testing.T) {
	env := newTestEnv(t, `project:
  id: proj-1
pipeline:
  name: drafting
  stages:
    - name: draft
      spawn: eager
    - name: polish
      spawn: lazy
      depends_on:
        - stage: draft
          edge: required
      gates:
        - type: capability_check
`)
	draft := env.stageTask(t, "draft")
	env.complete(t, draft.ID, "worker-1")

	polish := env.stageTask(t, "polish")
	g, err := env.Engine.Repo.GetGate(env.Ctx, "proj-1", "polish", domain.GateCapabilityCheck)
	if err != nil || !g.Satisfied {
		t.Fatalf("capability gate stale after materialization: %+v, %v", g, err)
	}
	if !contains(env.readyIDs(t, "caller-1"), polish.ID) {
		t.Fatalf("materialized polish instance not ready; reasons: %v", env.reasonsFor(t, polish.ID))
	}
}

func TestArchivedProjectRefusesMutation(t *testing.T) {
	env := newTestEnv(t, parallelPipeline)
	task := env.stageTask(t, "code")

	p, err := env.Engine.ArchiveProject(env.Ctx, "proj-1", "tester")
	if err != nil || p.Status != "archived" {
		t.Fatalf("archive: %s, %v", p.Status, err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Stage: "code", ActorID: "tester"}); !fault.IsValidation(err) {
		t.Fatalf("expected create on archived project to fail, got %v", err)
	}
	if _, _, err := env.Engine.ReserveTask(env.Ctx, task.ID, "worker-1", 0); !fault.IsValidation(err) {
		t.Fatalf("expected reserve on archived project to fail, got %v", err)
	}
	if _, err := env.Engine.RecordArtifact(env.Ctx, engine.ArtifactOptions{TaskID: task.ID, Kind: "notes", ActorID: "tester"}); !fault.IsValidation(err) {
		t.Fatalf("expected artifact on archived project to fail, got %v", err)
	}
	// reads stay open
	if _, err := env.Engine.GetReadyTasks(env.Ctx, "proj-1", "caller-1"); err != nil {
		t.Fatalf("ready on archived project: %v", err)
	}
	if _, err := env.Engine.Status(env.Ctx, "proj-1"); err != nil {
		t.Fatalf("status on archived project: %v", err)
	}
}

func TestRateLimitPerCaller(t *testing.T) {
	env := newTestEnv(t, `project:
  id: proj-1
pipeline:
  name: tiny
  stages:
    - name: solo
      spawn: eager
limits:
  caller_requests: 3
  window_seconds: 10
`)
	for i := 0; i < 3; i++ {
		if _, err := env.Engine.GetReadyTasks(env.Ctx, "proj-1", "caller-1"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	_, err := env.Engine.GetReadyTasks(env.Ctx, "proj-1", "caller-1")
	if !fault.IsSecurity(err) || !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Fatalf("expected rate limit rejection, got %v", err)
	}
	// limits are per caller, and the window slides
	if _, err := env.Engine.GetReadyTasks(env.Ctx, "proj-1", "caller-2"); err != nil {
		t.Fatalf("second caller: %v", err)
	}
	env.Clock.Advance(11 * time.Second)
	if _, err := env.Engine.GetReadyTasks(env.Ctx, "proj-1", "caller-1"); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestIdentifierValidation(t *testing.T) {
	env := newTestEnv(t, parallelPipeline)
	task := env.stageTask(t, "code")

	if _, err := env.Engine.GetReadyTasks(env.Ctx, "bad id!", "caller-1"); !fault.IsValidation(err) {
		t.Fatalf("expected project id rejection, got %v", err)
	}
	if _, err := env.Engine.GetReadyTasks(env.Ctx, "proj-1", ""); !fault.IsValidation(err) {
		t.Fatalf("expected caller id rejection, got %v", err)
	}
	if _, _, err := env.Engine.ReserveTask(env.Ctx, task.ID, "worker one", 0); !fault.IsValidation(err) {
		t.Fatalf("expected worker id rejection, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: "proj-1", Stage: "nope", ActorID: "tester"}); !fault.IsValidation(err) {
		t.Fatalf("expected unknown stage rejection, got %v", err)
	}
	longID := strings.Repeat("x", 256)
	if _, err := env.Engine.GetReadyTasks(env.Ctx, longID, "caller-1"); !fault.IsValidation(err) {
		t.Fatalf("expected oversized id rejection, got %v", err)
	}
}

func TestStatusReportIdempotent(t *testing.T) {
	env := newTestEnv(t, parallelPipeline)
	task := env.stageTask(t, "code")
	env.complete(t, task.ID, "worker-1")

	// repeating the report the store already shows is a no-op
	repeated, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, domain.TaskCompleted, "worker-1")
	if err != nil || repeated.Status != domain.TaskCompleted {
		t.Fatalf("repeat report: %s, %v", repeated.Status, err)
	}
	var changes int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT COUNT(1) FROM events WHERE entity_id=? AND type='task.status_changed'`, task.ID).Scan(&changes); err != nil {
		t.Fatalf("query events: %v", err)
	}
	if changes != 1 {
		t.Fatalf("expected a single status_changed event, got %d", changes)
	}
}

func TestDuplicateFailureReportIsNoOp(t *testing.T) {
	env := newTestEnv(t, `project:
  id: proj-1
pipeline:
  name: fragile
  stages:
    - name: build
      spawn: eager
      max_attempts: 3
`)
	build := env.stageTask(t, "build")
	if _, _, err := env.Engine.ReserveTask(env.Ctx, build.ID, "worker-1", 0); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, build.ID, domain.TaskFailed, "worker-1"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	// the report arrives again after the retry policy already requeued
	// the task; the attempt is spent, so nothing changes
	repeated, err := env.Engine.UpdateTaskStatus(env.Ctx, build.ID, domain.TaskFailed, "worker-1")
	if err != nil {
		t.Fatalf("repeat report: %v", err)
	}
	if repeated.Status != domain.TaskReady || repeated.Attempts != 1 {
		t.Fatalf("duplicate report changed the task: %s attempts %d", repeated.Status, repeated.Attempts)
	}
	var requeues int
	if err := env.Engine.DB.QueryRowContext(env.Ctx,
		`SELECT COUNT(1) FROM events WHERE entity_id=? AND type='task.requeued'`, build.ID).Scan(&requeues); err != nil {
		t.Fatalf("query events: %v", err)
	}
	if requeues != 1 {
		t.Fatalf("expected a single requeue event, got %d", requeues)
	}
}

func TestBreakerTransitionsAudited(t *testing.T) {
	env := newTestEnv(t, `project:
  id: proj-1
pipeline:
  name: tiny
  stages:
    - name: solo
      spawn: eager
breaker:
  failure_threshold: 2
  window_seconds: 60
  recovery_seconds: 30
`)
	env.Engine.Breaker.RecordFailure()
	env.Engine.Breaker.RecordFailure()
	env.Clock.Advance(31 * time.Second)
	if err := env.Engine.Breaker.Allow(); err != nil {
		t.Fatalf("half-open trial: %v", err)
	}
	env.Engine.Breaker.RecordSuccess()

	rows, err := env.Engine.DB.QueryContext(env.Ctx,
		`SELECT type FROM events WHERE entity_kind='breaker' ORDER BY id`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, typ)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	want := []string{"breaker.opened", "breaker.half_open", "breaker.closed"}
	if len(got) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestCreateTaskDependencyRules(t *testing.T) {
	env := newTestEnv(t, chainPipeline)
	plan := env.stageTask(t, "plan")

	extra, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1", Stage: "write", Title: "Write appendix", DependsOn: []string{plan.ID}, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	// the stage edge to plan already exists; the explicit duplicate folds in
	edges, err := env.Engine.Repo.ProjectEdges(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("list edges: %v", err)
	}
	n := 0
	for _, e := range edges {
		if e.TaskID == extra.ID && e.DependsOnID == plan.ID {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected one deduplicated edge, got %d", n)
	}

	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1", Stage: "write", ID: "loop-1", DependsOn: []string{"loop-1"}, ActorID: "tester",
	}); !fault.IsValidation(err) {
		t.Fatalf("expected self-dependency rejection, got %v", err)
	}

	cfg := config.Default("proj-2")
	if _, err := env.Engine.InitProject(env.Ctx, "proj-2", "other", "tester", cfg); err != nil {
		t.Fatalf("init second project: %v", err)
	}
	foreign, err := env.Engine.Repo.ProjectTasks(env.Ctx, "proj-2")
	if err != nil || len(foreign) == 0 {
		t.Fatalf("second project tasks: %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: "proj-1", Stage: "write", DependsOn: []string{foreign[0].ID}, ActorID: "tester",
	}); !fault.IsValidation(err) {
		t.Fatalf("expected cross-project dependency rejection, got %v", err)
	}
}

func TestStatusSummary(t *testing.T) {
	env := newTestEnv(t, chainPipeline)
	plan := env.stageTask(t, "plan")
	if _, _, err := env.Engine.ReserveTask(env.Ctx, plan.ID, "worker-1", 0); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	s, err := env.Engine.Status(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if s.Project.ID != "proj-1" || s.Breaker != "closed" {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.Counts[domain.TaskInProgress] != 1 || s.Counts[domain.TaskPending] != 1 {
		t.Fatalf("unexpected counts: %v", s.Counts)
	}
	if len(s.Leases) != 1 || s.Leases[0].WorkerID != "worker-1" {
		t.Fatalf("unexpected leases: %+v", s.Leases)
	}
}
