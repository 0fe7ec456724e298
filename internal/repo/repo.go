package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"gantry/internal/config"
	"gantry/internal/domain"
)

var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

// Projects

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,pipeline,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Pipeline, p.Status, nullable(p.Description), p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var description, archivedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,pipeline,status,description,created_at,archived_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Pipeline, &p.Status, &description, &p.CreatedAt, &archivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Description = description.String
	p.ArchivedAt = optionalString(archivedAt)
	return p, nil
}

func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,pipeline,status,description,created_at,archived_at FROM projects WHERE status='active' LIMIT 2`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		var description, archivedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.Pipeline, &p.Status, &description, &p.CreatedAt, &archivedAt); err != nil {
			return domain.Project{}, err
		}
		p.Description = description.String
		p.ArchivedAt = optionalString(archivedAt)
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return domain.Project{}, err
	}
	if len(projects) != 1 {
		return domain.Project{}, ErrNotFound
	}
	return projects[0], nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,pipeline,status,description,created_at,archived_at FROM projects ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		var description, archivedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.Pipeline, &p.Status, &description, &p.CreatedAt, &archivedAt); err != nil {
			return nil, err
		}
		p.Description = description.String
		p.ArchivedAt = optionalString(archivedAt)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ArchiveProjectTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status='archived', archived_at=? WHERE id=? AND status='active'`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Project config (pipeline snapshot, stored as JSON)

func (r Repo) UpsertProjectConfig(ctx context.Context, projectID, now string, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, now, cfg); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) UpsertProjectConfigTx(ctx context.Context, tx *sql.Tx, projectID, now string, cfg *config.Config) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO project_configs(project_id,config_json,updated_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`,
		projectID, string(payload), now)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM project_configs WHERE project_id=?`, projectID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = projectID
	}
	return &cfg, nil
}

// Tasks

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,stage,title,description,status,worker_id,priority,attempts,max_attempts,blocked_reason,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Stage, t.Title, nullable(t.Description), t.Status, nullablePtr(t.WorkerID),
		t.Priority, t.Attempts, t.MaxAttempts, nullablePtr(t.BlockedReason), t.CreatedAt, t.UpdatedAt, nullablePtr(t.CompletedAt))
	return err
}

const taskColumns = `id,project_id,stage,title,description,status,worker_id,priority,attempts,max_attempts,blocked_reason,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var description, workerID, blockedReason, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.Stage, &t.Title, &description, &t.Status, &workerID,
		&t.Priority, &t.Attempts, &t.MaxAttempts, &blockedReason, &t.CreatedAt, &t.UpdatedAt, &completedAt)
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.WorkerID = optionalString(workerID)
	t.BlockedReason = optionalString(blockedReason)
	t.CompletedAt = optionalString(completedAt)
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

type TaskFilters struct {
	ProjectID       string
	Stage           string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ProjectTasks returns every task of a project in resolver order:
// stage priority weight ascending, then id.
func (r Repo) ProjectTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE project_id=? ORDER BY priority ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// MarkReadyTx flips a task to ready and clears any blocked reason.
func (r Repo) MarkReadyTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	return r.execTask(ctx, tx, `UPDATE tasks SET status=?, blocked_reason=NULL, updated_at=? WHERE id=?`, domain.TaskReady, now, id)
}

// MarkInProgressTx records the start of an execution: worker pinned,
// attempts incremented. This is the only place attempts grows.
func (r Repo) MarkInProgressTx(ctx context.Context, tx *sql.Tx, id, workerID, now string) error {
	return r.execTask(ctx, tx, `UPDATE tasks SET status=?, worker_id=?, attempts=attempts+1, blocked_reason=NULL, updated_at=? WHERE id=?`,
		domain.TaskInProgress, workerID, now, id)
}

func (r Repo) MarkCompletedTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	return r.execTask(ctx, tx, `UPDATE tasks SET status=?, worker_id=NULL, blocked_reason=NULL, completed_at=?, updated_at=? WHERE id=?`,
		domain.TaskCompleted, now, now, id)
}

func (r Repo) MarkFailedTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	return r.execTask(ctx, tx, `UPDATE tasks SET status=?, worker_id=NULL, updated_at=? WHERE id=?`, domain.TaskFailed, now, id)
}

// RequeueTaskTx returns a task to ready after a lease reclaim or a
// retryable failure. Attempts is left alone; the next reservation
// increments it.
func (r Repo) RequeueTaskTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	return r.execTask(ctx, tx, `UPDATE tasks SET status=?, worker_id=NULL, blocked_reason=NULL, updated_at=? WHERE id=?`, domain.TaskReady, now, id)
}

// SetBlockedTx parks a pending task with a diagnostic reason.
func (r Repo) SetBlockedTx(ctx context.Context, tx *sql.Tx, id, reason, now string) error {
	return r.execTask(ctx, tx, `UPDATE tasks SET status=?, blocked_reason=?, updated_at=? WHERE id=?`, domain.TaskBlocked, reason, now, id)
}

func (r Repo) execTask(ctx context.Context, tx *sql.Tx, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Dependency edges

func (r Repo) InsertEdgeTx(ctx context.Context, tx *sql.Tx, e domain.DependencyEdge) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_edges(project_id,task_id,depends_on_id,edge_type,minimum_score,created_at) VALUES (?,?,?,?,?,?)`,
		e.ProjectID, e.TaskID, e.DependsOnID, e.EdgeType, nullableFloat(e.MinimumScore), e.CreatedAt)
	return err
}

func (r Repo) ProjectEdges(ctx context.Context, projectID string) ([]domain.DependencyEdge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,task_id,depends_on_id,edge_type,minimum_score,created_at FROM task_edges WHERE project_id=? ORDER BY task_id, depends_on_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DependencyEdge
	for rows.Next() {
		var e domain.DependencyEdge
		var score sql.NullFloat64
		if err := rows.Scan(&e.ProjectID, &e.TaskID, &e.DependsOnID, &e.EdgeType, &score, &e.CreatedAt); err != nil {
			return nil, err
		}
		if score.Valid {
			v := score.Float64
			e.MinimumScore = &v
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EdgesInto returns the edges that point at the given task, i.e. the
// dependents waiting on it.
func (r Repo) EdgesInto(ctx context.Context, dependsOnID string) ([]domain.DependencyEdge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,task_id,depends_on_id,edge_type,minimum_score,created_at FROM task_edges WHERE depends_on_id=? ORDER BY task_id`, dependsOnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DependencyEdge
	for rows.Next() {
		var e domain.DependencyEdge
		var score sql.NullFloat64
		if err := rows.Scan(&e.ProjectID, &e.TaskID, &e.DependsOnID, &e.EdgeType, &score, &e.CreatedAt); err != nil {
			return nil, err
		}
		if score.Valid {
			v := score.Float64
			e.MinimumScore = &v
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Events

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if cursor > 0 {
		clauses = append(clauses, "id < ?")
		args = append(args, cursor)
	}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, projectID, evtType, entityKind, entityID)
}

// EventsAfter pages forward from a cursor, oldest first. Webhook
// delivery walks the log with this.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, projectID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{cursor}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	query := `SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	args := []any{}
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		e.ProjectID = projectID.String
		e.EntityID = entityID.String
		e.Payload = payload.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// Helpers

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
