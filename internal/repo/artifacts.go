package repo

import (
	"context"
	"database/sql"
	"errors"

	"gantry/internal/domain"
)

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO artifacts(id,project_id,task_id,kind,uri,quality,invalidated,created_by,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.TaskID, a.Kind, nullable(a.URI), nullableFloat(a.Quality), boolInt(a.Invalidated), a.CreatedBy, a.CreatedAt)
	return err
}

const artifactColumns = `id,project_id,task_id,kind,uri,quality,invalidated,created_by,created_at,invalidated_at,invalidated_by,reason`

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var uri, invalidatedAt, invalidatedBy, reason sql.NullString
	var quality sql.NullFloat64
	var invalidated int
	err := row.Scan(&a.ID, &a.ProjectID, &a.TaskID, &a.Kind, &uri, &quality, &invalidated, &a.CreatedBy, &a.CreatedAt, &invalidatedAt, &invalidatedBy, &reason)
	if err != nil {
		return a, err
	}
	a.URI = uri.String
	if quality.Valid {
		v := quality.Float64
		a.Quality = &v
	}
	a.Invalidated = invalidated != 0
	a.InvalidatedAt = optionalString(invalidatedAt)
	a.InvalidatedBy = optionalString(invalidatedBy)
	a.Reason = reason.String
	return a, nil
}

func (r Repo) GetArtifact(ctx context.Context, id string) (domain.Artifact, error) {
	a, err := scanArtifact(r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) ListArtifactsByTask(ctx context.Context, projectID, taskID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE project_id=? AND task_id=? ORDER BY created_at ASC, id ASC`, projectID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// InvalidateArtifactTx flips the invalidated flag. Invalidating an
// already-invalidated artifact is a no-op; the bool reports whether
// this call changed anything.
func (r Repo) InvalidateArtifactTx(ctx context.Context, tx *sql.Tx, id, by, reason, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE artifacts SET invalidated=1, invalidated_at=?, invalidated_by=?, reason=? WHERE id=? AND invalidated=0`,
		now, by, nullable(reason), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE id=?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return false, err
}

// TaskQuality is the average quality of the task's valid scored
// artifacts. ok is false when the task has none.
func (r Repo) TaskQuality(ctx context.Context, taskID string) (float64, bool, error) {
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT AVG(quality) FROM artifacts WHERE task_id=? AND invalidated=0 AND quality IS NOT NULL`, taskID).Scan(&avg)
	if err != nil {
		return 0, false, err
	}
	return avg.Float64, avg.Valid, nil
}

// TaskQualities returns per-task quality averages for a whole project
// in one query; tasks without scored artifacts are absent from the map.
func (r Repo) TaskQualities(ctx context.Context, projectID string) (map[string]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id, AVG(quality) FROM artifacts WHERE project_id=? AND invalidated=0 AND quality IS NOT NULL GROUP BY task_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]float64{}
	for rows.Next() {
		var taskID string
		var avg float64
		if err := rows.Scan(&taskID, &avg); err != nil {
			return nil, err
		}
		res[taskID] = avg
	}
	return res, rows.Err()
}

// StageQuality averages quality across the valid scored artifacts of
// every task in a stage.
func (r Repo) StageQuality(ctx context.Context, projectID, stage string) (float64, bool, error) {
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT AVG(a.quality) FROM artifacts a JOIN tasks t ON t.id=a.task_id
WHERE a.project_id=? AND t.stage=? AND a.invalidated=0 AND a.quality IS NOT NULL`, projectID, stage).Scan(&avg)
	if err != nil {
		return 0, false, err
	}
	return avg.Float64, avg.Valid, nil
}

// StageHasArtifact reports whether any valid artifact exists on the
// stage's tasks.
func (r Repo) StageHasArtifact(ctx context.Context, projectID, stage string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM artifacts a JOIN tasks t ON t.id=a.task_id
WHERE a.project_id=? AND t.stage=? AND a.invalidated=0 LIMIT 1`, projectID, stage).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
