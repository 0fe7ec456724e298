package repo

import (
	"context"
	"database/sql"
	"errors"

	"gantry/internal/domain"
)

func (r Repo) InsertReviewTx(ctx context.Context, tx *sql.Tx, v domain.ReviewScore) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(id,project_id,task_id,reviewer_id,reviewer_type,score,positive,signed_off,signed_off_by,signed_off_at,comment,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ProjectID, v.TaskID, v.ReviewerID, v.ReviewerType, v.Score, boolInt(v.Positive), boolInt(v.SignedOff),
		nullablePtr(v.SignedOffBy), nullablePtr(v.SignedOffAt), nullable(v.Comment), v.CreatedAt)
	return err
}

const reviewColumns = `id,project_id,task_id,reviewer_id,reviewer_type,score,positive,signed_off,signed_off_by,signed_off_at,comment,created_at`

func scanReview(row rowScanner) (domain.ReviewScore, error) {
	var v domain.ReviewScore
	var signedOffBy, signedOffAt, comment sql.NullString
	var positive, signedOff int
	err := row.Scan(&v.ID, &v.ProjectID, &v.TaskID, &v.ReviewerID, &v.ReviewerType, &v.Score, &positive, &signedOff,
		&signedOffBy, &signedOffAt, &comment, &v.CreatedAt)
	if err != nil {
		return v, err
	}
	v.Positive = positive != 0
	v.SignedOff = signedOff != 0
	v.SignedOffBy = optionalString(signedOffBy)
	v.SignedOffAt = optionalString(signedOffAt)
	v.Comment = comment.String
	return v, nil
}

func (r Repo) GetReview(ctx context.Context, id string) (domain.ReviewScore, error) {
	v, err := scanReview(r.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) ListReviewsByTask(ctx context.Context, projectID, taskID string) ([]domain.ReviewScore, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE project_id=? AND task_id=? ORDER BY created_at ASC, id ASC`, projectID, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewScore
	for rows.Next() {
		v, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// SignOffReviewTx marks a review signed off. Signing off twice is a
// no-op; the bool reports whether this call changed anything.
func (r Repo) SignOffReviewTx(ctx context.Context, tx *sql.Tx, id, by, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE reviews SET signed_off=1, signed_off_by=?, signed_off_at=? WHERE id=? AND signed_off=0`, by, now, id)
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
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM reviews WHERE id=?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	return false, err
}

// StageReviewPoints sums the fixed point values of positive, signed-off
// reviews across the stage's tasks: human 1.0, automated 0.5.
func (r Repo) StageReviewPoints(ctx context.Context, projectID, stage string) (float64, error) {
	var points sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT SUM(CASE WHEN v.reviewer_type='human' THEN 1.0 ELSE 0.5 END)
FROM reviews v JOIN tasks t ON t.id=v.task_id
WHERE v.project_id=? AND t.stage=? AND v.positive=1 AND v.signed_off=1`, projectID, stage).Scan(&points)
	if err != nil {
		return 0, err
	}
	return points.Float64, nil
}
