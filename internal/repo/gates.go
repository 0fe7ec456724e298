package repo

import (
	"context"
	"database/sql"
	"errors"

	"gantry/internal/domain"
)

func (r Repo) UpsertGateTx(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gates(project_id,stage,type,threshold,current_value,satisfied,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id,stage,type) DO UPDATE SET threshold=excluded.threshold, current_value=excluded.current_value, satisfied=excluded.satisfied, updated_at=excluded.updated_at`,
		g.ProjectID, g.Stage, g.Type, g.Threshold, g.CurrentValue, boolInt(g.Satisfied), g.UpdatedAt)
	return err
}

const gateColumns = `project_id,stage,type,threshold,current_value,satisfied,updated_at`

func scanGate(row rowScanner) (domain.Gate, error) {
	var g domain.Gate
	var satisfied int
	err := row.Scan(&g.ProjectID, &g.Stage, &g.Type, &g.Threshold, &g.CurrentValue, &satisfied, &g.UpdatedAt)
	if err != nil {
		return g, err
	}
	g.Satisfied = satisfied != 0
	return g, nil
}

func (r Repo) GetGate(ctx context.Context, projectID, stage, gateType string) (domain.Gate, error) {
	g, err := scanGate(r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? AND stage=? AND type=?`,
		projectID, stage, gateType))
	if errors.Is(err, sql.ErrNoRows) {
		return g, ErrNotFound
	}
	return g, err
}

func (r Repo) StageGates(ctx context.Context, projectID, stage string) ([]domain.Gate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? AND stage=? ORDER BY type`, projectID, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGates(rows)
}

func (r Repo) ProjectGates(ctx context.Context, projectID string) ([]domain.Gate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? ORDER BY stage, type`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectGates(rows)
}

func collectGates(rows *sql.Rows) ([]domain.Gate, error) {
	var res []domain.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
