package db

import (
	"context"
	"encoding/json"
	"fmt"

	"taskpilot/internal/errs"
	"taskpilot/internal/pipeline"
)

// Runs keep the full record as jsonb; the scalar columns exist for indexing
// and operator queries.

func (d *DB) CreateRun(ctx context.Context, rec pipeline.RunRecord) error {
	if err := d.ready(); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO runs (run_id, tenant_id, actor_id, status, dry_run, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.TenantID, rec.ActorID, string(rec.Status), rec.DryRun, body, rec.CreatedAt, rec.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: run %s", ErrDuplicate, rec.ID)
	}
	return err
}

func (d *DB) UpdateRun(ctx context.Context, rec pipeline.RunRecord) error {
	if err := d.ready(); err != nil {
		return err
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	res, err := d.conn.ExecContext(ctx, `
		UPDATE runs SET status=$2, approval_id=NULLIF($3, ''), record=$4, updated_at=$5 WHERE run_id=$1
	`, rec.ID, string(rec.Status), rec.ApprovalID, body, rec.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func (d *DB) GetRun(ctx context.Context, id string) (pipeline.RunRecord, error) {
	if err := d.ready(); err != nil {
		return pipeline.RunRecord{}, err
	}
	row := d.conn.QueryRowContext(ctx, `SELECT record FROM runs WHERE run_id=$1`, id)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return pipeline.RunRecord{}, notFound(err)
	}
	var rec pipeline.RunRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return pipeline.RunRecord{}, err
	}
	return rec, nil
}
