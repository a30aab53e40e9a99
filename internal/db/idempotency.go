package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskpilot/internal/errs"
	"taskpilot/internal/idempotency"
)

// InsertIdempotencyKey claims the key, taking over a row whose expiry has
// passed. A live holder makes the upsert return no row.
func (d *DB) InsertIdempotencyKey(ctx context.Context, rec idempotency.Record) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	row := d.conn.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, tenant_id, response, completed, created_at, expires_at)
		VALUES ($1, $2, NULL, false, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET tenant_id = EXCLUDED.tenant_id,
			response = NULL,
			completed = false,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at < EXCLUDED.created_at
		RETURNING key
	`, rec.Key, rec.TenantID, rec.CreatedAt, rec.ExpiresAt)
	var key string
	if err := row.Scan(&key); err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *DB) GetIdempotencyKey(ctx context.Context, key string) (idempotency.Record, error) {
	if err := d.ready(); err != nil {
		return idempotency.Record{}, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT key, tenant_id, response, completed, created_at, expires_at
		FROM idempotency_keys WHERE key=$1
	`, key)
	var rec idempotency.Record
	if err := row.Scan(&rec.Key, &rec.TenantID, &rec.Response, &rec.Completed, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return idempotency.Record{}, notFound(err)
	}
	return rec, nil
}

func (d *DB) CompleteIdempotencyKey(ctx context.Context, key string, response []byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	res, err := d.conn.ExecContext(ctx, `
		UPDATE idempotency_keys SET response=$2, completed=true WHERE key=$1
	`, key, response)
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

func (d *DB) DeleteIdempotencyKey(ctx context.Context, key string) error {
	if err := d.ready(); err != nil {
		return err
	}
	_, err := d.conn.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key=$1`, key)
	return err
}

func (d *DB) DeleteIdempotencyKeysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	res, err := d.conn.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
