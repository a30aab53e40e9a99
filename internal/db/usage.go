package db

import (
	"context"
	"database/sql"
	"errors"

	"taskpilot/internal/ratelimit"
)

// IncrementUsage is one conditional upsert: the row changes only when the new
// count stays within limit, so concurrent callers can never overshoot.
func (d *DB) IncrementUsage(ctx context.Context, key ratelimit.Key, amount, limit int) (int, bool, error) {
	if err := d.ready(); err != nil {
		return 0, false, err
	}
	day := ratelimit.DayOf(key.Day)
	row := d.conn.QueryRowContext(ctx, `
		INSERT INTO usage_counters (tenant_id, usage_type, day, count, limit_value, updated_at)
		SELECT $1, $2, $3, $4::int, $5::int, $6
		WHERE $4::int <= $5::int
		ON CONFLICT (tenant_id, usage_type, day) DO UPDATE
		SET count = usage_counters.count + EXCLUDED.count,
			limit_value = EXCLUDED.limit_value,
			updated_at = EXCLUDED.updated_at
		WHERE usage_counters.count + EXCLUDED.count <= EXCLUDED.limit_value
		RETURNING count
	`, key.TenantID, string(key.UsageType), day, amount, limit, d.clock())
	var count int
	err := row.Scan(&count)
	if err == nil {
		return count, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, err
	}
	cur, err := d.CurrentUsage(ctx, key)
	if err != nil {
		return 0, false, err
	}
	return cur, false, nil
}

func (d *DB) CurrentUsage(ctx context.Context, key ratelimit.Key) (int, error) {
	if err := d.ready(); err != nil {
		return 0, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT count FROM usage_counters WHERE tenant_id=$1 AND usage_type=$2 AND day=$3
	`, key.TenantID, string(key.UsageType), ratelimit.DayOf(key.Day))
	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}
