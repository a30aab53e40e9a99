package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"taskpilot/internal/memory"
	"taskpilot/internal/policy"
)

func (d *DB) GetTenantPolicy(ctx context.Context, tenantID string) (policy.TenantPolicy, error) {
	if err := d.ready(); err != nil {
		return policy.TenantPolicy{}, err
	}
	row := d.conn.QueryRowContext(ctx, `SELECT policy FROM tenant_policies WHERE tenant_id=$1`, tenantID)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return policy.TenantPolicy{}, notFound(err)
	}
	var p policy.TenantPolicy
	if err := json.Unmarshal(raw, &p); err != nil {
		return policy.TenantPolicy{}, err
	}
	return p, nil
}

// GetOrgMemory returns an empty record for tenants with nothing stored.
func (d *DB) GetOrgMemory(ctx context.Context, tenantID string) (memory.OrgMemory, error) {
	if err := d.ready(); err != nil {
		return memory.OrgMemory{}, err
	}
	row := d.conn.QueryRowContext(ctx, `SELECT memory, updated_at FROM org_memory WHERE tenant_id=$1`, tenantID)
	var raw []byte
	var out memory.OrgMemory
	if err := row.Scan(&raw, &out.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return memory.OrgMemory{TenantID: tenantID}, nil
		}
		return memory.OrgMemory{}, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return memory.OrgMemory{}, err
	}
	out.TenantID = tenantID
	return out, nil
}

func (d *DB) TenantPlan(ctx context.Context, tenantID string) (string, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	row := d.conn.QueryRowContext(ctx, `SELECT plan FROM tenant_plans WHERE tenant_id=$1`, tenantID)
	var name string
	if err := row.Scan(&name); err != nil {
		return "", notFound(err)
	}
	return name, nil
}
