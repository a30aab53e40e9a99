package db

import (
	"context"
	"encoding/json"

	"taskpilot/internal/audit"
)

// InsertAuditEvent appends one event. The table is insert-only.
func (d *DB) InsertAuditEvent(ctx context.Context, ev audit.Event) (string, error) {
	if err := d.ready(); err != nil {
		return "", err
	}
	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return "", err
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = d.clock()
	}
	id := newID("evt")
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, tenant_id, actor_id, action, resource_type, resource_id, metadata, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, ev.TenantID, ev.ActorID, ev.Action, ev.ResourceType, ev.ResourceID, meta, at)
	if err != nil {
		return "", err
	}
	return id, nil
}
