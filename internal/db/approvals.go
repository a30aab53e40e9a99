package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"taskpilot/internal/approvals"
)

const approvalObject = `jsonb_build_object(
			'id', approval_id,
			'tenant_id', tenant_id,
			'run_id', run_id,
			'action_type', action_type,
			'action_summary', action_summary,
			'action_details', action_details,
			'reason', reason,
			'status', status,
			'requested_by', requested_by,
			'requested_at', requested_at,
			'expires_at', expires_at,
			'responded_by', responded_by,
			'responded_at', responded_at,
			'response_note', response_note,
			'dispatched_at', dispatched_at
		)`

func (d *DB) CreateApproval(ctx context.Context, req approvals.Request) error {
	if err := d.ready(); err != nil {
		return err
	}
	details, err := json.Marshal(req.ActionDetails)
	if err != nil {
		return err
	}
	var toolNames []string
	for _, id := range req.ActionDetails.Tools() {
		toolNames = append(toolNames, id.String())
	}
	_, err = d.conn.ExecContext(ctx, `
		INSERT INTO approval_requests (
			approval_id, tenant_id, run_id, action_type, action_summary, action_details,
			tools, reason, status, requested_by, requested_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, req.ID, req.TenantID, req.RunID, req.ActionType, req.ActionSummary, details,
		pq.Array(toolNames), req.Reason, string(req.Status), req.RequestedBy, req.RequestedAt, req.ExpiresAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: approval %s", ErrDuplicate, req.ID)
	}
	return err
}

func (d *DB) GetApproval(ctx context.Context, id string) (approvals.Request, error) {
	if err := d.ready(); err != nil {
		return approvals.Request{}, err
	}
	row := d.conn.QueryRowContext(ctx, `SELECT `+approvalObject+` FROM approval_requests WHERE approval_id=$1`, id)
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		return approvals.Request{}, notFound(err)
	}
	var req approvals.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return approvals.Request{}, err
	}
	return req, nil
}

// ListApprovals returns the tenant's requests, newest first. An empty status
// matches every status.
func (d *DB) ListApprovals(ctx context.Context, tenantID string, status approvals.Status) ([]approvals.Request, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `SELECT COALESCE(jsonb_agg(
		`+approvalObject+` ORDER BY requested_at DESC, approval_id
	), '[]'::jsonb) FROM approval_requests WHERE tenant_id=$1 AND ($2::text = '' OR status = $2::text)`, tenantID, string(status))
	return scanApprovals(row)
}

// TransitionApproval applies t only while the request is pending and on the
// correct side of its deadline.
func (d *DB) TransitionApproval(ctx context.Context, id string, t approvals.Transition) (bool, error) {
	if err := d.ready(); err != nil {
		return false, err
	}
	res, err := d.conn.ExecContext(ctx, `
		UPDATE approval_requests
		SET status=$2::text, responded_by=$3, response_note=$4, responded_at=$5
		WHERE approval_id=$1 AND status='pending'
		AND (($2::text = 'expired' AND expires_at <= $5) OR ($2::text <> 'expired' AND expires_at > $5))
	`, id, string(t.To), t.By, t.Note, t.At)
	if err != nil {
		return false, err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	row := d.conn.QueryRowContext(ctx, `SELECT status FROM approval_requests WHERE approval_id=$1`, id)
	var current string
	if err := row.Scan(&current); err != nil {
		return false, notFound(err)
	}
	return false, nil
}

func (d *DB) ExpireApprovals(ctx context.Context, now time.Time) ([]approvals.Request, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `
		WITH expired AS (
			UPDATE approval_requests SET status='expired', responded_at=$1
			WHERE status='pending' AND expires_at <= $1
			RETURNING *
		)
		SELECT COALESCE(jsonb_agg(`+approvalObject+` ORDER BY requested_at), '[]'::jsonb) FROM expired
	`, now)
	return scanApprovals(row)
}

func (d *DB) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	if err := d.ready(); err != nil {
		return err
	}
	_, err := d.conn.ExecContext(ctx, `
		UPDATE approval_requests SET dispatched_at=$2
		WHERE approval_id=$1 AND dispatched_at IS NULL
	`, id, at)
	return err
}

func (d *DB) ListUndispatched(ctx context.Context, before time.Time) ([]approvals.Request, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(jsonb_agg(`+approvalObject+` ORDER BY responded_at, approval_id), '[]'::jsonb)
		FROM approval_requests
		WHERE status='approved' AND dispatched_at IS NULL AND responded_at <= $1
	`, before)
	return scanApprovals(row)
}

func scanApprovals(row rowScanner) ([]approvals.Request, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return []approvals.Request{}, nil
		}
		return nil, err
	}
	out := []approvals.Request{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
