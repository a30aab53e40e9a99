// Package approvals manages human-approval requests for plans the policy
// validator did not auto-approve.
package approvals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/plan"
	"taskpilot/internal/risk"
)

const DefaultTTL = 24 * time.Hour

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown approval status %q", s)
}

func (s Status) Terminal() bool {
	return s != StatusPending
}

// Request is a persisted, time-boxed ask for a human decision. ActionDetails
// is a snapshot of the plan taken when the request was created.
type Request struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	RunID         string          `json:"run_id"`
	ActionType    string          `json:"action_type"`
	ActionSummary string          `json:"action_summary"`
	ActionDetails plan.ActionPlan `json:"action_details"`
	Reason        string          `json:"reason,omitempty"`
	Status        Status          `json:"status"`
	RequestedBy   string          `json:"requested_by"`
	RequestedAt   time.Time       `json:"requested_at"`
	ExpiresAt     time.Time       `json:"expires_at"`
	RespondedBy   string          `json:"responded_by,omitempty"`
	RespondedAt   *time.Time      `json:"responded_at,omitempty"`
	ResponseNote  string          `json:"response_note,omitempty"`
	DispatchedAt  *time.Time      `json:"dispatched_at,omitempty"`
}

// Clone returns a copy of r that shares no maps, slices or timestamps with it.
func (r Request) Clone() (Request, error) {
	out := r
	details, err := r.ActionDetails.Clone()
	if err != nil {
		return Request{}, err
	}
	out.ActionDetails = details
	out.RespondedAt = cloneTime(r.RespondedAt)
	out.DispatchedAt = cloneTime(r.DispatchedAt)
	return out, nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Expired reports whether a pending request is past its deadline at now.
func (r Request) Expired(now time.Time) bool {
	return r.Status == StatusPending && !now.Before(r.ExpiresAt)
}

// Transition is a compare-and-swap out of pending. Stores apply it only when
// the row is still pending; approved and rejected also require
// ExpiresAt > At, and expired requires ExpiresAt <= At.
type Transition struct {
	To   Status
	By   string
	Note string
	At   time.Time
}

type Store interface {
	CreateApproval(ctx context.Context, req Request) error
	GetApproval(ctx context.Context, id string) (Request, error)
	ListApprovals(ctx context.Context, tenantID string, status Status) ([]Request, error)
	TransitionApproval(ctx context.Context, id string, t Transition) (bool, error)
	// ExpireApprovals moves every pending request with ExpiresAt <= now to
	// expired and returns the requests it changed.
	ExpireApprovals(ctx context.Context, now time.Time) ([]Request, error)
	// MarkDispatched records that an approved request reached the execution
	// path. Marking twice keeps the first time.
	MarkDispatched(ctx context.Context, id string, at time.Time) error
	// ListUndispatched returns approved requests decided at or before before
	// that were never marked dispatched, oldest decision first.
	ListUndispatched(ctx context.Context, before time.Time) ([]Request, error)
}

// describe derives action_type (the riskiest tool) and a one-line summary.
func describe(p plan.ActionPlan) (string, string) {
	actionType := "plan"
	top := risk.Level(-1)
	var steps []string
	for _, a := range p.Actions {
		steps = append(steps, a.Description)
		for _, c := range a.ToolCalls {
			if r := c.Tool.StaticRisk(); r > top {
				top = r
				actionType = c.Tool.String()
			}
		}
	}
	summary := fmt.Sprintf("%d action(s): %s", len(p.Actions), strings.Join(steps, "; "))
	if r := []rune(summary); len(r) > 280 {
		summary = string(r[:277]) + "..."
	}
	return actionType, summary
}
