package pipeline

import (
	"context"
	"time"

	"taskpilot/internal/approvals"
	"taskpilot/internal/assessor"
	"taskpilot/internal/auth"
	"taskpilot/internal/gatekeeper"
	"taskpilot/internal/plan"
	"taskpilot/internal/policy"
)

type Status string

const (
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusPendingApproval Status = "pending_approval"
	StatusRejected        Status = "rejected"
	StatusFailed          Status = "failed"
)

// Generator turns a trigger into a plan.
type Generator interface {
	Generate(ctx context.Context, tenantID string, trigger plan.TriggerPayload) (plan.ActionPlan, error)
}

// Assessor scores a plan and records the result on it.
type Assessor interface {
	Assess(trigger plan.TriggerPayload, p *plan.ActionPlan) assessor.Assessment
}

// Validator decides what happens to an assessed plan.
type Validator interface {
	Validate(p plan.ActionPlan, a assessor.Assessment, pol policy.TenantPolicy) policy.ValidationResult
}

// Executor runs the tool calls of an approved plan.
type Executor interface {
	Execute(ctx context.Context, actions []plan.Action, opts gatekeeper.Options) ([]gatekeeper.Result, error)
}

// Approvals creates a pending approval for a plan that needs review.
type Approvals interface {
	Create(ctx context.Context, actor auth.Actor, runID string, p plan.ActionPlan, reason string) (approvals.Request, error)
}

// TriggerRequest is the body of a trigger call. IdempotencyKey comes from
// the Idempotency-Key header; when empty a key is derived from the content.
type TriggerRequest struct {
	plan.TriggerPayload
	AutoApprove    *bool  `json:"auto_approve,omitempty"`
	DryRun         bool   `json:"dry_run,omitempty"`
	IdempotencyKey string `json:"-"`
}

func (r TriggerRequest) autoApprove() bool {
	return r.AutoApprove == nil || *r.AutoApprove
}

// RunRecord is the persisted state of one run.
type RunRecord struct {
	ID         string                   `json:"id"`
	TenantID   string                   `json:"tenant_id"`
	ActorID    string                   `json:"actor_id"`
	Status     Status                   `json:"status"`
	Trigger    plan.TriggerPayload      `json:"trigger"`
	DryRun     bool                     `json:"dry_run"`
	Plan       *plan.ActionPlan         `json:"plan,omitempty"`
	Validation *policy.ValidationResult `json:"validation,omitempty"`
	ApprovalID string                   `json:"approval_id,omitempty"`
	Results    []gatekeeper.Result      `json:"results,omitempty"`
	Error      string                   `json:"error,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
	UpdatedAt  time.Time                `json:"updated_at"`
}

type RunStore interface {
	CreateRun(ctx context.Context, rec RunRecord) error
	UpdateRun(ctx context.Context, rec RunRecord) error
	// GetRun returns errs.ErrNotFound for unknown ids.
	GetRun(ctx context.Context, id string) (RunRecord, error)
}

type PlanSummary struct {
	Goal             string   `json:"goal"`
	ActionCount      int      `json:"actions_count"`
	Tools            []string `json:"tools"`
	OverallRisk      string   `json:"overall_risk"`
	Confidence       string   `json:"confidence"`
	RequiresApproval bool     `json:"requires_approval"`
	Warnings         []string `json:"warnings,omitempty"`
}

type ValidationSummary struct {
	Decision         policy.Decision    `json:"decision"`
	RequiresApproval bool               `json:"requires_approval"`
	Reason           string             `json:"reason"`
	Violations       []policy.Violation `json:"violations,omitempty"`
	ApprovedActions  []int              `json:"approved_actions"`
	BlockedActions   []int              `json:"blocked_actions"`
	ConfidenceMeets  bool               `json:"confidence_meets_threshold"`
	RiskFactors      []string           `json:"risk_factors,omitempty"`
}

// RunResult is what callers see for a run, and what the idempotency gate
// replays for duplicate triggers.
type RunResult struct {
	RunID       string              `json:"run_id"`
	Status      Status              `json:"status"`
	DryRun      bool                `json:"dry_run,omitempty"`
	PlanSummary *PlanSummary        `json:"plan_summary,omitempty"`
	Validation  *ValidationSummary  `json:"validation,omitempty"`
	ApprovalID  string              `json:"approval_id,omitempty"`
	Results     []gatekeeper.Result `json:"results,omitempty"`
	Error       string              `json:"error,omitempty"`
	Replayed    bool                `json:"replayed,omitempty"`
}

// ResultOf projects a stored run into its public shape.
func ResultOf(rec RunRecord) RunResult {
	out := RunResult{
		RunID:      rec.ID,
		Status:     rec.Status,
		DryRun:     rec.DryRun,
		ApprovalID: rec.ApprovalID,
		Results:    rec.Results,
		Error:      rec.Error,
	}
	if rec.Plan != nil {
		p := rec.Plan
		names := make([]string, 0)
		for _, id := range p.Tools() {
			names = append(names, id.String())
		}
		out.PlanSummary = &PlanSummary{
			Goal:             p.Goal,
			ActionCount:      len(p.Actions),
			Tools:            names,
			OverallRisk:      p.OverallRisk.String(),
			Confidence:       p.Confidence.String(),
			RequiresApproval: p.RequiresApproval,
			Warnings:         p.Warnings,
		}
	}
	if v := rec.Validation; v != nil {
		out.Validation = &ValidationSummary{
			Decision:         v.Decision,
			RequiresApproval: v.RequiresApproval(),
			Reason:           v.DecisionReason,
			Violations:       v.PolicyViolations,
			ApprovedActions:  v.ApprovedActions,
			BlockedActions:   v.BlockedActions,
			ConfidenceMeets:  v.ConfidenceCheck.MeetsThreshold,
			RiskFactors:      v.RiskAssessment.RiskFactors,
		}
	}
	return out
}
