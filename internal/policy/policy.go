// Package policy decides whether an assessed plan is approved, needs a human
// sign-off, or is rejected, against the tenant's policy.
package policy

import (
	"fmt"
	"strings"

	"taskpilot/internal/assessor"
	"taskpilot/internal/plan"
	"taskpilot/internal/risk"
	"taskpilot/internal/tools"
)

type Decision string

const (
	Approve              Decision = "approve"
	RequireHumanApproval Decision = "require_human_approval"
	Reject               Decision = "reject"
)

// Violation rule names.
const (
	RuleCriticalRisk   = "critical_risk"
	RuleMaxActions     = "max_actions"
	RuleRiskThreshold  = "risk_threshold"
	RuleConfidence     = "confidence_threshold"
	RuleAlwaysApprove  = "always_approve_tool"
	RuleAutoApproveOff = "auto_approve_disabled"
)

type TenantPolicy struct {
	MaxAutoApproveRisk risk.Level      `json:"max_auto_approve_risk"`
	MinConfidence      risk.Confidence `json:"min_confidence"`
	AlwaysApproveTools []tools.ToolID  `json:"always_approve_tools"`
	MaxActionsPerRun   int             `json:"max_actions_per_run"`
}

// DefaultTenantPolicy auto-approves up to medium risk at medium confidence.
func DefaultTenantPolicy() TenantPolicy {
	return TenantPolicy{
		MaxAutoApproveRisk: risk.Medium,
		MinConfidence:      risk.MediumConfidence,
		MaxActionsPerRun:   plan.DefaultMaxActions,
	}
}

func (p TenantPolicy) alwaysApprove(id tools.ToolID) bool {
	for _, t := range p.AlwaysApproveTools {
		if t == id {
			return true
		}
	}
	return false
}

// WithEntitlementCap lowers MaxActionsPerRun to the plan entitlement when
// that is tighter. A non-positive cap is ignored.
func (p TenantPolicy) WithEntitlementCap(maxActions int) TenantPolicy {
	if maxActions > 0 && (p.MaxActionsPerRun <= 0 || maxActions < p.MaxActionsPerRun) {
		p.MaxActionsPerRun = maxActions
	}
	return p
}

type Violation struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

type RiskAssessment struct {
	OverallRisk risk.Level `json:"overall_risk"`
	RiskFactors []string   `json:"risk_factors"`
}

type ConfidenceCheck struct {
	Actual         risk.Confidence `json:"actual"`
	Required       risk.Confidence `json:"required"`
	MeetsThreshold bool            `json:"meets_threshold"`
}

// ValidationResult is produced once per plan and not modified afterwards.
type ValidationResult struct {
	Decision         Decision        `json:"decision"`
	DecisionReason   string          `json:"decision_reason"`
	RiskAssessment   RiskAssessment  `json:"risk_assessment"`
	ConfidenceCheck  ConfidenceCheck `json:"confidence_check"`
	PolicyViolations []Violation     `json:"policy_violations"`
	ApprovedActions  []int           `json:"approved_actions"`
	BlockedActions   []int           `json:"blocked_actions"`
}

func (r ValidationResult) RequiresApproval() bool {
	return r.Decision == RequireHumanApproval
}

type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate evaluates, in order: reject rules, approval rules, then approve.
// The first group with any match decides.
func (v *Validator) Validate(p plan.ActionPlan, a assessor.Assessment, pol TenantPolicy) ValidationResult {
	res := ValidationResult{
		RiskAssessment: RiskAssessment{OverallRisk: a.OverallRisk, RiskFactors: a.RiskFactors},
		ConfidenceCheck: ConfidenceCheck{
			Actual:         a.Confidence,
			Required:       pol.MinConfidence,
			MeetsThreshold: a.Confidence >= pol.MinConfidence,
		},
		ApprovedActions: []int{},
		BlockedActions:  []int{},
	}
	steps := make([]int, 0, len(p.Actions))
	for _, act := range p.Actions {
		steps = append(steps, act.Step)
	}

	var reject []Violation
	if a.OverallRisk == risk.Critical {
		reject = append(reject, Violation{Rule: RuleCriticalRisk, Detail: "plan risk is critical"})
	}
	if pol.MaxActionsPerRun > 0 && len(p.Actions) > pol.MaxActionsPerRun {
		reject = append(reject, Violation{
			Rule:   RuleMaxActions,
			Detail: fmt.Sprintf("plan has %d actions, limit is %d", len(p.Actions), pol.MaxActionsPerRun),
		})
	}
	if len(reject) > 0 {
		res.Decision = Reject
		res.DecisionReason = joinDetails(reject)
		res.PolicyViolations = reject
		res.BlockedActions = steps
		return res
	}

	var review []Violation
	if a.OverallRisk > pol.MaxAutoApproveRisk {
		review = append(review, Violation{
			Rule:   RuleRiskThreshold,
			Detail: fmt.Sprintf("risk exceeds threshold (%s > %s)", a.OverallRisk, pol.MaxAutoApproveRisk),
		})
	}
	if !res.ConfidenceCheck.MeetsThreshold {
		review = append(review, Violation{
			Rule:   RuleConfidence,
			Detail: fmt.Sprintf("confidence too low (%s < %s)", a.Confidence, pol.MinConfidence),
		})
	}
	for _, id := range p.Tools() {
		if pol.alwaysApprove(id) {
			review = append(review, Violation{
				Rule:   RuleAlwaysApprove,
				Detail: fmt.Sprintf("tool %s always requires approval", id),
			})
		}
	}
	if len(review) > 0 {
		res.Decision = RequireHumanApproval
		res.DecisionReason = joinDetails(review)
		res.PolicyViolations = review
		return res
	}

	res.Decision = Approve
	res.DecisionReason = "plan within tenant policy"
	res.PolicyViolations = []Violation{}
	res.ApprovedActions = steps
	return res
}

// DowngradeToApproval turns an approve into require_human_approval, used when
// the trigger opted out of auto-approval. Other decisions are returned as is.
func DowngradeToApproval(res ValidationResult) ValidationResult {
	if res.Decision != Approve {
		return res
	}
	out := res
	out.Decision = RequireHumanApproval
	out.DecisionReason = "auto-approval disabled for this trigger"
	out.PolicyViolations = []Violation{{Rule: RuleAutoApproveOff, Detail: out.DecisionReason}}
	out.ApprovedActions = []int{}
	return out
}

func joinDetails(vs []Violation) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, v.Detail)
	}
	return strings.Join(parts, "; ")
}
