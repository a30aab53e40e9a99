// Package assessor scores an action plan's overall risk and the confidence
// that it matches the goal.
package assessor

import (
	"fmt"
	"strings"

	"taskpilot/internal/plan"
	"taskpilot/internal/risk"
)

type Assessment struct {
	OverallRisk risk.Level      `json:"overall_risk"`
	RiskFactors []string        `json:"risk_factors"`
	Confidence  risk.Confidence `json:"confidence"`
}

type Assessor struct{}

func New() *Assessor {
	return &Assessor{}
}

// Assess sets OverallRisk and Confidence on p and returns the assessment.
func (a *Assessor) Assess(trigger plan.TriggerPayload, p *plan.ActionPlan) Assessment {
	out := Assessment{
		OverallRisk: OverallRisk(*p),
		RiskFactors: RiskFactors(*p),
		Confidence:  Confidence(trigger.Goal, trigger.Constraints),
	}
	p.OverallRisk = out.OverallRisk
	p.Confidence = out.Confidence
	return out
}

// OverallRisk is the maximum of every action's estimated risk and the static
// risk of every tool the plan references.
func OverallRisk(p plan.ActionPlan) risk.Level {
	out := risk.None
	for _, a := range p.Actions {
		out = risk.MaxLevel(out, a.EstimatedRisk)
		for _, c := range a.ToolCalls {
			out = risk.MaxLevel(out, c.Tool.StaticRisk())
		}
	}
	return out
}

// RiskFactors names every contributor above none, in plan order.
func RiskFactors(p plan.ActionPlan) []string {
	var out []string
	seen := map[string]bool{}
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, a := range p.Actions {
		if a.EstimatedRisk > risk.None {
			add(fmt.Sprintf("step %d estimated %s", a.Step, a.EstimatedRisk))
		}
		for _, c := range a.ToolCalls {
			if r := c.Tool.StaticRisk(); r > risk.None {
				add(fmt.Sprintf("tool %s is %s risk", c.Tool, r))
			}
		}
	}
	return out
}

// Confidence buckets by goal word count: under 3 words is low, under 6 is
// medium, otherwise high with constraints and medium without.
func Confidence(goal string, constraints []string) risk.Confidence {
	words := len(strings.Fields(goal))
	switch {
	case words < 3:
		return risk.LowConfidence
	case words < 6:
		return risk.MediumConfidence
	case hasConstraints(constraints):
		return risk.HighConfidence
	default:
		return risk.MediumConfidence
	}
}

func hasConstraints(constraints []string) bool {
	for _, c := range constraints {
		if strings.TrimSpace(c) != "" {
			return true
		}
	}
	return false
}
