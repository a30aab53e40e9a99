// Package plan defines the trigger and action-plan model and turns a goal
// into an ordered list of allow-listed tool calls.
package plan

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"taskpilot/internal/risk"
	"taskpilot/internal/tools"
)

const (
	DefaultMaxActions = 10
	MaxMaxActions     = 20
	MaxGoalLength     = 1000
)

type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// ParseUrgency accepts "critical" as an alias for urgent. Empty means normal.
func ParseUrgency(s string) (Urgency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return UrgencyNormal, nil
	case "low":
		return UrgencyLow, nil
	case "normal":
		return UrgencyNormal, nil
	case "high":
		return UrgencyHigh, nil
	case "urgent", "critical":
		return UrgencyUrgent, nil
	default:
		return "", fmt.Errorf("unknown urgency %q", s)
	}
}

func (u *Urgency) UnmarshalText(b []byte) error {
	parsed, err := ParseUrgency(string(b))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

type TriggerPayload struct {
	Goal        string         `json:"goal"`
	Constraints []string       `json:"constraints,omitempty"`
	MaxActions  int            `json:"max_actions,omitempty"`
	Urgency     Urgency        `json:"urgency,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

type ToolCall struct {
	Tool       tools.ToolID   `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Reason     string         `json:"reason"`
}

type Action struct {
	Step          int        `json:"step"`
	Description   string     `json:"description"`
	ToolCalls     []ToolCall `json:"tool_calls"`
	DependsOn     []int      `json:"depends_on,omitempty"`
	EstimatedRisk risk.Level `json:"estimated_risk"`
}

type ActionPlan struct {
	Goal             string          `json:"goal"`
	Reasoning        string          `json:"reasoning,omitempty"`
	Actions          []Action        `json:"actions"`
	OverallRisk      risk.Level      `json:"overall_risk"`
	Confidence       risk.Confidence `json:"confidence"`
	RequiresApproval bool            `json:"requires_approval"`
	ApprovalReason   string          `json:"approval_reason,omitempty"`
	Warnings         []string        `json:"warnings,omitempty"`
}

// Tools returns the distinct tools referenced by the plan, ordered by id.
func (p ActionPlan) Tools() []tools.ToolID {
	seen := map[tools.ToolID]struct{}{}
	for _, a := range p.Actions {
		for _, c := range a.ToolCalls {
			seen[c.Tool] = struct{}{}
		}
	}
	out := make([]tools.ToolID, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SendCount is the number of tool calls that deliver a message.
func (p ActionPlan) SendCount() int {
	n := 0
	for _, a := range p.Actions {
		for _, c := range a.ToolCalls {
			if c.Tool.Sends() {
				n++
			}
		}
	}
	return n
}

// Clone deep-copies the plan through JSON so approval snapshots share no
// maps or slices with the live plan.
func (p ActionPlan) Clone() (ActionPlan, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return ActionPlan{}, err
	}
	var out ActionPlan
	if err := json.Unmarshal(data, &out); err != nil {
		return ActionPlan{}, err
	}
	return out, nil
}
