package plan

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"taskpilot/internal/memory"
	"taskpilot/internal/risk"
	"taskpilot/internal/tools"
)

// MaxPlanActions bounds what the generator will emit. The per-tenant limit is
// enforced later by the policy validator.
const MaxPlanActions = 50

// Reasoner is an external planner, typically a language model, that returns a
// raw plan document for the trigger.
type Reasoner interface {
	Plan(ctx context.Context, trigger TriggerPayload, mem memory.OrgMemory) ([]byte, error)
}

type MemoryLoader interface {
	OrgMemory(ctx context.Context, tenantID string) (memory.OrgMemory, error)
}

type Generator struct {
	Reasoner Reasoner
	Memory   MemoryLoader
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewGenerator(reasoner Reasoner, mem MemoryLoader, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{Reasoner: reasoner, Memory: mem, Logger: logger, Now: time.Now}
}

// Generate always returns a plan with at least one action. Reasoner failures
// and unmatched goals fall back to deterministic rules.
func (g *Generator) Generate(ctx context.Context, tenantID string, trigger TriggerPayload) (ActionPlan, error) {
	trigger.Normalize()
	if err := trigger.Validate(); err != nil {
		return ActionPlan{}, err
	}
	mem := memory.OrgMemory{TenantID: tenantID}
	if g.Memory != nil {
		loaded, err := g.Memory.OrgMemory(ctx, tenantID)
		if err != nil {
			g.logger().Warn("org memory unavailable", "tenant_id", tenantID, "error", err)
		} else {
			mem = loaded
		}
	}
	var warnings []string
	if g.Reasoner != nil {
		p, err := g.fromReasoner(ctx, trigger, mem)
		if err == nil {
			return finish(p), nil
		}
		g.logger().Warn("reasoner plan rejected, using rules", "tenant_id", tenantID, "error", err)
		warnings = append(warnings, "reasoner unavailable; plan built from deterministic rules")
	}
	p := g.fromRules(trigger, mem)
	p.Warnings = append(warnings, p.Warnings...)
	return finish(p), nil
}

func (g *Generator) fromReasoner(ctx context.Context, trigger TriggerPayload, mem memory.OrgMemory) (ActionPlan, error) {
	raw, err := g.Reasoner.Plan(ctx, trigger, mem)
	if err != nil {
		return ActionPlan{}, err
	}
	p, err := DecodePlan(raw)
	if err != nil {
		return ActionPlan{}, err
	}
	if p.Goal == "" {
		p.Goal = trigger.Goal
	}
	return p, nil
}

func finish(p ActionPlan) ActionPlan {
	if len(p.Actions) > MaxPlanActions {
		p.Warnings = append(p.Warnings, fmt.Sprintf("plan truncated to %d actions", MaxPlanActions))
		p.Actions = p.Actions[:MaxPlanActions]
	}
	var reasons []string
	for _, a := range p.Actions {
		for _, c := range a.ToolCalls {
			if c.Tool.StaticRisk() >= risk.High {
				reasons = append(reasons, fmt.Sprintf("step %d uses %s", a.Step, c.Tool))
			}
		}
	}
	if len(reasons) > 0 {
		p.RequiresApproval = true
		p.ApprovalReason = strings.Join(reasons, "; ")
	}
	return p
}

func (g *Generator) logger() *slog.Logger {
	if g.Logger == nil {
		return slog.Default()
	}
	return g.Logger
}

func (g *Generator) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

var (
	recipientRe = regexp.MustCompile(`\b(?:to|with|email)\s+([A-Z][\w.'-]*(?:\s+[A-Z][\w.'-]*)?)`)
	channelRe   = regexp.MustCompile(`#([a-z0-9][a-z0-9_-]*)`)
	taskIDRe    = regexp.MustCompile(`\b([A-Z]+-\d+)\b`)
)

type builder struct {
	actions  []Action
	warnings []string
}

func (b *builder) add(desc string, deps []int, calls ...ToolCall) int {
	step := len(b.actions) + 1
	est := risk.None
	for _, c := range calls {
		est = risk.MaxLevel(est, c.Tool.StaticRisk())
	}
	b.actions = append(b.actions, Action{
		Step:          step,
		Description:   desc,
		ToolCalls:     calls,
		DependsOn:     deps,
		EstimatedRisk: est,
	})
	return step
}

func hasAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// fromRules maps goal keywords to tool calls. Each matched intent becomes one
// action, in a fixed order: lookups first, then writes, then sends.
func (g *Generator) fromRules(trigger TriggerPayload, mem memory.OrgMemory) ActionPlan {
	goal := trigger.Goal
	lower := strings.ToLower(goal)
	b := &builder{}
	var reasoning []string

	recipient := ""
	if m := recipientRe.FindStringSubmatch(goal); m != nil {
		recipient = strings.TrimSpace(m[1])
	}
	lookup := hasAny(lower, "search", "find", "look up", "lookup")

	if lookup && hasAny(lower, "contact") && !hasAny(lower, "delete", "remove") {
		b.add("Search contacts", nil, ToolCall{
			Tool:       tools.SearchContacts,
			Parameters: map[string]any{"query": queryText(goal, recipient)},
			Reason:     "goal asks to look up a contact",
		})
		reasoning = append(reasoning, "contact lookup requested")
	}
	if lookup && hasAny(lower, "email", "inbox", "mail") {
		b.add("Search emails", nil, ToolCall{
			Tool:       tools.SearchEmails,
			Parameters: map[string]any{"query": queryText(goal, recipient)},
			Reason:     "goal asks to search mail",
		})
		reasoning = append(reasoning, "mail search requested")
	}
	if hasAny(lower, "task", "todo", "to-do", "remind") {
		if id := taskID(goal, trigger.Context); id != "" && hasAny(lower, "update", "complete", "close", "finish") {
			params := map[string]any{"task_id": id}
			if hasAny(lower, "complete", "close", "finish") {
				params["status"] = "done"
			}
			b.add("Update task "+id, nil, ToolCall{Tool: tools.UpdateTask, Parameters: params, Reason: "goal references an existing task"})
			reasoning = append(reasoning, "existing task update")
		} else {
			params := map[string]any{"title": truncate(goal, 200), "priority": priority(trigger.Urgency)}
			if len(trigger.Constraints) > 0 {
				params["description"] = strings.Join(trigger.Constraints, "\n")
			}
			b.add("Create task", nil, ToolCall{Tool: tools.CreateTask, Parameters: params, Reason: "goal asks to track work"})
			reasoning = append(reasoning, "task creation")
		}
	}
	if hasAny(lower, "meeting", "calendar", "schedule") {
		start := g.nextSlot()
		if s, ok := trigger.Context["start"].(string); ok && strings.TrimSpace(s) != "" {
			start = s
		}
		params := map[string]any{"title": truncate(goal, 200), "start": start}
		if addr, ok := mem.Contact(recipient); ok {
			params["attendees"] = []string{addr}
		}
		b.add("Create calendar event", nil, ToolCall{Tool: tools.CreateCalendarEvent, Parameters: params, Reason: "goal asks to schedule time"})
		reasoning = append(reasoning, "calendar event")
	}
	if hasAny(lower, "email", "e-mail") && !lookup {
		g.addEmail(b, goal, recipient, mem)
		reasoning = append(reasoning, "outbound email")
	}
	if hasAny(lower, "slack") {
		channel := mem.SlackChannel
		if m := channelRe.FindStringSubmatch(lower); m != nil {
			channel = "#" + m[1]
		}
		if channel == "" {
			channel = "#general"
			b.warnings = append(b.warnings, "no slack channel in goal or org memory; using #general")
		}
		b.add("Post Slack message to "+channel, nil, ToolCall{
			Tool:       tools.SendSlackMessage,
			Parameters: map[string]any{"channel": channel, "text": goal},
			Reason:     "goal asks to notify a Slack channel",
		})
		reasoning = append(reasoning, "slack notification")
	}
	if hasAny(lower, "delete", "remove") && hasAny(lower, "contact") {
		target := recipient
		if target == "" {
			target = truncate(goal, 200)
		}
		b.add("Delete contact "+target, nil, ToolCall{
			Tool:       tools.DeleteContact,
			Parameters: map[string]any{"contact_id": target},
			Reason:     "goal asks to remove a contact",
		})
		reasoning = append(reasoning, "contact deletion")
	}

	if len(b.actions) == 0 {
		b.add("Record goal as a task", nil, ToolCall{
			Tool:       tools.CreateTask,
			Parameters: map[string]any{"title": truncate(goal, 200), "priority": priority(trigger.Urgency)},
			Reason:     "no specific rule matched; capture the goal for follow-up",
		})
		b.actions[0].EstimatedRisk = risk.Low
		reasoning = append(reasoning, "no rule matched, fallback task")
		b.warnings = append(b.warnings, "goal did not match a known intent")
	}
	return ActionPlan{
		Goal:      goal,
		Reasoning: strings.Join(reasoning, "; "),
		Actions:   b.actions,
		Warnings:  b.warnings,
	}
}

// addEmail emits one send action. An unknown recipient is resolved by a
// contact search inside the same action before sending.
func (g *Generator) addEmail(b *builder, goal, recipient string, mem memory.OrgMemory) {
	subject := truncate(goal, 120)
	if strings.Contains(strings.ToLower(goal), "follow") {
		subject = "Following up"
	}
	body := goal
	if mem.Signature != "" {
		body += "\n\n" + mem.Signature
	}
	var calls []ToolCall
	to, known := mem.Contact(recipient)
	if !known {
		to = recipient
		if to == "" {
			to = "unknown"
			b.warnings = append(b.warnings, "email recipient not found in goal")
		}
		calls = append(calls, ToolCall{
			Tool:       tools.SearchContacts,
			Parameters: map[string]any{"query": to},
			Reason:     "resolve recipient address",
		})
	}
	calls = append(calls, ToolCall{
		Tool:       tools.SendEmail,
		Parameters: map[string]any{"to": to, "subject": subject, "body": body},
		Reason:     "goal asks to send an email",
	})
	desc := "Send email"
	if recipient != "" {
		desc += " to " + recipient
	}
	b.add(desc, nil, calls...)
}

func (g *Generator) nextSlot() string {
	t := g.now().UTC().Add(24 * time.Hour)
	return time.Date(t.Year(), t.Month(), t.Day(), 9, 0, 0, 0, time.UTC).Format(time.RFC3339)
}

func queryText(goal, recipient string) string {
	if recipient != "" {
		return recipient
	}
	return truncate(goal, 200)
}

func taskID(goal string, ctx map[string]any) string {
	if v, ok := ctx["task_id"].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if m := taskIDRe.FindStringSubmatch(goal); m != nil {
		return m[1]
	}
	return ""
}

func priority(u Urgency) string {
	switch u {
	case UrgencyLow, UrgencyHigh, UrgencyUrgent:
		return string(u)
	default:
		return "normal"
	}
}

func truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n])
}
