package plan

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskpilot/internal/memory"
	"taskpilot/internal/risk"
	"taskpilot/internal/tools"
)

type fakeMemory struct {
	mem memory.OrgMemory
	err error
}

func (f fakeMemory) OrgMemory(ctx context.Context, tenantID string) (memory.OrgMemory, error) {
	return f.mem, f.err
}

type fakeReasoner struct {
	raw []byte
	err error
}

func (f fakeReasoner) Plan(ctx context.Context, trigger TriggerPayload, mem memory.OrgMemory) ([]byte, error) {
	return f.raw, f.err
}

func newTestGenerator(r Reasoner, mem MemoryLoader) *Generator {
	g := NewGenerator(r, mem, nil)
	g.Now = func() time.Time { return time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC) }
	return g
}

func TestGenerateFollowUpEmail(t *testing.T) {
	g := newTestGenerator(nil, nil)
	p, err := g.Generate(context.Background(), "t1", TriggerPayload{Goal: "Send a follow-up email to John"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(p.Actions) != 1 {
		t.Fatalf("actions: %+v", p.Actions)
	}
	var sawSend bool
	for _, c := range p.Actions[0].ToolCalls {
		if c.Tool == tools.SendEmail {
			sawSend = true
			if c.Parameters["to"] != "John" {
				t.Fatalf("to: %v", c.Parameters["to"])
			}
		}
	}
	if !sawSend {
		t.Fatalf("expected send_email call")
	}
	if p.Actions[0].EstimatedRisk != risk.High || !p.RequiresApproval {
		t.Fatalf("plan: %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("generated plan invalid: %v", err)
	}
}

func TestGenerateEmailKnownContact(t *testing.T) {
	mem := fakeMemory{mem: memory.OrgMemory{Contacts: map[string]string{"John": "john@acme.io"}, Signature: "-- Acme"}}
	g := newTestGenerator(nil, mem)
	p, err := g.Generate(context.Background(), "t1", TriggerPayload{Goal: "Send a follow-up email to John"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	calls := p.Actions[0].ToolCalls
	if len(calls) != 1 || calls[0].Tool != tools.SendEmail || calls[0].Parameters["to"] != "john@acme.io" {
		t.Fatalf("calls: %+v", calls)
	}
}

func TestGenerateCreateTask(t *testing.T) {
	g := newTestGenerator(nil, nil)
	p, err := g.Generate(context.Background(), "t1", TriggerPayload{Goal: "Create task to track onboarding"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(p.Actions) != 1 || p.Actions[0].ToolCalls[0].Tool != tools.CreateTask {
		t.Fatalf("plan: %+v", p)
	}
	if p.RequiresApproval {
		t.Fatalf("low risk plan should not require approval")
	}
}

func TestGenerateFallback(t *testing.T) {
	g := newTestGenerator(nil, nil)
	p, err := g.Generate(context.Background(), "t1", TriggerPayload{Goal: "Think about quarterly strategy"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(p.Actions) != 1 || p.Actions[0].EstimatedRisk != risk.Low || p.Actions[0].ToolCalls[0].Tool != tools.CreateTask {
		t.Fatalf("fallback: %+v", p)
	}
	if len(p.Warnings) == 0 {
		t.Fatalf("expected warning")
	}
}

func TestGenerateSlackChannel(t *testing.T) {
	g := newTestGenerator(nil, fakeMemory{mem: memory.OrgMemory{SlackChannel: "#team"}})
	p, _ := g.Generate(context.Background(), "t1", TriggerPayload{Goal: "Post the release notes in slack #eng-releases"})
	if got := p.Actions[0].ToolCalls[0].Parameters["channel"]; got != "#eng-releases" {
		t.Fatalf("channel: %v", got)
	}
	p, _ = g.Generate(context.Background(), "t1", TriggerPayload{Goal: "Tell the team on slack we shipped"})
	if got := p.Actions[0].ToolCalls[0].Parameters["channel"]; got != "#team" {
		t.Fatalf("channel from memory: %v", got)
	}
}

func TestGenerateMeetingUsesNextSlot(t *testing.T) {
	g := newTestGenerator(nil, nil)
	p, err := g.Generate(context.Background(), "t1", TriggerPayload{Goal: "Schedule a meeting with Dana about hiring"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got := p.Actions[0].ToolCalls[0].Parameters["start"]; got != "2026-03-03T09:00:00Z" {
		t.Fatalf("start: %v", got)
	}
}

func TestGenerateUpdateTask(t *testing.T) {
	g := newTestGenerator(nil, nil)
	p, _ := g.Generate(context.Background(), "t1", TriggerPayload{Goal: "Close task OPS-42 now that it shipped"})
	call := p.Actions[0].ToolCalls[0]
	if call.Tool != tools.UpdateTask || call.Parameters["task_id"] != "OPS-42" || call.Parameters["status"] != "done" {
		t.Fatalf("call: %+v", call)
	}
}

func TestGenerateDeleteContactIsCritical(t *testing.T) {
	g := newTestGenerator(nil, nil)
	p, _ := g.Generate(context.Background(), "t1", TriggerPayload{Goal: "Delete contact record for Mallory"})
	last := p.Actions[len(p.Actions)-1]
	if last.ToolCalls[0].Tool != tools.DeleteContact || last.EstimatedRisk != risk.Critical {
		t.Fatalf("action: %+v", last)
	}
}

func TestGenerateUsesReasoner(t *testing.T) {
	raw := []byte(`{"goal":"g","actions":[{"step":1,"description":"d","tool_calls":[{"tool":"create_task","parameters":{"title":"x"},"reason":"r"}]}]}`)
	g := newTestGenerator(fakeReasoner{raw: raw}, nil)
	p, err := g.Generate(context.Background(), "t1", TriggerPayload{Goal: "anything"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if p.Goal != "g" || p.Actions[0].Description != "d" {
		t.Fatalf("plan: %+v", p)
	}
}

func TestGenerateReasonerFailureFallsBack(t *testing.T) {
	g := newTestGenerator(fakeReasoner{err: errors.New("model down")}, fakeMemory{err: errors.New("db down")})
	p, err := g.Generate(context.Background(), "t1", TriggerPayload{Goal: "Create task for payroll"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if p.Actions[0].ToolCalls[0].Tool != tools.CreateTask || len(p.Warnings) == 0 {
		t.Fatalf("plan: %+v", p)
	}
}

func TestGenerateTruncatesOversizedReasonerPlan(t *testing.T) {
	p := ActionPlan{Goal: "g"}
	for i := 1; i <= MaxPlanActions+5; i++ {
		p.Actions = append(p.Actions, Action{Step: i, Description: "d", ToolCalls: []ToolCall{{Tool: tools.CreateTask, Parameters: map[string]any{"title": "x"}, Reason: "r"}}})
	}
	out := finish(p)
	if len(out.Actions) != MaxPlanActions || len(out.Warnings) != 1 {
		t.Fatalf("actions=%d warnings=%v", len(out.Actions), out.Warnings)
	}
}

func TestGenerateRejectsInvalidTrigger(t *testing.T) {
	g := newTestGenerator(nil, nil)
	if _, err := g.Generate(context.Background(), "t1", TriggerPayload{Goal: ""}); err == nil {
		t.Fatalf("expected error")
	}
}
