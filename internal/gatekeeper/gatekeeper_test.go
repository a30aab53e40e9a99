package gatekeeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskpilot/internal/audit"
	"taskpilot/internal/errs"
	"taskpilot/internal/plan"
	"taskpilot/internal/tools"
)

type auditWriter struct {
	events []audit.Event
}

func (w *auditWriter) InsertAuditEvent(ctx context.Context, ev audit.Event) (string, error) {
	w.events = append(w.events, ev)
	return "a1", nil
}

func action(step int, deps []int, calls ...plan.ToolCall) plan.Action {
	return plan.Action{Step: step, Description: "d", ToolCalls: calls, DependsOn: deps}
}

func taskCall(title string) plan.ToolCall {
	return plan.ToolCall{Tool: tools.CreateTask, Parameters: map[string]any{"title": title}, Reason: "r"}
}

func emailCall() plan.ToolCall {
	return plan.ToolCall{Tool: tools.SendEmail, Parameters: map[string]any{"to": "a@b.c", "subject": "s", "body": "b"}, Reason: "r"}
}

func TestExecuteSequentialSuccess(t *testing.T) {
	conn := tools.NewLocalConnector()
	g := New(conn, 0, nil, nil, nil)
	results, err := g.Execute(context.Background(), []plan.Action{
		action(1, nil, taskCall("a")),
		action(2, []int{1}, emailCall()),
	}, Options{RunID: "r1"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(results) != 2 || results[0].Status != StatusSuccess || results[1].Status != StatusSuccess {
		t.Fatalf("results: %+v", results)
	}
	calls := conn.Calls()
	if len(calls) != 2 || calls[0].Tool != tools.CreateTask || calls[1].Tool != tools.SendEmail {
		t.Fatalf("calls: %+v", calls)
	}
}

func TestExecuteFailFast(t *testing.T) {
	conn := tools.NewLocalConnector()
	conn.Errors[tools.CreateTask] = errors.New("tasks api down")
	g := New(conn, 0, nil, nil, nil)
	results, err := g.Execute(context.Background(), []plan.Action{
		action(1, nil, taskCall("a")),
		action(2, nil, emailCall()),
	}, Options{})
	var tf *errs.ToolFailure
	if !errors.As(err, &tf) || tf.Step != 1 {
		t.Fatalf("expected tool failure at step 1, got %v", err)
	}
	if len(results) != 1 || results[0].Status != StatusFailed {
		t.Fatalf("results: %+v", results)
	}
	if len(conn.Calls()) != 1 {
		t.Fatalf("later calls should not run: %+v", conn.Calls())
	}
}

func TestExecuteDryRunDoesNotHaltOrCallConnector(t *testing.T) {
	conn := tools.NewLocalConnector()
	g := New(conn, 0, nil, nil, nil)
	bad := plan.ToolCall{Tool: tools.SendEmail, Parameters: map[string]any{}, Reason: "r"}
	results, err := g.Execute(context.Background(), []plan.Action{
		action(1, nil, bad),
		action(2, []int{1}, taskCall("b")),
		action(3, nil, taskCall("c")),
	}, Options{DryRun: true})
	if err == nil {
		t.Fatalf("expected first failure to be reported")
	}
	if len(results) != 3 {
		t.Fatalf("results: %+v", results)
	}
	if results[0].Status != StatusFailed || results[1].Status != StatusSkipped || results[2].Status != StatusSimulated {
		t.Fatalf("statuses: %+v", results)
	}
	if len(conn.Calls()) != 0 {
		t.Fatalf("dry run called connector")
	}
}

func TestExecuteSkipsUnmetDependency(t *testing.T) {
	g := New(tools.NewLocalConnector(), 0, nil, nil, nil)
	results, err := g.Execute(context.Background(), []plan.Action{
		action(1, []int{5}, taskCall("a")),
	}, Options{})
	if err == nil || results[0].Status != StatusSkipped {
		t.Fatalf("results: %+v err: %v", results, err)
	}
}

func TestExecuteBlocksUnknownTool(t *testing.T) {
	w := &auditWriter{}
	g := New(tools.NewLocalConnector(), 0, audit.NewWithDB(w, nil, nil), nil, nil)
	results, err := g.Execute(context.Background(), []plan.Action{
		action(1, nil, plan.ToolCall{Tool: tools.ToolID(77), Reason: "r"}),
	}, Options{TenantID: "acme", RunID: "r1"})
	if !errors.Is(err, tools.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
	if results[0].Status != StatusBlocked {
		t.Fatalf("results: %+v", results)
	}
	if len(w.events) != 1 || w.events[0].Action != audit.ActionToolBlocked {
		t.Fatalf("audit: %+v", w.events)
	}
}

type slowConnector struct{}

func (slowConnector) Invoke(ctx context.Context, tool tools.ToolID, params map[string]any) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Second):
		return map[string]any{}, nil
	}
}

func TestExecuteCallTimeoutIsToolFailure(t *testing.T) {
	g := New(slowConnector{}, 10*time.Millisecond, nil, nil, nil)
	results, err := g.Execute(context.Background(), []plan.Action{action(1, nil, taskCall("a"))}, Options{})
	var tf *errs.ToolFailure
	if !errors.As(err, &tf) {
		t.Fatalf("expected tool failure, got %v", err)
	}
	if results[0].Status != StatusFailed || results[0].Error == "" {
		t.Fatalf("results: %+v", results)
	}
}

// lateConnector finishes after its deadline without watching ctx.
type lateConnector struct {
	delay time.Duration
}

func (c lateConnector) Invoke(ctx context.Context, tool tools.ToolID, params map[string]any) (map[string]any, error) {
	time.Sleep(c.delay)
	return map[string]any{"task_id": "t-1"}, nil
}

func TestExecuteKeepsLateSuccess(t *testing.T) {
	g := New(lateConnector{delay: 30 * time.Millisecond}, 5*time.Millisecond, nil, nil, nil)
	results, err := g.Execute(context.Background(), []plan.Action{action(1, nil, taskCall("a"))}, Options{})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if results[0].Status != StatusSuccess || results[0].Output["task_id"] != "t-1" {
		t.Fatalf("results: %+v", results)
	}
}

func TestExecuteMultipleCallsInAction(t *testing.T) {
	conn := tools.NewLocalConnector()
	conn.Results[tools.SearchContacts] = map[string]any{"contacts": []any{"john@x.io"}}
	g := New(conn, 0, nil, nil, nil)
	search := plan.ToolCall{Tool: tools.SearchContacts, Parameters: map[string]any{"query": "John"}, Reason: "r"}
	results, err := g.Execute(context.Background(), []plan.Action{action(1, nil, search, emailCall())}, Options{})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(results) != 2 || results[0].Output["contacts"] == nil {
		t.Fatalf("results: %+v", results)
	}
}
