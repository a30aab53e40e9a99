package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/mocks"
	"go.temporal.io/sdk/temporal"

	"taskpilot/internal/approvals"
	"taskpilot/internal/errs"
	"taskpilot/internal/memstore"
	"taskpilot/internal/pipeline"
)

type fakeExecutor struct {
	executed []string
	failed   map[string]string
	err      error
}

func (f *fakeExecutor) ExecuteApproved(ctx context.Context, req approvals.Request) (pipeline.RunResult, error) {
	f.executed = append(f.executed, req.ID)
	if f.err != nil {
		return pipeline.RunResult{}, f.err
	}
	return pipeline.RunResult{RunID: req.RunID, Status: pipeline.StatusCompleted}, nil
}

func (f *fakeExecutor) MarkFailed(ctx context.Context, tenantID, runID, reason string) error {
	if f.failed == nil {
		f.failed = map[string]string{}
	}
	f.failed[runID] = reason
	return nil
}

func seedApproval(t *testing.T, store *memstore.Store) approvals.Request {
	t.Helper()
	now := time.Now().UTC()
	req := approvals.Request{
		ID: "a1", TenantID: "acme", RunID: "r1",
		Status: approvals.StatusApproved, RequestedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	if err := store.CreateApproval(context.Background(), req); err != nil {
		t.Fatalf("err: %v", err)
	}
	return req
}

func isNonRetryable(err error) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.NonRetryable()
}

func TestExecuteApprovedPlanActivity(t *testing.T) {
	store := memstore.New()
	seedApproval(t, store)
	exec := &fakeExecutor{}
	acts := &Activities{Approvals: store, Executor: exec}

	out, err := acts.ExecuteApprovedPlan(context.Background(), ApprovedPlanInput{ApprovalID: "a1", TenantID: "acme", RunID: "r1"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if out.Status != pipeline.StatusCompleted || len(exec.executed) != 1 {
		t.Fatalf("out=%+v executed=%v", out, exec.executed)
	}
}

func TestExecuteApprovedPlanActivityErrors(t *testing.T) {
	store := memstore.New()
	seedApproval(t, store)

	acts := &Activities{Approvals: store, Executor: &fakeExecutor{}}
	_, err := acts.ExecuteApprovedPlan(context.Background(), ApprovedPlanInput{ApprovalID: "missing", TenantID: "acme", RunID: "r1"})
	if !isNonRetryable(err) {
		t.Fatalf("missing approval should not retry: %v", err)
	}
	_, err = acts.ExecuteApprovedPlan(context.Background(), ApprovedPlanInput{ApprovalID: "a1", TenantID: "globex", RunID: "r1"})
	if !isNonRetryable(err) {
		t.Fatalf("tenant mismatch should not retry: %v", err)
	}

	acts.Executor = &fakeExecutor{err: errs.Infra("ledger", errors.New("conn reset"))}
	_, err = acts.ExecuteApprovedPlan(context.Background(), ApprovedPlanInput{ApprovalID: "a1", TenantID: "acme", RunID: "r1"})
	if err == nil || isNonRetryable(err) {
		t.Fatalf("infrastructure errors should retry: %v", err)
	}

	acts.Executor = &fakeExecutor{err: errs.ErrStaleApproval}
	_, err = acts.ExecuteApprovedPlan(context.Background(), ApprovedPlanInput{ApprovalID: "a1", TenantID: "acme", RunID: "r1"})
	if !isNonRetryable(err) {
		t.Fatalf("stale approval should not retry: %v", err)
	}
}

func TestMarkRunFailedActivity(t *testing.T) {
	exec := &fakeExecutor{}
	acts := &Activities{Executor: exec}
	if err := acts.MarkRunFailed(context.Background(), ApprovedPlanInput{TenantID: "acme", RunID: "r1"}, "gave up"); err != nil {
		t.Fatalf("err: %v", err)
	}
	if exec.failed["r1"] != "gave up" {
		t.Fatalf("failed: %v", exec.failed)
	}
}

func TestDirectDispatcher(t *testing.T) {
	exec := &fakeExecutor{}
	d := &DirectDispatcher{Executor: exec}
	if err := d.Dispatch(context.Background(), approvals.Request{ID: "a1", RunID: "r1"}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(exec.executed) != 1 {
		t.Fatalf("executed: %v", exec.executed)
	}
	exec.err = errors.New("boom")
	if err := d.Dispatch(context.Background(), approvals.Request{ID: "a2"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTemporalDispatcherUsesApprovalWorkflowID(t *testing.T) {
	c := &mocks.Client{}
	run := &mocks.WorkflowRun{}
	run.On("GetID").Return("approval-a1")
	run.On("GetRunID").Return("wf-run")
	c.On("ExecuteWorkflow",
		mock.Anything,
		mock.MatchedBy(func(o client.StartWorkflowOptions) bool {
			return o.ID == "approval-a1" && o.TaskQueue == "taskpilot"
		}),
		ApprovedPlanWorkflowName,
		ApprovedPlanInput{ApprovalID: "a1", TenantID: "acme", RunID: "r1"},
	).Return(run, nil)

	d := &TemporalDispatcher{Client: c, TaskQueue: "taskpilot"}
	if err := d.Dispatch(context.Background(), approvals.Request{ID: "a1", TenantID: "acme", RunID: "r1"}); err != nil {
		t.Fatalf("err: %v", err)
	}
	c.AssertExpectations(t)

	var nilDispatcher *TemporalDispatcher
	if err := nilDispatcher.Dispatch(context.Background(), approvals.Request{ID: "a1"}); err == nil {
		t.Fatalf("expected error without client")
	}
}
