package workflows

import (
	"context"
	"errors"
	"log/slog"

	"go.temporal.io/sdk/client"

	"taskpilot/internal/approvals"
)

// WorkflowID is deterministic so Temporal rejects a second start for the
// same approval.
func WorkflowID(approvalID string) string {
	return "approval-" + approvalID
}

// TemporalDispatcher starts ApprovedPlanWorkflow on the orchestrator's task
// queue.
type TemporalDispatcher struct {
	Client    client.Client
	TaskQueue string
}

func (d *TemporalDispatcher) Dispatch(ctx context.Context, req approvals.Request) error {
	if d == nil || d.Client == nil {
		return errors.New("temporal client required")
	}
	if req.ID == "" {
		return errors.New("approval id required")
	}
	opts := client.StartWorkflowOptions{
		ID:        WorkflowID(req.ID),
		TaskQueue: d.TaskQueue,
	}
	in := ApprovedPlanInput{ApprovalID: req.ID, TenantID: req.TenantID, RunID: req.RunID}
	run, err := d.Client.ExecuteWorkflow(ctx, opts, ApprovedPlanWorkflowName, in)
	if err != nil {
		return err
	}
	slog.Info("approved plan dispatched", "approval_id", req.ID, "run_id", req.RunID, "workflow_id", run.GetID(), "workflow_run_id", run.GetRunID())
	return nil
}

// DirectDispatcher executes approved plans in the calling process. It backs
// single-instance deployments without an orchestrator.
type DirectDispatcher struct {
	Executor ApprovedExecutor
	Logger   *slog.Logger
}

func (d *DirectDispatcher) Dispatch(ctx context.Context, req approvals.Request) error {
	if d == nil || d.Executor == nil {
		return errors.New("executor required")
	}
	res, err := d.Executor.ExecuteApproved(ctx, req)
	if err != nil {
		return err
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("approved plan executed", "approval_id", req.ID, "run_id", res.RunID, "status", string(res.Status))
	return nil
}
