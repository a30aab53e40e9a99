package workflows

import (
	"context"
	"errors"

	"go.temporal.io/sdk/temporal"

	"taskpilot/internal/approvals"
	"taskpilot/internal/errs"
	"taskpilot/internal/pipeline"
)

// ApprovedExecutor is the part of the pipeline the activities drive.
type ApprovedExecutor interface {
	ExecuteApproved(ctx context.Context, req approvals.Request) (pipeline.RunResult, error)
	MarkFailed(ctx context.Context, tenantID, runID, reason string) error
}

type Activities struct {
	Approvals approvals.Store
	Executor  ApprovedExecutor
}

// ExecuteApprovedPlan reloads the approved request and executes its plan
// snapshot. Only infrastructure errors are retried.
func (a *Activities) ExecuteApprovedPlan(ctx context.Context, in ApprovedPlanInput) (pipeline.RunResult, error) {
	if a.Approvals == nil || a.Executor == nil {
		return pipeline.RunResult{}, errors.New("activities not configured")
	}
	req, err := a.Approvals.GetApproval(ctx, in.ApprovalID)
	if errors.Is(err, errs.ErrNotFound) {
		return pipeline.RunResult{}, temporal.NewNonRetryableApplicationError("approval not found", "NotFound", err)
	}
	if err != nil {
		return pipeline.RunResult{}, err
	}
	if req.TenantID != in.TenantID || req.RunID != in.RunID {
		return pipeline.RunResult{}, temporal.NewNonRetryableApplicationError("approval does not match run", "Mismatch", nil)
	}
	out, err := a.Executor.ExecuteApproved(ctx, req)
	if err == nil {
		return out, nil
	}
	var infra *errs.InfrastructureError
	if errors.As(err, &infra) || errors.Is(err, errs.ErrInProgress) {
		return pipeline.RunResult{}, err
	}
	return pipeline.RunResult{}, temporal.NewNonRetryableApplicationError(err.Error(), "ExecutionRejected", err)
}

func (a *Activities) MarkRunFailed(ctx context.Context, in ApprovedPlanInput, reason string) error {
	if a.Executor == nil {
		return errors.New("activities not configured")
	}
	return a.Executor.MarkFailed(ctx, in.TenantID, in.RunID, reason)
}
