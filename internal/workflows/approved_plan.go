// Package workflows hands approved plans to execution, either in-process or
// through a Temporal workflow.
package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"taskpilot/internal/pipeline"
)

const (
	ApprovedPlanWorkflowName = "ApprovedPlanWorkflow"
	ActivityExecuteApproved  = "ExecuteApprovedPlan"
	ActivityMarkRunFailed    = "MarkRunFailed"
)

// ApprovedPlanInput carries identifiers only. The activity reloads the plan
// snapshot from storage so tool parameters never enter workflow history.
type ApprovedPlanInput struct {
	ApprovalID string
	TenantID   string
	RunID      string
}

func (in ApprovedPlanInput) validate() error {
	if in.ApprovalID == "" || in.TenantID == "" || in.RunID == "" {
		return errors.New("approval_id, tenant_id and run_id required")
	}
	return nil
}

// ApprovedPlanWorkflow executes an approved plan. Execution is retried on
// infrastructure errors; retries are safe because execution is keyed on the
// approval id. When it finally fails the run is marked failed.
func ApprovedPlanWorkflow(ctx workflow.Context, in ApprovedPlanInput) (pipeline.RunResult, error) {
	if err := in.validate(); err != nil {
		return pipeline.RunResult{}, err
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	logger := workflow.GetLogger(ctx)

	var out pipeline.RunResult
	err := workflow.ExecuteActivity(ctx, ActivityExecuteApproved, in).Get(ctx, &out)
	if err != nil {
		logger.Error("approved plan execution failed", "approval_id", in.ApprovalID, "run_id", in.RunID, "error", err)
		if markErr := workflow.ExecuteActivity(ctx, ActivityMarkRunFailed, in, err.Error()).Get(ctx, nil); markErr != nil {
			logger.Error("mark run failed", "run_id", in.RunID, "error", markErr)
		}
		return pipeline.RunResult{}, err
	}
	return out, nil
}
