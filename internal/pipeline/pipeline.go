// Package pipeline runs a trigger through generation, assessment, policy
// validation and then either execution, an approval request, or rejection.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"taskpilot/internal/approvals"
	"taskpilot/internal/audit"
	"taskpilot/internal/auth"
	"taskpilot/internal/entitlements"
	"taskpilot/internal/errs"
	"taskpilot/internal/gatekeeper"
	"taskpilot/internal/idempotency"
	"taskpilot/internal/metrics"
	"taskpilot/internal/plan"
	"taskpilot/internal/policy"
	"taskpilot/internal/ratelimit"
	"taskpilot/internal/tracing"
)

type Pipeline struct {
	Runs         RunStore
	Idempotency  *idempotency.Gate
	Limiter      *ratelimit.Limiter
	Entitlements entitlements.Provider
	Policies     policy.Source
	Generator    Generator
	Assessor     Assessor
	Validator    Validator
	Executor     Executor
	Approvals    Approvals
	Audit        *audit.Store
	Logger       *slog.Logger
	Now          func() time.Time
	NewID        func() string
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now().UTC()
	}
	return p.Now().UTC()
}

func (p *Pipeline) newID() string {
	if p.NewID == nil {
		return uuid.NewString()
	}
	return p.NewID()
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Run processes one trigger. Malformed input, duplicate-in-flight triggers,
// usage denials at admission and infrastructure failures are returned as
// errors. Every other outcome, including rejections and tool failures, is a
// RunResult with the matching status.
func (p *Pipeline) Run(ctx context.Context, actor auth.Actor, req TriggerRequest) (RunResult, error) {
	if strings.TrimSpace(actor.TenantID) == "" {
		return RunResult{}, &errs.AuthorizationError{Reason: "tenant required"}
	}
	req.TriggerPayload.Normalize()
	if err := req.TriggerPayload.Validate(); err != nil {
		return RunResult{}, err
	}
	ent, err := p.Entitlements.Entitlements(ctx, actor.TenantID)
	if err != nil {
		return RunResult{}, errs.Infra("load entitlements", err)
	}
	if req.DryRun && !ent.Feature(entitlements.FeatureDryRun) {
		return RunResult{}, errs.NewValidation("dry_run", "not enabled for plan "+ent.Plan)
	}

	key, err := runKey(actor.TenantID, req)
	if err != nil {
		return RunResult{}, err
	}
	res, err := p.Idempotency.Reserve(ctx, actor.TenantID, key)
	if err != nil {
		return RunResult{}, err
	}
	if !res.IsNew {
		return p.replay(ctx, actor, res.Cached)
	}

	admit, err := p.Limiter.CheckAndIncrement(ctx, actor.TenantID, entitlements.Runs, 1)
	if err != nil {
		p.release(ctx, key)
		return RunResult{}, err
	}
	if !admit.Allowed {
		p.release(ctx, key)
		p.emit(ctx, actor, audit.ActionRateLimitDenied, "tenant", actor.TenantID, map[string]any{
			"usage_type": string(entitlements.Runs), "current": admit.Current, "limit": admit.Limit,
		})
		return RunResult{}, admit.Err(entitlements.Runs)
	}

	now := p.now()
	rec := RunRecord{
		ID:        p.newID(),
		TenantID:  actor.TenantID,
		ActorID:   actor.ID,
		Status:    StatusRunning,
		Trigger:   req.TriggerPayload,
		DryRun:    req.DryRun,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.Runs.CreateRun(ctx, rec); err != nil {
		p.release(ctx, key)
		return RunResult{}, errs.Infra("create run", err)
	}
	log := p.logger().With("run_id", rec.ID, "tenant_id", rec.TenantID)
	log.Info("run started", "dry_run", req.DryRun, "urgency", string(req.Urgency))
	p.emit(ctx, actor, audit.ActionRunStarted, "run", rec.ID, map[string]any{"goal": req.Goal, "dry_run": req.DryRun})

	if err := p.process(ctx, actor, &rec, req, ent); err != nil {
		rec.Status = StatusFailed
		rec.Error = failureMessage(err)
		p.finish(ctx, actor, &rec)
		var rl *errs.RateLimitError
		var infra *errs.InfrastructureError
		if errors.As(err, &rl) || errors.As(err, &infra) {
			// Let the caller retry once the limit resets or the dependency
			// recovers.
			p.release(ctx, key)
			if infra != nil {
				return RunResult{}, err
			}
			return ResultOf(rec), nil
		}
		return p.complete(ctx, key, rec), nil
	}
	p.finish(ctx, actor, &rec)
	return p.complete(ctx, key, rec), nil
}

func (p *Pipeline) process(ctx context.Context, actor auth.Actor, rec *RunRecord, req TriggerRequest, ent entitlements.Entitlements) error {
	attrs := []attribute.KeyValue{
		attribute.String(tracing.AttrTenantID, rec.TenantID),
		attribute.String(tracing.AttrRunID, rec.ID),
	}

	genCtx, span := tracing.Start(ctx, tracing.SpanGenerate, attrs...)
	ap, err := p.Generator.Generate(genCtx, rec.TenantID, req.TriggerPayload)
	tracing.End(span, err)
	if err != nil {
		return fmt.Errorf("generate plan: %w", err)
	}

	_, span = tracing.Start(ctx, tracing.SpanAssess, attrs...)
	assessment := p.Assessor.Assess(req.TriggerPayload, &ap)
	span.SetAttributes(attribute.String(tracing.AttrRisk, assessment.OverallRisk.String()))
	tracing.End(span, nil)
	rec.Plan = &ap

	valCtx, span := tracing.Start(ctx, tracing.SpanValidate, attrs...)
	pol, err := p.Policies.TenantPolicy(valCtx, rec.TenantID)
	if err != nil {
		tracing.End(span, err)
		return err
	}
	pol = pol.WithEntitlementCap(ent.MaxActionsPerRun)
	result := p.Validator.Validate(ap, assessment, pol)
	if !req.autoApprove() {
		result = policy.DowngradeToApproval(result)
	}
	span.SetAttributes(attribute.String(tracing.AttrDecision, string(result.Decision)))
	tracing.End(span, nil)
	rec.Validation = &result
	// The plan carries the policy outcome, not the generator's guess.
	ap.RequiresApproval = result.RequiresApproval()
	ap.ApprovalReason = ""
	if ap.RequiresApproval {
		ap.ApprovalReason = result.DecisionReason
	}
	metrics.PolicyDecisionsTotal.WithLabelValues(string(result.Decision)).Inc()
	p.emit(ctx, actor, audit.ActionPolicyEvaluated, "run", rec.ID, map[string]any{
		"decision":     string(result.Decision),
		"reason":       result.DecisionReason,
		"overall_risk": assessment.OverallRisk.String(),
		"confidence":   assessment.Confidence.String(),
	})

	switch result.Decision {
	case policy.Reject:
		rec.Status = StatusRejected
		rec.Error = result.DecisionReason
		return nil
	case policy.RequireHumanApproval:
		areq, err := p.Approvals.Create(ctx, actor, rec.ID, ap, result.DecisionReason)
		if err != nil {
			return err
		}
		rec.Status = StatusPendingApproval
		rec.ApprovalID = areq.ID
		return nil
	default:
		return p.execute(ctx, actor, rec, ap)
	}
}

// execute charges actions and sends, then hands the plan to the executor.
// Dry runs are not charged.
func (p *Pipeline) execute(ctx context.Context, actor auth.Actor, rec *RunRecord, ap plan.ActionPlan) error {
	if !rec.DryRun {
		if err := p.charge(ctx, actor, rec, entitlements.Actions, len(ap.Actions)); err != nil {
			return err
		}
		if err := p.charge(ctx, actor, rec, entitlements.Sends, ap.SendCount()); err != nil {
			return err
		}
	}
	results, err := p.Executor.Execute(ctx, ap.Actions, gatekeeper.Options{
		DryRun:   rec.DryRun,
		TenantID: rec.TenantID,
		RunID:    rec.ID,
		ActorID:  actor.ID,
	})
	rec.Results = results
	if err != nil {
		return err
	}
	rec.Status = StatusCompleted
	return nil
}

func (p *Pipeline) charge(ctx context.Context, actor auth.Actor, rec *RunRecord, u entitlements.UsageType, amount int) error {
	if amount <= 0 {
		return nil
	}
	res, err := p.Limiter.CheckAndIncrement(ctx, rec.TenantID, u, amount)
	if err != nil {
		return err
	}
	if !res.Allowed {
		p.emit(ctx, actor, audit.ActionRateLimitDenied, "run", rec.ID, map[string]any{
			"usage_type": string(u), "requested": amount, "current": res.Current, "limit": res.Limit,
		})
		return res.Err(u)
	}
	return nil
}

// ExecuteApproved runs the plan snapshot of an approved request. It is keyed
// on the approval id, so a retried dispatch replays the stored result.
func (p *Pipeline) ExecuteApproved(ctx context.Context, areq approvals.Request) (RunResult, error) {
	if areq.Status != approvals.StatusApproved {
		return RunResult{}, fmt.Errorf("approval %s is %s: %w", areq.ID, areq.Status, errs.ErrStaleApproval)
	}
	actor := auth.Actor{TenantID: areq.TenantID, ID: areq.RespondedBy}
	key := idempotency.ApprovalKey(areq.TenantID, areq.ID)
	res, err := p.Idempotency.Reserve(ctx, areq.TenantID, key)
	if err != nil {
		return RunResult{}, err
	}
	if !res.IsNew {
		return p.replay(ctx, actor, res.Cached)
	}

	rec, err := p.Runs.GetRun(ctx, areq.RunID)
	if err != nil {
		p.release(ctx, key)
		if errors.Is(err, errs.ErrNotFound) {
			return RunResult{}, err
		}
		return RunResult{}, errs.Infra("get run", err)
	}
	if rec.TenantID != areq.TenantID {
		p.release(ctx, key)
		return RunResult{}, errs.ErrNotFound
	}
	if rec.Status != StatusPendingApproval {
		// Already settled through another path.
		return p.complete(ctx, key, rec), nil
	}

	log := p.logger().With("run_id", rec.ID, "approval_id", areq.ID, "tenant_id", rec.TenantID)
	log.Info("executing approved plan", "approved_by", areq.RespondedBy)
	snapshot := areq.ActionDetails
	rec.Plan = &snapshot
	if err := p.execute(ctx, actor, &rec, snapshot); err != nil {
		var infra *errs.InfrastructureError
		if errors.As(err, &infra) {
			// No tool ran; leave the run pending so a retried dispatch can
			// pick it up.
			p.release(ctx, key)
			return RunResult{}, err
		}
		rec.Status = StatusFailed
		rec.Error = failureMessage(err)
		p.finish(ctx, actor, &rec)
		return p.complete(ctx, key, rec), nil
	}
	p.finish(ctx, actor, &rec)
	return p.complete(ctx, key, rec), nil
}

// MarkFailed settles a run that could not be executed after approval.
func (p *Pipeline) MarkFailed(ctx context.Context, tenantID, runID, reason string) error {
	rec, err := p.Runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return err
		}
		return errs.Infra("get run", err)
	}
	if rec.TenantID != tenantID {
		return errs.ErrNotFound
	}
	if rec.Status == StatusCompleted || rec.Status == StatusFailed {
		return nil
	}
	rec.Status = StatusFailed
	rec.Error = reason
	p.finish(ctx, auth.Actor{TenantID: tenantID, ID: "system"}, &rec)
	return nil
}

// GetRun returns a run of the actor's tenant.
func (p *Pipeline) GetRun(ctx context.Context, actor auth.Actor, id string) (RunResult, error) {
	if strings.TrimSpace(id) == "" {
		return RunResult{}, errs.NewValidation("run_id", "required")
	}
	rec, err := p.Runs.GetRun(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return RunResult{}, err
	}
	if err != nil {
		return RunResult{}, errs.Infra("get run", err)
	}
	if rec.TenantID != actor.TenantID {
		return RunResult{}, errs.ErrNotFound
	}
	return ResultOf(rec), nil
}

func (p *Pipeline) finish(ctx context.Context, actor auth.Actor, rec *RunRecord) {
	rec.UpdatedAt = p.now()
	if err := p.Runs.UpdateRun(ctx, *rec); err != nil {
		p.logger().Error("persist run failed", "run_id", rec.ID, "tenant_id", rec.TenantID, "error", err)
	}
	metrics.RunsTotal.WithLabelValues(string(rec.Status)).Inc()
	meta := map[string]any{"status": string(rec.Status)}
	if rec.Error != "" {
		meta["error"] = rec.Error
	}
	if rec.ApprovalID != "" {
		meta["approval_id"] = rec.ApprovalID
	}
	p.emit(ctx, actor, terminalAction(rec.Status), "run", rec.ID, meta)
	p.logger().Info("run finished", "run_id", rec.ID, "tenant_id", rec.TenantID, "status", string(rec.Status))
}

func (p *Pipeline) complete(ctx context.Context, key string, rec RunRecord) RunResult {
	out := ResultOf(rec)
	if err := p.Idempotency.Complete(ctx, key, out); err != nil {
		p.logger().Error("store idempotent response failed", "run_id", rec.ID, "error", err)
	}
	return out
}

func (p *Pipeline) release(ctx context.Context, key string) {
	if err := p.Idempotency.Release(ctx, key); err != nil {
		p.logger().Warn("release idempotency key failed", "error", err)
	}
}

func (p *Pipeline) replay(ctx context.Context, actor auth.Actor, cached []byte) (RunResult, error) {
	var out RunResult
	if err := json.Unmarshal(cached, &out); err != nil {
		return RunResult{}, errs.Infra("decode cached response", err)
	}
	out.Replayed = true
	p.emit(ctx, actor, audit.ActionRunReplayed, "run", out.RunID, map[string]any{"status": string(out.Status)})
	return out, nil
}

func (p *Pipeline) emit(ctx context.Context, actor auth.Actor, action, resourceType, resourceID string, meta map[string]any) {
	p.Audit.Emit(ctx, audit.Event{
		TenantID:     actor.TenantID,
		ActorID:      actor.ID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Metadata:     meta,
	})
}

func terminalAction(s Status) string {
	switch s {
	case StatusCompleted:
		return audit.ActionRunCompleted
	case StatusRejected:
		return audit.ActionRunRejected
	case StatusPendingApproval:
		return audit.ActionRunPending
	default:
		return audit.ActionRunFailed
	}
}

// failureMessage keeps tool failures readable and hides infrastructure
// detail.
func failureMessage(err error) string {
	var tf *errs.ToolFailure
	if errors.As(err, &tf) {
		return tf.Error()
	}
	return errs.PublicMessage(err)
}

// runKey uses the client's key when given, and otherwise a digest of the
// request content.
func runKey(tenantID string, req TriggerRequest) (string, error) {
	if k := strings.TrimSpace(req.IdempotencyKey); k != "" {
		return idempotency.ClientKey(tenantID, k), nil
	}
	return idempotency.ContentKey("run", tenantID, req)
}
