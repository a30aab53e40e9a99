// Package gatekeeper runs the tool calls of an approved plan, one at a time,
// in step order.
package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"taskpilot/internal/audit"
	"taskpilot/internal/errs"
	"taskpilot/internal/metrics"
	"taskpilot/internal/plan"
	"taskpilot/internal/tools"
	"taskpilot/internal/tracing"
)

const DefaultCallTimeout = 10 * time.Second

type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusSimulated Status = "simulated"
	StatusBlocked   Status = "blocked"
)

// Result is the outcome of one tool call. Calls of a skipped action are
// reported with StatusSkipped and never reach a handler.
type Result struct {
	Step       int            `json:"step"`
	Tool       string         `json:"tool"`
	Status     Status         `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

type Options struct {
	DryRun   bool
	TenantID string
	RunID    string
	ActorID  string
}

type Gatekeeper struct {
	Connector   tools.Connector
	CallTimeout time.Duration
	Audit       *audit.Store
	Redactor    *tools.Redactor
	Logger      *slog.Logger
}

func New(conn tools.Connector, timeout time.Duration, auditStore *audit.Store, redactor *tools.Redactor, logger *slog.Logger) *Gatekeeper {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{Connector: conn, CallTimeout: timeout, Audit: auditStore, Redactor: redactor, Logger: logger}
}

// Execute runs actions in order. An action whose depends_on names a step
// that did not fully succeed is skipped. Outside dry-run the first failure
// stops execution and is returned with the partial results. In dry-run every
// call is simulated, nothing halts, and the first failure is returned after
// all actions have been visited.
func (g *Gatekeeper) Execute(ctx context.Context, actions []plan.Action, opts Options) ([]Result, error) {
	ctx, span := tracing.Start(ctx, tracing.SpanExecute,
		attribute.String(tracing.AttrRunID, opts.RunID),
		attribute.String(tracing.AttrTenantID, opts.TenantID),
		attribute.Bool("taskpilot.dry_run", opts.DryRun),
	)
	var results []Result
	var firstErr error
	defer func() { tracing.End(span, firstErr) }()

	succeeded := map[int]bool{}
	for _, action := range actions {
		if dep, ok := unmetDependency(action, succeeded); ok {
			err := &errs.ToolFailure{Step: action.Step, Tool: "dependency", Err: fmt.Errorf("depends on step %d which did not succeed", dep)}
			for _, call := range action.ToolCalls {
				results = append(results, Result{Step: action.Step, Tool: call.Tool.String(), Status: StatusSkipped, Error: err.Err.Error()})
				metrics.ToolExecutionsTotal.WithLabelValues(call.Tool.String(), string(StatusSkipped)).Inc()
			}
			g.Logger.Warn("action skipped", "run_id", opts.RunID, "step", action.Step, "depends_on", dep)
			if firstErr == nil {
				firstErr = err
			}
			if !opts.DryRun {
				return results, firstErr
			}
			continue
		}
		actionOK := true
		for _, call := range action.ToolCalls {
			res, err := g.runCall(ctx, action.Step, call, opts)
			results = append(results, res)
			if err == nil {
				continue
			}
			actionOK = false
			if firstErr == nil {
				firstErr = err
			}
			if !opts.DryRun {
				return results, firstErr
			}
			break
		}
		succeeded[action.Step] = actionOK
	}
	return results, firstErr
}

func unmetDependency(action plan.Action, succeeded map[int]bool) (int, bool) {
	for _, dep := range action.DependsOn {
		if !succeeded[dep] {
			return dep, true
		}
	}
	return 0, false
}

func (g *Gatekeeper) runCall(ctx context.Context, step int, call plan.ToolCall, opts Options) (Result, error) {
	name := call.Tool.String()
	res := Result{Step: step, Tool: name}
	if !call.Tool.Valid() {
		res.Status = StatusBlocked
		res.Error = tools.ErrNotAllowed.Error()
		g.Logger.Error("security: blocked tool outside allow-list",
			"run_id", opts.RunID, "tenant_id", opts.TenantID, "step", step, "tool", name)
		g.Audit.Emit(ctx, audit.Event{
			TenantID:     opts.TenantID,
			ActorID:      opts.ActorID,
			Action:       audit.ActionToolBlocked,
			ResourceType: "run",
			ResourceID:   opts.RunID,
			Metadata:     map[string]any{"step": step, "tool": name},
		})
		metrics.ToolExecutionsTotal.WithLabelValues("unknown", string(StatusBlocked)).Inc()
		return res, &errs.ToolFailure{Step: step, Tool: name, Err: tools.ErrNotAllowed}
	}

	ctx, span := tracing.Start(ctx, tracing.SpanToolCall,
		attribute.String(tracing.AttrTool, name),
		attribute.Int(tracing.AttrStep, step),
	)
	start := time.Now()
	var (
		out map[string]any
		err error
	)
	if opts.DryRun {
		out, err = tools.Simulate(call.Tool, call.Parameters)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, g.CallTimeout)
		out, err = tools.Execute(callCtx, g.Connector, call.Tool, call.Parameters)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", g.CallTimeout)
		}
		cancel()
	}
	elapsed := time.Since(start)
	res.DurationMS = elapsed.Milliseconds()
	metrics.ToolExecutionDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	tracing.End(span, err)

	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		metrics.ToolExecutionsTotal.WithLabelValues(name, string(StatusFailed)).Inc()
		g.Logger.Warn("tool call failed", "run_id", opts.RunID, "step", step, "tool", name,
			"params", g.Redactor.RedactParams(call.Parameters), "error", err)
		return res, &errs.ToolFailure{Step: step, Tool: name, Err: err}
	}
	res.Output = out
	res.Status = StatusSuccess
	if opts.DryRun {
		res.Status = StatusSimulated
	}
	metrics.ToolExecutionsTotal.WithLabelValues(name, string(res.Status)).Inc()
	g.Logger.Info("tool call finished", "run_id", opts.RunID, "step", step, "tool", name, "status", res.Status, "duration_ms", res.DurationMS)
	return res, nil
}
