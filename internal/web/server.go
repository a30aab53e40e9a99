package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"taskpilot/internal/approvals"
	"taskpilot/internal/auth"
	"taskpilot/internal/entitlements"
	"taskpilot/internal/errs"
	"taskpilot/internal/metrics"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/plan"
	"taskpilot/internal/ratelimit"
)

const headerIdempotencyKey = "Idempotency-Key"

type RunService interface {
	Run(ctx context.Context, actor auth.Actor, req pipeline.TriggerRequest) (pipeline.RunResult, error)
	GetRun(ctx context.Context, actor auth.Actor, id string) (pipeline.RunResult, error)
}

type ApprovalService interface {
	Get(ctx context.Context, actor auth.Actor, id string) (approvals.Request, error)
	List(ctx context.Context, actor auth.Actor, status approvals.Status) ([]approvals.Request, error)
	Approve(ctx context.Context, actor auth.Actor, id, note string) (approvals.Request, error)
	Reject(ctx context.Context, actor auth.Actor, id, reason string) (approvals.Request, error)
}

type UsageReader interface {
	CheckLimit(ctx context.Context, tenantID string, u entitlements.UsageType) ratelimit.Result
}

// Invalidator drops cached tenant data so the next read reloads it.
type Invalidator interface {
	Invalidate(tenantID string)
}

type Server struct {
	Mux          *http.ServeMux
	Runs         RunService
	Approvals    ApprovalService
	Usage        UsageReader
	Invalidators map[string]Invalidator
	ServiceToken string
	Limiter      *IPLimiter
	Checks       map[string]ReadyCheck
	Goroutines   *GoroutineTracker
	Logger       *slog.Logger
}

func NewServer(runs RunService, approvalSvc ApprovalService, usage UsageReader) *Server {
	s := &Server{
		Mux:          http.NewServeMux(),
		Runs:         runs,
		Approvals:    approvalSvc,
		Usage:        usage,
		Invalidators: map[string]Invalidator{},
		Checks:       map[string]ReadyCheck{},
	}
	s.registerRoutes()
	return s
}

// Handler returns the mux wrapped in request metrics.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(s.Mux)
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.Mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.Mux.Handle("GET /metrics", metrics.Handler())

	// Write endpoints get the per-IP guard.
	s.Mux.Handle("POST /v1/runs", s.write(s.handleTrigger))
	s.Mux.Handle("POST /v1/approvals/{id}/decision", s.write(s.handleDecision))
	s.Mux.Handle("POST /v1/cache/invalidate", s.write(s.handleInvalidate))

	s.Mux.Handle("GET /v1/runs/{id}", s.read(s.handleGetRun))
	s.Mux.Handle("GET /v1/approvals", s.read(s.handleListApprovals))
	s.Mux.Handle("GET /v1/approvals/{id}", s.read(s.handleGetApproval))
	s.Mux.Handle("GET /v1/usage", s.read(s.handleUsage))
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actor auth.Actor)

func (s *Server) read(h actorHandler) http.Handler {
	return s.authenticate(h)
}

func (s *Server) write(h actorHandler) http.Handler {
	next := s.authenticate(h)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Limiter.Middleware(next).ServeHTTP(w, r)
	})
}

// authenticate checks the proxy's service token and resolves the actor from
// the identity headers it forwards.
func (s *Server) authenticate(h actorHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.CheckServiceToken(r, s.ServiceToken); err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		actor, err := auth.ActorFromHeaders(r.Header)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		h(w, r.WithContext(auth.WithActor(r.Context(), actor)), actor)
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	raw, err := readBody(w, r)
	if err != nil {
		writeError(w, r, s.logger(), err)
		return
	}
	var req pipeline.TriggerRequest
	if err := decodeStrict(raw, &req); err != nil {
		writeError(w, r, s.logger(), err)
		return
	}
	if req.TriggerPayload, err = plan.DecodeTrigger(raw); err != nil {
		writeError(w, r, s.logger(), err)
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
	res, err := s.Runs.Run(r.Context(), actor, req)
	if err != nil {
		writeError(w, r, s.logger(), err)
		return
	}
	status := http.StatusOK
	if res.Status == pipeline.StatusPendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	res, err := s.Runs.GetRun(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, r, s.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var status approvals.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := approvals.ParseStatus(raw)
		if err != nil {
			writeError(w, r, s.logger(), errs.NewValidation("status", err.Error()))
			return
		}
		status = parsed
	}
	list, err := s.Approvals.List(r.Context(), actor, status)
	if err != nil {
		writeError(w, r, s.logger(), err)
		return
	}
	if list == nil {
		list = []approvals.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": list})
}

func (s *Server) handleGetApproval(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	req, err := s.Approvals.Get(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		writeError(w, r, s.logger(), err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// decisionResponse reports whether the decision took effect. Failures keep
// the status code of the underlying error.
type decisionResponse struct {
	Success bool `json:"success"`
	*errorBody
	Request *approvals.Request `json:"request,omitempty"`
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	var body decisionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeDecisionError(w, r, err)
		return
	}
	id := r.PathValue("id")
	var (
		req approvals.Request
		err error
	)
	switch strings.ToLower(strings.TrimSpace(body.Decision)) {
	case "approve":
		req, err = s.Approvals.Approve(r.Context(), actor, id, body.Note)
	case "reject":
		reason := body.Reason
		if reason == "" {
			reason = body.Note
		}
		req, err = s.Approvals.Reject(r.Context(), actor, id, reason)
	default:
		err = errs.NewValidation("decision", "must be approve or reject")
	}
	if err != nil {
		s.writeDecisionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, decisionResponse{Success: true, Request: &req})
}

func (s *Server) writeDecisionError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(r, s.logger(), err)
	writeJSON(w, status, decisionResponse{errorBody: &body})
}

var usageTypes = []entitlements.UsageType{entitlements.Runs, entitlements.Sends, entitlements.Actions}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	types := usageTypes
	if raw := r.URL.Query().Get("type"); raw != "" {
		u, err := entitlements.ParseUsageType(raw)
		if err != nil {
			writeError(w, r, s.logger(), errs.NewValidation("type", err.Error()))
			return
		}
		types = []entitlements.UsageType{u}
	}
	out := make(map[entitlements.UsageType]ratelimit.Result, len(types))
	for _, u := range types {
		out[u] = s.Usage.CheckLimit(r.Context(), actor.TenantID, u)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenant_id": actor.TenantID, "usage": out})
}

type invalidateRequest struct {
	Caches []string `json:"caches,omitempty"`
}

// handleInvalidate drops the caller's tenant from the named caches, or from
// every cache when none are named.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	if !actor.HasRole(auth.RoleAdmin) {
		writeError(w, r, s.logger(), &errs.AuthorizationError{Reason: "admin role required"})
		return
	}
	var body invalidateRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil && !isEmptyBody(err) {
			writeError(w, r, s.logger(), err)
			return
		}
	}
	names := body.Caches
	if len(names) == 0 {
		for name := range s.Invalidators {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	for _, name := range names {
		if _, ok := s.Invalidators[name]; !ok {
			writeError(w, r, s.logger(), errs.NewValidation("caches", "unknown cache "+name))
			return
		}
	}
	for _, name := range names {
		s.Invalidators[name].Invalidate(actor.TenantID)
	}
	s.logger().Info("tenant caches invalidated", "tenant_id", actor.TenantID, "actor_id", actor.ID, "caches", names)
	w.WriteHeader(http.StatusNoContent)
}

func isEmptyBody(err error) bool {
	var verr *errs.ValidationError
	return errors.As(err, &verr) && verr.Fields["body"] == "required"
}
