package approvals

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/audit"
	"taskpilot/internal/auth"
	"taskpilot/internal/errs"
	"taskpilot/internal/metrics"
	"taskpilot/internal/plan"
)

// Dispatcher hands an approved request to the execution path.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// DefaultDispatchGrace is how long an approval may stay undispatched before
// RedispatchApproved retries it.
const DefaultDispatchGrace = time.Minute

type Manager struct {
	Store         Store
	Audit         *audit.Store
	Dispatcher    Dispatcher
	TTL           time.Duration
	DispatchGrace time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
	NewID         func() string
}

func NewManager(store Store, auditStore *audit.Store, dispatcher Dispatcher, ttl time.Duration, logger *slog.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Store:         store,
		Audit:         auditStore,
		Dispatcher:    dispatcher,
		TTL:           ttl,
		DispatchGrace: DefaultDispatchGrace,
		Logger:        logger,
		Now:           time.Now,
		NewID:         uuid.NewString,
	}
}

func (m *Manager) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}

// Create persists a pending request holding a deep copy of p.
func (m *Manager) Create(ctx context.Context, actor auth.Actor, runID string, p plan.ActionPlan, reason string) (Request, error) {
	snapshot, err := p.Clone()
	if err != nil {
		return Request{}, err
	}
	actionType, summary := describe(snapshot)
	now := m.now()
	req := Request{
		ID:            m.NewID(),
		TenantID:      actor.TenantID,
		RunID:         runID,
		ActionType:    actionType,
		ActionSummary: summary,
		ActionDetails: snapshot,
		Reason:        reason,
		Status:        StatusPending,
		RequestedBy:   actor.ID,
		RequestedAt:   now,
		ExpiresAt:     now.Add(m.TTL),
	}
	if err := m.Store.CreateApproval(ctx, req); err != nil {
		return Request{}, errs.Infra("create approval", err)
	}
	metrics.ApprovalsTotal.WithLabelValues(string(StatusPending)).Inc()
	m.emit(ctx, actor, audit.ActionApprovalCreated, req, map[string]any{"run_id": runID, "reason": reason, "expires_at": req.ExpiresAt})
	return req, nil
}

// Get returns the request, first expiring it if it is pending past its
// deadline. Requests of other tenants are reported as not found.
func (m *Manager) Get(ctx context.Context, actor auth.Actor, id string) (Request, error) {
	req, err := m.load(ctx, actor.TenantID, id)
	if err != nil {
		return Request{}, err
	}
	if req.Expired(m.now()) {
		return m.expire(ctx, actor, req)
	}
	return req, nil
}

func (m *Manager) List(ctx context.Context, actor auth.Actor, status Status) ([]Request, error) {
	if _, err := m.ExpireStale(ctx); err != nil {
		m.Logger.Warn("lazy expiry before list failed", "tenant_id", actor.TenantID, "error", err)
	}
	out, err := m.Store.ListApprovals(ctx, actor.TenantID, status)
	if err != nil {
		return nil, errs.Infra("list approvals", err)
	}
	return out, nil
}

// Approve moves a pending, unexpired request to approved and dispatches its
// plan snapshot. Only approvers and admins may approve. A failed dispatch
// keeps the decision and is retried by RedispatchApproved.
func (m *Manager) Approve(ctx context.Context, actor auth.Actor, id, note string) (Request, error) {
	if !actor.CanApprove() {
		return Request{}, &errs.AuthorizationError{Reason: "approver role required"}
	}
	req, err := m.decide(ctx, actor, id, Transition{To: StatusApproved, By: actor.ID, Note: strings.TrimSpace(note)})
	if err != nil {
		return Request{}, err
	}
	if m.Dispatcher != nil {
		if err := m.Dispatcher.Dispatch(ctx, req); err != nil {
			m.Logger.Error("dispatch approved plan failed", "approval_id", req.ID, "run_id", req.RunID, "error", err)
			return req, errs.Infra("dispatch approved plan", err)
		}
		m.markDispatched(ctx, req.ID)
	}
	return req, nil
}

// RedispatchApproved retries approved requests whose dispatch never
// succeeded. A request whose run is gone, or whose approval the executor no
// longer accepts, is marked dispatched and dropped. The sweeper calls it on a
// schedule.
func (m *Manager) RedispatchApproved(ctx context.Context) (int, error) {
	if m.Dispatcher == nil {
		return 0, nil
	}
	grace := m.DispatchGrace
	if grace <= 0 {
		grace = DefaultDispatchGrace
	}
	stranded, err := m.Store.ListUndispatched(ctx, m.now().Add(-grace))
	if err != nil {
		return 0, errs.Infra("list undispatched approvals", err)
	}
	var (
		n      int
		failed []error
	)
	for _, req := range stranded {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		err := m.Dispatcher.Dispatch(ctx, req)
		switch {
		case err == nil:
			m.Logger.Info("approved plan redispatched", "approval_id", req.ID, "run_id", req.RunID)
		case errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrStaleApproval):
			m.Logger.Warn("dropping undispatchable approval", "approval_id", req.ID, "run_id", req.RunID, "error", err)
		default:
			m.Logger.Error("redispatch approved plan failed", "approval_id", req.ID, "run_id", req.RunID, "error", err)
			failed = append(failed, err)
			continue
		}
		m.markDispatched(ctx, req.ID)
		n++
	}
	if len(failed) > 0 {
		return n, errs.Infra("redispatch approved plans", errors.Join(failed...))
	}
	return n, nil
}

func (m *Manager) markDispatched(ctx context.Context, id string) {
	if err := m.Store.MarkDispatched(ctx, id, m.now()); err != nil {
		m.Logger.Warn("mark approval dispatched failed", "approval_id", id, "error", err)
	}
}

// Reject moves a pending request to rejected. A reason is required. Approvers
// may reject any request, and requesters may withdraw their own.
func (m *Manager) Reject(ctx context.Context, actor auth.Actor, id, reason string) (Request, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Request{}, errs.NewValidation("reason", "required to reject")
	}
	if !actor.CanApprove() {
		req, err := m.load(ctx, actor.TenantID, id)
		if err != nil {
			return Request{}, err
		}
		if req.RequestedBy != actor.ID {
			return Request{}, &errs.AuthorizationError{Reason: "approver role required"}
		}
	}
	return m.decide(ctx, actor, id, Transition{To: StatusRejected, By: actor.ID, Note: reason})
}

func (m *Manager) decide(ctx context.Context, actor auth.Actor, id string, t Transition) (Request, error) {
	req, err := m.load(ctx, actor.TenantID, id)
	if err != nil {
		return Request{}, err
	}
	t.At = m.now()
	if req.Expired(t.At) {
		if _, err := m.expire(ctx, actor, req); err != nil && !errors.Is(err, errs.ErrStaleApproval) {
			return Request{}, err
		}
		return Request{}, staleErr(StatusExpired)
	}
	if req.Status.Terminal() {
		return Request{}, staleErr(req.Status)
	}
	ok, err := m.Store.TransitionApproval(ctx, id, t)
	if err != nil {
		return Request{}, errs.Infra("transition approval", err)
	}
	if !ok {
		// Lost a race with another decision or with expiry.
		current, err := m.Store.GetApproval(ctx, id)
		if err != nil {
			return Request{}, staleErr("")
		}
		if current.Expired(m.now()) {
			_, _ = m.expire(ctx, actor, current)
			return Request{}, staleErr(StatusExpired)
		}
		return Request{}, staleErr(current.Status)
	}
	req.Status = t.To
	req.RespondedBy = t.By
	req.RespondedAt = &t.At
	req.ResponseNote = t.Note
	metrics.ApprovalsTotal.WithLabelValues(string(t.To)).Inc()
	action := audit.ActionApprovalApproved
	if t.To == StatusRejected {
		action = audit.ActionApprovalRejected
	}
	m.emit(ctx, actor, action, req, map[string]any{"run_id": req.RunID, "note": t.Note})
	return req, nil
}

// expire performs the pending to expired transition and returns the updated
// request, or the current state if another caller already moved it.
func (m *Manager) expire(ctx context.Context, actor auth.Actor, req Request) (Request, error) {
	at := m.now()
	ok, err := m.Store.TransitionApproval(ctx, req.ID, Transition{To: StatusExpired, At: at})
	if err != nil {
		return Request{}, errs.Infra("expire approval", err)
	}
	if !ok {
		current, err := m.Store.GetApproval(ctx, req.ID)
		if err != nil {
			return Request{}, errs.Infra("reload approval", err)
		}
		return current, nil
	}
	req.Status = StatusExpired
	req.RespondedAt = &at
	metrics.ApprovalsTotal.WithLabelValues(string(StatusExpired)).Inc()
	m.emit(ctx, actor, audit.ActionApprovalExpired, req, map[string]any{"run_id": req.RunID, "expires_at": req.ExpiresAt})
	return req, nil
}

// ExpireStale expires every overdue pending request. The sweeper calls it on
// a schedule; reads also expire lazily.
func (m *Manager) ExpireStale(ctx context.Context) (int, error) {
	expired, err := m.Store.ExpireApprovals(ctx, m.now())
	if err != nil {
		return 0, errs.Infra("expire approvals", err)
	}
	for _, req := range expired {
		metrics.ApprovalsTotal.WithLabelValues(string(StatusExpired)).Inc()
		m.emit(ctx, auth.Actor{TenantID: req.TenantID, ID: "system"}, audit.ActionApprovalExpired, req, map[string]any{"run_id": req.RunID, "expires_at": req.ExpiresAt})
	}
	return len(expired), nil
}

func (m *Manager) load(ctx context.Context, tenantID, id string) (Request, error) {
	if strings.TrimSpace(id) == "" {
		return Request{}, errs.NewValidation("approval_id", "required")
	}
	req, err := m.Store.GetApproval(ctx, id)
	if errors.Is(err, errs.ErrNotFound) {
		return Request{}, errs.ErrNotFound
	}
	if err != nil {
		return Request{}, errs.Infra("get approval", err)
	}
	if req.TenantID != tenantID {
		return Request{}, errs.ErrNotFound
	}
	return req, nil
}

func (m *Manager) emit(ctx context.Context, actor auth.Actor, action string, req Request, meta map[string]any) {
	m.Audit.Emit(ctx, audit.Event{
		TenantID:     req.TenantID,
		ActorID:      actor.ID,
		Action:       action,
		ResourceType: "approval",
		ResourceID:   req.ID,
		Metadata:     meta,
	})
}

func staleErr(status Status) error {
	if status == "" {
		return errs.ErrStaleApproval
	}
	return &StaleError{Status: status}
}

// StaleError reports a decision attempted on a request that is no longer pending.
type StaleError struct {
	Status Status
}

func (e *StaleError) Error() string {
	return "stale approval: request is " + string(e.Status)
}

func (e *StaleError) Is(target error) bool {
	return target == errs.ErrStaleApproval
}
