// Package audit appends state-transition records to the tenant audit trail.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"taskpilot/internal/tools"
)

// Actions emitted by the pipeline and approval manager.
const (
	ActionRunStarted       = "run.started"
	ActionRunCompleted     = "run.completed"
	ActionRunRejected      = "run.rejected"
	ActionRunFailed        = "run.failed"
	ActionRunPending       = "run.pending_approval"
	ActionRunReplayed      = "run.replayed"
	ActionApprovalCreated  = "approval.created"
	ActionApprovalApproved = "approval.approved"
	ActionApprovalRejected = "approval.rejected"
	ActionApprovalExpired  = "approval.expired"
	ActionToolBlocked      = "tool.blocked"
	ActionRateLimitDenied  = "ratelimit.denied"
	ActionPolicyEvaluated  = "policy.evaluated"
)

type Event struct {
	TenantID     string         `json:"tenant_id"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

type Writer interface {
	InsertAuditEvent(ctx context.Context, ev Event) (string, error)
}

// Store writes events to the backing Writer. With no Writer, events are
// only logged.
type Store struct {
	DB       Writer
	Redactor *tools.Redactor
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Logger: logger, Now: time.Now}
}

func NewWithDB(db Writer, redactor *tools.Redactor, logger *slog.Logger) *Store {
	s := New(logger)
	s.DB = db
	s.Redactor = redactor
	return s
}

func (s *Store) Append(ctx context.Context, ev Event) error {
	if strings.TrimSpace(ev.TenantID) == "" || strings.TrimSpace(ev.Action) == "" {
		return errors.New("tenant_id and action required")
	}
	if ev.Timestamp.IsZero() {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		ev.Timestamp = now().UTC()
	}
	if s.Redactor != nil {
		ev.Metadata = s.Redactor.RedactParams(ev.Metadata)
	}
	s.logger().Info("audit",
		"tenant_id", ev.TenantID,
		"actor_id", ev.ActorID,
		"action", ev.Action,
		"resource_type", ev.ResourceType,
		"resource_id", ev.ResourceID,
	)
	if s.DB == nil {
		return nil
	}
	_, err := s.DB.InsertAuditEvent(ctx, ev)
	return err
}

// Emit appends ev and logs a failure instead of returning it, for call sites
// where the audited transition has already happened.
func (s *Store) Emit(ctx context.Context, ev Event) {
	if s == nil {
		return
	}
	if err := s.Append(ctx, ev); err != nil {
		s.logger().Error("audit append failed", "action", ev.Action, "resource_id", ev.ResourceID, "error", err)
	}
}

func (s *Store) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
