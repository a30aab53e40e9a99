// Package ratelimit enforces per-tenant daily usage limits against an
// atomic counter ledger.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskpilot/internal/entitlements"
	"taskpilot/internal/errs"
	"taskpilot/internal/metrics"
)

// Key identifies one counter. Day is the UTC calendar day, so counters reset
// implicitly at midnight UTC.
type Key struct {
	TenantID  string
	UsageType entitlements.UsageType
	Day       time.Time
}

func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Ledger stores usage counters. IncrementUsage must be a single conditional write:
// add amount only if the new count stays within limit. ok=false reports a
// denial and leaves the counter unchanged.
type Ledger interface {
	IncrementUsage(ctx context.Context, key Key, amount, limit int) (count int, ok bool, err error)
	CurrentUsage(ctx context.Context, key Key) (int, error)
}

type Result struct {
	Allowed   bool `json:"allowed"`
	Current   int  `json:"current_count"`
	Limit     int  `json:"limit"`
	Remaining int  `json:"remaining"`
	// Degraded marks a result whose count could not be read from the ledger.
	Degraded bool `json:"degraded,omitempty"`
}

type Limiter struct {
	Ledger       Ledger
	Entitlements entitlements.Provider
	Logger       *slog.Logger
	Now          func() time.Time
}

func New(ledger Ledger, ent entitlements.Provider, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{Ledger: ledger, Entitlements: ent, Logger: logger, Now: time.Now}
}

func (l *Limiter) now() time.Time {
	if l.Now == nil {
		return time.Now()
	}
	return l.Now()
}

func (l *Limiter) limit(ctx context.Context, tenantID string, u entitlements.UsageType) (int, error) {
	if l.Entitlements == nil {
		return 0, fmt.Errorf("entitlements provider required")
	}
	ent, err := l.Entitlements.Entitlements(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	return ent.Limit(u), nil
}

// CheckAndIncrement atomically charges amount against the tenant's daily
// counter. Any ledger or entitlement failure denies the request.
func (l *Limiter) CheckAndIncrement(ctx context.Context, tenantID string, u entitlements.UsageType, amount int) (Result, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Result{}, errs.NewValidation("tenant_id", "required")
	}
	if amount <= 0 {
		return Result{}, errs.NewValidation("amount", "must be positive")
	}
	limit, err := l.limit(ctx, tenantID, u)
	if err != nil {
		return l.failClosed(tenantID, u, "entitlements", err)
	}
	key := Key{TenantID: tenantID, UsageType: u, Day: DayOf(l.now())}
	if amount > limit {
		metrics.RateLimitChecksTotal.WithLabelValues(string(u), "denied").Inc()
		current, err := l.Ledger.CurrentUsage(ctx, key)
		if err != nil {
			// The denial stands without the ledger; only the reported count is lost.
			l.Logger.Warn("usage read failed on over-limit request", "tenant_id", tenantID, "usage_type", u, "amount", amount, "limit", limit, "error", err)
			res := denied(0, limit)
			res.Degraded = true
			return res, nil
		}
		return denied(current, limit), nil
	}
	count, ok, err := l.Ledger.IncrementUsage(ctx, key, amount, limit)
	if err != nil {
		return l.failClosed(tenantID, u, "ledger increment", err)
	}
	if !ok {
		metrics.RateLimitChecksTotal.WithLabelValues(string(u), "denied").Inc()
		l.Logger.Info("usage limit reached", "tenant_id", tenantID, "usage_type", u, "current", count, "limit", limit)
		return denied(count, limit), nil
	}
	metrics.RateLimitChecksTotal.WithLabelValues(string(u), "allowed").Inc()
	return Result{Allowed: true, Current: count, Limit: limit, Remaining: remaining(count, limit)}, nil
}

func (l *Limiter) failClosed(tenantID string, u entitlements.UsageType, op string, err error) (Result, error) {
	metrics.RateLimitChecksTotal.WithLabelValues(string(u), "error").Inc()
	l.Logger.Error("usage check failed closed", "tenant_id", tenantID, "usage_type", u, "op", op, "error", err)
	return Result{Allowed: false}, errs.Infra("ratelimit "+op, err)
}

// CheckLimit reads the counter without charging it. It is advisory only and
// reports Allowed with Degraded set when the ledger cannot be read.
func (l *Limiter) CheckLimit(ctx context.Context, tenantID string, u entitlements.UsageType) Result {
	limit, err := l.limit(ctx, tenantID, u)
	if err != nil {
		l.Logger.Warn("advisory usage read failed", "tenant_id", tenantID, "usage_type", u, "error", err)
		return Result{Allowed: true, Degraded: true}
	}
	current, err := l.Ledger.CurrentUsage(ctx, Key{TenantID: tenantID, UsageType: u, Day: DayOf(l.now())})
	if err != nil {
		l.Logger.Warn("advisory usage read failed", "tenant_id", tenantID, "usage_type", u, "error", err)
		return Result{Allowed: true, Limit: limit, Remaining: limit, Degraded: true}
	}
	return Result{Allowed: current < limit, Current: current, Limit: limit, Remaining: remaining(current, limit)}
}

func denied(current, limit int) Result {
	return Result{Allowed: false, Current: current, Limit: limit, Remaining: remaining(current, limit)}
}

func remaining(current, limit int) int {
	if current >= limit {
		return 0
	}
	return limit - current
}

// Err converts a denial into the error returned to callers.
func (r Result) Err(u entitlements.UsageType) error {
	if r.Allowed {
		return nil
	}
	return &errs.RateLimitError{UsageType: string(u), Current: r.Current, Limit: r.Limit}
}
