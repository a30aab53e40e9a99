// Package idempotency deduplicates trigger requests so side effects run at
// most once per logical trigger.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskpilot/internal/errs"
	"taskpilot/internal/metrics"
)

const (
	DefaultTTL  = 24 * time.Hour
	DefaultWait = 5 * time.Second
	DefaultPoll = 100 * time.Millisecond
)

type Record struct {
	Key       string
	TenantID  string
	Response  []byte
	Completed bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store persists records behind a storage-level unique constraint.
// InsertIdempotencyKey reports false when a live record already holds the
// key, and may take over a record whose ExpiresAt has passed.
type Store interface {
	InsertIdempotencyKey(ctx context.Context, rec Record) (bool, error)
	GetIdempotencyKey(ctx context.Context, key string) (Record, error)
	CompleteIdempotencyKey(ctx context.Context, key string, response []byte) error
	DeleteIdempotencyKey(ctx context.Context, key string) error
	DeleteIdempotencyKeysBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reservation is the outcome of Reserve. When IsNew is false, Cached holds
// the first caller's stored response.
type Reservation struct {
	Key    string
	IsNew  bool
	Cached []byte
}

type Gate struct {
	Store  Store
	TTL    time.Duration
	Wait   time.Duration
	Poll   time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

func NewGate(store Store, ttl time.Duration, logger *slog.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{Store: store, TTL: ttl, Wait: DefaultWait, Poll: DefaultPoll, Logger: logger, Now: time.Now}
}

func (g *Gate) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// Reserve claims key for the caller. A losing caller waits, bounded by Wait
// and by the record's TTL, for the winner to store its response, and gets
// errs.ErrInProgress if it does not arrive in time. Store failures deny.
func (g *Gate) Reserve(ctx context.Context, tenantID, key string) (Reservation, error) {
	if strings.TrimSpace(key) == "" {
		return Reservation{}, errs.NewValidation("idempotency_key", "required")
	}
	now := g.now().UTC()
	inserted, err := g.Store.InsertIdempotencyKey(ctx, Record{
		Key:       key,
		TenantID:  tenantID,
		CreatedAt: now,
		ExpiresAt: now.Add(g.TTL),
	})
	if err != nil {
		metrics.IdempotencyReservationsTotal.WithLabelValues("error").Inc()
		g.Logger.Error("idempotency reserve failed closed", "tenant_id", tenantID, "error", err)
		return Reservation{}, errs.Infra("idempotency reserve", err)
	}
	if inserted {
		metrics.IdempotencyReservationsTotal.WithLabelValues("new").Inc()
		return Reservation{Key: key, IsNew: true}, nil
	}
	return g.awaitResponse(ctx, key)
}

func (g *Gate) awaitResponse(ctx context.Context, key string) (Reservation, error) {
	wait := g.Wait
	if wait <= 0 {
		wait = DefaultWait
	}
	poll := g.Poll
	if poll <= 0 {
		poll = DefaultPoll
	}
	deadline := time.Now().Add(wait)
	for {
		rec, err := g.Store.GetIdempotencyKey(ctx, key)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			// Released by its owner; let the caller retry from scratch.
			metrics.IdempotencyReservationsTotal.WithLabelValues("in_progress").Inc()
			return Reservation{}, errs.ErrInProgress
		case err != nil:
			metrics.IdempotencyReservationsTotal.WithLabelValues("error").Inc()
			return Reservation{}, errs.Infra("idempotency lookup", err)
		case rec.Completed:
			metrics.IdempotencyReservationsTotal.WithLabelValues("replay").Inc()
			return Reservation{Key: key, Cached: rec.Response}, nil
		}
		if !rec.ExpiresAt.IsZero() && g.now().After(rec.ExpiresAt) {
			break
		}
		if time.Now().Add(poll).After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return Reservation{}, ctx.Err()
		case <-time.After(poll):
		}
	}
	metrics.IdempotencyReservationsTotal.WithLabelValues("in_progress").Inc()
	return Reservation{}, errs.ErrInProgress
}

// Complete records the response to replay for later callers with the same key.
func (g *Gate) Complete(ctx context.Context, key string, response any) error {
	data, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encode idempotent response: %w", err)
	}
	if err := g.Store.CompleteIdempotencyKey(ctx, key, data); err != nil {
		return errs.Infra("idempotency store", err)
	}
	return nil
}

// Release drops an unfinished reservation so the trigger can be retried.
func (g *Gate) Release(ctx context.Context, key string) error {
	if err := g.Store.DeleteIdempotencyKey(ctx, key); err != nil && !errors.Is(err, errs.ErrNotFound) {
		return errs.Infra("idempotency release", err)
	}
	return nil
}

// Sweep deletes records created more than one TTL ago. The cutoff is never
// the current time, so a fresh reservation cannot be swept.
func (g *Gate) Sweep(ctx context.Context) (int64, error) {
	cutoff := g.now().UTC().Add(-g.TTL)
	n, err := g.Store.DeleteIdempotencyKeysBefore(ctx, cutoff)
	if err != nil {
		return 0, errs.Infra("idempotency sweep", err)
	}
	return n, nil
}

// ContentKey hashes operation, tenant and the canonical JSON of payload.
func ContentKey(op, tenantID string, payload any) (string, error) {
	canon, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	return digest("content", op, tenantID, string(canon)), nil
}

// ClientKey scopes a caller-supplied key to the tenant.
func ClientKey(tenantID, clientKey string) string {
	return digest("client", tenantID, strings.TrimSpace(clientKey))
}

// ApprovalKey keys the execution of an approved request. Its namespace is
// disjoint from client keys, so no trigger can claim it.
func ApprovalKey(tenantID, approvalID string) string {
	return digest("approval", tenantID, approvalID)
}

func digest(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes through a generic value so object keys are sorted.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
