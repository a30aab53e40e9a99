// Package memstore is a single-process implementation of every storage
// interface, used by tests and by the gateway when storage.driver is
// "memory". A single mutex serializes all operations, which gives the
// conditional writes the same atomicity the Postgres statements have.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"taskpilot/internal/approvals"
	"taskpilot/internal/audit"
	"taskpilot/internal/entitlements"
	"taskpilot/internal/errs"
	"taskpilot/internal/idempotency"
	"taskpilot/internal/memory"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/policy"
	"taskpilot/internal/ratelimit"
)

var (
	_ ratelimit.Ledger       = (*Store)(nil)
	_ idempotency.Store      = (*Store)(nil)
	_ approvals.Store        = (*Store)(nil)
	_ pipeline.RunStore      = (*Store)(nil)
	_ policy.Store           = (*Store)(nil)
	_ memory.Store           = (*Store)(nil)
	_ entitlements.PlanStore = (*Store)(nil)
	_ audit.Writer           = (*Store)(nil)
)

type Store struct {
	mu          sync.Mutex
	usage       map[ratelimit.Key]int
	idem        map[string]idempotency.Record
	approvals   map[string]approvals.Request
	runs        map[string]pipeline.RunRecord
	policies    map[string]policy.TenantPolicy
	orgMemory   map[string]memory.OrgMemory
	plans       map[string]string
	auditEvents []audit.Event
}

func New() *Store {
	return &Store{
		usage:     map[ratelimit.Key]int{},
		idem:      map[string]idempotency.Record{},
		approvals: map[string]approvals.Request{},
		runs:      map[string]pipeline.RunRecord{},
		policies:  map[string]policy.TenantPolicy{},
		orgMemory: map[string]memory.OrgMemory{},
		plans:     map[string]string{},
	}
}

func (s *Store) IncrementUsage(ctx context.Context, key ratelimit.Key, amount, limit int) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key.Day = ratelimit.DayOf(key.Day)
	cur := s.usage[key]
	if cur+amount > limit {
		return cur, false, nil
	}
	s.usage[key] = cur + amount
	return cur + amount, true, nil
}

func (s *Store) CurrentUsage(ctx context.Context, key ratelimit.Key) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key.Day = ratelimit.DayOf(key.Day)
	return s.usage[key], nil
}

func (s *Store) InsertIdempotencyKey(ctx context.Context, rec idempotency.Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.idem[rec.Key]; ok && !cur.ExpiresAt.Before(rec.CreatedAt) {
		return false, nil
	}
	s.idem[rec.Key] = rec
	return true, nil
}

func (s *Store) GetIdempotencyKey(ctx context.Context, key string) (idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[key]
	if !ok {
		return idempotency.Record{}, errs.ErrNotFound
	}
	rec.Response = append([]byte(nil), rec.Response...)
	return rec, nil
}

func (s *Store) CompleteIdempotencyKey(ctx context.Context, key string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[key]
	if !ok {
		return errs.ErrNotFound
	}
	rec.Response = append([]byte(nil), response...)
	rec.Completed = true
	s.idem[key] = rec
	return nil
}

func (s *Store) DeleteIdempotencyKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idem, key)
	return nil
}

func (s *Store) DeleteIdempotencyKeysBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.idem {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.idem, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateApproval(ctx context.Context, req approvals.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[req.ID]; ok {
		return errDuplicate(req.ID)
	}
	stored, err := req.Clone()
	if err != nil {
		return err
	}
	s.approvals[req.ID] = stored
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id string) (approvals.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[id]
	if !ok {
		return approvals.Request{}, errs.ErrNotFound
	}
	return req.Clone()
}

// ListApprovals returns the tenant's requests, newest first. An empty status
// matches every status.
func (s *Store) ListApprovals(ctx context.Context, tenantID string, status approvals.Status) ([]approvals.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []approvals.Request{}
	for _, req := range s.approvals {
		if req.TenantID != tenantID || (status != "" && req.Status != status) {
			continue
		}
		c, err := req.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out, nil
}

func (s *Store) TransitionApproval(ctx context.Context, id string, t approvals.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[id]
	if !ok {
		return false, errs.ErrNotFound
	}
	if req.Status != approvals.StatusPending {
		return false, nil
	}
	overdue := !req.ExpiresAt.After(t.At)
	if (t.To == approvals.StatusExpired) != overdue {
		return false, nil
	}
	at := t.At
	req.Status = t.To
	req.RespondedBy = t.By
	req.RespondedAt = &at
	req.ResponseNote = t.Note
	s.approvals[id] = req
	return true, nil
}

func (s *Store) ExpireApprovals(ctx context.Context, now time.Time) ([]approvals.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approvals.Request
	for id, req := range s.approvals {
		if req.Status != approvals.StatusPending || req.ExpiresAt.After(now) {
			continue
		}
		at := now
		req.Status = approvals.StatusExpired
		req.RespondedAt = &at
		s.approvals[id] = req
		c, err := req.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) MarkDispatched(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.approvals[id]
	if !ok {
		return errs.ErrNotFound
	}
	if req.DispatchedAt == nil {
		req.DispatchedAt = &at
		s.approvals[id] = req
	}
	return nil
}

func (s *Store) ListUndispatched(ctx context.Context, before time.Time) ([]approvals.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []approvals.Request{}
	for _, req := range s.approvals {
		if req.Status != approvals.StatusApproved || req.DispatchedAt != nil || req.RespondedAt == nil || req.RespondedAt.After(before) {
			continue
		}
		c, err := req.Clone()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RespondedAt.Equal(*out[j].RespondedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RespondedAt.Before(*out[j].RespondedAt)
	})
	return out, nil
}

func (s *Store) CreateRun(ctx context.Context, rec pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.ID]; ok {
		return errDuplicate(rec.ID)
	}
	s.runs[rec.ID] = rec
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, rec pipeline.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.ID]; !ok {
		return errs.ErrNotFound
	}
	s.runs[rec.ID] = rec
	return nil
}

// GetRun returns a deep copy so callers cannot alias stored plans.
func (s *Store) GetRun(ctx context.Context, id string) (pipeline.RunRecord, error) {
	s.mu.Lock()
	rec, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return pipeline.RunRecord{}, errs.ErrNotFound
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return pipeline.RunRecord{}, err
	}
	var out pipeline.RunRecord
	if err := json.Unmarshal(raw, &out); err != nil {
		return pipeline.RunRecord{}, err
	}
	return out, nil
}

func (s *Store) GetTenantPolicy(ctx context.Context, tenantID string) (policy.TenantPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[tenantID]
	if !ok {
		return policy.TenantPolicy{}, errs.ErrNotFound
	}
	return p, nil
}

func (s *Store) PutTenantPolicy(tenantID string, p policy.TenantPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[tenantID] = p
}

// GetOrgMemory returns an empty record for tenants with nothing stored.
func (s *Store) GetOrgMemory(ctx context.Context, tenantID string) (memory.OrgMemory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.orgMemory[tenantID]
	if !ok {
		return memory.OrgMemory{TenantID: tenantID}, nil
	}
	return m, nil
}

func (s *Store) PutOrgMemory(m memory.OrgMemory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgMemory[m.TenantID] = m
}

func (s *Store) TenantPlan(ctx context.Context, tenantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.plans[tenantID]
	if !ok {
		return "", errs.ErrNotFound
	}
	return name, nil
}

func (s *Store) SetTenantPlan(tenantID, plan string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[tenantID] = plan
}

func (s *Store) InsertAuditEvent(ctx context.Context, ev audit.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditEvents = append(s.auditEvents, ev)
	return strconv.Itoa(len(s.auditEvents)), nil
}

// AuditEvents returns a copy of the events written so far, oldest first.
func (s *Store) AuditEvents() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.auditEvents...)
}

type errDuplicate string

func (e errDuplicate) Error() string {
	return "duplicate id " + string(e)
}
