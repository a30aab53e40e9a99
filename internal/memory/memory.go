// Package memory serves per-tenant organization facts that the plan
// generator uses to fill tool parameters.
package memory

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskpilot/internal/cache"
)

type OrgMemory struct {
	TenantID     string            `json:"tenant_id"`
	SlackChannel string            `json:"slack_channel,omitempty"`
	Signature    string            `json:"signature,omitempty"`
	Contacts     map[string]string `json:"contacts,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Contact resolves a display name to an address, case-insensitively.
func (m OrgMemory) Contact(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", false
	}
	for k, v := range m.Contacts {
		if strings.ToLower(k) == name {
			return v, true
		}
	}
	return "", false
}

type Store interface {
	GetOrgMemory(ctx context.Context, tenantID string) (OrgMemory, error)
}

// Service reads org memory through a bounded TTL cache. Tenants without a
// stored record get an empty OrgMemory rather than an error.
type Service struct {
	cache *cache.Cache[string, OrgMemory]
}

func NewService(store Store, size int, ttl time.Duration) *Service {
	load := func(ctx context.Context, tenantID string) (OrgMemory, error) {
		if store == nil {
			return OrgMemory{TenantID: tenantID}, nil
		}
		return store.GetOrgMemory(ctx, tenantID)
	}
	return &Service{cache: cache.New[string, OrgMemory](size, ttl, load)}
}

func (s *Service) OrgMemory(ctx context.Context, tenantID string) (OrgMemory, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return OrgMemory{}, errors.New("tenant_id required")
	}
	return s.cache.Get(ctx, tenantID)
}

// Invalidate drops the cached record for tenantID so the next read reloads it.
func (s *Service) Invalidate(tenantID string) {
	s.cache.Invalidate(tenantID)
}

func (s *Service) OnInvalidate(fn func(tenantID string)) {
	s.cache.OnInvalidate(fn)
}
