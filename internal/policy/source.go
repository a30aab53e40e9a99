package policy

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskpilot/internal/cache"
	"taskpilot/internal/errs"
)

// Source returns the policy that governs a tenant.
type Source interface {
	TenantPolicy(ctx context.Context, tenantID string) (TenantPolicy, error)
}

// StaticSource serves the same configured policy to every tenant, with
// optional per-tenant overrides.
type StaticSource struct {
	Default   TenantPolicy
	Overrides map[string]TenantPolicy
}

func (s StaticSource) TenantPolicy(ctx context.Context, tenantID string) (TenantPolicy, error) {
	if p, ok := s.Overrides[tenantID]; ok {
		return p, nil
	}
	return s.Default, nil
}

// Store is the persistence surface for tenant policies.
type Store interface {
	GetTenantPolicy(ctx context.Context, tenantID string) (TenantPolicy, error)
}

// StoreSource reads policies from storage and falls back to Default when the
// tenant has no row.
type StoreSource struct {
	Store   Store
	Default TenantPolicy
}

func (s StoreSource) TenantPolicy(ctx context.Context, tenantID string) (TenantPolicy, error) {
	if s.Store == nil {
		return s.Default, nil
	}
	p, err := s.Store.GetTenantPolicy(ctx, tenantID)
	if errors.Is(err, errs.ErrNotFound) {
		return s.Default, nil
	}
	if err != nil {
		return TenantPolicy{}, errs.Infra("load tenant policy", err)
	}
	return p, nil
}

// CachedSource memoizes another Source per tenant.
type CachedSource struct {
	cache *cache.Cache[string, TenantPolicy]
}

func NewCachedSource(src Source, size int, ttl time.Duration) *CachedSource {
	return &CachedSource{cache: cache.New[string, TenantPolicy](size, ttl, src.TenantPolicy)}
}

func (c *CachedSource) TenantPolicy(ctx context.Context, tenantID string) (TenantPolicy, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return TenantPolicy{}, errs.NewValidation("tenant_id", "required")
	}
	return c.cache.Get(ctx, tenantID)
}

func (c *CachedSource) Invalidate(tenantID string) {
	c.cache.Invalidate(tenantID)
}
