// Package entitlements supplies per-tenant plan limits. The limiter and the
// policy validator trust only this provider, never client input.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/cache"
	"taskpilot/internal/errs"
)

type UsageType string

const (
	Runs    UsageType = "runs"
	Sends   UsageType = "sends"
	Actions UsageType = "actions"
)

func ParseUsageType(s string) (UsageType, error) {
	switch u := UsageType(strings.ToLower(strings.TrimSpace(s))); u {
	case Runs, Sends, Actions:
		return u, nil
	}
	return "", fmt.Errorf("unknown usage type %q", s)
}

type Entitlements struct {
	Plan             string          `json:"plan"`
	RunsPerDay       int             `json:"runs_per_day"`
	SendsPerDay      int             `json:"sends_per_day"`
	ActionsPerDay    int             `json:"actions_per_day"`
	MaxActionsPerRun int             `json:"max_actions_per_run"`
	FeatureFlags     map[string]bool `json:"feature_flags,omitempty"`
}

// Limit returns the daily limit for usage type u, or 0 when unknown.
func (e Entitlements) Limit(u UsageType) int {
	switch u {
	case Runs:
		return e.RunsPerDay
	case Sends:
		return e.SendsPerDay
	case Actions:
		return e.ActionsPerDay
	}
	return 0
}

func (e Entitlements) Feature(name string) bool {
	return e.FeatureFlags[name]
}

type Provider interface {
	Entitlements(ctx context.Context, tenantID string) (Entitlements, error)
}

const DefaultPlan = "free"

// FeatureDryRun allows triggers to request simulated execution.
const FeatureDryRun = "dry_run"

// DefaultPlans is used when configuration does not define any plans.
func DefaultPlans() map[string]Entitlements {
	return map[string]Entitlements{
		"free":       {Plan: "free", RunsPerDay: 50, SendsPerDay: 20, ActionsPerDay: 200, MaxActionsPerRun: 5, FeatureFlags: map[string]bool{FeatureDryRun: true}},
		"pro":        {Plan: "pro", RunsPerDay: 500, SendsPerDay: 200, ActionsPerDay: 2000, MaxActionsPerRun: 10, FeatureFlags: map[string]bool{FeatureDryRun: true}},
		"enterprise": {Plan: "enterprise", RunsPerDay: 5000, SendsPerDay: 2000, ActionsPerDay: 20000, MaxActionsPerRun: 20, FeatureFlags: map[string]bool{FeatureDryRun: true}},
	}
}

// StaticProvider maps tenants to plans from configuration. Tenants without
// an assignment get DefaultPlan.
type StaticProvider struct {
	Plans       map[string]Entitlements
	Tenants     map[string]string
	DefaultPlan string
}

func NewStaticProvider(plans map[string]Entitlements, tenants map[string]string, defaultPlan string) *StaticProvider {
	if len(plans) == 0 {
		plans = DefaultPlans()
	}
	if defaultPlan == "" {
		defaultPlan = DefaultPlan
	}
	return &StaticProvider{Plans: plans, Tenants: tenants, DefaultPlan: defaultPlan}
}

func (p *StaticProvider) Entitlements(ctx context.Context, tenantID string) (Entitlements, error) {
	name := p.Tenants[tenantID]
	if name == "" {
		name = p.DefaultPlan
	}
	return p.plan(name)
}

func (p *StaticProvider) plan(name string) (Entitlements, error) {
	e, ok := p.Plans[name]
	if !ok {
		return Entitlements{}, fmt.Errorf("unknown plan %q", name)
	}
	if e.Plan == "" {
		e.Plan = name
	}
	return e, nil
}

// PlanStore reads a tenant's subscribed plan name.
type PlanStore interface {
	TenantPlan(ctx context.Context, tenantID string) (string, error)
}

// StoreProvider resolves the plan name from storage and the limits from the
// configured plan table.
type StoreProvider struct {
	Store  PlanStore
	Static *StaticProvider
}

func (p *StoreProvider) Entitlements(ctx context.Context, tenantID string) (Entitlements, error) {
	name, err := p.Store.TenantPlan(ctx, tenantID)
	if errors.Is(err, errs.ErrNotFound) || (err == nil && name == "") {
		return p.Static.Entitlements(ctx, tenantID)
	}
	if err != nil {
		return Entitlements{}, errs.Infra("load tenant plan", err)
	}
	return p.Static.plan(name)
}

// Cached memoizes a provider per tenant through the shared cache service.
type Cached struct {
	cache *cache.Cache[string, Entitlements]
}

func NewCached(p Provider, size int, ttl time.Duration) *Cached {
	return &Cached{cache: cache.New[string, Entitlements](size, ttl, p.Entitlements)}
}

func (c *Cached) Entitlements(ctx context.Context, tenantID string) (Entitlements, error) {
	return c.cache.Get(ctx, tenantID)
}

func (c *Cached) Invalidate(tenantID string) {
	c.cache.Invalidate(tenantID)
}
