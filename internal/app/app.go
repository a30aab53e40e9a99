// Package app assembles the pipeline, the approval manager and their
// storage from a loaded configuration. Both binaries build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.temporal.io/sdk/client"

	"taskpilot/internal/approvals"
	"taskpilot/internal/assessor"
	"taskpilot/internal/audit"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/entitlements"
	"taskpilot/internal/gatekeeper"
	"taskpilot/internal/idempotency"
	"taskpilot/internal/llm"
	"taskpilot/internal/memory"
	"taskpilot/internal/memstore"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/plan"
	"taskpilot/internal/policy"
	"taskpilot/internal/ratelimit"
	"taskpilot/internal/tools"
	"taskpilot/internal/workflows"
)

// Store is every persistence surface the pipeline needs. Both the Postgres
// and the in-memory backends implement it.
type Store interface {
	ratelimit.Ledger
	idempotency.Store
	approvals.Store
	pipeline.RunStore
	policy.Store
	memory.Store
	entitlements.PlanStore
	audit.Writer
}

var (
	_ Store = (*db.DB)(nil)
	_ Store = (*memstore.Store)(nil)
)

var newDB = db.NewDBWithPool

// OpenStore connects the configured backend. The returned ping is nil for
// the memory driver.
func OpenStore(cfg config.Config) (Store, func(context.Context) error, func() error, error) {
	switch cfg.Storage.Driver {
	case config.DriverMemory:
		return memstore.New(), nil, func() error { return nil }, nil
	case config.DriverPostgres:
		pool := db.DefaultPoolConfig()
		if cfg.Storage.MaxOpenConns > 0 {
			pool.MaxOpenConns = cfg.Storage.MaxOpenConns
		}
		database, err := newDB(cfg.Storage.PostgresDSN, pool)
		if err != nil {
			return nil, nil, nil, err
		}
		return database, database.Ping, database.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}

// App holds the assembled components.
type App struct {
	Store        Store
	Pipeline     *pipeline.Pipeline
	Approvals    *approvals.Manager
	Limiter      *ratelimit.Limiter
	Idempotency  *idempotency.Gate
	Memory       *memory.Service
	Policies     *policy.CachedSource
	Entitlements *entitlements.Cached
	Audit        *audit.Store
}

// Invalidators names the tenant caches an admin may drop.
func (a *App) Invalidators() map[string]interface{ Invalidate(string) } {
	return map[string]interface{ Invalidate(string) }{
		"memory":       a.Memory,
		"policy":       a.Policies,
		"entitlements": a.Entitlements,
	}
}

var newReasoner = llm.New

// Build wires every component over store. A nil temporal client dispatches
// approved plans in-process.
func Build(cfg config.Config, store Store, tc client.Client, logger *slog.Logger) (*App, error) {
	if store == nil {
		return nil, errors.New("store required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	redactor := tools.NewRedactor(cfg.Tools.RedactPatterns)
	cacheTTL := cfg.CacheTTL()

	static := entitlements.NewStaticProvider(cfg.EntitlementPlans(), cfg.Entitlements.Tenants, cfg.Entitlements.DefaultPlan)
	var entProvider entitlements.Provider = static
	if cfg.Storage.Driver == config.DriverPostgres {
		entProvider = &entitlements.StoreProvider{Store: store, Static: static}
	}
	ent := entitlements.NewCached(entProvider, cfg.Cache.Size, cacheTTL)

	policies := policy.NewCachedSource(policySource(cfg, store, logger), cfg.Cache.Size, cacheTTL)
	mem := memory.NewService(store, cfg.Cache.Size, cacheTTL)

	var reasoner plan.Reasoner
	if cfg.LLM.Provider != "" {
		r, err := newReasoner(llm.Options{
			Provider:  cfg.LLM.Provider,
			APIKey:    cfg.LLM.APIKey,
			Model:     cfg.LLM.Model,
			APIBase:   cfg.LLM.APIBase,
			Timeout:   cfg.LLMTimeout(),
			MaxTokens: cfg.LLM.MaxOutputTokens,
			Redactor:  redactor,
		})
		if err != nil {
			return nil, err
		}
		reasoner = r
	}

	auditStore := audit.NewWithDB(store, redactor, logger)
	gate := idempotency.NewGate(store, cfg.IdempotencyTTL(), logger)
	if w := cfg.IdempotencyWait(); w > 0 {
		gate.Wait = w
	}
	if p := cfg.IdempotencyPoll(); p > 0 {
		gate.Poll = p
	}
	limiter := ratelimit.New(store, ent, logger)

	p := &pipeline.Pipeline{
		Runs:         store,
		Idempotency:  gate,
		Limiter:      limiter,
		Entitlements: ent,
		Policies:     policies,
		Generator:    plan.NewGenerator(reasoner, mem, logger),
		Assessor:     assessor.New(),
		Validator:    policy.NewValidator(),
		Executor:     gatekeeper.New(connector(cfg), cfg.ToolTimeout(), auditStore, redactor, logger),
		Audit:        auditStore,
		Logger:       logger,
	}

	var dispatcher approvals.Dispatcher = &workflows.DirectDispatcher{Executor: p, Logger: logger}
	if tc != nil {
		dispatcher = &workflows.TemporalDispatcher{Client: tc, TaskQueue: cfg.Orchestrator.TaskQueue}
	}
	mgr := approvals.NewManager(store, auditStore, dispatcher, cfg.ApprovalTTL(), logger)
	p.Approvals = mgr

	return &App{
		Store:        store,
		Pipeline:     p,
		Approvals:    mgr,
		Limiter:      limiter,
		Idempotency:  gate,
		Memory:       mem,
		Policies:     policies,
		Entitlements: ent,
		Audit:        auditStore,
	}, nil
}

// policySource picks OPA when configured, then the tenant_policies table for
// Postgres, then the static configuration.
func policySource(cfg config.Config, store Store, logger *slog.Logger) policy.Source {
	static := cfg.PolicySource()
	switch {
	case strings.TrimSpace(cfg.Policy.OPAURL) != "":
		return &policy.OPASource{OPAURL: cfg.Policy.OPAURL, PolicyPackage: cfg.Policy.PolicyPackage, Default: static.Default}
	case cfg.Storage.Driver == config.DriverPostgres:
		if len(cfg.Policy.Tenants) > 0 {
			logger.Warn("policy.tenants ignored, tenant_policies table is authoritative")
		}
		return policy.StoreSource{Store: store, Default: static.Default}
	}
	return static
}

func connector(cfg config.Config) tools.Connector {
	if strings.TrimSpace(cfg.Tools.ConnectorURL) == "" {
		return tools.NewLocalConnector()
	}
	return &tools.HTTPConnector{
		BaseURL:        cfg.Tools.ConnectorURL,
		Client:         &http.Client{Timeout: cfg.ToolTimeout()},
		Auth:           tools.AuthHeaders{BearerToken: cfg.Tools.ConnectorToken},
		Allowlist:      cfg.Tools.EgressAllowlist,
		TokenFile:      cfg.Tools.ConnectorTokenFile,
		MaxOutputBytes: cfg.Tools.MaxOutputBytes,
	}
}

// NewTemporalClient dials Temporal, or returns nil when no address is set.
func NewTemporalClient(cfg config.OrchestratorConfig) (client.Client, error) {
	if strings.TrimSpace(cfg.TemporalAddr) == "" {
		return nil, nil
	}
	return dialTemporal(client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace})
}

var dialTemporal = client.Dial
