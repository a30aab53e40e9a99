package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/entitlements"
	"taskpilot/internal/policy"
	"taskpilot/internal/risk"
	"taskpilot/internal/tools"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Gateway      GatewayConfig      `json:"gateway"`
	Storage      StorageConfig      `json:"storage"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Policy       PolicyConfig       `json:"policy"`
	Entitlements EntitlementsConfig `json:"entitlements"`
	Approvals    ApprovalsConfig    `json:"approvals"`
	Idempotency  IdempotencyConfig  `json:"idempotency"`
	Tools        ToolsConfig        `json:"tools"`
	Cache        CacheConfig        `json:"cache"`
	Tracing      TracingConfig      `json:"tracing"`
	LLM          LLMConfig          `json:"llm"`
}

type GatewayConfig struct {
	HTTPAddr     string  `json:"http_addr"`
	IPRatePerSec float64 `json:"ip_rate_per_sec"`
	IPBurst      int     `json:"ip_burst"`
	ServiceToken string  `json:"service_token"`

	// TrustForwarded keys the per-IP limiter on X-Forwarded-For. Only set it
	// behind a proxy that overwrites the header.
	TrustForwarded bool `json:"trust_forwarded"`
}

type StorageConfig struct {
	Driver       string `json:"driver"`
	PostgresDSN  string `json:"postgres_dsn"`
	MaxOpenConns int    `json:"max_open_conns"`
}

// OrchestratorConfig points at Temporal. An empty TemporalAddr means approved
// plans are dispatched in-process.
type OrchestratorConfig struct {
	TemporalAddr string `json:"temporal_addr"`
	Namespace    string `json:"namespace"`
	TaskQueue    string `json:"task_queue"`
	HealthAddr   string `json:"health_addr"`
}

type PolicyConfig struct {
	OPAURL        string                 `json:"opa_url"`
	PolicyPackage string                 `json:"policy_package"`
	Defaults      PolicyRules            `json:"defaults"`
	Tenants       map[string]PolicyRules `json:"tenants"`
}

type PolicyRules struct {
	MaxAutoApproveRisk string   `json:"max_auto_approve_risk"`
	MinConfidence      string   `json:"min_confidence"`
	AlwaysApproveTools []string `json:"always_approve_tools"`
	MaxActionsPerRun   int      `json:"max_actions_per_run"`
}

type PlanConfig struct {
	RunsPerDay       int             `json:"runs_per_day"`
	SendsPerDay      int             `json:"sends_per_day"`
	ActionsPerDay    int             `json:"actions_per_day"`
	MaxActionsPerRun int             `json:"max_actions_per_run"`
	FeatureFlags     map[string]bool `json:"feature_flags"`
}

type EntitlementsConfig struct {
	DefaultPlan string                `json:"default_plan"`
	Plans       map[string]PlanConfig `json:"plans"`
	Tenants     map[string]string     `json:"tenants"`
}

type ApprovalsConfig struct {
	TTLHours  int    `json:"ttl_hours"`
	SweepCron string `json:"sweep_cron"`
}

type IdempotencyConfig struct {
	TTLHours  int    `json:"ttl_hours"`
	WaitMS    int    `json:"wait_ms"`
	PollMS    int    `json:"poll_ms"`
	SweepCron string `json:"sweep_cron"`
}

// ToolsConfig configures the connector service. An empty ConnectorURL runs
// tools against the in-process local connector.
type ToolsConfig struct {
	ConnectorURL       string   `json:"connector_url"`
	ConnectorToken     string   `json:"connector_token"`
	ConnectorTokenFile string   `json:"connector_token_file"`
	TimeoutMS          int      `json:"timeout_ms"`
	EgressAllowlist    []string `json:"egress_allowlist"`
	RedactPatterns     []string `json:"redact_patterns"`
	MaxOutputBytes     int      `json:"max_output_bytes"`
}

type CacheConfig struct {
	Size    int `json:"size"`
	TTLSecs int `json:"ttl_secs"`
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	OTLPEndpoint string  `json:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate"`
}

// LLMConfig enables model-backed planning. An empty provider uses the
// deterministic rules only.
type LLMConfig struct {
	Provider        string `json:"provider"`
	APIKey          string `json:"api_key"`
	APIBase         string `json:"api_base"`
	Model           string `json:"model"`
	TimeoutMS       int    `json:"timeout_ms"`
	MaxOutputTokens int    `json:"max_output_tokens"`
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}

// WithDefaults fills every unset tunable.
func (c Config) WithDefaults() Config {
	if c.Gateway.IPRatePerSec <= 0 {
		c.Gateway.IPRatePerSec = 10
	}
	if c.Gateway.IPBurst <= 0 {
		c.Gateway.IPBurst = 20
	}
	if strings.TrimSpace(c.Storage.Driver) == "" {
		c.Storage.Driver = DriverPostgres
	}
	if c.Storage.MaxOpenConns <= 0 {
		c.Storage.MaxOpenConns = 20
	}
	if c.Orchestrator.Namespace == "" {
		c.Orchestrator.Namespace = "default"
	}
	if c.Orchestrator.TaskQueue == "" {
		c.Orchestrator.TaskQueue = "taskpilot"
	}
	if c.Policy.PolicyPackage == "" {
		c.Policy.PolicyPackage = "taskpilot"
	}
	if c.Entitlements.DefaultPlan == "" {
		c.Entitlements.DefaultPlan = entitlements.DefaultPlan
	}
	if c.Approvals.TTLHours <= 0 {
		c.Approvals.TTLHours = 24
	}
	if c.Idempotency.TTLHours <= 0 {
		c.Idempotency.TTLHours = 24
	}
	if c.Idempotency.WaitMS <= 0 {
		c.Idempotency.WaitMS = 5000
	}
	if c.Idempotency.PollMS <= 0 {
		c.Idempotency.PollMS = 100
	}
	if c.Tools.TimeoutMS <= 0 {
		c.Tools.TimeoutMS = 10000
	}
	if len(c.Tools.RedactPatterns) == 0 {
		c.Tools.RedactPatterns = tools.DefaultRedactPatterns()
	}
	if c.Cache.Size <= 0 {
		c.Cache.Size = 1024
	}
	if c.Cache.TTLSecs <= 0 {
		c.Cache.TTLSecs = 60
	}
	if c.LLM.TimeoutMS <= 0 {
		c.LLM.TimeoutMS = 30000
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Gateway.HTTPAddr) == "" {
		return errors.New("gateway.http_addr required")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres, "":
		if strings.TrimSpace(c.Storage.PostgresDSN) == "" {
			return errors.New("storage.postgres_dsn required")
		}
	default:
		return fmt.Errorf("storage.driver %q unsupported", c.Storage.Driver)
	}
	if _, err := c.Policy.Defaults.TenantPolicy(); err != nil {
		return fmt.Errorf("policy.defaults: %w", err)
	}
	for id, rules := range c.Policy.Tenants {
		if _, err := rules.TenantPolicy(); err != nil {
			return fmt.Errorf("policy.tenants.%s: %w", id, err)
		}
	}
	if len(c.Entitlements.Plans) > 0 {
		if _, ok := c.Entitlements.Plans[c.Entitlements.DefaultPlan]; !ok {
			return fmt.Errorf("entitlements.default_plan %q not in entitlements.plans", c.Entitlements.DefaultPlan)
		}
		for tenant, name := range c.Entitlements.Tenants {
			if _, ok := c.Entitlements.Plans[name]; !ok {
				return fmt.Errorf("entitlements.tenants.%s: unknown plan %q", tenant, name)
			}
		}
	}
	if err := validateCron("approvals.sweep_cron", c.Approvals.SweepCron); err != nil {
		return err
	}
	if err := validateCron("idempotency.sweep_cron", c.Idempotency.SweepCron); err != nil {
		return err
	}
	if c.Tools.ConnectorToken != "" && c.Tools.ConnectorTokenFile != "" {
		return errors.New("tools.connector_token and tools.connector_token_file are exclusive")
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.OTLPEndpoint) == "" {
		return errors.New("tracing.otlp_endpoint required when tracing.enabled is true")
	}
	if strings.TrimSpace(c.LLM.Provider) != "" {
		if strings.TrimSpace(c.LLM.Model) == "" {
			return errors.New("llm.model required when llm.provider is set")
		}
		p := strings.ToLower(strings.TrimSpace(c.LLM.Provider))
		if p != "openai" && p != "anthropic" {
			return fmt.Errorf("llm.provider %q unsupported", c.LLM.Provider)
		}
		if strings.TrimSpace(c.LLM.APIKey) == "" {
			return errors.New("llm.api_key required for llm.provider " + p)
		}
	}
	return nil
}

func validateCron(field, spec string) error {
	if strings.TrimSpace(spec) == "" {
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

// TenantPolicy converts the rules, starting from policy.DefaultTenantPolicy
// for unset fields.
func (r PolicyRules) TenantPolicy() (policy.TenantPolicy, error) {
	return r.applyTo(policy.DefaultTenantPolicy())
}

// applyTo overlays the set fields onto base. A non-empty tool list replaces
// the base list.
func (r PolicyRules) applyTo(base policy.TenantPolicy) (policy.TenantPolicy, error) {
	out := base
	if r.MaxAutoApproveRisk != "" {
		lvl, err := risk.ParseLevel(r.MaxAutoApproveRisk)
		if err != nil {
			return out, err
		}
		out.MaxAutoApproveRisk = lvl
	}
	if r.MinConfidence != "" {
		conf, err := risk.ParseConfidence(r.MinConfidence)
		if err != nil {
			return out, err
		}
		out.MinConfidence = conf
	}
	if len(r.AlwaysApproveTools) > 0 {
		out.AlwaysApproveTools = nil
	}
	for _, name := range r.AlwaysApproveTools {
		id, err := tools.Parse(name)
		if err != nil {
			return out, err
		}
		out.AlwaysApproveTools = append(out.AlwaysApproveTools, id)
	}
	if r.MaxActionsPerRun < 0 {
		return out, errors.New("max_actions_per_run must not be negative")
	}
	if r.MaxActionsPerRun > 0 {
		out.MaxActionsPerRun = r.MaxActionsPerRun
	}
	return out, nil
}

// PolicySource builds the static policy source from defaults plus per-tenant
// overrides. Call after Validate.
func (c Config) PolicySource() policy.StaticSource {
	def, _ := c.Policy.Defaults.TenantPolicy()
	src := policy.StaticSource{Default: def, Overrides: map[string]policy.TenantPolicy{}}
	for id, rules := range c.Policy.Tenants {
		p, _ := rules.applyTo(def)
		src.Overrides[id] = p
	}
	return src
}

// EntitlementPlans returns the configured plans, or nil to use the built-in
// defaults.
func (c Config) EntitlementPlans() map[string]entitlements.Entitlements {
	if len(c.Entitlements.Plans) == 0 {
		return nil
	}
	out := make(map[string]entitlements.Entitlements, len(c.Entitlements.Plans))
	for name, p := range c.Entitlements.Plans {
		out[name] = entitlements.Entitlements{
			Plan:             name,
			RunsPerDay:       p.RunsPerDay,
			SendsPerDay:      p.SendsPerDay,
			ActionsPerDay:    p.ActionsPerDay,
			MaxActionsPerRun: p.MaxActionsPerRun,
			FeatureFlags:     p.FeatureFlags,
		}
	}
	return out
}

func (c Config) ApprovalTTL() time.Duration {
	return time.Duration(c.Approvals.TTLHours) * time.Hour
}

func (c Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.Idempotency.TTLHours) * time.Hour
}

func (c Config) IdempotencyWait() time.Duration {
	return time.Duration(c.Idempotency.WaitMS) * time.Millisecond
}

func (c Config) IdempotencyPoll() time.Duration {
	return time.Duration(c.Idempotency.PollMS) * time.Millisecond
}

func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.Tools.TimeoutMS) * time.Millisecond
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSecs) * time.Second
}

func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLM.TimeoutMS) * time.Millisecond
}
