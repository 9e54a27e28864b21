/*
Package config loads the settlement engine configuration.

SOURCES (later wins):
  1. Defaults (setDefaults)
  2. YAML file, normally configs/settlement.yaml
  3. SETTLE_-prefixed environment variables; nesting uses "_":
     SETTLE_SERVER_PORT, SETTLE_AUTH_JWT_SECRET, SETTLE_LEDGER_DSN, ...

The rail catalog is a separate YAML document (rails_file) loaded by
rail.LoadCatalog, so it can be reloaded on SIGHUP without touching the rest.

SEE ALSO:
  - configs/settlement.yaml: Annotated defaults
  - cmd/server/main.go: Consumer
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/settlement-engine/discrepancy"
	"github.com/warp/settlement-engine/reconcile"
	"github.com/warp/settlement-engine/settlement"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SETTLE"

// Environments accepted by server.environment.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Config is the whole engine configuration.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Ledger         LedgerConfig         `mapstructure:"ledger"`
	RailsFile      string               `mapstructure:"rails_file"`
	Executor       ExecutorConfig       `mapstructure:"executor"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Health         HealthConfig         `mapstructure:"health"`
	Auth           AuthConfig           `mapstructure:"auth"`
	NATS           NATSConfig           `mapstructure:"nats"`
	Redis          RedisConfig          `mapstructure:"redis"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	Environment    string   `mapstructure:"environment"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// IsProduction hides internal error details from API responses.
func (s ServerConfig) IsProduction() bool { return s.Environment == EnvProduction }

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LedgerConfig selects where reconciliation reads the ledger from. "sqlite"
// uses the engine's own transfers table; "postgres" the platform ledger.
type LedgerConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type ExecutorConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	ClaimLease     time.Duration `mapstructure:"claim_lease"`
	BatchWorkers   int           `mapstructure:"batch_workers"`
}

// Settlement converts to the executor's config.
func (e ExecutorConfig) Settlement() settlement.Config {
	return settlement.Config{
		MaxAttempts:    e.MaxAttempts,
		InitialBackoff: e.InitialBackoff,
		MaxBackoff:     e.MaxBackoff,
		AttemptTimeout: e.AttemptTimeout,
		ClaimLease:     e.ClaimLease,
		BatchWorkers:   e.BatchWorkers,
	}
}

type ReconciliationConfig struct {
	Workers      int                          `mapstructure:"workers"`
	PageSize     int                          `mapstructure:"page_size"`
	Interval     time.Duration                `mapstructure:"interval"`
	Lookback     time.Duration                `mapstructure:"lookback"`
	Tenants      []string                     `mapstructure:"tenants"`
	Thresholds   ThresholdsConfig             `mapstructure:"thresholds"`
	AutoResolve  AutoResolveConfig            `mapstructure:"auto_resolve"`
	TenantPolicy map[string]AutoResolveConfig `mapstructure:"tenant_auto_resolve"`
}

// ThresholdsConfig is the default plus per-tenant overrides. Unset override
// fields inherit the default.
type ThresholdsConfig struct {
	Default ThresholdConfig            `mapstructure:"default"`
	Tenants map[string]ThresholdConfig `mapstructure:"tenants"`
}

// ThresholdConfig keeps amounts as strings so they parse as exact decimals.
type ThresholdConfig struct {
	CriticalAmount  string        `mapstructure:"critical_amount"`
	TrivialAmount   string        `mapstructure:"trivial_amount"`
	AmountTolerance string        `mapstructure:"amount_tolerance"`
	TimingThreshold time.Duration `mapstructure:"timing_threshold"`
}

type AutoResolveConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Types       []string `mapstructure:"types"`
	MaxSeverity string   `mapstructure:"max_severity"`
}

type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// AuthConfig: an empty secret disables JWT and tenants come from the
// X-Tenant-ID header. Development only.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads path (optional) and the environment on top of the defaults,
// then validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the validated defaults.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.environment", EnvDevelopment)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	v.SetDefault("database.path", "settlement.db")
	v.SetDefault("ledger.driver", "sqlite")
	v.SetDefault("ledger.dsn", "")
	v.SetDefault("rails_file", "")

	ex := settlement.DefaultConfig()
	v.SetDefault("executor.max_attempts", ex.MaxAttempts)
	v.SetDefault("executor.initial_backoff", ex.InitialBackoff)
	v.SetDefault("executor.max_backoff", ex.MaxBackoff)
	v.SetDefault("executor.attempt_timeout", ex.AttemptTimeout)
	v.SetDefault("executor.claim_lease", ex.ClaimLease)
	v.SetDefault("executor.batch_workers", ex.BatchWorkers)

	th := discrepancy.DefaultThresholds()
	v.SetDefault("reconciliation.workers", 4)
	v.SetDefault("reconciliation.page_size", reconcile.DefaultConfig().PageSize)
	v.SetDefault("reconciliation.interval", time.Hour)
	v.SetDefault("reconciliation.lookback", 24*time.Hour)
	v.SetDefault("reconciliation.tenants", []string{"default"})
	v.SetDefault("reconciliation.thresholds.default.critical_amount", th.CriticalAmount.String())
	v.SetDefault("reconciliation.thresholds.default.trivial_amount", th.TrivialAmount.String())
	v.SetDefault("reconciliation.thresholds.default.amount_tolerance", th.AmountTolerance.String())
	v.SetDefault("reconciliation.thresholds.default.timing_threshold", th.TimingThreshold)
	v.SetDefault("reconciliation.auto_resolve.enabled", false)
	v.SetDefault("reconciliation.auto_resolve.types", []string{string(discrepancy.TypeDuplicate)})
	v.SetDefault("reconciliation.auto_resolve.max_severity", string(discrepancy.SeverityLow))

	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.timeout", 5*time.Second)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "settlement")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port: %d out of range", c.Server.Port)
	}
	switch c.Server.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		add("server.environment: unknown %q", c.Server.Environment)
	}
	if c.Database.Path == "" {
		add("database.path: is required")
	}
	switch c.Ledger.Driver {
	case "sqlite":
	case "postgres":
		if c.Ledger.DSN == "" {
			add("ledger.dsn: is required for the postgres driver")
		}
	default:
		add("ledger.driver: unknown %q", c.Ledger.Driver)
	}

	if c.Executor.MaxAttempts < 1 {
		add("executor.max_attempts: must be at least 1")
	}
	if c.Executor.InitialBackoff <= 0 || c.Executor.MaxBackoff < c.Executor.InitialBackoff {
		add("executor: backoff must be positive and max_backoff >= initial_backoff")
	}
	if c.Executor.AttemptTimeout <= 0 || c.Executor.ClaimLease <= 0 {
		add("executor: attempt_timeout and claim_lease must be positive")
	}
	if c.Executor.ClaimLease <= c.Executor.AttemptTimeout {
		add("executor.claim_lease: must exceed attempt_timeout")
	}

	r := c.Reconciliation
	if r.Workers < 1 || r.PageSize < 1 {
		add("reconciliation: workers and page_size must be at least 1")
	}
	if r.Interval <= 0 || r.Lookback <= 0 {
		add("reconciliation: interval and lookback must be positive")
	}
	if _, err := c.Classifier(); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := c.AutoResolvePolicies(); err != nil {
		errs = append(errs, err)
	}

	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		add("health: interval and timeout must be positive")
	}
	if c.Server.IsProduction() && c.Auth.JWTSecret == "" {
		add("auth.jwt_secret: is required in production")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Classifier builds the severity classifier from the thresholds.
func (c *Config) Classifier() (*discrepancy.Classifier, error) {
	def, err := c.Reconciliation.Thresholds.Default.apply(discrepancy.DefaultThresholds())
	if err != nil {
		return nil, fmt.Errorf("reconciliation.thresholds.default: %w", err)
	}
	perTenant := make(map[string]discrepancy.Thresholds, len(c.Reconciliation.Thresholds.Tenants))
	for tenant, tc := range c.Reconciliation.Thresholds.Tenants {
		th, err := tc.apply(def)
		if err != nil {
			return nil, fmt.Errorf("reconciliation.thresholds.tenants.%s: %w", tenant, err)
		}
		perTenant[tenant] = th
	}
	return discrepancy.NewClassifier(def, perTenant), nil
}

func (tc ThresholdConfig) apply(base discrepancy.Thresholds) (discrepancy.Thresholds, error) {
	out := base
	parse := func(field, s string, dst *decimal.Decimal) error {
		if s == "" {
			return nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s: must not be negative", field)
		}
		*dst = d
		return nil
	}
	if err := parse("critical_amount", tc.CriticalAmount, &out.CriticalAmount); err != nil {
		return out, err
	}
	if err := parse("trivial_amount", tc.TrivialAmount, &out.TrivialAmount); err != nil {
		return out, err
	}
	if err := parse("amount_tolerance", tc.AmountTolerance, &out.AmountTolerance); err != nil {
		return out, err
	}
	if tc.TimingThreshold > 0 {
		out.TimingThreshold = tc.TimingThreshold
	}
	if out.TrivialAmount.GreaterThan(out.CriticalAmount) {
		return out, fmt.Errorf("trivial_amount %s above critical_amount %s", out.TrivialAmount, out.CriticalAmount)
	}
	return out, nil
}

// AutoResolvePolicies returns the default and per-tenant policies.
func (c *Config) AutoResolvePolicies() (discrepancy.AutoPolicy, map[string]discrepancy.AutoPolicy, error) {
	def, err := c.Reconciliation.AutoResolve.policy()
	if err != nil {
		return def, nil, fmt.Errorf("reconciliation.auto_resolve: %w", err)
	}
	perTenant := make(map[string]discrepancy.AutoPolicy, len(c.Reconciliation.TenantPolicy))
	for tenant, ac := range c.Reconciliation.TenantPolicy {
		p, err := ac.policy()
		if err != nil {
			return def, nil, fmt.Errorf("reconciliation.tenant_auto_resolve.%s: %w", tenant, err)
		}
		perTenant[tenant] = p
	}
	return def, perTenant, nil
}

func (ac AutoResolveConfig) policy() (discrepancy.AutoPolicy, error) {
	p := discrepancy.AutoPolicy{Enabled: ac.Enabled}
	for _, s := range ac.Types {
		t, err := discrepancy.ParseType(s)
		if err != nil {
			return p, err
		}
		p.Types = append(p.Types, t)
	}
	if ac.MaxSeverity != "" {
		sev, err := discrepancy.ParseSeverity(ac.MaxSeverity)
		if err != nil {
			return p, err
		}
		p.MaxSeverity = sev
	}
	return p, p.Validate()
}

// Reconcile builds the engine config.
func (c *Config) Reconcile() (reconcile.Config, error) {
	def, perTenant, err := c.AutoResolvePolicies()
	if err != nil {
		return reconcile.Config{}, err
	}
	return reconcile.Config{
		PageSize:          c.Reconciliation.PageSize,
		Retry:             c.Executor.Settlement(),
		AutoResolve:       def,
		TenantAutoResolve: perTenant,
	}, nil
}
