// Package config loads the billsync server configuration from YAML, an
// optional .env file and environment overrides, and watches the file for
// changes that can be applied without a restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/GoCodeAlone/billsync/api"
	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/erp"
	"github.com/GoCodeAlone/billsync/metrics"
	"github.com/GoCodeAlone/billsync/outbox"
	"github.com/GoCodeAlone/billsync/store"
	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// RateLimitPerMinute bounds requests per client IP on the public routes.
	RateLimitPerMinute int    `yaml:"rateLimitPerMinute"`
	LogLevel           string `yaml:"logLevel"`
	LogFormat          string `yaml:"logFormat"`
}

// DatabaseConfig selects and configures the store.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres store.PGConfig `yaml:"postgres"`
	// UsagePath puts usage events in a SQLite file instead of the main store.
	UsagePath string `yaml:"usagePath"`
}

// RedisConfig configures the optional Redis client for locks and caches.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// NATSConfig configures tenant notification publishing.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix"`
}

// StripeConfig configures the payment processor.
type StripeConfig struct {
	APIKey        string `yaml:"apiKey"`
	WebhookSecret string `yaml:"webhookSecret"`
}

// BillingConfig holds billing-cycle settings.
type BillingConfig struct {
	Currency          string                         `yaml:"currency"`
	UsageSyncCron     string                         `yaml:"usageSyncCron"`
	ConsolidationCron string                         `yaml:"consolidationCron"`
	RulesTTL          time.Duration                  `yaml:"rulesTTL"`
	EntitlementTTL    time.Duration                  `yaml:"entitlementTTL"`
	OverageRules      map[string]billing.OverageRule `yaml:"overageRules"`
	// Catalog overlays the built-in products by code; unknown codes are added.
	Catalog []billing.Product `yaml:"catalog"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Stripe   StripeConfig   `yaml:"stripe"`
	ERP      erp.Config     `yaml:"erp"`
	Auth     api.AuthConfig `yaml:"auth"`
	Billing  BillingConfig  `yaml:"billing"`
	Outbox   outbox.Config  `yaml:"outbox"`
	Metrics  metrics.Config `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// Default returns a configuration that runs fully in memory.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:               ":8080",
			ShutdownTimeout:    15 * time.Second,
			RateLimitPerMinute: 600,
			LogLevel:           "info",
			LogFormat:          "json",
		},
		Database: DatabaseConfig{Driver: DriverMemory},
		Redis:    RedisConfig{Prefix: "billsync:", CacheTTL: 10 * time.Minute},
		NATS:     NATSConfig{SubjectPrefix: "billsync.tenant"},
		ERP:      erp.Config{Timeout: 30 * time.Second, RatePerSecond: 10, Burst: 5},
		Auth:     api.AuthConfig{AdminRoles: []string{"admin"}},
		Billing: BillingConfig{
			Currency:          "eur",
			UsageSyncCron:     "0 2 * * *",
			ConsolidationCron: "0 4 1 * *",
			RulesTTL:          15 * time.Minute,
			EntitlementTTL:    5 * time.Minute,
		},
		Outbox:  outbox.DefaultConfig(),
		Metrics: metrics.DefaultConfig(),
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// LoadFromFile reads a YAML file over the defaults. Missing keys keep their
// default values.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Load builds the effective configuration: defaults, then the YAML file when
// path is set, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.Postgres.URL == "" {
			errs = append(errs, errors.New("database.postgres.url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.ERP.URL != "" && (c.ERP.Database == "" || c.ERP.Username == "") {
		errs = append(errs, errors.New("erp.database and erp.username are required when erp.url is set"))
	}
	if c.Outbox.MaxAttempts < 1 {
		errs = append(errs, errors.New("outbox.maxAttempts must be at least 1"))
	}
	for key, rule := range c.Billing.OverageRules {
		if rule.FreeQuota < 0 || rule.UnitPrice < 0 {
			errs = append(errs, fmt.Errorf("billing.overageRules.%s: quota and price must not be negative", key))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Rules returns the configured overage rules keyed by feature, falling back
// to the built-in defaults.
func (c *Config) Rules() map[string]billing.OverageRule {
	if len(c.Billing.OverageRules) == 0 {
		return billing.DefaultOverageRules
	}
	out := make(map[string]billing.OverageRule, len(c.Billing.OverageRules))
	for key, rule := range c.Billing.OverageRules {
		if rule.FeatureKey == "" {
			rule.FeatureKey = key
		}
		out[key] = rule
	}
	return out
}

// Catalog returns the built-in product catalog with configured processor ids
// and prices applied.
func (c *Config) Catalog() []billing.Product {
	out := make([]billing.Product, 0, len(billing.DefaultCatalog)+len(c.Billing.Catalog))
	out = append(out, billing.DefaultCatalog...)
	for _, p := range c.Billing.Catalog {
		i := -1
		for j := range out {
			if out[j].Code == p.Code {
				i = j
				break
			}
		}
		if i < 0 {
			out = append(out, p)
			continue
		}
		base := &out[i]
		if p.StripePriceMonthlyID != "" {
			base.StripePriceMonthlyID = p.StripePriceMonthlyID
		}
		if p.StripePriceYearlyID != "" {
			base.StripePriceYearlyID = p.StripePriceYearlyID
		}
		if p.StripeProductID != "" {
			base.StripeProductID = p.StripeProductID
		}
		if p.PriceMonthly != 0 {
			base.PriceMonthly = p.PriceMonthly
		}
		if p.PriceYearly != 0 {
			base.PriceYearly = p.PriceYearly
		}
	}
	return out
}
