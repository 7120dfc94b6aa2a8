package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BILLSYNC_"

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}

type override struct {
	key string
	set func(v string) error
}

func str(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func integer(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func duration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func float(dst *float64) func(string) error {
	return func(v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
}

func list(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
		return nil
	}
}

// ApplyEnv overrides cfg with BILLSYNC_* environment variables. Secrets are
// expected to arrive this way rather than through the YAML file.
func ApplyEnv(cfg *Config) error {
	overrides := []override{
		{"ADDR", str(&cfg.Server.Addr)},
		{"LOG_LEVEL", str(&cfg.Server.LogLevel)},
		{"LOG_FORMAT", str(&cfg.Server.LogFormat)},
		{"RATE_LIMIT_PER_MINUTE", integer(&cfg.Server.RateLimitPerMinute)},
		{"DB_DRIVER", str(&cfg.Database.Driver)},
		{"DATABASE_URL", str(&cfg.Database.Postgres.URL)},
		{"USAGE_DB_PATH", str(&cfg.Database.UsagePath)},
		{"REDIS_ADDR", str(&cfg.Redis.Addr)},
		{"REDIS_PASSWORD", str(&cfg.Redis.Password)},
		{"NATS_URL", str(&cfg.NATS.URL)},
		{"STRIPE_API_KEY", str(&cfg.Stripe.APIKey)},
		{"STRIPE_WEBHOOK_SECRET", str(&cfg.Stripe.WebhookSecret)},
		{"ERP_URL", str(&cfg.ERP.URL)},
		{"ERP_DATABASE", str(&cfg.ERP.Database)},
		{"ERP_USERNAME", str(&cfg.ERP.Username)},
		{"ERP_PASSWORD", str(&cfg.ERP.Password)},
		{"ERP_TIMEOUT", duration(&cfg.ERP.Timeout)},
		{"ERP_RATE_PER_SECOND", float(&cfg.ERP.RatePerSecond)},
		{"JWT_SECRET", str(&cfg.Auth.JWTSecret)},
		{"ADMIN_ROLES", list(&cfg.Auth.AdminRoles)},
		{"AUTOMATION_SECRET", str(&cfg.Auth.AutomationSecret)},
		{"CURRENCY", str(&cfg.Billing.Currency)},
		{"USAGE_SYNC_CRON", str(&cfg.Billing.UsageSyncCron)},
		{"CONSOLIDATION_CRON", str(&cfg.Billing.ConsolidationCron)},
		{"OUTBOX_MAX_ATTEMPTS", integer(&cfg.Outbox.MaxAttempts)},
		{"OUTBOX_POLL_INTERVAL", duration(&cfg.Outbox.PollInterval)},
		{"OTLP_ENDPOINT", str(&cfg.Tracing.Endpoint)},
	}
	for _, o := range overrides {
		v, ok := os.LookupEnv(EnvPrefix + o.key)
		if !ok {
			continue
		}
		if err := o.set(v); err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, o.key, err)
		}
	}
	return nil
}
