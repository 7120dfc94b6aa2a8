package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Database.Driver != DriverMemory || cfg.Billing.Currency != "eur" {
		t.Errorf("defaults = %+v", cfg)
	}
	if got := cfg.Rules(); got["ocr"].FreeQuota != 30 {
		t.Errorf("default rules = %+v", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	p := writeFile(t, "billsync.yaml", `
server:
  addr: ":9090"
database:
  driver: postgres
  postgres:
    url: postgres://billsync@localhost/billsync
    maxConns: 8
erp:
  url: https://erp.example.com
  database: prod
  username: sync
  timeout: 10s
billing:
  usageSyncCron: "30 1 * * *"
  overageRules:
    ocr:
      freeQuota: 100
      unitPrice: 7
outbox:
  maxAttempts: 5
  backoff:
    initial: 1s
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Database.Postgres.MaxConns != 8 {
		t.Errorf("server/db = %+v %+v", cfg.Server, cfg.Database)
	}
	if cfg.ERP.Timeout != 10*time.Second || cfg.ERP.RatePerSecond != 10 {
		t.Errorf("erp = %+v", cfg.ERP)
	}
	if cfg.Outbox.MaxAttempts != 5 || cfg.Outbox.Backoff.Initial != time.Second || cfg.Outbox.BatchSize == 0 {
		t.Errorf("outbox = %+v", cfg.Outbox)
	}
	if cfg.Billing.UsageSyncCron != "30 1 * * *" || cfg.Billing.ConsolidationCron != "0 4 1 * *" {
		t.Errorf("billing = %+v", cfg.Billing)
	}
	rules := cfg.Rules()
	if len(rules) != 1 || rules["ocr"].FeatureKey != "ocr" || rules["ocr"].UnitPrice != 7 {
		t.Errorf("rules = %+v", rules)
	}
}

func TestCatalog(t *testing.T) {
	p := writeFile(t, "billsync.yaml", `
billing:
  catalog:
    - code: starter
      stripePriceMonthlyID: price_starter_m
      priceMonthly: 1900
    - code: addon-export
      name: Export add-on
      type: ADDON
      enablesModule: export
      stripeProductID: prod_export
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	catalog := cfg.Catalog()
	if len(catalog) != len(billing.DefaultCatalog)+1 {
		t.Fatalf("catalog size = %d", len(catalog))
	}
	starter := billing.ProductByCode(catalog, "starter")
	if starter == nil || starter.StripePriceMonthlyID != "price_starter_m" || starter.PriceMonthly != 1900 {
		t.Errorf("starter = %+v", starter)
	}
	if starter.PriceYearly != billing.ProductStarter.PriceYearly {
		t.Errorf("yearly price should keep the default, got %d", starter.PriceYearly)
	}
	if billing.ProductByCode(catalog, "addon-export") == nil {
		t.Error("new product not appended")
	}
	if billing.DefaultCatalog[0].StripePriceMonthlyID == "price_starter_m" {
		t.Error("default catalog must not be mutated")
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeFile(t, "bad.yaml", "server: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unknown database.driver"},
		{"postgres without url", func(c *Config) { c.Database.Driver = DriverPostgres }, "database.postgres.url"},
		{"erp without credentials", func(c *Config) { c.ERP.URL = "http://erp" }, "erp.database"},
		{"no attempts", func(c *Config) { c.Outbox.MaxAttempts = 0 }, "outbox.maxAttempts"},
		{"negative rule", func(c *Config) {
			c.Billing.OverageRules = map[string]billing.OverageRule{"ocr": {FreeQuota: -1}}
		}, "billing.overageRules.ocr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Environment
// ---------------------------------------------------------------------------

func TestApplyEnv(t *testing.T) {
	t.Setenv("BILLSYNC_ADDR", ":7070")
	t.Setenv("BILLSYNC_STRIPE_WEBHOOK_SECRET", "whsec_env")
	t.Setenv("BILLSYNC_ADMIN_ROLES", "admin, billing-ops ,")
	t.Setenv("BILLSYNC_ERP_TIMEOUT", "45s")
	t.Setenv("BILLSYNC_OUTBOX_MAX_ATTEMPTS", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":7070" || cfg.Stripe.WebhookSecret != "whsec_env" {
		t.Errorf("cfg = %+v %+v", cfg.Server, cfg.Stripe)
	}
	if len(cfg.Auth.AdminRoles) != 2 || cfg.Auth.AdminRoles[1] != "billing-ops" {
		t.Errorf("roles = %q", cfg.Auth.AdminRoles)
	}
	if cfg.ERP.Timeout != 45*time.Second || cfg.Outbox.MaxAttempts != 3 {
		t.Errorf("erp timeout = %v attempts = %d", cfg.ERP.Timeout, cfg.Outbox.MaxAttempts)
	}
}

func TestApplyEnv_OverridesFile(t *testing.T) {
	p := writeFile(t, "billsync.yaml", "server:\n  addr: \":9090\"\n")
	t.Setenv("BILLSYNC_ADDR", ":6060")
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":6060" {
		t.Errorf("addr = %s", cfg.Server.Addr)
	}
}

func TestApplyEnv_InvalidValue(t *testing.T) {
	t.Setenv("BILLSYNC_ERP_TIMEOUT", "soon")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "BILLSYNC_ERP_TIMEOUT") {
		t.Errorf("expected env error, got %v", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	p := writeFile(t, ".env", "BILLSYNC_JWT_SECRET=from-dotenv\nBILLSYNC_CURRENCY=usd\n")
	t.Setenv("BILLSYNC_CURRENCY", "chf")
	t.Cleanup(func() { os.Unsetenv("BILLSYNC_JWT_SECRET") })

	if err := LoadDotEnv(p, filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth.JWTSecret != "from-dotenv" {
		t.Errorf("jwt secret = %q", cfg.Auth.JWTSecret)
	}
	if cfg.Billing.Currency != "chf" {
		t.Errorf("existing env should win, got %q", cfg.Billing.Currency)
	}
}
