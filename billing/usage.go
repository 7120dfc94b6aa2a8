package billing

import (
	"encoding/json"
	"fmt"
	"time"
)

// UsageStatus records whether the metered operation succeeded.
type UsageStatus string

const (
	UsageSucceeded UsageStatus = "SUCCEEDED"
	UsageFailed    UsageStatus = "FAILED"
)

// UsageEvent is one metered operation. It is immutable once written and
// unique by IdempotencyKey.
type UsageEvent struct {
	ID             string          `json:"id"`
	TenantID       string          `json:"tenant_id"`
	FeatureKey     string          `json:"feature_key"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         UsageStatus     `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// OverageRule prices usage of one feature beyond its free quota. UnitPrice is
// in minor currency units.
type OverageRule struct {
	FeatureKey string `json:"feature_key" yaml:"featureKey"`
	FreeQuota  int64  `json:"free_quota" yaml:"freeQuota"`
	UnitPrice  int64  `json:"unit_price" yaml:"unitPrice"`
}

// DefaultOverageRules are used when the ERP cannot be reached.
var DefaultOverageRules = map[string]OverageRule{
	"ocr":          {FeatureKey: "ocr", FreeQuota: 30, UnitPrice: 10},
	"ai_assistant": {FeatureKey: "ai_assistant", FreeQuota: 100, UnitPrice: 2},
	"export":       {FeatureKey: "export", FreeQuota: 50, UnitPrice: 5},
}

// Billable returns the quantity beyond the free quota. It is never negative.
func Billable(used, freeQuota int64) int64 {
	if used <= freeQuota {
		return 0
	}
	return used - freeQuota
}

// PeriodBounds returns the calendar month containing t, in UTC, as
// [start, end) where end is the first instant of the next month.
func PeriodBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// PeriodKey formats the billing period containing t as YYYY-MM.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ParsePeriodKey parses a YYYY-MM key into its period bounds.
func ParsePeriodKey(key string) (time.Time, time.Time, error) {
	t, err := time.Parse("2006-01", key)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("billing: invalid period key %q, expected YYYY-MM", key)
	}
	start, end := PeriodBounds(t)
	return start, end, nil
}
