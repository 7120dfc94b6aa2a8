// Package usage meters feature usage per tenant and decides whether a tenant
// may keep using a metered feature in the current billing period.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/metrics"
	"github.com/GoCodeAlone/billsync/store"
	"github.com/google/uuid"
)

// ReasonPaymentRequired is returned when a tenant is over quota with no
// payment method on file.
const ReasonPaymentRequired = "PAYMENT_REQUIRED"

// ErrInvalidRequest is returned for usage records missing required fields.
var ErrInvalidRequest = errors.New("usage: invalid request")

// Decision is the answer to a feature usage check. Over-quota usage is still
// allowed when the tenant can be billed for it.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Metered   bool   `json:"metered"`
	Used      int64  `json:"used"`
	FreeQuota int64  `json:"free_quota"`
	Billable  int64  `json:"billable"`
}

// RecordRequest describes one usage event reported by a serving API.
type RecordRequest struct {
	TenantID       string              `json:"tenant_id"`
	FeatureKey     string              `json:"feature_key"`
	IdempotencyKey string              `json:"idempotency_key"`
	Status         billing.UsageStatus `json:"status"`
	Metadata       json.RawMessage     `json:"metadata,omitempty"`
}

// Service records usage and answers quota checks.
type Service struct {
	store    store.Store
	rules    *RuleSource
	payments PaymentMethodChecker
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the clock used to pick the current period.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a Service.
func NewService(st store.Store, rules *RuleSource, payments PaymentMethodChecker, opts ...Option) *Service {
	s := &Service{store: st, rules: rules, payments: payments, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CanUseFeature compares this month's successful usage against the
// feature's free quota. A tenant over quota is refused only when no payment
// method is on file; features without a rule are unmetered.
func (s *Service) CanUseFeature(ctx context.Context, tenantID, featureKey string) (Decision, error) {
	rule, ok := s.rules.Rule(ctx, featureKey)
	if !ok {
		s.metrics.RecordUsageDecision(featureKey, true, "")
		return Decision{Allowed: true}, nil
	}
	from, to := billing.PeriodBounds(s.now())
	used, err := s.store.Usage().CountSucceeded(ctx, tenantID, featureKey, from, to)
	if err != nil {
		return Decision{}, fmt.Errorf("usage: count %s for %s: %w", featureKey, tenantID, err)
	}
	d := Decision{
		Allowed:   true,
		Metered:   true,
		Used:      used,
		FreeQuota: rule.FreeQuota,
		Billable:  billing.Billable(used, rule.FreeQuota),
	}
	if used >= rule.FreeQuota {
		has, err := s.payments.HasPaymentMethod(ctx, tenantID)
		if err != nil {
			// Lookup failures count as no payment method on file.
			s.logger.Warn("payment method lookup failed", "tenant_id", tenantID, "error", err)
		}
		if !has {
			d.Allowed = false
			d.Reason = ReasonPaymentRequired
		}
	}
	s.metrics.RecordUsageDecision(featureKey, d.Allowed, d.Reason)
	return d, nil
}

// RecordUsage stores a usage event once per idempotency key. A repeated key
// returns the original event with created=false.
func (s *Service) RecordUsage(ctx context.Context, req RecordRequest) (*billing.UsageEvent, bool, error) {
	if req.TenantID == "" || req.FeatureKey == "" || req.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: tenant_id, feature_key and idempotency_key are required", ErrInvalidRequest)
	}
	status := req.Status
	switch status {
	case "":
		status = billing.UsageSucceeded
	case billing.UsageSucceeded, billing.UsageFailed:
	default:
		return nil, false, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, req.Status)
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, false, fmt.Errorf("%w: metadata is not valid JSON", ErrInvalidRequest)
	}

	ev := &billing.UsageEvent{
		ID:             uuid.NewString(),
		TenantID:       req.TenantID,
		FeatureKey:     req.FeatureKey,
		IdempotencyKey: req.IdempotencyKey,
		Status:         status,
		CreatedAt:      s.now().UTC(),
		Metadata:       req.Metadata,
	}
	stored, created, err := s.store.Usage().InsertOrGet(ctx, ev)
	if err != nil {
		return nil, false, fmt.Errorf("usage: record %s for %s: %w", req.FeatureKey, req.TenantID, err)
	}
	if !created {
		s.logger.Debug("duplicate usage event", "tenant_id", req.TenantID, "idempotency_key", req.IdempotencyKey)
	}
	s.metrics.RecordUsageEvent(req.FeatureKey, created)
	return stored, created, nil
}

// Aggregate returns successful event counts per feature within [from, to).
func (s *Service) Aggregate(ctx context.Context, tenantID string, from, to time.Time) (map[string]int64, error) {
	counts, err := s.store.Usage().AggregateSucceeded(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("usage: aggregate %s: %w", tenantID, err)
	}
	return counts, nil
}

// Rules exposes the rule source shared with the billing cycle.
func (s *Service) Rules() *RuleSource { return s.rules }
