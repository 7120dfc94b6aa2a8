// Package subscription applies payment-processor lifecycle events to the
// local subscription, its items and the tenant's entitlement snapshot. The
// processor is authoritative: every change re-derives full local state from
// a freshly fetched snapshot, so duplicate and out-of-order deliveries
// converge. ERP mirroring is queued in the outbox inside the same
// transaction; notifications are sent after commit and never fail a change.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/billsync/audit"
	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/entitlement"
	"github.com/GoCodeAlone/billsync/lock"
	"github.com/GoCodeAlone/billsync/metrics"
	"github.com/GoCodeAlone/billsync/notify"
	"github.com/GoCodeAlone/billsync/processor"
	"github.com/GoCodeAlone/billsync/store"
)

var (
	// ErrMalformedEvent is returned for verified events whose payload cannot
	// be decoded.
	ErrMalformedEvent = errors.New("subscription: malformed event payload")
	// ErrInactive is returned by admin operations on a terminal subscription.
	ErrInactive = errors.New("subscription: subscription is not active")
	// ErrInvalidQuantity is returned for non-positive item quantities.
	ErrInvalidQuantity = errors.New("subscription: quantity must be positive")
)

// MetadataTenantID is the processor metadata key carrying the tenant id.
const MetadataTenantID = "tenant_id"

// Service runs the subscription state machine.
type Service struct {
	store        store.Store
	processor    processor.Client
	entitlements *entitlement.Service
	locker       lock.Locker
	lockTTL      time.Duration
	notifier     notify.Notifier
	audit        *audit.Logger
	metrics      *metrics.Collector
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLocker serializes work per tenant across replicas. Without one an
// in-process lock is used.
func WithLocker(l lock.Locker) Option { return func(s *Service) { s.locker = l } }

// WithNotifier sets where tenant notifications go.
func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithAuditLogger sets the JSON-lines audit log written after commit.
func WithAuditLogger(l *audit.Logger) Option { return func(s *Service) { s.audit = l } }

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option { return func(s *Service) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a Service.
func NewService(st store.Store, proc processor.Client, ents *entitlement.Service, opts ...Option) *Service {
	s := &Service{
		store:        st,
		processor:    proc,
		entitlements: ents,
		lockTTL:      time.Minute,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.locker == nil {
		s.locker = lock.NewInMemoryLock()
	}
	if s.notifier == nil {
		s.notifier = notify.NewLogNotifier(s.logger)
	}
	return s
}

// withTenantLock runs fn while holding the tenant's lock.
func (s *Service) withTenantLock(ctx context.Context, tenantID string, fn func(context.Context) error) error {
	release, err := s.locker.Acquire(ctx, lock.TenantKey(tenantID), s.lockTTL)
	if err != nil {
		return fmt.Errorf("subscription: lock tenant %s: %w", tenantID, err)
	}
	defer release()
	return fn(ctx)
}

// notify delivers n best-effort.
func (s *Service) notify(ctx context.Context, n notify.Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("notification failed", "tenant_id", n.TenantID, "kind", n.Kind, "error", err)
	}
}

// resolveTenant finds the tenant an event belongs to: an explicit tenant id
// first, then the processor customer id.
func (s *Service) resolveTenant(ctx context.Context, tenantID, customerID string) (*billing.Tenant, error) {
	if tenantID != "" {
		t, err := s.store.Tenants().Get(ctx, tenantID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("subscription: load tenant %s: %w", tenantID, err)
		}
	}
	if customerID != "" {
		t, err := s.store.Tenants().GetByCustomerID(ctx, customerID)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("subscription: load tenant by customer %s: %w", customerID, err)
		}
	}
	return nil, fmt.Errorf("%w: tenant %q customer %q", billing.ErrUnknownTenant, tenantID, customerID)
}

// tenantForSubscription resolves the tenant owning an external subscription,
// preferring the local row that already references it.
func (s *Service) tenantForSubscription(ctx context.Context, externalID string, metadata map[string]string, customerID string) (string, error) {
	if externalID != "" {
		sub, err := s.store.Subscriptions().GetByExternalID(ctx, externalID)
		if err == nil {
			return sub.TenantID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("subscription: load subscription %s: %w", externalID, err)
		}
	}
	t, err := s.resolveTenant(ctx, metadata[MetadataTenantID], customerID)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// currentSubscription returns the tenant's row or nil.
func currentSubscription(ctx context.Context, tx store.Store, tenantID string) (*billing.Subscription, error) {
	sub, err := tx.Subscriptions().GetByTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: load subscription for %s: %w", tenantID, err)
	}
	return sub, nil
}

// currentEntitlement returns the tenant's snapshot or nil, read directly from
// tx so uncommitted state never reaches the cache.
func currentEntitlement(ctx context.Context, tx store.Store, tenantID string) (*billing.Entitlement, error) {
	e, err := tx.Entitlements().Get(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("subscription: load entitlement for %s: %w", tenantID, err)
	}
	return e, nil
}

// rederive recomputes the tenant's entitlement from the live items of sub and
// writes it through tx.
func (s *Service) rederive(ctx context.Context, tx store.Store, sub *billing.Subscription, catalog []billing.Product) (*billing.Entitlement, []*billing.SubscriptionItem, error) {
	items, err := tx.Subscriptions().ListItems(ctx, sub.ID, true)
	if err != nil {
		return nil, nil, fmt.Errorf("subscription: list items: %w", err)
	}
	ent := billing.DeriveEntitlement(sub.TenantID, sub, items, catalog)
	if err := s.entitlements.Using(tx).Update(ctx, sub.TenantID, ent); err != nil {
		return nil, nil, err
	}
	return ent, items, nil
}

// state is the before/after shape written to the audit trail.
type state struct {
	Subscription *billing.Subscription       `json:"subscription,omitempty"`
	Items        []*billing.SubscriptionItem `json:"items,omitempty"`
	Entitlement  *billing.Entitlement        `json:"entitlement,omitempty"`
}
