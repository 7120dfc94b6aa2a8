// Package entitlement owns the per-tenant feature-gating snapshot. Snapshots
// are only ever replaced whole; external gating middleware reads them.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/cache"
	"github.com/GoCodeAlone/billsync/store"
)

// Service reads and writes entitlement snapshots.
type Service struct {
	store  store.Store
	cache  *cache.LRU[string, billing.Entitlement]
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithCache puts a read-through cache in front of the store.
func WithCache(c *cache.LRU[string, billing.Entitlement]) Option {
	return func(s *Service) { s.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service backed by st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Using returns a copy of s bound to st, typically a transaction. The cache
// is shared; callers invalidate it after commit with Invalidate.
func (s *Service) Using(st store.Store) *Service {
	cp := *s
	cp.store = st
	return &cp
}

// Read returns the tenant's snapshot or store.ErrNotFound.
func (s *Service) Read(ctx context.Context, tenantID string) (*billing.Entitlement, error) {
	if s.cache == nil {
		return s.store.Entitlements().Get(ctx, tenantID)
	}
	e, err := s.cache.GetOrLoad(tenantID, tenantID, func() (billing.Entitlement, error) {
		e, err := s.store.Entitlements().Get(ctx, tenantID)
		if err != nil {
			return billing.Entitlement{}, err
		}
		return *e, nil
	})
	if err != nil {
		return nil, err
	}
	e.Modules = append([]string(nil), e.Modules...)
	return &e, nil
}

// Update validates snap and replaces the tenant's snapshot with it.
func (s *Service) Update(ctx context.Context, tenantID string, snap *billing.Entitlement) error {
	if err := validate(tenantID, snap); err != nil {
		return err
	}
	snap.Modules = billing.NormalizeModules(snap.Modules)
	snap.UpdatedAt = s.now().UTC()
	if err := s.store.Entitlements().Put(ctx, snap); err != nil {
		return fmt.Errorf("entitlement: update %s: %w", tenantID, err)
	}
	s.Invalidate(tenantID)
	return nil
}

// HandlePaymentFailed moves an ACTIVE or TRIAL snapshot to PAST_DUE. Modules
// stay usable during the grace period. Repeated calls are no-ops.
func (s *Service) HandlePaymentFailed(ctx context.Context, tenantID string) error {
	return s.transition(ctx, tenantID, billing.EntitlementPastDue, func(cur billing.EntitlementStatus) bool {
		return cur == billing.EntitlementActive || cur == billing.EntitlementTrial
	})
}

// HandleExpired marks the snapshot EXPIRED. Repeated calls are no-ops.
func (s *Service) HandleExpired(ctx context.Context, tenantID string) error {
	return s.transition(ctx, tenantID, billing.EntitlementExpired, func(cur billing.EntitlementStatus) bool {
		return cur != billing.EntitlementExpired
	})
}

func (s *Service) transition(ctx context.Context, tenantID string, to billing.EntitlementStatus, allowed func(billing.EntitlementStatus) bool) error {
	cur, err := s.store.Entitlements().Get(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		s.logger.Debug("no entitlement snapshot to transition", "tenant_id", tenantID, "to", to)
		return nil
	}
	if err != nil {
		return fmt.Errorf("entitlement: load %s: %w", tenantID, err)
	}
	if !allowed(cur.Status) {
		return nil
	}
	next := *cur
	next.Status = to
	return s.Update(ctx, tenantID, &next)
}

// Invalidate drops the cached snapshot for tenantID.
func (s *Service) Invalidate(tenantID string) {
	if s.cache != nil {
		s.cache.Delete(tenantID)
	}
}

// Usable reports whether e grants any access. EXPIRED never does, whatever
// modules it lists.
func Usable(e *billing.Entitlement) bool { return e.Usable() }

func validate(tenantID string, snap *billing.Entitlement) error {
	switch {
	case snap == nil:
		return fmt.Errorf("%w: nil snapshot", billing.ErrInvalidSnapshot)
	case tenantID == "":
		return fmt.Errorf("%w: empty tenant id", billing.ErrInvalidSnapshot)
	case snap.TenantID != tenantID:
		return fmt.Errorf("%w: tenant %q does not match %q", billing.ErrInvalidSnapshot, snap.TenantID, tenantID)
	case !snap.Status.Valid():
		return fmt.Errorf("%w: status %q", billing.ErrInvalidSnapshot, snap.Status)
	case snap.MaxUsers < 0 || snap.MaxStores < 0 || snap.MaxTerminals < 0:
		return fmt.Errorf("%w: negative limit", billing.ErrInvalidSnapshot)
	}
	return nil
}
