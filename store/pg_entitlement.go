package store

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/billsync/billing"
)

// PGEntitlementStore implements EntitlementStore backed by PostgreSQL.
type PGEntitlementStore struct {
	db dbtx
}

func (s *PGEntitlementStore) Get(ctx context.Context, tenantID string) (*billing.Entitlement, error) {
	var e billing.Entitlement
	err := s.db.QueryRow(ctx, `
		SELECT tenant_id, modules, max_users, max_stores, max_terminals, status, period_end, source,
			stripe_subscription_id, updated_at
		FROM entitlements WHERE tenant_id = $1`, tenantID,
	).Scan(&e.TenantID, &e.Modules, &e.MaxUsers, &e.MaxStores, &e.MaxTerminals, &e.Status, &e.PeriodEnd,
		&e.Source, &e.StripeSubscriptionID, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "get entitlement")
	}
	return &e, nil
}

// Put replaces the tenant's snapshot as a whole.
func (s *PGEntitlementStore) Put(ctx context.Context, e *billing.Entitlement) error {
	mods := e.Modules
	if mods == nil {
		mods = []string{}
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO entitlements (tenant_id, modules, max_users, max_stores, max_terminals, status, period_end,
			source, stripe_subscription_id, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			modules = EXCLUDED.modules, max_users = EXCLUDED.max_users, max_stores = EXCLUDED.max_stores,
			max_terminals = EXCLUDED.max_terminals, status = EXCLUDED.status, period_end = EXCLUDED.period_end,
			source = EXCLUDED.source, stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			updated_at = NOW()
		RETURNING updated_at`,
		e.TenantID, mods, e.MaxUsers, e.MaxStores, e.MaxTerminals, e.Status, e.PeriodEnd, e.Source,
		e.StripeSubscriptionID,
	).Scan(&e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put entitlement: %w", err)
	}
	return nil
}
