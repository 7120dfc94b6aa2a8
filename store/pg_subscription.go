package store

import (
	"context"
	"fmt"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PGSubscriptionStore implements SubscriptionStore backed by PostgreSQL.
type PGSubscriptionStore struct {
	db dbtx
}

const subscriptionColumns = `id, tenant_id, status, billing_cycle, is_trial, trial_ends_at, start_date,
	end_date, next_billing_date, total_amount, currency, stripe_subscription_id, erp_order_id,
	auto_renew, created_at, updated_at`

func (s *PGSubscriptionStore) GetByTenant(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	row := s.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`, tenantID)
	return scanSubscription(row)
}

func (s *PGSubscriptionStore) GetByExternalID(ctx context.Context, externalID string) (*billing.Subscription, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = $1`, externalID)
	return scanSubscription(row)
}

func (s *PGSubscriptionStore) Upsert(ctx context.Context, sub *billing.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO subscriptions (id, tenant_id, status, billing_cycle, is_trial, trial_ends_at, start_date,
			end_date, next_billing_date, total_amount, currency, stripe_subscription_id, erp_order_id,
			auto_renew, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			status = EXCLUDED.status, billing_cycle = EXCLUDED.billing_cycle,
			is_trial = EXCLUDED.is_trial, trial_ends_at = EXCLUDED.trial_ends_at,
			start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
			next_billing_date = EXCLUDED.next_billing_date, total_amount = EXCLUDED.total_amount,
			currency = EXCLUDED.currency, stripe_subscription_id = EXCLUDED.stripe_subscription_id,
			erp_order_id = EXCLUDED.erp_order_id, auto_renew = EXCLUDED.auto_renew,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		sub.ID, sub.TenantID, sub.Status, sub.BillingCycle, sub.IsTrial, sub.TrialEndsAt, sub.StartDate,
		sub.EndDate, sub.NextBillingDate, sub.TotalAmount, sub.Currency, sub.StripeSubscriptionID,
		sub.ERPOrderID, sub.AutoRenew,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *PGSubscriptionStore) SetERPOrderID(ctx context.Context, id string, orderID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE subscriptions SET erp_order_id = $2, updated_at = NOW() WHERE id = $1`, id, orderID)
	if err != nil {
		return fmt.Errorf("set subscription order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGSubscriptionStore) ListItems(ctx context.Context, subscriptionID string, liveOnly bool) ([]*billing.SubscriptionItem, error) {
	query := `SELECT id, subscription_id, product_code, quantity, unit_price, status, start_date, end_date
		FROM subscription_items WHERE subscription_id = $1`
	if liveOnly {
		query += ` AND status IN ('TRIAL', 'ACTIVE')`
	}
	query += ` ORDER BY start_date, id`

	rows, err := s.db.Query(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("list subscription items: %w", err)
	}
	defer rows.Close()

	var out []*billing.SubscriptionItem
	for rows.Next() {
		var it billing.SubscriptionItem
		if err := rows.Scan(&it.ID, &it.SubscriptionID, &it.ProductCode, &it.Quantity, &it.UnitPrice,
			&it.Status, &it.StartDate, &it.EndDate); err != nil {
			return nil, fmt.Errorf("scan subscription item: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

func (s *PGSubscriptionStore) CreateItem(ctx context.Context, it *billing.SubscriptionItem) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscription_items (id, subscription_id, product_code, quantity, unit_price, status, start_date, end_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		it.ID, it.SubscriptionID, it.ProductCode, it.Quantity, it.UnitPrice, it.Status, it.StartDate, it.EndDate)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: subscription item %s", ErrDuplicate, it.ID)
		}
		return fmt.Errorf("insert subscription item: %w", err)
	}
	return nil
}

func (s *PGSubscriptionStore) CancelLiveItems(ctx context.Context, subscriptionID string, at time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscription_items SET status = 'CANCELLED', end_date = $2
		WHERE subscription_id = $1 AND status IN ('TRIAL', 'ACTIVE')`, subscriptionID, at)
	if err != nil {
		return 0, fmt.Errorf("cancel subscription items: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PGSubscriptionStore) CancelItem(ctx context.Context, itemID string, at time.Time) error {
	var status billing.ItemStatus
	err := s.db.QueryRow(ctx, `SELECT status FROM subscription_items WHERE id = $1 FOR UPDATE`, itemID).Scan(&status)
	if err != nil {
		return notFound(err, "get subscription item")
	}
	if status == billing.ItemCancelled {
		return ErrConflict
	}
	if _, err := s.db.Exec(ctx,
		`UPDATE subscription_items SET status = 'CANCELLED', end_date = $2 WHERE id = $1`, itemID, at); err != nil {
		return fmt.Errorf("cancel subscription item: %w", err)
	}
	return nil
}

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var sub billing.Subscription
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.Status, &sub.BillingCycle, &sub.IsTrial, &sub.TrialEndsAt,
		&sub.StartDate, &sub.EndDate, &sub.NextBillingDate, &sub.TotalAmount, &sub.Currency,
		&sub.StripeSubscriptionID, &sub.ERPOrderID, &sub.AutoRenew, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "scan subscription")
	}
	return &sub, nil
}
