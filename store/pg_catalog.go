package store

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/billsync/billing"
)

// PGProductStore implements ProductStore backed by PostgreSQL.
type PGProductStore struct {
	db dbtx
}

func (s *PGProductStore) List(ctx context.Context) ([]billing.Product, error) {
	rows, err := s.db.Query(ctx, `
		SELECT code, name, type, included_modules, enables_module, price_monthly, price_yearly, trial_days,
			stripe_price_monthly_id, stripe_price_yearly_id, stripe_product_id, max_users, max_stores, max_terminals
		FROM products ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []billing.Product
	for rows.Next() {
		var p billing.Product
		if err := rows.Scan(&p.Code, &p.Name, &p.Type, &p.IncludedModules, &p.EnablesModule, &p.PriceMonthly,
			&p.PriceYearly, &p.TrialDays, &p.StripePriceMonthlyID, &p.StripePriceYearlyID, &p.StripeProductID,
			&p.MaxUsers, &p.MaxStores, &p.MaxTerminals); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PGProductStore) Upsert(ctx context.Context, p billing.Product) error {
	mods := p.IncludedModules
	if mods == nil {
		mods = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO products (code, name, type, included_modules, enables_module, price_monthly, price_yearly,
			trial_days, stripe_price_monthly_id, stripe_price_yearly_id, stripe_product_id, max_users, max_stores, max_terminals)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (code) DO UPDATE SET
			name = EXCLUDED.name, type = EXCLUDED.type, included_modules = EXCLUDED.included_modules,
			enables_module = EXCLUDED.enables_module, price_monthly = EXCLUDED.price_monthly,
			price_yearly = EXCLUDED.price_yearly, trial_days = EXCLUDED.trial_days,
			stripe_price_monthly_id = EXCLUDED.stripe_price_monthly_id,
			stripe_price_yearly_id = EXCLUDED.stripe_price_yearly_id,
			stripe_product_id = EXCLUDED.stripe_product_id, max_users = EXCLUDED.max_users,
			max_stores = EXCLUDED.max_stores, max_terminals = EXCLUDED.max_terminals`,
		p.Code, p.Name, p.Type, mods, p.EnablesModule, p.PriceMonthly, p.PriceYearly, p.TrialDays,
		p.StripePriceMonthlyID, p.StripePriceYearlyID, p.StripeProductID, p.MaxUsers, p.MaxStores, p.MaxTerminals)
	if err != nil {
		return fmt.Errorf("upsert product %s: %w", p.Code, err)
	}
	return nil
}
