package store

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PGTenantStore implements TenantStore backed by PostgreSQL.
type PGTenantStore struct {
	db dbtx
}

const tenantColumns = `id, name, email, stripe_customer_id, erp_partner_id, plan_code, created_at, updated_at`

func (s *PGTenantStore) Get(ctx context.Context, id string) (*billing.Tenant, error) {
	return s.scanOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
}

func (s *PGTenantStore) GetByCustomerID(ctx context.Context, customerID string) (*billing.Tenant, error) {
	return s.scanOne(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE stripe_customer_id = $1`, customerID)
}

func (s *PGTenantStore) List(ctx context.Context) ([]*billing.Tenant, error) {
	rows, err := s.db.Query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []*billing.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGTenantStore) Upsert(ctx context.Context, t *billing.Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO tenants (id, name, email, stripe_customer_id, erp_partner_id, plan_code, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, email = EXCLUDED.email,
			stripe_customer_id = EXCLUDED.stripe_customer_id,
			erp_partner_id = EXCLUDED.erp_partner_id,
			plan_code = EXCLUDED.plan_code, updated_at = NOW()
		RETURNING created_at, updated_at`,
		t.ID, t.Name, t.Email, nullString(t.StripeCustomerID), t.ERPPartnerID, t.PlanCode,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: tenant customer %s", ErrDuplicate, t.StripeCustomerID)
		}
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *PGTenantStore) SetCustomerID(ctx context.Context, id, customerID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tenants SET stripe_customer_id = $2, updated_at = NOW() WHERE id = $1`,
		id, nullString(customerID))
	if err != nil {
		if isDuplicateError(err) {
			return fmt.Errorf("%w: tenant customer %s", ErrDuplicate, customerID)
		}
		return fmt.Errorf("set tenant customer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGTenantStore) SetERPPartnerID(ctx context.Context, id string, partnerID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE tenants SET erp_partner_id = $2, updated_at = NOW() WHERE id = $1`, id, partnerID)
	if err != nil {
		return fmt.Errorf("set tenant partner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGTenantStore) scanOne(ctx context.Context, query string, args ...any) (*billing.Tenant, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query tenant: %w", err)
		}
		return nil, ErrNotFound
	}
	return scanTenant(rows)
}

func scanTenant(rows pgx.Rows) (*billing.Tenant, error) {
	var t billing.Tenant
	var customer *string
	if err := rows.Scan(&t.ID, &t.Name, &t.Email, &customer, &t.ERPPartnerID, &t.PlanCode, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.StripeCustomerID = derefString(customer)
	return &t, nil
}
