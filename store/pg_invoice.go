package store

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// PGInvoiceStore implements InvoiceStore backed by PostgreSQL.
type PGInvoiceStore struct {
	db dbtx
}

const invoiceColumns = `id, subscription_id, tenant_id, number, amount, currency, status, issued_at, due_at,
	paid_at, period_start, period_end, erp_invoice_id`

// UpsertByNumber inserts or merges by invoice number. A PAID invoice only
// leaves PAID for VOID, and an existing paid_at is never overwritten.
func (s *PGInvoiceStore) UpsertByNumber(ctx context.Context, inv *billing.Invoice) (*billing.Invoice, error) {
	if inv.Number == "" {
		return nil, fmt.Errorf("%w: invoice number is required", ErrConflict)
	}
	id := inv.ID
	if id == "" {
		id = uuid.NewString()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (number) DO UPDATE SET
			subscription_id = COALESCE(NULLIF(EXCLUDED.subscription_id, ''), invoices.subscription_id),
			tenant_id = EXCLUDED.tenant_id,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			status = CASE
				WHEN EXCLUDED.status = '' THEN invoices.status
				WHEN invoices.status = 'PAID' AND EXCLUDED.status <> 'VOID' THEN invoices.status
				ELSE EXCLUDED.status END,
			issued_at = COALESCE(EXCLUDED.issued_at, invoices.issued_at),
			due_at = COALESCE(EXCLUDED.due_at, invoices.due_at),
			paid_at = COALESCE(invoices.paid_at, EXCLUDED.paid_at),
			period_start = COALESCE(EXCLUDED.period_start, invoices.period_start),
			period_end = COALESCE(EXCLUDED.period_end, invoices.period_end),
			erp_invoice_id = CASE WHEN EXCLUDED.erp_invoice_id = 0 THEN invoices.erp_invoice_id ELSE EXCLUDED.erp_invoice_id END
		RETURNING `+invoiceColumns,
		id, inv.SubscriptionID, inv.TenantID, inv.Number, inv.Amount, inv.Currency, inv.Status, inv.IssuedAt,
		inv.DueAt, inv.PaidAt, inv.PeriodStart, inv.PeriodEnd, inv.ERPInvoiceID)
	out, err := scanInvoice(row)
	if err != nil {
		return nil, fmt.Errorf("upsert invoice %s: %w", inv.Number, err)
	}
	return out, nil
}

func (s *PGInvoiceStore) GetByNumber(ctx context.Context, number string) (*billing.Invoice, error) {
	return scanInvoice(s.db.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE number = $1`, number))
}

func (s *PGInvoiceStore) ListByTenant(ctx context.Context, tenantID string) ([]*billing.Invoice, error) {
	rows, err := s.db.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE tenant_id = $1 ORDER BY number`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var out []*billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvoice(row pgx.Row) (*billing.Invoice, error) {
	var inv billing.Invoice
	err := row.Scan(&inv.ID, &inv.SubscriptionID, &inv.TenantID, &inv.Number, &inv.Amount, &inv.Currency,
		&inv.Status, &inv.IssuedAt, &inv.DueAt, &inv.PaidAt, &inv.PeriodStart, &inv.PeriodEnd, &inv.ERPInvoiceID)
	if err != nil {
		return nil, notFound(err, "scan invoice")
	}
	return &inv, nil
}
