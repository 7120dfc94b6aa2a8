package store

import (
	"context"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
)

// TenantStore defines persistence operations for tenants.
type TenantStore interface {
	Get(ctx context.Context, id string) (*billing.Tenant, error)
	GetByCustomerID(ctx context.Context, customerID string) (*billing.Tenant, error)
	List(ctx context.Context) ([]*billing.Tenant, error)
	Upsert(ctx context.Context, t *billing.Tenant) error
	SetCustomerID(ctx context.Context, id, customerID string) error
	SetERPPartnerID(ctx context.Context, id string, partnerID int64) error
}

// SubscriptionStore defines persistence for the per-tenant subscription row
// and its items.
type SubscriptionStore interface {
	GetByTenant(ctx context.Context, tenantID string) (*billing.Subscription, error)
	GetByExternalID(ctx context.Context, externalID string) (*billing.Subscription, error)
	// Upsert inserts or replaces the tenant's single subscription row. An
	// empty ID is assigned on insert; on conflict the existing ID is kept.
	Upsert(ctx context.Context, s *billing.Subscription) error
	SetERPOrderID(ctx context.Context, id string, orderID int64) error

	ListItems(ctx context.Context, subscriptionID string, liveOnly bool) ([]*billing.SubscriptionItem, error)
	CreateItem(ctx context.Context, it *billing.SubscriptionItem) error
	// CancelLiveItems marks every TRIAL/ACTIVE item CANCELLED with the given
	// end date and returns how many were changed.
	CancelLiveItems(ctx context.Context, subscriptionID string, at time.Time) (int64, error)
	// CancelItem cancels a single live item. Returns ErrNotFound for unknown
	// items and ErrConflict if it is already cancelled.
	CancelItem(ctx context.Context, itemID string, at time.Time) error
}

// ProductStore defines persistence for the product catalog.
type ProductStore interface {
	List(ctx context.Context) ([]billing.Product, error)
	Upsert(ctx context.Context, p billing.Product) error
}

// EntitlementStore holds one snapshot per tenant, always written whole.
type EntitlementStore interface {
	Get(ctx context.Context, tenantID string) (*billing.Entitlement, error)
	Put(ctx context.Context, e *billing.Entitlement) error
}

// UsageStore persists usage events. Idempotency keys are unique at the
// storage layer.
type UsageStore interface {
	// InsertOrGet stores ev unless an event with the same idempotency key
	// exists, in which case the existing event is returned with created=false.
	InsertOrGet(ctx context.Context, ev *billing.UsageEvent) (stored *billing.UsageEvent, created bool, err error)
	CountSucceeded(ctx context.Context, tenantID, featureKey string, from, to time.Time) (int64, error)
	AggregateSucceeded(ctx context.Context, tenantID string, from, to time.Time) (map[string]int64, error)
}

// InvoiceStore persists invoices keyed by their external number.
type InvoiceStore interface {
	UpsertByNumber(ctx context.Context, inv *billing.Invoice) (*billing.Invoice, error)
	GetByNumber(ctx context.Context, number string) (*billing.Invoice, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*billing.Invoice, error)
}

// OutboxStore persists pending mirror operations.
type OutboxStore interface {
	Enqueue(ctx context.Context, m *OutboxMessage) error
	// Claim moves up to limit due messages to processing. Messages stuck in
	// processing for longer than staleAfter are reclaimed.
	Claim(ctx context.Context, limit int, staleAfter time.Duration) ([]*OutboxMessage, error)
	MarkDone(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, nextAttempt time.Time, lastErr string, dead bool) error
	ListDead(ctx context.Context, limit int) ([]*OutboxMessage, error)
	Requeue(ctx context.Context, id int64) error
	Stats(ctx context.Context) (OutboxStats, error)
}

// AuditStore persists audit entries.
type AuditStore interface {
	Record(ctx context.Context, e *AuditEntry) error
	Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)
}

// Store aggregates the billing repositories and their transaction boundary.
type Store interface {
	Tenants() TenantStore
	Subscriptions() SubscriptionStore
	Products() ProductStore
	Entitlements() EntitlementStore
	Usage() UsageStore
	Invoices() InvoiceStore
	Outbox() OutboxStore
	Audit() AuditStore

	// InTx runs fn inside a single transaction. fn must use the Store it is
	// given. A nested InTx joins the outer transaction.
	InTx(ctx context.Context, fn func(tx Store) error) error
	// LockTenant serializes transactions touching the same tenant until the
	// surrounding transaction ends.
	LockTenant(ctx context.Context, tenantID string) error
}
