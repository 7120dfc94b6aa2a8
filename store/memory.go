package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and single-process use.
// Every write stores a fresh copy, so a transaction snapshot only needs to
// copy the maps. Transactions are serialized with each other; readers outside
// a transaction may observe uncommitted writes.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.Mutex
	data memData
}

type memData struct {
	tenants      map[string]*billing.Tenant
	subs         map[string]*billing.Subscription
	items        map[string]*billing.SubscriptionItem
	products     map[string]billing.Product
	entitlements map[string]*billing.Entitlement
	usage        map[string]*billing.UsageEvent // idempotency key -> event
	invoices     map[string]*billing.Invoice    // number -> invoice
	outbox       map[int64]*OutboxMessage
	audit        []*AuditEntry
	nextOutboxID int64
	nextAuditID  int64
}

func (d memData) clone() memData {
	cp := d
	cp.tenants = cloneMap(d.tenants)
	cp.subs = cloneMap(d.subs)
	cp.items = cloneMap(d.items)
	cp.products = cloneMap(d.products)
	cp.entitlements = cloneMap(d.entitlements)
	cp.usage = cloneMap(d.usage)
	cp.invoices = cloneMap(d.invoices)
	cp.outbox = cloneMap(d.outbox)
	cp.audit = append([]*AuditEntry(nil), d.audit...)
	return cp
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: memData{
		tenants:      make(map[string]*billing.Tenant),
		subs:         make(map[string]*billing.Subscription),
		items:        make(map[string]*billing.SubscriptionItem),
		products:     make(map[string]billing.Product),
		entitlements: make(map[string]*billing.Entitlement),
		usage:        make(map[string]*billing.UsageEvent),
		invoices:     make(map[string]*billing.Invoice),
		outbox:       make(map[int64]*OutboxMessage),
	}}
}

func (s *MemoryStore) Tenants() TenantStore             { return memTenants{s} }
func (s *MemoryStore) Subscriptions() SubscriptionStore { return memSubscriptions{s} }
func (s *MemoryStore) Products() ProductStore           { return memProducts{s} }
func (s *MemoryStore) Entitlements() EntitlementStore   { return memEntitlements{s} }
func (s *MemoryStore) Usage() UsageStore                { return memUsage{s} }
func (s *MemoryStore) Invoices() InvoiceStore           { return memInvoices{s} }
func (s *MemoryStore) Outbox() OutboxStore              { return memOutbox{s} }
func (s *MemoryStore) Audit() AuditStore                { return memAudit{s} }

// InTx runs fn and restores the pre-transaction state if it returns an error.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(memTx{s}); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// memTx is the Store handed to an InTx callback. Nested InTx calls join the
// enclosing transaction.
type memTx struct{ *MemoryStore }

func (t memTx) InTx(_ context.Context, fn func(tx Store) error) error { return fn(t) }

// LockTenant is a no-op: MemoryStore transactions are already serialized.
func (s *MemoryStore) LockTenant(context.Context, string) error { return nil }

// ---------------------------------------------------------------------------
// Tenants
// ---------------------------------------------------------------------------

type memTenants struct{ s *MemoryStore }

func (m memTenants) Get(_ context.Context, id string) (*billing.Tenant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.data.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m memTenants) GetByCustomerID(_ context.Context, customerID string) (*billing.Tenant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if customerID == "" {
		return nil, ErrNotFound
	}
	for _, t := range m.s.data.tenants {
		if t.StripeCustomerID == customerID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m memTenants) List(_ context.Context) ([]*billing.Tenant, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]*billing.Tenant, 0, len(m.s.data.tenants))
	for _, t := range m.s.data.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m memTenants) Upsert(_ context.Context, t *billing.Tenant) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.StripeCustomerID != "" {
		for id, other := range m.s.data.tenants {
			if id != t.ID && other.StripeCustomerID == t.StripeCustomerID {
				return ErrDuplicate
			}
		}
	}
	now := time.Now().UTC()
	if existing, ok := m.s.data.tenants[t.ID]; ok {
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	m.s.data.tenants[t.ID] = &cp
	return nil
}

func (m memTenants) SetCustomerID(_ context.Context, id, customerID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.data.tenants[id]
	if !ok {
		return ErrNotFound
	}
	for otherID, other := range m.s.data.tenants {
		if otherID != id && customerID != "" && other.StripeCustomerID == customerID {
			return ErrDuplicate
		}
	}
	cp := *t
	cp.StripeCustomerID = customerID
	cp.UpdatedAt = time.Now().UTC()
	m.s.data.tenants[id] = &cp
	return nil
}

func (m memTenants) SetERPPartnerID(_ context.Context, id string, partnerID int64) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	t, ok := m.s.data.tenants[id]
	if !ok {
		return ErrNotFound
	}
	cp := *t
	cp.ERPPartnerID = partnerID
	cp.UpdatedAt = time.Now().UTC()
	m.s.data.tenants[id] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// Subscriptions and items
// ---------------------------------------------------------------------------

type memSubscriptions struct{ s *MemoryStore }

func (m memSubscriptions) GetByTenant(_ context.Context, tenantID string) (*billing.Subscription, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, sub := range m.s.data.subs {
		if sub.TenantID == tenantID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m memSubscriptions) GetByExternalID(_ context.Context, externalID string) (*billing.Subscription, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if externalID == "" {
		return nil, ErrNotFound
	}
	for _, sub := range m.s.data.subs {
		if sub.StripeSubscriptionID == externalID {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m memSubscriptions) Upsert(_ context.Context, sub *billing.Subscription) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.data.tenants[sub.TenantID]; !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	for _, existing := range m.s.data.subs {
		if existing.TenantID == sub.TenantID {
			sub.ID = existing.ID
			sub.CreatedAt = existing.CreatedAt
			break
		}
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.UpdatedAt = now
	cp := *sub
	m.s.data.subs[sub.ID] = &cp
	return nil
}

func (m memSubscriptions) SetERPOrderID(_ context.Context, id string, orderID int64) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	sub, ok := m.s.data.subs[id]
	if !ok {
		return ErrNotFound
	}
	cp := *sub
	cp.ERPOrderID = orderID
	cp.UpdatedAt = time.Now().UTC()
	m.s.data.subs[id] = &cp
	return nil
}

func (m memSubscriptions) ListItems(_ context.Context, subscriptionID string, liveOnly bool) ([]*billing.SubscriptionItem, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*billing.SubscriptionItem
	for _, it := range m.s.data.items {
		if it.SubscriptionID != subscriptionID || (liveOnly && !it.Live()) {
			continue
		}
		cp := *it
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m memSubscriptions) CreateItem(_ context.Context, it *billing.SubscriptionItem) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.data.subs[it.SubscriptionID]; !ok {
		return ErrNotFound
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if _, exists := m.s.data.items[it.ID]; exists {
		return ErrDuplicate
	}
	cp := *it
	m.s.data.items[it.ID] = &cp
	return nil
}

func (m memSubscriptions) CancelLiveItems(_ context.Context, subscriptionID string, at time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for id, it := range m.s.data.items {
		if it.SubscriptionID != subscriptionID || !it.Live() {
			continue
		}
		cp := *it
		end := at
		cp.Status = billing.ItemCancelled
		cp.EndDate = &end
		m.s.data.items[id] = &cp
		n++
	}
	return n, nil
}

func (m memSubscriptions) CancelItem(_ context.Context, itemID string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	it, ok := m.s.data.items[itemID]
	if !ok {
		return ErrNotFound
	}
	if !it.Live() {
		return ErrConflict
	}
	cp := *it
	end := at
	cp.Status = billing.ItemCancelled
	cp.EndDate = &end
	m.s.data.items[itemID] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// Products
// ---------------------------------------------------------------------------

type memProducts struct{ s *MemoryStore }

func (m memProducts) List(_ context.Context) ([]billing.Product, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make([]billing.Product, 0, len(m.s.data.products))
	for _, p := range m.s.data.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m memProducts) Upsert(_ context.Context, p billing.Product) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	p.IncludedModules = append([]string(nil), p.IncludedModules...)
	m.s.data.products[p.Code] = p
	return nil
}

// ---------------------------------------------------------------------------
// Entitlements
// ---------------------------------------------------------------------------

type memEntitlements struct{ s *MemoryStore }

func (m memEntitlements) Get(_ context.Context, tenantID string) (*billing.Entitlement, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	e, ok := m.s.data.entitlements[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	cp.Modules = append([]string(nil), e.Modules...)
	return &cp, nil
}

func (m memEntitlements) Put(_ context.Context, e *billing.Entitlement) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *e
	cp.Modules = append([]string(nil), e.Modules...)
	m.s.data.entitlements[e.TenantID] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// Usage events
// ---------------------------------------------------------------------------

type memUsage struct{ s *MemoryStore }

func (m memUsage) InsertOrGet(_ context.Context, ev *billing.UsageEvent) (*billing.UsageEvent, bool, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if existing, ok := m.s.data.usage[ev.IdempotencyKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := *ev
	m.s.data.usage[ev.IdempotencyKey] = &cp
	out := cp
	return &out, true, nil
}

func (m memUsage) CountSucceeded(_ context.Context, tenantID, featureKey string, from, to time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for _, ev := range m.s.data.usage {
		if ev.TenantID == tenantID && ev.FeatureKey == featureKey && succeededWithin(ev, from, to) {
			n++
		}
	}
	return n, nil
}

func (m memUsage) AggregateSucceeded(_ context.Context, tenantID string, from, to time.Time) (map[string]int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := make(map[string]int64)
	for _, ev := range m.s.data.usage {
		if ev.TenantID == tenantID && succeededWithin(ev, from, to) {
			out[ev.FeatureKey]++
		}
	}
	return out, nil
}

// succeededWithin reports whether ev is SUCCEEDED and falls in [from, to).
func succeededWithin(ev *billing.UsageEvent, from, to time.Time) bool {
	return ev.Status == billing.UsageSucceeded && !ev.CreatedAt.Before(from) && ev.CreatedAt.Before(to)
}

// ---------------------------------------------------------------------------
// Invoices
// ---------------------------------------------------------------------------

type memInvoices struct{ s *MemoryStore }

func (m memInvoices) UpsertByNumber(_ context.Context, inv *billing.Invoice) (*billing.Invoice, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if inv.Number == "" {
		return nil, ErrConflict
	}
	cp := *inv
	if existing, ok := m.s.data.invoices[inv.Number]; ok {
		cp.ID = existing.ID
		cp.Status = billing.MergeInvoiceStatus(existing.Status, inv.Status)
		if cp.SubscriptionID == "" {
			cp.SubscriptionID = existing.SubscriptionID
		}
		cp.IssuedAt = firstTime(cp.IssuedAt, existing.IssuedAt)
		cp.DueAt = firstTime(cp.DueAt, existing.DueAt)
		cp.PaidAt = firstTime(existing.PaidAt, cp.PaidAt)
		cp.PeriodStart = firstTime(cp.PeriodStart, existing.PeriodStart)
		cp.PeriodEnd = firstTime(cp.PeriodEnd, existing.PeriodEnd)
		if cp.ERPInvoiceID == 0 {
			cp.ERPInvoiceID = existing.ERPInvoiceID
		}
	} else if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	m.s.data.invoices[cp.Number] = &cp
	out := cp
	return &out, nil
}

func firstTime(a, b *time.Time) *time.Time {
	if a != nil {
		return a
	}
	return b
}

func (m memInvoices) GetByNumber(_ context.Context, number string) (*billing.Invoice, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	inv, ok := m.s.data.invoices[number]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m memInvoices) ListByTenant(_ context.Context, tenantID string) ([]*billing.Invoice, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*billing.Invoice
	for _, inv := range m.s.data.invoices {
		if inv.TenantID == tenantID {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// ---------------------------------------------------------------------------
// Outbox
// ---------------------------------------------------------------------------

type memOutbox struct{ s *MemoryStore }

func (m memOutbox) Enqueue(_ context.Context, msg *OutboxMessage) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.data.nextOutboxID++
	now := time.Now().UTC()
	msg.ID = m.s.data.nextOutboxID
	msg.Status = OutboxPending
	msg.CreatedAt = now
	msg.UpdatedAt = now
	if msg.NextAttemptAt.IsZero() {
		msg.NextAttemptAt = now
	}
	cp := *msg
	m.s.data.outbox[msg.ID] = &cp
	return nil
}

func (m memOutbox) Claim(_ context.Context, limit int, staleAfter time.Duration) ([]*OutboxMessage, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	now := time.Now().UTC()
	var due []*OutboxMessage
	for _, msg := range m.s.data.outbox {
		switch {
		case msg.Status == OutboxPending && !msg.NextAttemptAt.After(now):
		case msg.Status == OutboxProcessing && msg.ProcessingStartedAt != nil && msg.ProcessingStartedAt.Before(now.Add(-staleAfter)):
		default:
			continue
		}
		due = append(due, msg)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]*OutboxMessage, 0, len(due))
	for _, msg := range due {
		cp := *msg
		started := now
		cp.Status = OutboxProcessing
		cp.ProcessingStartedAt = &started
		cp.Attempts++
		cp.UpdatedAt = now
		m.s.data.outbox[cp.ID] = &cp
		ret := cp
		out = append(out, &ret)
	}
	return out, nil
}

func (m memOutbox) MarkDone(_ context.Context, id int64) error {
	return m.update(id, func(msg *OutboxMessage) {
		msg.Status = OutboxDone
		msg.ProcessingStartedAt = nil
		msg.LastError = ""
	})
}

func (m memOutbox) MarkFailed(_ context.Context, id int64, nextAttempt time.Time, lastErr string, dead bool) error {
	return m.update(id, func(msg *OutboxMessage) {
		msg.Status = OutboxPending
		if dead {
			msg.Status = OutboxDead
		}
		msg.NextAttemptAt = nextAttempt
		msg.ProcessingStartedAt = nil
		msg.LastError = lastErr
	})
}

func (m memOutbox) Requeue(_ context.Context, id int64) error {
	m.s.mu.Lock()
	msg, ok := m.s.data.outbox[id]
	m.s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if msg.Status != OutboxDead {
		return ErrConflict
	}
	return m.update(id, func(msg *OutboxMessage) {
		msg.Status = OutboxPending
		msg.Attempts = 0
		msg.NextAttemptAt = time.Now().UTC()
		msg.LastError = ""
	})
}

func (m memOutbox) update(id int64, fn func(*OutboxMessage)) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	msg, ok := m.s.data.outbox[id]
	if !ok {
		return ErrNotFound
	}
	cp := *msg
	fn(&cp)
	cp.UpdatedAt = time.Now().UTC()
	m.s.data.outbox[id] = &cp
	return nil
}

func (m memOutbox) ListDead(_ context.Context, limit int) ([]*OutboxMessage, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []*OutboxMessage
	for _, msg := range m.s.data.outbox {
		if msg.Status == OutboxDead {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memOutbox) Stats(_ context.Context) (OutboxStats, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var st OutboxStats
	for _, msg := range m.s.data.outbox {
		switch msg.Status {
		case OutboxPending:
			st.Pending++
		case OutboxProcessing:
			st.Processing++
		case OutboxDone:
			st.Done++
		case OutboxDead:
			st.Dead++
		}
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

type memAudit struct{ s *MemoryStore }

func (m memAudit) Record(_ context.Context, e *AuditEntry) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.data.nextAuditID++
	e.ID = m.s.data.nextAuditID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.s.data.audit = append(m.s.data.audit, &cp)
	return nil
}

func (m memAudit) Query(_ context.Context, f AuditFilter) ([]*AuditEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []*AuditEntry
	for i := len(m.s.data.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.s.data.audit[i]
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Since != nil && e.CreatedAt.Before(*f.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Compile-time interface assertions
// ---------------------------------------------------------------------------

var _ Store = (*MemoryStore)(nil)
