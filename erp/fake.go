package erp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/GoCodeAlone/billsync/billing"
)

// ErrUnavailable is returned by Fake while it is marked down.
var ErrUnavailable = errors.New("erp: unavailable")

// FakeOrder is an order held by Fake.
type FakeOrder struct {
	ID        int64
	PartnerID int64
	Reference string
	State     string
	Lines     []OrderLine
}

// Fake is an in-memory ERP for tests and local runs without an ERP.
type Fake struct {
	mu       sync.Mutex
	down     bool
	nextID   int64
	partners map[string]int64
	orders   map[int64]*FakeOrder
	payments map[string]int64
	usage    map[string]map[string]UsageRecord // order ref -> feature -> record
	invoices map[string]*ConsolidatedInvoice
	rules    map[string]billing.OverageRule
	calls    map[string]int
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{
		partners: make(map[string]int64),
		orders:   make(map[int64]*FakeOrder),
		payments: make(map[string]int64),
		usage:    make(map[string]map[string]UsageRecord),
		invoices: make(map[string]*ConsolidatedInvoice),
		calls:    make(map[string]int),
	}
}

// SetDown makes every call fail with ErrUnavailable while down is true.
func (f *Fake) SetDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

// SetOverageRules sets the rules returned by OverageRules.
func (f *Fake) SetOverageRules(rules map[string]billing.OverageRule) {
	f.mu.Lock()
	f.rules = rules
	f.mu.Unlock()
}

// Calls returns how many times op was invoked, including failed calls.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Order returns a copy of the order with id.
func (f *Fake) Order(id int64) (FakeOrder, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return FakeOrder{}, false
	}
	cp := *o
	cp.Lines = append([]OrderLine(nil), o.Lines...)
	return cp, true
}

// Payments returns the number of distinct paid references.
func (f *Fake) Payments() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payments)
}

// UsageLines returns the usage records on the tenant's order for the period.
func (f *Fake) UsageLines(tenantID, periodKey string) []UsageRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []UsageRecord
	for _, r := range f.usage[UsageOrderRef(tenantID, periodKey)] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureKey < out[j].FeatureKey })
	return out
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	if f.down {
		return ErrUnavailable
	}
	return nil
}

func (f *Fake) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *Fake) CreateOrGetPartner(_ context.Context, name, email string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("partner"); err != nil {
		return 0, err
	}
	key := email
	if key == "" {
		key = "name:" + name
	}
	if id, ok := f.partners[key]; ok {
		return id, nil
	}
	id := f.id()
	f.partners[key] = id
	return id, nil
}

func (f *Fake) PushSubscriptionOrder(_ context.Context, p OrderPush) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("push"); err != nil {
		return 0, err
	}
	o, ok := f.orders[p.OrderID]
	if !ok {
		for _, cand := range f.orders {
			if cand.Reference == p.Reference && cand.State != "cancel" {
				o = cand
				break
			}
		}
	}
	if o == nil {
		o = &FakeOrder{ID: f.id(), PartnerID: p.PartnerID, Reference: p.Reference, State: "draft"}
		f.orders[o.ID] = o
	}
	o.Lines = append([]OrderLine(nil), p.Lines...)
	return o.ID, nil
}

func (f *Fake) ConfirmOrder(_ context.Context, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("confirm"); err != nil {
		return err
	}
	o, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("erp: order %d not found", orderID)
	}
	if o.State == "draft" {
		o.State = "sale"
	}
	return nil
}

func (f *Fake) CancelOrder(_ context.Context, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("cancel"); err != nil {
		return err
	}
	if o, ok := f.orders[orderID]; ok {
		o.State = "cancel"
	}
	return nil
}

func (f *Fake) CreateInvoiceAndRegisterPayment(_ context.Context, p PaymentSync) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("payment"); err != nil {
		return 0, err
	}
	if id, ok := f.payments[p.Reference]; ok {
		return id, nil
	}
	if _, ok := f.orders[p.OrderID]; !ok {
		return 0, fmt.Errorf("erp: order %d not found", p.OrderID)
	}
	id := f.id()
	f.payments[p.Reference] = id
	return id, nil
}

func (f *Fake) RecordUsage(_ context.Context, r UsageRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("usage"); err != nil {
		return 0, err
	}
	ref := UsageOrderRef(r.TenantID, r.PeriodKey)
	var order *FakeOrder
	for _, o := range f.orders {
		if o.Reference != ref || o.PartnerID != r.PartnerID || o.State == "cancel" {
			continue
		}
		if o.State != "draft" {
			return 0, fmt.Errorf("%w: %s", ErrPeriodClosed, r.PeriodKey)
		}
		order = o
		break
	}
	if order == nil {
		order = &FakeOrder{ID: f.id(), PartnerID: r.PartnerID, Reference: ref, State: "draft"}
		f.orders[order.ID] = order
	}
	if f.usage[ref] == nil {
		f.usage[ref] = make(map[string]UsageRecord)
	}
	f.usage[ref][r.FeatureKey] = r
	return order.ID, nil
}

func (f *Fake) OverageRules(_ context.Context) (map[string]billing.OverageRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("rules"); err != nil {
		return nil, err
	}
	out := make(map[string]billing.OverageRule, len(f.rules))
	for k, v := range f.rules {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) ConsolidateUsage(_ context.Context, partnerID int64, periodKey string) (*ConsolidatedInvoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("consolidate"); err != nil {
		return nil, err
	}
	key := fmt.Sprintf("%s:%d", periodKey, partnerID)
	if inv, ok := f.invoices[key]; ok {
		cp := *inv
		return &cp, nil
	}
	inv := &ConsolidatedInvoice{State: "posted"}
	for _, o := range f.orders {
		if o.PartnerID != partnerID || o.State == "cancel" {
			continue
		}
		recs, ok := f.usage[o.Reference]
		if !ok || !strings.HasSuffix(o.Reference, ":"+periodKey) {
			continue
		}
		for _, r := range recs {
			inv.Amount += r.Quantity * r.UnitPrice
		}
		o.State = "sale"
		inv.OrderIDs = append(inv.OrderIDs, o.ID)
	}
	if len(inv.OrderIDs) == 0 {
		return nil, nil
	}
	sort.Slice(inv.OrderIDs, func(i, j int) bool { return inv.OrderIDs[i] < inv.OrderIDs[j] })
	inv.InvoiceID = f.id()
	inv.Number = fmt.Sprintf("INV/%s/%04d", periodKey, inv.InvoiceID)
	f.invoices[key] = inv
	cp := *inv
	return &cp, nil
}

var _ ERP = (*Fake)(nil)
