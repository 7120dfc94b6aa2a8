package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/entitlement"
	"github.com/GoCodeAlone/billsync/erp"
	"github.com/GoCodeAlone/billsync/lock"
	"github.com/GoCodeAlone/billsync/notify"
	"github.com/GoCodeAlone/billsync/outbox"
	"github.com/GoCodeAlone/billsync/processor"
	"github.com/GoCodeAlone/billsync/store"
)

const testSecret = "whsec_test"

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st    *store.MemoryStore
	proc  *processor.Mock
	ents  *entitlement.Service
	notes *notify.Recorder
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	starter := billing.ProductStarter
	starter.StripePriceMonthlyID = "price_starter_m"
	starter.StripePriceYearlyID = "price_starter_y"
	business := billing.ProductBusiness
	business.StripePriceMonthlyID = "price_business_m"
	ocr := billing.ProductOCR
	ocr.StripePriceMonthlyID = "price_ocr_m"
	terminal := billing.ProductExtraTerminal
	terminal.StripeProductID = "prod_terminal"
	for _, p := range []billing.Product{starter, business, ocr, terminal} {
		if err := st.Products().Upsert(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	for _, tn := range []*billing.Tenant{
		{ID: "t1", Name: "Acme", Email: "billing@acme.test"},
		{ID: "t2", Name: "Globex", Email: "billing@globex.test", StripeCustomerID: "cus_2"},
	} {
		if err := st.Tenants().Upsert(ctx, tn); err != nil {
			t.Fatal(err)
		}
	}

	proc := processor.NewMock(testSecret)
	ents := entitlement.NewService(st)
	notes := notify.NewRecorder()
	svc := NewService(st, proc, ents,
		WithNotifier(notes),
		WithLocker(lock.NewInMemoryLock()),
		WithClock(func() time.Time { return testNow }),
	)
	return &fixture{st: st, proc: proc, ents: ents, notes: notes, svc: svc}
}

func remoteSub(id, status string, items ...processor.Item) *processor.Subscription {
	return &processor.Subscription{
		ID:                 id,
		CustomerID:         "cus_1",
		Status:             status,
		Items:              items,
		BillingCycleAnchor: testNow.AddDate(0, -3, -5),
		StartDate:          testNow.AddDate(0, -3, -5),
		Currency:           "eur",
		Metadata:           map[string]string{MetadataTenantID: "t1"},
	}
}

func starterItem() processor.Item {
	return processor.Item{ID: "si_starter", PriceID: "price_starter_m", Quantity: 1, UnitAmount: 2900, Interval: "month", IntervalCount: 1}
}

func ocrItem() processor.Item {
	return processor.Item{ID: "si_ocr", PriceID: "price_ocr_m", Quantity: 1, UnitAmount: 900, Interval: "month", IntervalCount: 1}
}

func terminalItem(qty int64) processor.Item {
	return processor.Item{ID: "si_term", ProductID: "prod_terminal", Quantity: qty, UnitAmount: 500, Interval: "month", IntervalCount: 1}
}

func (f *fixture) sub(t *testing.T, tenantID string) *billing.Subscription {
	t.Helper()
	sub, err := f.st.Subscriptions().GetByTenant(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("GetByTenant(%s): %v", tenantID, err)
	}
	return sub
}

func (f *fixture) liveItems(t *testing.T, subID string) []*billing.SubscriptionItem {
	t.Helper()
	items, err := f.st.Subscriptions().ListItems(context.Background(), subID, true)
	if err != nil {
		t.Fatal(err)
	}
	return items
}

func (f *fixture) entitlement(t *testing.T, tenantID string) *billing.Entitlement {
	t.Helper()
	e, err := f.ents.Read(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("Read entitlement: %v", err)
	}
	return e
}

// outboxKinds claims every pending message and returns their kinds.
func (f *fixture) outboxKinds(t *testing.T) []string {
	t.Helper()
	msgs, err := f.st.Outbox().Claim(context.Background(), 1000, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	kinds := make([]string, 0, len(msgs))
	for _, m := range msgs {
		kinds = append(kinds, m.Kind)
	}
	sort.Strings(kinds)
	return kinds
}

type itemShape struct {
	code  string
	qty   int64
	price int64
}

func shapes(items []*billing.SubscriptionItem) []itemShape {
	out := make([]itemShape, 0, len(items))
	for _, it := range items {
		out = append(out, itemShape{it.ProductCode, it.Quantity, it.UnitPrice})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].code < out[j].code })
	return out
}

func event(t *testing.T, id, typ string, object any) []byte {
	t.Helper()
	obj, err := json.Marshal(object)
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    typ,
		"created": testNow.Unix(),
		"data":    map[string]json.RawMessage{"object": obj},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func (f *fixture) deliver(t *testing.T, body []byte, signature string) int {
	t.Helper()
	mux := http.NewServeMux()
	NewHandler(f.svc).RegisterRoutes(mux)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/billing/webhook", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signature)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	return rr.Code
}

// ---------------------------------------------------------------------------
// SyncSubscription
// ---------------------------------------------------------------------------

func TestSyncSubscription_Convergence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	remote := remoteSub("sub_1", "active", starterItem(), ocrItem(), terminalItem(2))

	first, err := f.svc.SyncSubscription(ctx, "t1", remote)
	if err != nil {
		t.Fatalf("first sync: %v", err)
	}
	sub1 := f.sub(t, "t1")
	items1 := shapes(f.liveItems(t, sub1.ID))
	ent1 := f.entitlement(t, "t1")

	second, err := f.svc.SyncSubscription(ctx, "t1", remote)
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	sub2 := f.sub(t, "t1")
	items2 := shapes(f.liveItems(t, sub2.ID))
	ent2 := f.entitlement(t, "t1")

	if sub1.ID != sub2.ID || sub1.Status != sub2.Status || sub1.TotalAmount != sub2.TotalAmount {
		t.Errorf("subscription changed between syncs: %+v vs %+v", sub1, sub2)
	}
	if sub2.TotalAmount != 2900+900+2*500 {
		t.Errorf("total = %d, want 4800", sub2.TotalAmount)
	}
	if fmt.Sprint(items1) != fmt.Sprint(items2) || len(items2) != 3 {
		t.Errorf("live items differ: %v vs %v", items1, items2)
	}
	if fmt.Sprint(ent1.Modules) != fmt.Sprint(ent2.Modules) || ent2.MaxTerminals != ent1.MaxTerminals {
		t.Errorf("entitlement differs: %+v vs %+v", ent1, ent2)
	}
	if first.ItemsCreated != 3 || second.ItemsCancelled != 3 {
		t.Errorf("results = %+v / %+v", first, second)
	}
	if want := []string{"inventory", "ocr", "pos"}; fmt.Sprint(ent2.Modules) != fmt.Sprint(want) {
		t.Errorf("modules = %v, want %v", ent2.Modules, want)
	}
	if ent2.MaxTerminals != 2+2 || ent2.Status != billing.EntitlementActive {
		t.Errorf("entitlement = %+v", ent2)
	}
	tenant, _ := f.st.Tenants().Get(ctx, "t1")
	if tenant.StripeCustomerID != "cus_1" {
		t.Errorf("customer id = %q, want cus_1", tenant.StripeCustomerID)
	}
	if sub2.NextBillingDate == nil || !sub2.NextBillingDate.After(testNow) {
		t.Errorf("next billing = %v, want after now", sub2.NextBillingDate)
	}
}

func TestSyncSubscription_StatusMapping(t *testing.T) {
	tests := []struct {
		external string
		status   billing.SubscriptionStatus
		ent      billing.EntitlementStatus
		live     int
	}{
		{"trialing", billing.StatusTrial, billing.EntitlementTrial, 1},
		{"active", billing.StatusActive, billing.EntitlementActive, 1},
		{"past_due", billing.StatusPastDue, billing.EntitlementPastDue, 1},
		{"unpaid", billing.StatusPastDue, billing.EntitlementPastDue, 1},
		{"incomplete", billing.StatusTrial, billing.EntitlementTrial, 1},
		{"canceled", billing.StatusCancelled, billing.EntitlementExpired, 0},
		{"paused", billing.StatusCancelled, billing.EntitlementExpired, 0},
		{"incomplete_expired", billing.StatusExpired, billing.EntitlementExpired, 0},
		{"something_new", billing.StatusPastDue, billing.EntitlementPastDue, 1},
	}
	for _, tt := range tests {
		t.Run(tt.external, func(t *testing.T) {
			f := newFixture(t)
			res, err := f.svc.SyncSubscription(context.Background(), "t1", remoteSub("sub_1", tt.external, starterItem()))
			if err != nil {
				t.Fatal(err)
			}
			sub := f.sub(t, "t1")
			if sub.Status != tt.status || res.Status != tt.status {
				t.Errorf("status = %s, want %s", sub.Status, tt.status)
			}
			if got := f.entitlement(t, "t1").Status; got != tt.ent {
				t.Errorf("entitlement = %s, want %s", got, tt.ent)
			}
			if got := len(f.liveItems(t, sub.ID)); got != tt.live {
				t.Errorf("live items = %d, want %d", got, tt.live)
			}
			if tt.status.IsTerminal() && (sub.EndDate == nil || sub.NextBillingDate != nil) {
				t.Errorf("terminal dates: end=%v next=%v", sub.EndDate, sub.NextBillingDate)
			}
		})
	}
}

func TestSyncSubscription_TrialItems(t *testing.T) {
	f := newFixture(t)
	remote := remoteSub("sub_1", "trialing", starterItem())
	end := testNow.AddDate(0, 0, 10)
	remote.TrialEnd = &end
	if _, err := f.svc.SyncSubscription(context.Background(), "t1", remote); err != nil {
		t.Fatal(err)
	}
	sub := f.sub(t, "t1")
	if !sub.IsTrial || sub.TrialEndsAt == nil || !sub.TrialEndsAt.Equal(end) {
		t.Errorf("trial fields = %+v", sub)
	}
	for _, it := range f.liveItems(t, sub.ID) {
		if it.Status != billing.ItemTrial {
			t.Errorf("item status = %s, want TRIAL", it.Status)
		}
	}
}

func TestSyncSubscription_SkipsUnresolvedItems(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.SyncSubscription(context.Background(), "t1",
		remoteSub("sub_1", "active", starterItem(), processor.Item{ID: "si_x", PriceID: "price_unknown", Quantity: 1}))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].PriceID != "price_unknown" {
		t.Errorf("skipped = %+v", res.Skipped)
	}
	if got := len(f.liveItems(t, f.sub(t, "t1").ID)); got != 1 {
		t.Errorf("live items = %d, want 1", got)
	}
}

func TestSyncSubscription_YearlyPriceFallback(t *testing.T) {
	f := newFixture(t)
	item := processor.Item{ID: "si_y", PriceID: "price_starter_y", Quantity: 1, Interval: "year", IntervalCount: 1}
	if _, err := f.svc.SyncSubscription(context.Background(), "t1", remoteSub("sub_1", "active", item)); err != nil {
		t.Fatal(err)
	}
	sub := f.sub(t, "t1")
	if sub.BillingCycle != billing.CycleYearly || sub.TotalAmount != billing.ProductStarter.PriceYearly {
		t.Errorf("cycle=%s total=%d", sub.BillingCycle, sub.TotalAmount)
	}
}

func TestSyncSubscription_UnknownTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SyncSubscription(context.Background(), "ghost", remoteSub("sub_1", "active", starterItem()))
	if !errors.Is(err, billing.ErrUnknownTenant) {
		t.Fatalf("err = %v, want ErrUnknownTenant", err)
	}
}

func TestSyncSubscription_AuditAndOutbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SyncSubscription(ctx, "t1", remoteSub("sub_1", "active", starterItem())); err != nil {
		t.Fatal(err)
	}
	entries, err := f.st.Audit().Query(ctx, store.AuditFilter{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != "subscription_sync" || len(entries[0].After) == 0 {
		t.Errorf("audit entries = %+v", entries)
	}
	if got := f.outboxKinds(t); fmt.Sprint(got) != fmt.Sprint([]string{outbox.KindPushOrder}) {
		t.Errorf("outbox = %v", got)
	}
	if n := len(f.notes.Sent(notify.KindSubscriptionUpdated)); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
}

func TestSyncSubscription_ConcurrentDeliveries(t *testing.T) {
	f := newFixture(t)
	remote := remoteSub("sub_1", "active", starterItem(), ocrItem())
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.SyncSubscription(context.Background(), "t1", remote); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if got := len(f.liveItems(t, f.sub(t, "t1").ID)); got != 2 {
		t.Errorf("live items = %d, want 2", got)
	}
}

// ---------------------------------------------------------------------------
// Single active subscription
// ---------------------------------------------------------------------------

func TestSingleActiveSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.proc.PutSubscription(remoteSub("sub_A", "active", starterItem()))
	if code := f.deliver(t, event(t, "evt_1", processor.EventSubscriptionCreated, map[string]any{"id": "sub_A", "customer": "cus_1", "metadata": map[string]string{"tenant_id": "t1"}}), testSecret); code != http.StatusOK {
		t.Fatalf("created A = %d", code)
	}
	subA := f.sub(t, "t1")
	if err := f.st.Subscriptions().SetERPOrderID(ctx, subA.ID, 77); err != nil {
		t.Fatal(err)
	}
	f.outboxKinds(t)

	// The tenant switches plans: a new subscription replaces the row.
	f.proc.PutSubscription(remoteSub("sub_B", "active", processor.Item{ID: "si_b", PriceID: "price_business_m", Quantity: 1, UnitAmount: 7900, Interval: "month"}))
	if code := f.deliver(t, event(t, "evt_2", processor.EventSubscriptionCreated, map[string]any{"id": "sub_B", "customer": "cus_1"}), testSecret); code != http.StatusOK {
		t.Fatalf("created B = %d", code)
	}
	subB := f.sub(t, "t1")
	if subB.ID != subA.ID || subB.StripeSubscriptionID != "sub_B" || subB.ERPOrderID != 0 {
		t.Errorf("row after switch = %+v", subB)
	}
	kinds := f.outboxKinds(t)
	if fmt.Sprint(kinds) != fmt.Sprint([]string{outbox.KindCancelOrder, outbox.KindPushOrder}) {
		t.Errorf("outbox after switch = %v", kinds)
	}

	// Late events for the old subscription must not cancel the new one.
	f.proc.PutSubscription(remoteSub("sub_A", "canceled", starterItem()))
	if code := f.deliver(t, event(t, "evt_3", processor.EventSubscriptionUpdated, map[string]any{"id": "sub_A", "customer": "cus_1", "metadata": map[string]string{"tenant_id": "t1"}}), testSecret); code != http.StatusOK {
		t.Fatalf("updated A = %d", code)
	}
	if code := f.deliver(t, event(t, "evt_4", processor.EventSubscriptionDeleted, map[string]any{"id": "sub_A", "customer": "cus_1", "metadata": map[string]string{"tenant_id": "t1"}}), testSecret); code != http.StatusOK {
		t.Fatalf("deleted A = %d", code)
	}
	final := f.sub(t, "t1")
	if final.StripeSubscriptionID != "sub_B" || final.Status != billing.StatusActive {
		t.Errorf("final = %+v, want sub_B ACTIVE", final)
	}
	if ent := f.entitlement(t, "t1"); !ent.HasModule("crm") {
		t.Errorf("entitlement lost business modules: %+v", ent)
	}
}

// ---------------------------------------------------------------------------
// Webhook handling
// ---------------------------------------------------------------------------

func TestWebhook_CheckoutCompleted(t *testing.T) {
	f := newFixture(t)
	f.proc.PutSubscription(remoteSub("sub_1", "trialing", starterItem()))
	body := event(t, "evt_1", processor.EventCheckoutCompleted, map[string]any{
		"id": "cs_1", "client_reference_id": "t1", "customer": "cus_1", "subscription": "sub_1", "mode": "subscription",
	})
	if code := f.deliver(t, body, testSecret); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if f.proc.Fetches("sub_1") != 1 {
		t.Errorf("fetches = %d, want 1", f.proc.Fetches("sub_1"))
	}
	if ent := f.entitlement(t, "t1"); ent.Status != billing.EntitlementTrial || !ent.HasModule("pos") {
		t.Errorf("entitlement = %+v", ent)
	}
}

func TestWebhook_InvalidSignatureChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.proc.PutSubscription(remoteSub("sub_1", "active", starterItem()))
	body := event(t, "evt_1", processor.EventSubscriptionCreated, map[string]any{"id": "sub_1", "metadata": map[string]string{"tenant_id": "t1"}})
	if code := f.deliver(t, body, "forged"); code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", code)
	}
	if _, err := f.st.Subscriptions().GetByTenant(context.Background(), "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("subscription written despite bad signature: %v", err)
	}
	if f.proc.Fetches("sub_1") != 0 {
		t.Error("processor fetched despite bad signature")
	}
}

func TestWebhook_Outcomes(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body []byte
		want int
	}{
		{"unknown type", event(t, "evt_u", "customer.created", map[string]any{"id": "cus_9"}), http.StatusOK},
		{"unresolved tenant", event(t, "evt_x", processor.EventSubscriptionUpdated, map[string]any{"id": "sub_9", "customer": "cus_9"}), http.StatusOK},
		{"malformed object", event(t, "evt_m", processor.EventInvoicePaid, []string{"not", "an", "invoice"}), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := f.deliver(t, tt.body, testSecret); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestWebhook_ProcessorFailureReturns500(t *testing.T) {
	f := newFixture(t)
	f.proc.FailGet(errors.New("processor unavailable"))
	body := event(t, "evt_1", processor.EventSubscriptionUpdated, map[string]any{"id": "sub_1", "metadata": map[string]string{"tenant_id": "t1"}})
	if code := f.deliver(t, body, testSecret); code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", code)
	}
	if _, err := f.st.Subscriptions().GetByTenant(context.Background(), "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Error("state written after failed fetch")
	}
}

func TestWebhook_ResolvesTenantByCustomer(t *testing.T) {
	f := newFixture(t)
	remote := remoteSub("sub_2", "active", starterItem())
	remote.CustomerID = "cus_2"
	remote.Metadata = nil
	f.proc.PutSubscription(remote)
	body := event(t, "evt_1", processor.EventSubscriptionCreated, map[string]any{"id": "sub_2", "customer": "cus_2"})
	if code := f.deliver(t, body, testSecret); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if sub := f.sub(t, "t2"); sub.StripeSubscriptionID != "sub_2" {
		t.Errorf("sub = %+v", sub)
	}
}

// ---------------------------------------------------------------------------
// ERP isolation
// ---------------------------------------------------------------------------

func TestERPFailureDoesNotAffectLocalState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fake := erp.NewFake()
	fake.SetDown(true)
	worker := outbox.NewWorker(f.st.Outbox(), outbox.NewERPDispatcher(f.st, fake, nil, nil).Router(),
		outbox.Config{MaxAttempts: 5, Backoff: outbox.Backoff{Initial: time.Nanosecond, Max: time.Nanosecond}}, nil, nil)

	f.proc.PutSubscription(remoteSub("sub_1", "active", starterItem()))
	if err := f.svc.OnSubscriptionChanged(ctx, &processor.SubscriptionObject{ID: "sub_1", Metadata: map[string]string{"tenant_id": "t1"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := worker.ProcessBatch(ctx); err != nil {
		t.Fatal(err)
	}
	if fake.Calls("partner") == 0 {
		t.Fatal("erp was not attempted")
	}
	if sub := f.sub(t, "t1"); sub.Status != billing.StatusActive {
		t.Errorf("status = %s, want ACTIVE", sub.Status)
	}
	if ent := f.entitlement(t, "t1"); ent.Status != billing.EntitlementActive {
		t.Errorf("entitlement = %s, want ACTIVE", ent.Status)
	}
	stats, _ := f.st.Outbox().Stats(ctx)
	if stats.Pending != 1 {
		t.Errorf("outbox stats = %+v, want mirror pending retry", stats)
	}

	fake.SetDown(false)
	time.Sleep(time.Millisecond)
	if _, err := worker.ProcessBatch(ctx); err != nil {
		t.Fatal(err)
	}
	if f.sub(t, "t1").ERPOrderID == 0 {
		t.Error("order not mirrored after erp recovered")
	}
}

// ---------------------------------------------------------------------------
// Invoices
// ---------------------------------------------------------------------------

func paidInvoice(number string) map[string]any {
	return map[string]any{
		"id":                 "in_" + number,
		"number":             number,
		"customer":           "cus_1",
		"subscription":       "sub_1",
		"status":             "paid",
		"amount_paid":        2900,
		"amount_due":         2900,
		"currency":           "eur",
		"created":            testNow.Add(-time.Hour).Unix(),
		"status_transitions": map[string]any{"paid_at": testNow.Unix()},
	}
}

func TestInvoicePaid_DuplicateDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SyncSubscription(ctx, "t1", remoteSub("sub_1", "active", starterItem())); err != nil {
		t.Fatal(err)
	}
	f.outboxKinds(t)

	body := event(t, "evt_p", processor.EventInvoicePaid, paidInvoice("INV-001"))
	for i := 0; i < 2; i++ {
		if code := f.deliver(t, body, testSecret); code != http.StatusOK {
			t.Fatalf("delivery %d = %d", i, code)
		}
	}
	invoices, err := f.st.Invoices().ListByTenant(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(invoices) != 1 || invoices[0].Status != billing.InvoicePaid || invoices[0].Amount != 2900 {
		t.Fatalf("invoices = %+v", invoices)
	}
	if got := f.outboxKinds(t); fmt.Sprint(got) != fmt.Sprint([]string{outbox.KindRegisterPayment}) {
		t.Errorf("outbox = %v, want one register_payment", got)
	}
	if n := len(f.notes.Sent(notify.KindPaymentSucceeded)); n != 1 {
		t.Errorf("payment notifications = %d, want 1", n)
	}
}

func TestPaymentFailureAndRecovery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SyncSubscription(ctx, "t1", remoteSub("sub_1", "active", starterItem(), ocrItem())); err != nil {
		t.Fatal(err)
	}

	failed := paidInvoice("INV-002")
	failed["status"] = "open"
	failed["amount_paid"] = 0
	failed["next_payment_attempt"] = testNow.AddDate(0, 0, 3).Unix()
	delete(failed, "status_transitions")
	if code := f.deliver(t, event(t, "evt_f", processor.EventInvoicePaymentFailed, failed), testSecret); code != http.StatusOK {
		t.Fatalf("failed delivery = %d", code)
	}
	if sub := f.sub(t, "t1"); sub.Status != billing.StatusPastDue {
		t.Errorf("status = %s, want PAST_DUE", sub.Status)
	}
	ent := f.entitlement(t, "t1")
	if ent.Status != billing.EntitlementPastDue || !ent.HasModule("ocr") {
		t.Errorf("entitlement = %+v, want PAST_DUE with modules kept", ent)
	}
	sent := f.notes.Sent(notify.KindPaymentFailed)
	if len(sent) != 1 || sent[0].Data["next_payment_attempt"] == nil {
		t.Errorf("failure notification = %+v", sent)
	}

	if code := f.deliver(t, event(t, "evt_p", processor.EventInvoicePaid, paidInvoice("INV-002")), testSecret); code != http.StatusOK {
		t.Fatalf("paid delivery = %d", code)
	}
	if sub := f.sub(t, "t1"); sub.Status != billing.StatusActive {
		t.Errorf("status = %s, want ACTIVE after payment", sub.Status)
	}
	if ent := f.entitlement(t, "t1"); ent.Status != billing.EntitlementActive {
		t.Errorf("entitlement = %s, want ACTIVE", ent.Status)
	}

	// A late failure for the settled invoice changes nothing.
	if code := f.deliver(t, event(t, "evt_f2", processor.EventInvoicePaymentFailed, failed), testSecret); code != http.StatusOK {
		t.Fatalf("late failure = %d", code)
	}
	if sub := f.sub(t, "t1"); sub.Status != billing.StatusActive {
		t.Errorf("status = %s after late failure, want ACTIVE", sub.Status)
	}
	inv, _ := f.st.Invoices().GetByNumber(ctx, "INV-002")
	if inv.Status != billing.InvoicePaid {
		t.Errorf("invoice status = %s, want PAID", inv.Status)
	}
}

// ---------------------------------------------------------------------------
// Deletion and trial ending
// ---------------------------------------------------------------------------

func TestSubscriptionDeleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SyncSubscription(ctx, "t1", remoteSub("sub_1", "active", starterItem())); err != nil {
		t.Fatal(err)
	}
	sub := f.sub(t, "t1")
	_ = f.st.Subscriptions().SetERPOrderID(ctx, sub.ID, 42)
	f.outboxKinds(t)

	body := event(t, "evt_d", processor.EventSubscriptionDeleted, map[string]any{"id": "sub_1", "customer": "cus_1"})
	if code := f.deliver(t, body, testSecret); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	sub = f.sub(t, "t1")
	if sub.Status != billing.StatusCancelled || sub.EndDate == nil || !sub.EndDate.Equal(testNow) {
		t.Errorf("sub = %+v", sub)
	}
	ent := f.entitlement(t, "t1")
	if ent.Status != billing.EntitlementExpired || entitlement.Usable(ent) {
		t.Errorf("entitlement = %+v, want EXPIRED", ent)
	}
	if got := f.outboxKinds(t); fmt.Sprint(got) != fmt.Sprint([]string{outbox.KindCancelOrder}) {
		t.Errorf("outbox = %v", got)
	}
	if len(f.notes.Sent(notify.KindSubscriptionCancelled)) != 1 {
		t.Error("no cancellation notification")
	}

	// Redelivery is harmless.
	if code := f.deliver(t, body, testSecret); code != http.StatusOK {
		t.Fatalf("redelivery = %d", code)
	}
	if again := f.sub(t, "t1"); !again.EndDate.Equal(*sub.EndDate) {
		t.Errorf("end date moved on redelivery")
	}
}

func TestTrialWillEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SyncSubscription(ctx, "t1", remoteSub("sub_1", "trialing", starterItem())); err != nil {
		t.Fatal(err)
	}
	end := testNow.AddDate(0, 0, 3)
	body := event(t, "evt_t", processor.EventSubscriptionTrialEnding, map[string]any{"id": "sub_1", "customer": "cus_1", "trial_end": end.Unix()})
	if code := f.deliver(t, body, testSecret); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	sent := f.notes.Sent(notify.KindTrialEnding)
	if len(sent) != 1 || sent[0].TenantID != "t1" {
		t.Fatalf("notifications = %+v", sent)
	}
	if got, _ := sent[0].Data["trial_end"].(time.Time); !got.Equal(end) {
		t.Errorf("trial_end = %v, want %v", sent[0].Data["trial_end"], end)
	}
	if sub := f.sub(t, "t1"); sub.Status != billing.StatusTrial {
		t.Errorf("state changed: %s", sub.Status)
	}
}

// ---------------------------------------------------------------------------
// Admin operations
// ---------------------------------------------------------------------------

func TestAdminItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SyncSubscription(ctx, "t1", remoteSub("sub_1", "active", starterItem())); err != nil {
		t.Fatal(err)
	}
	f.outboxKinds(t)

	item, err := f.svc.AddItem(ctx, "t1", "addon-ocr", 1, "alice")
	if err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if !f.entitlement(t, "t1").HasModule("ocr") {
		t.Error("ocr not granted after AddItem")
	}
	if total := f.sub(t, "t1").TotalAmount; total != 2900+900 {
		t.Errorf("total = %d, want 3800", total)
	}
	if got := f.outboxKinds(t); fmt.Sprint(got) != fmt.Sprint([]string{outbox.KindPushOrder}) {
		t.Errorf("outbox = %v", got)
	}

	if err := f.svc.CancelItem(ctx, "t1", item.ID, "alice"); err != nil {
		t.Fatalf("CancelItem: %v", err)
	}
	if f.entitlement(t, "t1").HasModule("ocr") {
		t.Error("ocr still granted after CancelItem")
	}
	if err := f.svc.CancelItem(ctx, "t1", item.ID, "alice"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("second cancel = %v, want ErrConflict", err)
	}
	if err := f.svc.CancelItem(ctx, "t2", item.ID, "alice"); !errors.Is(err, billing.ErrNoSubscription) {
		t.Errorf("cancel for tenant without subscription = %v", err)
	}
	if _, err := f.svc.AddItem(ctx, "t1", "no-such-product", 1, "alice"); !errors.Is(err, billing.ErrUnresolvedProduct) {
		t.Errorf("unknown product = %v", err)
	}
	if _, err := f.svc.AddItem(ctx, "t1", "addon-ocr", 0, "alice"); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("zero quantity = %v", err)
	}

	entries, _ := f.st.Audit().Query(ctx, store.AuditFilter{TenantID: "t1", Action: "admin_op"})
	if len(entries) != 2 || entries[0].Actor != "alice" {
		t.Errorf("admin audit = %+v", entries)
	}
}

func TestAdminItems_TerminalSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SyncSubscription(ctx, "t1", remoteSub("sub_1", "canceled", starterItem())); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AddItem(ctx, "t1", "addon-ocr", 1, "alice"); !errors.Is(err, ErrInactive) {
		t.Errorf("AddItem on cancelled = %v, want ErrInactive", err)
	}
}

func TestAdminHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.SyncSubscription(ctx, "t1", remoteSub("sub_1", "active", starterItem())); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	NewHandler(f.svc).RegisterAdminRoutes(mux)
	do := func(method, path, body string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(method, path, bytes.NewBufferString(body)))
		return rr
	}

	rr := do(http.MethodPost, "/api/v1/billing/tenants/t1/items", `{"product_code":"addon-terminal","quantity":2}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("add = %d %s", rr.Code, rr.Body)
	}
	var item billing.SubscriptionItem
	_ = json.NewDecoder(rr.Body).Decode(&item)

	if rr := do(http.MethodPost, "/api/v1/billing/tenants/t1/items", `{"product_code":"bogus"}`); rr.Code != http.StatusBadRequest {
		t.Errorf("bogus product = %d, want 400", rr.Code)
	}
	if rr := do(http.MethodGet, "/api/v1/billing/tenants/t1/subscription", ""); rr.Code != http.StatusOK {
		t.Errorf("get = %d", rr.Code)
	}
	if rr := do(http.MethodGet, "/api/v1/billing/tenants/t2/subscription", ""); rr.Code != http.StatusNotFound {
		t.Errorf("get without subscription = %d, want 404", rr.Code)
	}
	if rr := do(http.MethodDelete, "/api/v1/billing/tenants/t1/items/"+item.ID, ""); rr.Code != http.StatusOK {
		t.Errorf("cancel = %d", rr.Code)
	}
	if rr := do(http.MethodDelete, "/api/v1/billing/tenants/t1/items/"+item.ID, ""); rr.Code != http.StatusConflict {
		t.Errorf("cancel twice = %d, want 409", rr.Code)
	}
	if rr := do(http.MethodDelete, "/api/v1/billing/tenants/t1/items/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("cancel missing = %d, want 404", rr.Code)
	}
}
