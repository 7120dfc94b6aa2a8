package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeOdoo is a tiny JSON-RPC server holding records in memory.
type fakeOdoo struct {
	mu         sync.Mutex
	password   string
	records    map[string]map[int64]map[string]any
	nextID     int64
	logins     int
	expireOnce bool
	calls      map[string]int // model.method -> count
	failOnce   map[string]bool
}

func newFakeOdoo(t *testing.T) (*fakeOdoo, *Client) {
	t.Helper()
	f := &fakeOdoo{
		password: "secret",
		records:  make(map[string]map[int64]map[string]any),
		calls:    make(map[string]int),
		failOnce: make(map[string]bool),
	}
	f.insert(modelJournal, map[string]any{"name": "Cash", "type": "cash", "company_id": float64(1)})
	f.insert(modelJournal, map[string]any{"name": "Other bank", "type": "bank", "company_id": float64(2)})
	f.insert(modelJournal, map[string]any{"name": "Bank", "type": "bank", "company_id": float64(1)})
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	c := NewClient(Config{URL: srv.URL, Database: "db", Username: "admin", Password: "secret"}, srv.Client(), nil)
	return f, c
}

func (f *fakeOdoo) insert(model string, values map[string]any) int64 {
	f.nextID++
	if f.records[model] == nil {
		f.records[model] = make(map[int64]map[string]any)
	}
	rec := map[string]any{"id": float64(f.nextID)}
	for k, v := range values {
		rec[k] = v
	}
	f.records[model][f.nextID] = rec
	return f.nextID
}

func (f *fakeOdoo) count(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[model])
}

func (f *fakeOdoo) get(model string, id int64) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]any)
	for k, v := range f.records[model][id] {
		out[k] = v
	}
	return out
}

func (f *fakeOdoo) all(model string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for _, rec := range f.records[model] {
		out = append(out, rec)
	}
	return out
}

func (f *fakeOdoo) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeOdoo) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     int64 `json:"id"`
		Params struct {
			Service string            `json:"service"`
			Method  string            `json:"method"`
			Args    []json.RawMessage `json:"args"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	reply := func(result any, rpcErr map[string]any) {
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
	fail := func(name, msg string) {
		reply(nil, map[string]any{"code": 200, "message": "Odoo Server Error", "data": map[string]any{"name": name, "message": msg}})
	}

	if req.Params.Service == "common" && req.Params.Method == "login" {
		f.logins++
		var pw string
		_ = json.Unmarshal(req.Params.Args[2], &pw)
		if pw != f.password {
			reply(false, nil)
			return
		}
		reply(7, nil)
		return
	}
	if f.expireOnce {
		f.expireOnce = false
		fail("odoo.http.SessionExpiredException", "Session expired")
		return
	}

	var model, method string
	_ = json.Unmarshal(req.Params.Args[3], &model)
	_ = json.Unmarshal(req.Params.Args[4], &method)
	var args []any
	_ = json.Unmarshal(req.Params.Args[5], &args)
	var kwargs map[string]any
	_ = json.Unmarshal(req.Params.Args[6], &kwargs)
	f.calls[model+"."+method]++
	if f.failOnce[model+"."+method] {
		delete(f.failOnce, model+"."+method)
		fail("odoo.exceptions.UserError", "injected failure")
		return
	}

	switch method {
	case "search", "search_read":
		domain, _ := args[0].([]any)
		var ids []int64
		for id, rec := range f.records[model] {
			if matchDomain(rec, domain) {
				ids = append(ids, id)
			}
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		if l, ok := kwargs["limit"].(float64); ok && int(l) < len(ids) {
			ids = ids[:int(l)]
		}
		if method == "search" {
			reply(ids, nil)
			return
		}
		var fields []string
		if raw, ok := kwargs["fields"].([]any); ok {
			for _, v := range raw {
				fields = append(fields, v.(string))
			}
		}
		rows := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			rows = append(rows, readRecord(f.records[model][id], fields))
		}
		reply(rows, nil)
	case "create":
		values, _ := args[0].(map[string]any)
		switch model {
		case modelOrder:
			if _, ok := values["company_id"]; !ok {
				values["company_id"] = float64(1)
			}
			values["state"] = "draft"
		case modelMove:
			values["state"] = "draft"
			values["payment_state"] = "not_paid"
			values["amount_total"] = lineTotal(values["invoice_line_ids"])
		case modelPaymentRegister:
			values["context"] = kwargs["context"]
		}
		id := f.insert(model, values)
		if model == modelOrder {
			f.records[model][id]["name"] = fmt.Sprintf("S%05d", id)
		}
		reply(id, nil)
	case "write":
		for _, id := range toIDs(args[0]) {
			for k, v := range args[1].(map[string]any) {
				f.records[model][id][k] = v
			}
		}
		reply(true, nil)
	case "unlink":
		for _, id := range toIDs(args[0]) {
			delete(f.records[model], id)
		}
		reply(true, nil)
	case "action_confirm", "action_cancel", "action_post":
		state := map[string]string{"action_confirm": "sale", "action_cancel": "cancel", "action_post": "posted"}[method]
		for _, id := range toIDs(args[0]) {
			rec, ok := f.records[model][id]
			if !ok {
				fail("odoo.exceptions.MissingError", "record does not exist")
				return
			}
			rec["state"] = state
			if method == "action_post" {
				rec["name"] = fmt.Sprintf("INV/2026/%05d", id)
			}
		}
		reply(true, nil)
	case "action_create_payments":
		for _, id := range toIDs(args[0]) {
			wiz := f.records[model][id]
			ctxVals, _ := wiz["context"].(map[string]any)
			for _, moveID := range toIDs(ctxVals["active_ids"]) {
				f.records[modelMove][moveID]["payment_state"] = "paid"
				f.records[modelMove][moveID]["paid_journal_id"] = wiz["journal_id"]
			}
		}
		reply(true, nil)
	default:
		fail("odoo.exceptions.UserError", "unsupported method "+method)
	}
}

func toIDs(v any) []int64 {
	raw, _ := v.([]any)
	out := make([]int64, 0, len(raw))
	for _, x := range raw {
		out = append(out, int64(x.(float64)))
	}
	return out
}

func lineTotal(v any) float64 {
	var total float64
	cmds, _ := v.([]any)
	for _, c := range cmds {
		parts, _ := c.([]any)
		if len(parts) != 3 {
			continue
		}
		vals, _ := parts[2].(map[string]any)
		qty, _ := vals["quantity"].(float64)
		price, _ := vals["price_unit"].(float64)
		total += qty * price
	}
	return total
}

func readRecord(rec map[string]any, fields []string) map[string]any {
	out := map[string]any{"id": rec["id"]}
	for _, name := range fields {
		v, ok := rec[name]
		switch {
		case !ok:
			out[name] = false
		case strings.HasSuffix(name, "_id"):
			if n, isNum := v.(float64); isNum {
				out[name] = []any{n, fmt.Sprintf("record %d", int64(n))}
			} else {
				out[name] = v
			}
		default:
			out[name] = v
		}
	}
	return out
}

func matchDomain(rec map[string]any, domain []any) bool {
	for _, raw := range domain {
		term, _ := raw.([]any)
		field, op, want := term[0].(string), term[1].(string), term[2]
		got := rec[field]
		if field == "id" {
			got = rec["id"]
		}
		switch op {
		case "=":
			if fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
		case "!=":
			if fmt.Sprint(got) == fmt.Sprint(want) {
				return false
			}
		case "=ilike":
			if !strings.EqualFold(fmt.Sprint(got), fmt.Sprint(want)) {
				return false
			}
		case "=like":
			s, _ := got.(string)
			if !likeMatch(s, want.(string)) {
				return false
			}
		case "in":
			found := false
			for _, w := range want.([]any) {
				if fmt.Sprint(got) == fmt.Sprint(w) {
					found = true
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// likeMatch supports % wildcards only.
func likeMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i, p := range parts[1:] {
		if i == len(parts)-2 {
			return strings.HasSuffix(s, p)
		}
		idx := strings.Index(s, p)
		if idx < 0 {
			return false
		}
		s = s[idx+len(p):]
	}
	return s == ""
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

func TestClientReloginOnSessionExpired(t *testing.T) {
	f, c := newFakeOdoo(t)
	ctx := context.Background()
	if _, err := c.Search(ctx, modelPartner, Domain(), 0); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.expireOnce = true
	f.mu.Unlock()
	if _, err := c.Search(ctx, modelPartner, Domain(), 0); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	f.mu.Lock()
	logins := f.logins
	f.mu.Unlock()
	if logins != 2 {
		t.Errorf("expected 2 logins, got %d", logins)
	}
}

func TestClientAuthFailed(t *testing.T) {
	f, c := newFakeOdoo(t)
	f.mu.Lock()
	f.password = "other"
	f.mu.Unlock()
	_, err := c.Search(context.Background(), modelPartner, Domain(), 0)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestClientRPCError(t *testing.T) {
	_, c := newFakeOdoo(t)
	err := c.Call(context.Background(), modelOrder, "explode", nil, nil, nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %v", err)
	}
	if !strings.Contains(rpcErr.Error(), "unsupported method") {
		t.Errorf("unexpected message: %v", rpcErr)
	}
}

func TestDecodeFieldTypes(t *testing.T) {
	var row struct {
		Partner Many2one `json:"partner_id"`
		Company Many2one `json:"company_id"`
		Raw     Many2one `json:"raw_id"`
		Name    Text     `json:"name"`
	}
	in := `{"partner_id":[12,"Acme"],"company_id":false,"raw_id":5,"name":false}`
	if err := json.Unmarshal([]byte(in), &row); err != nil {
		t.Fatal(err)
	}
	if row.Partner.ID != 12 || row.Partner.Name != "Acme" {
		t.Errorf("partner: %+v", row.Partner)
	}
	if row.Company.ID != 0 || row.Raw.ID != 5 || row.Name != "" {
		t.Errorf("unexpected decode: %+v", row)
	}
	if toMinor(19.99) != 1999 || toMajor(1999) != 19.99 {
		t.Error("amount conversion mismatch")
	}
}

// ---------------------------------------------------------------------------
// Adapter
// ---------------------------------------------------------------------------

func TestCreateOrGetPartner(t *testing.T) {
	f, c := newFakeOdoo(t)
	a := NewAdapter(c, nil)
	ctx := context.Background()

	id1, err := a.CreateOrGetPartner(ctx, "Acme", "billing@acme.test")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := a.CreateOrGetPartner(ctx, "Acme Renamed", "BILLING@acme.test")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("expected same partner, got %d and %d", id1, id2)
	}
	if n := f.count(modelPartner); n != 1 {
		t.Errorf("expected 1 partner, got %d", n)
	}
}

func TestPushSubscriptionOrderReplacesLines(t *testing.T) {
	f, c := newFakeOdoo(t)
	a := NewAdapter(c, nil)
	ctx := context.Background()
	partner, _ := a.CreateOrGetPartner(ctx, "Acme", "a@acme.test")

	push := OrderPush{PartnerID: partner, Reference: "sub_1", Lines: []OrderLine{
		{ProductCode: "business", Name: "Business", Quantity: 1, UnitPrice: 7900},
		{ProductCode: "addon-ocr", Name: "Document OCR", Quantity: 1, UnitPrice: 900},
	}}
	orderID, err := a.PushSubscriptionOrder(ctx, push)
	if err != nil {
		t.Fatal(err)
	}
	if n := f.count(modelOrderLine); n != 2 {
		t.Fatalf("expected 2 lines, got %d", n)
	}

	push.Lines = push.Lines[:1]
	again, err := a.PushSubscriptionOrder(ctx, push)
	if err != nil {
		t.Fatal(err)
	}
	if again != orderID {
		t.Errorf("expected order %d to be reused, got %d", orderID, again)
	}
	if n := f.count(modelOrderLine); n != 1 {
		t.Errorf("expected lines replaced down to 1, got %d", n)
	}
	if n := f.count(modelProduct); n != 2 {
		t.Errorf("expected 2 products created once each, got %d", n)
	}

	// A stale order id falls back to the reference lookup.
	push.OrderID = 9999
	byRef, err := a.PushSubscriptionOrder(ctx, push)
	if err != nil {
		t.Fatal(err)
	}
	if byRef != orderID {
		t.Errorf("expected lookup by reference to find %d, got %d", orderID, byRef)
	}
}

func TestConfirmAndCancelOrder(t *testing.T) {
	f, c := newFakeOdoo(t)
	a := NewAdapter(c, nil)
	ctx := context.Background()
	orderID, err := a.PushSubscriptionOrder(ctx, OrderPush{PartnerID: 1, Reference: "sub_2"})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.ConfirmOrder(ctx, orderID); err != nil {
		t.Fatal(err)
	}
	if err := a.ConfirmOrder(ctx, orderID); err != nil {
		t.Fatal(err)
	}
	if got := f.callCount(modelOrder + ".action_confirm"); got != 1 {
		t.Errorf("expected one confirm, got %d", got)
	}
	if err := a.CancelOrder(ctx, orderID); err != nil {
		t.Fatal(err)
	}
	if err := a.CancelOrder(ctx, orderID); err != nil {
		t.Fatal(err)
	}
	if got := f.callCount(modelOrder + ".action_cancel"); got != 1 {
		t.Errorf("expected one cancel, got %d", got)
	}
	if err := a.ConfirmOrder(ctx, 424242); err == nil {
		t.Error("expected error confirming unknown order")
	}
}

func TestCreateInvoiceAndRegisterPayment(t *testing.T) {
	f, c := newFakeOdoo(t)
	a := NewAdapter(c, nil)
	ctx := context.Background()
	orderID, _ := a.PushSubscriptionOrder(ctx, OrderPush{PartnerID: 1, Reference: "sub_3"})

	pay := PaymentSync{OrderID: orderID, Reference: "in_100", Amount: 8800, Date: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	invID, err := a.CreateInvoiceAndRegisterPayment(ctx, pay)
	if err != nil {
		t.Fatal(err)
	}
	inv := f.get(modelMove, invID)
	if inv["state"] != "posted" || inv["payment_state"] != "paid" {
		t.Fatalf("invoice not posted and paid: %v", inv)
	}
	if inv["amount_total"] != 88.0 {
		t.Errorf("expected amount 88.0, got %v", inv["amount_total"])
	}
	// Bank of the order's company wins over cash and other companies.
	journal := f.get(modelJournal, int64(inv["paid_journal_id"].(float64)))
	if journal["type"] != "bank" || journal["company_id"] != float64(1) {
		t.Errorf("wrong journal picked: %v", journal)
	}

	again, err := a.CreateInvoiceAndRegisterPayment(ctx, pay)
	if err != nil {
		t.Fatal(err)
	}
	if again != invID {
		t.Errorf("expected idempotent invoice %d, got %d", invID, again)
	}
	if got := f.callCount(modelPaymentRegister + ".action_create_payments"); got != 1 {
		t.Errorf("expected a single payment, got %d", got)
	}
}

func TestCreateInvoiceNoJournal(t *testing.T) {
	_, c := newFakeOdoo(t)
	a := NewAdapter(c, nil)
	ctx := context.Background()
	orderID, _ := a.PushSubscriptionOrder(ctx, OrderPush{PartnerID: 1, Reference: "sub_4"})
	_, err := a.CreateInvoiceAndRegisterPayment(ctx, PaymentSync{
		OrderID: orderID, Reference: "in_101", Amount: 100, Date: time.Now(), JournalTypes: []string{"general"},
	})
	if err == nil || !strings.Contains(err.Error(), "no general journal") {
		t.Fatalf("expected missing journal error, got %v", err)
	}
}

func TestRecordUsageWritesAbsoluteQuantity(t *testing.T) {
	f, c := newFakeOdoo(t)
	a := NewAdapter(c, nil)
	ctx := context.Background()

	rec := UsageRecord{PartnerID: 1, TenantID: "t1", PeriodKey: "2026-03", FeatureKey: "ocr", Quantity: 2, UnitPrice: 10}
	orderID, err := a.RecordUsage(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	rec.Quantity = 5
	again, err := a.RecordUsage(ctx, rec)
	if err != nil {
		t.Fatal(err)
	}
	if again != orderID {
		t.Errorf("expected same usage order, got %d and %d", orderID, again)
	}
	if n := f.count(modelOrderLine); n != 1 {
		t.Fatalf("expected 1 usage line, got %d", n)
	}
	for _, line := range f.all(modelOrderLine) {
		if line["product_uom_qty"] != 5.0 {
			t.Errorf("expected qty 5, got %v", line["product_uom_qty"])
		}
	}
	if ref := f.get(modelOrder, orderID)["client_order_ref"]; ref != "usage:t1:2026-03" {
		t.Errorf("unexpected order ref %v", ref)
	}
}

func TestOverageRules(t *testing.T) {
	f, c := newFakeOdoo(t)
	a := NewAdapter(c, nil)
	f.mu.Lock()
	f.insert(modelConfigParam, map[string]any{"key": "billing.overage.ocr.free_quota", "value": "40"})
	f.insert(modelConfigParam, map[string]any{"key": "billing.overage.sms.unit_price", "value": "3"})
	f.insert(modelConfigParam, map[string]any{"key": "billing.overage.sms.free_quota", "value": "oops"})
	f.insert(modelConfigParam, map[string]any{"key": "web.base.url", "value": "http://x"})
	f.mu.Unlock()

	rules, err := a.OverageRules(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if r := rules["ocr"]; r.FreeQuota != 40 || r.UnitPrice != 10 {
		t.Errorf("ocr rule: %+v", r)
	}
	if r := rules["sms"]; r.FreeQuota != 0 || r.UnitPrice != 3 || r.FeatureKey != "sms" {
		t.Errorf("sms rule: %+v", r)
	}
	if len(rules) != 2 {
		t.Errorf("expected 2 rules, got %d", len(rules))
	}
}

func TestConsolidateUsage(t *testing.T) {
	f, c := newFakeOdoo(t)
	a := NewAdapter(c, nil)
	ctx := context.Background()

	if inv, err := a.ConsolidateUsage(ctx, 1, "2026-03"); err != nil || inv != nil {
		t.Fatalf("expected nothing to consolidate, got %v, %v", inv, err)
	}
	for _, r := range []UsageRecord{
		{PartnerID: 1, TenantID: "t1", PeriodKey: "2026-03", FeatureKey: "ocr", Quantity: 2, UnitPrice: 10},
		{PartnerID: 1, TenantID: "t1", PeriodKey: "2026-03", FeatureKey: "export", Quantity: 4, UnitPrice: 5},
		{PartnerID: 1, TenantID: "t1", PeriodKey: "2026-02", FeatureKey: "ocr", Quantity: 9, UnitPrice: 10},
	} {
		if _, err := a.RecordUsage(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	inv, err := a.ConsolidateUsage(ctx, 1, "2026-03")
	if err != nil {
		t.Fatal(err)
	}
	if inv == nil || inv.State != "posted" || inv.Amount != 40 {
		t.Fatalf("unexpected invoice: %+v", inv)
	}
	if len(inv.OrderIDs) != 1 {
		t.Errorf("expected 1 order consolidated, got %v", inv.OrderIDs)
	}
	if state := f.get(modelOrder, inv.OrderIDs[0])["state"]; state != "sale" {
		t.Errorf("expected usage order confirmed, got %v", state)
	}

	again, err := a.ConsolidateUsage(ctx, 1, "2026-03")
	if err != nil {
		t.Fatal(err)
	}
	if again.InvoiceID != inv.InvoiceID {
		t.Errorf("expected idempotent consolidation, got %d and %d", inv.InvoiceID, again.InvoiceID)
	}
	if n := f.callCount(modelMove + ".create"); n != 1 {
		t.Errorf("expected 1 invoice created, got %d", n)
	}
}

func TestConsolidateUsage_RetryPostsDraftInvoice(t *testing.T) {
	f, c := newFakeOdoo(t)
	a := NewAdapter(c, nil)
	ctx := context.Background()

	rec := UsageRecord{PartnerID: 1, TenantID: "t1", PeriodKey: "2026-03", FeatureKey: "ocr", Quantity: 3, UnitPrice: 10}
	if _, err := a.RecordUsage(ctx, rec); err != nil {
		t.Fatal(err)
	}
	f.mu.Lock()
	f.failOnce[modelMove+".action_post"] = true
	f.mu.Unlock()
	if _, err := a.ConsolidateUsage(ctx, 1, "2026-03"); err == nil {
		t.Fatal("expected post failure")
	}

	inv, err := a.ConsolidateUsage(ctx, 1, "2026-03")
	if err != nil {
		t.Fatal(err)
	}
	if inv == nil || inv.State != "posted" || inv.Amount != 30 {
		t.Fatalf("unexpected invoice: %+v", inv)
	}
	var refs int
	for _, m := range f.all(modelMove) {
		if m["ref"] == "usage-invoice:2026-03:1" {
			refs++
		}
	}
	if refs != 1 {
		t.Errorf("invoices with consolidation ref = %d, want 1", refs)
	}
	if n := f.callCount(modelMove + ".create"); n != 1 {
		t.Errorf("invoice creates = %d, want 1", n)
	}
}

func TestRecordUsage_ClosedPeriodRejected(t *testing.T) {
	f, c := newFakeOdoo(t)
	a := NewAdapter(c, nil)
	ctx := context.Background()

	rec := UsageRecord{PartnerID: 1, TenantID: "t1", PeriodKey: "2026-03", FeatureKey: "ocr", Quantity: 3, UnitPrice: 10}
	if _, err := a.RecordUsage(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ConsolidateUsage(ctx, 1, "2026-03"); err != nil {
		t.Fatal(err)
	}
	orders := f.count(modelOrder)

	rec.Quantity = 8
	if _, err := a.RecordUsage(ctx, rec); !errors.Is(err, ErrPeriodClosed) {
		t.Fatalf("expected ErrPeriodClosed, got %v", err)
	}
	if n := f.count(modelOrder); n != orders {
		t.Errorf("orders = %d, want %d", n, orders)
	}

	// The same reference under another partner is a separate order.
	other := rec
	other.PartnerID = 2
	if _, err := a.RecordUsage(ctx, other); err != nil {
		t.Fatalf("other partner: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Fake
// ---------------------------------------------------------------------------

func TestFakeDown(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	f.SetDown(true)
	if _, err := f.CreateOrGetPartner(ctx, "a", "a@x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	f.SetDown(false)
	id, err := f.PushSubscriptionOrder(ctx, OrderPush{PartnerID: 1, Reference: "sub", Lines: []OrderLine{{ProductCode: "starter", Quantity: 1}}})
	if err != nil {
		t.Fatal(err)
	}
	if o, ok := f.Order(id); !ok || len(o.Lines) != 1 {
		t.Errorf("unexpected order %+v", o)
	}
	if f.Calls("partner") != 1 {
		t.Errorf("expected failed call to be counted")
	}
}
