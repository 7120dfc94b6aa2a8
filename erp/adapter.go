package erp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
)

// ERP models touched by the adapter.
const (
	modelPartner         = "res.partner"
	modelProduct         = "product.product"
	modelOrder           = "sale.order"
	modelOrderLine       = "sale.order.line"
	modelMove            = "account.move"
	modelJournal         = "account.journal"
	modelPaymentRegister = "account.payment.register"
	modelConfigParam     = "ir.config_parameter"
)

// OverageParamPrefix prefixes the config parameters holding overage rules,
// e.g. billing.overage.ocr.free_quota and billing.overage.ocr.unit_price.
const OverageParamPrefix = "billing.overage."

// DefaultJournalTypes is the payment journal preference: bank before cash.
var DefaultJournalTypes = []string{"bank", "cash"}

// OrderLine is one mirrored subscription line. UnitPrice is in minor units.
type OrderLine struct {
	ProductCode string `json:"product_code"`
	Name        string `json:"name"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

// OrderPush describes the full desired state of a subscription order.
type OrderPush struct {
	PartnerID int64       `json:"partner_id"`
	OrderID   int64       `json:"order_id,omitempty"`
	Reference string      `json:"reference"`
	Lines     []OrderLine `json:"lines"`
}

// PaymentSync describes a paid invoice to mirror.
type PaymentSync struct {
	OrderID      int64     `json:"order_id"`
	Reference    string    `json:"reference"`
	Amount       int64     `json:"amount"`
	Date         time.Time `json:"date"`
	JournalTypes []string  `json:"journal_types,omitempty"`
}

// UsageRecord is one feature's billable overage for a tenant and period.
type UsageRecord struct {
	PartnerID  int64  `json:"partner_id"`
	TenantID   string `json:"tenant_id"`
	PeriodKey  string `json:"period_key"`
	FeatureKey string `json:"feature_key"`
	Quantity   int64  `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
}

// ConsolidatedInvoice is the single posted invoice for a period's usage.
type ConsolidatedInvoice struct {
	InvoiceID int64   `json:"invoice_id"`
	Number    string  `json:"number"`
	Amount    int64   `json:"amount"`
	State     string  `json:"state"`
	OrderIDs  []int64 `json:"order_ids"`
}

// ErrPeriodClosed is returned by RecordUsage when the period's usage order
// has already been confirmed for invoicing.
var ErrPeriodClosed = errors.New("erp: usage period already consolidated")

// ERP is the mirror surface used by the billing core.
type ERP interface {
	CreateOrGetPartner(ctx context.Context, name, email string) (int64, error)
	PushSubscriptionOrder(ctx context.Context, p OrderPush) (int64, error)
	ConfirmOrder(ctx context.Context, orderID int64) error
	CancelOrder(ctx context.Context, orderID int64) error
	CreateInvoiceAndRegisterPayment(ctx context.Context, p PaymentSync) (int64, error)
	RecordUsage(ctx context.Context, r UsageRecord) (int64, error)
	OverageRules(ctx context.Context) (map[string]billing.OverageRule, error)
	ConsolidateUsage(ctx context.Context, partnerID int64, periodKey string) (*ConsolidatedInvoice, error)
}

// Adapter implements ERP on top of a Client.
type Adapter struct {
	client   *Client
	logger   *slog.Logger
	products sync.Map // default_code -> int64
}

// NewAdapter creates an Adapter.
func NewAdapter(client *Client, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{client: client, logger: logger}
}

// UsageOrderRef is the client reference of a tenant's draft usage order.
func UsageOrderRef(tenantID, periodKey string) string {
	return "usage:" + tenantID + ":" + periodKey
}

// CreateOrGetPartner returns the partner matching email (or name when email
// is empty), creating it if needed.
func (a *Adapter) CreateOrGetPartner(ctx context.Context, name, email string) (int64, error) {
	domain := Domain(Term("name", "=", name))
	if email != "" {
		domain = Domain(Term("email", "=ilike", email))
	}
	ids, err := a.client.Search(ctx, modelPartner, domain, 1)
	if err != nil {
		return 0, err
	}
	if len(ids) > 0 {
		return ids[0], nil
	}
	values := map[string]any{"name": name, "is_company": true}
	if email != "" {
		values["email"] = email
	}
	return a.client.Create(ctx, modelPartner, values)
}

// product returns the product id for code, creating a service product when
// the ERP does not know it yet.
func (a *Adapter) product(ctx context.Context, code, name string, price int64) (int64, error) {
	if v, ok := a.products.Load(code); ok {
		return v.(int64), nil
	}
	ids, err := a.client.Search(ctx, modelProduct, Domain(Term("default_code", "=", code)), 1)
	if err != nil {
		return 0, err
	}
	var id int64
	if len(ids) > 0 {
		id = ids[0]
	} else {
		if name == "" {
			name = code
		}
		id, err = a.client.Create(ctx, modelProduct, map[string]any{
			"name":         name,
			"default_code": code,
			"type":         "service",
			"list_price":   toMajor(price),
		})
		if err != nil {
			return 0, err
		}
	}
	a.products.Store(code, id)
	return id, nil
}

type orderRecord struct {
	ID      int64    `json:"id"`
	Name    Text     `json:"name"`
	State   Text     `json:"state"`
	Partner Many2one `json:"partner_id"`
	Company Many2one `json:"company_id"`
}

func (a *Adapter) readOrder(ctx context.Context, orderID int64) (*orderRecord, error) {
	var rows []orderRecord
	if err := a.client.SearchRead(ctx, modelOrder, Domain(Term("id", "=", orderID)),
		[]string{"name", "state", "partner_id", "company_id"}, 1, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// PushSubscriptionOrder makes the ERP order match p, replacing every line.
// It finds the order by id, then by reference, and creates it when missing.
func (a *Adapter) PushSubscriptionOrder(ctx context.Context, p OrderPush) (int64, error) {
	orderID := p.OrderID
	if orderID != 0 {
		o, err := a.readOrder(ctx, orderID)
		if err != nil {
			return 0, err
		}
		if o == nil {
			orderID = 0
		}
	}
	if orderID == 0 && p.Reference != "" {
		ids, err := a.client.Search(ctx, modelOrder, Domain(
			Term("client_order_ref", "=", p.Reference),
			Term("partner_id", "=", p.PartnerID),
			Term("state", "!=", "cancel"),
		), 1)
		if err != nil {
			return 0, err
		}
		if len(ids) > 0 {
			orderID = ids[0]
		}
	}
	if orderID == 0 {
		id, err := a.client.Create(ctx, modelOrder, map[string]any{
			"partner_id":       p.PartnerID,
			"client_order_ref": p.Reference,
		})
		if err != nil {
			return 0, err
		}
		orderID = id
	}

	existing, err := a.client.Search(ctx, modelOrderLine, Domain(Term("order_id", "=", orderID)), 0)
	if err != nil {
		return orderID, err
	}
	if err := a.client.Unlink(ctx, modelOrderLine, existing); err != nil {
		return orderID, err
	}
	for _, l := range p.Lines {
		pid, err := a.product(ctx, l.ProductCode, l.Name, l.UnitPrice)
		if err != nil {
			return orderID, err
		}
		if _, err := a.client.Create(ctx, modelOrderLine, map[string]any{
			"order_id":        orderID,
			"product_id":      pid,
			"name":            lineName(l),
			"product_uom_qty": l.Quantity,
			"price_unit":      toMajor(l.UnitPrice),
		}); err != nil {
			return orderID, err
		}
	}
	return orderID, nil
}

func lineName(l OrderLine) string {
	if l.Name != "" {
		return l.Name
	}
	return l.ProductCode
}

// ConfirmOrder confirms a draft or sent order; other states are left alone.
func (a *Adapter) ConfirmOrder(ctx context.Context, orderID int64) error {
	o, err := a.readOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o == nil {
		return fmt.Errorf("erp: order %d not found", orderID)
	}
	if o.State != "draft" && o.State != "sent" {
		return nil
	}
	return a.client.Call(ctx, modelOrder, "action_confirm", []any{[]int64{orderID}}, nil, nil)
}

// CancelOrder cancels the order unless it already is.
func (a *Adapter) CancelOrder(ctx context.Context, orderID int64) error {
	o, err := a.readOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o == nil || o.State == "cancel" {
		return nil
	}
	return a.client.Call(ctx, modelOrder, "action_cancel", []any{[]int64{orderID}},
		map[string]any{"context": map[string]any{"disable_cancel_warning": true}}, nil)
}

type moveRecord struct {
	ID           int64   `json:"id"`
	Name         Text    `json:"name"`
	State        Text    `json:"state"`
	PaymentState Text    `json:"payment_state"`
	AmountTotal  float64 `json:"amount_total"`
}

func (a *Adapter) findInvoice(ctx context.Context, ref string) (*moveRecord, error) {
	var rows []moveRecord
	if err := a.client.SearchRead(ctx, modelMove, Domain(
		Term("ref", "=", ref),
		Term("move_type", "=", "out_invoice"),
		Term("state", "!=", "cancel"),
	), []string{"name", "state", "payment_state", "amount_total"}, 1, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// CreateInvoiceAndRegisterPayment creates and posts an invoice for the order
// and registers the payment on the preferred journal of the invoice's
// company. An invoice already paid under the same reference is returned as is.
func (a *Adapter) CreateInvoiceAndRegisterPayment(ctx context.Context, p PaymentSync) (int64, error) {
	order, err := a.readOrder(ctx, p.OrderID)
	if err != nil {
		return 0, err
	}
	if order == nil {
		return 0, fmt.Errorf("erp: order %d not found", p.OrderID)
	}

	inv, err := a.findInvoice(ctx, p.Reference)
	if err != nil {
		return 0, err
	}
	if inv != nil && (inv.PaymentState == "paid" || inv.PaymentState == "in_payment") {
		return inv.ID, nil
	}

	var invoiceID int64
	if inv != nil {
		invoiceID = inv.ID
	} else {
		invoiceID, err = a.client.Create(ctx, modelMove, map[string]any{
			"move_type":      "out_invoice",
			"partner_id":     order.Partner.ID,
			"ref":            p.Reference,
			"invoice_origin": string(order.Name),
			"invoice_date":   p.Date.Format(time.DateOnly),
			"invoice_line_ids": []any{
				[]any{0, 0, map[string]any{
					"name":       fmt.Sprintf("%s %s", order.Name, p.Reference),
					"quantity":   1,
					"price_unit": toMajor(p.Amount),
				}},
			},
		})
		if err != nil {
			return 0, err
		}
	}
	if inv == nil || inv.State == "draft" {
		if err := a.client.Call(ctx, modelMove, "action_post", []any{[]int64{invoiceID}}, nil, nil); err != nil {
			return invoiceID, err
		}
	}

	types := p.JournalTypes
	if len(types) == 0 {
		types = DefaultJournalTypes
	}
	journalID, err := a.pickJournal(ctx, order.Company.ID, types)
	if err != nil {
		return invoiceID, err
	}

	wizardCtx := map[string]any{"context": map[string]any{
		"active_model": modelMove,
		"active_ids":   []int64{invoiceID},
	}}
	var wizardID int64
	if err := a.client.Call(ctx, modelPaymentRegister, "create", []any{map[string]any{
		"journal_id":   journalID,
		"amount":       toMajor(p.Amount),
		"payment_date": p.Date.Format(time.DateOnly),
	}}, wizardCtx, &wizardID); err != nil {
		return invoiceID, err
	}
	if err := a.client.Call(ctx, modelPaymentRegister, "action_create_payments", []any{[]int64{wizardID}}, wizardCtx, nil); err != nil {
		return invoiceID, err
	}
	return invoiceID, nil
}

// pickJournal returns the first journal of companyID whose type appears
// earliest in prefs.
func (a *Adapter) pickJournal(ctx context.Context, companyID int64, prefs []string) (int64, error) {
	domain := Domain(Term("type", "in", prefs))
	if companyID != 0 {
		domain = append(domain, []any{"company_id", "=", companyID})
	}
	var rows []struct {
		ID   int64 `json:"id"`
		Type Text  `json:"type"`
	}
	if err := a.client.SearchRead(ctx, modelJournal, domain, []string{"type"}, 0, &rows); err != nil {
		return 0, err
	}
	for _, want := range prefs {
		for _, r := range rows {
			if string(r.Type) == want {
				return r.ID, nil
			}
		}
	}
	return 0, fmt.Errorf("erp: no %s journal for company %d", strings.Join(prefs, "/"), companyID)
}

// RecordUsage sets the feature's line on the tenant's draft usage order for
// the period, creating order and line as needed. The quantity is absolute, so
// repeated runs converge. Once the period's order has been confirmed by
// consolidation it returns ErrPeriodClosed. A zero id with an error means the
// line was not written.
func (a *Adapter) RecordUsage(ctx context.Context, r UsageRecord) (int64, error) {
	ref := UsageOrderRef(r.TenantID, r.PeriodKey)
	var existing []orderRecord
	if err := a.client.SearchRead(ctx, modelOrder, Domain(
		Term("partner_id", "=", r.PartnerID),
		Term("client_order_ref", "=", ref),
		Term("state", "!=", "cancel"),
	), []string{"name", "state"}, 1, &existing); err != nil {
		return 0, err
	}
	var orderID int64
	var err error
	if len(existing) > 0 {
		if existing[0].State != "draft" {
			return 0, fmt.Errorf("%w: %s order %s is %s", ErrPeriodClosed, r.PeriodKey, existing[0].Name, existing[0].State)
		}
		orderID = existing[0].ID
	} else {
		orderID, err = a.client.Create(ctx, modelOrder, map[string]any{
			"partner_id":       r.PartnerID,
			"client_order_ref": ref,
			"origin":           "Usage " + r.PeriodKey,
		})
		if err != nil {
			return 0, err
		}
	}

	pid, err := a.product(ctx, "usage-"+r.FeatureKey, "Usage overage: "+r.FeatureKey, r.UnitPrice)
	if err != nil {
		a.logger.Warn("usage product unavailable", "tenant_id", r.TenantID, "feature", r.FeatureKey, "order_id", orderID, "error", err)
		return 0, err
	}
	lines, err := a.client.Search(ctx, modelOrderLine, Domain(
		Term("order_id", "=", orderID),
		Term("product_id", "=", pid),
	), 1)
	if err != nil {
		return 0, err
	}
	values := map[string]any{
		"product_uom_qty": r.Quantity,
		"price_unit":      toMajor(r.UnitPrice),
	}
	if len(lines) > 0 {
		if err := a.client.Write(ctx, modelOrderLine, lines, values); err != nil {
			return 0, err
		}
		return orderID, nil
	}
	values["order_id"] = orderID
	values["product_id"] = pid
	values["name"] = fmt.Sprintf("%s overage %s", r.FeatureKey, r.PeriodKey)
	if _, err := a.client.Create(ctx, modelOrderLine, values); err != nil {
		return 0, err
	}
	return orderID, nil
}

// OverageRules reads overage rules from config parameters. Fields not
// configured fall back to the built-in rule for the feature.
func (a *Adapter) OverageRules(ctx context.Context) (map[string]billing.OverageRule, error) {
	var rows []struct {
		Key   Text `json:"key"`
		Value Text `json:"value"`
	}
	if err := a.client.SearchRead(ctx, modelConfigParam,
		Domain(Term("key", "=like", OverageParamPrefix+"%")), []string{"key", "value"}, 0, &rows); err != nil {
		return nil, err
	}
	rules := make(map[string]billing.OverageRule)
	for _, r := range rows {
		rest := strings.TrimPrefix(string(r.Key), OverageParamPrefix)
		dot := strings.LastIndex(rest, ".")
		if dot <= 0 {
			continue
		}
		feature, field := rest[:dot], rest[dot+1:]
		n, err := strconv.ParseInt(strings.TrimSpace(string(r.Value)), 10, 64)
		if err != nil {
			a.logger.Warn("ignoring malformed overage parameter", "key", r.Key, "value", r.Value)
			continue
		}
		rule, ok := rules[feature]
		if !ok {
			rule = billing.DefaultOverageRules[feature]
			rule.FeatureKey = feature
		}
		switch field {
		case "free_quota":
			rule.FreeQuota = n
		case "unit_price":
			rule.UnitPrice = n
		default:
			continue
		}
		rules[feature] = rule
	}
	return rules, nil
}

// ConsolidateUsage confirms the partner's usage orders for periodKey and
// posts one invoice covering all their lines. Returns nil when there is
// nothing to consolidate.
func (a *Adapter) ConsolidateUsage(ctx context.Context, partnerID int64, periodKey string) (*ConsolidatedInvoice, error) {
	ref := fmt.Sprintf("usage-invoice:%s:%d", periodKey, partnerID)
	draft, err := a.findInvoice(ctx, ref)
	if err != nil {
		return nil, err
	}
	if draft != nil && draft.State != "draft" {
		return &ConsolidatedInvoice{InvoiceID: draft.ID, Number: string(draft.Name), Amount: toMinor(draft.AmountTotal), State: string(draft.State)}, nil
	}

	var orders []orderRecord
	if err := a.client.SearchRead(ctx, modelOrder, Domain(
		Term("partner_id", "=", partnerID),
		Term("client_order_ref", "=like", "usage:%:"+periodKey),
		Term("state", "in", []string{"draft", "sent", "sale"}),
	), []string{"name", "state"}, 0, &orders); err != nil {
		return nil, err
	}
	if len(orders) == 0 && draft == nil {
		return nil, nil
	}

	orderIDs := make([]int64, 0, len(orders))
	names := make([]string, 0, len(orders))
	for _, o := range orders {
		orderIDs = append(orderIDs, o.ID)
		names = append(names, string(o.Name))
	}

	// A draft left by an earlier run whose post failed is posted as is.
	var invoiceID int64
	if draft != nil {
		invoiceID = draft.ID
	} else {
		var lines []struct {
			Name      Text     `json:"name"`
			Product   Many2one `json:"product_id"`
			Quantity  float64  `json:"product_uom_qty"`
			PriceUnit float64  `json:"price_unit"`
		}
		if err := a.client.SearchRead(ctx, modelOrderLine, Domain(Term("order_id", "in", orderIDs)),
			[]string{"name", "product_id", "product_uom_qty", "price_unit"}, 0, &lines); err != nil {
			return nil, err
		}
		if len(lines) == 0 {
			return nil, nil
		}
		invoiceLines := make([]any, 0, len(lines))
		for _, l := range lines {
			vals := map[string]any{"name": string(l.Name), "quantity": l.Quantity, "price_unit": l.PriceUnit}
			if l.Product.ID != 0 {
				vals["product_id"] = l.Product.ID
			}
			invoiceLines = append(invoiceLines, []any{0, 0, vals})
		}
		invoiceID, err = a.client.Create(ctx, modelMove, map[string]any{
			"move_type":        "out_invoice",
			"partner_id":       partnerID,
			"ref":              ref,
			"invoice_origin":   strings.Join(names, ", "),
			"invoice_line_ids": invoiceLines,
		})
		if err != nil {
			return nil, err
		}
	}

	for _, o := range orders {
		if o.State == "draft" || o.State == "sent" {
			if err := a.client.Call(ctx, modelOrder, "action_confirm", []any{[]int64{o.ID}}, nil, nil); err != nil {
				return nil, err
			}
		}
	}
	if err := a.client.Call(ctx, modelMove, "action_post", []any{[]int64{invoiceID}}, nil, nil); err != nil {
		return nil, err
	}

	inv, err := a.findInvoice(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := &ConsolidatedInvoice{InvoiceID: invoiceID, OrderIDs: orderIDs}
	if inv != nil {
		out.Number = string(inv.Name)
		out.Amount = toMinor(inv.AmountTotal)
		out.State = string(inv.State)
	}
	return out, nil
}

var _ ERP = (*Adapter)(nil)
