package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/erp"
	"github.com/GoCodeAlone/billsync/lock"
	"github.com/GoCodeAlone/billsync/store"
)

// PushOrderPayload asks for the tenant's ERP order to be brought in line with
// its current subscription.
type PushOrderPayload struct {
	SubscriptionID string `json:"subscription_id"`
}

// CancelOrderPayload cancels an ERP order. A zero OrderID means the order of
// the tenant's current subscription.
type CancelOrderPayload struct {
	SubscriptionID string `json:"subscription_id"`
	OrderID        int64  `json:"order_id,omitempty"`
}

// RegisterPaymentPayload mirrors a paid invoice.
type RegisterPaymentPayload struct {
	SubscriptionID string    `json:"subscription_id"`
	InvoiceNumber  string    `json:"invoice_number"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	PaidAt         time.Time `json:"paid_at"`
}

// ERPDispatcher mirrors local subscription state into the ERP. Handlers read
// the current local state when they run, so replays converge.
type ERPDispatcher struct {
	store  store.Store
	erp    erp.ERP
	locker lock.Locker
	logger *slog.Logger
}

// NewERPDispatcher creates an ERPDispatcher. locker serializes mirror work
// per tenant and may be nil.
func NewERPDispatcher(st store.Store, e erp.ERP, locker lock.Locker, logger *slog.Logger) *ERPDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ERPDispatcher{store: st, erp: e, locker: locker, logger: logger}
}

// Router returns the kind routing for the ERP handlers.
func (d *ERPDispatcher) Router() Router {
	return Router{
		KindPushOrder:       d.locked(d.pushOrder),
		KindCancelOrder:     d.locked(d.cancelOrder),
		KindRegisterPayment: d.locked(d.registerPayment),
	}
}

func (d *ERPDispatcher) locked(h HandlerFunc) HandlerFunc {
	if d.locker == nil {
		return h
	}
	return func(ctx context.Context, msg *store.OutboxMessage) error {
		release, err := d.locker.Acquire(ctx, "erp:"+lock.TenantKey(msg.TenantID), time.Minute)
		if err != nil {
			return fmt.Errorf("outbox: lock tenant %s: %w", msg.TenantID, err)
		}
		defer release()
		return h(ctx, msg)
	}
}

func decode(msg *store.OutboxMessage, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return Permanent(fmt.Errorf("outbox: decode %s payload: %w", msg.Kind, err))
	}
	return nil
}

func (d *ERPDispatcher) subscription(ctx context.Context, tenantID string) (*billing.Subscription, error) {
	sub, err := d.store.Subscriptions().GetByTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: load subscription for %s: %w", tenantID, err)
	}
	return sub, nil
}

func (d *ERPDispatcher) pushOrder(ctx context.Context, msg *store.OutboxMessage) error {
	var p PushOrderPayload
	if err := decode(msg, &p); err != nil {
		return err
	}
	sub, err := d.subscription(ctx, msg.TenantID)
	if err != nil || sub == nil {
		return err
	}
	if sub.Status.IsTerminal() {
		if sub.ERPOrderID == 0 {
			return nil
		}
		return d.erp.CancelOrder(ctx, sub.ERPOrderID)
	}
	_, err = d.syncOrder(ctx, msg.TenantID, sub)
	return err
}

// syncOrder pushes the live items of sub as the order lines and confirms the
// order once the subscription is billable.
func (d *ERPDispatcher) syncOrder(ctx context.Context, tenantID string, sub *billing.Subscription) (int64, error) {
	tenant, err := d.store.Tenants().Get(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("outbox: load tenant %s: %w", tenantID, err)
	}
	partnerID, err := erp.EnsurePartner(ctx, d.erp, d.store.Tenants(), tenant)
	if err != nil {
		return 0, err
	}
	items, err := d.store.Subscriptions().ListItems(ctx, sub.ID, true)
	if err != nil {
		return 0, fmt.Errorf("outbox: list items: %w", err)
	}
	catalog, err := d.store.Products().List(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: list products: %w", err)
	}

	lines := make([]erp.OrderLine, 0, len(items))
	for _, it := range items {
		name := it.ProductCode
		if p := billing.ProductByCode(catalog, it.ProductCode); p != nil {
			name = p.Name
		}
		lines = append(lines, erp.OrderLine{ProductCode: it.ProductCode, Name: name, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	ref := sub.StripeSubscriptionID
	if ref == "" {
		ref = sub.ID
	}
	orderID, err := d.erp.PushSubscriptionOrder(ctx, erp.OrderPush{
		PartnerID: partnerID,
		OrderID:   sub.ERPOrderID,
		Reference: ref,
		Lines:     lines,
	})
	if err != nil {
		return 0, err
	}
	if orderID != sub.ERPOrderID {
		if err := d.store.Subscriptions().SetERPOrderID(ctx, sub.ID, orderID); err != nil {
			return orderID, fmt.Errorf("outbox: save order id: %w", err)
		}
		sub.ERPOrderID = orderID
	}
	if sub.Status == billing.StatusActive || sub.Status == billing.StatusPastDue {
		if err := d.erp.ConfirmOrder(ctx, orderID); err != nil {
			return orderID, err
		}
	}
	d.logger.Info("erp order synced", "tenant_id", tenantID, "order_id", orderID, "lines", len(lines))
	return orderID, nil
}

func (d *ERPDispatcher) cancelOrder(ctx context.Context, msg *store.OutboxMessage) error {
	var p CancelOrderPayload
	if err := decode(msg, &p); err != nil {
		return err
	}
	orderID := p.OrderID
	if orderID == 0 {
		sub, err := d.subscription(ctx, msg.TenantID)
		if err != nil || sub == nil {
			return err
		}
		orderID = sub.ERPOrderID
	}
	if orderID == 0 {
		return nil
	}
	return d.erp.CancelOrder(ctx, orderID)
}

func (d *ERPDispatcher) registerPayment(ctx context.Context, msg *store.OutboxMessage) error {
	var p RegisterPaymentPayload
	if err := decode(msg, &p); err != nil {
		return err
	}
	if p.InvoiceNumber == "" {
		return Permanent(errors.New("outbox: payment without invoice number"))
	}
	sub, err := d.subscription(ctx, msg.TenantID)
	if err != nil {
		return err
	}
	if sub == nil {
		return Permanent(fmt.Errorf("outbox: tenant %s has no subscription", msg.TenantID))
	}
	orderID := sub.ERPOrderID
	if orderID == 0 {
		if orderID, err = d.syncOrder(ctx, msg.TenantID, sub); err != nil {
			return err
		}
	}
	paidAt := p.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}
	invoiceID, err := d.erp.CreateInvoiceAndRegisterPayment(ctx, erp.PaymentSync{
		OrderID:   orderID,
		Reference: p.InvoiceNumber,
		Amount:    p.Amount,
		Date:      paidAt,
	})
	if err != nil {
		return err
	}

	inv, err := d.store.Invoices().GetByNumber(ctx, p.InvoiceNumber)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("outbox: load invoice %s: %w", p.InvoiceNumber, err)
	}
	if inv.ERPInvoiceID != invoiceID {
		inv.ERPInvoiceID = invoiceID
		if _, err := d.store.Invoices().UpsertByNumber(ctx, inv); err != nil {
			return fmt.Errorf("outbox: save erp invoice id: %w", err)
		}
	}
	d.logger.Info("erp payment registered", "tenant_id", msg.TenantID, "invoice", p.InvoiceNumber, "erp_invoice_id", invoiceID)
	return nil
}
