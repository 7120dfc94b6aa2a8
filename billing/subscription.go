package billing

import "time"

// SubscriptionStatus is the local lifecycle state of a tenant subscription.
type SubscriptionStatus string

const (
	StatusTrial     SubscriptionStatus = "TRIAL"
	StatusActive    SubscriptionStatus = "ACTIVE"
	StatusPastDue   SubscriptionStatus = "PAST_DUE"
	StatusCancelled SubscriptionStatus = "CANCELLED"
	StatusExpired   SubscriptionStatus = "EXPIRED"
)

// IsTerminal reports whether the status is CANCELLED or EXPIRED.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Valid reports whether s is one of the known statuses.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusPastDue, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// BillingCycle is the recurring interval a subscription is billed on.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "MONTHLY"
	CycleYearly  BillingCycle = "YEARLY"
)

// Tenant is a billed customer organization.
type Tenant struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email,omitempty"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty"`
	ERPPartnerID     int64     `json:"erp_partner_id,omitempty"`
	PlanCode         string    `json:"plan_code,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Subscription is the single subscription row kept per tenant. Amounts are in
// minor currency units.
type Subscription struct {
	ID                   string             `json:"id"`
	TenantID             string             `json:"tenant_id"`
	Status               SubscriptionStatus `json:"status"`
	BillingCycle         BillingCycle       `json:"billing_cycle"`
	IsTrial              bool               `json:"is_trial"`
	TrialEndsAt          *time.Time         `json:"trial_ends_at,omitempty"`
	StartDate            time.Time          `json:"start_date"`
	EndDate              *time.Time         `json:"end_date,omitempty"`
	NextBillingDate      *time.Time         `json:"next_billing_date,omitempty"`
	TotalAmount          int64              `json:"total_amount"`
	Currency             string             `json:"currency"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	ERPOrderID           int64              `json:"erp_order_id,omitempty"`
	AutoRenew            bool               `json:"auto_renew"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// ItemStatus is the state of a subscription line. It only moves forward and
// CANCELLED is terminal.
type ItemStatus string

const (
	ItemTrial     ItemStatus = "TRIAL"
	ItemActive    ItemStatus = "ACTIVE"
	ItemCancelled ItemStatus = "CANCELLED"
)

// CanTransition reports whether an item may move from s to next.
func (s ItemStatus) CanTransition(next ItemStatus) bool {
	switch s {
	case ItemTrial:
		return next == ItemActive || next == ItemCancelled
	case ItemActive:
		return next == ItemCancelled
	}
	return false
}

// SubscriptionItem is one product line of a subscription. Items are
// soft-cancelled and never deleted.
type SubscriptionItem struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscription_id"`
	ProductCode    string     `json:"product_code"`
	Quantity       int64      `json:"quantity"`
	UnitPrice      int64      `json:"unit_price"`
	Status         ItemStatus `json:"status"`
	StartDate      time.Time  `json:"start_date"`
	EndDate        *time.Time `json:"end_date,omitempty"`
}

// Live reports whether the item still grants access.
func (i *SubscriptionItem) Live() bool {
	return i.Status == ItemTrial || i.Status == ItemActive
}

// Total returns quantity times unit price.
func (i *SubscriptionItem) Total() int64 {
	return i.Quantity * i.UnitPrice
}

// InvoiceStatus is the local state of an invoice mirrored from the processor.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "DRAFT"
	InvoiceOpen          InvoiceStatus = "OPEN"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoicePaymentFailed InvoiceStatus = "PAYMENT_FAILED"
	InvoiceVoid          InvoiceStatus = "VOID"
)

// Invoice is upserted by its external number.
type Invoice struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id,omitempty"`
	TenantID       string        `json:"tenant_id"`
	Number         string        `json:"number"`
	Amount         int64         `json:"amount"`
	Currency       string        `json:"currency"`
	Status         InvoiceStatus `json:"status"`
	IssuedAt       *time.Time    `json:"issued_at,omitempty"`
	DueAt          *time.Time    `json:"due_at,omitempty"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	PeriodStart    *time.Time    `json:"period_start,omitempty"`
	PeriodEnd      *time.Time    `json:"period_end,omitempty"`
	ERPInvoiceID   int64         `json:"erp_invoice_id,omitempty"`
}

// MergeInvoiceStatus returns the status to store when next arrives for an
// invoice currently in cur. PAID is never downgraded, so a late failure
// webhook cannot reopen a settled invoice.
func MergeInvoiceStatus(cur, next InvoiceStatus) InvoiceStatus {
	if cur == InvoicePaid && next != InvoiceVoid {
		return InvoicePaid
	}
	if next == "" {
		return cur
	}
	return next
}
