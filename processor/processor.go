// Package processor adapts the payment processor: webhook verification,
// authoritative subscription fetches, and payment-method lookups.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidSignature is returned when a webhook fails verification.
var ErrInvalidSignature = errors.New("processor: invalid webhook signature")

// ErrNotFound is returned when the processor has no such object.
var ErrNotFound = errors.New("processor: object not found")

// Event types consumed by the subscription state machine.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventSubscriptionTrialEnding = "customer.subscription.trial_will_end"
	EventInvoicePaid             = "invoice.paid"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// Event is a verified webhook event. Data is the raw "data.object".
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Data    json.RawMessage
}

// Subscription is the processor's authoritative view of a subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	Items              []Item
	BillingCycleAnchor time.Time
	StartDate          time.Time
	TrialEnd           *time.Time
	Currency           string
	Metadata           map[string]string
	CancelAtPeriodEnd  bool
}

// Item is one subscription line.
type Item struct {
	ID            string
	PriceID       string
	ProductID     string
	Quantity      int64
	UnitAmount    int64
	Interval      string // "month" or "year"
	IntervalCount int
}

// Client is the subset of the processor API the billing core relies on.
type Client interface {
	// VerifyEvent checks the signature header against the shared secret
	// before parsing anything. Failures wrap ErrInvalidSignature.
	VerifyEvent(payload []byte, sigHeader string) (*Event, error)
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	HasPaymentMethod(ctx context.Context, customerID string) (bool, error)
}

// ---------------------------------------------------------------------------
// Event payloads
// ---------------------------------------------------------------------------

// ObjectID decodes a field that is either an id string or an expanded object
// carrying an "id".
type ObjectID string

func (o *ObjectID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*o = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*o = ObjectID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*o = ObjectID(obj.ID)
	return nil
}

// CheckoutSession is the payload of checkout.session.completed.
type CheckoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          ObjectID          `json:"customer"`
	Subscription      ObjectID          `json:"subscription"`
	Mode              string            `json:"mode"`
	Metadata          map[string]string `json:"metadata"`
}

// SubscriptionObject is the payload of customer.subscription.* events. Only
// identifiers are trusted; state is re-fetched.
type SubscriptionObject struct {
	ID       string            `json:"id"`
	Customer ObjectID          `json:"customer"`
	Status   string            `json:"status"`
	TrialEnd int64             `json:"trial_end"`
	Metadata map[string]string `json:"metadata"`
}

// Invoice is the payload of invoice.* events.
type Invoice struct {
	ID                 string            `json:"id"`
	Number             string            `json:"number"`
	Customer           ObjectID          `json:"customer"`
	Subscription       ObjectID          `json:"subscription"`
	Status             string            `json:"status"`
	AmountDue          int64             `json:"amount_due"`
	AmountPaid         int64             `json:"amount_paid"`
	Currency           string            `json:"currency"`
	Created            int64             `json:"created"`
	DueDate            int64             `json:"due_date"`
	PeriodStart        int64             `json:"period_start"`
	PeriodEnd          int64             `json:"period_end"`
	NextPaymentAttempt int64             `json:"next_payment_attempt"`
	Metadata           map[string]string `json:"metadata"`
	StatusTransitions  struct {
		PaidAt int64 `json:"paid_at"`
	} `json:"status_transitions"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription ObjectID          `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the invoice's subscription from either the legacy
// top-level field or the parent details used by newer API versions.
func (i *Invoice) SubscriptionID() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	return string(i.Parent.SubscriptionDetails.Subscription)
}

// MetadataValue looks key up on the invoice, then on its subscription details.
func (i *Invoice) MetadataValue(key string) string {
	if v := i.Metadata[key]; v != "" {
		return v
	}
	return i.Parent.SubscriptionDetails.Metadata[key]
}

// DecodeCheckoutSession decodes ev.Data.
func DecodeCheckoutSession(ev *Event) (*CheckoutSession, error) {
	var cs CheckoutSession
	if err := json.Unmarshal(ev.Data, &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// DecodeSubscription decodes ev.Data.
func DecodeSubscription(ev *Event) (*SubscriptionObject, error) {
	var so SubscriptionObject
	if err := json.Unmarshal(ev.Data, &so); err != nil {
		return nil, err
	}
	return &so, nil
}

// DecodeInvoice decodes ev.Data.
func DecodeInvoice(ev *Event) (*Invoice, error) {
	var inv Invoice
	if err := json.Unmarshal(ev.Data, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// UnixTime converts a unix timestamp, treating 0 as unset.
func UnixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
