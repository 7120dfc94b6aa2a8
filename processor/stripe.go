package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Stripe implements Client against the Stripe API. It owns its API client
// rather than mutating the package-global stripe.Key.
type Stripe struct {
	api           *client.API
	webhookSecret string
	tolerance     time.Duration
}

// StripeConfig configures a Stripe client.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	// Tolerance bounds the accepted signature age. Zero uses the library default.
	Tolerance time.Duration
	// HTTPClient overrides the transport, e.g. for tracing.
	HTTPClient *http.Client
	// BackendURL points API calls at a test server.
	BackendURL string
}

// NewStripe creates a Stripe client.
func NewStripe(cfg StripeConfig) *Stripe {
	api := &client.API{}
	if cfg.HTTPClient == nil && cfg.BackendURL == "" {
		api.Init(cfg.APIKey, nil)
	} else {
		backendCfg := &stripe.BackendConfig{HTTPClient: cfg.HTTPClient}
		if cfg.BackendURL != "" {
			backendCfg.URL = stripe.String(cfg.BackendURL)
		}
		api.Init(cfg.APIKey, &stripe.Backends{
			API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
		})
	}
	tol := cfg.Tolerance
	if tol <= 0 {
		tol = webhook.DefaultTolerance
	}
	return &Stripe{api: api, webhookSecret: cfg.WebhookSecret, tolerance: tol}
}

// VerifyEvent checks the Stripe-Signature header and parses the event.
func (s *Stripe) VerifyEvent(payload []byte, sigHeader string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	out := &Event{ID: ev.ID, Type: string(ev.Type), Created: time.Unix(ev.Created, 0).UTC()}
	if ev.Data != nil {
		out.Data = ev.Data.Raw
	}
	return out, nil
}

// GetSubscription re-fetches a subscription so state never comes from a
// possibly stale webhook body.
func (s *Stripe) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := s.api.Subscriptions.Get(id, params)
	if err != nil {
		if isMissing(err) {
			return nil, fmt.Errorf("%w: subscription %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("processor: get subscription %s: %w", id, err)
	}
	return convertSubscription(sub), nil
}

// HasPaymentMethod reports whether the customer has a default or attached
// payment method.
func (s *Stripe) HasPaymentMethod(ctx context.Context, customerID string) (bool, error) {
	if customerID == "" {
		return false, nil
	}
	cparams := &stripe.CustomerParams{}
	cparams.Context = ctx
	cus, err := s.api.Customers.Get(customerID, cparams)
	if err != nil {
		if isMissing(err) {
			return false, nil
		}
		return false, fmt.Errorf("processor: get customer %s: %w", customerID, err)
	}
	if cus.Deleted {
		return false, nil
	}
	if cus.InvoiceSettings != nil && cus.InvoiceSettings.DefaultPaymentMethod != nil {
		return true, nil
	}
	if cus.DefaultSource != nil {
		return true, nil
	}

	lparams := &stripe.PaymentMethodListParams{Customer: stripe.String(customerID)}
	lparams.Context = ctx
	lparams.Limit = stripe.Int64(1)
	it := s.api.PaymentMethods.List(lparams)
	if it.Next() {
		return true, nil
	}
	if err := it.Err(); err != nil {
		return false, fmt.Errorf("processor: list payment methods for %s: %w", customerID, err)
	}
	return false, nil
}

func isMissing(err error) bool {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return serr.HTTPStatusCode == http.StatusNotFound || serr.Code == stripe.ErrorCodeResourceMissing
	}
	return false
}

func convertSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		Currency:          string(sub.Currency),
		Metadata:          sub.Metadata,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		TrialEnd:          UnixTime(sub.TrialEnd),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.BillingCycleAnchor > 0 {
		out.BillingCycleAnchor = time.Unix(sub.BillingCycleAnchor, 0).UTC()
	}
	if sub.StartDate > 0 {
		out.StartDate = time.Unix(sub.StartDate, 0).UTC()
	}
	if sub.Items == nil {
		return out
	}
	for _, it := range sub.Items.Data {
		if it == nil {
			continue
		}
		item := Item{ID: it.ID, Quantity: it.Quantity}
		if p := it.Price; p != nil {
			item.PriceID = p.ID
			item.UnitAmount = p.UnitAmount
			if p.Product != nil {
				item.ProductID = p.Product.ID
			}
			if p.Recurring != nil {
				item.Interval = string(p.Recurring.Interval)
				item.IntervalCount = int(p.Recurring.IntervalCount)
			}
		}
		out.Items = append(out.Items, item)
	}
	return out
}

// subscriptionFromJSON decodes a raw Stripe subscription object.
func subscriptionFromJSON(raw []byte) (*Subscription, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("processor: decode subscription: %w", err)
	}
	return convertSubscription(&sub), nil
}

var _ Client = (*Stripe)(nil)
