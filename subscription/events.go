package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/billsync/audit"
	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/notify"
	"github.com/GoCodeAlone/billsync/outbox"
	"github.com/GoCodeAlone/billsync/processor"
	"github.com/GoCodeAlone/billsync/store"
)

// HandleEvent applies a verified processor event. Events for tenants that
// cannot be resolved are logged and dropped; unknown types are ignored.
func (s *Service) HandleEvent(ctx context.Context, ev *processor.Event) error {
	log := s.logger.With("event_id", ev.ID, "event_type", ev.Type)
	err := s.dispatch(ctx, ev)
	if errors.Is(err, billing.ErrUnknownTenant) {
		log.Warn("dropping event for unresolved tenant", "error", err)
		return nil
	}
	return err
}

func (s *Service) dispatch(ctx context.Context, ev *processor.Event) error {
	switch ev.Type {
	case processor.EventCheckoutCompleted:
		cs, err := processor.DecodeCheckoutSession(ev)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return s.OnCheckoutCompleted(ctx, cs)

	case processor.EventSubscriptionCreated, processor.EventSubscriptionUpdated:
		so, err := processor.DecodeSubscription(ev)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return s.OnSubscriptionChanged(ctx, so)

	case processor.EventSubscriptionDeleted:
		so, err := processor.DecodeSubscription(ev)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return s.OnSubscriptionDeleted(ctx, so)

	case processor.EventSubscriptionTrialEnding:
		so, err := processor.DecodeSubscription(ev)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return s.OnTrialWillEnd(ctx, so)

	case processor.EventInvoicePaid, processor.EventInvoicePaymentSucceeded:
		inv, err := processor.DecodeInvoice(ev)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return s.OnInvoicePaid(ctx, inv)

	case processor.EventInvoicePaymentFailed:
		inv, err := processor.DecodeInvoice(ev)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		return s.OnInvoicePaymentFailed(ctx, inv)
	}
	s.logger.Debug("ignoring unhandled event type", "event_id", ev.ID, "event_type", ev.Type)
	return nil
}

// OnCheckoutCompleted links the processor customer to the tenant named by the
// checkout session and syncs the subscription it created.
func (s *Service) OnCheckoutCompleted(ctx context.Context, cs *processor.CheckoutSession) error {
	tenantID := cs.ClientReferenceID
	if tenantID == "" {
		tenantID = cs.Metadata[MetadataTenantID]
	}
	tenant, err := s.resolveTenant(ctx, tenantID, string(cs.Customer))
	if err != nil {
		return err
	}
	if cs.Customer != "" && tenant.StripeCustomerID != string(cs.Customer) {
		if err := s.store.Tenants().SetCustomerID(ctx, tenant.ID, string(cs.Customer)); err != nil {
			return fmt.Errorf("subscription: link customer for %s: %w", tenant.ID, err)
		}
	}
	if cs.Subscription == "" {
		s.logger.Info("checkout completed without subscription", "tenant_id", tenant.ID, "session", cs.ID, "mode", cs.Mode)
		return nil
	}
	_, err = s.syncFromProcessor(ctx, tenant.ID, string(cs.Subscription))
	return err
}

// OnSubscriptionChanged re-fetches the subscription and syncs it. The event
// payload only identifies the subscription.
func (s *Service) OnSubscriptionChanged(ctx context.Context, so *processor.SubscriptionObject) error {
	tenantID, err := s.tenantForSubscription(ctx, so.ID, so.Metadata, string(so.Customer))
	if err != nil {
		return err
	}
	_, err = s.syncFromProcessor(ctx, tenantID, so.ID)
	if processor.IsNotFound(err) {
		s.logger.Warn("subscription vanished at processor", "tenant_id", tenantID, "subscription", so.ID)
		return nil
	}
	return err
}

// OnSubscriptionDeleted cancels the tenant's subscription and expires the
// entitlement. Deletions of anything but the tenant's current live
// subscription are ignored.
func (s *Service) OnSubscriptionDeleted(ctx context.Context, so *processor.SubscriptionObject) error {
	tenantID, err := s.tenantForSubscription(ctx, so.ID, so.Metadata, string(so.Customer))
	if err != nil {
		return err
	}
	var (
		applied       bool
		before, after state
	)
	err = s.withTenantLock(ctx, tenantID, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(tx store.Store) error {
			if err := tx.LockTenant(ctx, tenantID); err != nil {
				return fmt.Errorf("subscription: lock tenant row: %w", err)
			}
			sub, err := currentSubscription(ctx, tx, tenantID)
			if err != nil {
				return err
			}
			if sub == nil || sub.StripeSubscriptionID != so.ID || sub.Status.IsTerminal() {
				return nil
			}
			prev := *sub
			before.Subscription = &prev
			if before.Entitlement, err = currentEntitlement(ctx, tx, tenantID); err != nil {
				return err
			}

			now := s.now().UTC()
			sub.Status = billing.StatusCancelled
			sub.EndDate = &now
			sub.NextBillingDate = nil
			sub.AutoRenew = false
			if err := tx.Subscriptions().Upsert(ctx, sub); err != nil {
				return fmt.Errorf("subscription: cancel %s: %w", sub.ID, err)
			}
			if _, err := tx.Subscriptions().CancelLiveItems(ctx, sub.ID, now); err != nil {
				return fmt.Errorf("subscription: cancel items: %w", err)
			}
			if err := s.entitlements.Using(tx).HandleExpired(ctx, tenantID); err != nil {
				return err
			}
			after.Subscription = sub
			if after.Entitlement, err = currentEntitlement(ctx, tx, tenantID); err != nil {
				return err
			}
			ev := audit.Event{
				Timestamp:    now,
				Type:         audit.EventSubscriptionDeleted,
				TenantID:     tenantID,
				ResourceType: "subscription",
				ResourceID:   sub.ID,
				Before:       before,
				After:        after,
			}
			if err := audit.Record(ctx, tx.Audit(), ev); err != nil {
				return err
			}
			applied = true
			return outbox.Enqueue(ctx, tx.Outbox(), outbox.KindCancelOrder, tenantID,
				outbox.CancelOrderPayload{SubscriptionID: sub.ID, OrderID: sub.ERPOrderID})
		})
	})
	if err != nil {
		return err
	}
	if !applied {
		s.logger.Info("ignored deletion of stale or already cancelled subscription", "tenant_id", tenantID, "subscription", so.ID)
		return nil
	}
	s.entitlements.Invalidate(tenantID)
	s.audit.Log(ctx, audit.Event{
		Type:         audit.EventSubscriptionDeleted,
		TenantID:     tenantID,
		ResourceType: "subscription",
		ResourceID:   after.Subscription.ID,
		Before:       before,
		After:        after,
	})
	s.logger.Info("subscription cancelled", "tenant_id", tenantID, "subscription", so.ID)
	s.notify(ctx, notify.Notification{
		TenantID: tenantID,
		Kind:     notify.KindSubscriptionCancelled,
		Subject:  "Your subscription has been cancelled",
		Data:     map[string]any{"subscription": so.ID, "ended_at": after.Subscription.EndDate},
	})
	return nil
}

// invoiceTenant resolves the tenant and local subscription of an invoice.
func (s *Service) invoiceTenant(ctx context.Context, inv *processor.Invoice) (string, error) {
	meta := map[string]string{MetadataTenantID: inv.MetadataValue(MetadataTenantID)}
	return s.tenantForSubscription(ctx, inv.SubscriptionID(), meta, string(inv.Customer))
}

func invoiceNumber(inv *processor.Invoice) string {
	if inv.Number != "" {
		return inv.Number
	}
	return inv.ID
}

// OnInvoicePaid records the invoice as PAID, recovers a PAST_DUE subscription
// and queues the payment for the ERP. Redelivery of the same invoice leaves a
// single PAID row and queues nothing new.
func (s *Service) OnInvoicePaid(ctx context.Context, inv *processor.Invoice) error {
	tenantID, err := s.invoiceTenant(ctx, inv)
	if err != nil {
		return err
	}
	number := invoiceNumber(inv)
	var (
		duplicate bool
		recovered bool
		stored    *billing.Invoice
	)
	err = s.withTenantLock(ctx, tenantID, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(tx store.Store) error {
			if err := tx.LockTenant(ctx, tenantID); err != nil {
				return fmt.Errorf("subscription: lock tenant row: %w", err)
			}
			prev, err := tx.Invoices().GetByNumber(ctx, number)
			switch {
			case err == nil:
				duplicate = prev.Status == billing.InvoicePaid
			case !errors.Is(err, store.ErrNotFound):
				return fmt.Errorf("subscription: load invoice %s: %w", number, err)
			}

			sub, err := currentSubscription(ctx, tx, tenantID)
			if err != nil {
				return err
			}
			if sub != nil && sub.StripeSubscriptionID != inv.SubscriptionID() {
				sub = nil
			}

			paidAt := processor.UnixTime(inv.StatusTransitions.PaidAt)
			if paidAt == nil {
				now := s.now().UTC()
				paidAt = &now
			}
			amount := inv.AmountPaid
			if amount == 0 {
				amount = inv.AmountDue
			}
			row := &billing.Invoice{
				TenantID:    tenantID,
				Number:      number,
				Amount:      amount,
				Currency:    inv.Currency,
				Status:      billing.InvoicePaid,
				IssuedAt:    processor.UnixTime(inv.Created),
				DueAt:       processor.UnixTime(inv.DueDate),
				PaidAt:      paidAt,
				PeriodStart: processor.UnixTime(inv.PeriodStart),
				PeriodEnd:   processor.UnixTime(inv.PeriodEnd),
			}
			if sub != nil {
				row.SubscriptionID = sub.ID
			}
			if stored, err = tx.Invoices().UpsertByNumber(ctx, row); err != nil {
				return fmt.Errorf("subscription: upsert invoice %s: %w", number, err)
			}
			if duplicate {
				return nil
			}

			if sub != nil && sub.Status == billing.StatusPastDue {
				prevSub := *sub
				sub.Status = billing.StatusActive
				if err := tx.Subscriptions().Upsert(ctx, sub); err != nil {
					return fmt.Errorf("subscription: reactivate %s: %w", sub.ID, err)
				}
				catalog, err := tx.Products().List(ctx)
				if err != nil {
					return fmt.Errorf("subscription: list products: %w", err)
				}
				if _, _, err := s.rederive(ctx, tx, sub, catalog); err != nil {
					return err
				}
				recovered = true
				if err := audit.Record(ctx, tx.Audit(), audit.Event{
					Type: audit.EventSubscriptionSync, TenantID: tenantID,
					ResourceType: "subscription", ResourceID: sub.ID,
					Detail: "recovered after payment", Before: &prevSub, After: sub,
				}); err != nil {
					return err
				}
			}
			if err := audit.Record(ctx, tx.Audit(), audit.Event{
				Type: audit.EventInvoicePaid, TenantID: tenantID,
				ResourceType: "invoice", ResourceID: stored.ID, After: stored,
			}); err != nil {
				return err
			}
			if sub == nil {
				return nil
			}
			return outbox.Enqueue(ctx, tx.Outbox(), outbox.KindRegisterPayment, tenantID, outbox.RegisterPaymentPayload{
				SubscriptionID: sub.ID,
				InvoiceNumber:  number,
				Amount:         amount,
				Currency:       inv.Currency,
				PaidAt:         *paidAt,
			})
		})
	})
	if err != nil {
		return err
	}
	if duplicate {
		s.logger.Info("invoice already paid", "tenant_id", tenantID, "invoice", number)
		return nil
	}
	if recovered {
		s.entitlements.Invalidate(tenantID)
	}
	s.audit.Log(ctx, audit.Event{Type: audit.EventInvoicePaid, TenantID: tenantID, ResourceType: "invoice", ResourceID: stored.ID, After: stored})
	s.logger.Info("invoice paid", "tenant_id", tenantID, "invoice", number, "amount", stored.Amount, "recovered", recovered)
	s.notify(ctx, notify.Notification{
		TenantID: tenantID,
		Kind:     notify.KindPaymentSucceeded,
		Subject:  "Payment received",
		Data:     map[string]any{"invoice": number, "amount": stored.Amount, "currency": stored.Currency},
	})
	return nil
}

// OnInvoicePaymentFailed moves the subscription to PAST_DUE. Modules stay
// usable during the grace period; the notification carries the next retry
// date when the processor supplies one.
func (s *Service) OnInvoicePaymentFailed(ctx context.Context, inv *processor.Invoice) error {
	tenantID, err := s.invoiceTenant(ctx, inv)
	if err != nil {
		return err
	}
	number := invoiceNumber(inv)
	var stored *billing.Invoice
	err = s.withTenantLock(ctx, tenantID, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(tx store.Store) error {
			if err := tx.LockTenant(ctx, tenantID); err != nil {
				return fmt.Errorf("subscription: lock tenant row: %w", err)
			}
			sub, err := currentSubscription(ctx, tx, tenantID)
			if err != nil {
				return err
			}
			if sub != nil && sub.StripeSubscriptionID != inv.SubscriptionID() {
				sub = nil
			}
			row := &billing.Invoice{
				TenantID:    tenantID,
				Number:      number,
				Amount:      inv.AmountDue,
				Currency:    inv.Currency,
				Status:      billing.InvoicePaymentFailed,
				IssuedAt:    processor.UnixTime(inv.Created),
				DueAt:       processor.UnixTime(inv.DueDate),
				PeriodStart: processor.UnixTime(inv.PeriodStart),
				PeriodEnd:   processor.UnixTime(inv.PeriodEnd),
			}
			if sub != nil {
				row.SubscriptionID = sub.ID
			}
			if stored, err = tx.Invoices().UpsertByNumber(ctx, row); err != nil {
				return fmt.Errorf("subscription: upsert invoice %s: %w", number, err)
			}
			if stored.Status == billing.InvoicePaid {
				return nil
			}

			var before *billing.Subscription
			if sub != nil && (sub.Status == billing.StatusActive || sub.Status == billing.StatusTrial) {
				prev := *sub
				before = &prev
				sub.Status = billing.StatusPastDue
				if err := tx.Subscriptions().Upsert(ctx, sub); err != nil {
					return fmt.Errorf("subscription: mark past due %s: %w", sub.ID, err)
				}
			}
			if sub != nil {
				if err := s.entitlements.Using(tx).HandlePaymentFailed(ctx, tenantID); err != nil {
					return err
				}
			}
			ev := audit.Event{
				Type: audit.EventPaymentFailed, TenantID: tenantID,
				ResourceType: "invoice", ResourceID: stored.ID, After: stored,
			}
			if before != nil {
				ev.Before = before
				ev.Metadata = map[string]any{"subscription_status": sub.Status}
			}
			return audit.Record(ctx, tx.Audit(), ev)
		})
	})
	if err != nil {
		return err
	}
	if stored.Status == billing.InvoicePaid {
		s.logger.Info("ignoring payment failure for paid invoice", "tenant_id", tenantID, "invoice", number)
		return nil
	}
	s.entitlements.Invalidate(tenantID)
	s.audit.Log(ctx, audit.Event{Type: audit.EventPaymentFailed, TenantID: tenantID, ResourceType: "invoice", ResourceID: stored.ID, After: stored})
	s.logger.Warn("invoice payment failed", "tenant_id", tenantID, "invoice", number)

	data := map[string]any{"invoice": number, "amount": stored.Amount, "currency": stored.Currency}
	if retry := processor.UnixTime(inv.NextPaymentAttempt); retry != nil {
		data["next_payment_attempt"] = *retry
	}
	s.notify(ctx, notify.Notification{
		TenantID: tenantID,
		Kind:     notify.KindPaymentFailed,
		Subject:  "Payment failed",
		Data:     data,
	})
	return nil
}

// OnTrialWillEnd notifies the tenant; state is untouched.
func (s *Service) OnTrialWillEnd(ctx context.Context, so *processor.SubscriptionObject) error {
	tenantID, err := s.tenantForSubscription(ctx, so.ID, so.Metadata, string(so.Customer))
	if err != nil {
		return err
	}
	data := map[string]any{"subscription": so.ID}
	if end := processor.UnixTime(so.TrialEnd); end != nil {
		data["trial_end"] = *end
	} else if sub, err := s.store.Subscriptions().GetByTenant(ctx, tenantID); err == nil {
		if end := periodEnd(sub); end != nil {
			data["trial_end"] = *end
		}
	}
	s.notify(ctx, notify.Notification{
		TenantID: tenantID,
		Kind:     notify.KindTrialEnding,
		Subject:  "Your trial ends soon",
		Data:     data,
	})
	return nil
}
