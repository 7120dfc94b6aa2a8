package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GoCodeAlone/billsync/audit"
	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/notify"
	"github.com/GoCodeAlone/billsync/outbox"
	"github.com/GoCodeAlone/billsync/processor"
	"github.com/GoCodeAlone/billsync/store"
)

// ItemError describes an external line item that was skipped.
type ItemError struct {
	ItemID    string `json:"item_id,omitempty"`
	PriceID   string `json:"price_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Reason    string `json:"reason"`
}

// SyncResult summarizes one SyncSubscription run.
type SyncResult struct {
	TenantID       string                     `json:"tenant_id"`
	SubscriptionID string                     `json:"subscription_id,omitempty"`
	Previous       billing.SubscriptionStatus `json:"previous_status,omitempty"`
	Status         billing.SubscriptionStatus `json:"status"`
	Stale          bool                       `json:"stale,omitempty"`
	ItemsCancelled int64                      `json:"items_cancelled"`
	ItemsCreated   int                        `json:"items_created"`
	Skipped        []ItemError                `json:"skipped,omitempty"`
	Entitlement    *billing.Entitlement       `json:"entitlement,omitempty"`
}

// SyncSubscription replaces the tenant's local subscription, items and
// entitlement with what remote describes.
func (s *Service) SyncSubscription(ctx context.Context, tenantID string, remote *processor.Subscription) (*SyncResult, error) {
	var res *SyncResult
	err := s.withTenantLock(ctx, tenantID, func(ctx context.Context) error {
		var err error
		res, err = s.sync(ctx, tenantID, remote)
		return err
	})
	return res, err
}

// syncFromProcessor fetches the authoritative subscription and syncs it while
// holding the tenant lock across fetch and write.
func (s *Service) syncFromProcessor(ctx context.Context, tenantID, externalID string) (*SyncResult, error) {
	var res *SyncResult
	err := s.withTenantLock(ctx, tenantID, func(ctx context.Context) error {
		remote, err := s.processor.GetSubscription(ctx, externalID)
		if err != nil {
			return fmt.Errorf("subscription: fetch %s: %w", externalID, err)
		}
		res, err = s.sync(ctx, tenantID, remote)
		return err
	})
	return res, err
}

// resolvedItem is an external line matched against the catalog.
type resolvedItem struct {
	product   *billing.Product
	quantity  int64
	unitPrice int64
}

// resolveItems matches remote lines against catalog. Unmatched lines are
// reported, never fatal.
func resolveItems(remote *processor.Subscription, catalog []billing.Product, cycle billing.BillingCycle) ([]resolvedItem, []ItemError) {
	var (
		out     []resolvedItem
		skipped []ItemError
	)
	for _, it := range remote.Items {
		p := billing.ResolveProduct(catalog, it.PriceID, it.ProductID)
		if p == nil {
			skipped = append(skipped, ItemError{ItemID: it.ID, PriceID: it.PriceID, ProductID: it.ProductID, Reason: billing.ErrUnresolvedProduct.Error()})
			continue
		}
		qty := it.Quantity
		if qty < 1 {
			qty = 1
		}
		price := it.UnitAmount
		if price <= 0 {
			price = p.PriceMonthly
			if cycle == billing.CycleYearly {
				price = p.PriceYearly
			}
		}
		out = append(out, resolvedItem{product: p, quantity: qty, unitPrice: price})
	}
	return out, skipped
}

// cycleOf reads the billing interval from the first priced line.
func cycleOf(remote *processor.Subscription) (billing.BillingCycle, int) {
	for _, it := range remote.Items {
		switch it.Interval {
		case "year":
			return billing.CycleYearly, max(it.IntervalCount, 1)
		case "month":
			return billing.CycleMonthly, max(it.IntervalCount, 1)
		}
	}
	return billing.CycleMonthly, 1
}

func (s *Service) sync(ctx context.Context, tenantID string, remote *processor.Subscription) (*SyncResult, error) {
	started := s.now()
	status, known := billing.MapExternalStatus(remote.Status)
	if !known {
		s.logger.Warn("unknown processor subscription status, treating as past due",
			"tenant_id", tenantID, "subscription", remote.ID, "status", remote.Status)
	}
	res := &SyncResult{TenantID: tenantID, Status: status}
	var before, after state

	err := s.store.InTx(ctx, func(tx store.Store) error {
		if err := tx.LockTenant(ctx, tenantID); err != nil {
			return fmt.Errorf("subscription: lock tenant row: %w", err)
		}
		tenant, err := tx.Tenants().Get(ctx, tenantID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", billing.ErrUnknownTenant, tenantID)
		}
		if err != nil {
			return fmt.Errorf("subscription: load tenant %s: %w", tenantID, err)
		}
		if remote.CustomerID != "" && tenant.StripeCustomerID != remote.CustomerID {
			if err := tx.Tenants().SetCustomerID(ctx, tenantID, remote.CustomerID); err != nil {
				return fmt.Errorf("subscription: link customer %s: %w", remote.CustomerID, err)
			}
		}

		existing, err := currentSubscription(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if existing != nil {
			res.Previous = existing.Status
			// A terminal snapshot for a subscription the tenant already moved
			// away from must not cancel the replacement.
			if existing.StripeSubscriptionID != remote.ID && status.IsTerminal() && !existing.Status.IsTerminal() {
				res.Stale = true
				return nil
			}
			before.Subscription = existing
			if before.Items, err = tx.Subscriptions().ListItems(ctx, existing.ID, true); err != nil {
				return fmt.Errorf("subscription: list items: %w", err)
			}
		}
		if before.Entitlement, err = currentEntitlement(ctx, tx, tenantID); err != nil {
			return err
		}

		catalog, err := tx.Products().List(ctx)
		if err != nil {
			return fmt.Errorf("subscription: list products: %w", err)
		}
		cycle, intervalCount := cycleOf(remote)
		resolved, skipped := resolveItems(remote, catalog, cycle)
		res.Skipped = skipped

		now := s.now().UTC()
		sub := &billing.Subscription{
			TenantID:             tenantID,
			Status:               status,
			BillingCycle:         cycle,
			IsTrial:              status == billing.StatusTrial,
			TrialEndsAt:          remote.TrialEnd,
			StartDate:            remote.StartDate,
			Currency:             remote.Currency,
			StripeSubscriptionID: remote.ID,
			AutoRenew:            !remote.CancelAtPeriodEnd,
		}
		if sub.StartDate.IsZero() {
			sub.StartDate = now
		}
		if status.IsTerminal() {
			end := now
			if existing != nil && existing.EndDate != nil && existing.StripeSubscriptionID == remote.ID {
				end = *existing.EndDate
			}
			sub.EndDate = &end
			sub.AutoRenew = false
		} else {
			next := billing.NextBillingDate(remote.BillingCycleAnchor, now, cycle, intervalCount)
			sub.NextBillingDate = &next
			for _, r := range resolved {
				sub.TotalAmount += r.quantity * r.unitPrice
			}
		}

		if existing != nil {
			sub.ID = existing.ID
			if existing.StripeSubscriptionID == remote.ID {
				sub.ERPOrderID = existing.ERPOrderID
			} else if existing.ERPOrderID != 0 {
				if err := outbox.Enqueue(ctx, tx.Outbox(), outbox.KindCancelOrder, tenantID,
					outbox.CancelOrderPayload{SubscriptionID: existing.ID, OrderID: existing.ERPOrderID}); err != nil {
					return err
				}
			}
		}
		if err := tx.Subscriptions().Upsert(ctx, sub); err != nil {
			return fmt.Errorf("subscription: upsert for %s: %w", tenantID, err)
		}
		res.SubscriptionID = sub.ID

		if res.ItemsCancelled, err = tx.Subscriptions().CancelLiveItems(ctx, sub.ID, now); err != nil {
			return fmt.Errorf("subscription: cancel items: %w", err)
		}
		if !status.IsTerminal() {
			itemStatus := billing.ItemActive
			if status == billing.StatusTrial {
				itemStatus = billing.ItemTrial
			}
			for _, r := range resolved {
				item := &billing.SubscriptionItem{
					SubscriptionID: sub.ID,
					ProductCode:    r.product.Code,
					Quantity:       r.quantity,
					UnitPrice:      r.unitPrice,
					Status:         itemStatus,
					StartDate:      now,
				}
				if err := tx.Subscriptions().CreateItem(ctx, item); err != nil {
					return fmt.Errorf("subscription: create item %s: %w", r.product.Code, err)
				}
				res.ItemsCreated++
			}
		}

		ent, items, err := s.rederive(ctx, tx, sub, catalog)
		if err != nil {
			return err
		}
		res.Entitlement = ent
		after = state{Subscription: sub, Items: items, Entitlement: ent}

		if err := audit.Record(ctx, tx.Audit(), s.syncEvent(tenantID, sub.ID, before, after)); err != nil {
			return err
		}
		return outbox.Enqueue(ctx, tx.Outbox(), outbox.KindPushOrder, tenantID, outbox.PushOrderPayload{SubscriptionID: sub.ID})
	})
	if err != nil {
		s.metrics.RecordSync("error", s.now().Sub(started))
		return nil, err
	}
	if res.Stale {
		s.logger.Info("ignored stale subscription snapshot", "tenant_id", tenantID, "subscription", remote.ID, "status", remote.Status)
		s.metrics.RecordSync("stale", s.now().Sub(started))
		return res, nil
	}

	s.entitlements.Invalidate(tenantID)
	s.audit.Log(ctx, s.syncEvent(tenantID, res.SubscriptionID, before, after))
	for _, sk := range res.Skipped {
		s.logger.Warn("skipped unresolved subscription item", "tenant_id", tenantID,
			"subscription", remote.ID, "price_id", sk.PriceID, "product_id", sk.ProductID)
	}
	s.logger.Info("subscription synced", "tenant_id", tenantID, "subscription", remote.ID,
		"previous", res.Previous, "status", res.Status, "items", res.ItemsCreated)
	s.metrics.RecordSync("ok", s.now().Sub(started))

	if res.Previous != res.Status {
		kind := notify.KindSubscriptionUpdated
		if status.IsTerminal() {
			kind = notify.KindSubscriptionCancelled
		}
		s.notify(ctx, notify.Notification{
			TenantID: tenantID,
			Kind:     kind,
			Subject:  fmt.Sprintf("Your subscription is now %s", status),
			Data:     map[string]any{"status": status, "previous_status": res.Previous, "modules": res.Entitlement.Modules},
		})
	}
	return res, nil
}

func (s *Service) syncEvent(tenantID, subID string, before, after state) audit.Event {
	return audit.Event{
		Timestamp:    s.now().UTC(),
		Type:         audit.EventSubscriptionSync,
		TenantID:     tenantID,
		ResourceType: "subscription",
		ResourceID:   subID,
		Before:       before,
		After:        after,
	}
}

// periodEnd returns the end of the current billing period for notifications.
func periodEnd(sub *billing.Subscription) *time.Time {
	if sub.NextBillingDate != nil {
		return sub.NextBillingDate
	}
	return sub.TrialEndsAt
}
