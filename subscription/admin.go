package subscription

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/billsync/audit"
	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/outbox"
	"github.com/GoCodeAlone/billsync/store"
)

// Details is a tenant's subscription with all of its items.
type Details struct {
	Subscription *billing.Subscription       `json:"subscription"`
	Items        []*billing.SubscriptionItem `json:"items"`
}

// Get returns the tenant's subscription and its full item history.
func (s *Service) Get(ctx context.Context, tenantID string) (*Details, error) {
	sub, err := currentSubscription(ctx, s.store, tenantID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, billing.ErrNoSubscription
	}
	items, err := s.store.Subscriptions().ListItems(ctx, sub.ID, false)
	if err != nil {
		return nil, fmt.Errorf("subscription: list items: %w", err)
	}
	return &Details{Subscription: sub, Items: items}, nil
}

// AddItem adds a product line to the tenant's live subscription, recomputes
// the entitlement and queues the ERP order update. The next processor sync
// replaces items wholesale, so lines added here must also exist at the
// processor to survive it.
func (s *Service) AddItem(ctx context.Context, tenantID, productCode string, quantity int64, actor string) (*billing.SubscriptionItem, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	var item *billing.SubscriptionItem
	err := s.adminChange(ctx, tenantID, actor, "add_item", func(tx store.Store, sub *billing.Subscription, catalog []billing.Product) error {
		p := billing.ProductByCode(catalog, productCode)
		if p == nil {
			return fmt.Errorf("%w: %s", billing.ErrUnresolvedProduct, productCode)
		}
		price := p.PriceMonthly
		if sub.BillingCycle == billing.CycleYearly {
			price = p.PriceYearly
		}
		status := billing.ItemActive
		if sub.Status == billing.StatusTrial {
			status = billing.ItemTrial
		}
		item = &billing.SubscriptionItem{
			SubscriptionID: sub.ID,
			ProductCode:    p.Code,
			Quantity:       quantity,
			UnitPrice:      price,
			Status:         status,
			StartDate:      s.now().UTC(),
		}
		if err := tx.Subscriptions().CreateItem(ctx, item); err != nil {
			return fmt.Errorf("subscription: create item: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// CancelItem soft-cancels one live item of the tenant's subscription.
// Returns store.ErrNotFound for items of other tenants and store.ErrConflict
// for items already cancelled.
func (s *Service) CancelItem(ctx context.Context, tenantID, itemID, actor string) error {
	return s.adminChange(ctx, tenantID, actor, "cancel_item", func(tx store.Store, sub *billing.Subscription, _ []billing.Product) error {
		items, err := tx.Subscriptions().ListItems(ctx, sub.ID, false)
		if err != nil {
			return fmt.Errorf("subscription: list items: %w", err)
		}
		owned := false
		for _, it := range items {
			if it.ID == itemID {
				owned = true
				break
			}
		}
		if !owned {
			return store.ErrNotFound
		}
		return tx.Subscriptions().CancelItem(ctx, itemID, s.now().UTC())
	})
}

// adminChange runs change against the tenant's live subscription, then
// recomputes totals and entitlement, audits and queues an order push.
func (s *Service) adminChange(ctx context.Context, tenantID, actor, op string, change func(tx store.Store, sub *billing.Subscription, catalog []billing.Product) error) error {
	var before, after state
	err := s.withTenantLock(ctx, tenantID, func(ctx context.Context) error {
		return s.store.InTx(ctx, func(tx store.Store) error {
			if err := tx.LockTenant(ctx, tenantID); err != nil {
				return fmt.Errorf("subscription: lock tenant row: %w", err)
			}
			sub, err := currentSubscription(ctx, tx, tenantID)
			if err != nil {
				return err
			}
			if sub == nil {
				return billing.ErrNoSubscription
			}
			if sub.Status.IsTerminal() {
				return ErrInactive
			}
			prev := *sub
			before.Subscription = &prev
			if before.Items, err = tx.Subscriptions().ListItems(ctx, sub.ID, true); err != nil {
				return fmt.Errorf("subscription: list items: %w", err)
			}
			if before.Entitlement, err = currentEntitlement(ctx, tx, tenantID); err != nil {
				return err
			}
			catalog, err := tx.Products().List(ctx)
			if err != nil {
				return fmt.Errorf("subscription: list products: %w", err)
			}

			if err := change(tx, sub, catalog); err != nil {
				return err
			}

			live, err := tx.Subscriptions().ListItems(ctx, sub.ID, true)
			if err != nil {
				return fmt.Errorf("subscription: list items: %w", err)
			}
			sub.TotalAmount = 0
			for _, it := range live {
				sub.TotalAmount += it.Total()
			}
			if err := tx.Subscriptions().Upsert(ctx, sub); err != nil {
				return fmt.Errorf("subscription: update total: %w", err)
			}
			ent, items, err := s.rederive(ctx, tx, sub, catalog)
			if err != nil {
				return err
			}
			after = state{Subscription: sub, Items: items, Entitlement: ent}
			if err := audit.Record(ctx, tx.Audit(), s.adminEvent(tenantID, sub.ID, actor, op, before, after)); err != nil {
				return err
			}
			return outbox.Enqueue(ctx, tx.Outbox(), outbox.KindPushOrder, tenantID, outbox.PushOrderPayload{SubscriptionID: sub.ID})
		})
	})
	if err != nil {
		return err
	}
	s.entitlements.Invalidate(tenantID)
	s.audit.Log(ctx, s.adminEvent(tenantID, after.Subscription.ID, actor, op, before, after))
	s.logger.Info("subscription changed by admin", "tenant_id", tenantID, "op", op, "actor", actor)
	return nil
}

func (s *Service) adminEvent(tenantID, subID, actor, op string, before, after state) audit.Event {
	return audit.Event{
		Timestamp:    s.now().UTC(),
		Type:         audit.EventAdminOp,
		TenantID:     tenantID,
		Actor:        actor,
		ResourceType: "subscription",
		ResourceID:   subID,
		Detail:       op,
		Before:       before,
		After:        after,
	}
}
