package billing

import "time"

// EntitlementStatus is what the gating middleware keys its decisions on.
type EntitlementStatus string

const (
	EntitlementTrial   EntitlementStatus = "TRIAL"
	EntitlementActive  EntitlementStatus = "ACTIVE"
	EntitlementPastDue EntitlementStatus = "PAST_DUE"
	EntitlementExpired EntitlementStatus = "EXPIRED"
)

// Valid reports whether s is a known entitlement status.
func (s EntitlementStatus) Valid() bool {
	switch s {
	case EntitlementTrial, EntitlementActive, EntitlementPastDue, EntitlementExpired:
		return true
	}
	return false
}

// EntitlementFor maps a subscription status onto the entitlement status the
// tenant should see.
func EntitlementFor(s SubscriptionStatus) EntitlementStatus {
	switch s {
	case StatusTrial:
		return EntitlementTrial
	case StatusActive:
		return EntitlementActive
	case StatusPastDue:
		return EntitlementPastDue
	default:
		return EntitlementExpired
	}
}

// Entitlement is the per-tenant feature-gating snapshot. Modules is always
// derived from subscription items and never edited by hand.
type Entitlement struct {
	TenantID             string            `json:"tenant_id"`
	Modules              []string          `json:"modules"`
	MaxUsers             int               `json:"max_users"`
	MaxStores            int               `json:"max_stores"`
	MaxTerminals         int               `json:"max_terminals"`
	Status               EntitlementStatus `json:"status"`
	PeriodEnd            *time.Time        `json:"period_end,omitempty"`
	Source               string            `json:"source"`
	StripeSubscriptionID string            `json:"stripe_subscription_id,omitempty"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Usable reports whether the tenant may use anything at all. EXPIRED is
// unusable regardless of the module list.
func (e *Entitlement) Usable() bool {
	return e != nil && e.Status != EntitlementExpired
}

// HasModule reports whether module is granted and the snapshot is usable.
func (e *Entitlement) HasModule(module string) bool {
	if !e.Usable() {
		return false
	}
	for _, m := range e.Modules {
		if m == module {
			return true
		}
	}
	return false
}

// DeriveEntitlement computes the full snapshot for a tenant from its live
// items. Modules are the union of every item's grants; base plan limits apply
// once and add-on limits are multiplied by quantity.
func DeriveEntitlement(tenantID string, sub *Subscription, items []*SubscriptionItem, catalog []Product) *Entitlement {
	e := &Entitlement{
		TenantID: tenantID,
		Source:   "stripe",
	}
	if sub != nil {
		e.Status = EntitlementFor(sub.Status)
		e.StripeSubscriptionID = sub.StripeSubscriptionID
		switch {
		case sub.NextBillingDate != nil:
			t := *sub.NextBillingDate
			e.PeriodEnd = &t
		case sub.TrialEndsAt != nil:
			t := *sub.TrialEndsAt
			e.PeriodEnd = &t
		}
	} else {
		e.Status = EntitlementExpired
	}

	// Base plans and add-ons accumulate separately so item order does not
	// change the result.
	var mods []string
	var base, extra struct{ users, stores, terminals int }
	for _, it := range items {
		if !it.Live() {
			continue
		}
		p := ProductByCode(catalog, it.ProductCode)
		if p == nil {
			continue
		}
		mods = append(mods, p.Grants()...)
		qty := int(it.Quantity)
		if qty < 1 {
			qty = 1
		}
		if p.Type == ProductBasePlan {
			base.users = max(base.users, p.MaxUsers)
			base.stores = max(base.stores, p.MaxStores)
			base.terminals = max(base.terminals, p.MaxTerminals)
			continue
		}
		extra.users += p.MaxUsers * qty
		extra.stores += p.MaxStores * qty
		extra.terminals += p.MaxTerminals * qty
	}
	e.MaxUsers = base.users + extra.users
	e.MaxStores = base.stores + extra.stores
	e.MaxTerminals = base.terminals + extra.terminals
	e.Modules = NormalizeModules(mods)
	return e
}
