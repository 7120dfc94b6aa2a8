package erp

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/billsync/billing"
	"github.com/GoCodeAlone/billsync/store"
)

// EnsurePartner returns the tenant's ERP partner, creating it and caching the
// id on the tenant when missing.
func EnsurePartner(ctx context.Context, e ERP, tenants store.TenantStore, t *billing.Tenant) (int64, error) {
	if t.ERPPartnerID != 0 {
		return t.ERPPartnerID, nil
	}
	name := t.Name
	if name == "" {
		name = t.ID
	}
	id, err := e.CreateOrGetPartner(ctx, name, t.Email)
	if err != nil {
		return 0, err
	}
	if err := tenants.SetERPPartnerID(ctx, t.ID, id); err != nil {
		return id, fmt.Errorf("erp: cache partner for %s: %w", t.ID, err)
	}
	t.ERPPartnerID = id
	return id, nil
}
