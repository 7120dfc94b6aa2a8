package store

import (
	"context"
	"fmt"

	"github.com/GoCodeAlone/billsync/billing"
)

// SeedProducts upserts the product catalog. Run at startup so webhook
// resolution sees the configured processor ids.
func SeedProducts(ctx context.Context, ps ProductStore, products []billing.Product) error {
	for _, p := range products {
		if p.Code == "" {
			return fmt.Errorf("store: seed product without code")
		}
		if err := ps.Upsert(ctx, p); err != nil {
			return fmt.Errorf("store: seed product %s: %w", p.Code, err)
		}
	}
	return nil
}
