package billing

// Error is a constant billing error.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrUnknownTenant is returned when an event cannot be attributed to a tenant.
	ErrUnknownTenant = Error("billing: unknown tenant")
	// ErrUnresolvedProduct is returned for line items missing from the catalog.
	ErrUnresolvedProduct = Error("billing: product not in catalog")
	// ErrInvalidSnapshot is returned when an entitlement snapshot is incomplete.
	ErrInvalidSnapshot = Error("billing: invalid entitlement snapshot")
	// ErrNoSubscription is returned when a tenant has no subscription row.
	ErrNoSubscription = Error("billing: tenant has no subscription")
)
