package store

import "errors"

var (
	// ErrNotFound is returned when a tenant, subscription, item, invoice or
	// outbox message does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a unique key (customer ID, item ID) is
	// already taken by another row.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrConflict is returned when a row is not in a state that allows the
	// requested transition, such as cancelling an already cancelled item.
	ErrConflict = errors.New("store: state conflict")
)
