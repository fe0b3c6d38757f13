package storage

import "errors"

var (
	// ErrNotFound is returned when a read targets a tuple or tenant that does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownTenant is returned by implementations that track tenants
	// when a call names one that was never provisioned.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrStoreUnavailable signals an infrastructure failure. It is retryable
	// and must never be collapsed into "no tuples": a caller showing
	// "access denied" and one showing "system unavailable" are different
	// audit outcomes.
	ErrStoreUnavailable = errors.New("tuple store unavailable")
)
