package repository

import "errors"

// Common repository errors. Store adapters translate their backend's
// native errors into these so callers classify with errors.Is regardless
// of backend.
var (
	// ErrNotFound indicates the requested entity was not found
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicateKey indicates a unique constraint violation
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrOptimisticLock indicates a concurrent modification conflict,
	// e.g. a saga save with a stale expected version
	ErrOptimisticLock = errors.New("optimistic lock failed")

	// ErrClaimLost indicates a compare-and-swap claim lost its race,
	// e.g. an outbox entry already claimed by another relay worker
	ErrClaimLost = errors.New("claim lost")
)
