package saga

import (
	"context"
	"errors"
)

// ErrConcurrencyConflict is returned by Save when expectedVersion no longer
// matches the stored version.
var ErrConcurrencyConflict = errors.New("saga: concurrency conflict")

// ErrNotFound is returned by FindByID for an unknown instance id.
var ErrNotFound = errors.New("saga: instance not found")

// Repository is the saga persistence contract: findById,
// findByCorrelation, save (with expectedVersion CAS), delete.
type Repository interface {
	FindByID(ctx context.Context, id string) (*Instance, error)

	// FindByCorrelation looks up a non-completed instance of sagaType by
	// correlation id. CorrelationID "may be non-unique during overlap"
	//; the repository returns the most recently updated
	// non-completed match.
	FindByCorrelation(ctx context.Context, sagaType, correlationID string) (*Instance, bool, error)

	// Save persists instance transactionally guarded by expectedVersion:
	// for a brand-new instance (never persisted) expectedVersion is 0. On
	// success the stored version is instance.Version (already incremented
	// by the caller). Returns ErrConcurrencyConflict on a stale
	// expectedVersion.
	Save(ctx context.Context, instance *Instance, expectedVersion int) error

	Delete(ctx context.Context, id string) error
}
