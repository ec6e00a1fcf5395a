package outbox

import (
	"context"
	"time"
)

// PendingQuery parameterizes the relay's eligible-batch query: status=Pending AND (nextRetryAt IS NULL OR nextRetryAt <= now),
// ordered priority desc then createdAt asc, limited to Limit.
type PendingQuery struct {
	Destination string
	AsOf        time.Time
	Limit       int
}

// Store is the outbox persistence contract: add, getPending,
// markProcessed, markFailed, updateRetryCount, getPendingCount, getFailed —
// plus the per-entry CAS claim primitive the relay requires and the
// dead-letter/recovery operations.
type Store interface {
	// Add appends a Pending entry. Callers that need transactional
	// same-commit semantics with business data wrap Add in their own store-provided transaction; the
	// in-memory reference store has no transaction boundary to offer.
	Add(ctx context.Context, entry *Entry) error

	// GetPending returns the eligible batch for q.Destination, ordered
	// priority desc then createdAt asc.
	GetPending(ctx context.Context, q PendingQuery) ([]*Entry, error)

	// ClaimProcessing atomically transitions id from Pending to Processing
	// (compare-and-swap on status). Returns false, nil on
	// CAS conflict (another worker already claimed it) rather than an
	// error.
	ClaimProcessing(ctx context.Context, id string) (bool, error)

	MarkProcessed(ctx context.Context, id string, processedAt time.Time) error

	// MarkFailed transitions id to Failed with lastErr recorded. It does not
	// write a dead-letter copy; the relay calls AddDeadLetter right after
	// it.
	MarkFailed(ctx context.Context, id string, lastErr string) error

	// UpdateRetryCount sets retryCount and nextRetryAt and transitions the
	// entry back to Pending.
	UpdateRetryCount(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error

	GetPendingCount(ctx context.Context, destination string) (int, error)
	GetFailed(ctx context.Context, destination string, limit int) ([]*Entry, error)

	// FetchStuckProcessing returns entries that have been Processing for
	// longer than olderThan — crash-recovery input.
	FetchStuckProcessing(ctx context.Context, olderThan time.Duration) ([]*Entry, error)
	// ResetToPending reverts a stuck Processing entry back to Pending,
	// immediately eligible, without touching retryCount.
	ResetToPending(ctx context.Context, id string) error

	AddDeadLetter(ctx context.Context, dl *DeadLetterEntry) error
	GetDeadLetters(ctx context.Context, originDestination string, limit int) ([]*DeadLetterEntry, error)
}
