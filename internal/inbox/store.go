package inbox

import "context"
import "time"

// Store is the inbox persistence contract: add (with
// requireIdempotency flag), isDuplicate, get, markProcessed, markFailed,
// getUnprocessed, cleanupOldEntries.
type Store interface {
	// Add inserts a new entry. requireIdempotency signals that a Duplicate
	// row should still be recorded even if the caller has already decided
	// to drop the message (for audit/replay visibility) rather than
	// silently discarding it.
	Add(ctx context.Context, entry *Entry, requireIdempotency bool) error

	// IsDuplicate reports whether an existing non-Duplicate entry for
	// dedupKey exists with ReceivedAt within window of now.
	IsDuplicate(ctx context.Context, dedupKey string, window time.Duration, now time.Time) (bool, error)

	Get(ctx context.Context, messageID string) (*Entry, bool, error)
	MarkProcessed(ctx context.Context, messageID string, processedAt time.Time) error
	MarkFailed(ctx context.Context, messageID string, errMsg string) error
	GetUnprocessed(ctx context.Context, limit int) ([]*Entry, error)

	// CleanupOldEntries removes Processed entries older than
	// retentionProcessed; Failed entries are retained until
	// retentionFailed.
	CleanupOldEntries(ctx context.Context, now time.Time, retentionProcessed, retentionFailed time.Duration) (int, error)
}
