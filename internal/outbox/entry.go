// Package outbox implements the transactional-outbox pattern: a
// durable buffer of messages to publish, written in the same transaction as
// business state, drained by a background relay with priority+FIFO
// ordering, retry, and dead-lettering.
package outbox

import (
	"time"

	"go.heromessaging.dev/heromessaging/internal/messaging"
)

// Status is the closed set of states an OutboxEntry moves through. Legal
// transitions are Pending->Processing->(Processed|Failed|Pending'); Processed
// is terminal.
type Status int

const (
	StatusPending Status = iota
	StatusProcessing
	StatusProcessed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusProcessed:
		return "processed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is the persisted unit of work.
type Entry struct {
	ID           string
	Message      *messaging.Envelope
	Destination  string
	Priority     int // higher dispatches first
	Status       Status
	RetryCount   int
	MaxRetries   int
	NextRetryAt  *time.Time
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	LastError    string
}

// Eligible reports whether e is a candidate for dispatch right now: Pending
// and either never deferred or past its deferral.
func (e *Entry) Eligible(now time.Time) bool {
	if e.Status != StatusPending {
		return false
	}
	if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
		return false
	}
	return true
}

// DeadLetterEntry is a first-class dead-letter record: DLQ is a separate
// logical destination per origin, not shared, preserving the origin so
// replay/inspection stays tractable.
type DeadLetterEntry struct {
	ID                string
	OriginDestination string
	Entry             *Entry
	FinalError        string
	DeadLetteredAt    time.Time
}

// DLQDestination derives the dead-letter destination name for an origin.
func DLQDestination(origin string) string {
	return "dlq." + origin
}
