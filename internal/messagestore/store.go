// Package messagestore provides durable storage for message envelopes,
// organized into named collections with timestamp-range and metadata
// queries and per-record TTL enforced at read time.
package messagestore

import (
	"context"
	"errors"
	"time"

	"go.heromessaging.dev/heromessaging/internal/messaging"
)

var ErrNotFound = errors.New("messagestore: message not found")

// Record is a stored envelope plus storage-level bookkeeping.
type Record struct {
	ID         string
	Collection string
	Envelope   *messaging.Envelope
	StoredAt   time.Time
	ExpiresAt  *time.Time
}

// Expired reports whether the record's TTL has elapsed. Expired records
// behave as not-present on every read path; physical removal is the
// store's own concern.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// Order controls result ordering for Query.
type Order int

const (
	OrderNewestFirst Order = iota
	OrderOldestFirst
)

// Query selects records from one collection. From/To bound StoredAt
// (zero values mean unbounded); Metadata entries must all match the
// envelope's metadata exactly.
type Query struct {
	Collection string
	From       time.Time
	To         time.Time
	Metadata   map[string]string
	Offset     int
	Limit      int
	Order      Order
}

// Store is the message persistence contract.
type Store interface {
	// Store persists an envelope into a collection. A zero ttl means the
	// record never expires.
	Store(ctx context.Context, collection string, env *messaging.Envelope, ttl time.Duration) error

	// Get retrieves a record by envelope id. Expired records return
	// ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Query returns non-expired records matching q, ordered and paged.
	Query(ctx context.Context, q Query) ([]*Record, error)

	// Update replaces the stored envelope for id.
	Update(ctx context.Context, id string, env *messaging.Envelope) error

	Delete(ctx context.Context, id string) error

	// Exists reports whether a non-expired record with id is present.
	Exists(ctx context.Context, id string) (bool, error)

	// Count returns the number of non-expired records matching q,
	// ignoring Offset/Limit.
	Count(ctx context.Context, q Query) (int, error)
}
