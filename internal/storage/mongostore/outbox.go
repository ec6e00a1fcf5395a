// Package mongostore implements the persistent store contracts on MongoDB:
// outbox, inbox, saga repository, scheduled messages, idempotency, and the
// message store. Claims and version guards use FindOneAndUpdate's atomic
// document-level compare-and-swap, so the same per-entry ownership rules
// the in-memory reference stores enforce under a mutex hold across
// processes sharing one database.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.heromessaging.dev/heromessaging/internal/common/repository"
	"go.heromessaging.dev/heromessaging/internal/messaging"
	"go.heromessaging.dev/heromessaging/internal/outbox"
)

const (
	outboxCollection     = "outbox_entries"
	deadLetterCollection = "outbox_dead_letters"
)

type envelopeDoc struct {
	ID            string            `bson:"id"`
	Kind          int               `bson:"kind"`
	Type          string            `bson:"type"`
	Payload       any               `bson:"payload,omitempty"`
	CreatedAt     time.Time         `bson:"createdAt"`
	CorrelationID string            `bson:"correlationId,omitempty"`
	CausationID   string            `bson:"causationId,omitempty"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
}

func toEnvelopeDoc(env *messaging.Envelope) *envelopeDoc {
	if env == nil {
		return nil
	}
	return &envelopeDoc{
		ID:            env.ID,
		Kind:          int(env.Kind),
		Type:          env.Type,
		Payload:       env.Payload,
		CreatedAt:     env.CreatedAt,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Metadata:      env.Metadata,
	}
}

func fromEnvelopeDoc(d *envelopeDoc) *messaging.Envelope {
	if d == nil {
		return nil
	}
	return &messaging.Envelope{
		ID:            d.ID,
		Kind:          messaging.Kind(d.Kind),
		Type:          d.Type,
		Payload:       d.Payload,
		CreatedAt:     d.CreatedAt,
		CorrelationID: d.CorrelationID,
		CausationID:   d.CausationID,
		Metadata:      d.Metadata,
	}
}

type outboxDoc struct {
	ID          string       `bson:"_id"`
	Message     *envelopeDoc `bson:"message,omitempty"`
	Destination string       `bson:"destination"`
	Priority    int          `bson:"priority"`
	Status      int          `bson:"status"`
	RetryCount  int          `bson:"retryCount"`
	MaxRetries  int          `bson:"maxRetries"`
	NextRetryAt *time.Time   `bson:"nextRetryAt,omitempty"`
	CreatedAt   time.Time    `bson:"createdAt"`
	ClaimedAt   *time.Time   `bson:"claimedAt,omitempty"`
	ProcessedAt *time.Time   `bson:"processedAt,omitempty"`
	LastError   string       `bson:"lastError,omitempty"`
}

func toOutboxDoc(e *outbox.Entry) *outboxDoc {
	return &outboxDoc{
		ID:          e.ID,
		Message:     toEnvelopeDoc(e.Message),
		Destination: e.Destination,
		Priority:    e.Priority,
		Status:      int(e.Status),
		RetryCount:  e.RetryCount,
		MaxRetries:  e.MaxRetries,
		NextRetryAt: e.NextRetryAt,
		CreatedAt:   e.CreatedAt,
		ProcessedAt: e.ProcessedAt,
		LastError:   e.LastError,
	}
}

func fromOutboxDoc(d *outboxDoc) *outbox.Entry {
	return &outbox.Entry{
		ID:          d.ID,
		Message:     fromEnvelopeDoc(d.Message),
		Destination: d.Destination,
		Priority:    d.Priority,
		Status:      outbox.Status(d.Status),
		RetryCount:  d.RetryCount,
		MaxRetries:  d.MaxRetries,
		NextRetryAt: d.NextRetryAt,
		CreatedAt:   d.CreatedAt,
		ProcessedAt: d.ProcessedAt,
		LastError:   d.LastError,
	}
}

// OutboxStore implements outbox.Store on MongoDB
type OutboxStore struct {
	db *mongo.Database
}

// NewOutboxStore creates a MongoDB-backed outbox store
func NewOutboxStore(db *mongo.Database) *OutboxStore {
	return &OutboxStore{db: db}
}

func (s *OutboxStore) entries() *mongo.Collection {
	return s.db.Collection(outboxCollection)
}

func (s *OutboxStore) Add(ctx context.Context, entry *outbox.Entry) error {
	return repository.InstrumentVoid(ctx, outboxCollection, "add", func() error {
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}
		_, err := s.entries().InsertOne(ctx, toOutboxDoc(entry))
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrDuplicateKey
		}
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
		return nil
	})
}

func (s *OutboxStore) GetPending(ctx context.Context, q outbox.PendingQuery) ([]*outbox.Entry, error) {
	return repository.Instrument(ctx, outboxCollection, "getPending", func() ([]*outbox.Entry, error) {
		filter := bson.M{
			"destination": q.Destination,
			"status":      int(outbox.StatusPending),
			"$or": bson.A{
				bson.M{"nextRetryAt": bson.M{"$exists": false}},
				bson.M{"nextRetryAt": nil},
				bson.M{"nextRetryAt": bson.M{"$lte": q.AsOf}},
			},
		}
		opts := options.Find().
			SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "createdAt", Value: 1}}).
			SetLimit(int64(q.Limit))

		cursor, err := s.entries().Find(ctx, filter, opts)
		if err != nil {
			return nil, fmt.Errorf("find pending: %w", err)
		}
		defer cursor.Close(ctx)

		return decodeOutboxCursor(ctx, cursor)
	})
}

func (s *OutboxStore) ClaimProcessing(ctx context.Context, id string) (bool, error) {
	return repository.Instrument(ctx, outboxCollection, "claimProcessing", func() (bool, error) {
		now := time.Now()
		res := s.entries().FindOneAndUpdate(ctx,
			bson.M{"_id": id, "status": int(outbox.StatusPending)},
			bson.M{"$set": bson.M{"status": int(outbox.StatusProcessing), "claimedAt": now}},
		)
		if err := res.Err(); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return false, nil // lost the CAS race
			}
			return false, fmt.Errorf("claim processing: %w", err)
		}
		return true, nil
	})
}

func (s *OutboxStore) MarkProcessed(ctx context.Context, id string, processedAt time.Time) error {
	return repository.InstrumentVoid(ctx, outboxCollection, "markProcessed", func() error {
		_, err := s.entries().UpdateOne(ctx,
			bson.M{"_id": id},
			bson.M{"$set": bson.M{"status": int(outbox.StatusProcessed), "processedAt": processedAt}},
		)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		return nil
	})
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastErr string) error {
	return repository.InstrumentVoid(ctx, outboxCollection, "markFailed", func() error {
		_, err := s.entries().UpdateOne(ctx,
			bson.M{"_id": id},
			bson.M{"$set": bson.M{"status": int(outbox.StatusFailed), "lastError": lastErr}},
		)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	})
}

func (s *OutboxStore) UpdateRetryCount(ctx context.Context, id string, retryCount int, nextRetryAt time.Time) error {
	return repository.InstrumentVoid(ctx, outboxCollection, "updateRetryCount", func() error {
		_, err := s.entries().UpdateOne(ctx,
			bson.M{"_id": id},
			bson.M{"$set": bson.M{
				"status":      int(outbox.StatusPending),
				"retryCount":  retryCount,
				"nextRetryAt": nextRetryAt,
			}, "$unset": bson.M{"claimedAt": ""}},
		)
		if err != nil {
			return fmt.Errorf("update retry count: %w", err)
		}
		return nil
	})
}

func (s *OutboxStore) GetPendingCount(ctx context.Context, destination string) (int, error) {
	return repository.Instrument(ctx, outboxCollection, "getPendingCount", func() (int, error) {
		n, err := s.entries().CountDocuments(ctx, bson.M{
			"destination": destination,
			"status":      int(outbox.StatusPending),
		})
		if err != nil {
			return 0, fmt.Errorf("count pending: %w", err)
		}
		return int(n), nil
	})
}

func (s *OutboxStore) GetFailed(ctx context.Context, destination string, limit int) ([]*outbox.Entry, error) {
	return repository.Instrument(ctx, outboxCollection, "getFailed", func() ([]*outbox.Entry, error) {
		opts := options.Find().
			SetSort(bson.D{{Key: "createdAt", Value: 1}}).
			SetLimit(int64(limit))
		cursor, err := s.entries().Find(ctx, bson.M{
			"destination": destination,
			"status":      int(outbox.StatusFailed),
		}, opts)
		if err != nil {
			return nil, fmt.Errorf("find failed: %w", err)
		}
		defer cursor.Close(ctx)
		return decodeOutboxCursor(ctx, cursor)
	})
}

func (s *OutboxStore) FetchStuckProcessing(ctx context.Context, olderThan time.Duration) ([]*outbox.Entry, error) {
	return repository.Instrument(ctx, outboxCollection, "fetchStuckProcessing", func() ([]*outbox.Entry, error) {
		cutoff := time.Now().Add(-olderThan)
		cursor, err := s.entries().Find(ctx, bson.M{
			"status":    int(outbox.StatusProcessing),
			"claimedAt": bson.M{"$lt": cutoff},
		}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
		if err != nil {
			return nil, fmt.Errorf("find stuck: %w", err)
		}
		defer cursor.Close(ctx)
		return decodeOutboxCursor(ctx, cursor)
	})
}

func (s *OutboxStore) ResetToPending(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, outboxCollection, "resetToPending", func() error {
		_, err := s.entries().UpdateOne(ctx,
			bson.M{"_id": id, "status": int(outbox.StatusProcessing)},
			bson.M{"$set": bson.M{"status": int(outbox.StatusPending)}, "$unset": bson.M{"claimedAt": ""}},
		)
		if err != nil {
			return fmt.Errorf("reset to pending: %w", err)
		}
		return nil
	})
}

type deadLetterDoc struct {
	ID                string     `bson:"_id"`
	OriginDestination string     `bson:"originDestination"`
	Entry             *outboxDoc `bson:"entry"`
	FinalError        string     `bson:"finalError"`
	DeadLetteredAt    time.Time  `bson:"deadLetteredAt"`
}

func (s *OutboxStore) AddDeadLetter(ctx context.Context, dl *outbox.DeadLetterEntry) error {
	return repository.InstrumentVoid(ctx, deadLetterCollection, "add", func() error {
		id := dl.ID
		if id == "" && dl.Entry != nil {
			id = dl.Entry.ID
		}
		_, err := s.db.Collection(deadLetterCollection).InsertOne(ctx, &deadLetterDoc{
			ID:                id,
			OriginDestination: dl.OriginDestination,
			Entry:             toOutboxDoc(dl.Entry),
			FinalError:        dl.FinalError,
			DeadLetteredAt:    dl.DeadLetteredAt,
		})
		if err != nil {
			return fmt.Errorf("insert dead letter: %w", err)
		}
		return nil
	})
}

func (s *OutboxStore) GetDeadLetters(ctx context.Context, originDestination string, limit int) ([]*outbox.DeadLetterEntry, error) {
	return repository.Instrument(ctx, deadLetterCollection, "get", func() ([]*outbox.DeadLetterEntry, error) {
		opts := options.Find().
			SetSort(bson.D{{Key: "deadLetteredAt", Value: -1}}).
			SetLimit(int64(limit))
		cursor, err := s.db.Collection(deadLetterCollection).Find(ctx, bson.M{
			"originDestination": originDestination,
		}, opts)
		if err != nil {
			return nil, fmt.Errorf("find dead letters: %w", err)
		}
		defer cursor.Close(ctx)

		var out []*outbox.DeadLetterEntry
		for cursor.Next(ctx) {
			var d deadLetterDoc
			if err := cursor.Decode(&d); err != nil {
				return nil, fmt.Errorf("decode dead letter: %w", err)
			}
			out = append(out, &outbox.DeadLetterEntry{
				ID:                d.ID,
				OriginDestination: d.OriginDestination,
				Entry:             fromOutboxDoc(d.Entry),
				FinalError:        d.FinalError,
				DeadLetteredAt:    d.DeadLetteredAt,
			})
		}
		return out, cursor.Err()
	})
}

func decodeOutboxCursor(ctx context.Context, cursor *mongo.Cursor) ([]*outbox.Entry, error) {
	var out []*outbox.Entry
	for cursor.Next(ctx) {
		var d outboxDoc
		if err := cursor.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode outbox entry: %w", err)
		}
		out = append(out, fromOutboxDoc(&d))
	}
	return out, cursor.Err()
}
