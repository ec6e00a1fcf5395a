package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.heromessaging.dev/heromessaging/internal/common/repository"
	"go.heromessaging.dev/heromessaging/internal/inbox"
)

const inboxCollection = "inbox_entries"

type inboxDoc struct {
	MessageID        string     `bson:"_id"`
	Source           string     `bson:"source,omitempty"`
	ReceivedAt       time.Time  `bson:"receivedAt"`
	Status           int        `bson:"status"`
	ProcessedAt      *time.Time `bson:"processedAt,omitempty"`
	Error            string     `bson:"error,omitempty"`
	DeduplicationKey string     `bson:"deduplicationKey"`
}

func fromInboxDoc(d *inboxDoc) *inbox.Entry {
	return &inbox.Entry{
		MessageID:        d.MessageID,
		Source:           d.Source,
		ReceivedAt:       d.ReceivedAt,
		Status:           inbox.Status(d.Status),
		ProcessedAt:      d.ProcessedAt,
		Error:            d.Error,
		DeduplicationKey: d.DeduplicationKey,
	}
}

// InboxStore implements inbox.Store on MongoDB
type InboxStore struct {
	db *mongo.Database
}

// NewInboxStore creates a MongoDB-backed inbox store
func NewInboxStore(db *mongo.Database) *InboxStore {
	return &InboxStore{db: db}
}

func (s *InboxStore) entries() *mongo.Collection {
	return s.db.Collection(inboxCollection)
}

func (s *InboxStore) Add(ctx context.Context, entry *inbox.Entry, _ bool) error {
	return repository.InstrumentVoid(ctx, inboxCollection, "add", func() error {
		if entry.ReceivedAt.IsZero() {
			entry.ReceivedAt = time.Now()
		}
		doc := &inboxDoc{
			MessageID:        entry.MessageID,
			Source:           entry.Source,
			ReceivedAt:       entry.ReceivedAt,
			Status:           int(entry.Status),
			ProcessedAt:      entry.ProcessedAt,
			Error:            entry.Error,
			DeduplicationKey: entry.DeduplicationKey,
		}
		// A redelivery recorded as Duplicate is inserted only when no entry
		// exists under its message id, so it overwrites nothing but still
		// leaves an auditable row; other entries upsert over their row.
		if entry.Status == inbox.StatusDuplicate {
			_, err := s.entries().UpdateOne(ctx,
				bson.M{"_id": entry.MessageID},
				bson.M{"$setOnInsert": doc},
				options.Update().SetUpsert(true),
			)
			if err != nil {
				return fmt.Errorf("insert duplicate inbox entry: %w", err)
			}
			return nil
		}
		_, err := s.entries().ReplaceOne(ctx,
			bson.M{"_id": entry.MessageID},
			doc,
			options.Replace().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("upsert inbox entry: %w", err)
		}
		return nil
	})
}

func (s *InboxStore) IsDuplicate(ctx context.Context, dedupKey string, window time.Duration, now time.Time) (bool, error) {
	return repository.Instrument(ctx, inboxCollection, "isDuplicate", func() (bool, error) {
		cutoff := now.Add(-window)
		n, err := s.entries().CountDocuments(ctx, bson.M{
			"deduplicationKey": dedupKey,
			"status":           bson.M{"$ne": int(inbox.StatusDuplicate)},
			"receivedAt":       bson.M{"$gt": cutoff},
		}, options.Count().SetLimit(1))
		if err != nil {
			return false, fmt.Errorf("count duplicates: %w", err)
		}
		return n > 0, nil
	})
}

func (s *InboxStore) Get(ctx context.Context, messageID string) (*inbox.Entry, bool, error) {
	type result struct {
		entry *inbox.Entry
		found bool
	}
	r, err := repository.Instrument(ctx, inboxCollection, "get", func() (result, error) {
		var d inboxDoc
		err := s.entries().FindOne(ctx, bson.M{"_id": messageID}).Decode(&d)
		if err == mongo.ErrNoDocuments {
			return result{}, nil
		}
		if err != nil {
			return result{}, fmt.Errorf("find inbox entry: %w", err)
		}
		return result{entry: fromInboxDoc(&d), found: true}, nil
	})
	return r.entry, r.found, err
}

func (s *InboxStore) MarkProcessed(ctx context.Context, messageID string, processedAt time.Time) error {
	return repository.InstrumentVoid(ctx, inboxCollection, "markProcessed", func() error {
		_, err := s.entries().UpdateOne(ctx,
			bson.M{"_id": messageID},
			bson.M{"$set": bson.M{"status": int(inbox.StatusProcessed), "processedAt": processedAt}},
		)
		if err != nil {
			return fmt.Errorf("mark processed: %w", err)
		}
		return nil
	})
}

func (s *InboxStore) MarkFailed(ctx context.Context, messageID string, errMsg string) error {
	return repository.InstrumentVoid(ctx, inboxCollection, "markFailed", func() error {
		_, err := s.entries().UpdateOne(ctx,
			bson.M{"_id": messageID},
			bson.M{"$set": bson.M{"status": int(inbox.StatusFailed), "error": errMsg}},
		)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	})
}

func (s *InboxStore) GetUnprocessed(ctx context.Context, limit int) ([]*inbox.Entry, error) {
	return repository.Instrument(ctx, inboxCollection, "getUnprocessed", func() ([]*inbox.Entry, error) {
		opts := options.Find().
			SetSort(bson.D{{Key: "receivedAt", Value: 1}}).
			SetLimit(int64(limit))
		cursor, err := s.entries().Find(ctx, bson.M{
			"status": bson.M{"$in": bson.A{int(inbox.StatusPending), int(inbox.StatusFailed)}},
		}, opts)
		if err != nil {
			return nil, fmt.Errorf("find unprocessed: %w", err)
		}
		defer cursor.Close(ctx)

		var out []*inbox.Entry
		for cursor.Next(ctx) {
			var d inboxDoc
			if err := cursor.Decode(&d); err != nil {
				return nil, fmt.Errorf("decode inbox entry: %w", err)
			}
			out = append(out, fromInboxDoc(&d))
		}
		return out, cursor.Err()
	})
}

func (s *InboxStore) CleanupOldEntries(ctx context.Context, now time.Time, retentionProcessed, retentionFailed time.Duration) (int, error) {
	return repository.Instrument(ctx, inboxCollection, "cleanup", func() (int, error) {
		clauses := bson.A{
			bson.M{
				"status":      int(inbox.StatusProcessed),
				"processedAt": bson.M{"$lt": now.Add(-retentionProcessed)},
			},
			bson.M{
				"status":     int(inbox.StatusDuplicate),
				"receivedAt": bson.M{"$lt": now.Add(-retentionProcessed)},
			},
		}
		// Zero retentionFailed keeps Failed entries until explicitly purged.
		if retentionFailed > 0 {
			clauses = append(clauses, bson.M{
				"status":     int(inbox.StatusFailed),
				"receivedAt": bson.M{"$lt": now.Add(-retentionFailed)},
			})
		}

		res, err := s.entries().DeleteMany(ctx, bson.M{"$or": clauses})
		if err != nil {
			return 0, fmt.Errorf("cleanup inbox: %w", err)
		}
		return int(res.DeletedCount), nil
	})
}
