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
	"go.heromessaging.dev/heromessaging/internal/messagestore"
)

const messagesCollection = "messages"

type messageDoc struct {
	ID         string       `bson:"_id"`
	Collection string       `bson:"collection"`
	Envelope   *envelopeDoc `bson:"envelope"`
	StoredAt   time.Time    `bson:"storedAt"`
	ExpiresAt  *time.Time   `bson:"expiresAt,omitempty"`
}

func fromMessageDoc(d *messageDoc) *messagestore.Record {
	return &messagestore.Record{
		ID:         d.ID,
		Collection: d.Collection,
		Envelope:   fromEnvelopeDoc(d.Envelope),
		StoredAt:   d.StoredAt,
		ExpiresAt:  d.ExpiresAt,
	}
}

// MessageStore implements messagestore.Store on MongoDB. TTL is enforced
// on every read path; the server-side expiry index only bounds physical
// growth.
type MessageStore struct {
	db  *mongo.Database
	now func() time.Time
}

// NewMessageStore creates a MongoDB-backed message store
func NewMessageStore(db *mongo.Database) *MessageStore {
	return &MessageStore{db: db, now: time.Now}
}

func (s *MessageStore) messages() *mongo.Collection {
	return s.db.Collection(messagesCollection)
}

// notExpired is the read-path TTL filter clause
func (s *MessageStore) notExpired() bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"expiresAt": bson.M{"$exists": false}},
		bson.M{"expiresAt": nil},
		bson.M{"expiresAt": bson.M{"$gt": s.now()}},
	}}
}

func (s *MessageStore) Store(ctx context.Context, collection string, env *messaging.Envelope, ttl time.Duration) error {
	return repository.InstrumentVoid(ctx, messagesCollection, "store", func() error {
		now := s.now()
		doc := &messageDoc{
			ID:         env.ID,
			Collection: collection,
			Envelope:   toEnvelopeDoc(env),
			StoredAt:   now,
		}
		if ttl > 0 {
			expires := now.Add(ttl)
			doc.ExpiresAt = &expires
		}
		_, err := s.messages().InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrDuplicateKey
		}
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

func (s *MessageStore) Get(ctx context.Context, id string) (*messagestore.Record, error) {
	return repository.Instrument(ctx, messagesCollection, "get", func() (*messagestore.Record, error) {
		var d messageDoc
		err := s.messages().FindOne(ctx, bson.M{
			"_id":  id,
			"$and": bson.A{s.notExpired()},
		}).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, messagestore.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("find message: %w", err)
		}
		return fromMessageDoc(&d), nil
	})
}

func (s *MessageStore) queryFilter(q messagestore.Query) bson.M {
	filter := bson.M{"$and": bson.A{s.notExpired()}}
	if q.Collection != "" {
		filter["collection"] = q.Collection
	}
	storedAt := bson.M{}
	if !q.From.IsZero() {
		storedAt["$gte"] = q.From
	}
	if !q.To.IsZero() {
		storedAt["$lte"] = q.To
	}
	if len(storedAt) > 0 {
		filter["storedAt"] = storedAt
	}
	for k, v := range q.Metadata {
		filter["envelope.metadata."+k] = v
	}
	return filter
}

func (s *MessageStore) Query(ctx context.Context, q messagestore.Query) ([]*messagestore.Record, error) {
	return repository.Instrument(ctx, messagesCollection, "query", func() ([]*messagestore.Record, error) {
		sortDir := -1
		if q.Order == messagestore.OrderOldestFirst {
			sortDir = 1
		}
		opts := options.Find().
			SetSort(bson.D{{Key: "storedAt", Value: sortDir}}).
			SetSkip(int64(q.Offset))
		if q.Limit > 0 {
			opts.SetLimit(int64(q.Limit))
		}

		cursor, err := s.messages().Find(ctx, s.queryFilter(q), opts)
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
		defer cursor.Close(ctx)

		var out []*messagestore.Record
		for cursor.Next(ctx) {
			var d messageDoc
			if err := cursor.Decode(&d); err != nil {
				return nil, fmt.Errorf("decode message: %w", err)
			}
			out = append(out, fromMessageDoc(&d))
		}
		return out, cursor.Err()
	})
}

func (s *MessageStore) Update(ctx context.Context, id string, env *messaging.Envelope) error {
	return repository.InstrumentVoid(ctx, messagesCollection, "update", func() error {
		res := s.messages().FindOneAndUpdate(ctx,
			bson.M{"_id": id, "$and": bson.A{s.notExpired()}},
			bson.M{"$set": bson.M{"envelope": toEnvelopeDoc(env)}},
		)
		if err := res.Err(); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return messagestore.ErrNotFound
			}
			return fmt.Errorf("update message: %w", err)
		}
		return nil
	})
}

func (s *MessageStore) Delete(ctx context.Context, id string) error {
	return repository.InstrumentVoid(ctx, messagesCollection, "delete", func() error {
		res, err := s.messages().DeleteOne(ctx, bson.M{"_id": id})
		if err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		if res.DeletedCount == 0 {
			return messagestore.ErrNotFound
		}
		return nil
	})
}

func (s *MessageStore) Exists(ctx context.Context, id string) (bool, error) {
	return repository.Instrument(ctx, messagesCollection, "exists", func() (bool, error) {
		n, err := s.messages().CountDocuments(ctx, bson.M{
			"_id":  id,
			"$and": bson.A{s.notExpired()},
		}, options.Count().SetLimit(1))
		if err != nil {
			return false, fmt.Errorf("count messages: %w", err)
		}
		return n > 0, nil
	})
}

func (s *MessageStore) Count(ctx context.Context, q messagestore.Query) (int, error) {
	return repository.Instrument(ctx, messagesCollection, "count", func() (int, error) {
		n, err := s.messages().CountDocuments(ctx, s.queryFilter(q))
		if err != nil {
			return 0, fmt.Errorf("count messages: %w", err)
		}
		return int(n), nil
	})
}
