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
	"go.heromessaging.dev/heromessaging/internal/scheduler"
)

const scheduledCollection = "scheduled_messages"

type scheduledDoc struct {
	ScheduleID  string     `bson:"_id"`
	Message     any        `bson:"message,omitempty"`
	DeliverAt   time.Time  `bson:"deliverAt"`
	Priority    int        `bson:"priority"`
	Destination string     `bson:"destination,omitempty"`
	Status      int        `bson:"status"`
	CreatedAt   time.Time  `bson:"createdAt"`
	ClaimedAt   *time.Time `bson:"claimedAt,omitempty"`
	DeliveredAt *time.Time `bson:"deliveredAt,omitempty"`
	LastError   string     `bson:"lastError,omitempty"`
}

func fromScheduledDoc(d *scheduledDoc) *scheduler.ScheduledMessage {
	return &scheduler.ScheduledMessage{
		ScheduleID:  d.ScheduleID,
		Message:     d.Message,
		DeliverAt:   d.DeliverAt,
		Priority:    d.Priority,
		Destination: d.Destination,
		Status:      scheduler.Status(d.Status),
		CreatedAt:   d.CreatedAt,
		ClaimedAt:   d.ClaimedAt,
		DeliveredAt: d.DeliveredAt,
		LastError:   d.LastError,
	}
}

// ScheduledMessageStore implements scheduler.Store on MongoDB
type ScheduledMessageStore struct {
	db *mongo.Database
}

// NewScheduledMessageStore creates a MongoDB-backed scheduled-message store
func NewScheduledMessageStore(db *mongo.Database) *ScheduledMessageStore {
	return &ScheduledMessageStore{db: db}
}

func (s *ScheduledMessageStore) messages() *mongo.Collection {
	return s.db.Collection(scheduledCollection)
}

func (s *ScheduledMessageStore) Add(ctx context.Context, msg *scheduler.ScheduledMessage) error {
	return repository.InstrumentVoid(ctx, scheduledCollection, "add", func() error {
		_, err := s.messages().InsertOne(ctx, &scheduledDoc{
			ScheduleID:  msg.ScheduleID,
			Message:     msg.Message,
			DeliverAt:   msg.DeliverAt,
			Priority:    msg.Priority,
			Destination: msg.Destination,
			Status:      int(msg.Status),
			CreatedAt:   msg.CreatedAt,
		})
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrDuplicateKey
		}
		if err != nil {
			return fmt.Errorf("insert scheduled message: %w", err)
		}
		return nil
	})
}

func (s *ScheduledMessageStore) Get(ctx context.Context, scheduleID string) (*scheduler.ScheduledMessage, error) {
	return repository.Instrument(ctx, scheduledCollection, "get", func() (*scheduler.ScheduledMessage, error) {
		var d scheduledDoc
		err := s.messages().FindOne(ctx, bson.M{"_id": scheduleID}).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, scheduler.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("find scheduled message: %w", err)
		}
		return fromScheduledDoc(&d), nil
	})
}

func (s *ScheduledMessageStore) GetDue(ctx context.Context, q scheduler.Query) ([]*scheduler.ScheduledMessage, error) {
	return repository.Instrument(ctx, scheduledCollection, "getDue", func() ([]*scheduler.ScheduledMessage, error) {
		filter := bson.M{
			"status":    int(scheduler.StatusPending),
			"deliverAt": bson.M{"$lte": q.AsOf},
		}
		if q.Destination != "" {
			filter["destination"] = q.Destination
		}
		opts := options.Find().
			SetSort(bson.D{{Key: "deliverAt", Value: 1}, {Key: "priority", Value: -1}}).
			SetLimit(int64(q.Limit))

		cursor, err := s.messages().Find(ctx, filter, opts)
		if err != nil {
			return nil, fmt.Errorf("find due: %w", err)
		}
		defer cursor.Close(ctx)
		return decodeScheduledCursor(ctx, cursor)
	})
}

// ClaimProcessing rides FindOneAndUpdate's atomic document-level CAS, the
// same shape as the outbox store's claim: the filter matches Pending, so
// two pollers racing on one message see exactly one winner.
func (s *ScheduledMessageStore) ClaimProcessing(ctx context.Context, scheduleID string, now time.Time) (bool, error) {
	return repository.Instrument(ctx, scheduledCollection, "claimProcessing", func() (bool, error) {
		res := s.messages().FindOneAndUpdate(ctx,
			bson.M{"_id": scheduleID, "status": int(scheduler.StatusPending)},
			bson.M{"$set": bson.M{"status": int(scheduler.StatusProcessing), "claimedAt": now}},
		)
		if err := res.Err(); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return false, nil
			}
			return false, fmt.Errorf("claim scheduled message: %w", err)
		}
		return true, nil
	})
}

func (s *ScheduledMessageStore) ResetStuckProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	return repository.Instrument(ctx, scheduledCollection, "resetStuckProcessing", func() (int, error) {
		res, err := s.messages().UpdateMany(ctx,
			bson.M{
				"status":    int(scheduler.StatusProcessing),
				"claimedAt": bson.M{"$lt": time.Now().Add(-olderThan)},
			},
			bson.M{
				"$set":   bson.M{"status": int(scheduler.StatusPending)},
				"$unset": bson.M{"claimedAt": ""},
			},
		)
		if err != nil {
			return 0, fmt.Errorf("reset stuck scheduled messages: %w", err)
		}
		return int(res.ModifiedCount), nil
	})
}

func (s *ScheduledMessageStore) Cancel(ctx context.Context, scheduleID string) error {
	return repository.InstrumentVoid(ctx, scheduledCollection, "cancel", func() error {
		res := s.messages().FindOneAndUpdate(ctx,
			bson.M{"_id": scheduleID, "status": int(scheduler.StatusPending)},
			bson.M{"$set": bson.M{"status": int(scheduler.StatusCancelled)}},
		)
		if err := res.Err(); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				// Distinguish unknown id from already-terminal: Cancel on a
				// non-Pending message is a no-op, on an absent one an error.
				n, countErr := s.messages().CountDocuments(ctx, bson.M{"_id": scheduleID})
				if countErr != nil {
					return fmt.Errorf("cancel scheduled message: %w", countErr)
				}
				if n == 0 {
					return scheduler.ErrNotFound
				}
				return nil
			}
			return fmt.Errorf("cancel scheduled message: %w", err)
		}
		return nil
	})
}

func (s *ScheduledMessageStore) MarkDelivered(ctx context.Context, scheduleID string, deliveredAt time.Time) error {
	return repository.InstrumentVoid(ctx, scheduledCollection, "markDelivered", func() error {
		_, err := s.messages().UpdateOne(ctx,
			bson.M{"_id": scheduleID},
			bson.M{"$set": bson.M{"status": int(scheduler.StatusDelivered), "deliveredAt": deliveredAt}},
		)
		if err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
		return nil
	})
}

func (s *ScheduledMessageStore) MarkFailed(ctx context.Context, scheduleID string, reason string) error {
	return repository.InstrumentVoid(ctx, scheduledCollection, "markFailed", func() error {
		_, err := s.messages().UpdateOne(ctx,
			bson.M{"_id": scheduleID},
			bson.M{"$set": bson.M{"status": int(scheduler.StatusFailed), "lastError": reason}},
		)
		if err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		return nil
	})
}

func (s *ScheduledMessageStore) GetPendingCount(ctx context.Context) (int, error) {
	return repository.Instrument(ctx, scheduledCollection, "getPendingCount", func() (int, error) {
		n, err := s.messages().CountDocuments(ctx, bson.M{"status": int(scheduler.StatusPending)})
		if err != nil {
			return 0, fmt.Errorf("count pending: %w", err)
		}
		return int(n), nil
	})
}

func (s *ScheduledMessageStore) List(ctx context.Context, q scheduler.Query) ([]*scheduler.ScheduledMessage, error) {
	return repository.Instrument(ctx, scheduledCollection, "list", func() ([]*scheduler.ScheduledMessage, error) {
		filter := bson.M{"status": int(scheduler.StatusPending)}
		if q.Destination != "" {
			filter["destination"] = q.Destination
		}
		opts := options.Find().SetSort(bson.D{{Key: "deliverAt", Value: 1}})
		if q.Limit > 0 {
			opts.SetLimit(int64(q.Limit))
		}

		cursor, err := s.messages().Find(ctx, filter, opts)
		if err != nil {
			return nil, fmt.Errorf("list scheduled: %w", err)
		}
		defer cursor.Close(ctx)
		return decodeScheduledCursor(ctx, cursor)
	})
}

func decodeScheduledCursor(ctx context.Context, cursor *mongo.Cursor) ([]*scheduler.ScheduledMessage, error) {
	var out []*scheduler.ScheduledMessage
	for cursor.Next(ctx) {
		var d scheduledDoc
		if err := cursor.Decode(&d); err != nil {
			return nil, fmt.Errorf("decode scheduled message: %w", err)
		}
		out = append(out, fromScheduledDoc(&d))
	}
	return out, cursor.Err()
}
