package mongo

import (
	"context"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// IndexDefinition defines a MongoDB index
type IndexDefinition struct {
	Collection string
	Keys       bson.D
	Options    *options.IndexOptions
}

// IndexInitializer creates indexes on startup
type IndexInitializer struct {
	client *Client
}

// NewIndexInitializer creates a new index initializer
func NewIndexInitializer(client *Client) *IndexInitializer {
	return &IndexInitializer{client: client}
}

// Initialize creates all required indexes
func (i *IndexInitializer) Initialize(ctx context.Context) error {
	indexes := i.getIndexDefinitions()

	for _, idx := range indexes {
		if err := i.createIndex(ctx, idx); err != nil {
			slog.Warn("Failed to create index (may already exist)",
				"error", err,
				"collection", idx.Collection)
		}
	}

	slog.Info("Index initialization complete", "count", len(indexes))
	return nil
}

func (i *IndexInitializer) createIndex(ctx context.Context, idx IndexDefinition) error {
	collection := i.client.Collection(idx.Collection)

	indexModel := mongo.IndexModel{
		Keys:    idx.Keys,
		Options: idx.Options,
	}

	_, err := collection.Indexes().CreateOne(ctx, indexModel)
	return err
}

func (i *IndexInitializer) getIndexDefinitions() []IndexDefinition {
	return []IndexDefinition{
		// outbox_entries: the relay's eligible-batch query filters on
		// destination + status + nextRetryAt and sorts priority desc,
		// createdAt asc.
		{
			Collection: "outbox_entries",
			Keys: bson.D{
				{Key: "destination", Value: 1},
				{Key: "status", Value: 1},
				{Key: "nextRetryAt", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "createdAt", Value: 1},
			},
		},
		{
			Collection: "outbox_entries",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "claimedAt", Value: 1}},
		},

		// outbox_dead_letters
		{
			Collection: "outbox_dead_letters",
			Keys:       bson.D{{Key: "originDestination", Value: 1}, {Key: "deadLetteredAt", Value: -1}},
		},

		// inbox_entries: duplicate lookup is by deduplicationKey within the
		// window; cleanup scans processedAt.
		{
			Collection: "inbox_entries",
			Keys:       bson.D{{Key: "deduplicationKey", Value: 1}, {Key: "receivedAt", Value: -1}},
		},
		{
			Collection: "inbox_entries",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "processedAt", Value: 1}},
		},

		// saga_instances: correlation lookup is the hot path.
		{
			Collection: "saga_instances",
			Keys:       bson.D{{Key: "sagaType", Value: 1}, {Key: "correlationId", Value: 1}},
		},
		{
			Collection: "saga_instances",
			Keys:       bson.D{{Key: "completed", Value: 1}, {Key: "updated", Value: -1}},
		},

		// scheduled_messages: the poller queries status + deliverAt.
		{
			Collection: "scheduled_messages",
			Keys:       bson.D{{Key: "status", Value: 1}, {Key: "deliverAt", Value: 1}},
		},

		// idempotency_entries: expiry is also enforced at read time; the
		// server-side TTL index keeps the collection from growing without
		// bound.
		{
			Collection: "idempotency_entries",
			Keys:       bson.D{{Key: "expiresAt", Value: 1}},
			Options:    options.Index().SetExpireAfterSeconds(0),
		},

		// messages: query surface is collection + timestamp range.
		{
			Collection: "messages",
			Keys:       bson.D{{Key: "collection", Value: 1}, {Key: "createdAt", Value: -1}},
		},
		{
			Collection: "messages",
			Keys:       bson.D{{Key: "correlationId", Value: 1}},
		},

		// leader_locks: expired locks must be claimable.
		{
			Collection: "leader_locks",
			Keys:       bson.D{{Key: "expiresAt", Value: 1}},
		},
	}
}
