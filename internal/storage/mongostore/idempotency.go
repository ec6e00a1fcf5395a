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
	"go.heromessaging.dev/heromessaging/internal/messaging/policy"
)

const idempotencyCollection = "idempotency_entries"

// Claim rows use a distinct status so Get never serves an in-flight claim
// as a completed outcome.
const (
	idemStatusClaimed = -1
	idemStatusSuccess = int(policy.ResponseSuccess)
	idemStatusFailure = int(policy.ResponseFailure)
)

type idempotencyDoc struct {
	Key            string    `bson:"_id"`
	Fingerprint    string    `bson:"fingerprint,omitempty"`
	Status         int       `bson:"status"`
	Payload        any       `bson:"payload,omitempty"`
	FailureType    string    `bson:"failureType,omitempty"`
	FailureMessage string    `bson:"failureMessage,omitempty"`
	StoredAt       time.Time `bson:"storedAt"`
	ExpiresAt      time.Time `bson:"expiresAt"`
}

// IdempotencyStore implements policy.IdempotencyStore on MongoDB
type IdempotencyStore struct {
	db  *mongo.Database
	now func() time.Time
}

// NewIdempotencyStore creates a MongoDB-backed idempotency store
func NewIdempotencyStore(db *mongo.Database) *IdempotencyStore {
	return &IdempotencyStore{db: db, now: time.Now}
}

func (s *IdempotencyStore) entries() *mongo.Collection {
	return s.db.Collection(idempotencyCollection)
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*policy.IdempotencyResponse, bool, error) {
	type result struct {
		resp  *policy.IdempotencyResponse
		found bool
	}
	r, err := repository.Instrument(ctx, idempotencyCollection, "get", func() (result, error) {
		var d idempotencyDoc
		err := s.entries().FindOne(ctx, bson.M{
			"_id":       key,
			"status":    bson.M{"$ne": idemStatusClaimed},
			"expiresAt": bson.M{"$gt": s.now()},
		}).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return result{}, nil
		}
		if err != nil {
			return result{}, fmt.Errorf("find idempotency entry: %w", err)
		}
		return result{resp: &policy.IdempotencyResponse{
			Key:            d.Key,
			Fingerprint:    d.Fingerprint,
			Status:         policy.ResponseStatus(d.Status),
			Payload:        d.Payload,
			FailureType:    d.FailureType,
			FailureMessage: d.FailureMessage,
			StoredAt:       d.StoredAt,
			ExpiresAt:      d.ExpiresAt,
		}, found: true}, nil
	})
	return r.resp, r.found, err
}

func (s *IdempotencyStore) TryClaim(ctx context.Context, key, fingerprint string, claimTTL time.Duration) (bool, error) {
	return repository.Instrument(ctx, idempotencyCollection, "tryClaim", func() (bool, error) {
		now := s.now()

		// Reclaim a row whose claim or outcome has expired; otherwise only
		// an absent row is claimable. The upsert races atomically on _id.
		res := s.entries().FindOneAndUpdate(ctx,
			bson.M{"_id": key, "expiresAt": bson.M{"$lte": now}},
			bson.M{"$set": bson.M{
				"status":      idemStatusClaimed,
				"fingerprint": fingerprint,
				"storedAt":    now,
				"expiresAt":   now.Add(claimTTL),
			}},
		)
		if err := res.Err(); err == nil {
			return true, nil
		} else if !errors.Is(err, mongo.ErrNoDocuments) {
			return false, fmt.Errorf("reclaim idempotency key: %w", err)
		}

		_, err := s.entries().InsertOne(ctx, &idempotencyDoc{
			Key:         key,
			Fingerprint: fingerprint,
			Status:      idemStatusClaimed,
			StoredAt:    now,
			ExpiresAt:   now.Add(claimTTL),
		})
		if mongo.IsDuplicateKeyError(err) {
			// A live row (claim or outcome) already holds the key. A
			// holder with a different fingerprint is a reused key, not a
			// concurrent retry.
			var d idempotencyDoc
			if findErr := s.entries().FindOne(ctx, bson.M{"_id": key}).Decode(&d); findErr == nil {
				if d.Status == idemStatusClaimed && d.Fingerprint != "" && fingerprint != "" && d.Fingerprint != fingerprint {
					return false, policy.ErrKeyConflict
				}
			}
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("claim idempotency key: %w", err)
		}
		return true, nil
	})
}

func (s *IdempotencyStore) StoreSuccess(ctx context.Context, key string, payload any, ttl time.Duration) error {
	return repository.InstrumentVoid(ctx, idempotencyCollection, "storeSuccess", func() error {
		now := s.now()
		// $set rather than a full replace, so the claim-time fingerprint
		// stays on the completed row.
		_, err := s.entries().UpdateOne(ctx,
			bson.M{"_id": key},
			bson.M{"$set": bson.M{
				"status":    idemStatusSuccess,
				"payload":   payload,
				"storedAt":  now,
				"expiresAt": now.Add(ttl),
			}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("store success: %w", err)
		}
		return nil
	})
}

func (s *IdempotencyStore) StoreFailure(ctx context.Context, key string, failureType, failureMessage string, ttl time.Duration) error {
	return repository.InstrumentVoid(ctx, idempotencyCollection, "storeFailure", func() error {
		now := s.now()
		_, err := s.entries().UpdateOne(ctx,
			bson.M{"_id": key},
			bson.M{"$set": bson.M{
				"status":         idemStatusFailure,
				"failureType":    failureType,
				"failureMessage": failureMessage,
				"storedAt":       now,
				"expiresAt":      now.Add(ttl),
			}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("store failure: %w", err)
		}
		return nil
	})
}

func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	return repository.Instrument(ctx, idempotencyCollection, "exists", func() (bool, error) {
		n, err := s.entries().CountDocuments(ctx, bson.M{
			"_id":       key,
			"status":    bson.M{"$ne": idemStatusClaimed},
			"expiresAt": bson.M{"$gt": s.now()},
		}, options.Count().SetLimit(1))
		if err != nil {
			return false, fmt.Errorf("count idempotency entries: %w", err)
		}
		return n > 0, nil
	})
}

func (s *IdempotencyStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	return repository.Instrument(ctx, idempotencyCollection, "cleanupExpired", func() (int, error) {
		res, err := s.entries().DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lte": now}})
		if err != nil {
			return 0, fmt.Errorf("cleanup expired: %w", err)
		}
		return int(res.DeletedCount), nil
	})
}

func (s *IdempotencyStore) ReleaseClaim(ctx context.Context, key string) error {
	return repository.InstrumentVoid(ctx, idempotencyCollection, "releaseClaim", func() error {
		_, err := s.entries().DeleteOne(ctx, bson.M{"_id": key, "status": idemStatusClaimed})
		if err != nil {
			return fmt.Errorf("release claim: %w", err)
		}
		return nil
	})
}
