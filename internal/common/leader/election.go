// Package leader provides distributed leader election for process groups
// sharing one store: a MongoDB-backed elector (TTL lock document with
// atomic upsert) and a Redis-backed elector (SET NX EX). Exactly one
// instance per lock name is primary at a time; the others stand by and
// take over when the leader's lock expires.
package leader

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const locksCollection = "leader_locks"

// lockDoc is the lock document held in the leader_locks collection. The
// document id is the lock name, so acquisition races resolve on Mongo's
// unique _id index.
type lockDoc struct {
	ID         string    `bson:"_id"`
	InstanceID string    `bson:"instanceId"`
	AcquiredAt time.Time `bson:"acquiredAt"`
	ExpiresAt  time.Time `bson:"expiresAt"`
}

// ElectorConfig holds configuration for leader election
type ElectorConfig struct {
	// InstanceID uniquely identifies this instance (defaults to hostname)
	InstanceID string

	// LockName names the lock to contend for, one per coordinated role
	// (e.g. "heromessaging:outbox-relay")
	LockName string

	// TTL is how long the lock is valid before expiring (default: 30s)
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	// (default: 10s)
	RefreshInterval time.Duration
}

// DefaultElectorConfig returns sensible defaults for lockName
func DefaultElectorConfig(lockName string) *ElectorConfig {
	instanceID, _ := os.Hostname()
	if instanceID == "" {
		instanceID = "instance-" + time.Now().Format("20060102150405")
	}

	return &ElectorConfig{
		InstanceID:      instanceID,
		LockName:        lockName,
		TTL:             30 * time.Second,
		RefreshInterval: 10 * time.Second,
	}
}

// MongoElector provides distributed leader election on a MongoDB
// collection. Acquisition and refresh are single atomic upserts; a crashed
// leader's lock expires after TTL and any standby picks it up on its next
// tick.
type MongoElector struct {
	collection *mongo.Collection
	config     *ElectorConfig

	isPrimary atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	stopped   chan struct{}

	onBecomeLeader   func()
	onLoseLeadership func()
}

// NewMongoElector creates a new MongoDB-backed elector
func NewMongoElector(db *mongo.Database, config *ElectorConfig) *MongoElector {
	if config == nil {
		config = DefaultElectorConfig("heromessaging:leader")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &MongoElector{
		collection: db.Collection(locksCollection),
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
		stopped:    make(chan struct{}),
	}
}

// OnBecomeLeader sets a callback for when this instance becomes leader
func (e *MongoElector) OnBecomeLeader(fn func()) {
	e.onBecomeLeader = fn
}

// OnLoseLeadership sets a callback for when this instance loses leadership
func (e *MongoElector) OnLoseLeadership(fn func()) {
	e.onLoseLeadership = fn
}

// Start begins contending for the lock and maintains it while primary
func (e *MongoElector) Start(ctx context.Context) error {
	// TTL index so Mongo reaps expired locks on its own; expiry is also
	// checked in the acquisition filter, so a delayed reap is harmless.
	_, err := e.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().
			SetExpireAfterSeconds(0).
			SetName("ttl_expiresAt"),
	})
	if err != nil {
		slog.Debug("Could not create TTL index (may already exist)", "error", err)
	}

	go e.electionLoop()

	slog.Info("Leader election started",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName,
		"ttl", e.config.TTL)

	return nil
}

// Stop stops contending and releases the lock if held
func (e *MongoElector) Stop() {
	e.cancel()
	<-e.stopped

	if e.isPrimary.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Release(ctx)
	}

	slog.Info("Leader election stopped", "instanceId", e.config.InstanceID)
}

// IsPrimary returns true if this instance currently holds the lock
func (e *MongoElector) IsPrimary() bool {
	return e.isPrimary.Load()
}

// InstanceID returns this elector's instance id
func (e *MongoElector) InstanceID() string {
	return e.config.InstanceID
}

func (e *MongoElector) electionLoop() {
	defer close(e.stopped)

	ticker := time.NewTicker(e.config.RefreshInterval)
	defer ticker.Stop()

	e.tick()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick acquires or refreshes the lock and fires the transition callbacks.
func (e *MongoElector) tick() {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	wasPrimary := e.isPrimary.Load()
	holds := e.acquireOrRefresh(ctx)
	e.isPrimary.Store(holds)

	switch {
	case holds && !wasPrimary:
		slog.Info("Acquired leadership",
			"instanceId", e.config.InstanceID, "lockName", e.config.LockName)
		if e.onBecomeLeader != nil {
			e.onBecomeLeader()
		}
	case !holds && wasPrimary:
		slog.Warn("Lost leadership",
			"instanceId", e.config.InstanceID, "lockName", e.config.LockName)
		if e.onLoseLeadership != nil {
			e.onLoseLeadership()
		}
	}
}

// acquireOrRefresh takes the lock when it is free, expired, or already
// ours, extending the expiry in the same atomic upsert. Returns whether
// this instance holds the lock afterwards.
func (e *MongoElector) acquireOrRefresh(ctx context.Context) bool {
	now := time.Now()

	filter := bson.M{
		"_id": e.config.LockName,
		"$or": []bson.M{
			{"expiresAt": bson.M{"$lt": now}},
			{"instanceId": e.config.InstanceID},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"instanceId": e.config.InstanceID,
			"expiresAt":  now.Add(e.config.TTL),
		},
		"$setOnInsert": bson.M{
			"acquiredAt": now,
		},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var result lockDoc
	err := e.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&result)
	if err != nil {
		// The upsert races with a live lock held by another instance: the
		// filter matches nothing and the insert collides on _id.
		if mongo.IsDuplicateKeyError(err) || errors.Is(err, mongo.ErrNoDocuments) {
			return false
		}
		slog.Error("Failed to acquire leader lock",
			"error", err, "lockName", e.config.LockName)
		return false
	}

	return result.InstanceID == e.config.InstanceID
}

// Release explicitly gives up the lock so a standby can take over without
// waiting out the TTL
func (e *MongoElector) Release(ctx context.Context) {
	result, err := e.collection.DeleteOne(ctx, bson.M{
		"_id":        e.config.LockName,
		"instanceId": e.config.InstanceID,
	})
	if err != nil {
		slog.Error("Failed to release leader lock",
			"error", err, "lockName", e.config.LockName)
		return
	}

	if result.DeletedCount > 0 {
		slog.Info("Released leader lock",
			"instanceId", e.config.InstanceID, "lockName", e.config.LockName)
	}

	e.isPrimary.Store(false)
}

// CurrentLeader returns the instance id holding an unexpired lock, or ""
// when the lock is free
func (e *MongoElector) CurrentLeader(ctx context.Context) (string, error) {
	var lock lockDoc
	err := e.collection.FindOne(ctx, bson.M{
		"_id":       e.config.LockName,
		"expiresAt": bson.M{"$gt": time.Now()},
	}).Decode(&lock)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", err
	}
	return lock.InstanceID, nil
}
