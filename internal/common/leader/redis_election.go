package leader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// refreshScript atomically extends the lock TTL only while we still own
// the key.
var refreshScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("expire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// releaseScript atomically deletes the lock only while we still own the
// key.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RedisElector provides distributed leader election on a Redis key.
// Acquisition is SET NX EX; refresh and release go through Lua scripts so
// ownership check and mutation are one atomic step. Suited to deployments
// that already run Redis and don't want lock documents in their database.
type RedisElector struct {
	client *redis.Client
	config *ElectorConfig

	isPrimary atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	onBecomeLeader   func()
	onLoseLeadership func()
}

// NewRedisElector creates a new Redis-backed elector. The same
// ElectorConfig shape drives both backends.
func NewRedisElector(client *redis.Client, config *ElectorConfig) *RedisElector {
	if config == nil {
		config = DefaultElectorConfig("heromessaging:leader")
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RedisElector{
		client: client,
		config: config,
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnBecomeLeader sets a callback for when this instance becomes leader
func (e *RedisElector) OnBecomeLeader(fn func()) {
	e.onBecomeLeader = fn
}

// OnLoseLeadership sets a callback for when this instance loses leadership
func (e *RedisElector) OnLoseLeadership(fn func()) {
	e.onLoseLeadership = fn
}

// Start begins contending for the lock
func (e *RedisElector) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.electionLoop()

	slog.Info("Redis leader election started",
		"instanceId", e.config.InstanceID,
		"lockName", e.config.LockName,
		"ttl", e.config.TTL)

	return nil
}

// Stop stops contending and releases the lock if held
func (e *RedisElector) Stop() {
	e.cancel()
	e.wg.Wait()

	if e.isPrimary.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Release(ctx)
	}

	slog.Info("Redis leader election stopped", "instanceId", e.config.InstanceID)
}

// IsPrimary returns true if this instance currently holds the lock
func (e *RedisElector) IsPrimary() bool {
	return e.isPrimary.Load()
}

// InstanceID returns this elector's instance id
func (e *RedisElector) InstanceID() string {
	return e.config.InstanceID
}

func (e *RedisElector) electionLoop() {
	defer e.wg.Done()

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

func (e *RedisElector) tick() {
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

// acquireOrRefresh takes the lock when free, or extends it when already
// ours. Returns whether this instance holds the lock afterwards.
func (e *RedisElector) acquireOrRefresh(ctx context.Context) bool {
	acquired, err := e.client.SetNX(ctx, e.config.LockName, e.config.InstanceID, e.config.TTL).Result()
	if err != nil {
		slog.Error("Failed to acquire Redis leader lock",
			"error", err, "lockName", e.config.LockName)
		return false
	}
	if acquired {
		return true
	}

	// Key exists: it is either our own lock (survived a restart or a
	// previous tick) to refresh, or another instance's to respect.
	owner, err := e.client.Get(ctx, e.config.LockName).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.Error("Failed to check lock owner", "error", err)
		}
		return false
	}
	if owner != e.config.InstanceID {
		return false
	}

	return e.refresh(ctx)
}

func (e *RedisElector) refresh(ctx context.Context) bool {
	ttlSeconds := int(e.config.TTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := refreshScript.Run(ctx, e.client,
		[]string{e.config.LockName}, e.config.InstanceID, ttlSeconds).Int()
	if err != nil {
		slog.Error("Failed to refresh Redis leader lock",
			"error", err, "lockName", e.config.LockName)
		return false
	}
	return result != 0
}

// Release explicitly gives up the lock so a standby can take over without
// waiting out the TTL
func (e *RedisElector) Release(ctx context.Context) {
	result, err := releaseScript.Run(ctx, e.client,
		[]string{e.config.LockName}, e.config.InstanceID).Int()
	if err != nil {
		slog.Error("Failed to release Redis leader lock",
			"error", err, "lockName", e.config.LockName)
		return
	}

	if result > 0 {
		slog.Info("Released Redis leader lock",
			"instanceId", e.config.InstanceID, "lockName", e.config.LockName)
	}

	e.isPrimary.Store(false)
}

// CurrentLeader returns the instance id holding the lock, or "" when free
func (e *RedisElector) CurrentLeader(ctx context.Context) (string, error) {
	owner, err := e.client.Get(ctx, e.config.LockName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}
