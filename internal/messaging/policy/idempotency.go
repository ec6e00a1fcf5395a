package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ResponseStatus tags whether a stored IdempotencyResponse represents a
// cached success or a cached failure.
type ResponseStatus int

const (
	ResponseSuccess ResponseStatus = iota
	ResponseFailure
)

// IdempotencyResponse is the persisted record for a processed key.
// Fingerprint is the request's shape hash, recorded at claim time: a
// replay under the same key with a different fingerprint is a reused key,
// not a retry, and is rejected rather than silently served the stored
// outcome.
type IdempotencyResponse struct {
	Key            string
	Fingerprint    string
	Status         ResponseStatus
	Payload        any
	FailureType    string
	FailureMessage string
	StoredAt       time.Time
	ExpiresAt      time.Time
}

// IdempotencyStore is the narrow persistence contract the checker uses.
// TryClaim is the store-level primitive that atomically claims a key before
// running the handler, so two concurrent invocations with the same key
// never both execute it.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*IdempotencyResponse, bool, error)

	// TryClaim records fingerprint on the claim row; a live claim held
	// under a different fingerprint fails with ErrKeyConflict rather
	// than reporting the key as merely busy.
	TryClaim(ctx context.Context, key, fingerprint string, claimTTL time.Duration) (bool, error)

	StoreSuccess(ctx context.Context, key string, payload any, ttl time.Duration) error
	StoreFailure(ctx context.Context, key string, failureType, failureMessage string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
	ReleaseClaim(ctx context.Context, key string) error
}

// ErrClaimConflict is returned by Execute when another in-flight invocation
// already holds the claim for this key.
var ErrClaimConflict = errors.New("policy: idempotency key already claimed")

// ErrKeyConflict is returned by Execute when a key is reused with a
// request whose fingerprint differs from the one recorded for the key: the
// caller is not retrying, it is submitting a different request under an
// already-spent key.
var ErrKeyConflict = errors.New("policy: idempotency key reused with a different request")

// BuildFingerprint hashes a request's shape into the fingerprint stored
// alongside its idempotency key. Marshalling falls back to the value's
// fmt representation for payloads JSON cannot encode.
func BuildFingerprint(parts ...any) string {
	h := sha256.New()
	for _, p := range parts {
		raw, err := json.Marshal(p)
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", p))
		}
		h.Write(raw)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// KeyStrategy generates an idempotency key from an arbitrary request value.
type KeyStrategy func(ctx context.Context, request any) string

// ByMessageID returns a KeyStrategy that uses a caller-supplied message id
// verbatim.
func ByMessageID(id string) KeyStrategy {
	return func(context.Context, any) string { return id }
}

// ByContentHash hashes a byte projection of the request (e.g. a serialized
// form) into a stable key, for requests without a natural id.
func ByContentHash(project func(request any) []byte) KeyStrategy {
	return func(_ context.Context, request any) string {
		sum := sha256.Sum256(project(request))
		return hex.EncodeToString(sum[:])
	}
}

// FailureClassifier decides which failure categories are worth caching
// ("idempotent failures" — validation, business-rule
// violations) versus which must never be cached (transient, cancelled).
type FailureClassifier func(err error) (failureType string, cacheable bool)

// IdempotencyConfig configures a Checker.
type IdempotencyConfig struct {
	Enabled       bool
	TTLSuccess    time.Duration
	TTLFailure    time.Duration
	CacheFailures bool
	ClaimTTL      time.Duration
	KeyStrategy   KeyStrategy
	Classify      FailureClassifier
}

func DefaultIdempotencyConfig() *IdempotencyConfig {
	return &IdempotencyConfig{
		Enabled:       true,
		TTLSuccess:    24 * time.Hour,
		TTLFailure:    time.Hour,
		CacheFailures: true,
		ClaimTTL:      30 * time.Second,
		// Failure caching is opt-in: no failure is cached until a
		// classifier marks its category cacheable.
		Classify: func(err error) (string, bool) {
			return "unclassified", false
		},
	}
}

// Checker is the idempotency primitive: lookup(key) ->
// Response?, store(key, Success|Failure, ttl). Execute wraps a single
// handler invocation with claim -> run -> store semantics. There is no
// package-level default coordinator — callers hold their own *Checker and
// pass it explicitly.
type Checker struct {
	store Store
	cfg   *IdempotencyConfig
}

// Store is an alias kept local to avoid a stutter at call sites
// (policy.Checker's store field), distinct from IdempotencyStore only in
// name.
type Store = IdempotencyStore

func NewChecker(store Store, cfg *IdempotencyConfig) *Checker {
	if cfg == nil {
		cfg = DefaultIdempotencyConfig()
	}
	return &Checker{store: store, cfg: cfg}
}

// Execute runs fn at most once per key. A second invocation with the same
// key and fingerprint returns the stored outcome without running fn again;
// a second invocation with the same key but a different fingerprint fails
// with ErrKeyConflict. If fn is mid-flight under the same key on another
// goroutine/process, Execute returns ErrClaimConflict rather than
// double-running it.
func (c *Checker) Execute(ctx context.Context, key, fingerprint string, fn func() (any, error)) (any, error) {
	if !c.cfg.Enabled || key == "" {
		return fn()
	}

	if resp, ok, err := c.store.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		if resp.Fingerprint != "" && fingerprint != "" && resp.Fingerprint != fingerprint {
			return nil, ErrKeyConflict
		}
		if resp.Status == ResponseSuccess {
			return resp.Payload, nil
		}
		return nil, errors.New(resp.FailureMessage)
	}

	claimed, err := c.store.TryClaim(ctx, key, fingerprint, c.cfg.ClaimTTL)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrClaimConflict
	}

	payload, err := fn()
	if err != nil {
		failureType, cacheable := c.cfg.Classify(err)
		if cacheable && c.cfg.CacheFailures {
			_ = c.store.StoreFailure(ctx, key, failureType, err.Error(), c.cfg.TTLFailure)
		} else {
			_ = c.store.ReleaseClaim(ctx, key)
		}
		return nil, err
	}

	if storeErr := c.store.StoreSuccess(ctx, key, payload, c.cfg.TTLSuccess); storeErr != nil {
		return payload, storeErr
	}
	return payload, nil
}
