package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for HeroMessaging
type Config struct {
	// Processing pipeline configuration
	Processing ProcessingConfig

	// Retry policy configuration
	Retry RetryConfig

	// Circuit breaker configuration
	CircuitBreaker CircuitBreakerConfig

	// Rate limiter configuration
	RateLimiter RateLimiterConfig

	// Idempotency configuration
	Idempotency IdempotencyConfig

	// Inbox deduplication configuration
	Inbox InboxConfig

	// Outbox relay configuration
	Outbox OutboxConfig

	// Scheduler configuration
	Scheduler SchedulerConfig

	// Saga engine configuration
	Saga SagaConfig

	// Diagnostics HTTP server configuration
	HTTP HTTPConfig

	// MongoDB configuration (durable storage adapter)
	MongoDB MongoDBConfig

	// Redis configuration (leader election backend)
	Redis RedisConfig

	// Transport configuration (in-memory, NATS or SQS)
	Transport TransportConfig

	// Leader election configuration
	Leader LeaderConfig

	// Data directory for embedded services
	DataDir string

	// Development mode
	DevMode bool
}

// ProcessingConfig holds decorator-chain and event-bus dispatch configuration
type ProcessingConfig struct {
	MaxConcurrency    int
	ProcessingTimeout time.Duration
	DispatchPolicy    string // "sequential" or "parallel"
	FailurePolicy     string // "failfast" or "aggregate"
}

// RetryConfig holds retry policy configuration
type RetryConfig struct {
	Strategy    string // "none", "linear", "exponential"
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	FailureThreshold int
	WindowDuration   time.Duration
	OpenDuration     time.Duration
	HalfOpenProbes   int
}

// RateLimiterConfig holds token-bucket rate limiter configuration
type RateLimiterConfig struct {
	Capacity     float64
	RefillRate   float64 // tokens per second
	Behavior     string  // "reject" or "queue"
	MaxQueueWait time.Duration
}

// IdempotencyConfig holds idempotency checker configuration
type IdempotencyConfig struct {
	Enabled       bool
	TTLSuccess    time.Duration
	TTLFailure    time.Duration
	CacheFailures bool
	KeyStrategy   string // "message-id" or "content-hash"
}

// InboxConfig holds inbox deduplication configuration
type InboxConfig struct {
	DeduplicationWindow time.Duration
	RetentionProcessed  time.Duration
	RetentionFailed     time.Duration
}

// OutboxConfig holds outbox relay configuration
type OutboxConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxRetries       int
	RecoveryInterval time.Duration
	StuckAfter       time.Duration
}

// SchedulerConfig holds scheduler configuration
type SchedulerConfig struct {
	Strategy     string // "memory" or "storage"
	PollInterval time.Duration
	BatchSize    int
}

// SagaConfig holds saga engine configuration
type SagaConfig struct {
	ConcurrencyRetries  int
	CompensationTimeout time.Duration
}

// HTTPConfig holds diagnostics HTTP server configuration
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI      string
	Database string
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// TransportConfig holds transport configuration
type TransportConfig struct {
	Type string // "memory", "nats", "sqs"

	NATS NATSConfig
	SQS  SQSConfig
}

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL          string
	StreamName   string
	ConsumerName string
	DataDir      string
	Embedded     bool

	// SigningKey arms HMAC envelope signing on publish and verification
	// on receipt when non-empty.
	SigningKey string
}

// SQSConfig holds AWS SQS configuration
type SQSConfig struct {
	QueueURLPrefix    string
	Region            string
	WaitTimeSeconds   int
	VisibilityTimeout int
}

// LeaderConfig holds leader election configuration
type LeaderConfig struct {
	// Enabled controls whether leader election is active
	Enabled bool

	// Backend selects the election store: "mongo" or "redis"
	Backend string

	// InstanceID uniquely identifies this instance (defaults to HOSTNAME)
	InstanceID string

	// TTL is how long the lock is valid before expiring
	TTL time.Duration

	// RefreshInterval is how often to refresh the lock while primary
	RefreshInterval time.Duration
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Processing: ProcessingConfig{
			MaxConcurrency:    getEnvInt("PROCESSING_MAX_CONCURRENCY", 10),
			ProcessingTimeout: getEnvDuration("PROCESSING_TIMEOUT", 30*time.Second),
			DispatchPolicy:    getEnv("PROCESSING_DISPATCH_POLICY", "sequential"),
			FailurePolicy:     getEnv("PROCESSING_FAILURE_POLICY", "failfast"),
		},

		Retry: RetryConfig{
			Strategy:    getEnv("RETRY_STRATEGY", "exponential"),
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond),
			MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			Jitter:      getEnvDuration("RETRY_JITTER", 50*time.Millisecond),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: getEnvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
			WindowDuration:   getEnvDuration("CIRCUIT_BREAKER_WINDOW", 60*time.Second),
			OpenDuration:     getEnvDuration("CIRCUIT_BREAKER_OPEN_DURATION", 30*time.Second),
			HalfOpenProbes:   getEnvInt("CIRCUIT_BREAKER_HALF_OPEN_PROBES", 1),
		},

		RateLimiter: RateLimiterConfig{
			Capacity:     float64(getEnvInt("RATE_LIMITER_CAPACITY", 100)),
			RefillRate:   float64(getEnvInt("RATE_LIMITER_REFILL_RATE", 50)),
			Behavior:     getEnv("RATE_LIMITER_BEHAVIOR", "reject"),
			MaxQueueWait: getEnvDuration("RATE_LIMITER_MAX_QUEUE_WAIT", 5*time.Second),
		},

		Idempotency: IdempotencyConfig{
			Enabled:       getEnvBool("IDEMPOTENCY_ENABLED", false),
			TTLSuccess:    getEnvDuration("IDEMPOTENCY_TTL_SUCCESS", 24*time.Hour),
			TTLFailure:    getEnvDuration("IDEMPOTENCY_TTL_FAILURE", 1*time.Hour),
			CacheFailures: getEnvBool("IDEMPOTENCY_CACHE_FAILURES", false),
			KeyStrategy:   getEnv("IDEMPOTENCY_KEY_STRATEGY", "message-id"),
		},

		Inbox: InboxConfig{
			DeduplicationWindow: getEnvDuration("INBOX_DEDUPLICATION_WINDOW", 24*time.Hour),
			RetentionProcessed:  getEnvDuration("INBOX_RETENTION_PROCESSED", 7*24*time.Hour),
			RetentionFailed:     getEnvDuration("INBOX_RETENTION_FAILED", 0),
		},

		Outbox: OutboxConfig{
			PollInterval:     getEnvDuration("OUTBOX_POLL_INTERVAL", 1*time.Second),
			BatchSize:        getEnvInt("OUTBOX_BATCH_SIZE", 100),
			MaxRetries:       getEnvInt("OUTBOX_MAX_RETRIES", 3),
			RecoveryInterval: getEnvDuration("OUTBOX_RECOVERY_INTERVAL", 60*time.Second),
			StuckAfter:       getEnvDuration("OUTBOX_STUCK_AFTER", 5*time.Minute),
		},

		Scheduler: SchedulerConfig{
			Strategy:     getEnv("SCHEDULER_STRATEGY", "memory"),
			PollInterval: getEnvDuration("SCHEDULER_POLL_INTERVAL", 1*time.Second),
			BatchSize:    getEnvInt("SCHEDULER_BATCH_SIZE", 100),
		},

		Saga: SagaConfig{
			ConcurrencyRetries:  getEnvInt("SAGA_CONCURRENCY_RETRIES", 3),
			CompensationTimeout: getEnvDuration("SAGA_COMPENSATION_TIMEOUT", 30*time.Second),
		},

		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 8080),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"),
			Database: getEnv("MONGODB_DATABASE", "heromessaging"),
		},

		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},

		Transport: TransportConfig{
			Type: getEnv("TRANSPORT_TYPE", "memory"),
			NATS: NATSConfig{
				URL:          getEnv("NATS_URL", "nats://localhost:4222"),
				StreamName:   getEnv("NATS_STREAM_NAME", "HEROMESSAGING"),
				ConsumerName: getEnv("NATS_CONSUMER_NAME", "heromessaging-consumer"),
				DataDir:      getEnv("NATS_DATA_DIR", "./data/nats"),
				Embedded:     getEnvBool("NATS_EMBEDDED", false),
				SigningKey:   getEnv("NATS_SIGNING_KEY", ""),
			},
			SQS: SQSConfig{
				QueueURLPrefix:    getEnv("SQS_QUEUE_URL_PREFIX", ""),
				Region:            getEnv("AWS_REGION", "us-east-1"),
				WaitTimeSeconds:   getEnvInt("SQS_WAIT_TIME_SECONDS", 20),
				VisibilityTimeout: getEnvInt("SQS_VISIBILITY_TIMEOUT", 120),
			},
		},

		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			Backend:         getEnv("LEADER_ELECTION_BACKEND", "mongo"),
			InstanceID:      getEnv("HOSTNAME", ""),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("HEROMESSAGING_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
