package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig mirrors Config for TOML file parsing, with duration fields as
// strings so operators can write "30s" rather than nanosecond integers.
type TOMLConfig struct {
	Processing     TOMLProcessingConfig     `toml:"processing"`
	Retry          TOMLRetryConfig          `toml:"retry"`
	CircuitBreaker TOMLCircuitBreakerConfig `toml:"circuit_breaker"`
	RateLimiter    TOMLRateLimiterConfig    `toml:"rate_limiter"`
	Idempotency    TOMLIdempotencyConfig    `toml:"idempotency"`
	Inbox          TOMLInboxConfig          `toml:"inbox"`
	Outbox         TOMLOutboxConfig         `toml:"outbox"`
	Scheduler      TOMLSchedulerConfig      `toml:"scheduler"`
	Saga           TOMLSagaConfig           `toml:"saga"`
	HTTP           TOMLHTTPConfig           `toml:"http"`
	MongoDB        TOMLMongoDBConfig        `toml:"mongodb"`
	Redis          TOMLRedisConfig          `toml:"redis"`
	Transport      TOMLTransportConfig      `toml:"transport"`
	Leader         TOMLLeaderConfig         `toml:"leader"`
	DataDir        string                   `toml:"data_dir"`
	DevMode        bool                     `toml:"dev_mode"`
}

type TOMLProcessingConfig struct {
	MaxConcurrency    int    `toml:"max_concurrency"`
	ProcessingTimeout string `toml:"processing_timeout"`
	DispatchPolicy    string `toml:"dispatch_policy"`
	FailurePolicy     string `toml:"failure_policy"`
}

type TOMLRetryConfig struct {
	Strategy    string `toml:"strategy"`
	MaxAttempts int    `toml:"max_attempts"`
	BaseDelay   string `toml:"base_delay"`
	MaxDelay    string `toml:"max_delay"`
	Jitter      string `toml:"jitter"`
}

type TOMLCircuitBreakerConfig struct {
	FailureThreshold int    `toml:"failure_threshold"`
	WindowDuration   string `toml:"window_duration"`
	OpenDuration     string `toml:"open_duration"`
	HalfOpenProbes   int    `toml:"half_open_probes"`
}

type TOMLRateLimiterConfig struct {
	Capacity     float64 `toml:"capacity"`
	RefillRate   float64 `toml:"refill_rate"`
	Behavior     string  `toml:"behavior"`
	MaxQueueWait string  `toml:"max_queue_wait"`
}

type TOMLIdempotencyConfig struct {
	Enabled       bool   `toml:"enabled"`
	TTLSuccess    string `toml:"ttl_success"`
	TTLFailure    string `toml:"ttl_failure"`
	CacheFailures bool   `toml:"cache_failures"`
	KeyStrategy   string `toml:"key_strategy"`
}

type TOMLInboxConfig struct {
	DeduplicationWindow string `toml:"deduplication_window"`
	RetentionProcessed  string `toml:"retention_processed"`
	RetentionFailed     string `toml:"retention_failed"`
}

type TOMLOutboxConfig struct {
	PollInterval     string `toml:"poll_interval"`
	BatchSize        int    `toml:"batch_size"`
	MaxRetries       int    `toml:"max_retries"`
	RecoveryInterval string `toml:"recovery_interval"`
	StuckAfter       string `toml:"stuck_after"`
}

type TOMLSchedulerConfig struct {
	Strategy     string `toml:"strategy"`
	PollInterval string `toml:"poll_interval"`
	BatchSize    int    `toml:"batch_size"`
}

type TOMLSagaConfig struct {
	ConcurrencyRetries  int    `toml:"concurrency_retries"`
	CompensationTimeout string `toml:"compensation_timeout"`
}

type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

type TOMLMongoDBConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

type TOMLRedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type TOMLTransportConfig struct {
	Type string         `toml:"type"`
	NATS TOMLNATSConfig `toml:"nats"`
	SQS  TOMLSQSConfig  `toml:"sqs"`
}

type TOMLNATSConfig struct {
	URL          string `toml:"url"`
	StreamName   string `toml:"stream_name"`
	ConsumerName string `toml:"consumer_name"`
	DataDir      string `toml:"data_dir"`
	Embedded     bool   `toml:"embedded"`
	SigningKey   string `toml:"signing_key"`
}

type TOMLSQSConfig struct {
	QueueURLPrefix    string `toml:"queue_url_prefix"`
	Region            string `toml:"region"`
	WaitTimeSeconds   int    `toml:"wait_time_seconds"`
	VisibilityTimeout int    `toml:"visibility_timeout"`
}

type TOMLLeaderConfig struct {
	Enabled         bool   `toml:"enabled"`
	Backend         string `toml:"backend"`
	InstanceID      string `toml:"instance_id"`
	TTL             string `toml:"ttl"`
	RefreshInterval string `toml:"refresh_interval"`
}

// ConfigPaths lists the standard locations searched for a config file,
// in priority order.
var ConfigPaths = []string{
	"config.toml",
	"heromessaging.toml",
	"./config/config.toml",
	"/etc/heromessaging/config.toml",
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides with env vars
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("HEROMESSAGING_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env-derived config overrides
	return mergeConfigs(fileCfg, cfg), nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// tomlConfigToConfig converts TOML config to the internal Config struct.
// Duration fields the file leaves unset (or that fail to parse) fall back to
// the environment-derived defaults; every other field takes the file's
// decoded value, so one the file omits stays at its zero value.
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	defaults, _ := Load()

	cfg := &Config{
		Processing: ProcessingConfig{
			MaxConcurrency:    tc.Processing.MaxConcurrency,
			ProcessingTimeout: parseDuration(tc.Processing.ProcessingTimeout, defaults.Processing.ProcessingTimeout),
			DispatchPolicy:    tc.Processing.DispatchPolicy,
			FailurePolicy:     tc.Processing.FailurePolicy,
		},
		Retry: RetryConfig{
			Strategy:    tc.Retry.Strategy,
			MaxAttempts: tc.Retry.MaxAttempts,
			BaseDelay:   parseDuration(tc.Retry.BaseDelay, defaults.Retry.BaseDelay),
			MaxDelay:    parseDuration(tc.Retry.MaxDelay, defaults.Retry.MaxDelay),
			Jitter:      parseDuration(tc.Retry.Jitter, defaults.Retry.Jitter),
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: tc.CircuitBreaker.FailureThreshold,
			WindowDuration:   parseDuration(tc.CircuitBreaker.WindowDuration, defaults.CircuitBreaker.WindowDuration),
			OpenDuration:     parseDuration(tc.CircuitBreaker.OpenDuration, defaults.CircuitBreaker.OpenDuration),
			HalfOpenProbes:   tc.CircuitBreaker.HalfOpenProbes,
		},
		RateLimiter: RateLimiterConfig{
			Capacity:     tc.RateLimiter.Capacity,
			RefillRate:   tc.RateLimiter.RefillRate,
			Behavior:     tc.RateLimiter.Behavior,
			MaxQueueWait: parseDuration(tc.RateLimiter.MaxQueueWait, defaults.RateLimiter.MaxQueueWait),
		},
		Idempotency: IdempotencyConfig{
			Enabled:       tc.Idempotency.Enabled,
			TTLSuccess:    parseDuration(tc.Idempotency.TTLSuccess, defaults.Idempotency.TTLSuccess),
			TTLFailure:    parseDuration(tc.Idempotency.TTLFailure, defaults.Idempotency.TTLFailure),
			CacheFailures: tc.Idempotency.CacheFailures,
			KeyStrategy:   tc.Idempotency.KeyStrategy,
		},
		Inbox: InboxConfig{
			DeduplicationWindow: parseDuration(tc.Inbox.DeduplicationWindow, defaults.Inbox.DeduplicationWindow),
			RetentionProcessed:  parseDuration(tc.Inbox.RetentionProcessed, defaults.Inbox.RetentionProcessed),
			RetentionFailed:     parseDuration(tc.Inbox.RetentionFailed, defaults.Inbox.RetentionFailed),
		},
		Outbox: OutboxConfig{
			PollInterval:     parseDuration(tc.Outbox.PollInterval, defaults.Outbox.PollInterval),
			BatchSize:        tc.Outbox.BatchSize,
			MaxRetries:       tc.Outbox.MaxRetries,
			RecoveryInterval: parseDuration(tc.Outbox.RecoveryInterval, defaults.Outbox.RecoveryInterval),
			StuckAfter:       parseDuration(tc.Outbox.StuckAfter, defaults.Outbox.StuckAfter),
		},
		Scheduler: SchedulerConfig{
			Strategy:     tc.Scheduler.Strategy,
			PollInterval: parseDuration(tc.Scheduler.PollInterval, defaults.Scheduler.PollInterval),
			BatchSize:    tc.Scheduler.BatchSize,
		},
		Saga: SagaConfig{
			ConcurrencyRetries:  tc.Saga.ConcurrencyRetries,
			CompensationTimeout: parseDuration(tc.Saga.CompensationTimeout, defaults.Saga.CompensationTimeout),
		},
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		MongoDB: MongoDBConfig{
			URI:      tc.MongoDB.URI,
			Database: tc.MongoDB.Database,
		},
		Redis: RedisConfig{
			Addr:     tc.Redis.Addr,
			Password: tc.Redis.Password,
			DB:       tc.Redis.DB,
		},
		Transport: TransportConfig{
			Type: tc.Transport.Type,
			NATS: NATSConfig{
				URL:          tc.Transport.NATS.URL,
				StreamName:   tc.Transport.NATS.StreamName,
				ConsumerName: tc.Transport.NATS.ConsumerName,
				DataDir:      tc.Transport.NATS.DataDir,
				Embedded:     tc.Transport.NATS.Embedded,
				SigningKey:   tc.Transport.NATS.SigningKey,
			},
			SQS: SQSConfig{
				QueueURLPrefix:    tc.Transport.SQS.QueueURLPrefix,
				Region:            tc.Transport.SQS.Region,
				WaitTimeSeconds:   tc.Transport.SQS.WaitTimeSeconds,
				VisibilityTimeout: tc.Transport.SQS.VisibilityTimeout,
			},
		},
		Leader: LeaderConfig{
			Enabled:         tc.Leader.Enabled,
			Backend:         tc.Leader.Backend,
			InstanceID:      tc.Leader.InstanceID,
			TTL:             parseDuration(tc.Leader.TTL, defaults.Leader.TTL),
			RefreshInterval: parseDuration(tc.Leader.RefreshInterval, defaults.Leader.RefreshInterval),
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	return cfg, nil
}

// mergeConfigs merges an override config into a base config. Only fields
// the override sets to a non-default value win; this lets env vars layer on
// top of a file.
func mergeConfigs(base, override *Config) *Config {
	merged := *base

	if override.Processing.MaxConcurrency != 0 {
		merged.Processing.MaxConcurrency = override.Processing.MaxConcurrency
	}
	if override.Processing.DispatchPolicy != "" {
		merged.Processing.DispatchPolicy = override.Processing.DispatchPolicy
	}
	if override.Processing.FailurePolicy != "" {
		merged.Processing.FailurePolicy = override.Processing.FailurePolicy
	}
	if override.Retry.Strategy != "" {
		merged.Retry.Strategy = override.Retry.Strategy
	}
	if override.Retry.MaxAttempts != 0 {
		merged.Retry.MaxAttempts = override.Retry.MaxAttempts
	}
	if override.HTTP.Port != 0 {
		merged.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 {
		merged.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}
	if override.MongoDB.URI != "" {
		merged.MongoDB.URI = override.MongoDB.URI
	}
	if override.MongoDB.Database != "" && override.MongoDB.Database != "heromessaging" {
		merged.MongoDB.Database = override.MongoDB.Database
	}
	if override.Redis.Addr != "" {
		merged.Redis.Addr = override.Redis.Addr
	}
	if override.Transport.Type != "" {
		merged.Transport.Type = override.Transport.Type
	}
	if override.Transport.NATS.URL != "" {
		merged.Transport.NATS.URL = override.Transport.NATS.URL
	}
	if override.Transport.SQS.QueueURLPrefix != "" {
		merged.Transport.SQS.QueueURLPrefix = override.Transport.SQS.QueueURLPrefix
	}
	if override.Leader.InstanceID != "" {
		merged.Leader.InstanceID = override.Leader.InstanceID
	}
	if override.DataDir != "" {
		merged.DataDir = override.DataDir
	}
	if override.DevMode {
		merged.DevMode = true
	}

	return &merged
}

// WriteExampleConfig writes a commented example configuration file
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(exampleConfig), 0644)
}

const exampleConfig = `# HeroMessaging configuration
# Values shown are the defaults. Environment variables override file values.

[processing]
max_concurrency = 10
processing_timeout = "30s"
dispatch_policy = "sequential"  # sequential or parallel
failure_policy = "failfast"     # failfast or aggregate

[retry]
strategy = "exponential"  # none, linear, or exponential
max_attempts = 3
base_delay = "100ms"
max_delay = "30s"
jitter = "50ms"

[circuit_breaker]
failure_threshold = 5
window_duration = "60s"
open_duration = "30s"
half_open_probes = 1

[rate_limiter]
capacity = 100.0
refill_rate = 50.0
behavior = "reject"  # reject or queue
max_queue_wait = "5s"

[idempotency]
enabled = false
ttl_success = "24h"
ttl_failure = "1h"
cache_failures = false
key_strategy = "message-id"  # message-id or content-hash

[inbox]
deduplication_window = "24h"
retention_processed = "168h"
retention_failed = "0s"  # 0 = retain until purged

[outbox]
poll_interval = "1s"
batch_size = 100
max_retries = 3
recovery_interval = "60s"
stuck_after = "5m"

[scheduler]
strategy = "memory"  # memory or storage
poll_interval = "1s"
batch_size = 100

[saga]
concurrency_retries = 3
compensation_timeout = "30s"

[http]
port = 8080
cors_origins = ["http://localhost:4200"]

[mongodb]
uri = "mongodb://localhost:27017/?replicaSet=rs0&directConnection=true"
database = "heromessaging"

[redis]
addr = "localhost:6379"

[transport]
type = "memory"  # memory, nats, or sqs

[transport.nats]
url = "nats://localhost:4222"
stream_name = "HEROMESSAGING"
consumer_name = "heromessaging-consumer"
embedded = false

[transport.sqs]
region = "us-east-1"
wait_time_seconds = 20
visibility_timeout = 120

[leader]
enabled = false
backend = "mongo"  # mongo or redis
ttl = "30s"
refresh_interval = "10s"
`
