// Package config loads coordination service configuration from defaults,
// an optional file and COORD_* environment variables.
package config

import "time"

// Store backend constants.
const (
	StoreBackendRedis    = "redis"
	StoreBackendPostgres = "postgres"
	StoreBackendDynamoDB = "dynamodb"
	StoreBackendMemory   = "memory"
)

// Router type constants.
const (
	RouterNetHTTP = "nethttp"
	RouterGin     = "gin"
)

// Idempotency presets.
const (
	IdempotencyPresetCustom  = "custom"
	IdempotencyPresetStrict  = "strict"
	IdempotencyPresetRelaxed = "relaxed"
)

// Config is the root configuration.
type Config struct {
	RouterType    string `mapstructure:"router_type"`
	Service       ServiceConfig
	HTTP          HTTPConfig
	Management    ManagementConfig
	Observability ObservabilityConfig
	Store         StoreConfig
	Lease         LeaseConfig
	Idempotency   IdempotencyConfig
	Scheduler     SchedulerConfig
}

// ServiceConfig identifies the running service.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig configures the public API server.
type HTTPConfig struct {
	Port            int             `mapstructure:"port"`
	ReadTimeout     time.Duration   `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration   `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration   `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64           `mapstructure:"max_body_bytes"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig throttles the public API per client IP. Distributed
// limiting shares counters through the Redis store and requires
// store.backend redis.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	Distributed       bool          `mapstructure:"distributed"`
	Window            time.Duration `mapstructure:"window"`
}

// ManagementConfig configures the server exposing /health, /metrics and
// the coordination diagnostics endpoints.
type ManagementConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Port               int           `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	DiagnosticsEnabled bool          `mapstructure:"diagnostics_enabled"`
	HealthTimeout      time.Duration `mapstructure:"health_timeout"`
}

// ObservabilityConfig configures logging and tracing.
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level"`
	LogFormat         string  `mapstructure:"log_format"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint"`
	TracingInsecure   bool    `mapstructure:"tracing_insecure"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate"`
}

// StoreConfig selects and configures the coordination store backend.
type StoreConfig struct {
	Backend  string              `mapstructure:"backend"`
	Redis    RedisStoreConfig    `mapstructure:"redis"`
	Postgres PostgresStoreConfig `mapstructure:"postgres"`
	DynamoDB DynamoDBStoreConfig `mapstructure:"dynamodb"`
	Breaker  BreakerConfig       `mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the store.
// MaxFailures 0 disables it.
type BreakerConfig struct {
	MaxFailures int           `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// RedisStoreConfig configures the Redis backend.
type RedisStoreConfig struct {
	URL              string        `mapstructure:"url"`
	MaxConns         int           `mapstructure:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	FailFast         bool          `mapstructure:"fail_fast"`
}

// PostgresStoreConfig configures the Postgres backend.
type PostgresStoreConfig struct {
	URL              string        `mapstructure:"url"`
	Table            string        `mapstructure:"table"`
	MaxConns         int           `mapstructure:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	FailFast         bool          `mapstructure:"fail_fast"`
}

// DynamoDBStoreConfig configures the DynamoDB backend.
type DynamoDBStoreConfig struct {
	Region           string        `mapstructure:"region"`
	Endpoint         string        `mapstructure:"endpoint"`
	Table            string        `mapstructure:"table"`
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	FailFast         bool          `mapstructure:"fail_fast"`
}

// LeaseConfig holds lease manager defaults.
type LeaseConfig struct {
	Prefix            string        `mapstructure:"prefix"`
	TTL               time.Duration `mapstructure:"ttl"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RetryCount        int           `mapstructure:"retry_count"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// IdempotencyConfig configures the guard and its HTTP middleware.
type IdempotencyConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Preset      string        `mapstructure:"preset"`
	Prefix      string        `mapstructure:"prefix"`
	TTL         time.Duration `mapstructure:"ttl"`
	HeaderName  string        `mapstructure:"header_name"`
	Required    bool          `mapstructure:"required"`
	ExemptPaths []string      `mapstructure:"exempt_paths"`
	StatsLimit  int           `mapstructure:"stats_limit"`
}

// SchedulerConfig configures the lease-guarded task runner.
type SchedulerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	PurgeInterval time.Duration `mapstructure:"purge_interval"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		RouterType: RouterNetHTTP,
		Service: ServiceConfig{
			Name:        "coordd",
			Environment: "development",
		},
		HTTP: HTTPConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 50,
				Burst:             100,
				Window:            time.Second,
			},
		},
		Management: ManagementConfig{
			Enabled:            true,
			Port:               9090,
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       10 * time.Second,
			DiagnosticsEnabled: true,
			HealthTimeout:      2 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingEndpoint:   "localhost:4317",
			TracingInsecure:   true,
			TracingSampleRate: 0.1,
		},
		Store: StoreConfig{
			Backend: StoreBackendRedis,
			Redis: RedisStoreConfig{
				URL:              "redis://localhost:6379/0",
				MaxConns:         10,
				OperationTimeout: 3 * time.Second,
			},
			Postgres: PostgresStoreConfig{
				Table:            "coordination_keys",
				MaxConns:         10,
				OperationTimeout: 3 * time.Second,
			},
			DynamoDB: DynamoDBStoreConfig{
				Table:            "coordination",
				OperationTimeout: 5 * time.Second,
			},
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenTimeout: 5 * time.Second,
			},
		},
		Lease: LeaseConfig{
			Prefix:     "lock",
			TTL:        30 * time.Second,
			RetryDelay: 100 * time.Millisecond,
			RetryCount: 3,
		},
		Idempotency: IdempotencyConfig{
			Enabled:    true,
			Preset:     IdempotencyPresetCustom,
			Prefix:     "replay:nonce",
			TTL:        300 * time.Second,
			HeaderName: "X-Idempotency-Key",
			StatsLimit: 100,
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			LockTTL:       time.Minute,
			PurgeInterval: 10 * time.Minute,
		},
	}
}
