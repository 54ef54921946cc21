package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var headerNamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// Validate checks cross-field constraints and reports every violation at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.RouterType {
	case RouterNetHTTP, RouterGin:
	default:
		add("router_type must be one of %q, %q", RouterNetHTTP, RouterGin)
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		add("http.port must be between 1 and 65535")
	}
	if c.Management.Enabled {
		if c.Management.Port <= 0 || c.Management.Port > 65535 {
			add("management.port must be between 1 and 65535")
		}
		if c.Management.Port == c.HTTP.Port {
			add("management.port must differ from http.port")
		}
	}

	switch c.Store.Backend {
	case StoreBackendRedis:
		if strings.TrimSpace(c.Store.Redis.URL) == "" {
			add("store.redis.url is required when store.backend is redis")
		}
	case StoreBackendPostgres:
		if strings.TrimSpace(c.Store.Postgres.URL) == "" {
			add("store.postgres.url is required when store.backend is postgres")
		}
	case StoreBackendDynamoDB:
		if strings.TrimSpace(c.Store.DynamoDB.Region) == "" {
			add("store.dynamodb.region is required when store.backend is dynamodb")
		}
		if strings.TrimSpace(c.Store.DynamoDB.Table) == "" {
			add("store.dynamodb.table is required when store.backend is dynamodb")
		}
	case StoreBackendMemory:
	default:
		add("store.backend must be one of redis, postgres, dynamodb, memory")
	}
	if rl := c.HTTP.RateLimit; rl.Enabled {
		if rl.RequestsPerSecond <= 0 {
			add("http.rate_limit.requests_per_second must be > 0")
		}
		if rl.Burst < 0 {
			add("http.rate_limit.burst must be >= 0")
		}
		if rl.Distributed && c.Store.Backend != StoreBackendRedis {
			add("http.rate_limit.distributed requires store.backend redis")
		}
	}
	if c.Store.Breaker.MaxFailures < 0 {
		add("store.breaker.max_failures must be >= 0")
	}
	if c.Store.Breaker.MaxFailures > 0 && c.Store.Breaker.OpenTimeout <= 0 {
		add("store.breaker.open_timeout must be > 0 when the breaker is enabled")
	}

	if c.Lease.TTL <= 0 {
		add("lease.ttl must be > 0")
	}
	if c.Lease.RetryDelay < 0 {
		add("lease.retry_delay must be >= 0")
	}
	if c.Lease.RetryCount < 0 {
		add("lease.retry_count must be >= 0")
	}
	if c.Lease.HeartbeatInterval < 0 {
		add("lease.heartbeat_interval must be >= 0")
	}
	if c.Lease.HeartbeatInterval > 0 && c.Lease.HeartbeatInterval >= c.Lease.TTL {
		add("lease.heartbeat_interval must be shorter than lease.ttl")
	}

	if c.Idempotency.Enabled {
		switch c.Idempotency.Preset {
		case "", IdempotencyPresetCustom, IdempotencyPresetStrict, IdempotencyPresetRelaxed:
		default:
			add("idempotency.preset must be one of custom, strict, relaxed")
		}
		if c.Idempotency.TTL < time.Second {
			add("idempotency.ttl must be at least 1s")
		}
		if !headerNamePattern.MatchString(c.Idempotency.HeaderName) {
			add("idempotency.header_name %q is not a valid header name", c.Idempotency.HeaderName)
		}
		if c.Idempotency.StatsLimit <= 0 {
			add("idempotency.stats_limit must be > 0")
		}
	}

	if c.Scheduler.Enabled && c.Scheduler.LockTTL <= 0 {
		add("scheduler.lock_ttl must be > 0")
	}

	if c.Observability.TracingEnabled {
		if strings.TrimSpace(c.Observability.TracingEndpoint) == "" {
			add("observability.tracing_endpoint is required when tracing is enabled")
		}
		if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
			add("observability.tracing_sample_rate must be between 0 and 1")
		}
	}

	return errors.Join(errs...)
}
