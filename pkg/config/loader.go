package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader loads and validates configuration.
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader with precedence flags > ENV > file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
	settings   map[string]interface{}
}

// FlagKeys maps command-line flags to the configuration keys they override.
var FlagKeys = map[string]string{
	"store-backend":   "store.backend",
	"log-level":       "observability.log_level",
	"log-format":      "observability.log_format",
	"http-port":       "http.port",
	"management-port": "management.port",
}

// NewViperLoader creates a loader. configFile may be empty; envPrefix is
// prepended to every environment variable name (e.g. "COORD").
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{configFile: configFile, envPrefix: envPrefix}
}

// WithFlags binds the flags named in FlagKeys that exist in fs. Only flags
// set on the command line override other sources.
func (l *ViperLoader) WithFlags(fs *pflag.FlagSet) *ViperLoader {
	l.flags = fs
	return l
}

// Load implements Loader.
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	l.settings = v.AllSettings()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Idempotency.ExemptPaths = normalizeStringSlice(cfg.Idempotency.ExemptPaths)

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate implements Loader.
func (l *ViperLoader) Validate(cfg *Config) error {
	return cfg.Validate()
}

func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	bind := func(key, suffix string) {
		_ = v.BindEnv(key, l.prefixedEnv(suffix))
	}

	bind("router_type", "ROUTER_TYPE")
	bind("service.name", "SERVICE_NAME")
	bind("service.environment", "SERVICE_ENVIRONMENT")

	bind("http.port", "HTTP_PORT")
	bind("http.read_timeout", "HTTP_READ_TIMEOUT")
	bind("http.write_timeout", "HTTP_WRITE_TIMEOUT")
	bind("http.idle_timeout", "HTTP_IDLE_TIMEOUT")
	bind("http.shutdown_timeout", "HTTP_SHUTDOWN_TIMEOUT")
	bind("http.max_body_bytes", "HTTP_MAX_BODY_BYTES")
	bind("http.rate_limit.enabled", "HTTP_RATE_LIMIT_ENABLED")
	bind("http.rate_limit.requests_per_second", "HTTP_RATE_LIMIT_REQUESTS_PER_SECOND")
	bind("http.rate_limit.burst", "HTTP_RATE_LIMIT_BURST")
	bind("http.rate_limit.distributed", "HTTP_RATE_LIMIT_DISTRIBUTED")
	bind("http.rate_limit.window", "HTTP_RATE_LIMIT_WINDOW")

	bind("management.enabled", "MGMT_ENABLED")
	bind("management.port", "MGMT_PORT")
	bind("management.read_timeout", "MGMT_READ_TIMEOUT")
	bind("management.write_timeout", "MGMT_WRITE_TIMEOUT")
	bind("management.diagnostics_enabled", "MGMT_DIAGNOSTICS_ENABLED")
	bind("management.health_timeout", "MGMT_HEALTH_TIMEOUT")

	bind("observability.log_level", "LOG_LEVEL")
	bind("observability.log_format", "LOG_FORMAT")
	bind("observability.tracing_enabled", "TRACING_ENABLED")
	bind("observability.tracing_endpoint", "TRACING_ENDPOINT")
	bind("observability.tracing_insecure", "TRACING_INSECURE")
	bind("observability.tracing_sample_rate", "TRACING_SAMPLE_RATE")

	bind("store.backend", "STORE_BACKEND")
	bind("store.redis.url", "STORE_REDIS_URL")
	bind("store.redis.max_conns", "STORE_REDIS_MAX_CONNS")
	bind("store.redis.operation_timeout", "STORE_REDIS_OPERATION_TIMEOUT")
	bind("store.redis.fail_fast", "STORE_REDIS_FAIL_FAST")
	bind("store.postgres.url", "STORE_POSTGRES_URL")
	bind("store.postgres.table", "STORE_POSTGRES_TABLE")
	bind("store.postgres.max_conns", "STORE_POSTGRES_MAX_CONNS")
	bind("store.postgres.operation_timeout", "STORE_POSTGRES_OPERATION_TIMEOUT")
	bind("store.postgres.fail_fast", "STORE_POSTGRES_FAIL_FAST")
	bind("store.dynamodb.region", "STORE_DYNAMODB_REGION")
	bind("store.dynamodb.endpoint", "STORE_DYNAMODB_ENDPOINT")
	bind("store.dynamodb.table", "STORE_DYNAMODB_TABLE")
	bind("store.dynamodb.access_key_id", "STORE_DYNAMODB_ACCESS_KEY_ID")
	bind("store.dynamodb.secret_access_key", "STORE_DYNAMODB_SECRET_ACCESS_KEY")
	bind("store.dynamodb.session_token", "STORE_DYNAMODB_SESSION_TOKEN")
	bind("store.dynamodb.operation_timeout", "STORE_DYNAMODB_OPERATION_TIMEOUT")
	bind("store.dynamodb.fail_fast", "STORE_DYNAMODB_FAIL_FAST")
	bind("store.breaker.max_failures", "STORE_BREAKER_MAX_FAILURES")
	bind("store.breaker.open_timeout", "STORE_BREAKER_OPEN_TIMEOUT")

	bind("lease.prefix", "LEASE_PREFIX")
	bind("lease.ttl", "LEASE_TTL")
	bind("lease.retry_delay", "LEASE_RETRY_DELAY")
	bind("lease.retry_count", "LEASE_RETRY_COUNT")
	bind("lease.heartbeat_interval", "LEASE_HEARTBEAT_INTERVAL")

	bind("idempotency.enabled", "IDEMPOTENCY_ENABLED")
	bind("idempotency.preset", "IDEMPOTENCY_PRESET")
	bind("idempotency.prefix", "IDEMPOTENCY_PREFIX")
	bind("idempotency.ttl", "IDEMPOTENCY_TTL")
	bind("idempotency.header_name", "IDEMPOTENCY_HEADER_NAME")
	bind("idempotency.required", "IDEMPOTENCY_REQUIRED")
	bind("idempotency.exempt_paths", "IDEMPOTENCY_EXEMPT_PATHS")
	bind("idempotency.stats_limit", "IDEMPOTENCY_STATS_LIMIT")

	bind("scheduler.enabled", "SCHEDULER_ENABLED")
	bind("scheduler.lock_ttl", "SCHEDULER_LOCK_TTL")
	bind("scheduler.purge_interval", "SCHEDULER_PURGE_INTERVAL")
}

// Settings returns the merged settings seen by the last Load, keyed the
// way they appear in a config file.
func (l *ViperLoader) Settings() map[string]interface{} {
	return l.settings
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range FlagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		return suffix
	}
	return strings.ToUpper(prefix) + "_" + suffix
}

func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("router_type", cfg.RouterType)
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	v.SetDefault("http.max_body_bytes", cfg.HTTP.MaxBodyBytes)
	v.SetDefault("http.rate_limit.enabled", cfg.HTTP.RateLimit.Enabled)
	v.SetDefault("http.rate_limit.requests_per_second", cfg.HTTP.RateLimit.RequestsPerSecond)
	v.SetDefault("http.rate_limit.burst", cfg.HTTP.RateLimit.Burst)
	v.SetDefault("http.rate_limit.distributed", cfg.HTTP.RateLimit.Distributed)
	v.SetDefault("http.rate_limit.window", cfg.HTTP.RateLimit.Window)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)
	v.SetDefault("management.diagnostics_enabled", cfg.Management.DiagnosticsEnabled)
	v.SetDefault("management.health_timeout", cfg.Management.HealthTimeout)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_insecure", cfg.Observability.TracingInsecure)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)

	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.redis.url", cfg.Store.Redis.URL)
	v.SetDefault("store.redis.max_conns", cfg.Store.Redis.MaxConns)
	v.SetDefault("store.redis.operation_timeout", cfg.Store.Redis.OperationTimeout)
	v.SetDefault("store.redis.fail_fast", cfg.Store.Redis.FailFast)
	v.SetDefault("store.postgres.url", cfg.Store.Postgres.URL)
	v.SetDefault("store.postgres.table", cfg.Store.Postgres.Table)
	v.SetDefault("store.postgres.max_conns", cfg.Store.Postgres.MaxConns)
	v.SetDefault("store.postgres.operation_timeout", cfg.Store.Postgres.OperationTimeout)
	v.SetDefault("store.postgres.fail_fast", cfg.Store.Postgres.FailFast)
	v.SetDefault("store.dynamodb.region", cfg.Store.DynamoDB.Region)
	v.SetDefault("store.dynamodb.endpoint", cfg.Store.DynamoDB.Endpoint)
	v.SetDefault("store.dynamodb.table", cfg.Store.DynamoDB.Table)
	v.SetDefault("store.dynamodb.access_key_id", cfg.Store.DynamoDB.AccessKeyID)
	v.SetDefault("store.dynamodb.secret_access_key", cfg.Store.DynamoDB.SecretAccessKey)
	v.SetDefault("store.dynamodb.session_token", cfg.Store.DynamoDB.SessionToken)
	v.SetDefault("store.dynamodb.operation_timeout", cfg.Store.DynamoDB.OperationTimeout)
	v.SetDefault("store.dynamodb.fail_fast", cfg.Store.DynamoDB.FailFast)
	v.SetDefault("store.breaker.max_failures", cfg.Store.Breaker.MaxFailures)
	v.SetDefault("store.breaker.open_timeout", cfg.Store.Breaker.OpenTimeout)

	v.SetDefault("lease.prefix", cfg.Lease.Prefix)
	v.SetDefault("lease.ttl", cfg.Lease.TTL)
	v.SetDefault("lease.retry_delay", cfg.Lease.RetryDelay)
	v.SetDefault("lease.retry_count", cfg.Lease.RetryCount)
	v.SetDefault("lease.heartbeat_interval", cfg.Lease.HeartbeatInterval)

	v.SetDefault("idempotency.enabled", cfg.Idempotency.Enabled)
	v.SetDefault("idempotency.preset", cfg.Idempotency.Preset)
	v.SetDefault("idempotency.prefix", cfg.Idempotency.Prefix)
	v.SetDefault("idempotency.ttl", cfg.Idempotency.TTL)
	v.SetDefault("idempotency.header_name", cfg.Idempotency.HeaderName)
	v.SetDefault("idempotency.required", cfg.Idempotency.Required)
	v.SetDefault("idempotency.exempt_paths", cfg.Idempotency.ExemptPaths)
	v.SetDefault("idempotency.stats_limit", cfg.Idempotency.StatsLimit)

	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.lock_ttl", cfg.Scheduler.LockTTL)
	v.SetDefault("scheduler.purge_interval", cfg.Scheduler.PurgeInterval)
}

// normalizeStringSlice trims entries and splits comma-separated env values.
func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
