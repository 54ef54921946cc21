package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/coordination/pkg/observability/logger"
)

type redisClient interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisConfig configures the connection of a RedisRateLimiter.
type RedisConfig struct {
	URL              string
	MaxConns         int
	OperationTimeout time.Duration
	Prefix           string
}

// RedisRateLimiter counts requests per key in fixed windows shared by every
// instance. It fails open when Redis cannot be reached, like the rest of the
// coordination layer.
type RedisRateLimiter struct {
	client    redisClient
	limit     int64
	window    time.Duration
	opTimeout time.Duration
	prefix    string
	log       logger.Logger
}

// NewRedisRateLimiter connects to Redis and allows requestsPerSecond+burst
// requests per key per window.
func NewRedisRateLimiter(ctx context.Context, cfg RedisConfig, window time.Duration, requestsPerSecond, burst int, log logger.Logger) (*RedisRateLimiter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis URL is required for distributed rate limiting")
	}
	if requestsPerSecond <= 0 {
		return nil, errors.New("requests per second must be greater than zero")
	}
	if burst < 0 {
		return nil, errors.New("burst cannot be negative")
	}
	if log == nil {
		log = logger.Nop()
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	opts.ReadTimeout = timeout
	opts.WriteTimeout = timeout

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis rate limiter ping: %w", err)
	}

	l := newRedisRateLimiter(client, window, requestsPerSecond, burst, timeout, cfg.Prefix, log)
	log.Info("redis rate limiter connected", "limit", l.limit, "window", l.window, "prefix", l.prefix)
	return l, nil
}

func newRedisRateLimiter(client redisClient, window time.Duration, requestsPerSecond, burst int, timeout time.Duration, prefix string, log logger.Logger) *RedisRateLimiter {
	if window <= 0 {
		window = time.Second
	}
	if prefix == "" {
		prefix = "coordination:ratelimit"
	}
	return &RedisRateLimiter{
		client:    client,
		limit:     int64(requestsPerSecond + burst),
		window:    window,
		opTimeout: timeout,
		prefix:    prefix,
		log:       log,
	}
}

// Allow increments the window counter of key.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	redisKey := r.prefix + ":" + key
	count, err := r.client.Incr(ctx, redisKey).Result()
	if err != nil {
		r.log.Warn("rate limiter unavailable, allowing request", "error", err)
		return true
	}
	if count == 1 {
		if err := r.client.Expire(ctx, redisKey, r.window).Err(); err != nil {
			r.log.Warn("rate limiter failed to set window expiry", "key", redisKey, "error", err)
		}
	}
	return count <= r.limit
}

// Close releases the Redis client.
func (r *RedisRateLimiter) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
