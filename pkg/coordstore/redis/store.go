// Package redis implements coordstore.Store on top of Redis.
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/observability/logger"
)

const (
	defaultOperationTimeout = 3 * time.Second
	defaultScanCount        = 100
)

var (
	compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	compareAndExpireScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)
)

// client is the subset of *redis.Client used by Store.
type client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	PTTL(ctx context.Context, key string) *redis.DurationCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Config configures the Redis coordination store.
type Config struct {
	URL              string
	MaxConns         int
	OperationTimeout time.Duration
	ScanCount        int64
	// FailFast makes NewStore return an error when the initial ping fails.
	// When false the store is returned anyway and callers degrade until Redis recovers.
	FailFast bool
}

func (c *Config) normalize() {
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	if c.ScanCount <= 0 {
		c.ScanCount = defaultScanCount
	}
}

// Store is a Redis-backed coordination store.
type Store struct {
	client client
	log    logger.Logger
	config Config
}

// NewStore connects to Redis and returns a coordination store.
func NewStore(cfg Config, log logger.Logger) (*Store, error) {
	if log == nil {
		return nil, coordstore.InvalidArgument("logger is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, coordstore.InvalidArgument("redis url is required")
	}
	cfg.normalize()

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(coordstore.InvalidArgument("parse redis url failed"), err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	opts.ReadTimeout = cfg.OperationTimeout
	opts.WriteTimeout = cfg.OperationTimeout

	store := newStoreFromClient(redis.NewClient(opts), cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		if cfg.FailFast {
			_ = store.Close()
			return nil, err
		}
		log.Warn("redis coordination store unreachable at startup, continuing degraded", "error", err)
		return store, nil
	}

	log.Info("redis coordination store connected",
		"max_conns", cfg.MaxConns,
		"operation_timeout", cfg.OperationTimeout,
	)
	return store, nil
}

func newStoreFromClient(c client, cfg Config, log logger.Logger) *Store {
	cfg.normalize()
	return &Store{client: c, log: log, config: cfg}
}

// SetNX implements coordstore.Store using SET key value NX PX ttl.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := coordstore.ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return coordstore.InvalidArgument("ttl must be > 0")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	ok, err := s.client.SetNX(opCtx, key, value, ttl).Result()
	if err != nil {
		return coordstore.Unavailable("setnx", err)
	}
	if !ok {
		return coordstore.Contention(key)
	}
	return nil
}

// Get implements coordstore.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	value, err := s.client.Get(opCtx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, coordstore.Unavailable("get", err)
	}
	return value, true, nil
}

// CompareAndDelete implements coordstore.Store with an atomic Lua script.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	result, err := compareAndDeleteScript.Run(opCtx, s.client, []string{key}, expected).Int64()
	if err != nil {
		return coordstore.Unavailable("compare and delete", err)
	}
	if result == 0 {
		return coordstore.OwnershipMismatch(key)
	}
	return nil
}

// CompareAndExpire implements coordstore.Store with an atomic Lua script.
func (s *Store) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) error {
	if ttl <= 0 {
		return coordstore.InvalidArgument("ttl must be > 0")
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	result, err := compareAndExpireScript.Run(opCtx, s.client, []string{key}, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return coordstore.Unavailable("compare and expire", err)
	}
	if result == 0 {
		return coordstore.OwnershipMismatch(key)
	}
	return nil
}

// Delete implements coordstore.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	removed, err := s.client.Del(opCtx, key).Result()
	if err != nil {
		return false, coordstore.Unavailable("delete", err)
	}
	return removed > 0, nil
}

// Exists implements coordstore.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	count, err := s.client.Exists(opCtx, key).Result()
	if err != nil {
		return false, coordstore.Unavailable("exists", err)
	}
	return count == 1, nil
}

// TTL implements coordstore.Store. Redis already reports -1/-2 sentinels.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	ttl, err := s.client.PTTL(opCtx, key).Result()
	if err != nil {
		return coordstore.TTLMissing, coordstore.Unavailable("ttl", err)
	}
	return ttl, nil
}

// Scan implements coordstore.Store with cursor-based SCAN.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	match := escapeGlob(prefix) + "*"
	seen := map[string]struct{}{}
	keys := make([]string, 0)
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(opCtx, cursor, match, s.config.ScanCount).Result()
		if err != nil {
			return nil, coordstore.Unavailable("scan", err)
		}
		for _, key := range batch {
			// SCAN may return a key more than once.
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

// Ping implements coordstore.Store.
func (s *Store) Ping(ctx context.Context) error {
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()
	if err := s.client.Ping(opCtx).Err(); err != nil {
		return coordstore.Unavailable("ping", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.config.OperationTimeout)
}

func escapeGlob(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
