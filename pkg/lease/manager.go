package lease

import (
	"context"
	"time"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/tracing"
)

// Config holds manager-wide defaults.
type Config struct {
	Prefix            string
	TTL               time.Duration
	RetryDelay        time.Duration
	RetryCount        int
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the defaults used when fields are left zero.
func DefaultConfig() Config {
	return Config{
		Prefix:     DefaultPrefix,
		TTL:        DefaultTTL,
		RetryDelay: DefaultRetryDelay,
		RetryCount: DefaultRetryCount,
	}
}

// Manager acquires and releases leases against a coordination store.
// A Manager is safe for concurrent use.
type Manager struct {
	store    coordstore.Store
	log      logger.Logger
	prefix   string
	defaults Options
	identity string
	now      func() time.Time
}

// Status is a read-only snapshot of a lease key.
type Status struct {
	Key    string `json:"key"`
	Locked bool   `json:"locked"`
	// TTLSeconds is the remaining lifetime rounded to seconds, or -1 for a
	// key without expiry, or -2 for a missing key.
	TTLSeconds int64 `json:"ttl_seconds"`
}

// NewManager builds a Manager. A nil store is allowed: every acquisition
// then yields a degraded lease.
func NewManager(store coordstore.Store, cfg Config, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.RetryCount == 0 {
		cfg.RetryCount = DefaultRetryCount
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	return &Manager{
		store:  store,
		log:    log.With("component", "lease"),
		prefix: cfg.Prefix,
		defaults: Options{
			TTL:               cfg.TTL,
			RetryDelay:        cfg.RetryDelay,
			RetryCount:        cfg.RetryCount,
			HeartbeatInterval: cfg.HeartbeatInterval,
		},
		identity: processIdentity(),
		now:      time.Now,
	}
}

// Acquire tries to take an exclusive lease on key.
//
// It returns a held lease on success, (nil, nil) when every attempt found
// the key held by someone else, and a degraded lease when the store stayed
// unreachable. An error is returned only for an invalid key or when ctx is
// done before acquisition completes.
func (m *Manager) Acquire(ctx context.Context, key string, opts Options) (*Lease, error) {
	if err := coordstore.ValidateKey(key); err != nil {
		return nil, err
	}
	opts = opts.withDefaults(m.defaults)
	storeKey := coordstore.JoinKey(m.prefix, key)
	log := m.log.WithContext(ctx).With("key", key)

	ctx, span := tracing.StartCoordinationSpan(ctx, tracing.SpanLeaseAcquire, storeKey)

	if m.store == nil {
		log.Warn("lease store not configured, proceeding without lock")
		acquireTotal.WithLabelValues(resultDegraded).Inc()
		tracing.EndSpan(span, resultDegraded, nil)
		return m.degraded(key, storeKey, opts.TTL), nil
	}

	attempts := opts.RetryCount + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			acquireTotal.WithLabelValues(resultCancelled).Inc()
			tracing.EndSpan(span, resultCancelled, err)
			return nil, err
		}

		now := m.now()
		token := newToken(m.identity, now)
		err := m.store.SetNX(ctx, storeKey, token, opts.TTL)
		switch {
		case err == nil:
			log.Debug("lease acquired", "ttl", opts.TTL, "attempt", attempt)
			acquireTotal.WithLabelValues(resultAcquired).Inc()
			tracing.EndSpan(span, resultAcquired, nil)
			return &Lease{
				Key:        key,
				Token:      token,
				TTL:        opts.TTL,
				Acquired:   true,
				AcquiredAt: now,
				storeKey:   storeKey,
			}, nil
		case coordstore.IsContention(err):
			log.Debug("lease held by another owner", "attempt", attempt, "max_attempts", attempts)
		case coordstore.IsUnavailable(err):
			if attempt == attempts {
				log.Warn("lease store unavailable, proceeding without lock", "error", err, "attempts", attempts)
				acquireTotal.WithLabelValues(resultDegraded).Inc()
				tracing.EndSpan(span, resultDegraded, err)
				return m.degraded(key, storeKey, opts.TTL), nil
			}
			log.Warn("lease store unavailable, retrying", "error", err, "attempt", attempt)
		default:
			acquireTotal.WithLabelValues(resultError).Inc()
			tracing.EndSpan(span, resultError, err)
			return nil, err
		}

		if attempt < attempts {
			if err := sleepContext(ctx, opts.RetryDelay); err != nil {
				acquireTotal.WithLabelValues(resultCancelled).Inc()
				tracing.EndSpan(span, resultCancelled, err)
				return nil, err
			}
		}
	}

	log.Debug("lease not acquired", "attempts", attempts)
	acquireTotal.WithLabelValues(resultContended).Inc()
	tracing.EndSpan(span, resultContended, nil)
	return nil, nil
}

// Release deletes the lease only if the store still holds its token.
// It never returns an error: failures are logged and reported as false.
// Releasing a degraded lease is a successful no-op.
func (m *Manager) Release(ctx context.Context, l *Lease) bool {
	if l == nil {
		return false
	}
	if !l.Acquired {
		releaseTotal.WithLabelValues(resultNoop).Inc()
		return true
	}
	if m.store == nil {
		releaseTotal.WithLabelValues(resultError).Inc()
		return false
	}

	log := m.log.WithContext(ctx).With("key", l.Key)
	ctx, span := tracing.StartCoordinationSpan(ctx, tracing.SpanLeaseRelease, l.storeKey)

	err := m.store.CompareAndDelete(ctx, l.storeKey, l.Token)
	switch {
	case err == nil:
		log.Debug("lease released", "held_for", m.now().Sub(l.AcquiredAt))
		releaseTotal.WithLabelValues(resultReleased).Inc()
		tracing.EndSpan(span, resultReleased, nil)
		return true
	case coordstore.IsOwnershipMismatch(err):
		log.Warn("lease release skipped, not owner or already expired")
		releaseTotal.WithLabelValues(resultMismatch).Inc()
		tracing.EndSpan(span, resultMismatch, nil)
		return false
	default:
		log.Error("lease release failed", "error", err)
		releaseTotal.WithLabelValues(resultError).Inc()
		tracing.EndSpan(span, resultError, err)
		return false
	}
}

// Extend resets the remaining lifetime of a held lease to ttl, provided the
// store still holds its token. A non-positive ttl reuses the lease TTL.
// Extending a degraded lease is a successful no-op.
func (m *Manager) Extend(ctx context.Context, l *Lease, ttl time.Duration) bool {
	return m.extend(ctx, l, ttl) == nil
}

func (m *Manager) extend(ctx context.Context, l *Lease, ttl time.Duration) error {
	if l == nil {
		return coordstore.InvalidArgument("lease is nil")
	}
	if !l.Acquired {
		extendTotal.WithLabelValues(resultNoop).Inc()
		return nil
	}
	if m.store == nil {
		extendTotal.WithLabelValues(resultError).Inc()
		return coordstore.Unavailable("extend", nil)
	}
	if ttl <= 0 {
		ttl = l.TTL
	}

	log := m.log.WithContext(ctx).With("key", l.Key)
	ctx, span := tracing.StartCoordinationSpan(ctx, tracing.SpanLeaseExtend, l.storeKey)

	err := m.store.CompareAndExpire(ctx, l.storeKey, l.Token, ttl)
	switch {
	case err == nil:
		log.Debug("lease extended", "ttl", ttl)
		extendTotal.WithLabelValues(resultExtended).Inc()
		tracing.EndSpan(span, resultExtended, nil)
	case coordstore.IsOwnershipMismatch(err):
		log.Warn("lease extend skipped, not owner or already expired")
		extendTotal.WithLabelValues(resultMismatch).Inc()
		tracing.EndSpan(span, resultMismatch, nil)
	default:
		log.Error("lease extend failed", "error", err)
		extendTotal.WithLabelValues(resultError).Inc()
		tracing.EndSpan(span, resultError, err)
	}
	return err
}

// IsLocked reports whether key is currently held. Store failures read as
// not locked.
func (m *Manager) IsLocked(ctx context.Context, key string) bool {
	if m.store == nil {
		return false
	}
	exists, err := m.store.Exists(ctx, coordstore.JoinKey(m.prefix, key))
	if err != nil {
		m.log.WithContext(ctx).Warn("lease lookup failed", "key", key, "error", err)
		return false
	}
	return exists
}

// RemainingTTL returns the remaining lifetime of key, coordstore.TTLNoExpiry
// for a key without expiry, or coordstore.TTLMissing for a missing key or a
// store failure.
func (m *Manager) RemainingTTL(ctx context.Context, key string) time.Duration {
	if m.store == nil {
		return coordstore.TTLMissing
	}
	ttl, err := m.store.TTL(ctx, coordstore.JoinKey(m.prefix, key))
	if err != nil {
		m.log.WithContext(ctx).Warn("lease ttl lookup failed", "key", key, "error", err)
		return coordstore.TTLMissing
	}
	return ttl
}

// Status combines IsLocked and RemainingTTL for diagnostics.
func (m *Manager) Status(ctx context.Context, key string) Status {
	ttl := m.RemainingTTL(ctx, key)
	return Status{
		Key:        key,
		Locked:     ttl != coordstore.TTLMissing,
		TTLSeconds: ttlSeconds(ttl),
	}
}

// HealthCheck pings the underlying store.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return coordstore.HealthCheck{Store: m.store}.HealthCheck(ctx)
}

func (m *Manager) degraded(key, storeKey string, ttl time.Duration) *Lease {
	degradedTotal.Inc()
	return &Lease{
		Key:        key,
		Token:      newToken(m.identity, m.now()),
		TTL:        ttl,
		Acquired:   false,
		AcquiredAt: m.now(),
		storeKey:   storeKey,
	}
}

func ttlSeconds(ttl time.Duration) int64 {
	if ttl < 0 {
		return int64(ttl)
	}
	return (ttl.Milliseconds() + 500) / 1000
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
