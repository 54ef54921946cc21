package resilience

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nimburion/coordination/pkg/coordstore"
	"github.com/nimburion/coordination/pkg/observability/logger"
)

var breakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "coordination_store_circuit_state",
	Help: "Coordination store circuit breaker state (0 closed, 1 open, 2 half-open)",
})

// Store guards a coordstore.Store with a circuit breaker. Only
// ErrStoreUnavailable counts as a failure: contention and ownership
// mismatches are normal answers from a healthy store. While the circuit is
// open every guarded call returns ErrStoreUnavailable without reaching the
// backend. Ping and Close bypass the breaker so health checks see the
// backend itself.
type Store struct {
	inner   coordstore.Store
	breaker *CircuitBreaker
}

// purgingStore keeps the Purger capability of the wrapped store visible.
type purgingStore struct {
	*Store
	purger coordstore.Purger
}

// PurgeExpired runs the inner purge through the breaker.
func (p purgingStore) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	err := p.guard("purge", func() error {
		var err error
		purged, err = p.purger.PurgeExpired(ctx)
		return err
	})
	return purged, err
}

// BreakerConfig configures WrapStore.
type BreakerConfig struct {
	// MaxFailures consecutive unavailable errors open the circuit.
	MaxFailures int
	// OpenTimeout is how long the circuit stays open before a probe.
	OpenTimeout time.Duration
}

// WrapStore returns inner guarded by a new circuit breaker. The result
// implements coordstore.Purger when inner does.
func WrapStore(inner coordstore.Store, cfg BreakerConfig, log logger.Logger) coordstore.Store {
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("component", "store-breaker")
	breaker := NewCircuitBreaker(cfg.MaxFailures, cfg.OpenTimeout,
		WithFailurePredicate(coordstore.IsUnavailable),
		WithTransitionHook(func(from, to State) {
			breakerState.Set(float64(to))
			if to == StateOpen {
				log.Warn("coordination store circuit opened", "from", from.String())
				return
			}
			log.Info("coordination store circuit state changed", "from", from.String(), "to", to.String())
		}),
	)
	return wrapWithBreaker(inner, breaker)
}

func wrapWithBreaker(inner coordstore.Store, breaker *CircuitBreaker) coordstore.Store {
	s := &Store{inner: inner, breaker: breaker}
	if purger, ok := inner.(coordstore.Purger); ok {
		return purgingStore{Store: s, purger: purger}
	}
	return s
}

// Breaker exposes the circuit breaker for diagnostics.
func (s *Store) Breaker() *CircuitBreaker {
	return s.breaker
}

func (s *Store) guard(operation string, fn func() error) error {
	err := s.breaker.Execute(fn)
	if err == ErrCircuitBreakerOpen {
		return coordstore.Unavailable(operation, err)
	}
	return err
}

// SetNX implements coordstore.Store.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.guard("setnx", func() error { return s.inner.SetNX(ctx, key, value, ttl) })
}

// Get implements coordstore.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.guard("get", func() error {
		var err error
		value, found, err = s.inner.Get(ctx, key)
		return err
	})
	return value, found, err
}

// CompareAndDelete implements coordstore.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) error {
	return s.guard("compare_and_delete", func() error { return s.inner.CompareAndDelete(ctx, key, expected) })
}

// CompareAndExpire implements coordstore.Store.
func (s *Store) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) error {
	return s.guard("compare_and_expire", func() error { return s.inner.CompareAndExpire(ctx, key, expected, ttl) })
}

// Delete implements coordstore.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	var removed bool
	err := s.guard("delete", func() error {
		var err error
		removed, err = s.inner.Delete(ctx, key)
		return err
	})
	return removed, err
}

// Exists implements coordstore.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.guard("exists", func() error {
		var err error
		exists, err = s.inner.Exists(ctx, key)
		return err
	})
	return exists, err
}

// TTL implements coordstore.Store.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl := coordstore.TTLMissing
	err := s.guard("ttl", func() error {
		var err error
		ttl, err = s.inner.TTL(ctx, key)
		return err
	})
	if err != nil {
		return coordstore.TTLMissing, err
	}
	return ttl, nil
}

// Scan implements coordstore.Store.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.guard("scan", func() error {
		var err error
		keys, err = s.inner.Scan(ctx, prefix)
		return err
	})
	return keys, err
}

// Ping implements coordstore.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

// Close implements coordstore.Store.
func (s *Store) Close() error {
	return s.inner.Close()
}
