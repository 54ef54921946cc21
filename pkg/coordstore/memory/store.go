// Package memory provides an in-process coordination store.
//
// It honours the same atomicity and expiry semantics as the networked
// backends, which makes it suitable for tests and single-instance
// deployments. It offers no cross-process coordination.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/coordination/pkg/coordstore"
)

type entry struct {
	value    string
	expireAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// Store is a mutex-guarded map implementing coordstore.Store.
type Store struct {
	mu          sync.Mutex
	entries     map[string]entry
	now         func() time.Time
	unavailable bool
	closed      bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		entries: map[string]entry{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetUnavailable simulates a backend outage: every operation fails with
// coordstore.ErrStoreUnavailable until it is switched back off.
func (s *Store) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

// SetNX implements coordstore.Store.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := coordstore.ValidateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		return coordstore.InvalidArgument("ttl must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "setnx"); err != nil {
		return err
	}

	now := s.now()
	if _, ok := s.liveLocked(key, now); ok {
		return coordstore.Contention(key)
	}
	s.entries[key] = entry{value: value, expireAt: now.Add(ttl)}
	return nil
}

// Get implements coordstore.Store.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "get"); err != nil {
		return "", false, err
	}
	current, ok := s.liveLocked(key, s.now())
	if !ok {
		return "", false, nil
	}
	return current.value, true, nil
}

// CompareAndDelete implements coordstore.Store.
func (s *Store) CompareAndDelete(ctx context.Context, key, expected string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "compare and delete"); err != nil {
		return err
	}
	current, ok := s.liveLocked(key, s.now())
	if !ok || current.value != expected {
		return coordstore.OwnershipMismatch(key)
	}
	delete(s.entries, key)
	return nil
}

// CompareAndExpire implements coordstore.Store.
func (s *Store) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) error {
	if ttl <= 0 {
		return coordstore.InvalidArgument("ttl must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "compare and expire"); err != nil {
		return err
	}
	now := s.now()
	current, ok := s.liveLocked(key, now)
	if !ok || current.value != expected {
		return coordstore.OwnershipMismatch(key)
	}
	current.expireAt = now.Add(ttl)
	s.entries[key] = current
	return nil
}

// Delete implements coordstore.Store.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "delete"); err != nil {
		return false, err
	}
	_, ok := s.liveLocked(key, s.now())
	delete(s.entries, key)
	return ok, nil
}

// Exists implements coordstore.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "exists"); err != nil {
		return false, err
	}
	_, ok := s.liveLocked(key, s.now())
	return ok, nil
}

// TTL implements coordstore.Store.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "ttl"); err != nil {
		return coordstore.TTLMissing, err
	}
	now := s.now()
	current, ok := s.liveLocked(key, now)
	if !ok {
		return coordstore.TTLMissing, nil
	}
	if current.expireAt.IsZero() {
		return coordstore.TTLNoExpiry, nil
	}
	return current.expireAt.Sub(now), nil
}

// Scan implements coordstore.Store.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "scan"); err != nil {
		return nil, err
	}
	now := s.now()
	keys := make([]string, 0)
	for key := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.liveLocked(key, now); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping implements coordstore.Store.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkLocked(ctx, "ping")
}

// Close implements coordstore.Store. Subsequent calls report the store as unavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Len returns the number of live keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	count := 0
	for key := range s.entries {
		if _, ok := s.liveLocked(key, now); ok {
			count++
		}
	}
	return count
}

// PurgeExpired drops entries whose TTL has elapsed. Reads evict lazily, so
// this only matters for keys nobody touches again.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(ctx, "purge"); err != nil {
		return 0, err
	}
	now := s.now()
	var purged int64
	for key, current := range s.entries {
		if current.expired(now) {
			delete(s.entries, key)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) checkLocked(ctx context.Context, operation string) error {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return coordstore.Unavailable(operation, err)
		}
	}
	if s.closed {
		return coordstore.Unavailable(operation, nil)
	}
	if s.unavailable {
		return coordstore.Unavailable(operation, nil)
	}
	return nil
}

// liveLocked returns the entry for key, evicting it first if it has expired.
func (s *Store) liveLocked(key string, now time.Time) (entry, bool) {
	current, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if current.expired(now) {
		delete(s.entries, key)
		return entry{}, false
	}
	return current, true
}
