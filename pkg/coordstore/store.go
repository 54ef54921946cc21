// Package coordstore defines the capability contract of the shared key-value
// coordination store used by leases and idempotency guards.
//
// Implementations live in sub-packages (redis, postgres, dynamodb, memory).
// Every mutating primitive must be atomic on the backend: callers rely on the
// store, not on in-process state, for mutual exclusion across instances.
package coordstore

import (
	"context"
	"time"
)

const (
	// TTLNoExpiry is returned by Store.TTL when the key exists without expiry.
	TTLNoExpiry time.Duration = -1
	// TTLMissing is returned by Store.TTL when the key does not exist.
	TTLMissing time.Duration = -2
)

// Store is the coordination store capability.
//
// Errors are classified with the kinds declared in errors.go:
//   - SetNX returns ErrContention when the key is already present.
//   - CompareAndDelete and CompareAndExpire return ErrOwnershipMismatch when the
//     key is absent or holds a different value.
//   - Any backend/transport failure is reported as ErrStoreUnavailable.
type Store interface {
	// SetNX stores value under key with the given ttl only if key is absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// CompareAndDelete deletes key only if its current value equals expected.
	CompareAndDelete(ctx context.Context, key, expected string) error
	// CompareAndExpire resets the ttl of key only if its current value equals expected.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) error
	// Delete removes key unconditionally and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Exists reports whether key is present and not expired.
	Exists(ctx context.Context, key string) (bool, error)
	// TTL returns the remaining lifetime of key, TTLNoExpiry or TTLMissing.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Scan lists keys starting with prefix. Diagnostics only.
	Scan(ctx context.Context, prefix string) ([]string, error)
	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// HealthCheck adapts a Store to health.Checkable.
type HealthCheck struct {
	Store Store
}

// HealthCheck pings the wrapped store.
func (h HealthCheck) HealthCheck(ctx context.Context) error {
	if h.Store == nil {
		return storeError(ErrStoreUnavailable, "store is not configured")
	}
	return h.Store.Ping(ctx)
}

// Purger is implemented by stores that keep expired entries until they are
// reclaimed explicitly.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
