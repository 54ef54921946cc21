// Package lease provides token-guarded, time-bounded exclusive leases on
// logical keys, backed by a coordstore.Store.
//
// Acquisition is first-writer-wins at the store. When the store cannot be
// reached the manager fails open: Acquire returns a degraded Lease with
// Acquired set to false so the caller may continue without coordination.
// Callers that cannot tolerate duplicate execution must check Acquired.
package lease

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTTL bounds how long a crashed holder blocks other instances.
	DefaultTTL = 30 * time.Second
	// DefaultRetryDelay is the pause between contended attempts.
	DefaultRetryDelay = 100 * time.Millisecond
	// DefaultRetryCount is the number of additional attempts after the first.
	DefaultRetryCount = 3
	// DefaultPrefix namespaces lease keys in the store.
	DefaultPrefix = "lock"

	// NoRetry disables retries when used as Options.RetryCount.
	NoRetry = -1
)

// ErrLeaseLost reports that a held lease could no longer be extended.
var ErrLeaseLost = errors.New("lease lost")

// Lease is an immutable view of one acquisition attempt. The store is the
// source of truth; a Lease never proves ownership on its own.
type Lease struct {
	// Key is the logical resource key, without the store prefix.
	Key string
	// Token identifies this acquisition and gates release and extend.
	Token string
	TTL   time.Duration
	// Acquired is false for a degraded pass-through lease handed out while
	// the store was unreachable.
	Acquired   bool
	AcquiredAt time.Time

	storeKey string
}

// Degraded reports whether the lease was issued without store coordination.
func (l *Lease) Degraded() bool {
	return l != nil && !l.Acquired
}

// Options tunes a single acquisition. Zero fields fall back to the
// manager's defaults.
type Options struct {
	TTL        time.Duration
	RetryDelay time.Duration
	// RetryCount is the number of additional attempts after a contended
	// first attempt. Use NoRetry for a single attempt.
	RetryCount int
	// HeartbeatInterval, when positive, makes WithLease extend the lease
	// periodically and cancel the work context if ownership is lost.
	HeartbeatInterval time.Duration
	// RequireAcquired makes WithLease skip the work when only a degraded
	// lease could be obtained.
	RequireAcquired bool
	// RetainFor, when positive, makes WithLease keep the lease once work
	// returns, resetting its lifetime to RetainFor instead of releasing it.
	// The key then expires on its own.
	RetainFor time.Duration
}

func (o Options) withDefaults(d Options) Options {
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = d.RetryDelay
	}
	switch {
	case o.RetryCount == 0:
		o.RetryCount = d.RetryCount
	case o.RetryCount < 0:
		o.RetryCount = 0
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	return o
}

// processIdentity identifies this process in owner tokens.
func processIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func newToken(identity string, now time.Time) string {
	return fmt.Sprintf("%s:%d:%s", identity, now.UnixNano(), uuid.NewString())
}
