package lease

import (
	"context"
	"sync"
)

// WithLease runs work while holding a lease on key and releases it exactly
// once afterwards, whether work returns, fails or panics. With
// opts.RetainFor set, the lease is kept for that long instead of released.
//
// The boolean result reports whether work ran. It is false when the lease
// was contended, or when only a degraded lease was available and
// opts.RequireAcquired is set. Errors from Acquire and from work are
// returned unchanged; release failures are only logged.
//
// With opts.HeartbeatInterval set, the lease is extended in the background
// and the context passed to work is cancelled with ErrLeaseLost as cause if
// ownership is lost.
func WithLease[T any](ctx context.Context, m *Manager, key string, opts Options, work func(context.Context) (T, error)) (result T, ran bool, err error) {
	l, err := m.Acquire(ctx, key, opts)
	if err != nil || l == nil {
		return result, false, err
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Release even when the caller's context has been cancelled.
			cleanupCtx := context.WithoutCancel(ctx)
			if opts.RetainFor > 0 && l.Acquired {
				if !m.Extend(cleanupCtx, l, opts.RetainFor) {
					m.log.WithContext(ctx).Warn("could not retain lease after work", "key", key)
				}
				return
			}
			m.Release(cleanupCtx, l)
		})
	}
	defer release()

	if opts.RequireAcquired && !l.Acquired {
		m.log.WithContext(ctx).Info("skipping work, lease could not be coordinated", "key", key)
		return result, false, nil
	}

	heldGauge.Inc()
	defer heldGauge.Dec()

	workCtx := context.WithValue(ctx, leaseContextKey{}, l)
	interval := opts.withDefaults(m.defaults).HeartbeatInterval
	if interval > 0 && l.Acquired {
		var cancel context.CancelCauseFunc
		workCtx, cancel = context.WithCancelCause(workCtx)
		defer cancel(nil)

		hbCtx, stop := context.WithCancel(ctx)
		lost := m.KeepAlive(hbCtx, l, interval)
		hbDone := make(chan struct{})
		go func() {
			defer close(hbDone)
			if lostErr, ok := <-lost; ok && lostErr != nil {
				m.log.WithContext(ctx).Warn("lease lost while work was running", "key", key, "error", lostErr)
				cancel(lostErr)
			}
		}()
		// The heartbeat must be finished before the lease is released or retained.
		defer func() {
			stop()
			<-hbDone
		}()
	}

	result, err = work(workCtx)
	return result, true, err
}

type leaseContextKey struct{}

// FromContext returns the lease held by the enclosing WithLease call.
func FromContext(ctx context.Context) (*Lease, bool) {
	l, ok := ctx.Value(leaseContextKey{}).(*Lease)
	return l, ok
}

// Do is WithLease for work without a result.
func (m *Manager) Do(ctx context.Context, key string, opts Options, work func(context.Context) error) (bool, error) {
	_, ran, err := WithLease(ctx, m, key, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	})
	return ran, err
}
