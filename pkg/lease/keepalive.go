package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/coordination/pkg/coordstore"
)

// KeepAlive extends l every interval until ctx is done. The returned channel
// receives at most one error wrapping ErrLeaseLost when ownership can no
// longer be confirmed, and is closed when the loop exits.
//
// Transient store failures are tolerated until the remaining lease lifetime
// would run out before the next attempt.
func (m *Manager) KeepAlive(ctx context.Context, l *Lease, interval time.Duration) <-chan error {
	lost := make(chan error, 1)
	if l == nil || !l.Acquired || interval <= 0 {
		go func() {
			defer close(lost)
			<-ctx.Done()
		}()
		return lost
	}

	go func() {
		defer close(lost)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastConfirmed := m.now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := m.extend(ctx, l, l.TTL)
			switch {
			case err == nil:
				lastConfirmed = m.now()
			case ctx.Err() != nil:
				return
			case coordstore.IsOwnershipMismatch(err):
				lost <- errors.Join(fmt.Errorf("%w: %s", ErrLeaseLost, l.Key), err)
				return
			default:
				if m.now().Add(interval).Sub(lastConfirmed) >= l.TTL {
					lost <- errors.Join(fmt.Errorf("%w: %s", ErrLeaseLost, l.Key), err)
					return
				}
			}
		}
	}()
	return lost
}
