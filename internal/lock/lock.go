// Package lock provides advisory, lease-based locks keyed by string. A
// lease has a holder token and an expiry; an expired lease can be stolen
// by the next acquirer, so a crashed holder never wedges the key.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the lock could not be acquired within the
// caller's wait window.
var ErrTimeout = errors.New("lock acquisition timed out")

// pollInterval is how often a blocked acquirer re-attempts the lease.
const pollInterval = 25 * time.Millisecond

// Lease is a held lock. Release it exactly once.
type Lease struct {
	Key    string
	Holder string

	release func(ctx context.Context) error
}

// Release gives the lease up. Releasing an already-expired (stolen) lease
// is a no-op: the holder token no longer matches.
func (l *Lease) Release(ctx context.Context) error {
	return l.release(ctx)
}

// Manager hands out lease-based locks.
type Manager interface {
	// Acquire blocks until the key's lease is free (or expired and
	// stealable), up to wait. The returned lease expires after ttl if not
	// released.
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error)
}
