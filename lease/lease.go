// Package lease implements the advisory single-flight gate used before a
// recomputation. A lease never blocks anyone: a caller that fails to acquire
// it serves what it has (or recomputes independently). There is no unlock;
// leases end when they expire.
package lease

import (
	"context"
	"time"
)

// Lease is one acquisition. Owner is unique per acquisition.
type Lease struct {
	Name       string    `msgpack:"n"`
	Owner      string    `msgpack:"o"`
	AcquiredAt time.Time `msgpack:"a"`
	ExpiresAt  time.Time `msgpack:"e"`
}

// ActiveAt reports whether the lease is unexpired at now.
func (l Lease) ActiveAt(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Store persists lease records. Implementations judge expiry with the now
// passed in, not only with their own TTLs, so every replica applies the same
// clock.
type Store interface {
	// Acquire records l unless an active lease for l.Name exists at now.
	// When not acquired it returns the current holder.
	Acquire(ctx context.Context, l Lease, now time.Time) (holder Lease, acquired bool, err error)
	// Holder returns the stored record for name, active or not.
	Holder(ctx context.Context, name string) (Lease, bool, error)
	Close(ctx context.Context) error
}
