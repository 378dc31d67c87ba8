package lease

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultSweep = 5 * time.Minute

// Local keeps leases in-process. Suitable for a single replica; use Redis to
// coordinate several.
type Local struct {
	mu sync.Mutex
	c  *gocache.Cache
}

var _ Store = (*Local)(nil)

func NewLocal() *Local {
	return &Local{c: gocache.New(gocache.NoExpiration, defaultSweep)}
}

func (s *Local) Acquire(_ context.Context, l Lease, now time.Time) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.c.Get(l.Name); ok {
		if cur := v.(Lease); cur.ActiveAt(now) {
			return cur, false, nil
		}
	}
	// backend expiry only reclaims memory; ActiveAt decides ownership
	s.c.Set(l.Name, l, 2*l.ExpiresAt.Sub(now))
	return l, true, nil
}

func (s *Local) Holder(_ context.Context, name string) (Lease, bool, error) {
	v, ok := s.c.Get(name)
	if !ok {
		return Lease{}, false, nil
	}
	return v.(Lease), true, nil
}

func (s *Local) Close(context.Context) error {
	s.c.Flush()
	return nil
}
