package lease

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sensei777/Ethplorer"
)

type GateOptions struct {
	Clock  clockwork.Clock  // nil => real clock
	Logger ethplorer.Logger // nil => NopLogger
	Hooks  ethplorer.Hooks  // nil => NopHooks
	// NewOwner generates owner ids; nil => random UUIDv4.
	NewOwner func() string
}

// Gate hands out advisory leases. It never blocks and never returns an error:
// a backend failure is reported as "not acquired".
type Gate struct {
	store    Store
	clock    clockwork.Clock
	log      ethplorer.Logger
	hooks    ethplorer.Hooks
	newOwner func() string
}

func NewGate(store Store, opts GateOptions) *Gate {
	g := &Gate{store: store, clock: opts.Clock, log: opts.Logger, hooks: opts.Hooks, newOwner: opts.NewOwner}
	if g.clock == nil {
		g.clock = clockwork.NewRealClock()
	}
	if g.log == nil {
		g.log = ethplorer.NopLogger{}
	}
	if g.hooks == nil {
		g.hooks = ethplorer.NopHooks{}
	}
	if g.newOwner == nil {
		g.newOwner = uuid.NewString
	}
	return g
}

// TryAcquire attempts to become the single recomputer for name for ttl.
func (g *Gate) TryAcquire(ctx context.Context, name string, ttl time.Duration) (Lease, bool) {
	now := g.clock.Now()
	l := Lease{
		Name:       name,
		Owner:      g.newOwner(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	holder, ok, err := g.store.Acquire(ctx, l, now)
	if err != nil {
		g.log.Warn("lease acquire failed", ethplorer.Fields{"lease": name, "err": err})
		return Lease{}, false
	}
	if !ok {
		g.hooks.LeaseContended(name)
		g.log.Debug("lease held elsewhere", ethplorer.Fields{"lease": name, "owner": holder.Owner, "expires_at": holder.ExpiresAt})
		return Lease{}, false
	}
	return l, true
}

// Held reports whether l is still the stored, unexpired lease for its name.
// A computation that outlived its lease may have raced another holder.
func (g *Gate) Held(ctx context.Context, l Lease) bool {
	cur, ok, err := g.store.Holder(ctx, l.Name)
	if err != nil || !ok {
		return false
	}
	return cur.Owner == l.Owner && cur.ActiveAt(g.clock.Now())
}
