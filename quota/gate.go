package quota

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/sensei777/Ethplorer/fault"
)

// Gate authorizes commands for callers. Authorization never touches a cache
// or a store beyond the policy resolver.
type Gate struct {
	resolver Resolver
	clock    clockwork.Clock

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	lim   *rate.Limiter
	rate  float64
	burst int
}

func NewGate(resolver Resolver, clock clockwork.Clock) *Gate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{resolver: resolver, clock: clock, limiters: make(map[string]*limiterEntry)}
}

func (g *Gate) Resolve(ctx context.Context, callerID string) (Policy, error) {
	return g.resolver.Resolve(ctx, callerID)
}

// Authorize checks, in order: the caller exists, is not suspended, may use
// command, is not the free tier issuing a mutating command, and is within its
// request rate. It returns the resolved policy for parameter clamping.
func (g *Gate) Authorize(ctx context.Context, callerID, command string, mutating bool) (Policy, error) {
	p, err := g.resolver.Resolve(ctx, callerID)
	if err != nil {
		return Policy{}, err
	}
	if p.Suspended {
		return p, fault.ErrSuspended
	}
	if !p.Allows(command) {
		return p, fault.ErrCommandDisabled.WithMessage("Route %s disabled for this API key", command)
	}
	if mutating && p.IsFreeTier() {
		return p, fault.ErrInvalidAPIKey
	}
	if !g.allow(p) {
		return p, fault.ErrRateLimited
	}
	return p, nil
}

// allow never waits: a request over the caller's rate is rejected.
func (g *Gate) allow(p Policy) bool {
	if p.Rate <= 0 {
		return true
	}
	burst := p.Burst
	if burst <= 0 {
		burst = 1
	}

	g.mu.Lock()
	e, ok := g.limiters[p.CallerID]
	if !ok || e.rate != p.Rate || e.burst != burst {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(p.Rate), burst), rate: p.Rate, burst: burst}
		g.limiters[p.CallerID] = e
	}
	g.mu.Unlock()

	return e.lim.AllowN(g.clock.Now(), 1)
}
