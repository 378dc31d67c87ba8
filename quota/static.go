package quota

import (
	"context"
	"sync"

	"github.com/sensei777/Ethplorer/fault"
)

// Static resolves policies from a fixed table, typically loaded from config.
type Static struct {
	mu       sync.RWMutex
	policies map[string]Policy
	personal map[string]Limits
}

var _ Resolver = (*Static)(nil)

// NewStatic builds a resolver. personal maps command -> floor limits applied
// to every non-free-tier caller: a policy limit below the floor (or unset) is
// raised to it.
func NewStatic(policies []Policy, personal map[string]Limits) *Static {
	s := &Static{policies: make(map[string]Policy, len(policies)), personal: personal}
	for _, p := range policies {
		s.policies[p.CallerID] = p
	}
	return s
}

func (s *Static) Resolve(_ context.Context, callerID string) (Policy, error) {
	if callerID == "" {
		return Policy{}, fault.ErrInvalidAPIKey
	}
	s.mu.RLock()
	p, ok := s.policies[callerID]
	s.mu.RUnlock()
	if !ok {
		return Policy{}, fault.ErrInvalidAPIKey
	}
	if p.IsFreeTier() || len(s.personal) == 0 {
		return p, nil
	}

	limits := make(map[string]Limits, len(p.Limits)+len(s.personal))
	for cmd, l := range p.Limits {
		limits[cmd] = l
	}
	for cmd, floor := range s.personal {
		l := limits[cmd]
		if l.MaxLimit < floor.MaxLimit {
			l.MaxLimit = floor.MaxLimit
		}
		if l.MaxPeriod < floor.MaxPeriod {
			l.MaxPeriod = floor.MaxPeriod
		}
		limits[cmd] = l
	}
	p.Limits = limits
	return p, nil
}

// Put adds or replaces a policy.
func (s *Static) Put(p Policy) {
	s.mu.Lock()
	s.policies[p.CallerID] = p
	s.mu.Unlock()
}
