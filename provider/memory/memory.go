// Package memory is a map-backed Provider with per-entry TTLs. It has no size
// bound; use ristretto or bigcache for production in-process caching.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	pr "github.com/sensei777/Ethplorer/provider"
)

type entry struct {
	v   []byte
	exp time.Time // zero => no TTL
}

type Provider struct {
	mu    sync.RWMutex
	m     map[string]entry
	clock clockwork.Clock
}

var _ pr.Provider = (*Provider)(nil)

// New returns an empty store. A nil clock uses the real clock.
func New(clock clockwork.Clock) *Provider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Provider{m: make(map[string]entry), clock: clock}
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.RLock()
	e, ok := p.m[key]
	p.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && !p.clock.Now().Before(e.exp) {
		p.mu.Lock()
		delete(p.m, key)
		p.mu.Unlock()
		return nil, false, nil
	}
	return e.v, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = p.clock.Now().Add(ttl)
	}
	cp := append([]byte(nil), value...)
	p.mu.Lock()
	p.m[key] = entry{v: cp, exp: exp}
	p.mu.Unlock()
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	delete(p.m, key)
	p.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, expired or not.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.m)
}

func (p *Provider) Close(context.Context) error { return nil }
