package pool

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sensei777/Ethplorer/fault"
)

// Memory is an in-process Store.
type Memory struct {
	mu       sync.RWMutex
	pools    map[string]*memPool
	capacity int
	clock    clockwork.Clock
	newID    func() string
}

type memPool struct {
	owner   string
	created Pool
	addrs   map[string]struct{}
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store. capacity <= 0 uses DefaultCapacity.
func NewMemory(capacity int, clock clockwork.Clock) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{pools: map[string]*memPool{}, capacity: capacity, clock: clock, newID: uuid.NewString}
}

func (m *Memory) Create(_ context.Context, owner string, addresses []string) (Pool, error) {
	if len(uniq(addresses)) > m.capacity {
		return Pool{}, fault.ErrPoolOverLimit
	}
	p := &memPool{owner: owner, addrs: map[string]struct{}{}}
	for _, a := range addresses {
		p.addrs[a] = struct{}{}
	}
	p.created = Pool{ID: m.newID(), Owner: owner, CreatedAt: m.clock.Now()}

	m.mu.Lock()
	m.pools[p.created.ID] = p
	m.mu.Unlock()
	return p.snapshot(), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pools[id]; !ok {
		return fault.ErrPoolNotFound
	}
	delete(m.pools, id)
	return nil
}

func (m *Memory) Update(_ context.Context, op Op, id string, addresses []string) (Pool, error) {
	if err := validOp(op); err != nil {
		return Pool{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[id]
	if !ok {
		return Pool{}, fault.ErrPoolNotFound
	}
	switch op {
	case Add:
		n := len(p.addrs)
		for _, a := range uniq(addresses) {
			if _, ok := p.addrs[a]; !ok {
				n++
			}
		}
		if n > m.capacity {
			return Pool{}, fault.ErrPoolOverLimit
		}
		for _, a := range addresses {
			p.addrs[a] = struct{}{}
		}
	case Remove:
		for _, a := range addresses {
			delete(p.addrs, a)
		}
	case Clear:
		p.addrs = map[string]struct{}{}
	}
	return p.snapshot(), nil
}

func (m *Memory) Get(_ context.Context, id string) (Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	if !ok {
		return Pool{}, fault.ErrPoolNotFound
	}
	return p.snapshot(), nil
}

func (m *Memory) Close(context.Context) error { return nil }

func (p *memPool) snapshot() Pool {
	out := p.created
	out.Addresses = make([]string, 0, len(p.addrs))
	for a := range p.addrs {
		out.Addresses = append(out.Addresses, a)
	}
	sort.Strings(out.Addresses)
	return out
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, a := range in {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}
