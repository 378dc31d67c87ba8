package ledger

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store kept ordered by (timestamp, priority).
type Memory struct {
	mu     sync.RWMutex
	events []Event
	// returned by every call when set; see SetError
	err error
}

var _ Store = (*Memory)(nil)

func NewMemory(events ...Event) *Memory {
	m := &Memory{}
	m.Append(events...)
	return m
}

func (m *Memory) Append(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	sort.SliceStable(m.events, func(i, j int) bool {
		a, b := m.events[i], m.events[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.Priority < b.Priority
	})
}

// SetError makes every subsequent call fail with err (nil restores service).
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) Query(ctx context.Context, f Filter, s Sort, limit, skip int) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	out := make([]Event, 0)
	n := len(m.events)
	for i := 0; i < n; i++ {
		idx := i
		if s == Descending {
			idx = n - 1 - i
		}
		e := m.events[idx]
		if !f.Match(e) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Count(ctx context.Context, f Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	for _, e := range m.events {
		if f.Match(e) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Aggregate(ctx context.Context, p Pipeline) ([]Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	counts := make(map[string]int64)
	if m.err != nil {
		m.mu.RUnlock()
		return nil, m.err
	}
	for _, e := range m.events {
		if p.Filter.Match(e) {
			counts[GroupKey(p.GroupBy, e)]++
		}
	}
	m.mu.RUnlock()

	out := make([]Group, 0, len(counts))
	for k, c := range counts {
		out = append(out, Group{Key: k, Count: c})
	}
	SortGroups(out, p.Limit > 0)
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// SortGroups orders groups by key, or by count descending (key ascending on
// ties) when byCount is set.
func SortGroups(gs []Group, byCount bool) {
	sort.Slice(gs, func(i, j int) bool {
		if byCount && gs[i].Count != gs[j].Count {
			return gs[i].Count > gs[j].Count
		}
		return gs[i].Key < gs[j].Key
	})
}
