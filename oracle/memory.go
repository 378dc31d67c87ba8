package oracle

import (
	"context"
	"sync"
)

// Memory is an in-process Oracle for tests and fixtures.
type Memory struct {
	mu      sync.RWMutex
	spots   map[string]Spot
	history map[string][]Candle
	err     error
	calls   int
}

var _ Oracle = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{spots: map[string]Spot{}, history: map[string][]Candle{}}
}

func (m *Memory) SetSpot(asset string, s Spot) {
	m.mu.Lock()
	m.spots[asset] = s
	m.mu.Unlock()
}

// AddHistory appends candles, which must be in ascending Ts order.
func (m *Memory) AddHistory(asset string, cs ...Candle) {
	m.mu.Lock()
	m.history[asset] = append(m.history[asset], cs...)
	m.mu.Unlock()
}

// SetError makes every subsequent call fail with err (nil restores service).
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Calls reports how many History calls reached the oracle.
func (m *Memory) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

func (m *Memory) Spot(_ context.Context, asset string) (Spot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return Spot{}, m.err
	}
	s, ok := m.spots[asset]
	if !ok {
		return Spot{}, ErrNoPrice
	}
	return s, nil
}

func (m *Memory) History(_ context.Context, asset string, sinceTs int64) ([]Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var out []Candle
	for _, c := range m.history[asset] {
		if c.Ts >= sinceTs {
			out = append(out, c)
		}
	}
	return out, nil
}
