package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensei777/Ethplorer"
)

func newTestGate(clock clockwork.Clock, store Store) *Gate {
	var n atomic.Uint64
	return NewGate(store, GateOptions{
		Clock:    clock,
		NewOwner: func() string { return fmt.Sprintf("owner-%d", n.Add(1)) },
	})
}

func TestTryAcquireIsExclusiveUntilExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	g := newTestGate(clock, NewLocal())

	l1, ok := g.TryAcquire(ctx, "agg:0xabc", time.Minute)
	require.True(t, ok)
	assert.Equal(t, "owner-1", l1.Owner)
	assert.Equal(t, clock.Now().Add(time.Minute), l1.ExpiresAt)

	_, ok = g.TryAcquire(ctx, "agg:0xabc", time.Minute)
	assert.False(t, ok, "second acquire while held")

	_, ok = g.TryAcquire(ctx, "agg:0xdef", time.Minute)
	assert.True(t, ok, "other names are independent")

	clock.Advance(time.Minute)
	l2, ok := g.TryAcquire(ctx, "agg:0xabc", time.Minute)
	require.True(t, ok, "lease must be reclaimable at expiry")
	assert.NotEqual(t, l1.Owner, l2.Owner)

	assert.False(t, g.Held(ctx, l1), "previous owner no longer holds")
	assert.True(t, g.Held(ctx, l2))
}

func TestHeldFalseAfterExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	g := newTestGate(clock, NewLocal())

	l, ok := g.TryAcquire(ctx, "x", 10*time.Second)
	require.True(t, ok)
	clock.Advance(9 * time.Second)
	assert.True(t, g.Held(ctx, l))
	clock.Advance(time.Second)
	assert.False(t, g.Held(ctx, l))
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	ctx := context.Background()
	g := newTestGate(clockwork.NewFakeClock(), NewLocal())

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := g.TryAcquire(ctx, "hot", time.Minute); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

type brokenStore struct{}

func (brokenStore) Acquire(context.Context, Lease, time.Time) (Lease, bool, error) {
	return Lease{}, false, errors.New("redis: connection refused")
}
func (brokenStore) Holder(context.Context, string) (Lease, bool, error) {
	return Lease{}, false, errors.New("redis: connection refused")
}
func (brokenStore) Close(context.Context) error { return nil }

type contendedHooks struct {
	ethplorer.NopHooks
	n atomic.Int32
}

func (h *contendedHooks) LeaseContended(string) { h.n.Add(1) }

func TestBackendErrorMeansNotAcquired(t *testing.T) {
	ctx := context.Background()
	hooks := &contendedHooks{}
	g := NewGate(brokenStore{}, GateOptions{Clock: clockwork.NewFakeClock(), Hooks: hooks})

	_, ok := g.TryAcquire(ctx, "x", time.Minute)
	assert.False(t, ok)
	assert.False(t, g.Held(ctx, Lease{Name: "x", Owner: "o"}))
	assert.Equal(t, int32(0), hooks.n.Load(), "an outage is not contention")
}

func TestContentionIsReported(t *testing.T) {
	ctx := context.Background()
	hooks := &contendedHooks{}
	g := NewGate(NewLocal(), GateOptions{Clock: clockwork.NewFakeClock(), Hooks: hooks})

	_, _ = g.TryAcquire(ctx, "x", time.Minute)
	_, _ = g.TryAcquire(ctx, "x", time.Minute)
	assert.Equal(t, int32(1), hooks.n.Load())
}

func TestDefaultOwnersAreUnique(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	g := NewGate(NewLocal(), GateOptions{Clock: clock})

	l1, ok := g.TryAcquire(ctx, "x", time.Second)
	require.True(t, ok)
	clock.Advance(time.Second)
	l2, ok := g.TryAcquire(ctx, "x", time.Second)
	require.True(t, ok)
	assert.NotEmpty(t, l1.Owner)
	assert.NotEqual(t, l1.Owner, l2.Owner)
}
