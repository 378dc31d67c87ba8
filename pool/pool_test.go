package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensei777/Ethplorer"
	"github.com/sensei777/Ethplorer/codec"
	"github.com/sensei777/Ethplorer/fault"
	"github.com/sensei777/Ethplorer/ledger"
	"github.com/sensei777/Ethplorer/provider/memory"
)

const (
	a1 = "0x00000000000000000000000000000000000000a1"
	a2 = "0x00000000000000000000000000000000000000a2"
	a3 = "0x00000000000000000000000000000000000000a3"
)

func TestParseAddresses(t *testing.T) {
	got := ParseAddresses(" 0xAB, 0xcd\n0xab;;0xEF ")
	assert.Equal(t, []string{"0xab", "0xcd", "0xef"}, got)
	assert.Empty(t, ParseAddresses(" , "))
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(2, clockwork.NewFakeClock())

	p, err := s.Create(ctx, "key", []string{a1})
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	assert.Equal(t, []string{a1}, p.Addresses)

	p, err = s.Update(ctx, Add, p.ID, []string{a1, a2})
	require.NoError(t, err)
	assert.Equal(t, []string{a1, a2}, p.Addresses, "re-adding a member does not count twice")

	_, err = s.Update(ctx, Add, p.ID, []string{a3})
	assert.ErrorIs(t, err, fault.ErrPoolOverLimit)
	got, err := s.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Addresses, 2, "a rejected add changes nothing")

	p, err = s.Update(ctx, Remove, p.ID, []string{a1})
	require.NoError(t, err)
	assert.Equal(t, []string{a2}, p.Addresses)

	p, err = s.Update(ctx, Clear, p.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, p.Addresses)

	_, err = s.Update(ctx, Op("rename"), p.ID, nil)
	assert.ErrorIs(t, err, fault.ErrInvalidAction)

	require.NoError(t, s.Delete(ctx, p.ID))
	assert.ErrorIs(t, s.Delete(ctx, p.ID), fault.ErrPoolNotFound)
	_, err = s.Get(ctx, p.ID)
	assert.ErrorIs(t, err, fault.ErrPoolNotFound)

	_, err = s.Create(ctx, "key", []string{a1, a2, a3})
	assert.ErrorIs(t, err, fault.ErrPoolOverLimit)
}

// countingStore counts Get calls to observe caching.
type countingStore struct {
	Store
	gets int
}

func (c *countingStore) Get(ctx context.Context, id string) (Pool, error) {
	c.gets++
	return c.Store.Get(ctx, id)
}

func newService(t *testing.T, clock *clockwork.FakeClock, l ledger.Store) (*Service, *countingStore) {
	t.Helper()
	prov := memory.New(clock)
	addrs, err := ethplorer.New[[]string](ethplorer.Options[[]string]{Namespace: "pool-addrs", Provider: prov, Codec: codec.Msgpack[[]string]{}, Clock: clock})
	require.NoError(t, err)
	exists, err := ethplorer.New[bool](ethplorer.Options[bool]{Namespace: "pool-exists", Provider: prov, Codec: codec.Msgpack[bool]{}, Clock: clock})
	require.NoError(t, err)
	ops, err := ethplorer.New[map[string][]ledger.Event](ethplorer.Options[map[string][]ledger.Event]{
		Namespace: "pool-ops", Provider: prov, Codec: codec.Msgpack[map[string][]ledger.Event]{}, Clock: clock,
	})
	require.NoError(t, err)

	store := &countingStore{Store: NewMemory(0, clock)}
	svc, err := NewService(ServiceOptions{Store: store, Ledger: l, Addresses: addrs, Exists: exists, Operations: ops, Clock: clock})
	require.NoError(t, err)
	return svc, store
}

func TestServiceCachesAndInvalidates(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	svc, store := newService(t, clock, nil)

	p, err := svc.Create(ctx, "key", []string{a1})
	require.NoError(t, err)

	addrs, err := svc.Addresses(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a1}, addrs)
	_, err = svc.Addresses(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, store.gets, "second read served from cache")

	_, err = svc.Update(ctx, Add, p.ID, []string{a2})
	require.NoError(t, err)
	addrs, err = svc.Addresses(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a1, a2}, addrs, "update invalidated the cached list")

	ok, err := svc.Exists(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, svc.Delete(ctx, p.ID))
	ok, err = svc.Exists(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, ok, "delete invalidated the existence flag")
	_, err = svc.Addresses(ctx, p.ID)
	assert.ErrorIs(t, err, fault.ErrPoolNotFound)

	_, err = svc.Update(ctx, Add, "missing", []string{a1})
	assert.ErrorIs(t, err, fault.ErrPoolNotFound)
}

func TestServiceLastOperations(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	now := clock.Now().Unix()
	l := ledger.NewMemory(
		ledger.Event{Timestamp: now - 1000, From: a1, To: a3, TxHash: "0xold"},
		ledger.Event{Timestamp: now - 100, From: a1, To: a2, TxHash: "0xboth"},
		ledger.Event{Timestamp: now - 50, From: a3, To: a1, TxHash: "0xin"},
		ledger.Event{Timestamp: now - 10, From: a3, To: a3, TxHash: "0xother"},
	)
	svc, _ := newService(t, clock, l)
	p, err := svc.Create(ctx, "key", []string{a1, a2})
	require.NoError(t, err)

	ops, err := svc.LastOperations(ctx, p.ID, 600)
	require.NoError(t, err)
	require.Len(t, ops[a1], 2)
	assert.Equal(t, "0xin", ops[a1][0].TxHash, "newest first")
	require.Len(t, ops[a2], 1)
	assert.Equal(t, "0xboth", ops[a2][0].TxHash)
	assert.NotContains(t, ops, a3)

	l.SetError(errors.New("down"))
	cached, err := svc.LastOperations(ctx, p.ID, 600)
	require.NoError(t, err)
	assert.Len(t, cached[a1], 2)

	clock.Advance(time.Minute)
	stale, err := svc.LastOperations(ctx, p.ID, 600)
	require.NoError(t, err, "stale operations served when the ledger is down")
	assert.Len(t, stale[a1], 2)

	_, err = svc.LastOperations(ctx, "missing", 600)
	assert.ErrorIs(t, err, fault.ErrPoolNotFound)
}

func TestServiceOperationsFollowMembership(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	now := clock.Now().Unix()
	l := ledger.NewMemory(
		ledger.Event{Timestamp: now - 30, From: a1, To: a3, TxHash: "0xa1"},
		ledger.Event{Timestamp: now - 20, From: a3, To: a2, TxHash: "0xa2"},
	)
	svc, _ := newService(t, clock, l)
	p, err := svc.Create(ctx, "key", []string{a1, a2})
	require.NoError(t, err)

	gen := svc.Generation(ctx, p.ID)
	ops, err := svc.LastOperations(ctx, p.ID, 600)
	require.NoError(t, err)
	require.Contains(t, ops, a1)
	require.Contains(t, ops, a2)

	_, err = svc.Update(ctx, Remove, p.ID, []string{a1})
	require.NoError(t, err)
	assert.NotEqual(t, gen, svc.Generation(ctx, p.ID))

	// still within the operations TTL of the first read
	ops, err = svc.LastOperations(ctx, p.ID, 600)
	require.NoError(t, err)
	assert.NotContains(t, ops, a1, "removed address no longer reported")
	require.Len(t, ops[a2], 1)
	assert.Equal(t, "0xa2", ops[a2][0].TxHash)

	_, err = svc.Update(ctx, Clear, p.ID, nil)
	require.NoError(t, err)
	ops, err = svc.LastOperations(ctx, p.ID, 600)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
