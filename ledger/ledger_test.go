package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b0"
	tok   = "0x00000000000000000000000000000000000000c0"
)

func day(d int64) int64 { return 1704067200 + d*86400 } // 2024-01-01 UTC

func sample() []Event {
	return []Event{
		{Timestamp: day(1), Type: Transfer, Contract: tok, From: alice, To: bob, Value: "1000", Decimals: 2, TxHash: "0x1"},
		{Timestamp: day(0), Type: Mint, Contract: tok, To: alice, Value: "5000", Decimals: 2, TxHash: "0x0"},
		{Timestamp: day(2), Type: Transfer, IsNative: true, From: bob, To: alice, Value: "1000000000000000000", Decimals: 18, TxHash: "0x2"},
		{Timestamp: day(2), Type: Burn, Contract: tok, From: bob, Value: "100", Decimals: 2, TxHash: "0x3", Priority: 1},
	}
}

func TestAmountScalesByDecimals(t *testing.T) {
	a, err := Event{Value: "1000000000000000000", Decimals: 18}.Amount()
	require.NoError(t, err)
	assert.Equal(t, "1", a.String())

	a, err = Event{Value: "123456789012345678901234567890", Decimals: 6}.Amount()
	require.NoError(t, err)
	assert.Equal(t, "123456789012345678901234.56789", a.String())

	_, err = Event{Value: "abc", Decimals: 2}.Amount()
	assert.Error(t, err)
	_, err = Event{Value: "", Decimals: 2}.Amount()
	assert.Error(t, err)
}

func TestMemoryQueryOrderAndWatermark(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(sample()...)

	all, err := m.Query(ctx, Filter{}, Ascending, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "0x0", all[0].TxHash)
	assert.Equal(t, "0x3", all[3].TxHash, "priority orders equal timestamps")

	wm := day(1)
	after, err := m.Query(ctx, Filter{Address: bob, After: &wm}, Ascending, 0, 0)
	require.NoError(t, err)
	require.Len(t, after, 2, "events at the watermark are excluded")

	desc, err := m.Query(ctx, Filter{Contract: tok}, Descending, 2, 0)
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "0x3", desc[0].TxHash)

	paged, err := m.Query(ctx, Filter{}, Ascending, 2, 2)
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, "0x2", paged[0].TxHash)
}

func TestMemoryCountAndAggregate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(sample()...)

	native := true
	n, err := m.Count(ctx, Filter{IsNative: &native})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	byDate, err := m.Aggregate(ctx, Pipeline{GroupBy: ByDate})
	require.NoError(t, err)
	assert.Equal(t, []Group{{"2024-01-01", 1}, {"2024-01-02", 1}, {"2024-01-03", 2}}, byDate)

	top, err := m.Aggregate(ctx, Pipeline{GroupBy: ByContract, Limit: 1, Filter: Filter{Types: []EventType{Transfer, Burn}}})
	require.NoError(t, err)
	assert.Equal(t, []Group{{tok, 2}}, top)
}

func TestMemoryOutage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(sample()...)
	m.SetError(errors.New("db down"))
	_, err := m.Query(ctx, Filter{}, Ascending, 0, 0)
	assert.Error(t, err)
	_, err = m.Count(ctx, Filter{})
	assert.Error(t, err)
	m.SetError(nil)
	_, err = m.Count(ctx, Filter{})
	assert.NoError(t, err)
}
