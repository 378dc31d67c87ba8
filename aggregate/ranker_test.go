package aggregate

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
	"github.com/sensei777/Ethplorer/ledger"
	"github.com/sensei777/Ethplorer/oracle"
	"github.com/sensei777/Ethplorer/provider/memory"
)

const token2 = "0x2222222222222222222222222222222222222222"

func newRanker(t *testing.T, clock *clockwork.FakeClock, l ledger.Store, o oracle.Oracle) *Ranker {
	t.Helper()
	prov := memory.New(clock)
	top, err := ethplorer.New[[]Ranked](ethplorer.Options[[]Ranked]{
		Namespace: "top", Provider: prov, Codec: codec.Msgpack[[]Ranked]{}, Clock: clock,
	})
	require.NoError(t, err)
	grouped, err := ethplorer.New[[]ledger.Group](ethplorer.Options[[]ledger.Group]{
		Namespace: "grouped", Provider: prov, Codec: codec.JSON[[]ledger.Group]{}, Clock: clock,
	})
	require.NoError(t, err)
	r, err := NewRanker(RankerOptions{
		Ledger: l, Oracle: o, Top: top, Grouped: grouped, Clock: clock,
		Tokens: []Token{{Address: token1, Symbol: "ONE"}, {Address: token2, Symbol: "TWO"}},
	})
	require.NoError(t, err)
	return r
}

func op(ts int64, contract string) ledger.Event {
	return ledger.Event{Timestamp: ts, Type: ledger.Transfer, Contract: contract, Value: "1"}
}

func TestTopByOpCount(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Unix(day0+30*86400, 0))
	now := clock.Now().Unix()
	mem := ledger.NewMemory(
		// previous 7-day window
		op(now-10*86400, token1),
		op(now-9*86400, token2),
		op(now-9*86400+1, token2),
		// current window
		op(now-3*86400, token1),
		op(now-2*86400, token1),
		op(now-86400, token2),
	)
	r := newRanker(t, clock, mem, nil)

	top, err := r.Top(ctx, ByOpCount, 10, 7)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, token1, top[0].Address)
	assert.Equal(t, "ONE", top[0].Symbol)
	assert.Equal(t, int64(2), top[0].OpCount)
	assert.Equal(t, int64(1), top[0].PrevOpCount)
	require.NotNil(t, top[0].OpCountDiff)
	assert.True(t, top[0].OpCountDiff.Equal(d("100")))
	assert.True(t, top[1].OpCountDiff.Equal(d("-50")))

	// cached for a day: new events are not visible, and a ledger outage is absorbed
	mem.Append(op(now-10, token2), op(now-9, token2))
	mem.SetError(errors.New("down"))
	again, err := r.Top(ctx, ByOpCount, 10, 7)
	require.NoError(t, err)
	assert.Equal(t, top[0].OpCount, again[0].OpCount)

	clock.Advance(25 * time.Hour)
	stale, err := r.Top(ctx, ByOpCount, 10, 7)
	require.NoError(t, err, "stale ranking served when the ledger is down")
	assert.Len(t, stale, 2)
}

func TestTopByVolume(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Unix(day0+30*86400, 0))
	up := oracle.NewMemory()
	today := clock.Now().Unix()
	up.AddHistory(token1,
		oracle.Candle{Ts: today - 20*86400, Date: "2024-01-11", VolumeConverted: d("500")},
		oracle.Candle{Ts: today - 2*86400, Date: "2024-01-29", VolumeConverted: d("100")},
	)
	up.AddHistory(token2, oracle.Candle{Ts: today - 86400, Date: "2024-01-30", VolumeConverted: d("300")})
	up.SetSpot(token1, oracle.Spot{Volume24h: d("7")})
	up.SetSpot(token2, oracle.Spot{Volume24h: d("9")})
	r := newRanker(t, clock, ledger.NewMemory(), up)

	period, err := r.Top(ctx, ByPeriodVolume, 10, 7)
	require.NoError(t, err)
	require.Len(t, period, 2)
	assert.Equal(t, token2, period[0].Address)
	assert.Equal(t, int64(75), period[0].Percentage)
	assert.True(t, period[1].Volume.Equal(d("100")))

	current, err := r.Top(ctx, ByCurrentVolume, 1, 0)
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, token2, current[0].Address)
}

func TestGroupedHistory(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Unix(day0+5*86400+3600, 0))
	mem := ledger.NewMemory(
		op(day0+86400, token1),
		op(day0+3*86400, token1),
		op(day0+3*86400+5, token2),
		ledger.Event{Timestamp: day0 + 3*86400, Type: ledger.Transfer, Contract: NativeAsset, IsNative: true, Value: "1"},
		op(day0+4*86400, token2),
	)
	r := newRanker(t, clock, mem, nil)

	all, err := r.Grouped(ctx, "", 3, false)
	require.NoError(t, err)
	require.Len(t, all, 2, "window starts at midnight three days back")
	assert.Equal(t, ledger.Group{Key: "2024-01-05", Count: 1}, all[0])
	assert.Equal(t, ledger.Group{Key: "2024-01-04", Count: 2}, all[1])

	one, err := r.Grouped(ctx, token1, 30, false)
	require.NoError(t, err)
	assert.Len(t, one, 2)

	mem.Append(op(day0+5*86400, token1))
	cached, err := r.Grouped(ctx, token1, 30, false)
	require.NoError(t, err)
	assert.Len(t, cached, 2, "served from cache for 30 minutes")

	clock.Advance(31 * time.Minute)
	fresh, err := r.Grouped(ctx, token1, 30, false)
	require.NoError(t, err)
	assert.Len(t, fresh, 3)
}

func TestParseCriterion(t *testing.T) {
	assert.Equal(t, ByPeriodVolume, ParseCriterion("periodVolume"))
	assert.Equal(t, ByOpCount, ParseCriterion("whatever"))
	assert.Equal(t, 24*time.Hour, ByOpCount.TTL())
	assert.Equal(t, 10*time.Minute, ByCurrentVolume.TTL())
}
