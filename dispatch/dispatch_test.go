package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensei777/Ethplorer"
	"github.com/sensei777/Ethplorer/aggregate"
	"github.com/sensei777/Ethplorer/codec"
	"github.com/sensei777/Ethplorer/ledger"
	"github.com/sensei777/Ethplorer/oracle"
	"github.com/sensei777/Ethplorer/pool"
	"github.com/sensei777/Ethplorer/provider/memory"
	"github.com/sensei777/Ethplorer/quota"
)

const day0 = int64(1704067200) // 2024-01-01 00:00 UTC

var (
	alice  = "0x" + strings.Repeat("a", 40)
	bob    = "0x" + strings.Repeat("b", 40)
	token1 = "0x" + strings.Repeat("1", 40)
	txHash = "0x" + strings.Repeat("f", 64)
)

// countingProvider counts every byte-store access.
type countingProvider struct {
	*memory.Provider
	mu   sync.Mutex
	gets int
	sets int
}

func (p *countingProvider) Get(ctx context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	p.gets++
	p.mu.Unlock()
	return p.Provider.Get(ctx, key)
}

func (p *countingProvider) Set(ctx context.Context, key string, v []byte, cost int64, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	p.sets++
	p.mu.Unlock()
	return p.Provider.Set(ctx, key, v, cost, ttl)
}

func (p *countingProvider) accesses() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gets + p.sets
}

// countingLedger counts every ledger call.
type countingLedger struct {
	*ledger.Memory
	mu    sync.Mutex
	calls int
}

func (l *countingLedger) hit() {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
}

func (l *countingLedger) Query(ctx context.Context, f ledger.Filter, s ledger.Sort, limit, skip int) ([]ledger.Event, error) {
	l.hit()
	return l.Memory.Query(ctx, f, s, limit, skip)
}

func (l *countingLedger) Count(ctx context.Context, f ledger.Filter) (int64, error) {
	l.hit()
	return l.Memory.Count(ctx, f)
}

func (l *countingLedger) Aggregate(ctx context.Context, p ledger.Pipeline) ([]ledger.Group, error) {
	l.hit()
	return l.Memory.Aggregate(ctx, p)
}

func (l *countingLedger) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

type env struct {
	clock  *clockwork.FakeClock
	mem    *ledger.Memory
	ledger *countingLedger
	prov   *countingProvider
	prices *oracle.Memory
	d      *Dispatcher
}

func newCache[V any](t *testing.T, ns string, e *env, c codec.Codec[V]) ethplorer.Cache[V] {
	t.Helper()
	cache, err := ethplorer.New[V](ethplorer.Options[V]{Namespace: ns, Provider: e.prov, Codec: c, Clock: e.clock})
	require.NoError(t, err)
	return cache
}

func newEnv(t *testing.T, events ...ledger.Event) *env {
	t.Helper()
	e := &env{clock: clockwork.NewFakeClockAt(time.Unix(day0+10*86400, 0))}
	e.mem = ledger.NewMemory(events...)
	e.ledger = &countingLedger{Memory: e.mem}
	e.prov = &countingProvider{Provider: memory.New(e.clock)}
	e.prices = oracle.NewMemory()

	agg, err := aggregate.New(aggregate.Options{
		Ledger: e.ledger,
		States: newCache[aggregate.State](t, "aggregate", e, codec.Msgpack[aggregate.State]{}),
		Clock:  e.clock,
	})
	require.NoError(t, err)
	ranker, err := aggregate.NewRanker(aggregate.RankerOptions{
		Ledger:  e.ledger,
		Top:     newCache[[]aggregate.Ranked](t, "top", e, codec.Msgpack[[]aggregate.Ranked]{}),
		Grouped: newCache[[]ledger.Group](t, "grouped", e, codec.JSON[[]ledger.Group]{}),
		Tokens:  []aggregate.Token{{Address: token1, Symbol: "ONE", Decimals: 18}},
		Clock:   e.clock,
	})
	require.NoError(t, err)
	pools, err := pool.NewService(pool.ServiceOptions{
		Store:      pool.NewMemory(0, e.clock),
		Ledger:     e.ledger,
		Addresses:  newCache[[]string](t, "pool-addrs", e, codec.Msgpack[[]string]{}),
		Exists:     newCache[bool](t, "pool-exists", e, codec.Msgpack[bool]{}),
		Operations: newCache[map[string][]ledger.Event](t, "pool-ops", e, codec.Msgpack[map[string][]ledger.Event]{}),
		Clock:      e.clock,
	})
	require.NoError(t, err)

	gate := quota.NewGate(quota.NewStatic([]quota.Policy{
		{CallerID: "key", Limits: map[string]quota.Limits{GetTopTokens: {MaxLimit: 50}}},
		{CallerID: "suspended", Suspended: true},
		{CallerID: "narrow", AllowedCommands: []string{GetTxInfo}},
		{CallerID: quota.FreeTier},
	}, nil), e.clock)

	e.d, err = New(Options{
		Quota:      gate,
		Responses:  newCache[[]byte](t, "api", e, codec.Bytes{}),
		Ledger:     e.ledger,
		Aggregator: agg,
		Ranker:     ranker,
		Pools:      pools,
		Oracle:     e.prices,
		Clock:      e.clock,
	})
	require.NoError(t, err)
	return e
}

func get(caller, cmd string, params []string, q url.Values) Request {
	return Request{Command: cmd, CallerID: caller, Params: params, Query: q}
}

func post(caller, cmd string, form url.Values) Request {
	return Request{Command: cmd, CallerID: caller, Query: form, Post: true}
}

func (e *env) do(t *testing.T, req Request) (Response, map[string]any) {
	t.Helper()
	resp := e.d.Handle(context.Background(), req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(resp.Body, &body), string(resp.Body))
	return resp, body
}

func errorCode(body map[string]any) int {
	e, ok := body["error"].(map[string]any)
	if !ok {
		return 0
	}
	return int(e["code"].(float64))
}

func transfer(ts int64, from, to string) ledger.Event {
	return ledger.Event{
		Timestamp: ts, Type: ledger.Transfer, Contract: token1,
		From: from, To: to, Value: "1000000000000000000", Decimals: 18, TxHash: txHash,
	}
}

func TestSuspendedCallerRejectedBeforeAnyStoreAccess(t *testing.T) {
	e := newEnv(t, transfer(day0, bob, alice))

	for _, req := range []Request{
		get("suspended", GetAddressPriceHistoryGrouped, []string{alice}, nil),
		get("suspended", "noSuchCommand", nil, nil),
		get("suspended", GetAddressHistory, []string{"not-an-address"}, url.Values{"ts": {"1"}}),
		post("suspended", CreatePool, url.Values{"addresses": {alice}}),
	} {
		resp, body := e.do(t, req)
		assert.Equal(t, http.StatusForbidden, resp.Status, req.Command)
		assert.Equal(t, 133, errorCode(body), req.Command)
	}
	assert.Zero(t, e.prov.accesses(), "no cache access")
	assert.Zero(t, e.ledger.Calls(), "no ledger access")
}

func TestAuthorizationErrors(t *testing.T) {
	e := newEnv(t)
	cases := []struct {
		req    Request
		status int
		code   int
	}{
		{get("", GetTopTokens, nil, nil), http.StatusForbidden, 1},
		{get("unknown", GetTopTokens, nil, nil), http.StatusForbidden, 1},
		{get("narrow", GetTopTokens, nil, nil), http.StatusForbidden, 135},
		{post(quota.FreeTier, CreatePool, url.Values{"addresses": {alice}}), http.StatusForbidden, 1},
		{get("key", "noSuchCommand", nil, nil), http.StatusOK, 110},
		{get("key", CreatePool, nil, nil), http.StatusOK, 110},
		{post("key", GetTopTokens, nil), http.StatusOK, 110},
	}
	for _, tc := range cases {
		resp, body := e.do(t, tc.req)
		assert.Equal(t, tc.status, resp.Status, "%s by %q", tc.req.Command, tc.req.CallerID)
		assert.Equal(t, tc.code, errorCode(body), "%s by %q", tc.req.Command, tc.req.CallerID)
	}
}

func TestValidationCostsNoStoreAccess(t *testing.T) {
	e := newEnv(t)
	old := fmt.Sprint(e.clock.Now().Unix() - 31*86400)
	cases := []struct {
		req  Request
		code int
	}{
		{get("key", GetAddressPriceHistoryGrouped, nil, nil), 103},
		{get("key", GetAddressPriceHistoryGrouped, []string{"0x1234"}, nil), 104},
		{get("key", GetAddressHistory, nil, nil), 104},
		{get("key", GetAddressHistory, []string{alice}, url.Values{"token": {"nope"}}), 104},
		{get("key", GetAddressHistory, []string{alice}, url.Values{"timestamp": {old}}), 108},
		{get("key", GetTokenHistoryGrouped, []string{"0xzz"}, nil), 104},
		{get("key", GetTxInfo, nil, nil), 101},
		{get("key", GetTxInfo, []string{"0xabc"}, nil), 102},
		{get("key", GetPoolAddresses, nil, nil), 107},
		{post("key", DeletePool, url.Values{}), 107},
		{post("key", AddPoolAddresses, url.Values{"poolId": {"p"}}), 111},
		{post("key", CreatePool, url.Values{"addresses": {"0xnothex"}}), 112},
	}
	for _, tc := range cases {
		_, body := e.do(t, tc.req)
		assert.Equal(t, tc.code, errorCode(body), "%s %v %v", tc.req.Command, tc.req.Params, tc.req.Query)
	}
	assert.Zero(t, e.ledger.Calls())
	assert.Zero(t, e.prov.accesses())
}

func historyOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	h, ok := body["history"].(map[string]any)
	require.True(t, ok, "history in %v", body)
	return h
}

func TestAddressHistoryGroupedLifecycle(t *testing.T) {
	e := newEnv(t,
		transfer(day0+86400, bob, alice),
		transfer(day0+2*86400, bob, alice),
		transfer(day0+3*86400+7, alice, bob),
	)
	req := get("key", GetAddressPriceHistoryGrouped, []string{strings.ToUpper(alice[:2]) + alice[2:]}, nil)

	// first request builds from empty state
	resp, body := e.do(t, req)
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	assert.Equal(t, "", resp.CacheState)
	first := historyOf(t, body)
	assert.Equal(t, float64(day0+3*86400+7), first["timestamp"])
	assert.NotContains(t, first, "balance", "address balances are per asset")
	assert.Equal(t, map[string]any{token1: "1"}, first["balances"])
	assert.Len(t, first["buckets"], 3)
	calls := e.ledger.Calls()
	require.Positive(t, calls)

	// within the refresh window nothing reaches the ledger
	e.clock.Advance(30 * time.Minute)
	resp, body = e.do(t, req)
	assert.Equal(t, "fromCache", resp.CacheState)
	second := historyOf(t, body)
	assert.Equal(t, calls, e.ledger.Calls())
	delete(first, "cache")
	delete(second, "cache")
	assert.Equal(t, first, second)

	// a failed scheduled refresh serves the persisted projection
	e.clock.Advance(2 * time.Hour)
	e.mem.SetError(errors.New("ledger down"))
	resp, body = e.do(t, req)
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	stale := historyOf(t, body)
	assert.Equal(t, true, stale["degraded"])
	assert.Equal(t, first["buckets"], stale["buckets"])
	assert.Equal(t, first["timestamp"], stale["timestamp"])
}

func TestAddressHistoryGroupedUpstreamFailureWithoutState(t *testing.T) {
	e := newEnv(t)
	e.mem.SetError(errors.New("ledger down"))
	resp, body := e.do(t, get("key", GetAddressPriceHistoryGrouped, []string{alice}, nil))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 106, errorCode(body))
}

func TestTopTokensLimitIsClamped(t *testing.T) {
	var events []ledger.Event
	now := day0 + 10*86400
	for i := 0; i < 60; i++ {
		c := fmt.Sprintf("0x%040x", i+1)
		for j := 0; j <= i%5; j++ {
			events = append(events, ledger.Event{Timestamp: now - 3600 - int64(j), Type: ledger.Transfer, Contract: c, Value: "1"})
		}
	}
	e := newEnv(t, events...)

	resp, body := e.do(t, get("key", GetTopTokens, nil, url.Values{"limit": {"10000"}, "period": {"7"}}))
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	tokens, ok := body["tokens"].([]any)
	require.True(t, ok)
	assert.Len(t, tokens, 50)

	_, body = e.do(t, get("key", GetTopTokens, nil, url.Values{"limit": {"-3"}}))
	assert.Len(t, body["tokens"], 3, "negative limits use their magnitude")
}

func TestAddressOperationsAreCachedBriefly(t *testing.T) {
	e := newEnv(t, transfer(day0+9*86400, bob, alice))
	req := get("key", GetAddressHistory, []string{alice}, url.Values{"limit": {"5"}})

	_, body := e.do(t, req)
	require.Len(t, body["operations"], 1)
	op := body["operations"].([]any)[0].(map[string]any)
	assert.Equal(t, "ONE", op["tokenInfo"].(map[string]any)["symbol"])

	e.mem.Append(transfer(day0+9*86400+5, alice, bob))
	_, body = e.do(t, req)
	assert.Len(t, body["operations"], 1, "served from the response cache")

	e.clock.Advance(16 * time.Second)
	_, body = e.do(t, req)
	assert.Len(t, body["operations"], 2)
}

func TestTxInfo(t *testing.T) {
	e := newEnv(t, transfer(day0+5, bob, alice))

	_, body := e.do(t, get("key", GetTxInfo, []string{strings.ToUpper(txHash)}, nil))
	assert.Equal(t, txHash, body["hash"])
	assert.Len(t, body["operations"], 1)

	resp, body := e.do(t, get("key", GetTxInfo, []string{"0x" + strings.Repeat("0", 64)}, nil))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 404, errorCode(body))
}

func TestTokenHistoryGrouped(t *testing.T) {
	e := newEnv(t, transfer(day0+8*86400, bob, alice), transfer(day0+9*86400, bob, alice))
	_, body := e.do(t, get("key", GetTokenHistoryGrouped, []string{token1}, url.Values{"period": {"500"}}))
	assert.Len(t, body["countTxs"], 2)

	_, body = e.do(t, get("key", GetTokenPriceHistoryGrouped, []string{token1}, nil))
	h := historyOf(t, body)
	assert.Len(t, h["buckets"], 2)
}

func TestPoolCommands(t *testing.T) {
	now := day0 + 10*86400
	e := newEnv(t, transfer(now-60, bob, alice), transfer(now-7200, bob, alice))

	_, body := e.do(t, post("key", CreatePool, url.Values{"addresses": {strings.ToUpper(alice[:4]) + alice[4:]}}))
	id, ok := body["uid"].(string)
	require.True(t, ok, "%v", body)

	_, body = e.do(t, get("key", GetPoolAddresses, []string{id}, nil))
	assert.Equal(t, []any{alice}, body["addresses"])

	resp, body := e.do(t, post("key", AddPoolAddresses, url.Values{"poolId": {id}, "addresses": {token1}}))
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, 115, errorCode(body))

	_, body = e.do(t, post("key", AddPoolAddresses, url.Values{"poolId": {id}, "addresses": {bob + "\n" + alice}}))
	assert.Equal(t, true, body["success"])
	_, body = e.do(t, get("key", GetPoolAddresses, []string{id}, nil))
	assert.Len(t, body["addresses"], 2)

	_, body = e.do(t, get("key", GetPoolLastOperations, []string{id}, url.Values{"period": {"600"}}))
	assert.Len(t, body[alice], 1)
	assert.Len(t, body[bob], 1)

	_, body = e.do(t, post("key", ClearPoolAddresses, url.Values{"poolId": {id}}))
	assert.Equal(t, true, body["success"])

	_, body = e.do(t, post("key", DeletePool, url.Values{"poolId": {id}}))
	assert.Equal(t, true, body["success"])
	resp, body = e.do(t, get("key", GetPoolAddresses, []string{id}, nil))
	assert.Equal(t, http.StatusBadRequest, resp.Status)
	assert.Equal(t, 114, errorCode(body))
}

func TestAddressHistoryGroupedCarriesAssetPrices(t *testing.T) {
	e := newEnv(t,
		transfer(day0+86400, bob, alice),
		ledger.Event{Timestamp: day0 + 2*86400, Type: ledger.Transfer, IsNative: true, From: bob, To: alice, Value: "2000000000000000000", Decimals: 18, TxHash: txHash},
	)
	e.prices.AddHistory(token1,
		oracle.Candle{Ts: day0 + 86400, Date: "2024-01-02", Close: decimal.RequireFromString("2")},
		oracle.Candle{Ts: day0 + 2*86400, Date: "2024-01-03", Close: decimal.RequireFromString("3")},
	)
	e.prices.SetSpot(token1, oracle.Spot{Rate: decimal.RequireFromString("3.5"), Currency: "USD"})

	resp, body := e.do(t, get("key", GetAddressPriceHistoryGrouped, []string{alice}, url.Values{"showTx": {"all"}}))
	require.Equal(t, http.StatusOK, resp.Status, string(resp.Body))
	h := historyOf(t, body)
	require.Len(t, h["balances"], 2)

	prices, ok := body["tokenPrices"].(map[string]any)
	require.True(t, ok, "tokenPrices in %v", body)
	require.Len(t, prices, 1, "only priced assets are listed")
	tok := prices[token1].(map[string]any)
	assert.Len(t, tok["history"], 2)
	assert.Equal(t, "3.5", tok["current"].(map[string]any)["rate"])
}

func TestTokenPriceHistoryPeriodIsClamped(t *testing.T) {
	e := newEnv(t, transfer(day0+8*86400, bob, alice))
	for _, period := range []string{"1000000000000", "-1000000000000", "0", "garbage"} {
		resp, body := e.do(t, get("key", GetTokenPriceHistoryGrouped, []string{token1}, url.Values{"period": {period}}))
		require.Equal(t, http.StatusOK, resp.Status, "period %s: %s", period, resp.Body)
		h := historyOf(t, body)
		assert.Len(t, h["buckets"], 1, "period %s", period)
	}
}

func TestPoolResponsesFollowMutations(t *testing.T) {
	now := day0 + 10*86400
	e := newEnv(t, transfer(now-60, bob, alice))

	_, body := e.do(t, post("key", CreatePool, url.Values{"addresses": {alice + "," + bob}}))
	id, ok := body["uid"].(string)
	require.True(t, ok, "%v", body)

	// ts makes both reads eligible for the response cache
	ops := get("key", GetPoolLastOperations, []string{id}, url.Values{"period": {"600"}, "ts": {"1"}})
	addrs := get("key", GetPoolAddresses, []string{id}, url.Values{"ts": {"1"}})
	_, body = e.do(t, ops)
	assert.Contains(t, body, alice)
	assert.Contains(t, body, bob)
	_, body = e.do(t, addrs)
	assert.Len(t, body["addresses"], 2)

	_, body = e.do(t, post("key", DeletePoolAddresses, url.Values{"poolId": {id}, "addresses": {alice}}))
	require.Equal(t, true, body["success"])

	_, body = e.do(t, ops)
	assert.NotContains(t, body, alice, "cached response of the old membership retired")
	assert.Contains(t, body, bob)
	_, body = e.do(t, addrs)
	assert.Equal(t, []any{bob}, body["addresses"])
}
