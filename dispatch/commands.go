package dispatch

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/sensei777/Ethplorer"
	"github.com/sensei777/Ethplorer/aggregate"
	"github.com/sensei777/Ethplorer/fault"
	"github.com/sensei777/Ethplorer/ledger"
	"github.com/sensei777/Ethplorer/oracle"
	"github.com/sensei777/Ethplorer/pool"
	"github.com/sensei777/Ethplorer/quota"
)

// Command is one entry of the dispatch table. Validate must not touch any
// store; Cacheable nil means the response is never cached.
type Command struct {
	Name      string
	Mutating  bool
	Validate  func(*call) error
	Cacheable func(Request) bool
	Execute   func(context.Context, *call) (any, error)
}

const (
	GetAddressHistory             = "getAddressHistory"
	GetTokenHistoryGrouped        = "getTokenHistoryGrouped"
	GetTopTokens                  = "getTopTokens"
	GetAddressPriceHistoryGrouped = "getAddressPriceHistoryGrouped"
	GetTokenPriceHistoryGrouped   = "getTokenPriceHistoryGrouped"
	GetTxInfo                     = "getTxInfo"
	GetPoolAddresses              = "getPoolAddresses"
	GetPoolLastOperations         = "getPoolLastOperations"
	CreatePool                    = "createPool"
	DeletePool                    = "deletePool"
	AddPoolAddresses              = "addPoolAddresses"
	DeletePoolAddresses           = "deletePoolAddresses"
	ClearPoolAddresses            = "clearPoolAddresses"
)

var (
	addressRe = regexp.MustCompile(`^0x[0-9a-f]{40}$`)
	txHashRe  = regexp.MustCompile(`^0x[0-9a-f]{64}$`)
)

// parameter clamps
var (
	historyLimit  = quota.Clamp{Default: 10, Cap: 10}
	topLimit      = quota.Clamp{Default: 10, Cap: 50}
	topPeriod     = quota.Clamp{Default: 10, Cap: 90}
	groupedPeriod = quota.Clamp{Default: 30, Cap: 90}
	poolPeriod    = quota.Clamp{Default: 600, Cap: 864000}
	// days of token history and price series
	priceHistoryPeriod = quota.Clamp{Default: 365, Cap: 3650}
)

const (
	// a history timestamp older than this many seconds is rejected unless
	// the policy sets maxPeriod
	defaultMaxAge = 30 * 24 * 3600
)

func withTimestamp(r Request) bool { return r.Query.Has("ts") }
func always(Request) bool          { return true }

func (d *Dispatcher) table() map[string]Command {
	cmds := []Command{
		{Name: GetAddressHistory, Validate: validateAddressHistory, Cacheable: always, Execute: d.addressHistory},
		{Name: GetTokenHistoryGrouped, Validate: optionalAddress, Cacheable: withTimestamp, Execute: d.tokenHistoryGrouped},
		{Name: GetTopTokens, Cacheable: withTimestamp, Execute: d.topTokens},
		{Name: GetAddressPriceHistoryGrouped, Validate: requiredAddress, Cacheable: withTimestamp, Execute: d.addressPriceHistory},
		{Name: GetTokenPriceHistoryGrouped, Validate: requiredAddress, Cacheable: withTimestamp, Execute: d.tokenPriceHistory},
		{Name: GetTxInfo, Validate: validateTxHash, Cacheable: withTimestamp, Execute: d.txInfo},
	}
	if d.pools != nil {
		cmds = append(cmds,
			Command{Name: GetPoolAddresses, Validate: poolFromPath, Cacheable: withTimestamp, Execute: d.poolAddresses},
			Command{Name: GetPoolLastOperations, Validate: poolFromPath, Cacheable: withTimestamp, Execute: d.poolLastOperations},
			Command{Name: CreatePool, Mutating: true, Validate: validatePoolAddresses(false), Execute: d.createPool},
			Command{Name: DeletePool, Mutating: true, Validate: poolFromForm, Execute: d.deletePool},
			Command{Name: AddPoolAddresses, Mutating: true, Validate: validateUpdate(pool.Add), Execute: d.updatePool(pool.Add)},
			Command{Name: DeletePoolAddresses, Mutating: true, Validate: validateUpdate(pool.Remove), Execute: d.updatePool(pool.Remove)},
			Command{Name: ClearPoolAddresses, Mutating: true, Validate: validateUpdate(pool.Clear), Execute: d.updatePool(pool.Clear)},
		)
	}
	out := make(map[string]Command, len(cmds))
	for _, c := range cmds {
		out[c.Name] = c
	}
	return out
}

// validation

func requiredAddress(c *call) error {
	a := strings.ToLower(c.param(0))
	if a == "" {
		return fault.ErrMissingAddress
	}
	if !addressRe.MatchString(a) {
		return fault.ErrInvalidAddress
	}
	c.address = a
	return nil
}

func optionalAddress(c *call) error {
	if c.param(0) == "" {
		return nil
	}
	return requiredAddress(c)
}

func validateAddressHistory(c *call) error {
	if err := requiredAddress(c); err != nil {
		return fault.ErrInvalidAddress
	}
	if tok, ok := c.get("token"); ok {
		if !addressRe.MatchString(strings.ToLower(tok)) {
			return fault.ErrInvalidAddress.WithMessage("Invalid token address format")
		}
	}
	return validateTimestamp(c)
}

// validateTimestamp accepts a positive timestamp no older than the caller's
// maxPeriod (seconds).
func validateTimestamp(c *call) error {
	n := c.number("timestamp")
	if n == nil || *n <= 0 {
		return nil
	}
	maxAge := c.policy.MaxPeriod(c.req.Command, defaultMaxAge)
	if c.now.Unix()-int64(*n) > int64(maxAge) {
		return fault.ErrInvalidTimestamp.WithMessage("Invalid timestamp %d", maxAge)
	}
	c.ts = int64(*n)
	return nil
}

func validateTxHash(c *call) error {
	h := strings.ToLower(c.param(0))
	if h == "" {
		return fault.ErrMissingTxHash
	}
	if !txHashRe.MatchString(h) {
		return fault.ErrInvalidTxHash
	}
	c.address = h
	return nil
}

func poolFromPath(c *call) error {
	c.poolID = c.param(0)
	if c.poolID == "" {
		return fault.ErrNoPoolID
	}
	return nil
}

func poolFromForm(c *call) error {
	id, _ := c.get("poolId")
	c.poolID = strings.TrimSpace(id)
	if c.poolID == "" {
		return fault.ErrNoPoolID
	}
	return nil
}

func validatePoolAddresses(required bool) func(*call) error {
	return func(c *call) error {
		raw, _ := c.get("addresses")
		c.addrs = pool.ParseAddresses(raw)
		if required && len(c.addrs) == 0 {
			return fault.ErrAddressesRequired
		}
		for _, a := range c.addrs {
			if !addressRe.MatchString(a) {
				return fault.ErrInvalidPoolAddress
			}
		}
		return nil
	}
}

func validateUpdate(op pool.Op) func(*call) error {
	addrs := validatePoolAddresses(op != pool.Clear)
	return func(c *call) error {
		if err := poolFromForm(c); err != nil {
			return err
		}
		return addrs(c)
	}
}

// execution

type operation struct {
	Timestamp       int64            `json:"timestamp"`
	TransactionHash string           `json:"transactionHash"`
	TokenInfo       *aggregate.Token `json:"tokenInfo,omitempty"`
	Type            ledger.EventType `json:"type"`
	Value           string           `json:"value"`
	IsEth           *bool            `json:"isEth,omitempty"`
	Address         string           `json:"address,omitempty"`
	From            string           `json:"from,omitempty"`
	To              string           `json:"to,omitempty"`
}

func (d *Dispatcher) operation(e ledger.Event, showEth bool) operation {
	op := operation{
		Timestamp:       e.Timestamp,
		TransactionHash: e.TxHash,
		Type:            e.Type,
		Value:           e.Value,
		Address:         e.Address,
		From:            e.From,
		To:              e.To,
	}
	if t, ok := d.ranker.Token(e.Contract); ok {
		op.TokenInfo = &t
	}
	if showEth {
		native := e.IsNative
		op.IsEth = &native
	}
	return op
}

func (d *Dispatcher) addressHistory(ctx context.Context, c *call) (any, error) {
	showEth := c.flag("showEth")
	f := ledger.Filter{Address: c.address}
	if !showEth {
		native := false
		f.IsNative = &native
	}
	if tok, ok := c.get("token"); ok {
		f.Contract = strings.ToLower(tok)
	}
	if typ, ok := c.get("type"); ok && typ != "" {
		f.Types = []ledger.EventType{ledger.EventType(typ)}
	}
	if c.ts > 0 {
		f.Until = c.ts + 1
	}
	limit := c.policy.EffectiveLimit(c.req.Command, c.number("limit"), historyLimit)

	events, err := d.ledger.Query(ctx, f, ledger.Descending, limit, 0)
	if err != nil {
		return nil, fault.ErrUpstream.Wrap(err)
	}
	ops := make([]operation, 0, len(events))
	for _, e := range events {
		ops = append(ops, d.operation(e, showEth))
	}
	return map[string]any{"operations": ops}, nil
}

func (d *Dispatcher) tokenHistoryGrouped(ctx context.Context, c *call) (any, error) {
	period := quota.Effective(c.number("period"), groupedPeriod.Default, 0, groupedPeriod.Cap, 0)
	gs, err := d.ranker.Grouped(ctx, c.address, period, c.flag("hourly"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"countTxs": gs}, nil
}

func (d *Dispatcher) topTokens(ctx context.Context, c *call) (any, error) {
	limit := c.policy.EffectiveLimit(c.req.Command, c.number("limit"), topLimit)
	period := c.policy.EffectivePeriod(c.req.Command, c.number("period"), topPeriod)
	criteria, _ := c.get("criteria")
	tokens, err := d.ranker.Top(ctx, aggregate.ParseCriterion(criteria), limit, period)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = []aggregate.Ranked{}
	}
	return map[string]any{"tokens": tokens}, nil
}

func (d *Dispatcher) addressPriceHistory(ctx context.Context, c *call) (any, error) {
	mode, _ := c.get("showTx")
	subj := aggregate.Subject{ID: c.address, Kind: aggregate.AddressSubject, ShowTx: aggregate.ParseShowTx(mode)}
	res, err := d.agg.Get(ctx, subj, false)
	if err != nil {
		return nil, err
	}
	c.cache = res.CacheState
	v := aggregate.Project(res.State, aggregate.Query{Sort: aggregate.SortByDate}, c.now)
	v.Cache = string(res.CacheState)
	v.Degraded = res.Degraded

	out := map[string]any{"history": v}
	if d.oracle != nil && len(res.State.Assets) > 0 {
		since := c.now.Add(-time.Duration(priceHistoryPeriod.Default) * 24 * time.Hour).Unix()
		prices := make(map[string]assetPrices, len(res.State.Assets))
		for asset := range res.State.Assets {
			if p := d.pricesOf(ctx, asset, since); p.History != nil || p.Current != nil {
				prices[asset] = p
			}
		}
		out["tokenPrices"] = prices
	}
	return out, nil
}

// assetPrices is the daily price series and current rate of one asset.
type assetPrices struct {
	History []oracle.Candle `json:"history,omitempty"`
	Current *oracle.Spot    `json:"current,omitempty"`
}

// pricesOf reads the price series of asset from since on. An unavailable
// oracle leaves the fields empty.
func (d *Dispatcher) pricesOf(ctx context.Context, asset string, since int64) assetPrices {
	var p assetPrices
	history, err := d.oracle.History(ctx, asset, since)
	switch {
	case err == nil:
		p.History = history
	case !errors.Is(err, oracle.ErrNoPrice):
		d.log.Warn("price history unavailable", ethplorer.Fields{"asset": asset, "err": err})
	}
	if spot, err := d.oracle.Spot(ctx, asset); err == nil {
		p.Current = &spot
	}
	return p
}

type tokenPriceHistory struct {
	aggregate.View
	Prices  []oracle.Candle `json:"prices,omitempty"`
	Current *oracle.Spot    `json:"current,omitempty"`
}

func (d *Dispatcher) tokenPriceHistory(ctx context.Context, c *call) (any, error) {
	requested := c.number("period")
	if requested != nil && *requested == 0 {
		requested = nil
	}
	period := c.policy.EffectivePeriod(c.req.Command, requested, priceHistoryPeriod)
	granularity := aggregate.Daily
	if c.flag("hourly") {
		granularity = aggregate.Hourly
	}
	subj := aggregate.Subject{ID: c.address, Kind: aggregate.TokenSubject, Granularity: granularity}
	res, err := d.agg.Get(ctx, subj, false)
	if err != nil {
		return nil, err
	}
	c.cache = res.CacheState

	out := tokenPriceHistory{View: aggregate.Project(res.State, aggregate.Query{Lookback: period, Sort: aggregate.SortByDate}, c.now)}
	out.Cache = string(res.CacheState)
	out.Degraded = res.Degraded
	if d.oracle != nil {
		p := d.pricesOf(ctx, c.address, c.now.Add(-time.Duration(period)*24*time.Hour).Unix())
		out.Prices, out.Current = p.History, p.Current
	}
	return map[string]any{"history": out}, nil
}

func (d *Dispatcher) txInfo(ctx context.Context, c *call) (any, error) {
	events, err := d.ledger.Query(ctx, ledger.Filter{TxHash: c.address}, ledger.Ascending, 0, 0)
	if err != nil {
		return nil, fault.ErrUpstream.Wrap(err)
	}
	if len(events) == 0 {
		return nil, fault.ErrTxNotFound
	}
	ops := make([]operation, 0, len(events))
	for _, e := range events {
		ops = append(ops, d.operation(e, true))
	}
	return map[string]any{
		"hash":        c.address,
		"timestamp":   events[0].Timestamp,
		"blockNumber": events[0].BlockNumber,
		"operations":  ops,
	}, nil
}

func (d *Dispatcher) poolAddresses(ctx context.Context, c *call) (any, error) {
	addrs, err := d.pools.Addresses(ctx, c.poolID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"addresses": addrs}, nil
}

func (d *Dispatcher) poolLastOperations(ctx context.Context, c *call) (any, error) {
	period := quota.Effective(c.number("period"), poolPeriod.Default, 0, poolPeriod.Cap, 0)
	byAddr, err := d.pools.LastOperations(ctx, c.poolID, period)
	if err != nil {
		return nil, err
	}
	showEth := c.flag("showEth")
	out := make(map[string][]operation, len(byAddr))
	for a, events := range byAddr {
		ops := make([]operation, 0, len(events))
		for _, e := range events {
			if e.IsNative && !showEth {
				continue
			}
			ops = append(ops, d.operation(e, showEth))
		}
		out[a] = ops
	}
	return out, nil
}

func (d *Dispatcher) createPool(ctx context.Context, c *call) (any, error) {
	if err := d.rejectTokens(c.addrs); err != nil {
		return nil, err
	}
	p, err := d.pools.Create(ctx, c.req.CallerID, c.addrs)
	if err != nil {
		return nil, err
	}
	return map[string]any{"uid": p.ID}, nil
}

func (d *Dispatcher) deletePool(ctx context.Context, c *call) (any, error) {
	if err := d.pools.Delete(ctx, c.poolID); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (d *Dispatcher) updatePool(op pool.Op) func(context.Context, *call) (any, error) {
	return func(ctx context.Context, c *call) (any, error) {
		if op == pool.Add {
			if err := d.rejectTokens(c.addrs); err != nil {
				return nil, err
			}
		}
		p, err := d.pools.Update(ctx, op, c.poolID, c.addrs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"success": true, "count": len(p.Addresses)}, nil
	}
}

// rejectTokens refuses known token contracts as pool members.
func (d *Dispatcher) rejectTokens(addrs []string) error {
	for _, a := range addrs {
		if _, ok := d.ranker.Token(a); ok {
			return fault.ErrAddressIsToken
		}
	}
	return nil
}
