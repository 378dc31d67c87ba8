package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/sensei777/Ethplorer"
	"github.com/sensei777/Ethplorer/fault"
	"github.com/sensei777/Ethplorer/internal/series"
	"github.com/sensei777/Ethplorer/ledger"
	"github.com/sensei777/Ethplorer/oracle"
)

// Criterion ranks tokens for Ranker.Top.
type Criterion string

const (
	ByOpCount       Criterion = "opCount"
	ByPeriodVolume  Criterion = "periodVolume"
	ByCurrentVolume Criterion = "currentVolume"
)

// ParseCriterion maps a request value to a criterion; anything unknown is
// ByOpCount.
func ParseCriterion(s string) Criterion {
	switch Criterion(s) {
	case ByPeriodVolume, ByCurrentVolume:
		return Criterion(s)
	}
	return ByOpCount
}

// TTL is how long a ranking by c is served from cache.
func (c Criterion) TTL() time.Duration {
	switch c {
	case ByPeriodVolume:
		return time.Hour
	case ByCurrentVolume:
		return 10 * time.Minute
	}
	return 24 * time.Hour
}

// groupedTTL is the lifetime of token_history_grouped results.
const groupedTTL = 30 * time.Minute

// Token is a catalog entry.
type Token struct {
	Address  string `yaml:"address" json:"address" msgpack:"a"`
	Name     string `yaml:"name" json:"name" msgpack:"n"`
	Symbol   string `yaml:"symbol" json:"symbol" msgpack:"s"`
	Decimals int32  `yaml:"decimals" json:"decimals" msgpack:"d"`
}

// Ranked is one entry of a top-tokens list.
type Ranked struct {
	Token
	OpCount        int64            `json:"opCount,omitempty" msgpack:"oc,omitempty"`
	PrevOpCount    int64            `json:"previousOpCount,omitempty" msgpack:"poc,omitempty"`
	OpCountDiff    *decimal.Decimal `json:"opCountDiff,omitempty" msgpack:"ocd,omitempty"`
	Volume         decimal.Decimal  `json:"volume" msgpack:"v"`
	PreviousVolume decimal.Decimal  `json:"previousPeriodVolume" msgpack:"pv"`
	Percentage     int64            `json:"percentage,omitempty" msgpack:"pct,omitempty"`
}

type RankerOptions struct {
	Ledger  ledger.Store                    // required
	Oracle  oracle.Oracle                   // required for the volume criteria
	Top     ethplorer.Cache[[]Ranked]       // required
	Grouped ethplorer.Cache[[]ledger.Group] // required
	Tokens  []Token
	Clock   clockwork.Clock
	Logger  ethplorer.Logger
	Hooks   ethplorer.Hooks
}

// Ranker serves market-wide views: top tokens and grouped operation counts.
type Ranker struct {
	ledger  ledger.Store
	oracle  oracle.Oracle
	top     ethplorer.Cache[[]Ranked]
	grouped ethplorer.Cache[[]ledger.Group]
	tokens  []Token
	byAddr  map[string]Token
	clock   clockwork.Clock
	log     ethplorer.Logger
	hooks   ethplorer.Hooks
}

func NewRanker(opts RankerOptions) (*Ranker, error) {
	if opts.Ledger == nil || opts.Top == nil || opts.Grouped == nil {
		return nil, errors.New("aggregate: ranker needs a ledger and both caches")
	}
	r := &Ranker{
		ledger:  opts.Ledger,
		oracle:  opts.Oracle,
		top:     opts.Top,
		grouped: opts.Grouped,
		tokens:  opts.Tokens,
		byAddr:  make(map[string]Token, len(opts.Tokens)),
		clock:   opts.Clock,
		log:     opts.Logger,
		hooks:   opts.Hooks,
	}
	for _, t := range opts.Tokens {
		r.byAddr[t.Address] = t
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.log == nil {
		r.log = ethplorer.NopLogger{}
	}
	if r.hooks == nil {
		r.hooks = ethplorer.NopHooks{}
	}
	return r, nil
}

// Token returns the catalog entry of address.
func (r *Ranker) Token(address string) (Token, bool) {
	t, ok := r.byAddr[address]
	return t, ok
}

// Top returns the first limit tokens by c over the last period days.
func (r *Ranker) Top(ctx context.Context, c Criterion, limit, period int) ([]Ranked, error) {
	var key string
	switch c {
	case ByPeriodVolume:
		key = fmt.Sprintf("top_tokens-by-period-volume-%d-%d", limit, period)
	case ByCurrentVolume:
		key = fmt.Sprintf("top_tokens-by-current-volume-%d", limit)
	default:
		key = fmt.Sprintf("top_tokens-%d-%d", period, limit)
	}
	return cachedList(ctx, r, r.top, key, c.TTL(), func(ctx context.Context) ([]Ranked, error) {
		switch c {
		case ByPeriodVolume:
			return r.byPeriodVolume(ctx, limit, period)
		case ByCurrentVolume:
			return r.byCurrentVolume(ctx, limit)
		}
		return r.byOpCount(ctx, limit, period)
	})
}

// cachedList serves key from c while fresh; otherwise recomputes, saving only
// non-empty results, and falls back to the stale entry when compute fails.
func cachedList[V any](ctx context.Context, r *Ranker, c ethplorer.Cache[[]V], key string, ttl time.Duration, compute func(context.Context) ([]V, error)) ([]V, error) {
	l := c.Get(ctx, key, ttl)
	if l.Found() && l.Fresh {
		return l.Value, nil
	}
	obs := c.SnapshotGen(ctx, key)
	v, err := compute(context.WithoutCancel(ctx))
	if err != nil {
		if l.Found() {
			r.log.Warn("ranking failed, serving stale", ethplorer.Fields{"key": key, "err": err})
			return l.Value, nil
		}
		return nil, err
	}
	if len(v) > 0 {
		if err := c.SaveWithGen(ctx, key, v, obs, false); err != nil {
			r.log.Warn("ranking save failed", ethplorer.Fields{"key": key, "err": err})
		}
	}
	return v, nil
}

func (r *Ranker) byOpCount(ctx context.Context, limit, period int) ([]Ranked, error) {
	now := r.clock.Now().Unix()
	span := int64(period) * 86400
	native := false

	prevFrom := now - 2*span
	prev, err := r.ledger.Aggregate(ctx, ledger.Pipeline{
		Filter:  ledger.Filter{After: &prevFrom, Until: now - span + 1, IsNative: &native},
		GroupBy: ledger.ByContract,
		Limit:   limit,
	})
	if err != nil {
		r.hooks.UpstreamFailed("ledger", err)
		return nil, fault.ErrUpstream.Wrap(err)
	}
	curFrom := now - span
	cur, err := r.ledger.Aggregate(ctx, ledger.Pipeline{
		Filter:  ledger.Filter{After: &curFrom, IsNative: &native},
		GroupBy: ledger.ByContract,
		Limit:   limit,
	})
	if err != nil {
		r.hooks.UpstreamFailed("ledger", err)
		return nil, fault.ErrUpstream.Wrap(err)
	}

	prevCount := make(map[string]int64, len(prev))
	for _, g := range prev {
		prevCount[g.Key] = g.Count
	}
	out := make([]Ranked, 0, len(cur))
	for _, g := range cur {
		t, ok := r.byAddr[g.Key]
		if !ok {
			t = Token{Address: g.Key}
		}
		p := prevCount[g.Key]
		out = append(out, Ranked{
			Token:       t,
			OpCount:     g.Count,
			PrevOpCount: p,
			OpCountDiff: percentDiffPtr(decimal.NewFromInt(g.Count), decimal.NewFromInt(p)),
		})
	}
	return out, nil
}

func (r *Ranker) byPeriodVolume(ctx context.Context, limit, period int) ([]Ranked, error) {
	if r.oracle == nil {
		return nil, fault.ErrUpstream.WithMessage("price oracle not configured")
	}
	now := r.clock.Now()
	firstDay := series.Date(now.Add(-time.Duration(period) * 24 * time.Hour).Unix())
	since := now.Add(-time.Duration(2*period) * 24 * time.Hour).Unix()

	var (
		out    []Ranked
		total  decimal.Decimal
		failed error
	)
	for _, t := range r.tokens {
		h, err := r.oracle.History(ctx, t.Address, since)
		if errors.Is(err, oracle.ErrNoPrice) {
			continue
		}
		if err != nil {
			failed = err
			continue
		}
		rt := Ranked{Token: t}
		for _, c := range h {
			if c.Date >= firstDay {
				rt.Volume = rt.Volume.Add(c.VolumeConverted)
			} else {
				rt.PreviousVolume = rt.PreviousVolume.Add(c.VolumeConverted)
			}
		}
		total = total.Add(rt.Volume)
		out = append(out, rt)
	}
	if len(out) == 0 && failed != nil {
		r.hooks.UpstreamFailed("oracle", failed)
		return nil, fault.ErrUpstream.Wrap(failed)
	}

	out = topByVolume(out, limit)
	if total.IsPositive() {
		for i := range out {
			out[i].Percentage = out[i].Volume.Div(total).Mul(hundred).Round(0).IntPart()
		}
	}
	return out, nil
}

func (r *Ranker) byCurrentVolume(ctx context.Context, limit int) ([]Ranked, error) {
	if r.oracle == nil {
		return nil, fault.ErrUpstream.WithMessage("price oracle not configured")
	}
	var (
		out    []Ranked
		failed error
	)
	for _, t := range r.tokens {
		s, err := r.oracle.Spot(ctx, t.Address)
		if errors.Is(err, oracle.ErrNoPrice) {
			continue
		}
		if err != nil {
			failed = err
			continue
		}
		out = append(out, Ranked{Token: t, Volume: s.Volume24h})
	}
	if len(out) == 0 && failed != nil {
		r.hooks.UpstreamFailed("oracle", failed)
		return nil, fault.ErrUpstream.Wrap(failed)
	}
	return topByVolume(out, limit), nil
}

func topByVolume(rs []Ranked, limit int) []Ranked {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Volume.GreaterThan(rs[j].Volume) })
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	return rs
}

// Grouped returns operation counts per day (or hour) over the last period
// days, newest first. An empty contract counts every non-native operation.
func (r *Ranker) Grouped(ctx context.Context, contract string, period int, hourly bool) ([]ledger.Group, error) {
	key := "token_history_grouped-"
	if contract != "" {
		key += contract + "-"
	}
	key += fmt.Sprint(period)
	if hourly {
		key += "-hourly"
	}

	return cachedList(ctx, r, r.grouped, key, groupedTTL, func(ctx context.Context) ([]ledger.Group, error) {
		day := r.clock.Now().UTC().Truncate(24 * time.Hour)
		start := day.Add(-time.Duration(period) * 24 * time.Hour).Unix()
		f := ledger.Filter{After: &start}
		if contract != "" {
			f.Contract = contract
		} else {
			native := false
			f.IsNative = &native
		}
		p := ledger.Pipeline{Filter: f, GroupBy: ledger.ByDate}
		if hourly {
			p.GroupBy = ledger.ByHour
		}
		gs, err := r.ledger.Aggregate(ctx, p)
		if err != nil {
			r.hooks.UpstreamFailed("ledger", err)
			return nil, fault.ErrUpstream.Wrap(err)
		}
		sort.Slice(gs, func(i, j int) bool { return gs[i].Key > gs[j].Key })
		return gs, nil
	})
}
