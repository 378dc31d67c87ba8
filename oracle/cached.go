package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/sensei777/Ethplorer"
	"github.com/sensei777/Ethplorer/internal/series"
)

const (
	defaultHistoryTTL = time.Hour
	defaultSpotTTL    = 5 * time.Minute
)

type CachedOptions struct {
	History ethplorer.Cache[[]Candle] // required
	Spots   ethplorer.Cache[Spot]     // required

	HistoryTTL time.Duration // 0 => 1h
	SpotTTL    time.Duration // 0 => 5m

	// Known lists the priced assets; empty means every asset the upstream knows.
	Known []string
	// Hidden assets never report a price.
	Hidden []string
	// Aliases maps an asset to the asset whose price it uses.
	Aliases map[string]string

	Logger ethplorer.Logger
	Hooks  ethplorer.Hooks
}

// Cached decorates an upstream Oracle. History is stored as a permanent daily
// series and extended incrementally; an upstream failure serves what is
// cached.
type Cached struct {
	up         Oracle
	history    ethplorer.Cache[[]Candle]
	spots      ethplorer.Cache[Spot]
	historyTTL time.Duration
	spotTTL    time.Duration
	known      map[string]bool
	hidden     map[string]bool
	aliases    map[string]string
	log        ethplorer.Logger
	hooks      ethplorer.Hooks
}

var _ Oracle = (*Cached)(nil)

func NewCached(up Oracle, opts CachedOptions) (*Cached, error) {
	if up == nil || opts.History == nil || opts.Spots == nil {
		return nil, errors.New("oracle: upstream and both caches are required")
	}
	c := &Cached{
		up:         up,
		history:    opts.History,
		spots:      opts.Spots,
		historyTTL: opts.HistoryTTL,
		spotTTL:    opts.SpotTTL,
		aliases:    opts.Aliases,
		log:        opts.Logger,
		hooks:      opts.Hooks,
	}
	if c.historyTTL == 0 {
		c.historyTTL = defaultHistoryTTL
	}
	if c.spotTTL == 0 {
		c.spotTTL = defaultSpotTTL
	}
	if c.log == nil {
		c.log = ethplorer.NopLogger{}
	}
	if c.hooks == nil {
		c.hooks = ethplorer.NopHooks{}
	}
	if len(opts.Known) > 0 {
		c.known = make(map[string]bool, len(opts.Known))
		for _, a := range opts.Known {
			c.known[a] = true
		}
	}
	c.hidden = make(map[string]bool, len(opts.Hidden))
	for _, a := range opts.Hidden {
		c.hidden[a] = true
	}
	return c, nil
}

// resolve applies aliases and reports whether the asset is priced at all.
func (c *Cached) resolve(asset string) (string, bool) {
	if a, ok := c.aliases[asset]; ok {
		asset = a
	}
	if c.hidden[asset] {
		return asset, false
	}
	if c.known != nil && !c.known[asset] {
		return asset, false
	}
	return asset, true
}

func (c *Cached) Spot(ctx context.Context, asset string) (Spot, error) {
	asset, ok := c.resolve(asset)
	if !ok {
		return Spot{}, ErrNoPrice
	}
	l := c.spots.Get(ctx, asset, c.spotTTL)
	if l.Found() && l.Fresh {
		return l.Value, nil
	}

	s, err := c.up.Spot(ctx, asset)
	if errors.Is(err, ErrNoPrice) {
		return Spot{}, err
	}
	if err != nil {
		c.hooks.UpstreamFailed("oracle", err)
		if l.Found() {
			c.log.Warn("oracle spot failed, serving stale", ethplorer.Fields{"asset": asset, "err": err})
			return l.Value, nil
		}
		return Spot{}, err
	}
	if err := c.spots.Save(ctx, asset, s, false); err != nil {
		c.log.Warn("spot cache save failed", ethplorer.Fields{"asset": asset, "err": err})
	}
	return s, nil
}

func historyKey(asset string) string { return "rates-history-" + asset }

// History returns the daily series from sinceTs on.
func (c *Cached) History(ctx context.Context, asset string, sinceTs int64) ([]Candle, error) {
	asset, ok := c.resolve(asset)
	if !ok {
		return nil, ErrNoPrice
	}
	key := historyKey(asset)
	l := c.history.Get(ctx, key, c.historyTTL)
	daily, _ := l.Or(nil)

	if !l.Fresh {
		obs := c.history.SnapshotGen(ctx, key)
		updated, err := c.extend(ctx, asset, daily)
		switch {
		case err != nil && len(daily) == 0:
			c.hooks.UpstreamFailed("oracle", err)
			return nil, err
		case err != nil:
			c.hooks.UpstreamFailed("oracle", err)
			c.log.Warn("oracle history failed, serving stale", ethplorer.Fields{"asset": asset, "err": err})
		default:
			daily = updated
			if err := c.history.SaveWithGen(ctx, key, daily, obs, true); err != nil {
				c.log.Warn("history cache save failed", ethplorer.Fields{"asset": asset, "err": err})
			}
		}
	}
	return since(daily, sinceTs), nil
}

// extend refetches from the start of the last cached day (which may have been
// partial) and rolls the new candles up onto the cached series.
func (c *Cached) extend(ctx context.Context, asset string, daily []Candle) ([]Candle, error) {
	var (
		from int64
		keep []Candle
		prev *Candle
	)
	if n := len(daily); n > 0 {
		last := daily[n-1]
		t, err := time.Parse(series.DateLayout, last.Date)
		if err != nil {
			t = time.Unix(last.Ts, 0).UTC().Truncate(24 * time.Hour)
		}
		from = t.Unix()
		keep = daily[:n-1]
		if n > 1 {
			p := daily[n-2]
			prev = &p
		}
	}

	fresh, err := c.up.History(ctx, asset, from)
	if err != nil {
		return nil, err
	}
	rolled := RollupDaily(fresh, prev, func(date string) { c.hooks.OutlierClamped(asset, date) })
	if len(rolled) == 0 {
		return daily, nil
	}
	out := make([]Candle, 0, len(keep)+len(rolled))
	out = append(out, keep...)
	return append(out, rolled...), nil
}

// since keeps the days on or after the UTC date of ts.
func since(daily []Candle, ts int64) []Candle {
	if ts <= 0 {
		return daily
	}
	start := series.Date(ts)
	for i, c := range daily {
		if c.Date >= start {
			return daily[i:]
		}
	}
	return nil
}
