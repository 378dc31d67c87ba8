package aggregate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/sensei777/Ethplorer"
	"github.com/sensei777/Ethplorer/fault"
	"github.com/sensei777/Ethplorer/internal/series"
	"github.com/sensei777/Ethplorer/lease"
	"github.com/sensei777/Ethplorer/ledger"
	"github.com/sensei777/Ethplorer/oracle"
)

const (
	defaultRefreshWindow = time.Hour
	defaultLeaseTTL      = 5 * time.Minute
	defaultPageSize      = 1000
	defaultMaxOperations = 10000
)

// SaveMode decides how concurrent recomputations of one subject settle.
type SaveMode uint8

const (
	// LastWriteWins persists every recomputation.
	LastWriteWins SaveMode = iota
	// CompareWatermark re-reads the stored state and skips the save when a
	// concurrent writer already persisted a newer watermark.
	CompareWatermark
)

// CacheState labels where a state came from.
type CacheState string

const (
	Built     CacheState = ""
	FromCache CacheState = "fromCache"
	Refreshed CacheState = "cacheUpdated"
)

type Options struct {
	Ledger ledger.Store           // required
	States ethplorer.Cache[State] // required
	Oracle oracle.Oracle          // optional; nil disables notional values
	Gate   *lease.Gate            // optional; nil means every caller recomputes
	Clock  clockwork.Clock        // nil => real clock
	Logger ethplorer.Logger       // nil => NopLogger
	Hooks  ethplorer.Hooks        // nil => NopHooks

	RefreshWindow   time.Duration // 0 => 1h
	LeaseTTL        time.Duration // 0 => 5m
	PageSize        int           // 0 => 1000
	MaxOperations   int64         // 0 => 10000; < 0 disables the guard
	NegativeBalance NegativeBalancePolicy
	SaveMode        SaveMode
}

// Subject identifies one rolling state.
type Subject struct {
	ID          string
	Kind        SubjectKind
	ShowTx      ShowTx // address subjects only
	Granularity Granularity
}

func (s Subject) key() string {
	if s.Kind == TokenSubject {
		suffix := ""
		if s.Granularity == Hourly {
			suffix = "-hourly"
		}
		return "token_operations_history-" + s.ID + suffix
	}
	mode := s.ShowTx
	if mode == "" {
		mode = ShowTokens
	}
	return "address_operations_history-" + s.ID + "-showTx-" + string(mode)
}

func (s Subject) filter(after int64) ledger.Filter {
	f := ledger.Filter{After: &after}
	if s.Kind == TokenSubject {
		f.Contract = s.ID
		return f
	}
	f.Address = s.ID
	mode := s.ShowTx
	if mode == "" {
		mode = ShowTokens
	}
	f.IsNative = mode.nativeFilter()
	return f
}

// Result is a state with how it was obtained. Degraded is set when a refresh
// was due but the ledger could not be read, so the state is older than the
// refresh window.
type Result struct {
	State      State
	CacheState CacheState
	Degraded   bool
}

// Aggregator keeps subjects' rolling states current. It never blocks on
// another caller's recomputation.
type Aggregator struct {
	ledger   ledger.Store
	states   ethplorer.Cache[State]
	oracle   oracle.Oracle
	gate     *lease.Gate
	clock    clockwork.Clock
	log      ethplorer.Logger
	hooks    ethplorer.Hooks
	refresh  time.Duration
	leaseTTL time.Duration
	page     int
	maxOps   int64
	neg      NegativeBalancePolicy
	mode     SaveMode
}

func New(opts Options) (*Aggregator, error) {
	if opts.Ledger == nil || opts.States == nil {
		return nil, errors.New("aggregate: ledger and state cache are required")
	}
	a := &Aggregator{
		ledger:   opts.Ledger,
		states:   opts.States,
		oracle:   opts.Oracle,
		gate:     opts.Gate,
		clock:    opts.Clock,
		log:      opts.Logger,
		hooks:    opts.Hooks,
		refresh:  opts.RefreshWindow,
		leaseTTL: opts.LeaseTTL,
		page:     opts.PageSize,
		maxOps:   opts.MaxOperations,
		neg:      opts.NegativeBalance,
		mode:     opts.SaveMode,
	}
	if a.clock == nil {
		a.clock = clockwork.NewRealClock()
	}
	if a.log == nil {
		a.log = ethplorer.NopLogger{}
	}
	if a.hooks == nil {
		a.hooks = ethplorer.NopHooks{}
	}
	if a.refresh <= 0 {
		a.refresh = defaultRefreshWindow
	}
	if a.leaseTTL <= 0 {
		a.leaseTTL = defaultLeaseTTL
	}
	if a.page <= 0 {
		a.page = defaultPageSize
	}
	if a.maxOps == 0 {
		a.maxOps = defaultMaxOperations
	}
	return a, nil
}

// Get returns the subject's state, refreshing it first when it is absent,
// older than the refresh window, or force is set. A caller that loses the
// recompute lease is served the existing state; without one it recomputes
// on its own. Recomputation is detached from ctx cancellation so its result
// is persisted even if the caller goes away.
func (a *Aggregator) Get(ctx context.Context, subj Subject, force bool) (Result, error) {
	key := subj.key()
	l := a.states.Get(ctx, key, 0)
	cur, found := l.Or(State{})
	if found && cur.Subject != subj.ID {
		found = false
	}

	now := a.clock.Now()
	if found && !force && now.Sub(cur.Updated()) <= a.refresh {
		return Result{State: cur, CacheState: FromCache}, nil
	}

	var held lease.Lease
	if a.gate != nil {
		lh, ok := a.gate.TryAcquire(ctx, "aggregate:"+key, a.leaseTTL)
		if !ok && found {
			return Result{State: cur, CacheState: FromCache}, nil
		}
		held = lh
	}

	ctx = context.WithoutCancel(ctx)
	base := cur
	if !found {
		base = NewState(subj.ID, subj.Kind, subj.Granularity)
		if err := a.checkSize(ctx, subj); err != nil {
			return Result{}, err
		}
	}

	events, err := a.fetch(ctx, subj, base.Watermark)
	if err != nil {
		a.hooks.UpstreamFailed("ledger", err)
		if found {
			a.log.Warn("ledger query failed, serving stale state", ethplorer.Fields{"subject": key, "err": err})
			return Result{State: cur, CacheState: FromCache, Degraded: true}, nil
		}
		return Result{}, fault.ErrUpstream.Wrap(err)
	}

	next, rep := Merge(base, events, MergeOptions{NegativeBalance: a.neg, Price: a.prices(ctx)})
	for _, reason := range rep.Skipped {
		a.hooks.EventSkipped(subj.ID, reason)
		a.log.Warn("skipped malformed event", ethplorer.Fields{"subject": key, "reason": reason})
	}
	for _, b := range rep.Clamped {
		a.hooks.OutlierClamped(subj.ID, b)
	}
	next.UpdatedAt = now.Unix()

	next = a.save(ctx, key, next)
	if held.Owner != "" && !a.gate.Held(ctx, held) {
		a.log.Debug("recompute outlived its lease", ethplorer.Fields{"subject": key})
	}

	state := Built
	if found {
		state = Refreshed
	}
	a.log.Debug("aggregate refreshed", ethplorer.Fields{
		"subject": key, "merged": rep.Merged, "skipped": len(rep.Skipped), "watermark": next.Watermark,
	})
	return Result{State: next, CacheState: state}, nil
}

func (a *Aggregator) checkSize(ctx context.Context, subj Subject) error {
	if a.maxOps < 0 {
		return nil
	}
	n, err := a.ledger.Count(ctx, subj.filter(NoWatermark))
	if err != nil {
		a.hooks.UpstreamFailed("ledger", err)
		return fault.ErrUpstream.Wrap(err)
	}
	if n >= a.maxOps {
		return ErrSubjectTooLarge
	}
	return nil
}

// fetch pages through every event after the watermark, ascending.
func (a *Aggregator) fetch(ctx context.Context, subj Subject, watermark int64) ([]ledger.Event, error) {
	f := subj.filter(watermark)
	var out []ledger.Event
	for skip := 0; ; skip += a.page {
		page, err := a.ledger.Query(ctx, f, ledger.Ascending, a.page, skip)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < a.page {
			return out, nil
		}
	}
}

func (a *Aggregator) save(ctx context.Context, key string, next State) State {
	if a.mode == CompareWatermark {
		if l := a.states.Get(ctx, key, 0); l.Found() && l.Value.Watermark > next.Watermark {
			a.log.Debug("newer state already persisted", ethplorer.Fields{"subject": key, "stored": l.Value.Watermark, "ours": next.Watermark})
			return l.Value
		}
	}
	if err := a.states.Save(ctx, key, next, true); err != nil {
		a.log.Warn("state save failed", ethplorer.Fields{"subject": key, "err": err})
	}
	return next
}

// prices returns a PriceFunc backed by each asset's daily history, fetched at
// most once per call. Assets without a price contribute no notional value.
func (a *Aggregator) prices(ctx context.Context) PriceFunc {
	if a.oracle == nil {
		return nil
	}
	var mu sync.Mutex
	byAsset := make(map[string]map[string]decimal.Decimal)
	return func(asset, date string) (decimal.Decimal, bool) {
		mu.Lock()
		defer mu.Unlock()
		days, ok := byAsset[asset]
		if !ok {
			days = map[string]decimal.Decimal{}
			h, err := a.oracle.History(ctx, asset, 0)
			if err != nil && !errors.Is(err, oracle.ErrNoPrice) {
				a.hooks.UpstreamFailed("oracle", err)
			}
			for _, c := range h {
				d := c.Date
				if d == "" {
					d = series.Date(c.Ts)
				}
				days[d] = c.Close
			}
			byAsset[asset] = days
		}
		rate, ok := days[date]
		return rate, ok
	}
}
