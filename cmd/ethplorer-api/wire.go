package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/sensei777/Ethplorer"
	"github.com/sensei777/Ethplorer/aggregate"
	"github.com/sensei777/Ethplorer/codec"
	"github.com/sensei777/Ethplorer/config"
	"github.com/sensei777/Ethplorer/dispatch"
	"github.com/sensei777/Ethplorer/genstore"
	asynchook "github.com/sensei777/Ethplorer/hooks/async"
	promhooks "github.com/sensei777/Ethplorer/hooks/prom"
	"github.com/sensei777/Ethplorer/lease"
	"github.com/sensei777/Ethplorer/ledger"
	"github.com/sensei777/Ethplorer/ledger/postgres"
	logruslog "github.com/sensei777/Ethplorer/log/logrus"
	slogger "github.com/sensei777/Ethplorer/log/slog"
	zaplog "github.com/sensei777/Ethplorer/log/zap"
	"github.com/sensei777/Ethplorer/oracle"
	"github.com/sensei777/Ethplorer/oracle/rpc"
	"github.com/sensei777/Ethplorer/pool"
	"github.com/sensei777/Ethplorer/provider"
	bcprovider "github.com/sensei777/Ethplorer/provider/bigcache"
	"github.com/sensei777/Ethplorer/provider/memory"
	redisprovider "github.com/sensei777/Ethplorer/provider/redis"
	rprovider "github.com/sensei777/Ethplorer/provider/ristretto"
	"github.com/sensei777/Ethplorer/quota"
	"github.com/sensei777/Ethplorer/sloghooks"
)

// services is the assembled process. closers run in reverse order.
type services struct {
	logger     func(component string) ethplorer.Logger
	dispatcher *dispatch.Dispatcher
	metrics    http.Handler
	pg         *postgres.Store
	closers    []func(context.Context) error
}

func (s *services) migrate(ctx context.Context) error {
	if s.pg == nil {
		return errors.New("migrate: ledger.driver is not postgres")
	}
	return s.pg.Migrate(ctx)
}

func (s *services) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.logger("main").Warn("close", ethplorer.Fields{"err": err})
		}
	}
}

func build(ctx context.Context, cfg config.Config) (_ *services, err error) {
	s := &services{}
	defer func() {
		if err != nil {
			s.close()
		}
	}()
	newLogger, flush, err := loggers(cfg.Log)
	if err != nil {
		return nil, err
	}
	s.logger = newLogger
	s.closers = append(s.closers, func(context.Context) error { flush(); return nil })

	clock := clockwork.NewRealClock()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Metrics != "" {
		s.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}
	var hooks ethplorer.Hooks = promhooks.New(reg)
	if cfg.Log.Events {
		every := cfg.Log.EventsEvery
		hooks = ethplorer.MultiHooks{hooks, sloghooks.New(slog.Default(), sloghooks.Options{
			SelfHealEvery: every, CacheResultEvery: every, SkippedEvery: every,
		})}
	}
	async := asynchook.New(hooks, cfg.Log.HookWorkers, cfg.Log.HookQueue)
	s.closers = append(s.closers, func(context.Context) error { async.Close(); return nil })

	var rdb goredis.UniversalClient
	if cfg.Redis.Addr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.closers = append(s.closers, func(context.Context) error { return rdb.Close() })
	}

	prov, err := newProvider(ctx, cfg, rdb, clock)
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, prov.Close)

	var gens genstore.GenStore
	if cfg.Cache.GenStore == "redis" {
		gens = genstore.NewRedis(rdb, cfg.Redis.Prefix+"gen", cfg.Cache.Retention)
	} else {
		gens = genstore.NewLocal(clock, 0, cfg.Cache.Retention)
	}
	s.closers = append(s.closers, gens.Close)

	b := cacheBuilder{prov: prov, gens: gens, clock: clock, hooks: async, log: newLogger("cache"), retention: cfg.Cache.Retention}

	var ledgerStore ledger.Store
	switch cfg.Ledger.Driver {
	case "postgres":
		pg := cfg.Ledger.Postgres
		st, err := postgres.Open(postgres.Option{
			Host: pg.Host, Port: pg.Port, User: pg.User, Password: pg.Password,
			Database: pg.Database, SSLMode: pg.SSLMode, Params: pg.Params, ConnString: pg.DSN,
		})
		if err != nil {
			return nil, err
		}
		s.pg = st
		s.closers = append(s.closers, func(context.Context) error { return st.Close() })
		ledgerStore = st
	default:
		ledgerStore = ledger.NewMemory()
	}

	var prices oracle.Oracle
	if cfg.Oracle.Endpoint != "" {
		up, err := rpc.New(rpc.Config{Endpoint: cfg.Oracle.Endpoint, Currency: cfg.Oracle.Currency, Timeout: cfg.Oracle.Timeout})
		if err != nil {
			return nil, err
		}
		history, err := newCache[[]oracle.Candle](b, "oracle-history", codec.Msgpack[[]oracle.Candle]{})
		if err != nil {
			return nil, err
		}
		spots, err := newCache[oracle.Spot](b, "oracle-spot", codec.Msgpack[oracle.Spot]{})
		if err != nil {
			return nil, err
		}
		prices, err = oracle.NewCached(up, oracle.CachedOptions{
			History: history, Spots: spots,
			HistoryTTL: cfg.Oracle.HistoryTTL, SpotTTL: cfg.Oracle.SpotTTL,
			Known: cfg.Oracle.Known, Hidden: cfg.Oracle.Hidden, Aliases: cfg.Oracle.Aliases,
			Logger: newLogger("oracle"), Hooks: async,
		})
		if err != nil {
			return nil, err
		}
	}

	var leases lease.Store
	if cfg.Lease.Backend == "redis" {
		leases = lease.NewRedis(rdb, cfg.Redis.Prefix+"lease")
	} else {
		leases = lease.NewLocal()
	}
	s.closers = append(s.closers, leases.Close)
	gate := lease.NewGate(leases, lease.GateOptions{Clock: clock, Logger: newLogger("lease"), Hooks: async})

	stateCodec, err := codec.ByName[aggregate.State](cfg.Cache.Codec, cfg.Cache.MaxDecode)
	if err != nil {
		return nil, err
	}
	states, err := newCache[aggregate.State](b, "aggregate", stateCodec)
	if err != nil {
		return nil, err
	}
	agg, err := aggregate.New(aggregate.Options{
		Ledger: ledgerStore, States: states, Oracle: prices, Gate: gate,
		Clock: clock, Logger: newLogger("aggregate"), Hooks: async,
		RefreshWindow:   cfg.Aggregate.RefreshWindow,
		LeaseTTL:        cfg.Lease.TTL,
		PageSize:        cfg.Aggregate.PageSize,
		MaxOperations:   cfg.Aggregate.MaxOperations,
		NegativeBalance: cfg.Aggregate.NegativeBalancePolicy(),
		SaveMode:        cfg.Aggregate.Mode(),
	})
	if err != nil {
		return nil, err
	}

	top, err := newCache[[]aggregate.Ranked](b, "top", codec.Msgpack[[]aggregate.Ranked]{})
	if err != nil {
		return nil, err
	}
	grouped, err := newCache[[]ledger.Group](b, "grouped", codec.Msgpack[[]ledger.Group]{})
	if err != nil {
		return nil, err
	}
	ranker, err := aggregate.NewRanker(aggregate.RankerOptions{
		Ledger: ledgerStore, Oracle: prices, Top: top, Grouped: grouped, Tokens: cfg.Tokens,
		Clock: clock, Logger: newLogger("ranker"), Hooks: async,
	})
	if err != nil {
		return nil, err
	}

	pools, err := newPools(cfg, b, rdb, ledgerStore, newLogger("pool"))
	if err != nil {
		return nil, err
	}

	responses, err := newCache[[]byte](b, "api", codec.Bytes{})
	if err != nil {
		return nil, err
	}
	s.dispatcher, err = dispatch.New(dispatch.Options{
		Quota:       quota.NewGate(quota.NewStatic(cfg.Policies(), cfg.Quota.Personal), clock),
		Responses:   responses,
		Ledger:      ledgerStore,
		Aggregator:  agg,
		Ranker:      ranker,
		Pools:       pools,
		Oracle:      prices,
		Clock:       clock,
		Logger:      newLogger("dispatch"),
		ResponseTTL: cfg.API.ResponseTTL,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newProvider(ctx context.Context, cfg config.Config, rdb goredis.UniversalClient, clock clockwork.Clock) (provider.Provider, error) {
	switch cfg.Cache.Provider {
	case "redis":
		return redisprovider.New(redisprovider.Config{Client: rdb, Prefix: cfg.Redis.Prefix})
	case "ristretto":
		return rprovider.New(rprovider.DefaultConfig(cfg.Cache.Ristretto.MaxCost))
	case "bigcache":
		return bcprovider.New(ctx, bcprovider.Config{
			LifeWindow:         cfg.Cache.Bigcache.LifeWindow,
			HardMaxCacheSizeMB: cfg.Cache.Bigcache.HardMaxMB,
		})
	default:
		return memory.New(clock), nil
	}
}

func newPools(cfg config.Config, b cacheBuilder, rdb goredis.UniversalClient, l ledger.Store, log ethplorer.Logger) (*pool.Service, error) {
	var store pool.Store
	switch cfg.Pools.Backend {
	case "disabled":
		return nil, nil
	case "redis":
		store = pool.NewRedis(rdb, cfg.Redis.Prefix+"pool", cfg.Pools.Capacity, b.clock)
	default:
		store = pool.NewMemory(cfg.Pools.Capacity, b.clock)
	}
	addrs, err := newCache[[]string](b, "pool-addrs", codec.Msgpack[[]string]{})
	if err != nil {
		return nil, err
	}
	exists, err := newCache[bool](b, "pool-exists", codec.Msgpack[bool]{})
	if err != nil {
		return nil, err
	}
	ops, err := newCache[map[string][]ledger.Event](b, "pool-ops", codec.Msgpack[map[string][]ledger.Event]{})
	if err != nil {
		return nil, err
	}
	return pool.NewService(pool.ServiceOptions{
		Store: store, Ledger: l, Addresses: addrs, Exists: exists, Operations: ops,
		Clock: b.clock, Logger: log,
	})
}

// cacheBuilder holds what every namespace shares. The provider and genstore
// are closed once by services.close, not per namespace.
type cacheBuilder struct {
	prov      provider.Provider
	gens      genstore.GenStore
	clock     clockwork.Clock
	hooks     ethplorer.Hooks
	log       ethplorer.Logger
	retention time.Duration
}

func newCache[V any](b cacheBuilder, ns string, c codec.Codec[V]) (ethplorer.Cache[V], error) {
	return ethplorer.New[V](ethplorer.Options[V]{
		Namespace: ns,
		Provider:  b.prov,
		Codec:     c,
		GenStore:  b.gens,
		Clock:     b.clock,
		Hooks:     b.hooks,
		Logger:    b.log,
		Retention: b.retention,
	})
}

// loggers returns a per-component Logger factory for the configured backend
// and a flush func.
func loggers(cfg config.Log) (func(string) ethplorer.Logger, func(), error) {
	switch cfg.Format {
	case "logrus":
		l := logrus.New()
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		l.SetLevel(lvl)
		if !cfg.Development {
			l.SetFormatter(&logrus.JSONFormatter{})
		}
		return func(c string) ethplorer.Logger { return logruslog.New(l, c) }, func() {}, nil
	case "slog":
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, nil, err
		}
		l := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
		slog.SetDefault(l)
		return func(c string) ethplorer.Logger { return slogger.New(l, c) }, func() {}, nil
	default:
		zc := zap.NewProductionConfig()
		if cfg.Development {
			zc = zap.NewDevelopmentConfig()
		}
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, nil, err
		}
		zc.Level = lvl
		l, err := zc.Build()
		if err != nil {
			return nil, nil, err
		}
		return func(c string) ethplorer.Logger { return zaplog.New(l, c) }, func() { _ = l.Sync() }, nil
	}
}
