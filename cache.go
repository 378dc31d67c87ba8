package ethplorer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	c "github.com/sensei777/Ethplorer/codec"
	gen "github.com/sensei777/Ethplorer/genstore"
	pr "github.com/sensei777/Ethplorer/provider"
	"github.com/sensei777/Ethplorer/internal/wire"
)

type cache[V any] struct {
	ns             string
	provider       pr.Provider
	codec          c.Codec[V]
	log            Logger
	hooks          Hooks
	clock          clockwork.Clock
	enabled        bool
	retention      time.Duration
	computeSetCost SetCostFunc
	gen            gen.GenStore
}

var _ Cache[struct{}] = (*cache[struct{}])(nil)

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Provider == nil {
		return nil, errors.New("ethplorer: provider is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("ethplorer: codec is required")
	}
	if opts.Namespace == "" {
		return nil, errors.New("ethplorer: namespace is required")
	}

	cc := &cache[V]{
		ns:       opts.Namespace,
		provider: opts.Provider,
		codec:    opts.Codec,
		enabled:  !opts.Disabled,
	}

	cc.log = coalesce[Logger](opts.Logger, NopLogger{})
	cc.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	cc.clock = coalesce[clockwork.Clock](opts.Clock, clockwork.NewRealClock())
	cc.retention = coalesce(opts.Retention, defaultRetention)

	if opts.ComputeSetCost != nil {
		cc.computeSetCost = opts.ComputeSetCost
	} else {
		cc.computeSetCost = func(string, []byte) int64 { return 1 }
	}

	if opts.GenStore != nil {
		cc.gen = opts.GenStore
	} else {
		cc.gen = gen.NewLocal(cc.clock,
			coalesce(opts.CleanupInterval, defaultSweep),
			coalesce(opts.GenRetention, defaultGenRetention))
	}
	return cc, nil
}

func (cc *cache[V]) Enabled() bool { return cc.enabled }

func (cc *cache[V]) Close(ctx context.Context) error {
	if cc.gen != nil {
		_ = cc.gen.Close(ctx)
	}
	if cc.provider != nil {
		return cc.provider.Close(ctx)
	}
	return nil
}

func (cc *cache[V]) Get(ctx context.Context, key string, ttl time.Duration) Lookup[V] {
	if !cc.enabled {
		return Lookup[V]{Status: NotFound}
	}
	k := cc.storageKey(key)
	raw, ok, err := cc.provider.Get(ctx, k)
	if err != nil {
		cc.log.Warn("provider get failed", Fields{"key": key, "err": err})
		cc.hooks.ProviderError("get", k, err)
		return cc.miss(TransientMiss)
	}
	if !ok {
		return cc.miss(NotFound)
	}

	e, err := wire.Decode(raw)
	if err != nil {
		cc.heal(ctx, k, "corrupt")
		return cc.miss(NotFound)
	}
	cur, err := cc.gen.Snapshot(ctx, k)
	if err != nil {
		cc.log.Warn("gen snapshot failed", Fields{"key": key, "err": err})
		cc.hooks.GenSnapshotError(k, err)
		return cc.miss(TransientMiss)
	}
	if e.Gen != cur {
		cc.heal(ctx, k, "gen_mismatch")
		return cc.miss(NotFound)
	}
	v, err := cc.codec.Decode(e.Payload)
	if err != nil {
		cc.heal(ctx, k, "value_decode")
		return cc.miss(NotFound)
	}

	storedAt := time.Unix(0, e.StoredAt)
	fresh := ttl <= 0 || cc.clock.Since(storedAt) <= ttl
	if fresh {
		cc.hooks.CacheResult(cc.ns, "hit")
	} else {
		cc.hooks.CacheResult(cc.ns, "stale")
	}
	return Lookup[V]{Status: Found, Value: v, StoredAt: storedAt, Fresh: fresh}
}

func (cc *cache[V]) Save(ctx context.Context, key string, value V, permanent bool) error {
	if !cc.enabled {
		return nil
	}
	k := cc.storageKey(key)
	cur, err := cc.gen.Snapshot(ctx, k)
	if err != nil {
		cc.hooks.GenSnapshotError(k, err)
		return fmt.Errorf("save %q: %w", key, err)
	}
	return cc.write(ctx, key, k, value, cur, permanent)
}

func (cc *cache[V]) SaveWithGen(ctx context.Context, key string, value V, observedGen uint64, permanent bool) error {
	if !cc.enabled {
		return nil
	}
	k := cc.storageKey(key)
	cur, err := cc.gen.Snapshot(ctx, k)
	if err != nil {
		// unknown generation; skipping is the only safe choice
		cc.hooks.GenSnapshotError(k, err)
		cc.log.Warn("SaveWithGen skipped (gen snapshot error)", Fields{"key": key, "err": err})
		return nil
	}
	if cur != observedGen {
		cc.log.Debug("SaveWithGen skipped (gen mismatch)", Fields{"key": key, "obs": observedGen, "cur": cur})
		return nil
	}
	return cc.write(ctx, key, k, value, observedGen, permanent)
}

func (cc *cache[V]) write(ctx context.Context, key, k string, value V, g uint64, permanent bool) error {
	payload, err := cc.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	raw := wire.Encode(wire.Entry{
		Gen:       g,
		StoredAt:  cc.clock.Now().UnixNano(),
		Permanent: permanent,
		Payload:   payload,
	})

	ttl := cc.retention
	if permanent {
		ttl = 0
	}
	ok, err := cc.provider.Set(ctx, k, raw, cc.computeSetCost(k, raw), ttl)
	if err != nil {
		cc.hooks.ProviderError("set", k, err)
		return fmt.Errorf("save %q: %w", key, err)
	}
	if !ok {
		cc.hooks.ProviderSetRejected(k)
		cc.log.Debug("save rejected by provider (pressure)", Fields{"key": key})
	}
	return nil
}

func (cc *cache[V]) Delete(ctx context.Context, key string) error {
	if !cc.enabled {
		return nil
	}
	k := cc.storageKey(key)

	newGen, bumpErr := cc.gen.Bump(ctx, k)
	if bumpErr != nil {
		cc.hooks.GenBumpError(k, bumpErr)
	}
	delErr := cc.provider.Del(ctx, k)
	if delErr != nil {
		cc.hooks.ProviderError("del", k, delErr)
	}

	switch {
	case bumpErr != nil && delErr != nil:
		cc.hooks.InvalidateOutage(key, bumpErr, delErr)
		cc.log.Error("delete failed: gen bump and provider delete failed",
			Fields{"key": key, "bump_err": bumpErr, "del_err": delErr})
		return &InvalidateError{Key: key, BumpErr: bumpErr, DelErr: delErr}
	case bumpErr != nil:
		// entry is gone; writers holding an old gen may still repopulate it
		cc.log.Warn("delete: gen bump failed, entry removed", Fields{"key": key, "err": bumpErr})
	case delErr != nil:
		// gen moved; the stale entry self-heals on next read
		cc.log.Warn("delete: provider delete failed, gen bumped", Fields{"key": key, "err": delErr, "gen": newGen})
	default:
		cc.log.Debug("deleted key (bumped gen + cleared entry)", Fields{"key": key, "gen": newGen})
	}
	return nil
}

func (cc *cache[V]) SnapshotGen(ctx context.Context, key string) uint64 {
	k := cc.storageKey(key)
	g, err := cc.gen.Snapshot(ctx, k)
	if err != nil {
		// 0 makes a later SaveWithGen skip unless the gen really is 0
		cc.hooks.GenSnapshotError(k, err)
		cc.log.Warn("gen snapshot error", Fields{"key": key, "err": err})
		return 0
	}
	return g
}

func (cc *cache[V]) heal(ctx context.Context, k, reason string) {
	if err := cc.provider.Del(ctx, k); err != nil {
		cc.hooks.ProviderError("del", k, err)
	}
	cc.hooks.SelfHeal(k, reason)
}

func (cc *cache[V]) miss(s Status) Lookup[V] {
	if s == TransientMiss {
		cc.hooks.CacheResult(cc.ns, "transient")
	} else {
		cc.hooks.CacheResult(cc.ns, "miss")
	}
	return Lookup[V]{Status: s}
}

func (cc *cache[V]) storageKey(userKey string) string {
	return "v:" + cc.ns + ":" + userKey
}
