package ethplorer

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	c "github.com/sensei777/Ethplorer/codec"
	gen "github.com/sensei777/Ethplorer/genstore"
	pr "github.com/sensei777/Ethplorer/provider"
)

type SetCostFunc func(key string, raw []byte) int64

// Cache is the CacheStore handle for one namespace. V is the caller's value
// type; serialization is handled by a pluggable Codec[V].
type Cache[V any] interface {
	Enabled() bool
	Close(context.Context) error

	// Get never returns an error: backend failures surface as TransientMiss.
	// ttl <= 0 means the entry is valid until explicitly invalidated.
	Get(ctx context.Context, key string, ttl time.Duration) Lookup[V]

	// Save writes value under the key's current generation.
	Save(ctx context.Context, key string, value V, permanent bool) error
	// SaveWithGen writes iff the key's generation still equals observedGen.
	SaveWithGen(ctx context.Context, key string, value V, observedGen uint64, permanent bool) error
	// Delete bumps the key's generation and removes the stored entry.
	Delete(ctx context.Context, key string) error

	SnapshotGen(ctx context.Context, key string) uint64
}

// Options tune a Cache. Only Namespace, Provider and Codec are required.
type Options[V any] struct {
	Namespace string // e.g. "api", "aggregate", "oracle"
	Provider  pr.Provider
	Codec     c.Codec[V]

	Logger          Logger          // nil => NopLogger
	Hooks           Hooks           // nil => NopHooks
	Clock           clockwork.Clock // nil => real clock
	Retention       time.Duration   // backend TTL for non-permanent entries; 0 => 30d
	CleanupInterval time.Duration   // local genstore sweep; 0 => 1h
	GenRetention    time.Duration   // local genstore retention; 0 => 30d
	ComputeSetCost  SetCostFunc     // default 1
	GenStore        gen.GenStore    // nil => local (in-process)
	Disabled        bool
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}
