// Package ethplorer is the cache-coherent core of an incremental ledger
// analytics engine. It serves derived views (balance histories, volume and
// price aggregates, top-N rankings) over an append-only ledger of blockchain
// events without re-scanning the ledger per request.
//
// This package holds the CacheStore: a provider-agnostic, namespaced cache
// with per-key generations. Subpackages build on it:
//
//   - lease: advisory single-flight leases for recomputation.
//   - quota: per-caller policies, parameter clamps and request rates.
//   - aggregate: rolling aggregates extended from newly observed events.
//   - dispatch: the command table and request state machine.
//
// Keys:
//
//	v:<ns>:<key>  - framed entries (see internal/wire)
//
// Reads take the TTL as a parameter; an entry is fresh iff
// now - storedAt <= ttl. Stale entries are still returned so callers can serve
// them while a recomputation is in flight.
//
// CAS pattern:
//
//	obs := cache.SnapshotGen(ctx, k) // before computing
//	v   := compute(k)
//	_   = cache.SaveWithGen(ctx, k, v, obs, false) // write iff gen is still obs
package ethplorer
