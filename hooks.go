package ethplorer

// Hooks are lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; they are called on hot paths.
type Hooks interface {
	// An entry was deleted by the cache on read.
	// reason ∈ {"corrupt", "gen_mismatch", "value_decode"}
	SelfHeal(storageKey, reason string)

	// Provider Get/Set/Del failed. op ∈ {"get", "set", "del"}
	ProviderError(op, storageKey string, err error)
	// Provider returned ok=false on Set (backpressure/eviction).
	ProviderSetRejected(storageKey string)

	GenSnapshotError(storageKey string, err error)
	GenBumpError(storageKey string, err error)

	// Both gen bump and delete failed during Delete (likely backend outage).
	InvalidateOutage(key string, bumpErr, delErr error)

	// result ∈ {"hit", "stale", "miss", "transient"}
	CacheResult(namespace, result string)

	// Another holder owns the recompute lease for name.
	LeaseContended(name string)
	// A bucket volume was replaced by the preceding bucket's value.
	OutlierClamped(subject, bucket string)
	// A malformed ledger event was skipped during a merge.
	EventSkipped(subject, reason string)
	// A ledger or oracle call failed and stale data was served instead.
	UpstreamFailed(component string, err error)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)               {}
func (NopHooks) ProviderError(string, string, error)   {}
func (NopHooks) ProviderSetRejected(string)            {}
func (NopHooks) GenSnapshotError(string, error)        {}
func (NopHooks) GenBumpError(string, error)            {}
func (NopHooks) InvalidateOutage(string, error, error) {}
func (NopHooks) CacheResult(string, string)            {}
func (NopHooks) LeaseContended(string)                 {}
func (NopHooks) OutlierClamped(string, string)         {}
func (NopHooks) EventSkipped(string, string)           {}
func (NopHooks) UpstreamFailed(string, error)          {}

// MultiHooks fans every event out to each of its members in order.
type MultiHooks []Hooks

func (m MultiHooks) SelfHeal(k, r string) {
	for _, h := range m {
		h.SelfHeal(k, r)
	}
}

func (m MultiHooks) ProviderError(op, k string, err error) {
	for _, h := range m {
		h.ProviderError(op, k, err)
	}
}

func (m MultiHooks) ProviderSetRejected(k string) {
	for _, h := range m {
		h.ProviderSetRejected(k)
	}
}

func (m MultiHooks) GenSnapshotError(k string, err error) {
	for _, h := range m {
		h.GenSnapshotError(k, err)
	}
}

func (m MultiHooks) GenBumpError(k string, err error) {
	for _, h := range m {
		h.GenBumpError(k, err)
	}
}

func (m MultiHooks) InvalidateOutage(k string, bumpErr, delErr error) {
	for _, h := range m {
		h.InvalidateOutage(k, bumpErr, delErr)
	}
}

func (m MultiHooks) CacheResult(ns, result string) {
	for _, h := range m {
		h.CacheResult(ns, result)
	}
}

func (m MultiHooks) LeaseContended(name string) {
	for _, h := range m {
		h.LeaseContended(name)
	}
}

func (m MultiHooks) OutlierClamped(subject, bucket string) {
	for _, h := range m {
		h.OutlierClamped(subject, bucket)
	}
}

func (m MultiHooks) EventSkipped(subject, reason string) {
	for _, h := range m {
		h.EventSkipped(subject, reason)
	}
}

func (m MultiHooks) UpstreamFailed(component string, err error) {
	for _, h := range m {
		h.UpstreamFailed(component, err)
	}
}
