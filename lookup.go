package ethplorer

import "time"

// Status is the outcome of a cache read.
type Status uint8

const (
	// NotFound: no usable entry exists (never written, invalidated or self-healed).
	NotFound Status = iota
	// Found: an entry was decoded; Fresh tells whether it is within the TTL.
	Found
	// TransientMiss: the backend could not be read. Callers treat it like
	// NotFound but should not assume the key is absent.
	TransientMiss
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case TransientMiss:
		return "transient_miss"
	default:
		return "not_found"
	}
}

// Lookup is the result of Cache.Get.
type Lookup[V any] struct {
	Status   Status
	Value    V
	StoredAt time.Time
	Fresh    bool
}

func (l Lookup[V]) Found() bool { return l.Status == Found }

// Or returns the cached value (stale or not) and its freshness, or def with
// fresh=false when nothing was found.
func (l Lookup[V]) Or(def V) (V, bool) {
	if l.Status != Found {
		return def, false
	}
	return l.Value, l.Fresh
}
