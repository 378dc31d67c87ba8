package promhooks

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := New(reg)

	h.CacheResult("api", "hit")
	h.CacheResult("api", "hit")
	h.CacheResult("api", "miss")
	h.SelfHeal("v:api:x", "corrupt")
	h.UpstreamFailed("ledger", errors.New("down"))

	if got := testutil.ToFloat64(h.cacheResults.WithLabelValues("api", "hit")); got != 2 {
		t.Fatalf("hits=%v want 2", got)
	}
	if got := testutil.ToFloat64(h.cacheResults.WithLabelValues("api", "miss")); got != 1 {
		t.Fatalf("misses=%v want 1", got)
	}
	if got := testutil.ToFloat64(h.selfHeals.WithLabelValues("corrupt")); got != 1 {
		t.Fatalf("self heals=%v want 1", got)
	}
	if got := testutil.ToFloat64(h.upstream.WithLabelValues("ledger")); got != 1 {
		t.Fatalf("upstream=%v want 1", got)
	}
}

func TestNewPanicsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = New(reg)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected duplicate registration to panic")
		}
	}()
	_ = New(reg)
}
