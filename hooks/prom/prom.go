// Package promhooks exports hook events as Prometheus counters.
package promhooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sensei777/Ethplorer"
)

type Hooks struct {
	cacheResults   *prometheus.CounterVec
	selfHeals      *prometheus.CounterVec
	providerErrors *prometheus.CounterVec
	setRejected    prometheus.Counter
	genErrors      *prometheus.CounterVec
	outages        prometheus.Counter
	leaseContended prometheus.Counter
	outliers       prometheus.Counter
	skipped        *prometheus.CounterVec
	upstream       *prometheus.CounterVec
}

var _ ethplorer.Hooks = (*Hooks)(nil)

// New registers the counters on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Hooks {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Hooks{
		cacheResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ethplorer_cache_results_total",
			Help: "Cache reads by namespace and result (hit, stale, miss, transient).",
		}, []string{"ns", "result"}),
		selfHeals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ethplorer_cache_self_heals_total",
			Help: "Entries deleted on read because they were corrupt or stale.",
		}, []string{"reason"}),
		providerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ethplorer_cache_provider_errors_total",
			Help: "Byte store failures by operation.",
		}, []string{"op"}),
		setRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "ethplorer_cache_set_rejected_total",
			Help: "Writes rejected by the byte store under pressure.",
		}),
		genErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ethplorer_cache_gen_errors_total",
			Help: "Generation store failures by operation.",
		}, []string{"op"}),
		outages: f.NewCounter(prometheus.CounterOpts{
			Name: "ethplorer_cache_invalidate_outages_total",
			Help: "Deletes where both the gen bump and the store delete failed.",
		}),
		leaseContended: f.NewCounter(prometheus.CounterOpts{
			Name: "ethplorer_lease_contended_total",
			Help: "Recompute attempts that found the lease held by another owner.",
		}),
		outliers: f.NewCounter(prometheus.CounterOpts{
			Name: "ethplorer_aggregate_outliers_clamped_total",
			Help: "Bucket volumes replaced by the preceding bucket's value.",
		}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ethplorer_aggregate_events_skipped_total",
			Help: "Malformed ledger events skipped during a merge.",
		}, []string{"reason"}),
		upstream: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ethplorer_upstream_failures_total",
			Help: "Ledger and oracle failures that degraded a response to stale data.",
		}, []string{"component"}),
	}
}

func (h *Hooks) SelfHeal(_, reason string)           { h.selfHeals.WithLabelValues(reason).Inc() }
func (h *Hooks) ProviderError(op, _ string, _ error) { h.providerErrors.WithLabelValues(op).Inc() }
func (h *Hooks) ProviderSetRejected(string)          { h.setRejected.Inc() }
func (h *Hooks) GenSnapshotError(string, error)      { h.genErrors.WithLabelValues("snapshot").Inc() }
func (h *Hooks) GenBumpError(string, error)          { h.genErrors.WithLabelValues("bump").Inc() }
func (h *Hooks) InvalidateOutage(string, error, error) {
	h.outages.Inc()
}
func (h *Hooks) CacheResult(ns, result string)    { h.cacheResults.WithLabelValues(ns, result).Inc() }
func (h *Hooks) LeaseContended(string)            { h.leaseContended.Inc() }
func (h *Hooks) OutlierClamped(string, string)    { h.outliers.Inc() }
func (h *Hooks) EventSkipped(_, reason string)    { h.skipped.WithLabelValues(reason).Inc() }
func (h *Hooks) UpstreamFailed(c string, _ error) { h.upstream.WithLabelValues(c).Inc() }
