package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/sensei777/Ethplorer"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery    uint64
	CacheResultEvery uint64 // 0 = never log per-request cache results
	SkippedEvery     uint64
	// Optional key redactor. Defaults to a SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	resultCtr   atomic.Uint64
	skippedCtr  atomic.Uint64
}

var _ ethplorer.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("ethplorer.self_heal", "key", h.redact(storageKey), "reason", reason)
}

func (h *Hooks) ProviderError(op, storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("ethplorer.provider_error", "op", op, "key", h.redact(storageKey), "err", err)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("ethplorer.provider_set_rejected", "key", h.redact(storageKey))
}

func (h *Hooks) GenSnapshotError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("ethplorer.gen_snapshot_error", "key", h.redact(storageKey), "err", err)
}

func (h *Hooks) GenBumpError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("ethplorer.gen_bump_error", "key", h.redact(storageKey), "err", err)
}

func (h *Hooks) InvalidateOutage(key string, bumpErr, delErr error) {
	if h.l == nil {
		return
	}
	h.l.Error("ethplorer.invalidate_outage",
		"key", h.redact(key),
		"bump_err", bumpErr,
		"del_err", delErr)
}

func (h *Hooks) CacheResult(ns, result string) {
	if h.l == nil || h.opts.CacheResultEvery == 0 || !sample(h.opts.CacheResultEvery, &h.resultCtr) {
		return
	}
	h.l.Debug("ethplorer.cache_result", "ns", ns, "result", result)
}

func (h *Hooks) LeaseContended(name string) {
	if h.l == nil {
		return
	}
	h.l.Debug("ethplorer.lease_contended", "lease", name)
}

func (h *Hooks) OutlierClamped(subject, bucket string) {
	if h.l == nil {
		return
	}
	h.l.Info("ethplorer.outlier_clamped", "subject", subject, "bucket", bucket)
}

func (h *Hooks) EventSkipped(subject, reason string) {
	if h.l == nil || !sample(h.opts.SkippedEvery, &h.skippedCtr) {
		return
	}
	h.l.Warn("ethplorer.event_skipped", "subject", subject, "reason", reason)
}

func (h *Hooks) UpstreamFailed(component string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("ethplorer.upstream_failed", "component", component, "err", err)
}
