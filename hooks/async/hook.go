// Package asynchook moves hook delivery off the request path. Events are
// queued to a bounded channel and dropped when it is full.
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{SelfHealEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
package asynchook

import (
	"sync"
	"sync/atomic"

	"github.com/sensei777/Ethplorer"
)

type Hooks struct {
	inner   ethplorer.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

var _ ethplorer.Hooks = (*Hooks)(nil)

func New(inner ethplorer.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Hooks fired after Close
// are dropped.
func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded on a full queue.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	defer func() {
		// send on closed channel after Close
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case h.q <- f:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hooks) SelfHeal(k, r string)               { h.try(func() { h.inner.SelfHeal(k, r) }) }
func (h *Hooks) ProviderSetRejected(k string)       { h.try(func() { h.inner.ProviderSetRejected(k) }) }
func (h *Hooks) GenSnapshotError(k string, e error) { h.try(func() { h.inner.GenSnapshotError(k, e) }) }
func (h *Hooks) GenBumpError(k string, e error)     { h.try(func() { h.inner.GenBumpError(k, e) }) }
func (h *Hooks) CacheResult(ns, r string)           { h.try(func() { h.inner.CacheResult(ns, r) }) }
func (h *Hooks) LeaseContended(n string)            { h.try(func() { h.inner.LeaseContended(n) }) }
func (h *Hooks) OutlierClamped(s, b string)         { h.try(func() { h.inner.OutlierClamped(s, b) }) }
func (h *Hooks) EventSkipped(s, r string)           { h.try(func() { h.inner.EventSkipped(s, r) }) }
func (h *Hooks) UpstreamFailed(c string, e error)   { h.try(func() { h.inner.UpstreamFailed(c, e) }) }
func (h *Hooks) ProviderError(op, k string, e error) {
	h.try(func() { h.inner.ProviderError(op, k, e) })
}
func (h *Hooks) InvalidateOutage(k string, be, de error) {
	h.try(func() { h.inner.InvalidateOutage(k, be, de) })
}
