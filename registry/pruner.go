package registry

import (
	"context"
	"math/rand/v2"

	"go.opentelemetry.io/otel/attribute"

	"github.com/willibrandon/gofusion/computed"
	"github.com/willibrandon/gofusion/observability"
)

// tryPrune schedules a background prune pass. Held briefly, the prune
// mutex re-checks the threshold, resets the op counter, and ensures at
// most one pass runs at a time.
func (r *Registry) tryPrune() {
	r.pruneMu.Lock()
	defer r.pruneMu.Unlock()

	if r.opCounter.ApproxValue() <= r.pruneThreshold.Load() {
		return
	}
	r.opCounter.SetApproxValue(0)
	if r.prunePending || r.disposed.Load() {
		return
	}
	r.prunePending = true
	r.pruneDone.Add(1)
	go r.prunePass()
}

// Prune runs a prune pass synchronously. Intended for tests and
// shutdown paths; a pass already in flight wins.
func (r *Registry) Prune() {
	r.pruneMu.Lock()
	if r.prunePending || r.disposed.Load() {
		r.pruneMu.Unlock()
		return
	}
	r.prunePending = true
	r.pruneDone.Add(1)
	r.pruneMu.Unlock()

	r.prunePass()
}

// prunePass sweeps the map once: entries whose computation has been
// collected are removed and their handles recycled; strong-pinned
// entries idle beyond their keep-alive time are demoted to weak-only.
// Any CAS lost to a concurrent writer defers that entry to a later
// pass.
func (r *Registry) prunePass() {
	defer r.pruneDone.Done()

	ctx, span := observability.StartSpan(context.Background(), "gofusion/registry", "registry.prune")
	defer span.End()

	now := r.clock.Now()
	var removed, demoted, live int64
	r.storage.Range(func(k, v any) bool {
		key := k.(computed.Input)
		e := v.(entry)
		c := e.target()
		if c == nil {
			if r.storage.CompareAndDelete(key, e) {
				r.pool.Release(e.handle, key.RandomizedHash()+rand.Uint32())
				removed++
			}
			return true
		}
		if e.pinned != nil {
			if c.LastAccessTime().Add(c.Options().KeepAliveTime).Before(now) {
				if r.storage.CompareAndSwap(key, e, entry{handle: e.handle}) {
					demoted++
				}
			}
		}
		live++
		return true
	})

	r.pruneMu.Lock()
	threshold := max(int64(r.initialCapacity), live*2)
	r.pruneThreshold.Store(clampThreshold(threshold))
	r.opCounter.SetApproxValue(0)
	r.prunePending = false
	r.pruneMu.Unlock()

	observability.PrunePassesTotal.Inc()
	observability.PrunedEntriesTotal.WithLabelValues("removed").Add(float64(removed))
	observability.PrunedEntriesTotal.WithLabelValues("demoted").Add(float64(demoted))
	observability.RegistryEntries.Set(float64(live))
	observability.SetAttributes(ctx,
		attribute.Int64("prune.removed", removed),
		attribute.Int64("prune.demoted", demoted),
		attribute.Int64("prune.live", live),
	)
	r.log.Debug("Prune pass completed: {Removed} removed, {Demoted} demoted, {Live} live",
		removed, demoted, live)
}
