package registry

import (
	"fmt"
	"runtime"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/willibrandon/gofusion/computed"
	"github.com/willibrandon/gofusion/observability"
)

func TestPrune_DemotesIdleEntries(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := newTestRegistry(t, WithClock(fc))

	c := newTestComputed(r, "idle", 100*time.Millisecond, fc)
	r.Register(c)

	fc.Advance(200 * time.Millisecond)
	r.Prune()

	e, ok := loadEntry(r, c.Input())
	if !ok {
		t.Fatal("entry removed instead of demoted")
	}
	if e.pinned != nil {
		t.Error("entry still strong-pinned after keep-alive expired")
	}

	// The computation is still reachable here, so a lookup hits the
	// weak target and restores the pin.
	if got := r.TryGet(c.Input()); got != computed.Computed(c) {
		t.Fatalf("TryGet after demotion = %v, want the computation", got)
	}
	e, ok = loadEntry(r, c.Input())
	if !ok {
		t.Fatal("entry vanished after weak hit")
	}
	if e.pinned == nil {
		t.Error("weak hit did not restore the strong pin")
	}
}

func TestPrune_KeepsFreshEntriesPinned(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := newTestRegistry(t, WithClock(fc))

	c := newTestComputed(r, "fresh", time.Minute, fc)
	r.Register(c)

	fc.Advance(time.Second)
	r.Prune()

	e, ok := loadEntry(r, c.Input())
	if !ok {
		t.Fatal("fresh entry removed")
	}
	if e.pinned == nil {
		t.Error("fresh entry demoted before its keep-alive expired")
	}
}

func TestPrune_RemovesCollectedEntries(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := newTestRegistry(t, WithClock(fc))

	registerCollectible(r, fc, "collectible")
	runtime.GC()
	r.Prune()

	if n := entryCount(r); n != 0 {
		t.Errorf("entry count after prune of collected entry = %d, want 0", n)
	}
}

func TestPrune_RefreshesThreshold(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := newTestRegistry(t, WithClock(fc), WithInitialCapacity(8))

	if got := r.pruneThreshold.Load(); got != 8 {
		t.Fatalf("initial threshold = %d, want 8", got)
	}

	cs := make([]*testComputed, 10)
	for i := range cs {
		cs[i] = newTestComputed(r, fmt.Sprintf("live-%d", i), time.Hour, fc)
		r.Register(cs[i])
	}
	r.Prune()

	// Threshold tracks growth: twice the live entry count once that
	// exceeds the initial capacity.
	if got := r.pruneThreshold.Load(); got != 20 {
		t.Errorf("threshold after prune = %d, want 20", got)
	}
	if got := r.opCounter.ApproxValue(); got != 0 {
		t.Errorf("op counter after prune = %d, want 0", got)
	}
}

func TestPrune_TriggeredByOperations(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := newTestRegistry(t, WithClock(fc), WithInitialCapacity(1))

	before := prunePasses(t)
	for i := 0; i < 4096; i++ {
		r.TryGet(computed.NewInput("trigger", fmt.Sprintf("%d", i)))
	}

	require.Eventually(t, func() bool {
		return prunePasses(t) > before
	}, 2*time.Second, 10*time.Millisecond, "operation pressure never scheduled a prune pass")
}

func prunePasses(t *testing.T) float64 {
	t.Helper()
	var pb dto.Metric
	if err := observability.PrunePassesTotal.Write(&pb); err != nil {
		t.Fatalf("read prune pass counter: %v", err)
	}
	return pb.Counter.GetValue()
}
