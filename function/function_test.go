package function

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/willibrandon/gofusion/computed"
	"github.com/willibrandon/gofusion/registry"
)

func newTestRegistry(t *testing.T, opts ...registry.Option) *registry.Registry {
	t.Helper()
	r, err := registry.New(opts...)
	if err != nil {
		t.Fatalf("registry.New() error: %v", err)
	}
	t.Cleanup(r.Dispose)
	return r
}

func TestMemoized_CachesValue(t *testing.T) {
	r := newTestRegistry(t)

	var computes atomic.Int32
	f := New("users.Get", r, func(ctx context.Context, argument string) (string, error) {
		computes.Add(1)
		return "user-" + argument, nil
	})

	for i := 0; i < 3; i++ {
		v, err := f.Invoke(context.Background(), "42")
		if err != nil {
			t.Fatalf("Invoke error: %v", err)
		}
		if v != "user-42" {
			t.Fatalf("Invoke = %q, want %q", v, "user-42")
		}
	}
	if got := computes.Load(); got != 1 {
		t.Errorf("compute ran %d times for one argument, want 1", got)
	}

	if _, err := f.Invoke(context.Background(), "43"); err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if got := computes.Load(); got != 2 {
		t.Errorf("compute ran %d times for two arguments, want 2", got)
	}
}

func TestMemoized_InvalidateForcesRecompute(t *testing.T) {
	r := newTestRegistry(t)

	var computes atomic.Int32
	f := New("counter.Value", r, func(ctx context.Context, argument string) (int32, error) {
		return computes.Add(1), nil
	})

	v1, err := f.Invoke(context.Background(), "c")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	f.Invalidate("c")
	v2, err := f.Invoke(context.Background(), "c")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}

	if v1 != 1 || v2 != 2 {
		t.Errorf("values across invalidation = %d, %d, want 1, 2", v1, v2)
	}
}

func TestMemoized_InvalidateUnknownArgument(t *testing.T) {
	r := newTestRegistry(t)
	f := New("noop", r, func(ctx context.Context, argument string) (int, error) {
		return 0, nil
	})

	// Nothing cached; must be a no-op.
	f.Invalidate("missing")
}

func TestMemoized_ErrorsNotCached(t *testing.T) {
	r := newTestRegistry(t)

	failures := errors.New("upstream unavailable")
	var calls atomic.Int32
	f := New("flaky.Get", r, func(ctx context.Context, argument string) (string, error) {
		if calls.Add(1) == 1 {
			return "", failures
		}
		return "ok", nil
	})

	if _, err := f.Invoke(context.Background(), "x"); !errors.Is(err, failures) {
		t.Fatalf("first Invoke = %v, want the compute error", err)
	}
	v, err := f.Invoke(context.Background(), "x")
	if err != nil {
		t.Fatalf("second Invoke error: %v", err)
	}
	if v != "ok" {
		t.Errorf("second Invoke = %q, want %q", v, "ok")
	}
}

func TestMemoized_SingleProducerUnderContention(t *testing.T) {
	r := newTestRegistry(t)

	var computes atomic.Int32
	f := New("slow.Get", r, func(ctx context.Context, argument string) (int32, error) {
		n := computes.Add(1)
		time.Sleep(20 * time.Millisecond)
		return n, nil
	})

	var g errgroup.Group
	results := make([]int32, 16)
	for i := range results {
		g.Go(func() error {
			v, err := f.Invoke(context.Background(), "hot")
			results[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Invoke error: %v", err)
	}

	if got := computes.Load(); got != 1 {
		t.Errorf("compute ran %d times under contention, want 1", got)
	}
	for i, v := range results {
		if v != 1 {
			t.Errorf("caller %d observed %d, want 1", i, v)
		}
	}
}

func TestMemoized_RecomputesAfterCollection(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := newTestRegistry(t, registry.WithClock(fc))

	var computes atomic.Int32
	f := New("volatile.Get", r,
		func(ctx context.Context, argument string) (string, error) {
			computes.Add(1)
			return fmt.Sprintf("%s#%d", argument, computes.Load()), nil
		},
		WithOptions[string](computed.Options{KeepAliveTime: 10 * time.Millisecond}),
		WithClock[string](fc),
	)

	v, err := f.Invoke(context.Background(), "k")
	if err != nil {
		t.Fatalf("Invoke error: %v", err)
	}
	if v != "k#1" {
		t.Fatalf("Invoke = %q, want %q", v, "k#1")
	}

	// Expire the keep-alive, demote, collect, and the next read
	// recomputes.
	fc.Advance(time.Second)
	r.Prune()
	runtime.GC()

	v, err = f.Invoke(context.Background(), "k")
	if err != nil {
		t.Fatalf("Invoke after collection error: %v", err)
	}
	if v != "k#2" {
		t.Errorf("Invoke after collection = %q, want %q", v, "k#2")
	}
	if got := computes.Load(); got != 2 {
		t.Errorf("compute ran %d times, want 2", got)
	}
}

func TestMemoized_FunctionID(t *testing.T) {
	r := newTestRegistry(t)
	f := New("users.Get", r, func(ctx context.Context, argument string) (int, error) {
		return 0, nil
	})

	var fn computed.Function = f
	if got := fn.FunctionID(); got != "users.Get" {
		t.Errorf("FunctionID() = %q, want %q", got, "users.Get")
	}
}
