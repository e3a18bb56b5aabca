package function

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/willibrandon/gofusion/computed"
	"github.com/willibrandon/gofusion/registry"
)

// computation is the Computed implementation produced by Memoized
// functions. State moves Computing -> Consistent -> Invalidated, or
// straight to Invalidated; the Invalidated state is terminal.
type computation[T any] struct {
	reg   *registry.Registry
	input computed.Input
	opts  computed.Options
	clock clockwork.Clock

	state      atomic.Int32
	lastAccess atomic.Int64
	cell       *computed.Cell

	value T
}

func newComputation[T any](reg *registry.Registry, in computed.Input, opts computed.Options, clock clockwork.Clock) *computation[T] {
	c := &computation[T]{
		reg:   reg,
		input: in,
		opts:  opts,
		clock: clock,
	}
	c.cell = computed.NewCell(c)
	c.state.Store(int32(computed.StateComputing))
	c.Touch()
	return c
}

// Input implements computed.Computed.
func (c *computation[T]) Input() computed.Input {
	return c.input
}

// State implements computed.Computed.
func (c *computation[T]) State() computed.State {
	return computed.State(c.state.Load())
}

// Options implements computed.Computed.
func (c *computation[T]) Options() computed.Options {
	return c.opts
}

// LastAccessTime implements computed.Computed.
func (c *computation[T]) LastAccessTime() time.Time {
	return time.Unix(0, c.lastAccess.Load())
}

// Touch implements computed.Computed.
func (c *computation[T]) Touch() {
	c.lastAccess.Store(c.clock.Now().UnixNano())
}

// Cell implements computed.Computed.
func (c *computation[T]) Cell() *computed.Cell {
	return c.cell
}

// Invalidate implements computed.Computed. Idempotent; the first
// transition to Invalidated unregisters the computation.
func (c *computation[T]) Invalidate() {
	for {
		s := c.state.Load()
		if s == int32(computed.StateInvalidated) {
			return
		}
		if c.state.CompareAndSwap(s, int32(computed.StateInvalidated)) {
			_, _ = c.reg.Unregister(c)
			return
		}
	}
}

// complete publishes the value and moves Computing to Consistent. The
// value is written before the state becomes visible, so readers that
// observe Consistent read the final value.
func (c *computation[T]) complete(v T) {
	c.value = v
	c.state.CompareAndSwap(int32(computed.StateComputing), int32(computed.StateConsistent))
}

// Value returns the computed value while the computation is consistent.
func (c *computation[T]) Value() (T, bool) {
	if c.State() != computed.StateConsistent {
		var zero T
		return zero, false
	}
	return c.value, true
}
