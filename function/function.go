// Package function provides the memoizing function layer over the
// registry: reads are cache lookups, concurrent misses for the same
// input collapse into a single producer, and invalidation makes the
// next read recompute.
package function

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/willibrandon/gofusion/computed"
	"github.com/willibrandon/gofusion/observability"
	"github.com/willibrandon/gofusion/registry"
)

// ComputeFunc produces the value for one argument.
type ComputeFunc[T any] func(ctx context.Context, argument string) (T, error)

// Memoized is a function whose results are cached in a registry by
// input fingerprint.
type Memoized[T any] struct {
	name    string
	reg     *registry.Registry
	compute ComputeFunc[T]
	opts    computed.Options
	clock   clockwork.Clock
	log     observability.Logger
}

// Option configures a Memoized function.
type Option[T any] func(*Memoized[T])

// WithOptions sets the caching options for produced computations.
func WithOptions[T any](opts computed.Options) Option[T] {
	return func(f *Memoized[T]) { f.opts = opts }
}

// WithClock substitutes the clock used for access stamps.
func WithClock[T any](clock clockwork.Clock) Option[T] {
	return func(f *Memoized[T]) { f.clock = clock }
}

// WithLogger sets the function logger.
func WithLogger[T any](log observability.Logger) Option[T] {
	return func(f *Memoized[T]) { f.log = log }
}

// New creates a memoized function. name must be stable: it is part of
// every input fingerprint the function produces.
func New[T any](name string, reg *registry.Registry, compute ComputeFunc[T], opts ...Option[T]) *Memoized[T] {
	f := &Memoized[T]{
		name:    name,
		reg:     reg,
		compute: compute,
		opts:    computed.DefaultOptions(),
		clock:   clockwork.NewRealClock(),
		log:     observability.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FunctionID implements computed.Function.
func (f *Memoized[T]) FunctionID() string {
	return f.name
}

// Invoke returns the cached value for argument, computing and
// publishing it on a miss. Concurrent misses for the same argument are
// serialized by the registry's lock set; only one caller computes.
func (f *Memoized[T]) Invoke(ctx context.Context, argument string) (T, error) {
	in := computed.NewInput(f.name, argument)
	if v, ok := f.tryUse(in); ok {
		return v, nil
	}

	locks := f.reg.GetLocksFor(f)
	lockCtx, release, err := locks.Acquire(ctx, in)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("acquire lock for %s: %w", in, err)
	}
	defer release()

	// Re-check under the lock: a concurrent producer may have
	// published while this caller waited.
	if v, ok := f.tryUse(in); ok {
		return v, nil
	}

	c := newComputation[T](f.reg, in, f.opts, f.clock)
	v, err := f.compute(lockCtx, argument)
	if err != nil {
		c.Invalidate()
		var zero T
		return zero, err
	}
	c.complete(v)
	f.reg.Register(c)
	f.log.Verbose("Computed {Input}", in.String())
	return v, nil
}

// Invalidate invalidates the cached computation for argument, if any.
// The next Invoke recomputes.
func (f *Memoized[T]) Invalidate(argument string) {
	if c := f.reg.TryGet(computed.NewInput(f.name, argument)); c != nil {
		c.Invalidate()
	}
}

func (f *Memoized[T]) tryUse(in computed.Input) (T, bool) {
	c := f.reg.TryGet(in)
	if c == nil {
		var zero T
		return zero, false
	}
	tc, ok := c.(*computation[T])
	if !ok {
		var zero T
		return zero, false
	}
	return tc.Value()
}
