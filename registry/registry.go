// Package registry implements the computed-value registry: a
// concurrent, weakly-referenced map from input fingerprints to cached
// computations with lock-free fast-path lookups, at most one live
// computation per input, and probabilistic background pruning.
package registry

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/willibrandon/gofusion/computed"
	"github.com/willibrandon/gofusion/locking"
	"github.com/willibrandon/gofusion/observability"
	"github.com/willibrandon/gofusion/stochastic"
	"github.com/willibrandon/gofusion/weakref"
)

// ErrWrongComputedState is returned by Unregister when the computation
// is not invalidated. Removing a still-reachable entry would break the
// at-most-one-live-per-key invariant consumers rely on.
var ErrWrongComputedState = errors.New("registry: computed must be invalidated")

// opSamplingLog2 makes the operation counter sample one in 16 ops.
const opSamplingLog2 = 4

// registerSpinBudget is how many Register retries run before yielding
// to the scheduler.
const registerSpinBudget = 64

// Registry is the concurrent computation cache. Lookups are lock-free;
// publications retry through the map's CAS primitives. Computations are
// held weakly once their keep-alive window expires.
type Registry struct {
	storage   sync.Map // computed.Input -> entry
	pool      *weakref.Pool[computed.Cell]
	opCounter *stochastic.Counter
	clock     clockwork.Clock
	log       observability.Logger
	locksFor  func(computed.Function) *locking.LockSet[computed.Input]

	initialCapacity int
	pruneThreshold  atomic.Int64

	pruneMu      sync.Mutex
	prunePending bool
	pruneDone    sync.WaitGroup

	disposed atomic.Bool
}

type options struct {
	concurrencyLevel int
	initialCapacity  int
	clock            clockwork.Clock
	log              observability.Logger
	pool             weakref.PoolConfig
	locksFor         func(computed.Function) *locking.LockSet[computed.Input]
}

// Option configures a Registry.
type Option func(*options)

// WithConcurrencyLevel sets the expected number of concurrent
// producers. It feeds the default capacity. Default: processor count.
func WithConcurrencyLevel(n int) Option {
	return func(o *options) { o.concurrencyLevel = n }
}

// WithInitialCapacity overrides the initial capacity estimate. The
// default is the largest prime not exceeding
// min(16384, nextPow2(concurrencyLevel) * 128).
func WithInitialCapacity(n int) Option {
	return func(o *options) { o.initialCapacity = n }
}

// WithClock substitutes the clock used for keep-alive accounting.
// Default: the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger sets the registry logger. Default: a null logger.
func WithLogger(log observability.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithPoolConfig overrides the weak handle pool configuration.
func WithPoolConfig(cfg weakref.PoolConfig) Option {
	return func(o *options) { o.pool = cfg }
}

// WithLocksProvider overrides how GetLocksFor maps functions to lock
// sets. The default hands every function the same shared set.
func WithLocksProvider(f func(computed.Function) *locking.LockSet[computed.Input]) Option {
	return func(o *options) { o.locksFor = f }
}

// New creates a registry.
func New(opts ...Option) (*Registry, error) {
	o := options{
		concurrencyLevel: runtime.NumCPU(),
		clock:            clockwork.NewRealClock(),
		log:              observability.NewNullLogger(),
		pool:             weakref.DefaultPoolConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.concurrencyLevel < 1 {
		o.concurrencyLevel = 1
	}
	if o.initialCapacity <= 0 {
		o.initialCapacity = defaultCapacity(o.concurrencyLevel)
	}

	pool, err := weakref.NewPool[computed.Cell](o.pool)
	if err != nil {
		return nil, fmt.Errorf("create handle pool: %w", err)
	}

	locksFor := o.locksFor
	if locksFor == nil {
		shared := locking.NewLockSet[computed.Input](locking.ReentryCheckedFail)
		locksFor = func(computed.Function) *locking.LockSet[computed.Input] {
			return shared
		}
	}

	r := &Registry{
		pool:            pool,
		opCounter:       stochastic.NewCounter(opSamplingLog2),
		clock:           o.clock,
		log:             o.log.ForContext("SourceContext", "Registry"),
		locksFor:        locksFor,
		initialCapacity: o.initialCapacity,
	}
	r.pruneThreshold.Store(clampThreshold(int64(o.initialCapacity)))
	return r, nil
}

// Instance is the process-wide registry, created at startup. Every
// operation is also available on an explicitly constructed Registry so
// tests can substitute their own.
var Instance = mustNew()

func mustNew() *Registry {
	r, err := New()
	if err != nil {
		panic(err)
	}
	return r
}

// TryGet returns the live computation registered for key, or nil.
//
// A returned computation is never observed invalidated at lookup time,
// but may be invalidated concurrently afterwards; callers use it and
// verify consistency under their own invariants.
func (r *Registry) TryGet(key computed.Input) computed.Computed {
	random := key.RandomizedHash()
	r.onOperation(random)

	v, ok := r.storage.Load(key)
	if !ok {
		observability.RegistryMissesTotal.WithLabelValues("absent").Inc()
		return nil
	}
	e := v.(entry)
	if e.pinned != nil {
		e.pinned.Touch()
		observability.RegistryHitsTotal.WithLabelValues("strong").Inc()
		return e.pinned
	}
	if c := e.target(); c != nil {
		c.Touch()
		// Restore the strong pin. A lost swap means another reader
		// promoted the entry or a writer removed it concurrently.
		r.storage.CompareAndSwap(key, e, entry{pinned: c, handle: e.handle})
		observability.RegistryHitsTotal.WithLabelValues("weak").Inc()
		return c
	}
	if r.storage.CompareAndDelete(key, e) {
		r.pool.Release(e.handle, random)
	}
	observability.RegistryMissesTotal.WithLabelValues("collected").Inc()
	return nil
}

// Register publishes c as the live entry for its input, evicting any
// predecessor. On return either the map reflects c or c has been
// invalidated.
func (r *Registry) Register(c computed.Computed) {
	key := c.Input()
	random := key.RandomizedHash()
	r.onOperation(random)

	for spins := 1; ; spins++ {
		if spins%registerSpinBudget == 0 {
			runtime.Gosched()
		}

		if v, ok := r.storage.Load(key); ok {
			e := v.(entry)
			t := e.target()
			if t == c {
				return
			}
			if t == nil || t.State() == computed.StateInvalidated {
				if r.storage.CompareAndDelete(key, e) {
					r.pool.Release(e.handle, random)
				}
				continue
			}
			// A different, still-valid computation owns the slot.
			// Invalidating it normally calls back into Unregister.
			t.Invalidate()
			continue
		}

		if c.State() == computed.StateInvalidated {
			return
		}
		h := r.pool.Acquire(c.Cell(), random)
		e := entry{pinned: c, handle: h}
		if _, loaded := r.storage.LoadOrStore(key, e); loaded {
			r.pool.Release(h, random)
			continue
		}
		if c.State() == computed.StateInvalidated {
			// Invalidated between the state check and the insert:
			// remove the entry that was just added.
			if r.storage.CompareAndDelete(key, e) {
				r.pool.Release(h, random)
			}
			return
		}
		observability.RegistryRegistrationsTotal.Inc()
		return
	}
}

// Unregister removes c's entry from the registry and reports whether
// the removal happened. c must already be invalidated; otherwise
// ErrWrongComputedState is returned. If a replacement computation
// already owns the slot, nothing is removed.
func (r *Registry) Unregister(c computed.Computed) (bool, error) {
	if c.State() != computed.StateInvalidated {
		return false, ErrWrongComputedState
	}
	key := c.Input()
	random := key.RandomizedHash()
	r.onOperation(random)

	v, ok := r.storage.Load(key)
	if !ok {
		return false, nil
	}
	e := v.(entry)
	if t := e.target(); t != nil && t != c {
		observability.RegistryUnregistrationsTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}
	if r.storage.CompareAndDelete(key, e) {
		r.pool.Release(e.handle, random)
		observability.RegistryUnregistrationsTotal.WithLabelValues("removed").Inc()
		return true, nil
	}
	return false, nil
}

// GetLocksFor returns the lock set serializing producers for fn's
// inputs. Callers acquire the input's lock around TryGet/Register so
// concurrent misses collapse into a single producer.
func (r *Registry) GetLocksFor(fn computed.Function) *locking.LockSet[computed.Input] {
	return r.locksFor(fn)
}

// Dispose waits for any in-flight prune pass and releases the handle
// pool. The map itself is reclaimed by the garbage collector.
func (r *Registry) Dispose() {
	if !r.disposed.CompareAndSwap(false, true) {
		return
	}
	r.pruneDone.Wait()
	r.pool.Dispose()
}

// onOperation samples the op counter and triggers a prune pass when the
// approximate operation count outgrows the threshold.
func (r *Registry) onOperation(random uint32) {
	v, sampled := r.opCounter.Increment(random)
	if !sampled {
		return
	}
	if v > r.pruneThreshold.Load() {
		r.tryPrune()
	}
}

func clampThreshold(v int64) int64 {
	if v > math.MaxInt32/2 {
		return math.MaxInt32 / 2
	}
	return v
}
