// Package weakref provides recyclable weak-reference handles and a
// sharded pool that amortizes their allocation.
package weakref

import (
	"errors"
	"weak"
)

// Strength is the reachability strength of a handle.
type Strength int

const (
	// Weak handles do not keep their target reachable.
	Weak Strength = iota
	// Strong handles pin their target. The pool does not admit them.
	Strong
)

func (s Strength) String() string {
	switch s {
	case Weak:
		return "Weak"
	case Strong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// ErrInvalidHandleStrength is returned when a pool is configured with
// any strength other than Weak.
var ErrInvalidHandleStrength = errors.New("weakref: pool admits only Weak handles")

// Handle is a re-bindable weak reference. A released handle has no
// target; Acquire binds it to a new one.
type Handle[T any] struct {
	ptr weak.Pointer[T]
}

// Target returns the handle's target, or nil if it was collected or the
// handle has been released.
func (h *Handle[T]) Target() *T {
	return h.ptr.Value()
}

// PoolConfig holds handle pool configuration.
type PoolConfig struct {
	// Strength of the pooled handles. Must be Weak.
	Strength Strength

	// Shards is the number of free lists. Callers spread themselves
	// across shards with a randomized hash.
	Shards int

	// ShardCapacity bounds each shard's free list; releases beyond it
	// are discarded.
	ShardCapacity int
}

// DefaultPoolConfig returns the default pool configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Strength:      Weak,
		Shards:        16,
		ShardCapacity: 256,
	}
}

// Pool is a sharded free list of weak handles. Each shard is a bounded
// buffered channel, so handles are reused in FIFO order rather than as
// a stack; acquiring from an empty shard allocates, releasing to a full
// shard discards.
type Pool[T any] struct {
	shards []chan *Handle[T]
}

// NewPool creates a handle pool. Configuring any strength other than
// Weak is a configuration error surfaced immediately.
func NewPool[T any](cfg PoolConfig) (*Pool[T], error) {
	if cfg.Strength != Weak {
		return nil, ErrInvalidHandleStrength
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultPoolConfig().Shards
	}
	if cfg.ShardCapacity <= 0 {
		cfg.ShardCapacity = DefaultPoolConfig().ShardCapacity
	}
	p := &Pool[T]{
		shards: make([]chan *Handle[T], cfg.Shards),
	}
	for i := range p.shards {
		p.shards[i] = make(chan *Handle[T], cfg.ShardCapacity)
	}
	return p, nil
}

// Acquire returns a handle bound to target, reusing a pooled handle
// from the shard selected by random when one is available.
func (p *Pool[T]) Acquire(target *T, random uint32) *Handle[T] {
	var h *Handle[T]
	select {
	case h = <-p.shard(random):
	default:
		h = &Handle[T]{}
	}
	h.ptr = weak.Make(target)
	return h
}

// Release unbinds h and returns it to the shard selected by random.
// If the shard is at capacity the handle is discarded.
func (p *Pool[T]) Release(h *Handle[T], random uint32) {
	h.ptr = weak.Pointer[T]{}
	select {
	case p.shard(random) <- h:
	default:
	}
}

// Dispose drops all pooled handles.
func (p *Pool[T]) Dispose() {
	for _, shard := range p.shards {
	drain:
		for {
			select {
			case <-shard:
			default:
				break drain
			}
		}
	}
}

func (p *Pool[T]) shard(random uint32) chan *Handle[T] {
	return p.shards[random%uint32(len(p.shards))]
}
