// Package computed defines the contract between computations and the
// registry that caches them: input fingerprints, computation state, and
// the weak-indirection cell the registry tracks computations through.
package computed

import (
	"time"
)

// State is the consistency state of a computation.
type State int32

const (
	// StateComputing means the computation is still producing its value.
	StateComputing State = iota
	// StateConsistent means the value is produced and not yet invalidated.
	StateConsistent
	// StateInvalidated is terminal: the value must not be reused.
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateComputing:
		return "Computing"
	case StateConsistent:
		return "Consistent"
	case StateInvalidated:
		return "Invalidated"
	default:
		return "Unknown"
	}
}

// Computed is the registry's view of a cached computation. The registry
// treats it as opaque: it reads state and timestamps, touches it on
// cache hits, and invalidates it when a successor replaces it.
//
// State transitions are monotone: once a computation reports
// StateInvalidated it never leaves that state. Invalidate must be
// idempotent and is expected to call Registry.Unregister.
type Computed interface {
	// Input returns the immutable fingerprint identifying this
	// computation's inputs.
	Input() Input

	// State returns the current consistency state.
	State() State

	// Options returns the immutable caching options.
	Options() Options

	// LastAccessTime returns the time of the most recent Touch.
	LastAccessTime() time.Time

	// Touch records an access, postponing keep-alive expiry.
	Touch()

	// Invalidate drives the computation to StateInvalidated.
	Invalidate()

	// Cell returns the computation's weak-indirection cell. The cell is
	// allocated once per computation and must reference it strongly.
	Cell() *Cell
}

// Function is implemented by the memoizing function layer. The registry
// uses it only to select the lock set serializing that function's
// producers.
type Function interface {
	// FunctionID returns the stable identifier the function contributes
	// to its inputs' fingerprints.
	FunctionID() string
}

// Cell is the weak-reference target standing in for a computation.
//
// A computation and its cell reference each other strongly, so the pair
// is reachable exactly as long as the computation is. Taking a weak
// pointer to the cell therefore observes the computation's liveness
// without the registry ever naming the computation's concrete type.
type Cell struct {
	c Computed
}

// NewCell returns the cell for c. Implementations of Computed call this
// once during construction and return the result from Cell.
func NewCell(c Computed) *Cell {
	return &Cell{c: c}
}

// Computed returns the computation this cell stands in for.
func (cell *Cell) Computed() Computed {
	return cell.c
}
