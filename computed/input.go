package computed

import (
	"fmt"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
)

// hashSalt perturbs shard selection per process so that a hostile or
// degenerate key distribution cannot pin one shard across restarts.
var hashSalt = rand.Uint32()

// Input is the fingerprint identifying a computation's inputs: the
// owning function plus a canonical encoding of its arguments. Inputs
// are immutable values; the registry relies only on equality and the
// 32-bit hash.
type Input struct {
	// Function is the stable identifier of the producing function.
	Function string

	// Argument is the canonical encoding of the call arguments.
	Argument string

	hash uint32
}

// NewInput builds the fingerprint for a function/argument pair.
func NewInput(function, argument string) Input {
	h := xxhash.New()
	_, _ = h.WriteString(function)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(argument)
	sum := h.Sum64()
	return Input{
		Function: function,
		Argument: argument,
		hash:     uint32(sum) ^ uint32(sum>>32),
	}
}

// HashCode returns the input's 32-bit hash.
func (in Input) HashCode() uint32 {
	return in.hash
}

// RandomizedHash returns the hash mixed with a per-process salt.
// Callers use it to pick pool and counter shards.
func (in Input) RandomizedHash() uint32 {
	return in.hash ^ hashSalt
}

func (in Input) String() string {
	return fmt.Sprintf("%s(%s)", in.Function, in.Argument)
}
