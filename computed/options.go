package computed

import "time"

// Options holds per-computation caching options. Options are fixed at
// construction time.
type Options struct {
	// KeepAliveTime is how long after the last access the registry
	// keeps a strong pin on the computation. Once it elapses the entry
	// is demoted to weak-only and survives until collected.
	KeepAliveTime time.Duration
}

// DefaultOptions returns the default caching options.
func DefaultOptions() Options {
	return Options{
		KeepAliveTime: time.Second,
	}
}
