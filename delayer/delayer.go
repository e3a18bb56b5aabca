// Package delayer implements the update delayer: a coalescing delay
// with error backoff that gates how fast a reactive consumer re-reads
// after an invalidation. External "flush" signals cut waits short
// through rotating completion promises.
package delayer

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/willibrandon/gofusion/observability"
)

// errorCompletionDelay postpones release of error-path waiters after a
// flush to prevent rapid retry storms.
const errorCompletionDelay = time.Second

// Config holds update delayer configuration.
type Config struct {
	// Delay is the base wait before a consumer re-reads.
	Delay time.Duration

	// MinExtraErrorDelay is the backoff added after the first failed
	// try.
	MinExtraErrorDelay time.Duration

	// MaxExtraErrorDelay caps the error backoff.
	MaxExtraErrorDelay time.Duration

	// CancelDelaysDelay is the coalescing window for CancelDelays
	// signals.
	CancelDelaysDelay time.Duration

	// LogLevel is the level delay events are logged at.
	LogLevel observability.LogLevel
}

// DefaultConfig returns the default delayer configuration.
func DefaultConfig() Config {
	return Config{
		Delay:              time.Second,
		MinExtraErrorDelay: 5 * time.Second,
		MaxExtraErrorDelay: 2 * time.Minute,
		CancelDelaysDelay:  50 * time.Millisecond,
		LogLevel:           observability.DebugLevel,
	}
}

// Delayer gates a consumer's re-reads after invalidation.
type Delayer interface {
	// Delay waits for the configured delay, an external flush, or
	// cancellation, whichever comes first.
	Delay(ctx context.Context)

	// ExtraErrorDelay waits for the error backoff of the given retry,
	// an error-path flush, or cancellation.
	ExtraErrorDelay(ctx context.Context, err error, tryIndex int)

	// CancelDelays releases waiters. With noDelay false the release is
	// coalesced over the configured window; with noDelay true it is
	// immediate.
	CancelDelays(noDelay bool)
}

// completion is a single-use promise completed by closing its channel.
type completion struct {
	done chan struct{}
	once sync.Once
}

func newCompletion() *completion {
	return &completion{done: make(chan struct{})}
}

func (c *completion) complete() {
	c.once.Do(func() { close(c.done) })
}

// UpdateDelayer is the standard Delayer implementation.
type UpdateDelayer struct {
	cfg   Config
	clock clockwork.Clock
	log   observability.Logger

	endDelay      atomic.Pointer[completion]
	errorEndDelay atomic.Pointer[completion]
	cancelPending atomic.Bool
}

// Option configures an UpdateDelayer.
type Option func(*UpdateDelayer)

// WithClock substitutes the delayer's clock. Default: the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(d *UpdateDelayer) { d.clock = clock }
}

// WithLogger sets the delayer logger. Default: a null logger.
func WithLogger(log observability.Logger) Option {
	return func(d *UpdateDelayer) { d.log = log }
}

// New creates an update delayer.
func New(cfg Config, opts ...Option) *UpdateDelayer {
	d := &UpdateDelayer{
		cfg:   cfg,
		clock: clockwork.NewRealClock(),
		log:   observability.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.ForContext("SourceContext", "UpdateDelayer")
	d.endDelay.Store(newCompletion())
	d.errorEndDelay.Store(newCompletion())
	return d
}

// Delay implements Delayer.Delay. Cancellation returns silently.
func (d *UpdateDelayer) Delay(ctx context.Context) {
	if d.cfg.Delay <= 0 {
		return
	}
	// Snapshot before waiting; a concurrent CancelDelays completes
	// exactly the promises already snapshotted.
	end := d.endDelay.Load()
	select {
	case <-d.clock.After(d.cfg.Delay):
	case <-end.done:
	case <-ctx.Done():
	}
}

// ExtraErrorDelay implements Delayer.ExtraErrorDelay. The backoff for
// try k is min(MaxExtraErrorDelay, MinExtraErrorDelay * (sqrt 2)^max(0, k-1)).
func (d *UpdateDelayer) ExtraErrorDelay(ctx context.Context, err error, tryIndex int) {
	delay := d.errorDelay(tryIndex)
	d.logAt("Error delay: {Delay} before try {TryIndex}: {Error}", delay, tryIndex, err)

	end := d.errorEndDelay.Load()
	select {
	case <-d.clock.After(delay):
	case <-end.done:
	case <-ctx.Done():
	}
}

func (d *UpdateDelayer) errorDelay(tryIndex int) time.Duration {
	exp := tryIndex - 1
	if exp < 0 {
		exp = 0
	}
	seconds := d.cfg.MinExtraErrorDelay.Seconds() * math.Pow(math.Sqrt2, float64(exp))
	// Cap in float seconds: large tries overflow time.Duration.
	if seconds > d.cfg.MaxExtraErrorDelay.Seconds() {
		return d.cfg.MaxExtraErrorDelay
	}
	return time.Duration(seconds * float64(time.Second))
}

// CancelDelays implements Delayer.CancelDelays.
//
// With noDelay false, the effective cancellation is scheduled
// CancelDelaysDelay later and bursts of signals inside that window
// coalesce into one. With noDelay true, each promise is atomically
// replaced with a fresh pending one and the previous one is completed,
// so no waiter holding an earlier snapshot is stranded; the error-path
// promise completes after errorCompletionDelay.
func (d *UpdateDelayer) CancelDelays(noDelay bool) {
	if !noDelay {
		if d.cancelPending.CompareAndSwap(false, true) {
			go func() {
				<-d.clock.After(d.cfg.CancelDelaysDelay)
				d.cancelPending.Store(false)
				d.CancelDelays(true)
			}()
		}
		return
	}

	old := d.endDelay.Swap(newCompletion())
	old.complete()

	oldErr := d.errorEndDelay.Swap(newCompletion())
	go func() {
		<-d.clock.After(errorCompletionDelay)
		oldErr.complete()
	}()

	observability.DelayerCancelsTotal.Inc()
	d.logAt("Delays cancelled")
}

// logAt logs at the configured level.
func (d *UpdateDelayer) logAt(template string, args ...any) {
	switch d.cfg.LogLevel {
	case observability.VerboseLevel:
		d.log.Verbose(template, args...)
	case observability.DebugLevel:
		d.log.Debug(template, args...)
	case observability.InfoLevel:
		d.log.Info(template, args...)
	case observability.WarnLevel:
		d.log.Warn(template, args...)
	case observability.ErrorLevel:
		d.log.Error(template, args...)
	}
}

// None is a Delayer that never delays. Useful for tests and consumers
// that want eager re-reads.
type None struct{}

// Delay implements Delayer.Delay.
func (None) Delay(ctx context.Context) {}

// ExtraErrorDelay implements Delayer.ExtraErrorDelay.
func (None) ExtraErrorDelay(ctx context.Context, err error, tryIndex int) {}

// CancelDelays implements Delayer.CancelDelays.
func (None) CancelDelays(noDelay bool) {}
