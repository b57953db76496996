package runloop

import (
	"context"
	"time"

	"github.com/pion/logging"
)

// EmbeddedConfig configures an Embedded run loop.
type EmbeddedConfig struct {
	// Clock is the time source. If nil, SystemClock is used.
	Clock Clock

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Embedded is a run loop without descriptors: data sources are polled every
// iteration and the loop sleeps on a channel between timers.
//
// Tests drive it step by step with a ManualClock and RunOnce.
type Embedded struct {
	base
	wakeCh chan struct{}
}

// NewEmbedded creates an Embedded run loop.
func NewEmbedded(config EmbeddedConfig) *Embedded {
	e := &Embedded{wakeCh: make(chan struct{}, 1)}
	e.init(config.Clock, config.LoggerFactory, e.signal)
	return e
}

func (e *Embedded) signal() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// RunOnce performs one non-blocking iteration: queued main-thread callbacks,
// polled data sources, then every timer that is due.
func (e *Embedded) RunOnce() {
	e.runCallbacks()
	e.dispatchSources(func(ds *DataSource) CallbackType {
		return ds.enabled & CallbackPoll
	})
	e.processTimers(e.TimeMs())
}

// Execute runs the loop until ctx is cancelled.
func (e *Embedded) Execute(ctx context.Context) error {
	for {
		e.RunOnce()
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.hasCallbacks() {
			continue
		}

		wait := time.Duration(-1)
		if ms, ok := e.nextTimeout(); ok {
			wait = time.Duration(ms) * time.Millisecond
		}
		if e.hasPolledSources() && (wait < 0 || wait > time.Millisecond) {
			wait = time.Millisecond
		}

		if wait < 0 {
			select {
			case <-ctx.Done():
			case <-e.wakeCh:
			}
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
		case <-e.wakeCh:
		case <-timer.C:
		}
		timer.Stop()
	}
}

var _ RunLoop = (*Embedded)(nil)
