// Package runloop implements the single-threaded cooperative scheduler that
// drives the stack.
//
// A RunLoop owns a set of data sources (descriptor readiness or polled
// callbacks) and a deadline-ordered list of one-shot timers. All protocol
// code runs on the goroutine executing the loop, so none of it takes locks.
// The only entry point that may be called from other goroutines is
// ExecuteOnMainThread.
//
// Two backends are provided:
//   - Embedded: virtual or system clock, polled data sources, RunOnce for
//     deterministic tests.
//   - POSIX: poll(2) over data-source descriptors with a self-pipe wakeup.
package runloop

import (
	"context"
)

// CallbackType selects which readiness conditions a data source is interested in.
type CallbackType uint8

const (
	// CallbackPoll requests a callback on every loop iteration.
	CallbackPoll CallbackType = 1 << iota
	// CallbackRead requests a callback when the handle is readable.
	CallbackRead
	// CallbackWrite requests a callback when the handle is writable.
	CallbackWrite
)

// String returns a short name for the callback set.
func (c CallbackType) String() string {
	s := ""
	if c&CallbackPoll != 0 {
		s += "P"
	}
	if c&CallbackRead != 0 {
		s += "R"
	}
	if c&CallbackWrite != 0 {
		s += "W"
	}
	if s == "" {
		return "-"
	}
	return s
}

// DataSource is one I/O endpoint registered with the run loop.
// The run loop never closes Handle; the owner removes the source before
// releasing the descriptor.
type DataSource struct {
	// Handle is the file descriptor, or -1 for sources without one.
	Handle int

	// Process is invoked on the loop goroutine with the signaled conditions.
	Process func(ds *DataSource, c CallbackType)

	// Context is opaque to the run loop.
	Context any

	enabled CallbackType
}

// Enabled returns the callback types currently enabled for the source.
func (ds *DataSource) Enabled() CallbackType {
	return ds.enabled
}

// WaitsOnHandles reports whether loop blocks on the Handle of its data
// sources. Other loops only dispatch CallbackPoll.
func WaitsOnHandles(loop RunLoop) bool {
	w, ok := loop.(interface{ waitsOnHandles() bool })
	return ok && w.waitsOnHandles()
}

// Timer is a one-shot deadline with a callback.
// A timer is removed from the loop before Process runs, so Process may
// re-add the same timer.
type Timer struct {
	// Process is invoked on the loop goroutine when the deadline passes.
	Process func(t *Timer)

	// Context is opaque to the run loop and round-tripped to Process.
	Context any

	deadline uint32
}

// Deadline returns the absolute deadline in loop milliseconds.
func (t *Timer) Deadline() uint32 {
	return t.deadline
}

// RunLoop is the scheduler interface consumed by every protocol layer.
type RunLoop interface {
	// AddDataSource registers ds. Adding a registered source is a no-op.
	AddDataSource(ds *DataSource)

	// RemoveDataSource unregisters ds. Returns false if it was not registered.
	RemoveDataSource(ds *DataSource) bool

	// EnableDataSourceCallbacks adds c to the conditions ds is interested in.
	EnableDataSourceCallbacks(ds *DataSource, c CallbackType)

	// DisableDataSourceCallbacks removes c from the conditions ds is interested in.
	DisableDataSourceCallbacks(ds *DataSource, c CallbackType)

	// SetTimer sets the deadline of t to now + timeoutMs. It does not add t.
	SetTimer(t *Timer, timeoutMs uint32)

	// AddTimer inserts t into the deadline-ordered timer list.
	// Adding a timer that is already linked logs an error and does nothing.
	AddTimer(t *Timer)

	// RemoveTimer cancels t. Returns false if t was not linked.
	RemoveTimer(t *Timer) bool

	// TimeMs returns milliseconds since the loop was created.
	TimeMs() uint32

	// ExecuteOnMainThread queues fn to run on the loop goroutine.
	// Safe to call from any goroutine.
	ExecuteOnMainThread(fn func())

	// Execute runs the loop until ctx is cancelled and returns ctx.Err().
	Execute(ctx context.Context) error
}

// deadlineBefore reports whether deadline a is earlier than b, tolerating
// uint32 wrap-around.
func deadlineBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// due reports whether a deadline has been reached at now.
func due(deadline, now uint32) bool {
	return int32(deadline-now) <= 0
}
