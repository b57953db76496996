package runloop

import (
	"sync"
	"time"

	"github.com/backkem/bthost/pkg/linkedlist"
	"github.com/pion/logging"
)

// base holds the state shared by all backends: the data-source set, the
// timer list, the reference instant and the cross-goroutine callback queue.
type base struct {
	log   logging.LeveledLogger
	clock Clock
	start time.Time

	sources         linkedlist.List[*DataSource]
	sourcesModified bool
	timers          linkedlist.List[*Timer]

	mu        sync.Mutex
	callbacks []func()
	wake      func()
}

func (b *base) init(clock Clock, factory logging.LoggerFactory, wake func()) {
	if clock == nil {
		clock = SystemClock{}
	}
	b.clock = clock
	b.start = clock.Now()
	b.sources = linkedlist.List[*DataSource]{}
	b.timers = linkedlist.List[*Timer]{}
	b.callbacks = nil
	b.wake = wake
	if factory != nil {
		b.log = factory.NewLogger("runloop")
	}
}

// AddDataSource registers ds.
func (b *base) AddDataSource(ds *DataSource) {
	if b.sources.Add(ds) {
		b.sourcesModified = true
	}
}

// RemoveDataSource unregisters ds.
func (b *base) RemoveDataSource(ds *DataSource) bool {
	if !b.sources.Remove(ds) {
		return false
	}
	b.sourcesModified = true
	return true
}

// EnableDataSourceCallbacks adds c to the interest set of ds.
func (b *base) EnableDataSourceCallbacks(ds *DataSource, c CallbackType) {
	ds.enabled |= c
}

// DisableDataSourceCallbacks removes c from the interest set of ds.
func (b *base) DisableDataSourceCallbacks(ds *DataSource, c CallbackType) {
	ds.enabled &^= c
}

// TimeMs returns milliseconds since init.
func (b *base) TimeMs() uint32 {
	return uint32(b.clock.Now().Sub(b.start).Milliseconds())
}

// SetTimer sets the absolute deadline of t.
func (b *base) SetTimer(t *Timer, timeoutMs uint32) {
	t.deadline = b.TimeMs() + timeoutMs
}

// AddTimer inserts t sorted by deadline.
func (b *base) AddTimer(t *Timer) {
	if !b.timers.InsertSorted(t, func(a, c *Timer) bool { return deadlineBefore(a.deadline, c.deadline) }) {
		if b.log != nil {
			b.log.Errorf("add timer: timer %p already linked, ignoring", t)
		}
	}
}

// RemoveTimer unlinks t.
func (b *base) RemoveTimer(t *Timer) bool {
	return b.timers.Remove(t)
}

// ExecuteOnMainThread queues fn and wakes the loop.
func (b *base) ExecuteOnMainThread(fn func()) {
	b.mu.Lock()
	b.callbacks = append(b.callbacks, fn)
	b.mu.Unlock()
	if b.wake != nil {
		b.wake()
	}
}

// nextTimeout returns the milliseconds until the earliest timer and whether
// any timer is pending.
func (b *base) nextTimeout() (uint32, bool) {
	t, ok := b.timers.First()
	if !ok {
		return 0, false
	}
	delta := int32(t.deadline - b.TimeMs())
	if delta < 0 {
		delta = 0
	}
	return uint32(delta), true
}

// dispatchSources calls Process on every source for which ready reports a
// signaled condition. A callback that adds or removes a source ends the pass;
// the remaining sources are revisited on the next iteration.
func (b *base) dispatchSources(ready func(ds *DataSource) CallbackType) {
	b.sourcesModified = false
	it := b.sources.Iterator()
	for it.HasNext() {
		ds := it.Next()
		c := ready(ds)
		if c == 0 || ds.Process == nil {
			continue
		}
		ds.Process(ds, c)
		if b.sourcesModified {
			break
		}
	}
}

// processTimers fires every timer due at now, in deadline order.
func (b *base) processTimers(now uint32) {
	for {
		t, ok := b.timers.First()
		if !ok || !due(t.deadline, now) {
			return
		}
		b.timers.Pop()
		if t.Process != nil {
			t.Process(t)
		}
	}
}

// runCallbacks drains the main-thread queue. Callbacks queued while draining
// run on the next call.
func (b *base) runCallbacks() {
	b.mu.Lock()
	pending := b.callbacks
	b.callbacks = nil
	b.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (b *base) hasPolledSources() bool {
	_, ok := b.sources.Find(func(ds *DataSource) bool { return ds.enabled&CallbackPoll != 0 })
	return ok
}

func (b *base) hasCallbacks() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.callbacks) > 0
}
