//go:build linux || darwin

package runloop

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/logging"
	"golang.org/x/sys/unix"
)

// POSIXConfig configures a POSIX run loop.
type POSIXConfig struct {
	// Clock is the time source. If nil, SystemClock is used.
	Clock Clock

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// POSIX is a run loop that blocks in poll(2) on the descriptors of its data
// sources. A self-pipe, registered as an ordinary data source, wakes it for
// ExecuteOnMainThread and context cancellation.
type POSIX struct {
	base
	wakeR, wakeW int
	wakeSource   *DataSource
	pollFds      []unix.PollFd
	closed       bool
}

// NewPOSIX creates a POSIX run loop.
func NewPOSIX(config POSIXConfig) (*POSIX, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("runloop: create wakeup pipe: %w", err)
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, fmt.Errorf("runloop: set wakeup pipe non-blocking: %w", err)
		}
	}

	p := &POSIX{wakeR: fds[0], wakeW: fds[1]}
	p.init(config.Clock, config.LoggerFactory, p.signal)

	p.wakeSource = &DataSource{Handle: p.wakeR, Process: p.drainWakeup}
	p.AddDataSource(p.wakeSource)
	p.EnableDataSourceCallbacks(p.wakeSource, CallbackRead)
	return p, nil
}

func (p *POSIX) signal() {
	// A full pipe already guarantees a pending wakeup.
	_, _ = unix.Write(p.wakeW, []byte{1})
}

func (p *POSIX) drainWakeup(ds *DataSource, _ CallbackType) {
	var buf [64]byte
	for {
		n, err := unix.Read(ds.Handle, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	p.runCallbacks()
}

// Execute runs the loop until ctx is cancelled.
func (p *POSIX) Execute(ctx context.Context) error {
	stop := context.AfterFunc(ctx, p.signal)
	defer stop()

	for {
		p.runCallbacks()
		if err := ctx.Err(); err != nil {
			return err
		}

		// 1. wait set
		p.pollFds = p.pollFds[:0]
		it := p.sources.Iterator()
		for it.HasNext() {
			ds := it.Next()
			if ds.Handle < 0 {
				continue
			}
			var events int16
			if ds.enabled&CallbackRead != 0 {
				events |= unix.POLLIN
			}
			if ds.enabled&CallbackWrite != 0 {
				events |= unix.POLLOUT
			}
			if events == 0 {
				continue
			}
			p.pollFds = append(p.pollFds, unix.PollFd{Fd: int32(ds.Handle), Events: events})
		}

		// 2. timeout
		timeout := -1
		if ms, ok := p.nextTimeout(); ok {
			timeout = int(ms)
		}
		if p.hasPolledSources() {
			timeout = 0
		}

		// 3. the single blocking call
		_, err := unix.Poll(p.pollFds, timeout)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("runloop: poll: %w", err)
		}

		// 4. data sources
		revents := make(map[int]int16, len(p.pollFds))
		for _, pfd := range p.pollFds {
			if pfd.Revents != 0 {
				revents[int(pfd.Fd)] = pfd.Revents
			}
		}
		p.dispatchSources(func(ds *DataSource) CallbackType {
			var c CallbackType
			if ds.Handle >= 0 {
				r := revents[ds.Handle]
				if r&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 && ds.enabled&CallbackRead != 0 {
					c |= CallbackRead
				}
				if r&unix.POLLOUT != 0 && ds.enabled&CallbackWrite != 0 {
					c |= CallbackWrite
				}
			}
			return c | ds.enabled&CallbackPoll
		})

		// 5. timers
		p.processTimers(p.TimeMs())
	}
}

func (p *POSIX) waitsOnHandles() bool { return true }

// Close releases the wakeup pipe. The loop must not be executing.
func (p *POSIX) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.RemoveDataSource(p.wakeSource)
	err := unix.Close(p.wakeR)
	if werr := unix.Close(p.wakeW); err == nil {
		err = werr
	}
	return err
}

var _ RunLoop = (*POSIX)(nil)
