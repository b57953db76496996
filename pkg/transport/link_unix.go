//go:build linux || darwin

package transport

import (
	"errors"
	"syscall"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
	"golang.org/x/sys/unix"
)

// newSource returns a read data source for conn, or nil when the run loop
// does not wait on descriptors or conn has none.
func (l *Link) newSource() *runloop.DataSource {
	if !runloop.WaitsOnHandles(l.loop) {
		return nil
	}
	sc, ok := l.conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil
	}
	fd := -1
	if err := raw.Control(func(h uintptr) { fd = int(h) }); err != nil || fd < 0 {
		return nil
	}

	l.rx = newDeframer()
	l.rxBuf = make([]byte, readBufferSize)
	return &runloop.DataSource{
		Handle:  fd,
		Context: raw,
		Process: l.readReady,
	}
}

// readReady reads what conn holds without blocking.
func (l *Link) readReady(ds *runloop.DataSource, c runloop.CallbackType) {
	if c&runloop.CallbackRead == 0 {
		return
	}
	raw := ds.Context.(syscall.RawConn)

	var n int
	var rerr error
	err := raw.Read(func(fd uintptr) bool {
		n, rerr = unix.Read(int(fd), l.rxBuf)
		return true
	})
	if err == nil {
		err = rerr
	}
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return
	case err != nil:
		if l.log != nil && l.state != LinkStateClosed {
			l.log.Debugf("read: %v", err)
		}
		l.teardown(hci.StatusConnectionTimeout)
	case n == 0:
		l.teardown(hci.StatusConnectionTimeout)
	default:
		l.received(l.rxBuf[:n])
	}
}
