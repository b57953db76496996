package transport

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
	"github.com/pion/logging"
)

// Default link parameters.
const (
	DefaultConnHandle    hci.ConnHandle = 0x0001
	DefaultNumACLBuffers                = 8

	readBufferSize = 64 * 1024
)

// Handler receives link events. Every method is invoked on the run loop
// goroutine.
type Handler interface {
	// LinkConnected is called once the peer announced its address.
	LinkConnected(l *Link)

	// LinkData is called for every ACL packet received from the peer.
	// The packet handle is rewritten to the local handle of the link.
	LinkData(l *Link, p hci.ACLPacket)

	// LinkPacketsSent is called after an ACL packet left the outgoing buffer
	// and CanSendACL may have become true.
	LinkPacketsSent(l *Link)

	// LinkDisconnected is called exactly once when the link goes down.
	LinkDisconnected(l *Link, reason hci.Status)
}

// LinkConfig configures a Link.
type LinkConfig struct {
	// Conn carries H4 frames to the peer. Stream and packet conns both work.
	// Required.
	Conn net.Conn

	// RunLoop is the loop the handler runs on.
	// Required.
	RunLoop runloop.RunLoop

	// Handler receives link events.
	// Required.
	Handler Handler

	// LocalAddr is announced to the peer during the handshake.
	LocalAddr hci.Addr

	// Handle is the local connection handle.
	// Default: DefaultConnHandle
	Handle hci.ConnHandle

	// ACLBufferSize is the largest ACL payload the link accepts.
	// Default: hci.DefaultACLBufferSize
	ACLBufferSize int

	// NumACLBuffers is the number of ACL packets that may be in flight.
	// Default: DefaultNumACLBuffers
	NumACLBuffers int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// outFrame is one write unit. An L2CAP PDU split into several ACL
// fragments occupies a single outgoing buffer.
type outFrame struct {
	bufs  [][]byte
	acl   bool
	final bool
}

// Link is a virtual baseband connection between two hosts carried over a
// net.Conn. Each side announces its address with a Connection Complete event
// and tears down with a Disconnection Complete event; everything else is ACL.
//
// Methods other than Start and Close must be called on the run loop goroutine.
type Link struct {
	conn       net.Conn
	loop       runloop.RunLoop
	handler    Handler
	local      hci.Addr
	handle     hci.ConnHandle
	aclSize    int
	numBuffers int
	log        logging.LeveledLogger

	// Loop goroutine state.
	state       LinkState
	remote      hci.Addr
	outstanding int

	// Set when the run loop reads conn through a data source.
	source *runloop.DataSource
	rx     *deframer
	rxBuf  []byte

	sendCh    chan outFrame
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	started bool
	polled  bool
}

// NewLink creates a link. Call Start to begin the handshake.
func NewLink(config LinkConfig) (*Link, error) {
	if config.Conn == nil {
		return nil, ErrClosed
	}
	if config.RunLoop == nil {
		return nil, ErrNoRunLoop
	}
	if config.Handler == nil {
		return nil, ErrNoHandler
	}
	if config.Handle == 0 {
		config.Handle = DefaultConnHandle
	}
	if config.ACLBufferSize <= 0 {
		config.ACLBufferSize = hci.DefaultACLBufferSize
	}
	if config.NumACLBuffers <= 0 {
		config.NumACLBuffers = DefaultNumACLBuffers
	}

	l := &Link{
		conn:       config.Conn,
		loop:       config.RunLoop,
		handler:    config.Handler,
		local:      config.LocalAddr,
		handle:     config.Handle,
		aclSize:    config.ACLBufferSize,
		numBuffers: config.NumACLBuffers,
		sendCh:     make(chan outFrame, config.NumACLBuffers+2),
		closeCh:    make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("link")
	}
	return l, nil
}

// Start sends the local announcement and starts the I/O goroutines.
// When the run loop waits on descriptors and conn exposes one, the loop
// reads conn itself through a data source and only writes use a goroutine.
// Safe to call from any goroutine.
func (l *Link) Start() error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return ErrAlreadyStarted
	}
	l.started = true
	l.source = l.newSource()
	l.polled = l.source != nil
	l.mu.Unlock()

	source := l.source
	l.loop.ExecuteOnMainThread(func() {
		if l.state == LinkStateIdle {
			l.state = LinkStateHandshake
		}
		if source != nil {
			l.loop.AddDataSource(source)
			l.loop.EnableDataSourceCallbacks(source, runloop.CallbackRead)
		}
	})
	l.sendCh <- outFrame{bufs: [][]byte{encodeConnectionComplete(l.handle, l.local)}}

	if source != nil {
		if l.log != nil {
			l.log.Debugf("reading descriptor %d on the run loop", source.Handle)
		}
		l.wg.Add(1)
		go l.writeLoop()
		return nil
	}
	l.wg.Add(2)
	go l.writeLoop()
	go l.readLoop()
	return nil
}

// Close stops the I/O goroutines without notifying the peer and waits for
// them to exit. Safe to call from any goroutine.
//
// A link read by the run loop drops its data source once it is down, so
// Close after Disconnect or LinkDisconnected keeps the loop off the released
// descriptor. Otherwise the loop drops the source on its next pass.
func (l *Link) Close() error {
	l.closeOnce.Do(func() { close(l.closeCh) })
	// The write goroutine may already have closed conn.
	_ = l.conn.Close()

	l.mu.Lock()
	polled := l.polled
	l.mu.Unlock()
	if polled {
		l.loop.ExecuteOnMainThread(func() { l.teardown(hci.StatusConnectionTimeout) })
	}
	l.wg.Wait()
	return nil
}

// Handle returns the local connection handle.
func (l *Link) Handle() hci.ConnHandle { return l.handle }

// LocalAddr returns the address announced to the peer.
func (l *Link) LocalAddr() hci.Addr { return l.local }

// RemoteAddr returns the peer address, zero until connected.
func (l *Link) RemoteAddr() hci.Addr { return l.remote }

// ACLBufferSize returns the largest ACL payload the link accepts.
func (l *Link) ACLBufferSize() int { return l.aclSize }

// State returns the link state.
func (l *Link) State() LinkState { return l.state }

// CanSendACL reports whether an outgoing ACL buffer is free.
func (l *Link) CanSendACL() bool {
	return l.state == LinkStateConnected && l.outstanding < l.numBuffers
}

// SendACL queues the marshaled ACL fragments (without H4 indicator) of one
// L2CAP PDU. The fragments share one outgoing buffer.
func (l *Link) SendACL(fragments ...[]byte) error {
	if l.state != LinkStateConnected {
		return ErrNotConnected
	}
	if l.outstanding >= l.numBuffers {
		return ErrBuffersFull
	}
	bufs := make([][]byte, 0, len(fragments))
	for _, p := range fragments {
		if len(p) > hci.ACLHeaderSize+l.aclSize {
			return ErrFrameTooLarge
		}
		bufs = append(bufs, encodeFrame(hci.ACLDataPacket, p))
	}
	l.outstanding++
	l.sendCh <- outFrame{bufs: bufs, acl: true}
	return nil
}

// Disconnect tears the link down and notifies the peer.
func (l *Link) Disconnect(reason hci.Status) {
	if l.state == LinkStateClosed {
		return
	}
	if l.log != nil {
		l.log.Infof("disconnect %s: %s", l.remote, reason)
	}
	select {
	case l.sendCh <- outFrame{bufs: [][]byte{encodeDisconnectionComplete(l.handle, reason)}, final: true}:
	default:
		l.closeOnce.Do(func() { close(l.closeCh) })
	}
	l.teardown(hci.StatusConnectionTerminatedByLocalHost)
}

func (l *Link) teardown(reason hci.Status) {
	if l.source != nil {
		l.loop.RemoveDataSource(l.source)
		l.source = nil
	}
	if l.state == LinkStateClosed {
		return
	}
	l.state = LinkStateClosed
	l.outstanding = 0
	l.handler.LinkDisconnected(l, reason)
}

func (l *Link) writeLoop() {
	defer l.wg.Done()
	defer l.conn.Close()
	for {
		select {
		case <-l.closeCh:
			return
		case f := <-l.sendCh:
			if err := l.write(f.bufs); err != nil {
				if l.log != nil {
					l.log.Debugf("write: %v", err)
				}
				l.loop.ExecuteOnMainThread(func() { l.teardown(hci.StatusConnectionTimeout) })
				return
			}
			if f.acl {
				l.loop.ExecuteOnMainThread(l.packetSent)
			}
			if f.final {
				return
			}
		}
	}
}

func (l *Link) write(bufs [][]byte) error {
	for _, b := range bufs {
		if _, err := l.conn.Write(b); err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) packetSent() {
	if l.state != LinkStateConnected {
		return
	}
	if l.outstanding > 0 {
		l.outstanding--
	}
	l.handler.LinkPacketsSent(l)
}

func (l *Link) readLoop() {
	defer l.wg.Done()
	d := newDeframer()
	buf := make([]byte, readBufferSize)
	for {
		n, err := l.conn.Read(buf)
		if err != nil {
			select {
			case <-l.closeCh:
			default:
				if l.log != nil && !errors.Is(err, io.EOF) {
					l.log.Debugf("read: %v", err)
				}
			}
			l.loop.ExecuteOnMainThread(func() { l.teardown(hci.StatusConnectionTimeout) })
			return
		}
		err = deframe(d, buf[:n], func(f frame) {
			l.loop.ExecuteOnMainThread(func() { l.handleFrame(f) })
		})
		if err != nil {
			if l.log != nil {
				l.log.Warnf("dropping link: %v", err)
			}
			l.loop.ExecuteOnMainThread(func() { l.teardown(hci.StatusUnspecifiedError) })
			return
		}
	}
}

// received handles bytes the run loop read from conn.
func (l *Link) received(b []byte) {
	if err := deframe(l.rx, b, l.handleFrame); err != nil {
		if l.log != nil {
			l.log.Warnf("dropping link: %v", err)
		}
		l.teardown(hci.StatusUnspecifiedError)
	}
}

// deframe stages b and passes every complete frame to deliver.
func deframe(d *deframer, b []byte, deliver func(f frame)) error {
	if err := d.Write(b); err != nil {
		return err
	}
	for {
		f, ok, err := d.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		deliver(f)
	}
}

func (l *Link) handleFrame(f frame) {
	if l.state == LinkStateClosed {
		return
	}
	switch f.typ {
	case hci.EventPacket:
		l.handleEvent(f.payload)
	case hci.ACLDataPacket:
		if l.state != LinkStateConnected {
			if l.log != nil {
				l.log.Warn("acl before connection complete, dropped")
			}
			return
		}
		p, err := hci.ParseACL(f.payload)
		if err != nil {
			if l.log != nil {
				l.log.Warnf("acl: %v", err)
			}
			return
		}
		p.Handle = l.handle
		l.handler.LinkData(l, p)
	}
}

func (l *Link) handleEvent(ev []byte) {
	r := hci.NewEventReader(ev)
	switch hci.EventCode(ev) {
	case eventConnectionComplete:
		status := hci.Status(r.U8())
		r.U16()
		addr := r.Addr()
		if r.Err != nil || !status.OK() || l.state == LinkStateConnected {
			return
		}
		l.remote = addr
		l.state = LinkStateConnected
		if l.log != nil {
			l.log.Infof("connected to %s, handle 0x%04X", addr, uint16(l.handle))
		}
		l.handler.LinkConnected(l)

	case eventDisconnectionComplete:
		r.U8()
		r.U16()
		reason := hci.Status(r.U8())
		if r.Err != nil {
			reason = hci.StatusUnspecifiedError
		}
		l.closeOnce.Do(func() { close(l.closeCh) })
		l.teardown(reason)

	default:
		if l.log != nil {
			l.log.Debugf("ignoring event 0x%02X", hci.EventCode(ev))
		}
	}
}
