package transport

import (
	"context"
	"net"
	"sync"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
	"github.com/pion/logging"
)

// TCP accepts and dials H4 links over TCP. Every accepted or dialed
// connection becomes a Link with its own connection handle.
type TCP struct {
	listener net.Listener
	config   TCPConfig
	closeCh  chan struct{}
	wg       sync.WaitGroup
	log      logging.LeveledLogger

	linksMu    sync.Mutex
	links      map[*Link]struct{}
	nextHandle hci.ConnHandle

	mu      sync.RWMutex
	started bool
	closed  bool
}

// TCPConfig configures the TCP transport.
type TCPConfig struct {
	// Listener is an optional pre-existing listener.
	// If nil, a listener is created on ListenAddr.
	Listener net.Listener

	// ListenAddr is the address to listen on (e.g., ":5541").
	// Ignored if Listener is provided.
	ListenAddr string

	// RunLoop drives the created links.
	// Required.
	RunLoop runloop.RunLoop

	// Handler receives events of every created link.
	// Required.
	Handler Handler

	// LocalAddr is announced on every link.
	LocalAddr hci.Addr

	// ACLBufferSize and NumACLBuffers are passed to every link.
	ACLBufferSize int
	NumACLBuffers int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewTCP creates a TCP transport. The listener is bound immediately so Addr
// is valid before Start.
func NewTCP(config TCPConfig) (*TCP, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}
	if config.RunLoop == nil {
		return nil, ErrNoRunLoop
	}

	t := &TCP{
		listener:   config.Listener,
		config:     config,
		closeCh:    make(chan struct{}),
		links:      make(map[*Link]struct{}),
		nextHandle: DefaultConnHandle,
	}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("transport-tcp")
	}

	if t.listener == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, err
		}
		t.listener = listener
	}
	return t, nil
}

// Start begins accepting connections.
func (t *TCP) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	if t.log != nil {
		t.log.Infof("listening for links on %s", t.listener.Addr())
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// Stop closes the listener and every link.
func (t *TCP) Stop() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	t.mu.Unlock()

	if t.log != nil {
		t.log.Info("stopping TCP transport")
	}

	close(t.closeCh)
	t.listener.Close()
	t.wg.Wait()

	t.linksMu.Lock()
	links := make([]*Link, 0, len(t.links))
	for l := range t.links {
		links = append(links, l)
	}
	t.links = make(map[*Link]struct{})
	t.linksMu.Unlock()

	for _, l := range links {
		l.Close()
	}
	return nil
}

// Addr returns the listening address.
func (t *TCP) Addr() net.Addr {
	return t.listener.Addr()
}

// Dial opens an outgoing link to a host listening at address.
func (t *TCP) Dial(ctx context.Context, address string) (*Link, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	return t.addConn(conn)
}

// Attach wraps an established conn, such as one end of a Pipe, in a link
// owned by the transport.
func (t *TCP) Attach(conn net.Conn) (*Link, error) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return t.addConn(conn)
}

// Links returns the links currently owned by the transport.
func (t *TCP) Links() []*Link {
	t.linksMu.Lock()
	defer t.linksMu.Unlock()
	out := make([]*Link, 0, len(t.links))
	for l := range t.links {
		out = append(out, l)
	}
	return out
}

func (t *TCP) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
				continue
			}
		}
		if _, err := t.addConn(conn); err != nil && t.log != nil {
			t.log.Warnf("accept %s: %v", conn.RemoteAddr(), err)
		}
	}
}

func (t *TCP) addConn(conn net.Conn) (*Link, error) {
	t.linksMu.Lock()
	handle := t.nextHandle
	t.nextHandle = (t.nextHandle + 1) & 0x0EFF
	if t.nextHandle == 0 {
		t.nextHandle = DefaultConnHandle
	}
	t.linksMu.Unlock()

	l, err := NewLink(LinkConfig{
		Conn:          conn,
		RunLoop:       t.config.RunLoop,
		Handler:       t.config.Handler,
		LocalAddr:     t.config.LocalAddr,
		Handle:        handle,
		ACLBufferSize: t.config.ACLBufferSize,
		NumACLBuffers: t.config.NumACLBuffers,
		LoggerFactory: t.config.LoggerFactory,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	t.linksMu.Lock()
	t.links[l] = struct{}{}
	t.linksMu.Unlock()

	if t.log != nil {
		t.log.Debugf("link 0x%04X over %s", uint16(handle), conn.RemoteAddr())
	}
	if err := l.Start(); err != nil {
		return nil, err
	}
	return l, nil
}

// Forget drops a closed link from the transport's bookkeeping.
func (t *TCP) Forget(l *Link) {
	t.linksMu.Lock()
	delete(t.links, l)
	t.linksMu.Unlock()
}
