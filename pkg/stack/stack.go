package stack

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/bthost/pkg/avrcp"
	"github.com/backkem/bthost/pkg/discovery"
	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/l2cap"
	"github.com/backkem/bthost/pkg/rfcomm"
	"github.com/backkem/bthost/pkg/runloop"
	"github.com/backkem/bthost/pkg/sdp"
	"github.com/backkem/bthost/pkg/transport"
	"github.com/pion/logging"
)

// stopTimeout bounds the link teardown Stop runs on the loop.
const stopTimeout = time.Second

// Stack represents one Bluetooth host: a run loop and the protocol layers
// driven by it, reachable by other stacks over virtual links.
type Stack struct {
	config Config
	state  State
	log    logging.LeveledLogger

	loop     runloop.RunLoop
	ownsLoop bool

	// Protocol layers
	l2cap    *l2cap.Service
	sdp      *sdp.Client
	registry *sdp.Registry
	rfcomm   *rfcomm.Service
	avrcp    *avrcp.Service

	// Published SDP record handles, removed on Stop.
	recordsMu sync.Mutex
	records   []uint32

	// Set between Start and Stop. Read from the loop goroutine.
	running atomic.Pointer[running]

	// Loop goroutine state.
	connected map[*transport.Link]struct{}
	dials     map[*transport.Link]dial
	dialing   map[hci.Addr]bool

	// Synchronization
	mu       sync.RWMutex
	cancel   context.CancelFunc
	loopDone chan struct{}
	wg       sync.WaitGroup
}

// running holds what Start brings up.
type running struct {
	ctx       context.Context
	tcp       *transport.TCP
	discovery *discovery.Manager
}

// dial is an outgoing link that has not finished its handshake.
type dial struct {
	addr     hci.Addr // zero when any peer is acceptable
	endpoint string
	name     string
}

// New creates a stack with the given configuration.
// The stack is created but not started. Call Start() to accept links.
func New(config Config) (*Stack, error) {
	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Apply defaults
	config.applyDefaults()

	s := &Stack{
		config:    config,
		state:     StateUninitialized,
		loop:      config.RunLoop,
		connected: make(map[*transport.Link]struct{}),
		dials:     make(map[*transport.Link]dial),
		dialing:   make(map[hci.Addr]bool),
	}

	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("stack")
	}

	if s.loop == nil {
		s.loop = runloop.NewEmbedded(runloop.EmbeddedConfig{LoggerFactory: config.LoggerFactory})
		s.ownsLoop = true
	} else {
		s.ownsLoop = config.DriveRunLoop
	}

	if err := s.initLayers(); err != nil {
		return nil, err
	}

	s.publishRecords()

	s.state = StateInitialized
	return s, nil
}

// initLayers creates the protocol services bottom-up.
func (s *Stack) initLayers() error {
	var err error

	s.l2cap, err = l2cap.New(l2cap.Config{
		RunLoop:       s.loop,
		Connector:     s.connect,
		LoggerFactory: s.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	s.registry = s.config.SDPRegistry
	if s.registry == nil {
		// Peers in other processes publish nothing here; assume they
		// offer both AVRCP roles.
		s.registry = sdp.NewRegistry()
		s.registry.SetDefaults(
			sdp.AVRCPTargetRecord(s.config.AVRCPFeatures),
			sdp.AVRCPControllerRecord(s.config.AVRCPFeatures),
		)
	}
	s.sdp, err = sdp.NewClient(sdp.ClientConfig{
		Registry:      s.registry,
		RunLoop:       s.loop,
		LoggerFactory: s.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	s.rfcomm, err = rfcomm.New(rfcomm.Config{
		L2CAP:         s.l2cap,
		RunLoop:       s.loop,
		MTU:           s.config.L2CAPMTU,
		IdleTimeout:   s.config.RFCOMMIdleTimeout,
		LoggerFactory: s.config.LoggerFactory,
	})
	if err != nil {
		return err
	}

	s.avrcp, err = avrcp.New(avrcp.Config{
		L2CAP:         s.l2cap,
		RunLoop:       s.loop,
		SDP:           s.sdp,
		MTU:           s.config.L2CAPMTU,
		MaxFragments:  s.config.AVRCPMaxFragments,
		LoggerFactory: s.config.LoggerFactory,
	})
	if err != nil {
		return fmt.Errorf("stack: %w", err)
	}
	return nil
}

// publishRecords registers the AVRCP records of this device.
func (s *Stack) publishRecords() {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	s.records = append(s.records,
		s.registry.Register(s.config.LocalAddr, sdp.AVRCPTargetRecord(s.config.AVRCPFeatures)),
		s.registry.Register(s.config.LocalAddr, sdp.AVRCPControllerRecord(s.config.AVRCPFeatures)),
	)
}

// Start begins accepting links. If the stack owns its run loop, the loop
// runs until Stop or until ctx is cancelled.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()

	if !s.state.CanStart() {
		defer s.mu.Unlock()
		if s.state.IsRunning() {
			return ErrAlreadyStarted
		}
		return ErrNotInitialized
	}

	s.state = StateStarting

	// Create context for background operations
	runCtx, cancel := context.WithCancel(ctx)

	tcp, err := s.startTransport()
	if err != nil {
		cancel()
		s.state = StateInitialized
		s.mu.Unlock()
		return err
	}

	disc, err := s.startDiscovery(tcp)
	if err != nil {
		tcp.Stop()
		cancel()
		s.state = StateInitialized
		s.mu.Unlock()
		return err
	}

	s.cancel = cancel
	s.running.Store(&running{ctx: runCtx, tcp: tcp, discovery: disc})

	if s.ownsLoop {
		s.loopDone = make(chan struct{})
		go func() {
			defer close(s.loopDone)
			s.loop.Execute(runCtx)
		}()
	}

	s.state = StateRunning
	s.mu.Unlock()

	if s.log != nil {
		s.log.Infof("stack %s (%s) running, links on %s", s.config.LocalAddr, s.config.Name, tcp.Addr())
	}

	// Notify callback
	if s.config.OnStateChanged != nil {
		s.config.OnStateChanged(StateRunning)
	}

	return nil
}

// startTransport binds the listener and starts accepting links.
func (s *Stack) startTransport() (*transport.TCP, error) {
	tcp, err := transport.NewTCP(transport.TCPConfig{
		Listener:      s.config.Listener,
		ListenAddr:    s.config.ListenAddr,
		RunLoop:       s.loop,
		Handler:       linkHandler{s},
		LocalAddr:     s.config.LocalAddr,
		ACLBufferSize: s.config.ACLBufferSize,
		NumACLBuffers: s.config.NumACLBuffers,
		LoggerFactory: s.config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	if err := tcp.Start(); err != nil {
		tcp.Stop()
		return nil, err
	}
	return tcp, nil
}

// startDiscovery advertises the listening endpoint over DNS-SD.
func (s *Stack) startDiscovery(tcp *transport.TCP) (*discovery.Manager, error) {
	if !s.config.Discovery {
		return nil, nil
	}

	port := 0
	if addr, ok := tcp.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	mgr, err := discovery.NewManager(discovery.ManagerConfig{
		Port:          port,
		LookupTimeout: s.config.DialTimeout,
		ServerFactory: s.config.MDNSServerFactory,
		MDNSResolver:  s.config.MDNSResolver,
		LoggerFactory: s.config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	txt := discovery.EndpointTXT{
		Addr:          s.config.LocalAddr,
		Name:          s.config.Name,
		ACLBufferSize: s.config.ACLBufferSize,
	}
	if err := mgr.Advertise(txt); err != nil {
		mgr.Close()
		return nil, fmt.Errorf("stack: advertise: %w", err)
	}
	return mgr, nil
}

// Stop disconnects every link and shuts the stack down.
// Stop must not be called on the run loop goroutine.
func (s *Stack) Stop() error {
	s.mu.Lock()

	if !s.state.CanStop() {
		defer s.mu.Unlock()
		if s.state == StateStopped {
			return ErrAlreadyStopped
		}
		return ErrNotStarted
	}

	s.state = StateStopping
	r := s.running.Load()

	// Disconnect links while the loop still runs so channels close with
	// events.
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	err := s.Invoke(ctx, func() {
		for _, l := range r.tcp.Links() {
			l.Disconnect(hci.StatusRemoteUserTerminatedConnection)
		}
	})
	cancel()
	if err != nil && s.log != nil {
		s.log.Warnf("link teardown: %v", err)
	}

	// Stop in reverse order
	if r.discovery != nil {
		r.discovery.Close()
	}
	r.tcp.Stop()
	s.running.Store(nil)

	s.cancel()
	if s.loopDone != nil {
		<-s.loopDone
	}
	s.wg.Wait()

	s.avrcp.Close()
	s.unpublishRecords()

	s.state = StateStopped
	s.mu.Unlock()

	if s.log != nil {
		s.log.Info("stack stopped")
	}

	if s.config.OnStateChanged != nil {
		s.config.OnStateChanged(StateStopped)
	}

	return nil
}

func (s *Stack) unpublishRecords() {
	s.recordsMu.Lock()
	defer s.recordsMu.Unlock()

	for _, h := range s.records {
		s.registry.Unregister(s.config.LocalAddr, h)
	}
	s.records = nil
}

// State returns the current stack state.
func (s *Stack) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Invoke runs fn on the run loop goroutine and waits for it to return.
// It must not be called on the run loop goroutine.
func (s *Stack) Invoke(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	s.loop.ExecuteOnMainThread(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AttachLink wraps an established conn, such as one end of a
// transport.Pipe, in a link of this stack.
func (s *Stack) AttachLink(conn net.Conn) (*transport.Link, error) {
	r := s.running.Load()
	if r == nil {
		return nil, ErrNotStarted
	}
	return r.tcp.Attach(conn)
}

// Dial opens a link to the stack listening at endpoint. The endpoint is
// remembered for the peer once the link is up.
func (s *Stack) Dial(ctx context.Context, endpoint string) (*transport.Link, error) {
	r := s.running.Load()
	if r == nil {
		return nil, ErrNotStarted
	}
	link, err := r.tcp.Dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	s.loop.ExecuteOnMainThread(func() {
		s.trackDial(link, dial{endpoint: endpoint})
	})
	return link, nil
}

// ServeRFCOMM accepts RFCOMM channels on serverChannel and publishes a
// serial port record for it. Initial credits follow Config.RFCOMMCredits.
func (s *Stack) ServeRFCOMM(handler hci.PacketHandler, serverChannel uint8, maxFrameSize uint16, name string) hci.Status {
	var status hci.Status
	if s.config.RFCOMMCredits > 0 {
		status = s.rfcomm.RegisterServiceWithInitialCredits(handler, serverChannel, maxFrameSize, s.config.RFCOMMCredits)
	} else {
		status = s.rfcomm.RegisterService(handler, serverChannel, maxFrameSize)
	}
	if !status.OK() {
		return status
	}

	s.recordsMu.Lock()
	s.records = append(s.records, s.registry.Register(s.config.LocalAddr, sdp.SerialPortRecord(serverChannel, name)))
	s.recordsMu.Unlock()
	return status
}

// OpenRFCOMM opens an RFCOMM channel to serverChannel on addr, connecting
// to the peer first if needed. Initial credits follow Config.RFCOMMCredits.
func (s *Stack) OpenRFCOMM(handler hci.PacketHandler, addr hci.Addr, serverChannel uint8) (uint16, hci.Status) {
	if s.config.RFCOMMCredits > 0 {
		return s.rfcomm.CreateChannelWithInitialCredits(handler, addr, serverChannel, s.config.RFCOMMCredits)
	}
	return s.rfcomm.CreateChannel(handler, addr, serverChannel)
}

// Peers returns the peers this stack has been connected to.
func (s *Stack) Peers() ([]Peer, error) {
	return s.config.Storage.LoadPeers()
}

// ForgetPeer removes a peer from storage.
func (s *Stack) ForgetPeer(addr hci.Addr) error {
	return s.config.Storage.DeletePeer(addr)
}

// LocalAddr returns the device address of the stack.
func (s *Stack) LocalAddr() hci.Addr { return s.config.LocalAddr }

// Name returns the device name of the stack.
func (s *Stack) Name() string { return s.config.Name }

// ListenAddr returns the address links are accepted on, or nil when the
// stack is not running.
func (s *Stack) ListenAddr() net.Addr {
	if r := s.running.Load(); r != nil {
		return r.tcp.Addr()
	}
	return nil
}

// Discovery returns the DNS-SD manager, or nil when discovery is disabled
// or the stack is not running.
func (s *Stack) Discovery() *discovery.Manager {
	if r := s.running.Load(); r != nil {
		return r.discovery
	}
	return nil
}

// RunLoop returns the loop every layer runs on.
func (s *Stack) RunLoop() runloop.RunLoop { return s.loop }

// L2CAP returns the L2CAP service.
func (s *Stack) L2CAP() *l2cap.Service { return s.l2cap }

// SDP returns the SDP client.
func (s *Stack) SDP() *sdp.Client { return s.sdp }

// RFCOMM returns the RFCOMM service.
func (s *Stack) RFCOMM() *rfcomm.Service { return s.rfcomm }

// AVRCP returns the AVRCP service.
func (s *Stack) AVRCP() *avrcp.Service { return s.avrcp }

// Controller returns the AVRCP controller role.
func (s *Stack) Controller() *avrcp.Controller { return s.avrcp.Controller() }

// Target returns the AVRCP target role.
func (s *Stack) Target() *avrcp.Target { return s.avrcp.Target() }

// Storage returns the peer storage.
func (s *Stack) Storage() Storage { return s.config.Storage }

// LoggerFactory returns the stack's logger factory.
// Returns nil if no logger factory was configured.
func (s *Stack) LoggerFactory() logging.LoggerFactory {
	return s.config.LoggerFactory
}
