package avrcp

import (
	"fmt"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/l2cap"
	"github.com/backkem/bthost/pkg/linkedlist"
	"github.com/backkem/bthost/pkg/runloop"
	"github.com/backkem/bthost/pkg/sdp"
	"github.com/pion/logging"
)

// L2CAP is the channel layer AVCTP runs on. *l2cap.Service implements it.
type L2CAP interface {
	RegisterService(handler hci.PacketHandler, psm uint16, mtu uint16) hci.Status
	UnregisterService(psm uint16) hci.Status
	CreateChannel(handler hci.PacketHandler, addr hci.Addr, psm uint16, mtu uint16) (uint16, hci.Status)
	AcceptConnection(cid uint16) hci.Status
	DeclineConnection(cid uint16) hci.Status
	Disconnect(cid uint16) hci.Status
	Send(cid uint16, data []byte) hci.Status
	CanSendPacketNow(cid uint16) bool
	RequestCanSendNowEvent(cid uint16) hci.Status
}

var _ L2CAP = (*l2cap.Service)(nil)

// Config configures an AVRCP Service.
type Config struct {
	// L2CAP carries the control channels.
	// Required.
	L2CAP L2CAP

	// RunLoop drives the retry and press-and-hold timers.
	// Required.
	RunLoop runloop.RunLoop

	// SDP looks up the control PSM of a peer before connecting.
	// If nil, Connect uses PSM directly.
	SDP sdp.Querier

	// MTU is requested for control channels.
	// Default: DefaultMTU
	MTU uint16

	// MaxFragments bounds the continuation fragments the controller
	// accepts for one response.
	// Default: DefaultMaxFragments
	MaxFragments uint8

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// connection is the AVCTP control channel to one device, shared by the
// controller and target roles.
type connection struct {
	cid      uint16
	addr     hci.Addr
	handle   hci.ConnHandle
	l2capCID uint16
	psm      uint16
	mtu      uint16

	browsingPSM    uint16
	remoteFeatures uint16

	// incomingDeclined is set when an incoming channel was refused while
	// the outgoing one was pending.
	incomingDeclined bool
	timer            runloop.Timer

	outbox [][]byte
	rx     reassembler

	ct controllerConn
	tg targetConn
}

func (c *connection) setState(state ConnectionState) {
	c.ct.state = state
	c.tg.state = state
}

// Service is the AVRCP layer of one host.
type Service struct {
	l2cap        L2CAP
	loop         runloop.RunLoop
	sdp          sdp.Querier
	mtu          uint16
	maxFragments uint8
	log          logging.LeveledLogger

	handler     hci.PacketHandler
	connections linkedlist.List[*connection]
	nextCID     uint16

	controller *Controller
	target     *Target
}

// New creates an AVRCP Service and registers the control PSM.
func New(config Config) (*Service, error) {
	if config.L2CAP == nil {
		return nil, ErrNoL2CAP
	}
	if config.RunLoop == nil {
		return nil, ErrNoRunLoop
	}
	if config.MTU == 0 {
		config.MTU = DefaultMTU
	}
	if config.MaxFragments == 0 {
		config.MaxFragments = DefaultMaxFragments
	}
	s := &Service{
		l2cap:        config.L2CAP,
		loop:         config.RunLoop,
		sdp:          config.SDP,
		mtu:          config.MTU,
		maxFragments: config.MaxFragments,
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("avrcp")
	}
	s.controller = &Controller{s: s}
	s.target = &Target{s: s}
	if st := s.l2cap.RegisterService(s.packetHandler, PSM, s.mtu); !st.OK() {
		return nil, fmt.Errorf("avrcp: register psm 0x%04X: %w", PSM, st.Err())
	}
	return s, nil
}

// Close unregisters the control PSM. Open connections are not affected.
func (s *Service) Close() {
	s.l2cap.UnregisterService(PSM)
}

// RegisterPacketHandler sets the handler for connection events and for role
// events of roles without their own handler.
func (s *Service) RegisterPacketHandler(handler hci.PacketHandler) {
	s.handler = handler
}

// Controller returns the controller role.
func (s *Service) Controller() *Controller { return s.controller }

// Target returns the target role.
func (s *Service) Target() *Target { return s.target }

// Connect opens the control channel to addr. The result is reported with
// CONNECTION_ESTABLISHED. Connecting to a device with a connection in setup
// returns its cid.
func (s *Service) Connect(addr hci.Addr) (uint16, hci.Status) {
	if c := s.connectionForAddr(addr); c != nil {
		if c.ct.state >= ConnectionOpened {
			return c.cid, hci.StatusCommandDisallowed
		}
		return c.cid, hci.StatusSuccess
	}

	c := s.createConnection(addr)
	var st hci.Status
	if s.sdp == nil {
		st = s.connectL2CAP(c, PSM)
	} else {
		st = s.startSDPQuery(c)
	}
	if !st.OK() {
		s.finalize(c)
		return 0, st
	}
	return c.cid, hci.StatusSuccess
}

// Disconnect closes the control channel of cid.
func (s *Service) Disconnect(cid uint16) hci.Status {
	c := s.connectionForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	if c.ct.state < ConnectionOpened {
		return hci.StatusCommandDisallowed
	}
	return s.l2cap.Disconnect(c.l2capCID)
}

// Addr returns the peer address of cid.
func (s *Service) Addr(cid uint16) (hci.Addr, bool) {
	if c := s.connectionForCID(cid); c != nil {
		return c.addr, true
	}
	return hci.Addr{}, false
}

// RemoteFeatures returns the features and browsing PSM the peer announced in
// its service record. Both are zero when SDP was not used.
func (s *Service) RemoteFeatures(cid uint16) (features uint16, browsingPSM uint16) {
	if c := s.connectionForCID(cid); c != nil {
		return c.remoteFeatures, c.browsingPSM
	}
	return 0, 0
}

func (s *Service) startSDPQuery(c *connection) hci.Status {
	c.setState(ConnectionW4SDPQueryComplete)
	st := s.sdp.Query(c.addr, sdp.ProtocolAVCTP, func(records []sdp.Record, status hci.Status) {
		s.sdpQueryComplete(c, records, status)
	})
	if st == hci.StatusSDPQueryBusy {
		c.setState(ConnectionW2SendSDPQuery)
		s.startTimer(c, sdpRetryIntervalMs, s.sdpRetryTimeout)
		return hci.StatusSuccess
	}
	return st
}

func (s *Service) sdpRetryTimeout(t *runloop.Timer) {
	c := t.Context.(*connection)
	if s.connectionForCID(c.cid) != c || c.ct.state != ConnectionW2SendSDPQuery {
		return
	}
	if st := s.startSDPQuery(c); !st.OK() {
		s.emitConnectionEstablished(c, st)
		s.finalize(c)
	}
}

func (s *Service) sdpQueryComplete(c *connection, records []sdp.Record, status hci.Status) {
	if s.connectionForCID(c.cid) != c || c.ct.state != ConnectionW4SDPQueryComplete {
		return
	}
	var psm uint16
	for _, r := range records {
		if r.L2CAPPSM == 0 {
			continue
		}
		psm = r.L2CAPPSM
		c.browsingPSM = r.BrowsingPSM
		c.remoteFeatures = r.SupportedFeatures
		break
	}
	if psm == 0 {
		if status.OK() {
			status = hci.StatusSDPServiceNotFound
		}
		if s.log != nil {
			s.log.Infof("no avrcp service on %s: %s", c.addr, status)
		}
		s.emitConnectionEstablished(c, status)
		s.finalize(c)
		return
	}
	if st := s.connectL2CAP(c, psm); !st.OK() {
		s.emitConnectionEstablished(c, st)
		s.finalize(c)
	}
}

func (s *Service) connectL2CAP(c *connection, psm uint16) hci.Status {
	c.psm = psm
	c.setState(ConnectionW4L2CAPConnected)
	cid, st := s.l2cap.CreateChannel(s.packetHandler, c.addr, psm, s.mtu)
	if !st.OK() {
		return st
	}
	c.l2capCID = cid
	return hci.StatusSuccess
}

func (s *Service) retryTimeout(t *runloop.Timer) {
	c := t.Context.(*connection)
	if s.connectionForCID(c.cid) != c || c.ct.state != ConnectionW2L2CAPRetry {
		return
	}
	if s.log != nil {
		s.log.Debugf("retrying connection to %s", c.addr)
	}
	if st := s.connectL2CAP(c, c.psm); !st.OK() {
		s.emitConnectionEstablished(c, st)
		s.finalize(c)
	}
}

func (s *Service) startTimer(c *connection, timeoutMs uint32, process func(*runloop.Timer)) {
	s.loop.RemoveTimer(&c.timer)
	c.timer.Process = process
	c.timer.Context = c
	s.loop.SetTimer(&c.timer, timeoutMs)
	s.loop.AddTimer(&c.timer)
}

func (s *Service) createConnection(addr hci.Addr) *connection {
	c := &connection{
		cid:  s.allocCID(),
		addr: addr,
		mtu:  l2cap.MinimumMTU,
	}
	c.ct.init(s.maxFragments)
	c.tg.init()
	s.connections.Add(c)
	return c
}

func (s *Service) finalize(c *connection) {
	s.loop.RemoveTimer(&c.timer)
	s.loop.RemoveTimer(&c.ct.pressTimer)
	s.loop.RemoveTimer(&c.ct.responseTimer)
	c.setState(ConnectionIdle)
	s.connections.Remove(c)
}

func (s *Service) allocCID() uint16 {
	for {
		s.nextCID++
		if s.nextCID == 0 {
			s.nextCID = 1
		}
		if s.connectionForCID(s.nextCID) == nil {
			return s.nextCID
		}
	}
}

func (s *Service) connectionForCID(cid uint16) *connection {
	c, _ := s.connections.Find(func(c *connection) bool { return c.cid == cid })
	return c
}

func (s *Service) connectionForAddr(addr hci.Addr) *connection {
	c, _ := s.connections.Find(func(c *connection) bool { return c.addr == addr })
	return c
}

func (s *Service) connectionForL2CAPCID(cid uint16) *connection {
	c, _ := s.connections.Find(func(c *connection) bool { return c.l2capCID != 0 && c.l2capCID == cid })
	return c
}

// send queues m on the control channel and writes what the link accepts.
func (s *Service) send(c *connection, m *message) {
	if m.pid == 0 {
		m.pid = ProfileID
	}
	c.outbox = append(c.outbox, encodePackets(m, c.mtu)...)
	s.flush(c)
}

// flush writes queued packets. It returns true when the outbox is empty.
func (s *Service) flush(c *connection) bool {
	for len(c.outbox) > 0 {
		if !s.l2cap.CanSendPacketNow(c.l2capCID) {
			s.l2cap.RequestCanSendNowEvent(c.l2capCID)
			return false
		}
		if st := s.l2cap.Send(c.l2capCID, c.outbox[0]); !st.OK() {
			if s.log != nil {
				s.log.Warnf("send to %s: %s", c.addr, st)
			}
			s.l2cap.RequestCanSendNowEvent(c.l2capCID)
			return false
		}
		c.outbox = c.outbox[1:]
	}
	return true
}

// requestSend asks for a send opportunity on behalf of one role.
func (s *Service) requestSend(c *connection, waiting *bool) {
	*waiting = true
	s.l2cap.RequestCanSendNowEvent(c.l2capCID)
}

func (s *Service) packetHandler(packetType hci.PacketType, channel uint16, packet []byte) {
	switch packetType {
	case hci.EventPacket:
		s.handleL2CAPEvent(packet)
	case hci.L2CAPDataPacket:
		s.handleL2CAPData(channel, packet)
	}
}

func (s *Service) handleL2CAPEvent(packet []byte) {
	switch hci.EventCode(packet) {
	case l2cap.EventIncomingConnection:
		ev, ok := l2cap.ParseIncomingConnection(packet)
		if !ok || ev.PSM != PSM {
			return
		}
		s.handleIncomingConnection(ev)

	case l2cap.EventChannelOpened:
		ev, ok := l2cap.ParseChannelOpened(packet)
		if !ok || ev.PSM != PSM {
			return
		}
		s.handleChannelOpened(ev)

	case l2cap.EventCanSendNow:
		cid, ok := l2cap.ParseCanSendNow(packet)
		if !ok {
			return
		}
		if c := s.connectionForL2CAPCID(cid); c != nil {
			s.handleCanSendNow(c)
		}

	case l2cap.EventChannelClosed:
		cid, ok := l2cap.ParseChannelClosed(packet)
		if !ok {
			return
		}
		c := s.connectionForL2CAPCID(cid)
		if c == nil {
			return
		}
		if s.log != nil {
			s.log.Infof("connection 0x%04X to %s released", c.cid, c.addr)
		}
		s.emitConnectionReleased(c)
		s.finalize(c)
	}
}

func (s *Service) handleIncomingConnection(ev l2cap.IncomingConnection) {
	c := s.connectionForAddr(ev.Addr)
	if c != nil {
		switch {
		case c.ct.state == ConnectionW4L2CAPConnected:
			if s.log != nil {
				s.log.Infof("outgoing connection to %s pending, declining incoming", ev.Addr)
			}
			c.incomingDeclined = true
			s.l2cap.DeclineConnection(ev.LocalCID)
			return
		case c.ct.state >= ConnectionOpened:
			if s.log != nil {
				s.log.Infof("connection to %s exists, declining incoming", ev.Addr)
			}
			s.l2cap.DeclineConnection(ev.LocalCID)
			return
		}
		s.loop.RemoveTimer(&c.timer)
	} else {
		c = s.createConnection(ev.Addr)
	}
	c.setState(ConnectionW4L2CAPConnected)
	c.l2capCID = ev.LocalCID
	c.handle = ev.Handle
	c.psm = ev.PSM
	s.l2cap.AcceptConnection(ev.LocalCID)
}

func (s *Service) handleChannelOpened(ev l2cap.ChannelOpened) {
	c := s.connectionForAddr(ev.Addr)
	if c == nil || c.ct.state != ConnectionW4L2CAPConnected || c.l2capCID != ev.LocalCID {
		return
	}
	if !ev.Status.OK() {
		if ev.Status == hci.StatusL2CAPConnectionRefusedResources && c.incomingDeclined {
			c.incomingDeclined = false
			c.l2capCID = 0
			c.setState(ConnectionW2L2CAPRetry)
			delay := connectRetryBaseMs + s.loop.TimeMs()&0x7F
			if s.log != nil {
				s.log.Infof("connection to %s collided, retrying in %d ms", c.addr, delay)
			}
			s.startTimer(c, delay, s.retryTimeout)
			return
		}
		if s.log != nil {
			s.log.Infof("connection to %s failed: %s", c.addr, ev.Status)
		}
		s.emitConnectionEstablished(c, ev.Status)
		s.finalize(c)
		return
	}

	c.handle = ev.Handle
	c.mtu = ev.RemoteMTU
	c.incomingDeclined = false
	c.setState(ConnectionOpened)
	if s.log != nil {
		s.log.Infof("connection 0x%04X to %s open, mtu %d", c.cid, c.addr, c.mtu)
	}
	s.emitConnectionEstablished(c, hci.StatusSuccess)
}

// handleCanSendNow spends one send opportunity: queued packets first, then
// the target, then the controller.
func (s *Service) handleCanSendNow(c *connection) {
	if !s.flush(c) {
		return
	}
	if c.tg.state == ConnectionW2SendResponse {
		c.tg.state = ConnectionOpened
	}
	switch {
	case c.tg.waitingForCanSendNow:
		c.tg.waitingForCanSendNow = false
		s.target.handleCanSendNow(c)
	case c.ct.waitingForCanSendNow:
		c.ct.waitingForCanSendNow = false
		s.controller.handleCanSendNow(c)
	}
	if s.connectionForCID(c.cid) != c {
		return
	}
	if c.tg.waitingForCanSendNow || c.ct.waitingForCanSendNow {
		s.l2cap.RequestCanSendNowEvent(c.l2capCID)
	}
}

func (s *Service) handleL2CAPData(cid uint16, packet []byte) {
	c := s.connectionForL2CAPCID(cid)
	if c == nil || c.ct.state < ConnectionOpened {
		return
	}
	b, err := c.rx.push(packet)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("packet from %s: %v", c.addr, err)
		}
		return
	}
	if b == nil {
		return
	}
	m, err := parseMessage(b)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("message from %s: %v", c.addr, err)
		}
		return
	}
	if m.response {
		s.controller.handleResponse(c, &m)
		return
	}
	s.target.handleCommand(c, &m)
}
