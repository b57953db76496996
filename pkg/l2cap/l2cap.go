package l2cap

import (
	"time"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/linkedlist"
	"github.com/backkem/bthost/pkg/runloop"
	"github.com/pion/logging"
)

// DefaultRTXTimeout bounds the wait for a signaling response.
const DefaultRTXTimeout = 10 * time.Second

// Link is the ACL connection L2CAP runs on. *transport.Link implements it.
type Link interface {
	Handle() hci.ConnHandle
	RemoteAddr() hci.Addr
	ACLBufferSize() int
	CanSendACL() bool
	SendACL(fragments ...[]byte) error
	Disconnect(reason hci.Status)
}

// Config configures an L2CAP Service.
type Config struct {
	// RunLoop drives the RTX timers and deferred events.
	// Required.
	RunLoop runloop.RunLoop

	// Connector is asked to establish a link when a channel is created to
	// an address without one. It reports back through LinkConnected or
	// LinkFailed. If nil, such channels fail with PAGE_TIMEOUT.
	Connector func(addr hci.Addr)

	// RTXTimeout bounds the wait for signaling responses.
	// Default: DefaultRTXTimeout
	RTXTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Service multiplexes dynamic channels over ACL links.
type Service struct {
	loop       runloop.RunLoop
	connector  func(addr hci.Addr)
	rtxTimeout uint32
	log        logging.LeveledLogger

	conns    linkedlist.List[*aclConn]
	channels linkedlist.List[*channel]
	services linkedlist.List[*registration]

	nextCID      uint16
	runScheduled bool
}

// New creates an L2CAP Service.
func New(config Config) (*Service, error) {
	if config.RunLoop == nil {
		return nil, ErrNoRunLoop
	}
	if config.RTXTimeout <= 0 {
		config.RTXTimeout = DefaultRTXTimeout
	}
	s := &Service{
		loop:       config.RunLoop,
		connector:  config.Connector,
		rtxTimeout: uint32(config.RTXTimeout / time.Millisecond),
		nextCID:    CIDDynamicStart,
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("l2cap")
	}
	return s, nil
}

// RegisterService routes incoming connections for psm to handler.
func (s *Service) RegisterService(handler hci.PacketHandler, psm uint16, mtu uint16) hci.Status {
	if s.findService(psm) != nil {
		return hci.StatusL2CAPServiceAlreadyRegistered
	}
	s.services.Add(&registration{psm: psm, mtu: clampMTU(mtu), handler: handler})
	if s.log != nil {
		s.log.Debugf("registered psm 0x%04X", psm)
	}
	return hci.StatusSuccess
}

// UnregisterService removes the registration for psm.
func (s *Service) UnregisterService(psm uint16) hci.Status {
	reg := s.findService(psm)
	if reg == nil {
		return hci.StatusL2CAPServiceDoesNotExist
	}
	s.services.Remove(reg)
	return hci.StatusSuccess
}

// CreateChannel opens an outgoing channel to psm on addr. The result is
// reported with CHANNEL_OPENED to handler.
func (s *Service) CreateChannel(handler hci.PacketHandler, addr hci.Addr, psm uint16, mtu uint16) (uint16, hci.Status) {
	c := &channel{
		localCID:  s.allocCID(),
		psm:       psm,
		addr:      addr,
		handler:   handler,
		localMTU:  clampMTU(mtu),
		remoteMTU: DefaultMTU,
	}
	c.rtx.Context = c
	c.rtx.Process = s.rtxTimeoutHandler
	s.channels.AddTail(c)

	if conn := s.connForAddr(addr); conn != nil {
		c.conn = conn
		s.sendConnectionRequest(c)
		return c.localCID, hci.StatusSuccess
	}

	if s.connector == nil {
		c.state = StateEmitOpenFailedAndDiscard
		c.failStatus = hci.StatusPageTimeout
		s.trigger()
		return c.localCID, hci.StatusSuccess
	}
	c.state = StateWaitConnectionComplete
	if s.log != nil {
		s.log.Debugf("no link to %s, connecting", addr)
	}
	s.connector(addr)
	return c.localCID, hci.StatusSuccess
}

// AcceptConnection accepts an incoming channel reported by INCOMING_CONNECTION.
func (s *Service) AcceptConnection(cid uint16) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusL2CAPLocalCIDDoesNotExist
	}
	if c.state != StateWaitClientAcceptOrReject {
		return hci.StatusCommandDisallowed
	}
	s.queueSignal(c.conn, connectionResponse(c.pendingSigID, c.localCID, c.remoteCID, connResultSuccess))
	s.startConfig(c)
	s.flush(c.conn)
	return hci.StatusSuccess
}

// DeclineConnection refuses an incoming channel. No further events are
// emitted for it.
func (s *Service) DeclineConnection(cid uint16) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusL2CAPLocalCIDDoesNotExist
	}
	if c.state != StateWaitClientAcceptOrReject {
		return hci.StatusCommandDisallowed
	}
	s.queueSignal(c.conn, connectionResponse(c.pendingSigID, 0, c.remoteCID, connResultRefusedResources))
	conn := c.conn
	s.finalize(c)
	s.flush(conn)
	return hci.StatusSuccess
}

// Disconnect closes a channel. CHANNEL_CLOSED follows once the peer
// confirmed or the RTX timer expired.
func (s *Service) Disconnect(cid uint16) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusL2CAPLocalCIDDoesNotExist
	}
	switch c.state {
	case StateOpen, StateConfig:
		s.sendDisconnectionRequest(c)
	case StateWaitConnectionComplete:
		s.finalize(c)
	case StateWaitDisconnect:
	default:
		return hci.StatusCommandDisallowed
	}
	return hci.StatusSuccess
}

// Send transmits one SDU on an open channel.
func (s *Service) Send(cid uint16, data []byte) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusL2CAPLocalCIDDoesNotExist
	}
	if c.state != StateOpen {
		return hci.StatusCommandDisallowed
	}
	if len(data) > int(c.remoteMTU) {
		return hci.StatusL2CAPDataLenExceedsRemoteMTU
	}
	if !s.canSend(c.conn) {
		return hci.StatusBTStackACLBuffersFull
	}
	if err := s.sendPDU(c.conn, c.remoteCID, data); err != nil {
		if s.log != nil {
			s.log.Warnf("send on 0x%04X: %v", cid, err)
		}
		return hci.StatusBTStackACLBuffersFull
	}
	return hci.StatusSuccess
}

// CanSendPacketNow reports whether Send would succeed for the buffer state.
func (s *Service) CanSendPacketNow(cid uint16) bool {
	c := s.channelForCID(cid)
	if c == nil || c.state != StateOpen {
		return false
	}
	return s.canSend(c.conn)
}

// RequestCanSendNowEvent asks for CAN_SEND_NOW once an ACL buffer is free.
func (s *Service) RequestCanSendNowEvent(cid uint16) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusL2CAPLocalCIDDoesNotExist
	}
	c.waitingForCanSendNow = true
	s.trigger()
	return hci.StatusSuccess
}

// RemoteMTU returns the largest SDU the peer accepts on cid, or 0.
func (s *Service) RemoteMTU(cid uint16) uint16 {
	if c := s.channelForCID(cid); c != nil {
		return c.remoteMTU
	}
	return 0
}

// LocalMTU returns the largest SDU accepted locally on cid, or 0.
func (s *Service) LocalMTU(cid uint16) uint16 {
	if c := s.channelForCID(cid); c != nil {
		return c.localMTU
	}
	return 0
}

// ChannelState returns the state of cid, StateClosed if unknown.
func (s *Service) ChannelState(cid uint16) State {
	if c := s.channelForCID(cid); c != nil {
		return c.state
	}
	return StateClosed
}

// LinkConnected attaches a link and starts channels waiting for it.
func (s *Service) LinkConnected(l Link) {
	if s.connForLink(l) != nil {
		return
	}
	conn := &aclConn{link: l, reassembly: hci.NewReassembler()}
	s.conns.AddTail(conn)
	for _, c := range s.channels.Items() {
		if c.state == StateWaitConnectionComplete && c.addr == l.RemoteAddr() {
			c.conn = conn
			s.sendConnectionRequest(c)
		}
	}
}

// LinkFailed fails channels waiting for a link to addr.
func (s *Service) LinkFailed(addr hci.Addr, status hci.Status) {
	for _, c := range s.channels.Items() {
		if c.state == StateWaitConnectionComplete && c.addr == addr {
			s.emitChannelOpened(c, status)
			s.finalize(c)
		}
	}
}

// LinkDisconnected closes every channel of l without signaling.
func (s *Service) LinkDisconnected(l Link, reason hci.Status) {
	conn := s.connForLink(l)
	if conn == nil {
		return
	}
	if s.log != nil {
		s.log.Debugf("link 0x%04X down: %s", uint16(l.Handle()), reason)
	}
	for _, c := range s.channels.Items() {
		if c.conn != conn {
			continue
		}
		switch c.state {
		case StateOpen, StateWaitDisconnect:
			s.emitChannelClosed(c)
		case StateWaitClientAcceptOrReject:
		default:
			s.emitChannelOpened(c, reason)
		}
		s.finalize(c)
	}
	s.conns.Remove(conn)
}

// LinkWritable resumes signaling and CAN_SEND_NOW delivery after ACL
// buffers were released.
func (s *Service) LinkWritable(l Link) {
	conn := s.connForLink(l)
	if conn == nil {
		return
	}
	s.flush(conn)
	s.run()
}

// HandleACL consumes an ACL packet received on l.
func (s *Service) HandleACL(l Link, p hci.ACLPacket) {
	conn := s.connForLink(l)
	if conn == nil {
		return
	}
	pdu, done, err := conn.reassembly.Push(p)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("acl reassembly: %v", err)
		}
		return
	}
	if !done {
		return
	}
	cid := field(pdu, 1)
	payload := pdu[hci.L2CAPHeaderSize:]
	if cid == CIDSignaling {
		s.handleSignaling(conn, payload)
		return
	}
	c := s.channelForCID(cid)
	if c == nil || c.conn != conn {
		if s.log != nil {
			s.log.Debugf("data for unknown cid 0x%04X", cid)
		}
		return
	}
	if c.state != StateOpen {
		return
	}
	if c.handler != nil {
		c.handler(hci.L2CAPDataPacket, c.localCID, payload)
	}
}

func (s *Service) handleSignaling(conn *aclConn, payload []byte) {
	signals, err := parseSignals(payload)
	if err != nil && s.log != nil {
		s.log.Warnf("signaling: %v", err)
	}
	for _, sig := range signals {
		s.handleSignal(conn, sig)
	}
	s.flush(conn)
}

func (s *Service) handleSignal(conn *aclConn, sig signal) {
	switch sig.code {
	case sigConnectionRequest:
		s.handleConnectionRequest(conn, sig)

	case sigConnectionResponse:
		scid := field(sig.data, 1)
		c := s.channelForCID(scid)
		if c == nil || c.state != StateWaitConnectResponse || c.pendingSigID != sig.id {
			return
		}
		result := field(sig.data, 2)
		switch result {
		case connResultSuccess:
			s.loop.RemoveTimer(&c.rtx)
			c.remoteCID = field(sig.data, 0)
			s.startConfig(c)
		case connResultPending:
			s.restartRTX(c)
		default:
			s.loop.RemoveTimer(&c.rtx)
			s.emitChannelOpened(c, connectionResultStatus(result))
			s.finalize(c)
		}

	case sigConfigureRequest:
		dcid := field(sig.data, 0)
		c := s.channelForCID(dcid)
		if c == nil || c.conn != conn {
			s.queueSignal(conn, commandReject(sig.id, rejectInvalidCID, dcid, 0))
			return
		}
		if c.state != StateConfig && c.state != StateOpen {
			return
		}
		mtu, unknown := configOptions(sig.data[min(4, len(sig.data)):])
		if unknown {
			s.queueSignal(conn, configureResponse(sig.id, c.remoteCID, confResultRejected))
			return
		}
		if mtu == 0 {
			mtu = DefaultMTU
		}
		c.remoteMTU = mtu
		c.config.rcvdReq = true
		s.queueSignal(conn, configureResponse(sig.id, c.remoteCID, confResultSuccess))
		c.config.sentRsp = true
		s.checkOpen(c)

	case sigConfigureResponse:
		c := s.channelForCID(field(sig.data, 0))
		if c == nil || c.state != StateConfig || c.pendingSigID != sig.id {
			return
		}
		s.loop.RemoveTimer(&c.rtx)
		if field(sig.data, 2) != confResultSuccess {
			s.emitChannelOpened(c, hci.StatusUnsupportedFeatureOrParameterValue)
			s.queueSignal(conn, disconnectionRequest(conn.allocSigID(), c.remoteCID, c.localCID))
			s.finalize(c)
			return
		}
		c.config.rcvdRsp = true
		s.checkOpen(c)

	case sigDisconnectionRequest:
		dcid, scid := field(sig.data, 0), field(sig.data, 1)
		c := s.channelForCID(dcid)
		if c == nil || c.conn != conn || c.remoteCID != scid {
			s.queueSignal(conn, commandReject(sig.id, rejectInvalidCID, scid, dcid))
			return
		}
		s.queueSignal(conn, disconnectionResponse(sig.id, dcid, scid))
		s.loop.RemoveTimer(&c.rtx)
		if c.state == StateOpen || c.state == StateWaitDisconnect {
			s.emitChannelClosed(c)
		} else {
			s.emitChannelOpened(c, hci.StatusRemoteUserTerminatedConnection)
		}
		s.finalize(c)

	case sigDisconnectionResponse:
		c := s.channelForCID(field(sig.data, 1))
		if c == nil || c.state != StateWaitDisconnect {
			return
		}
		s.loop.RemoveTimer(&c.rtx)
		s.emitChannelClosed(c)
		s.finalize(c)

	case sigCommandReject:
		for _, c := range s.channels.Items() {
			if c.conn == conn && c.pendingSigID == sig.id && c.state == StateWaitConnectResponse {
				s.loop.RemoveTimer(&c.rtx)
				s.emitChannelOpened(c, hci.StatusUnspecifiedError)
				s.finalize(c)
			}
		}

	case sigEchoRequest:
		s.queueSignal(conn, signal{code: sigEchoResponse, id: sig.id, data: append([]byte(nil), sig.data...)})

	case sigInformationRequest:
		s.queueSignal(conn, signal{code: sigInformationResponse, id: sig.id, data: u16s(field(sig.data, 0), infoResultNotSupport)})

	case sigEchoResponse, sigInformationResponse:

	default:
		if s.log != nil {
			s.log.Debugf("rejecting signaling code 0x%02X", sig.code)
		}
		s.queueSignal(conn, commandReject(sig.id, rejectNotUnderstood))
	}
}

func (s *Service) handleConnectionRequest(conn *aclConn, sig signal) {
	psm, scid := field(sig.data, 0), field(sig.data, 1)
	reg := s.findService(psm)
	if reg == nil {
		if s.log != nil {
			s.log.Debugf("connection request for unregistered psm 0x%04X", psm)
		}
		s.queueSignal(conn, connectionResponse(sig.id, 0, scid, connResultRefusedPSM))
		return
	}
	c := &channel{
		localCID:     s.allocCID(),
		remoteCID:    scid,
		psm:          psm,
		addr:         conn.link.RemoteAddr(),
		conn:         conn,
		handler:      reg.handler,
		incoming:     true,
		state:        StateWaitClientAcceptOrReject,
		localMTU:     reg.mtu,
		remoteMTU:    DefaultMTU,
		pendingSigID: sig.id,
	}
	c.rtx.Context = c
	c.rtx.Process = s.rtxTimeoutHandler
	s.channels.AddTail(c)
	s.emitIncomingConnection(c)
}

func (s *Service) sendConnectionRequest(c *channel) {
	c.state = StateWaitConnectResponse
	c.pendingSigID = c.conn.allocSigID()
	s.queueSignal(c.conn, connectionRequest(c.pendingSigID, c.psm, c.localCID))
	s.restartRTX(c)
	s.flush(c.conn)
}

func (s *Service) startConfig(c *channel) {
	c.state = StateConfig
	c.pendingSigID = c.conn.allocSigID()
	s.queueSignal(c.conn, configureRequest(c.pendingSigID, c.remoteCID, c.localMTU))
	c.config.sentReq = true
	s.restartRTX(c)
}

func (s *Service) sendDisconnectionRequest(c *channel) {
	c.state = StateWaitDisconnect
	c.pendingSigID = c.conn.allocSigID()
	s.queueSignal(c.conn, disconnectionRequest(c.pendingSigID, c.remoteCID, c.localCID))
	s.restartRTX(c)
	s.flush(c.conn)
}

func (s *Service) checkOpen(c *channel) {
	if c.state != StateConfig || !c.config.done() {
		return
	}
	c.state = StateOpen
	if s.log != nil {
		s.log.Debugf("channel 0x%04X open, psm 0x%04X, remote mtu %d", c.localCID, c.psm, c.remoteMTU)
	}
	s.emitChannelOpened(c, hci.StatusSuccess)
}

func (s *Service) restartRTX(c *channel) {
	s.loop.RemoveTimer(&c.rtx)
	s.loop.SetTimer(&c.rtx, s.rtxTimeout)
	s.loop.AddTimer(&c.rtx)
}

func (s *Service) rtxTimeoutHandler(t *runloop.Timer) {
	c := t.Context.(*channel)
	if !s.channels.Contains(c) {
		return
	}
	if s.log != nil {
		s.log.Infof("rtx timeout on 0x%04X in %s", c.localCID, c.state)
	}
	switch c.state {
	case StateWaitDisconnect:
		s.emitChannelClosed(c)
	case StateOpen:
		return
	default:
		s.emitChannelOpened(c, hci.StatusL2CAPConnectionRTXTimeout)
	}
	s.finalize(c)
}

func (s *Service) finalize(c *channel) {
	s.loop.RemoveTimer(&c.rtx)
	s.channels.Remove(c)
	c.state = StateClosed
}

// trigger schedules a deferred run on the loop.
func (s *Service) trigger() {
	if s.runScheduled {
		return
	}
	s.runScheduled = true
	s.loop.ExecuteOnMainThread(func() {
		s.runScheduled = false
		s.run()
	})
}

// run emits deferred failures and CAN_SEND_NOW events.
func (s *Service) run() {
	it := s.channels.Iterator()
	for it.HasNext() {
		c := it.Next()
		switch {
		case c.state == StateEmitOpenFailedAndDiscard:
			it.RemoveCurrent()
			s.emitChannelOpened(c, c.failStatus)
			c.state = StateClosed
		case c.waitingForCanSendNow && c.state == StateOpen && s.canSend(c.conn):
			c.waitingForCanSendNow = false
			s.emitCanSendNow(c)
		}
	}
}

func (s *Service) queueSignal(conn *aclConn, sig signal) {
	conn.sigQueue = append(conn.sigQueue, sig.encode())
}

// flush sends queued signaling commands while ACL buffers are free.
func (s *Service) flush(conn *aclConn) {
	if conn == nil {
		return
	}
	for len(conn.sigQueue) > 0 && conn.link.CanSendACL() {
		cmd := conn.sigQueue[0]
		conn.sigQueue = conn.sigQueue[1:]
		if err := s.sendPDU(conn, CIDSignaling, cmd); err != nil {
			if s.log != nil {
				s.log.Warnf("signaling send: %v", err)
			}
			return
		}
	}
}

func (s *Service) canSend(conn *aclConn) bool {
	return conn != nil && len(conn.sigQueue) == 0 && conn.link.CanSendACL()
}

func (s *Service) sendPDU(conn *aclConn, cid uint16, payload []byte) error {
	pdu := hci.EncodeL2CAP(cid, payload)
	frags := hci.Fragment(conn.link.Handle(), pdu, conn.link.ACLBufferSize())
	out := make([][]byte, len(frags))
	for i, f := range frags {
		out[i] = f.Marshal()
	}
	return conn.link.SendACL(out...)
}

func (s *Service) allocCID() uint16 {
	for {
		cid := s.nextCID
		s.nextCID++
		if s.nextCID < CIDDynamicStart {
			s.nextCID = CIDDynamicStart
		}
		if s.channelForCID(cid) == nil {
			return cid
		}
	}
}

func (s *Service) channelForCID(cid uint16) *channel {
	c, _ := s.channels.Find(func(c *channel) bool { return c.localCID == cid })
	return c
}

func (s *Service) findService(psm uint16) *registration {
	r, _ := s.services.Find(func(r *registration) bool { return r.psm == psm })
	return r
}

func (s *Service) connForLink(l Link) *aclConn {
	c, _ := s.conns.Find(func(c *aclConn) bool { return c.link == l })
	return c
}

func (s *Service) connForAddr(addr hci.Addr) *aclConn {
	c, _ := s.conns.Find(func(c *aclConn) bool { return c.link.RemoteAddr() == addr })
	return c
}

// ConnHandleForAddr returns the handle of the link to addr.
func (s *Service) ConnHandleForAddr(addr hci.Addr) (hci.ConnHandle, bool) {
	if conn := s.connForAddr(addr); conn != nil {
		return conn.link.Handle(), true
	}
	return hci.InvalidConnHandle, false
}

func clampMTU(mtu uint16) uint16 {
	if mtu == 0 {
		return DefaultMTU
	}
	if mtu < MinimumMTU {
		return MinimumMTU
	}
	return mtu
}
