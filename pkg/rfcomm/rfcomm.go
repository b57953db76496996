package rfcomm

import (
	"time"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/l2cap"
	"github.com/backkem/bthost/pkg/linkedlist"
	"github.com/backkem/bthost/pkg/runloop"
	"github.com/pion/logging"
)

// L2CAP is the channel layer RFCOMM runs on. *l2cap.Service implements it.
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

// Config configures an RFCOMM Service.
type Config struct {
	// L2CAP carries the multiplexer sessions.
	// Required.
	L2CAP L2CAP

	// RunLoop drives the multiplexer idle timers.
	// Required.
	RunLoop runloop.RunLoop

	// MTU is requested for multiplexer L2CAP channels and bounds the
	// frame size.
	// Default: DefaultL2CAPMTU
	MTU uint16

	// IdleTimeout closes a multiplexer after its last channel is gone.
	// Default: DefaultIdleTimeout
	IdleTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Service is the RFCOMM layer of one host.
type Service struct {
	l2cap       L2CAP
	loop        runloop.RunLoop
	mtu         uint16
	idleTimeout uint32
	log         logging.LeveledLogger

	multiplexers linkedlist.List[*multiplexer]
	channels     linkedlist.List[*channel]
	services     linkedlist.List[*service]
	nextCID      uint16

	// outgoing holds one prepared frame: address, control, two length
	// bytes, payload and FCS.
	outgoing         []byte
	outgoingReserved bool
}

// New creates an RFCOMM Service.
func New(config Config) (*Service, error) {
	if config.L2CAP == nil {
		return nil, ErrNoL2CAP
	}
	if config.RunLoop == nil {
		return nil, ErrNoRunLoop
	}
	if config.MTU == 0 {
		config.MTU = DefaultL2CAPMTU
	}
	if config.MTU < l2cap.MinimumMTU {
		config.MTU = l2cap.MinimumMTU
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	s := &Service{
		l2cap:       config.L2CAP,
		loop:        config.RunLoop,
		mtu:         config.MTU,
		idleTimeout: uint32(config.IdleTimeout / time.Millisecond),
		outgoing:    make([]byte, outgoingBufferSize),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("rfcomm")
	}
	return s, nil
}

// RegisterService accepts incoming channels on serverChannel with automatic
// credit management.
func (s *Service) RegisterService(handler hci.PacketHandler, serverChannel uint8, maxFrameSize uint16) hci.Status {
	return s.registerService(handler, serverChannel, maxFrameSize, false, DefaultCredits)
}

// RegisterServiceWithInitialCredits accepts incoming channels on
// serverChannel. Incoming credits are only granted through GrantCredits
// after the initial ones are used up.
func (s *Service) RegisterServiceWithInitialCredits(handler hci.PacketHandler, serverChannel uint8, maxFrameSize uint16, initialCredits uint8) hci.Status {
	return s.registerService(handler, serverChannel, maxFrameSize, true, initialCredits)
}

func (s *Service) registerService(handler hci.PacketHandler, serverChannel uint8, maxFrameSize uint16, flowControl bool, credits uint8) hci.Status {
	if serverChannel == 0 || serverChannel > 30 {
		return hci.StatusInvalidHCICommandParameters
	}
	if s.serviceForChannel(serverChannel) != nil {
		return hci.StatusRFCOMMChannelAlreadyRegistered
	}
	if maxFrameSize == 0 {
		maxFrameSize = DefaultFrameSize
	}
	if s.services.Empty() {
		if st := s.l2cap.RegisterService(s.packetHandler, l2cap.PSMRFCOMM, s.mtu); !st.OK() {
			return st
		}
	}
	s.services.Add(&service{
		handler:             handler,
		serverChannel:       serverChannel,
		maxFrameSize:        maxFrameSize,
		incomingFlowControl: flowControl,
		initialCredits:      credits,
	})
	if s.log != nil {
		s.log.Debugf("registered server channel %d, frame size %d", serverChannel, maxFrameSize)
	}
	return hci.StatusSuccess
}

// UnregisterService stops accepting channels on serverChannel. Open
// channels are not affected.
func (s *Service) UnregisterService(serverChannel uint8) {
	svc := s.serviceForChannel(serverChannel)
	if svc == nil {
		return
	}
	s.services.Remove(svc)
	if s.services.Empty() {
		s.l2cap.UnregisterService(l2cap.PSMRFCOMM)
	}
}

// CreateChannel opens a channel to serverChannel on addr with automatic
// credit management. The result is reported with CHANNEL_OPENED.
func (s *Service) CreateChannel(handler hci.PacketHandler, addr hci.Addr, serverChannel uint8) (uint16, hci.Status) {
	return s.createChannelInternal(handler, addr, serverChannel, false, DefaultCredits)
}

// CreateChannelWithInitialCredits opens a channel granting initialCredits
// to the peer. Further credits are granted with GrantCredits.
func (s *Service) CreateChannelWithInitialCredits(handler hci.PacketHandler, addr hci.Addr, serverChannel uint8, initialCredits uint8) (uint16, hci.Status) {
	return s.createChannelInternal(handler, addr, serverChannel, true, initialCredits)
}

func (s *Service) createChannelInternal(handler hci.PacketHandler, addr hci.Addr, serverChannel uint8, flowControl bool, credits uint8) (uint16, hci.Status) {
	if serverChannel == 0 || serverChannel > 30 {
		return 0, hci.StatusInvalidHCICommandParameters
	}

	m := s.multiplexerForAddr(addr)
	newMux := m == nil
	if newMux {
		m = s.createMultiplexer(addr)
		m.initiator = 1
		m.state = MultiplexerW4Connect
	}

	dlci := serverChannel<<1 | (m.initiator ^ 1)
	if s.channelForDLCI(m, dlci) != nil {
		return 0, hci.StatusRFCOMMChannelAlreadyRegistered
	}

	c := s.createChannel(m, nil, serverChannel)
	c.handler = handler
	c.incomingFlowControl = flowControl
	c.newCreditsIncoming = credits

	if m.state == MultiplexerOpen {
		c.state = ChannelSendUIHPN
		s.l2cap.RequestCanSendNowEvent(m.l2capCID)
		return c.cid, hci.StatusSuccess
	}

	c.state = ChannelW4Multiplexer
	if newMux {
		cid, st := s.l2cap.CreateChannel(s.packetHandler, addr, l2cap.PSMRFCOMM, s.mtu)
		if !st.OK() {
			s.channels.Remove(c)
			s.multiplexers.Remove(m)
			return 0, st
		}
		m.l2capCID = cid
	}
	if s.log != nil {
		s.log.Debugf("channel 0x%04X to %s server channel %d waits for multiplexer", c.cid, addr, serverChannel)
	}
	return c.cid, hci.StatusSuccess
}

// Disconnect closes the channel with a DISC exchange.
func (s *Service) Disconnect(cid uint16) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	c.state = ChannelSendDISC
	s.l2cap.RequestCanSendNowEvent(c.mux.l2capCID)
	return hci.StatusSuccess
}

// AcceptConnection accepts a channel announced with INCOMING_CONNECTION.
func (s *Service) AcceptConnection(cid uint16) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	if c.state != ChannelIncomingSetup {
		return hci.StatusCommandDisallowed
	}
	c.sub.ClientAccepted = true
	if c.sub.RcvdPN {
		c.sub.SendPNRsp = true
	}
	if c.sub.RcvdSABM {
		c.sub.SendUA = true
	}
	if c.readyToSend() {
		s.l2cap.RequestCanSendNowEvent(c.mux.l2capCID)
	}
	return hci.StatusSuccess
}

// DeclineConnection refuses a channel announced with INCOMING_CONNECTION.
func (s *Service) DeclineConnection(cid uint16) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	if c.state != ChannelIncomingSetup {
		return hci.StatusCommandDisallowed
	}
	c.state = ChannelSendDM
	s.l2cap.RequestCanSendNowEvent(c.mux.l2capCID)
	return hci.StatusSuccess
}

// GrantCredits adds credits for the peer on a channel with manual credit
// management.
func (s *Service) GrantCredits(cid uint16, credits uint8) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	if !c.incomingFlowControl {
		return hci.StatusCommandDisallowed
	}
	c.newCreditsIncoming = addCredits(c.newCreditsIncoming, credits)
	s.l2cap.RequestCanSendNowEvent(c.mux.l2capCID)
	return hci.StatusSuccess
}

// CanSendPacketNow reports whether Send would succeed.
func (s *Service) CanSendPacketNow(cid uint16) bool {
	c := s.channelForCID(cid)
	if c == nil {
		return false
	}
	return s.canSend(c)
}

// RequestCanSendNowEvent asks for CAN_SEND_NOW once a frame can be sent on
// cid. One request yields one event.
func (s *Service) RequestCanSendNowEvent(cid uint16) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	c.waitingForCanSendNow = true
	return s.l2cap.RequestCanSendNowEvent(c.mux.l2capCID)
}

// MaxFrameSize returns the negotiated frame size of cid, or 0.
func (s *Service) MaxFrameSize(cid uint16) uint16 {
	if c := s.channelForCID(cid); c != nil {
		return c.maxFrameSize
	}
	return 0
}

// Credits returns the outgoing and incoming credits of cid.
func (s *Service) Credits(cid uint16) (outgoing, incoming uint8) {
	if c := s.channelForCID(cid); c != nil {
		return c.creditsOutgoing, c.creditsIncoming
	}
	return 0, 0
}

// ChannelState returns the state of cid, ChannelClosed if unknown.
func (s *Service) ChannelState(cid uint16) ChannelState {
	if c := s.channelForCID(cid); c != nil {
		return c.state
	}
	return ChannelClosed
}

// ChannelSubState returns the negotiation flags of cid.
func (s *Service) ChannelSubState(cid uint16) SubState {
	if c := s.channelForCID(cid); c != nil {
		return c.sub
	}
	return SubState{}
}

// MultiplexerState returns the state of the multiplexer to addr,
// MultiplexerClosed if there is none.
func (s *Service) MultiplexerState(addr hci.Addr) MultiplexerState {
	if m := s.multiplexerForAddr(addr); m != nil {
		return m.state
	}
	return MultiplexerClosed
}

func (s *Service) checkSend(c *channel, n int) hci.Status {
	if n > int(c.maxFrameSize) {
		return hci.StatusRFCOMMDataLenExceedsMTU
	}
	if c.creditsOutgoing == 0 {
		return hci.StatusRFCOMMNoOutgoingCredits
	}
	if c.mux.fcon&fconOn == 0 {
		return hci.StatusRFCOMMAggregateFlowOff
	}
	if !s.l2cap.CanSendPacketNow(c.mux.l2capCID) {
		return hci.StatusBTStackACLBuffersFull
	}
	return hci.StatusSuccess
}

// Send transmits data as one UIH frame, consuming one outgoing credit.
func (s *Service) Send(cid uint16, data []byte) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	if st := s.checkSend(c, len(data)); !st.OK() {
		return st
	}
	if len(data) > 0 {
		c.creditsOutgoing--
	}
	st := s.sendFrame(c.mux, c.mux.commandAddress(c.dlci), ctrlUIH, 0, data)
	if !st.OK() && len(data) > 0 {
		c.creditsOutgoing++
	}
	return st
}

// ReservePacketBuffer claims the shared outgoing buffer. It returns false
// if the buffer is already reserved.
func (s *Service) ReservePacketBuffer() bool {
	if s.outgoingReserved {
		return false
	}
	s.outgoingReserved = true
	return true
}

// ReleasePacketBuffer returns the shared outgoing buffer.
func (s *Service) ReleasePacketBuffer() {
	s.outgoingReserved = false
}

// OutgoingBuffer returns the payload area of the shared outgoing buffer.
func (s *Service) OutgoingBuffer() []byte {
	return s.outgoing[4 : len(s.outgoing)-1]
}

// SendPrepared sends the first n bytes of OutgoingBuffer on cid. The buffer
// is released when the frame was handed to L2CAP.
func (s *Service) SendPrepared(cid uint16, n int) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	if !s.outgoingReserved {
		return hci.StatusCommandDisallowed
	}
	if n < 0 || n > len(s.outgoing)-frameOverhead {
		return hci.StatusRFCOMMDataLenExceedsMTU
	}
	if st := s.checkSend(c, n); !st.OK() {
		return st
	}

	b := s.outgoing
	b[0] = c.mux.commandAddress(c.dlci)
	b[1] = ctrlUIH
	b[2] = uint8(n&0x7F) << 1
	b[3] = uint8(n >> 7)
	b[4+n] = fcs(b[:2])

	if n > 0 {
		c.creditsOutgoing--
	}
	st := s.l2cap.Send(c.mux.l2capCID, b[:n+frameOverhead])
	if !st.OK() {
		if n > 0 {
			c.creditsOutgoing++
		}
		return st
	}
	s.ReleasePacketBuffer()
	return hci.StatusSuccess
}

// SendPortConfiguration sends an RPN command with the given settings.
func (s *Service) SendPortConfiguration(cid uint16, baud Baud, dataBits DataBits, stopBits StopBits, parity Parity, flowControl uint8) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	p := portConfig{
		baud:        uint8(baud),
		flags:       uint8(dataBits) | uint8(stopBits)<<2 | uint8(parity)<<3,
		flowControl: flowControl,
		mask0:       0x1F,
		mask1:       0x3F,
	}
	return s.sendMessage(c.mux, cmdRPN, append([]byte{dlciAddress(c.dlci)}, p.bytes()...)...)
}

// QueryPortConfiguration asks the peer for its port settings. The answer is
// reported with PORT_CONFIGURATION.
func (s *Service) QueryPortConfiguration(cid uint16) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	return s.sendMessage(c.mux, cmdRPN, dlciAddress(c.dlci))
}

// SendLocalLineStatus reports a line status to the peer.
func (s *Service) SendLocalLineStatus(cid uint16, lineStatus uint8) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	return s.sendMessage(c.mux, cmdRLS, dlciAddress(c.dlci), lineStatus)
}

// SendModemStatus reports modem signals to the peer.
func (s *Service) SendModemStatus(cid uint16, modemStatus uint8) hci.Status {
	c := s.channelForCID(cid)
	if c == nil {
		return hci.StatusUnknownConnectionIdentifier
	}
	return s.sendMessage(c.mux, cmdMSC, dlciAddress(c.dlci), modemStatus)
}

func (s *Service) sendFrame(m *multiplexer, address, control, credits uint8, data []byte) hci.Status {
	st := s.l2cap.Send(m.l2capCID, encodeFrame(address, control, credits, data))
	if !st.OK() && s.log != nil {
		s.log.Warnf("send frame 0x%02X to %s: %s", control, m.addr, st)
	}
	return st
}

func (s *Service) sendMessage(m *multiplexer, typ uint8, value ...byte) hci.Status {
	return s.sendFrame(m, m.commandAddress(0), ctrlUIH, 0, encodeMessage(typ, value...))
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
		if !ok || ev.PSM != l2cap.PSMRFCOMM {
			return
		}
		if s.multiplexerForAddr(ev.Addr) != nil {
			if s.log != nil {
				s.log.Infof("multiplexer to %s exists, declining", ev.Addr)
			}
			s.l2cap.DeclineConnection(ev.LocalCID)
			return
		}
		m := s.createMultiplexer(ev.Addr)
		m.state = MultiplexerW4SABM0
		m.l2capCID = ev.LocalCID
		m.handle = ev.Handle
		s.l2cap.AcceptConnection(ev.LocalCID)

	case l2cap.EventChannelOpened:
		ev, ok := l2cap.ParseChannelOpened(packet)
		if !ok || ev.PSM != l2cap.PSMRFCOMM {
			return
		}
		m := s.multiplexerForAddr(ev.Addr)
		if m == nil {
			return
		}
		if !ev.Status.OK() {
			if s.log != nil {
				s.log.Infof("l2cap to %s failed: %s", ev.Addr, ev.Status)
			}
			s.stopMultiplexerTimer(m)
			m.state = MultiplexerShuttingDown
			it := s.channels.Iterator()
			for it.HasNext() {
				c := it.Next()
				if c.mux != m {
					continue
				}
				it.RemoveCurrent()
				s.loop.RemoveTimer(&c.timer)
				s.emitChannelOpened(c, ev.Status)
			}
			s.multiplexers.Remove(m)
			return
		}
		m.maxFrameSize = maxFrameSizeForMTU(min(ev.LocalMTU, ev.RemoteMTU))
		if m.state == MultiplexerW4Connect {
			m.l2capCID = ev.LocalCID
			m.handle = ev.Handle
			s.setMultiplexerStateAndRequestSend(m, MultiplexerSendSABM0)
		}

	case l2cap.EventCanSendNow:
		if cid, ok := l2cap.ParseCanSendNow(packet); ok {
			s.handleCanSendNow(cid)
		}

	case l2cap.EventChannelClosed:
		cid, ok := l2cap.ParseChannelClosed(packet)
		if !ok {
			return
		}
		if m := s.multiplexerForL2CAPCID(cid); m != nil {
			if s.log != nil {
				s.log.Infof("l2cap to %s closed", m.addr)
			}
			s.finalizeMultiplexer(m, hci.StatusRFCOMMMultiplexerStopped)
		}
	}
}

func (s *Service) handleL2CAPData(cid uint16, packet []byte) {
	m := s.multiplexerForL2CAPCID(cid)
	if m == nil {
		return
	}
	f, err := parseFrame(packet)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("frame from %s: %v", m.addr, err)
		}
		return
	}
	if s.handleMultiplexerFrame(m, f) {
		return
	}
	if m.state != MultiplexerOpen {
		return
	}
	if f.dlci() != 0 && f.isUIH() {
		s.handleChannelUIH(m, f)
		return
	}
	s.handleChannelFrame(m, f)
}

// handleCanSendNow spends one send opportunity: multiplexer frames first,
// then pending channel frames, then a waiting client.
func (s *Service) handleCanSendNow(l2capCID uint16) {
	m := s.multiplexerForL2CAPCID(l2capCID)
	if m == nil {
		return
	}

	consumed := false
	if m.readyToSend() {
		s.runMultiplexer(m)
		consumed = true
	}

	if !consumed {
		for _, c := range s.channels.Items() {
			if c.mux != m || !c.readyToSend() {
				continue
			}
			s.channelStateMachine(c, channelEvent{typ: evReadyToSend})
			consumed = true
			break
		}
	}

	if !consumed {
		for _, c := range s.channels.Items() {
			if c.mux != m || !c.waitingForCanSendNow || !s.canSend(c) {
				continue
			}
			c.waitingForCanSendNow = false
			s.emitCanSendNow(c)
			consumed = true
			break
		}
	}

	if consumed && s.multiplexerForL2CAPCID(l2capCID) == m {
		s.l2cap.RequestCanSendNowEvent(l2capCID)
	}
}
