package rfcomm

import (
	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
)

// ChannelState is the primary state of a data link connection.
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelW4Multiplexer
	ChannelSendUIHPN
	ChannelW4PNRsp
	ChannelSendSABMW4UA
	ChannelW4UA
	ChannelIncomingSetup
	ChannelDLCSetup
	ChannelOpen
	ChannelSendUAAfterDisc
	ChannelSendDISC
	ChannelW4UAAfterDisc
	ChannelSendDM
	ChannelEmitOpenFailedAndDiscard
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "CLOSED"
	case ChannelW4Multiplexer:
		return "W4_MULTIPLEXER"
	case ChannelSendUIHPN:
		return "SEND_UIH_PN"
	case ChannelW4PNRsp:
		return "W4_PN_RSP"
	case ChannelSendSABMW4UA:
		return "SEND_SABM_W4_UA"
	case ChannelW4UA:
		return "W4_UA"
	case ChannelIncomingSetup:
		return "INCOMING_SETUP"
	case ChannelDLCSetup:
		return "DLC_SETUP"
	case ChannelOpen:
		return "OPEN"
	case ChannelSendUAAfterDisc:
		return "SEND_UA_AFTER_DISC"
	case ChannelSendDISC:
		return "SEND_DISC"
	case ChannelW4UAAfterDisc:
		return "W4_UA_AFTER_DISC"
	case ChannelSendDM:
		return "SEND_DM"
	case ChannelEmitOpenFailedAndDiscard:
		return "EMIT_OPEN_FAILED_AND_DISCARD"
	default:
		return "UNKNOWN"
	}
}

// SubState tracks the negotiations that run alongside the primary state.
// Rcvd and Sent flags record what happened; Send flags are work still to do
// on the next send opportunity.
type SubState struct {
	ClientAccepted bool
	RcvdPN         bool
	RcvdSABM       bool
	RcvdMSCCmd     bool
	RcvdMSCRsp     bool
	SendPNRsp      bool
	SendRPNRsp     bool
	SendUA         bool
	SendMSCCmd     bool
	SendMSCRsp     bool
	SendCredits    bool
	SentMSCCmd     bool
	SentMSCRsp     bool
	SentCredits    bool
}

// service is a registered server channel.
type service struct {
	handler             hci.PacketHandler
	serverChannel       uint8
	maxFrameSize        uint16
	incomingFlowControl bool
	initialCredits      uint8
}

type channel struct {
	mux     *multiplexer
	service *service
	handler hci.PacketHandler

	cid  uint16
	dlci uint8

	state ChannelState
	sub   SubState

	creditsOutgoing     uint8
	creditsIncoming     uint8
	newCreditsIncoming  uint8
	incomingFlowControl bool

	pnPriority   uint8
	maxFrameSize uint16
	rpn          portConfig

	rlsLineStatus        uint8
	waitingForCanSendNow bool

	// timer bounds the wait for UA in W4_UA and W4_UA_AFTER_DISC.
	timer runloop.Timer
}

func (c *channel) serverChannel() uint8 {
	return c.dlci >> 1
}

func (c *channel) readyToSend() bool {
	switch c.state {
	case ChannelSendUIHPN, ChannelSendSABMW4UA, ChannelSendUAAfterDisc, ChannelSendDISC, ChannelSendDM:
		return true
	case ChannelOpen:
		if c.newCreditsIncoming > 0 {
			return true
		}
	case ChannelDLCSetup:
		if c.sub.SendMSCCmd || c.sub.SendCredits {
			return true
		}
	}
	if c.sub.SendPNRsp || c.sub.SendRPNRsp || c.sub.SendUA || c.sub.SendMSCRsp {
		return true
	}
	return c.rlsLineStatus != lineStatusInvalid
}

// readyForOpen ignores outgoing credits and our own MSC response.
func (c *channel) readyForOpen() bool {
	return c.sub.RcvdMSCRsp && c.sub.SentCredits
}

func (c *channel) readyForIncomingDLCSetup() bool {
	return c.sub.ClientAccepted && c.sub.RcvdSABM && !c.sub.SendUA && !c.sub.SendPNRsp
}

type channelEventType int

const (
	evRcvdSABM channelEventType = iota + 1
	evRcvdUA
	evRcvdPN
	evRcvdPNRsp
	evRcvdDISC
	evRcvdDM
	evRcvdMSCCmd
	evRcvdMSCRsp
	evRcvdRLSCmd
	evRcvdRPNCmd
	evRcvdRPNReq
	evRcvdCredits
	evMultiplexerReady
	evReadyToSend
)

type channelEvent struct {
	typ    channelEventType
	pn     pnParams
	rpn    portConfig
	status uint8
}

func (s *Service) createChannel(m *multiplexer, svc *service, serverChannel uint8) *channel {
	c := &channel{
		mux:                m,
		service:            svc,
		cid:                s.allocCID(),
		state:              ChannelClosed,
		maxFrameSize:       m.maxFrameSize,
		newCreditsIncoming: DefaultCredits,
		rpn:                defaultPortConfig(),
		rlsLineStatus:      lineStatusInvalid,
	}
	if svc != nil {
		c.dlci = serverChannel<<1 | m.initiator
		if c.maxFrameSize > svc.maxFrameSize {
			c.maxFrameSize = svc.maxFrameSize
		}
		c.incomingFlowControl = svc.incomingFlowControl
		c.newCreditsIncoming = svc.initialCredits
		c.handler = svc.handler
	} else {
		c.dlci = serverChannel<<1 | (m.initiator ^ 1)
	}
	c.timer.Context = c
	c.timer.Process = s.channelTimeout
	s.channels.Add(c)
	return c
}

func (s *Service) allocCID() uint16 {
	for {
		if s.nextCID == 0xFFFF {
			s.nextCID = 1
		} else {
			s.nextCID++
		}
		if s.channelForCID(s.nextCID) == nil {
			return s.nextCID
		}
	}
}

func (s *Service) channelForCID(cid uint16) *channel {
	c, _ := s.channels.Find(func(c *channel) bool { return c.cid == cid })
	return c
}

func (s *Service) channelForDLCI(m *multiplexer, dlci uint8) *channel {
	c, _ := s.channels.Find(func(c *channel) bool { return c.mux == m && c.dlci == dlci })
	return c
}

func (s *Service) serviceForChannel(serverChannel uint8) *service {
	svc, _ := s.services.Find(func(svc *service) bool { return svc.serverChannel == serverChannel })
	return svc
}

// finalizeChannel drops c and re-arms the idle timer of its multiplexer.
func (s *Service) finalizeChannel(c *channel) {
	s.loop.RemoveTimer(&c.timer)
	s.channels.Remove(c)
	c.state = ChannelClosed
	s.prepareIdleTimer(c.mux)
}

func (s *Service) startChannelTimer(c *channel) {
	s.loop.RemoveTimer(&c.timer)
	s.loop.SetTimer(&c.timer, ackTimeoutMs)
	s.loop.AddTimer(&c.timer)
}

// channelTimeout releases a channel whose peer did not answer SABM or DISC.
func (s *Service) channelTimeout(t *runloop.Timer) {
	c := t.Context.(*channel)
	if s.channelForCID(c.cid) != c {
		return
	}
	switch c.state {
	case ChannelW4UA, ChannelW4UAAfterDisc:
	default:
		return
	}
	if s.log != nil {
		s.log.Warnf("channel 0x%04X: no UA from %s in %s", c.cid, c.mux.addr, c.state)
	}
	s.emitFinalEvent(c, hci.StatusConnectionTimeout)
	s.finalizeChannel(c)
}

// emitFinalEvent reports CHANNEL_CLOSED for channels that were open and
// CHANNEL_OPENED with status for all others.
func (s *Service) emitFinalEvent(c *channel, status hci.Status) {
	switch c.state {
	case ChannelOpen, ChannelW4UAAfterDisc:
		s.emitChannelClosed(c)
	case ChannelSendUAAfterDisc:
	default:
		s.emitChannelOpened(c, status)
	}
}

func (s *Service) canSend(c *channel) bool {
	if c.creditsOutgoing == 0 || c.mux.fcon&fconOn == 0 {
		return false
	}
	return s.l2cap.CanSendPacketNow(c.mux.l2capCID)
}

func (s *Service) notifyChannelsCanSend() {
	for _, c := range s.channels.Items() {
		if !c.waitingForCanSendNow || !s.canSend(c) {
			continue
		}
		c.waitingForCanSendNow = false
		s.emitCanSendNow(c)
	}
}

// addCredits adds n to a credit counter, saturating at 255.
func addCredits(credits, n uint8) uint8 {
	if n > 0xFF-credits {
		return 0xFF
	}
	return credits + n
}

func (s *Service) sendCredits(c *channel, credits uint8) {
	c.creditsIncoming = addCredits(c.creditsIncoming, credits)
	s.sendFrame(c.mux, c.mux.commandAddress(c.dlci), ctrlUIHPF, credits, nil)
}

func (s *Service) channelOpened(c *channel) {
	if s.log != nil {
		s.log.Infof("channel 0x%04X open, server channel %d, frame size %d", c.cid, c.serverChannel(), c.maxFrameSize)
	}
	c.state = ChannelOpen
	s.emitChannelOpened(c, hci.StatusSuccess)
	s.emitPortConfiguration(c, false, c.rpn)
	s.stopMultiplexerTimer(c.mux)
	if c.readyToSend() {
		s.l2cap.RequestCanSendNowEvent(c.mux.l2capCID)
	}
}

func (c *channel) acceptPN(pn pnParams) {
	c.pnPriority = pn.priority
	c.creditsOutgoing = pn.credits
	if c.maxFrameSize > c.mux.maxFrameSize {
		c.maxFrameSize = c.mux.maxFrameSize
	}
	if c.maxFrameSize > pn.maxFrameSize {
		c.maxFrameSize = pn.maxFrameSize
	}
}

// channelStateMachine applies ev to c. It returns false if c was released.
func (s *Service) channelStateMachine(c *channel, ev channelEvent) bool {
	m := c.mux

	switch ev.typ {
	case evRcvdDISC:
		s.emitChannelClosed(c)
		c.state = ChannelSendUAAfterDisc
		return true

	case evRcvdDM:
		if s.log != nil {
			s.log.Infof("DM for DLCI %d, closing channel 0x%04X", c.dlci, c.cid)
		}
		s.emitFinalEvent(c, hci.StatusConnectionRejectedLimitedResources)
		s.finalizeChannel(c)
		return false

	case evRcvdRPNCmd:
		c.rpn.update(ev.rpn)
		c.sub.SendRPNRsp = true
		s.emitPortConfiguration(c, true, c.rpn)
		return true

	case evRcvdRPNReq:
		// No values were sent, so none are accepted.
		c.rpn.mask0 = 0
		c.rpn.mask1 = 0
		c.sub.SendRPNRsp = true
		return true

	case evRcvdRLSCmd:
		c.rlsLineStatus = ev.status & 0x0F
		s.emitRemoteLineStatus(c, ev.status)
		return true

	case evReadyToSend:
		switch {
		case c.sub.SendRPNRsp:
			c.sub.SendRPNRsp = false
			s.sendMessage(m, rspRPN, append([]byte{dlciAddress(c.dlci)}, c.rpn.bytes()...)...)
			return true
		case c.sub.SendMSCRsp:
			c.sub.SendMSCRsp = false
			c.sub.SentMSCRsp = true
			s.sendMessage(m, rspMSC, dlciAddress(c.dlci), defaultModemStatus)
			return true
		case c.rlsLineStatus != lineStatusInvalid:
			status := c.rlsLineStatus
			c.rlsLineStatus = lineStatusInvalid
			s.sendMessage(m, rspRLS, dlciAddress(c.dlci), status)
			return true
		}

	case evRcvdMSCCmd:
		s.emitRemoteModemStatus(c, ev.status)
	}

	switch c.state {
	case ChannelClosed:
		switch ev.typ {
		case evRcvdSABM:
			c.sub.RcvdSABM = true
			c.state = ChannelIncomingSetup
			s.emitIncomingConnection(c)
		case evRcvdPN:
			c.acceptPN(ev.pn)
			c.sub.RcvdPN = true
			c.state = ChannelIncomingSetup
			s.emitIncomingConnection(c)
		}

	case ChannelIncomingSetup:
		switch ev.typ {
		case evRcvdSABM:
			c.sub.RcvdSABM = true
			if c.sub.ClientAccepted {
				c.sub.SendUA = true
			}
		case evRcvdPN:
			c.acceptPN(ev.pn)
			c.sub.RcvdPN = true
			if c.sub.ClientAccepted {
				c.sub.SendPNRsp = true
			}
		case evReadyToSend:
			if c.sub.SendPNRsp {
				c.sub.SendPNRsp = false
				s.sendMessage(m, rspPN, encodePN(false, c.dlci, c.pnPriority, c.maxFrameSize)...)
			} else if c.sub.SendUA {
				c.sub.SendUA = false
				s.sendFrame(m, m.responseAddress(c.dlci), ctrlUA, 0, nil)
			}
			if c.readyForIncomingDLCSetup() {
				c.sub.SendMSCCmd = true
				c.sub.SendCredits = true
				c.state = ChannelDLCSetup
			}
		}

	case ChannelW4Multiplexer:
		if ev.typ == evMultiplexerReady {
			c.state = ChannelSendUIHPN
		}

	case ChannelSendUIHPN:
		if ev.typ == evReadyToSend {
			c.maxFrameSize = min(c.maxFrameSize, m.maxFrameSize)
			c.state = ChannelW4PNRsp
			s.sendMessage(m, cmdPN, encodePN(true, c.dlci, 0, c.maxFrameSize)...)
		}

	case ChannelW4PNRsp:
		if ev.typ == evRcvdPNRsp {
			if c.maxFrameSize > ev.pn.maxFrameSize {
				c.maxFrameSize = ev.pn.maxFrameSize
			}
			c.creditsOutgoing = ev.pn.credits
			c.state = ChannelSendSABMW4UA
		}

	case ChannelSendSABMW4UA:
		if ev.typ == evReadyToSend {
			c.state = ChannelW4UA
			s.sendFrame(m, m.commandAddress(c.dlci), ctrlSABM, 0, nil)
			s.startChannelTimer(c)
		}

	case ChannelW4UA:
		if ev.typ == evRcvdUA {
			s.loop.RemoveTimer(&c.timer)
			c.state = ChannelDLCSetup
			c.sub.SendMSCCmd = true
			c.sub.SendCredits = true
		}

	case ChannelDLCSetup:
		switch ev.typ {
		case evRcvdMSCCmd:
			c.sub.RcvdMSCCmd = true
			c.sub.SendMSCRsp = true
		case evRcvdMSCRsp:
			c.sub.RcvdMSCRsp = true
		case evReadyToSend:
			if c.sub.SendMSCCmd {
				c.sub.SendMSCCmd = false
				c.sub.SentMSCCmd = true
				s.sendMessage(m, cmdMSC, dlciAddress(c.dlci), defaultModemStatus)
			} else if c.sub.SendCredits {
				c.sub.SendCredits = false
				c.sub.SentCredits = true
				if c.newCreditsIncoming > 0 {
					credits := c.newCreditsIncoming
					c.newCreditsIncoming = 0
					s.sendCredits(c, credits)
				}
			}
		}
		if c.readyForOpen() {
			s.channelOpened(c)
		}

	case ChannelOpen:
		switch ev.typ {
		case evRcvdMSCCmd:
			c.sub.SendMSCRsp = true
		case evReadyToSend:
			if c.newCreditsIncoming > 0 {
				credits := c.newCreditsIncoming
				c.newCreditsIncoming = 0
				s.sendCredits(c, credits)
			}
		case evRcvdCredits:
			s.notifyChannelsCanSend()
		}

	case ChannelSendDM:
		if ev.typ == evReadyToSend {
			c.state = ChannelClosed
			s.sendFrame(m, m.responseAddress(c.dlci), ctrlDMPF, 0, nil)
			s.finalizeChannel(c)
			return false
		}

	case ChannelSendDISC:
		if ev.typ == evReadyToSend {
			c.state = ChannelW4UAAfterDisc
			s.sendFrame(m, m.commandAddress(c.dlci), ctrlDISC, 0, nil)
			s.startChannelTimer(c)
		}

	case ChannelW4UAAfterDisc:
		if ev.typ == evRcvdUA {
			c.state = ChannelClosed
			s.emitChannelClosed(c)
			s.finalizeChannel(c)
			return false
		}

	case ChannelSendUAAfterDisc:
		if ev.typ == evReadyToSend {
			c.state = ChannelClosed
			s.sendFrame(m, m.responseAddress(c.dlci), ctrlUA, 0, nil)
			s.finalizeChannel(c)
			return false
		}
	}
	return true
}

// channelEventForDLCI routes ev to the channel with dlci, creating an
// incoming channel for a registered server channel when ev opens one.
func (s *Service) channelEventForDLCI(m *multiplexer, dlci uint8, ev channelEvent) {
	if c := s.channelForDLCI(m, dlci); c != nil {
		if s.channelStateMachine(c, ev) && c.readyToSend() {
			s.l2cap.RequestCanSendNowEvent(m.l2capCID)
		}
		return
	}
	if ev.typ == evRcvdDM {
		return
	}

	var c *channel
	if svc := s.serviceForChannel(dlci >> 1); svc != nil {
		switch ev.typ {
		case evRcvdSABM, evRcvdPN, evRcvdRPNReq, evRcvdRPNCmd:
			c = s.createChannel(m, svc, dlci>>1)
		}
	}
	if c == nil {
		m.sendDMForDLCI = dlci
		s.l2cap.RequestCanSendNowEvent(m.l2capCID)
		return
	}
	if s.channelStateMachine(c, ev) && c.readyToSend() {
		s.l2cap.RequestCanSendNowEvent(m.l2capCID)
	}
}

// handleChannelUIH handles data and credits on an open DLC.
func (s *Service) handleChannelUIH(m *multiplexer, f frame) {
	c := s.channelForDLCI(m, f.dlci())
	if c == nil {
		return
	}
	requestSend := false

	if f.hasCredits {
		c.creditsOutgoing = addCredits(c.creditsOutgoing, f.credits)
		if s.log != nil {
			s.log.Debugf("channel 0x%04X: %d new credits, now %d", c.cid, f.credits, c.creditsOutgoing)
		}
		if s.channelStateMachine(c, channelEvent{typ: evRcvdCredits}) && (c.readyToSend() || c.waitingForCanSendNow) {
			requestSend = true
		}
	}

	if len(f.payload) > 0 {
		if c.creditsIncoming > 0 {
			c.creditsIncoming--
		}
		if c.handler != nil {
			c.handler(hci.RFCOMMDataPacket, c.cid, f.payload)
		}
	}

	if !c.incomingFlowControl && c.creditsIncoming < creditRefillThreshold {
		c.newCreditsIncoming = DefaultCredits
		requestSend = true
	}

	if requestSend {
		s.l2cap.RequestCanSendNowEvent(m.l2capCID)
	}
}

// handleChannelFrame handles DLC control frames and multiplexer messages
// that concern a single DLC.
func (s *Service) handleChannelFrame(m *multiplexer, f frame) {
	switch f.control {
	case ctrlSABM:
		s.channelEventForDLCI(m, f.dlci(), channelEvent{typ: evRcvdSABM})
	case ctrlUA:
		s.channelEventForDLCI(m, f.dlci(), channelEvent{typ: evRcvdUA})
	case ctrlDISC:
		s.channelEventForDLCI(m, f.dlci(), channelEvent{typ: evRcvdDISC})
	case ctrlDM, ctrlDMPF:
		s.channelEventForDLCI(m, f.dlci(), channelEvent{typ: evRcvdDM})
	case ctrlUIH, ctrlUIHPF:
		msg, ok := parseMessage(f.payload)
		if !ok {
			break
		}
		s.handleMessage(m, msg)
	default:
		if s.log != nil {
			s.log.Warnf("unknown frame type 0x%02X", f.control)
		}
	}

	// Some transitions only wait for a send opportunity.
	if m.readyToSend() {
		s.l2cap.RequestCanSendNowEvent(m.l2capCID)
	}
}

func (s *Service) handleMessage(m *multiplexer, msg message) {
	v := msg.value
	switch msg.typ {
	case cmdPN, rspPN:
		pn, ok := parsePN(v)
		if !ok {
			return
		}
		typ := evRcvdPN
		if msg.typ == rspPN {
			typ = evRcvdPNRsp
		}
		s.channelEventForDLCI(m, pn.dlci, channelEvent{typ: typ, pn: pn})

	case cmdMSC:
		if len(v) < 2 {
			return
		}
		s.channelEventForDLCI(m, v[0]>>2, channelEvent{typ: evRcvdMSCCmd, status: v[1]})

	case rspMSC:
		if len(v) < 1 {
			return
		}
		s.channelEventForDLCI(m, v[0]>>2, channelEvent{typ: evRcvdMSCRsp})

	case cmdRPN:
		switch len(v) {
		case 1:
			s.channelEventForDLCI(m, v[0]>>2, channelEvent{typ: evRcvdRPNReq})
		case 8:
			s.channelEventForDLCI(m, v[0]>>2, channelEvent{typ: evRcvdRPNCmd, rpn: parsePortConfig(v[1:])})
		}

	case rspRPN:
		if len(v) < 8 {
			return
		}
		if c := s.channelForDLCI(m, v[0]>>2); c != nil {
			s.emitPortConfiguration(c, true, parsePortConfig(v[1:]))
		}

	case cmdRLS:
		if len(v) < 2 {
			return
		}
		s.channelEventForDLCI(m, v[0]>>2, channelEvent{typ: evRcvdRLSCmd, status: v[1]})

	case rspRLS, rspTEST, rspFCON, rspFCOFF, rspNSC:
		if s.log != nil {
			s.log.Debugf("response 0x%02X", msg.typ)
		}

	default:
		// Only commands are answered with NSC.
		if msg.typ&0x02 == 0 {
			return
		}
		if s.log != nil {
			s.log.Warnf("unsupported command 0x%02X", msg.typ)
		}
		m.nscCommand = msg.typ
	}
}
