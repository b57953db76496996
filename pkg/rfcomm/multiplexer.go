package rfcomm

import (
	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
)

// MultiplexerState is the state of the session on DLCI 0.
type MultiplexerState int

const (
	MultiplexerClosed MultiplexerState = iota
	MultiplexerW4Connect
	MultiplexerSendSABM0
	MultiplexerW4UA0
	MultiplexerW4SABM0
	MultiplexerSendUA0
	MultiplexerOpen
	MultiplexerSendUA0AndDisc
	MultiplexerShuttingDown
)

func (s MultiplexerState) String() string {
	switch s {
	case MultiplexerClosed:
		return "CLOSED"
	case MultiplexerW4Connect:
		return "W4_CONNECT"
	case MultiplexerSendSABM0:
		return "SEND_SABM_0"
	case MultiplexerW4UA0:
		return "W4_UA_0"
	case MultiplexerW4SABM0:
		return "W4_SABM_0"
	case MultiplexerSendUA0:
		return "SEND_UA_0"
	case MultiplexerOpen:
		return "OPEN"
	case MultiplexerSendUA0AndDisc:
		return "SEND_UA_0_AND_DISC"
	case MultiplexerShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// fcon flags: bit 0 allows sending, bit 7 marks a pending response.
const (
	fconOn      uint8 = 0x01
	fconPending uint8 = 0x80
)

type multiplexer struct {
	state    MultiplexerState
	addr     hci.Addr
	handle   hci.ConnHandle
	l2capCID uint16

	// initiator is 1 for the side that sent SABM on DLCI 0.
	initiator uint8

	maxFrameSize  uint16
	fcon          uint8
	sendDMForDLCI uint8
	nscCommand    uint8
	testData      []byte

	timer       runloop.Timer
	timerActive bool
}

// commandAddress is the address byte of commands and of all UIH frames sent
// by this side.
func (m *multiplexer) commandAddress(dlci uint8) uint8 {
	return 1 | m.initiator<<1 | dlci<<2
}

// responseAddress is the address byte of UA and DM frames.
func (m *multiplexer) responseAddress(dlci uint8) uint8 {
	return 1 | (m.initiator^1)<<1 | dlci<<2
}

func (m *multiplexer) readyToSend() bool {
	if m.sendDMForDLCI != 0 || m.nscCommand != 0 || m.fcon&fconPending != 0 {
		return true
	}
	switch m.state {
	case MultiplexerSendSABM0, MultiplexerSendUA0, MultiplexerSendUA0AndDisc:
		return true
	case MultiplexerOpen:
		return len(m.testData) > 0
	}
	return false
}

func (s *Service) createMultiplexer(addr hci.Addr) *multiplexer {
	m := &multiplexer{
		state:        MultiplexerClosed,
		addr:         addr,
		handle:       hci.InvalidConnHandle,
		fcon:         fconOn,
		maxFrameSize: maxFrameSizeForMTU(s.mtu),
	}
	m.timer.Context = m
	m.timer.Process = s.multiplexerTimeout
	s.multiplexers.Add(m)
	return m
}

func maxFrameSizeForMTU(mtu uint16) uint16 {
	return mtu - frameOverhead
}

func (s *Service) multiplexerForAddr(addr hci.Addr) *multiplexer {
	m, _ := s.multiplexers.Find(func(m *multiplexer) bool {
		return m.state != MultiplexerShuttingDown && m.addr == addr
	})
	return m
}

func (s *Service) multiplexerForL2CAPCID(cid uint16) *multiplexer {
	m, _ := s.multiplexers.Find(func(m *multiplexer) bool { return m.l2capCID == cid })
	return m
}

func (s *Service) multiplexerHasChannels(m *multiplexer) bool {
	_, ok := s.channels.Find(func(c *channel) bool { return c.mux == m })
	return ok
}

func (s *Service) stopMultiplexerTimer(m *multiplexer) {
	if m.timerActive {
		s.loop.RemoveTimer(&m.timer)
		m.timerActive = false
	}
}

// finalizeMultiplexer reports every channel of m as failed with status or
// closed and drops m.
func (s *Service) finalizeMultiplexer(m *multiplexer, status hci.Status) {
	s.stopMultiplexerTimer(m)
	it := s.channels.Iterator()
	for it.HasNext() {
		c := it.Next()
		if c.mux != m {
			continue
		}
		it.RemoveCurrent()
		s.loop.RemoveTimer(&c.timer)
		s.emitFinalEvent(c, status)
	}
	s.multiplexers.Remove(m)
}

// multiplexerTimeout handles both the UA wait after SABM on DLCI 0 and the
// idle timeout.
func (s *Service) multiplexerTimeout(t *runloop.Timer) {
	m := t.Context.(*multiplexer)
	m.timerActive = false
	cid := m.l2capCID
	if m.state == MultiplexerW4UA0 {
		if s.log != nil {
			s.log.Warnf("multiplexer to %s: no UA for SABM", m.addr)
		}
		s.finalizeMultiplexer(m, hci.StatusConnectionTimeout)
		s.l2cap.Disconnect(cid)
		return
	}
	if s.multiplexerHasChannels(m) {
		return
	}
	if s.log != nil {
		s.log.Infof("multiplexer to %s idle, shutting down", m.addr)
	}
	s.finalizeMultiplexer(m, hci.StatusRFCOMMMultiplexerStopped)
	s.l2cap.Disconnect(cid)
}

func (s *Service) startMultiplexerTimer(m *multiplexer, timeoutMs uint32) {
	s.stopMultiplexerTimer(m)
	s.loop.SetTimer(&m.timer, timeoutMs)
	s.loop.AddTimer(&m.timer)
	m.timerActive = true
}

// prepareIdleTimer arms the idle timer while m carries no channels. The UA
// wait on DLCI 0 keeps running.
func (s *Service) prepareIdleTimer(m *multiplexer) {
	if m.state == MultiplexerW4UA0 && m.timerActive {
		return
	}
	s.stopMultiplexerTimer(m)
	if s.multiplexerHasChannels(m) {
		return
	}
	s.startMultiplexerTimer(m, s.idleTimeout)
}

func (s *Service) multiplexerOpened(m *multiplexer) {
	if s.log != nil {
		s.log.Infof("multiplexer to %s open", m.addr)
	}
	m.state = MultiplexerOpen
	for _, c := range s.channels.Items() {
		if c.mux != m {
			continue
		}
		if s.channelStateMachine(c, channelEvent{typ: evMultiplexerReady}) && c.readyToSend() {
			s.l2cap.RequestCanSendNowEvent(m.l2capCID)
		}
	}
	s.prepareIdleTimer(m)
	if m.readyToSend() {
		s.l2cap.RequestCanSendNowEvent(m.l2capCID)
	}
}

func (s *Service) setMultiplexerStateAndRequestSend(m *multiplexer, state MultiplexerState) {
	m.state = state
	s.l2cap.RequestCanSendNowEvent(m.l2capCID)
}

// handleMultiplexerFrame processes frames addressed to DLCI 0 that act on
// the multiplexer itself. It returns false for frames meant for channels.
func (s *Service) handleMultiplexerFrame(m *multiplexer, f frame) bool {
	if f.dlci() != 0 {
		return false
	}
	cid := m.l2capCID
	switch f.control {
	case ctrlSABM:
		if m.state == MultiplexerW4SABM0 {
			m.initiator = 0
			s.setMultiplexerStateAndRequestSend(m, MultiplexerSendUA0)
			return true
		}
	case ctrlUA:
		if m.state == MultiplexerW4UA0 {
			s.multiplexerOpened(m)
			return true
		}
	case ctrlDISC:
		s.setMultiplexerStateAndRequestSend(m, MultiplexerSendUA0AndDisc)
		return true
	case ctrlDM, ctrlDMPF:
		if s.log != nil {
			s.log.Infof("DM on DLCI 0 from %s, closing multiplexer", m.addr)
		}
		s.finalizeMultiplexer(m, hci.StatusRFCOMMMultiplexerStopped)
		s.l2cap.Disconnect(cid)
		return true
	case ctrlUIH:
		msg, ok := parseMessage(f.payload)
		if !ok {
			return false
		}
		switch msg.typ {
		case cmdCLD:
			s.finalizeMultiplexer(m, hci.StatusRFCOMMMultiplexerStopped)
			s.l2cap.Disconnect(cid)
			return true
		case cmdFCON:
			m.fcon = fconPending | fconOn
			s.l2cap.RequestCanSendNowEvent(cid)
			return true
		case cmdFCOFF:
			m.fcon = fconPending
			s.l2cap.RequestCanSendNowEvent(cid)
			return true
		case cmdTEST:
			data := msg.value
			if len(data) > testDataMaxLen {
				data = data[:testDataMaxLen]
			}
			m.testData = append([]byte(nil), data...)
			s.l2cap.RequestCanSendNowEvent(cid)
			return true
		}
	}
	return false
}

// runMultiplexer sends the single most urgent pending multiplexer frame.
func (s *Service) runMultiplexer(m *multiplexer) {
	cid := m.l2capCID

	if m.sendDMForDLCI != 0 {
		dlci := m.sendDMForDLCI
		m.sendDMForDLCI = 0
		s.sendFrame(m, m.responseAddress(dlci), ctrlDMPF, 0, nil)
		return
	}
	if m.nscCommand != 0 {
		cmd := m.nscCommand
		m.nscCommand = 0
		s.sendMessage(m, rspNSC, cmd)
		return
	}
	if m.fcon&fconPending != 0 {
		m.fcon &= fconOn
		if m.fcon&fconOn != 0 {
			s.sendMessage(m, rspFCON)
			s.notifyChannelsCanSend()
		} else {
			s.sendMessage(m, rspFCOFF)
		}
		return
	}

	switch m.state {
	case MultiplexerSendSABM0:
		m.state = MultiplexerW4UA0
		s.sendFrame(m, m.commandAddress(0), ctrlSABM, 0, nil)
		s.startMultiplexerTimer(m, ackTimeoutMs)
	case MultiplexerSendUA0:
		s.sendFrame(m, m.responseAddress(0), ctrlUA, 0, nil)
		s.multiplexerOpened(m)
	case MultiplexerSendUA0AndDisc:
		m.state = MultiplexerClosed
		s.sendFrame(m, m.responseAddress(0), ctrlUA, 0, nil)
		s.finalizeMultiplexer(m, hci.StatusRFCOMMMultiplexerStopped)
		s.l2cap.Disconnect(cid)
	case MultiplexerOpen:
		if len(m.testData) > 0 {
			data := m.testData
			m.testData = nil
			s.sendMessage(m, rspTEST, data...)
		}
	}
}
