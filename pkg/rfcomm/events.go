package rfcomm

import "github.com/backkem/bthost/pkg/hci"

// ChannelOpened is the decoded CHANNEL_OPENED event.
type ChannelOpened struct {
	Status        hci.Status
	Addr          hci.Addr
	Handle        hci.ConnHandle
	ServerChannel uint8
	CID           uint16
	MaxFrameSize  uint16
	Incoming      bool
}

// IncomingConnection is the decoded INCOMING_CONNECTION event.
type IncomingConnection struct {
	Addr          hci.Addr
	ServerChannel uint8
	CID           uint16
	Handle        hci.ConnHandle
}

// PortConfiguration is the decoded PORT_CONFIGURATION event.
type PortConfiguration struct {
	CID         uint16
	Remote      bool
	Baud        Baud
	DataBits    DataBits
	StopBits    StopBits
	Parity      Parity
	FlowControl uint8
	XON         uint8
	XOFF        uint8
	Mask0       uint8
	Mask1       uint8
}

// ParseChannelOpened decodes a CHANNEL_OPENED event.
func ParseChannelOpened(packet []byte) (ChannelOpened, bool) {
	if hci.EventCode(packet) != EventChannelOpened {
		return ChannelOpened{}, false
	}
	r := hci.NewEventReader(packet)
	ev := ChannelOpened{
		Status:        hci.Status(r.U8()),
		Addr:          r.Addr(),
		Handle:        hci.ConnHandle(r.U16()),
		ServerChannel: r.U8(),
		CID:           r.U16(),
		MaxFrameSize:  r.U16(),
		Incoming:      r.Bool(),
	}
	return ev, r.Err == nil
}

// ParseIncomingConnection decodes an INCOMING_CONNECTION event.
func ParseIncomingConnection(packet []byte) (IncomingConnection, bool) {
	if hci.EventCode(packet) != EventIncomingConnection {
		return IncomingConnection{}, false
	}
	r := hci.NewEventReader(packet)
	ev := IncomingConnection{
		Addr:          r.Addr(),
		ServerChannel: r.U8(),
		CID:           r.U16(),
		Handle:        hci.ConnHandle(r.U16()),
	}
	return ev, r.Err == nil
}

// ParseChannelClosed returns the cid of a CHANNEL_CLOSED event.
func ParseChannelClosed(packet []byte) (uint16, bool) {
	if hci.EventCode(packet) != EventChannelClosed {
		return 0, false
	}
	r := hci.NewEventReader(packet)
	cid := r.U16()
	return cid, r.Err == nil
}

// ParseCanSendNow returns the cid of a CAN_SEND_NOW event.
func ParseCanSendNow(packet []byte) (uint16, bool) {
	if hci.EventCode(packet) != EventCanSendNow {
		return 0, false
	}
	r := hci.NewEventReader(packet)
	cid := r.U16()
	return cid, r.Err == nil
}

// ParseRemoteLineStatus decodes REMOTE_LINE_STATUS into cid and status.
func ParseRemoteLineStatus(packet []byte) (uint16, uint8, bool) {
	return parseStatusEvent(packet, EventRemoteLineStatus)
}

// ParseRemoteModemStatus decodes REMOTE_MODEM_STATUS into cid and status.
func ParseRemoteModemStatus(packet []byte) (uint16, uint8, bool) {
	return parseStatusEvent(packet, EventRemoteModemStatus)
}

func parseStatusEvent(packet []byte, code uint8) (uint16, uint8, bool) {
	if hci.EventCode(packet) != code {
		return 0, 0, false
	}
	r := hci.NewEventReader(packet)
	cid := r.U16()
	status := r.U8()
	return cid, status, r.Err == nil
}

// ParsePortConfiguration decodes a PORT_CONFIGURATION event.
func ParsePortConfiguration(packet []byte) (PortConfiguration, bool) {
	if hci.EventCode(packet) != EventPortConfiguration {
		return PortConfiguration{}, false
	}
	r := hci.NewEventReader(packet)
	ev := PortConfiguration{
		CID:    r.U16(),
		Remote: r.Bool(),
		Baud:   Baud(r.U8()),
	}
	flags := r.U8()
	ev.DataBits = DataBits(flags & 0x03)
	ev.StopBits = StopBits(flags>>2&0x01)
	ev.Parity = Parity(flags>>3&0x07)
	ev.FlowControl = r.U8()
	ev.XON = r.U8()
	ev.XOFF = r.U8()
	ev.Mask0 = r.U8()
	ev.Mask1 = r.U8()
	return ev, r.Err == nil
}

func (s *Service) emit(c *channel, event []byte) {
	if c.handler != nil {
		c.handler(hci.EventPacket, c.cid, event)
	}
}

// emitChannelOpened reports the outcome of channel setup and, on success,
// an immediate CAN_SEND_NOW if credits are already available.
func (s *Service) emitChannelOpened(c *channel, status hci.Status) {
	ev := hci.NewEvent(EventChannelOpened).
		U8(uint8(status)).
		Addr(c.mux.addr).
		U16(uint16(c.mux.handle)).
		U8(c.serverChannel()).
		U16(c.cid).
		U16(c.maxFrameSize).
		Bool(c.service != nil).
		Bytes()
	s.emit(c, ev)

	if status.OK() && s.channelForCID(c.cid) == c && s.canSend(c) {
		c.waitingForCanSendNow = false
		s.emitCanSendNow(c)
	}
}

func (s *Service) emitChannelClosed(c *channel) {
	s.emit(c, hci.NewEvent(EventChannelClosed).U16(c.cid).Bytes())
}

func (s *Service) emitIncomingConnection(c *channel) {
	ev := hci.NewEvent(EventIncomingConnection).
		Addr(c.mux.addr).
		U8(c.serverChannel()).
		U16(c.cid).
		U16(uint16(c.mux.handle)).
		Bytes()
	s.emit(c, ev)
}

func (s *Service) emitRemoteLineStatus(c *channel, status uint8) {
	s.emit(c, hci.NewEvent(EventRemoteLineStatus).U16(c.cid).U8(status).Bytes())
}

func (s *Service) emitRemoteModemStatus(c *channel, status uint8) {
	s.emit(c, hci.NewEvent(EventRemoteModemStatus).U16(c.cid).U8(status).Bytes())
}

func (s *Service) emitPortConfiguration(c *channel, remote bool, p portConfig) {
	ev := hci.NewEvent(EventPortConfiguration).
		U16(c.cid).
		Bool(remote).
		Raw(p.bytes()).
		Bytes()
	s.emit(c, ev)
}

func (s *Service) emitCanSendNow(c *channel) {
	s.emit(c, hci.NewEvent(EventCanSendNow).U16(c.cid).Bytes())
}
