package l2cap

import "github.com/backkem/bthost/pkg/hci"

// ChannelOpened is the decoded CHANNEL_OPENED event.
type ChannelOpened struct {
	Status    hci.Status
	Addr      hci.Addr
	Handle    hci.ConnHandle
	PSM       uint16
	LocalCID  uint16
	RemoteCID uint16
	LocalMTU  uint16
	RemoteMTU uint16
	Incoming  bool
}

// IncomingConnection is the decoded INCOMING_CONNECTION event.
type IncomingConnection struct {
	Addr      hci.Addr
	Handle    hci.ConnHandle
	PSM       uint16
	LocalCID  uint16
	RemoteCID uint16
}

// ParseChannelOpened decodes a CHANNEL_OPENED event.
func ParseChannelOpened(packet []byte) (ChannelOpened, bool) {
	if hci.EventCode(packet) != EventChannelOpened {
		return ChannelOpened{}, false
	}
	r := hci.NewEventReader(packet)
	ev := ChannelOpened{
		Status:    hci.Status(r.U8()),
		Addr:      r.Addr(),
		Handle:    hci.ConnHandle(r.U16()),
		PSM:       r.U16(),
		LocalCID:  r.U16(),
		RemoteCID: r.U16(),
		LocalMTU:  r.U16(),
		RemoteMTU: r.U16(),
	}
	r.U16() // flush timeout
	ev.Incoming = r.Bool()
	return ev, r.Err == nil
}

// ParseIncomingConnection decodes an INCOMING_CONNECTION event.
func ParseIncomingConnection(packet []byte) (IncomingConnection, bool) {
	if hci.EventCode(packet) != EventIncomingConnection {
		return IncomingConnection{}, false
	}
	r := hci.NewEventReader(packet)
	ev := IncomingConnection{
		Addr:      r.Addr(),
		Handle:    hci.ConnHandle(r.U16()),
		PSM:       r.U16(),
		LocalCID:  r.U16(),
		RemoteCID: r.U16(),
	}
	return ev, r.Err == nil
}

// ParseChannelClosed returns the local cid of a CHANNEL_CLOSED event.
func ParseChannelClosed(packet []byte) (uint16, bool) {
	return parseCIDEvent(packet, EventChannelClosed)
}

// ParseCanSendNow returns the local cid of a CAN_SEND_NOW event.
func ParseCanSendNow(packet []byte) (uint16, bool) {
	return parseCIDEvent(packet, EventCanSendNow)
}

func parseCIDEvent(packet []byte, code uint8) (uint16, bool) {
	if hci.EventCode(packet) != code {
		return 0, false
	}
	r := hci.NewEventReader(packet)
	cid := r.U16()
	return cid, r.Err == nil
}

func (s *Service) emit(handler hci.PacketHandler, channel uint16, event []byte) {
	if handler != nil {
		handler(hci.EventPacket, channel, event)
	}
}

func (s *Service) emitChannelOpened(c *channel, status hci.Status) {
	ev := hci.NewEvent(EventChannelOpened).
		U8(uint8(status)).
		Addr(c.addr).
		U16(uint16(c.handle())).
		U16(c.psm).
		U16(c.localCID).
		U16(c.remoteCID).
		U16(c.localMTU).
		U16(c.remoteMTU).
		U16(flushTimeoutInfinite).
		Bool(c.incoming).
		U8(0). // basic mode
		U8(0). // no fcs
		Bytes()
	s.emit(c.handler, c.localCID, ev)
}

func (s *Service) emitChannelClosed(c *channel) {
	s.emit(c.handler, c.localCID, hci.NewEvent(EventChannelClosed).U16(c.localCID).Bytes())
}

func (s *Service) emitIncomingConnection(c *channel) {
	ev := hci.NewEvent(EventIncomingConnection).
		Addr(c.addr).
		U16(uint16(c.handle())).
		U16(c.psm).
		U16(c.localCID).
		U16(c.remoteCID).
		Bytes()
	s.emit(c.handler, c.localCID, ev)
}

func (s *Service) emitCanSendNow(c *channel) {
	s.emit(c.handler, c.localCID, hci.NewEvent(EventCanSendNow).U16(c.localCID).Bytes())
}
