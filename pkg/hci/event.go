package hci

import "encoding/binary"

// EventBuilder assembles an event packet. The length byte is filled in by Bytes.
type EventBuilder struct {
	b []byte
}

// NewEvent starts an event with the given event code.
func NewEvent(code uint8) *EventBuilder {
	return &EventBuilder{b: []byte{code, 0}}
}

// NewMetaEvent starts a meta event: code, subevent and connection id.
func NewMetaEvent(code, subevent uint8, cid uint16) *EventBuilder {
	return NewEvent(code).U8(subevent).U16(cid)
}

// U8 appends one byte.
func (e *EventBuilder) U8(v uint8) *EventBuilder {
	e.b = append(e.b, v)
	return e
}

// Bool appends 1 for true and 0 for false.
func (e *EventBuilder) Bool(v bool) *EventBuilder {
	if v {
		return e.U8(1)
	}
	return e.U8(0)
}

// U16 appends a little-endian uint16.
func (e *EventBuilder) U16(v uint16) *EventBuilder {
	e.b = binary.LittleEndian.AppendUint16(e.b, v)
	return e
}

// U32 appends a little-endian uint32.
func (e *EventBuilder) U32(v uint32) *EventBuilder {
	e.b = binary.LittleEndian.AppendUint32(e.b, v)
	return e
}

// Addr appends a device address in its written order.
func (e *EventBuilder) Addr(a Addr) *EventBuilder {
	e.b = append(e.b, a[:]...)
	return e
}

// Raw appends bytes as-is.
func (e *EventBuilder) Raw(p []byte) *EventBuilder {
	e.b = append(e.b, p...)
	return e
}

// Bytes finalizes the length byte and returns the packet. Parameters beyond
// 255 bytes are truncated.
func (e *EventBuilder) Bytes() []byte {
	if len(e.b) > 257 {
		e.b = e.b[:257]
	}
	e.b[1] = uint8(len(e.b) - 2)
	return e.b
}

// EventCode returns the event code of packet, or 0 for an empty packet.
func EventCode(packet []byte) uint8 {
	if len(packet) == 0 {
		return 0
	}
	return packet[0]
}

// SubeventCode returns the subevent of a meta event, or 0 if too short.
func SubeventCode(packet []byte) uint8 {
	if len(packet) < 3 {
		return 0
	}
	return packet[2]
}

// EventReader reads fields sequentially from an event's parameters.
// Reads past the end set Err and return zero values.
type EventReader struct {
	b   []byte
	off int
	Err error
}

// NewEventReader positions a reader after the event code and length byte.
func NewEventReader(packet []byte) *EventReader {
	r := &EventReader{b: packet, off: 2}
	if len(packet) < 2 {
		r.Err = ErrShortEvent
	}
	return r
}

// NewMetaEventReader positions a reader after code, length, subevent and cid.
func NewMetaEventReader(packet []byte) *EventReader {
	r := &EventReader{b: packet, off: 5}
	if len(packet) < 5 {
		r.Err = ErrShortEvent
	}
	return r
}

func (r *EventReader) take(n int) []byte {
	if r.Err != nil {
		return nil
	}
	if r.off+n > len(r.b) {
		r.Err = ErrShortEvent
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

// U8 reads one byte.
func (r *EventReader) U8() uint8 {
	p := r.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

// Bool reads one byte as a boolean.
func (r *EventReader) Bool() bool {
	return r.U8() != 0
}

// U16 reads a little-endian uint16.
func (r *EventReader) U16() uint16 {
	p := r.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

// U32 reads a little-endian uint32.
func (r *EventReader) U32() uint32 {
	p := r.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

// Addr reads a device address.
func (r *EventReader) Addr() Addr {
	var a Addr
	if p := r.take(6); p != nil {
		copy(a[:], p)
	}
	return a
}

// Rest returns the unread remainder.
func (r *EventReader) Rest() []byte {
	if r.Err != nil || r.off >= len(r.b) {
		return nil
	}
	p := r.b[r.off:]
	r.off = len(r.b)
	return p
}

// MetaCID returns the connection id of a meta event.
func MetaCID(packet []byte) uint16 {
	if len(packet) < 5 {
		return 0
	}
	return binary.LittleEndian.Uint16(packet[3:])
}
