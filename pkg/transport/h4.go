package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/smallnest/ringbuffer"
)

// HCI events used to model the baseband connection of a virtual link.
const (
	eventConnectionComplete    = 0x03
	eventDisconnectionComplete = 0x05
)

// maxFrameSize bounds a single H4 frame (indicator + ACL header + max payload).
const maxFrameSize = 1 + hci.ACLHeaderSize + 0xFFFF

// frame is one decoded H4 frame. payload excludes the packet indicator.
type frame struct {
	typ     hci.PacketType
	payload []byte
}

func encodeFrame(typ hci.PacketType, payload []byte) []byte {
	b := make([]byte, 1+len(payload))
	b[0] = byte(typ)
	copy(b[1:], payload)
	return b
}

// encodeConnectionComplete announces the local address to the peer:
// status, handle, bd_addr, link type (ACL), encryption disabled.
func encodeConnectionComplete(handle hci.ConnHandle, local hci.Addr) []byte {
	ev := hci.NewEvent(eventConnectionComplete).
		U8(uint8(hci.StatusSuccess)).
		U16(uint16(handle)).
		Addr(local).
		U8(0x01).
		U8(0x00).
		Bytes()
	return encodeFrame(hci.EventPacket, ev)
}

func encodeDisconnectionComplete(handle hci.ConnHandle, reason hci.Status) []byte {
	ev := hci.NewEvent(eventDisconnectionComplete).
		U8(uint8(hci.StatusSuccess)).
		U16(uint16(handle)).
		U8(uint8(reason)).
		Bytes()
	return encodeFrame(hci.EventPacket, ev)
}

// deframer splits a byte stream into H4 frames. Bytes read from the
// connection are staged in a ring buffer until a complete frame is present,
// so it works for stream connections (TCP) and packet connections alike.
type deframer struct {
	ring   *ringbuffer.RingBuffer
	typ    hci.PacketType
	header []byte
	need   int
	stage  int
}

const (
	stageIndicator = iota
	stageHeader
	stageBody
)

func newDeframer() *deframer {
	return &deframer{ring: ringbuffer.New(2 * maxFrameSize), need: 1}
}

// Write stages raw bytes.
func (d *deframer) Write(p []byte) error {
	n, err := d.ring.Write(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return err
	}
	if n < len(p) {
		return ErrFrameTooLarge
	}
	return nil
}

func (d *deframer) read(n int) ([]byte, error) {
	b := make([]byte, n)
	got := 0
	for got < n {
		m, err := d.ring.TryRead(b[got:])
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return nil, err
		}
		if m == 0 {
			return nil, fmt.Errorf("transport: ring underrun")
		}
		got += m
	}
	return b, nil
}

// Next returns the next complete frame, or ok=false when more bytes are needed.
func (d *deframer) Next() (frame, bool, error) {
	for d.ring.Length() >= d.need {
		switch d.stage {
		case stageIndicator:
			b, err := d.read(1)
			if err != nil {
				return frame{}, false, err
			}
			d.typ = hci.PacketType(b[0])
			switch d.typ {
			case hci.ACLDataPacket:
				d.need = hci.ACLHeaderSize
			case hci.EventPacket:
				d.need = 2
			default:
				return frame{}, false, fmt.Errorf("%w: 0x%02X", ErrUnknownPacketType, b[0])
			}
			d.stage = stageHeader

		case stageHeader:
			hdr, err := d.read(d.need)
			if err != nil {
				return frame{}, false, err
			}
			d.header = hdr
			if d.typ == hci.ACLDataPacket {
				d.need = int(binary.LittleEndian.Uint16(hdr[2:]))
			} else {
				d.need = int(hdr[1])
			}
			d.stage = stageBody

		case stageBody:
			body, err := d.read(d.need)
			if err != nil {
				return frame{}, false, err
			}
			f := frame{typ: d.typ, payload: append(d.header, body...)}
			d.stage = stageIndicator
			d.need = 1
			d.header = nil
			return f, true, nil
		}
	}
	return frame{}, false, nil
}
