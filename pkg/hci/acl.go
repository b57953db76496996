package hci

import (
	"encoding/binary"
	"fmt"
)

// ACL packet boundary flags.
const (
	BoundaryFirstNonFlushable uint8 = 0x00
	BoundaryContinuing        uint8 = 0x01
	BoundaryFirstFlushable    uint8 = 0x02
)

// ACLHeaderSize is the size of the ACL data header (handle+flags, length).
const ACLHeaderSize = 4

// L2CAPHeaderSize is the size of the basic L2CAP header (length, cid).
const L2CAPHeaderSize = 4

// DefaultACLBufferSize is the fragment payload size used when a link does
// not announce one.
const DefaultACLBufferSize = 1021

// ACLPacket is one ACL data packet, possibly a fragment of an L2CAP PDU.
type ACLPacket struct {
	Handle   ConnHandle
	Boundary uint8
	Data     []byte
}

// IsStart reports whether the packet starts a new L2CAP PDU.
func (p ACLPacket) IsStart() bool {
	return p.Boundary != BoundaryContinuing
}

// String returns a debug representation.
func (p ACLPacket) String() string {
	return fmt.Sprintf("ACL handle 0x%03X pb %d len %d", uint16(p.Handle), p.Boundary, len(p.Data))
}

// ParseACL decodes an ACL packet without the H4 type indicator.
func ParseACL(b []byte) (ACLPacket, error) {
	if len(b) < ACLHeaderSize {
		return ACLPacket{}, ErrMalformedACL
	}
	hf := binary.LittleEndian.Uint16(b[0:])
	dlen := int(binary.LittleEndian.Uint16(b[2:]))
	if len(b) != ACLHeaderSize+dlen {
		return ACLPacket{}, ErrMalformedACL
	}
	return ACLPacket{
		Handle:   ConnHandle(hf & 0x0FFF),
		Boundary: uint8(hf>>12) & 0x03,
		Data:     b[ACLHeaderSize:],
	}, nil
}

// Marshal encodes the packet without the H4 type indicator.
func (p ACLPacket) Marshal() []byte {
	b := make([]byte, ACLHeaderSize+len(p.Data))
	binary.LittleEndian.PutUint16(b[0:], uint16(p.Handle)&0x0FFF|uint16(p.Boundary&0x03)<<12)
	binary.LittleEndian.PutUint16(b[2:], uint16(len(p.Data)))
	copy(b[ACLHeaderSize:], p.Data)
	return b
}

// EncodeL2CAP prepends the basic L2CAP header to payload.
func EncodeL2CAP(cid uint16, payload []byte) []byte {
	b := make([]byte, L2CAPHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(b[0:], uint16(len(payload)))
	binary.LittleEndian.PutUint16(b[2:], cid)
	copy(b[L2CAPHeaderSize:], payload)
	return b
}

// Fragment splits an L2CAP PDU into ACL packets whose payload does not exceed
// bufSize. The first fragment is flushable-start, the rest are continuations.
func Fragment(handle ConnHandle, pdu []byte, bufSize int) []ACLPacket {
	if bufSize <= 0 {
		bufSize = DefaultACLBufferSize
	}
	var out []ACLPacket
	boundary := BoundaryFirstFlushable
	for len(pdu) > 0 {
		n := len(pdu)
		if n > bufSize {
			n = bufSize
		}
		out = append(out, ACLPacket{Handle: handle, Boundary: boundary, Data: pdu[:n]})
		pdu = pdu[n:]
		boundary = BoundaryContinuing
	}
	return out
}

// Reassembler rebuilds L2CAP PDUs from ACL fragments, per connection handle.
type Reassembler struct {
	pending map[ConnHandle][]byte
}

// NewReassembler creates an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[ConnHandle][]byte)}
}

// Push adds a fragment. It returns the complete PDU (L2CAP header included)
// once all fragments have arrived.
func (r *Reassembler) Push(p ACLPacket) ([]byte, bool, error) {
	buf, inProgress := r.pending[p.Handle]
	if p.IsStart() {
		// A new start discards an incomplete PDU.
		buf = append([]byte(nil), p.Data...)
	} else {
		if !inProgress {
			return nil, false, ErrUnexpectedContinuation
		}
		buf = append(buf, p.Data...)
	}

	if len(buf) < L2CAPHeaderSize {
		r.pending[p.Handle] = buf
		return nil, false, nil
	}
	total := L2CAPHeaderSize + int(binary.LittleEndian.Uint16(buf[0:]))
	switch {
	case len(buf) < total:
		r.pending[p.Handle] = buf
		return nil, false, nil
	case len(buf) > total:
		delete(r.pending, p.Handle)
		return nil, false, ErrMalformedACL
	default:
		delete(r.pending, p.Handle)
		return buf, true, nil
	}
}

// Reset drops any partial PDU for handle.
func (r *Reassembler) Reset(handle ConnHandle) {
	delete(r.pending, handle)
}
