package avrcp

import (
	"encoding/binary"
)

// packetType is the AVCTP (and AVRCP vendor dependent) fragment type.
type packetType uint8

const (
	packetSingle packetType = iota
	packetStart
	packetContinue
	packetEnd
)

// AVCTP header sizes per packet type.
const (
	headerSizeSingle   = 3
	headerSizeStart    = 4
	headerSizeFragment = 1
)

// message is one AVCTP message carrying an AV/C frame.
type message struct {
	label    uint8
	response bool
	ipid     bool
	pid      uint16

	ctype     CommandType
	subunit   SubunitType
	subunitID uint8
	opcode    Opcode
	operands  []byte
}

func (m *message) header(pt packetType) byte {
	b := m.label<<4 | uint8(pt)<<2
	if m.response {
		b |= 0x02
	}
	if m.ipid {
		b |= 0x01
	}
	return b
}

// frame returns the AV/C frame. A message with the invalid profile bit set
// carries none.
func (m *message) frame() []byte {
	if m.ipid {
		return nil
	}
	b := make([]byte, 0, avcHeaderSize+len(m.operands))
	b = append(b, uint8(m.ctype), uint8(m.subunit)<<3|m.subunitID, uint8(m.opcode))
	return append(b, m.operands...)
}

// encodePackets splits m into AVCTP packets no larger than mtu. Channels
// with an MTU of at least MaxFrameSize always carry single packets.
func encodePackets(m *message, mtu uint16) [][]byte {
	payload := m.frame()
	if int(mtu) >= MaxFrameSize || headerSizeSingle+len(payload) <= int(mtu) {
		p := make([]byte, 0, headerSizeSingle+len(payload))
		p = append(p, m.header(packetSingle))
		p = binary.BigEndian.AppendUint16(p, m.pid)
		return [][]byte{append(p, payload...)}
	}

	first := int(mtu) - headerSizeStart
	rest := int(mtu) - headerSizeFragment
	n := 1 + (len(payload)-first+rest-1)/rest

	packets := make([][]byte, 0, n)
	p := []byte{m.header(packetStart), uint8(n)}
	p = binary.BigEndian.AppendUint16(p, m.pid)
	packets = append(packets, append(p, payload[:first]...))
	payload = payload[first:]
	for len(payload) > 0 {
		k := min(rest, len(payload))
		pt := packetContinue
		if k == len(payload) {
			pt = packetEnd
		}
		packets = append(packets, append([]byte{m.header(pt)}, payload[:k]...))
		payload = payload[k:]
	}
	return packets
}

// parseMessage decodes a single packet message.
func parseMessage(b []byte) (message, error) {
	if len(b) < headerSizeSingle {
		return message{}, ErrShortFrame
	}
	if packetType(b[0]>>2&0x03) != packetSingle {
		return message{}, ErrFragment
	}
	m := message{
		label:    b[0] >> 4,
		response: b[0]&0x02 != 0,
		ipid:     b[0]&0x01 != 0,
		pid:      binary.BigEndian.Uint16(b[1:]),
	}
	if m.ipid {
		return m, nil
	}
	avc := b[headerSizeSingle:]
	if len(avc) < avcHeaderSize {
		return message{}, ErrShortFrame
	}
	m.ctype = CommandType(avc[0] & 0x0F)
	m.subunit = SubunitType(avc[1] >> 3)
	m.subunitID = avc[1] & 0x07
	m.opcode = Opcode(avc[2])
	m.operands = avc[avcHeaderSize:]
	return m, nil
}

// reassembler joins AVCTP start, continue and end packets into one single
// packet message.
type reassembler struct {
	buf    []byte
	active bool
}

// push consumes one packet and returns a complete message once available.
func (r *reassembler) push(p []byte) ([]byte, error) {
	if len(p) == 0 {
		return nil, ErrShortFrame
	}
	pt := packetType(p[0] >> 2 & 0x03)
	switch pt {
	case packetSingle:
		r.reset()
		return p, nil

	case packetStart:
		if len(p) < headerSizeStart {
			return nil, ErrShortFrame
		}
		r.buf = append(r.buf[:0], p[0]&^0x0C, p[2], p[3])
		r.buf = append(r.buf, p[headerSizeStart:]...)
		r.active = true
		return nil, nil

	default:
		if !r.active {
			return nil, ErrFragment
		}
		if len(r.buf)+len(p)-headerSizeFragment > headerSizeSingle+MaxFrameSize {
			r.reset()
			return nil, ErrMessageTooLong
		}
		r.buf = append(r.buf, p[headerSizeFragment:]...)
		if pt == packetContinue {
			return nil, nil
		}
		msg := r.buf
		r.buf = nil
		r.active = false
		return msg, nil
	}
}

func (r *reassembler) reset() {
	r.buf = r.buf[:0]
	r.active = false
}

// vendorFrame is the vendor dependent part of an AV/C frame.
type vendorFrame struct {
	company    uint32
	pdu        PDUID
	packetType packetType
	params     []byte
}

func parseVendor(operands []byte) (vendorFrame, error) {
	if len(operands) < vendorHeaderSize {
		return vendorFrame{}, ErrShortFrame
	}
	v := vendorFrame{
		company:    uint32(operands[0])<<16 | uint32(operands[1])<<8 | uint32(operands[2]),
		pdu:        PDUID(operands[3]),
		packetType: packetType(operands[4] & 0x03),
	}
	n := int(binary.BigEndian.Uint16(operands[5:]))
	params := operands[vendorHeaderSize:]
	if len(params) < n {
		return vendorFrame{}, ErrShortFrame
	}
	v.params = params[:n]
	return v, nil
}

func vendorOperands(pdu PDUID, pt packetType, params []byte) []byte {
	return companyOperands(CompanyIDBluetoothSIG, pdu, pt, params)
}

func companyOperands(company uint32, pdu PDUID, pt packetType, params []byte) []byte {
	b := make([]byte, 0, vendorHeaderSize+len(params))
	b = append(b, uint8(company>>16), uint8(company>>8), uint8(company), uint8(pdu), uint8(pt))
	b = binary.BigEndian.AppendUint16(b, uint16(len(params)))
	return append(b, params...)
}
