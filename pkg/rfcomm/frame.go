package rfcomm

import "encoding/binary"

// crcTable is the reflected CRC-8 table for polynomial x^8+x^2+x+1.
var crcTable = func() [256]uint8 {
	var t [256]uint8
	for i := range t {
		crc := uint8(i)
		for range 8 {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xE0
			} else {
				crc >>= 1
			}
		}
		t[i] = crc
	}
	return t
}()

func crc8(b []byte) uint8 {
	crc := uint8(0xFF)
	for _, v := range b {
		crc = crcTable[crc^v]
	}
	return crc
}

// fcs returns the frame check sequence over b.
func fcs(b []byte) uint8 {
	return 0xFF - crc8(b)
}

// frame is a decoded RFCOMM frame.
type frame struct {
	address    uint8
	control    uint8
	hasCredits bool
	credits    uint8
	payload    []byte
}

func (f frame) dlci() uint8 {
	return f.address >> 2
}

// isUIH reports whether f is a UIH frame with or without P/F.
func (f frame) isUIH() bool {
	return f.control == ctrlUIH || f.control == ctrlUIHPF
}

// encodeFrame builds a frame. credits is only written for UIH frames with
// the P/F bit set.
func encodeFrame(address, control, credits uint8, data []byte) []byte {
	b := make([]byte, 0, len(data)+frameOverhead+1)
	b = append(b, address, control)
	headerLen := 3
	if len(data) < 128 {
		b = append(b, uint8(len(data))<<1|1)
	} else {
		b = append(b, uint8(len(data)&0x7F)<<1, uint8(len(data)>>7))
		headerLen = 4
	}
	if control == ctrlUIHPF {
		b = append(b, credits)
	}
	b = append(b, data...)
	// UIH frames only cover address and control.
	if control&0xEF == ctrlUIH {
		headerLen = 2
	}
	return append(b, fcs(b[:headerLen]))
}

// parseFrame decodes and checks a frame.
func parseFrame(b []byte) (frame, error) {
	if len(b) < 4 {
		return frame{}, ErrShortFrame
	}
	f := frame{address: b[0], control: b[1]}
	length := int(b[2] >> 1)
	pos := 3
	if b[2]&1 == 0 {
		if len(b) < 5 {
			return frame{}, ErrShortFrame
		}
		length |= int(b[3]) << 7
		pos = 4
	}
	headerLen := pos
	if f.control&0xEF == ctrlUIH {
		headerLen = 2
	}
	if f.control == ctrlUIHPF {
		if len(b) < pos+2 {
			return frame{}, ErrShortFrame
		}
		f.hasCredits = true
		f.credits = b[pos]
		pos++
	}
	if pos+length+1 > len(b) {
		return frame{}, ErrShortFrame
	}
	if fcs(b[:headerLen]) != b[len(b)-1] {
		return frame{}, ErrBadFCS
	}
	f.payload = b[pos : pos+length]
	return f, nil
}

// message is a multiplexer control message carried in a UIH frame on DLCI 0.
type message struct {
	typ   uint8
	value []byte
}

func parseMessage(p []byte) (message, bool) {
	if len(p) < 2 {
		return message{}, false
	}
	n := int(p[1] >> 1)
	if 2+n > len(p) {
		n = len(p) - 2
	}
	return message{typ: p[0], value: p[2 : 2+n]}, true
}

func encodeMessage(typ uint8, value ...byte) []byte {
	return append([]byte{typ, uint8(len(value))<<1 | 1}, value...)
}

// pnParams are the values carried by parameter negotiation.
type pnParams struct {
	dlci         uint8
	priority     uint8
	maxFrameSize uint16
	credits      uint8
}

func parsePN(v []byte) (pnParams, bool) {
	if len(v) < 8 {
		return pnParams{}, false
	}
	return pnParams{
		dlci:         v[0] & 0x3F,
		priority:     v[2],
		maxFrameSize: binary.LittleEndian.Uint16(v[4:6]),
		credits:      v[7],
	}, true
}

// encodePN builds a PN value. Commands request credit based flow control
// with 0xF0, responses confirm it with 0xE0.
func encodePN(cmd bool, dlci, priority uint8, maxFrameSize uint16) []byte {
	cl := uint8(0xE0)
	if cmd {
		cl = 0xF0
	}
	v := []byte{dlci, cl, priority, 0, 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(v[4:6], maxFrameSize)
	return v
}

// dlciAddress is the DLCI field of MSC, RLS and RPN values.
func dlciAddress(dlci uint8) uint8 {
	return 1<<0 | 1<<1 | dlci<<2
}

// portConfig holds RPN data.
type portConfig struct {
	baud        uint8
	flags       uint8
	flowControl uint8
	xon         uint8
	xoff        uint8
	mask0       uint8
	mask1       uint8
}

// defaultPortConfig is 9600 8-N-1 without flow control.
func defaultPortConfig() portConfig {
	return portConfig{
		baud:  uint8(Baud9600),
		flags: 0x03,
		xon:   0x11,
		xoff:  0x13,
		mask0: 0x7F,
		mask1: 0x3F,
	}
}

func parsePortConfig(v []byte) portConfig {
	return portConfig{baud: v[0], flags: v[1], flowControl: v[2], xon: v[3], xoff: v[4], mask0: v[5], mask1: v[6]}
}

func (p portConfig) bytes() []byte {
	return []byte{p.baud, p.flags, p.flowControl, p.xon, p.xoff, p.mask0, p.mask1}
}

// update applies the values of src selected by its parameter masks.
func (p *portConfig) update(src portConfig) {
	if src.mask0&paramMask0Baud != 0 {
		p.baud = src.baud
	}
	if src.mask0&paramMask0DataBits != 0 {
		p.flags = p.flags&^0x03 | src.flags&0x03
	}
	if src.mask0&paramMask0StopBits != 0 {
		p.flags = p.flags&^0x04 | src.flags&0x04
	}
	if src.mask0&paramMask0Parity != 0 {
		p.flags = p.flags&^0x08 | src.flags&0x08
	}
	if src.mask0&paramMask0ParityType != 0 {
		p.flags = p.flags&^0x30 | src.flags&0x30
	}
	if src.mask0&paramMask0XON != 0 {
		p.xon = src.xon
	}
	if src.mask0&paramMask0XOFF != 0 {
		p.xoff = src.xoff
	}
	for i := range 6 {
		bit := uint8(1) << i
		if src.mask1&bit != 0 {
			p.flowControl = p.flowControl&^bit | src.flowControl&bit
		}
	}
	p.mask0 = src.mask0
	p.mask1 = src.mask1
}
