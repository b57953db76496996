package l2cap

import (
	"encoding/binary"
	"fmt"
)

const signalHeaderSize = 4

// signal is one command on the signaling channel.
type signal struct {
	code uint8
	id   uint8
	data []byte
}

// encode returns code, identifier, length and data.
func (s signal) encode() []byte {
	b := make([]byte, signalHeaderSize+len(s.data))
	b[0] = s.code
	b[1] = s.id
	binary.LittleEndian.PutUint16(b[2:], uint16(len(s.data)))
	copy(b[signalHeaderSize:], s.data)
	return b
}

// parseSignals splits a signaling C-frame into its commands.
func parseSignals(b []byte) ([]signal, error) {
	var out []signal
	for len(b) > 0 {
		if len(b) < signalHeaderSize {
			return out, ErrMalformedSignal
		}
		n := int(binary.LittleEndian.Uint16(b[2:]))
		if len(b) < signalHeaderSize+n {
			return out, fmt.Errorf("%w: code 0x%02X wants %d bytes", ErrMalformedSignal, b[0], n)
		}
		out = append(out, signal{code: b[0], id: b[1], data: b[signalHeaderSize : signalHeaderSize+n]})
		b = b[signalHeaderSize+n:]
	}
	return out, nil
}

// u16s packs little-endian uint16 values.
func u16s(v ...uint16) []byte {
	b := make([]byte, 0, 2*len(v))
	for _, x := range v {
		b = binary.LittleEndian.AppendUint16(b, x)
	}
	return b
}

// field returns the i-th little-endian uint16 of b, or 0 when b is short.
func field(b []byte, i int) uint16 {
	if len(b) < 2*i+2 {
		return 0
	}
	return binary.LittleEndian.Uint16(b[2*i:])
}

func connectionRequest(id uint8, psm, scid uint16) signal {
	return signal{code: sigConnectionRequest, id: id, data: u16s(psm, scid)}
}

func connectionResponse(id uint8, dcid, scid, result uint16) signal {
	return signal{code: sigConnectionResponse, id: id, data: u16s(dcid, scid, result, 0)}
}

func configureRequest(id uint8, dcid, mtu uint16) signal {
	data := u16s(dcid, 0)
	data = append(data, confOptionMTU, 2)
	data = binary.LittleEndian.AppendUint16(data, mtu)
	return signal{code: sigConfigureRequest, id: id, data: data}
}

func configureResponse(id uint8, scid, result uint16) signal {
	return signal{code: sigConfigureResponse, id: id, data: u16s(scid, 0, result)}
}

func disconnectionRequest(id uint8, dcid, scid uint16) signal {
	return signal{code: sigDisconnectionRequest, id: id, data: u16s(dcid, scid)}
}

func disconnectionResponse(id uint8, dcid, scid uint16) signal {
	return signal{code: sigDisconnectionResponse, id: id, data: u16s(dcid, scid)}
}

func commandReject(id uint8, reason uint16, extra ...uint16) signal {
	return signal{code: sigCommandReject, id: id, data: u16s(append([]uint16{reason}, extra...)...)}
}

// configOptions extracts the MTU option of a configure request. Hint options
// are skipped; unknown non-hint options are reported via unknown.
func configOptions(opts []byte) (mtu uint16, unknown bool) {
	for len(opts) >= 2 {
		typ, n := opts[0], int(opts[1])
		if len(opts) < 2+n {
			return mtu, true
		}
		val := opts[2 : 2+n]
		switch {
		case typ == confOptionMTU && n == 2:
			mtu = binary.LittleEndian.Uint16(val)
		case typ&0x80 != 0:
		case typ == 0x02 || typ == 0x03:
			// flush timeout and QoS are accepted as proposed
		default:
			unknown = true
		}
		opts = opts[2+n:]
	}
	return mtu, unknown
}
