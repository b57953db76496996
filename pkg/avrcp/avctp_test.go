package avrcp

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeSinglePacket(t *testing.T) {
	m := message{
		label:     5,
		pid:       ProfileID,
		ctype:     CommandControl,
		subunit:   SubunitPanel,
		subunitID: subunitID,
		opcode:    OpcodePassThrough,
		operands:  []byte{uint8(OperationPlay), 0},
	}
	packets := encodePackets(&m, DefaultMTU)
	if len(packets) != 1 {
		t.Fatalf("len(packets) = %d, want 1", len(packets))
	}
	want := []byte{0x50, 0x11, 0x0E, 0x00, 0x48, 0x7C, 0x44, 0x00}
	if !bytes.Equal(packets[0], want) {
		t.Errorf("packet = % X, want % X", packets[0], want)
	}

	got, err := parseMessage(packets[0])
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	if got.label != 5 || got.response || got.pid != ProfileID || got.opcode != OpcodePassThrough ||
		got.subunit != SubunitPanel || !bytes.Equal(got.operands, m.operands) {
		t.Errorf("parseMessage() = %+v", got)
	}
}

func TestEncodeFragmented(t *testing.T) {
	params := bytes.Repeat([]byte{0xA5}, 200)
	m := message{
		label:    3,
		response: true,
		pid:      ProfileID,
		ctype:    ResponseImplementedStable,
		subunit:  SubunitPanel,
		opcode:   OpcodeVendorDependent,
		operands: vendorOperands(PDUGetElementAttributes, packetSingle, params),
	}
	packets := encodePackets(&m, 48)
	if len(packets) < 3 {
		t.Fatalf("len(packets) = %d, want at least 3", len(packets))
	}
	if pt := packetType(packets[0][0] >> 2 & 0x03); pt != packetStart {
		t.Errorf("first packet type = %d, want start", pt)
	}
	if int(packets[0][1]) != len(packets) {
		t.Errorf("packet count = %d, want %d", packets[0][1], len(packets))
	}
	for i, p := range packets {
		if len(p) > 48 {
			t.Errorf("packet %d size = %d", i, len(p))
		}
	}

	var r reassembler
	var whole []byte
	for i, p := range packets {
		b, err := r.push(p)
		if err != nil {
			t.Fatalf("push(%d) error = %v", i, err)
		}
		if b != nil && i != len(packets)-1 {
			t.Fatalf("push(%d) completed early", i)
		}
		whole = b
	}
	got, err := parseMessage(whole)
	if err != nil {
		t.Fatalf("parseMessage() error = %v", err)
	}
	if got.label != 3 || !got.response || got.ctype != ResponseImplementedStable {
		t.Errorf("parseMessage() = %+v", got)
	}
	v, err := parseVendor(got.operands)
	if err != nil {
		t.Fatalf("parseVendor() error = %v", err)
	}
	if v.company != CompanyIDBluetoothSIG || v.pdu != PDUGetElementAttributes || !bytes.Equal(v.params, params) {
		t.Errorf("parseVendor() = %+v", v)
	}
}

func TestLargeMTUNeverFragments(t *testing.T) {
	m := message{pid: ProfileID, operands: make([]byte, MaxFrameSize-avcHeaderSize)}
	if n := len(encodePackets(&m, MaxFrameSize)); n != 1 {
		t.Errorf("len(packets) = %d, want 1", n)
	}
}

func TestReassemblerErrors(t *testing.T) {
	var r reassembler
	if _, err := r.push(nil); !errors.Is(err, ErrShortFrame) {
		t.Errorf("push(nil) error = %v", err)
	}
	if _, err := r.push([]byte{uint8(packetContinue) << 2, 1, 2}); !errors.Is(err, ErrFragment) {
		t.Errorf("continue without start error = %v", err)
	}
	if _, err := r.push([]byte{uint8(packetStart) << 2, 2, 0x11, 0x0E}); err != nil {
		t.Fatalf("start error = %v", err)
	}
	big := make([]byte, MaxFrameSize+headerSizeFragment+1)
	big[0] = uint8(packetContinue) << 2
	if _, err := r.push(big); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("oversized continue error = %v", err)
	}
}

func TestParseMessageErrors(t *testing.T) {
	if _, err := parseMessage([]byte{0x00, 0x11}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("short header error = %v", err)
	}
	if _, err := parseMessage([]byte{0x04, 0x02, 0x11, 0x0E}); !errors.Is(err, ErrFragment) {
		t.Errorf("start packet error = %v", err)
	}
	if _, err := parseMessage([]byte{0x00, 0x11, 0x0E, 0x00}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("short frame error = %v", err)
	}
	m, err := parseMessage([]byte{0x33, 0x11, 0x0F})
	if err != nil || !m.ipid || !m.response || m.label != 3 {
		t.Errorf("ipid message = %+v, %v", m, err)
	}
}

func TestParseVendorShort(t *testing.T) {
	if _, err := parseVendor([]byte{0x00, 0x19, 0x58, 0x20}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("short header error = %v", err)
	}
	ops := vendorOperands(PDUGetPlayStatus, packetSingle, []byte{1, 2, 3})
	if _, err := parseVendor(ops[:len(ops)-1]); !errors.Is(err, ErrShortFrame) {
		t.Errorf("truncated params error = %v", err)
	}
}
