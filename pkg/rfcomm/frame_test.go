package rfcomm

import (
	"bytes"
	"errors"
	"testing"
)

func TestFCSKnownFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"SABM DLCI 0", encodeFrame(0x03, ctrlSABM, 0, nil)},
		{"UA DLCI 0", encodeFrame(0x03, ctrlUA, 0, nil)},
	}
	want := [][]byte{
		{0x03, 0x3F, 0x01, 0x1C},
		{0x03, 0x73, 0x01, 0xD7},
	}
	for i, tt := range tests {
		if !bytes.Equal(tt.frame, want[i]) {
			t.Errorf("%s = % X, want % X", tt.name, tt.frame, want[i])
		}
	}
	if got := fcs([]byte{0x03, ctrlUIH}); got != 0x70 {
		t.Errorf("UIH FCS = 0x%02X, want 0x70", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte{0x5A}, 200)
	tests := []struct {
		name    string
		control uint8
		credits uint8
		data    []byte
	}{
		{"empty UIH", ctrlUIH, 0, nil},
		{"short UIH", ctrlUIH, 0, []byte("hello")},
		{"long UIH", ctrlUIH, 0, long},
		{"credits only", ctrlUIHPF, 7, nil},
		{"credits and data", ctrlUIHPF, 3, []byte{1, 2, 3}},
		{"DISC", ctrlDISC, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := encodeFrame(0x0B, tt.control, tt.credits, tt.data)
			f, err := parseFrame(b)
			if err != nil {
				t.Fatalf("parseFrame() error = %v", err)
			}
			if f.dlci() != 2 || f.control != tt.control {
				t.Errorf("dlci %d control 0x%02X", f.dlci(), f.control)
			}
			if f.hasCredits != (tt.control == ctrlUIHPF) || f.credits != tt.credits {
				t.Errorf("credits = %v/%d, want %d", f.hasCredits, f.credits, tt.credits)
			}
			if !bytes.Equal(f.payload, tt.data) {
				t.Errorf("payload len %d, want %d", len(f.payload), len(tt.data))
			}
		})
	}
}

func TestParseFrameErrors(t *testing.T) {
	if _, err := parseFrame([]byte{0x03, 0x3F}); !errors.Is(err, ErrShortFrame) {
		t.Errorf("short frame error = %v", err)
	}
	b := encodeFrame(0x03, ctrlSABM, 0, nil)
	b[len(b)-1] ^= 0xFF
	if _, err := parseFrame(b); !errors.Is(err, ErrBadFCS) {
		t.Errorf("corrupt FCS error = %v", err)
	}
	// Length claims more payload than present.
	b = encodeFrame(0x03, ctrlUIH, 0, []byte{1, 2, 3})
	b = append(b[:3:3], b[len(b)-1])
	if _, err := parseFrame(b); !errors.Is(err, ErrShortFrame) {
		t.Errorf("truncated error = %v", err)
	}
}

func TestPNEncoding(t *testing.T) {
	v := encodePN(true, 4, 7, 0x1234)
	if v[1] != 0xF0 {
		t.Errorf("command CL = 0x%02X", v[1])
	}
	pn, ok := parsePN(v)
	if !ok {
		t.Fatal("parsePN() failed")
	}
	if pn.dlci != 4 || pn.priority != 7 || pn.maxFrameSize != 0x1234 || pn.credits != 0 {
		t.Errorf("parsePN() = %+v", pn)
	}
	if v := encodePN(false, 4, 0, 127); v[1] != 0xE0 {
		t.Errorf("response CL = 0x%02X", v[1])
	}
	if _, ok := parsePN(v[:5]); ok {
		t.Error("parsePN() accepted short value")
	}
}

func TestMessageLengthClamped(t *testing.T) {
	msg, ok := parseMessage([]byte{cmdTEST, 9<<1 | 1, 1, 2})
	if !ok {
		t.Fatal("parseMessage() failed")
	}
	if !bytes.Equal(msg.value, []byte{1, 2}) {
		t.Errorf("value = % X", msg.value)
	}
	if _, ok := parseMessage([]byte{cmdTEST}); ok {
		t.Error("parseMessage() accepted one byte")
	}
}

func TestPortConfigUpdate(t *testing.T) {
	p := defaultPortConfig()
	p.update(portConfig{
		baud:        uint8(Baud115200),
		flags:       uint8(DataBits7) | uint8(ParityEven)<<3,
		flowControl: FlowControlRTCOnInput | FlowControlXONXOFFOnOutput,
		xon:         0x01,
		mask0:       paramMask0Baud | paramMask0DataBits | paramMask0Parity | paramMask0ParityType,
		mask1:       uint8(FlowControlRTCOnInput),
	})
	if p.baud != uint8(Baud115200) {
		t.Errorf("baud = %d", p.baud)
	}
	if p.flags != uint8(DataBits7)|uint8(ParityEven)<<3 {
		t.Errorf("flags = 0x%02X", p.flags)
	}
	if p.flowControl != FlowControlRTCOnInput {
		t.Errorf("flow control = 0x%02X, only masked bits may change", p.flowControl)
	}
	if p.xon != 0x11 {
		t.Errorf("xon = 0x%02X, unmasked value changed", p.xon)
	}
}
