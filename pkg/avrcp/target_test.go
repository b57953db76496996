package avrcp

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/l2cap"
	"github.com/backkem/bthost/pkg/runloop"
)

// fakeL2CAP captures sent packets. Events are injected by the test.
type fakeL2CAP struct {
	handler hci.PacketHandler
	sent    [][]byte
	blocked bool
	wants   int
}

func (f *fakeL2CAP) RegisterService(handler hci.PacketHandler, psm uint16, mtu uint16) hci.Status {
	f.handler = handler
	return hci.StatusSuccess
}

func (f *fakeL2CAP) UnregisterService(uint16) hci.Status { return hci.StatusSuccess }

func (f *fakeL2CAP) CreateChannel(hci.PacketHandler, hci.Addr, uint16, uint16) (uint16, hci.Status) {
	return 0x0041, hci.StatusSuccess
}

func (f *fakeL2CAP) AcceptConnection(uint16) hci.Status  { return hci.StatusSuccess }
func (f *fakeL2CAP) DeclineConnection(uint16) hci.Status { return hci.StatusSuccess }
func (f *fakeL2CAP) Disconnect(uint16) hci.Status        { return hci.StatusSuccess }
func (f *fakeL2CAP) CanSendPacketNow(uint16) bool        { return !f.blocked }

func (f *fakeL2CAP) Send(cid uint16, data []byte) hci.Status {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return hci.StatusSuccess
}

func (f *fakeL2CAP) RequestCanSendNowEvent(uint16) hci.Status {
	f.wants++
	return hci.StatusSuccess
}

const fakeChannel uint16 = 0x0050

type targetFixture struct {
	t   *testing.T
	f   *fakeL2CAP
	s   *Service
	r   *recorder
	c   *connection
	tg  *Target
	cid uint16

	label uint8
}

// newTargetFixture opens an incoming control channel on a Service running
// over a fake L2CAP.
func newTargetFixture(t *testing.T) *targetFixture {
	t.Helper()
	f := &fakeL2CAP{}
	s, err := New(Config{L2CAP: f, RunLoop: runloop.NewEmbedded(runloop.EmbeddedConfig{})})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r := &recorder{}
	s.RegisterPacketHandler(r.handler)

	peer := hci.MustParseAddr("00:00:00:00:00:0C")
	f.handler(hci.EventPacket, 0, hci.NewEvent(l2cap.EventIncomingConnection).
		Addr(peer).
		U16(3).
		U16(PSM).
		U16(fakeChannel).
		U16(0x0040).
		Bytes())
	f.handler(hci.EventPacket, 0, hci.NewEvent(l2cap.EventChannelOpened).
		U8(uint8(hci.StatusSuccess)).
		Addr(peer).
		U16(3).
		U16(PSM).
		U16(fakeChannel).
		U16(0x0040).
		U16(DefaultMTU).
		U16(DefaultMTU).
		U16(0xFFFF).
		Bool(true).
		U8(0).
		U8(0).
		Bytes())

	e, ok := r.established()
	if !ok || e.Status != hci.StatusSuccess {
		t.Fatalf("CONNECTION_ESTABLISHED = %+v, %v", e, ok)
	}
	return &targetFixture{t: t, f: f, s: s, r: r, c: s.connectionForCID(e.CID), tg: s.Target(), cid: e.CID}
}

// command delivers one command frame and returns the responses sent since.
func (x *targetFixture) command(ctype CommandType, subunit SubunitType, opcode Opcode, operands []byte) []message {
	x.t.Helper()
	x.label = x.label%maxLabel + 1
	m := message{
		label:     x.label,
		pid:       ProfileID,
		ctype:     ctype,
		subunit:   subunit,
		subunitID: subunitID,
		opcode:    opcode,
		operands:  operands,
	}
	for _, p := range encodePackets(&m, DefaultMTU) {
		x.f.handler(hci.L2CAPDataPacket, fakeChannel, p)
	}
	return x.responses()
}

func (x *targetFixture) vendor(ctype CommandType, pdu PDUID, params []byte) []message {
	x.t.Helper()
	return x.command(ctype, SubunitPanel, OpcodeVendorDependent, vendorOperands(pdu, packetSingle, params))
}

// responses decodes and clears the packets sent so far.
func (x *targetFixture) responses() []message {
	x.t.Helper()
	var out []message
	var r reassembler
	for _, p := range x.f.sent {
		b, err := r.push(p)
		if err != nil {
			x.t.Fatalf("push() error = %v", err)
		}
		if b == nil {
			continue
		}
		m, err := parseMessage(b)
		if err != nil {
			x.t.Fatalf("parseMessage() error = %v", err)
		}
		out = append(out, m)
	}
	x.f.sent = nil
	return out
}

// one expects exactly one response.
func (x *targetFixture) one(rs []message) message {
	x.t.Helper()
	if len(rs) != 1 {
		x.t.Fatalf("got %d responses, want 1", len(rs))
	}
	if !rs[0].response || rs[0].label != x.label {
		x.t.Fatalf("response header = %+v", rs[0])
	}
	return rs[0]
}

func (x *targetFixture) vendorResponse(rs []message) (CommandType, vendorFrame) {
	x.t.Helper()
	m := x.one(rs)
	v, err := parseVendor(m.operands)
	if err != nil {
		x.t.Fatalf("parseVendor() error = %v", err)
	}
	return m.ctype, v
}

func TestTargetUnitInfo(t *testing.T) {
	x := newTargetFixture(t)
	unitOps := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

	m := x.one(x.command(CommandStatus, SubunitUnit, OpcodeUnitInfo, unitOps))
	want := []byte{0x07, uint8(SubunitPanel) << 3, 0x00, 0x19, 0x58}
	if m.ctype != ResponseImplementedStable || m.opcode != OpcodeUnitInfo || !bytes.Equal(m.operands, want) {
		t.Errorf("UNIT_INFO = %v % X, want % X", m.ctype, m.operands, want)
	}

	x.tg.SetUnitInfo(x.cid, SubunitAudio, 0x00004C)
	m = x.one(x.command(CommandStatus, SubunitUnit, OpcodeUnitInfo, unitOps))
	want = []byte{0x07, uint8(SubunitAudio) << 3, 0x00, 0x00, 0x4C}
	if !bytes.Equal(m.operands, want) {
		t.Errorf("UNIT_INFO = % X, want % X", m.operands, want)
	}

	m = x.one(x.command(CommandStatus, SubunitUnit, OpcodeSubunitInfo, []byte{0x07, 0xFF, 0xFF, 0xFF, 0xFF}))
	want = []byte{0x07, uint8(SubunitPanel) << 3, 0xFF, 0xFF, 0xFF}
	if m.ctype != ResponseImplementedStable || !bytes.Equal(m.operands, want) {
		t.Errorf("SUBUNIT_INFO = %v % X, want % X", m.ctype, m.operands, want)
	}

	m = x.one(x.command(CommandStatus, SubunitUnit, Opcode(0x20), nil))
	if m.ctype != ResponseNotImplemented {
		t.Errorf("unknown opcode response = %v, want NOT_IMPLEMENTED", m.ctype)
	}
}

func TestTargetPassThrough(t *testing.T) {
	x := newTargetFixture(t)

	m := x.one(x.command(CommandControl, SubunitPanel, OpcodePassThrough, []byte{uint8(OperationF1), 1, 0x42}))
	if m.ctype != ResponseAccepted || !bytes.Equal(m.operands, []byte{uint8(OperationF1), 1, 0x42}) {
		t.Errorf("press response = %v % X", m.ctype, m.operands)
	}
	op, ok := ParseOperation(x.r.last(SubeventOperation))
	want := Operation{CID: x.cid, Operation: OperationF1, Pressed: true, OperandsLength: 1, Operand: 0x42}
	if !ok || op != want {
		t.Errorf("OPERATION = %+v, want %+v", op, want)
	}

	x.one(x.command(CommandControl, SubunitPanel, OpcodePassThrough, []byte{uint8(OperationF1) | 0x80, 0}))
	op, _ = ParseOperation(x.r.last(SubeventOperation))
	if op.Pressed || op.Operation != OperationF1 {
		t.Errorf("release OPERATION = %+v", op)
	}

	before := x.r.count(SubeventOperation)
	m = x.one(x.command(CommandControl, SubunitPanel, OpcodePassThrough, []byte{0x7E, 0}))
	if m.ctype != ResponseNotImplemented {
		t.Errorf("invalid operation response = %v", m.ctype)
	}
	if x.r.count(SubeventOperation) != before {
		t.Error("OPERATION emitted for an invalid operation")
	}
}

func TestTargetInvalidProfileID(t *testing.T) {
	x := newTargetFixture(t)
	m := message{label: 4, pid: 0x1111, ctype: CommandStatus, subunit: SubunitUnit, opcode: OpcodeUnitInfo,
		operands: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}}
	x.f.handler(hci.L2CAPDataPacket, fakeChannel, encodePackets(&m, DefaultMTU)[0])
	rs := x.responses()
	if len(rs) != 1 || !rs[0].ipid || !rs[0].response || rs[0].pid != 0x1111 || rs[0].label != 4 {
		t.Errorf("responses = %+v", rs)
	}
}

func TestTargetVendorCommands(t *testing.T) {
	x := newTargetFixture(t)

	tests := []struct {
		name   string
		ctype  CommandType
		pdu    PDUID
		params []byte
		want   CommandType
		out    []byte
	}{
		{"capabilities events", CommandStatus, PDUGetCapabilities, []byte{3}, ResponseImplementedStable,
			[]byte{3, 6, 0x01, 0x02, 0x06, 0x09, 0x0B, 0x0D}},
		{"capabilities companies", CommandStatus, PDUGetCapabilities, []byte{2}, ResponseImplementedStable,
			[]byte{2, 1, 0x00, 0x19, 0x58}},
		{"capabilities unknown", CommandStatus, PDUGetCapabilities, []byte{9}, ResponseRejected,
			[]byte{uint8(StatusInvalidParameter)}},
		{"list settings", CommandStatus, PDUListPlayerApplicationAttributes, nil, ResponseImplementedStable,
			[]byte{2, settingRepeat, settingShuffle}},
		{"current settings", CommandStatus, PDUGetCurrentPlayerApplicationValue, []byte{4, 1, 2, 3, 4},
			ResponseImplementedStable, []byte{2, settingRepeat, uint8(RepeatOff), settingShuffle, uint8(ShuffleOff)}},
		{"current settings unknown", CommandStatus, PDUGetCurrentPlayerApplicationValue, []byte{1, 1},
			ResponseRejected, []byte{uint8(StatusInvalidParameter)}},
		{"volume bad length", CommandControl, PDUSetAbsoluteVolume, []byte{1, 2}, ResponseRejected,
			[]byte{uint8(StatusInvalidCommand)}},
		{"volume", CommandControl, PDUSetAbsoluteVolume, []byte{0x33}, ResponseAccepted, []byte{0x33}},
		{"volume out of range", CommandControl, PDUSetAbsoluteVolume, []byte{0x90}, ResponseAccepted, []byte{0x33}},
		{"unknown pdu", CommandControl, PDUPlayItem, make([]byte, 11), ResponseRejected,
			[]byte{uint8(StatusInvalidCommand)}},
		{"continue without pending", CommandControl, PDURequestContinuingResponse, []byte{0x20}, ResponseRejected,
			[]byte{uint8(StatusInvalidParameter)}},
		{"continue wrong pdu", CommandControl, PDURequestContinuingResponse, []byte{0x30}, ResponseRejected,
			[]byte{uint8(StatusInvalidCommand)}},
		{"abort", CommandControl, PDURequestAbortContinuingResponse, []byte{0x20}, ResponseAccepted, []byte{}},
		{"attributes with identifier", CommandStatus, PDUGetElementAttributes, []byte{1, 0, 0, 0, 0, 0, 0, 0, 0},
			ResponseRejected, []byte{uint8(StatusInvalidParameter)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x.t = t
			ctype, v := x.vendorResponse(x.vendor(tt.ctype, tt.pdu, tt.params))
			if ctype != tt.want || v.pdu != tt.pdu || !bytes.Equal(v.params, tt.out) {
				t.Errorf("response = %v %v % X, want %v % X", ctype, v.pdu, v.params, tt.want, tt.out)
			}
		})
	}
}

func TestTargetSetPlayerApplicationValue(t *testing.T) {
	x := newTargetFixture(t)
	ctype, v := x.vendorResponse(x.vendor(CommandControl, PDUSetPlayerApplicationValue,
		[]byte{2, settingRepeat, uint8(RepeatAllTracks), settingShuffle, uint8(ShuffleGroup)}))
	if ctype != ResponseAccepted || len(v.params) != 0 {
		t.Errorf("response = %v % X", ctype, v.params)
	}
	sr, ok := ParseShuffleAndRepeat(x.r.last(SubeventShuffleAndRepeatMode))
	if !ok || sr.Repeat != RepeatAllTracks || sr.Shuffle != ShuffleGroup {
		t.Errorf("SHUFFLE_AND_REPEAT_MODE = %+v, %v", sr, ok)
	}

	ctype, _ = x.vendorResponse(x.vendor(CommandControl, PDUSetPlayerApplicationValue, []byte{1, settingShuffle, 9}))
	if ctype != ResponseRejected {
		t.Errorf("invalid shuffle response = %v", ctype)
	}
}

func TestTargetAddressedPlayer(t *testing.T) {
	x := newTargetFixture(t)
	x.tg.SetAddressedPlayerHandler(func(cid uint16, player uint16) bool { return player == 1 })

	ctype, v := x.vendorResponse(x.vendor(CommandControl, PDUSetAddressedPlayer, []byte{0, 5}))
	if ctype != ResponseRejected || !bytes.Equal(v.params, []byte{uint8(StatusInvalidPlayerID)}) {
		t.Errorf("player 5 response = %v % X", ctype, v.params)
	}
	ctype, v = x.vendorResponse(x.vendor(CommandControl, PDUSetAddressedPlayer, []byte{0, 1}))
	if ctype != ResponseAccepted || !bytes.Equal(v.params, []byte{uint8(StatusSuccess)}) {
		t.Errorf("player 1 response = %v % X", ctype, v.params)
	}

	ctype, v = x.vendorResponse(x.vendor(CommandNotify, PDURegisterNotification,
		[]byte{uint8(NotificationAddressedPlayerChanged), 0, 0, 0, 0}))
	want := []byte{uint8(NotificationAddressedPlayerChanged), 0x00, 0x01, 0x00, 0x00}
	if ctype != ResponseInterim || !bytes.Equal(v.params, want) {
		t.Errorf("INTERIM = %v % X, want % X", ctype, v.params, want)
	}
}

func TestTargetNotifications(t *testing.T) {
	x := newTargetFixture(t)

	ctype, v := x.vendorResponse(x.vendor(CommandNotify, PDURegisterNotification, []byte{0x20, 0, 0, 0, 0}))
	if ctype != ResponseRejected {
		t.Errorf("invalid event response = %v", ctype)
	}
	ctype, v = x.vendorResponse(x.vendor(CommandNotify, PDURegisterNotification,
		[]byte{uint8(NotificationSystemStatusChanged), 0, 0, 0, 0}))
	if ctype != ResponseNotImplemented || !bytes.Equal(v.params, []byte{uint8(NotificationSystemStatusChanged)}) {
		t.Errorf("unsupported event response = %v % X", ctype, v.params)
	}

	ctype, v = x.vendorResponse(x.vendor(CommandNotify, PDURegisterNotification,
		[]byte{uint8(NotificationTrackChanged), 0, 0, 0, 0}))
	want := append([]byte{uint8(NotificationTrackChanged)}, noTrackID[:]...)
	if ctype != ResponseInterim || !bytes.Equal(v.params, want) {
		t.Errorf("INTERIM = %v % X, want % X", ctype, v.params, want)
	}
	trackLabel := x.label

	// Changes without a registration are not reported.
	x.tg.SetPlaybackStatus(x.cid, PlaybackPlaying)
	if x.c.tg.changed != 0 {
		t.Errorf("changed = %04X for an unregistered event", x.c.tg.changed)
	}

	id := [8]byte{0, 0, 0, 0, 0, 0, 0, 9}
	wants := x.f.wants
	if st := x.tg.SetNowPlayingInfo(x.cid, &Track{ID: id, Title: "x"}, 1); st != hci.StatusSuccess {
		t.Fatalf("SetNowPlayingInfo() = %v", st)
	}
	if x.f.wants == wants {
		t.Fatal("no send opportunity requested")
	}
	x.s.handleCanSendNow(x.c)
	rs := x.responses()
	if len(rs) != 1 || rs[0].label != trackLabel || rs[0].ctype != ResponseChangedStable {
		t.Fatalf("CHANGED = %+v", rs)
	}
	v, _ = parseVendor(rs[0].operands)
	if !bytes.Equal(v.params, append([]byte{uint8(NotificationTrackChanged)}, id[:]...)) {
		t.Errorf("CHANGED params = % X", v.params)
	}

	// One CHANGED per registration.
	x.tg.TrackChanged(x.cid, [8]byte{1})
	x.s.handleCanSendNow(x.c)
	if rs := x.responses(); len(rs) != 0 {
		t.Errorf("second CHANGED without registration: %+v", rs)
	}
}

func TestTargetPlayStatusQuery(t *testing.T) {
	x := newTargetFixture(t)
	if rs := x.vendor(CommandStatus, PDUGetPlayStatus, nil); len(rs) != 0 {
		t.Fatalf("answered before the application: %+v", rs)
	}
	if n := x.r.count(SubeventPlayStatusQuery); n != 1 {
		t.Fatalf("PLAY_STATUS_QUERY count = %d, want 1", n)
	}
	if st := x.tg.PlayStatus(x.cid, 1000, 500, PlaybackPaused); st != hci.StatusSuccess {
		t.Fatalf("PlayStatus() = %v", st)
	}
	ctype, v := x.vendorResponse(x.responses())
	want := []byte{0, 0, 0x03, 0xE8, 0, 0, 0x01, 0xF4, uint8(PlaybackPaused)}
	if ctype != ResponseImplementedStable || v.pdu != PDUGetPlayStatus || !bytes.Equal(v.params, want) {
		t.Errorf("response = %v %v % X", ctype, v.pdu, v.params)
	}
}

func TestTargetElementAttributesContinuation(t *testing.T) {
	x := newTargetFixture(t)
	track := &Track{Title: strings.Repeat("t", 300), Artist: strings.Repeat("a", 300), Number: 4, SongLengthMs: 1234}
	x.tg.SetNowPlayingInfo(x.cid, track, 10)

	ctype, v := x.vendorResponse(x.vendor(CommandStatus, PDUGetElementAttributes, make([]byte, 9)))
	if ctype != ResponseImplementedStable || v.packetType != packetStart || len(v.params) != maxVendorParams {
		t.Fatalf("first part = %v type %d len %d", ctype, v.packetType, len(v.params))
	}
	whole := append([]byte(nil), v.params...)

	_, v = x.vendorResponse(x.vendor(CommandControl, PDURequestContinuingResponse, []byte{0x20}))
	if v.packetType != packetEnd || v.pdu != PDUGetElementAttributes {
		t.Fatalf("second part type %d pdu %v", v.packetType, v.pdu)
	}
	whole = append(whole, v.params...)

	if whole[0] != mediaAttributeCount {
		t.Errorf("attribute count = %d", whole[0])
	}
	var got []MediaAttribute
	var p attributeParser
	p.begin(int(whole[0]))
	values := map[MediaAttribute]string{}
	p.feed(whole[1:], func(a MediaAttribute, value []byte) {
		got = append(got, a)
		values[a] = string(value)
	})
	if len(got) != mediaAttributeCount {
		t.Fatalf("attributes = %v", got)
	}
	if values[MediaAttributeTrack] != "4" || values[MediaAttributeTotalTracks] != "10" ||
		values[MediaAttributeSongLength] != "1234" || values[MediaAttributeAlbum] != "" {
		t.Errorf("values = %q", values)
	}

	// Charset of the first entry.
	if cs := binary.BigEndian.Uint16(whole[5:]); cs != charsetUTF8 {
		t.Errorf("charset = %d, want %d", cs, charsetUTF8)
	}
}

func TestTargetResponseWaitsForLink(t *testing.T) {
	x := newTargetFixture(t)
	x.f.blocked = true
	if rs := x.command(CommandStatus, SubunitUnit, OpcodeUnitInfo, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}); len(rs) != 0 {
		t.Fatalf("sent while blocked: %+v", rs)
	}
	if st := x.tg.State(x.cid); st != ConnectionW2SendResponse {
		t.Errorf("state = %v, want W2_SEND_RESPONSE", st)
	}
	x.f.blocked = false
	x.s.handleCanSendNow(x.c)
	x.one(x.responses())
	if st := x.tg.State(x.cid); st != ConnectionOpened {
		t.Errorf("state = %v, want OPENED", st)
	}
}

func TestTargetSettersValidate(t *testing.T) {
	x := newTargetFixture(t)
	if st := x.tg.SupportEvent(x.cid, NotificationEvent(0)); st != hci.StatusUnsupportedFeatureOrParameterValue {
		t.Errorf("SupportEvent(0) = %v", st)
	}
	if st := x.tg.SupportCompanies(x.cid, nil); st != hci.StatusInvalidHCICommandParameters {
		t.Errorf("SupportCompanies(nil) = %v", st)
	}
	if st := x.tg.AdjustAbsoluteVolume(x.cid, 0x80); st != hci.StatusInvalidHCICommandParameters {
		t.Errorf("AdjustAbsoluteVolume(0x80) = %v", st)
	}
	if st := x.tg.SetPlayerApplicationSettings(x.cid, RepeatInvalid, ShuffleOff); st != hci.StatusUnsupportedFeatureOrParameterValue {
		t.Errorf("SetPlayerApplicationSettings(invalid) = %v", st)
	}
	if st := x.tg.SetSubunitInfo(x.cid, make([]byte, 40)); st != hci.StatusInvalidHCICommandParameters {
		t.Errorf("SetSubunitInfo(40 bytes) = %v", st)
	}
	if st := x.tg.VolumeChanged(x.cid, 0x20); st != hci.StatusSuccess {
		t.Errorf("VolumeChanged() = %v", st)
	}
	if x.c.tg.volume != 0x20 {
		t.Errorf("volume = 0x%02X", x.c.tg.volume)
	}
}
