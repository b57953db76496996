package rfcomm

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/l2cap"
	"github.com/backkem/bthost/pkg/runloop"
)

// fakeLink queues outgoing fragments until the test pumps them to the peer.
// RFCOMM frames seen on it are recorded.
type fakeLink struct {
	handle hci.ConnHandle
	remote hci.Addr
	free   int
	queue  [][]byte
	frames []frame

	owner *l2cap.Service
	peer  *fakeLink
}

func (l *fakeLink) Handle() hci.ConnHandle { return l.handle }
func (l *fakeLink) RemoteAddr() hci.Addr   { return l.remote }
func (l *fakeLink) ACLBufferSize() int     { return hci.DefaultACLBufferSize }
func (l *fakeLink) CanSendACL() bool       { return l.free > 0 }
func (l *fakeLink) Disconnect(hci.Status)  {}

func (l *fakeLink) SendACL(fragments ...[]byte) error {
	l.free--
	l.queue = append(l.queue, fragments...)
	return nil
}

// sniff records and returns the frame carried by pkt if it is on a dynamic
// channel.
func (l *fakeLink) sniff(pkt hci.ACLPacket) (frame, bool) {
	if !pkt.IsStart() || len(pkt.Data) < hci.L2CAPHeaderSize {
		return frame{}, false
	}
	if binary.LittleEndian.Uint16(pkt.Data[2:]) < l2cap.CIDDynamicStart {
		return frame{}, false
	}
	f, err := parseFrame(pkt.Data[hci.L2CAPHeaderSize:])
	if err != nil {
		return frame{}, false
	}
	f.payload = append([]byte(nil), f.payload...)
	l.frames = append(l.frames, f)
	return f, true
}

// message returns the last multiplexer message of type typ sent on l.
func (l *fakeLink) message(typ uint8) (message, bool) {
	for i := len(l.frames) - 1; i >= 0; i-- {
		f := l.frames[i]
		if f.dlci() != 0 || f.control != ctrlUIH {
			continue
		}
		if msg, ok := parseMessage(f.payload); ok && msg.typ == typ {
			return msg, true
		}
	}
	return message{}, false
}

type recorder struct {
	events  [][]byte
	data    [][]byte
	onEvent func(packet []byte)
}

func (r *recorder) handler(packetType hci.PacketType, channel uint16, packet []byte) {
	cp := append([]byte(nil), packet...)
	switch packetType {
	case hci.EventPacket:
		r.events = append(r.events, cp)
		if r.onEvent != nil {
			r.onEvent(cp)
		}
	case hci.RFCOMMDataPacket:
		r.data = append(r.data, cp)
	}
}

func (r *recorder) opened() (ChannelOpened, bool) {
	for _, ev := range r.events {
		if o, ok := ParseChannelOpened(ev); ok {
			return o, true
		}
	}
	return ChannelOpened{}, false
}

func (r *recorder) count(code uint8) int {
	n := 0
	for _, ev := range r.events {
		if hci.EventCode(ev) == code {
			n++
		}
	}
	return n
}

func (r *recorder) portConfigurations() []PortConfiguration {
	var out []PortConfiguration
	for _, ev := range r.events {
		if pc, ok := ParsePortConfiguration(ev); ok {
			out = append(out, pc)
		}
	}
	return out
}

type testPair struct {
	loop     *runloop.Embedded
	clock    *runloop.ManualClock
	l2a, l2b *l2cap.Service
	a, b     *Service
	la, lb   *fakeLink
	addrA    hci.Addr
	addrB    hci.Addr

	// drop discards the frames it returns true for instead of delivering
	// them.
	drop func(from *fakeLink, f frame) bool
}

func newTestPair(t *testing.T) *testPair {
	t.Helper()
	clock := runloop.NewManualClock()
	loop := runloop.NewEmbedded(runloop.EmbeddedConfig{Clock: clock})
	l2a, _ := l2cap.New(l2cap.Config{RunLoop: loop})
	l2b, _ := l2cap.New(l2cap.Config{RunLoop: loop})
	a, err := New(Config{L2CAP: l2a, RunLoop: loop})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b, _ := New(Config{L2CAP: l2b, RunLoop: loop})

	p := &testPair{
		loop:  loop,
		clock: clock,
		l2a:   l2a,
		l2b:   l2b,
		a:     a,
		b:     b,
		addrA: hci.MustParseAddr("00:00:00:00:00:0A"),
		addrB: hci.MustParseAddr("00:00:00:00:00:0B"),
	}
	p.la = &fakeLink{handle: 1, remote: p.addrB, free: 8, owner: l2a}
	p.lb = &fakeLink{handle: 2, remote: p.addrA, free: 8, owner: l2b}
	p.la.peer, p.lb.peer = p.lb, p.la
	l2a.LinkConnected(p.la)
	l2b.LinkConnected(p.lb)
	return p
}

// pump delivers queued fragments and runs the loop until both sides are idle.
func (p *testPair) pump(t *testing.T) {
	t.Helper()
	idle := 0
	for i := 0; i < 5000; i++ {
		moved := false
		for _, l := range []*fakeLink{p.la, p.lb} {
			for len(l.queue) > 0 {
				frag := l.queue[0]
				l.queue = l.queue[1:]
				moved = true
				pkt, err := hci.ParseACL(frag)
				if err != nil {
					t.Fatalf("ParseACL() error = %v", err)
				}
				if f, ok := l.sniff(pkt); ok && p.drop != nil && p.drop(l, f) {
					continue
				}
				l.peer.owner.HandleACL(l.peer, pkt)
			}
			if l.free < 8 {
				l.free = 8
				l.owner.LinkWritable(l)
			}
		}
		p.loop.RunOnce()
		if moved || len(p.la.queue) > 0 || len(p.lb.queue) > 0 {
			idle = 0
			continue
		}
		// Deferred callbacks may still be queued on the loop.
		if idle++; idle > 2 {
			return
		}
	}
	t.Fatal("pump did not settle")
}

func acceptAll(s *Service, r *recorder) {
	r.onEvent = func(packet []byte) {
		if ev, ok := ParseIncomingConnection(packet); ok {
			s.AcceptConnection(ev.CID)
		}
	}
}

// open registers serverChannel on b with register and connects a to it.
func (p *testPair) open(t *testing.T, ra, rb *recorder, serverChannel uint8, register func() hci.Status) (uint16, uint16) {
	t.Helper()
	acceptAll(p.b, rb)
	if st := register(); st != hci.StatusSuccess {
		t.Fatalf("register = %v", st)
	}
	cid, st := p.a.CreateChannel(ra.handler, p.addrB, serverChannel)
	if st != hci.StatusSuccess {
		t.Fatalf("CreateChannel() = %v", st)
	}
	p.pump(t)

	oa, ok := ra.opened()
	if !ok || oa.Status != hci.StatusSuccess || oa.Incoming {
		t.Fatalf("initiator CHANNEL_OPENED = %+v, %v", oa, ok)
	}
	ob, ok := rb.opened()
	if !ok || ob.Status != hci.StatusSuccess || !ob.Incoming {
		t.Fatalf("acceptor CHANNEL_OPENED = %+v, %v", ob, ok)
	}
	if oa.CID != cid || oa.ServerChannel != serverChannel || ob.ServerChannel != serverChannel {
		t.Errorf("opened = %+v / %+v", oa, ob)
	}
	return cid, ob.CID
}

func (p *testPair) openDefault(t *testing.T, ra, rb *recorder) (uint16, uint16) {
	t.Helper()
	return p.open(t, ra, rb, 5, func() hci.Status {
		return p.b.RegisterService(rb.handler, 5, 0)
	})
}

func TestNewValidation(t *testing.T) {
	loop := runloop.NewEmbedded(runloop.EmbeddedConfig{})
	if _, err := New(Config{RunLoop: loop}); err != ErrNoL2CAP {
		t.Errorf("New() without l2cap error = %v", err)
	}
	l2, _ := l2cap.New(l2cap.Config{RunLoop: loop})
	if _, err := New(Config{L2CAP: l2}); err != ErrNoRunLoop {
		t.Errorf("New() without run loop error = %v", err)
	}
}

func TestServiceRegistry(t *testing.T) {
	p := newTestPair(t)
	var r recorder
	if st := p.a.RegisterService(r.handler, 0, 0); st != hci.StatusInvalidHCICommandParameters {
		t.Errorf("RegisterService(0) = %v", st)
	}
	if st := p.a.RegisterService(r.handler, 3, 0); st != hci.StatusSuccess {
		t.Fatalf("RegisterService() = %v", st)
	}
	if st := p.a.RegisterService(r.handler, 3, 0); st != hci.StatusRFCOMMChannelAlreadyRegistered {
		t.Errorf("duplicate RegisterService() = %v", st)
	}
	// PSM 3 is registered with L2CAP by the first service only.
	if st := p.l2a.RegisterService(r.handler, l2cap.PSMRFCOMM, 0); st != hci.StatusL2CAPServiceAlreadyRegistered {
		t.Errorf("l2cap RegisterService(PSM 3) = %v", st)
	}
	p.a.UnregisterService(3)
	if st := p.l2a.RegisterService(r.handler, l2cap.PSMRFCOMM, 0); st != hci.StatusSuccess {
		t.Errorf("PSM 3 still registered after last service: %v", st)
	}
}

func TestOpenSendClose(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acid, bcid := p.openDefault(t, &ra, &rb)

	if st := p.a.ChannelState(acid); st != ChannelOpen {
		t.Errorf("initiator state = %v", st)
	}
	if st := p.b.ChannelState(bcid); st != ChannelOpen {
		t.Errorf("acceptor state = %v", st)
	}
	if st := p.a.MultiplexerState(p.addrB); st != MultiplexerOpen {
		t.Errorf("multiplexer state = %v", st)
	}
	// Service frame size wins over the L2CAP derived one.
	if mfs := p.a.MaxFrameSize(acid); mfs != DefaultFrameSize {
		t.Errorf("initiator frame size = %d, want %d", mfs, DefaultFrameSize)
	}
	if mfs := p.b.MaxFrameSize(bcid); mfs != DefaultFrameSize {
		t.Errorf("acceptor frame size = %d, want %d", mfs, DefaultFrameSize)
	}
	if out, _ := p.a.Credits(acid); out != DefaultCredits {
		t.Errorf("initiator outgoing credits = %d", out)
	}
	if pcs := ra.portConfigurations(); len(pcs) == 0 || pcs[0].Remote || pcs[0].Baud != Baud9600 {
		t.Errorf("initial PORT_CONFIGURATION = %+v", pcs)
	}

	if st := p.a.Send(acid, []byte("hello")); st != hci.StatusSuccess {
		t.Fatalf("Send() = %v", st)
	}
	if st := p.a.Send(acid, make([]byte, DefaultFrameSize+1)); st != hci.StatusRFCOMMDataLenExceedsMTU {
		t.Errorf("oversized Send() = %v", st)
	}
	if st := p.a.Send(0x4242, []byte("x")); st != hci.StatusUnknownConnectionIdentifier {
		t.Errorf("Send() unknown cid = %v", st)
	}
	p.pump(t)
	if st := p.b.Send(bcid, []byte("world")); st != hci.StatusSuccess {
		t.Fatalf("reverse Send() = %v", st)
	}
	p.pump(t)

	if len(rb.data) != 1 || !bytes.Equal(rb.data[0], []byte("hello")) {
		t.Errorf("acceptor data = %q", rb.data)
	}
	if len(ra.data) != 1 || !bytes.Equal(ra.data[0], []byte("world")) {
		t.Errorf("initiator data = %q", ra.data)
	}

	if st := p.a.Disconnect(acid); st != hci.StatusSuccess {
		t.Fatalf("Disconnect() = %v", st)
	}
	p.pump(t)
	if ra.count(EventChannelClosed) != 1 || rb.count(EventChannelClosed) != 1 {
		t.Errorf("CHANNEL_CLOSED counts = %d / %d", ra.count(EventChannelClosed), rb.count(EventChannelClosed))
	}
	if st := p.a.ChannelState(acid); st != ChannelClosed {
		t.Errorf("state after close = %v", st)
	}
	// The multiplexer stays up until the idle timer fires.
	if st := p.a.MultiplexerState(p.addrB); st != MultiplexerOpen {
		t.Errorf("multiplexer state after close = %v", st)
	}
}

func TestIdleMultiplexerShutsDown(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acid, _ := p.openDefault(t, &ra, &rb)
	p.a.Disconnect(acid)
	p.pump(t)

	p.clock.Advance(DefaultIdleTimeout - time.Second)
	p.pump(t)
	if st := p.a.MultiplexerState(p.addrB); st != MultiplexerOpen {
		t.Fatalf("multiplexer closed early: %v", st)
	}

	p.clock.Advance(2 * time.Second)
	p.pump(t)
	if st := p.a.MultiplexerState(p.addrB); st != MultiplexerClosed {
		t.Errorf("initiator multiplexer = %v, want closed", st)
	}
	if st := p.b.MultiplexerState(p.addrA); st != MultiplexerClosed {
		t.Errorf("acceptor multiplexer = %v, want closed", st)
	}
}

// dropFrom discards frames sent by from with control on DLCIs matching
// data (true) or the multiplexer (false).
func (p *testPair) dropFrom(from *fakeLink, control uint8, data bool) {
	p.drop = func(l *fakeLink, f frame) bool {
		return l == from && f.control == control && (f.dlci() != 0) == data
	}
}

func TestDisconnectWithoutUA(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acid, _ := p.openDefault(t, &ra, &rb)

	p.dropFrom(p.la, ctrlDISC, true)
	if st := p.a.Disconnect(acid); st != hci.StatusSuccess {
		t.Fatalf("Disconnect() = %v", st)
	}
	p.pump(t)
	if st := p.a.ChannelState(acid); st != ChannelW4UAAfterDisc {
		t.Fatalf("state = %v, want W4_UA_AFTER_DISC", st)
	}

	p.clock.Advance(time.Duration(ackTimeoutMs-1) * time.Millisecond)
	p.pump(t)
	if n := ra.count(EventChannelClosed); n != 0 {
		t.Fatalf("CHANNEL_CLOSED before timeout count = %d", n)
	}
	p.clock.Advance(time.Millisecond)
	p.pump(t)
	if n := ra.count(EventChannelClosed); n != 1 {
		t.Errorf("CHANNEL_CLOSED count = %d, want 1", n)
	}
	if st := p.a.ChannelState(acid); st != ChannelClosed {
		t.Errorf("state after timeout = %v, want CLOSED", st)
	}

	// The multiplexer is released once idle.
	p.clock.Advance(DefaultIdleTimeout)
	p.pump(t)
	if st := p.a.MultiplexerState(p.addrB); st != MultiplexerClosed {
		t.Errorf("multiplexer = %v, want closed", st)
	}
}

func TestOpenWithoutUA(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acceptAll(p.b, &rb)
	p.b.RegisterService(rb.handler, 5, 0)

	p.dropFrom(p.la, ctrlSABM, true)
	acid, st := p.a.CreateChannel(ra.handler, p.addrB, 5)
	if st != hci.StatusSuccess {
		t.Fatalf("CreateChannel() = %v", st)
	}
	p.pump(t)
	if st := p.a.ChannelState(acid); st != ChannelW4UA {
		t.Fatalf("state = %v, want W4_UA", st)
	}

	p.clock.Advance(time.Duration(ackTimeoutMs) * time.Millisecond)
	p.pump(t)
	o, ok := ra.opened()
	if !ok || o.Status != hci.StatusConnectionTimeout || o.CID != acid {
		t.Errorf("CHANNEL_OPENED = %+v, %v", o, ok)
	}
	if st := p.a.ChannelState(acid); st != ChannelClosed {
		t.Errorf("state after timeout = %v, want CLOSED", st)
	}
	if st := p.a.MultiplexerState(p.addrB); st != MultiplexerOpen {
		t.Errorf("multiplexer = %v, want open until idle", st)
	}
}

func TestMultiplexerWithoutUA(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acceptAll(p.b, &rb)
	p.b.RegisterService(rb.handler, 5, 0)

	p.dropFrom(p.la, ctrlSABM, false)
	acid, st := p.a.CreateChannel(ra.handler, p.addrB, 5)
	if st != hci.StatusSuccess {
		t.Fatalf("CreateChannel() = %v", st)
	}
	p.pump(t)
	if st := p.a.MultiplexerState(p.addrB); st != MultiplexerW4UA0 {
		t.Fatalf("multiplexer = %v, want W4_UA_0", st)
	}

	p.clock.Advance(time.Duration(ackTimeoutMs) * time.Millisecond)
	p.pump(t)
	o, ok := ra.opened()
	if !ok || o.Status != hci.StatusConnectionTimeout || o.CID != acid {
		t.Errorf("CHANNEL_OPENED = %+v, %v", o, ok)
	}
	if st := p.a.MultiplexerState(p.addrB); st != MultiplexerClosed {
		t.Errorf("multiplexer after timeout = %v, want closed", st)
	}
}

func TestSecondChannelReusesMultiplexer(t *testing.T) {
	p := newTestPair(t)
	var ra, rb, ra2, rb2 recorder
	p.openDefault(t, &ra, &rb)

	acceptAll(p.b, &rb2)
	if st := p.b.RegisterService(rb2.handler, 6, 0); st != hci.StatusSuccess {
		t.Fatalf("RegisterService() = %v", st)
	}
	sabms := 0
	for _, f := range p.la.frames {
		if f.dlci() == 0 && f.control == ctrlSABM {
			sabms++
		}
	}
	cid, st := p.a.CreateChannel(ra2.handler, p.addrB, 6)
	if st != hci.StatusSuccess {
		t.Fatalf("CreateChannel() = %v", st)
	}
	if _, st := p.a.CreateChannel(ra2.handler, p.addrB, 6); st != hci.StatusRFCOMMChannelAlreadyRegistered {
		t.Errorf("duplicate CreateChannel() = %v", st)
	}
	p.pump(t)

	if o, ok := ra2.opened(); !ok || o.Status != hci.StatusSuccess || o.CID != cid {
		t.Fatalf("second channel opened = %+v, %v", o, ok)
	}
	n := 0
	for _, f := range p.la.frames {
		if f.dlci() == 0 && f.control == ctrlSABM {
			n++
		}
	}
	if n != sabms {
		t.Errorf("SABM on DLCI 0 sent again")
	}
}

func TestManualCredits(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acid, bcid := p.open(t, &ra, &rb, 7, func() hci.Status {
		return p.b.RegisterServiceWithInitialCredits(rb.handler, 7, 0, 1)
	})

	if out, _ := p.a.Credits(acid); out != 1 {
		t.Fatalf("outgoing credits = %d, want 1", out)
	}
	if st := p.a.Send(acid, []byte("a")); st != hci.StatusSuccess {
		t.Fatalf("first Send() = %v", st)
	}
	if st := p.a.Send(acid, []byte("b")); st != hci.StatusRFCOMMNoOutgoingCredits {
		t.Errorf("second Send() = %v, want NO_OUTGOING_CREDITS", st)
	}
	if p.a.CanSendPacketNow(acid) {
		t.Error("CanSendPacketNow() = true without credits")
	}
	p.pump(t)

	// Still no refill for a manually managed channel.
	if out, _ := p.a.Credits(acid); out != 0 {
		t.Fatalf("credits after delivery = %d", out)
	}
	if st := p.a.GrantCredits(acid, 1); st != hci.StatusCommandDisallowed {
		t.Errorf("GrantCredits() on automatic channel = %v", st)
	}
	if st := p.b.GrantCredits(bcid, 1); st != hci.StatusSuccess {
		t.Fatalf("GrantCredits() = %v", st)
	}
	p.pump(t)
	if st := p.a.Send(acid, []byte("b")); st != hci.StatusSuccess {
		t.Errorf("Send() after grant = %v", st)
	}
	p.pump(t)
	if len(rb.data) != 2 {
		t.Errorf("acceptor received %d packets, want 2", len(rb.data))
	}
}

func TestCreditsSaturate(t *testing.T) {
	if got := addCredits(250, 10); got != 0xFF {
		t.Errorf("addCredits(250, 10) = %d, want 255", got)
	}
	if got := addCredits(10, 5); got != 15 {
		t.Errorf("addCredits(10, 5) = %d, want 15", got)
	}

	p := newTestPair(t)
	var ra, rb recorder
	acid, bcid := p.open(t, &ra, &rb, 7, func() hci.Status {
		return p.b.RegisterServiceWithInitialCredits(rb.handler, 7, 0, 1)
	})
	p.b.GrantCredits(bcid, 200)
	p.b.GrantCredits(bcid, 200)
	if c := p.b.channelForCID(bcid); c.newCreditsIncoming != 0xFF {
		t.Errorf("pending grant = %d, want 255", c.newCreditsIncoming)
	}
	p.pump(t)
	if out, _ := p.a.Credits(acid); out != 0xFF {
		t.Errorf("outgoing credits = %d, want 255", out)
	}
	if st := p.a.Send(acid, []byte("x")); st != hci.StatusSuccess {
		t.Errorf("Send() with saturated credits = %v", st)
	}
}

func TestAutomaticCreditsRefill(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acid, _ := p.openDefault(t, &ra, &rb)

	for i := 0; i < 3*int(DefaultCredits); i++ {
		if st := p.a.Send(acid, []byte{byte(i)}); st != hci.StatusSuccess {
			t.Fatalf("Send() #%d = %v", i, st)
		}
		p.pump(t)
	}
	if len(rb.data) != 3*int(DefaultCredits) {
		t.Errorf("received %d packets", len(rb.data))
	}
}

func TestCanSendNow(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acid, _ := p.openDefault(t, &ra, &rb)
	before := ra.count(EventCanSendNow)

	if st := p.a.RequestCanSendNowEvent(acid); st != hci.StatusSuccess {
		t.Fatalf("RequestCanSendNowEvent() = %v", st)
	}
	p.pump(t)
	if got := ra.count(EventCanSendNow) - before; got != 1 {
		t.Errorf("CAN_SEND_NOW count = %d, want 1", got)
	}
	cid, ok := ParseCanSendNow(ra.events[len(ra.events)-1])
	if !ok || cid != acid {
		t.Errorf("CAN_SEND_NOW cid = 0x%04X, %v", cid, ok)
	}
	if st := p.a.RequestCanSendNowEvent(0x4242); st != hci.StatusUnknownConnectionIdentifier {
		t.Errorf("RequestCanSendNowEvent() unknown = %v", st)
	}
}

func TestPreparedSend(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acid, _ := p.openDefault(t, &ra, &rb)

	if st := p.a.SendPrepared(acid, 1); st != hci.StatusCommandDisallowed {
		t.Errorf("SendPrepared() without reservation = %v", st)
	}
	if !p.a.ReservePacketBuffer() {
		t.Fatal("ReservePacketBuffer() = false")
	}
	if p.a.ReservePacketBuffer() {
		t.Error("second ReservePacketBuffer() = true")
	}
	n := copy(p.a.OutgoingBuffer(), "prepared")
	if st := p.a.SendPrepared(acid, n); st != hci.StatusSuccess {
		t.Fatalf("SendPrepared() = %v", st)
	}
	if !p.a.ReservePacketBuffer() {
		t.Error("buffer not released after send")
	}
	p.a.ReleasePacketBuffer()
	p.pump(t)
	if len(rb.data) != 1 || string(rb.data[0]) != "prepared" {
		t.Errorf("acceptor data = %q", rb.data)
	}
}

func TestDeclineConnection(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	rb.onEvent = func(packet []byte) {
		if ev, ok := ParseIncomingConnection(packet); ok {
			p.b.DeclineConnection(ev.CID)
		}
	}
	p.b.RegisterService(rb.handler, 5, 0)
	cid, _ := p.a.CreateChannel(ra.handler, p.addrB, 5)
	p.pump(t)

	o, ok := ra.opened()
	if !ok || o.Status == hci.StatusSuccess || o.CID != cid {
		t.Errorf("CHANNEL_OPENED = %+v, %v", o, ok)
	}
	if p.a.ChannelState(cid) != ChannelClosed {
		t.Error("declined channel still present")
	}
	if rb.count(EventChannelOpened) != 0 {
		t.Error("acceptor reported an opened channel")
	}
}

func TestUnregisteredServerChannel(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	p.b.RegisterService(rb.handler, 5, 0)
	p.a.CreateChannel(ra.handler, p.addrB, 9)
	p.pump(t)

	o, ok := ra.opened()
	if !ok || o.Status == hci.StatusSuccess {
		t.Errorf("CHANNEL_OPENED = %+v, %v", o, ok)
	}
	dm := false
	for _, f := range p.lb.frames {
		if f.control == ctrlDMPF && f.dlci() == 9<<1 {
			dm = true
		}
	}
	if !dm {
		t.Error("no DM sent for unregistered server channel")
	}
}

func TestLinkLossStopsMultiplexer(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acid, _ := p.openDefault(t, &ra, &rb)

	// A second channel stuck in setup: the acceptor never answers.
	var ra2, rb2 recorder
	p.b.RegisterService(rb2.handler, 6, 0)
	pending, _ := p.a.CreateChannel(ra2.handler, p.addrB, 6)
	p.pump(t)
	if st := p.a.ChannelState(pending); st != ChannelW4PNRsp {
		t.Fatalf("pending channel state = %v", st)
	}

	p.l2a.LinkDisconnected(p.la, hci.StatusConnectionTimeout)
	p.l2b.LinkDisconnected(p.lb, hci.StatusConnectionTimeout)
	p.pump(t)

	if cid, ok := ParseChannelClosed(ra.events[len(ra.events)-1]); !ok || cid != acid {
		t.Errorf("open channel last event = % X", ra.events[len(ra.events)-1])
	}
	o, ok := ra2.opened()
	if !ok || o.Status != hci.StatusRFCOMMMultiplexerStopped {
		t.Errorf("pending channel CHANNEL_OPENED = %+v, %v", o, ok)
	}
	if st := p.a.MultiplexerState(p.addrB); st != MultiplexerClosed {
		t.Errorf("multiplexer state = %v", st)
	}
}

func TestL2CAPFailureFailsChannels(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	p.b.RegisterService(rb.handler, 5, 0)
	cid, _ := p.a.CreateChannel(ra.handler, p.addrB, 5)
	p.l2a.LinkDisconnected(p.la, hci.StatusConnectionTimeout)
	p.pump(t)

	o, ok := ra.opened()
	if !ok || o.Status != hci.StatusConnectionTimeout || o.CID != cid {
		t.Errorf("CHANNEL_OPENED = %+v, %v", o, ok)
	}
	if st := p.a.MultiplexerState(p.addrB); st != MultiplexerClosed {
		t.Errorf("multiplexer state = %v", st)
	}
}

func TestMultiplexerCommands(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acid, _ := p.openDefault(t, &ra, &rb)
	mb := p.b.multiplexerForAddr(p.addrA)

	p.b.sendMessage(mb, cmdTEST, 1, 2, 3)
	p.pump(t)
	if msg, ok := p.la.message(rspTEST); !ok || !bytes.Equal(msg.value, []byte{1, 2, 3}) {
		t.Errorf("TEST response = %+v, %v", msg, ok)
	}

	p.b.sendMessage(mb, 0xF3)
	p.pump(t)
	if msg, ok := p.la.message(rspNSC); !ok || !bytes.Equal(msg.value, []byte{0xF3}) {
		t.Errorf("NSC = %+v, %v", msg, ok)
	}

	p.b.sendMessage(mb, cmdFCOFF)
	p.pump(t)
	if _, ok := p.la.message(rspFCOFF); !ok {
		t.Error("no FCOFF response")
	}
	if st := p.a.Send(acid, []byte("x")); st != hci.StatusRFCOMMAggregateFlowOff {
		t.Errorf("Send() with flow off = %v", st)
	}
	p.a.RequestCanSendNowEvent(acid)
	p.pump(t)
	before := ra.count(EventCanSendNow)

	p.b.sendMessage(mb, cmdFCON)
	p.pump(t)
	if _, ok := p.la.message(rspFCON); !ok {
		t.Error("no FCON response")
	}
	if ra.count(EventCanSendNow) != before+1 {
		t.Error("waiting channel not notified after FCON")
	}
	if st := p.a.Send(acid, []byte("x")); st != hci.StatusSuccess {
		t.Errorf("Send() with flow on = %v", st)
	}
}

func TestPortConfigurationAndStatus(t *testing.T) {
	p := newTestPair(t)
	var ra, rb recorder
	acid, bcid := p.openDefault(t, &ra, &rb)

	st := p.a.SendPortConfiguration(acid, Baud115200, DataBits7, StopBits1, ParityEven, FlowControlRTCOnInput)
	if st != hci.StatusSuccess {
		t.Fatalf("SendPortConfiguration() = %v", st)
	}
	p.pump(t)
	pcs := rb.portConfigurations()
	last := pcs[len(pcs)-1]
	if !last.Remote || last.CID != bcid || last.Baud != Baud115200 || last.DataBits != DataBits7 || last.Parity != ParityEven {
		t.Errorf("acceptor PORT_CONFIGURATION = %+v", last)
	}
	if last.FlowControl != FlowControlRTCOnInput {
		t.Errorf("flow control = 0x%02X", last.FlowControl)
	}
	if _, ok := p.lb.message(rspRPN); !ok {
		t.Error("no RPN response")
	}

	p.a.QueryPortConfiguration(acid)
	p.pump(t)
	pcs = ra.portConfigurations()
	last = pcs[len(pcs)-1]
	if !last.Remote || last.Baud != Baud115200 || last.Mask0 != 0 {
		t.Errorf("queried PORT_CONFIGURATION = %+v", last)
	}

	p.a.SendLocalLineStatus(acid, LineStatusOverrunError)
	p.a.SendModemStatus(acid, ModemStatusRTC|ModemStatusRTR|ModemStatusDV|0x01)
	p.pump(t)
	var line, modem bool
	for _, ev := range rb.events {
		if cid, status, ok := ParseRemoteLineStatus(ev); ok && cid == bcid && status == LineStatusOverrunError {
			line = true
		}
		if cid, status, ok := ParseRemoteModemStatus(ev); ok && cid == bcid && status == 0x8D {
			modem = true
		}
	}
	if !line || !modem {
		t.Errorf("remote status events line=%v modem=%v", line, modem)
	}
	if _, ok := p.lb.message(rspRLS); !ok {
		t.Error("no RLS response")
	}
}
