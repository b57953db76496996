package l2cap

import (
	"bytes"
	"testing"
	"time"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
)

// fakeLink queues outgoing fragments until the test pumps them to the peer.
type fakeLink struct {
	handle  hci.ConnHandle
	remote  hci.Addr
	aclSize int
	free    int
	queue   [][]byte

	owner *Service
	peer  *fakeLink
	drop  bool
}

func (l *fakeLink) Handle() hci.ConnHandle { return l.handle }
func (l *fakeLink) RemoteAddr() hci.Addr   { return l.remote }
func (l *fakeLink) ACLBufferSize() int     { return l.aclSize }
func (l *fakeLink) CanSendACL() bool       { return l.free > 0 }
func (l *fakeLink) Disconnect(hci.Status)  {}

func (l *fakeLink) SendACL(fragments ...[]byte) error {
	l.free--
	l.queue = append(l.queue, fragments...)
	return nil
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
	case hci.L2CAPDataPacket:
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

type testPair struct {
	loop   *runloop.Embedded
	clock  *runloop.ManualClock
	a, b   *Service
	la, lb *fakeLink
	addrA  hci.Addr
	addrB  hci.Addr
}

func newTestPair(t *testing.T, buffers int) *testPair {
	t.Helper()
	clock := runloop.NewManualClock()
	loop := runloop.NewEmbedded(runloop.EmbeddedConfig{Clock: clock})
	a, err := New(Config{RunLoop: loop})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b, _ := New(Config{RunLoop: loop})

	p := &testPair{
		loop:  loop,
		clock: clock,
		a:     a,
		b:     b,
		addrA: hci.MustParseAddr("00:00:00:00:00:0A"),
		addrB: hci.MustParseAddr("00:00:00:00:00:0B"),
	}
	p.la = &fakeLink{handle: 1, remote: p.addrB, aclSize: hci.DefaultACLBufferSize, free: buffers, owner: a}
	p.lb = &fakeLink{handle: 2, remote: p.addrA, aclSize: hci.DefaultACLBufferSize, free: buffers, owner: b}
	p.la.peer, p.lb.peer = p.lb, p.la
	a.LinkConnected(p.la)
	b.LinkConnected(p.lb)
	return p
}

// pump delivers queued fragments and releases buffers until both sides are idle.
func (p *testPair) pump(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		moved := false
		for _, l := range []*fakeLink{p.la, p.lb} {
			for len(l.queue) > 0 {
				frag := l.queue[0]
				l.queue = l.queue[1:]
				moved = true
				if l.drop {
					continue
				}
				pkt, err := hci.ParseACL(frag)
				if err != nil {
					t.Fatalf("ParseACL() error = %v", err)
				}
				l.peer.owner.HandleACL(l.peer, pkt)
			}
			if l.free < 8 {
				l.free = 8
				l.owner.LinkWritable(l)
			}
		}
		p.loop.RunOnce()
		if !moved {
			return
		}
	}
	t.Fatal("pump did not settle")
}

// acceptAll accepts every incoming connection on s.
func acceptAll(s *Service, r *recorder) {
	r.onEvent = func(packet []byte) {
		if ev, ok := ParseIncomingConnection(packet); ok {
			s.AcceptConnection(ev.LocalCID)
		}
	}
}

func openChannel(t *testing.T, p *testPair, ra, rb *recorder) (uint16, uint16) {
	t.Helper()
	acceptAll(p.b, rb)
	if st := p.b.RegisterService(rb.handler, 0x1001, 200); st != hci.StatusSuccess {
		t.Fatalf("RegisterService() = %v", st)
	}
	cid, st := p.a.CreateChannel(ra.handler, p.addrB, 0x1001, 100)
	if st != hci.StatusSuccess {
		t.Fatalf("CreateChannel() = %v", st)
	}
	p.pump(t)

	oa, ok := ra.opened()
	if !ok || oa.Status != hci.StatusSuccess {
		t.Fatalf("initiator CHANNEL_OPENED = %+v, %v", oa, ok)
	}
	ob, ok := rb.opened()
	if !ok || ob.Status != hci.StatusSuccess || !ob.Incoming {
		t.Fatalf("acceptor CHANNEL_OPENED = %+v, %v", ob, ok)
	}
	if oa.LocalCID != cid {
		t.Errorf("opened cid = 0x%04X, want 0x%04X", oa.LocalCID, cid)
	}
	return cid, ob.LocalCID
}

func TestNewRequiresRunLoop(t *testing.T) {
	if _, err := New(Config{}); err != ErrNoRunLoop {
		t.Errorf("New() error = %v, want %v", err, ErrNoRunLoop)
	}
}

func TestServiceRegistry(t *testing.T) {
	p := newTestPair(t, 8)
	var r recorder
	if st := p.a.RegisterService(r.handler, PSMRFCOMM, 0); st != hci.StatusSuccess {
		t.Fatalf("RegisterService() = %v", st)
	}
	if st := p.a.RegisterService(r.handler, PSMRFCOMM, 0); st != hci.StatusL2CAPServiceAlreadyRegistered {
		t.Errorf("duplicate RegisterService() = %v", st)
	}
	if st := p.a.UnregisterService(PSMRFCOMM); st != hci.StatusSuccess {
		t.Errorf("UnregisterService() = %v", st)
	}
	if st := p.a.UnregisterService(PSMRFCOMM); st != hci.StatusL2CAPServiceDoesNotExist {
		t.Errorf("second UnregisterService() = %v", st)
	}
}

func TestOpenSendClose(t *testing.T) {
	p := newTestPair(t, 8)
	var ra, rb recorder
	cidA, cidB := openChannel(t, p, &ra, &rb)

	if got := p.a.RemoteMTU(cidA); got != 200 {
		t.Errorf("initiator RemoteMTU() = %d, want 200", got)
	}
	if got := p.b.RemoteMTU(cidB); got != 100 {
		t.Errorf("acceptor RemoteMTU() = %d, want 100", got)
	}

	if st := p.a.Send(cidA, []byte("hello")); st != hci.StatusSuccess {
		t.Fatalf("Send() = %v", st)
	}
	if st := p.a.Send(cidA, make([]byte, 201)); st != hci.StatusL2CAPDataLenExceedsRemoteMTU {
		t.Errorf("oversized Send() = %v", st)
	}
	if st := p.a.Send(0x7777, []byte{1}); st != hci.StatusL2CAPLocalCIDDoesNotExist {
		t.Errorf("Send(unknown) = %v", st)
	}
	p.pump(t)
	if len(rb.data) != 1 || !bytes.Equal(rb.data[0], []byte("hello")) {
		t.Fatalf("acceptor data = %q", rb.data)
	}

	if st := p.a.Disconnect(cidA); st != hci.StatusSuccess {
		t.Fatalf("Disconnect() = %v", st)
	}
	p.pump(t)
	if ra.count(EventChannelClosed) != 1 || rb.count(EventChannelClosed) != 1 {
		t.Errorf("CHANNEL_CLOSED counts = %d, %d, want 1, 1", ra.count(EventChannelClosed), rb.count(EventChannelClosed))
	}
	if p.a.ChannelState(cidA) != StateClosed {
		t.Errorf("ChannelState() = %v, want Closed", p.a.ChannelState(cidA))
	}
}

func TestConnectionRefused(t *testing.T) {
	t.Run("unregistered psm", func(t *testing.T) {
		p := newTestPair(t, 8)
		var r recorder
		p.a.CreateChannel(r.handler, p.addrB, 0x2001, 0)
		p.pump(t)
		o, ok := r.opened()
		if !ok || o.Status != hci.StatusL2CAPConnectionRefusedPSM {
			t.Errorf("CHANNEL_OPENED = %+v, want refused psm", o)
		}
	})

	t.Run("declined", func(t *testing.T) {
		p := newTestPair(t, 8)
		var ra, rb recorder
		rb.onEvent = func(packet []byte) {
			if ev, ok := ParseIncomingConnection(packet); ok {
				p.b.DeclineConnection(ev.LocalCID)
			}
		}
		p.b.RegisterService(rb.handler, 0x1003, 0)
		p.a.CreateChannel(ra.handler, p.addrB, 0x1003, 0)
		p.pump(t)
		o, ok := ra.opened()
		if !ok || o.Status != hci.StatusL2CAPConnectionRefusedResources {
			t.Errorf("CHANNEL_OPENED = %+v, want refused resources", o)
		}
		if rb.count(EventChannelOpened) != 0 {
			t.Error("declined side emitted CHANNEL_OPENED")
		}
	})
}

func TestRTXTimeout(t *testing.T) {
	p := newTestPair(t, 8)
	p.la.drop = true
	var r recorder
	p.a.CreateChannel(r.handler, p.addrB, 0x1001, 0)
	p.pump(t)
	if _, ok := r.opened(); ok {
		t.Fatal("CHANNEL_OPENED before timeout")
	}

	p.clock.Advance(DefaultRTXTimeout + time.Millisecond)
	p.loop.RunOnce()
	o, ok := r.opened()
	if !ok || o.Status != hci.StatusL2CAPConnectionRTXTimeout {
		t.Errorf("CHANNEL_OPENED = %+v, want rtx timeout", o)
	}
}

func TestLinkLossClosesChannels(t *testing.T) {
	p := newTestPair(t, 8)
	var ra, rb recorder
	cidA, _ := openChannel(t, p, &ra, &rb)

	var rc recorder
	pending, _ := p.a.CreateChannel(rc.handler, p.addrB, 0x1001, 0)

	p.a.LinkDisconnected(p.la, hci.StatusConnectionTimeout)
	if ra.count(EventChannelClosed) != 1 {
		t.Errorf("open channel CHANNEL_CLOSED = %d, want 1", ra.count(EventChannelClosed))
	}
	if o, ok := rc.opened(); !ok || o.Status != hci.StatusConnectionTimeout {
		t.Errorf("pending channel CHANNEL_OPENED = %+v, want connection timeout", o)
	}
	if p.a.ChannelState(cidA) != StateClosed || p.a.ChannelState(pending) != StateClosed {
		t.Error("channels survived link loss")
	}
}

func TestCanSendNow(t *testing.T) {
	p := newTestPair(t, 8)
	var ra, rb recorder
	cidA, _ := openChannel(t, p, &ra, &rb)

	p.la.free = 0
	if p.a.CanSendPacketNow(cidA) {
		t.Fatal("CanSendPacketNow() = true with no buffers")
	}
	if st := p.a.Send(cidA, []byte{1}); st != hci.StatusBTStackACLBuffersFull {
		t.Errorf("Send() = %v, want acl buffers full", st)
	}
	p.a.RequestCanSendNowEvent(cidA)
	p.loop.RunOnce()
	if ra.count(EventCanSendNow) != 0 {
		t.Fatal("CAN_SEND_NOW without free buffer")
	}

	p.la.free = 1
	p.a.LinkWritable(p.la)
	if ra.count(EventCanSendNow) != 1 {
		t.Fatalf("CAN_SEND_NOW count = %d, want 1", ra.count(EventCanSendNow))
	}
	p.a.LinkWritable(p.la)
	if ra.count(EventCanSendNow) != 1 {
		t.Error("CAN_SEND_NOW emitted twice for one request")
	}
}

func TestNoConnectorFailsWithPageTimeout(t *testing.T) {
	p := newTestPair(t, 8)
	var r recorder
	_, st := p.a.CreateChannel(r.handler, hci.MustParseAddr("00:00:00:00:00:99"), 0x1001, 0)
	if st != hci.StatusSuccess {
		t.Fatalf("CreateChannel() = %v", st)
	}
	if _, ok := r.opened(); ok {
		t.Fatal("CHANNEL_OPENED emitted synchronously")
	}
	p.loop.RunOnce()
	if o, ok := r.opened(); !ok || o.Status != hci.StatusPageTimeout {
		t.Errorf("CHANNEL_OPENED = %+v, want page timeout", o)
	}
}

func TestConnectorDefersUntilLink(t *testing.T) {
	clock := runloop.NewManualClock()
	loop := runloop.NewEmbedded(runloop.EmbeddedConfig{Clock: clock})
	var dialed []hci.Addr
	s, _ := New(Config{RunLoop: loop, Connector: func(addr hci.Addr) { dialed = append(dialed, addr) }})

	target := hci.MustParseAddr("00:00:00:00:00:0C")
	var r recorder
	cid, _ := s.CreateChannel(r.handler, target, 0x1001, 0)
	if len(dialed) != 1 || dialed[0] != target {
		t.Fatalf("connector calls = %v", dialed)
	}
	if s.ChannelState(cid) != StateWaitConnectionComplete {
		t.Fatalf("ChannelState() = %v", s.ChannelState(cid))
	}

	l := &fakeLink{handle: 3, remote: target, aclSize: 64, free: 8, owner: s}
	s.LinkConnected(l)
	if s.ChannelState(cid) != StateWaitConnectResponse {
		t.Errorf("ChannelState() after link = %v", s.ChannelState(cid))
	}
	if len(l.queue) != 1 {
		t.Fatalf("queued fragments = %d, want 1 connection request", len(l.queue))
	}

	var r2 recorder
	s.CreateChannel(r2.handler, hci.MustParseAddr("00:00:00:00:00:0D"), 0x1001, 0)
	s.LinkFailed(hci.MustParseAddr("00:00:00:00:00:0D"), hci.StatusPageTimeout)
	if o, ok := r2.opened(); !ok || o.Status != hci.StatusPageTimeout {
		t.Errorf("CHANNEL_OPENED = %+v, want page timeout", o)
	}
}

func TestFragmentedSDU(t *testing.T) {
	p := newTestPair(t, 8)
	p.la.aclSize = 27
	var ra, rb recorder
	cidA, _ := openChannel(t, p, &ra, &rb)

	payload := bytes.Repeat([]byte("0123456789"), 15)
	if st := p.a.Send(cidA, payload); st != hci.StatusSuccess {
		t.Fatalf("Send() = %v", st)
	}
	if len(p.la.queue) < 2 {
		t.Fatalf("fragments = %d, want several", len(p.la.queue))
	}
	p.pump(t)
	if len(rb.data) != 1 || !bytes.Equal(rb.data[0], payload) {
		t.Errorf("reassembled %d SDUs", len(rb.data))
	}
}

func TestEchoAndUnknownSignal(t *testing.T) {
	p := newTestPair(t, 8)
	p.b.queueSignal(p.b.connForLink(p.lb), signal{code: sigEchoRequest, id: 9, data: []byte("echo")})
	p.b.queueSignal(p.b.connForLink(p.lb), signal{code: 0x7E, id: 10})
	p.b.flush(p.b.connForLink(p.lb))

	// Capture A's answers instead of delivering them.
	var answers []signal
	for _, frag := range p.lb.queue {
		pkt, _ := hci.ParseACL(frag)
		p.a.HandleACL(p.la, pkt)
	}
	p.lb.queue = nil
	for _, frag := range p.la.queue {
		pkt, _ := hci.ParseACL(frag)
		sigs, err := parseSignals(pkt.Data[hci.L2CAPHeaderSize:])
		if err != nil {
			t.Fatalf("parseSignals() error = %v", err)
		}
		answers = append(answers, sigs...)
	}

	if len(answers) != 2 {
		t.Fatalf("answers = %d, want 2", len(answers))
	}
	if answers[0].code != sigEchoResponse || answers[0].id != 9 || string(answers[0].data) != "echo" {
		t.Errorf("echo answer = %+v", answers[0])
	}
	if answers[1].code != sigCommandReject || answers[1].id != 10 || field(answers[1].data, 0) != rejectNotUnderstood {
		t.Errorf("reject answer = %+v", answers[1])
	}
}

func TestConfigOptions(t *testing.T) {
	tests := []struct {
		name        string
		opts        []byte
		wantMTU     uint16
		wantUnknown bool
	}{
		{"mtu", []byte{0x01, 0x02, 0x00, 0x04}, 1024, false},
		{"hint skipped", []byte{0x85, 0x01, 0xFF, 0x01, 0x02, 0x30, 0x00}, 48, false},
		{"unknown", []byte{0x07, 0x01, 0x00}, 0, true},
		{"truncated", []byte{0x01, 0x02, 0x00}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mtu, unknown := configOptions(tt.opts)
			if mtu != tt.wantMTU || unknown != tt.wantUnknown {
				t.Errorf("configOptions() = %d, %v, want %d, %v", mtu, unknown, tt.wantMTU, tt.wantUnknown)
			}
		})
	}
}
