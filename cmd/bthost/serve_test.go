package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/backkem/bthost/pkg/avrcp"
	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/rfcomm"
	"github.com/backkem/bthost/pkg/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// syncBuffer is a bytes.Buffer safe for the run loop to write while the
// test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func invoke(t *testing.T, s *stack.Stack, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, s.Invoke(ctx, fn))
}

func receive[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	v, err := wait(context.Background(), ch, testTimeout, what)
	require.NoError(t, err)
	return v
}

func newLinkedPair(t *testing.T) *stack.Pair {
	t.Helper()
	pair, err := stack.StackPair(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { pair.Stop() })

	for _, link := range []struct {
		s    *stack.Stack
		peer hci.Addr
	}{{pair.A, stack.TestAddrB}, {pair.B, stack.TestAddrA}} {
		require.Eventually(t, func() bool {
			var up bool
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err := link.s.Invoke(ctx, func() { _, up = link.s.L2CAP().ConnHandleForAddr(link.peer) })
			return err == nil && up
		}, testTimeout, 10*time.Millisecond, "link to %s", link.peer)
	}
	return pair
}

func TestEchoServer(t *testing.T) {
	pair := newLinkedPair(t)

	var serverOut, clientOut syncBuffer
	echo := newEchoServer(pair.B.RFCOMM(), newPrinter(&serverOut))
	var st hci.Status
	invoke(t, pair.B, func() { st = pair.B.ServeRFCOMM(echo.handler, 1, 0, "echo") })
	require.True(t, st.OK(), "ServeRFCOMM() = %s", st)

	client := newRFCOMMClient(pair.A.RFCOMM(), newPrinter(&clientOut))
	var cid uint16
	invoke(t, pair.A, func() { cid, st = pair.A.OpenRFCOMM(client.handler, stack.TestAddrB, 1) })
	require.True(t, st.OK(), "OpenRFCOMM() = %s", st)

	opened := receive[rfcomm.ChannelOpened](t, client.opened, "channel opened")
	require.True(t, opened.Status.OK(), "CHANNEL_OPENED status = %s", opened.Status)
	assert.Equal(t, cid, opened.CID)

	for _, line := range []string{"ping\n", "pong\n"} {
		invoke(t, pair.A, func() { client.queue(cid, []byte(line)) })
	}
	require.Eventually(t, func() bool {
		out := clientOut.String()
		return strings.Contains(out, `"ping\n"`) && strings.Contains(out, `"pong\n"`)
	}, testTimeout, 10*time.Millisecond, "echo of both lines")
	assert.Contains(t, serverOut.String(), "incoming "+stack.TestAddrA.String())

	invoke(t, pair.A, func() { pair.A.RFCOMM().Disconnect(cid) })
	receive[struct{}](t, client.closed, "channel closed")
}

func TestPlayerAndRemote(t *testing.T) {
	pair := newLinkedPair(t)

	var targetOut, controllerOut syncBuffer
	p := newPlayer(pair.B.Target(), newPrinter(&targetOut))
	r := newRemote(pair.A.Controller(), newPrinter(&controllerOut))
	invoke(t, pair.B, func() { pair.B.AVRCP().RegisterPacketHandler(p.handler) })

	var st hci.Status
	invoke(t, pair.A, func() {
		pair.A.AVRCP().RegisterPacketHandler(r.handler)
		r.cid, st = pair.A.AVRCP().Connect(stack.TestAddrB)
	})
	require.True(t, st.OK(), "Connect() = %s", st)

	ev := receive[avrcp.ConnectionEstablished](t, r.established, "connection")
	require.True(t, ev.Status.OK(), "CONNECTION_ESTABLISHED status = %s", ev.Status)
	assert.Equal(t, stack.TestAddrB, ev.Addr)

	invoke(t, pair.A, func() { st = r.controller.Play(r.cid) })
	require.True(t, st.OK(), "Play() = %s", st)
	receive[struct{}](t, r.operated, "play")
	require.Eventually(t, func() bool {
		return strings.Contains(targetOut.String(), "PLAY")
	}, testTimeout, 10*time.Millisecond)

	invoke(t, pair.A, func() { st = r.controller.GetPlayStatus(r.cid) })
	require.True(t, st.OK(), "GetPlayStatus() = %s", st)
	receive[struct{}](t, r.playStatus, "play status")
	assert.Contains(t, controllerOut.String(), "PLAYING")

	invoke(t, pair.A, func() { st = r.controller.GetNowPlayingInfo(r.cid) })
	require.True(t, st.OK(), "GetNowPlayingInfo() = %s", st)
	receive[struct{}](t, r.nowPlaying, "now playing")
	assert.Contains(t, controllerOut.String(), `"Virtual Link" by "bthost"`)
}

func TestPlayerPosition(t *testing.T) {
	p := newPlayer(nil, newPrinter(&syncBuffer{}))
	start := p.since

	assert.Equal(t, time.Duration(0), p.positionAt(start.Add(time.Minute)), "paused player must not advance")

	p.status = avrcp.PlaybackPlaying
	assert.Equal(t, 90*time.Second, p.positionAt(start.Add(90*time.Second)))

	length := time.Duration(demoTrack.SongLengthMs) * time.Millisecond
	assert.Equal(t, 5*time.Second, p.positionAt(start.Add(length+5*time.Second)))
}

func TestFormatMs(t *testing.T) {
	assert.Equal(t, "0:00", formatMs(0))
	assert.Equal(t, "3:35", formatMs(215000))
	assert.Equal(t, "61:01", formatMs(3661000))
}

func TestRemoteCommandTimeout(t *testing.T) {
	var out syncBuffer
	r := newRemote(nil, newPrinter(&out))

	packet := hci.NewMetaEvent(avrcp.EventAVRCPMeta, avrcp.SubeventCommandTimeout, 0x0041).
		U8(uint8(hci.StatusConnectionTimeout)).
		U8(uint8(avrcp.OpcodeVendorDependent)).
		U8(uint8(avrcp.PDUGetPlayStatus)).
		U8(0).
		Bytes()
	r.handler(hci.EventPacket, 0x0041, packet)

	receive[struct{}](t, r.playStatus, "play status")
	ev := receive[avrcp.CommandTimeout](t, r.timedOut, "timeout")
	assert.Equal(t, hci.StatusConnectionTimeout, ev.Status)
	assert.Equal(t, avrcp.PDUGetPlayStatus, ev.PDU)
	assert.Contains(t, out.String(), "no response")
}
