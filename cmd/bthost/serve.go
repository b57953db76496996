package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/backkem/bthost/pkg/avrcp"
	"github.com/backkem/bthost/pkg/discovery"
	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/rfcomm"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept links and serve RFCOMM echo and an AVRCP target",
	Long: `Listens for virtual ACL links, advertises the endpoint over DNS-SD and serves:

- an RFCOMM echo service on the configured server channel
- an AVRCP target that prints received pass-through operations`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", net.JoinHostPort("", strconv.Itoa(discovery.DefaultPort)), "TCP address for incoming links")
	serveCmd.Flags().Uint8("channel", 1, "RFCOMM server channel of the echo service")
}

func runServe(cmd *cobra.Command, args []string) error {
	listen, _ := cmd.Flags().GetString("listen")
	a, err := newApp(cmd, listen)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	return a.run(cmd.Context(), func(ctx context.Context) error {
		echo := newEchoServer(a.stack.RFCOMM(), a.out)
		player := newPlayer(a.stack.Target(), a.out)

		var st hci.Status
		err := a.invoke(ctx, func() {
			a.stack.AVRCP().RegisterPacketHandler(player.handler)
			st = a.stack.ServeRFCOMM(echo.handler, a.cfg.RFCOMM.Channel, 0, "bthost echo")
		})
		if err != nil {
			return err
		}
		if err := status("serve RFCOMM", st); err != nil {
			return err
		}

		a.out.Event("serving", "%s %q on %s, RFCOMM channel %d", a.stack.LocalAddr(), a.stack.Name(),
			a.stack.ListenAddr(), a.cfg.RFCOMM.Channel)
		<-ctx.Done()
		return nil
	})
}

// outbox queues RFCOMM payloads until the channel can take them. It runs
// on the run loop.
type outbox struct {
	rfcomm  *rfcomm.Service
	out     *printer
	pending map[uint16][][]byte
}

func newOutbox(s *rfcomm.Service, out *printer) *outbox {
	return &outbox{rfcomm: s, out: out, pending: make(map[uint16][][]byte)}
}

func (o *outbox) queue(cid uint16, data []byte) {
	o.pending[cid] = append(o.pending[cid], bytes.Clone(data))
	o.flush(cid)
}

func (o *outbox) drop(cid uint16) {
	delete(o.pending, cid)
}

func (o *outbox) flush(cid uint16) {
	q := o.pending[cid]
	for len(q) > 0 {
		if !o.rfcomm.CanSendPacketNow(cid) {
			o.rfcomm.RequestCanSendNowEvent(cid)
			break
		}
		st := o.rfcomm.Send(cid, q[0])
		if st == hci.StatusBTStackACLBuffersFull {
			o.rfcomm.RequestCanSendNowEvent(cid)
			break
		}
		if !st.OK() {
			o.out.Warn("send", "channel %d: %s", cid, st)
		}
		q = q[1:]
	}
	if len(q) == 0 {
		delete(o.pending, cid)
		return
	}
	o.pending[cid] = q
}

// echoServer sends every RFCOMM payload back on the channel it came from.
type echoServer struct {
	*outbox
}

func newEchoServer(s *rfcomm.Service, out *printer) *echoServer {
	return &echoServer{outbox: newOutbox(s, out)}
}

func (e *echoServer) handler(packetType hci.PacketType, channel uint16, packet []byte) {
	if packetType == hci.RFCOMMDataPacket {
		e.out.Data(fmt.Sprintf("rx %d", channel), packet)
		e.queue(channel, packet)
		return
	}
	if packetType != hci.EventPacket {
		return
	}

	if ev, ok := rfcomm.ParseIncomingConnection(packet); ok {
		e.out.Event("rfcomm", "incoming %s channel %d", ev.Addr, ev.ServerChannel)
		e.rfcomm.AcceptConnection(ev.CID)
		return
	}
	if ev, ok := rfcomm.ParseChannelOpened(packet); ok {
		if ev.Status.OK() {
			e.out.Event("rfcomm", "channel %d open to %s, frame size %d", ev.CID, ev.Addr, ev.MaxFrameSize)
		}
		return
	}
	if cid, ok := rfcomm.ParseChannelClosed(packet); ok {
		e.drop(cid)
		e.out.Event("rfcomm", "channel %d closed", cid)
		return
	}
	if cid, ok := rfcomm.ParseCanSendNow(packet); ok {
		e.flush(cid)
	}
}

// demoTrack is what the target reports as playing.
var demoTrack = avrcp.Track{
	ID:           [8]byte{0, 0, 0, 0, 0, 0, 0, 1},
	Title:        "Virtual Link",
	Artist:       "bthost",
	Album:        "Loopback Sessions",
	Genre:        "Ambient",
	Number:       1,
	SongLengthMs: 215000,
}

// player is a minimal media player behind the AVRCP target. It runs on
// the run loop.
type player struct {
	target *avrcp.Target
	out    *printer

	status   avrcp.PlaybackStatus
	position time.Duration
	since    time.Time
}

func newPlayer(target *avrcp.Target, out *printer) *player {
	return &player{target: target, out: out, status: avrcp.PlaybackPaused, since: time.Now()}
}

// positionAt returns the song position at now, wrapping at the end of the
// track.
func (p *player) positionAt(now time.Time) time.Duration {
	pos := p.position
	if p.status == avrcp.PlaybackPlaying {
		pos += now.Sub(p.since)
	}
	return pos % (time.Duration(demoTrack.SongLengthMs) * time.Millisecond)
}

func (p *player) setStatus(cid uint16, status avrcp.PlaybackStatus) {
	now := time.Now()
	p.position = p.positionAt(now)
	p.since = now
	if status == avrcp.PlaybackStopped {
		p.position = 0
	}
	p.status = status
	p.target.SetPlaybackStatus(cid, status)
}

func (p *player) handler(packetType hci.PacketType, channel uint16, packet []byte) {
	if packetType != hci.EventPacket {
		return
	}

	switch avrcp.Subevent(packet) {
	case avrcp.SubeventConnectionEstablished:
		ev, ok := avrcp.ParseConnectionEstablished(packet)
		if !ok {
			return
		}
		if !ev.Status.OK() {
			p.out.Warn("avrcp", "connection to %s failed: %s", ev.Addr, ev.Status)
			return
		}
		p.out.Event("avrcp", "connected to %s, cid %d", ev.Addr, ev.CID)
		p.target.SupportEvent(ev.CID, avrcp.NotificationPlaybackStatusChanged)
		p.target.SupportEvent(ev.CID, avrcp.NotificationTrackChanged)
		track := demoTrack
		p.target.SetNowPlayingInfo(ev.CID, &track, 1)
		p.target.SetPlaybackStatus(ev.CID, p.status)

	case avrcp.SubeventConnectionReleased:
		if cid, ok := avrcp.ParseConnectionReleased(packet); ok {
			p.out.Event("avrcp", "cid %d released", cid)
		}

	case avrcp.SubeventPlayStatusQuery:
		pos := p.positionAt(time.Now())
		p.target.PlayStatus(hci.MetaCID(packet), demoTrack.SongLengthMs, uint32(pos.Milliseconds()), p.status)

	case avrcp.SubeventOperation:
		ev, ok := avrcp.ParseOperation(packet)
		if !ok || !ev.Pressed {
			return
		}
		p.out.Event("operation", "%s", ev.Operation)
		switch ev.Operation {
		case avrcp.OperationPlay:
			p.setStatus(ev.CID, avrcp.PlaybackPlaying)
		case avrcp.OperationPause:
			p.setStatus(ev.CID, avrcp.PlaybackPaused)
		case avrcp.OperationStop:
			p.setStatus(ev.CID, avrcp.PlaybackStopped)
		}
	}
}
