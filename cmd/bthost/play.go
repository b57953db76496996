package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/backkem/bthost/pkg/avrcp"
	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/stack"
	"github.com/spf13/cobra"
)

// passThrough maps operation names to controller commands.
var passThrough = map[string]func(*avrcp.Controller, uint16) hci.Status{
	"play":         (*avrcp.Controller).Play,
	"pause":        (*avrcp.Controller).Pause,
	"stop":         (*avrcp.Controller).Stop,
	"forward":      (*avrcp.Controller).Forward,
	"backward":     (*avrcp.Controller).Backward,
	"volume-up":    (*avrcp.Controller).VolumeUp,
	"volume-down":  (*avrcp.Controller).VolumeDown,
	"mute":         (*avrcp.Controller).Mute,
	"skip":         (*avrcp.Controller).Skip,
	"fast-forward": (*avrcp.Controller).FastForward,
	"rewind":       (*avrcp.Controller).Rewind,
}

func operationNames() string {
	var names []string
	for name := range passThrough {
		names = append(names, name)
	}
	slices.Sort(names)
	return strings.Join(names, ", ")
}

var playCmd = &cobra.Command{
	Use:   "play <addr> [operation]",
	Short: "Send an AVRCP pass-through command and show what is playing",
	Long: `Connects to the AVRCP target of the given device, sends one pass-through
operation (default: play) and prints the play status and the now playing
information.

Operations: ` + operationNames(),
	Args: cobra.RangeArgs(1, 2),
	RunE: runPlay,
}

func init() {
	playCmd.Flags().Duration("timeout", 10*time.Second, "Bound on each AVRCP response")
}

func runPlay(cmd *cobra.Command, args []string) error {
	peer, err := hci.ParseAddr(args[0])
	if err != nil {
		return err
	}
	opName := "play"
	if len(args) > 1 {
		opName = strings.ToLower(args[1])
	}
	op, ok := passThrough[opName]
	if !ok {
		return fmt.Errorf("unknown operation %q (want one of %s)", opName, operationNames())
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	a, err := newApp(cmd, stack.DefaultListenAddr)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	return a.run(cmd.Context(), func(ctx context.Context) error {
		r := newRemote(a.stack.Controller(), a.out)
		var st hci.Status
		err := a.invoke(ctx, func() {
			a.stack.AVRCP().RegisterPacketHandler(r.handler)
			r.cid, st = a.stack.AVRCP().Connect(peer)
		})
		if err != nil {
			return err
		}
		if err := status("connect AVRCP", st); err != nil {
			return err
		}
		defer a.invoke(context.Background(), func() { a.stack.AVRCP().Disconnect(r.cid) })

		ev, err := wait[avrcp.ConnectionEstablished](ctx, r.established, timeout, "connection")
		if err != nil {
			return err
		}
		if err := status("connect AVRCP", ev.Status); err != nil {
			return err
		}
		a.out.Event("avrcp", "connected to %s", ev.Addr)

		steps := []struct {
			name string
			send func(*avrcp.Controller, uint16) hci.Status
			done chan struct{}
		}{
			{opName, op, r.operated},
			{"play status", (*avrcp.Controller).GetPlayStatus, r.playStatus},
			{"now playing", (*avrcp.Controller).GetNowPlayingInfo, r.nowPlaying},
		}
		for _, step := range steps {
			if err := a.invoke(ctx, func() { st = step.send(r.controller, r.cid) }); err != nil {
				return err
			}
			if err := status(step.name, st); err != nil {
				return err
			}
			if _, err := wait[struct{}](ctx, step.done, timeout, step.name); err != nil {
				return err
			}
			select {
			case ev := <-r.timedOut:
				return fmt.Errorf("%s: %w", step.name, ev.Status.Err())
			default:
			}
		}
		return nil
	})
}

// wait receives one value from ch.
func wait[T any](ctx context.Context, ch <-chan T, timeout time.Duration, what string) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-time.After(timeout):
		return zero, fmt.Errorf("%s: no response within %s", what, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// remote prints controller events and signals the command goroutine when
// a response has arrived. It runs on the run loop.
type remote struct {
	controller *avrcp.Controller
	out        *printer
	cid        uint16

	established chan avrcp.ConnectionEstablished
	operated    chan struct{}
	playStatus  chan struct{}
	nowPlaying  chan struct{}
	timedOut    chan avrcp.CommandTimeout
}

func newRemote(controller *avrcp.Controller, out *printer) *remote {
	return &remote{
		controller:  controller,
		out:         out,
		established: make(chan avrcp.ConnectionEstablished, 1),
		operated:    make(chan struct{}, 1),
		playStatus:  make(chan struct{}, 1),
		nowPlaying:  make(chan struct{}, 1),
		timedOut:    make(chan avrcp.CommandTimeout, 1),
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *remote) handler(packetType hci.PacketType, channel uint16, packet []byte) {
	if packetType != hci.EventPacket {
		return
	}

	switch avrcp.Subevent(packet) {
	case avrcp.SubeventConnectionEstablished:
		if ev, ok := avrcp.ParseConnectionEstablished(packet); ok {
			select {
			case r.established <- ev:
			default:
			}
		}
	case avrcp.SubeventConnectionReleased:
		r.out.Event("avrcp", "connection released")
	case avrcp.SubeventOperationStart:
		if ev, ok := avrcp.ParseOperationStatus(packet); ok {
			r.out.Event("operation", "%s pressed: %s", ev.Operation, ev.CType)
		}
	case avrcp.SubeventOperationComplete:
		if ev, ok := avrcp.ParseOperationStatus(packet); ok {
			r.out.Event("operation", "%s released: %s", ev.Operation, ev.CType)
		}
		notify(r.operated)
	case avrcp.SubeventPlayStatus:
		if ev, ok := avrcp.ParsePlayStatus(packet); ok {
			r.out.Event("status", "%s at %s of %s", ev.Status, formatMs(ev.SongPositionMs), formatMs(ev.SongLengthMs))
		}
		notify(r.playStatus)
	case avrcp.SubeventNowPlayingInfo:
		if ev, ok := avrcp.ParseNowPlayingInfo(packet); ok {
			r.out.Event("playing", "%q by %q on %q (%s), track %d of %d, %s",
				ev.Title, ev.Artist, ev.Album, ev.Genre, ev.Track, ev.TotalTracks, formatMs(ev.SongLengthMs))
		}
	case avrcp.SubeventNowPlayingInfoDone:
		if _, st, ok := avrcp.ParseNowPlayingInfoDone(packet); ok && st != 0 {
			r.out.Warn("playing", "response aborted")
		}
		notify(r.nowPlaying)
	case avrcp.SubeventCommandTimeout:
		ev, ok := avrcp.ParseCommandTimeout(packet)
		if !ok {
			return
		}
		r.out.Warn("timeout", "%s %s: no response", ev.Opcode, ev.PDU)
		select {
		case r.timedOut <- ev:
		default:
		}
		switch {
		case ev.Opcode == avrcp.OpcodePassThrough:
			notify(r.operated)
		case ev.PDU == avrcp.PDUGetPlayStatus:
			notify(r.playStatus)
		case ev.PDU == avrcp.PDUGetElementAttributes:
			notify(r.nowPlaying)
		}
	}
}

// formatMs renders a song time as m:ss.
func formatMs(ms uint32) string {
	d := time.Duration(ms) * time.Millisecond
	return fmt.Sprintf("%d:%02d", int(d.Minutes()), int(d.Seconds())%60)
}
