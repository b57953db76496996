package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/rfcomm"
	"github.com/backkem/bthost/pkg/stack"
	"github.com/spf13/cobra"
)

// closeTimeout bounds the wait for the channel to close after stdin ends.
const closeTimeout = 2 * time.Second

var connectCmd = &cobra.Command{
	Use:   "connect <addr>",
	Short: "Open an RFCOMM channel and send lines from stdin",
	Long: `Connects to the stack with the given device address, opens an RFCOMM channel
and sends every line read from stdin. Data received on the channel is printed.

The peer endpoint comes from --endpoint, the peer store or a DNS-SD lookup.`,
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().String("endpoint", "", "TCP endpoint of the peer (host:port)")
	connectCmd.Flags().Uint8("channel", 1, "RFCOMM server channel on the peer")
}

func runConnect(cmd *cobra.Command, args []string) error {
	peer, err := hci.ParseAddr(args[0])
	if err != nil {
		return err
	}
	endpoint, _ := cmd.Flags().GetString("endpoint")

	a, err := newApp(cmd, stack.DefaultListenAddr)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	return a.run(cmd.Context(), func(ctx context.Context) error {
		if endpoint != "" {
			if err := rememberEndpoint(a.stack.Storage(), peer, endpoint); err != nil {
				return err
			}
		}

		c := newRFCOMMClient(a.stack.RFCOMM(), a.out)
		var cid uint16
		var st hci.Status
		err := a.invoke(ctx, func() {
			cid, st = a.stack.OpenRFCOMM(c.handler, peer, a.cfg.RFCOMM.Channel)
		})
		if err != nil {
			return err
		}
		if err := status("open RFCOMM", st); err != nil {
			return err
		}

		select {
		case ev := <-c.opened:
			if err := status("open RFCOMM", ev.Status); err != nil {
				return err
			}
			a.out.Event("rfcomm", "channel %d open to %s, frame size %d", ev.CID, ev.Addr, ev.MaxFrameSize)
		case <-ctx.Done():
			return ctx.Err()
		}

		return c.pump(ctx, a, cid, cmd.InOrStdin())
	})
}

// rememberEndpoint stores endpoint as the address of peer so the stack
// dials it without a lookup.
func rememberEndpoint(storage stack.Storage, addr hci.Addr, endpoint string) error {
	p, err := storage.LoadPeer(addr)
	if errors.Is(err, stack.ErrPeerNotFound) {
		p = stack.Peer{Addr: addr}
	} else if err != nil {
		return err
	}
	p.Endpoint = endpoint
	return storage.SavePeer(p)
}

// rfcommClient prints what arrives on an outgoing channel and reports its
// lifecycle to the command goroutine.
type rfcommClient struct {
	*outbox
	opened chan rfcomm.ChannelOpened
	closed chan struct{}
}

func newRFCOMMClient(s *rfcomm.Service, out *printer) *rfcommClient {
	return &rfcommClient{
		outbox: newOutbox(s, out),
		opened: make(chan rfcomm.ChannelOpened, 1),
		closed: make(chan struct{}),
	}
}

func (c *rfcommClient) handler(packetType hci.PacketType, channel uint16, packet []byte) {
	if packetType == hci.RFCOMMDataPacket {
		c.out.Data("rx", packet)
		return
	}
	if packetType != hci.EventPacket {
		return
	}

	if ev, ok := rfcomm.ParseChannelOpened(packet); ok {
		c.opened <- ev
		return
	}
	if cid, ok := rfcomm.ParseChannelClosed(packet); ok {
		c.drop(cid)
		select {
		case <-c.closed:
		default:
			close(c.closed)
		}
		return
	}
	if cid, ok := rfcomm.ParseCanSendNow(packet); ok {
		c.flush(cid)
	}
}

// pump sends lines from in until it ends, the channel closes or ctx is
// done.
func (c *rfcommClient) pump(ctx context.Context, a *app, cid uint16, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text() + "\n":
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case line := <-lines:
			if err := a.invoke(ctx, func() { c.queue(cid, []byte(line)) }); err != nil {
				return err
			}
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			return c.close(ctx, a, cid)
		case <-c.closed:
			a.out.Event("rfcomm", "channel %d closed by peer", cid)
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// close waits for queued lines to go out, then disconnects the channel.
func (c *rfcommClient) close(ctx context.Context, a *app, cid uint16) error {
	deadline := time.Now().Add(closeTimeout)
	for time.Now().Before(deadline) {
		var queued bool
		if err := a.invoke(ctx, func() { queued = len(c.pending[cid]) > 0 }); err != nil {
			return err
		}
		if !queued {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := a.invoke(ctx, func() { a.stack.RFCOMM().Disconnect(cid) }); err != nil {
		return err
	}
	select {
	case <-c.closed:
		a.out.Event("rfcomm", "channel %d closed", cid)
	case <-time.After(closeTimeout):
	case <-ctx.Done():
	}
	return nil
}
