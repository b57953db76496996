// Package stack assembles the layers of a bthost instance into one host.
//
// A Stack owns a run loop (or drives a caller-provided one), an L2CAP
// service, an SDP client, and the RFCOMM and AVRCP services on top. Links to
// other stacks are carried by a TCP transport; in-process peers can be
// attached with AttachLink, for example over the two ends of a
// transport.Pipe.
//
// # Basic Usage
//
//	s, err := stack.New(stack.Config{
//	    LocalAddr: hci.MustParseAddr("00:1B:DC:07:32:EF"),
//	    Name:      "Living Room",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := s.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Stop()
//
// All protocol calls must be made on the run loop goroutine. From other
// goroutines use Invoke:
//
//	s.Invoke(ctx, func() {
//	    s.Controller().Play(cid)
//	})
//
// # Connecting
//
// When L2CAP needs a link to an address it has none for, the stack dials
// the peer's endpoint. The endpoint comes from the peer Storage, or from a
// DNS-SD lookup when Discovery is enabled. Connected peers are remembered
// in Storage.
//
// # Lifecycle
//
//	Initialized -> Starting -> Running -> Stopping -> Stopped
package stack
