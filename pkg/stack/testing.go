package stack

import (
	"context"
	"errors"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/sdp"
	"github.com/backkem/bthost/pkg/transport"
)

// Test device addresses used by TestConfig and StackPair.
var (
	TestAddrA = hci.MustParseAddr("00:1B:DC:00:00:0A")
	TestAddrB = hci.MustParseAddr("00:1B:DC:00:00:0B")
)

// TestConfig returns a Config suitable for testing: loopback listener,
// in-memory storage and no discovery.
func TestConfig(addr hci.Addr) Config {
	return Config{
		LocalAddr:  addr,
		Name:       "Test " + addr.String(),
		ListenAddr: DefaultListenAddr,
		Storage:    NewMemoryStorage(),
	}
}

// Pair is two running stacks in one process joined by a transport.Pipe.
type Pair struct {
	A, B *Stack
	Pipe *transport.Pipe
}

// StackPair creates two started stacks that share an SDP registry and
// attaches them to the two ends of a pipe. The link handshake completes
// in the background.
//
// Example:
//
//	pair, _ := stack.StackPair(ctx)
//	defer pair.Stop()
func StackPair(ctx context.Context) (*Pair, error) {
	registry := sdp.NewRegistry()

	configA := TestConfig(TestAddrA)
	configA.SDPRegistry = registry
	a, err := New(configA)
	if err != nil {
		return nil, err
	}

	configB := TestConfig(TestAddrB)
	configB.SDPRegistry = registry
	b, err := New(configB)
	if err != nil {
		return nil, err
	}

	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	if err := b.Start(ctx); err != nil {
		a.Stop()
		return nil, err
	}

	p := &Pair{A: a, B: b, Pipe: transport.NewPipe()}
	if _, err := a.AttachLink(p.Pipe.Conn0()); err != nil {
		p.Stop()
		return nil, err
	}
	if _, err := b.AttachLink(p.Pipe.Conn1()); err != nil {
		p.Stop()
		return nil, err
	}
	return p, nil
}

// Stop stops both stacks and closes the pipe.
func (p *Pair) Stop() error {
	err := errors.Join(p.A.Stop(), p.B.Stop())
	p.Pipe.Close()
	return err
}
