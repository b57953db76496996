//go:build linux || darwin

package stack

import (
	"testing"

	"github.com/backkem/bthost/pkg/runloop"
)

func TestStackDrivesPOSIXLoop(t *testing.T) {
	loop, err := runloop.NewPOSIX(runloop.POSIXConfig{})
	if err != nil {
		t.Fatalf("NewPOSIX() error = %v", err)
	}

	// Cleanups run last-in first-out, so this one follows Stop.
	t.Cleanup(func() { loop.Close() })

	config := TestConfig(TestAddrA)
	config.RunLoop = loop
	config.DriveRunLoop = true
	a, b := startTCPPair(t, config)

	if !a.ownsLoop || a.RunLoop() != loop {
		t.Fatal("stack does not drive the provided loop")
	}

	if err := a.Storage().SavePeer(Peer{Addr: TestAddrB, Endpoint: b.ListenAddr().String()}); err != nil {
		t.Fatalf("SavePeer() error = %v", err)
	}
	openEcho(t, a, b)
}

func TestStackLeavesProvidedLoop(t *testing.T) {
	loop, err := runloop.NewPOSIX(runloop.POSIXConfig{})
	if err != nil {
		t.Fatalf("NewPOSIX() error = %v", err)
	}
	defer loop.Close()

	config := TestConfig(TestAddrA)
	config.RunLoop = loop
	s, err := New(config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.ownsLoop {
		t.Error("stack owns a provided loop without DriveRunLoop")
	}
}
