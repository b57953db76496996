package sdp

import (
	"testing"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	addr := hci.MustParseAddr("00:00:00:00:00:01")

	h := r.Register(addr, SerialPortRecord(3, "echo"))
	r.Register(addr, AVRCPTargetRecord(0x0001))
	r.Register(addr, AVRCPControllerRecord(0x0001))

	if got := r.Lookup(addr, ServiceClassSerialPort); len(got) != 1 || got[0].RFCOMMChannel != 3 || got[0].Handle != h {
		t.Errorf("Lookup(serial) = %+v", got)
	}
	if got := r.Lookup(addr, ServiceClassAVRemoteControl); len(got) != 1 || got[0].ServiceClass != ServiceClassAVRemoteControl {
		t.Errorf("Lookup(av remote) = %+v", got)
	}
	if !r.Unregister(addr, h) || r.Unregister(addr, h) {
		t.Error("Unregister() did not report removal exactly once")
	}
	if got := r.Lookup(addr, ServiceClassSerialPort); len(got) != 0 {
		t.Errorf("Lookup() after Unregister = %+v", got)
	}

	other := hci.MustParseAddr("00:00:00:00:00:02")
	r.SetDefaults(AVRCPTargetRecord(0))
	if got := r.Lookup(other, ServiceClassAVRemoteControlTarget); len(got) != 1 {
		t.Errorf("Lookup() with defaults = %+v", got)
	}
}

func TestClientQuery(t *testing.T) {
	loop := runloop.NewEmbedded(runloop.EmbeddedConfig{Clock: runloop.NewManualClock()})
	c, err := NewClient(ClientConfig{RunLoop: loop})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	addr := hci.MustParseAddr("00:00:00:00:00:01")
	c.Registry().Register(addr, AVRCPTargetRecord(0))

	var got []Record
	var status hci.Status = 0xFF
	if st := c.Query(addr, ServiceClassAVRemoteControlTarget, func(r []Record, s hci.Status) { got, status = r, s }); st != hci.StatusSuccess {
		t.Fatalf("Query() = %v", st)
	}
	if st := c.Query(addr, ServiceClassAVRemoteControlTarget, func([]Record, hci.Status) {}); st != hci.StatusSDPQueryBusy {
		t.Errorf("second Query() = %v, want busy", st)
	}
	if status != 0xFF {
		t.Fatal("query completed synchronously")
	}

	loop.RunOnce()
	if status != hci.StatusSuccess || len(got) != 1 || got[0].L2CAPPSM != 0x0017 {
		t.Errorf("result = %+v, %v", got, status)
	}

	c.Query(addr, ServiceClassSerialPort, func(r []Record, s hci.Status) { got, status = r, s })
	loop.RunOnce()
	if status != hci.StatusSDPServiceNotFound || len(got) != 0 {
		t.Errorf("missing service result = %+v, %v", got, status)
	}

	if _, err := NewClient(ClientConfig{}); err != ErrNoRunLoop {
		t.Errorf("NewClient() error = %v, want %v", err, ErrNoRunLoop)
	}
}
