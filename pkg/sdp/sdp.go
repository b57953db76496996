// Package sdp provides service lookup for the profile layers. Records are
// kept in a Registry shared by the stacks of one process; each stack queries
// it through a Client that completes queries on its own run loop.
package sdp

import (
	"errors"
	"sync"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
	"github.com/pion/logging"
)

// Service class UUIDs (16-bit).
const (
	ServiceClassSerialPort                uint16 = 0x1101
	ServiceClassAVRemoteControlTarget     uint16 = 0x110C
	ServiceClassAVRemoteControl           uint16 = 0x110E
	ServiceClassAVRemoteControlController uint16 = 0x110F
)

// ProtocolAVCTP is the AVCTP protocol UUID. A query for it matches every
// record reachable over the AVCTP PSM.
const ProtocolAVCTP uint16 = 0x0017

const psmAVCTP uint16 = 0x0017

// ErrNoRunLoop is returned when a Client is created without a run loop.
var ErrNoRunLoop = errors.New("sdp: no run loop configured")

// Record is one service record.
type Record struct {
	Handle            uint32
	ServiceClass      uint16
	Name              string
	RFCOMMChannel     uint8
	L2CAPPSM          uint16
	BrowsingPSM       uint16
	ProfileVersion    uint16
	SupportedFeatures uint16
}

// SerialPortRecord describes an RFCOMM server channel.
func SerialPortRecord(channel uint8, name string) Record {
	return Record{ServiceClass: ServiceClassSerialPort, RFCOMMChannel: channel, Name: name, L2CAPPSM: 0x0003}
}

// AVRCPTargetRecord describes an AVRCP target on the AVCTP PSM.
func AVRCPTargetRecord(features uint16) Record {
	return Record{
		ServiceClass:      ServiceClassAVRemoteControlTarget,
		Name:              "AVRCP Target",
		L2CAPPSM:          psmAVCTP,
		BrowsingPSM:       0x001B,
		ProfileVersion:    0x0106,
		SupportedFeatures: features,
	}
}

// AVRCPControllerRecord describes an AVRCP controller on the AVCTP PSM.
func AVRCPControllerRecord(features uint16) Record {
	return Record{
		ServiceClass:      ServiceClassAVRemoteControl,
		Name:              "AVRCP Controller",
		L2CAPPSM:          psmAVCTP,
		BrowsingPSM:       0x001B,
		ProfileVersion:    0x0106,
		SupportedFeatures: features,
	}
}

// matches reports whether r satisfies a query for uuid. The AV remote
// control class also matches the controller class for older records.
func (r Record) matches(uuid uint16) bool {
	if r.ServiceClass == uuid {
		return true
	}
	if uuid == ProtocolAVCTP {
		return r.L2CAPPSM == psmAVCTP
	}
	class := uuid
	return class == ServiceClassAVRemoteControl && r.ServiceClass == ServiceClassAVRemoteControlController
}

// Querier looks up services on a remote device. done runs on the run loop.
type Querier interface {
	Query(addr hci.Addr, serviceClass uint16, done func(records []Record, status hci.Status)) hci.Status
}

// Registry stores the records published by the devices of one process.
// Safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	records    map[hci.Addr][]Record
	defaults   []Record
	nextHandle uint32
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[hci.Addr][]Record), nextHandle: 0x00010000}
}

// Register publishes rec for addr and returns its record handle.
func (r *Registry) Register(addr hci.Addr, rec Record) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.Handle = r.nextHandle
	r.nextHandle++
	r.records[addr] = append(r.records[addr], rec)
	return rec.Handle
}

// Unregister removes a record. Returns false if it was not registered.
func (r *Registry) Unregister(addr hci.Addr, handle uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs := r.records[addr]
	for i, rec := range recs {
		if rec.Handle == handle {
			r.records[addr] = append(recs[:i], recs[i+1:]...)
			return true
		}
	}
	return false
}

// SetDefaults sets the records assumed for devices that published none,
// such as peers in another process.
func (r *Registry) SetDefaults(recs ...Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = append([]Record(nil), recs...)
}

// Lookup returns the records of addr matching serviceClass.
func (r *Registry) Lookup(addr hci.Addr, serviceClass uint16) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	recs, ok := r.records[addr]
	if !ok {
		recs = r.defaults
	}
	var out []Record
	for _, rec := range recs {
		if rec.matches(serviceClass) {
			out = append(out, rec)
		}
	}
	return out
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Registry is the record source. If nil, a private empty registry is used.
	Registry *Registry

	// RunLoop completes queries.
	// Required.
	RunLoop runloop.RunLoop

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Client runs one query at a time against a Registry.
type Client struct {
	registry *Registry
	loop     runloop.RunLoop
	log      logging.LeveledLogger
	busy     bool
}

// NewClient creates a Client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.RunLoop == nil {
		return nil, ErrNoRunLoop
	}
	if config.Registry == nil {
		config.Registry = NewRegistry()
	}
	c := &Client{registry: config.Registry, loop: config.RunLoop}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("sdp")
	}
	return c, nil
}

// Registry returns the record source of the client.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Query starts a lookup. Only one query may be in flight; a second one
// returns SDP_QUERY_BUSY. done receives SDP_SERVICE_NOT_FOUND when no record
// matched.
func (c *Client) Query(addr hci.Addr, serviceClass uint16, done func(records []Record, status hci.Status)) hci.Status {
	if c.busy {
		return hci.StatusSDPQueryBusy
	}
	c.busy = true
	c.loop.ExecuteOnMainThread(func() {
		c.busy = false
		recs := c.registry.Lookup(addr, serviceClass)
		status := hci.StatusSuccess
		if len(recs) == 0 {
			status = hci.StatusSDPServiceNotFound
		}
		if c.log != nil {
			c.log.Debugf("query %s class 0x%04X: %d records", addr, serviceClass, len(recs))
		}
		done(recs, status)
	})
	return hci.StatusSuccess
}

var _ Querier = (*Client)(nil)
