package stack

import (
	"net"
	"time"

	"github.com/backkem/bthost/pkg/discovery"
	"github.com/backkem/bthost/pkg/hci"
	"github.com/backkem/bthost/pkg/runloop"
	"github.com/backkem/bthost/pkg/sdp"
	"github.com/pion/logging"
)

// Defaults.
const (
	// DefaultName is the device name used when Name is empty.
	DefaultName = "bthost"

	// DefaultListenAddr keeps the transport on the loopback interface.
	DefaultListenAddr = "127.0.0.1:0"

	// DefaultDialTimeout bounds endpoint resolution and dialing.
	DefaultDialTimeout = 5 * time.Second

	// DefaultAVRCPFeatures is category 1 (player/recorder).
	DefaultAVRCPFeatures uint16 = 0x0001
)

// Config holds all configuration for a Stack.
type Config struct {
	// LocalAddr is the device address announced on every link.
	// Required.
	LocalAddr hci.Addr

	// Name is the human-readable device name, advertised with discovery.
	// Default: DefaultName
	Name string

	// RunLoop drives every layer. If nil, the stack creates an Embedded
	// loop and runs it between Start and Stop. A provided loop is driven
	// by the caller unless DriveRunLoop is set.
	//
	// On a runloop.POSIX loop, links over TCP are read by the loop through
	// data sources instead of reader goroutines.
	RunLoop runloop.RunLoop

	// DriveRunLoop makes the stack execute a provided RunLoop between Start
	// and Stop, as it does with its own. The caller still releases the loop.
	DriveRunLoop bool

	// Listener is an optional pre-bound listener for incoming links.
	Listener net.Listener

	// ListenAddr is where incoming links are accepted.
	// Ignored if Listener is set.
	// Default: DefaultListenAddr
	ListenAddr string

	// ACLBufferSize and NumACLBuffers size the outgoing buffers of a link.
	// Zero uses the transport defaults.
	ACLBufferSize int
	NumACLBuffers int

	// L2CAPMTU is requested for RFCOMM and AVRCP channels. If zero, each
	// protocol uses its own default.
	L2CAPMTU uint16

	// RFCOMMCredits are the initial credits granted by ServeRFCOMM and
	// OpenRFCOMM. If zero, credits are managed automatically.
	RFCOMMCredits uint8

	// RFCOMMIdleTimeout closes idle multiplexers.
	// Default: rfcomm.DefaultIdleTimeout
	RFCOMMIdleTimeout time.Duration

	// AVRCPMaxFragments bounds continuation fragments per AVRCP response.
	// Default: avrcp.DefaultMaxFragments
	AVRCPMaxFragments uint8

	// AVRCPFeatures is published in the AVRCP SDP records.
	// Default: DefaultAVRCPFeatures
	AVRCPFeatures uint16

	// SDPRegistry holds the service records of the stacks in this process.
	// Share one registry between in-process stacks so they see each
	// other's records. If nil, a private registry is created.
	SDPRegistry *sdp.Registry

	// Storage persists known peers.
	// Default: NewMemoryStorage()
	Storage Storage

	// DialTimeout bounds endpoint lookup and dialing for one connection.
	// Default: DefaultDialTimeout
	DialTimeout time.Duration

	// Discovery enables DNS-SD advertisement of the listening endpoint and
	// lookup of unknown peers.
	Discovery bool

	// MDNSServerFactory and MDNSResolver replace the zeroconf backends of
	// discovery, mainly for testing.
	MDNSServerFactory discovery.MDNSServerFactory
	MDNSResolver      discovery.MDNSResolver

	// Callbacks - Optional. OnLinkConnected and OnLinkDisconnected run on
	// the run loop goroutine.
	OnStateChanged     func(state State)
	OnLinkConnected    func(addr hci.Addr)
	OnLinkDisconnected func(addr hci.Addr, reason hci.Status)

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.LocalAddr.IsZero() {
		return ErrInvalidLocalAddr
	}

	if len(c.Name) > discovery.MaxNameLength {
		return ErrInvalidName
	}

	if c.ACLBufferSize < 0 || c.NumACLBuffers < 0 || c.DialTimeout < 0 {
		return ErrInvalidConfig
	}

	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}

	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}

	if c.AVRCPFeatures == 0 {
		c.AVRCPFeatures = DefaultAVRCPFeatures
	}

	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}

	if c.Storage == nil {
		c.Storage = NewMemoryStorage()
	}
}
