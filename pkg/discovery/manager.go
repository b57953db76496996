package discovery

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/pion/logging"
)

// ManagerConfig holds configuration for the discovery Manager.
type ManagerConfig struct {
	// Port is the link port to advertise.
	// Default: DefaultPort
	Port int

	// Interfaces specifies which network interfaces to use.
	// If nil, all interfaces are used.
	Interfaces []net.Interface

	// BrowseTimeout is the default timeout for browse operations.
	// Default: DefaultBrowseTimeout
	BrowseTimeout time.Duration

	// LookupTimeout is the default timeout for lookup operations.
	// Default: DefaultLookupTimeout
	LookupTimeout time.Duration

	// ServerFactory is the factory for creating mDNS servers (for testing).
	ServerFactory MDNSServerFactory

	// MDNSResolver is the mDNS resolver implementation (for testing).
	MDNSResolver MDNSResolver

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Manager coordinates advertising and resolution of stack endpoints.
type Manager struct {
	config     ManagerConfig
	advertiser *Advertiser
	resolver   *Resolver

	mu     sync.RWMutex
	closed bool
}

// NewManager creates a new discovery Manager with the given configuration.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	advertiser, err := NewAdvertiser(AdvertiserConfig{
		Port:          config.Port,
		Interfaces:    config.Interfaces,
		ServerFactory: config.ServerFactory,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	resolver, err := NewResolver(ResolverConfig{
		MDNSResolver:  config.MDNSResolver,
		BrowseTimeout: config.BrowseTimeout,
		LookupTimeout: config.LookupTimeout,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}

	return &Manager{
		config:     config,
		advertiser: advertiser,
		resolver:   resolver,
	}, nil
}

// Close stops advertising and releases resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return m.advertiser.Close()
}

func (m *Manager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Advertise publishes the endpoint of the local stack.
func (m *Manager) Advertise(txt EndpointTXT) error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.advertiser.Start(txt)
}

// StopAdvertising withdraws the local endpoint.
func (m *Manager) StopAdvertising() error {
	if m.isClosed() {
		return ErrClosed
	}
	return m.advertiser.Stop()
}

// IsAdvertising returns true while the local endpoint is advertised.
func (m *Manager) IsAdvertising() bool {
	if m.isClosed() {
		return false
	}
	return m.advertiser.IsAdvertising()
}

// Browse discovers endpoints on the network.
func (m *Manager) Browse(ctx context.Context) (<-chan ResolvedService, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	return m.resolver.Browse(ctx)
}

// Lookup resolves the endpoint of the stack with device address addr.
func (m *Manager) Lookup(ctx context.Context, addr hci.Addr) (*ResolvedService, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	return m.resolver.Lookup(ctx, addr)
}

// Advertiser returns the underlying advertiser.
func (m *Manager) Advertiser() *Advertiser {
	return m.advertiser
}

// Resolver returns the underlying resolver.
func (m *Manager) Resolver() *Resolver {
	return m.resolver
}
