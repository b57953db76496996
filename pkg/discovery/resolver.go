package discovery

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/backkem/bthost/pkg/hci"
	"github.com/grandcat/zeroconf"
	"github.com/pion/logging"
)

// DefaultBrowseTimeout is the default timeout for browse operations.
const DefaultBrowseTimeout = 10 * time.Second

// DefaultLookupTimeout is the default timeout for lookup operations.
const DefaultLookupTimeout = 5 * time.Second

// ResolvedService contains information about a discovered endpoint.
type ResolvedService struct {
	// InstanceName is the DNS-SD instance name.
	InstanceName string

	// HostName is the target host name.
	HostName string

	// Port is the link port.
	Port int

	// IPs contains the resolved IP addresses, sorted by preference.
	IPs []net.IP

	// Endpoint is the decoded TXT record.
	Endpoint EndpointTXT
}

// PreferredIP returns the most preferred IP address (first in the sorted list).
// Returns nil if no addresses are available.
func (r *ResolvedService) PreferredIP() net.IP {
	if len(r.IPs) > 0 {
		return r.IPs[0]
	}
	return nil
}

// DialAddress returns the host:port to dial the endpoint at.
func (r *ResolvedService) DialAddress() (string, error) {
	ip := r.PreferredIP()
	if ip == nil {
		return "", ErrNoAddresses
	}
	return JoinHostPort(ip, r.Port), nil
}

// MDNSResolver is the interface for mDNS service resolution.
// This allows for dependency injection in tests.
type MDNSResolver interface {
	// Browse browses for services of the given type.
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

	// Lookup looks up a specific service instance.
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// zeroconfResolver is the production implementation using grandcat/zeroconf.
type zeroconfResolver struct {
	resolver *zeroconf.Resolver
}

func newZeroconfResolver() (*zeroconfResolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return &zeroconfResolver{resolver: r}, nil
}

func (z *zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Browse(ctx, service, domain, entries)
}

func (z *zeroconfResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.resolver.Lookup(ctx, instance, service, domain, entries)
}

// ResolverConfig holds configuration for the Resolver.
type ResolverConfig struct {
	// MDNSResolver is the underlying mDNS resolver implementation.
	// If nil, the default zeroconf resolver is used.
	MDNSResolver MDNSResolver

	// BrowseTimeout is the timeout for browse operations.
	// Default: DefaultBrowseTimeout
	BrowseTimeout time.Duration

	// LookupTimeout is the timeout for lookup operations.
	// Default: DefaultLookupTimeout
	LookupTimeout time.Duration

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Resolver discovers stack endpoints via DNS-SD.
type Resolver struct {
	config   ResolverConfig
	resolver MDNSResolver
	log      logging.LeveledLogger
}

// NewResolver creates a new Resolver with the given configuration.
func NewResolver(config ResolverConfig) (*Resolver, error) {
	resolver := config.MDNSResolver
	if resolver == nil {
		zr, err := newZeroconfResolver()
		if err != nil {
			return nil, err
		}
		resolver = zr
	}
	if config.BrowseTimeout == 0 {
		config.BrowseTimeout = DefaultBrowseTimeout
	}
	if config.LookupTimeout == 0 {
		config.LookupTimeout = DefaultLookupTimeout
	}

	r := &Resolver{
		config:   config,
		resolver: resolver,
	}
	if config.LoggerFactory != nil {
		r.log = config.LoggerFactory.NewLogger("discovery")
	}
	return r, nil
}

// Browse discovers endpoints on the network. The channel is closed when ctx
// is done or the browse timeout expires. Entries with unusable TXT records
// are skipped.
func (r *Resolver) Browse(ctx context.Context) (<-chan ResolvedService, error) {
	results := make(chan ResolvedService)
	entries := make(chan *zeroconf.ServiceEntry)

	cancel := func() {}
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, r.config.BrowseTimeout)
	}

	go func() {
		defer close(results)
		defer cancel()

		go func() {
			defer close(entries)
			if err := r.resolver.Browse(ctx, ServiceEndpoint, DefaultDomain, entries); err != nil && r.log != nil {
				r.log.Debugf("browse: %v", err)
			}
		}()

		for entry := range entries {
			svc, err := r.entryToResolvedService(entry)
			if err != nil {
				continue
			}
			select {
			case results <- svc:
			case <-ctx.Done():
				// Drain so the browse goroutine can exit.
				for range entries {
				}
				return
			}
		}
	}()

	return results, nil
}

// Lookup resolves the endpoint of the stack with device address addr.
func (r *Resolver) Lookup(ctx context.Context, addr hci.Addr) (*ResolvedService, error) {
	var cancel context.CancelFunc
	if _, ok := ctx.Deadline(); ok {
		ctx, cancel = context.WithCancel(ctx)
	} else {
		ctx, cancel = context.WithTimeout(ctx, r.config.LookupTimeout)
	}
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 1)
	go func() {
		defer close(entries)
		if err := r.resolver.Lookup(ctx, InstanceName(addr), ServiceEndpoint, DefaultDomain, entries); err != nil && r.log != nil {
			r.log.Debugf("lookup %s: %v", addr, err)
		}
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok || entry == nil {
				return nil, ErrServiceNotFound
			}
			svc, err := r.entryToResolvedService(entry)
			if err != nil || svc.Endpoint.Addr != addr {
				continue
			}
			return &svc, nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// entryToResolvedService converts a zeroconf.ServiceEntry to ResolvedService.
func (r *Resolver) entryToResolvedService(entry *zeroconf.ServiceEntry) (ResolvedService, error) {
	txt, err := ParseEndpointTXT(entry.Text)
	if err != nil {
		if r.log != nil {
			r.log.Debugf("ignoring %s: %v", entry.Instance, err)
		}
		return ResolvedService{}, err
	}

	var ips []net.IP
	ips = append(ips, entry.AddrIPv4...)
	ips = append(ips, entry.AddrIPv6...)

	return ResolvedService{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          SortIPsByPreference(ips),
		Endpoint:     *txt,
	}, nil
}
