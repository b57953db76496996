package discovery

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/backkem/bthost/pkg/hci"
)

// Service constants.
const (
	// ServiceEndpoint is the DNS-SD service type of a listening stack.
	ServiceEndpoint = "_bthost._tcp"

	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	// DefaultPort is the default link port.
	DefaultPort = 5541
)

// TXT record keys.
const (
	// TXTKeyAddr is the device address of the stack.
	TXTKeyAddr = "addr"

	// TXTKeyName is the human-readable device name.
	TXTKeyName = "name"

	// TXTKeyACLBufferSize is the largest ACL payload the endpoint accepts.
	TXTKeyACLBufferSize = "acl"

	// TXTKeyVersion is the link protocol version.
	TXTKeyVersion = "v"
)

// MaxNameLength is the maximum length of the device name. It matches the
// length of a Bluetooth local name.
const MaxNameLength = 248

// LinkVersion is the link protocol version advertised by this package.
const LinkVersion = 1

// EndpointTXT holds the TXT records of a _bthost._tcp service.
type EndpointTXT struct {
	// Addr is the device address (required).
	Addr hci.Addr

	// Name is the device name (optional).
	Name string

	// ACLBufferSize is the largest ACL payload accepted (optional).
	ACLBufferSize int

	// Version is the link protocol version. Zero means LinkVersion.
	Version int
}

// Encode returns the TXT records. Keys with zero values are omitted except
// the address and version.
func (e *EndpointTXT) Encode() []string {
	version := e.Version
	if version == 0 {
		version = LinkVersion
	}
	records := []string{
		TXTKeyAddr + "=" + e.Addr.String(),
		TXTKeyVersion + "=" + strconv.Itoa(version),
	}
	if e.Name != "" {
		records = append(records, TXTKeyName+"="+e.Name)
	}
	if e.ACLBufferSize > 0 {
		records = append(records, TXTKeyACLBufferSize+"="+strconv.Itoa(e.ACLBufferSize))
	}
	return records
}

// Validate checks the fields for errors.
func (e *EndpointTXT) Validate() error {
	if e.Addr.IsZero() {
		return ErrInvalidAddress
	}
	if len(e.Name) > MaxNameLength {
		return ErrInvalidName
	}
	return nil
}

// ParseTXT splits TXT records into key-value pairs. Records without '=' map
// to an empty value.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string, len(records))
	for _, r := range records {
		key, value, _ := strings.Cut(r, "=")
		if key == "" {
			continue
		}
		result[key] = value
	}
	return result
}

// ParseEndpointTXT decodes the TXT records of a _bthost._tcp service.
func ParseEndpointTXT(records []string) (*EndpointTXT, error) {
	m := ParseTXT(records)

	s, ok := m[TXTKeyAddr]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidTXTRecord, TXTKeyAddr)
	}
	addr, err := hci.ParseAddr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTXTRecord, TXTKeyAddr, err)
	}
	e := &EndpointTXT{Addr: addr, Name: m[TXTKeyName], Version: LinkVersion}

	if s, ok := m[TXTKeyACLBufferSize]; ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyACLBufferSize, s)
		}
		e.ACLBufferSize = n
	}
	if s, ok := m[TXTKeyVersion]; ok {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %s=%q", ErrInvalidTXTRecord, TXTKeyVersion, s)
		}
		e.Version = n
	}
	return e, nil
}
