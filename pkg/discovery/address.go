package discovery

import (
	"encoding/hex"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/backkem/bthost/pkg/hci"
)

// instancePrefix starts every endpoint instance name.
const instancePrefix = "bthost-"

// InstanceName returns the DNS-SD instance name of the stack with address
// addr: "bthost-" followed by the address as 12 uppercase hex characters.
func InstanceName(addr hci.Addr) string {
	return instancePrefix + strings.ToUpper(hex.EncodeToString(addr[:]))
}

// ParseInstanceName returns the device address encoded in an instance name.
func ParseInstanceName(instanceName string) (hci.Addr, error) {
	var addr hci.Addr
	s, ok := strings.CutPrefix(instanceName, instancePrefix)
	if !ok || len(s) != 2*len(addr) {
		return addr, ErrInvalidInstanceName
	}
	if _, err := hex.Decode(addr[:], []byte(s)); err != nil {
		return addr, ErrInvalidInstanceName
	}
	return addr, nil
}

// SortIPsByPreference orders addresses for dialing.
// Priority order (highest to lowest):
//  1. Private IPv4 and unique local IPv6 (same site)
//  2. Global unicast
//  3. Link-local (needs a zone to dial)
//  4. Loopback
func SortIPsByPreference(ips []net.IP) []net.IP {
	if len(ips) <= 1 {
		return ips
	}
	sorted := make([]net.IP, len(ips))
	copy(sorted, ips)
	sort.SliceStable(sorted, func(i, j int) bool {
		return ipPriority(sorted[i]) < ipPriority(sorted[j])
	})
	return sorted
}

// ipPriority returns the priority of an IP address (lower is better).
func ipPriority(ip net.IP) int {
	if ip.To16() == nil {
		return 99
	}
	switch {
	case ip.IsPrivate():
		return 0
	case ip.IsGlobalUnicast():
		if ip.To4() != nil {
			return 1
		}
		return 2
	case ip.IsLinkLocalUnicast():
		return 20
	case ip.IsLoopback():
		return 80
	case ip.IsMulticast():
		return 90
	}
	return 10
}

// FilterIPv6 returns only IPv6 addresses from the slice.
func FilterIPv6(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() == nil && ip.To16() != nil {
			result = append(result, ip)
		}
	}
	return result
}

// FilterIPv4 returns only IPv4 addresses from the slice.
func FilterIPv4(ips []net.IP) []net.IP {
	var result []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			result = append(result, ip)
		}
	}
	return result
}

// JoinHostPort formats ip and port as a dial address.
func JoinHostPort(ip net.IP, port int) string {
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}
