package hci

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Addr is a 48-bit Bluetooth device address, most significant byte first
// (the order it is written in, "AA:BB:CC:DD:EE:FF").
type Addr [6]byte

// ParseAddr parses "AA:BB:CC:DD:EE:FF" (':' or '-' separated, or 12 hex digits).
func ParseAddr(s string) (Addr, error) {
	var a Addr
	clean := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	if len(clean) != 12 {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddr, s)
	}
	copy(a[:], b)
	return a, nil
}

// MustParseAddr is like ParseAddr but panics on error. Intended for tests and constants.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the colon-separated upper-case form.
func (a Addr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// IsZero reports whether a is 00:00:00:00:00:00.
func (a Addr) IsZero() bool {
	return a == Addr{}
}

// MarshalText implements encoding.TextMarshaler.
func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Addr) UnmarshalText(text []byte) error {
	parsed, err := ParseAddr(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
