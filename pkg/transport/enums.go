package transport

// LinkState is the lifecycle state of a Link.
type LinkState int

const (
	// LinkStateIdle means the link was created but Start was not called.
	LinkStateIdle LinkState = iota
	// LinkStateHandshake means the local connection announcement was sent and
	// the peer's is awaited.
	LinkStateHandshake
	// LinkStateConnected means both sides know each other's address.
	LinkStateConnected
	// LinkStateClosed means the link is down.
	LinkStateClosed
)

// String returns the string representation of the link state.
func (s LinkState) String() string {
	switch s {
	case LinkStateIdle:
		return "Idle"
	case LinkStateHandshake:
		return "Handshake"
	case LinkStateConnected:
		return "Connected"
	case LinkStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a known state.
func (s LinkState) IsValid() bool {
	return s >= LinkStateIdle && s <= LinkStateClosed
}
