package l2cap

import "errors"

// L2CAP errors.
var (
	// ErrNoRunLoop is returned when no run loop is configured.
	ErrNoRunLoop = errors.New("l2cap: no run loop configured")

	// ErrMalformedSignal is returned for truncated signaling commands.
	ErrMalformedSignal = errors.New("l2cap: malformed signaling command")
)
