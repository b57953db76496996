package avrcp

import "errors"

// Configuration errors.
var (
	ErrNoL2CAP   = errors.New("avrcp: no l2cap service configured")
	ErrNoRunLoop = errors.New("avrcp: no run loop configured")
)

// Frame errors.
var (
	ErrShortFrame     = errors.New("avrcp: frame too short")
	ErrFragment       = errors.New("avrcp: unexpected fragment")
	ErrMessageTooLong = errors.New("avrcp: reassembled message too long")
)
