package rfcomm

import "errors"

// Configuration errors.
var (
	ErrNoL2CAP   = errors.New("rfcomm: no l2cap service configured")
	ErrNoRunLoop = errors.New("rfcomm: no run loop configured")
)

// Frame errors.
var (
	ErrShortFrame = errors.New("rfcomm: frame too short")
	ErrBadFCS     = errors.New("rfcomm: frame check sequence mismatch")
)
