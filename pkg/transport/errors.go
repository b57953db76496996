package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed link or listener.
	ErrClosed = errors.New("transport: closed")

	// ErrNoHandler is returned when no link handler is configured.
	ErrNoHandler = errors.New("transport: no link handler configured")

	// ErrNoRunLoop is returned when no run loop is configured.
	ErrNoRunLoop = errors.New("transport: no run loop configured")

	// ErrNotConnected is returned when sending before the link handshake completed.
	ErrNotConnected = errors.New("transport: link not connected")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("transport: already started")

	// ErrBuffersFull is returned when all outgoing ACL buffers are in flight.
	ErrBuffersFull = errors.New("transport: acl buffers full")

	// ErrFrameTooLarge is returned for frames that exceed the receive buffer.
	ErrFrameTooLarge = errors.New("transport: frame too large")

	// ErrUnknownPacketType is returned for H4 frames with an unsupported indicator.
	ErrUnknownPacketType = errors.New("transport: unknown h4 packet type")
)
