package stack

import "errors"

// Package-level errors.
var (
	// ErrNotInitialized is returned when an operation requires an initialized stack.
	ErrNotInitialized = errors.New("stack: not initialized")

	// ErrAlreadyStarted is returned when Start() is called on a running stack.
	ErrAlreadyStarted = errors.New("stack: already started")

	// ErrNotStarted is returned when an operation requires a running stack.
	ErrNotStarted = errors.New("stack: not started")

	// ErrAlreadyStopped is returned when Stop() is called on a stopped stack.
	ErrAlreadyStopped = errors.New("stack: already stopped")

	// ErrInvalidLocalAddr is returned when LocalAddr is the zero address.
	ErrInvalidLocalAddr = errors.New("stack: local address is required")

	// ErrInvalidName is returned when Name exceeds the maximum length.
	ErrInvalidName = errors.New("stack: name too long")

	// ErrInvalidConfig is returned for out of range numeric settings.
	ErrInvalidConfig = errors.New("stack: invalid configuration")

	// ErrNoEndpoint is returned when no endpoint is known for a peer.
	ErrNoEndpoint = errors.New("stack: no endpoint known for peer")

	// ErrPeerNotFound is returned by Storage when a peer is not stored.
	ErrPeerNotFound = errors.New("stack: peer not found")
)
