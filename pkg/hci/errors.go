package hci

import "errors"

// Package errors.
var (
	// ErrInvalidAddr is returned when a Bluetooth address cannot be parsed.
	ErrInvalidAddr = errors.New("hci: invalid bluetooth address")

	// ErrMalformedACL is returned for ACL packets whose length fields do not match.
	ErrMalformedACL = errors.New("hci: malformed acl packet")

	// ErrUnexpectedContinuation is returned when a continuation fragment
	// arrives without a preceding start fragment.
	ErrUnexpectedContinuation = errors.New("hci: acl continuation without start")

	// ErrShortEvent is returned when an event is shorter than its fields.
	ErrShortEvent = errors.New("hci: event too short")

	// ErrStatus wraps non-success protocol status codes converted with Status.Err.
	ErrStatus = errors.New("hci: status")
)
