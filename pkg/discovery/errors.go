package discovery

import "errors"

// Package-level sentinel errors for discovery operations.
var (
	// ErrClosed is returned when an operation is attempted on a closed component.
	ErrClosed = errors.New("discovery: closed")

	// ErrAlreadyStarted is returned when the endpoint is already advertised.
	ErrAlreadyStarted = errors.New("discovery: already started")

	// ErrNotStarted is returned when stopping an advertisement that was not started.
	ErrNotStarted = errors.New("discovery: not started")

	// ErrInvalidAddress is returned when an endpoint has no device address.
	ErrInvalidAddress = errors.New("discovery: invalid device address")

	// ErrInvalidName is returned when the device name exceeds MaxNameLength.
	ErrInvalidName = errors.New("discovery: invalid device name")

	// ErrInvalidPort is returned when the port number is out of range.
	ErrInvalidPort = errors.New("discovery: invalid port (must be 1-65535)")

	// ErrNoAddresses is returned when a resolved endpoint carries no IP address.
	ErrNoAddresses = errors.New("discovery: no IP addresses")

	// ErrServiceNotFound is returned when a requested endpoint is not found.
	ErrServiceNotFound = errors.New("discovery: service not found")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("discovery: operation timed out")

	// ErrInvalidInstanceName is returned when the instance name format is invalid.
	ErrInvalidInstanceName = errors.New("discovery: invalid instance name format")

	// ErrInvalidTXTRecord is returned when a TXT record has invalid format.
	ErrInvalidTXTRecord = errors.New("discovery: invalid TXT record format")
)
