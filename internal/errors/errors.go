// Package errors defines the error taxonomy shared across the registry,
// clients, and transports.
package errors

import (
	"errors"
	"fmt"
)

// FleetError is the base interface for all errors originating in this module.
type FleetError interface {
	error
	IsFleetError() bool
}

// Compile-time verification that all error types implement FleetError.
var (
	_ FleetError = (*SpawnError)(nil)
	_ FleetError = (*ProcessExitError)(nil)
	_ FleetError = (*DecodeError)(nil)
	_ FleetError = (*HandshakeError)(nil)
	_ FleetError = (*UnknownServerError)(nil)
	_ FleetError = (*DuplicateServerError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrNotConnected indicates the server connection is not established.
	ErrNotConnected = errors.New("server not connected")

	// ErrConnectInProgress indicates a concurrent connect attempt is underway.
	ErrConnectInProgress = errors.New("connect already in progress")

	// ErrTransportNotConnected indicates a write was attempted with no live process.
	ErrTransportNotConnected = errors.New("transport not connected")

	// ErrRequestTimeout indicates a request timed out awaiting its response.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrBreakerOpen indicates the circuit breaker rejected the request.
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrDisconnected indicates the connection was torn down while requests
	// were still pending.
	ErrDisconnected = errors.New("connection closed")

	// ErrRegistryClosed indicates the registry has been shut down.
	ErrRegistryClosed = errors.New("registry closed")
)

// SpawnError indicates the server process failed to spawn.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsFleetError implements FleetError.
func (e *SpawnError) IsFleetError() bool { return true }

// ProcessExitError indicates the server process exited.
type ProcessExitError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("server process exited (code %d): %s", e.ExitCode, e.Stderr)
	}

	return fmt.Sprintf("server process exited (code %d): %v", e.ExitCode, e.Err)
}

func (e *ProcessExitError) Unwrap() error {
	return e.Err
}

// IsFleetError implements FleetError.
func (e *ProcessExitError) IsFleetError() bool { return true }

// DecodeError indicates an inbound line could not be parsed as a protocol
// message. These are logged and dropped; they never tear down the connection.
type DecodeError struct {
	RawLine string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode inbound line: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsFleetError implements FleetError.
func (e *DecodeError) IsFleetError() bool { return true }

// HandshakeError indicates the initialize negotiation failed; the connection
// attempt is aborted without ever reaching the connected state.
type HandshakeError struct {
	Server string
	Err    error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %q failed: %v", e.Server, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// IsFleetError implements FleetError.
func (e *HandshakeError) IsFleetError() bool { return true }

// UnknownServerError indicates the named server is not registered.
type UnknownServerError struct {
	Name string
}

func (e *UnknownServerError) Error() string {
	return fmt.Sprintf("unknown server %q", e.Name)
}

// IsFleetError implements FleetError.
func (e *UnknownServerError) IsFleetError() bool { return true }

// DuplicateServerError indicates the server name is already registered.
type DuplicateServerError struct {
	Name string
}

func (e *DuplicateServerError) Error() string {
	return fmt.Sprintf("server %q already registered", e.Name)
}

// IsFleetError implements FleetError.
func (e *DuplicateServerError) IsFleetError() bool { return true }
