package mcpfleet

import "github.com/mcpfleet/mcpfleet/internal/errors"

// Re-export error types from internal package

// SpawnError indicates the server process failed to start.
type SpawnError = errors.SpawnError

// ProcessExitError indicates the server process exited underneath a live
// connection.
type ProcessExitError = errors.ProcessExitError

// HandshakeError indicates the initialize negotiation failed.
type HandshakeError = errors.HandshakeError

// UnknownServerError indicates a server name with no registration.
type UnknownServerError = errors.UnknownServerError

// DuplicateServerError indicates a server name registered twice.
type DuplicateServerError = errors.DuplicateServerError

// FleetError is the base interface for all errors raised by this package.
type FleetError = errors.FleetError

// Re-export sentinel errors from internal package.
var (
	// ErrNotConnected indicates the server is registered but not connected.
	ErrNotConnected = errors.ErrNotConnected

	// ErrConnectInProgress indicates a concurrent connect attempt.
	ErrConnectInProgress = errors.ErrConnectInProgress

	// ErrTransportNotConnected indicates a write with no live process.
	ErrTransportNotConnected = errors.ErrTransportNotConnected

	// ErrRequestTimeout indicates a request timed out.
	ErrRequestTimeout = errors.ErrRequestTimeout

	// ErrBreakerOpen indicates the circuit breaker rejected the request.
	ErrBreakerOpen = errors.ErrBreakerOpen

	// ErrDisconnected indicates the connection went away while a request
	// was in flight.
	ErrDisconnected = errors.ErrDisconnected

	// ErrRegistryClosed indicates the registry was shut down.
	ErrRegistryClosed = errors.ErrRegistryClosed
)
