package config

import (
	"context"

	"github.com/mcpfleet/mcpfleet/internal/wire"
)

// Transport defines the interface for communicating with one capability
// server. Implement this to provide custom transports for testing or
// alternative communication methods (e.g., network connections).
//
// The default implementation is PipeTransport which spawns a subprocess.
type Transport interface {
	// Start launches the server process and prepares the pipes.
	// It is called once, before any messages are sent or received.
	Start(ctx context.Context) error

	// ReadMessages returns channels for receiving parsed inbound messages
	// and fatal transport errors. Malformed lines are logged and dropped
	// without appearing on either channel. Both channels are closed when
	// the process exits or the transport is closed.
	ReadMessages(ctx context.Context) (<-chan wire.Message, <-chan error)

	// SendMessage writes one newline-terminated JSON message. It fails
	// immediately with ErrTransportNotConnected when no process is live.
	// It must be safe for concurrent use.
	SendMessage(ctx context.Context, data []byte) error

	// Close terminates the server process. Safe to call multiple times.
	Close() error

	// IsReady reports whether the transport can accept writes.
	IsReady() bool
}
