package mcpfleet

import (
	"github.com/mcpfleet/mcpfleet/internal/client"
	"github.com/mcpfleet/mcpfleet/internal/config"
	"github.com/mcpfleet/mcpfleet/internal/metrics"
	"github.com/mcpfleet/mcpfleet/internal/registry"
	"github.com/mcpfleet/mcpfleet/internal/wire"
)

// Re-export types from internal packages

// ===== Configuration =====

// Config is the full fleet configuration consumed at startup.
type Config = config.Config

// Defaults holds the global settings shared by all servers.
type Defaults = config.Defaults

// ServerConfig defines how to launch and talk to one capability server.
type ServerConfig = config.ServerConfig

// RetryPolicy bounds the retry behavior for one server's requests.
type RetryPolicy = config.RetryPolicy

// BreakerPolicy configures the per-connection circuit breaker.
type BreakerPolicy = config.BreakerPolicy

// Duration unmarshals from a Go duration string or integer milliseconds.
type Duration = config.Duration

// Transport is the pluggable process communication layer.
type Transport = config.Transport

// TransportFactory constructs the transport for each connect attempt.
type TransportFactory = client.TransportFactory

// Message is one inbound wire message: a response, an error reply, or an
// out-of-band notification. Transport implementations produce these.
type Message = wire.Message

// RPCError is the error object carried by an error reply.
type RPCError = wire.Error

// ===== Connection lifecycle =====

// ConnectionState is a connection's position in its lifecycle.
type ConnectionState = client.State

const (
	// StateDisconnected means no process is attached.
	StateDisconnected = client.StateDisconnected

	// StateConnecting means the process is live but the handshake has not
	// completed.
	StateConnecting = client.StateConnecting

	// StateConnected means the handshake succeeded and requests may flow.
	StateConnected = client.StateConnected

	// StateError means the last connect attempt or the transport failed.
	StateError = client.StateError
)

// Connection is the read-only snapshot of one server's connection.
type Connection = registry.Connection

// Health reports the fleet's overall condition.
type Health = registry.Health

// NotificationHandler receives out-of-band notifications from any server.
type NotificationHandler = registry.NotificationHandler

// ===== Capabilities =====

// Capabilities is the manifest a server returns during negotiation.
type Capabilities = wire.Capabilities

// Tool describes one invokable tool.
type Tool = wire.Tool

// Resource describes one readable resource.
type Resource = wire.Resource

// Prompt describes one reusable prompt template.
type Prompt = wire.Prompt

// ServerTool is a tool tagged with the server that exposes it.
type ServerTool = registry.ServerTool

// ServerResource is a resource tagged with the server that exposes it.
type ServerResource = registry.ServerResource

// ===== Instrumentation =====

// Metrics holds the fleet's Prometheus collectors.
type Metrics = metrics.Metrics

// NewMetrics creates collectors on a fresh Prometheus registry.
func NewMetrics() *Metrics {
	return metrics.New()
}
