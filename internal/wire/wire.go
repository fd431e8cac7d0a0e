// Package wire defines the line-delimited JSON-RPC 2.0 message types
// exchanged with capability servers over their standard process pipes.
package wire

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried on every request.
const Version = "2.0"

// ProtocolVersion identifies the capability protocol revision sent during
// the initialize handshake.
const ProtocolVersion = "2025-06-18"

// Reserved method names used by this subsystem.
const (
	MethodInitialize    = "initialize"
	MethodPing          = "ping"
	MethodToolsCall     = "tools/call"
	MethodResourcesRead = "resources/read"
)

// Request is an outbound request. The id is a ULID generated by the client;
// servers echo it back on the matching response.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is a well-formed error response from the server. It satisfies the
// error interface so application errors can be surfaced to callers as-is.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Message is one parsed inbound line. A message carrying an id is a response;
// a message carrying a method and no id is an out-of-band notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the message is an out-of-band notification.
func (m *Message) IsNotification() bool {
	return m.ID == "" && m.Method != ""
}

// IsResponse reports whether the message correlates to an outbound request.
func (m *Message) IsResponse() bool {
	return m.ID != ""
}

// ClientInfo identifies this client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of the reserved initialize request.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// CallToolParams is the payload of a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ReadResourceParams is the payload of a resources/read request.
type ReadResourceParams struct {
	URI string `json:"uri"`
}

// Tool describes one invocable tool reported in the capabilities manifest.
// The input schema is carried opaquely; nothing at this layer validates it.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource describes one readable resource reported in the manifest.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Prompt describes one prompt template reported in the manifest.
type Prompt struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Capabilities is the manifest a server reports during the initialize
// handshake. It is replaced wholesale on each successful negotiation.
type Capabilities struct {
	Tools     []Tool     `json:"tools,omitempty"`
	Resources []Resource `json:"resources,omitempty"`
	Prompts   []Prompt   `json:"prompts,omitempty"`
}
