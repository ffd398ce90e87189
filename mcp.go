package mcp

import (
	"context"
	"encoding/json"
	"errors"
)

// Transport provides the client-side communication layer in the MCP protocol. The three
// implementations in this package are StdioClient, SSEClient and StreamableHTTPClient; NewTransport
// picks one from a TransportConfig.
type Transport interface {
	// SendRequest sends req and blocks until the response with the same ID arrives, the context is
	// cancelled, the transport's response timeout elapses or a transport fault happens. The
	// implementation assigns an ID when req.ID is empty, and must never return a response whose ID
	// differs from the request's.
	//
	// If the remote answers with a JSON-RPC error, the response is returned together with its
	// JSONRPCError as the error. Transport faults are returned as plain errors that wrap one of the
	// sentinel errors of this package.
	SendRequest(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error)

	// SendNotification sends notif without waiting for any reply. Delivery is best effort.
	SendNotification(ctx context.Context, notif JSONRPCNotification) error

	// Close releases every resource owned by the transport. It is safe to call Close more than once
	// and after a fault.
	Close() error
}

// ToolExecutor is a named, schema-described capability the Server exposes to callers.
type ToolExecutor interface {
	// Tool returns the descriptor advertised by tools/list. The name must be unique within a server.
	Tool() Tool

	// Execute runs the tool with the arguments object sent by the caller and returns the tool's
	// result as JSON. A returned error is reported to the caller as a tool execution error carrying
	// the error message.
	Execute(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error)
}

// ToolFunc is the function signature accepted by NewTool.
type ToolFunc func(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error)

type funcTool struct {
	tool Tool
	fn   ToolFunc
}

var (
	// ErrTransportClosed is returned by operations on a transport that has been closed.
	ErrTransportClosed = errors.New("transport closed")
	// ErrTimeout is returned when no response arrived within the response timeout.
	ErrTimeout = errors.New("timed out waiting for response")
	// ErrSessionExpired is returned when the server no longer knows the session the transport holds.
	// The caller must initialize again before retrying.
	ErrSessionExpired = errors.New("session expired")
	// ErrTransportUnsupported is returned when the server rejected the transport itself.
	ErrTransportUnsupported = errors.New("transport not supported by server")
	// ErrProcessExited is returned when the stdio subprocess died.
	ErrProcessExited = errors.New("process exited")
	// ErrNoResponse is returned when an event stream ended without a JSON-RPC response.
	ErrNoResponse = errors.New("no response in event stream")
	// ErrUnexpectedStatus is returned for HTTP responses with an error status.
	ErrUnexpectedStatus = errors.New("unexpected http status")

	errClientNotInitialized = errors.New("client not initialized")
)

// NewTool wraps fn into a ToolExecutor. inputSchema must be a JSON Schema object; nil means the tool
// accepts any arguments.
func NewTool(name, description string, inputSchema json.RawMessage, fn ToolFunc) ToolExecutor {
	return funcTool{
		tool: Tool{
			Name:        name,
			Description: description,
			InputSchema: inputSchema,
		},
		fn: fn,
	}
}

func (f funcTool) Tool() Tool {
	return f.tool
}

func (f funcTool) Execute(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	return f.fn(ctx, arguments)
}
