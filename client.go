package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client implements the caller side of the protocol on top of any Transport. It performs the
// initialize handshake and exposes the tool operations.
//
// If the transport reports ErrSessionExpired, the client forgets its handshake: ListTools and
// CallTool fail with "client not initialized" until Initialize succeeds again.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	transport    Transport
	logger       *slog.Logger

	mu                sync.RWMutex
	initialized       bool
	serverInfo        Info
	serverCaps        ServerCapabilities
	protocolVersion   string
	serverInstruction string
}

// NewClient creates a Client speaking over transport. The client takes ownership of the transport
// and closes it in Close.
func NewClient(info Info, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		info:      info,
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithClientCapabilities sets the capabilities the client announces on initialize.
func WithClientCapabilities(capabilities ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = capabilities
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger.With(slog.String("package", "go-mcp"), slog.String("component", "client"))
	}
}

// Initialize performs the handshake: it sends initialize with the transport's protocol version,
// checks the version the server chose, and confirms with the initialized notification.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	version := ProtocolVersionStreamableHTTP
	if v, ok := c.transport.(interface{ ProtocolVersion() string }); ok {
		version = v.ProtocolVersion()
	}

	req, err := NewRequest(MethodInitialize, InitializeParams{
		ProtocolVersion: version,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		return InitializeResult{}, err
	}
	res, err := c.transport.SendRequest(ctx, req)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("failed to send initialize request: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	if !IsSupportedProtocolVersion(result.ProtocolVersion) {
		return InitializeResult{}, fmt.Errorf("server chose unsupported protocol version %q", result.ProtocolVersion)
	}

	notif, err := NewNotification(MethodNotificationsInitialized, nil)
	if err != nil {
		return InitializeResult{}, err
	}
	if err := c.transport.SendNotification(ctx, notif); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverInfo = result.ServerInfo
	c.serverCaps = result.Capabilities
	c.protocolVersion = result.ProtocolVersion
	c.serverInstruction = result.Instructions
	c.mu.Unlock()

	c.logger.Info("initialized",
		slog.String("server", result.ServerInfo.Name),
		slog.String("protocolVersion", result.ProtocolVersion))
	return result, nil
}

// ListTools retrieves the tools the server exposes.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if !c.isInitialized() {
		return ListToolsResult{}, errClientNotInitialized
	}
	if !c.toolsSupported() {
		return ListToolsResult{}, errors.New("tools not supported by server")
	}

	var result ListToolsResult
	if err := c.call(ctx, MethodToolsList, params, &result); err != nil {
		return ListToolsResult{}, err
	}
	return result, nil
}

// CallTool invokes the named tool with the given arguments. A tool failure is returned as a
// JSONRPCError with CodeToolExecutionError.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if !c.isInitialized() {
		return CallToolResult{}, errClientNotInitialized
	}
	if !c.toolsSupported() {
		return CallToolResult{}, errors.New("tools not supported by server")
	}

	var result CallToolResult
	if err := c.call(ctx, MethodToolsCall, params, &result); err != nil {
		return CallToolResult{}, err
	}
	return result, nil
}

// Ping checks that the server is responsive. It does not require Initialize.
func (c *Client) Ping(ctx context.Context) error {
	var result json.RawMessage
	return c.call(ctx, MethodPing, nil, &result)
}

// ServerInfo returns the server info received on the last successful Initialize.
func (c *Client) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.serverInfo
}

// ProtocolVersion returns the protocol version negotiated by the last successful Initialize.
func (c *Client) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.protocolVersion
}

// Instructions returns the instructions the server sent on the last successful Initialize.
func (c *Client) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.serverInstruction
}

// Close closes the underlying transport.
func (c *Client) Close() error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	req, err := NewRequest(method, params)
	if err != nil {
		return err
	}
	res, err := c.transport.SendRequest(ctx, req)
	if err != nil {
		if errors.Is(err, ErrSessionExpired) {
			c.mu.Lock()
			c.initialized = false
			c.mu.Unlock()
			c.logger.Warn("session expired, initialize again", slog.String("method", method))
		}
		var rpcErr JSONRPCError
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("result error: %w", err)
		}
		return fmt.Errorf("failed to send %s request: %w", method, err)
	}
	if err := json.Unmarshal(res.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

func (c *Client) isInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.initialized
}

func (c *Client) toolsSupported() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.serverCaps.Tools != nil
}
