package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol specification, such as request IDs. It handles automatic conversion during JSON
// marshaling/unmarshaling.
type MustString string

// JSONRPCRequest represents a JSON-RPC 2.0 request. The ID is chosen by the sender and must be echoed
// verbatim by the JSONRPCResponse that answers it.
type JSONRPCRequest struct {
	// JSONRPC must always be "2.0" per the JSON-RPC specification
	JSONRPC string `json:"jsonrpc"`
	// ID uniquely identifies request-response pairs and must be a string or number
	ID MustString `json:"id"`
	// Method contains the RPC method name
	Method string `json:"method"`
	// Params contains the parameters for the method call as a raw JSON message
	Params json.RawMessage `json:"params,omitempty"`
}

// JSONRPCNotification represents a JSON-RPC 2.0 notification: a request without an ID. The receiver
// never answers a notification with a JSON-RPC response.
type JSONRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response. Exactly one of Result and Error is set.
type JSONRPCResponse struct {
	JSONRPC string `json:"jsonrpc"`
	// ID equals the ID of the request this response answers.
	ID MustString `json:"id"`
	// Result contains the successful response data as a raw JSON message
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed
	Error *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents an error response in the JSON-RPC 2.0 protocol.
// It follows the standard error object format defined in the JSON-RPC 2.0 specification.
type JSONRPCError struct {
	// Code indicates the error type that occurred.
	// Must use standard JSON-RPC error codes or the protocol codes defined in this package.
	Code int `json:"code"`

	// Message provides a short description of the error.
	// Should be limited to a concise single sentence.
	Message string `json:"message"`

	// Data contains additional information about the error.
	// The value is unstructured and may be omitted.
	Data json.RawMessage `json:"data,omitempty"`
}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities represents server capabilities.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ClientCapabilities represents client capabilities.
type ClientCapabilities struct {
	Roots    *RootsCapability    `json:"roots,omitempty"`
	Sampling *SamplingCapability `json:"sampling,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// RootsCapability represents roots-specific capabilities.
type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// InitializeParams is sent by the client as the params of the initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

// InitializeResult is the server's answer to the initialize request. ProtocolVersion is the version
// the server negotiated for the rest of the exchange.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// Tool defines a callable tool with its input schema.
// InputSchema defines the expected format of arguments for CallTool.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsParams contains parameters for listing available tools.
type ListToolsParams struct {
	// Cursor is a pagination cursor from previous ListTools call.
	// Empty string requests the first page.
	Cursor string `json:"cursor,omitempty"`
}

// ListToolsResult represents a list of tools returned by ListTools.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams contains parameters for executing a specific tool.
type CallToolParams struct {
	// Name is the unique identifier of the tool to execute
	Name string `json:"name"`

	// Arguments is a JSON object of argument name-value pairs
	// Must satisfy required arguments defined in tool's InputSchema field
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult represents the outcome of a tool invocation via CallTool.
// StructuredContent carries the raw JSON value the tool produced.
type CallToolResult struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError"`
}

// Content represents a message content with its type.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// ContentType represents the type of content in messages.
type ContentType string

type notificationsCancelledParams struct {
	RequestID MustString `json:"requestId"`
	Reason    string     `json:"reason,omitempty"`
}

// ContentType represents the type of content in messages.
const (
	ContentTypeText ContentType = "text"
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersionStreamableHTTP is the protocol version spoken by the streamable HTTP transport
	// and preferred by the server.
	ProtocolVersionStreamableHTTP = "2025-06-18"
	// ProtocolVersionSSE is the legacy protocol version spoken by the HTTP+SSE transport.
	ProtocolVersionSSE = "2024-11-05"

	// MethodInitialize is the method name of the handshake request.
	MethodInitialize = "initialize"
	// MethodPing is the method name for liveness checks.
	MethodPing = "ping"
	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	// MethodNotificationsInitialized is sent by the client once the handshake is complete.
	MethodNotificationsInitialized = "notifications/initialized"
	// MethodNotificationsCancelled is sent to abandon an in-flight request.
	MethodNotificationsCancelled = "notifications/cancelled"

	// HeaderSessionID carries the session identifier in both directions.
	HeaderSessionID = "mcp-session-id"
	// HeaderProtocolVersion carries the negotiated protocol version on every non-initialize request.
	HeaderProtocolVersion = "MCP-Protocol-Version"

	// unknownRequestID is used for responses to requests whose ID could not be decoded.
	unknownRequestID MustString = "unknown"
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Protocol specific error codes, allocated from the implementation-defined server error range.
const (
	CodeInvalidProtocolVersion = -32000
	CodeToolNotFound           = -32001
	CodeToolExecutionError     = -32002
	CodeSessionExpired         = -32003
	CodeUnauthorized           = -32004
	CodeResourceNotFound       = -32005
	CodeTransportError         = -32006
	CodeTimeout                = -32007
)

var (
	errMissingID      = errors.New("missing id")
	errUnexpectedID   = errors.New("notification must not carry an id")
	errMissingMethod  = errors.New("missing method")
	errInvalidVersion = errors.New("jsonrpc version must be " + JSONRPCVersion)
	errResultAndError = errors.New("response must carry exactly one of result and error")
)

// SupportedProtocolVersions returns the protocol versions this package understands, preferred first.
func SupportedProtocolVersions() []string {
	return []string{ProtocolVersionStreamableHTTP, ProtocolVersionSSE}
}

// IsSupportedProtocolVersion reports whether version is one of SupportedProtocolVersions.
func IsSupportedProtocolVersion(version string) bool {
	for _, v := range SupportedProtocolVersions() {
		if v == version {
			return true
		}
	}
	return false
}

// NewRequest builds a request for method with params marshaled as JSON. The ID is left empty, the
// transport assigns one when the request is sent.
func NewRequest(method string, params any) (JSONRPCRequest, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return JSONRPCRequest{}, err
	}
	return JSONRPCRequest{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}, nil
}

// NewNotification builds a notification for method with params marshaled as JSON.
func NewNotification(method string, params any) (JSONRPCNotification, error) {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return JSONRPCNotification{}, err
	}
	return JSONRPCNotification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	}, nil
}

// ParseResponse decodes a JSON-RPC response. Any decoding failure is reported as a JSONRPCError with
// CodeParseError.
func ParseResponse(data []byte) (JSONRPCResponse, error) {
	var res JSONRPCResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return JSONRPCResponse{}, newParseError(err)
	}
	return res, nil
}

// UnmarshalJSON implements json.Unmarshaler. It rejects envelopes without a method or an id.
func (r *JSONRPCRequest) UnmarshalJSON(data []byte) error {
	type alias JSONRPCRequest
	var raw struct {
		alias
		ID *MustString `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.JSONRPC != JSONRPCVersion {
		return errInvalidVersion
	}
	if raw.ID == nil {
		return errMissingID
	}
	if raw.Method == "" {
		return errMissingMethod
	}
	*r = JSONRPCRequest(raw.alias)
	r.ID = *raw.ID
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. It rejects envelopes without a method or with an id.
func (n *JSONRPCNotification) UnmarshalJSON(data []byte) error {
	type alias JSONRPCNotification
	var raw struct {
		alias
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.JSONRPC != JSONRPCVersion {
		return errInvalidVersion
	}
	if raw.ID != nil {
		return errUnexpectedID
	}
	if raw.Method == "" {
		return errMissingMethod
	}
	*n = JSONRPCNotification(raw.alias)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. It rejects envelopes without an id and envelopes that
// carry both or neither of result and error.
func (r *JSONRPCResponse) UnmarshalJSON(data []byte) error {
	type alias JSONRPCResponse
	var raw struct {
		alias
		ID *MustString `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.JSONRPC != JSONRPCVersion {
		return errInvalidVersion
	}
	if raw.ID == nil {
		return errMissingID
	}
	if (len(raw.Result) > 0) == (raw.Error != nil) {
		return errResultAndError
	}
	*r = JSONRPCResponse(raw.alias)
	r.ID = *raw.ID
	return nil
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(strconv.FormatInt(int64(v), 10))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

func (j JSONRPCError) Error() string {
	if len(j.Data) == 0 {
		return fmt.Sprintf("request error, code: %d, message: %s", j.Code, j.Message)
	}
	return fmt.Sprintf("request error, code: %d, message: %s, data %s", j.Code, j.Message, j.Data)
}

func newParseError(err error) JSONRPCError {
	return JSONRPCError{
		Code:    CodeParseError,
		Message: fmt.Sprintf("failed to parse message: %s", err),
	}
}

func newResultResponse(id MustString, result any) JSONRPCResponse {
	resBs, err := json.Marshal(result)
	if err != nil {
		return newErrorResponse(id, CodeInternalError, fmt.Sprintf("failed to marshal result: %s", err))
	}
	return JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  resBs,
	}
}

func newErrorResponse(id MustString, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return paramsBs, nil
}
