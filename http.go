package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/tmaxmax/go-sse"
)

// SSEClient implements Transport for servers speaking the legacy HTTP+SSE protocol version
// (2024-11-05). Every request is an HTTP POST to the server URL; the server answers either with a
// JSON body or with an event stream carrying the response.
//
// Instances should be created using NewSSEClient and released with Close.
type SSEClient struct {
	*httpTransport
}

// StreamableHTTPClient implements Transport for the streamable HTTP protocol version (2025-06-18).
// It behaves like SSEClient, and additionally treats a 405 answer as a server that does not support
// the transport at all.
//
// Instances should be created using NewStreamableHTTPClient and released with Close.
type StreamableHTTPClient struct {
	*httpTransport
}

// HTTPTransportOption configures an SSEClient or a StreamableHTTPClient.
type HTTPTransportOption func(*httpTransport)

type httpTransport struct {
	name            string
	url             string
	protocolVersion string
	rejectOn405     bool

	httpClient   *http.Client
	timeout      time.Duration
	maxEventSize int
	logger       *slog.Logger

	nextID atomic.Int64

	// mu guards sessionID and closed.
	mu        sync.Mutex
	sessionID string
	closed    bool
}

const (
	// DefaultMaxPayloadSize is the largest message body accepted by the server, and the largest
	// response body or event read by the HTTP transports.
	DefaultMaxPayloadSize = 10 << 20

	terminateSessionTimeout = 5 * time.Second
	errorBodySnippetSize    = 512
)

var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[a-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`(?i)("?(?:api[_-]?key|access[_-]?token|token|secret|password|authorization)"?\s*[:=]\s*"?)[^"\s,&}]+`),
}

// NewSSEClient creates an SSEClient that posts requests to serverURL. The name identifies the
// transport instance in logs and errors.
func NewSSEClient(name, serverURL string, options ...HTTPTransportOption) (*SSEClient, error) {
	h, err := newHTTPTransport(name, serverURL, ProtocolVersionSSE, false, options...)
	if err != nil {
		return nil, err
	}
	return &SSEClient{httpTransport: h}, nil
}

// NewStreamableHTTPClient creates a StreamableHTTPClient that posts requests to serverURL. The name
// identifies the transport instance in logs and errors.
func NewStreamableHTTPClient(name, serverURL string, options ...HTTPTransportOption) (*StreamableHTTPClient, error) {
	h, err := newHTTPTransport(name, serverURL, ProtocolVersionStreamableHTTP, true, options...)
	if err != nil {
		return nil, err
	}
	return &StreamableHTTPClient{httpTransport: h}, nil
}

// WithHTTPClient sets the HTTP client used to reach the server.
func WithHTTPClient(client *http.Client) HTTPTransportOption {
	return func(h *httpTransport) {
		h.httpClient = client
	}
}

// WithHTTPTimeout bounds every request, including reading its response. The default is 30 seconds.
func WithHTTPTimeout(timeout time.Duration) HTTPTransportOption {
	return func(h *httpTransport) {
		h.timeout = timeout
	}
}

// WithHTTPMaxEventSize sets the maximum size of a response body or of a single event in an event
// stream. The default is DefaultMaxPayloadSize.
func WithHTTPMaxEventSize(size int) HTTPTransportOption {
	return func(h *httpTransport) {
		h.maxEventSize = size
	}
}

// WithHTTPLogger sets the logger of the transport.
func WithHTTPLogger(logger *slog.Logger) HTTPTransportOption {
	return func(h *httpTransport) {
		h.logger = logger.With(slog.String("package", "go-mcp"), slog.String("component", "http-client"))
	}
}

func newHTTPTransport(
	name, serverURL, protocolVersion string,
	rejectOn405 bool,
	options ...HTTPTransportOption,
) (*httpTransport, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q must use http or https", serverURL)
	}

	h := &httpTransport{
		name:            name,
		url:             u.String(),
		protocolVersion: protocolVersion,
		rejectOn405:     rejectOn405,
		timeout:         defaultResponseTimeout,
		maxEventSize:    DefaultMaxPayloadSize,
		logger:          slog.Default(),
	}
	for _, opt := range options {
		opt(h)
	}
	if h.httpClient == nil {
		h.httpClient = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return h, nil
}

// ProtocolVersion returns the protocol version this transport speaks.
func (h *httpTransport) ProtocolVersion() string {
	return h.protocolVersion
}

// SessionID returns the session id issued by the server, or an empty string while no session is held.
func (h *httpTransport) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.sessionID
}

// SendRequest implements Transport.
func (h *httpTransport) SendRequest(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error) {
	if h.isClosed() {
		return JSONRPCResponse{}, fmt.Errorf("%w: %s", ErrTransportClosed, h.name)
	}

	if req.ID == "" {
		req.ID = MustString(strconv.FormatInt(h.nextID.Add(1), 10))
	}
	req.JSONRPC = JSONRPCVersion
	reqBs, err := json.Marshal(req)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	initialize := req.Method == MethodInitialize
	httpReq, sessionID, err := h.newPost(ctx, reqBs, initialize)
	if err != nil {
		return JSONRPCResponse{}, err
	}

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return JSONRPCResponse{}, fmt.Errorf("%w: %s request %s to %s after %s: %w",
				ErrTimeout, req.Method, req.ID, h.name, h.timeout, err)
		}
		return JSONRPCResponse{}, fmt.Errorf("failed to send request to %s: %w", h.name, err)
	}
	defer resp.Body.Close()

	if err := h.checkStatus(resp, sessionID); err != nil {
		return JSONRPCResponse{}, err
	}

	if initialize {
		// A server that opted out of sessions sends no header; the transport then never attaches one.
		h.setSession(resp.Header.Get(HeaderSessionID))
	}

	res, err := h.decodeResponse(resp, req.ID)
	if err != nil {
		return JSONRPCResponse{}, err
	}
	if res.Error != nil {
		return res, *res.Error
	}
	return res, nil
}

// SendNotification implements Transport.
func (h *httpTransport) SendNotification(ctx context.Context, notif JSONRPCNotification) error {
	if h.isClosed() {
		return fmt.Errorf("%w: %s", ErrTransportClosed, h.name)
	}

	notif.JSONRPC = JSONRPCVersion
	notifBs, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	httpReq, sessionID, err := h.newPost(ctx, notifBs, false)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send notification to %s: %w", h.name, err)
	}
	defer resp.Body.Close()

	if err := h.checkStatus(resp, sessionID); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, int64(h.maxEventSize)))
	return nil
}

// Close implements Transport. When a session is held it asks the server to terminate it; failures of
// that request are logged and otherwise ignored.
func (h *httpTransport) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	sessionID := h.sessionID
	h.sessionID = ""
	h.mu.Unlock()

	if sessionID != "" {
		h.terminateSession(sessionID)
	}
	h.httpClient.CloseIdleConnections()
	return nil
}

func (h *httpTransport) newPost(ctx context.Context, body []byte, initialize bool) (*http.Request, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	if initialize {
		return httpReq, "", nil
	}
	// Sent even without a session: the server gates every non-initialize request on it.
	httpReq.Header.Set(HeaderProtocolVersion, h.protocolVersion)
	sessionID := h.SessionID()
	if sessionID != "" {
		// Set the map directly to keep the lower-cased header name on the wire.
		httpReq.Header[HeaderSessionID] = []string{sessionID}
	}
	return httpReq, sessionID, nil
}

func (h *httpTransport) checkStatus(resp *http.Response, sessionID string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound && sessionID != "":
		h.expireSession(sessionID)
		return fmt.Errorf("%w: %s no longer knows session %s, initialize again before retrying",
			ErrSessionExpired, h.name, sessionID)
	case resp.StatusCode == http.StatusMethodNotAllowed && h.rejectOn405:
		return fmt.Errorf("%w: %s answered %s", ErrTransportUnsupported, h.name, resp.Status)
	case resp.StatusCode >= http.StatusBadRequest:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4*errorBodySnippetSize))
		return fmt.Errorf("%w: %s answered %s: %s", ErrUnexpectedStatus, h.name, resp.Status, redactBody(snippet))
	}
	return nil
}

func (h *httpTransport) decodeResponse(resp *http.Response, id MustString) (JSONRPCResponse, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return parseSSEResponse(resp.Body, id, h.maxEventSize, h.logger)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(h.maxEventSize)+1))
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > h.maxEventSize {
		return JSONRPCResponse{}, fmt.Errorf("response body from %s exceeds %d bytes", h.name, h.maxEventSize)
	}
	res, err := ParseResponse(body)
	if err != nil {
		return JSONRPCResponse{}, err
	}
	if res.ID != id {
		return JSONRPCResponse{}, fmt.Errorf("response id %s does not match request id %s", res.ID, id)
	}
	return res, nil
}

// parseSSEResponse returns the first event in r whose data is a JSON-RPC response to the request id.
// Events with other payloads, such as "[DONE]" markers or notifications, are skipped.
func parseSSEResponse(r io.Reader, id MustString, maxEventSize int, logger *slog.Logger) (JSONRPCResponse, error) {
	var config *sse.ReadConfig
	if maxEventSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxEventSize,
		}
	}

	for ev, err := range sse.Read(r, config) {
		if err != nil {
			return JSONRPCResponse{}, fmt.Errorf("failed to read event stream: %w", err)
		}

		data := strings.TrimSpace(string(ev.Data))
		if data == "" || data == "[DONE]" {
			continue
		}
		res, err := ParseResponse([]byte(data))
		if err != nil {
			logger.Debug("skipping event without a response", slog.String("type", string(ev.Type)), slog.String("err", err.Error()))
			continue
		}
		if res.ID != id {
			logger.Warn("skipping response for another request", slog.String("requestID", string(res.ID)))
			continue
		}
		return res, nil
	}

	return JSONRPCResponse{}, fmt.Errorf("%w: %w", ErrNoResponse, JSONRPCError{
		Code:    CodeParseError,
		Message: fmt.Sprintf("event stream ended without a response to request %s", id),
	})
}

func (h *httpTransport) terminateSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), terminateSessionTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, h.url, nil)
	if err != nil {
		h.logger.Debug("failed to create session termination request", slog.String("err", err.Error()))
		return
	}
	httpReq.Header[HeaderSessionID] = []string{sessionID}
	httpReq.Header.Set(HeaderProtocolVersion, h.protocolVersion)

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		h.logger.Debug("failed to terminate session", slog.String("sessionID", sessionID), slog.String("err", err.Error()))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		h.logger.Debug("server refused session termination",
			slog.String("sessionID", sessionID), slog.Int("status", resp.StatusCode))
	}
}

func (h *httpTransport) setSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessionID = sessionID
}

// expireSession forgets sessionID unless a newer session replaced it in the meantime.
func (h *httpTransport) expireSession(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessionID == sessionID {
		h.sessionID = ""
	}
}

func (h *httpTransport) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.closed
}

func redactBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "${1}[REDACTED]")
	}
	if len(s) > errorBodySnippetSize {
		cut := errorBodySnippetSize
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
