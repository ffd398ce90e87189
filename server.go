package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/qri-io/jsonschema"
	"github.com/sourcegraph/conc/panics"
	"github.com/tmaxmax/go-sse"
	"golang.org/x/sync/semaphore"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements the protocol server side. It exposes a fixed set of tools to callers over HTTP
// (POST and DELETE on one path, see Handler) or over a pair of streams (see ServeStdIO).
//
// Over HTTP, a successful initialize creates a session whose ID is returned in the mcp-session-id
// header; requests presenting a session ID are validated against the SessionStore, and a DELETE with
// the header terminates the session. Every non-initialize request must carry a supported
// MCP-Protocol-Version header.
type Server struct {
	info         Info
	instructions string

	tools    map[string]serverTool
	toolList []Tool

	sessions    *SessionStore
	path        string
	maxBodySize int64
	workers     int64
	stateless   bool
	registerer  prometheus.Registerer

	logger  *slog.Logger
	metrics *serverMetrics
	pool    *semaphore.Weighted
	handler http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
}

type serverTool struct {
	executor ToolExecutor
	schema   *jsonschema.Schema
}

// requestMeta carries what the transport knows about a request besides its body.
type requestMeta struct {
	// overHTTP enables the protocol version gate and session handling.
	overHTTP        bool
	protocolVersion string
	sessionID       string
}

const (
	// DefaultServerPath is the endpoint path used when WithServerPath is not given.
	DefaultServerPath = "/mcp"
	// DefaultServerWorkers bounds the number of requests handled at once.
	DefaultServerWorkers = 16

	serverReadHeaderTimeout = 10 * time.Second
)

// NewServer creates a Server exposing tools. Tool names must be unique, and every non-empty input
// schema must be a valid JSON Schema.
func NewServer(info Info, tools []ToolExecutor, options ...ServerOption) (*Server, error) {
	s := &Server{
		info:        info,
		tools:       make(map[string]serverTool, len(tools)),
		path:        DefaultServerPath,
		maxBodySize: DefaultMaxPayloadSize,
		workers:     DefaultServerWorkers,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.sessions == nil {
		s.sessions = NewSessionStore()
	}
	if s.workers <= 0 {
		s.workers = DefaultServerWorkers
	}
	if s.maxBodySize <= 0 {
		s.maxBodySize = DefaultMaxPayloadSize
	}
	if !strings.HasPrefix(s.path, "/") {
		s.path = "/" + s.path
	}

	for _, executor := range tools {
		tool := executor.Tool()
		if tool.Name == "" {
			return nil, errors.New("tool name is required")
		}
		if _, ok := s.tools[tool.Name]; ok {
			return nil, fmt.Errorf("duplicate tool %q", tool.Name)
		}
		st := serverTool{executor: executor}
		if len(tool.InputSchema) > 0 {
			schema := &jsonschema.Schema{}
			if err := json.Unmarshal(tool.InputSchema, schema); err != nil {
				return nil, fmt.Errorf("failed to parse input schema of tool %q: %w", tool.Name, err)
			}
			st.schema = schema
		}
		s.tools[tool.Name] = st
		s.toolList = append(s.toolList, tool)
	}

	if s.registerer != nil {
		m, err := newServerMetrics(s.registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		s.metrics = m
	}

	s.pool = semaphore.NewWeighted(s.workers)
	s.handler = s.routes()
	return s, nil
}

// WithServerPath sets the endpoint path served by Handler. The default is DefaultServerPath.
func WithServerPath(path string) ServerOption {
	return func(s *Server) {
		s.path = path
	}
}

// WithServerMaxBodySize sets the largest accepted request body. The default is DefaultMaxPayloadSize.
func WithServerMaxBodySize(size int64) ServerOption {
	return func(s *Server) {
		s.maxBodySize = size
	}
}

// WithServerWorkers sets how many requests are handled at once. The default is DefaultServerWorkers.
func WithServerWorkers(workers int) ServerOption {
	return func(s *Server) {
		s.workers = int64(workers)
	}
}

// WithServerStateless makes the server skip session creation on initialize.
func WithServerStateless() ServerOption {
	return func(s *Server) {
		s.stateless = true
	}
}

// WithServerSessionStore sets the store holding the server's sessions.
func WithServerSessionStore(store *SessionStore) ServerOption {
	return func(s *Server) {
		s.sessions = store
	}
}

// WithServerInstructions sets the instructions returned to clients on initialize.
func WithServerInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerMetrics registers the server's Prometheus collectors with reg.
func WithServerMetrics(reg prometheus.Registerer) ServerOption {
	return func(s *Server) {
		s.registerer = reg
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(slog.String("package", "go-mcp"), slog.String("component", "server"))
	}
}

// Handler returns the http.Handler serving POST and DELETE on the server's path.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Sessions returns the store holding the server's sessions.
func (s *Server) Sessions() *SessionStore {
	return s.sessions
}

// Serve accepts HTTP connections on l until Shutdown or Close is called, in which case it returns
// http.ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	if s.httpServer == nil {
		s.httpServer = &http.Server{
			Handler:           s.handler,
			ReadHeaderTimeout: serverReadHeaderTimeout,
			ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
		}
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("serving", slog.String("addr", l.Addr().String()), slog.String("path", s.path))
	return srv.Serve(l)
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(l)
}

// Shutdown stops accepting connections and waits for in-flight requests until ctx is done. Calling
// it again, or after Close, does nothing.
func (s *Server) Shutdown(ctx context.Context) error {
	srv, ok := s.markClosed()
	if !ok || srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}

// Close stops the server immediately. Calling it again, or after Shutdown, does nothing.
func (s *Server) Close() error {
	srv, ok := s.markClosed()
	if !ok || srv == nil {
		return nil
	}
	if err := srv.Close(); err != nil {
		return fmt.Errorf("failed to close http server: %w", err)
	}
	return nil
}

// ServeStdIO serves newline-delimited JSON-RPC messages read from r and writes responses to w, one
// per line. Requests are handled concurrently, bounded by the worker pool. It returns nil when r is
// exhausted, or the context error when ctx is done; in both cases only after every started request
// has been answered.
func (s *Server) ServeStdIO(ctx context.Context, r io.Reader, w io.Writer) error {
	lines := make(chan []byte)
	readErrs := make(chan error, 1)
	go func() {
		// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
		reader := bufio.NewReader(r)
		for {
			line, err := reader.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErrs <- err
				return
			}
		}
	}()

	var writeMu sync.Mutex
	writeResponse := func(res JSONRPCResponse) {
		resBs, err := json.Marshal(res)
		if err != nil {
			s.logger.Error("failed to marshal response", slog.String("err", err.Error()))
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()

		if _, err := w.Write(append(resBs, '\n')); err != nil {
			s.logger.Error("failed to write response", slog.String("err", err.Error()))
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrs:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		case line := <-lines:
			if !isRequestBody(line) {
				s.handleNotification(line)
				continue
			}
			if err := s.pool.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.pool.Release(1)

				res, _ := s.handleRequestBody(ctx, line, requestMeta{})
				writeResponse(res)
			}()
		}
	}
}

func (s *Server) markClosed() (*http.Server, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}
	s.closed = true
	return s.httpServer, true
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverPanics, s.limitConcurrency)
	r.Post(s.path, s.handlePost)
	r.Delete(s.path, s.handleDelete)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var pc panics.Catcher
		pc.Try(func() {
			next.ServeHTTP(w, r)
		})
		if rec := pc.Recovered(); rec != nil {
			s.logger.Error("panic while handling request",
				slog.String("path", r.URL.Path), slog.String("err", rec.AsError().Error()))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	})
}

func (s *Server) limitConcurrency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.pool.Acquire(r.Context(), 1); err != nil {
			http.Error(w, "request cancelled while waiting for a worker", http.StatusServiceUnavailable)
			return
		}
		defer s.pool.Release(1)

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	// Declared length is checked before anything is read.
	if r.ContentLength > s.maxBodySize {
		s.metrics.observe("", outcomeRejected, 0)
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.metrics.observe("", outcomeRejected, 0)
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.logger.Warn("failed to read request body", slog.String("err", err.Error()))
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	if !isRequestBody(body) {
		s.handleNotification(body)
		w.WriteHeader(http.StatusOK)
		return
	}

	meta := requestMeta{
		overHTTP:        true,
		protocolVersion: r.Header.Get(HeaderProtocolVersion),
		sessionID:       r.Header.Get(HeaderSessionID),
	}
	res, sessionID := s.handleRequestBody(r.Context(), body, meta)
	s.writeResponse(w, r, res, sessionID)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	}
	if !s.sessions.Remove(sessionID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	s.metrics.setSessions(s.sessions.Len())
	s.logger.Info("session terminated", slog.String("sessionID", sessionID))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) writeResponse(w http.ResponseWriter, r *http.Request, res JSONRPCResponse, sessionID string) {
	if sessionID != "" {
		w.Header().Set(HeaderSessionID, sessionID)
	}
	resBs, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("failed to marshal response", slog.String("err", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	if wantsEventStream(r) {
		sess, err := sse.Upgrade(w, r)
		if err == nil {
			msg := &sse.Message{
				Type: sse.Type("message"),
			}
			msg.AppendData(string(resBs))
			if err := sess.Send(msg); err != nil {
				s.logger.Warn("failed to send response event", slog.String("err", err.Error()))
				return
			}
			if err := sess.Flush(); err != nil {
				s.logger.Warn("failed to flush response event", slog.String("err", err.Error()))
			}
			return
		}
		s.logger.Warn("failed to upgrade to event stream, answering with json", slog.String("err", err.Error()))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resBs); err != nil {
		s.logger.Warn("failed to write response", slog.String("err", err.Error()))
	}
}

// handleRequestBody answers one request body. It returns the response and the session ID to
// advertise, if any.
func (s *Server) handleRequestBody(ctx context.Context, body []byte, meta requestMeta) (JSONRPCResponse, string) {
	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.metrics.observe("", outcomeError, 0)
		if !json.Valid(body) {
			return newErrorResponse(unknownRequestID, CodeParseError, fmt.Sprintf("parse error: %s", err)), ""
		}
		return newErrorResponse(probeRequestID(body), CodeInvalidRequest, fmt.Sprintf("invalid request: %s", err)), ""
	}

	start := time.Now()
	res, sessionID := s.dispatch(ctx, req, meta)
	outcome := outcomeOK
	if res.Error != nil {
		outcome = outcomeError
		s.logger.Debug("request failed", slog.String("method", req.Method), slog.String("requestID", string(req.ID)),
			slog.Int("code", res.Error.Code), slog.String("err", res.Error.Message))
	}
	s.metrics.observe(req.Method, outcome, time.Since(start))
	return res, sessionID
}

func (s *Server) dispatch(ctx context.Context, req JSONRPCRequest, meta requestMeta) (JSONRPCResponse, string) {
	if meta.overHTTP && req.Method != MethodInitialize && !IsSupportedProtocolVersion(meta.protocolVersion) {
		return newErrorResponse(req.ID, CodeInvalidProtocolVersion, fmt.Sprintf(
			"unsupported protocol version %q in %s header, supported: %s",
			meta.protocolVersion, HeaderProtocolVersion, strings.Join(SupportedProtocolVersions(), ", "))), ""
	}

	switch req.Method {
	case MethodInitialize:
		return s.initialize(req, meta)
	case MethodPing:
		return newResultResponse(req.ID, struct{}{}), s.activeSession(meta)
	case MethodToolsList, MethodToolsCall:
		if meta.sessionID != "" {
			if _, ok := s.sessions.Get(meta.sessionID); !ok {
				return newErrorResponse(req.ID, CodeInvalidRequest, fmt.Sprintf("unknown session %q", meta.sessionID)), ""
			}
		}
		if req.Method == MethodToolsList {
			return newResultResponse(req.ID, ListToolsResult{Tools: s.listTools()}), meta.sessionID
		}
		return s.callTool(ctx, req), meta.sessionID
	default:
		return newErrorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method)), ""
	}
}

func (s *Server) initialize(req JSONRPCRequest, meta requestMeta) (JSONRPCResponse, string) {
	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("failed to parse params: %s", err)), ""
		}
	}

	version := params.ProtocolVersion
	if !IsSupportedProtocolVersion(version) {
		version = SupportedProtocolVersions()[0]
	}

	result := InitializeResult{
		ProtocolVersion: version,
		Capabilities: ServerCapabilities{
			Tools: &ToolsCapability{},
		},
		ServerInfo:   s.info,
		Instructions: s.instructions,
	}

	var sessionID string
	if meta.overHTTP && !s.stateless {
		sess := s.sessions.Create(version)
		sessionID = sess.ID
		s.metrics.setSessions(s.sessions.Len())
	}
	s.logger.Info("client initialized",
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocolVersion", version),
		slog.String("sessionID", sessionID))

	return newResultResponse(req.ID, result), sessionID
}

func (s *Server) callTool(ctx context.Context, req JSONRPCRequest) JSONRPCResponse {
	var params CallToolParams
	if len(req.Params) == 0 {
		return newErrorResponse(req.ID, CodeInvalidParams, "missing params")
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return newErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("failed to parse params: %s", err))
	}
	if params.Name == "" {
		return newErrorResponse(req.ID, CodeInvalidParams, "missing tool name")
	}

	tool, ok := s.tools[params.Name]
	if !ok {
		return newErrorResponse(req.ID, CodeToolNotFound, fmt.Sprintf("tool %q not found", params.Name))
	}

	args := params.Arguments
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	if tool.schema != nil {
		keyErrs, err := tool.schema.ValidateBytes(ctx, args)
		if err != nil {
			return newErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("failed to validate arguments: %s", err))
		}
		if len(keyErrs) > 0 {
			msgs := make([]string, 0, len(keyErrs))
			for _, ke := range keyErrs {
				msgs = append(msgs, fmt.Sprintf("%s: %s", ke.PropertyPath, ke.Message))
			}
			return newErrorResponse(req.ID, CodeInvalidParams,
				fmt.Sprintf("invalid arguments for tool %q: %s", params.Name, strings.Join(msgs, "; ")))
		}
	}

	out, err := executeTool(ctx, tool.executor, args)
	if err != nil {
		return newErrorResponse(req.ID, CodeToolExecutionError, err.Error())
	}
	result, err := newCallToolResult(out)
	if err != nil {
		return newErrorResponse(req.ID, CodeToolExecutionError, err.Error())
	}
	return newResultResponse(req.ID, result)
}

func (s *Server) handleNotification(body []byte) {
	var notif JSONRPCNotification
	if err := json.Unmarshal(body, &notif); err != nil {
		s.logger.Debug("ignoring malformed notification", slog.String("err", err.Error()))
		s.metrics.observe("", outcomeNotification, 0)
		return
	}
	s.metrics.observe(notif.Method, outcomeNotification, 0)

	switch notif.Method {
	case MethodNotificationsInitialized:
		s.logger.Debug("client finished initialization")
	case MethodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(notif.Params, &params); err != nil {
			s.logger.Debug("ignoring malformed cancellation", slog.String("err", err.Error()))
			return
		}
		s.logger.Info("request cancelled by client",
			slog.String("requestID", string(params.RequestID)), slog.String("reason", params.Reason))
	default:
		s.logger.Debug("ignoring notification", slog.String("method", notif.Method))
	}
}

func (s *Server) listTools() []Tool {
	tools := make([]Tool, len(s.toolList))
	copy(tools, s.toolList)
	return tools
}

// activeSession returns the presented session ID if the store knows it.
func (s *Server) activeSession(meta requestMeta) string {
	if meta.sessionID == "" {
		return ""
	}
	if _, ok := s.sessions.Get(meta.sessionID); !ok {
		return ""
	}
	return meta.sessionID
}

func executeTool(ctx context.Context, executor ToolExecutor, args json.RawMessage) (json.RawMessage, error) {
	var out json.RawMessage
	var err error
	var pc panics.Catcher
	pc.Try(func() {
		out, err = executor.Execute(ctx, args)
	})
	if rec := pc.Recovered(); rec != nil {
		return nil, fmt.Errorf("tool %s panicked: %v", executor.Tool().Name, rec.Value)
	}
	return out, err
}

// newCallToolResult wraps the raw JSON produced by a tool. A JSON string becomes the text content as
// is, any other value is carried as compact JSON text. Objects are also returned as structured content.
func newCallToolResult(out json.RawMessage) (CallToolResult, error) {
	if len(bytes.TrimSpace(out)) == 0 {
		out = json.RawMessage("null")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, out); err != nil {
		return CallToolResult{}, fmt.Errorf("tool returned invalid json: %w", err)
	}

	text := compact.String()
	var str string
	if err := json.Unmarshal(compact.Bytes(), &str); err == nil {
		text = str
	}
	result := CallToolResult{
		Content: []Content{
			{Type: ContentTypeText, Text: text},
		},
	}
	if bytes.HasPrefix(compact.Bytes(), []byte("{")) {
		result.StructuredContent = json.RawMessage(compact.Bytes())
	}
	return result, nil
}

// isRequestBody reports whether body carries an id, which makes it a request rather than a
// notification. Bodies that are not valid JSON count as requests only when an "id" member of the
// outermost object appears before the syntax error.
func isRequestBody(body []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err == nil {
		_, ok := probe["id"]
		return ok
	}
	return hasTopLevelID(body)
}

func hasTopLevelID(body []byte) bool {
	type level struct {
		object    bool
		expectKey bool
	}
	var stack []level

	dec := json.NewDecoder(bytes.NewReader(body))
	for {
		tok, err := dec.Token()
		if err != nil {
			return false
		}

		switch v := tok.(type) {
		case json.Delim:
			if v == '{' || v == '[' {
				stack = append(stack, level{object: v == '{', expectKey: true})
				continue
			}
			stack = stack[:len(stack)-1]
		case string:
			if n := len(stack); n > 0 && stack[n-1].object && stack[n-1].expectKey {
				if n == 1 && v == "id" {
					return true
				}
				stack[n-1].expectKey = false
				continue
			}
		}

		// tok completed a value; the enclosing object expects a key next.
		if n := len(stack); n > 0 && stack[n-1].object {
			stack[n-1].expectKey = true
		}
	}
}

func probeRequestID(body []byte) MustString {
	var probe struct {
		ID MustString `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.ID == "" {
		return unknownRequestID
	}
	return probe.ID
}

func wantsEventStream(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/event-stream") && !strings.Contains(accept, "application/json")
}
