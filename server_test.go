package mcp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-tools"
	"github.com/prometheus/client_golang/prometheus"
)

const initializeBody = `{"jsonrpc":"2.0","id":"init","method":"initialize","params":{` +
	`"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"test-client","version":"1.0"}}}`

var echoSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": { "type": "string" }
  },
  "required": ["message"]
}`)

func echoTool() mcp.ToolExecutor {
	return mcp.NewTool("ping", "Echoes back the message", echoSchema,
		func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
			var params struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return nil, err
			}
			return json.Marshal("Echo: " + params.Message)
		})
}

func failingTool() mcp.ToolExecutor {
	return mcp.NewTool("fail", "Always fails", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("disk on fire")
		})
}

func panickingTool() mcp.ToolExecutor {
	return mcp.NewTool("panic", "Always panics", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			panic("boom")
		})
}

func objectTool() mcp.ToolExecutor {
	return mcp.NewTool("sum", "Returns an object", nil,
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{ "sum" : 3 }`), nil
		})
}

func newTestServer(t *testing.T, options ...mcp.ServerOption) *mcp.Server {
	t.Helper()

	srv, err := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"},
		[]mcp.ToolExecutor{echoTool(), failingTool(), panickingTool(), objectTool()}, options...)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func post(t *testing.T, srv *mcp.Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, mcp.DefaultServerPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeRecorded(t *testing.T, rec *httptest.ResponseRecorder) mcp.JSONRPCResponse {
	t.Helper()

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	res, err := mcp.ParseResponse(rec.Body.Bytes())
	if err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
	return res
}

func initSession(t *testing.T, srv *mcp.Server) string {
	t.Helper()

	rec := post(t, srv, initializeBody, nil)
	res := decodeRecorded(t, rec)
	if res.Error != nil {
		t.Fatalf("initialize failed: %v", res.Error)
	}
	sessionID := rec.Header().Get(mcp.HeaderSessionID)
	if sessionID == "" {
		t.Fatal("expected a session id header on initialize")
	}
	return sessionID
}

func versionHeaders(sessionID string) map[string]string {
	headers := map[string]string{mcp.HeaderProtocolVersion: mcp.ProtocolVersionStreamableHTTP}
	if sessionID != "" {
		headers[mcp.HeaderSessionID] = sessionID
	}
	return headers
}

func TestServerInitialize(t *testing.T) {
	tests := []struct {
		name        string
		requested   string
		wantVersion string
	}{
		{
			name:        "current version",
			requested:   mcp.ProtocolVersionStreamableHTTP,
			wantVersion: mcp.ProtocolVersionStreamableHTTP,
		},
		{
			name:        "legacy version",
			requested:   mcp.ProtocolVersionSSE,
			wantVersion: mcp.ProtocolVersionSSE,
		},
		{
			name:        "unknown version falls back to the newest",
			requested:   "2030-01-01",
			wantVersion: mcp.ProtocolVersionStreamableHTTP,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, mcp.WithServerInstructions("be nice"))
			body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":%q,`+
				`"capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`, tt.requested)

			rec := post(t, srv, body, nil)
			res := decodeRecorded(t, rec)
			if res.Error != nil {
				t.Fatalf("unexpected error: %v", res.Error)
			}
			if res.ID != "1" {
				t.Errorf("ID = %q, want %q", res.ID, "1")
			}

			var result mcp.InitializeResult
			if err := json.Unmarshal(res.Result, &result); err != nil {
				t.Fatalf("failed to unmarshal result: %v", err)
			}
			if result.ProtocolVersion != tt.wantVersion {
				t.Errorf("ProtocolVersion = %q, want %q", result.ProtocolVersion, tt.wantVersion)
			}
			if result.ServerInfo.Name != "test-server" {
				t.Errorf("ServerInfo.Name = %q, want %q", result.ServerInfo.Name, "test-server")
			}
			if result.Capabilities.Tools == nil {
				t.Error("expected tools capability")
			}
			if result.Instructions != "be nice" {
				t.Errorf("Instructions = %q, want %q", result.Instructions, "be nice")
			}

			sessionID := rec.Header().Get(mcp.HeaderSessionID)
			sess, ok := srv.Sessions().Get(sessionID)
			if !ok {
				t.Fatalf("session %q not stored", sessionID)
			}
			if sess.ProtocolVersion != tt.wantVersion {
				t.Errorf("session ProtocolVersion = %q, want %q", sess.ProtocolVersion, tt.wantVersion)
			}
		})
	}
}

func TestServerStateless(t *testing.T) {
	srv := newTestServer(t, mcp.WithServerStateless())

	rec := post(t, srv, initializeBody, nil)
	if res := decodeRecorded(t, rec); res.Error != nil {
		t.Fatalf("initialize failed: %v", res.Error)
	}
	if got := rec.Header().Get(mcp.HeaderSessionID); got != "" {
		t.Errorf("expected no session header, got %q", got)
	}
	if srv.Sessions().Len() != 0 {
		t.Errorf("expected no sessions, got %d", srv.Sessions().Len())
	}

	rec = post(t, srv, `{"jsonrpc":"2.0","id":"2","method":"tools/list"}`, versionHeaders(""))
	if res := decodeRecorded(t, rec); res.Error != nil {
		t.Fatalf("tools/list failed: %v", res.Error)
	}
}

func TestServerPayloadCeiling(t *testing.T) {
	srv := newTestServer(t)

	t.Run("declared length", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, mcp.DefaultServerPath, strings.NewReader(initializeBody))
		req.ContentLength = mcp.DefaultMaxPayloadSize + 1
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
		}
		if srv.Sessions().Len() != 0 {
			t.Error("expected the body not to be handled")
		}
	})

	t.Run("streamed body", func(t *testing.T) {
		body := `{"jsonrpc":"2.0","id":"1","method":"tools/list","params":{"cursor":"` +
			strings.Repeat("a", mcp.DefaultMaxPayloadSize) + `"}}`
		req := httptest.NewRequest(http.MethodPost, mcp.DefaultServerPath, strings.NewReader(body))
		req.ContentLength = -1
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
		}
	})

	t.Run("custom ceiling", func(t *testing.T) {
		small := newTestServer(t, mcp.WithServerMaxBodySize(64))
		rec := post(t, small, initializeBody, nil)
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
		}
	})
}

func TestServerNotificationSilence(t *testing.T) {
	srv := newTestServer(t)

	bodies := []string{
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"3","reason":"user"}}`,
		`{"jsonrpc":"2.0","method":"notifications/unknown"}`,
		`{"jsonrpc":"2.0","method":`,
		`{"jsonrpc":"2.0","method":"notifications/progress","params":{"id":1}`,
		`{"jsonrpc":"2.0","method":"notifications/progress","params":[{"id":1}],"note":"id":`,
		`not json at all`,
		`{"jsonrpc":"2.0"}`,
	}
	for _, body := range bodies {
		rec := post(t, srv, body, nil)
		if rec.Code != http.StatusOK {
			t.Errorf("body %q: status = %d, want %d", body, rec.Code, http.StatusOK)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("body %q: expected empty response, got %q", body, rec.Body.String())
		}
	}
}

func TestServerMalformedRequest(t *testing.T) {
	srv := newTestServer(t)

	rec := post(t, srv, `{"jsonrpc":"2.0","id":"5","method":`, nil)
	res := decodeRecorded(t, rec)
	if res.Error == nil || res.Error.Code != mcp.CodeParseError {
		t.Fatalf("expected parse error, got %+v", res)
	}
	if res.ID != "unknown" {
		t.Errorf("ID = %q, want %q", res.ID, "unknown")
	}

	rec = post(t, srv, `{"jsonrpc":"2.0","params":{"nested":{"id":1}},"id":"7","method":`, nil)
	res = decodeRecorded(t, rec)
	if res.Error == nil || res.Error.Code != mcp.CodeParseError {
		t.Fatalf("expected parse error after a nested object, got %+v", res)
	}

	rec = post(t, srv, `{"jsonrpc":"2.0","id":"6"}`, nil)
	res = decodeRecorded(t, rec)
	if res.Error == nil || res.Error.Code != mcp.CodeInvalidRequest {
		t.Fatalf("expected invalid request, got %+v", res)
	}
	if res.ID != "6" {
		t.Errorf("ID = %q, want %q", res.ID, "6")
	}
}

func TestServerProtocolVersionGate(t *testing.T) {
	srv := newTestServer(t)
	sessionID := initSession(t, srv)

	tests := []struct {
		name     string
		headers  map[string]string
		wantCode int
	}{
		{
			name:     "missing header",
			headers:  map[string]string{mcp.HeaderSessionID: sessionID},
			wantCode: mcp.CodeInvalidProtocolVersion,
		},
		{
			name:     "unsupported version",
			headers:  map[string]string{mcp.HeaderSessionID: sessionID, mcp.HeaderProtocolVersion: "1999-01-01"},
			wantCode: mcp.CodeInvalidProtocolVersion,
		},
		{
			name:    "current version",
			headers: versionHeaders(sessionID),
		},
		{
			name:    "legacy version",
			headers: map[string]string{mcp.HeaderSessionID: sessionID, mcp.HeaderProtocolVersion: mcp.ProtocolVersionSSE},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := decodeRecorded(t, post(t, srv, `{"jsonrpc":"2.0","id":"2","method":"tools/list"}`, tt.headers))
			if tt.wantCode == 0 {
				if res.Error != nil {
					t.Fatalf("unexpected error: %v", res.Error)
				}
				return
			}
			if res.Error == nil || res.Error.Code != tt.wantCode {
				t.Fatalf("expected code %d, got %+v", tt.wantCode, res)
			}
		})
	}

	// initialize is exempt from the gate.
	rec := post(t, srv, initializeBody, map[string]string{mcp.HeaderProtocolVersion: "1999-01-01"})
	if res := decodeRecorded(t, rec); res.Error != nil {
		t.Fatalf("initialize failed: %v", res.Error)
	}
}

func TestServerSessions(t *testing.T) {
	srv := newTestServer(t)
	sessionID := initSession(t, srv)

	rec := post(t, srv, `{"jsonrpc":"2.0","id":"2","method":"tools/list"}`, versionHeaders(sessionID))
	res := decodeRecorded(t, rec)
	if res.Error != nil {
		t.Fatalf("tools/list failed: %v", res.Error)
	}
	if got := rec.Header().Get(mcp.HeaderSessionID); got != sessionID {
		t.Errorf("session header = %q, want %q", got, sessionID)
	}

	res = decodeRecorded(t, post(t, srv, `{"jsonrpc":"2.0","id":"3","method":"tools/list"}`, versionHeaders("nope")))
	if res.Error == nil || res.Error.Code != mcp.CodeInvalidRequest {
		t.Fatalf("expected invalid request for unknown session, got %+v", res)
	}

	del := func(id string) int {
		req := httptest.NewRequest(http.MethodDelete, mcp.DefaultServerPath, nil)
		if id != "" {
			req.Header.Set(mcp.HeaderSessionID, id)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := del(""); code != http.StatusBadRequest {
		t.Errorf("DELETE without session: status = %d, want %d", code, http.StatusBadRequest)
	}
	if code := del("nope"); code != http.StatusNotFound {
		t.Errorf("DELETE unknown session: status = %d, want %d", code, http.StatusNotFound)
	}
	if code := del(sessionID); code != http.StatusOK {
		t.Errorf("DELETE session: status = %d, want %d", code, http.StatusOK)
	}
	if code := del(sessionID); code != http.StatusNotFound {
		t.Errorf("DELETE removed session: status = %d, want %d", code, http.StatusNotFound)
	}

	res = decodeRecorded(t, post(t, srv, `{"jsonrpc":"2.0","id":"4","method":"tools/call","params":{"name":"ping"}}`,
		versionHeaders(sessionID)))
	if res.Error == nil || res.Error.Code != mcp.CodeInvalidRequest {
		t.Fatalf("expected invalid request for terminated session, got %+v", res)
	}
}

func TestServerToolsCall(t *testing.T) {
	srv := newTestServer(t)
	sessionID := initSession(t, srv)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantMsg  string
		wantText string
	}{
		{
			name:     "echo",
			body:     `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"ping","arguments":{"message":"Hello World"}}}`,
			wantText: "Echo: Hello World",
		},
		{
			name:     "object result",
			body:     `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"sum"}}`,
			wantText: `{"sum":3}`,
		},
		{
			name:     "unknown tool",
			body:     `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"nope"}}`,
			wantCode: mcp.CodeToolNotFound,
			wantMsg:  "nope",
		},
		{
			name:     "tool failure",
			body:     `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"fail"}}`,
			wantCode: mcp.CodeToolExecutionError,
			wantMsg:  "disk on fire",
		},
		{
			name:     "tool panic",
			body:     `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"panic"}}`,
			wantCode: mcp.CodeToolExecutionError,
			wantMsg:  "boom",
		},
		{
			name:     "missing required argument",
			body:     `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"ping","arguments":{}}}`,
			wantCode: mcp.CodeInvalidParams,
		},
		{
			name:     "wrong argument type",
			body:     `{"jsonrpc":"2.0","id":"1","method":"tools/call","params":{"name":"ping","arguments":{"message":5}}}`,
			wantCode: mcp.CodeInvalidParams,
		},
		{
			name:     "missing params",
			body:     `{"jsonrpc":"2.0","id":"1","method":"tools/call"}`,
			wantCode: mcp.CodeInvalidParams,
		},
		{
			name:     "unknown method",
			body:     `{"jsonrpc":"2.0","id":"1","method":"resources/list"}`,
			wantCode: mcp.CodeMethodNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := decodeRecorded(t, post(t, srv, tt.body, versionHeaders(sessionID)))
			if tt.wantCode != 0 {
				if res.Error == nil || res.Error.Code != tt.wantCode {
					t.Fatalf("expected code %d, got %+v", tt.wantCode, res)
				}
				if !strings.Contains(res.Error.Message, tt.wantMsg) {
					t.Errorf("message %q does not contain %q", res.Error.Message, tt.wantMsg)
				}
				return
			}
			if res.Error != nil {
				t.Fatalf("unexpected error: %v", res.Error)
			}

			var result mcp.CallToolResult
			if err := json.Unmarshal(res.Result, &result); err != nil {
				t.Fatalf("failed to unmarshal result: %v", err)
			}
			if result.IsError {
				t.Error("expected isError to be false")
			}
			if len(result.Content) != 1 || result.Content[0].Type != mcp.ContentTypeText {
				t.Fatalf("unexpected content %+v", result.Content)
			}
			if result.Content[0].Text != tt.wantText {
				t.Errorf("text = %q, want %q", result.Content[0].Text, tt.wantText)
			}
		})
	}
}

func TestServerEventStreamReply(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, mcp.DefaultServerPath, strings.NewReader(initializeBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	if rec.Header().Get(mcp.HeaderSessionID) == "" {
		t.Error("expected a session header on the event stream")
	}

	var data string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		if after, ok := strings.CutPrefix(scanner.Text(), "data:"); ok {
			data = strings.TrimSpace(after)
			break
		}
	}
	res, err := mcp.ParseResponse([]byte(data))
	if err != nil {
		t.Fatalf("failed to parse event data %q: %v", data, err)
	}
	if res.ID != "init" || res.Error != nil {
		t.Errorf("unexpected response %+v", res)
	}
}

func TestServerMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, mcp.DefaultServerPath, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestServerRejectsInvalidTools(t *testing.T) {
	_, err := mcp.NewServer(mcp.Info{Name: "s"}, []mcp.ToolExecutor{echoTool(), echoTool()})
	if err == nil {
		t.Error("expected an error for duplicate tool names")
	}

	bad := mcp.NewTool("bad", "", json.RawMessage(`{"type":`), nil)
	if _, err := mcp.NewServer(mcp.Info{Name: "s"}, []mcp.ToolExecutor{bad}); err == nil {
		t.Error("expected an error for an invalid input schema")
	}
}

func TestServerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := newTestServer(t, mcp.WithServerMetrics(reg))
	sessionID := initSession(t, srv)
	decodeRecorded(t, post(t, srv, `{"jsonrpc":"2.0","id":"2","method":"tools/list"}`, versionHeaders(sessionID)))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	found := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch mf.GetName() {
			case "mcp_server_requests_total":
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "method" {
						found[lp.GetValue()] += m.GetCounter().GetValue()
					}
				}
			case "mcp_server_sessions":
				found["sessions"] = m.GetGauge().GetValue()
			}
		}
	}
	if found[mcp.MethodInitialize] != 1 || found[mcp.MethodToolsList] != 1 {
		t.Errorf("unexpected request counts %v", found)
	}
	if found["sessions"] != 1 {
		t.Errorf("sessions gauge = %v, want 1", found["sessions"])
	}

	if _, err := mcp.NewServer(mcp.Info{Name: "s"}, nil, mcp.WithServerMetrics(reg)); err == nil {
		t.Error("expected an error when registering metrics twice")
	}
}

func TestServerLifecycle(t *testing.T) {
	srv := newTestServer(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(l)
	}()

	url := "http://" + l.Addr().String() + mcp.DefaultServerPath
	var resp *http.Response
	for range 50 {
		resp, err = http.Post(url, "application/json", strings.NewReader(initializeBody))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to reach server: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() after Shutdown() error = %v", err)
	}

	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Serve() error = %v, want %v", err, http.ErrServerClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Serve() after Shutdown error = %v, want %v", err, http.ErrServerClosed)
	}
}

func TestServerCloseIdempotent(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestServerServeStdIO(t *testing.T) {
	srv := newTestServer(t)

	input := strings.Join([]string{
		initializeBody,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":"list","method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":"call","method":"tools/call","params":{"name":"ping","arguments":{"message":"stdio"}}}`,
		`{"jsonrpc":"2.0","id":"bad","method":`,
		`{"jsonrpc":"2.0","id":"ping","method":"ping"}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.ServeStdIO(ctx, strings.NewReader(input), &out); err != nil {
		t.Fatalf("ServeStdIO() error = %v", err)
	}

	responses := make(map[mcp.MustString]mcp.JSONRPCResponse)
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		res, err := mcp.ParseResponse([]byte(line))
		if err != nil {
			t.Fatalf("failed to parse line %q: %v", line, err)
		}
		responses[res.ID] = res
	}
	if len(responses) != 5 {
		t.Fatalf("expected 5 responses, got %d: %s", len(responses), out.String())
	}
	for _, id := range []mcp.MustString{"init", "list", "call", "ping"} {
		if res, ok := responses[id]; !ok || res.Error != nil {
			t.Errorf("response %s = %+v", id, res)
		}
	}
	if res := responses["unknown"]; res.Error == nil || res.Error.Code != mcp.CodeParseError {
		t.Errorf("expected a parse error for the malformed line, got %+v", res)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(responses["call"].Result, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "Echo: stdio" {
		t.Errorf("unexpected result %+v", result)
	}
}
