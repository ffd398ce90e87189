package everything

import (
	"log/slog"
	"os"
	"sync"

	"github.com/TangGee/go-mcp-tools"
)

// Server provides a set of demonstration tools that exercise the tool side of the protocol: plain
// echoes, arithmetic, a cancellable long running operation with progress reports, environment
// introspection and a tool that always fails. It is intended for testing MCP clients.
//
// Callers must call Close when finished, which aborts running long operations.
type Server struct {
	logger   *slog.Logger
	environ  func() []string
	progress chan Progress

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Server.
type Option func(*Server)

const progressBufferSize = 64

// NewServer creates a Server with the given options.
func NewServer(options ...Option) *Server {
	s := &Server{
		logger:   slog.Default(),
		environ:  os.Environ,
		progress: make(chan Progress, progressBufferSize),
		done:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithLogger sets the logger of the Server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger.With(slog.String("package", "everything"))
	}
}

// WithEnviron replaces the source of the environment reported by the printEnv tool.
func WithEnviron(environ func() []string) Option {
	return func(s *Server) {
		s.environ = environ
	}
}

// Tools returns the executors of every tool the Server provides, ready to be passed to mcp.NewServer.
func (s *Server) Tools() []mcp.ToolExecutor {
	return []mcp.ToolExecutor{
		mcp.NewTool("ping", "Echoes back the message prefixed with \"Echo: \"", echoSchema, s.callPing),
		mcp.NewTool("echo", "Echoes back the input", echoSchema, s.callEcho),
		mcp.NewTool("add", "Adds two numbers", addSchema, s.callAdd),
		mcp.NewTool("longRunningOperation", "Demonstrates a long running operation with progress updates",
			longRunningOperationSchema, s.callLongRunningOperation),
		mcp.NewTool("printEnv", "Prints all environment variables, helpful for debugging MCP server configuration",
			emptySchema, s.callPrintEnv),
		mcp.NewTool("fail", "Fails every call, helpful for testing error reporting", emptySchema, s.callFail),
	}
}

// Close stops running long operations. It is safe to call more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
