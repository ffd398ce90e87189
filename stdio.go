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
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc/panics"
)

// StdioClient implements Transport over the standard input and output of a child process, using
// newline-delimited JSON-RPC messages.
//
// The process is started lazily by the first SendRequest or SendNotification. Any number of
// goroutines may call SendRequest concurrently: writes to the child's stdin are serialized, and a
// single reader goroutine routes every response line to the caller waiting for its ID, regardless of
// the order the child answers in. If the process dies, pending requests fail and the next call
// starts a new process.
//
// Resources must be released by calling Close when the StdioClient is no longer needed.
type StdioClient struct {
	name    string
	command []string
	env     []string
	dir     string
	logger  *slog.Logger

	responseTimeout time.Duration
	startupGrace    time.Duration
	shutdownWait    time.Duration

	nextID atomic.Int64

	// mu guards proc and closed.
	mu     sync.Mutex
	proc   *stdioProcess
	closed bool
}

// StdioOption configures a StdioClient.
type StdioOption func(*StdioClient)

type stdioProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File
	logger *slog.Logger

	writeMu      sync.Mutex
	writer       *bufio.Writer
	writeTimeout time.Duration

	pendingMu sync.Mutex
	pending   map[MustString]chan stdioResult
	// failErr is set once every pending request has been failed; later registrations fail with it.
	failErr error

	stderrBuf *tailBuffer

	stop        chan struct{}
	exited      chan struct{}
	readerDone  chan struct{}
	stderrDone  chan struct{}
	firstOutput chan struct{}

	outputOnce   sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

type stdioResult struct {
	line []byte
	err  error
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

const (
	defaultResponseTimeout = 30 * time.Second
	defaultStartupGrace    = 500 * time.Millisecond
	defaultShutdownWait    = 5 * time.Second

	readerJoinWait  = 2 * time.Second
	stderrDrainWait = time.Second
	stderrTailSize  = 8 * 1024
)

// NewStdioClient creates a StdioClient that runs command, with command[0] as the executable and the
// rest as its arguments. The name identifies the transport instance in logs and errors.
func NewStdioClient(name string, command []string, options ...StdioOption) (*StdioClient, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, errors.New("stdio command is empty")
	}
	s := &StdioClient{
		name:            name,
		command:         append([]string(nil), command...),
		logger:          slog.Default(),
		responseTimeout: defaultResponseTimeout,
		startupGrace:    defaultStartupGrace,
		shutdownWait:    defaultShutdownWait,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// WithStdioEnv adds environment variables to the child process, on top of the current process
// environment.
func WithStdioEnv(env map[string]string) StdioOption {
	return func(s *StdioClient) {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s.env = append(s.env, k+"="+env[k])
		}
	}
}

// WithStdioDir sets the working directory of the child process.
func WithStdioDir(dir string) StdioOption {
	return func(s *StdioClient) {
		s.dir = dir
	}
}

// WithStdioLogger sets the logger of the StdioClient.
func WithStdioLogger(logger *slog.Logger) StdioOption {
	return func(s *StdioClient) {
		s.logger = logger.With(slog.String("package", "go-mcp"), slog.String("component", "stdio-client"))
	}
}

// WithStdioResponseTimeout sets how long SendRequest waits for a response. The default is 30 seconds.
func WithStdioResponseTimeout(timeout time.Duration) StdioOption {
	return func(s *StdioClient) {
		s.responseTimeout = timeout
	}
}

// WithStdioStartupGrace sets how long a freshly started process that produces no output must stay
// alive before it is considered started. The default is 500 milliseconds.
func WithStdioStartupGrace(grace time.Duration) StdioOption {
	return func(s *StdioClient) {
		s.startupGrace = grace
	}
}

// WithStdioShutdownWait sets how long Close waits for the process to exit after interrupting it,
// before killing it. The default is 5 seconds.
func WithStdioShutdownWait(wait time.Duration) StdioOption {
	return func(s *StdioClient) {
		s.shutdownWait = wait
	}
}

// ProtocolVersion returns the protocol version the client proposes over stdio.
func (s *StdioClient) ProtocolVersion() string {
	return ProtocolVersionStreamableHTTP
}

// SendRequest implements Transport.
func (s *StdioClient) SendRequest(ctx context.Context, req JSONRPCRequest) (JSONRPCResponse, error) {
	p, err := s.ensureStarted(ctx)
	if err != nil {
		return JSONRPCResponse{}, err
	}

	if req.ID == "" {
		req.ID = MustString(strconv.FormatInt(s.nextID.Add(1), 10))
	}
	req.JSONRPC = JSONRPCVersion
	reqBs, err := json.Marshal(req)
	if err != nil {
		return JSONRPCResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	results, err := p.register(req.ID)
	if err != nil {
		return JSONRPCResponse{}, err
	}
	if err := p.writeLine(reqBs); err != nil {
		p.unregister(req.ID)
		if !p.alive() {
			p.drainStderr()
			return JSONRPCResponse{}, fmt.Errorf("%w: failed to write request %s to %s: %w, stderr: %q",
				ErrProcessExited, req.ID, s.name, err, p.stderrBuf.String())
		}
		return JSONRPCResponse{}, fmt.Errorf("failed to write request %s to %s: %w", req.ID, s.name, err)
	}

	timer := time.NewTimer(s.responseTimeout)
	defer timer.Stop()

	var result stdioResult
	select {
	case result = <-results:
	case <-timer.C:
		p.unregister(req.ID)
		return JSONRPCResponse{}, fmt.Errorf("%w: %s request %s to %s after %s, stderr: %q",
			ErrTimeout, req.Method, req.ID, s.name, s.responseTimeout, p.stderrBuf.String())
	case <-ctx.Done():
		p.unregister(req.ID)
		return JSONRPCResponse{}, fmt.Errorf("failed to wait for response: %w", ctx.Err())
	}
	if result.err != nil {
		return JSONRPCResponse{}, result.err
	}

	res, err := ParseResponse(result.line)
	if err != nil {
		return JSONRPCResponse{}, err
	}
	if res.ID != req.ID {
		return JSONRPCResponse{}, fmt.Errorf("response id %s does not match request id %s", res.ID, req.ID)
	}
	if res.Error != nil {
		return res, *res.Error
	}
	return res, nil
}

// SendNotification implements Transport.
func (s *StdioClient) SendNotification(ctx context.Context, notif JSONRPCNotification) error {
	p, err := s.ensureStarted(ctx)
	if err != nil {
		return err
	}
	notif.JSONRPC = JSONRPCVersion
	notifBs, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := p.writeLine(notifBs); err != nil {
		return fmt.Errorf("failed to write notification to %s: %w", s.name, err)
	}
	return nil
}

// Close implements Transport. It fails every pending request, closes the child's streams, interrupts
// the child and kills it if it does not exit within the shutdown wait.
func (s *StdioClient) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	p := s.proc
	s.proc = nil
	s.mu.Unlock()

	if p == nil {
		return nil
	}
	return p.shutdown(s.shutdownWait)
}

func (s *StdioClient) ensureStarted(ctx context.Context) (*stdioProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("%w: %s", ErrTransportClosed, s.name)
	}
	if s.proc != nil {
		if s.proc.alive() {
			return s.proc, nil
		}
		s.logger.Info("process is no longer running, restarting", slog.String("name", s.name))
		if err := s.proc.shutdown(s.shutdownWait); err != nil {
			s.logger.Warn("failed to release dead process", slog.String("err", err.Error()))
		}
		s.proc = nil
	}

	p, err := s.start(ctx)
	if err != nil {
		return nil, err
	}
	s.proc = p
	return p, nil
}

func (s *StdioClient) start(ctx context.Context) (*stdioProcess, error) {
	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.Dir = s.dir
	if len(s.env) > 0 {
		cmd.Env = append(os.Environ(), s.env...)
	}

	// Plain pipes instead of the exec.Cmd pipe helpers: Wait never closes our ends while the reader
	// goroutines still use them, and the stdin end supports write deadlines.
	var ends []*os.File
	closeEnds := func() {
		for _, f := range ends {
			_ = f.Close()
		}
	}
	pipe := func() (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err == nil {
			ends = append(ends, r, w)
		}
		return r, w, err
	}
	stdinR, stdinW, err := pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := pipe()
	if err != nil {
		closeEnds()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := pipe()
	if err != nil {
		closeEnds()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeEnds()
		return nil, fmt.Errorf("failed to start %s (%s): %w", s.name, s.command[0], err)
	}
	// The child owns these ends now.
	_ = stdinR.Close()
	_ = stdoutW.Close()
	_ = stderrW.Close()

	p := &stdioProcess{
		cmd:          cmd,
		stdin:        stdinW,
		stdout:       stdoutR,
		stderr:       stderrR,
		logger:       s.logger.With(slog.String("name", s.name)),
		writer:       bufio.NewWriter(stdinW),
		writeTimeout: s.responseTimeout,
		pending:      make(map[MustString]chan stdioResult),
		stderrBuf:    &tailBuffer{max: stderrTailSize},
		stop:         make(chan struct{}),
		exited:       make(chan struct{}),
		readerDone:   make(chan struct{}),
		stderrDone:   make(chan struct{}),
		firstOutput:  make(chan struct{}),
	}
	go p.wait()
	go p.readStderr()
	go p.readLoop()

	p.logger.Debug("process started", slog.Int("pid", cmd.Process.Pid))

	timer := time.NewTimer(s.startupGrace)
	defer timer.Stop()

	select {
	case <-p.firstOutput:
	case <-timer.C:
	case <-p.exited:
		p.drainStderr()
		_ = p.shutdown(s.shutdownWait)
		return nil, fmt.Errorf("%w: %s exited during startup, stderr: %q", ErrProcessExited, s.name, p.stderrBuf.String())
	case <-ctx.Done():
		_ = p.shutdown(s.shutdownWait)
		return nil, fmt.Errorf("failed to wait for process startup: %w", ctx.Err())
	}

	if !p.alive() {
		p.drainStderr()
		_ = p.shutdown(s.shutdownWait)
		return nil, fmt.Errorf("%w: %s exited during startup, stderr: %q", ErrProcessExited, s.name, p.stderrBuf.String())
	}
	return p, nil
}

func (p *stdioProcess) alive() bool {
	select {
	case <-p.exited:
		return false
	case <-p.readerDone:
		return false
	default:
	}

	// The reader fails pending requests before it finishes.
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	return p.failErr == nil
}

func (p *stdioProcess) wait() {
	err := p.cmd.Wait()
	if err != nil {
		p.logger.Debug("process exited", slog.String("err", err.Error()))
	}
	close(p.exited)
}

func (p *stdioProcess) register(id MustString) (chan stdioResult, error) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	if p.failErr != nil {
		return nil, p.failErr
	}
	if _, ok := p.pending[id]; ok {
		return nil, fmt.Errorf("request id %s is already in flight", id)
	}
	results := make(chan stdioResult, 1)
	p.pending[id] = results
	return results, nil
}

func (p *stdioProcess) unregister(id MustString) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	delete(p.pending, id)
}

func (p *stdioProcess) take(id MustString) (chan stdioResult, bool) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	results, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	return results, ok
}

func (p *stdioProcess) failPending(err error) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()

	if p.failErr == nil {
		p.failErr = err
	}
	for id, results := range p.pending {
		results <- stdioResult{err: err}
		delete(p.pending, id)
	}
}

func (p *stdioProcess) writeLine(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.stop:
		return ErrTransportClosed
	default:
	}

	if err := p.stdin.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		p.logger.Debug("failed to set write deadline", slog.String("err", err.Error()))
	}
	if _, err := p.writer.Write(line); err != nil {
		return err
	}
	if err := p.writer.WriteByte('\n'); err != nil {
		return err
	}
	return p.writer.Flush()
}

func (p *stdioProcess) readLoop() {
	defer close(p.readerDone)

	var readErr error
	var pc panics.Catcher
	pc.Try(func() {
		readErr = p.readLines()
	})

	var failErr error
	select {
	case <-p.stop:
		failErr = fmt.Errorf("%w: transport closing", ErrTransportClosed)
	default:
		if r := pc.Recovered(); r != nil {
			p.logger.Error("stdio reader crashed", slog.String("err", r.AsError().Error()))
			failErr = fmt.Errorf("stdio reader crashed: %w", r.AsError())
			break
		}
		p.drainStderr()
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			p.logger.Error("failed to read from process", slog.String("err", readErr.Error()))
			failErr = fmt.Errorf("%w: failed to read stdout: %w, stderr: %q", ErrProcessExited, readErr, p.stderrBuf.String())
			break
		}
		failErr = fmt.Errorf("%w: stdout closed, stderr: %q", ErrProcessExited, p.stderrBuf.String())
	}
	p.failPending(failErr)
}

func (p *stdioProcess) readLines() error {
	// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(p.stdout)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			p.signalOutput()
			p.route(line)
		}
		if err != nil {
			return err
		}
	}
}

func (p *stdioProcess) route(line []byte) {
	var probe struct {
		ID     *MustString `json:"id"`
		Method string      `json:"method"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		p.logger.Warn("failed to parse line from process", slog.String("err", err.Error()))
		return
	}
	if probe.ID == nil {
		p.logger.Debug("ignoring notification from process", slog.String("method", probe.Method))
		return
	}
	if probe.Method != "" {
		p.logger.Warn("ignoring request from process",
			slog.String("method", probe.Method), slog.String("requestID", string(*probe.ID)))
		return
	}

	results, ok := p.take(*probe.ID)
	if !ok {
		p.logger.Warn("dropping response for unknown request", slog.String("requestID", string(*probe.ID)))
		return
	}
	results <- stdioResult{line: line}
}

func (p *stdioProcess) readStderr() {
	defer close(p.stderrDone)

	reader := bufio.NewReader(p.stderr)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			p.signalOutput()
			_, _ = p.stderrBuf.Write([]byte(line))
			p.logger.Debug("process stderr", slog.String("line", string(bytes.TrimRight([]byte(line), "\r\n"))))
		}
		if err != nil {
			return
		}
	}
}

// drainStderr gives the stderr reader a bounded chance to consume what a dead process wrote.
func (p *stdioProcess) drainStderr() {
	select {
	case <-p.stderrDone:
	case <-time.After(stderrDrainWait):
	}
}

func (p *stdioProcess) signalOutput() {
	p.outputOnce.Do(func() {
		close(p.firstOutput)
	})
}

func (p *stdioProcess) shutdown(wait time.Duration) error {
	p.shutdownOnce.Do(func() {
		p.shutdownErr = p.doShutdown(wait)
	})
	return p.shutdownErr
}

func (p *stdioProcess) doShutdown(wait time.Duration) error {
	close(p.stop)
	p.failPending(fmt.Errorf("%w: transport closing", ErrTransportClosed))

	var result error

	// Closing stdin signals EOF to a well-behaved child, closing our stdout end unblocks the reader.
	if err := p.stdin.Close(); err != nil && !isAlreadyClosed(err) {
		result = multierror.Append(result, fmt.Errorf("failed to close stdin: %w", err))
	}
	if err := p.stdout.Close(); err != nil && !isAlreadyClosed(err) {
		result = multierror.Append(result, fmt.Errorf("failed to close stdout: %w", err))
	}
	select {
	case <-p.readerDone:
	case <-time.After(readerJoinWait):
		result = multierror.Append(result, errors.New("timed out waiting for stdout reader"))
	}

	select {
	case <-p.exited:
	default:
		if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Debug("failed to interrupt process", slog.String("err", err.Error()))
		}
		select {
		case <-p.exited:
		case <-time.After(wait):
			p.logger.Warn("process did not exit after interrupt, killing it")
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				result = multierror.Append(result, fmt.Errorf("failed to kill process: %w", err))
			}
			select {
			case <-p.exited:
			case <-time.After(wait):
				result = multierror.Append(result, errors.New("timed out waiting for killed process"))
			}
		}
	}

	if err := p.stderr.Close(); err != nil && !isAlreadyClosed(err) {
		result = multierror.Append(result, fmt.Errorf("failed to close stderr: %w", err))
	}
	return result
}

func isAlreadyClosed(err error) bool {
	return errors.Is(err, os.ErrClosed)
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return string(bytes.TrimSpace(b.buf))
}
