package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TangGee/go-mcp-tools"
	"github.com/TangGee/go-mcp-tools/servers/everything"
	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serverInfo = mcp.Info{Name: "everything", Version: "1.0.0"}

type app struct {
	configPath string
	cfg        Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:          "everything",
		Short:        "Serve or call the everything MCP tool set",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "YAML or JSON config file")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(a.serveCmd(), a.stdioCmd(), a.callCmd())
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return err
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	return nil
}

// applyFlags copies the flags the user set explicitly over cfg.
func applyFlags(cmd *cobra.Command, cfg *Config) error {
	flags := cmd.Flags()
	changed := func(name string) bool {
		return flags.Lookup(name) != nil && flags.Changed(name)
	}

	var result *multierror.Error
	var err error
	if changed("log-level") {
		cfg.LogLevel, err = flags.GetString("log-level")
		result = multierror.Append(result, err)
	}
	if changed("addr") {
		cfg.Addr, err = flags.GetString("addr")
		result = multierror.Append(result, err)
	}
	if changed("path") {
		cfg.Path, err = flags.GetString("path")
		result = multierror.Append(result, err)
	}
	if changed("workers") {
		cfg.Workers, err = flags.GetInt("workers")
		result = multierror.Append(result, err)
	}
	if changed("stateless") {
		cfg.Stateless, err = flags.GetBool("stateless")
		result = multierror.Append(result, err)
	}
	if changed("kind") {
		var kind string
		kind, err = flags.GetString("kind")
		cfg.Transport.Kind = mcp.TransportKind(kind)
		result = multierror.Append(result, err)
	}
	if changed("url") {
		cfg.Transport.URL, err = flags.GetString("url")
		result = multierror.Append(result, err)
	}
	if changed("command") {
		cfg.Transport.Command, err = flags.GetStringSlice("command")
		result = multierror.Append(result, err)
	}
	if changed("timeout") {
		cfg.Transport.Timeout, err = flags.GetDuration("timeout")
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (a *app) newServer(tools *everything.Server, options ...mcp.ServerOption) (*mcp.Server, error) {
	options = append([]mcp.ServerOption{
		mcp.WithServerPath(a.cfg.Path),
		mcp.WithServerWorkers(a.cfg.Workers),
		mcp.WithServerMaxBodySize(a.cfg.MaxBodySize),
		mcp.WithServerInstructions(a.cfg.Instructions),
		mcp.WithServerLogger(a.logger),
	}, options...)
	if a.cfg.Stateless {
		options = append(options, mcp.WithServerStateless())
	}
	return mcp.NewServer(serverInfo, tools.Tools(), options...)
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tools over streamable HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			l, err := net.Listen("tcp", a.cfg.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", a.cfg.Addr, err)
			}
			return a.serve(ctx, l)
		},
	}
	cmd.Flags().String("addr", "", "address to listen on")
	cmd.Flags().String("path", "", "endpoint path")
	cmd.Flags().Int("workers", 0, "maximum number of requests handled at once")
	cmd.Flags().Bool("stateless", false, "do not create sessions")
	return cmd
}

// serve runs the MCP endpoint and the metrics endpoint on l until ctx is done.
func (a *app) serve(ctx context.Context, l net.Listener) error {
	tools := everything.NewServer(everything.WithLogger(a.logger))
	defer tools.Close()
	go logProgress(ctx, tools, a.logger)

	reg := prometheus.NewRegistry()
	srv, err := a.newServer(tools, mcp.WithServerMetrics(reg))
	if err != nil {
		return err
	}
	defer srv.Close()

	r := chi.NewRouter()
	r.Handle(a.cfg.Path, srv.Handler())
	r.Handle(a.cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}

	errs := make(chan error, 1)
	go func() {
		a.logger.Info("serving", slog.String("addr", l.Addr().String()),
			slog.String("path", a.cfg.Path), slog.String("metrics", a.cfg.MetricsPath))
		errs <- httpServer.Serve(l)
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Abort long running tools first so in-flight requests can finish.
	tools.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown: %w", err)
	}
	return nil
}

// logProgress logs the progress reports of long running tools until ctx is done, then logs the
// reports still queued.
func logProgress(ctx context.Context, tools *everything.Server, logger *slog.Logger) {
	log := func(p everything.Progress) {
		logger.Info("tool progress", slog.String("tool", p.Tool),
			slog.Int("progress", p.Progress), slog.Int("total", p.Total))
	}
	for {
		select {
		case p := <-tools.ProgressReports():
			log(p)
		case <-ctx.Done():
			for {
				select {
				case p := <-tools.ProgressReports():
					log(p)
				default:
					return
				}
			}
		}
	}
}

func (a *app) stdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Serve the tools over stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tools := everything.NewServer(everything.WithLogger(a.logger))
			defer tools.Close()
			go logProgress(ctx, tools, a.logger)

			srv, err := a.newServer(tools)
			if err != nil {
				return err
			}
			err = srv.ServeStdIO(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func (a *app) callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call [tool] [json arguments]",
		Short: "Initialize a session, list the tools and optionally call one",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			params, err := parseCallArgs(args)
			if err != nil {
				return err
			}
			return a.call(ctx, cmd, params)
		},
	}
	cmd.Flags().String("kind", "", "transport kind: stdio, sse or streamable-http")
	cmd.Flags().String("url", "", "server URL for the HTTP transports")
	cmd.Flags().StringSlice("command", nil, "server command for the stdio transport")
	cmd.Flags().Duration("timeout", 0, "response timeout")
	return cmd
}

// parseCallArgs turns the positional arguments of the call command into the tool call to make, or
// nil when only the tool list is wanted.
func parseCallArgs(args []string) (*mcp.CallToolParams, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := &mcp.CallToolParams{Name: args[0]}
	if len(args) > 1 {
		if !json.Valid([]byte(args[1])) {
			return nil, fmt.Errorf("tool arguments are not valid JSON: %s", args[1])
		}
		params.Arguments = json.RawMessage(args[1])
	}
	return params, nil
}

func (a *app) call(ctx context.Context, cmd *cobra.Command, params *mcp.CallToolParams) error {
	tr, err := mcp.NewTransport(a.cfg.Transport, mcp.WithTransportLogger(a.logger))
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	cli := mcp.NewClient(mcp.Info{Name: "everything-cli", Version: serverInfo.Version}, tr,
		mcp.WithClientLogger(a.logger))
	defer func() {
		if err := cli.Close(); err != nil {
			a.logger.Warn("failed to close client", slog.String("err", err.Error()))
		}
	}()

	result, err := cli.Initialize(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connected to %s %s (protocol %s)\n",
		result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)

	tools, err := cli.ListTools(ctx, mcp.ListToolsParams{})
	if err != nil {
		return err
	}
	for _, tool := range tools.Tools {
		fmt.Fprintf(out, "- %s: %s\n", tool.Name, tool.Description)
	}

	if params == nil {
		return nil
	}
	callResult, err := cli.CallTool(ctx, *params)
	if err != nil {
		return err
	}
	for _, content := range callResult.Content {
		fmt.Fprintln(out, content.Text)
	}
	return nil
}
