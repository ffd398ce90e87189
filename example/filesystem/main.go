package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TangGee/go-mcp-tools"
	"github.com/TangGee/go-mcp-tools/servers/filesystem"
	"github.com/go-chi/chi/v5"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

type options struct {
	addr     string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:          "filesystem root...",
		Short:        "Serve filesystem tools restricted to the given root directories",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, roots []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, opts, roots)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "serve streamable HTTP on this address instead of stdio")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, opts options, roots []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", opts.logLevel, err)
	}
	logger := slog.New(tint.NewHandler(cmd.ErrOrStderr(), &tint.Options{
		Level:      level,
		TimeFormat: "[15:04:05.000]",
	}))

	tools, err := filesystem.NewServer(roots, filesystem.WithLogger(logger))
	if err != nil {
		return err
	}
	srv, err := mcp.NewServer(mcp.Info{Name: "filesystem", Version: "1.0.0"}, tools.Tools(),
		mcp.WithServerLogger(logger),
		mcp.WithServerInstructions("Paths are relative to "+tools.Roots()[0]+" unless absolute."))
	if err != nil {
		return err
	}
	defer srv.Close()

	if opts.addr == "" {
		err := srv.ServeStdIO(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	l, err := net.Listen("tcp", opts.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", opts.addr, err)
	}
	r := chi.NewRouter()
	r.Handle(mcp.DefaultServerPath, srv.Handler())
	httpServer := &http.Server{Handler: r, ReadHeaderTimeout: 15 * time.Second}

	errs := make(chan error, 1)
	go func() {
		logger.Info("serving", slog.String("addr", l.Addr().String()), slog.Any("roots", tools.Roots()))
		errs <- httpServer.Serve(l)
	}()
	select {
	case err := <-errs:
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
