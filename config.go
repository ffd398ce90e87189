package mcp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// TransportKind selects the Transport implementation built by NewTransport.
type TransportKind string

// TransportConfig describes one Transport. Command, Env and Dir apply to the stdio kind, URL to
// the HTTP kinds. A zero Timeout means the default of 30 seconds.
//
// The struct carries koanf tags so callers can load it from configuration files and environment.
type TransportConfig struct {
	Kind    TransportKind     `koanf:"kind" json:"kind"`
	Name    string            `koanf:"name" json:"name"`
	Command []string          `koanf:"command" json:"command,omitempty"`
	Env     map[string]string `koanf:"env" json:"env,omitempty"`
	Dir     string            `koanf:"dir" json:"dir,omitempty"`
	URL     string            `koanf:"url" json:"url,omitempty"`
	Timeout time.Duration     `koanf:"timeout" json:"timeout,omitempty"`
}

// TransportOption configures NewTransport.
type TransportOption func(*transportOptions)

type transportOptions struct {
	logger *slog.Logger
	stdio  []StdioOption
	http   []HTTPTransportOption
}

// TransportKind values.
const (
	TransportKindStdio          TransportKind = "stdio"
	TransportKindSSE            TransportKind = "sse"
	TransportKindStreamableHTTP TransportKind = "streamable-http"
)

// WithTransportLogger sets the logger of the transport built by NewTransport.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(o *transportOptions) {
		o.logger = logger
	}
}

// WithStdioOptions passes options to the StdioClient built by NewTransport. They are ignored for the
// HTTP kinds.
func WithStdioOptions(options ...StdioOption) TransportOption {
	return func(o *transportOptions) {
		o.stdio = append(o.stdio, options...)
	}
}

// WithHTTPOptions passes options to the SSEClient or StreamableHTTPClient built by NewTransport. They
// are ignored for the stdio kind.
func WithHTTPOptions(options ...HTTPTransportOption) TransportOption {
	return func(o *transportOptions) {
		o.http = append(o.http, options...)
	}
}

// Validate reports whether the configuration describes a usable transport.
func (c TransportConfig) Validate() error {
	if c.Name == "" {
		return errors.New("transport name is required")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("transport %s: timeout must not be negative", c.Name)
	}

	switch c.Kind {
	case TransportKindStdio:
		if len(c.Command) == 0 || c.Command[0] == "" {
			return fmt.Errorf("transport %s: stdio transport requires a command", c.Name)
		}
		if c.URL != "" {
			return fmt.Errorf("transport %s: stdio transport does not take a url", c.Name)
		}
	case TransportKindSSE, TransportKindStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("transport %s: %s transport requires a url", c.Name, c.Kind)
		}
		u, err := url.Parse(c.URL)
		if err != nil {
			return fmt.Errorf("transport %s: invalid url: %w", c.Name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("transport %s: url must use http or https", c.Name)
		}
		if len(c.Command) > 0 {
			return fmt.Errorf("transport %s: %s transport does not take a command", c.Name, c.Kind)
		}
	default:
		return fmt.Errorf("transport %s: unknown kind %q", c.Name, c.Kind)
	}
	return nil
}

// NewTransport validates cfg and builds the matching Transport. The configuration is copied, later
// changes to cfg do not affect the returned transport.
func NewTransport(cfg TransportConfig, options ...TransportOption) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts transportOptions
	for _, opt := range options {
		opt(&opts)
	}

	switch cfg.Kind {
	case TransportKindStdio:
		stdioOpts := []StdioOption{WithStdioEnv(cfg.Env), WithStdioDir(cfg.Dir)}
		if cfg.Timeout > 0 {
			stdioOpts = append(stdioOpts, WithStdioResponseTimeout(cfg.Timeout))
		}
		if opts.logger != nil {
			stdioOpts = append(stdioOpts, WithStdioLogger(opts.logger))
		}
		s, err := NewStdioClient(cfg.Name, cfg.Command, append(stdioOpts, opts.stdio...)...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TransportKindSSE, TransportKindStreamableHTTP:
		var httpOpts []HTTPTransportOption
		if cfg.Timeout > 0 {
			httpOpts = append(httpOpts, WithHTTPTimeout(cfg.Timeout))
		}
		if opts.logger != nil {
			httpOpts = append(httpOpts, WithHTTPLogger(opts.logger))
		}
		httpOpts = append(httpOpts, opts.http...)
		if cfg.Kind == TransportKindSSE {
			s, err := NewSSEClient(cfg.Name, cfg.URL, httpOpts...)
			if err != nil {
				return nil, err
			}
			return s, nil
		}
		s, err := NewStreamableHTTPClient(cfg.Name, cfg.URL, httpOpts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
}
