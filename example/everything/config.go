package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/TangGee/go-mcp-tools"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "MCP_"

// Config is the configuration of every subcommand. Values come from an optional YAML or JSON file,
// then from MCP_ prefixed environment variables, then from explicitly set flags.
type Config struct {
	LogLevel string `koanf:"log_level"`

	// Server settings, used by serve and stdio.
	Addr         string `koanf:"addr"`
	Path         string `koanf:"path"`
	MetricsPath  string `koanf:"metrics_path"`
	Workers      int    `koanf:"workers"`
	MaxBodySize  int64  `koanf:"max_body_size"`
	Stateless    bool   `koanf:"stateless"`
	Instructions string `koanf:"instructions"`

	// Transport is the server the call command talks to.
	Transport mcp.TransportConfig `koanf:"transport"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:    "info",
		Addr:        ":8080",
		Path:        mcp.DefaultServerPath,
		MetricsPath: "/metrics",
		Workers:     mcp.DefaultServerWorkers,
		MaxBodySize: mcp.DefaultMaxPayloadSize,
		Transport: mcp.TransportConfig{
			Kind: mcp.TransportKindStreamableHTTP,
			Name: "everything",
			URL:  "http://localhost:8080" + mcp.DefaultServerPath,
		},
	}
}

// loadConfig layers the config file at path, if any, and the environment over the defaults.
func loadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// MCP_LOG_LEVEL sets log_level, MCP_TRANSPORT__URL sets transport.url.
	err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, interface{}) {
		key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
		key = strings.ReplaceAll(key, "__", ".")
		if key == "transport.command" {
			return key, strings.Fields(value)
		}
		return key, value
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := defaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func parserFor(path string) koanf.Parser {
	switch filepath.Ext(path) {
	case ".json":
		return json.Parser()
	default:
		return yaml.Parser()
	}
}
