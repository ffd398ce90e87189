package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/TangGee/go-mcp-tools"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "everything.yaml")
	err := os.WriteFile(yamlPath, []byte(`
log_level: debug
addr: "127.0.0.1:9000"
stateless: true
transport:
  kind: stdio
  name: local
  command: ["everything", "stdio"]
  timeout: 5s
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}
	jsonPath := filepath.Join(dir, "everything.json")
	err = os.WriteFile(jsonPath, []byte(`{"workers": 4, "transport": {"kind": "sse", "url": "http://localhost:9000/mcp"}}`), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadConfig("")
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if !reflect.DeepEqual(cfg, defaultConfig()) {
			t.Errorf("loadConfig() = %+v, want %+v", cfg, defaultConfig())
		}
	})

	t.Run("yaml", func(t *testing.T) {
		cfg, err := loadConfig(yamlPath)
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.LogLevel != "debug" || cfg.Addr != "127.0.0.1:9000" || !cfg.Stateless {
			t.Errorf("unexpected server settings %+v", cfg)
		}
		if cfg.Path != mcp.DefaultServerPath {
			t.Errorf("Path = %q, want the default", cfg.Path)
		}
		want := mcp.TransportConfig{
			Kind:    mcp.TransportKindStdio,
			Name:    "local",
			Command: []string{"everything", "stdio"},
			URL:     "http://localhost:8080" + mcp.DefaultServerPath,
			Timeout: 5 * time.Second,
		}
		if !reflect.DeepEqual(cfg.Transport, want) {
			t.Errorf("Transport = %+v, want %+v", cfg.Transport, want)
		}
	})

	t.Run("json", func(t *testing.T) {
		cfg, err := loadConfig(jsonPath)
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.Workers != 4 {
			t.Errorf("Workers = %d, want 4", cfg.Workers)
		}
		if cfg.Transport.Kind != mcp.TransportKindSSE || cfg.Transport.URL != "http://localhost:9000/mcp" {
			t.Errorf("unexpected transport %+v", cfg.Transport)
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("MCP_LOG_LEVEL", "warn")
		t.Setenv("MCP_WORKERS", "2")
		t.Setenv("MCP_TRANSPORT__NAME", "from-env")
		t.Setenv("MCP_TRANSPORT__COMMAND", "server --stdio")

		cfg, err := loadConfig(yamlPath)
		if err != nil {
			t.Fatalf("loadConfig() error = %v", err)
		}
		if cfg.LogLevel != "warn" {
			t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
		}
		if cfg.Workers != 2 {
			t.Errorf("Workers = %d, want 2", cfg.Workers)
		}
		if cfg.Transport.Name != "from-env" {
			t.Errorf("Transport.Name = %q, want %q", cfg.Transport.Name, "from-env")
		}
		if !reflect.DeepEqual(cfg.Transport.Command, []string{"server", "--stdio"}) {
			t.Errorf("Transport.Command = %q", cfg.Transport.Command)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := loadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
			t.Error("expected an error for a missing file")
		}
	})
}

func TestApplyFlags(t *testing.T) {
	root := newRootCmd()
	call, _, err := root.Find([]string{"call"})
	if err != nil {
		t.Fatal(err)
	}
	if err := call.ParseFlags([]string{"--kind", "sse", "--timeout", "3s", "--log-level", "debug"}); err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}

	cfg := defaultConfig()
	if err := applyFlags(call, &cfg); err != nil {
		t.Fatalf("applyFlags() error = %v", err)
	}
	if cfg.Transport.Kind != mcp.TransportKindSSE {
		t.Errorf("Kind = %q, want %q", cfg.Transport.Kind, mcp.TransportKindSSE)
	}
	if cfg.Transport.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", cfg.Transport.Timeout)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Transport.URL != defaultConfig().Transport.URL {
		t.Errorf("unset flag changed URL to %q", cfg.Transport.URL)
	}
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "WARN"} {
		if _, err := newLogger(os.Stderr, level); err != nil {
			t.Errorf("newLogger(%q) error = %v", level, err)
		}
	}
	if _, err := newLogger(os.Stderr, "verbose"); err == nil {
		t.Error("expected an error for an unknown level")
	}
}
