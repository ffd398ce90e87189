package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/TangGee/go-mcp-tools"
)

func TestServeStdio(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("Hello World"), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read_file","arguments":{"path":"hello.txt"}}}` + "\n"))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{root})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	res, err := mcp.ParseResponse(bytes.TrimSpace(out.Bytes()))
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if res.Error != nil {
		t.Fatalf("unexpected error %+v", res.Error)
	}
	if !strings.Contains(string(res.Result), "Hello World") {
		t.Errorf("unexpected result %s", res.Result)
	}
}

func TestRequiresRoot(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an error without a root directory")
	}
}
