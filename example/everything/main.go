// Command everything runs the demonstration tool set of the servers/everything package as an MCP
// server over HTTP or stdio, and doubles as a small client for any MCP server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
