// Package mcp implements the tool side of the Model Context Protocol (MCP): JSON-RPC 2.0 messages that
// let a process expose named, schema-described tools to a remote caller.
//
// On the caller side, a Transport carries requests to a server: StdioClient runs the server as a
// child process and talks newline-delimited JSON over its stdin and stdout, SSEClient speaks the
// legacy HTTP+SSE protocol version 2024-11-05, and StreamableHTTPClient speaks protocol version
// 2025-06-18 with session continuity. NewTransport builds one from a TransportConfig, and Client
// performs the handshake and the tool operations on top of any of them.
//
// On the serving side, Server dispatches initialize, ping, tools/list and tools/call to a fixed set
// of ToolExecutor values, over HTTP (Handler, Serve) or over a pair of streams (ServeStdIO), and keeps
// its sessions in a SessionStore.
package mcp
