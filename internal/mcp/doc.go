// Package mcp implements a Model Context Protocol client.
//
// The package is organized in three layers:
//
//   - jsonrpc.go defines the JSON-RPC 2.0 message framing shared by all
//     transports.
//   - Transport implementations deliver messages to a server: WSTransport
//     over a bidirectional WebSocket, HTTPTransport over streamable HTTP
//     (JSON-RPC over POST, with optional SSE response bodies).
//   - Client drives the protocol: initialize handshake, tools/list,
//     tools/call, ping, and dispatch of server-initiated notifications.
//
// Connection lifecycle management (registry, health checks, reconnection)
// lives in the registry package; this package only knows about a single
// logical connection.
package mcp
