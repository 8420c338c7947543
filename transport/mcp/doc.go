// Package mcp provides a Model Context Protocol server for operating the
// tabsplit relay.
//
// MCP Tools:
//   - relay_health: liveness and uptime
//   - relay_stats: live room and guest counts
//   - share_link: join link and QR code URL for a room code
//   - check_receipt: validate receipt JSON before hosting a session
//
// The client is a thin proxy over the relay's HTTP API; it never sees room
// contents.
//
// Transport Modes:
//   - Stdio: `tabsplit mcp` for local MCP clients
//   - HTTP: POST /mcp on the relay server
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8080")
//	server.ServeStdio(client.GetMCPServer())
package mcp
