// Package api provides the HTTP surface of the tabsplit relay.
//
// Endpoints:
//
//   - GET /ws - WebSocket upgrade, served by relay.Hub
//   - GET /healthz - liveness and uptime
//   - GET /api/stats - live room and guest counts
//   - GET /api/rooms/{code}/link - join link for a room code
//   - GET /api/rooms/{code}/qr - PNG QR code of the join link (?size=64..1024)
//
// Room codes in paths are only checked for format. The API never lists rooms
// or reports whether a code is live, so it cannot be used to get around the
// relay's join failure limit.
//
// Usage:
//
//	hub := relay.NewHub(cfg.Relay, relay.NewRegistry(), nil)
//	srv := api.NewServer(hub, cfg.PublicURL, nil)
//	http.ListenAndServe(cfg.Addr(), srv)
//
// Error Handling:
//
// Errors are returned as JSON with an appropriate status code:
//
//	{"error": "Invalid room code"}
package api
