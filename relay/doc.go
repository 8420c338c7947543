// Package relay implements the tabsplit relay service.
//
// The relay pairs one host with its guests under a short room code and
// forwards opaque payloads between them. It never inspects payloads and keeps
// nothing beyond the lifetime of a room.
//
// Architecture:
//
// Registry is the room map. It is a mutex-guarded struct so that create, join,
// relay, disconnect and the periodic expiry sweep are serialized, and so that
// tests can run many independent registries side by side.
//
// Hub is the websocket endpoint. Every connection gets a read goroutine that
// decodes control frames and calls into the Registry, and a write goroutine
// that drains a bounded send buffer. Sending never blocks: a peer whose buffer
// fills up is closed rather than allowed to stall the room.
//
// Routing:
//
//   - A guest's RELAY always reaches the host only.
//   - A host's RELAY reaches the guest named in "to", or every guest.
//   - Forwarded frames carry the server-minted sender id in "from".
//
// Lifecycle:
//
// When the host disconnects, every guest receives ERROR("Host disconnected")
// and is closed. Rooms without relayed traffic for RoomTTL are torn down the
// same way with ERROR("Room expired"). A connection that fails to join more
// than JoinFailureLimit times within JoinFailureWindow is closed.
//
// Usage:
//
//	registry := relay.NewRegistry()
//	hub := relay.NewHub(cfg.Relay, registry, nil)
//	go hub.Run(ctx)
//	http.HandleFunc("/ws", hub.ServeWS)
package relay
