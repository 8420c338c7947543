// Package session is the client side of a tabsplit room.
//
// A Transport connects to the relay either as the host of a new room or as a
// guest of an existing one, and from then on moves typed messages between the
// two sides. It hides the relay's control frames: callers see guests joining
// and leaving, guest intents arriving at the host, and host state arriving at
// guests.
//
// Connection handling:
//
//   - Every connection attempt is bounded by ConnectTimeout.
//   - Transient failures (dial errors, timeouts, relay errors) are retried
//     MaxRetries times with exponential backoff from BaseDelay.
//   - ErrRoomNotFound is terminal and is never retried.
//   - A guest that loses the host reconnects for up to MaxReconnectCycles
//     full retry sequences and re-sends its last IDENTIFY. Exhaustion is
//     reported as ErrSessionLost.
//
// Heartbeat:
//
// Both sides exchange __PING / __PONG through the relay every
// HeartbeatInterval. A Monitor that has not seen a pong for StaleMultiplier
// intervals goes stale: the host drops that guest, the guest closes its
// socket and reconnects. Heartbeat messages never reach application
// listeners.
//
// Usage:
//
//	t := session.New(session.DefaultOptions("wss://relay.example/ws"))
//	defer t.Destroy()
//	t.OnHostMessage(func(e session.HostMessageEvent) { ... })
//	if err := t.JoinAsGuest(ctx, "ABCD2345"); err != nil { ... }
//	t.Identify("p1", "Ana")
//
// Concurrency:
//
// All methods are safe for concurrent use. Listeners run on the read
// goroutine of the current connection and must not block for long.
package session
