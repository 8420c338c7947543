// Package protocol defines the wire format shared by the tabsplit relay and
// its clients.
//
// The protocol has three layers:
//
// Control frames travel between a client and the relay. Every frame is a JSON
// object with a "type" discriminator (CREATE_ROOM, ROOM_CREATED, JOIN_ROOM,
// JOINED, PEER_JOINED, PEER_LEFT, RELAY, ERROR) and is represented by Envelope.
//
// Application messages ride inside RELAY payloads. Guests send intents
// (GuestMessage: IDENTIFY, CLAIM_ITEM, UNCLAIM_ITEM, SET_ASSIGNEES, SET_TIP,
// ADD_PERSON) and the host answers with full state (HostMessage: SYNC_STATE,
// PHASE_CHANGE). The relay never looks inside a payload.
//
// Heartbeat messages (__PING, __PONG) also ride inside RELAY payloads but are
// internal to the session layer and are never handed to application code.
//
// Shared State:
//
// SyncPayload is the single authoritative session state owned by the host.
// Sets are encoded as sorted arrays so two equal states always produce the same
// JSON, which keeps full-state rebroadcast idempotent on the guest side.
//
// Room Codes:
//
// Room codes are 8 characters drawn from a 32-symbol alphabet that leaves out
// the visually ambiguous I, O, 0 and 1.
package protocol
