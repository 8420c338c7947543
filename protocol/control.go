package protocol

import (
	"encoding/json"
	"fmt"
)

// Control frame types exchanged between clients and the relay.
const (
	TypeCreateRoom  = "CREATE_ROOM"
	TypeRoomCreated = "ROOM_CREATED"
	TypeJoinRoom    = "JOIN_ROOM"
	TypeJoined      = "JOINED"
	TypePeerJoined  = "PEER_JOINED"
	TypePeerLeft    = "PEER_LEFT"
	TypeRelay       = "RELAY"
	TypeError       = "ERROR"
)

// Messages carried by ERROR frames. Clients match on these strings, so they
// are part of the wire contract.
const (
	ErrMsgAlreadyInRoom     = "Already in a room"
	ErrMsgRoomNotFound      = "Room not found"
	ErrMsgNotInRoom         = "Not in a room"
	ErrMsgPeerNotFound      = "Peer not found"
	ErrMsgHostDisconnected  = "Host disconnected"
	ErrMsgRoomExpired       = "Room expired"
	ErrMsgUnknownType       = "Unknown message type"
	ErrMsgInvalidJSON       = "Invalid JSON"
	ErrMsgRateLimited       = "Rate limited"
	ErrMsgTooManyJoins      = "Too many failed join attempts"
	ErrMsgRoomCodeExhausted = "Could not allocate a room code"
)

// Envelope is a relay control frame. Only the fields relevant to Type are set.
type Envelope struct {
	Type     string          `json:"type"`
	RoomCode string          `json:"roomCode,omitempty"`
	PeerID   string          `json:"peerId,omitempty"`
	To       string          `json:"to,omitempty"`
	From     string          `json:"from,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// ErrorFrame builds an ERROR envelope.
func ErrorFrame(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}

// RelayFrame wraps an application message in a RELAY envelope addressed to
// peer to. An empty to means "the host" for guests and "all guests" for hosts.
func RelayFrame(to string, msg any) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode relay payload: %w", err)
	}
	return Envelope{Type: TypeRelay, To: to, Payload: payload}, nil
}

// DecodeEnvelope parses a control frame and rejects frames without a type.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("invalid envelope: missing type")
	}
	return env, nil
}

// PeekType returns the "type" field of a JSON object without decoding the rest.
func PeekType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	return head.Type, nil
}
