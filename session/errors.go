package session

import "errors"

var (
	// ErrRoomNotFound is terminal: the code does not name a live room and the
	// join is never retried.
	ErrRoomNotFound  = errors.New("room not found")
	ErrDestroyed     = errors.New("session destroyed")
	ErrSessionLost   = errors.New("session lost")
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyActive = errors.New("session already active")
	ErrInvalidCode   = errors.New("invalid room code")
)

// RelayError is an ERROR frame reported by the relay.
type RelayError struct {
	Message string
}

func (e *RelayError) Error() string {
	return "relay error: " + e.Message
}
