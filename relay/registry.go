package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/wricardo/tabsplit/protocol"
)

var (
	ErrAlreadyInRoom      = errors.New("connection is already in a room")
	ErrRoomNotFound       = errors.New("room not found")
	ErrNotInRoom          = errors.New("connection is not in a room")
	ErrPeerNotFound       = errors.New("peer not found")
	ErrCodeSpaceExhausted = errors.New("could not allocate a unique room code")
)

// maxCodeAttempts bounds room code collision retries.
const maxCodeAttempts = 100

// Peer is one connected socket as seen by the registry. Send must never block.
type Peer interface {
	Send(env protocol.Envelope) bool
	Close(code int, reason string)
}

// Room is a live pairing of one host and its guests.
type Room struct {
	Code           string
	HostID         string
	Host           Peer
	Guests         map[string]Peer
	CreatedAt      time.Time
	LastActivityAt time.Time
}

type membership struct {
	code   string
	peerID string
	host   bool
}

// Stats summarises registry contents without exposing room codes.
type Stats struct {
	Rooms  int `json:"rooms"`
	Guests int `json:"guests"`
}

// Registry is the in-memory map of room code to room. All methods are safe for
// concurrent use; each one runs under a single mutex so create, join, relay,
// disconnect and sweep are serialized.
type Registry struct {
	mu      sync.Mutex
	rooms   map[string]*Room
	members map[Peer]membership

	newCode func() (string, error)
	newID   func() string
	now     func() time.Time
	log     *logrus.Entry
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithCodeGenerator replaces the room code generator.
func WithCodeGenerator(gen func() (string, error)) RegistryOption {
	return func(r *Registry) { r.newCode = gen }
}

// WithIDGenerator replaces the peer id generator.
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) { r.newID = gen }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the registry logger.
func WithLogger(log *logrus.Entry) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		rooms:   make(map[string]*Room),
		members: make(map[Peer]membership),
		newCode: protocol.GenerateRoomCode,
		newID:   uuid.NewString,
		now:     time.Now,
		log:     logrus.WithField("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRoom registers p as the host of a new room and replies ROOM_CREATED.
func (r *Registry) CreateRoom(p Peer) (code, peerID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[p]; ok {
		return "", "", ErrAlreadyInRoom
	}

	for attempt := 0; ; attempt++ {
		if attempt == maxCodeAttempts {
			return "", "", ErrCodeSpaceExhausted
		}
		c, err := r.newCode()
		if err != nil {
			return "", "", fmt.Errorf("failed to generate room code: %w", err)
		}
		if _, taken := r.rooms[c]; !taken {
			code = c
			break
		}
		r.log.WithField("attempt", attempt+1).Debug("Room code collision, regenerating")
	}

	now := r.now()
	peerID = r.newID()
	r.rooms[code] = &Room{
		Code:           code,
		HostID:         peerID,
		Host:           p,
		Guests:         make(map[string]Peer),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	r.members[p] = membership{code: code, peerID: peerID, host: true}

	p.Send(protocol.Envelope{Type: protocol.TypeRoomCreated, RoomCode: code, PeerID: peerID})
	r.log.WithFields(logrus.Fields{"room": code, "peer": peerID}).Info("Room created")
	return code, peerID, nil
}

// JoinRoom registers p as a guest of room code, replies JOINED to p and
// PEER_JOINED to the host.
func (r *Registry) JoinRoom(p Peer, code string) (peerID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.members[p]; ok {
		return "", ErrAlreadyInRoom
	}
	room, ok := r.rooms[code]
	if !ok {
		return "", ErrRoomNotFound
	}

	peerID = r.newID()
	for room.Guests[peerID] != nil || peerID == room.HostID {
		peerID = r.newID()
	}
	room.Guests[peerID] = p
	room.LastActivityAt = r.now()
	r.members[p] = membership{code: code, peerID: peerID}

	p.Send(protocol.Envelope{Type: protocol.TypeJoined, PeerID: peerID, RoomCode: code})
	room.Host.Send(protocol.Envelope{Type: protocol.TypePeerJoined, PeerID: peerID})

	r.log.WithFields(logrus.Fields{
		"room":   code,
		"peer":   peerID,
		"guests": len(room.Guests),
	}).Info("Guest joined")
	return peerID, nil
}

// Relay forwards payload from p. A host reaches guest to, or every guest when
// to is empty; a guest always reaches the host. It returns the number of
// peers the payload was handed to.
func (r *Registry) Relay(p Peer, to string, payload []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[p]
	if !ok {
		return 0, ErrNotInRoom
	}
	room := r.rooms[m.code]
	if room == nil {
		return 0, ErrNotInRoom
	}

	frame := protocol.Envelope{Type: protocol.TypeRelay, From: m.peerID, Payload: payload}

	if !m.host {
		room.LastActivityAt = r.now()
		if room.Host.Send(frame) {
			return 1, nil
		}
		return 0, nil
	}

	if to != "" {
		guest, ok := room.Guests[to]
		if !ok {
			return 0, ErrPeerNotFound
		}
		room.LastActivityAt = r.now()
		if guest.Send(frame) {
			return 1, nil
		}
		return 0, nil
	}

	room.LastActivityAt = r.now()
	sent := 0
	for _, guest := range room.Guests {
		if guest.Send(frame) {
			sent++
		}
	}
	return sent, nil
}

// Disconnect removes p from its room. A departing host tears the room down and
// closes every guest; a departing guest is reported to the host. Unknown peers
// are ignored, which makes the call safe after a sweep already closed p.
func (r *Registry) Disconnect(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[p]
	if !ok {
		return
	}
	delete(r.members, p)

	room := r.rooms[m.code]
	if room == nil {
		return
	}

	if m.host {
		r.teardown(room, protocol.ErrMsgHostDisconnected, false)
		r.log.WithField("room", room.Code).Info("Host disconnected, room closed")
		return
	}

	delete(room.Guests, m.peerID)
	room.Host.Send(protocol.Envelope{Type: protocol.TypePeerLeft, PeerID: m.peerID})
	r.log.WithFields(logrus.Fields{
		"room":   room.Code,
		"peer":   m.peerID,
		"guests": len(room.Guests),
	}).Info("Guest left")
}

// Sweep tears down rooms idle for longer than ttl and returns how many were
// removed.
func (r *Registry) Sweep(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	removed := 0
	for _, room := range r.rooms {
		if room.LastActivityAt.Before(cutoff) {
			r.teardown(room, protocol.ErrMsgRoomExpired, true)
			removed++
		}
	}
	return removed
}

// teardown must be called with r.mu held.
func (r *Registry) teardown(room *Room, reason string, closeHost bool) {
	frame := protocol.ErrorFrame(reason)
	for id, guest := range room.Guests {
		guest.Send(frame)
		guest.Close(websocket.CloseNormalClosure, reason)
		delete(r.members, guest)
		delete(room.Guests, id)
	}
	if closeHost {
		room.Host.Send(frame)
		room.Host.Close(websocket.CloseNormalClosure, reason)
	}
	delete(r.members, room.Host)
	delete(r.rooms, room.Code)
}

// Exists reports whether a room with code is live.
func (r *Registry) Exists(code string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[code]
	return ok
}

// InRoom reports whether p is registered in any room.
func (r *Registry) InRoom(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[p]
	return ok
}

// Stats returns room and guest counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Rooms: len(r.rooms)}
	for _, room := range r.rooms {
		s.Guests += len(room.Guests)
	}
	return s
}
