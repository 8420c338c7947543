package session

import (
	"sync"
	"time"

	"github.com/wricardo/tabsplit/protocol"
)

// Role is the side of the room a Transport plays.
type Role string

const (
	RoleNone  Role = ""
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Status is the connection state reported through OnStatus.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusDisconnected Status = "disconnected"
	StatusDestroyed    Status = "destroyed"
)

type OpenEvent struct {
	Role     Role
	RoomCode string
	PeerID   string
}

type PeerEvent struct {
	PeerID string
}

type GuestMessageEvent struct {
	PeerID string
	Msg    protocol.GuestMessage
}

type HostMessageEvent struct {
	Msg protocol.HostMessage
}

// RetryEvent is emitted before each connection retry.
type RetryEvent struct {
	Attempt int
	Delay   time.Duration
	Err     error
}

// listeners is a registry of callbacks for one event type. Callbacks run
// outside the lock, so they may subscribe or unsubscribe.
type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

func (l *listeners[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = nil
}

type events struct {
	open         listeners[OpenEvent]
	peerJoined   listeners[PeerEvent]
	peerLeft     listeners[PeerEvent]
	guestMessage listeners[GuestMessageEvent]
	hostMessage  listeners[HostMessageEvent]
	err          listeners[error]
	status       listeners[Status]
	retry        listeners[RetryEvent]
	guestStale   listeners[PeerEvent]
	hostStale    listeners[struct{}]
}

func (e *events) clear() {
	e.open.clear()
	e.peerJoined.clear()
	e.peerLeft.clear()
	e.guestMessage.clear()
	e.hostMessage.clear()
	e.err.clear()
	e.status.clear()
	e.retry.clear()
	e.guestStale.clear()
	e.hostStale.clear()
}

// Each OnX registers a listener and returns a func that removes it.

func (t *Transport) OnOpen(fn func(OpenEvent)) func()       { return t.events.open.add(fn) }
func (t *Transport) OnPeerJoined(fn func(PeerEvent)) func() { return t.events.peerJoined.add(fn) }
func (t *Transport) OnPeerLeft(fn func(PeerEvent)) func()   { return t.events.peerLeft.add(fn) }
func (t *Transport) OnError(fn func(error)) func()          { return t.events.err.add(fn) }
func (t *Transport) OnStatus(fn func(Status)) func()        { return t.events.status.add(fn) }
func (t *Transport) OnRetry(fn func(RetryEvent)) func()     { return t.events.retry.add(fn) }
func (t *Transport) OnGuestStale(fn func(PeerEvent)) func() { return t.events.guestStale.add(fn) }

func (t *Transport) OnGuestMessage(fn func(GuestMessageEvent)) func() {
	return t.events.guestMessage.add(fn)
}

func (t *Transport) OnHostMessage(fn func(HostMessageEvent)) func() {
	return t.events.hostMessage.add(fn)
}

func (t *Transport) OnHostStale(fn func()) func() {
	return t.events.hostStale.add(func(struct{}) { fn() })
}
