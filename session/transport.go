package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"github.com/wricardo/tabsplit/protocol"
)

// Options configures a Transport.
type Options struct {
	RelayURL string

	// MaxRetries is the number of attempts after the first one.
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration

	HeartbeatInterval time.Duration
	StaleMultiplier   int

	// MaxReconnectCycles bounds how many times a guest re-runs the full retry
	// sequence after losing the host.
	MaxReconnectCycles int

	Dialer Dialer
	Logger *logrus.Entry
}

// DefaultOptions returns the standard client settings for relayURL.
func DefaultOptions(relayURL string) Options {
	return Options{
		RelayURL:           relayURL,
		MaxRetries:         3,
		BaseDelay:          time.Second,
		MaxDelay:           8 * time.Second,
		ConnectTimeout:     10 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		StaleMultiplier:    3,
		MaxReconnectCycles: 5,
	}
}

// Transport is the client side of a relay session, either as the host of a
// room or as one of its guests. It outlives any single connection: a guest
// that loses the host reconnects and re-identifies on its own.
type Transport struct {
	opts   Options
	dialer Dialer
	log    *logrus.Entry
	events events

	ctx    context.Context
	cancel context.CancelFunc

	destroyed    atomic.Bool
	reconnecting atomic.Bool

	mu          sync.Mutex
	conn        Conn
	gen         uint64
	role        Role
	roomCode    string
	peerID      string
	guests      map[string]*Monitor
	hostMonitor *Monitor
	identity    *protocol.GuestMessage
	roomGone    bool
	status      Status
}

// New creates an idle transport.
func New(opts Options) *Transport {
	defaults := DefaultOptions(opts.RelayURL)
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaults.BaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay * 8
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaults.ConnectTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if opts.StaleMultiplier <= 0 {
		opts.StaleMultiplier = defaults.StaleMultiplier
	}
	if opts.MaxReconnectCycles <= 0 {
		opts.MaxReconnectCycles = defaults.MaxReconnectCycles
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = NewWebsocketDialer()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		opts:   opts,
		dialer: dialer,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		guests: make(map[string]*Monitor),
		status: StatusIdle,
	}
}

// StartHost creates a room and returns its code.
func (t *Transport) StartHost(ctx context.Context) (string, error) {
	if err := t.begin(); err != nil {
		return "", err
	}

	ctx, cancel := t.bind(ctx)
	defer cancel()

	t.setStatus(StatusConnecting)
	res, err := t.connectWithRetry(ctx, RoleHost, "")
	if err != nil {
		t.setStatus(StatusDisconnected)
		return "", err
	}
	if err := t.install(res, RoleHost); err != nil {
		return "", err
	}
	return res.roomCode, nil
}

// JoinAsGuest joins room code. ErrRoomNotFound is returned after a single
// attempt.
func (t *Transport) JoinAsGuest(ctx context.Context, code string) error {
	code = protocol.NormalizeRoomCode(code)
	if !protocol.ValidRoomCode(code) {
		return fmt.Errorf("%w: %q", ErrInvalidCode, code)
	}
	if err := t.begin(); err != nil {
		return err
	}

	ctx, cancel := t.bind(ctx)
	defer cancel()

	t.setStatus(StatusConnecting)
	res, err := t.connectWithRetry(ctx, RoleGuest, code)
	if err != nil {
		t.setStatus(StatusDisconnected)
		return err
	}
	return t.install(res, RoleGuest)
}

func (t *Transport) begin() error {
	if t.destroyed.Load() {
		return ErrDestroyed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return ErrAlreadyActive
	}
	return nil
}

// bind derives a context that is also cancelled by Destroy.
func (t *Transport) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

type handshake struct {
	conn     Conn
	roomCode string
	peerID   string
}

// connectWithRetry dials and completes the handshake, retrying transient
// failures with exponential backoff.
func (t *Transport) connectWithRetry(ctx context.Context, role Role, code string) (handshake, error) {
	b := &backoff.Backoff{
		Min:    t.opts.BaseDelay,
		Max:    t.opts.MaxDelay,
		Factor: 2,
	}

	var lastErr error
	for attempt := 0; attempt <= t.opts.MaxRetries; attempt++ {
		if t.destroyed.Load() {
			return handshake{}, ErrDestroyed
		}
		if attempt > 0 {
			delay := b.Duration()
			t.log.WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).WithError(lastErr).Info("Retrying relay connection")
			t.events.retry.emit(RetryEvent{Attempt: attempt, Delay: delay, Err: lastErr})

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return handshake{}, t.ctxErr(ctx)
			case <-timer.C:
			}
			if t.destroyed.Load() {
				return handshake{}, ErrDestroyed
			}
		}

		res, err := t.attempt(ctx, role, code)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrRoomNotFound) {
			return handshake{}, err
		}
		if ctx.Err() != nil {
			return handshake{}, t.ctxErr(ctx)
		}
		lastErr = err
	}
	return handshake{}, fmt.Errorf("connect failed after %d attempts: %w", t.opts.MaxRetries+1, lastErr)
}

func (t *Transport) ctxErr(ctx context.Context) error {
	if t.destroyed.Load() {
		return ErrDestroyed
	}
	return ctx.Err()
}

// attempt makes one connection, bounded by ConnectTimeout.
func (t *Transport) attempt(ctx context.Context, role Role, code string) (handshake, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.ConnectTimeout)
	defer cancel()

	conn, err := t.dialer.Dial(ctx, t.opts.RelayURL)
	if err != nil {
		return handshake{}, fmt.Errorf("dial relay: %w", err)
	}

	req := protocol.Envelope{Type: protocol.TypeCreateRoom}
	if role == RoleGuest {
		req = protocol.Envelope{Type: protocol.TypeJoinRoom, RoomCode: code}
	}
	data, err := json.Marshal(req)
	if err != nil {
		conn.Close()
		return handshake{}, err
	}
	if err := conn.WriteMessage(data); err != nil {
		conn.Close()
		return handshake{}, fmt.Errorf("send %s: %w", req.Type, err)
	}

	reply, err := readWithContext(ctx, conn)
	if err != nil {
		conn.Close()
		return handshake{}, fmt.Errorf("await handshake: %w", err)
	}

	switch {
	case role == RoleHost && reply.Type == protocol.TypeRoomCreated:
		return handshake{conn: conn, roomCode: reply.RoomCode, peerID: reply.PeerID}, nil
	case role == RoleGuest && reply.Type == protocol.TypeJoined:
		return handshake{conn: conn, roomCode: code, peerID: reply.PeerID}, nil
	case reply.Type == protocol.TypeError:
		conn.Close()
		if reply.Message == protocol.ErrMsgRoomNotFound {
			return handshake{}, ErrRoomNotFound
		}
		return handshake{}, &RelayError{Message: reply.Message}
	default:
		conn.Close()
		return handshake{}, fmt.Errorf("unexpected handshake reply %q", reply.Type)
	}
}

// readWithContext reads one envelope. Cancelling ctx closes conn, which
// unblocks the read.
func readWithContext(ctx context.Context, conn Conn) (protocol.Envelope, error) {
	type result struct {
		env protocol.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.ReadMessage()
		if err != nil {
			ch <- result{err: err}
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		ch <- result{env: env, err: err}
	}()

	select {
	case r := <-ch:
		return r.env, r.err
	case <-ctx.Done():
		conn.Close()
		return protocol.Envelope{}, ctx.Err()
	}
}

// install makes res the live connection and starts reading from it.
func (t *Transport) install(res handshake, role Role) error {
	t.mu.Lock()
	if t.destroyed.Load() {
		t.mu.Unlock()
		res.conn.Close()
		return ErrDestroyed
	}
	t.gen++
	gen := t.gen
	t.conn = res.conn
	t.role = role
	t.roomCode = res.roomCode
	t.peerID = res.peerID
	t.roomGone = false
	if role == RoleGuest {
		t.hostMonitor = NewMonitor(t.opts.HeartbeatInterval, t.opts.StaleMultiplier,
			func() { t.SendToHost(protocol.Ping()) },
			func() { t.hostStale(gen) },
		)
		t.hostMonitor.Start()
	}
	t.mu.Unlock()

	go t.readLoop(res.conn, gen)

	t.log.WithFields(logrus.Fields{
		"role": role,
		"room": res.roomCode,
		"peer": res.peerID,
	}).Info("Connected to relay")
	t.setStatus(StatusConnected)
	t.events.open.emit(OpenEvent{Role: role, RoomCode: res.roomCode, PeerID: res.peerID})
	return nil
}

func (t *Transport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen && t.conn != nil
}

func (t *Transport) readLoop(conn Conn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(gen, err)
			return
		}
		if !t.current(gen) {
			return
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			t.log.WithError(err).Warn("Dropping malformed frame from relay")
			continue
		}
		t.dispatch(env, gen)
	}
}

func (t *Transport) dispatch(env protocol.Envelope, gen uint64) {
	switch env.Type {
	case protocol.TypePeerJoined:
		t.guestJoined(env.PeerID, gen)
	case protocol.TypePeerLeft:
		// Reported even for guests already dropped as stale.
		t.removeGuest(env.PeerID, nil)
		if env.PeerID != "" {
			t.events.peerLeft.emit(PeerEvent{PeerID: env.PeerID})
		}
	case protocol.TypeRelay:
		t.relayed(env)
	case protocol.TypeError:
		t.log.WithField("message", env.Message).Warn("Relay reported an error")
		if env.Message == protocol.ErrMsgHostDisconnected || env.Message == protocol.ErrMsgRoomExpired {
			t.mu.Lock()
			t.roomGone = true
			t.mu.Unlock()
		}
		t.events.err.emit(&RelayError{Message: env.Message})
	default:
		t.log.WithField("type", env.Type).Debug("Ignoring unexpected frame")
	}
}

func (t *Transport) relayed(env protocol.Envelope) {
	msgType, err := protocol.PeekType(env.Payload)
	if err != nil {
		t.log.WithError(err).WithField("from", env.From).Warn("Dropping undecodable payload")
		return
	}

	role := t.Role()
	var guest *Monitor
	if role == RoleHost {
		// Guests that were never announced or were dropped as stale are ignored.
		t.mu.Lock()
		guest = t.guests[env.From]
		t.mu.Unlock()
		if guest == nil {
			t.log.WithFields(logrus.Fields{"from": env.From, "type": msgType}).Debug("Dropping message from untracked guest")
			return
		}
	}

	if protocol.IsHeartbeat(msgType) {
		t.heartbeat(msgType, role, env.From, guest)
		return
	}

	if role == RoleHost {
		msg, err := protocol.DecodeGuestMessage(env.Payload)
		if err != nil {
			t.log.WithError(err).WithField("from", env.From).Warn("Dropping invalid guest message")
			return
		}
		t.events.guestMessage.emit(GuestMessageEvent{PeerID: env.From, Msg: msg})
		return
	}

	msg, err := protocol.DecodeHostMessage(env.Payload)
	if err != nil {
		t.log.WithError(err).Warn("Dropping invalid host message")
		return
	}
	t.events.hostMessage.emit(HostMessageEvent{Msg: msg})
}

// heartbeat answers a ping or records a pong. guest is the sender's monitor on
// the host side and nil on the guest side.
func (t *Transport) heartbeat(msgType string, role Role, from string, guest *Monitor) {
	if msgType == protocol.TypePing {
		if role == RoleHost {
			t.SendToGuest(from, protocol.Pong())
		} else {
			t.SendToHost(protocol.Pong())
		}
		return
	}
	m := guest
	if role != RoleHost {
		t.mu.Lock()
		m = t.hostMonitor
		t.mu.Unlock()
	}
	if m != nil {
		m.Pong()
	}
}

func (t *Transport) guestJoined(peerID string, gen uint64) {
	if peerID == "" {
		return
	}
	m := NewMonitor(t.opts.HeartbeatInterval, t.opts.StaleMultiplier, nil, nil)
	m.ping = func() { t.SendToGuest(peerID, protocol.Ping()) }
	m.onStale = func() { t.guestStale(peerID, m, gen) }

	t.mu.Lock()
	if t.gen != gen || t.role != RoleHost {
		t.mu.Unlock()
		return
	}
	if old := t.guests[peerID]; old != nil {
		old.Stop()
	}
	t.guests[peerID] = m
	t.mu.Unlock()

	m.Start()
	t.log.WithField("peer", peerID).Info("Guest joined")
	t.events.peerJoined.emit(PeerEvent{PeerID: peerID})
}

// removeGuest stops and forgets peerID. When only is set the guest is removed
// only if it is still tracked by that monitor.
func (t *Transport) removeGuest(peerID string, only *Monitor) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.guests[peerID]
	if !ok || (only != nil && m != only) {
		return false
	}
	m.Stop()
	delete(t.guests, peerID)
	return true
}

func (t *Transport) guestStale(peerID string, m *Monitor, gen uint64) {
	if t.destroyed.Load() || !t.current(gen) {
		return
	}
	if !t.removeGuest(peerID, m) {
		return
	}
	t.log.WithField("peer", peerID).Warn("Guest heartbeat stale, dropping guest")
	t.events.guestStale.emit(PeerEvent{PeerID: peerID})
}

// hostStale closes the connection; the read loop then starts reconnection.
func (t *Transport) hostStale(gen uint64) {
	if t.destroyed.Load() {
		return
	}
	t.mu.Lock()
	if t.gen != gen || t.conn == nil {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.mu.Unlock()

	t.log.Warn("Host heartbeat stale, closing connection")
	t.events.hostStale.emit(struct{}{})
	conn.Close()
}

func (t *Transport) connectionLost(gen uint64, cause error) {
	t.mu.Lock()
	if t.gen != gen || t.conn == nil {
		t.mu.Unlock()
		return
	}
	conn := t.conn
	t.conn = nil
	t.stopMonitorsLocked()
	role, code, roomGone := t.role, t.roomCode, t.roomGone
	t.mu.Unlock()

	conn.Close()
	if t.destroyed.Load() {
		return
	}

	t.log.WithError(cause).WithField("room", code).Warn("Lost relay connection")
	if role == RoleGuest && !roomGone {
		go t.reconnectToHost(code)
		return
	}
	t.setStatus(StatusDisconnected)
	t.events.err.emit(ErrSessionLost)
}

func (t *Transport) stopMonitorsLocked() {
	for id, m := range t.guests {
		m.Stop()
		delete(t.guests, id)
	}
	if t.hostMonitor != nil {
		t.hostMonitor.Stop()
		t.hostMonitor = nil
	}
}

func (t *Transport) send(to string, msg any) bool {
	env, err := protocol.RelayFrame(to, msg)
	if err != nil {
		t.log.WithError(err).Error("Failed to encode message")
		return false
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.log.WithError(err).Error("Failed to encode frame")
		return false
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.log.Debug("Dropping message, not connected")
		return false
	}
	if err := conn.WriteMessage(data); err != nil {
		t.log.WithError(err).Warn("Failed to send message")
		return false
	}
	return true
}

// SendToHost sends msg to the host. It is only valid for guests.
func (t *Transport) SendToHost(msg any) bool {
	if t.Role() != RoleGuest {
		return false
	}
	return t.send("", msg)
}

// SendToGuest sends msg to one guest. It is only valid for hosts.
func (t *Transport) SendToGuest(peerID string, msg any) bool {
	t.mu.Lock()
	_, known := t.guests[peerID]
	role := t.role
	t.mu.Unlock()
	if role != RoleHost || !known {
		return false
	}
	return t.send(peerID, msg)
}

// BroadcastToAll sends msg to every guest and returns how many were
// addressed.
func (t *Transport) BroadcastToAll(msg any) int {
	t.mu.Lock()
	n := len(t.guests)
	role := t.role
	t.mu.Unlock()

	if role != RoleHost {
		return 0
	}
	if n == 0 {
		t.log.Debug("No guests to broadcast to")
		return 0
	}
	if !t.send("", msg) {
		return 0
	}
	return n
}

// Identify sends IDENTIFY to the host and remembers it so it can be replayed
// after a reconnect.
func (t *Transport) Identify(personID, displayName string) bool {
	msg := protocol.Identify(personID, displayName)
	t.mu.Lock()
	t.identity = &msg
	t.mu.Unlock()
	return t.SendToHost(msg)
}

// IsConnected reports whether a relay connection is live.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *Transport) RoomCode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.roomCode
}

func (t *Transport) PeerID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peerID
}

func (t *Transport) Role() Role {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.role
}

// Guests returns the ids of the guests currently tracked by a host.
func (t *Transport) Guests() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.guests))
	for id := range t.guests {
		ids = append(ids, id)
	}
	return protocol.SetOf(ids...)
}

// Status returns the current connection status.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transport) setStatus(s Status) {
	if s != StatusDestroyed && t.destroyed.Load() {
		return
	}
	t.mu.Lock()
	changed := t.status != s
	t.status = s
	t.mu.Unlock()
	if changed {
		t.events.status.emit(s)
	}
}

// Destroy closes the connection, stops heartbeats and pending retries, and
// removes every listener. It is idempotent.
func (t *Transport) Destroy() {
	if !t.destroyed.CompareAndSwap(false, true) {
		return
	}
	t.cancel()

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.gen++
	t.stopMonitorsLocked()
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.setStatus(StatusDestroyed)
	t.events.clear()
	t.log.Debug("Session destroyed")
}
