package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wricardo/tabsplit/protocol"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory relay connection. Frames pushed with push are
// returned by ReadMessage; frames written by the client are recorded and
// handed to onWrite so a test can script the relay's replies.
type fakeConn struct {
	in      chan []byte
	done    chan struct{}
	once    sync.Once
	onWrite func(c *fakeConn, env protocol.Envelope)

	mu   sync.Mutex
	sent []protocol.Envelope
}

func newFakeConn(onWrite func(c *fakeConn, env protocol.Envelope)) *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 64),
		done:    make(chan struct{}),
		onWrite: onWrite,
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.done:
		return nil, errConnClosed
	default:
	}
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.closed() {
		return errConnClosed
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	if c.onWrite != nil {
		c.onWrite(c, env)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	c.in <- data
}

func (c *fakeConn) pushRelay(from string, msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	c.push(protocol.Envelope{Type: protocol.TypeRelay, From: from, Payload: payload})
}

// relayed returns the application payloads the client sent, decoded loosely.
func (c *fakeConn) relayed() []relayedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []relayedMsg
	for _, env := range c.sent {
		if env.Type != protocol.TypeRelay {
			continue
		}
		var m relayedMsg
		json.Unmarshal(env.Payload, &m)
		m.To = env.To
		out = append(out, m)
	}
	return out
}

type relayedMsg struct {
	To       string `json:"-"`
	Type     string `json:"type"`
	PersonID string `json:"personId"`
	ItemID   string `json:"itemId"`
}

func (c *fakeConn) hasRelayed(msgType, to string) bool {
	for _, m := range c.relayed() {
		if m.Type == msgType && m.To == to {
			return true
		}
	}
	return false
}

// fakeDialer hands out connections built by next.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	conns []*fakeConn
	next  func(n int) (*fakeConn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()

	c, err := d.next(n)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func hostScript(code, peerID string) func(c *fakeConn, env protocol.Envelope) {
	return func(c *fakeConn, env protocol.Envelope) {
		if env.Type == protocol.TypeCreateRoom {
			c.push(protocol.Envelope{Type: protocol.TypeRoomCreated, RoomCode: code, PeerID: peerID})
		}
	}
}

func guestScript(peerID string) func(c *fakeConn, env protocol.Envelope) {
	return func(c *fakeConn, env protocol.Envelope) {
		if env.Type == protocol.TypeJoinRoom {
			c.push(protocol.Envelope{Type: protocol.TypeJoined, RoomCode: env.RoomCode, PeerID: peerID})
		}
	}
}

func errorScript(message string) func(c *fakeConn, env protocol.Envelope) {
	return func(c *fakeConn, env protocol.Envelope) {
		if env.Type == protocol.TypeJoinRoom || env.Type == protocol.TypeCreateRoom {
			c.push(protocol.ErrorFrame(message))
		}
	}
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testOptions(d Dialer) Options {
	return Options{
		RelayURL:           "ws://relay.test/ws",
		MaxRetries:         3,
		BaseDelay:          time.Millisecond,
		MaxDelay:           4 * time.Millisecond,
		ConnectTimeout:     time.Second,
		HeartbeatInterval:  time.Hour,
		StaleMultiplier:    3,
		MaxReconnectCycles: 2,
		Dialer:             d,
		Logger:             quietLogger(),
	}
}

// collect subscribes a buffered channel to an event.
func collect[T any](subscribe func(func(T)) func()) chan T {
	ch := make(chan T, 32)
	subscribe(func(v T) {
		select {
		case ch <- v:
		default:
		}
	})
	return ch
}

func waitFor[T any](ch chan T) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(2 * time.Second):
		var zero T
		return zero, false
	}
}
