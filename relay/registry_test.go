package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wricardo/tabsplit/protocol"
)

type fakePeer struct {
	mu     sync.Mutex
	name   string
	frames []protocol.Envelope
	closed bool
	code   int
}

func newFakePeer(name string) *fakePeer { return &fakePeer{name: name} }

func (p *fakePeer) Send(env protocol.Envelope) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.frames = append(p.frames, env)
	return true
}

func (p *fakePeer) Close(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.code = code
}

func (p *fakePeer) Frames() []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Envelope{}, p.frames...)
}

func (p *fakePeer) Last() protocol.Envelope {
	frames := p.Frames()
	if len(frames) == 0 {
		return protocol.Envelope{}
	}
	return frames[len(frames)-1]
}

func (p *fakePeer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func newTestRegistry(opts ...RegistryOption) *Registry {
	base := []RegistryOption{WithLogger(quietLogger()), WithIDGenerator(sequentialIDs("peer-"))}
	return NewRegistry(append(base, opts...)...)
}

func TestRegistry_CreateRoom(t *testing.T) {
	r := newTestRegistry()
	host := newFakePeer("host")

	code, peerID, err := r.CreateRoom(host)
	require.NoError(t, err)
	assert.True(t, protocol.ValidRoomCode(code))
	assert.Equal(t, "peer-1", peerID)
	assert.Equal(t, protocol.Envelope{Type: protocol.TypeRoomCreated, RoomCode: code, PeerID: peerID}, host.Last())
	assert.True(t, r.Exists(code))

	t.Run("second create from same connection fails", func(t *testing.T) {
		_, _, err := r.CreateRoom(host)
		assert.ErrorIs(t, err, ErrAlreadyInRoom)
		assert.Equal(t, 1, r.Stats().Rooms)
	})
}

func TestRegistry_CodeCollisionRetries(t *testing.T) {
	codes := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	i := 0
	r := newTestRegistry(WithCodeGenerator(func() (string, error) {
		c := codes[i]
		i++
		return c, nil
	}))

	first, _, err := r.CreateRoom(newFakePeer("h1"))
	require.NoError(t, err)
	second, _, err := r.CreateRoom(newFakePeer("h2"))
	require.NoError(t, err)

	assert.Equal(t, "AAAAAAAA", first)
	assert.Equal(t, "BBBBBBBB", second)
}

func TestRegistry_CodeSpaceExhausted(t *testing.T) {
	calls := 0
	r := newTestRegistry(WithCodeGenerator(func() (string, error) {
		calls++
		return "AAAAAAAA", nil
	}))
	_, _, err := r.CreateRoom(newFakePeer("h1"))
	require.NoError(t, err)

	calls = 0
	_, _, err = r.CreateRoom(newFakePeer("h2"))
	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
	assert.Equal(t, 100, calls)
}

func TestRegistry_CodeGeneratorError(t *testing.T) {
	r := newTestRegistry(WithCodeGenerator(func() (string, error) {
		return "", errors.New("entropy gone")
	}))
	_, _, err := r.CreateRoom(newFakePeer("h"))
	assert.Error(t, err)
	assert.Equal(t, 0, r.Stats().Rooms)
}

func TestRegistry_JoinRoom(t *testing.T) {
	r := newTestRegistry()
	host := newFakePeer("host")
	code, _, err := r.CreateRoom(host)
	require.NoError(t, err)

	guest := newFakePeer("guest")
	peerID, err := r.JoinRoom(guest, code)
	require.NoError(t, err)

	assert.Equal(t, protocol.Envelope{Type: protocol.TypeJoined, PeerID: peerID, RoomCode: code}, guest.Last())
	assert.Equal(t, protocol.Envelope{Type: protocol.TypePeerJoined, PeerID: peerID}, host.Last())
	assert.Equal(t, Stats{Rooms: 1, Guests: 1}, r.Stats())

	t.Run("join twice", func(t *testing.T) {
		_, err := r.JoinRoom(guest, code)
		assert.ErrorIs(t, err, ErrAlreadyInRoom)
	})

	t.Run("host cannot create after joining elsewhere", func(t *testing.T) {
		_, _, err := r.CreateRoom(guest)
		assert.ErrorIs(t, err, ErrAlreadyInRoom)
	})
}

func TestRegistry_JoinMissingRoom(t *testing.T) {
	r := newTestRegistry()
	guest := newFakePeer("guest")

	_, err := r.JoinRoom(guest, "ABCDEFGH")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Empty(t, guest.Frames(), "registry must not reply ROOM_CREATED or JOINED")
	assert.False(t, r.InRoom(guest))
}

func TestRegistry_RelayRouting(t *testing.T) {
	r := newTestRegistry()
	host := newFakePeer("host")
	code, hostID, err := r.CreateRoom(host)
	require.NoError(t, err)

	g1, g2 := newFakePeer("g1"), newFakePeer("g2")
	id1, err := r.JoinRoom(g1, code)
	require.NoError(t, err)
	id2, err := r.JoinRoom(g2, code)
	require.NoError(t, err)

	before1, before2 := len(g1.Frames()), len(g2.Frames())

	t.Run("guest reaches host only", func(t *testing.T) {
		n, err := r.Relay(g1, id2, []byte(`{"type":"CLAIM_ITEM"}`))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, protocol.Envelope{Type: protocol.TypeRelay, From: id1, Payload: []byte(`{"type":"CLAIM_ITEM"}`)}, host.Last())
		assert.Len(t, g1.Frames(), before1)
		assert.Len(t, g2.Frames(), before2, "guests must never reach each other")
	})

	t.Run("host targets one guest", func(t *testing.T) {
		n, err := r.Relay(host, id2, []byte(`{"type":"__PING"}`))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Len(t, g1.Frames(), before1)
		assert.Equal(t, hostID, g2.Last().From)
	})

	t.Run("host broadcasts", func(t *testing.T) {
		n, err := r.Relay(host, "", []byte(`{"type":"SYNC_STATE"}`))
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, `{"type":"SYNC_STATE"}`, string(g1.Last().Payload))
		assert.Equal(t, `{"type":"SYNC_STATE"}`, string(g2.Last().Payload))
	})

	t.Run("unknown target", func(t *testing.T) {
		_, err := r.Relay(host, "nobody", []byte(`{}`))
		assert.ErrorIs(t, err, ErrPeerNotFound)
	})

	t.Run("not in a room", func(t *testing.T) {
		_, err := r.Relay(newFakePeer("stranger"), "", []byte(`{}`))
		assert.ErrorIs(t, err, ErrNotInRoom)
	})
}

func TestRegistry_RelayUpdatesActivity(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	r := newTestRegistry(WithClock(clock))

	host := newFakePeer("host")
	code, _, err := r.CreateRoom(host)
	require.NoError(t, err)
	guest := newFakePeer("guest")
	_, err = r.JoinRoom(guest, code)
	require.NoError(t, err)

	now = now.Add(90 * time.Minute)
	_, err = r.Relay(guest, "", []byte(`{}`))
	require.NoError(t, err)

	now = now.Add(90 * time.Minute)
	assert.Equal(t, 0, r.Sweep(2*time.Hour), "recent relay keeps the room alive")
	assert.True(t, r.Exists(code))
}

func TestRegistry_HostDisconnect(t *testing.T) {
	r := newTestRegistry()
	host := newFakePeer("host")
	code, _, err := r.CreateRoom(host)
	require.NoError(t, err)

	g1, g2 := newFakePeer("g1"), newFakePeer("g2")
	_, err = r.JoinRoom(g1, code)
	require.NoError(t, err)
	_, err = r.JoinRoom(g2, code)
	require.NoError(t, err)

	r.Disconnect(host)

	for _, g := range []*fakePeer{g1, g2} {
		assert.Equal(t, protocol.ErrorFrame(protocol.ErrMsgHostDisconnected), g.Last())
		assert.True(t, g.IsClosed())
		assert.False(t, r.InRoom(g))
	}
	assert.False(t, r.Exists(code))
	assert.Equal(t, Stats{}, r.Stats())

	// Late disconnects from closed guests are no-ops.
	r.Disconnect(g1)
	r.Disconnect(host)
}

func TestRegistry_GuestDisconnect(t *testing.T) {
	r := newTestRegistry()
	host := newFakePeer("host")
	code, _, err := r.CreateRoom(host)
	require.NoError(t, err)
	guest := newFakePeer("guest")
	id, err := r.JoinRoom(guest, code)
	require.NoError(t, err)

	r.Disconnect(guest)

	assert.Equal(t, protocol.Envelope{Type: protocol.TypePeerLeft, PeerID: id}, host.Last())
	assert.True(t, r.Exists(code))
	assert.False(t, host.IsClosed())
	assert.Equal(t, Stats{Rooms: 1}, r.Stats())
}

func TestRegistry_Sweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r := newTestRegistry(WithClock(func() time.Time { return now }))

	staleHost := newFakePeer("stale-host")
	staleCode, _, err := r.CreateRoom(staleHost)
	require.NoError(t, err)
	staleGuest := newFakePeer("stale-guest")
	_, err = r.JoinRoom(staleGuest, staleCode)
	require.NoError(t, err)

	now = now.Add(2*time.Hour + time.Minute)

	freshHost := newFakePeer("fresh-host")
	freshCode, _, err := r.CreateRoom(freshHost)
	require.NoError(t, err)

	removed := r.Sweep(2 * time.Hour)
	assert.Equal(t, 1, removed)
	assert.False(t, r.Exists(staleCode))
	assert.True(t, r.Exists(freshCode))

	expired := protocol.ErrorFrame(protocol.ErrMsgRoomExpired)
	assert.Equal(t, expired, staleHost.Last())
	assert.Equal(t, expired, staleGuest.Last())
	assert.True(t, staleHost.IsClosed())
	assert.True(t, staleGuest.IsClosed())
	assert.False(t, freshHost.IsClosed())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newTestRegistry(WithIDGenerator(sequentialIDs("p")))
	host := newFakePeer("host")
	code, _, err := r.CreateRoom(host)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := newFakePeer("g")
			if _, err := r.JoinRoom(g, code); err != nil {
				t.Error(err)
				return
			}
			r.Relay(g, "", []byte(`{}`))
			r.Relay(host, "", []byte(`{}`))
			r.Disconnect(g)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			r.Sweep(time.Hour)
		}
	}()
	wg.Wait()

	assert.Equal(t, Stats{Rooms: 1}, r.Stats())
}
