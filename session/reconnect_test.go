package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuest_ReconnectIsSingleFlight(t *testing.T) {
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }

	d := &fakeDialer{next: func(n int) (*fakeConn, error) {
		if n > 1 {
			<-release
		}
		return newFakeConn(guestScript(fmt.Sprintf("g%d", n))), nil
	}}
	tr := New(testOptions(d))
	t.Cleanup(tr.Destroy)
	t.Cleanup(unblock)
	opened := collect(tr.OnOpen)

	require.NoError(t, tr.JoinAsGuest(context.Background(), "ABCDEFGH"))
	_, ok := waitFor(opened)
	require.True(t, ok)

	// The loss starts a reconnection that stays parked in its first dial.
	d.Conn(0).Close()
	require.Eventually(t, func() bool { return d.Dials() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, tr.Reconnecting())
	assert.Equal(t, StatusReconnecting, tr.Status())

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.reconnectToHost("ABCDEFGH")
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, d.Dials(), "overlapping triggers must not start another retry sequence")

	unblock()
	ev, ok := waitFor(opened)
	require.True(t, ok)
	assert.Equal(t, "g2", ev.PeerID)
	require.Eventually(t, func() bool { return !tr.Reconnecting() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, d.Dials())
	assert.Equal(t, StatusConnected, tr.Status())
}

func TestGuest_ReconnectAfterDestroyIsNoop(t *testing.T) {
	d := &fakeDialer{next: func(n int) (*fakeConn, error) { return newFakeConn(guestScript("g1")), nil }}
	tr := New(testOptions(d))
	require.NoError(t, tr.JoinAsGuest(context.Background(), "ABCDEFGH"))
	tr.Destroy()

	tr.reconnectToHost("ABCDEFGH")
	assert.False(t, tr.Reconnecting())
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, StatusDestroyed, tr.Status())
}
