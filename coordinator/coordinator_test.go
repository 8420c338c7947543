package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wricardo/tabsplit/protocol"
)

type sent struct {
	to  string
	msg protocol.HostMessage
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []sent
}

func (b *fakeBroadcaster) BroadcastToAll(msg any) int {
	b.record("", msg)
	return 1
}

func (b *fakeBroadcaster) SendToGuest(peerID string, msg any) bool {
	b.record(peerID, msg)
	return true
}

// record round-trips msg through JSON the way the relay would.
func (b *fakeBroadcaster) record(to string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(err)
	}
	decoded, err := protocol.DecodeHostMessage(data)
	if err != nil {
		panic(err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, sent{to: to, msg: decoded})
}

func (b *fakeBroadcaster) Sent() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent{}, b.msgs...)
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func testPayload() protocol.SyncPayload {
	return protocol.NewSyncPayload(
		[]protocol.LineItem{
			{ID: "i1", Name: "Pad thai", UnitPriceCents: 1450, Quantity: 1, Confidence: 0.98},
			{ID: "i2", Name: "Spring rolls", UnitPriceCents: 800, Quantity: 2, Confidence: 0.91},
			{ID: "i3", Name: "Iced tea", UnitPriceCents: 350, Quantity: 3, Confidence: 0.6},
		},
		[]protocol.Person{
			{ID: "p1", DisplayName: "Ana", ColorTag: "#E4572E"},
			{ID: "p2", DisplayName: "Bo", ColorTag: "#17BEBB"},
		},
	)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeBroadcaster) {
	t.Helper()
	out := &fakeBroadcaster{}
	c, err := New(testPayload(),
		WithBroadcaster(out),
		WithIDGenerator(sequentialIDs("person-")),
		WithLogger(quietLogger()),
	)
	require.NoError(t, err)
	return c, out
}

func TestNew_RejectsInconsistentState(t *testing.T) {
	p := testPayload()
	p.Assignments["missing"] = []string{"p1"}
	_, err := New(p, WithLogger(quietLogger()))
	assert.Error(t, err)
}

func TestNew_DropsStaleClaims(t *testing.T) {
	p := testPayload()
	p.ClaimedPersonIDs = []string{"p1"}
	c, err := New(p, WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Empty(t, c.Snapshot().ClaimedPersonIDs)
	assert.Equal(t, protocol.PhaseClaiming, c.Snapshot().Phase)
}

func TestCoordinator_TwoGuestsClaimSameItem(t *testing.T) {
	c, out := newTestCoordinator(t)

	require.NoError(t, c.HandleGuestMessage("g1", protocol.ClaimItem("i1", "p2")))
	require.NoError(t, c.HandleGuestMessage("g2", protocol.ClaimItem("i1", "p1")))

	assert.Equal(t, []string{"p1", "p2"}, c.Snapshot().Assignments["i1"])

	msgs := out.Sent()
	require.Len(t, msgs, 2)
	last := msgs[1].msg
	assert.Equal(t, protocol.TypeSyncState, last.Type)
	assert.Equal(t, "", msgs[1].to)
	assert.Empty(t, cmp.Diff(c.Snapshot(), *last.Payload))
}

func TestCoordinator_RejectedIntentsChangeNothing(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.GuestMessage
		want error
	}{
		{"claim unknown item", protocol.ClaimItem("nope", "p1"), ErrUnknownItem},
		{"claim for unknown person", protocol.ClaimItem("i1", "ghost"), ErrUnknownPerson},
		{"unclaim unknown item", protocol.UnclaimItem("nope", "p1"), ErrUnknownItem},
		{"identify unknown person", protocol.Identify("ghost", "Ghost"), ErrUnknownPerson},
		{"tip for unknown person", protocol.SetTip("ghost", protocol.TipPercentage, 15), ErrUnknownPerson},
		{"assign unknown person", protocol.SetAssignees("i1", []string{"p1", "ghost"}, nil), ErrUnknownPerson},
		{"assign unknown item", protocol.SetAssignees("nope", []string{"p1"}, nil), ErrUnknownItem},
		{"portion for non assignee", protocol.SetAssignees("i1", []string{"p1"}, map[string]float64{"p2": 1}), ErrInvalidIntent},
		{"non positive portion", protocol.SetAssignees("i1", []string{"p1"}, map[string]float64{"p1": 0}), ErrInvalidIntent},
		{"bad tip mode", protocol.SetTip("p1", "tithe", 10), ErrInvalidIntent},
		{"empty name", protocol.AddPerson("  "), ErrInvalidIntent},
		{"unknown type", protocol.GuestMessage{Type: "DANCE"}, ErrInvalidIntent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, out := newTestCoordinator(t)
			before := c.Snapshot()

			err := c.HandleGuestMessage("g1", tt.msg)

			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, cmp.Diff(before, c.Snapshot()))
			assert.Empty(t, out.Sent())
			assert.Equal(t, uint64(0), c.Version())
		})
	}
}

func TestCoordinator_UnclaimDropsPortion(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Apply(protocol.SetAssignees("i2", []string{"p2", "p1"}, map[string]float64{"p1": 2, "p2": 1})))

	s := c.Snapshot()
	assert.Equal(t, []string{"p1", "p2"}, s.Assignments["i2"])
	assert.Equal(t, map[string]float64{"p1": 2, "p2": 1}, s.Portions["i2"])

	require.NoError(t, c.Apply(protocol.UnclaimItem("i2", "p1")))
	s = c.Snapshot()
	assert.Equal(t, []string{"p2"}, s.Assignments["i2"])
	assert.Equal(t, map[string]float64{"p2": 1}, s.Portions["i2"])

	require.NoError(t, c.Apply(protocol.UnclaimItem("i2", "p2")))
	s = c.Snapshot()
	assert.NotContains(t, s.Assignments, "i2")
	assert.NotContains(t, s.Portions, "i2")
}

func TestCoordinator_ClaimIntoWeightedItem(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Apply(protocol.SetAssignees("i3", []string{"p1"}, map[string]float64{"p1": 3})))
	require.NoError(t, c.Apply(protocol.ClaimItem("i3", "p2")))

	s := c.Snapshot()
	assert.Equal(t, []string{"p1", "p2"}, s.Assignments["i3"])
	assert.Equal(t, map[string]float64{"p1": 3, "p2": 1}, s.Portions["i3"])
	require.NoError(t, s.Validate())
}

func TestCoordinator_SetAssigneesClears(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Apply(protocol.SetAssignees("i1", []string{"p1"}, map[string]float64{"p1": 1})))
	require.NoError(t, c.Apply(protocol.SetAssignees("i1", nil, nil)))

	s := c.Snapshot()
	assert.NotContains(t, s.Assignments, "i1")
	assert.NotContains(t, s.Portions, "i1")
}

func TestCoordinator_SetTip(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Apply(protocol.SetTip("p1", protocol.TipPercentage, 18)))
	require.NoError(t, c.Apply(protocol.SetTip("p2", protocol.TipFixed, 299.6)))

	s := c.Snapshot()
	assert.Equal(t, protocol.PersonTip{Mode: protocol.TipPercentage, Percentage: 18}, s.PersonTips["p1"])
	assert.Equal(t, protocol.PersonTip{Mode: protocol.TipFixed, FixedAmountCents: 300}, s.PersonTips["p2"])
}

func TestCoordinator_AddPerson(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.HandleGuestMessage("g1", protocol.AddPerson("  Cy ")))

	people := c.Snapshot().People
	require.Len(t, people, 3)
	assert.Equal(t, protocol.Person{ID: "person-1", DisplayName: "Cy", ColorTag: colorTags[2]}, people[2])

	require.NoError(t, c.HandleGuestMessage("g1", protocol.Identify("person-1", "Cy")))
	assert.Equal(t, []string{"person-1"}, c.Snapshot().ClaimedPersonIDs)
}

func TestCoordinator_IdentityTracking(t *testing.T) {
	c, out := newTestCoordinator(t)

	require.NoError(t, c.HandleGuestMessage("g1", protocol.Identify("p1", "Ana")))
	require.NoError(t, c.HandleGuestMessage("g2", protocol.Identify("p2", "Bo")))
	assert.Equal(t, []string{"p1", "p2"}, c.Snapshot().ClaimedPersonIDs)

	person, ok := c.Identity("g1")
	require.True(t, ok)
	assert.Equal(t, "p1", person)

	t.Run("switching person releases the old one", func(t *testing.T) {
		require.NoError(t, c.HandleGuestMessage("g2", protocol.Identify("p1", "Ana")))
		assert.Equal(t, []string{"p1"}, c.Snapshot().ClaimedPersonIDs)
		_, ok := c.Identity("g1")
		assert.False(t, ok, "latest IDENTIFY wins")
	})

	t.Run("departed peer releases its person", func(t *testing.T) {
		n := len(out.Sent())
		c.PeerLeft("g2")
		assert.Empty(t, c.Snapshot().ClaimedPersonIDs)
		assert.Len(t, out.Sent(), n+1)

		c.PeerLeft("g2")
		c.PeerLeft("never-joined")
		assert.Len(t, out.Sent(), n+1, "unknown peers broadcast nothing")
	})
}

func TestCoordinator_PeerJoinedReceivesState(t *testing.T) {
	c, out := newTestCoordinator(t)
	require.NoError(t, c.Apply(protocol.ClaimItem("i1", "p1")))

	c.PeerJoined("g9")

	msgs := out.Sent()
	last := msgs[len(msgs)-1]
	assert.Equal(t, "g9", last.to)
	assert.Equal(t, protocol.TypeSyncState, last.msg.Type)
	assert.Empty(t, cmp.Diff(c.Snapshot(), *last.msg.Payload))
}

func TestCoordinator_PhasesMoveForwardOnly(t *testing.T) {
	c, out := newTestCoordinator(t)

	next, err := c.AdvancePhase()
	require.NoError(t, err)
	assert.Equal(t, protocol.PhaseTips, next)

	msgs := out.Sent()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.PhaseChange(protocol.PhaseTips), msgs[0].msg)
	assert.Equal(t, protocol.TypeSyncState, msgs[1].msg.Type)
	assert.Equal(t, protocol.PhaseTips, msgs[1].msg.Payload.Phase)

	next, err = c.AdvancePhase()
	require.NoError(t, err)
	assert.Equal(t, protocol.PhaseSummary, next)

	next, err = c.AdvancePhase()
	assert.ErrorIs(t, err, protocol.ErrFinalPhase)
	assert.Equal(t, protocol.PhaseSummary, next)
	assert.Len(t, out.Sent(), 4)
}

func TestCoordinator_OnChange(t *testing.T) {
	c, _ := newTestCoordinator(t)
	var got []protocol.SyncPayload
	unsubscribe := c.OnChange(func(p protocol.SyncPayload) { got = append(got, p) })

	require.NoError(t, c.Apply(protocol.ClaimItem("i1", "p1")))
	unsubscribe()
	require.NoError(t, c.Apply(protocol.ClaimItem("i2", "p1")))

	require.Len(t, got, 1)
	assert.Equal(t, []string{"p1"}, got[0].Assignments["i1"])
}

func randomIntent(r *rand.Rand, people []protocol.Person) protocol.GuestMessage {
	items := []string{"i1", "i2", "i3", "missing"}
	item := items[r.Intn(len(items))]
	person := people[r.Intn(len(people))].ID

	switch r.Intn(6) {
	case 0:
		return protocol.ClaimItem(item, person)
	case 1:
		return protocol.UnclaimItem(item, person)
	case 2:
		other := people[r.Intn(len(people))].ID
		portions := map[string]float64{person: float64(1 + r.Intn(3))}
		return protocol.SetAssignees(item, []string{person, other}, portions)
	case 3:
		if r.Intn(2) == 0 {
			return protocol.SetTip(person, protocol.TipPercentage, float64(r.Intn(25)))
		}
		return protocol.SetTip(person, protocol.TipFixed, float64(r.Intn(1000)))
	case 4:
		return protocol.Identify(person, "")
	default:
		return protocol.AddPerson(fmt.Sprintf("guest %d", r.Intn(100)))
	}
}

func TestConvergence_MirrorsMatchHostAfterMutations(t *testing.T) {
	c, out := newTestCoordinator(t)
	r := rand.New(rand.NewSource(42))
	peers := []string{"g1", "g2", "g3", LocalPeer}

	for i := 0; i < 200; i++ {
		msg := randomIntent(r, c.Snapshot().People)
		err := c.HandleGuestMessage(peers[r.Intn(len(peers))], msg)
		if err == nil {
			snap := c.Snapshot()
			require.NoError(t, snap.Validate(), "mutation %d left an inconsistent state", i)
		}
		if i%50 == 49 {
			c.PeerLeft(peers[r.Intn(len(peers))])
			_, _ = c.AdvancePhase()
		}
	}

	m1 := NewMirror(quietLogger())
	m2 := NewMirror(quietLogger())
	for _, s := range out.Sent() {
		m1.Apply(s.msg)
		m2.Apply(s.msg)
	}

	want := c.Snapshot()
	for _, m := range []*Mirror{m1, m2} {
		got, ok := m.State()
		require.True(t, ok)
		assert.Empty(t, cmp.Diff(want, got))
		assert.Equal(t, want.Phase, m.Phase())
	}
}
