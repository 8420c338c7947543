package coordinator

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/wricardo/tabsplit/protocol"
	"github.com/wricardo/tabsplit/session"
)

// LocalPeer is the peer id used for edits made on the host device itself.
const LocalPeer = "local"

var (
	ErrUnknownItem   = errors.New("unknown item")
	ErrUnknownPerson = errors.New("unknown person")
	ErrInvalidIntent = errors.New("invalid intent")
)

var colorTags = []string{"#E4572E", "#17BEBB", "#FFC914", "#76B041", "#2E86AB", "#A23B72", "#F18F01", "#6C757D"}

// Broadcaster delivers host messages to guests. *session.Transport
// implements it.
type Broadcaster interface {
	BroadcastToAll(msg any) int
	SendToGuest(peerID string, msg any) bool
}

// Coordinator owns the authoritative session state on the host. Every
// accepted change is followed by a full SYNC_STATE broadcast; rejected
// intents change nothing and broadcast nothing.
type Coordinator struct {
	mu      sync.Mutex
	state   protocol.SyncPayload
	peers   map[string]string // peer id -> person id
	version uint64
	out     Broadcaster

	// sendMu keeps broadcasts in the same order as the changes they carry.
	sendMu sync.Mutex

	newID    func() string
	log      *logrus.Entry
	onChange changeListeners
}

// Option customises a Coordinator.
type Option func(*Coordinator)

func WithBroadcaster(b Broadcaster) Option {
	return func(c *Coordinator) { c.out = b }
}

func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

func WithLogger(log *logrus.Entry) Option {
	return func(c *Coordinator) { c.log = log }
}

// New creates a coordinator seeded with initial. Claims in initial are
// discarded since no peer has identified yet.
func New(initial protocol.SyncPayload, opts ...Option) (*Coordinator, error) {
	state := initial.Clone()
	if state.Phase == "" {
		state.Phase = protocol.PhaseClaiming
	}
	state.ClaimedPersonIDs = []string{}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("invalid initial state: %w", err)
	}

	c := &Coordinator{
		state: state,
		peers: make(map[string]string),
		newID: uuid.NewString,
		log:   logrus.WithField("component", "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Attach wires the coordinator to a host transport: guest intents are
// applied, new guests receive the current state, and departed or stale guests
// release their identity. The returned func detaches it again.
func (c *Coordinator) Attach(t *session.Transport) func() {
	c.mu.Lock()
	c.out = t
	c.mu.Unlock()

	unsubs := []func(){
		t.OnGuestMessage(func(e session.GuestMessageEvent) {
			if err := c.HandleGuestMessage(e.PeerID, e.Msg); err != nil {
				c.log.WithError(err).WithFields(logrus.Fields{
					"peer": e.PeerID,
					"type": e.Msg.Type,
				}).Warn("Rejected guest intent")
			}
		}),
		t.OnPeerJoined(func(e session.PeerEvent) { c.PeerJoined(e.PeerID) }),
		t.OnPeerLeft(func(e session.PeerEvent) { c.PeerLeft(e.PeerID) }),
		t.OnGuestStale(func(e session.PeerEvent) { c.PeerLeft(e.PeerID) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Apply applies an edit made on the host device.
func (c *Coordinator) Apply(msg protocol.GuestMessage) error {
	return c.HandleGuestMessage(LocalPeer, msg)
}

// HandleGuestMessage validates msg from peerID against the current state,
// applies it and broadcasts the new state.
func (c *Coordinator) HandleGuestMessage(peerID string, msg protocol.GuestMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}

	c.mu.Lock()
	d := draft{state: c.state.Clone(), peers: copyPeers(c.peers), newID: c.newID}
	if err := d.apply(peerID, msg); err != nil {
		c.mu.Unlock()
		return err
	}
	d.state.ClaimedPersonIDs = claimed(d.peers)
	if err := d.state.Validate(); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	c.state = d.state
	c.peers = d.peers
	c.commitAndBroadcast(protocol.SyncState(c.state))

	c.log.WithFields(logrus.Fields{
		"peer":    peerID,
		"type":    msg.Type,
		"version": c.Version(),
	}).Debug("Applied intent")
	return nil
}

// commitAndBroadcast must be called with c.mu held; it releases it.
func (c *Coordinator) commitAndBroadcast(msgs ...protocol.HostMessage) {
	c.version++
	snapshot := c.state.Clone()
	out := c.out

	c.sendMu.Lock()
	c.mu.Unlock()
	if out != nil {
		for _, m := range msgs {
			out.BroadcastToAll(m)
		}
	}
	c.sendMu.Unlock()

	c.onChange.emit(snapshot)
}

// AdvancePhase moves to the next phase and broadcasts PHASE_CHANGE followed
// by the full state.
func (c *Coordinator) AdvancePhase() (protocol.Phase, error) {
	c.mu.Lock()
	next, err := c.state.Phase.Next()
	if err != nil {
		c.mu.Unlock()
		return c.state.Phase, err
	}
	c.state.Phase = next
	c.commitAndBroadcast(protocol.PhaseChange(next), protocol.SyncState(c.state))

	c.log.WithField("phase", next).Info("Advanced phase")
	return next, nil
}

// PeerJoined sends the current state to a newly joined guest.
func (c *Coordinator) PeerJoined(peerID string) {
	c.mu.Lock()
	snapshot := protocol.SyncState(c.state)
	out := c.out
	c.sendMu.Lock()
	c.mu.Unlock()
	defer c.sendMu.Unlock()

	if out != nil && !out.SendToGuest(peerID, snapshot) {
		c.log.WithField("peer", peerID).Warn("Failed to send state to new guest")
	}
}

// PeerLeft releases the person claimed by peerID, if any.
func (c *Coordinator) PeerLeft(peerID string) {
	c.mu.Lock()
	if _, ok := c.peers[peerID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.peers, peerID)
	c.state.ClaimedPersonIDs = claimed(c.peers)
	c.commitAndBroadcast(protocol.SyncState(c.state))
	c.log.WithField("peer", peerID).Info("Released identity of departed guest")
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot() protocol.SyncPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Identity returns the person claimed by peerID.
func (c *Coordinator) Identity(peerID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	person, ok := c.peers[peerID]
	return person, ok
}

// Version counts accepted changes.
func (c *Coordinator) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// OnChange registers fn to run after every accepted change.
func (c *Coordinator) OnChange(fn func(protocol.SyncPayload)) func() {
	return c.onChange.add(fn)
}

// draft is a change in progress; it is discarded when apply fails.
type draft struct {
	state protocol.SyncPayload
	peers map[string]string
	newID func() string
}

func (d *draft) apply(peerID string, msg protocol.GuestMessage) error {
	s := &d.state
	switch msg.Type {
	case protocol.TypeIdentify:
		if !s.HasPerson(msg.PersonID) {
			return fmt.Errorf("%w: %q", ErrUnknownPerson, msg.PersonID)
		}
		// A person belongs to one peer; the latest IDENTIFY wins so a guest
		// that reconnected under a new peer id keeps its identity.
		for peer, person := range d.peers {
			if person == msg.PersonID {
				delete(d.peers, peer)
			}
		}
		d.peers[peerID] = msg.PersonID

	case protocol.TypeClaimItem:
		if err := d.requireItemAndPerson(msg.ItemID, msg.PersonID); err != nil {
			return err
		}
		s.Assignments[msg.ItemID] = protocol.SetAdd(s.Assignments[msg.ItemID], msg.PersonID)
		if w, ok := s.Portions[msg.ItemID]; ok {
			if _, has := w[msg.PersonID]; !has {
				w[msg.PersonID] = 1
			}
		}

	case protocol.TypeUnclaimItem:
		if err := d.requireItemAndPerson(msg.ItemID, msg.PersonID); err != nil {
			return err
		}
		d.unassign(msg.ItemID, msg.PersonID)

	case protocol.TypeSetAssignees:
		if !s.HasItem(msg.ItemID) {
			return fmt.Errorf("%w: %q", ErrUnknownItem, msg.ItemID)
		}
		for _, person := range msg.PersonIDs {
			if !s.HasPerson(person) {
				return fmt.Errorf("%w: %q", ErrUnknownPerson, person)
			}
		}
		assignees := protocol.SetOf(msg.PersonIDs...)
		for person := range msg.Portions {
			if !protocol.SetContains(assignees, person) {
				return fmt.Errorf("%w: portion for %q who is not an assignee", ErrInvalidIntent, person)
			}
		}
		if len(assignees) == 0 {
			delete(s.Assignments, msg.ItemID)
		} else {
			s.Assignments[msg.ItemID] = assignees
		}
		if len(msg.Portions) == 0 {
			delete(s.Portions, msg.ItemID)
		} else {
			w := make(map[string]float64, len(msg.Portions))
			for person, v := range msg.Portions {
				w[person] = v
			}
			s.Portions[msg.ItemID] = w
		}

	case protocol.TypeSetTip:
		if !s.HasPerson(msg.PersonID) {
			return fmt.Errorf("%w: %q", ErrUnknownPerson, msg.PersonID)
		}
		tip := protocol.PersonTip{Mode: msg.Mode}
		if msg.Mode == protocol.TipPercentage {
			tip.Percentage = msg.Value
		} else {
			tip.FixedAmountCents = int64(math.Round(msg.Value))
		}
		s.PersonTips[msg.PersonID] = tip

	case protocol.TypeAddPerson:
		s.People = append(s.People, protocol.Person{
			ID:          d.newID(),
			DisplayName: strings.TrimSpace(msg.Name),
			ColorTag:    colorTags[len(s.People)%len(colorTags)],
		})

	default:
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidIntent, msg.Type)
	}
	return nil
}

func (d *draft) requireItemAndPerson(itemID, personID string) error {
	if !d.state.HasItem(itemID) {
		return fmt.Errorf("%w: %q", ErrUnknownItem, itemID)
	}
	if !d.state.HasPerson(personID) {
		return fmt.Errorf("%w: %q", ErrUnknownPerson, personID)
	}
	return nil
}

func (d *draft) unassign(itemID, personID string) {
	s := &d.state
	if ids := protocol.SetRemove(s.Assignments[itemID], personID); len(ids) > 0 {
		s.Assignments[itemID] = ids
	} else {
		delete(s.Assignments, itemID)
	}
	if w, ok := s.Portions[itemID]; ok {
		delete(w, personID)
		if len(w) == 0 {
			delete(s.Portions, itemID)
		}
	}
}

func copyPeers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func claimed(peers map[string]string) []string {
	ids := make([]string, 0, len(peers))
	for _, person := range peers {
		ids = append(ids, person)
	}
	return protocol.SetOf(ids...)
}
