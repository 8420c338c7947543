package coordinator

import (
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/wricardo/tabsplit/protocol"
	"github.com/wricardo/tabsplit/session"
)

// Mirror is a guest's read-only copy of the host state. It is replaced
// wholesale on every SYNC_STATE.
type Mirror struct {
	mu    sync.Mutex
	state *protocol.SyncPayload
	phase protocol.Phase

	log      *logrus.Entry
	onChange changeListeners
}

func NewMirror(log *logrus.Entry) *Mirror {
	if log == nil {
		log = logrus.WithField("component", "mirror")
	}
	return &Mirror{log: log}
}

// Attach feeds host messages from t into the mirror.
func (m *Mirror) Attach(t *session.Transport) func() {
	return t.OnHostMessage(func(e session.HostMessageEvent) { m.Apply(e.Msg) })
}

// Apply updates the mirror and reports whether anything changed. Replaying
// the current state is a no-op and does not notify listeners.
func (m *Mirror) Apply(msg protocol.HostMessage) bool {
	m.mu.Lock()
	switch msg.Type {
	case protocol.TypeSyncState:
		if msg.Payload == nil {
			m.mu.Unlock()
			return false
		}
		if err := msg.Payload.Validate(); err != nil {
			m.mu.Unlock()
			m.log.WithError(err).Warn("Ignoring inconsistent state from host")
			return false
		}
		if m.state != nil && reflect.DeepEqual(*m.state, *msg.Payload) {
			m.mu.Unlock()
			return false
		}
		next := msg.Payload.Clone()
		m.state = &next
		m.phase = next.Phase

	case protocol.TypePhaseChange:
		if msg.Phase == m.phase {
			m.mu.Unlock()
			return false
		}
		m.phase = msg.Phase
		if m.state != nil {
			m.state.Phase = msg.Phase
		}

	default:
		m.mu.Unlock()
		return false
	}

	var snapshot protocol.SyncPayload
	hasState := m.state != nil
	if hasState {
		snapshot = m.state.Clone()
	}
	m.mu.Unlock()

	if hasState {
		m.onChange.emit(snapshot)
	}
	return true
}

// State returns the last state received, if any.
func (m *Mirror) State() (protocol.SyncPayload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return protocol.SyncPayload{}, false
	}
	return m.state.Clone(), true
}

func (m *Mirror) Phase() protocol.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// OnChange registers fn to run whenever the mirrored state changes.
func (m *Mirror) OnChange(fn func(protocol.SyncPayload)) func() {
	return m.onChange.add(fn)
}

type changeListeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(protocol.SyncPayload)
}

func (l *changeListeners) add(fn func(protocol.SyncPayload)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(protocol.SyncPayload))
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

func (l *changeListeners) emit(p protocol.SyncPayload) {
	l.mu.Lock()
	fns := make([]func(protocol.SyncPayload), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}
