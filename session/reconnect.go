package session

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// reconnectToHost rejoins room code after the connection to the host was
// lost. Only one reconnection runs at a time. Each cycle is a full retry
// sequence; the last IDENTIFY is replayed once the guest is back.
func (t *Transport) reconnectToHost(code string) {
	if !t.reconnecting.CompareAndSwap(false, true) {
		return
	}

	t.setStatus(StatusReconnecting)

	for cycle := 1; cycle <= t.opts.MaxReconnectCycles; cycle++ {
		if t.destroyed.Load() {
			t.reconnecting.Store(false)
			return
		}
		log := t.log.WithFields(logrus.Fields{"room": code, "cycle": cycle})
		log.Info("Reconnecting to host")

		res, err := t.connectWithRetry(t.ctx, RoleGuest, code)
		if err == nil {
			// Released before install so a loss of the new connection can
			// start the next reconnection.
			t.reconnecting.Store(false)
			if err := t.install(res, RoleGuest); err != nil {
				return
			}
			t.reidentify()
			return
		}
		if errors.Is(err, ErrDestroyed) || t.destroyed.Load() {
			t.reconnecting.Store(false)
			return
		}
		if errors.Is(err, ErrRoomNotFound) {
			log.Warn("Room no longer exists")
			break
		}
		log.WithError(err).Warn("Reconnect cycle failed")
	}

	t.reconnecting.Store(false)
	if t.destroyed.Load() {
		return
	}
	t.setStatus(StatusDisconnected)
	t.events.err.emit(ErrSessionLost)
}

// Reconnecting reports whether a reconnection is in flight.
func (t *Transport) Reconnecting() bool {
	return t.reconnecting.Load()
}

func (t *Transport) reidentify() {
	t.mu.Lock()
	identity := t.identity
	t.mu.Unlock()
	if identity == nil {
		return
	}
	if t.SendToHost(*identity) {
		t.log.WithField("person", identity.PersonID).Info("Re-sent identity after reconnect")
	}
}
