package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/wricardo/tabsplit/config"
	"github.com/wricardo/tabsplit/protocol"
	"golang.org/x/time/rate"
)

// Hub is the relay endpoint. It upgrades HTTP requests to websockets, runs a
// read and a write goroutine per connection, interprets control frames and
// drives the Registry.
type Hub struct {
	cfg      config.RelayConfig
	registry *Registry
	upgrader websocket.Upgrader
	now      func() time.Time
	log      *logrus.Entry
}

// NewHub creates a hub over registry.
func NewHub(cfg config.RelayConfig, registry *Registry, log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.WithField("component", "relay")
	}
	h := &Hub{
		cfg:      cfg,
		registry: registry,
		now:      time.Now,
		log:      log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Registry returns the room registry behind the hub.
func (h *Hub) Registry() *Registry { return h.registry }

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Run sweeps expired rooms every SweepInterval until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := h.registry.Sweep(h.cfg.RoomTTL); removed > 0 {
				h.log.WithField("removed", removed).Info("Swept expired rooms")
			}
		}
	}
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	id := uuid.NewString()
	c := &conn{
		id:    id,
		hub:   h,
		ws:    ws,
		send:  make(chan []byte, h.cfg.SendBuffer),
		joins: NewJoinLimiter(h.cfg.JoinFailureLimit, h.cfg.JoinFailureWindow),
		flood: rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.MessageBurst),
		log:   h.log.WithField("conn", id),
	}
	c.log.WithField("remote", r.RemoteAddr).Debug("Connection opened")

	go c.writePump()
	go c.readPump()
}

// handle processes one inbound frame and reports whether the connection should
// stay open.
func (h *Hub) handle(c *conn, data []byte) bool {
	if !c.flood.Allow() {
		c.Send(protocol.ErrorFrame(protocol.ErrMsgRateLimited))
		return true
	}

	if _, err := protocol.PeekType(data); err != nil {
		c.Send(protocol.ErrorFrame(protocol.ErrMsgInvalidJSON))
		return true
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		c.Send(protocol.ErrorFrame(protocol.ErrMsgUnknownType))
		return true
	}

	switch env.Type {
	case protocol.TypeCreateRoom:
		_, _, err := h.registry.CreateRoom(c)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyInRoom):
			c.Send(protocol.ErrorFrame(protocol.ErrMsgAlreadyInRoom))
		default:
			c.log.WithError(err).Error("Failed to create room")
			c.Send(protocol.ErrorFrame(protocol.ErrMsgRoomCodeExhausted))
		}

	case protocol.TypeJoinRoom:
		code := protocol.NormalizeRoomCode(env.RoomCode)
		_, err := h.registry.JoinRoom(c, code)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyInRoom):
			c.Send(protocol.ErrorFrame(protocol.ErrMsgAlreadyInRoom))
		case errors.Is(err, ErrRoomNotFound):
			if c.joins.Fail(h.now()) {
				c.log.WithField("room", code).Warn("Join failure limit exceeded, closing connection")
				c.Send(protocol.ErrorFrame(protocol.ErrMsgTooManyJoins))
				return false
			}
			c.Send(protocol.ErrorFrame(protocol.ErrMsgRoomNotFound))
		}

	case protocol.TypeRelay:
		_, err := h.registry.Relay(c, env.To, env.Payload)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotInRoom):
			c.Send(protocol.ErrorFrame(protocol.ErrMsgNotInRoom))
		case errors.Is(err, ErrPeerNotFound):
			c.Send(protocol.ErrorFrame(protocol.ErrMsgPeerNotFound))
		}

	default:
		c.Send(protocol.ErrorFrame(protocol.ErrMsgUnknownType))
	}
	return true
}

// conn is one relay websocket connection. It implements Peer.
type conn struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string

	joins *JoinLimiter
	flood *rate.Limiter
	log   *logrus.Entry
}

// Send queues env without blocking. A peer whose buffer is full is closed so
// it cannot stall the sender.
func (c *conn) Send(env protocol.Envelope) bool {
	data, err := json.Marshal(env)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode frame")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.log.Warn("Send buffer full, dropping connection")
		c.closeLocked(websocket.CloseTryAgainLater, "send buffer full")
		return false
	}
}

// Close flushes queued frames, then sends a close frame with code and reason.
func (c *conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked(code, reason)
}

func (c *conn) closeLocked(code int, reason string) {
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = reason
	close(c.send)
}

func (c *conn) readPump() {
	defer func() {
		c.hub.registry.Disconnect(c)
		c.Close(websocket.CloseNormalClosure, "")
		c.log.Debug("Connection closed")
	}()

	pongWait := c.hub.cfg.PongWait
	c.ws.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("WebSocket read error")
			}
			return
		}
		// Any inbound frame proves the peer is alive.
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if !c.hub.handle(c, data) {
			c.hub.registry.Disconnect(c)
			c.Close(websocket.ClosePolicyViolation, protocol.ErrMsgTooManyJoins)
			return
		}
	}
}

func (c *conn) writePump() {
	writeWait := c.hub.cfg.WriteWait
	ticker := time.NewTicker(c.hub.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.mu.Lock()
				code, text := c.closeCode, c.closeText
				c.mu.Unlock()
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
