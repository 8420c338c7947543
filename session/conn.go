package session

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one client connection to the relay. WriteMessage must be safe for
// concurrent use; ReadMessage is only called from one goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens connections to the relay.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the relay with gorilla/websocket.
type WebsocketDialer struct {
	Dialer    *websocket.Dialer
	WriteWait time.Duration
}

// NewWebsocketDialer returns a dialer based on websocket.DefaultDialer.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{Dialer: websocket.DefaultDialer, WriteWait: 10 * time.Second}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{ws: ws, writeWait: d.WriteWait}, nil
}

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	ws        *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeWait > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
