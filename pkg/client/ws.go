package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// PushConn is one open push channel connection.
type PushConn interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Close() error
}

// PushDialer opens push channel connections.
type PushDialer interface {
	Dial(ctx context.Context) (PushConn, error)
}

// WSDialer dials the daemon's websocket push channel.
type WSDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context) (PushConn, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
	}

	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.mu.Unlock()
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
