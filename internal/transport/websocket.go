package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	pongTimeout             = 60 * time.Second
	pingPeriod              = 30 * time.Second
)

// WebSocketDialerConfig describes a websocket connection to a relay room
// endpoint.
type WebSocketDialerConfig struct {
	// URL is the full room sync endpoint, e.g.
	// wss://relay.example.com/v1/rooms/room-1/sync.
	URL string
	// Token is the bearer session token presented on the handshake.
	Token            string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// WebSocketDialer dials a relay room endpoint over websocket. An HTTP
// 401, 403, or 404 on the handshake maps to ErrSessionRejected so the
// session closes instead of retrying forever.
type WebSocketDialer struct {
	config WebSocketDialerConfig
}

// NewWebSocketDialer returns a dialer with defaults applied.
func NewWebSocketDialer(cfg WebSocketDialerConfig) *WebSocketDialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &WebSocketDialer{config: cfg}
}

// Dial performs one websocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if d.config.Token != "" {
		header.Set("Authorization", "Bearer "+d.config.Token)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: d.config.HandshakeTimeout}
	ws, response, err := dialer.DialContext(ctx, d.config.URL, header)
	if err != nil {
		if response != nil {
			switch response.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return nil, fmt.Errorf("%w: handshake status %d", ErrSessionRejected, response.StatusCode)
			}
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	conn := &wsConn{
		ws:           ws,
		writeTimeout: d.config.WriteTimeout,
		pingDone:     make(chan struct{}),
	}
	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	go conn.keepalive()
	return conn, nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	pingDone     chan struct{}
	closeOnce    sync.Once
}

// keepalive pings the relay on an interval. Paired with the read deadline
// the pong handler refreshes, a half-open connection fails Receive within
// one pong timeout instead of blocking on a dead socket forever.
func (c *wsConn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.pingDone:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (c *wsConn) Send(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return nil
}

func (c *wsConn) Receive() ([]byte, error) {
	for {
		messageType, payload, err := c.ws.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConnClosed, err)
		}
		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			return payload, nil
		default:
			// control frames are handled by the library; skip anything else
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.pingDone) })
	c.writeMu.Lock()
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.ws.SetWriteDeadline(deadline)
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}
