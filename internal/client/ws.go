// Package client is a reconnecting listener for the notification websocket.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/taskpulse/backend/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 25 * time.Second
)

var ErrNotConnected = errors.New("not connected")

// Event is one frame received from the server.
type Event struct {
	Type      ws.EventType    `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler is called for every event, in receipt order, from the listen
// goroutine.
type Handler func(Event)

// WSClient manages the websocket connection to the notification server.
type WSClient struct {
	url    string
	token  string
	rooms  []string
	logger *log.Logger

	baseDelay time.Duration
	maxDelay  time.Duration
	pingEvery time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (ping, auth, joins)
	conn    *websocket.Conn
}

// NewWSClient creates a client for url that authenticates with token (may be
// empty) and joins rooms after every connect.
func NewWSClient(url, token string, rooms ...string) *WSClient {
	return &WSClient{
		url:       url,
		token:     token,
		rooms:     rooms,
		logger:    log.Default().With("component", "client"),
		baseDelay: reconnectBaseDelay,
		maxDelay:  reconnectMaxDelay,
		pingEvery: pingInterval,
	}
}

func (c *WSClient) SetLogger(l *log.Logger) {
	if l != nil {
		c.logger = l.With("component", "client")
	}
}

// Listen connects and delivers events to handler, reconnecting with
// exponential backoff until ctx is done.
func (c *WSClient) Listen(ctx context.Context, handler Handler) error {
	delay := c.baseDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := c.session(ctx, handler)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = c.baseDelay
		}
		c.logger.Warn("connection lost", "err", err, "retry", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, c.maxDelay)
	}
}

// session runs one connection until it drops. It reports whether the dial
// succeeded.
func (c *WSClient) session(ctx context.Context, handler Handler) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	// No write mutex needed yet: the connection is not stored in c.conn.
	if c.token != "" {
		if err := conn.WriteJSON(ws.Inbound{Type: ws.InboundAuth, Token: c.token}); err != nil {
			return true, err
		}
	}
	for _, name := range c.rooms {
		if err := conn.WriteJSON(ws.Inbound{Type: ws.InboundJoinRoom, Room: name}); err != nil {
			return true, err
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	go c.pingLoop(connCtx, conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Debug("skipping undecodable frame", "err", err)
			continue
		}
		if handler != nil {
			handler(ev)
		}
	}
}

// pingLoop sends periodic pings on conn until ctx is cancelled.
func (c *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Join asks the server to add this connection to a room.
func (c *WSClient) Join(room string) error {
	return c.send(ws.Inbound{Type: ws.InboundJoinRoom, Room: room})
}

// Leave asks the server to remove this connection from a room.
func (c *WSClient) Leave(room string) error {
	return c.send(ws.Inbound{Type: ws.InboundLeaveRoom, Room: room})
}

// MarkRead acknowledges a notification.
func (c *WSClient) MarkRead(notificationID string) error {
	return c.send(ws.Inbound{Type: ws.InboundMarkRead, NotificationID: notificationID})
}

func (c *WSClient) send(msg ws.Inbound) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}
