package ws

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/taskpulse/backend/internal/auth"
	"github.com/taskpulse/backend/internal/session"
)

// TransportConfig holds per-connection timing and size limits.
type TransportConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	AuthWait        time.Duration
	MaxMessageBytes int64
	SendQueueSize   int
	OverflowPolicy  session.OverflowPolicy
}

// DefaultTransportConfig mirrors the config package defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		PingInterval:    25 * time.Second,
		PongTimeout:     60 * time.Second,
		WriteTimeout:    10 * time.Second,
		AuthWait:        500 * time.Millisecond,
		MaxMessageBytes: 4096,
		SendQueueSize:   64,
	}
}

// withDefaults fills unset durations and sizes from DefaultTransportConfig.
// A wholly zero config is the defaults. Otherwise a zero AuthWait is kept
// and means the handshake does not wait for an auth frame.
func (c TransportConfig) withDefaults() TransportConfig {
	def := DefaultTransportConfig()
	if c == (TransportConfig{}) {
		return def
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = def.PongTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.AuthWait < 0 {
		c.AuthWait = 0
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = def.MaxMessageBytes
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	return c
}

// conn binds one websocket to its session. The write pump is the only
// writer on the socket; the read pump is the only reader.
type conn struct {
	ws     *websocket.Conn
	sess   *session.Session
	hub    *Hub
	cfg    TransportConfig
	logger *log.Logger
}

func newConn(ws *websocket.Conn, sess *session.Session, hub *Hub, cfg TransportConfig, logger *log.Logger) *conn {
	return &conn{
		ws:     ws,
		sess:   sess,
		hub:    hub,
		cfg:    cfg,
		logger: logger.With("session", sess.ID()),
	}
}

// serve runs the session until its transport closes: it waits briefly for
// an explicit auth frame, completes the handshake, then processes inbound
// frames in receipt order.
func (c *conn) serve(ctx context.Context, cred auth.Credential) {
	frames := make(chan []byte, 16)
	go c.writePump()
	go c.readPump(frames)
	defer c.hub.Disconnect(c.sess, "connection closed")

	var pending []byte
	if c.cfg.AuthWait > 0 {
		timer := time.NewTimer(c.cfg.AuthWait)
		select {
		case data, ok := <-frames:
			if !ok {
				timer.Stop()
				return
			}
			if token, isAuth := parseAuthFrame(data); isAuth {
				cred.Explicit = token
			} else {
				pending = data
			}
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	c.hub.Authenticate(ctx, c.sess, cred)
	if pending != nil {
		c.hub.HandleInbound(c.sess, pending)
	}

	for {
		select {
		case data, ok := <-frames:
			if !ok {
				return
			}
			c.hub.HandleInbound(c.sess, data)
		case <-c.sess.Done():
			return
		}
	}
}

func (c *conn) readPump(frames chan<- []byte) {
	defer close(frames)

	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("read ended", "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		select {
		case frames <- data:
		case <-c.sess.Done():
			return
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.sess.Outbound():
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("write failed, closing session", "err", err)
				c.hub.Disconnect(c.sess, "write failed")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.hub.Disconnect(c.sess, "ping failed")
				return
			}
		case <-c.sess.Done():
			c.flush()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}

// flush writes whatever was queued before the session closed.
func (c *conn) flush() {
	for {
		select {
		case msg := <-c.sess.Outbound():
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(messageType, data)
}
