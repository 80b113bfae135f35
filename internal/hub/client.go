package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weiawesome/yams-chat/internal/config"
	"github.com/weiawesome/yams-chat/internal/domain"
	"github.com/weiawesome/yams-chat/pkg/log"
)

// Client is one authenticated WebSocket connection. It implements
// registry.Conn.
type Client struct {
	Hub     *Hub
	Conn    *websocket.Conn
	Session *domain.Session
	send    chan []byte
	config  config.WebSocketConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// NewClient binds conn to session. ctx is the connection's lifetime and
// carries its logger.
func NewClient(ctx context.Context, hub *Hub, conn *websocket.Conn, session *domain.Session, cfg config.WebSocketConfig) *Client {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	ctx = log.WithConnection(ctx, session.ConnectionID, session.UserID, session.Username)
	ctx, cancel := context.WithCancel(ctx)
	return &Client{
		Hub:     hub,
		Conn:    conn,
		Session: session,
		send:    make(chan []byte, cfg.SendBuffer),
		config:  cfg,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) ID() string     { return c.Session.ConnectionID }
func (c *Client) UserID() string { return c.Session.UserID }

// Context is cancelled when the connection closes.
func (c *Client) Context() context.Context { return c.ctx }

// Deliver queues data without blocking. A client that cannot keep up is
// closed rather than allowed to stall the sender.
func (c *Client) Deliver(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		l := log.Ctx(c.ctx)
		l.Warn().Int("buffer", cap(c.send)).Msg("send buffer full, closing slow connection")
		c.closeLocked()
		return false
	}
}

// SendMessage marshals message and queues it.
func (c *Client) SendMessage(message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	c.Deliver(data)
	return nil
}

// Close stops accepting frames. The write pump flushes what is queued and
// then sends a close frame.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	c.cancel()
}

// ReadPump reads frames until the connection fails, passing each to
// handler. It unregisters the client on exit.
func (c *Client) ReadPump(handler func(context.Context, *Client, []byte)) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				l := log.Ctx(c.ctx)
				l.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		handler(c.ctx, c, message)
	}
}

// WritePump drains the send buffer to the socket and keeps the connection
// alive with pings. It must be the only writer of Conn.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
