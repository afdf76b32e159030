package realtime

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kanbanlab/boardsync/internal/events"
	"github.com/kanbanlab/boardsync/internal/models"
)

// WSChannel is a Channel carried over a WebSocket coordination server.
// The server echoes every published frame back to all connected clients,
// the sender included, which gives all peers the same message order.
type WSChannel struct {
	url    string
	token  string
	logger *events.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	subs   []hubSub
	nextID int

	done chan struct{}

	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWSChannel creates a WebSocket coordination channel. The connection
// is established by Connect.
func NewWSChannel(wsURL, token string, logger *events.Logger) *WSChannel {
	if len(wsURL) > 4 && wsURL[:4] == "http" {
		wsURL = "ws" + wsURL[4:]
	}

	return &WSChannel{
		url:          wsURL,
		token:        token,
		logger:       logger.WithField("component", "realtime_ws"),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// Connect dials the coordination server and starts the read and ping
// loops.
func (c *WSChannel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}
	if c.closed {
		return models.ErrChannelClosed
	}

	c.logger.WithField("url", c.url).Info("Connecting to coordination channel")

	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket connect failed: %w", err)
	}

	c.conn = conn

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.logger.Info("Coordination channel connected")
	return nil
}

// Publish sends msg to the coordination server for broadcast.
func (c *WSChannel) Publish(msg Message) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return models.ErrChannelClosed
	}
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	c.logger.WithFields(map[string]any{
		"type":    msg.Type,
		"lock_id": msg.LockID,
	}).Debug("Publishing coordination message")

	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Subscribe registers a handler for inbound frames.
func (c *WSChannel) Subscribe(h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, hubSub{id: id, h: h})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Close shuts the connection down and stops the loops.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// readLoop decodes inbound frames and fans them out to subscribers.
func (c *WSChannel) readLoop(conn *websocket.Conn) {
	defer func() {
		_ = c.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
		return nil
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Error("Coordination channel read error")
			}
			return
		}

		c.mu.Lock()
		subs := append([]hubSub(nil), c.subs...)
		c.mu.Unlock()

		for _, s := range subs {
			s.h(msg)
		}

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// pingLoop keeps the connection alive.
func (c *WSChannel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.WithError(err).Error("Ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
