package server

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Max inbound frame size.
	maxMessageSize = 512 * 1024
)

// Client is one websocket connection. All of a user's logical topic
// subscriptions are multiplexed over this single connection; the
// subscription set lives in subs, owned by the hub.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	connID string
	userID string
	name   string
	avatar string

	// Guarded by hub.mu.
	subs map[string]bool
	open bool

	log *zap.Logger
}

// sendFrame queues a control frame for the client, dropping it if the
// client is already torn down or its buffer is full.
func (c *Client) sendFrame(frame *ServerFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		c.log.Error("failed to marshal server frame", zap.Error(err))
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.open {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.log.Warn("dropping control frame for slow client", zap.String("user", c.userID))
	}
}

// ReadPump pumps frames from the websocket to the hub.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("unexpected close", zap.String("user", c.userID), zap.Error(err))
			}
			break
		}

		c.handleFrame(message)
	}
}

// WritePump pumps queued payloads to the websocket and keeps the connection
// alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.log.Error("failed to get writer", zap.String("user", c.userID), zap.Error(err))
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				c.log.Error("failed to close writer", zap.String("user", c.userID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Error("failed to send ping", zap.String("user", c.userID), zap.Error(err))
				return
			}
		}
	}
}

// handleFrame routes one inbound frame to the hub. A malformed frame is
// logged and dropped; it must not take the connection down.
func (c *Client) handleFrame(message []byte) {
	var frame ClientFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.log.Error("error unmarshaling client frame", zap.String("user", c.userID), zap.Error(err))
		return
	}

	switch frame.Type {
	case FrameSubscribe:
		if frame.Topic == "" {
			c.log.Warn("subscribe frame without topic", zap.String("user", c.userID))
			return
		}
		c.hub.subscribe <- subscribeRequest{client: c, topicName: frame.Topic, grant: frame.Grant}

	case FrameUnsubscribe:
		if frame.Topic == "" {
			c.log.Warn("unsubscribe frame without topic", zap.String("user", c.userID))
			return
		}
		c.hub.unsubscribe <- unsubscribeRequest{client: c, topicName: frame.Topic}

	case FramePublish:
		if frame.Envelope == nil {
			c.log.Warn("publish frame without envelope", zap.String("user", c.userID))
			return
		}
		c.hub.publish <- publishRequest{client: c, envelope: frame.Envelope}

	default:
		c.log.Warn("unknown frame type", zap.String("type", frame.Type), zap.String("user", c.userID))
	}
}
