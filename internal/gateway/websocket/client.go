package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Inbound actions understood by the gateway.
const (
	ActionSubscribe   = "session.subscribe"
	ActionUnsubscribe = "session.unsubscribe"
	ActionPing        = "ping"
)

// clientMessage is the envelope clients send over the socket.
type clientMessage struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
}

// ack is sent back after subscribe/unsubscribe and ping.
type ack struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *gorillaws.Conn
	hub  *Hub
	send chan []byte

	// Session IDs this client wants events for.
	subscriptions map[string]bool
	mu            sync.RWMutex

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *gorillaws.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads messages from the WebSocket connection until it closes.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseAbnormalClosure) {
				c.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("ignoring malformed client message", zap.Error(err))
			continue
		}
		c.handleMessage(&msg)
	}
}

func (c *Client) handleMessage(msg *clientMessage) {
	switch msg.Action {
	case ActionSubscribe:
		if msg.SessionID == "" {
			return
		}
		c.mu.Lock()
		c.subscriptions[msg.SessionID] = true
		c.mu.Unlock()
		c.logger.Debug("client subscribed", zap.String("session_id", msg.SessionID))
		c.sendJSON(ack{Type: "subscribed", SessionID: msg.SessionID})

	case ActionUnsubscribe:
		c.mu.Lock()
		delete(c.subscriptions, msg.SessionID)
		c.mu.Unlock()
		c.sendJSON(ack{Type: "unsubscribed", SessionID: msg.SessionID})

	case ActionPing:
		c.sendJSON(ack{Type: "pong"})

	default:
		c.logger.Debug("unknown client action", zap.String("action", msg.Action))
	}
}

// IsSubscribed reports whether the client wants events for the session.
func (c *Client) IsSubscribed(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[sessionID]
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Send(data)
}

// Send queues a raw message for delivery. Slow clients are dropped rather
// than allowed to block the hub.
func (c *Client) Send(data []byte) {
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping connection")
		c.hub.Unregister(c)
	}
}

// WritePump writes queued messages to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}

			// Drain anything already queued before the next select.
			for i := 0; i < len(c.send); i++ {
				if err := c.conn.WriteMessage(gorillaws.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
