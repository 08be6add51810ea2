// Package websocket bridges the event bus to WebSocket clients. The hub
// subscribes once to the session subjects and fans events out to clients
// that asked for the matching session.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/events/bus"
)

// Hub tracks connected clients and forwards bus events to them.
type Hub struct {
	bus    bus.EventBus
	logger *logger.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	subs []bus.Subscription
}

// NewHub creates a hub. Call Start to attach it to the bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "ws_hub")),
		clients: make(map[string]*Client),
	}
}

// Start subscribes the hub to the session subjects on the bus.
func (h *Hub) Start() error {
	subjects := []string{
		events.BuildSessionEventWildcardSubject(),
		events.BuildSandboxEventWildcardSubject(),
		events.SessionsLifecycleSubject,
	}
	for _, subject := range subjects {
		sub, err := h.bus.Subscribe(subject, h.handleBusEvent)
		if err != nil {
			h.Stop()
			return err
		}
		h.subs = append(h.subs, sub)
	}
	return nil
}

// Stop detaches the hub from the bus and closes all clients.
func (h *Hub) Stop() {
	for _, sub := range h.subs {
		_ = sub.Unsubscribe()
	}
	h.subs = nil

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.send)
	}
}

func (h *Hub) handleBusEvent(ctx context.Context, event *bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("failed to marshal event", zap.String("type", event.Type), zap.Error(err))
		return nil
	}

	sessionID, _ := event.Data["sessionId"].(string)

	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		// Lifecycle events without a session scope go to everyone.
		if sessionID == "" || c.IsSubscribed(sessionID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.Send(data)
	}
	return nil
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
	h.logger.Debug("client registered", zap.String("client_id", client.ID))
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client.ID]
	delete(h.clients, client.ID)
	h.mu.Unlock()
	if ok {
		close(client.send)
		h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
