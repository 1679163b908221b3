// Package streaming exposes the log broker over websockets. Each connected
// observer picks its topics with subscribe/unsubscribe control messages and
// receives buffered history followed by live events.
package streaming

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/logstream/broker"
)

// Hub tracks connected websocket observers and hands out broker
// subscriptions on their behalf.
type Hub struct {
	broker *broker.Broker
	logger *logger.Logger

	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates a hub over the given broker. Call Run in a goroutine.
func NewHub(b *broker.Broker, log *logger.Logger) *Hub {
	return &Hub{
		broker:     b,
		logger:     log.WithFields(zap.String("component", "log-stream-hub")),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		clients:    make(map[string]*Client),
	}
}

// Run processes client registration until Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		case <-h.shutdown:
			h.closeAll()
			return
		}
	}
}

// Shutdown disconnects every observer and stops the hub loop.
func (h *Hub) Shutdown() {
	close(h.shutdown)
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	if existing, ok := h.clients[client.id]; ok {
		// Same observer reconnected; drop the stale connection
		existing.close()
	}
	h.clients[client.id] = client
	h.mu.Unlock()

	h.logger.Debug("Log stream client connected", zap.String("client_id", client.id))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if current, ok := h.clients[client.id]; ok && current == client {
		delete(h.clients, client.id)
	}
	h.mu.Unlock()

	client.close()
	h.logger.Debug("Log stream client disconnected", zap.String("client_id", client.id))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}
