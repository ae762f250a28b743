// Package streaming exposes the Memory Sync Bus to external websocket
// clients, bridging Bus subscriptions onto per-connection send queues.
package streaming

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/memory"
	"github.com/memnexus/memnexus/internal/memory/bus"
)

// Client is one external websocket connection, fed by a Hub.
type Client struct {
	ID         string
	conn       *websocket.Conn
	sessionIDs map[string]bus.Token
	send       chan []byte
	hub        *Hub
	mu         sync.RWMutex
	log        *logger.Logger
}

// NewClient wires a connection to a Hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:         id,
		conn:       conn,
		sessionIDs: make(map[string]bus.Token),
		send:       make(chan []byte, 256),
		hub:        hub,
		log:        log.WithFields(zap.String("client_id", id)),
	}
}

// Hub tracks every connected external client and bridges Bus events to them.
type Hub struct {
	bus *bus.Bus

	mu      sync.RWMutex
	clients map[string]*Client

	log *logger.Logger
}

// NewHub creates a Hub bridging b's SyncEvents to external clients.
func NewHub(b *bus.Bus, log *logger.Logger) *Hub {
	return &Hub{
		bus:     b,
		clients: make(map[string]*Client),
		log:     log.WithFields(zap.String("component", "memory_streaming_hub")),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.log.Debug("client registered", zap.String("client_id", c.ID))
}

// Unregister removes a client, tearing down every session subscription it held.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	tokens := c.sessionIDs
	c.sessionIDs = make(map[string]bus.Token)
	c.mu.Unlock()

	for _, tok := range tokens {
		h.bus.Unsubscribe(tok)
	}
	close(c.send)
	h.log.Debug("client unregistered", zap.String("client_id", c.ID))
}

// SubscribeClient subscribes c to sessionID's SyncEvents, bridging the Bus
// callback onto c's send channel.
func (h *Hub) SubscribeClient(c *Client, sessionID string) {
	c.mu.Lock()
	if _, already := c.sessionIDs[sessionID]; already {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	tok := h.bus.Subscribe(sessionID, func(evt memory.SyncEvent) {
		data, err := json.Marshal(evt)
		if err != nil {
			h.log.Error("failed to marshal sync event", zap.Error(err))
			return
		}
		c.Send(data)
	})

	c.mu.Lock()
	c.sessionIDs[sessionID] = tok
	c.mu.Unlock()
}

// UnsubscribeClient removes c's subscription to sessionID, if any.
func (h *Hub) UnsubscribeClient(c *Client, sessionID string) {
	c.mu.Lock()
	tok, ok := c.sessionIDs[sessionID]
	if ok {
		delete(c.sessionIDs, sessionID)
	}
	c.mu.Unlock()

	if ok {
		h.bus.Unsubscribe(tok)
	}
}

// Send queues msg for delivery, dropping it if the client's buffer is full.
func (c *Client) Send(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ClientCount returns the number of connected external clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
