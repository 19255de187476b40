package live

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/fleetsense/iot-backend/internal/models"
	"github.com/fleetsense/iot-backend/internal/subscriptions"
)

// Registry is the subscription registry the hub drives with client
// connect/subscribe/disconnect events.
type Registry interface {
	Connect(clientID string)
	Register(clientID, deviceID string) error
	Deregister(clientID, deviceID string) error
	Disconnect(clientID string)
}

// Hub accepts dashboard websocket connections and fans device events out to
// the clients registered for them. Delivery is fire-and-forget per client: a
// slow client loses events instead of blocking the broker path.
type Hub struct {
	registry Registry
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	closed  bool
}

// NewHub creates a Hub bound to the given registry.
func NewHub(registry Registry, logger zerolog.Logger) *Hub {
	return &Hub{
		registry: registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

// Start marks the hub ready to accept connections.
func (h *Hub) Start() error {
	h.mu.Lock()
	h.closed = false
	h.mu.Unlock()
	h.logger.Info().Msg("Live hub started")
	return nil
}

// Stop disconnects every client and refuses new connections.
func (h *Hub) Stop() error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	h.logger.Info().Msg("Live hub stopped")
	return nil
}

// ServeWS upgrades the request and runs the client's read/write pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	client := newClient(uuid.New().String(), conn, h, h.logger)

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	h.registry.Connect(client.id)

	h.logger.Info().Str("client_id", client.id).Msg("Dashboard client connected")

	go client.writePump()
	go client.readPump()
}

// handleSubscribe registers the client's interest and joins it to the
// device's room on success.
func (h *Hub) handleSubscribe(c *Client, deviceID string) {
	if err := h.registry.Register(c.id, deviceID); err != nil {
		reason := "internal server error"
		if errors.Is(err, subscriptions.ErrDeviceNotFound) {
			reason = "device not found"
		}
		c.send(envelope{Event: "subscription-error", DeviceID: deviceID, Error: reason})
		return
	}

	h.mu.Lock()
	room, ok := h.rooms[deviceID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[deviceID] = room
	}
	room[c.id] = c
	h.mu.Unlock()

	c.send(envelope{Event: "subscription-confirmed", DeviceID: deviceID})
}

// handleUnsubscribe drops the client's interest and leaves the room.
func (h *Hub) handleUnsubscribe(c *Client, deviceID string) {
	if err := h.registry.Deregister(c.id, deviceID); err != nil {
		h.logger.Warn().Err(err).
			Str("client_id", c.id).
			Str("device_id", deviceID).
			Msg("Deregister failed")
	}

	h.mu.Lock()
	if room, ok := h.rooms[deviceID]; ok {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, deviceID)
		}
	}
	h.mu.Unlock()
}

// dropClient removes the client from every room and tells the registry to
// bulk-deregister it.
func (h *Hub) dropClient(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	for deviceID, room := range h.rooms {
		delete(room, c.id)
		if len(room) == 0 {
			delete(h.rooms, deviceID)
		}
	}
	h.mu.Unlock()

	h.registry.Disconnect(c.id)
	h.logger.Info().Str("client_id", c.id).Msg("Dashboard client disconnected")
}

// BroadcastDeviceData delivers one event to every client in the device's
// room. Clients whose send queue is full are skipped.
func (h *Hub) BroadcastDeviceData(deviceID string, event models.LiveEvent) {
	payload, err := json.Marshal(envelope{
		Event:    "device-data",
		DeviceID: deviceID,
		Data:     event.Data,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("device_id", deviceID).Msg("Failed to encode live event")
		return
	}

	h.mu.RLock()
	room := h.rooms[deviceID]
	targets := make([]*Client, 0, len(room))
	for _, c := range room {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.sendRaw(payload)
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
