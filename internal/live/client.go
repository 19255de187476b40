package live

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024
	sendQueueSize  = 64
)

// command is one inbound client message.
type command struct {
	Action   string `json:"action"`
	DeviceID string `json:"deviceId"`
}

// envelope is one outbound event to a client.
type envelope struct {
	Event    string         `json:"event"`
	DeviceID string         `json:"deviceId,omitempty"`
	Error    string         `json:"error,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Client is one connected dashboard websocket.
type Client struct {
	id     string
	conn   *websocket.Conn
	hub    *Hub
	out    chan []byte
	done   chan struct{}
	logger zerolog.Logger

	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn, hub *Hub, logger zerolog.Logger) *Client {
	return &Client{
		id:     id,
		conn:   conn,
		hub:    hub,
		out:    make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// readPump consumes subscribe/unsubscribe commands until the connection
// drops, then triggers the hub's disconnect cleanup.
func (c *Client) readPump() {
	defer func() {
		c.hub.dropClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Str("client_id", c.id).Msg("Websocket read error")
			}
			return
		}

		var cmd command
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.Warn().Err(err).Str("client_id", c.id).Msg("Ignoring malformed client command")
			continue
		}

		switch cmd.Action {
		case "subscribe-device":
			c.hub.handleSubscribe(c, cmd.DeviceID)
		case "unsubscribe-device":
			c.hub.handleUnsubscribe(c, cmd.DeviceID)
		default:
			c.logger.Debug().
				Str("client_id", c.id).
				Str("action", cmd.Action).
				Msg("Ignoring unknown client action")
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// send marshals and queues one envelope for the client.
func (c *Client) send(env envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		c.logger.Error().Err(err).Str("client_id", c.id).Msg("Failed to encode envelope")
		return
	}
	c.sendRaw(payload)
}

// sendRaw queues a message without blocking; a closed client or a full queue
// drops the message.
func (c *Client) sendRaw(payload []byte) {
	select {
	case <-c.done:
	case c.out <- payload:
	default:
		c.logger.Debug().Str("client_id", c.id).Msg("Dropping event for slow client")
	}
}

// close signals the write pump to finish exactly once; the pump then closes
// the underlying connection.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
