// Package events pushes memory lifecycle events to websocket clients.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4 * 1024
)

const (
	TypeMemoryCreated  = "memory.created"
	TypeMemoryBackedUp = "memory.backed_up"
	TypeMemoryDeleted  = "memory.deleted"
)

// Event is delivered to every client subscribed to GuildID, or only to
// UserID's clients when Private is set.
type Event struct {
	Type    string `json:"type"`
	GuildID string `json:"guild_id"`
	UserID  string `json:"-"`
	Private bool   `json:"-"`
	Payload any    `json:"payload,omitempty"`
}

var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type connection struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	// member is fixed at connect time; guilds is the subscribed subset
	member map[string]bool
	guilds map[string]bool
}

// Hub fans events out to connected clients. Slow clients drop events.
type Hub struct {
	mu          sync.RWMutex
	connections map[*connection]bool
	logger      *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		connections: make(map[*connection]bool),
		logger:      logger.With(slog.String("component", "events")),
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[c] = true
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections[c] {
		delete(h.connections, c)
		close(c.send)
	}
}

// Publish never blocks.
func (h *Hub) Publish(e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		h.logger.Warn("encode event", slog.String("type", e.Type), slog.String("error", err.Error()))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.connections {
		if e.Private {
			if c.userID != e.UserID {
				continue
			}
		} else if !c.guilds[e.GuildID] {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
}

// Clients reports how many websocket connections are open.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ServeWS registers conn and blocks until the client disconnects. The
// client starts subscribed to every guild in memberOf and may only
// subscribe to those.
func (h *Hub) ServeWS(conn *websocket.Conn, userID string, memberOf []string) {
	c := &connection{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, 64),
		member: make(map[string]bool),
		guilds: make(map[string]bool),
	}
	for _, g := range memberOf {
		c.member[g] = true
		c.guilds[g] = true
	}

	h.register(c)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *connection) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var cmd struct {
			Type    string `json:"type"`
			GuildID string `json:"guild_id"`
		}
		if err := json.Unmarshal(msg, &cmd); err != nil || cmd.GuildID == "" {
			continue
		}

		switch cmd.Type {
		case "subscribe":
			if !c.member[cmd.GuildID] {
				continue
			}
			h.mu.Lock()
			c.guilds[cmd.GuildID] = true
			h.mu.Unlock()
		case "unsubscribe":
			h.mu.Lock()
			delete(c.guilds, cmd.GuildID)
			h.mu.Unlock()
		}
	}
}

func (h *Hub) writePump(c *connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
