package controller

import (
	"log"
	"sync"

	"nurtura/engine"

	"github.com/gofiber/websocket/v2"
)

// ProgressHub fans engine transitions out to websocket subscribers. It is
// registered as the engine's transition hook, so every persisted enrollment
// or step change reaches connected clients live.
type ProgressHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]uint // conn -> autoresponder filter (0 = all)
	Logger  *log.Logger
}

func NewProgressHub(logger *log.Logger) *ProgressHub {
	return &ProgressHub{
		clients: make(map[*websocket.Conn]uint),
		Logger:  logger,
	}
}

// Broadcast delivers a transition to every subscriber whose filter matches.
// Must not block: a slow client is dropped rather than stalling the engine.
func (h *ProgressHub) Broadcast(t engine.Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, filter := range h.clients {
		if filter != 0 && filter != t.AutoresponderID {
			continue
		}
		if err := conn.WriteJSON(t); err != nil {
			h.Logger.Printf("Dropping progress subscriber: %v", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// HandleProgressWS subscribes a websocket client to the progress feed. The
// client may send {"autoresponder_id": N} to filter, 0 or nothing for all.
func (h *ProgressHub) HandleProgressWS(c *websocket.Conn) {
	defer c.Close()

	var input struct {
		AutoresponderID uint `json:"autoresponder_id"`
	}
	if err := c.ReadJSON(&input); err != nil {
		h.Logger.Printf("Error reading progress subscription: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[c] = input.AutoresponderID
	h.mu.Unlock()

	// Block until the client goes away; reads double as a liveness check.
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}
