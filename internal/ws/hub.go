package ws

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// member is one connection registered in the hub. Deliver returns false
// when the member could not accept the frame (slow consumer, closed).
type member interface {
	Deliver(payload []byte) bool
}

// Hub maps room names to their registered connections and broadcasts
// payloads into rooms. It implements safety.RoomPublisher.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[member]bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[string]map[member]bool),
	}
}

// Join registers a member in a room.
func (h *Hub) Join(room string, m member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[member]bool)
	}
	h.rooms[room][m] = true
}

// Leave removes a member from every room it joined. Idempotent.
func (h *Hub) Leave(m member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room, members := range h.rooms {
		delete(members, m)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Publish marshals payload once and delivers it to every member of the
// room. An empty room is not an error: the recipient is simply offline and
// will catch up through the safety-history read path.
func (h *Hub) Publish(room string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.PublishRaw(room, data)
	return nil
}

// PublishRaw delivers a pre-encoded frame to every member of the room.
// Used by the redis bridge to avoid re-encoding relayed frames.
func (h *Hub) PublishRaw(room string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members, exists := h.rooms[room]
	if !exists || len(members) == 0 {
		return
	}

	for m := range members {
		if !m.Deliver(data) {
			slog.Warn("dropped frame for slow or closed connection", "room", room)
		}
	}
}

// ConnectionCount returns the number of members in a room.
func (h *Hub) ConnectionCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if members, exists := h.rooms[room]; exists {
		return len(members)
	}
	return 0
}
