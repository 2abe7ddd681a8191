// ABOUTME: Room registry for live websocket clients
// ABOUTME: Emits frames to org, agent and chat rooms without ever blocking on a slow client

package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
)

const (
	orgRoomPrefix   = "org:"
	agentRoomPrefix = "agent:"
	chatRoomPrefix  = "chat:"
)

// OrgRoom is the broadcast room for a whole tenant
func OrgRoom(orgID string) string { return orgRoomPrefix + orgID }

// AgentRoom is the private room for one agent
func AgentRoom(agentID string) string { return agentRoomPrefix + agentID }

// ChatRoom is the room scoped to one conversation
func ChatRoom(conversationID string) string { return chatRoomPrefix + conversationID }

// Frame is what clients receive and send: an event name and its payload
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Hub tracks which clients are in which rooms
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	members map[*Client]map[string]struct{}
	closed  bool
	logger  *slog.Logger
}

// NewHub creates an empty hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:   make(map[string]map[*Client]struct{}),
		members: make(map[*Client]map[string]struct{}),
		logger:  logger.With("component", "hub"),
	}
}

// register adds a client with no rooms. Returns false once the hub is closed.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.members[c] = make(map[string]struct{})
	return true
}

// unregister removes c from every room and closes its send channel
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *Client) {
	rooms, ok := h.members[c]
	if !ok {
		return
	}
	for room := range rooms {
		h.leaveLocked(c, room)
	}
	delete(h.members, c)
	close(c.send)
}

// Join adds c to room. Joining twice is a no-op.
func (h *Hub) Join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.members[c]
	if !ok {
		return
	}
	rooms[room] = struct{}{}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
}

// Leave removes c from room
func (h *Hub) Leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rooms, ok := h.members[c]; ok {
		delete(rooms, room)
	}
	h.leaveLocked(c, room)
}

func (h *Hub) leaveLocked(c *Client, room string) {
	clients := h.rooms[room]
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.rooms, room)
	}
}

// InRoom reports whether c has joined room
func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][c]
	return ok
}

// RoomSize returns the number of clients in room
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Emit queues frame for every client in room and returns how many accepted
// it. Clients whose buffers are full are disconnected.
func (h *Hub) Emit(room string, frame []byte) int {
	var slow []*Client
	delivered := 0

	// Sends happen under the read lock so unregister cannot close a channel mid-send
	h.mu.RLock()
	for c := range h.rooms[room] {
		select {
		case c.send <- frame:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("disconnecting slow client", "client_id", c.id, "room", room)
		h.unregister(c)
	}
	return delivered
}

// sendTo queues frame for one client. Returns false if the client is gone or full.
func (h *Hub) sendTo(c *Client, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.members[c]; !ok {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.members {
		h.removeLocked(c)
	}
	h.closed = true
}
