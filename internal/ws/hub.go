package ws

import (
	"sync"

	"collabCore/internal/cache"
	"collabCore/internal/collab"
)

// Hub tracks which connections are in which document room and fans server
// messages out to them. A room holds connections, not users: one user may
// have several tabs open, each its own connection.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

func (h *Hub) Join(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[docID] == nil {
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
}

func (h *Hub) Leave(docID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
}

func (h *Hub) conns(docID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		out = append(out, c)
	}
	return out
}

// BroadcastApplied pushes an applied operation to every subscriber in the
// room, the originator included: its ack and the broadcast carry the same
// version so reconciliation sees one serialized stream.
func (h *Hub) BroadcastApplied(docID string, applied collab.AppliedOp) {
	msg := ServerMessage{Type: "op_broadcast", DocID: docID, Applied: []collab.AppliedOp{applied}}
	for _, c := range h.conns(docID) {
		c.Enqueue(msg)
	}
}

func (h *Hub) BroadcastPresence(docID string, members []cache.Presence) {
	msg := ServerMessage{Type: "presence", DocID: docID, Members: members}
	for _, c := range h.conns(docID) {
		c.Enqueue(msg)
	}
}
