package server

import (
	"sync"

	"github.com/gobwas/ws"
)

// Hub holds the open clients and serializes fan-out. Broadcast enqueues under
// the hub lock, so every client's buffer receives broadcasts in the same
// order. Enqueueing never blocks; see Client.Send.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// join adds c and runs greet under the hub lock. Whatever greet enqueues on c
// precedes every broadcast, and no broadcast issued after join returns is
// missed. greet must not call back into the hub.
func (h *Hub) join(c *Client, greet func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
	greet()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c.id] == c {
		delete(h.clients, c.id)
	}
}

// Broadcast enqueues data for every client and returns how many accepted it.
func (h *Hub) Broadcast(data []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	sent := 0
	for _, c := range h.clients {
		if c.Send(data) {
			sent++
		}
	}
	return sent
}

// SendTo enqueues data for one client.
func (h *Hub) SendTo(connID string, data []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return false
	}
	return c.Send(data)
}

// Len returns the number of clients reachable through the hub.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// closeAll asks every client to close with code.
func (h *Hub) closeAll(code ws.StatusCode, reason string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.close(code, reason)
	}
	return len(h.clients)
}

// forceCloseAll drops the sockets of clients whose write pump did not get to
// send a close frame in time.
func (h *Hub) forceCloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.conn.Close()
	}
}
