package server

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gobwas/ws"
)

// Client is one accepted WebSocket connection.
//
// Outbound frames go through send, drained by the write pump. Nothing ever
// closes send: shutdown and slow-client eviction close done instead, which
// makes the write pump emit a close frame and drop the socket, which in turn
// ends the read pump.
type Client struct {
	id          string
	ip          string
	conn        net.Conn
	send        chan []byte
	connectedAt time.Time

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   ws.StatusCode
	closeReason string

	subscriptions *SubscriptionSet
}

func newClient(id, ip string, conn net.Conn, buffer int) *Client {
	return &Client{
		id:            id,
		ip:            ip,
		conn:          conn,
		send:          make(chan []byte, buffer),
		connectedAt:   time.Now(),
		done:          make(chan struct{}),
		subscriptions: NewSubscriptionSet(),
	}
}

func (c *Client) ID() string { return c.id }

// Send enqueues data without blocking. A client whose buffer is full is
// closed with 1008 rather than skipped, so it never misses a frame silently.
func (c *Client) Send(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		c.close(ws.StatusPolicyViolation, DisconnectReasonSlowClient)
		return false
	}
}

// Subscribe records channel names and returns the full sorted set.
func (c *Client) Subscribe(channels []string) []string {
	c.subscriptions.AddMultiple(channels)
	return c.subscriptions.List()
}

// close asks the write pump to send a close frame and drop the socket. Only
// the first call decides the code and reason.
func (c *Client) close(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// closedReason returns the reason given to close, or "" if the client was
// never closed by the server.
func (c *Client) closedReason() string {
	select {
	case <-c.done:
		return c.closeReason
	default:
		return ""
	}
}

// SubscriptionSet is the set of channel names a client asked for. Fan-out does
// not filter on it; it is echoed back in "subscribed" replies.
type SubscriptionSet struct {
	mu       sync.RWMutex
	channels map[string]struct{}
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{channels: make(map[string]struct{})}
}

// AddMultiple adds channels under a single lock.
func (s *SubscriptionSet) AddMultiple(channels []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
}

func (s *SubscriptionSet) Has(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *SubscriptionSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// List returns a sorted copy of the channels.
func (s *SubscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}
