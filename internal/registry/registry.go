// Package registry tracks live connections and the agent identity each one is
// bound to. It is purely in-process: nothing here is persisted, and callers
// reflect identity changes into the store themselves.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Identity is what a connection binds to on register.
type Identity struct {
	AgentID string
	Name    string
	Type    string
}

// Binding is a bound identity together with the connection holding it.
type Binding struct {
	ConnID       string
	Identity     Identity
	LastActivity time.Time
}

// BindResult describes what a Bind displaced.
//
//	ReplacedConn     - connection that held the identity before (empty if none)
//	PreviousIdentity - a different identity this connection held before (nil if none)
type BindResult struct {
	ReplacedConn     string
	PreviousIdentity *Identity
}

type entry struct {
	identity     *Identity
	createdAt    time.Time
	lastActivity time.Time
}

// Registry maps connection ids to entries and agent ids to the single
// connection bound to them.
//
// Invariant: byAgent[a] == c  <=>  conns[c].identity.AgentID == a
//
// Thread-safe: all methods may be called concurrently.
type Registry struct {
	mu      sync.Mutex
	conns   map[string]*entry
	byAgent map[string]string
}

func New() *Registry {
	return &Registry{
		conns:   make(map[string]*entry),
		byAgent: make(map[string]string),
	}
}

// Open adds an unbound connection. Opening a known id is a no-op.
func (r *Registry) Open(connID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[connID]; ok {
		return
	}
	r.conns[connID] = &entry{createdAt: now, lastActivity: now}
}

// Bind binds connID to id. An identity bound elsewhere moves to connID (last
// registration wins); the losing connection stays open but unbound. Binding an
// unknown connID opens it first.
func (r *Registry) Bind(connID string, id Identity, now time.Time) BindResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res BindResult
	e, ok := r.conns[connID]
	if !ok {
		e = &entry{createdAt: now}
		r.conns[connID] = e
	}

	if e.identity != nil && e.identity.AgentID != id.AgentID {
		prev := *e.identity
		res.PreviousIdentity = &prev
		delete(r.byAgent, prev.AgentID)
	}

	if holder, ok := r.byAgent[id.AgentID]; ok && holder != connID {
		res.ReplacedConn = holder
		if he, ok := r.conns[holder]; ok {
			he.identity = nil
		}
	}

	ident := id
	e.identity = &ident
	e.lastActivity = now
	r.byAgent[id.AgentID] = connID
	return res
}

// Touch records activity on connID.
func (r *Registry) Touch(connID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		e.lastActivity = now
	}
}

// Unbind drops the identity of connID but keeps the connection open.
func (r *Registry) Unbind(connID string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok || e.identity == nil {
		return Identity{}, false
	}
	return r.unbindLocked(connID, e), true
}

// Close removes connID and returns the identity it still held, if any. A
// connection that lost its identity to a newer registration returns false.
func (r *Registry) Close(connID string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return Identity{}, false
	}
	delete(r.conns, connID)
	if e.identity == nil {
		return Identity{}, false
	}
	return r.unbindLocked(connID, e), true
}

func (r *Registry) unbindLocked(connID string, e *entry) Identity {
	id := *e.identity
	e.identity = nil
	if r.byAgent[id.AgentID] == connID {
		delete(r.byAgent, id.AgentID)
	}
	return id
}

// UnbindIfIdle unbinds agentID when its connection has been idle since before
// cutoff. The check and the unbind happen under one lock, so a Touch racing
// the reaper either lands first (no unbind) or after (on an unbound entry).
func (r *Registry) UnbindIfIdle(agentID string, cutoff time.Time) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byAgent[agentID]
	if !ok {
		return Binding{}, false
	}
	e := r.conns[connID]
	if !e.lastActivity.Before(cutoff) {
		return Binding{}, false
	}
	b := Binding{ConnID: connID, Identity: *e.identity, LastActivity: e.lastActivity}
	r.unbindLocked(connID, e)
	return b, true
}

// ListBoundIdentities returns every binding, ordered by agent id.
func (r *Registry) ListBoundIdentities() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Binding, 0, len(r.byAgent))
	for _, connID := range r.byAgent {
		e := r.conns[connID]
		out = append(out, Binding{ConnID: connID, Identity: *e.identity, LastActivity: e.lastActivity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.AgentID < out[j].Identity.AgentID })
	return out
}

// Lookup returns the connection bound to agentID.
func (r *Registry) Lookup(agentID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.byAgent[agentID]
	return connID, ok
}

// IdentityOf returns the identity bound to connID.
func (r *Registry) IdentityOf(connID string) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok || e.identity == nil {
		return Identity{}, false
	}
	return *e.identity, true
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// BoundLen returns the number of bound identities.
func (r *Registry) BoundLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byAgent)
}
