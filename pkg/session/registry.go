package session

import (
	"sync"
)

// Registry tracks live sessions so the server can push pod commands to
// the agent session owning a node.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byNode   map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byNode:   make(map[string]string),
	}
}

// Add tracks a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Remove forgets a session and any node mapping pointing at it.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.ID)
	for nodeID, sessionID := range r.byNode {
		if sessionID == s.ID {
			delete(r.byNode, nodeID)
		}
	}
}

// BindNode routes future pushes for a node through the given session.
// A re-registering agent displaces the old mapping.
func (r *Registry) BindNode(nodeID string, s *Session) {
	r.mu.Lock()
	r.byNode[nodeID] = s.ID
	r.mu.Unlock()
}

// Get returns a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// ByNode returns the session owning a node, if connected.
func (r *Registry) ByNode(nodeID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byNode[nodeID]
	if !ok {
		return nil, false
	}
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each calls fn for every tracked session.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}
