// Package registry tracks the live device-to-session bindings enforced by
// the gateway: at most one session per clientId at a time.
package registry

import "sync"

// Session is the minimal surface the registry needs from a live session in
// order to evict it on supersession. internal/session.Session implements it.
type Session interface {
	ClientID() string
	Supersede()
}

// Registry is a thread-safe map of clientId -> live Session, adapted from
// the teacher's channel-driven Hub down to the single-dimension binding this
// gateway needs (no per-tenant/per-user nesting).
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func New() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// Register binds session under its ClientID, evicting any previously
// registered session for that device and returning it. Supersede is called
// after the lock is released: it synchronously runs the evicted session's
// teardown, which calls back into Remove on this same Registry, and
// sync.RWMutex is not reentrant.
func (r *Registry) Register(s Session) (previous Session) {
	r.mu.Lock()
	id := s.ClientID()
	prev, ok := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()

	if ok {
		prev.Supersede()
		previous = prev
	}
	return previous
}

// Remove deletes clientId's binding only if it still points at session
// (guards against a just-superseded session racily removing the new one).
func (r *Registry) Remove(clientID string, session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[clientID]; ok && cur == session {
		delete(r.sessions, clientID)
	}
}

// Lookup returns the live session for clientId, if any.
func (r *Registry) Lookup(clientID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[clientID]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ClientIDs returns a snapshot of all currently connected clientIds, used by
// the /devices endpoint.
func (r *Registry) ClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
