package presence

import (
	"sync"
)

// Registry is the process-wide map from live-connection handle to user id.
// Entries are ephemeral and never persisted; presence means "has at least one
// registry entry". All mutation goes through the mutex.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]string            // connection id -> user id
	byUser  map[string]map[string]struct{} // user id -> connection ids
}

// NewRegistry constructs an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]string),
		byUser:  make(map[string]map[string]struct{}),
	}
}

// Add registers a connection for a user. It reports whether this is the
// user's first live connection, i.e. an online transition.
func (r *Registry) Add(connID, userID string) bool {
	if connID == "" || userID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[connID] = userID
	first := len(r.byUser[userID]) == 0
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]struct{})
	}
	r.byUser[userID][connID] = struct{}{}
	return first
}

// Remove drops a connection entry. It reports whether the user has no
// remaining connections, i.e. an offline transition, along with the user id
// the connection belonged to.
func (r *Registry) Remove(connID string) (userID string, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.entries[connID]
	if !ok {
		return "", false
	}

	delete(r.entries, connID)
	if conns := r.byUser[userID]; conns != nil {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, userID)
			return userID, true
		}
	}
	return userID, false
}

// UserFor resolves the user id behind a connection handle.
func (r *Registry) UserFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.entries[connID]
	return userID, ok
}

// Online reports whether the user currently has at least one connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byUser[userID]) > 0
}

// ConnectionCount returns the number of live connections across all users.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
