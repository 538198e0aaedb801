package service

import (
	"sync"
)

// ConnectionRegistry tracks which users currently have live push
// connections. It is the only shared mutable state in the delivery core and
// is safe for concurrent use: register/unregister run on every connection
// open/close while dispatches snapshot the rows.
//
// Invariants:
//   - a user key exists iff that user has at least one live connection
//     (the row is removed when the last connection closes),
//   - a connection id belongs to at most one user's set.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	users  map[string]map[string]struct{} // user id -> set of connection ids
	owners map[string]string              // connection id -> owning user id
}

// NewConnectionRegistry creates an empty registry. One registry is created
// at server start and injected into the hub and dispatcher; entries are
// process-lifetime state, reset on restart.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		users:  make(map[string]map[string]struct{}),
		owners: make(map[string]string),
	}
}

// Register adds a connection under a user's row, creating the row if
// absent. Registering the same pair twice is a no-op. If the connection id
// is somehow already owned by a different user it is moved, keeping the
// single-owner invariant.
func (r *ConnectionRegistry) Register(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[connID]; ok {
		if owner == userID {
			return
		}
		r.removeLocked(owner, connID)
	}

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}
	r.owners[connID] = userID
}

// Unregister removes a connection from a user's row, deleting the row when
// it empties. Unregistering an unknown pair is a no-op: races between close
// events and cleanup are expected.
func (r *ConnectionRegistry) Unregister(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owners[connID] != userID {
		return
	}
	r.removeLocked(userID, connID)
}

func (r *ConnectionRegistry) removeLocked(userID, connID string) {
	delete(r.owners, connID)
	if set, ok := r.users[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, userID)
		}
	}
}

// Connections returns a snapshot of the user's live connection ids, empty
// when the user is offline. Callers push outside the registry lock, so a
// slow delivery can never block connection churn for unrelated users.
func (r *ConnectionRegistry) Connections(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set, ok := r.users[userID]
	if !ok {
		return nil
	}
	conns := make([]string, 0, len(set))
	for connID := range set {
		conns = append(conns, connID)
	}
	return conns
}

// Owner returns the user a connection is registered to, if any
func (r *ConnectionRegistry) Owner(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userID, ok := r.owners[connID]
	return userID, ok
}

// IsOnline reports whether the user has at least one live connection
func (r *ConnectionRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[userID]
	return ok
}

// UserCount returns the number of users with at least one live connection
func (r *ConnectionRegistry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// ConnectionCount returns the total number of live connections
func (r *ConnectionRegistry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}
