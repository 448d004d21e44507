// Package registry tracks every socket connected to this instance and the
// user identity (if any) each one has authenticated as.
package registry

import (
	"sync"
	"time"
)

// SocketID identifies one connected socket, local to this instance.
type SocketID string

// UserID identifies an authenticated user, shared across instances.
type UserID string

// Connection is the registry's record for one socket.
type Connection struct {
	SocketID      SocketID
	UserID        UserID
	Authenticated bool
	ConnectedAt   time.Time
	LastActivity  time.Time
}

// Clock is the subset of clock.Clock the registry needs. Kept as an
// interface so tests can control time without sleeping.
type Clock interface {
	Now() time.Time
}

// Registry tracks live connections and the user index derived from them.
// All mutations and consistent reads go through a single mutex.
type Registry struct {
	mu          sync.Mutex
	clock       Clock
	connections map[SocketID]*Connection
	userIndex   map[UserID]map[SocketID]struct{}
}

// New returns an empty Registry using clk for all "now" reads.
func New(clk Clock) *Registry {
	return &Registry{
		clock:       clk,
		connections: make(map[SocketID]*Connection),
		userIndex:   make(map[UserID]map[SocketID]struct{}),
	}
}

// Add registers a new, unauthenticated connection for a just-accepted
// socket.
func (r *Registry) Add(socketID SocketID) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	conn := &Connection{
		SocketID:     socketID,
		ConnectedAt:  now,
		LastActivity: now,
	}
	r.connections[socketID] = conn
	return conn
}

// RegisterUser marks socketID as authenticated under userID. Returns false
// if the socket is unknown to the registry.
func (r *Registry) RegisterUser(socketID SocketID, userID UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[socketID]
	if !ok {
		return false
	}

	if conn.Authenticated && conn.UserID != userID {
		r.removeFromUserIndexLocked(conn.UserID, socketID)
	}

	conn.UserID = userID
	conn.Authenticated = true
	conn.LastActivity = r.clock.Now()

	if r.userIndex[userID] == nil {
		r.userIndex[userID] = make(map[SocketID]struct{})
	}
	r.userIndex[userID][socketID] = struct{}{}
	return true
}

// RemoveUser removes a connection entirely. Idempotent: removing an
// unknown socket is a no-op.
func (r *Registry) RemoveUser(socketID SocketID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[socketID]
	if !ok {
		return
	}
	if conn.Authenticated {
		r.removeFromUserIndexLocked(conn.UserID, socketID)
	}
	delete(r.connections, socketID)
}

func (r *Registry) removeFromUserIndexLocked(userID UserID, socketID SocketID) {
	sockets, ok := r.userIndex[userID]
	if !ok {
		return
	}
	delete(sockets, socketID)
	if len(sockets) == 0 {
		delete(r.userIndex, userID)
	}
}

// UpdateActivity bumps a connection's last-activity timestamp to now.
func (r *Registry) UpdateActivity(socketID SocketID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.connections[socketID]; ok {
		conn.LastActivity = r.clock.Now()
	}
}

// Get returns a copy of the connection record for socketID, if it exists.
func (r *Registry) Get(socketID SocketID) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[socketID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// SocketsForUser returns every live socket currently registered under
// userID, as an independent snapshot slice.
func (r *Registry) SocketsForUser(userID UserID) []SocketID {
	r.mu.Lock()
	defer r.mu.Unlock()

	sockets := r.userIndex[userID]
	out := make([]SocketID, 0, len(sockets))
	for s := range sockets {
		out = append(out, s)
	}
	return out
}

// InactiveConnections returns a snapshot of every connection whose last
// activity is older than maxIdle.
func (r *Registry) InactiveConnections(maxIdle time.Duration) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var out []Connection
	for _, conn := range r.connections {
		if now.Sub(conn.LastActivity) > maxIdle {
			out = append(out, *conn)
		}
	}
	return out
}

// DisconnectInactive removes every connection idle longer than maxIdle
// and returns the sockets it removed, so the caller can close their
// transports.
func (r *Registry) DisconnectInactive(maxIdle time.Duration) []SocketID {
	inactive := r.InactiveConnections(maxIdle)
	sockets := make([]SocketID, 0, len(inactive))
	for _, conn := range inactive {
		r.RemoveUser(conn.SocketID)
		sockets = append(sockets, conn.SocketID)
	}
	return sockets
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}
