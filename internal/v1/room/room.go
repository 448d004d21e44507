// Package room tracks which sockets belong to which named rooms and
// delivers events to every local member, handing cross-instance delivery
// off to the bus.
package room

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/messagegateway/gateway/internal/v1/metrics"
)

// Type classifies a room's lifecycle and naming convention.
type Type string

const (
	TypeUser   Type = "user"
	TypeGroup  Type = "group"
	TypeSystem Type = "system"
	TypeOther  Type = "other"
)

// UserRoomName returns the auto-created per-user room name for userID.
func UserRoomName(userID string) string { return "user:" + userID }

// GroupRoomName returns the conventional name for a named group room.
func GroupRoomName(id string) string { return "group:" + id }

// SystemRoomName returns the conventional name for a server-owned room.
func SystemRoomName(name string) string { return "system:" + name }

func typeFromName(name string) Type {
	switch {
	case strings.HasPrefix(name, "user:"):
		return TypeUser
	case strings.HasPrefix(name, "group:"):
		return TypeGroup
	case strings.HasPrefix(name, "system:"):
		return TypeSystem
	default:
		return TypeOther
	}
}

// Room is one named set of socket members.
type Room struct {
	Name      string
	Type      Type
	Members   map[string]struct{}
	Metadata  map[string]any
	CreatedAt time.Time
}

// Bus is the subset of bus.Service the room manager needs: Publish for
// room-scoped broadcast delivery, and SetConnectionState to write through a
// socket's current room membership as shared state after every mutation.
type Bus interface {
	Publish(ctx context.Context, sourceInstanceID, event string, data any) error
	SetConnectionState(ctx context.Context, socketID string, state any, ttl time.Duration) error
}

// connectionStateTTL bounds how long a socket's replicated room membership
// survives in shared state without a fresh write-through; it is refreshed
// on every join/leave, so this only matters if the owning instance goes
// away without cleaning up.
const connectionStateTTL = 5 * time.Minute

// connectionState is the shape written to shared state for one socket.
type connectionState struct {
	Rooms []string `json:"rooms"`
}

// Clock is the subset of clock.Clock the room manager needs.
type Clock interface {
	Now() time.Time
	InstanceID() string
}

// Deliverer sends an event to one local socket. The gateway's hub
// implements this.
type Deliverer interface {
	DeliverLocal(socketID string, event string, payload any) error
}

// Manager owns every room on this instance.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room
	clock Clock
	bus   Bus
}

// New returns an empty Manager.
func New(clk Clock, bus Bus) *Manager {
	return &Manager{
		rooms: make(map[string]*Room),
		clock: clk,
		bus:   bus,
	}
}

// AddToRoom inserts socketID into room, creating it with the given type if
// it doesn't already exist.
func (m *Manager) AddToRoom(ctx context.Context, socketID, roomName string, roomType Type) {
	m.mu.Lock()
	r, ok := m.rooms[roomName]
	if !ok {
		if roomType == "" {
			roomType = typeFromName(roomName)
		}
		r = &Room{
			Name:      roomName,
			Type:      roomType,
			Members:   make(map[string]struct{}),
			Metadata:  make(map[string]any),
			CreatedAt: m.clock.Now(),
		}
		m.rooms[roomName] = r
	}
	r.Members[socketID] = struct{}{}
	memberCount := len(r.Members)
	m.mu.Unlock()

	metrics.ActiveRooms.Set(float64(m.Count()))
	metrics.RoomMembers.WithLabelValues(roomName).Set(float64(memberCount))
	m.writeThrough(ctx, "join", roomName, socketID)
}

// RemoveFromRoom removes socketID from room. Non-system rooms are deleted
// immediately once empty.
func (m *Manager) RemoveFromRoom(ctx context.Context, socketID, roomName string) {
	m.mu.Lock()
	r, ok := m.rooms[roomName]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(r.Members, socketID)
	empty := len(r.Members) == 0
	if empty && r.Type != TypeSystem {
		delete(m.rooms, roomName)
	}
	m.mu.Unlock()

	if empty && r.Type != TypeSystem {
		metrics.RoomMembers.DeleteLabelValues(roomName)
	} else {
		metrics.RoomMembers.WithLabelValues(roomName).Set(float64(len(r.Members)))
	}
	metrics.ActiveRooms.Set(float64(m.Count()))
	m.writeThrough(ctx, "leave", roomName, socketID)
}

// LeaveAllRooms removes socketID from every room it belongs to.
func (m *Manager) LeaveAllRooms(ctx context.Context, socketID string) {
	m.mu.RLock()
	var names []string
	for name, r := range m.rooms {
		if _, ok := r.Members[socketID]; ok {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range names {
		m.RemoveFromRoom(ctx, socketID, name)
	}
}

// writeThrough is the room manager's post-mutation hook: it replicates a
// socket's current room membership to shared state so another instance can
// recover it, rather than publishing a pub/sub event other instances would
// need a bespoke handler for. action is accepted for parity with the
// mutation that triggered it and future logging, though the write itself
// is a full snapshot, not a delta.
func (m *Manager) writeThrough(ctx context.Context, action, roomName, socketID string) {
	if m.bus == nil {
		return
	}
	state := connectionState{Rooms: m.RoomsForSocket(socketID)}
	_ = m.bus.SetConnectionState(ctx, socketID, state, connectionStateTTL)
}

// BroadcastToRoom delivers an event to every local member via d and,
// through the bus, to every remote member. A room with no local presence is
// not an error as long as a bus is configured: it may exist only on another
// instance, and that instance's own bus subscription resolves it from the
// published envelope. Only a locally-unknown room with no bus at all (pure
// single-instance mode) is a genuine miss. volatile deliveries may be
// dropped by the transport under backpressure; that's the deliverer's
// concern, not the room manager's.
func (m *Manager) BroadcastToRoom(ctx context.Context, d Deliverer, roomName, event string, payload any, volatile bool) error {
	m.mu.RLock()
	r, ok := m.rooms[roomName]
	var members []string
	if ok {
		members = make([]string, 0, len(r.Members))
		for s := range r.Members {
			members = append(members, s)
		}
	}
	m.mu.RUnlock()

	if !ok && m.bus == nil {
		return fmt.Errorf("room %q does not exist", roomName)
	}

	for _, socketID := range members {
		if err := d.DeliverLocal(socketID, event, payload); err != nil && !volatile {
			return err
		}
	}

	if m.bus != nil {
		_ = m.bus.Publish(ctx, m.clock.InstanceID(), "broadcast", map[string]any{
			"room":    roomName,
			"event":   event,
			"payload": payload,
		})
	}
	return nil
}

// RoomsForSocket returns the names of every room socketID currently
// belongs to, used to broadcast a final "left" notice on disconnect before
// the socket is removed from each one.
func (m *Manager) RoomsForSocket(socketID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for name, r := range m.rooms {
		if _, ok := r.Members[socketID]; ok {
			names = append(names, name)
		}
	}
	return names
}

// GetRoomsByType returns a snapshot of every room of the given type.
func (m *Manager) GetRoomsByType(t Type) []Room {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Room
	for _, r := range m.rooms {
		if r.Type == t {
			out = append(out, copyRoom(r))
		}
	}
	return out
}

// GetRoomDetails returns a snapshot of one room, if it exists.
func (m *Manager) GetRoomDetails(roomName string) (Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomName]
	if !ok {
		return Room{}, false
	}
	return copyRoom(r), true
}

// SetMetadata merges fields into an existing room's metadata map. It
// returns false, and creates nothing, if the room does not exist.
func (m *Manager) SetMetadata(roomName string, fields map[string]any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomName]
	if !ok {
		return false
	}
	for k, v := range fields {
		r.Metadata[k] = v
	}
	return true
}

// CreateSystemRoom creates a persistent, server-owned room that survives
// having zero members.
func (m *Manager) CreateSystemRoom(name string, metadata map[string]any) {
	roomName := SystemRoomName(name)
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[roomName]; ok {
		return
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	m.rooms[roomName] = &Room{
		Name:      roomName,
		Type:      TypeSystem,
		Members:   make(map[string]struct{}),
		Metadata:  metadata,
		CreatedAt: m.clock.Now(),
	}
}

// Count returns the number of rooms currently tracked.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func copyRoom(r *Room) Room {
	members := make(map[string]struct{}, len(r.Members))
	for k := range r.Members {
		members[k] = struct{}{}
	}
	metadata := make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		metadata[k] = v
	}
	return Room{
		Name:      r.Name,
		Type:      r.Type,
		Members:   members,
		Metadata:  metadata,
		CreatedAt: r.CreatedAt,
	}
}
