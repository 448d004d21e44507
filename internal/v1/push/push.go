// Package push implements the in-process entry points for out-of-band
// sends: a caller outside the socket plane addresses a user, a set of
// users, a room, or the whole fleet, and push resolves local delivery via
// the registry/room manager and, when a shared bus is configured, fans the
// send out to every other instance.
package push

import (
	"context"
	"fmt"

	"github.com/messagegateway/gateway/internal/v1/registry"
	"github.com/messagegateway/gateway/internal/v1/room"
)

// Deliverer is the subset of gateway.Hub push needs to reach local sockets.
type Deliverer interface {
	DeliverLocal(socketID, event string, payload any) error
	DeliverAllLocal(event string, payload any)
}

// SocketResolver is the subset of registry.Registry push needs.
type SocketResolver interface {
	SocketsForUser(userID registry.UserID) []registry.SocketID
}

// RoomResolver is the subset of room.Manager push needs.
type RoomResolver interface {
	BroadcastToRoom(ctx context.Context, d room.Deliverer, roomName, event string, payload any, volatile bool) error
	GetRoomDetails(roomName string) (room.Room, bool)
}

// Bus is the subset of bus.Service push needs to fan a send out across
// instances.
type Bus interface {
	Publish(ctx context.Context, sourceInstanceID, event string, data any) error
}

// Clock is the subset of clock.Clock push needs.
type Clock interface {
	NewID() string
	InstanceID() string
	NowISO() string
}

// Service implements the push API surface.
type Service struct {
	hub     Deliverer
	sockets SocketResolver
	rooms   RoomResolver
	bus     Bus
	clock   Clock
}

// New builds a Service. bus may be nil, in which case every push is
// delivered only to sockets local to this instance.
func New(hub Deliverer, sockets SocketResolver, rooms RoomResolver, b Bus, clk Clock) *Service {
	return &Service{hub: hub, sockets: sockets, rooms: rooms, bus: b, clock: clk}
}

// Result reports how many local sockets a push reached and whether it was
// also fanned out cross-instance.
type Result struct {
	RequestID         string `json:"requestId"`
	Delivered         int    `json:"delivered"`
	TotalLocalSockets int    `json:"totalLocalSockets"`
	CrossInstance     bool   `json:"crossInstance"`
}

func (s *Service) meta(requestID string) map[string]any {
	return map[string]any{
		"requestId": requestID,
		"timestamp": s.clock.NowISO(),
		"source":    "push-api",
	}
}

// PushToUser delivers event/payload to every local socket registered to
// userID and, if a bus is configured, publishes a direct cross-instance
// envelope so remote instances resolve their own local sockets for the
// same user.
func (s *Service) PushToUser(ctx context.Context, userID, event string, payload any, volatile bool) (Result, error) {
	requestID := s.clock.NewID()
	envelope := map[string]any{"payload": payload, "_meta": s.meta(requestID)}

	socketIDs := s.sockets.SocketsForUser(registry.UserID(userID))
	delivered := 0
	for _, sid := range socketIDs {
		if err := s.hub.DeliverLocal(string(sid), event, envelope); err != nil {
			if !volatile {
				return Result{}, fmt.Errorf("push: deliver to user %q failed: %w", userID, err)
			}
			continue
		}
		delivered++
	}

	crossInstance := false
	if s.bus != nil {
		if err := s.bus.Publish(ctx, s.clock.InstanceID(), "direct", map[string]any{
			"userId":  userID,
			"event":   event,
			"payload": envelope,
		}); err == nil {
			crossInstance = true
		}
	}

	return Result{
		RequestID:         requestID,
		Delivered:         delivered,
		TotalLocalSockets: len(socketIDs),
		CrossInstance:     crossInstance,
	}, nil
}

// PushToUsers vectorizes PushToUser across multiple recipients, aggregating
// delivery counts under a single request id.
func (s *Service) PushToUsers(ctx context.Context, userIDs []string, event string, payload any, volatile bool) (Result, error) {
	requestID := s.clock.NewID()
	envelope := map[string]any{"payload": payload, "_meta": s.meta(requestID)}

	total := 0
	delivered := 0
	crossInstance := false

	for _, userID := range userIDs {
		socketIDs := s.sockets.SocketsForUser(registry.UserID(userID))
		total += len(socketIDs)
		for _, sid := range socketIDs {
			if err := s.hub.DeliverLocal(string(sid), event, envelope); err != nil {
				if !volatile {
					return Result{}, fmt.Errorf("push: deliver to user %q failed: %w", userID, err)
				}
				continue
			}
			delivered++
		}

		if s.bus != nil {
			if err := s.bus.Publish(ctx, s.clock.InstanceID(), "direct", map[string]any{
				"userId":  userID,
				"event":   event,
				"payload": envelope,
			}); err == nil {
				crossInstance = true
			}
		}
	}

	return Result{
		RequestID:         requestID,
		Delivered:         delivered,
		TotalLocalSockets: total,
		CrossInstance:     crossInstance,
	}, nil
}

// BroadcastToRoom delivers event/payload to every local member of roomName
// and, if a bus is configured, publishes a broadcast envelope so remote
// members receive it too. A room with no local presence only fails outright
// when no bus is configured either (single-instance mode): otherwise it may
// exist purely on another instance, and the published envelope still
// reaches it — room.Manager.BroadcastToRoom is the single source of truth
// for that decision, so this simply delegates to it.
func (s *Service) BroadcastToRoom(ctx context.Context, roomName, event string, payload any, volatile bool) (Result, error) {
	requestID := s.clock.NewID()
	envelope := map[string]any{"payload": payload, "_meta": s.meta(requestID)}

	details, _ := s.rooms.GetRoomDetails(roomName)

	if err := s.rooms.BroadcastToRoom(ctx, s.hub, roomName, event, envelope, volatile); err != nil {
		return Result{}, fmt.Errorf("push: broadcast to room %q failed: %w", roomName, err)
	}

	return Result{
		RequestID:         requestID,
		Delivered:         len(details.Members),
		TotalLocalSockets: len(details.Members),
		CrossInstance:     s.bus != nil,
	}, nil
}

// BroadcastToAll delivers event/payload to every locally-connected socket
// and, if a bus is configured, publishes a fleet-wide broadcast envelope
// with no room so every other instance does the same.
func (s *Service) BroadcastToAll(ctx context.Context, event string, payload any) (Result, error) {
	requestID := s.clock.NewID()
	envelope := map[string]any{"payload": payload, "_meta": s.meta(requestID)}

	s.hub.DeliverAllLocal(event, envelope)

	crossInstance := false
	if s.bus != nil {
		if err := s.bus.Publish(ctx, s.clock.InstanceID(), "broadcast", map[string]any{
			"event":   event,
			"payload": envelope,
		}); err == nil {
			crossInstance = true
		}
	}

	return Result{
		RequestID:     requestID,
		CrossInstance: crossInstance,
	}, nil
}
