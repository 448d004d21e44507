package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/messagegateway/gateway/internal/v1/auth"
	"github.com/messagegateway/gateway/internal/v1/batch"
	"github.com/messagegateway/gateway/internal/v1/bus"
	"github.com/messagegateway/gateway/internal/v1/metrics"
	"github.com/messagegateway/gateway/internal/v1/registry"
	"github.com/messagegateway/gateway/internal/v1/room"
	"github.com/messagegateway/gateway/internal/v1/tracing"
)

var errDropped = errors.New("gateway: send channel full, message dropped")

// Verifier is the subset of auth.Verifier the hub needs.
type Verifier interface {
	Verify(token string) (*auth.Claims, error)
}

// Bus is the subset of bus.Service the hub needs to fan events out across
// instances and receive the ones addressed to this one.
type Bus interface {
	Publish(ctx context.Context, sourceInstanceID, event string, data any) error
	PublishDirect(ctx context.Context, sourceInstanceID, targetInstanceID, event string, data any) error
	Subscribe(ctx context.Context, channel string, handler func(bus.Envelope))
}

// LoadAdmitter is the subset of load.Manager the hub needs for admission
// control.
type LoadAdmitter interface {
	ShouldAllowConnection(currentConns int) bool
	ShouldAllowMessage(userID, event string, limit int) bool
}

// InstanceAdmitter is the subset of instance.Manager the hub needs.
type InstanceAdmitter interface {
	CanAcceptConnections() bool
}

// BackendForwarder is the subset of backend.Client the hub needs to forward
// client:event/client:message/client:action payloads.
type BackendForwarder interface {
	Request(ctx context.Context, method, path, requestKey string, body []byte) (*http.Response, error)
}

// Clock is the subset of clock.Clock the hub needs.
type Clock interface {
	NewID() string
	InstanceID() string
}

// Config tunes hub behavior that isn't itself a collaborator.
type Config struct {
	AllowedOrigins      []string
	DevMode             bool
	MaxMessageRateBurst int

	// BatchMaxSize/BatchMaxDelay/BatchMaxPayload configure the batcher
	// used to group outbound backend forwards per target path. Zero
	// values disable batching: each client:event/message/action is
	// forwarded to the backend individually, as if no batcher were
	// configured at all.
	BatchMaxSize    int
	BatchMaxDelay   time.Duration
	BatchMaxPayload int
}

// Hub accepts WebSocket upgrades, owns every locally-connected Client, and
// coordinates with the registry, room manager, and shared bus to route
// events between them.
type Hub struct {
	cfg Config

	verifier  Verifier
	registry  *registry.Registry
	rooms     *room.Manager
	bus       Bus
	loadMgr   LoadAdmitter
	instances InstanceAdmitter
	backend   BackendForwarder
	clock     Clock
	batcher   *batch.Batcher

	mu      sync.RWMutex
	clients map[registry.SocketID]*Client
}

// New builds a Hub. backend may be nil if no backend service is configured;
// client:event/message/action forwarding then fails closed per event. When
// cfg.BatchMaxSize is set, outbound backend forwards are grouped per path
// by a batch.Batcher instead of sent one request per event.
func New(cfg Config, verifier Verifier, reg *registry.Registry, rooms *room.Manager, b Bus, loadMgr LoadAdmitter, instances InstanceAdmitter, backend BackendForwarder, clk Clock) *Hub {
	h := &Hub{
		cfg:       cfg,
		verifier:  verifier,
		registry:  reg,
		rooms:     rooms,
		bus:       b,
		loadMgr:   loadMgr,
		instances: instances,
		backend:   backend,
		clock:     clk,
		clients:   make(map[registry.SocketID]*Client),
	}
	if cfg.BatchMaxSize > 0 {
		h.batcher = batch.New(batch.Config{
			MaxSize:    cfg.BatchMaxSize,
			MaxDelay:   cfg.BatchMaxDelay,
			MaxPayload: cfg.BatchMaxPayload,
		}, h.flushForwardBatch)
	}
	return h
}

// Start subscribes to this instance's cross-instance channels. Call once
// after New, before accepting connections.
func (h *Hub) Start(ctx context.Context) {
	if h.bus == nil {
		return
	}
	h.bus.Subscribe(ctx, "cross-instance:broadcast", h.handleCrossInstanceEnvelope)
	h.bus.Subscribe(ctx, "cross-instance:direct:"+h.clock.InstanceID(), h.handleCrossInstanceEnvelope)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ServeWs is the gin handler mounted at the WebSocket endpoint. It checks
// origin and admission before upgrading, then hands the connection to
// HandleConnection.
func (h *Hub) ServeWs(c *gin.Context) {
	origin := c.Request.Header.Get("Origin")
	if origin != "" && !auth.IsOriginAllowed(origin, h.cfg.AllowedOrigins) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	if !h.instances.CanAcceptConnections() || !h.loadMgr.ShouldAllowConnection(h.registry.Count()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "instance is not accepting connections"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	h.HandleConnection(conn)
}

// HandleConnection registers a newly-upgraded connection, sends the welcome
// envelope, and starts its read/write pumps.
func (h *Hub) HandleConnection(conn wsConnection) *Client {
	socketID := registry.SocketID(h.clock.NewID())
	h.registry.Add(socketID)

	client := newClient(socketID, h, conn)
	h.mu.Lock()
	h.clients[socketID] = client
	h.mu.Unlock()

	metrics.ActiveConnections.Inc()
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()

	_ = client.sendEnvelope("system:welcome", map[string]string{
		"message":  "connected",
		"socketId": string(socketID),
	}, true)

	go client.writePump()
	go client.readPump()

	return client
}

// DeliverLocal implements room.Deliverer: it looks up a locally-connected
// client by socket id and queues an event for it.
func (h *Hub) DeliverLocal(socketID string, event string, payload any) error {
	h.mu.RLock()
	client, ok := h.clients[registry.SocketID(socketID)]
	h.mu.RUnlock()
	if !ok {
		return errors.New("gateway: socket not connected to this instance")
	}
	return client.sendEnvelope(event, payload, false)
}

// handleDisconnect is readPump's deferred cleanup: it leaves every room the
// socket belonged to (broadcasting user_left to each), removes it from the
// registry, drops it from the local client map, and closes its channels.
func (h *Hub) handleDisconnect(c *Client) {
	ctx := context.Background()
	socketID := string(c.id)

	conn, _ := h.registry.Get(c.id)
	roomNames := h.rooms.RoomsForSocket(socketID)

	for _, name := range roomNames {
		_ = h.rooms.BroadcastToRoom(ctx, h, name, "user_left", map[string]any{
			"socketId": socketID,
			"userId":   string(conn.UserID),
		}, true)
	}
	h.rooms.LeaveAllRooms(ctx, socketID)
	h.registry.RemoveUser(c.id)

	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.close()
	metrics.ActiveConnections.Dec()
	metrics.ConnectionsTotal.WithLabelValues("closed").Inc()
}

// handleCrossInstanceEnvelope is the bus subscription handler: it replays a
// remote instance's envelope against this instance's local state, per the
// cross-instance vocabulary (broadcast, direct, disconnect/join/leave as
// imperative per-socket actions, and a default re-emit for anything else).
func (h *Hub) handleCrossInstanceEnvelope(env bus.Envelope) {
	if env.SourceInstanceID == h.clock.InstanceID() {
		return
	}

	ctx, span := tracing.StartSpan(context.Background(), "cross_instance_envelope")
	defer span.End()

	switch env.Event {
	case "disconnect":
		var payload struct {
			SocketID string `json:"socketId"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.SocketID == "" {
			return
		}
		h.ForceDisconnectSocket(payload.SocketID)
	case "join", "leave":
		var payload struct {
			SocketID string `json:"socketId"`
			Room     string `json:"room"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil || payload.SocketID == "" || payload.Room == "" {
			return
		}
		h.mu.RLock()
		_, ok := h.clients[registry.SocketID(payload.SocketID)]
		h.mu.RUnlock()
		if !ok {
			return
		}
		if env.Event == "join" {
			h.rooms.AddToRoom(ctx, payload.SocketID, payload.Room, "")
		} else {
			h.rooms.RemoveFromRoom(ctx, payload.SocketID, payload.Room)
		}
	case "broadcast":
		var payload struct {
			Room    string          `json:"room"`
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return
		}
		if payload.Room != "" {
			_ = h.rooms.BroadcastToRoom(ctx, h, payload.Room, payload.Event, payload.Payload, true)
		} else {
			h.DeliverAllLocal(payload.Event, payload.Payload)
		}
	case "direct":
		var payload struct {
			SocketID string          `json:"socketId,omitempty"`
			UserID   string          `json:"userId,omitempty"`
			Event    string          `json:"event"`
			Payload  json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return
		}
		if payload.SocketID != "" {
			_ = h.DeliverLocal(payload.SocketID, payload.Event, payload.Payload)
			return
		}
		if payload.UserID != "" {
			for _, sid := range h.registry.SocketsForUser(registry.UserID(payload.UserID)) {
				_ = h.DeliverLocal(string(sid), payload.Event, payload.Payload)
			}
		}
	default:
		h.DeliverAllLocal("cross-instance:"+env.Event, env.Data)
	}
}

// ForceDisconnectSocket closes a locally-connected socket's transport if it
// is one of ours, triggering the same readPump cleanup cascade (room leave,
// registry removal, client map deletion) as an organic client-initiated
// disconnect. A socket id belonging to another instance is silently
// ignored. Used by the inactive-connection sweeper and by remote
// cross-instance "disconnect" envelopes.
func (h *Hub) ForceDisconnectSocket(socketID string) {
	h.mu.RLock()
	client, ok := h.clients[registry.SocketID(socketID)]
	h.mu.RUnlock()
	if !ok {
		return
	}
	client.close()
}

// DeliverAllLocal queues an event for every locally-connected client,
// regardless of room membership. Used for fleet-wide broadcasts and as the
// default handler for unrecognized cross-instance events.
func (h *Hub) DeliverAllLocal(event string, payload any) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		_ = c.sendEnvelope(event, payload, false)
	}
}

// LocalConnectionCount reports how many sockets this instance currently
// holds, as counted by the connection registry.
func (h *Hub) LocalConnectionCount() int {
	return h.registry.Count()
}
