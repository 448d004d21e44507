package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/messagegateway/gateway/internal/v1/auth"
	"github.com/messagegateway/gateway/internal/v1/gatewayerr"
	"github.com/messagegateway/gateway/internal/v1/logging"
	"github.com/messagegateway/gateway/internal/v1/registry"
	"github.com/messagegateway/gateway/internal/v1/room"
)

// registerGracePeriod is how long a socket is kept open after a failed
// register/authenticate before it's forcibly closed, giving the client a
// chance to see the ack before the connection drops.
const registerGracePeriod = 2 * time.Second

// dispatch routes one decoded inbound envelope to its handler. Every
// handler is expected to fail closed: a malformed payload or a disallowed
// action never panics or propagates, it produces an ack or an error
// envelope back to the socket.
func (h *Hub) dispatch(ctx context.Context, c *Client, env Envelope) {
	switch env.Event {
	case "register":
		h.handleRegister(ctx, c, env.Data)
	case "authenticate":
		h.handleAuthenticate(ctx, c, env.Data)
	case "verify-token":
		h.handleVerifyToken(c, env.Data)
	case "ping":
		h.handlePing(c, env.Data)
	case "room:join":
		h.handleRoomJoin(ctx, c, env.Data)
	case "room:leave":
		h.handleRoomLeave(ctx, c, env.Data)
	case "client:event", "client:message", "client:action":
		h.handleClientForward(ctx, c, env.Event, env.Data)
	default:
		h.sendError(c, env.Event, gatewayerr.New(gatewayerr.KindSocketEvent, "UNKNOWN_EVENT", fmt.Sprintf("unrecognized event %q", env.Event)))
	}
}

// sendError emits the generic {event, message, code} error envelope. Used
// for every dispatch failure that isn't an event's own typed ack.
func (h *Hub) sendError(c *Client, originalEvent string, err *gatewayerr.Error) {
	_ = c.sendEnvelope("error", map[string]any{
		"event":   originalEvent,
		"message": err.Message,
		"code":    err.Code,
	}, true)
}

func (h *Hub) disconnectAfterGrace(c *Client) {
	time.AfterFunc(registerGracePeriod, func() {
		c.conn.Close()
	})
}

func (h *Hub) handleRegister(ctx context.Context, c *Client, data json.RawMessage) {
	var payload struct {
		UserID string `json:"userId"`
		Token  string `json:"token"`
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &payload)
	}

	method := "legacy"
	userID := payload.UserID

	switch {
	case payload.Token != "":
		claims, err := h.verifier.Verify(payload.Token)
		if err != nil {
			logging.Warn(ctx, "register rejected invalid token", zap.String("socketId", string(c.id)), zap.String("token", logging.RedactToken(payload.Token)))
			_ = c.sendEnvelope("register:ack", map[string]any{"success": false, "error": "invalid token"}, true)
			h.disconnectAfterGrace(c)
			return
		}
		if userID != "" && claims.Subject() != userID {
			_ = c.sendEnvelope("register:ack", map[string]any{"success": false, "error": "token subject mismatch"}, true)
			h.disconnectAfterGrace(c)
			return
		}
		userID = claims.Subject()
		method = "jwt"
	default:
		if conn, ok := h.registry.Get(c.id); ok && conn.Authenticated {
			userID = string(conn.UserID)
			method = "token"
		}
	}

	if userID == "" {
		_ = c.sendEnvelope("register:ack", map[string]any{"success": false, "error": "missing userId or token"}, true)
		h.disconnectAfterGrace(c)
		return
	}

	h.registry.RegisterUser(c.id, registry.UserID(userID))
	h.rooms.AddToRoom(ctx, string(c.id), room.UserRoomName(userID), room.TypeUser)
	_ = c.sendEnvelope("register:ack", map[string]any{"success": true, "method": method}, true)
}

func (h *Hub) handleAuthenticate(ctx context.Context, c *Client, data json.RawMessage) {
	var payload struct {
		Token string `json:"token"`
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &payload)
	}
	if payload.Token == "" {
		_ = c.sendEnvelope("authenticate:ack", map[string]any{"success": false, "error": "missing-token"}, true)
		return
	}

	claims, err := h.verifier.Verify(payload.Token)
	if err != nil {
		code := "invalid-token"
		if errors.Is(err, auth.ErrInvalidFormat) {
			code = "invalid-token-format"
		}
		logging.Warn(ctx, "authenticate rejected invalid token", zap.String("socketId", string(c.id)), zap.String("token", logging.RedactToken(payload.Token)), zap.String("reason", code))
		_ = c.sendEnvelope("authenticate:ack", map[string]any{"success": false, "error": code}, true)
		return
	}

	userID := claims.Subject()
	h.registry.RegisterUser(c.id, registry.UserID(userID))
	h.rooms.AddToRoom(ctx, string(c.id), room.UserRoomName(userID), room.TypeUser)
	_ = c.sendEnvelope("authenticate:ack", map[string]any{"success": true, "userId": userID}, true)
}

func (h *Hub) handleVerifyToken(c *Client, data json.RawMessage) {
	var payload struct {
		Token string `json:"token"`
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &payload)
	}

	claims, err := h.verifier.Verify(payload.Token)
	if err != nil {
		_ = c.sendEnvelope("verify-token:ack", map[string]any{"success": false, "error": err.Error()}, true)
		return
	}
	_ = c.sendEnvelope("verify-token:ack", map[string]any{
		"success":   true,
		"userId":    claims.Subject(),
		"expiresAt": claims.ExpiresAt,
	}, true)
}

func (h *Hub) handlePing(c *Client, data json.RawMessage) {
	h.registry.UpdateActivity(c.id)
	conn, _ := h.registry.Get(c.id)
	_ = c.sendEnvelope("pong", map[string]any{
		"timestamp":     time.Now().UTC().UnixMilli(),
		"echo":          json.RawMessage(data),
		"authenticated": conn.Authenticated,
	}, true)
}

func (h *Hub) handleRoomJoin(ctx context.Context, c *Client, data json.RawMessage) {
	conn, ok := h.registry.Get(c.id)
	if !ok || !conn.Authenticated {
		h.sendError(c, "room:join", gatewayerr.New(gatewayerr.KindAuthentication, "NOT_AUTHENTICATED", "must authenticate before joining a room"))
		return
	}

	var payload struct {
		Room string `json:"room"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
		h.sendError(c, "room:join", gatewayerr.New(gatewayerr.KindValidation, "MISSING_ROOM", "room is required"))
		return
	}

	roomName := room.GroupRoomName(payload.Room)
	h.rooms.AddToRoom(ctx, string(c.id), roomName, room.TypeGroup)
	_ = c.sendEnvelope("room:join:ack", map[string]any{"success": true, "room": payload.Room}, true)
	_ = h.rooms.BroadcastToRoom(ctx, h, roomName, "user_joined", map[string]any{
		"socketId": string(c.id),
		"userId":   string(conn.UserID),
		"room":     payload.Room,
	}, true)
}

func (h *Hub) handleRoomLeave(ctx context.Context, c *Client, data json.RawMessage) {
	conn, ok := h.registry.Get(c.id)
	if !ok || !conn.Authenticated {
		h.sendError(c, "room:leave", gatewayerr.New(gatewayerr.KindAuthentication, "NOT_AUTHENTICATED", "must authenticate before leaving a room"))
		return
	}

	var payload struct {
		Room string `json:"room"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Room == "" {
		h.sendError(c, "room:leave", gatewayerr.New(gatewayerr.KindValidation, "MISSING_ROOM", "room is required"))
		return
	}

	roomName := room.GroupRoomName(payload.Room)
	h.rooms.RemoveFromRoom(ctx, string(c.id), roomName)
	_ = c.sendEnvelope("room:leave:ack", map[string]any{"success": true, "room": payload.Room}, true)
	_ = h.rooms.BroadcastToRoom(ctx, h, roomName, "user_left", map[string]any{
		"socketId": string(c.id),
		"userId":   string(conn.UserID),
		"room":     payload.Room,
	}, true)
}

func (h *Hub) handleClientForward(ctx context.Context, c *Client, event string, data json.RawMessage) {
	conn, ok := h.registry.Get(c.id)
	if !ok || !conn.Authenticated {
		h.sendError(c, event, gatewayerr.New(gatewayerr.KindAuthentication, "NOT_AUTHENTICATED", "must authenticate first"))
		return
	}
	h.registry.UpdateActivity(c.id)

	discriminator, path := routeFor(event)
	var probe map[string]any
	if err := json.Unmarshal(data, &probe); err != nil || probe[discriminator] == nil {
		h.sendError(c, event, gatewayerr.New(gatewayerr.KindValidation, "VALIDATION_ERROR", fmt.Sprintf("payload must include %q", discriminator)))
		return
	}

	requestID := h.clock.NewID()
	ackEvent := ackEventFor(event)

	if h.loadMgr != nil && !h.loadMgr.ShouldAllowMessage(string(conn.UserID), event, 0) {
		slog.Info("dropping rate-limited inbound event", "event", event, "userId", conn.UserID, "socketId", c.id)
		return
	}

	if h.backend == nil {
		_ = c.sendEnvelope(ackEvent, map[string]any{"success": false, "requestId": requestID, "code": "EVENT_PROCESSING_ERROR"}, true)
		return
	}

	fwd := forwardedMessage{
		requestID: requestID,
		client:    c,
		ackEvent:  ackEvent,
		body: map[string]any{
			"requestId": requestID,
			"socketId":  string(c.id),
			"userId":    string(conn.UserID),
			"payload":   probe,
		},
	}

	if h.batcher != nil {
		h.batcher.Add(path, fwd)
		return
	}

	h.forwardOne(ctx, path, fwd)
}

// forwardedMessage pairs one client:event/message/action forward with
// enough context to ack it once the backend responds, whether that
// response comes from an individual request or a batched one.
type forwardedMessage struct {
	requestID string
	client    *Client
	ackEvent  string
	body      map[string]any
}

func (h *Hub) forwardOne(ctx context.Context, path string, fwd forwardedMessage) {
	body, _ := json.Marshal(fwd.body)
	resp, err := h.backend.Request(ctx, http.MethodPost, path, fwd.requestID, body)
	if err != nil || resp.StatusCode >= 400 {
		_ = fwd.client.sendEnvelope(fwd.ackEvent, map[string]any{"success": false, "requestId": fwd.requestID, "code": "EVENT_PROCESSING_ERROR"}, true)
		return
	}
	defer resp.Body.Close()
	_ = fwd.client.sendEnvelope(fwd.ackEvent, map[string]any{"success": true, "requestId": fwd.requestID}, true)
}

// flushForwardBatch is the batcher's onBatchReady callback: it sends every
// queued forward for one path as a single backend request, then acks each
// message individually from the shared response. A non-nil return re-queues
// the whole batch, matching spec §4.I's at-least-once redelivery contract.
func (h *Hub) flushForwardBatch(path string, messages []any) error {
	fwds := make([]forwardedMessage, 0, len(messages))
	bodies := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		fwd, ok := m.(forwardedMessage)
		if !ok {
			continue
		}
		fwds = append(fwds, fwd)
		bodies = append(bodies, fwd.body)
	}
	if len(fwds) == 0 {
		return nil
	}

	body, _ := json.Marshal(map[string]any{"batch": bodies})
	resp, err := h.backend.Request(context.Background(), http.MethodPost, path, fwds[0].requestID, body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("gateway: batch forward to %s failed with status %d", path, resp.StatusCode)
	}
	defer resp.Body.Close()
	for _, fwd := range fwds {
		_ = fwd.client.sendEnvelope(fwd.ackEvent, map[string]any{"success": true, "requestId": fwd.requestID}, true)
	}
	return nil
}

func routeFor(event string) (discriminator, path string) {
	switch event {
	case "client:event":
		return "type", "/api/events"
	case "client:message":
		return "content", "/api/messages"
	default:
		return "action", "/api/actions"
	}
}

func ackEventFor(event string) string {
	switch event {
	case "client:event":
		return "server:response"
	case "client:message":
		return "message:ack"
	default:
		return "action:result"
	}
}
