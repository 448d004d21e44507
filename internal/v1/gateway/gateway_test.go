package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/messagegateway/gateway/internal/v1/auth"
	"github.com/messagegateway/gateway/internal/v1/bus"
	"github.com/messagegateway/gateway/internal/v1/clock"
	"github.com/messagegateway/gateway/internal/v1/registry"
	"github.com/messagegateway/gateway/internal/v1/room"
)

const testSecret = "test-secret-at-least-32-bytes-long!!"

func signToken(t *testing.T, sub string) string {
	t.Helper()
	claims := auth.Claims{
		UserID: sub,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type fakeConn struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound chan []byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), outbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, msg, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("fakeConn: closed")
	}
	if messageType == websocket.TextMessage {
		f.outbound <- append([]byte(nil), data...)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func (f *fakeConn) recv(t *testing.T) Envelope {
	t.Helper()
	select {
	case body := <-f.outbound:
		var env Envelope
		require.NoError(t, json.Unmarshal(body, &env))
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outbound envelope")
		return Envelope{}
	}
}

func (f *fakeConn) send(env Envelope) {
	body, _ := json.Marshal(env)
	f.inbound <- body
}

// recvEvents drains n envelopes without assuming the priority/normal
// channels interleave in any particular order, returning the set of event
// names observed.
func (f *fakeConn) recvEvents(t *testing.T, n int) map[string]Envelope {
	t.Helper()
	out := make(map[string]Envelope, n)
	for i := 0; i < n; i++ {
		env := f.recv(t)
		out[env.Event] = env
	}
	return out
}

type alwaysAdmit struct{}

func (alwaysAdmit) CanAcceptConnections() bool                                   { return true }
func (alwaysAdmit) ShouldAllowConnection(int) bool                               { return true }
func (alwaysAdmit) ShouldAllowMessage(userID, event string, limit int) bool      { return true }

type neverAllowMessage struct{}

func (neverAllowMessage) ShouldAllowConnection(int) bool                          { return true }
func (neverAllowMessage) ShouldAllowMessage(userID, event string, limit int) bool { return false }

type recordingBackend struct {
	mu       sync.Mutex
	method   string
	path     string
	body     []byte
	calls    int
	response *http.Response
	err      error
}

func (b *recordingBackend) Request(ctx context.Context, method, path, requestKey string, body []byte) (*http.Response, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.method, b.path, b.body = method, path, body
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return b.response, nil
}

func okResponse() *http.Response {
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(nil)}
}

func newTestHub(backend BackendForwarder) (*Hub, *clock.Clock) {
	clk := clock.New("inst-1")
	reg := registry.New(clk)
	rooms := room.New(clk, nil)
	verifier := auth.NewVerifier(testSecret)
	h := New(Config{AllowedOrigins: []string{"*"}}, verifier, reg, rooms, nil, alwaysAdmit{}, alwaysAdmit{}, backend, clk)
	return h, clk
}

func TestHandleConnectionSendsWelcome(t *testing.T) {
	h, _ := newTestHub(nil)
	conn := newFakeConn()

	c := h.HandleConnection(conn)
	defer conn.Close()

	env := conn.recv(t)
	assert.Equal(t, "system:welcome", env.Event)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, string(c.id), payload["socketId"])
}

func TestRegisterWithValidTokenAuthenticates(t *testing.T) {
	h, _ := newTestHub(nil)
	conn := newFakeConn()
	c := h.HandleConnection(conn)
	defer conn.Close()
	conn.recv(t) // welcome

	conn.send(envelopeFor(t, "register", map[string]any{"token": signToken(t, "user-1")}))
	env := conn.recv(t)
	assert.Equal(t, "register:ack", env.Event)

	var ack map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, true, ack["success"])
	assert.Equal(t, "jwt", ack["method"])

	conn2, ok := h.registry.Get(c.id)
	require.True(t, ok)
	assert.True(t, conn2.Authenticated)
	assert.Equal(t, registry.UserID("user-1"), conn2.UserID)
}

func TestRegisterWithoutUserIDOrTokenFailsAndDisconnects(t *testing.T) {
	h, _ := newTestHub(nil)
	conn := newFakeConn()
	h.HandleConnection(conn)
	defer conn.Close()
	conn.recv(t)

	conn.send(envelopeFor(t, "register", map[string]any{}))
	env := conn.recv(t)
	var ack map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, false, ack["success"])

	require.Eventually(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	}, 3*time.Second, 10*time.Millisecond)
}

func TestAuthenticateInvalidTokenFormat(t *testing.T) {
	h, _ := newTestHub(nil)
	conn := newFakeConn()
	h.HandleConnection(conn)
	defer conn.Close()
	conn.recv(t)

	conn.send(envelopeFor(t, "authenticate", map[string]any{"token": "not-a-jwt"}))
	env := conn.recv(t)
	assert.Equal(t, "authenticate:ack", env.Event)

	var ack map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, "invalid-token-format", ack["error"])
}

func TestPingEchoesPong(t *testing.T) {
	h, _ := newTestHub(nil)
	conn := newFakeConn()
	h.HandleConnection(conn)
	defer conn.Close()
	conn.recv(t)

	conn.send(envelopeFor(t, "ping", map[string]any{"nonce": "abc"}))
	env := conn.recv(t)
	assert.Equal(t, "pong", env.Event)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, false, payload["authenticated"])
	assert.NotNil(t, payload["timestamp"])
}

func TestRoomJoinRequiresAuthentication(t *testing.T) {
	h, _ := newTestHub(nil)
	conn := newFakeConn()
	h.HandleConnection(conn)
	defer conn.Close()
	conn.recv(t)

	conn.send(envelopeFor(t, "room:join", map[string]any{"room": "lobby"}))
	env := conn.recv(t)
	assert.Equal(t, "error", env.Event)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "NOT_AUTHENTICATED", payload["code"])
}

func TestRoomJoinAndLeaveAck(t *testing.T) {
	h, _ := newTestHub(nil)
	conn := newFakeConn()
	h.HandleConnection(conn)
	defer conn.Close()
	conn.recv(t)

	conn.send(envelopeFor(t, "register", map[string]any{"token": signToken(t, "user-1")}))
	conn.recv(t) // register:ack

	conn.send(envelopeFor(t, "room:join", map[string]any{"room": "lobby"}))
	events := conn.recvEvents(t, 2)
	require.Contains(t, events, "room:join:ack")
	require.Contains(t, events, "user_joined")

	details, ok := h.rooms.GetRoomDetails(room.GroupRoomName("lobby"))
	require.True(t, ok)
	assert.Len(t, details.Members, 1)

	conn.send(envelopeFor(t, "room:leave", map[string]any{"room": "lobby"}))
	ack := conn.recv(t)
	assert.Equal(t, "room:leave:ack", ack.Event)

	_, ok = h.rooms.GetRoomDetails(room.GroupRoomName("lobby"))
	assert.False(t, ok, "non-system room should be deleted once empty")
}

func TestUnknownEventProducesError(t *testing.T) {
	h, _ := newTestHub(nil)
	conn := newFakeConn()
	h.HandleConnection(conn)
	defer conn.Close()
	conn.recv(t)

	conn.send(envelopeFor(t, "made:up", map[string]any{}))
	env := conn.recv(t)
	assert.Equal(t, "error", env.Event)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "UNKNOWN_EVENT", payload["code"])
}

func TestClientEventForwardsToBackendAndAcks(t *testing.T) {
	backend := &recordingBackend{response: okResponse()}
	h, _ := newTestHub(backend)
	conn := newFakeConn()
	h.HandleConnection(conn)
	defer conn.Close()
	conn.recv(t)

	conn.send(envelopeFor(t, "register", map[string]any{"token": signToken(t, "user-1")}))
	conn.recv(t)

	conn.send(envelopeFor(t, "client:message", map[string]any{"content": "hi"}))
	ack := conn.recv(t)
	assert.Equal(t, "message:ack", ack.Event)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(ack.Data, &payload))
	assert.Equal(t, true, payload["success"])

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, "/api/messages", backend.path)
}

func TestClientEventsAreBatchedBeforeForwarding(t *testing.T) {
	backend := &recordingBackend{response: okResponse()}
	clk := clock.New("inst-1")
	reg := registry.New(clk)
	rooms := room.New(clk, nil)
	verifier := auth.NewVerifier(testSecret)
	h := New(Config{
		AllowedOrigins:  []string{"*"},
		BatchMaxSize:    2,
		BatchMaxDelay:   time.Minute,
		BatchMaxPayload: 1 << 20,
	}, verifier, reg, rooms, nil, alwaysAdmit{}, alwaysAdmit{}, backend, clk)

	conn := newFakeConn()
	h.HandleConnection(conn)
	defer conn.Close()
	conn.recv(t)

	conn.send(envelopeFor(t, "register", map[string]any{"token": signToken(t, "user-1")}))
	conn.recv(t)

	conn.send(envelopeFor(t, "client:message", map[string]any{"content": "one"}))
	conn.send(envelopeFor(t, "client:message", map[string]any{"content": "two"}))

	acks := conn.recvEvents(t, 2)
	require.Contains(t, acks, "message:ack")

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 1, backend.calls)
	assert.Equal(t, "/api/messages", backend.path)
}

func TestClientEventMissingDiscriminatorErrors(t *testing.T) {
	backend := &recordingBackend{response: okResponse()}
	h, _ := newTestHub(backend)
	conn := newFakeConn()
	h.HandleConnection(conn)
	defer conn.Close()
	conn.recv(t)

	conn.send(envelopeFor(t, "register", map[string]any{"token": signToken(t, "user-1")}))
	conn.recv(t)

	conn.send(envelopeFor(t, "client:message", map[string]any{}))
	env := conn.recv(t)
	assert.Equal(t, "error", env.Event)
}

func TestClientEventDroppedUnderMessageThrottling(t *testing.T) {
	clk := clock.New("inst-1")
	reg := registry.New(clk)
	rooms := room.New(clk, nil)
	verifier := auth.NewVerifier(testSecret)
	backend := &recordingBackend{response: okResponse()}
	h := New(Config{AllowedOrigins: []string{"*"}}, verifier, reg, rooms, nil, neverAllowMessage{}, alwaysAdmit{}, backend, clk)

	conn := newFakeConn()
	h.HandleConnection(conn)
	defer conn.Close()
	conn.recv(t)

	conn.send(envelopeFor(t, "register", map[string]any{"token": signToken(t, "user-1")}))
	conn.recv(t)

	conn.send(envelopeFor(t, "client:event", map[string]any{"type": "x"}))

	select {
	case <-conn.outbound:
		t.Fatal("expected no ack for rate-limited event")
	case <-time.After(50 * time.Millisecond):
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Empty(t, backend.path)
}

func TestDisconnectLeavesRoomsAndBroadcastsUserLeft(t *testing.T) {
	h, _ := newTestHub(nil)

	connA := newFakeConn()
	clientA := h.HandleConnection(connA)
	connA.recv(t)
	connA.send(envelopeFor(t, "register", map[string]any{"token": signToken(t, "user-a")}))
	connA.recv(t)
	connA.send(envelopeFor(t, "room:join", map[string]any{"room": "lobby"}))
	connA.recv(t)
	connA.recv(t) // user_joined

	connB := newFakeConn()
	h.HandleConnection(connB)
	connB.recv(t)
	connB.send(envelopeFor(t, "register", map[string]any{"token": signToken(t, "user-b")}))
	connB.recv(t)
	connB.send(envelopeFor(t, "room:join", map[string]any{"room": "lobby"}))
	connB.recv(t) // join ack
	connB.recv(t) // user_joined (only itself, since deliver is local only per snapshot)

	h.handleDisconnect(clientA)

	left := connB.recv(t)
	assert.Equal(t, "user_left", left.Event)

	details, ok := h.rooms.GetRoomDetails(room.GroupRoomName("lobby"))
	require.True(t, ok)
	assert.NotContains(t, details.Members, string(clientA.id))
}

func envelopeFor(t *testing.T, event string, payload any) Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Envelope{Event: event, Data: data}
}

func busEnvelopeFor(t *testing.T, sourceInstanceID, event string, payload any) bus.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return bus.Envelope{SourceInstanceID: sourceInstanceID, Event: event, Data: data}
}

func TestCrossInstanceDisconnectClosesNamedSocketOnly(t *testing.T) {
	h, _ := newTestHub(nil)

	connA := newFakeConn()
	clientA := h.HandleConnection(connA)
	connA.recv(t)

	connB := newFakeConn()
	clientB := h.HandleConnection(connB)
	connB.recv(t)

	h.handleCrossInstanceEnvelope(busEnvelopeFor(t, "inst-2", "disconnect", map[string]string{"socketId": string(clientA.id)}))

	require.Eventually(t, func() bool {
		_, ok := h.registry.Get(clientA.id)
		return !ok
	}, time.Second, 5*time.Millisecond, "expected clientA to be disconnected")

	h.mu.RLock()
	_, bStillLocal := h.clients[clientB.id]
	h.mu.RUnlock()
	assert.True(t, bStillLocal)
}

func TestCrossInstanceJoinAddsOnlyLocallyConnectedSocketToRoom(t *testing.T) {
	h, _ := newTestHub(nil)

	conn := newFakeConn()
	client := h.HandleConnection(conn)
	conn.recv(t)

	h.handleCrossInstanceEnvelope(busEnvelopeFor(t, "inst-2", "join", map[string]string{
		"socketId": string(client.id),
		"room":     "group:remote",
	}))

	details, ok := h.rooms.GetRoomDetails("group:remote")
	require.True(t, ok)
	assert.Contains(t, details.Members, string(client.id))

	h.handleCrossInstanceEnvelope(busEnvelopeFor(t, "inst-2", "leave", map[string]string{
		"socketId": string(client.id),
		"room":     "group:remote",
	}))
	_, ok = h.rooms.GetRoomDetails("group:remote")
	assert.False(t, ok)
}

func TestCrossInstanceJoinIgnoresSocketNotLocalToThisInstance(t *testing.T) {
	h, _ := newTestHub(nil)

	h.handleCrossInstanceEnvelope(busEnvelopeFor(t, "inst-2", "join", map[string]string{
		"socketId": "sock-elsewhere",
		"room":     "group:remote",
	}))

	_, ok := h.rooms.GetRoomDetails("group:remote")
	assert.False(t, ok)
}

func TestCrossInstanceEnvelopeFromSameInstanceIsIgnored(t *testing.T) {
	h, clk := newTestHub(nil)

	conn := newFakeConn()
	client := h.HandleConnection(conn)
	conn.recv(t)

	h.handleCrossInstanceEnvelope(busEnvelopeFor(t, clk.InstanceID(), "disconnect", map[string]string{"socketId": string(client.id)}))

	_, stillConnected := h.registry.Get(client.id)
	assert.True(t, stillConnected)
}
