package room

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
	id  string
}

func (f *fakeClock) Now() time.Time     { return f.now }
func (f *fakeClock) InstanceID() string { return f.id }

type fakeBus struct {
	published []string
	states    map[string]connectionState
}

func (f *fakeBus) Publish(ctx context.Context, sourceInstanceID, event string, data any) error {
	f.published = append(f.published, event)
	return nil
}

func (f *fakeBus) SetConnectionState(ctx context.Context, socketID string, state any, ttl time.Duration) error {
	if f.states == nil {
		f.states = make(map[string]connectionState)
	}
	f.states[socketID] = state.(connectionState)
	return nil
}

type fakeDeliverer struct {
	delivered map[string]string
	failFor   string
}

func (f *fakeDeliverer) DeliverLocal(socketID, event string, payload any) error {
	if socketID == f.failFor {
		return errors.New("delivery failed")
	}
	if f.delivered == nil {
		f.delivered = make(map[string]string)
	}
	f.delivered[socketID] = event
	return nil
}

func newManager() (*Manager, *fakeBus) {
	clk := &fakeClock{now: time.Unix(1000, 0), id: "inst-1"}
	b := &fakeBus{}
	return New(clk, b), b
}

func TestAddToRoomCreatesAndTracksMembers(t *testing.T) {
	m, bus := newManager()
	ctx := context.Background()

	m.AddToRoom(ctx, "sock-1", "group:lobby", TypeGroup)
	details, ok := m.GetRoomDetails("group:lobby")
	require.True(t, ok)
	assert.Equal(t, TypeGroup, details.Type)
	_, member := details.Members["sock-1"]
	assert.True(t, member)
	assert.Equal(t, []string{"group:lobby"}, bus.states["sock-1"].Rooms)
}

func TestAddToRoomInfersTypeFromName(t *testing.T) {
	m, _ := newManager()
	m.AddToRoom(context.Background(), "sock-1", "user:u1", "")
	details, ok := m.GetRoomDetails("user:u1")
	require.True(t, ok)
	assert.Equal(t, TypeUser, details.Type)
}

func TestRemoveFromRoomDeletesWhenEmpty(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	m.AddToRoom(ctx, "sock-1", "group:lobby", TypeGroup)

	m.RemoveFromRoom(ctx, "sock-1", "group:lobby")
	_, ok := m.GetRoomDetails("group:lobby")
	assert.False(t, ok)
}

func TestRemoveFromRoomKeepsSystemRoomWhenEmpty(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	m.CreateSystemRoom("announcements", nil)
	roomName := SystemRoomName("announcements")
	m.AddToRoom(ctx, "sock-1", roomName, TypeSystem)

	m.RemoveFromRoom(ctx, "sock-1", roomName)
	details, ok := m.GetRoomDetails(roomName)
	assert.True(t, ok)
	assert.Empty(t, details.Members)
}

func TestLeaveAllRoomsRemovesFromEvery(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	m.AddToRoom(ctx, "sock-1", "group:a", TypeGroup)
	m.AddToRoom(ctx, "sock-1", "group:b", TypeGroup)
	m.AddToRoom(ctx, "sock-2", "group:a", TypeGroup)

	m.LeaveAllRooms(ctx, "sock-1")

	_, ok := m.GetRoomDetails("group:b")
	assert.False(t, ok)
	details, ok := m.GetRoomDetails("group:a")
	require.True(t, ok)
	_, stillMember := details.Members["sock-1"]
	assert.False(t, stillMember)
	_, other := details.Members["sock-2"]
	assert.True(t, other)
}

func TestBroadcastToRoomDeliversToLocalMembers(t *testing.T) {
	m, bus := newManager()
	ctx := context.Background()
	m.AddToRoom(ctx, "sock-1", "group:a", TypeGroup)
	m.AddToRoom(ctx, "sock-2", "group:a", TypeGroup)

	d := &fakeDeliverer{}
	err := m.BroadcastToRoom(ctx, d, "group:a", "chat", map[string]string{"text": "hi"}, false)
	require.NoError(t, err)
	assert.Len(t, d.delivered, 2)
	assert.Contains(t, bus.published, "broadcast")
}

func TestBroadcastToRoomMissingRoomWithNoBusErrors(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1000, 0), id: "inst-1"}
	m := New(clk, nil)
	err := m.BroadcastToRoom(context.Background(), &fakeDeliverer{}, "group:ghost", "chat", nil, false)
	assert.Error(t, err)
}

func TestBroadcastToRoomMissingLocallyStillPublishesWhenBusConfigured(t *testing.T) {
	m, bus := newManager()
	d := &fakeDeliverer{}
	err := m.BroadcastToRoom(context.Background(), d, "group:remote-only", "chat", map[string]string{"text": "hi"}, false)
	require.NoError(t, err)
	assert.Empty(t, d.delivered)
	assert.Contains(t, bus.published, "broadcast")
}

func TestBroadcastToRoomVolatileSwallowsDeliveryErrors(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	m.AddToRoom(ctx, "sock-1", "group:a", TypeGroup)

	d := &fakeDeliverer{failFor: "sock-1"}
	err := m.BroadcastToRoom(ctx, d, "group:a", "chat", nil, true)
	assert.NoError(t, err)
}

func TestBroadcastToRoomNonVolatilePropagatesDeliveryErrors(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	m.AddToRoom(ctx, "sock-1", "group:a", TypeGroup)

	d := &fakeDeliverer{failFor: "sock-1"}
	err := m.BroadcastToRoom(ctx, d, "group:a", "chat", nil, false)
	assert.Error(t, err)
}

func TestGetRoomsByType(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	m.AddToRoom(ctx, "sock-1", "group:a", TypeGroup)
	m.AddToRoom(ctx, "sock-2", "user:u1", TypeUser)

	groups := m.GetRoomsByType(TypeGroup)
	assert.Len(t, groups, 1)
	assert.Equal(t, "group:a", groups[0].Name)
}

func TestSetMetadata(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	m.AddToRoom(ctx, "sock-1", "group:a", TypeGroup)

	ok := m.SetMetadata("group:a", map[string]any{"topic": "general"})
	assert.True(t, ok)

	details, _ := m.GetRoomDetails("group:a")
	assert.Equal(t, "general", details.Metadata["topic"])
}

func TestSetMetadataUnknownRoom(t *testing.T) {
	m, _ := newManager()
	ok := m.SetMetadata("group:ghost", map[string]any{"a": 1})
	assert.False(t, ok)
}

func TestCreateSystemRoomIsIdempotent(t *testing.T) {
	m, _ := newManager()
	m.CreateSystemRoom("lobby", map[string]any{"a": 1})
	m.CreateSystemRoom("lobby", map[string]any{"b": 2})

	details, ok := m.GetRoomDetails(SystemRoomName("lobby"))
	require.True(t, ok)
	assert.Equal(t, 1, details.Metadata["a"])
	_, hasB := details.Metadata["b"]
	assert.False(t, hasB)
}

func TestCountReflectsActiveRooms(t *testing.T) {
	m, _ := newManager()
	ctx := context.Background()
	assert.Equal(t, 0, m.Count())
	m.AddToRoom(ctx, "sock-1", "group:a", TypeGroup)
	m.AddToRoom(ctx, "sock-2", "group:b", TypeGroup)
	assert.Equal(t, 2, m.Count())
}
