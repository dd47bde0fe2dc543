package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qzbxw/realtimecore/internal/bus"
)

// newTestSocket builds a Socket with a live send queue but no underlying
// websocket.Conn, sufficient for exercising Registry's indexing and
// delivery logic without a real connection.
func newTestSocket(id, userID string) *Socket {
	return &Socket{ID: id, UserID: userID, send: make(chan []byte, sendBuffer)}
}

func TestRegistry_RegisterThenEmitToUserReachesSocket(t *testing.T) {
	b := bus.NewLocal()
	r := NewRegistry(b)
	s := newTestSocket("sock-1", "user-1")

	require.NoError(t, r.Register(context.Background(), s))
	require.NoError(t, r.EmitToUser(context.Background(), "user-1", []byte("hello")))

	select {
	case payload := <-s.send:
		assert.Equal(t, "hello", string(payload))
	case <-time.After(time.Second):
		t.Fatal("socket never received the emitted payload")
	}
}

func TestRegistry_UnregisterStopsDelivery(t *testing.T) {
	b := bus.NewLocal()
	r := NewRegistry(b)
	s := newTestSocket("sock-1", "user-1")
	require.NoError(t, r.Register(context.Background(), s))

	r.Unregister(s)
	assert.False(t, r.IsUserOnline("user-1"))

	// Publishing after unregister must not panic or deliver (the socket's
	// send channel is closed by Unregister's Close()).
	require.NoError(t, r.EmitToUser(context.Background(), "user-1", []byte("too-late")))
}

func TestRegistry_JoinRoomAndUsersInRoom(t *testing.T) {
	b := bus.NewLocal()
	r := NewRegistry(b)
	alice := newTestSocket("sock-a", "alice")
	bob := newTestSocket("sock-b", "bob")
	require.NoError(t, r.Register(context.Background(), alice))
	require.NoError(t, r.Register(context.Background(), bob))

	require.NoError(t, r.JoinRoom(context.Background(), alice, "conv-1"))
	require.NoError(t, r.JoinRoom(context.Background(), bob, "conv-1"))

	present := r.UsersInRoom("conv-1")
	assert.True(t, present["alice"])
	assert.True(t, present["bob"])

	r.LeaveRoom("conv-1", bob)
	present = r.UsersInRoom("conv-1")
	assert.True(t, present["alice"])
	assert.False(t, present["bob"])
}

func TestRegistry_EmitToRoomReachesAllJoinedSockets(t *testing.T) {
	b := bus.NewLocal()
	r := NewRegistry(b)
	alice := newTestSocket("sock-a", "alice")
	bob := newTestSocket("sock-b", "bob")
	require.NoError(t, r.Register(context.Background(), alice))
	require.NoError(t, r.Register(context.Background(), bob))
	require.NoError(t, r.JoinRoom(context.Background(), alice, "conv-1"))
	require.NoError(t, r.JoinRoom(context.Background(), bob, "conv-1"))

	require.NoError(t, r.EmitToRoom(context.Background(), "conv-1", []byte("room-frame")))

	for _, s := range []*Socket{alice, bob} {
		select {
		case payload := <-s.send:
			assert.Equal(t, "room-frame", string(payload))
		case <-time.After(time.Second):
			t.Fatalf("socket %s never received the room broadcast", s.ID)
		}
	}
}

func TestRegistry_UnregisterRemovesFromEveryJoinedRoom(t *testing.T) {
	b := bus.NewLocal()
	r := NewRegistry(b)
	alice := newTestSocket("sock-a", "alice")
	require.NoError(t, r.Register(context.Background(), alice))
	require.NoError(t, r.JoinRoom(context.Background(), alice, "conv-1"))
	require.NoError(t, r.JoinRoom(context.Background(), alice, "conv-2"))

	r.Unregister(alice)

	assert.False(t, r.UsersInRoom("conv-1")["alice"])
	assert.False(t, r.UsersInRoom("conv-2")["alice"])
}

func TestRegistry_SocketsForUserReturnsAllLocalSockets(t *testing.T) {
	b := bus.NewLocal()
	r := NewRegistry(b)
	s1 := newTestSocket("sock-1", "user-1")
	s2 := newTestSocket("sock-2", "user-1")
	require.NoError(t, r.Register(context.Background(), s1))
	require.NoError(t, r.Register(context.Background(), s2))

	sockets := r.SocketsForUser("user-1")
	assert.Len(t, sockets, 2)
}

func TestRegistry_EmitToSocketBypassesBus(t *testing.T) {
	b := bus.NewLocal()
	r := NewRegistry(b)
	s := newTestSocket("sock-1", "user-1")

	ok := r.EmitToSocket(s, []byte("direct"))
	assert.True(t, ok)

	select {
	case payload := <-s.send:
		assert.Equal(t, "direct", string(payload))
	case <-time.After(time.Second):
		t.Fatal("direct emit never reached the socket")
	}
}
