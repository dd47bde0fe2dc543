// Package realtime implements the connection registry: the socket↔user
// and room double index, sharded by key rather than guarded by a single
// hub-wide mutex, so a hot conversation and an unrelated one never
// contend on the same lock.
package realtime

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"

	"github.com/qzbxw/realtimecore/internal/bus"
)

const shardCount = 32

// shard is one bucket of the sharded index: an entity key (userId or
// conversationId) maps to the sockets currently associated with it, plus the
// bus subscription forwarding remote publishes to those local sockets.
type shard struct {
	mu      sync.RWMutex
	entries map[string]map[string]*Socket // entity key -> socketID -> Socket
	cancels map[string]func()             // entity key -> bus unsubscribe
}

func newShards() []*shard {
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{entries: make(map[string]map[string]*Socket), cancels: make(map[string]func())}
	}
	return shards
}

func shardFor(shards []*shard, key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return shards[h.Sum32()%uint32(len(shards))]
}

// Registry is the live double index of sockets by user and by room. It is
// itself a bus.Bus consumer: every EmitToUser/EmitToRoom publishes through
// the configured bus rather than writing to local sockets directly, so a
// Local bus keeps everything in-process while a Redis bus makes the same
// calls reach sockets held by any node in the cluster.
type Registry struct {
	bus    bus.Bus
	users  []*shard
	rooms  []*shard
	byID   map[string]*Socket
	byIDMu sync.RWMutex
}

// NewRegistry constructs a Registry over the given Bus.
func NewRegistry(b bus.Bus) *Registry {
	return &Registry{
		bus:   b,
		users: newShards(),
		rooms: newShards(),
		byID:  make(map[string]*Socket),
	}
}

// Register adds socket to the user index and starts forwarding the user's
// personal channel to it if this is the first local socket for that user.
func (r *Registry) Register(ctx context.Context, s *Socket) error {
	r.byIDMu.Lock()
	r.byID[s.ID] = s
	r.byIDMu.Unlock()
	return r.join(ctx, r.users, bus.UserChannel, s.UserID, s)
}

// Unregister removes socket from the user index and every room it had
// joined, tearing down bus subscriptions that no longer have local
// listeners.
func (r *Registry) Unregister(s *Socket) {
	r.byIDMu.Lock()
	delete(r.byID, s.ID)
	r.byIDMu.Unlock()

	r.leave(r.users, s.UserID, s)
	for _, roomShard := range r.rooms {
		roomShard.mu.RLock()
		var rooms []string
		for key, sockets := range roomShard.entries {
			if _, ok := sockets[s.ID]; ok {
				rooms = append(rooms, key)
			}
		}
		roomShard.mu.RUnlock()
		for _, conversationID := range rooms {
			r.leave(r.rooms, conversationID, s)
		}
	}
	s.Close()
}

// JoinRoom associates socket with conversationID, subscribing the room's bus
// channel to local delivery on first join.
func (r *Registry) JoinRoom(ctx context.Context, s *Socket, conversationID string) error {
	return r.join(ctx, r.rooms, bus.RoomChannel, conversationID, s)
}

// LeaveRoom removes the association. Safe to call for a room the socket
// never joined.
func (r *Registry) LeaveRoom(conversationID string, s *Socket) {
	r.leave(r.rooms, conversationID, s)
}

func (r *Registry) join(ctx context.Context, shards []*shard, channelName func(string) string, key string, s *Socket) error {
	sh := shardFor(shards, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.entries[key] == nil {
		sh.entries[key] = make(map[string]*Socket)
	}
	sh.entries[key][s.ID] = s

	if _, subscribed := sh.cancels[key]; !subscribed {
		cancel, err := r.bus.Subscribe(ctx, channelName(key), func(msg bus.Message) {
			r.deliverLocal(shards, key, msg.Payload)
		})
		if err != nil {
			delete(sh.entries[key], s.ID)
			return err
		}
		sh.cancels[key] = cancel
	}
	return nil
}

func (r *Registry) leave(shards []*shard, key string, s *Socket) {
	sh := shardFor(shards, key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sockets := sh.entries[key]
	if sockets == nil {
		return
	}
	delete(sockets, s.ID)
	if len(sockets) == 0 {
		delete(sh.entries, key)
		if cancel, ok := sh.cancels[key]; ok {
			cancel()
			delete(sh.cancels, key)
		}
	}
}

func (r *Registry) deliverLocal(shards []*shard, key string, payload []byte) {
	sh := shardFor(shards, key)
	sh.mu.RLock()
	sockets := sh.entries[key]
	targets := make([]*Socket, 0, len(sockets))
	for _, s := range sockets {
		targets = append(targets, s)
	}
	sh.mu.RUnlock()

	for _, s := range targets {
		s.Enqueue(payload)
	}
}

// EmitToRoom publishes an already-encoded envelope to every socket joined to
// conversationID, on every node.
func (r *Registry) EmitToRoom(ctx context.Context, conversationID string, payload []byte) error {
	return r.bus.Publish(ctx, bus.RoomChannel(conversationID), payload)
}

// EmitToUser publishes to every socket owned by userID, on every node.
func (r *Registry) EmitToUser(ctx context.Context, userID string, payload []byte) error {
	return r.bus.Publish(ctx, bus.UserChannel(userID), payload)
}

// EmitToSocket delivers directly to one local socket, bypassing the bus
// (used for handshake acks and per-request errors that only the originating
// socket should see).
func (r *Registry) EmitToSocket(s *Socket, payload []byte) bool {
	return s.Enqueue(payload)
}

// EmitJSONToSocket is a convenience wrapper for handlers that build a Go
// value rather than a pre-encoded frame.
func (r *Registry) EmitJSONToSocket(s *Socket, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.EmitToSocket(s, payload)
	return nil
}

// IsUserOnline reports whether userID has at least one live socket on this
// node. It does not reflect other nodes in a multi-node deployment; the
// presence tracker keeps the authoritative cross-node online set
// separately.
func (r *Registry) IsUserOnline(userID string) bool {
	sh := shardFor(r.users, userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.entries[userID]) > 0
}

// SocketsForUser returns the local sockets currently registered for userID.
func (r *Registry) SocketsForUser(userID string) []*Socket {
	sh := shardFor(r.users, userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]*Socket, 0, len(sh.entries[userID]))
	for _, s := range sh.entries[userID] {
		out = append(out, s)
	}
	return out
}

// UsersInRoom returns the distinct userIds of local sockets currently
// joined to conversationID's room — used by notification fan-out to
// determine who already has the conversation open and therefore shouldn't
// receive a notification for an event they'll see live.
func (r *Registry) UsersInRoom(conversationID string) map[string]bool {
	sh := shardFor(r.rooms, conversationID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make(map[string]bool)
	for _, s := range sh.entries[conversationID] {
		out[s.UserID] = true
	}
	return out
}
