// Package bus is the multi-node extension point: the registry's
// emitToRoom/emitToUser primitives are expressed against this interface so a
// single-process deployment can use the in-memory Local implementation while
// a horizontally-scaled deployment swaps in the Redis-backed implementation
// without any caller change.
package bus

import "context"

// Message is an already-encoded wire frame plus the destination it was
// addressed to, as delivered to a subscriber.
type Message struct {
	Channel string
	Payload []byte
}

// Bus is the addressing primitive the registry is built on: publish to a
// room or user channel, and subscribe to receive everything published to
// it. A single process only ever needs Local; Redis exists for the
// horizontal-scale case.
type Bus interface {
	// Publish delivers payload to every current subscriber of channel on
	// every node. It is fire-and-forget.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers fn to be invoked for every message published to
	// channel from any node. The returned cancel function removes the
	// subscription; it must be safe to call more than once.
	Subscribe(ctx context.Context, channel string, fn func(Message)) (cancel func(), err error)

	// Close releases any resources the bus holds (network connections,
	// goroutines).
	Close() error
}

// RoomChannel returns the canonical channel name for a conversation's room.
func RoomChannel(conversationID string) string { return "room:" + conversationID }

// UserChannel returns the canonical channel name for a user's personal room.
func UserChannel(userID string) string { return "user:" + userID }
