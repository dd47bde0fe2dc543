package envelope

import "github.com/qzbxw/realtimecore/internal/realtime"

// Session is the per-connection identity carried through every handler
// call, in place of per-connection closures: a handler table keyed by
// event type takes (session, payload) instead. It pairs the authenticated
// identity established once at handshake with the live connection handle.
type Session struct {
	UserID string
	Socket *realtime.Socket
	Acks   *AckTracker
}

// NewSession builds a Session for a freshly authenticated, freshly
// registered socket.
func NewSession(userID string, socket *realtime.Socket, ackLRUSize int) *Session {
	return &Session{UserID: userID, Socket: socket, Acks: NewAckTracker(ackLRUSize)}
}
