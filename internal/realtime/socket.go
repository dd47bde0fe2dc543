package realtime

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1MiB; envelope payloads are JSON text, not media.
	sendBuffer     = 256
)

// Socket is a single live connection, the unit the registry tracks. It
// owns the raw gorilla/websocket conn and a bounded outbound queue, with
// an arbitrary onMessage dispatch so the handler layer owns what happens
// with a decoded frame.
type Socket struct {
	ID     string
	UserID string

	conn *websocket.Conn
	send chan []byte

	writeMu sync.Mutex
	closed  bool
}

// NewSocket wraps an already-upgraded connection.
func NewSocket(id, userID string, conn *websocket.Conn) *Socket {
	return &Socket{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
}

// Enqueue attempts a non-blocking send onto the socket's outbound queue. A
// full queue means a slow or wedged client; the frame is dropped rather than
// blocking the emitter. A send after Close is also dropped rather than
// panicking on the closed channel — Unregister and a racing emit can
// observe the same socket concurrently.
func (s *Socket) Enqueue(payload []byte) bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		log.Printf("[realtime] send queue full for socket %s (user %s), dropping frame", s.ID, s.UserID)
		return false
	}
}

// ReadPump pumps inbound frames to onMessage until the connection closes,
// then invokes onClose exactly once. Each frame is dispatched in its own
// goroutine so a slow handler cannot stall the read loop.
func (s *Socket) ReadPump(onMessage func(raw []byte), onClose func()) {
	defer func() {
		onClose()
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[realtime] read error for socket %s (user %s): %v", s.ID, s.UserID, err)
			}
			return
		}
		go onMessage(raw)
	}
}

// WritePump pumps the outbound queue to the wire and sends keepalive pings.
func (s *Socket) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				s.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.write(websocket.TextMessage, payload); err != nil {
				log.Printf("[realtime] write error for socket %s (user %s): %v", s.ID, s.UserID, err)
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Socket) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// Close shuts down the outbound queue, terminating WritePump. Safe to call
// more than once.
func (s *Socket) Close() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}
