package envelope

import (
	"container/list"
	"sync"
)

// AckTracker is the per-socket bounded LRU of recently seen messageIds. It
// records ids only, not outcomes: a replayed messageId is recognized so the
// event is not processed twice, but no earlier ack or error is kept to be
// sent again.
type AckTracker struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewAckTracker builds a tracker holding at most capacity entries.
func NewAckTracker(capacity int) *AckTracker {
	if capacity <= 0 {
		capacity = 256
	}
	return &AckTracker{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Seen records messageId if it has not been seen before, returning true if
// this is the first time (the caller processes the event) and false if it is
// a replay (handleFrame drops it without reprocessing and without a second
// ack).
func (t *AckTracker) Seen(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.index[messageID]; ok {
		t.order.MoveToFront(el)
		return false
	}

	el := t.order.PushFront(messageID)
	t.index[messageID] = el
	if t.order.Len() > t.capacity {
		oldest := t.order.Back()
		if oldest != nil {
			t.order.Remove(oldest)
			delete(t.index, oldest.Value.(string))
		}
	}
	return true
}
