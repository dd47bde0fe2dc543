// Package presence tracks per-user online/offline transitions with a
// reconnect grace period, and per-conversation typing sets with expiry.
//
// Serialization is per user: rather than one hub-wide mutex, each user
// gets its own mutex obtained from a sync.Map, so presence transitions for
// unrelated users never contend.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/qzbxw/realtimecore/internal/bus"
	"github.com/qzbxw/realtimecore/internal/envelope"
	"github.com/qzbxw/realtimecore/internal/store"
)

// typingEntry is one user's typing state in one conversation.
type typingEntry struct {
	expiresAt time.Time
}

// Tracker holds the live typing/presence tables.
type Tracker struct {
	bus   bus.Bus
	store store.Store

	typingExpiry  time.Duration
	presenceGrace time.Duration
	sweepInterval time.Duration

	userLocks sync.Map // userID -> *sync.Mutex

	mu            sync.Mutex
	onlineCount   map[string]int                    // userID -> live socket count (this node)
	offlineTimers map[string]*time.Timer            // userID -> pending offline transition
	typing        map[string]map[string]typingEntry // conversationID -> userID -> entry

	stopSweep chan struct{}
}

// NewTracker builds a Tracker. Call Start to begin the sweep goroutine.
func NewTracker(b bus.Bus, s store.Store, typingExpiry, presenceGrace, sweepInterval time.Duration) *Tracker {
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	return &Tracker{
		bus:           b,
		store:         s,
		typingExpiry:  typingExpiry,
		presenceGrace: presenceGrace,
		sweepInterval: sweepInterval,
		onlineCount:   make(map[string]int),
		offlineTimers: make(map[string]*time.Timer),
		typing:        make(map[string]map[string]typingEntry),
		stopSweep:     make(chan struct{}),
	}
}

func (t *Tracker) lockFor(userID string) *sync.Mutex {
	v, _ := t.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Start launches the periodic typing-expiry sweep. Call Stop to halt it.
func (t *Tracker) Start() {
	go t.sweepLoop()
}

// Stop halts the sweep goroutine.
func (t *Tracker) Stop() { close(t.stopSweep) }

func (t *Tracker) sweepLoop() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweepExpiredTyping()
		case <-t.stopSweep:
			return
		}
	}
}

func (t *Tracker) sweepExpiredTyping() {
	now := time.Now()
	type expired struct{ conversationID, userID string }
	var toExpire []expired

	t.mu.Lock()
	for conversationID, users := range t.typing {
		for userID, entry := range users {
			if now.After(entry.expiresAt) {
				toExpire = append(toExpire, expired{conversationID, userID})
			}
		}
	}
	for _, e := range toExpire {
		delete(t.typing[e.conversationID], e.userID)
		if len(t.typing[e.conversationID]) == 0 {
			delete(t.typing, e.conversationID)
		}
	}
	t.mu.Unlock()

	for _, e := range toExpire {
		t.emitTyping(e.conversationID, e.userID, false)
	}
}

// RegisterSocket is called on socket registration: the first socket for
// userID transitions them ONLINE, cancelling any pending offline timer from
// a short reconnect within the grace period.
func (t *Tracker) RegisterSocket(ctx context.Context, userID string) {
	lock := t.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	t.onlineCount[userID]++
	timer, pendingOffline := t.offlineTimers[userID]
	firstSocket := t.onlineCount[userID] == 1 && !pendingOffline
	if pendingOffline {
		timer.Stop()
		delete(t.offlineTimers, userID)
	}
	t.mu.Unlock()

	if firstSocket {
		t.emitUserOnline(ctx, userID)
	}
}

// UnregisterSocket is called on socket unregistration: when the last
// socket for userID disconnects, an OFFLINE transition is scheduled after
// presenceGrace to absorb short reconnects.
func (t *Tracker) UnregisterSocket(ctx context.Context, userID string) {
	lock := t.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	if t.onlineCount[userID] > 0 {
		t.onlineCount[userID]--
	}
	lastSocket := t.onlineCount[userID] == 0
	if lastSocket {
		delete(t.onlineCount, userID)
		timer := time.AfterFunc(t.presenceGrace, func() {
			t.finalizeOffline(ctx, userID)
		})
		t.offlineTimers[userID] = timer
	}
	t.mu.Unlock()
}

func (t *Tracker) finalizeOffline(ctx context.Context, userID string) {
	lock := t.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	stillOffline := t.onlineCount[userID] == 0
	delete(t.offlineTimers, userID)
	t.mu.Unlock()

	if stillOffline {
		now := time.Now().UTC()
		_ = t.store.UpdateLastSeen(ctx, userID, now)
		t.emitUserOffline(ctx, userID, now)
	}
}

// TypingStart records userID as typing in conversationID, extending the
// expiry, and emits typing{isTyping:true} only on the rising edge.
func (t *Tracker) TypingStart(ctx context.Context, conversationID, userID string) {
	now := time.Now()
	t.mu.Lock()
	if t.typing[conversationID] == nil {
		t.typing[conversationID] = make(map[string]typingEntry)
	}
	_, wasTyping := t.typing[conversationID][userID]
	t.typing[conversationID][userID] = typingEntry{expiresAt: now.Add(t.typingExpiry)}
	t.mu.Unlock()

	if !wasTyping {
		t.emitTyping(conversationID, userID, true)
	}
}

// TypingStop removes userID's typing entry in conversationID and emits
// typing{isTyping:false} if they were typing.
func (t *Tracker) TypingStop(ctx context.Context, conversationID, userID string) {
	t.mu.Lock()
	_, wasTyping := t.typing[conversationID][userID]
	if wasTyping {
		delete(t.typing[conversationID], userID)
		if len(t.typing[conversationID]) == 0 {
			delete(t.typing, conversationID)
		}
	}
	t.mu.Unlock()

	if wasTyping {
		t.emitTyping(conversationID, userID, false)
	}
}

func (t *Tracker) emitTyping(conversationID, userID string, isTyping bool) {
	payload, err := envelope.Encode(envelope.EventTyping, map[string]interface{}{
		"conversationId": conversationID,
		"userId":         userID,
		"isTyping":       isTyping,
	})
	if err != nil {
		return
	}
	_ = t.bus.Publish(context.Background(), bus.RoomChannel(conversationID), payload)
}

func (t *Tracker) emitUserOnline(ctx context.Context, userID string) {
	conversationIDs, err := t.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return
	}
	payload, err := envelope.Encode(envelope.EventUserOnline, map[string]interface{}{"userId": userID})
	if err != nil {
		return
	}
	for _, conversationID := range conversationIDs {
		_ = t.bus.Publish(ctx, bus.RoomChannel(conversationID), payload)
	}
}

func (t *Tracker) emitUserOffline(ctx context.Context, userID string, lastSeenAt time.Time) {
	conversationIDs, err := t.store.ListConversationsForUser(ctx, userID)
	if err != nil {
		return
	}
	payload, err := envelope.Encode(envelope.EventUserOffline, map[string]interface{}{
		"userId":     userID,
		"lastSeenAt": lastSeenAt,
	})
	if err != nil {
		return
	}
	for _, conversationID := range conversationIDs {
		_ = t.bus.Publish(ctx, bus.RoomChannel(conversationID), payload)
	}
}
