package router

import (
	"sync"
	"time"

	"github.com/alitto/pond"
)

// actor serializes all work for one conversation onto a single logical
// owner without dedicating it a goroutine: tasks queue locally and a drain
// loop is submitted to the shared pool only while the queue is non-empty,
// so idle actors cost nothing but a map entry. This is a single-owner task
// in place of a global lock map, built on a shared pond.WorkerPool rather
// than one goroutine per conversation. The per-actor queue itself has no
// size limit; only the number of concurrently draining actors is bounded
// by the pool.
type actor struct {
	id   string
	pool *pond.WorkerPool

	mu         sync.Mutex
	queue      []func()
	scheduled  bool
	lastActive time.Time

	// delivered tracks, per message, which non-sender members have
	// acknowledged message-delivered this process lifetime. It is
	// ephemeral live state used only to compute the aggregate
	// DELIVERED/READ status on message-status-update.
	delivered map[string]map[string]bool
}

func newActor(id string, pool *pond.WorkerPool) *actor {
	return &actor{
		id:         id,
		pool:       pool,
		lastActive: time.Now(),
		delivered:  make(map[string]map[string]bool),
	}
}

// Submit enqueues task, scheduling a drain run on the shared pool if one
// isn't already in flight for this actor.
func (a *actor) Submit(task func()) {
	a.mu.Lock()
	a.queue = append(a.queue, task)
	a.lastActive = time.Now()
	if a.scheduled {
		a.mu.Unlock()
		return
	}
	a.scheduled = true
	a.mu.Unlock()
	a.pool.Submit(a.drain)
}

func (a *actor) drain() {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.scheduled = false
			a.mu.Unlock()
			return
		}
		task := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()
		task()
	}
}

func (a *actor) markDelivered(messageID, userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.delivered[messageID]
	if !ok {
		set = make(map[string]bool)
		a.delivered[messageID] = set
	}
	set[userID] = true
}

func (a *actor) deliveredSet(messageID string) map[string]bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.delivered[messageID]
}

// idleSince reports whether the actor has had no work since cutoff and has
// nothing queued or in flight, making it safe to garbage-collect.
func (a *actor) idleSince(cutoff time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.scheduled && len(a.queue) == 0 && a.lastActive.Before(cutoff)
}
