package router

import (
	"sync"
	"time"

	"github.com/alitto/pond"
)

// Manager owns one actor per conversation and garbage-collects idle ones:
// an actor with no pending work for longer than idleTimeout is torn down
// and reconstituted on demand.
type Manager struct {
	pool        *pond.WorkerPool
	idleTimeout time.Duration

	mu     sync.Mutex
	actors map[string]*actor

	stopGC chan struct{}
}

// NewManager builds a Manager backed by a pond pool sized maxWorkers,
// reaping actors idle for longer than idleTimeout; once StartGC runs, the
// sweep happens every idleTimeout/4.
func NewManager(maxWorkers int, idleTimeout time.Duration) *Manager {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Manager{
		pool:        pond.New(maxWorkers, maxWorkers*4, pond.MinWorkers(1), pond.IdleTimeout(30*time.Second)),
		idleTimeout: idleTimeout,
		actors:      make(map[string]*actor),
		stopGC:      make(chan struct{}),
	}
}

// Submit runs task serialized against every other task submitted for the
// same conversationID, creating that conversation's actor on first use.
func (m *Manager) Submit(conversationID string, task func()) {
	m.mu.Lock()
	a, ok := m.actors[conversationID]
	if !ok {
		a = newActor(conversationID, m.pool)
		m.actors[conversationID] = a
	}
	m.mu.Unlock()
	a.Submit(task)
}

func (m *Manager) actorFor(conversationID string) *actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[conversationID]
	if !ok {
		a = newActor(conversationID, m.pool)
		m.actors[conversationID] = a
	}
	return a
}

// StartGC runs the idle-actor sweep until Stop is called.
func (m *Manager) StartGC() {
	go func() {
		ticker := time.NewTicker(m.idleTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep()
			case <-m.stopGC:
				return
			}
		}
	}()
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.idleTimeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, a := range m.actors {
		if a.idleSince(cutoff) {
			delete(m.actors, id)
		}
	}
}

// Stop halts the GC sweep and drains the underlying pool.
func (m *Manager) Stop() {
	close(m.stopGC)
	m.pool.StopAndWait()
}
