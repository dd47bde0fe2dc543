package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SubmitRunsTasksInOrderPerConversation(t *testing.T) {
	m := NewManager(4, time.Minute)
	defer m.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		m.Submit("conv-1", func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestManager_DifferentConversationsDontBlockEachOther(t *testing.T) {
	m := NewManager(4, time.Minute)
	defer m.Stop()

	blockA := make(chan struct{})
	doneB := make(chan struct{})

	m.Submit("conv-a", func() { <-blockA })
	m.Submit("conv-b", func() { close(doneB) })

	select {
	case <-doneB:
	case <-time.After(2 * time.Second):
		t.Fatal("conv-b's task should not be blocked by conv-a's in-flight task")
	}
	close(blockA)
}

func TestManager_MarkDeliveredAndDeliveredSet(t *testing.T) {
	m := NewManager(2, time.Minute)
	defer m.Stop()

	a := m.actorFor("conv-1")
	a.markDelivered("msg-1", "user-1")
	a.markDelivered("msg-1", "user-2")

	set := a.deliveredSet("msg-1")
	require.Len(t, set, 2)
	assert.True(t, set["user-1"])
	assert.True(t, set["user-2"])
	assert.Empty(t, a.deliveredSet("msg-unknown"))
}

func TestManager_SweepReapsIdleActors(t *testing.T) {
	m := NewManager(2, time.Minute)
	defer m.Stop()

	a := m.actorFor("conv-1")
	a.lastActive = time.Now().Add(-time.Hour)

	m.sweep()

	m.mu.Lock()
	_, stillPresent := m.actors["conv-1"]
	m.mu.Unlock()
	assert.False(t, stillPresent, "an actor idle well past idleTimeout should be reaped")
}

func TestManager_SweepKeepsRecentlyActiveActors(t *testing.T) {
	m := NewManager(2, time.Minute)
	defer m.Stop()

	m.actorFor("conv-1")
	m.sweep()

	m.mu.Lock()
	_, stillPresent := m.actors["conv-1"]
	m.mu.Unlock()
	assert.True(t, stillPresent, "a freshly touched actor must not be reaped")
}
