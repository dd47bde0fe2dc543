package bus

import (
	"context"
	"sync"
)

// Local is the single-process Bus implementation: an in-memory fan-out
// table keyed by channel, each with a set of subscriber callbacks. This is
// what a non-distributed deployment uses by default.
type Local struct {
	mu   sync.RWMutex
	subs map[string]map[int]func(Message)
	next int
}

// NewLocal constructs an empty Local bus.
func NewLocal() *Local {
	return &Local{subs: make(map[string]map[int]func(Message))}
}

// Publish invokes every subscriber currently registered on channel.
// Subscribers are invoked synchronously but each call is expected to be
// non-blocking (the realtime.Registry subscribers enqueue onto a bounded
// per-socket channel rather than doing I/O inline).
func (l *Local) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	subscribers := l.subs[channel]
	callbacks := make([]func(Message), 0, len(subscribers))
	for _, fn := range subscribers {
		callbacks = append(callbacks, fn)
	}
	l.mu.RUnlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, fn := range callbacks {
		fn(msg)
	}
	return nil
}

// Subscribe registers fn against channel and returns a cancel func that
// removes it.
func (l *Local) Subscribe(_ context.Context, channel string, fn func(Message)) (func(), error) {
	l.mu.Lock()
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[int]func(Message))
	}
	id := l.next
	l.next++
	l.subs[channel][id] = fn
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs[channel], id)
			if len(l.subs[channel]) == 0 {
				delete(l.subs, channel)
			}
			l.mu.Unlock()
		})
	}
	return cancel, nil
}

// Close is a no-op for Local; there are no external resources to release.
func (l *Local) Close() error { return nil }
