package bus

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is the distributed Bus implementation for the multi-node case: it
// publishes and subscribes on Redis Pub/Sub channels so emitToRoom/
// emitToUser reach sockets held open by any process in the cluster, not
// just the one that handled the inbound event.
type Redis struct {
	client *redis.Client

	mu   sync.Mutex
	subs map[string]*redisSubscription
}

type redisSubscription struct {
	pubsub    *redis.PubSub
	listeners map[int]func(Message)
	next      int
	cancelCtx context.CancelFunc
}

// NewRedis constructs a Redis bus against the given connection URL
// (redis://host:port/db).
func NewRedis(url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	return &Redis{client: client, subs: make(map[string]*redisSubscription)}, nil
}

// Publish sends payload to channel via Redis PUBLISH.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe registers fn against channel, opening a shared Redis
// subscription the first time a channel is subscribed and fanning out
// locally to every registered fn afterward.
func (r *Redis) Subscribe(ctx context.Context, channel string, fn func(Message)) (func(), error) {
	r.mu.Lock()
	sub, exists := r.subs[channel]
	if !exists {
		subCtx, cancel := context.WithCancel(context.Background())
		sub = &redisSubscription{
			pubsub:    r.client.Subscribe(subCtx, channel),
			listeners: make(map[int]func(Message)),
			cancelCtx: cancel,
		}
		r.subs[channel] = sub
		go r.pump(channel, sub)
	}
	id := sub.next
	sub.next++
	sub.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once
	cancelFn := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(sub.listeners, id)
			if len(sub.listeners) == 0 {
				sub.cancelCtx()
				_ = sub.pubsub.Close()
				delete(r.subs, channel)
			}
		})
	}
	return cancelFn, nil
}

func (r *Redis) pump(channel string, sub *redisSubscription) {
	ch := sub.pubsub.Channel()
	for msg := range ch {
		r.mu.Lock()
		listeners := make([]func(Message), 0, len(sub.listeners))
		for _, fn := range sub.listeners {
			listeners = append(listeners, fn)
		}
		r.mu.Unlock()

		out := Message{Channel: channel, Payload: []byte(msg.Payload)}
		for _, fn := range listeners {
			fn(out)
		}
	}
}

// Close closes the underlying Redis client and every open subscription.
func (r *Redis) Close() error {
	r.mu.Lock()
	for channel, sub := range r.subs {
		sub.cancelCtx()
		if err := sub.pubsub.Close(); err != nil {
			log.Printf("[bus.Redis] error closing subscription for %s: %v", channel, err)
		}
	}
	r.subs = make(map[string]*redisSubscription)
	r.mu.Unlock()
	return r.client.Close()
}
