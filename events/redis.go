package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel security events travel on.
const Channel = "gatekeep:security"

// RedisBus implements Bus over a Redis pub/sub channel.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	pubsub    *redis.PubSub
	subs      []chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, Channel, data).Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber opens the pub/sub
// connection; later subscribers share it.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.pubsub == nil {
		ps := b.client.Subscribe(ctx, Channel)
		if _, err := ps.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, err
		}
		b.pubsub = ps
		go b.dispatch(ps)
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(ps *redis.PubSub) {
	for msg := range ps.Channel() {
		e, err := Decode([]byte(msg.Payload))
		if err != nil {
			slog.Warn("gatekeep: dropping malformed security event", "error", err)
			continue
		}
		b.mu.Lock()
		chans := append([]chan Event(nil), b.subs...)
		b.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- e:
				b.delivered.Add(1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe. Closing the last subscription
// closes the pub/sub connection.
func (b *RedisBus) Unsubscribe(ctx context.Context, ch <-chan Event) error {
	b.mu.Lock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			break
		}
	}
	if len(b.subs) > 0 || b.pubsub == nil {
		b.mu.Unlock()
		return nil
	}
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	return ps.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
