package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// Subject is the NATS subject security events travel on.
const Subject = "gatekeep.security"

// NATSBus implements Bus over a NATS subject.
type NATSBus struct {
	conn *nats.Conn

	mu        sync.Mutex
	sub       *nats.Subscription
	subs      []chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, e Event) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	if err := b.conn.Publish(Subject, data); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.sub == nil {
		sub, err := b.conn.Subscribe(Subject, func(msg *nats.Msg) {
			e, err := Decode(msg.Data)
			if err != nil {
				slog.Warn("gatekeep: dropping malformed security event", "error", err)
				return
			}
			b.mu.Lock()
			chans := append([]chan Event(nil), b.subs...)
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- e:
					b.delivered.Add(1)
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.sub = sub
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, ch <-chan Event) error {
	b.mu.Lock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			break
		}
	}
	if len(b.subs) > 0 || b.sub == nil {
		b.mu.Unlock()
		return nil
	}
	sub := b.sub
	b.sub = nil
	b.mu.Unlock()
	return sub.Unsubscribe()
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
