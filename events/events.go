// Package events publishes gatekeep's security events (lockouts, replay
// detections, fail-open use) for fraud monitoring. Delivery is best-effort
// fan-out: a slow consumer drops events rather than stalling the
// authorization path.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// Kind classifies a security event.
type Kind string

const (
	// KindLockout is emitted when a lockout marker is imposed.
	KindLockout Kind = "lockout"
	// KindReplayDetected is emitted when a one-time code is replayed.
	// Callers saw only InvalidFactor; this event is the fraud signal.
	KindReplayDetected Kind = "replay_detected"
	// KindFailOpenUsed is emitted when an authorization proceeded without
	// a lock because the store was down and the class permits fail-open.
	KindFailOpenUsed Kind = "fail_open_used"
	// KindLockTimeout is emitted when a withdrawal waited out its lock
	// budget. High rates on one account suggest scripted retries.
	KindLockTimeout Kind = "lock_timeout"
)

// Event is one security occurrence.
type Event struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Account  string    `json:"account"`
	Currency string    `json:"currency,omitempty"`
	Class    string    `json:"class,omitempty"`
	Factor   string    `json:"factor,omitempty"`
	At       time.Time `json:"at"`
}

// New returns an Event with a fresh ID and the current timestamp.
func New(kind Kind, account string) Event {
	id, err := uuid.GenerateUUID()
	if err != nil {
		id = ""
	}
	return Event{ID: id, Kind: kind, Account: account, At: time.Now().UTC()}
}

// Encode renders the event's wire form.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an event from its wire form.
func Decode(data []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(data, &e)
	return e, err
}

// Bus fans security events out to subscribers.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context) (<-chan Event, error)
	Unsubscribe(ctx context.Context, ch <-chan Event) error
}

// Metrics reports bus delivery counts.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local Bus implementation, used in tests and
// single-process deployments.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      []chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, e Event) error {
	b.mu.Lock()
	chans := append([]chan Event(nil), b.subs...)
	b.mu.Unlock()
	b.published.Add(1)
	for _, ch := range chans {
		select {
		case ch <- e:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			break
		}
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
