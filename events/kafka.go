package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// Topic is the Kafka topic security events travel on.
const Topic = "gatekeep-security"

// KafkaBus implements Bus over a Kafka topic.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu        sync.Mutex
	pc        sarama.PartitionConsumer
	subs      []chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus creates a KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{producer: producer, consumer: consumer}, nil
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, e Event) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: Topic,
		Key:   sarama.StringEncoder(e.Account),
		Value: sarama.ByteEncoder(data),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.pc == nil {
		pc, err := b.consumer.ConsumePartition(Topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.pc = pc
		go b.dispatch(pc)
	}
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	for msg := range pc.Messages() {
		e, err := Decode(msg.Value)
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

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, ch <-chan Event) error {
	b.mu.Lock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			break
		}
	}
	if len(b.subs) > 0 || b.pc == nil {
		b.mu.Unlock()
		return nil
	}
	pc := b.pc
	b.pc = nil
	b.mu.Unlock()
	return pc.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}

// Close releases the producer and consumer.
func (b *KafkaBus) Close() {
	_ = b.producer.Close()
	_ = b.consumer.Close()
}
