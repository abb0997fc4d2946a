// Package memory provides an in-process event bus for tests and single-binary runs.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// DefaultMaxDeliveries caps redelivery when Options leaves it unset.
const DefaultMaxDeliveries = 5

// Options configures a Bus.
type Options struct {
	MaxDeliveries int
	Logger        *zap.Logger
}

// Bus delivers each published message to exactly one subscriber of its
// topic. Failed messages are redelivered until MaxDeliveries is reached and
// then dropped to the dead-letter list.
type Bus struct {
	mu            sync.Mutex
	topics        map[string]*topicQueue
	published     []news.Message
	dead          []news.Message
	seq           int
	closed        bool
	done          chan struct{}
	maxDeliveries int
	logger        *zap.Logger
}

type topicQueue struct {
	pending []news.Message
	notify  chan struct{}
}

var _ news.Bus = (*Bus)(nil)

// New constructs an empty Bus.
func New(opts Options) *Bus {
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = DefaultMaxDeliveries
	}
	return &Bus{
		topics:        make(map[string]*topicQueue),
		done:          make(chan struct{}),
		maxDeliveries: opts.MaxDeliveries,
		logger:        logging.OrNop(opts.Logger),
	}
}

// Publish marshals payload to JSON and queues it on topic.
func (b *Bus) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", news.ErrQueueClosed
	}
	b.seq++
	msg := news.Message{
		ID:      strconv.Itoa(b.seq),
		Topic:   topic,
		Data:    data,
		Attempt: 1,
	}
	b.published = append(b.published, msg)
	b.enqueueLocked(msg)
	metrics.ObserveBusMessage(topic, "published")
	return msg.ID, nil
}

// Subscribe consumes topic until ctx ends or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler news.Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return news.ErrQueueClosed
	}
	q := b.topicLocked(topic)
	b.mu.Unlock()

	for {
		msg, ok := b.next(q)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.done:
				return news.ErrQueueClosed
			case <-q.notify:
				continue
			}
		}
		b.deliver(ctx, msg, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (b *Bus) deliver(ctx context.Context, msg news.Message, handler news.Handler) {
	var err error
	if handler != nil {
		err = handler(ctx, msg)
	}
	if err == nil {
		metrics.ObserveBusMessage(msg.Topic, "acked")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.Attempt >= b.maxDeliveries {
		b.dead = append(b.dead, msg)
		metrics.ObserveBusMessage(msg.Topic, "dead_lettered")
		b.logger.Warn("message exhausted deliveries",
			zap.String("topic", msg.Topic),
			zap.String("id", msg.ID),
			zap.Int("attempt", msg.Attempt),
			zap.Error(err),
		)
		return
	}
	if b.closed {
		return
	}
	msg.Attempt++
	b.enqueueLocked(msg)
	metrics.ObserveBusMessage(msg.Topic, "nacked")
}

func (b *Bus) next(q *topicQueue) (news.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(q.pending) == 0 {
		return news.Message{}, false
	}
	msg := q.pending[0]
	q.pending = q.pending[1:]
	if len(q.pending) > 0 {
		signal(q.notify)
	}
	return msg, true
}

func (b *Bus) enqueueLocked(msg news.Message) {
	q := b.topicLocked(msg.Topic)
	q.pending = append(q.pending, msg)
	signal(q.notify)
}

func (b *Bus) topicLocked(topic string) *topicQueue {
	q, ok := b.topics[topic]
	if !ok {
		q = &topicQueue{notify: make(chan struct{}, 1)}
		b.topics[topic] = q
	}
	return q
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Published returns every message published to topic, in order.
func (b *Bus) Published(topic string) []news.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []news.Message
	for _, msg := range b.published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

// DeadLetters returns messages dropped after exhausting their deliveries.
func (b *Bus) DeadLetters() []news.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]news.Message(nil), b.dead...)
}

// Pending reports undelivered messages on topic.
func (b *Bus) Pending(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.topics[topic]; ok {
		return len(q.pending)
	}
	return 0
}

// Close stops subscribers and rejects further publishes.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
