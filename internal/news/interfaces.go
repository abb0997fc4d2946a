package news

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Queue is the durable work queue with lease-based ownership.
type Queue interface {
	// Enqueue inserts a pending item unless the URL already exists.
	// created is false when the URL was already queued.
	Enqueue(ctx context.Context, req EnqueueRequest) (item QueueItem, created bool, err error)
	// LeaseBatch atomically claims up to limit eligible items for owner.
	LeaseBatch(ctx context.Context, limit int, owner string) ([]QueueItem, error)
	// MarkDone and MarkFailed settle an item still leased by owner. They
	// return ErrLeaseLost when the item has moved on since the lease.
	MarkDone(ctx context.Context, id, owner string) error
	MarkFailed(ctx context.Context, id, owner string, errText string, retryDelay time.Duration) error
	// MarkRejected parks the item for url as failed without a retry time.
	MarkRejected(ctx context.Context, url string, reason string) error
	Retry(ctx context.Context, id string) error
	// ReclaimExpired returns processing items leased longer than timeout to pending.
	ReclaimExpired(ctx context.Context, timeout time.Duration) (int, error)
	List(ctx context.Context, filter QueueFilter) ([]QueueItem, error)
	Get(ctx context.Context, id string) (QueueItem, error)
}

// BlobStore writes and reads raw artifacts.
type BlobStore interface {
	PutObject(ctx context.Context, key string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Publisher pushes stage events to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Message is one delivery of a published event.
type Message struct {
	ID      string
	Topic   string
	Data    []byte
	Attempt int
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Topic, err)
	}
	return nil
}

// Handler processes a message. A nil return acknowledges it; an error
// asks the bus to deliver it again.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers topic messages at least once. Subscribe blocks until
// ctx ends or the subscription fails.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// Bus is a Publisher and Subscriber that owns network resources.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Embedder turns text into a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Limiter paces outbound requests per domain.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// RetryPolicy chooses how long a failed item waits before it is leasable again.
type RetryPolicy interface {
	Delay(attempts int) time.Duration
}

// Hasher computes digests for content addressing.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces UUIDs.
type IDGenerator interface {
	NewID() (string, error)
}
