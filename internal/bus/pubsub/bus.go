// Package pubsub implements the event bus on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/fieldmaskpb"

	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// Pub/Sub accepts dead letter policies with 5 to 100 delivery attempts.
const (
	minPolicyAttempts = 5
	maxPolicyAttempts = 100
	dlqSuffix         = "-dlq"
)

// Config configures the Pub/Sub bus. Each topic is read through the
// subscription named topic+SubscriptionSuffix.
type Config struct {
	ProjectID          string
	SubscriptionSuffix string
	MaxDeliveries      int
	Logger             *zap.Logger
}

// Bus wraps a Pub/Sub client with one cached publisher per topic.
type Bus struct {
	client        *pubsub.Client
	projectID     string
	suffix        string
	maxDeliveries int
	logger        *zap.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

var _ news.Bus = (*Bus)(nil)

// New creates a client for cfg.ProjectID using Application Default Credentials
// unless opts say otherwise.
func New(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Bus, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing client. Close closes it.
func NewWithClient(client *pubsub.Client, cfg Config) *Bus {
	if cfg.SubscriptionSuffix == "" {
		cfg.SubscriptionSuffix = "-sub"
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	return &Bus{
		client:        client,
		projectID:     cfg.ProjectID,
		suffix:        cfg.SubscriptionSuffix,
		maxDeliveries: cfg.MaxDeliveries,
		logger:        logging.OrNop(cfg.Logger),
		publishers:    make(map[string]*pubsub.Publisher),
	}
}

// EnsureTopology creates any missing topic, its "<topic>-dlq" dead letter
// topic and a subscription for each. Topic subscriptions carry a dead letter
// policy so Pub/Sub reports delivery attempts; an existing subscription
// without one is updated.
func (b *Bus) EnsureTopology(ctx context.Context, topics ...string) error {
	for _, topic := range topics {
		dlq := topic + dlqSuffix
		for _, name := range []string{topic, dlq} {
			if err := b.createTopic(ctx, name); err != nil {
				return err
			}
		}
		if err := b.createSubscription(ctx, dlq, nil); err != nil {
			return err
		}
		policy := &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     b.topicName(dlq),
			MaxDeliveryAttempts: policyAttempts(b.maxDeliveries),
		}
		if err := b.createSubscription(ctx, topic, policy); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) createTopic(ctx context.Context, topic string) error {
	_, err := b.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: b.topicName(topic)})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	return nil
}

func (b *Bus) createSubscription(ctx context.Context, topic string, policy *pubsubpb.DeadLetterPolicy) error {
	sub := &pubsubpb.Subscription{
		Name:             b.subscriptionName(topic),
		Topic:            b.topicName(topic),
		DeadLetterPolicy: policy,
	}
	_, err := b.client.SubscriptionAdminClient.CreateSubscription(ctx, sub)
	if err == nil {
		return nil
	}
	if status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create subscription for %s: %w", topic, err)
	}
	if policy == nil {
		return nil
	}

	existing, err := b.client.SubscriptionAdminClient.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{
		Subscription: sub.Name,
	})
	if err != nil {
		return fmt.Errorf("get subscription for %s: %w", topic, err)
	}
	if existing.GetDeadLetterPolicy() != nil {
		return nil
	}
	_, err = b.client.SubscriptionAdminClient.UpdateSubscription(ctx, &pubsubpb.UpdateSubscriptionRequest{
		Subscription: sub,
		UpdateMask:   &fieldmaskpb.FieldMask{Paths: []string{"dead_letter_policy"}},
	})
	if err != nil {
		return fmt.Errorf("set dead letter policy for %s: %w", topic, err)
	}
	return nil
}

func policyAttempts(n int) int32 {
	switch {
	case n < minPolicyAttempts:
		return minPolicyAttempts
	case n > maxPolicyAttempts:
		return maxPolicyAttempts
	default:
		return int32(n)
	}
}

// Publish marshals the payload to JSON and publishes it to the topic.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data}
	msg.Attributes = make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	result := b.publisher(topic).Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	metrics.ObserveBusMessage(topic, "published")
	return id, nil
}

// Subscribe receives from the topic's subscription until ctx ends. Handler
// errors nack the message so Pub/Sub redelivers it. Once the subscription
// reports MaxDeliveries attempts the message is republished to
// "<topic>-dlq" and acked.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler news.Handler) error {
	sub := b.client.Subscriber(b.subscriptionName(topic))
	err := sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		ctx = otel.GetTextMapPropagator().Extract(ctx, &pubsubCarrier{attrs: m.Attributes})

		attempt := 1
		if m.DeliveryAttempt != nil {
			attempt = *m.DeliveryAttempt
		}
		msg := news.Message{ID: m.ID, Topic: topic, Data: m.Data, Attempt: attempt}

		var handleErr error
		if handler != nil {
			handleErr = handler(ctx, msg)
		}
		switch {
		case handleErr == nil:
			metrics.ObserveBusMessage(topic, "acked")
			m.Ack()
		case attempt >= b.maxDeliveries:
			if err := b.deadLetter(ctx, topic, m, attempt, handleErr); err != nil {
				b.logger.Error("send to dlq failed", zap.String("topic", topic), zap.String("id", m.ID), zap.Error(err))
				metrics.ObserveBusMessage(topic, "nacked")
				m.Nack()
				return
			}
			m.Ack()
		default:
			metrics.ObserveBusMessage(topic, "nacked")
			m.Nack()
		}
	})
	if err != nil {
		return fmt.Errorf("receive %s: %w", topic, err)
	}
	return ctx.Err()
}

func (b *Bus) deadLetter(ctx context.Context, topic string, m *pubsub.Message, attempt int, cause error) error {
	metrics.ObserveBusMessage(topic, "dead_lettered")
	b.logger.Warn("moving message to dead letter topic",
		zap.String("topic", topic),
		zap.String("id", m.ID),
		zap.Int("attempt", attempt),
		zap.Error(cause),
	)
	attrs := make(map[string]string, len(m.Attributes)+3)
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	attrs["source_id"] = m.ID
	attrs["attempt"] = strconv.Itoa(attempt)
	attrs["error"] = news.TruncateError(cause.Error())

	result := b.publisher(topic+dlqSuffix).Publish(ctx, &pubsub.Message{Data: m.Data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

// Close flushes publishers and closes the client.
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, p := range b.publishers {
		p.Stop()
	}
	b.publishers = map[string]*pubsub.Publisher{}
	b.mu.Unlock()

	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

func (b *Bus) publisher(topic string) *pubsub.Publisher {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.publishers[topic]
	if !ok {
		p = b.client.Publisher(b.topicName(topic))
		b.publishers[topic] = p
	}
	return p
}

func (b *Bus) topicName(topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s", b.projectID, topic)
}

func (b *Bus) subscriptionName(topic string) string {
	return fmt.Sprintf("projects/%s/subscriptions/%s%s", b.projectID, topic, b.suffix)
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
