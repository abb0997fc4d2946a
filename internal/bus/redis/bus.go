// Package redis implements the event bus on Redis Streams consumer groups.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

const (
	fieldPayload = "payload"
	fieldAttempt = "attempt"
	fieldTrace   = "trace"
	dlqSuffix    = ":dlq"
	readCount    = 10
)

// Config configures the Streams bus.
type Config struct {
	URL           string
	Group         string
	Consumer      string
	Block         time.Duration
	MaxDeliveries int
	// ClaimIdle is how long an entry may sit unacknowledged in another
	// consumer's pending list before this consumer claims it.
	ClaimIdle time.Duration
	Logger    *zap.Logger
}

// Bus publishes with XADD and consumes with XREADGROUP. Every topic is its
// own stream; exhausted messages move to "<topic>:dlq".
type Bus struct {
	client        *redis.Client
	ownsClient    bool
	group         string
	consumer      string
	block         time.Duration
	maxDeliveries int
	claimIdle     time.Duration
	logger        *zap.Logger
}

var _ news.Bus = (*Bus)(nil)

// New dials Redis from cfg.URL and verifies the connection.
func New(ctx context.Context, cfg Config) (*Bus, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	b := NewWithClient(client, cfg)
	b.ownsClient = true
	return b, nil
}

// NewWithClient wraps an existing client. Close leaves the client open.
func NewWithClient(client *redis.Client, cfg Config) *Bus {
	if cfg.Group == "" {
		cfg.Group = "newsindex"
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = time.Minute
	}
	return &Bus{
		client:        client,
		group:         cfg.Group,
		consumer:      cfg.Consumer,
		block:         cfg.Block,
		maxDeliveries: cfg.MaxDeliveries,
		claimIdle:     cfg.ClaimIdle,
		logger:        logging.OrNop(cfg.Logger),
	}
}

// Publish appends payload to the topic stream and returns the entry ID.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := b.add(ctx, topic, data, 1, traceHeaders(ctx))
	if err != nil {
		return "", err
	}
	metrics.ObserveBusMessage(topic, "published")
	return id, nil
}

func (b *Bus) add(ctx context.Context, stream string, data []byte, attempt int, trace string) (string, error) {
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{
			fieldPayload: string(data),
			fieldAttempt: attempt,
			fieldTrace:   trace,
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// Subscribe reads the topic through the consumer group until ctx ends.
// Entries a dead consumer read but never acknowledged are claimed with
// XAUTOCLAIM once they have been idle for ClaimIdle, at startup and then
// at most once per ClaimIdle.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler news.Handler) error {
	if err := b.ensureGroup(ctx, topic); err != nil {
		return err
	}

	var lastClaim time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(lastClaim) >= b.claimIdle {
			if err := b.claimStale(ctx, topic, handler); err != nil {
				return b.readError(ctx, err)
			}
			lastClaim = time.Now()
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{topic, ">"},
			Count:    readCount,
			Block:    b.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return b.readError(ctx, fmt.Errorf("xreadgroup %s: %w", topic, err))
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				b.handle(ctx, topic, item, handler)
			}
		}
	}
}

// claimStale takes over pending entries idle for at least claimIdle and runs
// them through the handler like fresh deliveries.
func (b *Bus) claimStale(ctx context.Context, topic string, handler news.Handler) error {
	start := "0-0"
	for {
		items, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    b.group,
			Consumer: b.consumer,
			MinIdle:  b.claimIdle,
			Start:    start,
			Count:    readCount,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("xautoclaim %s: %w", topic, err)
		}
		for _, item := range items {
			if len(item.Values) == 0 {
				// Trimmed from the stream after it was read.
				b.ackAndDelete(ctx, topic, item.ID)
				continue
			}
			metrics.ObserveBusMessage(topic, "reclaimed")
			b.logger.Info("claimed stale stream entry", zap.String("topic", topic), zap.String("id", item.ID))
			b.handle(ctx, topic, item, handler)
		}
		if next == "" || next == "0-0" || next == start {
			return nil
		}
		start = next
	}
}

func (b *Bus) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, redis.ErrClosed) {
		return news.ErrQueueClosed
	}
	return err
}

func (b *Bus) handle(ctx context.Context, topic string, item redis.XMessage, handler news.Handler) {
	msg, trace, err := parseEntry(topic, item)
	if err != nil {
		b.deadLetter(ctx, topic, item.ID, msg, trace, err)
		b.ackAndDelete(ctx, topic, item.ID)
		return
	}

	if handler != nil {
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, decodeTrace(trace))
		err = handler(msgCtx, msg)
	}
	if err == nil {
		metrics.ObserveBusMessage(topic, "acked")
		b.ackAndDelete(ctx, topic, item.ID)
		return
	}

	if msg.Attempt >= b.maxDeliveries {
		b.deadLetter(ctx, topic, item.ID, msg, trace, err)
		b.ackAndDelete(ctx, topic, item.ID)
		return
	}
	if _, requeueErr := b.add(ctx, topic, msg.Data, msg.Attempt+1, trace); requeueErr != nil {
		b.deadLetter(ctx, topic, item.ID, msg, trace, fmt.Errorf("requeue failed: %w", requeueErr))
	} else {
		metrics.ObserveBusMessage(topic, "nacked")
	}
	b.ackAndDelete(ctx, topic, item.ID)
}

func (b *Bus) ensureGroup(ctx context.Context, topic string) error {
	err := b.client.XGroupCreateMkStream(ctx, topic, b.group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group %s: %w", topic, err)
}

func (b *Bus) ackAndDelete(ctx context.Context, topic, streamID string) {
	if err := b.client.XAck(ctx, topic, b.group, streamID).Err(); err != nil {
		b.logger.Warn("xack failed", zap.String("topic", topic), zap.String("id", streamID), zap.Error(err))
		return
	}
	if err := b.client.XDel(ctx, topic, streamID).Err(); err != nil {
		b.logger.Warn("xdel failed", zap.String("topic", topic), zap.String("id", streamID), zap.Error(err))
	}
}

func (b *Bus) deadLetter(ctx context.Context, topic, streamID string, msg news.Message, trace string, cause error) {
	metrics.ObserveBusMessage(topic, "dead_lettered")
	b.logger.Warn("moving message to dead letter stream",
		zap.String("topic", topic),
		zap.String("id", streamID),
		zap.Int("attempt", msg.Attempt),
		zap.Error(cause),
	)
	_, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: topic + dlqSuffix,
		Values: map[string]any{
			"stream_id":  streamID,
			fieldPayload: string(msg.Data),
			fieldAttempt: msg.Attempt,
			fieldTrace:   trace,
			"error":      news.TruncateError(cause.Error()),
			"moved_at":   time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		b.logger.Error("send to dlq failed", zap.String("topic", topic), zap.Error(err))
	}
}

// Close releases the client when the bus created it.
func (b *Bus) Close() error {
	if !b.ownsClient {
		return nil
	}
	return b.client.Close()
}

func parseEntry(topic string, item redis.XMessage) (news.Message, string, error) {
	msg := news.Message{ID: item.ID, Topic: topic, Attempt: 1}
	trace := stringField(item.Values, fieldTrace)

	payload, ok := item.Values[fieldPayload]
	if !ok {
		return msg, trace, fmt.Errorf("missing field %s", fieldPayload)
	}
	msg.Data = []byte(fmt.Sprint(payload))

	if raw := stringField(item.Values, fieldAttempt); raw != "" {
		attempt, err := strconv.Atoi(raw)
		if err != nil {
			return msg, trace, fmt.Errorf("invalid attempt: %w", err)
		}
		msg.Attempt = attempt
	}
	return msg, trace, nil
}

func stringField(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

func traceHeaders(ctx context.Context) string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return ""
	}
	data, err := json.Marshal(carrier)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeTrace(raw string) propagation.MapCarrier {
	carrier := propagation.MapCarrier{}
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &carrier)
	}
	return carrier
}
