package redis

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

func newTestBus(t *testing.T, maxDeliveries int) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b, err := New(context.Background(), Config{
		URL:           "redis://" + mr.Addr(),
		Group:         "test",
		Consumer:      "c1",
		Block:         20 * time.Millisecond,
		MaxDeliveries: maxDeliveries,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestNewFailsWhenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Config{URL: "redis://" + addr})
	require.Error(t, err)
}

func TestPublishAppendsToStream(t *testing.T) {
	b, _ := newTestBus(t, 3)
	ctx := context.Background()

	id, err := b.Publish(ctx, "raw-articles", news.FetchedEvent{URL: "https://example.com/a", StorageKey: "raw/a.html"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := b.client.XRange(ctx, "raw-articles", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "1", entries[0].Values[fieldAttempt])
	require.Contains(t, entries[0].Values[fieldPayload], `"storage_key":"raw/a.html"`)
}

func TestSubscribeDeliversAndAcks(t *testing.T) {
	b, _ := newTestBus(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := b.Publish(ctx, "t", news.NewURLEvent{URL: "https://example.com/x"})
	require.NoError(t, err)

	got := make(chan news.NewURLEvent, 1)
	go func() {
		_ = b.Subscribe(ctx, "t", func(_ context.Context, msg news.Message) error {
			var evt news.NewURLEvent
			if err := msg.Decode(&evt); err != nil {
				return err
			}
			got <- evt
			return nil
		})
	}()

	select {
	case evt := <-got:
		require.Equal(t, "https://example.com/x", evt.URL)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}

	require.Eventually(t, func() bool {
		n, err := b.client.XLen(context.Background(), "t").Result()
		return err == nil && n == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFailingHandlerRequeuesThenDeadLetters(t *testing.T) {
	b, _ := newTestBus(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var attempts atomic.Int32
	go func() {
		_ = b.Subscribe(ctx, "t", func(_ context.Context, msg news.Message) error {
			attempts.Store(int32(msg.Attempt))
			return errors.New("boom")
		})
	}()

	_, err := b.Publish(ctx, "t", "payload")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := b.client.XLen(context.Background(), "t"+dlqSuffix).Result()
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, int32(2), attempts.Load())

	dead, err := b.client.XRange(context.Background(), "t"+dlqSuffix, "-", "+").Result()
	require.NoError(t, err)
	require.Equal(t, "boom", dead[0].Values["error"])
	require.Equal(t, "2", dead[0].Values[fieldAttempt])
}

func TestMalformedEntryGoesToDeadLetter(t *testing.T) {
	b, _ := newTestBus(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: "t",
		Values: map[string]any{fieldAttempt: "1"},
	}).Err())

	var called atomic.Bool
	go func() {
		_ = b.Subscribe(ctx, "t", func(context.Context, news.Message) error {
			called.Store(true)
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		n, err := b.client.XLen(context.Background(), "t"+dlqSuffix).Result()
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.False(t, called.Load())
}

func TestSubscribeClaimsEntriesLeftByDeadConsumer(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := New(ctx, Config{
		URL:           "redis://" + mr.Addr(),
		Group:         "test",
		Consumer:      "restarted",
		Block:         20 * time.Millisecond,
		ClaimIdle:     50 * time.Millisecond,
		MaxDeliveries: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.ensureGroup(ctx, "raw-articles"))
	_, err = b.Publish(ctx, "raw-articles", news.FetchedEvent{URL: "https://example.com/lost", StorageKey: "raw/lost.html"})
	require.NoError(t, err)

	// A consumer reads the entry and dies before acknowledging it.
	read, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "test",
		Consumer: "crashed",
		Streams:  []string{"raw-articles", ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	require.Len(t, read[0].Messages, 1)

	got := make(chan news.FetchedEvent, 1)
	go func() {
		_ = b.Subscribe(ctx, "raw-articles", func(_ context.Context, msg news.Message) error {
			var evt news.FetchedEvent
			if err := msg.Decode(&evt); err != nil {
				return err
			}
			got <- evt
			return nil
		})
	}()

	select {
	case evt := <-got:
		require.Equal(t, "https://example.com/lost", evt.URL)
	case <-time.After(3 * time.Second):
		t.Fatal("pending entry was never redelivered")
	}

	require.Eventually(t, func() bool {
		pending, err := b.client.XPending(context.Background(), "raw-articles", "test").Result()
		return err == nil && pending.Count == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSubscribeStopsOnCancel(t *testing.T) {
	b, _ := newTestBus(t, 3)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- b.Subscribe(ctx, "t", nil) }()
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe did not return")
	}
}

func TestParseEntry(t *testing.T) {
	msg, trace, err := parseEntry("t", redis.XMessage{
		ID:     "1-0",
		Values: map[string]any{fieldPayload: `{"a":1}`, fieldAttempt: "4", fieldTrace: `{"traceparent":"x"}`},
	})
	require.NoError(t, err)
	require.Equal(t, 4, msg.Attempt)
	require.Equal(t, `{"a":1}`, string(msg.Data))
	require.Equal(t, "x", decodeTrace(trace).Get("traceparent"))

	_, _, err = parseEntry("t", redis.XMessage{ID: "1-1", Values: map[string]any{fieldPayload: "{}", fieldAttempt: "nope"}})
	require.Error(t, err)
}
