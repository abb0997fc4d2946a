package pubsub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	b, err := New(context.Background(), Config{ProjectID: "test-project", MaxDeliveries: 3},
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestEnsureTopologyIsIdempotent(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	require.NoError(t, b.EnsureTopology(ctx, "raw-articles"))
	require.NoError(t, b.EnsureTopology(ctx, "raw-articles"))
}

func TestPublishAndSubscribe(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.EnsureTopology(ctx, "raw-articles"))

	got := make(chan news.Message, 1)
	go func() {
		_ = b.Subscribe(ctx, "raw-articles", func(_ context.Context, msg news.Message) error {
			got <- msg
			return nil
		})
	}()

	id, err := b.Publish(ctx, "raw-articles", news.FetchedEvent{URL: "https://example.com/a", StorageKey: "raw/a.html"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	select {
	case msg := <-got:
		var evt news.FetchedEvent
		require.NoError(t, msg.Decode(&evt))
		require.Equal(t, "raw/a.html", evt.StorageKey)
		require.Equal(t, "raw-articles", msg.Topic)
		require.Equal(t, id, msg.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestHandlerErrorNacksForRedelivery(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.EnsureTopology(ctx, "t"))

	var calls atomic.Int32
	acked := make(chan struct{})
	go func() {
		_ = b.Subscribe(ctx, "t", func(context.Context, news.Message) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			close(acked)
			return nil
		})
	}()

	_, err := b.Publish(ctx, "t", "payload")
	require.NoError(t, err)

	select {
	case <-acked:
		require.GreaterOrEqual(t, calls.Load(), int32(2))
	case <-time.After(10 * time.Second):
		t.Fatal("message was not redelivered")
	}
}

func TestDeliveryAttemptsRiseUntilDeadLettered(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.EnsureTopology(ctx, "parsed-articles"))

	var mu sync.Mutex
	var attempts []int
	go func() {
		_ = b.Subscribe(ctx, "parsed-articles", func(_ context.Context, msg news.Message) error {
			mu.Lock()
			attempts = append(attempts, msg.Attempt)
			mu.Unlock()
			return errors.New("cluster store down")
		})
	}()

	dead := make(chan news.Message, 1)
	go func() {
		_ = b.Subscribe(ctx, "parsed-articles"+dlqSuffix, func(_ context.Context, msg news.Message) error {
			dead <- msg
			return nil
		})
	}()

	_, err := b.Publish(ctx, "parsed-articles", news.ParsedArticle{OriginalURL: "https://example.com/a", Title: "A"})
	require.NoError(t, err)

	select {
	case msg := <-dead:
		var evt news.ParsedArticle
		require.NoError(t, msg.Decode(&evt))
		require.Equal(t, "https://example.com/a", evt.OriginalURL)
	case <-time.After(20 * time.Second):
		t.Fatal("message was not dead lettered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(attempts), 3)
	require.Equal(t, []int{1, 2, 3}, attempts[:3])
}

func TestPolicyAttempts(t *testing.T) {
	require.Equal(t, int32(5), policyAttempts(3))
	require.Equal(t, int32(7), policyAttempts(7))
	require.Equal(t, int32(100), policyAttempts(500))
}

func TestSubscribeReturnsOnCancel(t *testing.T) {
	b := newTestBus(t)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.EnsureTopology(ctx, "t"))

	errCh := make(chan error, 1)
	go func() { errCh <- b.Subscribe(ctx, "t", nil) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not return")
	}
}

func TestCarrier(t *testing.T) {
	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "abc")
	require.Equal(t, "abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
