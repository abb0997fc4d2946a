package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

func TestPublishRecordsMessages(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	id, err := b.Publish(context.Background(), "raw-articles", news.FetchedEvent{URL: "https://example.com/a", StorageKey: "raw/x.html"})
	require.NoError(t, err)
	require.Equal(t, "1", id)

	msgs := b.Published("raw-articles")
	require.Len(t, msgs, 1)
	require.Equal(t, 1, msgs[0].Attempt)

	var evt news.FetchedEvent
	require.NoError(t, msgs[0].Decode(&evt))
	require.Equal(t, "raw/x.html", evt.StorageKey)
	require.Empty(t, b.Published("parsed-articles"))
	require.Equal(t, 1, b.Pending("raw-articles"))
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, "t", map[string]int{"n": i})
		require.NoError(t, err)
	}

	got := make(chan int, 3)
	go func() {
		_ = b.Subscribe(ctx, "t", func(_ context.Context, msg news.Message) error {
			var body map[string]int
			if err := msg.Decode(&body); err != nil {
				return err
			}
			got <- body["n"]
			return nil
		})
	}()

	for want := 0; want < 3; want++ {
		select {
		case n := <-got:
			require.Equal(t, want, n)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}
	require.Eventually(t, func() bool { return b.Pending("t") == 0 }, time.Second, 10*time.Millisecond)
}

func TestFailedMessagesAreRedeliveredThenDeadLettered(t *testing.T) {
	t.Parallel()

	b := New(Options{MaxDeliveries: 3})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	var lastAttempt atomic.Int32
	go func() {
		_ = b.Subscribe(ctx, "t", func(_ context.Context, msg news.Message) error {
			calls.Add(1)
			lastAttempt.Store(int32(msg.Attempt))
			return errors.New("boom")
		})
	}()

	_, err := b.Publish(ctx, "t", "payload")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(b.DeadLetters()) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, int32(3), lastAttempt.Load())
	require.Equal(t, 3, b.DeadLetters()[0].Attempt)
}

func TestRecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	acked := make(chan int, 1)
	go func() {
		_ = b.Subscribe(ctx, "t", func(_ context.Context, msg news.Message) error {
			if msg.Attempt == 1 {
				return errors.New("transient")
			}
			acked <- msg.Attempt
			return nil
		})
	}()

	_, err := b.Publish(ctx, "t", "payload")
	require.NoError(t, err)

	select {
	case attempt := <-acked:
		require.Equal(t, 2, attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not redelivered")
	}
	require.Empty(t, b.DeadLetters())
}

func TestCompetingSubscribersShareTopic(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	handler := func(context.Context, news.Message) error {
		handled.Add(1)
		return nil
	}
	for i := 0; i < 4; i++ {
		go func() { _ = b.Subscribe(ctx, "t", handler) }()
	}

	for i := 0; i < 100; i++ {
		_, err := b.Publish(ctx, "t", i)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return handled.Load() == 100 }, 2*time.Second, 10*time.Millisecond)
}

func TestCloseStopsSubscribersAndPublishes(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Subscribe(context.Background(), "t", nil)
	}()

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, news.ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}

	_, err := b.Publish(context.Background(), "t", "late")
	require.ErrorIs(t, err, news.ErrQueueClosed)
	require.ErrorIs(t, b.Subscribe(context.Background(), "t", nil), news.ErrQueueClosed)
}

func TestSubscribeReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	b := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Subscribe(ctx, "t", nil) }()
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber ignored cancellation")
	}
}
