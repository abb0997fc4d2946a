package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	busmemory "github.com/JakeFAU/realtime-news-indexer/internal/bus/memory"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
	queuememory "github.com/JakeFAU/realtime-news-indexer/internal/queue/memory"
	storagememory "github.com/JakeFAU/realtime-news-indexer/internal/storage/memory"
)

const parsedTopic = "parsed-articles"

type stageHarness struct {
	stage *Stage
	blobs *storagememory.BlobStore
	queue *queuememory.Queue
	bus   *busmemory.Bus
}

func newStageHarness(t *testing.T) *stageHarness {
	t.Helper()
	h := &stageHarness{
		blobs: storagememory.NewBlobStore(),
		queue: queuememory.NewQueue(queuememory.Options{}),
		bus:   busmemory.New(busmemory.Options{}),
	}
	stage, err := NewStage(h.blobs, h.queue, h.bus, NewParser(120), parsedTopic, zap.NewNop())
	require.NoError(t, err)
	h.stage = stage
	return h
}

func fetchedMessage(t *testing.T, evt news.FetchedEvent) news.Message {
	t.Helper()
	b := busmemory.New(busmemory.Options{})
	_, err := b.Publish(context.Background(), "raw-articles", evt)
	require.NoError(t, err)
	return b.Published("raw-articles")[0]
}

func TestHandlePublishesParsedArticle(t *testing.T) {
	t.Parallel()

	h := newStageHarness(t)
	ctx := context.Background()
	_, err := h.blobs.PutObject(ctx, "raw/a.html", "text/html", []byte(articleHTML))
	require.NoError(t, err)

	feedTime := time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)
	err = h.stage.Handle(ctx, fetchedMessage(t, news.FetchedEvent{
		URL:         "https://www.example.com/news/council-budget",
		SourceID:    "src-1",
		StorageKey:  "raw/a.html",
		PublishedAt: &feedTime,
	}))
	require.NoError(t, err)

	msgs := h.bus.Published(parsedTopic)
	require.Len(t, msgs, 1)
	var parsed news.ParsedArticle
	require.NoError(t, msgs[0].Decode(&parsed))
	require.Equal(t, "City Council Approves Budget", parsed.Title)
	require.Equal(t, "https://www.example.com/news/council-budget", parsed.OriginalURL)
	require.Equal(t, "src-1", parsed.SourceID)
	require.NotNil(t, parsed.PublishedTime)
	require.True(t, feedTime.Equal(*parsed.PublishedTime), "feed time wins over page metadata")
	require.Len(t, parsed.ImageCandidates, 4)
	require.NotEmpty(t, parsed.Excerpt)
}

func TestHandleUsesPageTimeWhenEventHasNone(t *testing.T) {
	t.Parallel()

	h := newStageHarness(t)
	ctx := context.Background()
	_, err := h.blobs.PutObject(ctx, "raw/a.html", "text/html", []byte(articleHTML))
	require.NoError(t, err)

	require.NoError(t, h.stage.Handle(ctx, fetchedMessage(t, news.FetchedEvent{URL: "https://example.com/a", StorageKey: "raw/a.html"})))

	var parsed news.ParsedArticle
	require.NoError(t, h.bus.Published(parsedTopic)[0].Decode(&parsed))
	require.NotNil(t, parsed.PublishedTime)
	require.Equal(t, time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC), parsed.PublishedTime.UTC())
}

func TestHandleEmptyTitleRejectsQueueItem(t *testing.T) {
	t.Parallel()

	h := newStageHarness(t)
	ctx := context.Background()

	item, _, err := h.queue.Enqueue(ctx, news.EnqueueRequest{URL: "https://example.com/blank"})
	require.NoError(t, err)
	_, err = h.queue.LeaseBatch(ctx, 1, "w")
	require.NoError(t, err)
	require.NoError(t, h.queue.MarkDone(ctx, item.ID, "w"))

	_, err = h.blobs.PutObject(ctx, "raw/blank.html", "text/html", []byte(`<html><body><p>nothing</p></body></html>`))
	require.NoError(t, err)

	err = h.stage.Handle(ctx, fetchedMessage(t, news.FetchedEvent{URL: item.URL, StorageKey: "raw/blank.html"}))
	require.NoError(t, err, "content failures are acknowledged")
	require.Empty(t, h.bus.Published(parsedTopic))

	got, err := h.queue.Get(ctx, item.ID)
	require.NoError(t, err)
	require.Equal(t, news.QueueStatusFailed, got.Status)
	require.Equal(t, ReasonEmptyTitle, got.LastError)
	require.Nil(t, got.NextRetryAt)

	leased, err := h.queue.LeaseBatch(ctx, 10, "w")
	require.NoError(t, err)
	require.Empty(t, leased, "rejected items stay parked")
}

func TestHandleMissingBlobIsRejected(t *testing.T) {
	t.Parallel()

	h := newStageHarness(t)
	err := h.stage.Handle(context.Background(), fetchedMessage(t, news.FetchedEvent{URL: "https://example.com/gone", StorageKey: "raw/gone.html"}))
	require.NoError(t, err)
	require.Empty(t, h.bus.Published(parsedTopic))
}

func TestHandleStorageErrorIsReturned(t *testing.T) {
	t.Parallel()

	bus := busmemory.New(busmemory.Options{})
	stage, err := NewStage(failingBlobs{}, nil, bus, nil, parsedTopic, zap.NewNop())
	require.NoError(t, err)

	err = stage.Handle(context.Background(), fetchedMessage(t, news.FetchedEvent{URL: "https://example.com/a", StorageKey: "k"}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "bucket offline")
}

func TestHandleDropsUndecodableMessage(t *testing.T) {
	t.Parallel()

	h := newStageHarness(t)
	require.NoError(t, h.stage.Handle(context.Background(), news.Message{Topic: "raw-articles", Data: []byte("nope")}))
}

func TestNewStageValidates(t *testing.T) {
	t.Parallel()

	_, err := NewStage(nil, nil, nil, nil, parsedTopic, nil)
	require.Error(t, err)
	_, err = NewStage(storagememory.NewBlobStore(), nil, busmemory.New(busmemory.Options{}), nil, "", nil)
	require.Error(t, err)
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket offline")
}

func (failingBlobs) GetObject(context.Context, string) ([]byte, error) {
	return nil, errors.New("bucket offline")
}
