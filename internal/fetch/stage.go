// Package fetch implements the fetch stage: it leases queued URLs, downloads
// them, stores the raw bytes content-addressed and announces them downstream.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
	"github.com/JakeFAU/realtime-news-indexer/internal/telemetry"
)

const stageName = "fetch"

// Config controls Stage behavior.
type Config struct {
	BatchSize       int
	PollInterval    time.Duration
	LeaseTimeout    time.Duration
	ReclaimInterval time.Duration
	ContentType     string
	BlobPrefix      string
	Topic           string
}

// Deps are the ports the stage drives.
type Deps struct {
	Queue     news.Queue
	Blobs     news.BlobStore
	Publisher news.Publisher
	Fetcher   news.Fetcher
	Limiter   news.Limiter
	Retry     news.RetryPolicy
	Hasher    news.Hasher
	Clock     news.Clock
	IDs       news.IDGenerator
}

// Stage owns the fetch pipeline shared by every worker.
type Stage struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Stage.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Stage, error) {
	switch {
	case deps.Queue == nil:
		return nil, errors.New("fetch stage requires a queue")
	case deps.Blobs == nil:
		return nil, errors.New("fetch stage requires a blob store")
	case deps.Publisher == nil:
		return nil, errors.New("fetch stage requires a publisher")
	case deps.Fetcher == nil:
		return nil, errors.New("fetch stage requires a fetcher")
	case deps.Hasher == nil || deps.Clock == nil || deps.IDs == nil:
		return nil, errors.New("fetch stage requires hasher, clock and id generator")
	}
	if deps.Retry == nil {
		deps.Retry = news.NewFixedRetryPolicy(news.DefaultRetryDelay)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html"
	}
	if cfg.Topic == "" {
		return nil, errors.New("fetch stage requires an output topic")
	}
	return &Stage{
		deps:   deps,
		cfg:    cfg,
		logger: logging.OrNop(logger).Named(stageName),
	}, nil
}

// ProcessItem fetches one leased item and settles it in the queue. Errors are
// recorded on the item, never returned, so a bad URL cannot stop the batch.
func (s *Stage) ProcessItem(ctx context.Context, item news.QueueItem) {
	ctx, span := telemetry.Tracer(stageName).Start(ctx, "fetch.ProcessItem",
		trace.WithAttributes(attribute.String("queue.id", item.ID), attribute.String("article.url", item.URL)))
	defer span.End()
	logger := s.logger.With(zap.String("queue_id", item.ID), zap.String("url", item.URL))

	evt, err := s.fetchAndStore(ctx, item.URL, item.SourceID, item.PublishedAt)
	if err != nil {
		delay := s.deps.Retry.Delay(item.Attempts)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("fetch failed",
			zap.Int("attempts", item.Attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		s.settle(logger, "mark failed", s.deps.Queue.MarkFailed(ctx, item.ID, item.LeaseOwner, err.Error(), delay))
		return
	}

	if err := s.deps.Queue.MarkDone(ctx, item.ID, item.LeaseOwner); err != nil {
		s.settle(logger, "mark done", err)
		return
	}
	logger.Debug("fetched", zap.String("storage_key", evt.StorageKey))
}

// settle logs a failed queue update. A lost lease means a downstream stage
// or the reclaimer already moved the item, so its state is left alone.
func (s *Stage) settle(logger *zap.Logger, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, news.ErrLeaseLost):
		logger.Info("lease lost before "+op+"; keeping current item state", zap.Error(err))
	default:
		logger.Error(op, zap.Error(err))
	}
}

// HandleNewURL processes a new-URL event without touching the queue. Errors
// are returned so the bus delivers the event again.
func (s *Stage) HandleNewURL(ctx context.Context, msg news.Message) error {
	ctx, span := telemetry.Tracer(stageName).Start(ctx, "fetch.HandleNewURL",
		trace.WithAttributes(attribute.String("message.id", msg.ID)))
	defer span.End()

	var evt news.NewURLEvent
	if err := msg.Decode(&evt); err != nil {
		s.logger.Warn("dropping undecodable new-url event", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}
	normalized, err := news.NormalizeURL(evt.URL)
	if err != nil {
		s.logger.Warn("dropping invalid url", zap.String("url", evt.URL), zap.Error(err))
		return nil
	}
	if _, err := s.fetchAndStore(ctx, normalized, evt.SourceID, evt.PublishedAt); err != nil {
		return fmt.Errorf("fetch %s: %w", normalized, err)
	}
	return nil
}

func (s *Stage) fetchAndStore(
	ctx context.Context,
	url string,
	sourceID string,
	publishedAt *time.Time,
) (news.FetchedEvent, error) {
	if s.deps.Limiter != nil {
		if err := s.deps.Limiter.Wait(ctx, url); err != nil {
			return news.FetchedEvent{}, err
		}
	}

	start := s.deps.Clock.Now()
	resp, err := s.deps.Fetcher.Fetch(ctx, news.FetchRequest{URL: url})
	if err != nil {
		metrics.ObserveFetch(url, fetchStatus(err), len(resp.Body), resp.Duration)
		return news.FetchedEvent{}, fmt.Errorf("fetch: %w", err)
	}
	metrics.ObserveFetch(url, "ok", len(resp.Body), resp.Duration)
	if resp.RobotsFallback != "" {
		s.logger.Warn("robots.txt assumed allow-all", zap.String("url", url), zap.String("reason", resp.RobotsFallback))
	}

	digest, err := s.deps.Hasher.Hash([]byte(url))
	if err != nil {
		return news.FetchedEvent{}, fmt.Errorf("hash url: %w", err)
	}
	key := s.buildBlobPath(digest)
	if _, err := s.deps.Blobs.PutObject(ctx, key, s.cfg.ContentType, resp.Body); err != nil {
		return news.FetchedEvent{}, fmt.Errorf("put object: %w", err)
	}

	evt := news.FetchedEvent{
		URL:         url,
		SourceID:    sourceID,
		StorageKey:  key,
		FetchedAt:   start.UTC(),
		PublishedAt: publishedAt,
	}
	if _, err := s.deps.Publisher.Publish(ctx, s.cfg.Topic, evt); err != nil {
		return news.FetchedEvent{}, fmt.Errorf("publish fetched event: %w", err)
	}
	return evt, nil
}

func (s *Stage) buildBlobPath(digest string) string {
	prefix := strings.Trim(s.cfg.BlobPrefix, "/")
	if prefix == "" {
		return digest + ".html"
	}
	return fmt.Sprintf("%s/%s.html", prefix, digest)
}

func fetchStatus(err error) string {
	switch {
	case errors.Is(err, news.ErrBadStatus):
		return "bad_status"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
