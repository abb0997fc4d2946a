package extract

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
	"github.com/JakeFAU/realtime-news-indexer/internal/telemetry"
)

// Reasons recorded on queue items rejected by extraction.
const (
	ReasonEmptyTitle     = "empty title after parsing"
	ReasonMissingContent = "raw content missing"
)

// Stage consumes fetched events and publishes parsed articles.
type Stage struct {
	blobs     news.BlobStore
	queue     news.Queue
	publisher news.Publisher
	parser    *Parser
	topic     string
	logger    *zap.Logger
}

// NewStage wires the extraction stage. topic is where parsed articles go.
func NewStage(
	blobs news.BlobStore,
	queue news.Queue,
	publisher news.Publisher,
	parser *Parser,
	topic string,
	logger *zap.Logger,
) (*Stage, error) {
	if blobs == nil || publisher == nil {
		return nil, errors.New("extract stage requires a blob store and publisher")
	}
	if topic == "" {
		return nil, errors.New("extract stage requires an output topic")
	}
	if parser == nil {
		parser = NewParser(DefaultExcerptLength)
	}
	return &Stage{
		blobs:     blobs,
		queue:     queue,
		publisher: publisher,
		parser:    parser,
		topic:     topic,
		logger:    logging.OrNop(logger).Named("extract"),
	}, nil
}

// Handle processes one fetched event. Content failures are reported on the
// queue item and acknowledged; storage and publish failures are returned so
// the bus redelivers.
func (s *Stage) Handle(ctx context.Context, msg news.Message) error {
	ctx, span := telemetry.Tracer("extract").Start(ctx, "extract.Handle",
		trace.WithAttributes(attribute.String("message.id", msg.ID)))
	defer span.End()

	var evt news.FetchedEvent
	if err := msg.Decode(&evt); err != nil {
		s.logger.Warn("dropping undecodable fetched event", zap.String("id", msg.ID), zap.Error(err))
		metrics.ObserveExtract("invalid")
		return nil
	}
	logger := s.logger.With(zap.String("url", evt.URL), zap.String("storage_key", evt.StorageKey))

	raw, err := s.blobs.GetObject(ctx, evt.StorageKey)
	if err != nil {
		if errors.Is(err, news.ErrNotFound) {
			s.reject(ctx, logger, evt.URL, ReasonMissingContent)
			return nil
		}
		metrics.ObserveExtract("error")
		return fmt.Errorf("get object %s: %w", evt.StorageKey, err)
	}

	doc, err := s.parser.Parse(raw, evt.URL)
	if err != nil {
		reason := err.Error()
		if errors.Is(err, news.ErrEmptyTitle) {
			reason = ReasonEmptyTitle
		}
		s.reject(ctx, logger, evt.URL, reason)
		return nil
	}

	parsed := news.ParsedArticle{
		OriginalURL:     evt.URL,
		Title:           doc.Title,
		Excerpt:         doc.Excerpt,
		Author:          doc.Byline,
		PublishedTime:   evt.PublishedAt,
		CanonicalURL:    doc.CanonicalURL,
		ImageCandidates: doc.Images,
		SourceID:        evt.SourceID,
	}
	if parsed.PublishedTime == nil {
		parsed.PublishedTime = doc.PublishedTime
	}
	if parsed.ImageCandidates == nil {
		parsed.ImageCandidates = []news.ImageCandidate{}
	}

	if _, err := s.publisher.Publish(ctx, s.topic, parsed); err != nil {
		metrics.ObserveExtract("error")
		return fmt.Errorf("publish parsed article: %w", err)
	}
	metrics.ObserveExtract("parsed")
	logger.Debug("parsed article", zap.String("title", doc.Title), zap.Int("images", len(doc.Images)))
	return nil
}

func (s *Stage) reject(ctx context.Context, logger *zap.Logger, url, reason string) {
	metrics.ObserveExtract("rejected")
	logger.Error("extraction failed", zap.String("reason", reason))
	if s.queue == nil {
		return
	}
	if err := s.queue.MarkRejected(ctx, url, reason); err != nil && !errors.Is(err, news.ErrNotFound) {
		logger.Error("mark rejected", zap.Error(err))
	}
}
