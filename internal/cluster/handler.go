package cluster

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// Handle consumes one parsed-article message. Malformed payloads are dropped;
// storage failures are returned so the bus redelivers the message.
func (e *Engine) Handle(ctx context.Context, msg news.Message) error {
	var parsed news.ParsedArticle
	if err := msg.Decode(&parsed); err != nil {
		e.logger.Warn("dropping undecodable parsed article", zap.String("id", msg.ID), zap.Error(err))
		return nil
	}

	_, err := e.Ingest(ctx, parsed)
	if errors.Is(err, news.ErrInvalidURL) || errors.Is(err, news.ErrEmptyTitle) {
		e.logger.Warn("dropping invalid parsed article", zap.String("url", parsed.OriginalURL), zap.Error(err))
		return nil
	}
	return err
}
