package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// FeedStore lists registered feeds for discovery.
type FeedStore struct {
	db DB
}

// NewFeedStore builds a store over db.
func NewFeedStore(db DB) (*FeedStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &FeedStore{db: db}, nil
}

// ActiveFeeds returns every active feed, least recently polled first.
func (s *FeedStore) ActiveFeeds(ctx context.Context) ([]news.Feed, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, source_id, url
FROM feeds
WHERE active
ORDER BY last_polled_at ASC NULLS FIRST, id`)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []news.Feed
	for rows.Next() {
		var (
			f        news.Feed
			sourceID *string
		)
		if err := rows.Scan(&f.ID, &sourceID, &f.URL); err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		f.SourceID = deref(sourceID)
		feeds = append(feeds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feeds: %w", err)
	}
	return feeds, nil
}

// MarkPolled records when a feed was last read.
func (s *FeedStore) MarkPolled(ctx context.Context, feedID string, at time.Time) error {
	if _, err := s.db.Exec(ctx, `UPDATE feeds SET last_polled_at = $2 WHERE id = $1`, feedID, at); err != nil {
		return fmt.Errorf("mark feed polled: %w", err)
	}
	return nil
}
