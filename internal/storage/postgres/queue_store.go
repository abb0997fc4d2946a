package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-news-indexer/internal/clock/system"
	"github.com/JakeFAU/realtime-news-indexer/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

var queueColumns = []string{
	"id", "url", "source_id", "feed_id", "published_at", "status", "attempts",
	"created_at", "leased_at", "lease_owner", "next_retry_at", "last_error", "processed_at",
}

const queueReturning = `id, url, source_id, feed_id, published_at, status, attempts,
	created_at, leased_at, lease_owner, next_retry_at, last_error, processed_at`

const enqueueSQL = `
INSERT INTO queue_items (id, url, source_id, feed_id, published_at, status, attempts, created_at)
VALUES ($1, $2, $3, $4, $5, 'pending', 0, $6)
ON CONFLICT (url) DO NOTHING
RETURNING ` + queueReturning

const selectByURLSQL = `SELECT ` + queueReturning + ` FROM queue_items WHERE url = $1`

const selectByIDSQL = `SELECT ` + queueReturning + ` FROM queue_items WHERE id = $1`

// leaseSQL claims rows in one statement; SKIP LOCKED keeps concurrent leasers
// from ever selecting the same row.
const leaseSQL = `
WITH next AS (
	SELECT id
	FROM queue_items
	WHERE ((status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= $1))
		OR (status = 'failed' AND next_retry_at IS NOT NULL AND next_retry_at <= $1))
	  AND ($2::int = 0 OR attempts < $2::int)
	ORDER BY created_at ASC
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE queue_items AS q
SET status = 'processing',
	attempts = q.attempts + 1,
	leased_at = $1,
	lease_owner = $4
FROM next
WHERE q.id = next.id
RETURNING q.id, q.url, q.source_id, q.feed_id, q.published_at, q.status, q.attempts,
	q.created_at, q.leased_at, q.lease_owner, q.next_retry_at, q.last_error, q.processed_at`

const markDoneSQL = `
UPDATE queue_items
SET status = 'done', processed_at = $3, leased_at = NULL, lease_owner = NULL, next_retry_at = NULL
WHERE id = $1 AND status = 'processing' AND lease_owner = $2`

const markFailedSQL = `
UPDATE queue_items
SET status = 'failed', last_error = $3, next_retry_at = $4, leased_at = NULL, lease_owner = NULL
WHERE id = $1 AND status = 'processing' AND lease_owner = $2`

const markRejectedSQL = `
UPDATE queue_items
SET status = 'failed', last_error = $2, next_retry_at = NULL, leased_at = NULL, lease_owner = NULL
WHERE url = $1`

const retrySQL = `
UPDATE queue_items
SET status = 'pending', next_retry_at = NULL, leased_at = NULL, lease_owner = NULL
WHERE id = $1`

const reclaimSQL = `
UPDATE queue_items
SET status = 'pending', leased_at = NULL, lease_owner = NULL, next_retry_at = NULL,
	last_error = 'lease expired'
WHERE status = 'processing' AND leased_at < $1`

// QueueStore implements news.Queue on the queue_items table.
type QueueStore struct {
	db          DB
	clock       news.Clock
	ids         news.IDGenerator
	maxAttempts int
}

// QueueOption customizes a QueueStore.
type QueueOption func(*QueueStore)

// WithQueueClock overrides the clock used for lease and retry timestamps.
func WithQueueClock(c news.Clock) QueueOption {
	return func(s *QueueStore) { s.clock = c }
}

// WithQueueIDs overrides the id generator.
func WithQueueIDs(g news.IDGenerator) QueueOption {
	return func(s *QueueStore) { s.ids = g }
}

// WithMaxAttempts caps how many times an item may be leased. Zero means unbounded.
func WithMaxAttempts(n int) QueueOption {
	return func(s *QueueStore) { s.maxAttempts = n }
}

// NewQueueStore builds a queue over db.
func NewQueueStore(db DB, opts ...QueueOption) (*QueueStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	s := &QueueStore{db: db, clock: system.New(), ids: uuid.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Enqueue inserts a pending item unless the normalized URL already exists.
func (s *QueueStore) Enqueue(ctx context.Context, req news.EnqueueRequest) (news.QueueItem, bool, error) {
	normalized, err := news.NormalizeURL(req.URL)
	if err != nil {
		return news.QueueItem{}, false, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return news.QueueItem{}, false, fmt.Errorf("enqueue: %w", err)
	}

	row := s.db.QueryRow(ctx, enqueueSQL,
		id, normalized, nullable(req.SourceID), nullable(req.FeedID), req.PublishedAt, s.clock.Now())
	item, err := scanQueueItem(row)
	switch {
	case err == nil:
		metrics.ObserveQueueTransition(string(news.QueueStatusPending), 1)
		return item, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		existing, err := scanQueueItem(s.db.QueryRow(ctx, selectByURLSQL, normalized))
		if err != nil {
			return news.QueueItem{}, false, fmt.Errorf("load existing queue item: %w", err)
		}
		return existing, false, nil
	default:
		return news.QueueItem{}, false, fmt.Errorf("insert queue item: %w", err)
	}
}

// LeaseBatch claims up to limit eligible items for owner, oldest first.
func (s *QueueStore) LeaseBatch(ctx context.Context, limit int, owner string) ([]news.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, leaseSQL, s.clock.Now(), s.maxAttempts, limit, owner)
	if err != nil {
		return nil, fmt.Errorf("lease queue items: %w", err)
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, fmt.Errorf("lease queue items: %w", err)
	}
	// RETURNING does not preserve the CTE order.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	metrics.ObserveQueueTransition(string(news.QueueStatusProcessing), len(items))
	return items, nil
}

// MarkDone completes an item leased by owner.
func (s *QueueStore) MarkDone(ctx context.Context, id, owner string) error {
	if err := s.update(ctx, "mark done", markDoneSQL, news.ErrLeaseLost, id, owner, s.clock.Now()); err != nil {
		return err
	}
	metrics.ObserveQueueTransition(string(news.QueueStatusDone), 1)
	return nil
}

// MarkFailed records errText and schedules the next attempt after retryDelay.
// Only the current lease owner may fail an item.
func (s *QueueStore) MarkFailed(ctx context.Context, id, owner string, errText string, retryDelay time.Duration) error {
	if retryDelay <= 0 {
		retryDelay = news.DefaultRetryDelay
	}
	next := s.clock.Now().Add(retryDelay)
	if err := s.update(ctx, "mark failed", markFailedSQL, news.ErrLeaseLost, id, owner, news.TruncateError(errText), next); err != nil {
		return err
	}
	metrics.ObserveQueueTransition(string(news.QueueStatusFailed), 1)
	return nil
}

// MarkRejected parks the item for rawURL as failed until an operator retries it.
func (s *QueueStore) MarkRejected(ctx context.Context, rawURL string, reason string) error {
	normalized, err := news.NormalizeURL(rawURL)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, markRejectedSQL, normalized, news.TruncateError(reason))
	if err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark rejected %s: %w", normalized, news.ErrNotFound)
	}
	metrics.ObserveQueueTransition(string(news.QueueStatusFailed), 1)
	return nil
}

// Retry forces an item back to pending.
func (s *QueueStore) Retry(ctx context.Context, id string) error {
	if err := s.update(ctx, "retry", retrySQL, news.ErrNotFound, id); err != nil {
		return err
	}
	metrics.ObserveQueueTransition(string(news.QueueStatusPending), 1)
	return nil
}

// ReclaimExpired returns processing items leased before now-timeout to pending.
func (s *QueueStore) ReclaimExpired(ctx context.Context, timeout time.Duration) (int, error) {
	tag, err := s.db.Exec(ctx, reclaimSQL, s.clock.Now().Add(-timeout))
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	n := int(tag.RowsAffected())
	metrics.ObserveQueueTransition(string(news.QueueStatusPending), n)
	return n, nil
}

// List returns items newest first.
func (s *QueueStore) List(ctx context.Context, filter news.QueueFilter) ([]news.QueueItem, error) {
	query := sq.Select(queueColumns...).
		From("queue_items").
		OrderBy("created_at DESC").
		Limit(uint64(filter.EffectiveLimit())).
		PlaceholderFormat(sq.Dollar)
	if filter.Status != "" {
		query = query.Where(sq.Eq{"status": string(filter.Status)})
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list query: %w", err)
	}
	rows, err := s.db.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	items, err := collectQueueItems(rows)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return items, nil
}

// Get loads one item.
func (s *QueueStore) Get(ctx context.Context, id string) (news.QueueItem, error) {
	if !uuid.Valid(id) {
		return news.QueueItem{}, fmt.Errorf("get %s: %w", id, news.ErrNotFound)
	}
	item, err := scanQueueItem(s.db.QueryRow(ctx, selectByIDSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return news.QueueItem{}, fmt.Errorf("get %s: %w", id, news.ErrNotFound)
	}
	if err != nil {
		return news.QueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// update runs query for id and reports missing when no row matched.
func (s *QueueStore) update(ctx context.Context, op, query string, missing error, id string, args ...any) error {
	if !uuid.Valid(id) {
		return fmt.Errorf("%s %s: %w", op, id, news.ErrNotFound)
	}
	tag, err := s.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", op, id, missing)
	}
	return nil
}

func scanQueueItem(row pgx.Row) (news.QueueItem, error) {
	var (
		item                     news.QueueItem
		status                   string
		sourceID, feedID         *string
		leaseOwner, lastError    *string
		publishedAt, leasedAt    *time.Time
		nextRetryAt, processedAt *time.Time
	)
	err := row.Scan(
		&item.ID, &item.URL, &sourceID, &feedID, &publishedAt, &status, &item.Attempts,
		&item.CreatedAt, &leasedAt, &leaseOwner, &nextRetryAt, &lastError, &processedAt,
	)
	if err != nil {
		return news.QueueItem{}, err
	}
	item.Status = news.QueueStatus(status)
	item.SourceID = deref(sourceID)
	item.FeedID = deref(feedID)
	item.LeaseOwner = deref(leaseOwner)
	item.LastError = deref(lastError)
	item.PublishedAt = publishedAt
	item.LeasedAt = leasedAt
	item.NextRetryAt = nextRetryAt
	item.ProcessedAt = processedAt
	return item, nil
}

func collectQueueItems(rows pgx.Rows) ([]news.QueueItem, error) {
	defer rows.Close()
	var items []news.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue items: %w", err)
	}
	return items, nil
}

var _ news.Queue = (*QueueStore)(nil)
