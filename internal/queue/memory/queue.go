// Package memory provides an in-process work queue for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/realtime-news-indexer/internal/clock/system"
	"github.com/JakeFAU/realtime-news-indexer/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// Options tune a Queue. Zero values select the wall clock, UUIDv7 ids and
// unbounded attempts.
type Options struct {
	Clock       news.Clock
	IDs         news.IDGenerator
	MaxAttempts int
}

// Queue implements news.Queue with a mutex-guarded map. Every state change
// happens under the lock, which makes LeaseBatch exclusive per item.
type Queue struct {
	mu          sync.Mutex
	items       map[string]*entry
	byURL       map[string]string
	seq         int64
	clock       news.Clock
	ids         news.IDGenerator
	maxAttempts int
}

type entry struct {
	item news.QueueItem
	seq  int64
}

// NewQueue constructs an empty queue.
func NewQueue(opts Options) *Queue {
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = uuid.New()
	}
	return &Queue{
		items:       make(map[string]*entry),
		byURL:       make(map[string]string),
		clock:       opts.Clock,
		ids:         opts.IDs,
		maxAttempts: opts.MaxAttempts,
	}
}

// Enqueue normalizes the URL and inserts a pending item unless it already exists.
func (q *Queue) Enqueue(_ context.Context, req news.EnqueueRequest) (news.QueueItem, bool, error) {
	normalized, err := news.NormalizeURL(req.URL)
	if err != nil {
		return news.QueueItem{}, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if id, ok := q.byURL[normalized]; ok {
		return q.items[id].item, false, nil
	}
	id, err := q.ids.NewID()
	if err != nil {
		return news.QueueItem{}, false, fmt.Errorf("enqueue: %w", err)
	}
	q.seq++
	item := news.QueueItem{
		ID:          id,
		URL:         normalized,
		SourceID:    req.SourceID,
		FeedID:      req.FeedID,
		PublishedAt: req.PublishedAt,
		Status:      news.QueueStatusPending,
		CreatedAt:   q.clock.Now(),
	}
	q.items[id] = &entry{item: item, seq: q.seq}
	q.byURL[normalized] = id
	metrics.ObserveQueueTransition(string(news.QueueStatusPending), 1)
	return item, true, nil
}

// LeaseBatch claims up to limit eligible items, oldest first.
func (q *Queue) LeaseBatch(_ context.Context, limit int, owner string) ([]news.QueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	eligible := make([]*entry, 0, limit)
	for _, e := range q.items {
		if q.leasable(e.item, now) {
			eligible = append(eligible, e)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
			return a.item.CreatedAt.Before(b.item.CreatedAt)
		}
		return a.seq < b.seq
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	leased := make([]news.QueueItem, 0, len(eligible))
	for _, e := range eligible {
		leasedAt := now
		e.item.Status = news.QueueStatusProcessing
		e.item.Attempts++
		e.item.LeasedAt = &leasedAt
		e.item.LeaseOwner = owner
		leased = append(leased, e.item)
	}
	metrics.ObserveQueueTransition(string(news.QueueStatusProcessing), len(leased))
	return leased, nil
}

func (q *Queue) leasable(item news.QueueItem, now time.Time) bool {
	if q.maxAttempts > 0 && item.Attempts >= q.maxAttempts {
		return false
	}
	switch item.Status {
	case news.QueueStatusPending:
		return item.NextRetryAt == nil || !item.NextRetryAt.After(now)
	case news.QueueStatusFailed:
		// A failed item without a retry time is parked until Retry.
		return item.NextRetryAt != nil && !item.NextRetryAt.After(now)
	default:
		return false
	}
}

// MarkDone completes an item leased by owner and clears its lease.
func (q *Queue) MarkDone(_ context.Context, id, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.leased("mark done", id, owner)
	if err != nil {
		return err
	}
	processed := q.clock.Now()
	e.item.Status = news.QueueStatusDone
	e.item.ProcessedAt = &processed
	e.item.NextRetryAt = nil
	clearLease(&e.item)
	metrics.ObserveQueueTransition(string(news.QueueStatusDone), 1)
	return nil
}

// MarkFailed records the error and schedules the next attempt.
func (q *Queue) MarkFailed(_ context.Context, id, owner string, errText string, retryDelay time.Duration) error {
	if retryDelay <= 0 {
		retryDelay = news.DefaultRetryDelay
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.leased("mark failed", id, owner)
	if err != nil {
		return err
	}
	next := q.clock.Now().Add(retryDelay)
	e.item.Status = news.QueueStatusFailed
	e.item.LastError = news.TruncateError(errText)
	e.item.NextRetryAt = &next
	clearLease(&e.item)
	metrics.ObserveQueueTransition(string(news.QueueStatusFailed), 1)
	return nil
}

// leased returns the entry for id if it is still processing under owner.
// Callers hold q.mu.
func (q *Queue) leased(op, id, owner string) (*entry, error) {
	e, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", op, id, news.ErrNotFound)
	}
	if e.item.Status != news.QueueStatusProcessing || e.item.LeaseOwner != owner {
		return nil, fmt.Errorf("%s %s: %w", op, id, news.ErrLeaseLost)
	}
	return e, nil
}

// MarkRejected parks the item for url as failed with no retry time.
func (q *Queue) MarkRejected(_ context.Context, rawURL string, reason string) error {
	normalized, err := news.NormalizeURL(rawURL)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.byURL[normalized]
	if !ok {
		return fmt.Errorf("mark rejected %s: %w", normalized, news.ErrNotFound)
	}
	e := q.items[id]
	e.item.Status = news.QueueStatusFailed
	e.item.LastError = news.TruncateError(reason)
	e.item.NextRetryAt = nil
	clearLease(&e.item)
	metrics.ObserveQueueTransition(string(news.QueueStatusFailed), 1)
	return nil
}

// Retry forces an item back to pending.
func (q *Queue) Retry(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok {
		return fmt.Errorf("retry %s: %w", id, news.ErrNotFound)
	}
	e.item.Status = news.QueueStatusPending
	e.item.NextRetryAt = nil
	clearLease(&e.item)
	metrics.ObserveQueueTransition(string(news.QueueStatusPending), 1)
	return nil
}

// ReclaimExpired returns stale processing items to pending.
func (q *Queue) ReclaimExpired(_ context.Context, timeout time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clock.Now().Add(-timeout)
	reclaimed := 0
	for _, e := range q.items {
		if e.item.Status != news.QueueStatusProcessing || e.item.LeasedAt == nil {
			continue
		}
		if !e.item.LeasedAt.Before(cutoff) {
			continue
		}
		e.item.Status = news.QueueStatusPending
		e.item.LastError = "lease expired"
		e.item.NextRetryAt = nil
		clearLease(&e.item)
		reclaimed++
	}
	metrics.ObserveQueueTransition(string(news.QueueStatusPending), reclaimed)
	return reclaimed, nil
}

// List returns items newest first, optionally filtered by status.
func (q *Queue) List(_ context.Context, filter news.QueueFilter) ([]news.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	matched := make([]*entry, 0, len(q.items))
	for _, e := range q.items {
		if filter.Status != "" && e.item.Status != filter.Status {
			continue
		}
		matched = append(matched, e)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
			return a.item.CreatedAt.After(b.item.CreatedAt)
		}
		return a.seq > b.seq
	})
	if limit := filter.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]news.QueueItem, len(matched))
	for i, e := range matched {
		out[i] = e.item
	}
	return out, nil
}

// Get returns one item by id.
func (q *Queue) Get(_ context.Context, id string) (news.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok {
		return news.QueueItem{}, fmt.Errorf("get %s: %w", id, news.ErrNotFound)
	}
	return e.item, nil
}

func clearLease(item *news.QueueItem) {
	item.LeasedAt = nil
	item.LeaseOwner = ""
}

var _ news.Queue = (*Queue)(nil)
