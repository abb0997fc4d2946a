// Package discovery polls registered RSS/Atom feeds and enqueues their links.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// Defaults for Config fields left at zero.
const (
	DefaultInterval    = 15 * time.Minute
	DefaultConcurrency = 4
	DefaultTimeout     = 20 * time.Second
)

// FeedStore lists feeds to poll and records when each was read.
type FeedStore interface {
	ActiveFeeds(ctx context.Context) ([]news.Feed, error)
	MarkPolled(ctx context.Context, feedID string, at time.Time) error
}

// Enqueuer is the part of news.Queue discovery writes to.
type Enqueuer interface {
	Enqueue(ctx context.Context, req news.EnqueueRequest) (news.QueueItem, bool, error)
}

// Config tunes polling.
type Config struct {
	Interval    time.Duration
	Concurrency int
	Timeout     time.Duration
	UserAgent   string
}

// Stats summarizes one sweep.
type Stats struct {
	Feeds    int
	Failed   int
	Items    int
	Enqueued int
}

// Poller reads every active feed and feeds item links into the work queue.
type Poller struct {
	feeds   FeedStore
	queue   Enqueuer
	limiter news.Limiter
	client  *http.Client
	clock   news.Clock
	cfg     Config
	logger  *zap.Logger
}

// Deps bundles the poller's collaborators. Limiter and Client may be nil.
type Deps struct {
	Feeds   FeedStore
	Queue   Enqueuer
	Limiter news.Limiter
	Client  *http.Client
	Clock   news.Clock
}

// New validates deps and applies defaults.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Poller, error) {
	if deps.Feeds == nil || deps.Queue == nil || deps.Clock == nil {
		return nil, errors.New("discovery requires a feed store, queue and clock")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := deps.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Poller{
		feeds:   deps.Feeds,
		queue:   deps.Queue,
		limiter: deps.Limiter,
		client:  client,
		clock:   deps.Clock,
		cfg:     cfg,
		logger:  logging.OrNop(logger).Named("discovery"),
	}, nil
}

// PollOnce reads every active feed once. A broken feed is counted and logged
// but never aborts the sweep; only failing to list feeds returns an error.
func (p *Poller) PollOnce(ctx context.Context) (Stats, error) {
	feeds, err := p.feeds.ActiveFeeds(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("list feeds: %w", err)
	}

	var failed, items, enqueued atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, feed := range feeds {
		g.Go(func() error {
			n, created, err := p.pollFeed(gctx, feed)
			items.Add(int64(n))
			enqueued.Add(int64(created))
			if err != nil {
				failed.Add(1)
				p.logger.Warn("feed poll failed", zap.String("feed_id", feed.ID), zap.String("url", feed.URL), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{
		Feeds:    len(feeds),
		Failed:   int(failed.Load()),
		Items:    int(items.Load()),
		Enqueued: int(enqueued.Load()),
	}
	p.logger.Info("discovery sweep finished",
		zap.Int("feeds", stats.Feeds),
		zap.Int("failed", stats.Failed),
		zap.Int("items", stats.Items),
		zap.Int("enqueued", stats.Enqueued))
	return stats, nil
}

func (p *Poller) pollFeed(ctx context.Context, feed news.Feed) (int, int, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, feed.URL); err != nil {
			return 0, 0, fmt.Errorf("rate limit: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	fp := gofeed.NewParser()
	fp.Client = p.client
	if p.cfg.UserAgent != "" {
		fp.UserAgent = p.cfg.UserAgent
	}
	parsed, err := fp.ParseURLWithContext(feed.URL, ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("parse feed: %w", err)
	}

	created := 0
	for _, item := range parsed.Items {
		req, ok := enqueueRequest(feed, item)
		if !ok {
			continue
		}
		_, isNew, err := p.queue.Enqueue(ctx, req)
		if err != nil {
			if errors.Is(err, news.ErrInvalidURL) {
				p.logger.Debug("skipping invalid item link", zap.String("link", req.URL))
				continue
			}
			return len(parsed.Items), created, fmt.Errorf("enqueue %s: %w", req.URL, err)
		}
		if isNew {
			created++
		}
	}

	if err := p.feeds.MarkPolled(ctx, feed.ID, p.clock.Now()); err != nil {
		return len(parsed.Items), created, err
	}
	return len(parsed.Items), created, nil
}

func enqueueRequest(feed news.Feed, item *gofeed.Item) (news.EnqueueRequest, bool) {
	if item == nil {
		return news.EnqueueRequest{}, false
	}
	link := strings.TrimSpace(item.Link)
	if link == "" && len(item.Links) > 0 {
		link = strings.TrimSpace(item.Links[0])
	}
	if link == "" {
		return news.EnqueueRequest{}, false
	}
	req := news.EnqueueRequest{URL: link, SourceID: feed.SourceID, FeedID: feed.ID}
	switch {
	case item.PublishedParsed != nil:
		t := item.PublishedParsed.UTC()
		req.PublishedAt = &t
	case item.UpdatedParsed != nil:
		t := item.UpdatedParsed.UTC()
		req.PublishedAt = &t
	}
	return req, true
}

// Run polls immediately and then every Interval until the context finishes.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("feed discovery started", zap.Duration("interval", p.cfg.Interval))
	defer p.logger.Info("feed discovery stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("discovery sweep failed", zap.Error(err))
		}
		timer.Reset(p.cfg.Interval)
	}
}
