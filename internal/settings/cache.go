// Package settings caches the runtime-tunable clustering parameters.
package settings

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/clock/system"
	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// Keys read from system_settings.
const (
	KeyDistanceThreshold       = "cluster_distance_threshold"
	KeyTimeWindowHours         = "cluster_time_window_hours"
	KeyTextSimilarityThreshold = "text_similarity_threshold"
)

// DefaultTTL is how long a loaded value is served without reloading.
const DefaultTTL = 60 * time.Second

// DefaultLoadTimeout bounds a single refresh.
const DefaultLoadTimeout = 3 * time.Second

// Keys lists every setting the cache loads.
var Keys = []string{KeyDistanceThreshold, KeyTimeWindowHours, KeyTextSimilarityThreshold}

// Loader reads raw setting values. Missing keys are absent from the result.
type Loader interface {
	LoadSettings(ctx context.Context, keys []string) (map[string]string, error)
}

// Cache is a read-through cache with stale-serve on load failure.
type Cache struct {
	loader      Loader
	ttl         time.Duration
	loadTimeout time.Duration
	clock       news.Clock
	logger   *zap.Logger
	defaults news.ClusteringSettings

	mu            sync.Mutex
	value         news.ClusteringSettings
	lastRefreshed time.Time
	refreshing    bool
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock overrides the wall clock.
func WithClock(c news.Clock) Option {
	return func(cache *Cache) {
		if c != nil {
			cache.clock = c
		}
	}
}

// WithLoadTimeout bounds how long one refresh may take.
func WithLoadTimeout(d time.Duration) Option {
	return func(cache *Cache) {
		if d > 0 {
			cache.loadTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cache *Cache) {
		cache.logger = logging.OrNop(l)
	}
}

// New builds a Cache seeded with defaults. A nil loader always serves defaults.
func New(loader Loader, ttl time.Duration, defaults news.ClusteringSettings, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		loader:      loader,
		ttl:         ttl,
		loadTimeout: DefaultLoadTimeout,
		clock:       system.New(),
		logger:      zap.NewNop(),
		defaults:    defaults,
		value:       defaults,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("settings")
	return c
}

// Get returns the current settings, reloading when the cached copy is older
// than the TTL. It never fails: a load error serves the previous values.
// One caller refreshes at a time, bounded by the load timeout; callers that
// arrive during a refresh get the cached values without waiting.
func (c *Cache) Get(ctx context.Context) news.ClusteringSettings {
	c.mu.Lock()
	now := c.clock.Now()
	fresh := !c.lastRefreshed.IsZero() && now.Sub(c.lastRefreshed) < c.ttl
	if c.loader == nil || fresh || c.refreshing {
		value := c.value
		c.mu.Unlock()
		return value
	}
	c.refreshing = true
	c.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, c.loadTimeout)
	raw, err := c.loader.LoadSettings(loadCtx, Keys)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshing = false
	if err != nil {
		metrics.ObserveSettingsRefreshFailure()
		c.logger.Warn("serving cached clustering settings", zap.Error(err))
		return c.value
	}
	c.value = merge(c.defaults, raw, c.logger)
	c.lastRefreshed = now
	return c.value
}

// merge overlays raw values on defaults. Missing or unparsable keys keep the default.
func merge(defaults news.ClusteringSettings, raw map[string]string, logger *zap.Logger) news.ClusteringSettings {
	next := defaults
	for key, value := range raw {
		value = strings.TrimSpace(value)
		switch key {
		case KeyDistanceThreshold:
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				next.DistanceThreshold = f
				continue
			}
		case KeyTimeWindowHours:
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				next.TimeWindowHours = n
				continue
			}
		case KeyTextSimilarityThreshold:
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				next.TextSimilarityThreshold = f
				continue
			}
		default:
			continue
		}
		logger.Warn("ignoring unparsable setting", zap.String("key", key), zap.String("value", value))
	}
	return next
}
