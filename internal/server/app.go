// Package server builds the application graph from configuration and runs the
// selected pipeline stages.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/api"
	busmemory "github.com/JakeFAU/realtime-news-indexer/internal/bus/memory"
	buspubsub "github.com/JakeFAU/realtime-news-indexer/internal/bus/pubsub"
	busredis "github.com/JakeFAU/realtime-news-indexer/internal/bus/redis"
	"github.com/JakeFAU/realtime-news-indexer/internal/clock/system"
	"github.com/JakeFAU/realtime-news-indexer/internal/cluster"
	"github.com/JakeFAU/realtime-news-indexer/internal/config"
	"github.com/JakeFAU/realtime-news-indexer/internal/discovery"
	"github.com/JakeFAU/realtime-news-indexer/internal/embedding"
	"github.com/JakeFAU/realtime-news-indexer/internal/extract"
	"github.com/JakeFAU/realtime-news-indexer/internal/fetch"
	collyfetcher "github.com/JakeFAU/realtime-news-indexer/internal/fetcher/colly"
	"github.com/JakeFAU/realtime-news-indexer/internal/hash/sha256"
	"github.com/JakeFAU/realtime-news-indexer/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
	"github.com/JakeFAU/realtime-news-indexer/internal/policy/ratelimit"
	queuememory "github.com/JakeFAU/realtime-news-indexer/internal/queue/memory"
	"github.com/JakeFAU/realtime-news-indexer/internal/reconcile"
	"github.com/JakeFAU/realtime-news-indexer/internal/settings"
	gcsstorage "github.com/JakeFAU/realtime-news-indexer/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-news-indexer/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-news-indexer/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-news-indexer/internal/storage/postgres"
	s3storage "github.com/JakeFAU/realtime-news-indexer/internal/storage/s3"
	"github.com/JakeFAU/realtime-news-indexer/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	pool         *pgxpool.Pool
	queue        news.Queue
	blobs        news.BlobStore
	blobCloser   io.Closer
	bus          news.Bus
	clusterStore cluster.Store
	feeds        discovery.FeedStore
	settings     *settings.Cache

	fetchStage   *fetch.Stage
	extractStage *extract.Stage
	engine       *cluster.Engine
	reconciler   *reconcile.Reconciler
	poller       *discovery.Poller
	apiServer    *api.Server

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
}

// NewApp creates an empty App for cfg. Build fills in the dependencies.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	type sanitizedConfig struct {
		ServerPort   int    `json:"server_port"`
		QueueBackend string `json:"queue_backend"`
		StoreBackend string `json:"storage_backend"`
		BusBackend   string `json:"bus_backend"`
		Database     bool   `json:"database"`
		Embeddings   bool   `json:"embeddings"`
	}
	logger = logging.OrNop(logger)
	logger.Info("creating application", zap.Any("config", sanitizedConfig{
		ServerPort:   cfg.Server.Port,
		QueueBackend: cfg.Queue.Backend,
		StoreBackend: cfg.Storage.Backend,
		BusBackend:   cfg.Bus.Backend,
		Database:     cfg.Database.DSN != "",
		Embeddings:   cfg.Embedding.Endpoint != "",
	}))
	return &App{cfg: cfg, logger: logger}
}

// Build creates the application's dependencies. On error everything opened so
// far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (app *App, err error) {
	app = NewApp(cfg, logger)
	defer func() {
		if err != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = app.Close(closeCtx)
			app = nil
		}
	}()

	app.tracerProvider, app.meterProvider, err = telemetry.InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return app, fmt.Errorf("telemetry init failed: %w", err)
	}

	if err = app.setupDatabase(ctx); err != nil {
		return app, err
	}
	if err = app.setupStorage(ctx); err != nil {
		return app, err
	}
	if err = app.setupBus(ctx); err != nil {
		return app, err
	}
	if err = app.setupStages(); err != nil {
		return app, err
	}

	var pinger api.Pinger
	if app.pool != nil {
		pinger = app.pool
	}
	app.apiServer = api.NewServer(app.queue, pinger, cfg, app.logger)
	return app, nil
}

// Queue exposes the configured work queue.
func (a *App) Queue() news.Queue {
	return a.queue
}

// Bus exposes the inter-stage event bus.
func (a *App) Bus() news.Bus {
	return a.bus
}

// Pool returns the Postgres pool, or nil when no database is configured.
func (a *App) Pool() *pgxpool.Pool {
	return a.pool
}

func (a *App) setupDatabase(ctx context.Context) error {
	clock := system.New()
	ids := uuid.New()
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no database configured; using in-memory queue and cluster store, discovery disabled")
		a.queue = queuememory.NewQueue(queuememory.Options{Clock: clock, IDs: ids, MaxAttempts: a.cfg.Queue.MaxAttempts})
		a.clusterStore = cluster.NewMemoryStore()
		return nil
	}

	pool, err := pgstore.NewPool(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.pool = pool
	if a.cfg.Database.Migrate {
		if err := pgstore.Migrate(ctx, pool, a.logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	if a.cfg.Queue.Backend == "postgres" {
		a.queue, err = pgstore.NewQueueStore(pool,
			pgstore.WithQueueClock(clock),
			pgstore.WithQueueIDs(ids),
			pgstore.WithMaxAttempts(a.cfg.Queue.MaxAttempts),
		)
		if err != nil {
			return fmt.Errorf("queue store init failed: %w", err)
		}
	} else {
		a.queue = queuememory.NewQueue(queuememory.Options{Clock: clock, IDs: ids, MaxAttempts: a.cfg.Queue.MaxAttempts})
	}

	a.clusterStore, err = pgstore.NewClusterStore(pool)
	if err != nil {
		return fmt.Errorf("cluster store init failed: %w", err)
	}
	settingsStore, err := pgstore.NewSettingsStore(pool)
	if err != nil {
		return fmt.Errorf("settings store init failed: %w", err)
	}
	a.settings = settings.New(settingsStore, a.cfg.Cluster.SettingsTTL, a.cfg.ClusteringDefaults(),
		settings.WithLogger(a.logger))
	a.feeds, err = pgstore.NewFeedStore(pool)
	if err != nil {
		return fmt.Errorf("feed store init failed: %w", err)
	}
	a.logger.Info("postgres stores initialized", zap.String("queue_backend", a.cfg.Queue.Backend))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobs, a.blobCloser = store, store
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
	case "s3":
		store, err := s3storage.New(ctx, s3storage.Config{
			Bucket:       a.cfg.Storage.Bucket,
			Region:       a.cfg.Storage.S3.Region,
			Endpoint:     a.cfg.Storage.S3.Endpoint,
			UsePathStyle: a.cfg.Storage.S3.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using S3 storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupBus(ctx context.Context) error {
	logger := a.logger.Named("bus")
	switch a.cfg.Bus.Backend {
	case "redis":
		bus, err := busredis.New(ctx, busredis.Config{
			URL:           a.cfg.Bus.Redis.URL,
			Group:         a.cfg.Bus.Redis.Group,
			Consumer:      a.cfg.Bus.Redis.Consumer,
			Block:         a.cfg.Bus.Redis.Block,
			ClaimIdle:     a.cfg.Bus.Redis.ClaimIdle,
			MaxDeliveries: a.cfg.Bus.MaxDeliveries,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("redis bus init failed: %w", err)
		}
		a.bus = bus
	case "pubsub":
		bus, err := buspubsub.New(ctx, buspubsub.Config{
			ProjectID:          a.cfg.Bus.PubSub.ProjectID,
			SubscriptionSuffix: a.cfg.Bus.PubSub.SubscriptionSuffix,
			MaxDeliveries:      a.cfg.Bus.MaxDeliveries,
			Logger:             logger,
		})
		if err != nil {
			return fmt.Errorf("pubsub bus init failed: %w", err)
		}
		a.bus = bus
		topics := a.cfg.Bus.Topics
		if err := bus.EnsureTopology(ctx, topics.NewURLs, topics.Fetched, topics.Parsed); err != nil {
			return fmt.Errorf("pubsub topology: %w", err)
		}
	default:
		a.bus = busmemory.New(busmemory.Options{MaxDeliveries: a.cfg.Bus.MaxDeliveries, Logger: logger})
	}
	a.logger.Info("event bus initialized", zap.String("backend", a.cfg.Bus.Backend))
	return nil
}

func (a *App) setupStages() error {
	clock := system.New()
	ids := uuid.New()
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Fetch.RateLimitRPS,
		DefaultBurst: a.cfg.Fetch.RateLimitBurst,
	})

	var retry news.RetryPolicy = news.NewFixedRetryPolicy(a.cfg.Queue.RetryDelay)
	if a.cfg.Queue.RetryStrategy == "exponential" {
		retry = news.NewExponentialRetryPolicy(a.cfg.Queue.RetryDelay, a.cfg.Queue.MaxRetryDelay)
	}

	var err error
	a.fetchStage, err = fetch.New(fetch.Deps{
		Queue:     a.queue,
		Blobs:     a.blobs,
		Publisher: a.bus,
		Fetcher: collyfetcher.New(collyfetcher.Config{
			UserAgent:     a.cfg.Fetch.UserAgent,
			RespectRobots: a.cfg.Fetch.RespectRobots,
			Timeout:       a.cfg.Fetch.Timeout,
			MaxRedirects:  a.cfg.Fetch.MaxRedirects,
		}),
		Limiter: limiter,
		Retry:   retry,
		Hasher:  sha256.New(),
		Clock:   clock,
		IDs:     ids,
	}, fetch.Config{
		BatchSize:       a.cfg.Queue.BatchSize,
		PollInterval:    a.cfg.Queue.PollInterval,
		LeaseTimeout:    a.cfg.Queue.LeaseTimeout,
		ReclaimInterval: a.cfg.Queue.ReclaimInterval,
		ContentType:     a.cfg.Fetch.ContentType,
		BlobPrefix:      a.cfg.Storage.Prefix,
		Topic:           a.cfg.Bus.Topics.Fetched,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("fetch stage init failed: %w", err)
	}

	a.extractStage, err = extract.NewStage(a.blobs, a.queue, a.bus,
		extract.NewParser(a.cfg.Extract.ExcerptLength), a.cfg.Bus.Topics.Parsed, a.logger)
	if err != nil {
		return fmt.Errorf("extract stage init failed: %w", err)
	}

	embedder, err := embedding.New(embedding.Config{
		Endpoint:  a.cfg.Embedding.Endpoint,
		Timeout:   a.cfg.Embedding.Timeout,
		CacheSize: a.cfg.Embedding.CacheSize,
	}, nil, a.logger)
	if err != nil {
		return fmt.Errorf("embedding client init failed: %w", err)
	}
	if a.settings == nil {
		a.settings = settings.New(nil, a.cfg.Cluster.SettingsTTL, a.cfg.ClusteringDefaults(), settings.WithLogger(a.logger))
	}
	deps := cluster.Deps{
		Store:    a.clusterStore,
		Settings: a.settings,
		Clock:    clock,
		IDs:      ids,
	}
	if embedder.Enabled() {
		deps.Embedder = embedder
	}
	a.engine, err = cluster.NewEngine(deps, cluster.Config{
		DefaultTopic:  a.cfg.Cluster.DefaultTopic,
		DefaultScore:  a.cfg.Cluster.DefaultScore,
		SnippetLength: a.cfg.Cluster.SnippetLength,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("cluster engine init failed: %w", err)
	}

	a.reconciler, err = reconcile.New(a.clusterStore, a.engine, reconcile.Config{
		BatchSize: a.cfg.Reconcile.BatchSize,
		Interval:  a.cfg.Reconcile.Interval,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("reconciler init failed: %w", err)
	}

	if a.feeds != nil {
		a.poller, err = discovery.New(discovery.Deps{
			Feeds:   a.feeds,
			Queue:   a.queue,
			Limiter: limiter,
			Clock:   clock,
		}, discovery.Config{
			Interval:    a.cfg.Discovery.Interval,
			Concurrency: a.cfg.Discovery.Concurrency,
			Timeout:     a.cfg.Discovery.Timeout,
			UserAgent:   a.cfg.Fetch.UserAgent,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("discovery init failed: %w", err)
		}
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bus: %w", err))
		}
	}
	if a.blobCloser != nil {
		if err := a.blobCloser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close blob store: %w", err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
	} else {
		a.logger.Info("shutdown complete")
	}
	a.closeObservability(ctx)
	return err
}

// Telemetry providers are process-wide, so a second shutdown is expected to
// fail and only logged.
func (a *App) closeObservability(ctx context.Context) {
	if err := telemetry.Shutdown(ctx, a.tracerProvider, a.meterProvider); err != nil {
		a.logger.Debug("telemetry shutdown", zap.Error(err))
	}
	_ = a.logger.Sync()
}

func (a *App) newHTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
