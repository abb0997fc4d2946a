// Package config loads and validates indexer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Bus       BusConfig       `mapstructure:"bus"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// QueueConfig governs the work queue and its retry behavior.
type QueueConfig struct {
	Backend         string        `mapstructure:"backend"`
	BatchSize       int           `mapstructure:"batch_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	RetryStrategy   string        `mapstructure:"retry_strategy"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	LeaseTimeout    time.Duration `mapstructure:"lease_timeout"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
}

// FetchConfig configures the fetch stage and its HTTP client.
type FetchConfig struct {
	Concurrency    int           `mapstructure:"concurrency"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRedirects   int           `mapstructure:"max_redirects"`
	RespectRobots  bool          `mapstructure:"respect_robots"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	ContentType    string        `mapstructure:"content_type"`
}

// StorageConfig selects the raw content blob store.
type StorageConfig struct {
	Backend string          `mapstructure:"backend"`
	Bucket  string          `mapstructure:"bucket"`
	Prefix  string          `mapstructure:"prefix"`
	Local   LocalConfig     `mapstructure:"local"`
	S3      S3StorageConfig `mapstructure:"s3"`
}

// LocalConfig configures the filesystem blob store.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// S3StorageConfig configures S3 or an S3-compatible endpoint such as MinIO.
type S3StorageConfig struct {
	Endpoint     string `mapstructure:"endpoint"`
	Region       string `mapstructure:"region"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// BusConfig selects the inter-stage event transport.
type BusConfig struct {
	Backend       string         `mapstructure:"backend"`
	MaxDeliveries int            `mapstructure:"max_deliveries"`
	Topics        TopicsConfig   `mapstructure:"topics"`
	Redis         RedisBusConfig `mapstructure:"redis"`
	PubSub        PubSubConfig   `mapstructure:"pubsub"`
}

// TopicsConfig names one topic per stage transition.
type TopicsConfig struct {
	NewURLs string `mapstructure:"new_urls"`
	Fetched string `mapstructure:"fetched"`
	Parsed  string `mapstructure:"parsed"`
}

// RedisBusConfig configures the Redis Streams bus.
type RedisBusConfig struct {
	URL      string        `mapstructure:"url"`
	Group    string        `mapstructure:"group"`
	Consumer  string        `mapstructure:"consumer"`
	Block     time.Duration `mapstructure:"block"`
	ClaimIdle time.Duration `mapstructure:"claim_idle"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	SubscriptionSuffix string `mapstructure:"subscription_suffix"`
}

// ExtractConfig configures the extraction stage.
type ExtractConfig struct {
	Concurrency   int `mapstructure:"concurrency"`
	ExcerptLength int `mapstructure:"excerpt_length"`
}

// ClusterConfig carries clustering defaults; live values come from system_settings.
type ClusterConfig struct {
	Concurrency             int           `mapstructure:"concurrency"`
	DistanceThreshold       float64       `mapstructure:"distance_threshold"`
	TimeWindowHours         int           `mapstructure:"time_window_hours"`
	TextSimilarityThreshold float64       `mapstructure:"text_similarity_threshold"`
	SettingsTTL             time.Duration `mapstructure:"settings_ttl"`
	DefaultTopic            string        `mapstructure:"default_topic"`
	DefaultScore            float64       `mapstructure:"default_score"`
	SnippetLength           int           `mapstructure:"snippet_length"`
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheSize int           `mapstructure:"cache_size"`
}

// ReconcileConfig configures the orphan reconciler loop.
type ReconcileConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
}

// DiscoveryConfig configures the feed poller.
type DiscoveryConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSINDEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "memory"
		if cfg.Database.DSN != "" {
			cfg.Queue.Backend = "postgres"
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.migrate", false)

	v.SetDefault("queue.backend", "")
	v.SetDefault("queue.batch_size", 5)
	v.SetDefault("queue.poll_interval", 2*time.Second)
	v.SetDefault("queue.retry_strategy", "fixed")
	v.SetDefault("queue.retry_delay", 10*time.Minute)
	v.SetDefault("queue.max_retry_delay", 6*time.Hour)
	v.SetDefault("queue.max_attempts", 0)
	v.SetDefault("queue.lease_timeout", 15*time.Minute)
	v.SetDefault("queue.reclaim_interval", time.Minute)

	v.SetDefault("fetch.concurrency", 2)
	v.SetDefault("fetch.user_agent", "NewsAggregatorBot/1.0 (+http://localhost:3000/bot)")
	v.SetDefault("fetch.timeout", 10*time.Second)
	v.SetDefault("fetch.max_redirects", 5)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("fetch.rate_limit_rps", 1.0)
	v.SetDefault("fetch.rate_limit_burst", 2)
	v.SetDefault("fetch.content_type", "text/html")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.local.base_dir", "data/raw")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_path_style", true)

	v.SetDefault("bus.backend", "memory")
	v.SetDefault("bus.max_deliveries", 5)
	v.SetDefault("bus.topics.new_urls", "new-urls")
	v.SetDefault("bus.topics.fetched", "raw-articles")
	v.SetDefault("bus.topics.parsed", "parsed-articles")
	v.SetDefault("bus.redis.url", "")
	v.SetDefault("bus.redis.group", "newsindex")
	v.SetDefault("bus.redis.consumer", "")
	v.SetDefault("bus.redis.block", 5*time.Second)
	v.SetDefault("bus.redis.claim_idle", time.Minute)
	v.SetDefault("bus.pubsub.project_id", "")
	v.SetDefault("bus.pubsub.subscription_suffix", "-sub")

	v.SetDefault("extract.concurrency", 2)
	v.SetDefault("extract.excerpt_length", 300)

	v.SetDefault("cluster.concurrency", 1)
	v.SetDefault("cluster.distance_threshold", 0.22)
	v.SetDefault("cluster.time_window_hours", 24)
	v.SetDefault("cluster.text_similarity_threshold", 0.45)
	v.SetDefault("cluster.settings_ttl", 60*time.Second)
	v.SetDefault("cluster.default_topic", "general")
	v.SetDefault("cluster.default_score", 10.0)
	v.SetDefault("cluster.snippet_length", 200)

	v.SetDefault("embedding.endpoint", "")
	v.SetDefault("embedding.timeout", 5*time.Second)
	v.SetDefault("embedding.cache_size", 1024)

	v.SetDefault("reconcile.batch_size", 20)
	v.SetDefault("reconcile.interval", 5*time.Second)

	v.SetDefault("discovery.interval", 15*time.Minute)
	v.SetDefault("discovery.concurrency", 4)
	v.SetDefault("discovery.timeout", 20*time.Second)

	v.SetDefault("telemetry.service_name", "newsindexer")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Queue.Backend {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres queue")
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue.batch_size must be > 0")
	}
	if c.Queue.RetryStrategy != "fixed" && c.Queue.RetryStrategy != "exponential" {
		return fmt.Errorf("queue.retry_strategy %q is not supported", c.Queue.RetryStrategy)
	}
	if c.Queue.LeaseTimeout <= 0 {
		return fmt.Errorf("queue.lease_timeout must be > 0")
	}
	if c.Fetch.Concurrency <= 0 || c.Extract.Concurrency <= 0 || c.Cluster.Concurrency <= 0 {
		return fmt.Errorf("stage concurrency must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch.max_redirects must be >= 0")
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateBus(); err != nil {
		return err
	}
	if c.Cluster.DistanceThreshold < 0 || c.Cluster.DistanceThreshold > 2 {
		return fmt.Errorf("cluster.distance_threshold must be within [0,2]")
	}
	if c.Cluster.TextSimilarityThreshold < 0 || c.Cluster.TextSimilarityThreshold > 1 {
		return fmt.Errorf("cluster.text_similarity_threshold must be within [0,1]")
	}
	if c.Cluster.TimeWindowHours <= 0 {
		return fmt.Errorf("cluster.time_window_hours must be > 0")
	}
	if c.Reconcile.BatchSize <= 0 {
		return fmt.Errorf("reconcile.batch_size must be > 0")
	}
	if c.Discovery.Concurrency <= 0 {
		return fmt.Errorf("discovery.concurrency must be > 0")
	}
	return nil
}

func (c Config) validateStorage() error {
	switch c.Storage.Backend {
	case "memory":
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for local storage")
		}
	case "gcs", "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for %s storage", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	return nil
}

func (c Config) validateBus() error {
	switch c.Bus.Backend {
	case "memory":
	case "redis":
		if c.Bus.Redis.URL == "" {
			return fmt.Errorf("bus.redis.url is required for the redis bus")
		}
	case "pubsub":
		if c.Bus.PubSub.ProjectID == "" {
			return fmt.Errorf("bus.pubsub.project_id is required for the pubsub bus")
		}
	default:
		return fmt.Errorf("bus.backend %q is not supported", c.Bus.Backend)
	}
	if c.Bus.Topics.NewURLs == "" || c.Bus.Topics.Fetched == "" || c.Bus.Topics.Parsed == "" {
		return fmt.Errorf("bus.topics must name every stage topic")
	}
	return nil
}

// ClusteringDefaults returns the configured fallback clustering parameters.
func (c Config) ClusteringDefaults() news.ClusteringSettings {
	return news.ClusteringSettings{
		DistanceThreshold:       c.Cluster.DistanceThreshold,
		TimeWindowHours:         c.Cluster.TimeWindowHours,
		TextSimilarityThreshold: c.Cluster.TextSimilarityThreshold,
	}
}
