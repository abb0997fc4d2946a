package news

import (
	"net/http"
	"time"
)

// QueueStatus represents the lifecycle state of a queue item.
type QueueStatus string

// Queue status values persisted in the work queue.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusDone       QueueStatus = "done"
	QueueStatusFailed     QueueStatus = "failed"
)

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueStatusPending, QueueStatusProcessing, QueueStatusDone, QueueStatusFailed:
		return true
	default:
		return false
	}
}

// QueueItem is one ingestion task. URL is unique across the queue.
type QueueItem struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	SourceID    string      `json:"source_id,omitempty"`
	FeedID      string      `json:"feed_id,omitempty"`
	PublishedAt *time.Time  `json:"published_at,omitempty"`
	Status      QueueStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	CreatedAt   time.Time   `json:"created_at"`
	LeasedAt    *time.Time  `json:"leased_at,omitempty"`
	LeaseOwner  string      `json:"lease_owner,omitempty"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	ProcessedAt *time.Time  `json:"processed_at,omitempty"`
}

// EnqueueRequest is the normalized enqueue contract used by discovery and the API.
type EnqueueRequest struct {
	URL         string     `json:"url"`
	SourceID    string     `json:"source_id,omitempty"`
	FeedID      string     `json:"feed_id,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// QueueFilter narrows admin listings.
type QueueFilter struct {
	Status QueueStatus
	Limit  int
}

// Listing limits for QueueFilter.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// EffectiveLimit clamps the filter limit to [1, MaxListLimit].
func (f QueueFilter) EffectiveLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultListLimit
	case f.Limit > MaxListLimit:
		return MaxListLimit
	default:
		return f.Limit
	}
}

// NewURLEvent is published when a URL should be fetched outside the queue.
type NewURLEvent struct {
	URL         string     `json:"url"`
	SourceID    string     `json:"source_id,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// FetchedEvent announces raw content stored under StorageKey.
type FetchedEvent struct {
	URL         string     `json:"url"`
	SourceID    string     `json:"source_id,omitempty"`
	StorageKey  string     `json:"storage_key"`
	FetchedAt   time.Time  `json:"fetched_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// ImageSource tags where an image candidate was found.
type ImageSource string

// Image candidate provenance, in decreasing confidence.
const (
	ImageSourceOpenGraph  ImageSource = "og"
	ImageSourceTwitter    ImageSource = "twitter"
	ImageSourceStructured ImageSource = "jsonld"
	ImageSourceBody       ImageSource = "body"
)

// ImageCandidate is one image found while extracting an article.
type ImageCandidate struct {
	URL       string      `json:"url"`
	Width     int         `json:"width,omitempty"`
	Height    int         `json:"height,omitempty"`
	Source    ImageSource `json:"source"`
	BaseScore float64     `json:"base_score"`
}

// BestImage is the winning candidate persisted with an article.
type BestImage struct {
	URL    string  `json:"url"`
	Width  int     `json:"width,omitempty"`
	Height int     `json:"height,omitempty"`
	Score  float64 `json:"score"`
}

// ParsedArticle is the payload passed from extraction to clustering.
type ParsedArticle struct {
	OriginalURL     string           `json:"original_url"`
	Title           string           `json:"title"`
	Excerpt         string           `json:"excerpt"`
	Author          string           `json:"author,omitempty"`
	PublishedTime   *time.Time       `json:"published_time,omitempty"`
	CanonicalURL    string           `json:"canonical_url,omitempty"`
	ImageCandidates []ImageCandidate `json:"image_candidates"`
	SourceID        string           `json:"source_id,omitempty"`
}

// Article is a persisted story. ClusterID is empty until clustered.
type Article struct {
	ID          string     `json:"id"`
	ClusterID   string     `json:"cluster_id,omitempty"`
	SourceID    string     `json:"source_id,omitempty"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Snippet     string     `json:"snippet"`
	PublishedAt time.Time  `json:"published_at"`
	Author      string     `json:"author,omitempty"`
	Image       *BestImage `json:"image,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Cluster groups articles reporting the same story.
type Cluster struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Topic            string    `json:"topic"`
	Score            float64   `json:"score"`
	Embedding        []float32 `json:"-"`
	PrimaryArticleID string    `json:"primary_article_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// ClusteringSettings are the runtime-tunable clustering parameters.
type ClusteringSettings struct {
	DistanceThreshold       float64 `json:"distance_threshold"`
	TimeWindowHours         int     `json:"time_window_hours"`
	TextSimilarityThreshold float64 `json:"text_similarity_threshold"`
}

// TimeWindow returns the candidate window as a duration.
func (s ClusteringSettings) TimeWindow() time.Duration {
	return time.Duration(s.TimeWindowHours) * time.Hour
}

// DefaultClusteringSettings mirrors the values seeded into system_settings.
func DefaultClusteringSettings() ClusteringSettings {
	return ClusteringSettings{
		DistanceThreshold:       0.22,
		TimeWindowHours:         24,
		TextSimilarityThreshold: 0.45,
	}
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	// RobotsFallback explains why robots.txt was treated as allow-all.
	RobotsFallback string
}

// Feed is a registered RSS/Atom feed polled by discovery.
type Feed struct {
	ID       string `json:"id"`
	SourceID string `json:"source_id,omitempty"`
	URL      string `json:"url"`
}
