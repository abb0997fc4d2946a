package cluster

import (
	"context"
	"time"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// Candidate is the best cluster found by one similarity search. Score is a
// distance for vector matches and a similarity for lexical matches.
type Candidate struct {
	ClusterID string
	Score     float64
}

// Store runs clustering work inside a transaction. A non-nil error from fn
// rolls back everything fn wrote.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of reads and writes the engine performs atomically.
type Tx interface {
	ArticleExists(ctx context.Context, url string) (bool, error)
	BlockedKeywords(ctx context.Context) ([]string, error)
	// ResolveSource returns the source registered for host, or "" if none.
	ResolveSource(ctx context.Context, host string) (string, error)
	// NearestByVector returns the closest cluster updated after since.
	NearestByVector(ctx context.Context, embedding []float32, since time.Time) (Candidate, bool, error)
	// NearestByTitle returns the most similar cluster title above minSimilarity
	// among clusters updated after since.
	NearestByTitle(ctx context.Context, title string, minSimilarity float64, since time.Time) (Candidate, bool, error)
	TouchCluster(ctx context.Context, clusterID string, at time.Time) error
	CreateCluster(ctx context.Context, c news.Cluster) error
	// SetPrimaryArticle writes the primary article only if none is set.
	SetPrimaryArticle(ctx context.Context, clusterID, articleID string) error
	// InsertArticle reports false when the URL already exists.
	InsertArticle(ctx context.Context, a news.Article) (bool, error)
	// AssignArticle sets cluster_id on an orphan and reports false if it was already set.
	AssignArticle(ctx context.Context, articleID, clusterID string) (bool, error)
	Orphans(ctx context.Context, limit int) ([]news.Article, error)
}
