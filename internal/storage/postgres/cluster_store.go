package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/JakeFAU/realtime-news-indexer/internal/cluster"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// ClusterStore implements cluster.Store over the articles and clusters tables.
type ClusterStore struct {
	db DB
}

// NewClusterStore builds a store over db.
func NewClusterStore(db DB) (*ClusterStore, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ClusterStore{db: db}, nil
}

// WithTx runs fn inside one transaction.
func (s *ClusterStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx cluster.Tx) error) error {
	return inTx(ctx, s.db, func(tx pgx.Tx) error {
		return fn(ctx, &clusterTx{tx: tx})
	})
}

type clusterTx struct {
	tx pgx.Tx
}

func (t *clusterTx) ArticleExists(ctx context.Context, url string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM articles WHERE url = $1)`, url).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check article exists: %w", err)
	}
	return exists, nil
}

func (t *clusterTx) BlockedKeywords(ctx context.Context) ([]string, error) {
	rows, err := t.tx.Query(ctx, `SELECT keyword FROM blocked_keywords`)
	if err != nil {
		return nil, fmt.Errorf("load blocked keywords: %w", err)
	}
	keywords, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan blocked keywords: %w", err)
	}
	return keywords, nil
}

// ResolveSource prefers an exact domain match, then the longest registered
// parent domain.
func (t *clusterTx) ResolveSource(ctx context.Context, host string) (string, error) {
	if host == "" {
		return "", nil
	}
	var id string
	err := t.tx.QueryRow(ctx, `
SELECT id FROM sources
WHERE domain = $1 OR $1 LIKE '%.' || domain
ORDER BY (domain = $1) DESC, length(domain) DESC
LIMIT 1`, host).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve source: %w", err)
	}
	return id, nil
}

func (t *clusterTx) NearestByVector(ctx context.Context, embedding []float32, since time.Time) (cluster.Candidate, bool, error) {
	var c cluster.Candidate
	err := t.tx.QueryRow(ctx, `
SELECT id, embedding <=> $1 AS distance
FROM clusters
WHERE embedding IS NOT NULL AND last_updated_at > $2
ORDER BY embedding <=> $1
LIMIT 1`, pgvector.NewVector(embedding), since).Scan(&c.ClusterID, &c.Score)
	if errors.Is(err, pgx.ErrNoRows) {
		return cluster.Candidate{}, false, nil
	}
	if err != nil {
		return cluster.Candidate{}, false, fmt.Errorf("vector search: %w", err)
	}
	return c, true, nil
}

// NearestByTitle raises the trigram threshold for this transaction so the %
// operator can use the GIN index, then ranks by exact similarity.
func (t *clusterTx) NearestByTitle(
	ctx context.Context,
	title string,
	minSimilarity float64,
	since time.Time,
) (cluster.Candidate, bool, error) {
	threshold := strconv.FormatFloat(minSimilarity, 'f', 4, 64)
	if _, err := t.tx.Exec(ctx, "SET LOCAL pg_trgm.similarity_threshold = "+threshold); err != nil {
		return cluster.Candidate{}, false, fmt.Errorf("set similarity threshold: %w", err)
	}
	var c cluster.Candidate
	err := t.tx.QueryRow(ctx, `
SELECT id, similarity(title, $1) AS sim
FROM clusters
WHERE title % $1 AND similarity(title, $1) > $2 AND last_updated_at > $3
ORDER BY sim DESC
LIMIT 1`, title, minSimilarity, since).Scan(&c.ClusterID, &c.Score)
	if errors.Is(err, pgx.ErrNoRows) {
		return cluster.Candidate{}, false, nil
	}
	if err != nil {
		return cluster.Candidate{}, false, fmt.Errorf("lexical search: %w", err)
	}
	return c, true, nil
}

func (t *clusterTx) TouchCluster(ctx context.Context, clusterID string, at time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE clusters SET last_updated_at = GREATEST(last_updated_at, $2) WHERE id = $1`, clusterID, at)
	if err != nil {
		return fmt.Errorf("touch cluster: %w", err)
	}
	return nil
}

func (t *clusterTx) CreateCluster(ctx context.Context, c news.Cluster) error {
	var embedding *pgvector.Vector
	if len(c.Embedding) > 0 {
		v := pgvector.NewVector(c.Embedding)
		embedding = &v
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO clusters (id, title, topic, score, embedding, created_at, last_updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.Title, c.Topic, c.Score, embedding, c.CreatedAt, c.LastUpdatedAt)
	if err != nil {
		return fmt.Errorf("insert cluster: %w", err)
	}
	return nil
}

func (t *clusterTx) SetPrimaryArticle(ctx context.Context, clusterID, articleID string) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE clusters SET primary_article_id = $2 WHERE id = $1 AND primary_article_id IS NULL`,
		clusterID, articleID)
	if err != nil {
		return fmt.Errorf("set primary article: %w", err)
	}
	return nil
}

func (t *clusterTx) InsertArticle(ctx context.Context, a news.Article) (bool, error) {
	var (
		imageURL                *string
		imageWidth, imageHeight *int
		imageScore              *float64
	)
	if a.Image != nil {
		imageURL = &a.Image.URL
		imageWidth = &a.Image.Width
		imageHeight = &a.Image.Height
		imageScore = &a.Image.Score
	}
	tag, err := t.tx.Exec(ctx, `
INSERT INTO articles (
	id, cluster_id, source_id, url, title, snippet, published_at, author,
	best_image_url, best_image_width, best_image_height, best_image_score, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (url) DO NOTHING`,
		a.ID, nullable(a.ClusterID), nullable(a.SourceID), a.URL, a.Title, a.Snippet, a.PublishedAt,
		nullable(a.Author), imageURL, imageWidth, imageHeight, imageScore, a.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert article: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *clusterTx) AssignArticle(ctx context.Context, articleID, clusterID string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE articles SET cluster_id = $2 WHERE id = $1 AND cluster_id IS NULL`, articleID, clusterID)
	if err != nil {
		return false, fmt.Errorf("assign article: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *clusterTx) Orphans(ctx context.Context, limit int) ([]news.Article, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, source_id, url, title, snippet, published_at, author, created_at
FROM articles
WHERE cluster_id IS NULL
ORDER BY created_at ASC
LIMIT $1
FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, fmt.Errorf("load orphans: %w", err)
	}
	defer rows.Close()

	var orphans []news.Article
	for rows.Next() {
		var (
			a                news.Article
			sourceID, author *string
		)
		if err := rows.Scan(&a.ID, &sourceID, &a.URL, &a.Title, &a.Snippet, &a.PublishedAt, &author, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}
		a.SourceID = deref(sourceID)
		a.Author = deref(author)
		orphans = append(orphans, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orphans: %w", err)
	}
	return orphans, nil
}

var _ cluster.Store = (*ClusterStore)(nil)
