package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-news-indexer/internal/cluster"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

const (
	clusterID = "0190b6a4-2b1c-7d3e-8f00-00000000c001"
	articleID = "0190b6a4-2b1c-7d3e-8f00-00000000a001"
)

func newClusterStore(t *testing.T) (*ClusterStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewClusterStore(mock)
	require.NoError(t, err)
	return store, mock
}

func TestClusterStoreCreatePath(t *testing.T) {
	t.Parallel()

	store, mock := newClusterStore(t)
	since := testNow.Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM articles WHERE url = $1)")).
		WithArgs("https://example.com/a").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT keyword FROM blocked_keywords")).
		WillReturnRows(pgxmock.NewRows([]string{"keyword"}).AddRow("casino"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM sources")).
		WithArgs("news.example.com").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("example"))
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL pg_trgm.similarity_threshold = 0.4500")).
		WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectQuery(regexp.QuoteMeta("similarity(title, $1) > $2")).
		WithArgs("City Council Approves New Budget", 0.45, since).
		WillReturnRows(pgxmock.NewRows([]string{"id", "sim"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO clusters")).
		WithArgs(clusterID, "City Council Approves New Budget", "general", 10.0, pgxmock.AnyArg(), testNow, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO articles")).
		WithArgs(articleID, pgxmock.AnyArg(), pgxmock.AnyArg(), "https://example.com/a",
			"City Council Approves New Budget", "snippet", testNow, pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("primary_article_id IS NULL")).
		WithArgs(clusterID, articleID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx cluster.Tx) error {
		exists, err := tx.ArticleExists(ctx, "https://example.com/a")
		require.NoError(t, err)
		require.False(t, exists)

		keywords, err := tx.BlockedKeywords(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"casino"}, keywords)

		source, err := tx.ResolveSource(ctx, "news.example.com")
		require.NoError(t, err)
		require.Equal(t, "example", source)

		_, ok, err := tx.NearestByTitle(ctx, "City Council Approves New Budget", 0.45, since)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, tx.CreateCluster(ctx, news.Cluster{
			ID: clusterID, Title: "City Council Approves New Budget", Topic: "general", Score: 10,
			CreatedAt: testNow, LastUpdatedAt: testNow,
		}))
		inserted, err := tx.InsertArticle(ctx, news.Article{
			ID: articleID, ClusterID: clusterID, URL: "https://example.com/a",
			Title: "City Council Approves New Budget", Snippet: "snippet",
			PublishedAt: testNow, CreatedAt: testNow,
			Image: &news.BestImage{URL: "https://example.com/i.jpg", Score: 1},
		})
		require.NoError(t, err)
		require.True(t, inserted)
		return tx.SetPrimaryArticle(ctx, clusterID, articleID)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClusterStoreVectorMatch(t *testing.T) {
	t.Parallel()

	store, mock := newClusterStore(t)
	since := testNow.Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY embedding <=> $1")).
		WithArgs(pgxmock.AnyArg(), since).
		WillReturnRows(pgxmock.NewRows([]string{"id", "distance"}).AddRow(clusterID, 0.1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE clusters SET last_updated_at")).
		WithArgs(clusterID, testNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx cluster.Tx) error {
		c, ok, err := tx.NearestByVector(ctx, []float32{0.1, 0.2, 0.3}, since)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, clusterID, c.ClusterID)
		require.InDelta(t, 0.1, c.Score, 1e-9)
		return tx.TouchCluster(ctx, clusterID, testNow)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClusterStoreRollsBackOnError(t *testing.T) {
	t.Parallel()

	store, mock := newClusterStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO clusters")).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx cluster.Tx) error {
		return tx.CreateCluster(ctx, news.Cluster{ID: clusterID, Title: "t", CreatedAt: testNow, LastUpdatedAt: testNow})
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "insert cluster")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClusterStoreUnknownSource(t *testing.T) {
	t.Parallel()

	store, mock := newClusterStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM sources")).
		WithArgs("unknown.org").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx cluster.Tx) error {
		id, err := tx.ResolveSource(ctx, "unknown.org")
		require.Empty(t, id)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClusterStoreOrphansAndAssign(t *testing.T) {
	t.Parallel()

	store, mock := newClusterStore(t)
	source := "example"
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("WHERE cluster_id IS NULL")).
		WithArgs(20).
		WillReturnRows(pgxmock.NewRows([]string{"id", "source_id", "url", "title", "snippet", "published_at", "author", "created_at"}).
			AddRow(articleID, &source, "https://example.com/a", "Orphan", "s", testNow, nil, testNow))
	mock.ExpectExec(regexp.QuoteMeta("SET cluster_id = $2 WHERE id = $1 AND cluster_id IS NULL")).
		WithArgs(articleID, clusterID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(ctx context.Context, tx cluster.Tx) error {
		orphans, err := tx.Orphans(ctx, 20)
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		require.Equal(t, "example", orphans[0].SourceID)
		require.Empty(t, orphans[0].ClusterID)

		assigned, err := tx.AssignArticle(ctx, articleID, clusterID)
		require.NoError(t, err)
		require.False(t, assigned, "already assigned elsewhere")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
