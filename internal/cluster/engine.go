// Package cluster assigns articles to story clusters by vector distance with
// a lexical fallback, inside one transaction per article.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/extract"
	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
	"github.com/JakeFAU/realtime-news-indexer/internal/telemetry"
)

// Outcome describes what Ingest did with an article.
type Outcome string

// Ingest outcomes.
const (
	OutcomeCreated   Outcome = "created"
	OutcomeJoined    Outcome = "joined"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeBlocked   Outcome = "blocked"
)

// Match is the search that found the joined cluster.
type Match string

// Match kinds. MatchNone means a new cluster was created.
const (
	MatchVector  Match = "vector"
	MatchLexical Match = "lexical"
	MatchNone    Match = "none"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultTopic         = "general"
	DefaultScore         = 10.0
	DefaultSnippetLength = 200
)

// errLostRace rolls back a transaction whose article was written concurrently.
var errLostRace = errors.New("article written concurrently")

// Result reports the decision for one article.
type Result struct {
	Outcome   Outcome
	Match     Match
	ArticleID string
	ClusterID string
	SourceID  string
}

// Decision is the outcome of candidate search: the chosen cluster and whether
// Assign created it.
type Decision struct {
	ClusterID string
	Created   bool
	Match     Match
}

// SettingsSource supplies the current clustering parameters.
type SettingsSource interface {
	Get(ctx context.Context) news.ClusteringSettings
}

// Config holds static clustering defaults.
type Config struct {
	DefaultTopic  string
	DefaultScore  float64
	SnippetLength int
}

// Deps bundles the engine's collaborators. Embedder may be nil.
type Deps struct {
	Store    Store
	Settings SettingsSource
	Embedder news.Embedder
	Clock    news.Clock
	IDs      news.IDGenerator
}

// Engine implements the clustering algorithm shared by the pipeline and the reconciler.
type Engine struct {
	store    Store
	settings SettingsSource
	embedder news.Embedder
	clock    news.Clock
	ids      news.IDGenerator
	cfg      Config
	logger   *zap.Logger
}

// NewEngine validates deps and applies config defaults.
func NewEngine(deps Deps, cfg Config, logger *zap.Logger) (*Engine, error) {
	if deps.Store == nil || deps.Settings == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("cluster engine requires store, settings, clock and id generator")
	}
	if cfg.DefaultTopic == "" {
		cfg.DefaultTopic = DefaultTopic
	}
	if cfg.DefaultScore == 0 {
		cfg.DefaultScore = DefaultScore
	}
	if cfg.SnippetLength <= 0 {
		cfg.SnippetLength = DefaultSnippetLength
	}
	return &Engine{
		store:    deps.Store,
		settings: deps.Settings,
		embedder: deps.Embedder,
		clock:    deps.Clock,
		ids:      deps.IDs,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("cluster"),
	}, nil
}

// Ingest persists a parsed article and assigns it to a cluster atomically.
// Duplicate URLs and blocked titles are reported as outcomes, not errors.
func (e *Engine) Ingest(ctx context.Context, p news.ParsedArticle) (Result, error) {
	ctx, span := telemetry.Tracer("cluster").Start(ctx, "cluster.Ingest",
		trace.WithAttributes(attribute.String("article.url", p.OriginalURL)))
	defer span.End()

	res, err := e.ingest(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.String("cluster.outcome", string(res.Outcome)),
		attribute.String("cluster.id", res.ClusterID),
	)
	return res, nil
}

func (e *Engine) ingest(ctx context.Context, p news.ParsedArticle) (Result, error) {
	url := strings.TrimSpace(p.OriginalURL)
	title := strings.TrimSpace(p.Title)
	if url == "" {
		return Result{}, fmt.Errorf("ingest article: %w", news.ErrInvalidURL)
	}
	// Events published straight to the bus skip queue normalization.
	if normalized, err := news.NormalizeURL(url); err == nil {
		url = normalized
	}
	if title == "" {
		return Result{}, fmt.Errorf("ingest article %s: %w", url, news.ErrEmptyTitle)
	}

	settings := e.settings.Get(ctx)
	embedding := e.embed(ctx, title)
	logger := e.logger.With(zap.String("url", url))

	var res Result
	err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		res = Result{}
		exists, err := tx.ArticleExists(ctx, url)
		if err != nil {
			return err
		}
		if exists {
			res.Outcome = OutcomeDuplicate
			return nil
		}

		keywords, err := tx.BlockedKeywords(ctx)
		if err != nil {
			return err
		}
		if kw, blocked := matchKeyword(title, keywords); blocked {
			logger.Info("blocked article", zap.String("title", title), zap.String("keyword", kw))
			res.Outcome = OutcomeBlocked
			return nil
		}

		sourceID := strings.TrimSpace(p.SourceID)
		if sourceID == "" {
			if sourceID, err = tx.ResolveSource(ctx, news.Hostname(url)); err != nil {
				return err
			}
		}

		decision, err := e.Assign(ctx, tx, title, embedding, settings)
		if err != nil {
			return err
		}

		article, err := e.buildArticle(p, url, title, sourceID, decision.ClusterID)
		if err != nil {
			return err
		}
		inserted, err := tx.InsertArticle(ctx, article)
		if err != nil {
			return err
		}
		if !inserted {
			return errLostRace
		}
		if decision.Created {
			if err := tx.SetPrimaryArticle(ctx, decision.ClusterID, article.ID); err != nil {
				return err
			}
		}

		res = Result{
			Outcome:   OutcomeJoined,
			Match:     decision.Match,
			ArticleID: article.ID,
			ClusterID: decision.ClusterID,
			SourceID:  sourceID,
		}
		if decision.Created {
			res.Outcome = OutcomeCreated
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		res, err = Result{Outcome: OutcomeDuplicate}, nil
	}
	if err != nil {
		metrics.ObserveCluster("error", string(MatchNone))
		return Result{}, fmt.Errorf("cluster article %s: %w", url, err)
	}
	if res.Match == "" {
		res.Match = MatchNone
	}
	metrics.ObserveCluster(string(res.Outcome), string(res.Match))
	e.logResult(logger, title, res)
	return res, nil
}

// Reconcile clusters an orphaned article with the same rules as Ingest. A
// newly created cluster takes the orphan as its primary article.
func (e *Engine) Reconcile(ctx context.Context, orphan news.Article) (Result, error) {
	settings := e.settings.Get(ctx)
	embedding := e.embed(ctx, orphan.Title)
	logger := e.logger.With(zap.String("article_id", orphan.ID), zap.String("url", orphan.URL))

	var res Result
	err := e.store.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		decision, err := e.Assign(ctx, tx, orphan.Title, embedding, settings)
		if err != nil {
			return err
		}
		if decision.Created {
			if err := tx.SetPrimaryArticle(ctx, decision.ClusterID, orphan.ID); err != nil {
				return err
			}
		}
		assigned, err := tx.AssignArticle(ctx, orphan.ID, decision.ClusterID)
		if err != nil {
			return err
		}
		if !assigned {
			return errLostRace
		}
		res = Result{
			Outcome:   OutcomeJoined,
			Match:     decision.Match,
			ArticleID: orphan.ID,
			ClusterID: decision.ClusterID,
			SourceID:  orphan.SourceID,
		}
		if decision.Created {
			res.Outcome = OutcomeCreated
		}
		return nil
	})
	if errors.Is(err, errLostRace) {
		return Result{Outcome: OutcomeDuplicate, Match: MatchNone, ArticleID: orphan.ID}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("reconcile article %s: %w", orphan.ID, err)
	}
	metrics.ObserveCluster(string(res.Outcome), string(res.Match))
	e.logResult(logger, orphan.Title, res)
	return res, nil
}

// Assign finds the cluster an article with title and embedding belongs to,
// creating one when no recent cluster is close enough. Joining bumps the
// cluster's last update time and never touches its primary article.
func (e *Engine) Assign(
	ctx context.Context,
	tx Tx,
	title string,
	embedding []float32,
	settings news.ClusteringSettings,
) (Decision, error) {
	now := e.clock.Now().UTC()
	since := Window(now, settings)

	if len(embedding) > 0 {
		cand, ok, err := tx.NearestByVector(ctx, embedding, since)
		if err != nil {
			return Decision{}, err
		}
		if ok && cand.Score < settings.DistanceThreshold {
			if err := tx.TouchCluster(ctx, cand.ClusterID, now); err != nil {
				return Decision{}, err
			}
			return Decision{ClusterID: cand.ClusterID, Match: MatchVector}, nil
		}
	}

	cand, ok, err := tx.NearestByTitle(ctx, title, settings.TextSimilarityThreshold, since)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		if err := tx.TouchCluster(ctx, cand.ClusterID, now); err != nil {
			return Decision{}, err
		}
		return Decision{ClusterID: cand.ClusterID, Match: MatchLexical}, nil
	}

	id, err := e.ids.NewID()
	if err != nil {
		return Decision{}, fmt.Errorf("generate cluster id: %w", err)
	}
	c := news.Cluster{
		ID:            id,
		Title:         title,
		Topic:         e.cfg.DefaultTopic,
		Score:         e.cfg.DefaultScore,
		Embedding:     embedding,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := tx.CreateCluster(ctx, c); err != nil {
		return Decision{}, err
	}
	return Decision{ClusterID: id, Created: true, Match: MatchNone}, nil
}

func (e *Engine) buildArticle(p news.ParsedArticle, url, title, sourceID, clusterID string) (news.Article, error) {
	id, err := e.ids.NewID()
	if err != nil {
		return news.Article{}, fmt.Errorf("generate article id: %w", err)
	}
	now := e.clock.Now().UTC()
	published := now
	if p.PublishedTime != nil && !p.PublishedTime.IsZero() {
		published = p.PublishedTime.UTC()
	}
	return news.Article{
		ID:          id,
		ClusterID:   clusterID,
		SourceID:    sourceID,
		URL:         url,
		Title:       title,
		Snippet:     truncateRunes(strings.TrimSpace(p.Excerpt), e.cfg.SnippetLength),
		PublishedAt: published,
		Author:      strings.TrimSpace(p.Author),
		Image:       extract.PickBestImage(p.ImageCandidates),
		CreatedAt:   now,
	}, nil
}

// embed returns nil when no vector is available; clustering then uses titles only.
func (e *Engine) embed(ctx context.Context, title string) []float32 {
	if e.embedder == nil {
		return nil
	}
	v, err := e.embedder.Embed(ctx, title)
	if err != nil {
		// The bare sentinel means lookups are switched off.
		if err != news.ErrEmbeddingUnavailable { //nolint:errorlint // wrapped errors are real failures
			e.logger.Warn("embedding unavailable, using lexical match", zap.Error(err))
		}
		return nil
	}
	return v
}

func (e *Engine) logResult(logger *zap.Logger, title string, res Result) {
	switch res.Outcome {
	case OutcomeCreated:
		logger.Info("created cluster", zap.String("cluster_id", res.ClusterID), zap.String("article_id", res.ArticleID), zap.String("title", title))
	case OutcomeJoined:
		logger.Info("joined cluster",
			zap.String("cluster_id", res.ClusterID),
			zap.String("article_id", res.ArticleID),
			zap.String("match", string(res.Match)))
	case OutcomeDuplicate:
		logger.Debug("article already stored")
	}
}

func matchKeyword(title string, keywords []string) (string, bool) {
	lower := strings.ToLower(title)
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			return kw, true
		}
	}
	return "", false
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// Window returns the oldest last-update time a join candidate may have.
func Window(now time.Time, s news.ClusteringSettings) time.Time {
	return now.Add(-s.TimeWindow())
}
