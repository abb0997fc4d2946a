// Package reconcile clusters articles that were stored without a cluster.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/cluster"
	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// Defaults for Config fields left at zero.
const (
	DefaultBatchSize = 20
	DefaultInterval  = 5 * time.Second
)

// Config controls sweep size and pacing.
type Config struct {
	BatchSize int
	Interval  time.Duration
}

// Assigner clusters one orphaned article.
type Assigner interface {
	Reconcile(ctx context.Context, orphan news.Article) (cluster.Result, error)
}

// Reconciler repeatedly finds orphans and hands them to the clustering engine.
type Reconciler struct {
	store    cluster.Store
	assigner Assigner
	cfg      Config
	logger   *zap.Logger
}

// New builds a Reconciler.
func New(store cluster.Store, assigner Assigner, cfg Config, logger *zap.Logger) (*Reconciler, error) {
	if store == nil || assigner == nil {
		return nil, errors.New("reconciler requires a store and an assigner")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Reconciler{
		store:    store,
		assigner: assigner,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("reconcile"),
	}, nil
}

// RunOnce clusters up to one batch of orphans and returns how many were
// assigned. A failure on one article is logged and does not stop the sweep.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	var orphans []news.Article
	err := r.store.WithTx(ctx, func(ctx context.Context, tx cluster.Tx) error {
		var err error
		orphans, err = tx.Orphans(ctx, r.cfg.BatchSize)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("load orphans: %w", err)
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	r.logger.Info("clustering orphans", zap.Int("count", len(orphans)))

	assigned := 0
	for _, orphan := range orphans {
		if ctx.Err() != nil {
			break
		}
		res, err := r.assigner.Reconcile(ctx, orphan)
		if err != nil {
			r.logger.Error("reconcile orphan", zap.String("article_id", orphan.ID), zap.Error(err))
			continue
		}
		if res.Outcome == cluster.OutcomeCreated || res.Outcome == cluster.OutcomeJoined {
			assigned++
		}
	}
	metrics.ObserveReconciled(assigned)
	return assigned, nil
}

// Run sweeps until the context finishes, sleeping Interval between sweeps.
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("orphan reconciler started", zap.Duration("interval", r.cfg.Interval))
	defer r.logger.Info("orphan reconciler stopped")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("orphan sweep failed", zap.Error(err))
		}
		timer.Reset(r.cfg.Interval)
	}
}
