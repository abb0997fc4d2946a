package fetch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// Worker leases batches under its own owner id and processes them in order.
type Worker struct {
	stage  *Stage
	owner  string
	logger *zap.Logger
}

// NewWorker creates a worker with a fresh lease owner.
func (s *Stage) NewWorker(index int) (*Worker, error) {
	owner, err := s.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("lease owner id: %w", err)
	}
	return &Worker{
		stage:  s,
		owner:  owner,
		logger: s.logger.With(zap.Int("worker", index), zap.String("lease_owner", owner)),
	}, nil
}

// Owner returns the lease owner recorded on items this worker claims.
func (w *Worker) Owner() string {
	return w.owner
}

// Run blocks, leasing and fetching until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("fetch worker started")
	defer w.logger.Info("fetch worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("lease batch failed", zap.Error(err))
		}
		if n == 0 || err != nil {
			if !sleep(ctx, w.stage.cfg.PollInterval) {
				return
			}
		}
	}
}

// RunOnce leases one batch and processes it, returning how many items it handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	items, err := w.stage.deps.Queue.LeaseBatch(ctx, w.stage.cfg.BatchSize, w.owner)
	if err != nil {
		return 0, fmt.Errorf("lease batch: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}
	w.logger.Debug("leased batch", zap.Int("size", len(items)))

	metrics.IncActiveWorkers(stageName)
	defer metrics.DecActiveWorkers(stageName)
	for _, item := range items {
		w.stage.ProcessItem(ctx, item)
	}
	return len(items), nil
}

// Reclaimer returns stuck leases to pending on a fixed interval.
type Reclaimer struct {
	queue    news.Queue
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewReclaimer builds a Reclaimer from the stage's lease settings.
func (s *Stage) NewReclaimer() *Reclaimer {
	interval := s.cfg.ReclaimInterval
	if interval <= 0 {
		interval = time.Minute
	}
	timeout := s.cfg.LeaseTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Reclaimer{
		queue:    s.deps.Queue,
		timeout:  timeout,
		interval: interval,
		logger:   s.logger.Named("reclaimer"),
	}
}

// Run sweeps expired leases until the context finishes.
func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.queue.ReclaimExpired(ctx, r.timeout)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("reclaim expired leases", zap.Error(err))
				}
				continue
			}
			if n > 0 {
				r.logger.Info("reclaimed expired leases", zap.Int("count", n))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
