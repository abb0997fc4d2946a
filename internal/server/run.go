package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/dispatcher"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// Component names a long-running part of the pipeline.
type Component string

// Components that Run can start.
const (
	ComponentAPI       Component = "api"
	ComponentFetch     Component = "fetch"
	ComponentExtract   Component = "extract"
	ComponentCluster   Component = "cluster"
	ComponentReconcile Component = "reconcile"
	ComponentDiscover  Component = "discover"
)

// AllComponents is what `serve` runs.
var AllComponents = []Component{
	ComponentAPI,
	ComponentFetch,
	ComponentExtract,
	ComponentCluster,
	ComponentReconcile,
	ComponentDiscover,
}

const resubscribeDelay = 2 * time.Second

// Runners returns the loops that implement c.
func (a *App) Runners(c Component) ([]dispatcher.Runner, error) {
	switch c {
	case ComponentFetch:
		runners := make([]dispatcher.Runner, 0, a.cfg.Fetch.Concurrency+2)
		for i := 0; i < a.cfg.Fetch.Concurrency; i++ {
			w, err := a.fetchStage.NewWorker(i)
			if err != nil {
				return nil, err
			}
			runners = append(runners, w)
		}
		runners = append(runners,
			a.fetchStage.NewReclaimer(),
			a.subscriber(a.cfg.Bus.Topics.NewURLs, a.fetchStage.HandleNewURL),
		)
		return runners, nil
	case ComponentExtract:
		return a.subscribers(a.cfg.Extract.Concurrency, a.cfg.Bus.Topics.Fetched, a.extractStage.Handle), nil
	case ComponentCluster:
		return a.subscribers(a.cfg.Cluster.Concurrency, a.cfg.Bus.Topics.Parsed, a.engine.Handle), nil
	case ComponentReconcile:
		return []dispatcher.Runner{a.reconciler}, nil
	case ComponentDiscover:
		if a.poller == nil {
			a.logger.Warn("feed discovery needs a database; skipping")
			return nil, nil
		}
		return []dispatcher.Runner{a.poller}, nil
	case ComponentAPI:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown component %q", c)
	}
}

func (a *App) subscribers(n int, topic string, handler news.Handler) []dispatcher.Runner {
	if n <= 0 {
		n = 1
	}
	runners := make([]dispatcher.Runner, 0, n)
	for i := 0; i < n; i++ {
		runners = append(runners, a.subscriber(topic, handler))
	}
	return runners
}

// subscriber keeps a subscription alive, resubscribing after transport errors.
func (a *App) subscriber(topic string, handler news.Handler) dispatcher.Runner {
	logger := a.logger.With(zap.String("topic", topic))
	return dispatcher.RunnerFunc(func(ctx context.Context) {
		for {
			err := a.bus.Subscribe(ctx, topic, handler)
			if ctx.Err() != nil || errors.Is(err, news.ErrQueueClosed) {
				return
			}
			logger.Error("subscription ended", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
		}
	})
}

// Run starts the given components and blocks until ctx is canceled, then
// drains the HTTP server and every runner before closing shared resources.
func (a *App) Run(ctx context.Context, components ...Component) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	dispatch := dispatcher.New()
	withAPI := false
	for _, c := range components {
		if c == ComponentAPI {
			withAPI = true
		}
		runners, err := a.Runners(c)
		if err != nil {
			return err
		}
		dispatch.Add(runners...)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.logger.Info("dispatcher started", zap.Int("runners", dispatch.Len()))
		dispatch.Run(ctx)
	}()

	var srv *http.Server
	if withAPI {
		srv = a.newHTTPServer()
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		a.logger.Warn("runners did not stop before the shutdown deadline")
	}
	return a.Close(shutdownCtx)
}
