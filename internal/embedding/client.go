// Package embedding calls the title embedding service and caches vectors by text.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/logging"
	"github.com/JakeFAU/realtime-news-indexer/internal/metrics"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

const (
	defaultTimeout   = 5 * time.Second
	defaultCacheSize = 1024
	maxErrorBody     = 512
)

// Config configures the embedding client. An empty Endpoint disables lookups.
type Config struct {
	Endpoint  string
	Timeout   time.Duration
	CacheSize int
}

// Client implements news.Embedder against a `POST {text} -> {vector}` service.
type Client struct {
	endpoint string
	http     *http.Client
	cache    *lru.Cache[string, []float32]
	logger   *zap.Logger
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		endpoint: strings.TrimSpace(cfg.Endpoint),
		http:     httpClient,
		cache:    cache,
		logger:   logging.OrNop(logger).Named("embedding"),
	}, nil
}

// Enabled reports whether an endpoint is configured.
func (c *Client) Enabled() bool {
	return c.endpoint != ""
}

// Embed returns the vector for text. Every failure wraps news.ErrEmbeddingUnavailable.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if !c.Enabled() {
		metrics.ObserveEmbedding("disabled")
		return nil, news.ErrEmbeddingUnavailable
	}
	if v, ok := c.cache.Get(text); ok {
		metrics.ObserveEmbedding("hit")
		return v, nil
	}

	vector, err := c.request(ctx, text)
	if err != nil {
		metrics.ObserveEmbedding("error")
		return nil, fmt.Errorf("%w: %w", news.ErrEmbeddingUnavailable, err)
	}
	metrics.ObserveEmbedding("miss")
	c.cache.Add(text, vector)
	return vector, nil
}

func (c *Client) request(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding service: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("close embedding response", zap.Error(cerr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Vector) == 0 {
		return nil, errors.New("embedding service returned an empty vector")
	}
	c.logger.Debug("embedded text", zap.Int("dims", len(out.Vector)), zap.Duration("elapsed", time.Since(start)))
	return out.Vector, nil
}

var _ news.Embedder = (*Client)(nil)
