package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

func TestEmbedCachesByText(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "City Council Approves Budget", req.Text)
		_ = json.NewEncoder(w).Encode(embedResponse{Vector: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, CacheSize: 4}, nil, zap.NewNop())
	require.NoError(t, err)
	require.True(t, c.Enabled())

	for i := 0; i < 3; i++ {
		v, err := c.Embed(context.Background(), "City Council Approves Budget")
		require.NoError(t, err)
		require.Equal(t, []float32{0.1, 0.2, 0.3}, v)
	}
	require.Equal(t, int32(1), calls.Load())
}

func TestEmbedDisabled(t *testing.T) {
	t.Parallel()

	c, err := New(Config{}, nil, nil)
	require.NoError(t, err)
	require.False(t, c.Enabled())

	_, err = c.Embed(context.Background(), "anything")
	require.ErrorIs(t, err, news.ErrEmbeddingUnavailable)
}

func TestEmbedFailuresAreUnavailable(t *testing.T) {
	t.Parallel()

	cases := map[string]http.HandlerFunc{
		"bad status": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
		},
		"empty vector": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"vector":[]}`))
		},
		"bad json": func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"vector":`))
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(handler)
			defer srv.Close()

			c, err := New(Config{Endpoint: srv.URL}, nil, zap.NewNop())
			require.NoError(t, err)
			_, err = c.Embed(context.Background(), "title")
			require.Error(t, err)
			require.True(t, errors.Is(err, news.ErrEmbeddingUnavailable))
		})
	}
}

func TestEmbedFailureIsNotCached(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"vector":[1,0]}`))
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "t")
	require.Error(t, err)
	v, err := c.Embed(context.Background(), "t")
	require.NoError(t, err)
	require.Equal(t, []float32{1, 0}, v)
}

func TestEmbedTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(Config{Endpoint: srv.URL, Timeout: 50 * time.Millisecond}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "slow")
	require.ErrorIs(t, err, news.ErrEmbeddingUnavailable)
}
