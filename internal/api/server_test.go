package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/config"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
	queuememory "github.com/JakeFAU/realtime-news-indexer/internal/queue/memory"
)

func TestServer_Ingest_QueuesURL(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(queuememory.Options{})
	server := NewServer(q, nil, config.Config{}, zap.NewNop())

	body := []byte(`{"url":"https://Example.com/news/budget?utm_source=x","source_id":"metro","published_at":"2024-05-01T08:30:00Z"}`)
	rec := serve(server, http.MethodPost, "/v1/ingest", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp ingestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Created)
	require.Equal(t, "https://example.com/news/budget", resp.Item.URL)
	require.Equal(t, "metro", resp.Item.SourceID)
	require.Equal(t, news.QueueStatusPending, resp.Item.Status)
	require.NotNil(t, resp.Item.PublishedAt)

	rec = serve(server, http.MethodPost, "/v1/ingest", []byte(`{"url":"https://example.com/news/budget"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Created)

	items, err := q.List(context.Background(), news.QueueFilter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestServer_Ingest_RejectsBadInput(t *testing.T) {
	t.Parallel()

	server := NewServer(queuememory.NewQueue(queuememory.Options{}), nil, config.Config{}, zap.NewNop())

	cases := map[string]string{
		"invalid json": `{"url":`,
		"missing url":  `{}`,
		"bad scheme":   `{"url":"ftp://example.com/file"}`,
	}
	for name, body := range cases {
		rec := serve(server, http.MethodPost, "/v1/ingest", []byte(body))
		require.Equal(t, http.StatusBadRequest, rec.Code, name)
		require.Contains(t, rec.Body.String(), "error", name)
	}
}

type failingQueue struct {
	news.Queue
}

func (failingQueue) Enqueue(context.Context, news.EnqueueRequest) (news.QueueItem, bool, error) {
	return news.QueueItem{}, false, errors.New("connection refused")
}

func (failingQueue) List(context.Context, news.QueueFilter) ([]news.QueueItem, error) {
	return nil, errors.New("connection refused")
}

func TestServer_StoreErrorsReturn500(t *testing.T) {
	t.Parallel()

	server := NewServer(failingQueue{}, nil, config.Config{}, zap.NewNop())

	rec := serve(server, http.MethodPost, "/v1/ingest", []byte(`{"url":"https://example.com/a"}`))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "connection refused")

	rec = serve(server, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ListQueue(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(queuememory.Options{})
	ctx := context.Background()
	for _, u := range []string{"https://example.com/a", "https://example.com/b", "https://example.com/c"} {
		_, _, err := q.Enqueue(ctx, news.EnqueueRequest{URL: u})
		require.NoError(t, err)
	}
	require.NoError(t, q.MarkRejected(ctx, "https://example.com/b", "empty title"))
	server := NewServer(q, nil, config.Config{}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/queue?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeItems(t, rec), 2)

	rec = serve(server, http.MethodGet, "/v1/queue?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decodeItems(t, rec), 2)

	rec = serve(server, http.MethodGet, "/v1/queue/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	failed := decodeItems(t, rec)
	require.Len(t, failed, 1)
	require.Equal(t, "https://example.com/b", failed[0].URL)
	require.Equal(t, "empty title", failed[0].LastError)

	rec = serve(server, http.MethodGet, "/v1/queue?status=lost", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(server, http.MethodGet, "/v1/queue?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ListQueue_EmptyIsArray(t *testing.T) {
	t.Parallel()

	server := NewServer(queuememory.NewQueue(queuememory.Options{}), nil, config.Config{}, zap.NewNop())
	rec := serve(server, http.MethodGet, "/v1/queue/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"items":[]}`, rec.Body.String())
}

func TestServer_GetAndRetryItem(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(queuememory.Options{})
	ctx := context.Background()
	item, _, err := q.Enqueue(ctx, news.EnqueueRequest{URL: "https://example.com/a"})
	require.NoError(t, err)
	require.NoError(t, q.MarkRejected(ctx, item.URL, "empty title"))
	server := NewServer(q, nil, config.Config{}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/queue/"+item.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, news.QueueStatusFailed, decodeItem(t, rec).Status)

	rec = serve(server, http.MethodPost, "/v1/queue/"+item.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, news.QueueStatusPending, decodeItem(t, rec).Status)

	leased, err := q.LeaseBatch(ctx, 10, "worker-1")
	require.NoError(t, err)
	require.Len(t, leased, 1)
}

func TestServer_ItemNotFoundAndInvalidID(t *testing.T) {
	t.Parallel()

	server := NewServer(queuememory.NewQueue(queuememory.Options{}), nil, config.Config{}, zap.NewNop())
	missing := "0190c2a4-6f1e-7c55-9b1a-6a4d2f0c1e11"

	rec := serve(server, http.MethodGet, "/v1/queue/"+missing, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(server, http.MethodPost, "/v1/queue/"+missing+"/retry", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = serve(server, http.MethodGet, "/v1/queue/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error {
	return f.err
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(queuememory.Options{})

	rec := serve(NewServer(q, nil, config.Config{}, zap.NewNop()), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(NewServer(q, fakePinger{}, config.Config{}, zap.NewNop()), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(NewServer(q, fakePinger{err: errors.New("no route to host")}, config.Config{}, zap.NewNop()),
		http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := NewServer(queuememory.NewQueue(queuememory.Options{}), nil, config.Config{}, zap.NewNop())
	_ = serve(server, http.MethodGet, "/healthz", nil)

	rec := serve(server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := NewServer(queuememory.NewQueue(queuememory.Options{}), nil, cfg, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/queue", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/queue?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code, "liveness probe stays open")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := NewServer(queuememory.NewQueue(queuememory.Options{}), nil, config.Config{}, zap.NewNop())
	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func serve(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeItems(t *testing.T, rec *httptest.ResponseRecorder) []news.QueueItem {
	t.Helper()
	var payload struct {
		Items []news.QueueItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Items
}

func decodeItem(t *testing.T, rec *httptest.ResponseRecorder) news.QueueItem {
	t.Helper()
	var payload struct {
		Item news.QueueItem `json:"item"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Item
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
