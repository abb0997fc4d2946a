package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-indexer/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-indexer/internal/news"
)

// listQueue handles GET /v1/queue?status=&limit=. It returns {"items": [...]}
// newest first, or 400 for an unknown status or malformed limit.
func (s *Server) listQueue(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeItems(w, r, filter)
}

// listFailed handles GET /v1/queue/failed?limit=.
func (s *Server) listFailed(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Status = news.QueueStatusFailed
	s.writeItems(w, r, filter)
}

func (s *Server) writeItems(w http.ResponseWriter, r *http.Request, filter news.QueueFilter) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	items, err := s.queue.List(ctx, filter)
	if err != nil {
		s.logger.Error("list queue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list queue")
		return
	}
	if items == nil {
		items = []news.QueueItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// getItem handles GET /v1/queue/{id}.
func (s *Server) getItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	item, err := s.queue.Get(ctx, id)
	if err != nil {
		s.writeStoreError(w, "get", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

// retryItem handles POST /v1/queue/{id}/retry. The item returns to pending
// whatever its current state.
func (s *Server) retryItem(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	if err := s.queue.Retry(ctx, id); err != nil {
		s.writeStoreError(w, "retry", id, err)
		return
	}
	item, err := s.queue.Get(ctx, id)
	if err != nil {
		s.writeStoreError(w, "get", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": item})
}

func (s *Server) writeStoreError(w http.ResponseWriter, op, id string, err error) {
	if errors.Is(err, news.ErrNotFound) {
		writeError(w, http.StatusNotFound, "queue item not found")
		return
	}
	s.logger.Error(op+" queue item failed", zap.String("id", id), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to "+op+" queue item")
}

func itemID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if !uuid.Valid(id) {
		writeError(w, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return id, true
}

func parseFilter(r *http.Request) (news.QueueFilter, error) {
	q := r.URL.Query()
	var filter news.QueueFilter
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := news.QueueStatus(strings.ToLower(raw))
		if !status.Valid() {
			return news.QueueFilter{}, errors.New("invalid status")
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return news.QueueFilter{}, errors.New("invalid limit")
		}
		filter.Limit = limit
	}
	return filter, nil
}
