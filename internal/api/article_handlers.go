package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
)

const (
	defaultArticleLimit = 50
	maxArticleLimit     = 500
	readTimeout         = 3 * time.Second
)

// ArticleHandler exposes read-only views of sources and raw articles.
type ArticleHandler struct {
	store   pipeline.Store
	timeout time.Duration
	logger  *zap.Logger
}

// NewArticleHandler wires the store and logger.
func NewArticleHandler(store pipeline.Store, logger *zap.Logger) *ArticleHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArticleHandler{
		store:   store,
		timeout: readTimeout,
		logger:  logger,
	}
}

// ListSources handles GET /v1/sources and returns {"sources": [...]}.
func (h *ArticleHandler) ListSources(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sources, err := h.store.ListSources(ctx)
	if err != nil {
		h.logger.Error("list sources failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	if sources == nil {
		sources = []pipeline.Source{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

// ListRawArticles handles GET /v1/raw-articles?source=&since=&limit=. since is RFC 3339.
// Raw HTML is omitted from list entries.
func (h *ArticleHandler) ListRawArticles(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultArticleLimit, maxArticleLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	articles, err := h.store.ListRawArticles(ctx, r.URL.Query().Get("source"), since, limit)
	if err != nil {
		h.logger.Error("list raw articles failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list raw articles")
		return
	}
	out := make([]pipeline.RawArticle, 0, len(articles))
	for _, a := range articles {
		a.RawHTML = ""
		out = append(out, a)
	}
	writeJSON(w, http.StatusOK, map[string]any{"raw_articles": out})
}

// GetRawArticle handles GET /v1/raw-articles/{id}. The enrichment is included when present.
func (h *ArticleHandler) GetRawArticle(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	raw, err := h.store.GetRawArticle(ctx, id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "raw article not found")
			return
		}
		h.logger.Error("get raw article failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load raw article")
		return
	}
	resp := map[string]any{"raw_article": raw}
	ai, err := h.store.GetAIArticleByRawID(ctx, id)
	switch {
	case err == nil:
		resp["ai_article"] = ai
	case !errors.Is(err, pipeline.ErrNotFound):
		h.logger.Warn("get ai article failed", zap.String("raw_article_id", id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}
