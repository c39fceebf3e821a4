package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-news-pipeline/internal/feed"
	"github.com/JakeFAU/realtime-news-pipeline/internal/metrics"
	"github.com/JakeFAU/realtime-news-pipeline/internal/pipeline"
	"github.com/JakeFAU/realtime-news-pipeline/internal/publisher/memory"
)

const (
	requestTimeout  = 60 * time.Second
	submitTimeout   = 5 * time.Second
	defaultFailures = 100
	maxFailures     = 1000
)

// Reprocessor discards an enrichment and schedules the article again.
type Reprocessor interface {
	Reprocess(ctx context.Context, rawArticleID string) (string, error)
}

// EventStream is the in-process source of realtime events.
type EventStream interface {
	Subscribe(buffer int) (<-chan memory.Message, func())
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Deps groups the collaborators behind the HTTP routes. Nil members disable their routes
// with 503.
type Deps struct {
	Submitter   pipeline.Submitter
	Reprocessor Reprocessor
	Store       pipeline.Store
	Events      EventStream
	Ready       map[string]ReadinessCheck
	APIKey      string
}

// Server wires HTTP handlers to the pipeline.
type Server struct {
	router   chi.Router
	deps     Deps
	articles *ArticleHandler
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		deps:     deps,
		articles: NewArticleHandler(deps.Store, logger),
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(metrics.Middleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.APIKey != "" {
			r.Use(apiKeyMiddleware(deps.APIKey))
		}
		// Server-sent events stream indefinitely; everything else is bounded.
		r.Get("/events", s.streamEvents)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Post("/poll", s.triggerPoll)
			r.Get("/tasks/failed", s.listFailedTasks)
			r.Get("/sources", s.articles.ListSources)
			r.Route("/raw-articles", func(r chi.Router) {
				r.Get("/", s.articles.ListRawArticles)
				r.Get("/{id}", s.articles.GetRawArticle)
				r.Post("/{id}/reprocess", s.reprocess)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.deps.Ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) triggerPoll(w http.ResponseWriter, r *http.Request) {
	if s.deps.Submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "task submission unavailable")
		return
	}
	ref := feed.RefAllForce
	if source := r.URL.Query().Get("source"); source != "" {
		ref = source
	}
	ctx, cancel := context.WithTimeout(r.Context(), submitTimeout)
	defer cancel()
	if err := s.deps.Submitter.Submit(ctx, pipeline.TaskPoll, ref); err != nil {
		s.logger.Error("submit poll task", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit poll task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": pipeline.TaskPoll, "ref": ref})
}

func (s *Server) reprocess(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reprocessor == nil {
		writeError(w, http.StatusServiceUnavailable, "reprocessing unavailable")
		return
	}
	id := chi.URLParam(r, "id")
	kind, err := s.deps.Reprocessor.Reprocess(r.Context(), id)
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			writeError(w, http.StatusNotFound, "raw article not found")
			return
		}
		s.logger.Error("reprocess article", zap.String("raw_article_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to reprocess article")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"raw_article_id": id, "task": kind})
}

func (s *Server) listFailedTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultFailures, maxFailures)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	failures, err := s.deps.Store.ListTaskFailures(r.Context(), limit)
	if err != nil {
		s.logger.Error("list task failures", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list task failures")
		return
	}
	if failures == nil {
		failures = []pipeline.TaskFailure{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"failures": failures})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
