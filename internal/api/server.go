// Package api exposes the HTTP interface for the creator cache service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/creatorcache/creatorcache/internal/cache"
	"github.com/creatorcache/creatorcache/internal/content"
	"github.com/creatorcache/creatorcache/internal/metrics"
	"github.com/creatorcache/creatorcache/internal/resolver"
	"github.com/creatorcache/creatorcache/internal/scheduler"
)

// CreatorStore reads cached creator records.
type CreatorStore interface {
	Get(ctx context.Context, name string, maxAge time.Duration) (content.CreatorRecord, error)
	CacheStats(ctx context.Context) (cache.Stats, error)
}

// Scraper accepts targeted scrape requests and reports run stats.
type Scraper interface {
	ScrapeSpecific(ctx context.Context, names []string) error
	Stats() scheduler.Stats
}

// TargetSource supplies roster targets for name resolution.
type TargetSource interface {
	All(limit int) []content.CanonicalTarget
	Lookup(name string) (content.CanonicalTarget, bool)
}

// Server wires HTTP handlers to the cache, scheduler, and resolver.
type Server struct {
	router   chi.Router
	store    CreatorStore
	scraper  Scraper
	source   TargetSource
	resolver *resolver.Resolver
	logger   *zap.Logger

	readyFn func() bool
}

// NewServer constructs a Server with middleware and routes. readyFn gates
// /readyz; a nil readyFn reports ready immediately.
func NewServer(
	store CreatorStore,
	scraper Scraper,
	source TargetSource,
	res *resolver.Resolver,
	logger *zap.Logger,
	readyFn func() bool,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		scraper:  scraper,
		source:   source,
		resolver: res,
		logger:   logger,
		readyFn:  readyFn,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.getStats)
		r.Get("/creators/{name}", s.getCreator)
		r.Post("/scrape", s.postScrape)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once the startup priority phase has completed, so
// load balancers do not route lookups at a cold cache.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.readyFn != nil && !s.readyFn() {
		s.writeError(w, http.StatusServiceUnavailable, "warming up")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	cacheStats, err := s.store.CacheStats(r.Context())
	if err != nil {
		s.logger.Error("cache stats failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "cache stats unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"scheduler": s.scraper.Stats(),
		"cache":     cacheStats,
	})
}

// getCreator resolves the requested name against the roster, then serves
// the cached record. A confident single match is served directly; several
// plausible candidates produce a 422 carrying the ranked list so the
// caller can retry with a canonical name.
func (s *Server) getCreator(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(chi.URLParam(r, "name"))
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "creator name required")
		return
	}

	result := s.resolver.Resolve(query, s.source.All(0))
	target, ok := pickTarget(result)
	if !ok {
		if len(result.Ranked) > 1 {
			s.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":      "ambiguous creator name",
				"query":      query,
				"candidates": result.Ranked,
			})
			return
		}
		s.writeError(w, http.StatusNotFound, "unknown creator")
		return
	}

	record, err := s.store.Get(r.Context(), target.Name, 0)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{
				"error":   "not cached yet",
				"creator": target.Name,
			})
			return
		}
		s.logger.Error("creator lookup failed", zap.String("name", target.Name), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

// pickTarget reduces a resolve result to a single target: an auto-accepted
// match, or the sole candidate above the threshold.
func pickTarget(result resolver.Result) (content.CanonicalTarget, bool) {
	if result.Match != nil {
		return result.Match.Target, true
	}
	if len(result.Ranked) == 1 {
		return result.Ranked[0].Target, true
	}
	return content.CanonicalTarget{}, false
}

type scrapeRequest struct {
	Names []string `json:"names"`
}

// postScrape validates the requested names against the roster and kicks
// off an ad-hoc scrape of the known ones in the background.
func (s *Server) postScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Names) == 0 {
		s.writeError(w, http.StatusBadRequest, "names required")
		return
	}

	var known, unknown []string
	for _, name := range req.Names {
		if _, ok := s.source.Lookup(name); ok {
			known = append(known, name)
		} else {
			unknown = append(unknown, name)
		}
	}
	if len(known) == 0 {
		s.writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "no known creators in request",
			"unknown": unknown,
		})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := s.scraper.ScrapeSpecific(ctx, known); err != nil {
			s.logger.Warn("ad-hoc scrape finished with errors", zap.Error(err))
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": known,
		"unknown":  unknown,
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
