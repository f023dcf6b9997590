package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/johnrirwin/samachar/internal/logging"
	"github.com/johnrirwin/samachar/internal/models"
	"github.com/johnrirwin/samachar/internal/newsfeed"
	"github.com/johnrirwin/samachar/internal/ratelimit"
	"github.com/johnrirwin/samachar/internal/sources"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	refreshTimeout  = 2 * time.Minute
)

type Server struct {
	news           *newsfeed.Service
	refreshLimiter ratelimit.RateLimiter
	refreshOff     bool
	logger         *logging.Logger
	server         *http.Server
}

// New builds the API server. refreshLimiter may be nil to disable throttling
// of refresh and retry requests.
func New(news *newsfeed.Service, refreshLimiter ratelimit.RateLimiter, logger *logging.Logger) *Server {
	return &Server{
		news:           news,
		refreshLimiter: refreshLimiter,
		logger:         logger,
	}
}

// DisableManualRefresh makes POST /api/refresh answer 403. Scheduled
// refreshes and per-feed retries keep working.
func (s *Server) DisableManualRefresh() {
	s.refreshOff = true
}

// Handler returns the routed mux. Start serves it; tests use it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/items", s.corsMiddleware(s.handleGetItems))
	mux.HandleFunc("/api/sources", s.corsMiddleware(s.handleGetSources))
	mux.HandleFunc("/api/failed-feeds", s.corsMiddleware(s.handleFailedFeeds))
	mux.HandleFunc("/api/refresh", s.corsMiddleware(s.handleRefresh))
	mux.HandleFunc("/api/retry", s.corsMiddleware(s.handleRetry))
	mux.HandleFunc("/api/new", s.corsMiddleware(s.handleNewItems))
	mux.HandleFunc("/api/archive", s.corsMiddleware(s.handleArchive))

	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: refreshTimeout + 15*time.Second,
	}

	s.logger.Info("HTTP API server starting", logging.WithField("addr", addr))
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func (s *Server) handleGetItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := s.news.GetItems(r.Context(), parseFilterParams(r))
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statuses, err := s.news.Sources(r.Context())
	if err != nil {
		s.logger.Error("Failed to load sources", logging.WithField("error", err.Error()))
		s.writeError(w, http.StatusServiceUnavailable, "manifest_unavailable", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sources": statuses,
		"count":   len(statuses),
	})
}

func (s *Server) handleFailedFeeds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	failed := s.news.FailedFeeds(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"failedFeeds": failed,
		"count":       len(failed),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.refreshOff {
		s.writeError(w, http.StatusForbidden, "refresh_disabled", "manual refresh is disabled on this server")
		return
	}
	if !s.allow(refreshKey(r)) {
		s.writeError(w, http.StatusTooManyRequests, "rate_limited", "refresh requested too recently, try again later")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	snap, err := s.news.Refresh(ctx)
	if err != nil {
		s.logger.Error("Failed to refresh feeds", logging.WithField("error", err.Error()))
		s.writeError(w, http.StatusServiceUnavailable, "manifest_unavailable", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "success",
		"runId":       snap.RunID,
		"items":       len(snap.Items),
		"sources":     snap.Sources,
		"failedFeeds": snap.FailedFeeds,
	})
}

type retryRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req retryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "url is required")
		return
	}
	if !s.allow(retryKey(r, req.URL)) {
		s.writeError(w, http.StatusTooManyRequests, "rate_limited", "retry requested too recently, try again later")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	items, err := s.news.RetryFeed(ctx, req.URL)
	switch {
	case errors.Is(err, newsfeed.ErrUnknownFeed):
		s.writeError(w, http.StatusNotFound, "unknown_feed", err.Error())
		return
	case errors.Is(err, sources.ErrFetchExhausted):
		s.writeError(w, http.StatusBadGateway, "fetch_failed", "failed to reload the feed, try again later")
		return
	case err != nil:
		s.logger.Error("Failed to retry feed", logging.WithFields(map[string]interface{}{
			"url":   req.URL,
			"error": err.Error(),
		}))
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"items":  items,
		"count":  len(items),
	})
}

func (s *Server) handleNewItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	notifications, err := s.news.NewItems(r.Context())
	if err != nil {
		s.logger.Error("Failed to diff seen items", logging.WithField("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response, err := s.news.Archive(r.Context(), parseFilterParams(r))
	if errors.Is(err, newsfeed.ErrArchiveDisabled) {
		s.writeError(w, http.StatusNotImplemented, "archive_disabled", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("Failed to query archive", logging.WithField("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) allow(key string) bool {
	if s.refreshLimiter == nil {
		return true
	}
	return s.refreshLimiter.Allow(key)
}

// refreshKey and retryKey keep the two actions apart, and retries of
// different feeds apart, so a reader can work through the failed list.
func refreshKey(r *http.Request) string {
	return "refresh:" + getClientIP(r)
}

func retryKey(r *http.Request, feedURL string) string {
	return "retry:" + getClientIP(r) + "|" + strings.TrimSpace(feedURL)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

// parseFilterParams reads limit, offset, sources (comma-separated), category,
// q, fromDate and toDate from the query string.
func parseFilterParams(r *http.Request) models.FilterParams {
	query := r.URL.Query()
	limit, offset := parsePagination(r, defaultPageSize, maxPageSize)

	var sourceNames []string
	if raw := query.Get("sources"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				sourceNames = append(sourceNames, name)
			}
		}
	}

	return models.FilterParams{
		Limit:    limit,
		Offset:   offset,
		Sources:  sourceNames,
		Category: query.Get("category"),
		Query:    query.Get("q"),
		FromDate: query.Get("fromDate"),
		ToDate:   query.Get("toDate"),
	}
}

func parsePagination(r *http.Request, defaultLimit, maxLimit int) (limit, offset int) {
	limit = defaultLimit

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	return limit, offset
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return io.EOF
	}
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func getClientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	remoteAddr := strings.TrimSpace(r.RemoteAddr)
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		return remoteAddr[:idx]
	}
	return remoteAddr
}
