package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/telemetry-bridge/internal/session"
)

const (
	// defaultRecordLimit and maxRecordLimit bound /api/v1/records.
	defaultRecordLimit = 50
	maxRecordLimit     = 1000

	// probeTimeout bounds the store health check behind /readyz.
	probeTimeout = 2 * time.Second
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(requestID, s.accessLog, s.recoverer, limitBody)
	r.Use(middleware.CleanPath)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/records", s.handleRecords)
	})

	r.Get(s.wsPath, s.handleFeed)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "no route for "+r.URL.Path)
	})

	return r
}

// handleHealth reports that the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

// handleReady reports whether the bridge can do useful work: the broker
// session is connected and, in consumer processes, the store answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if s.session != nil {
		state := s.session.Status().State
		checks["session"] = state
		if state != session.Connected.String() {
			ready = false
		}
	}

	if s.records != nil {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()
		if err := s.records.HealthCheck(ctx); err != nil {
			checks["store"] = err.Error()
			ready = false
		} else {
			checks["store"] = "ok"
		}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// handleRecords returns the most recently stored records, newest first.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "no store in this process")
		return
	}

	limit := defaultRecordLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRecordLimit {
			writeBadRequest(w, "limit must be an integer between 1 and "+strconv.Itoa(maxRecordLimit))
			return
		}
		limit = n
	}

	recs, err := s.records.RecentRecords(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing recent records failed", "error", err)
		writeInternalError(w, "failed to list records")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": recs,
		"count":   len(recs),
	})
}
