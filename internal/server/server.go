/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/spotlxght/slotrunner/internal/logbuffer"
	"github.com/spotlxght/slotrunner/internal/scheduler"
	"github.com/spotlxght/slotrunner/internal/telemetry"
	"github.com/spotlxght/slotrunner/internal/version"
)

// Pinger reports store reachability for readiness checks.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// JobLister exposes the scheduler's pending jobs.
type JobLister interface {
	Snapshot() []scheduler.JobView
}

// LeaderReporter reports whether this instance currently runs the poller.
type LeaderReporter interface {
	IsLeader() bool
}

// Options configures the HTTP surface.
type Options struct {
	Addr   string
	Store  Pinger
	Jobs   JobLister
	Leader LeaderReporter // nil when leader election is disabled
	Logs   *logbuffer.Buffer
}

// Server exposes health, readiness, metrics and the job registry view.
type Server struct {
	opts       Options
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	closers    []func() error
}

// New constructs the server and its routes.
func New(opts Options, logger zerolog.Logger) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	router.Use(middleware.Timeout(30 * time.Second))

	srv := &Server{
		opts:   opts,
		logger: logger.With().Str("component", "server").Logger(),
		router: router,
	}
	srv.configureRoutes()

	srv.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           otelhttp.NewHandler(srv.router, "slotrunner-api"),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Handler returns the routed handler without the listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe blocks serving HTTP until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and runs registered closers in reverse order.
func (s *Server) Shutdown(ctx context.Context) error {
	firstErr := s.httpServer.Shutdown(ctx)
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Handle("/metrics", telemetry.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleJobs)
		r.Get("/logs", s.handleLogs)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": version.Version,
	}
	if s.opts.Leader != nil {
		resp["leader"] = s.opts.Leader.IsLeader()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.opts.Store.PingContext(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  "database unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []scheduler.JobView{}
	if s.opts.Jobs != nil {
		jobs = append(jobs, s.opts.Jobs.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(jobs),
		"jobs":  jobs,
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Logs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "log buffer disabled"})
		return
	}

	q := r.URL.Query()
	query := logbuffer.Query{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		TimeslotID: q.Get("timeslot_id"),
		Search:     q.Get("search"),
		Limit:      200,
		Newest:     true,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		query.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		query.Since = since
	}

	entries := s.opts.Logs.Query(query)
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
