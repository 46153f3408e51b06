// ============================================================================
// Beaver-Jobs Inspector - read-mostly HTTP view of a running job manager
// ============================================================================
//
// Package: internal/server
// File: http.go
//
// Routes:
//   GET  /healthz                     manager liveness (503 after shutdown)
//   GET  /metrics                     Prometheus scrape, when a gatherer is set
//   GET  /api/v1/jobs                 registered futures
//                                     ?state=&name=&mutex=&session=&hint=
//   GET  /api/v1/jobs/{id}            one future
//   POST /api/v1/jobs/{id}/cancel     cancel, ?interrupt=true to interrupt
//   GET  /api/v1/mutexes              mutex objects with competitors
//   GET  /api/v1/mutexes/{key}        permit holder, queue and yielded futures
//
// Mutex objects are matched by their fmt representation, so only mutexes
// with a stable string form are addressable.
//
// ============================================================================

package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/beaver-jobs/internal/jobmanager"
	"github.com/ChuLiYu/beaver-jobs/internal/metrics"
	"github.com/ChuLiYu/beaver-jobs/pkg/types"
)

// Inspector serves the HTTP API of one JobManager.
type Inspector struct {
	router    chi.Router
	logger    *slog.Logger
	manager   *jobmanager.JobManager
	gatherer  prometheus.Gatherer
	version   string
	startTime time.Time
}

// Option configures optional Inspector dependencies.
type Option func(*Inspector)

// WithGatherer exposes the metrics of g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Inspector) { s.gatherer = g }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) Option {
	return func(s *Inspector) { s.version = v }
}

// NewInspector creates an Inspector with all routes registered.
func NewInspector(m *jobmanager.JobManager, logger *slog.Logger, opts ...Option) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Inspector{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "inspector"),
		manager:   m,
		version:   "dev",
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Inspector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Inspector) routes() {
	r := s.router

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Get("/healthz", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Post("/cancel", s.handleCancelJob)
			})
		})
		r.Route("/mutexes", func(r chi.Router) {
			r.Get("/", s.handleListMutexes)
			r.Get("/{key}", s.handleGetMutex)
		})
	})
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Uptime        string `json:"uptime"`
	ActiveFutures int    `json:"active_futures"`
	ActiveWorkers int    `json:"active_workers"`
}

func (s *Inspector) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	health := healthResponse{
		Status:        "serving",
		Version:       s.version,
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		ActiveFutures: len(s.manager.Futures(nil)),
		ActiveWorkers: s.manager.ActiveWorkers(),
	}
	status := http.StatusOK
	if s.manager.IsShutdown() {
		health.Status = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, reqID, health, nil)
}

func (s *Inspector) handleListJobs(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	filter, err := futureFilterFromQuery(r)
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	futures := s.manager.Futures(filter)
	infos := make([]types.FutureInfo, 0, len(futures))
	for _, f := range futures {
		infos = append(infos, f.Info())
	}
	respondOK(w, reqID, infos)
}

// futureFilterFromQuery builds a filter from the list query parameters.
// Repeated state and name parameters are or-ed.
func futureFilterFromQuery(r *http.Request) (*jobmanager.FutureFilter, error) {
	q := r.URL.Query()
	filter := jobmanager.NewFutureFilter()

	if raw := q["state"]; len(raw) > 0 {
		states := make([]types.JobState, 0, len(raw))
		for _, s := range raw {
			state := types.JobState(s)
			if !state.IsValid() {
				return nil, fmt.Errorf("unknown state %q", s)
			}
			states = append(states, state)
		}
		filter.AndMatchState(states...)
	}
	if names := q["name"]; len(names) > 0 {
		filter.AndMatchName(names...)
	}
	if key := q.Get("mutex"); key != "" {
		filter.AndMatch(func(f *jobmanager.Future) bool {
			m := f.Mutex()
			return m != nil && fmt.Sprint(m) == key
		})
	}
	if session := q.Get("session"); session != "" {
		filter.AndMatch(func(f *jobmanager.Future) bool {
			return f.RunContext().SessionID() == session
		})
	}
	if hint := q.Get("hint"); hint != "" {
		filter.AndMatchExecutionHint(hint)
	}
	return filter, nil
}

func (s *Inspector) handleGetJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	f, ok := s.manager.Lookup(id)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, codeNotFound, fmt.Sprintf("job %s not found", id))
		return
	}
	respondOK(w, reqID, f.Info())
}

type cancelResponse struct {
	ID        string         `json:"id"`
	Cancelled bool           `json:"cancelled"`
	State     types.JobState `json:"state"`
}

func (s *Inspector) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	interrupt := false
	if raw := r.URL.Query().Get("interrupt"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(w, reqID, http.StatusBadRequest, codeBadRequest, fmt.Sprintf("invalid interrupt value %q", raw))
			return
		}
		interrupt = v
	}

	f, ok := s.manager.Lookup(id)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, codeNotFound, fmt.Sprintf("job %s not found", id))
		return
	}

	cancelled := f.Cancel(interrupt)
	s.logger.Info("Job cancel requested", "future", id, "job", f.Name(), "interrupt", interrupt, "cancelled", cancelled)
	respondOK(w, reqID, cancelResponse{ID: id, Cancelled: cancelled, State: f.State()})
}

func (s *Inspector) handleListMutexes(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, s.manager.MutexSemaphores().Infos())
}

func (s *Inspector) handleGetMutex(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	key := chi.URLParam(r, "key")

	for _, info := range s.manager.MutexSemaphores().Infos() {
		if info.Mutex == key {
			respondOK(w, reqID, info)
			return
		}
	}
	respondError(w, reqID, http.StatusNotFound, codeNotFound, fmt.Sprintf("no job competes for mutex %s", key))
}
