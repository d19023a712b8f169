package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"distributed-job-scheduler/internal/connector"
	"distributed-job-scheduler/internal/models"
	"distributed-job-scheduler/internal/ratelimit"
	"distributed-job-scheduler/internal/scheduler"
	"distributed-job-scheduler/internal/store"
	"distributed-job-scheduler/internal/telemetry"
)

// DefaultScope is used when a request carries no scope headers.
var DefaultScope = models.Scope{OrgID: "default", ProjectID: "default"}

// Limiter admits manual operations per scope. ratelimit.TokenBucket implements it.
type Limiter interface {
	Allow(ctx context.Context, action string, scope models.Scope) (bool, float64, error)
}

// Server wires HTTP handlers for the scheduler control surface.
type Server struct {
	sched   *scheduler.Scheduler
	orch    *connector.Orchestrator
	errs    *connector.ErrorRegistry
	metrics *telemetry.Recorder
	limiter Limiter
	log     *zap.SugaredLogger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(sched *scheduler.Scheduler, orch *connector.Orchestrator, errs *connector.ErrorRegistry,
	metrics *telemetry.Recorder, limiter Limiter, log *zap.SugaredLogger) *Server {
	return &Server{
		sched:   sched,
		orch:    orch,
		errs:    errs,
		metrics: metrics,
		limiter: limiter,
		log:     log.Named("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/scheduler", s.handleHealth)

	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/metrics/jobs", s.handleJobMetrics)

	r.Route("/jobs/scheduler", func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Get("/", s.handleListJobs)
		r.Post("/tick", s.handleTick)
		r.Post("/{job_type}/resume", s.handleResume)
		r.Get("/{job_type}/runs", s.handleRuns)
	})
	r.Route("/connectors", func(r chi.Router) {
		r.Use(contentTypeJSON)
		r.Get("/errors", s.handleListErrors)
		r.Post("/errors/retry", s.handleRetry)
		r.Get("/{connector}/state", s.handleState)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Health())
}

func (s *Server) handleJobMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.metrics.Snapshot()})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromRequest(r)
	jobs, err := s.sched.Jobs(r.Context(), scope)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scope": scope, "jobs": nonNil(jobs)})
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 0)
	if !ok {
		return
	}
	if !s.admit(w, r, ratelimit.ActionTick) {
		return
	}
	res, err := s.sched.Tick(r.Context(), limit)
	if err != nil {
		s.log.Warnw("manual tick failed", "error", err)
	}
	// Tick errors are reported in the result body.
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromRequest(r)
	jobType := chi.URLParam(r, "job_type")
	resumed, err := s.sched.Resume(r.Context(), scope, jobType)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if resumed {
		s.log.Infow("job resumed", "job_type", jobType, "scope", scope.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_type": jobType, "resumed": resumed})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 50)
	if !ok {
		return
	}
	runs, err := s.sched.Runs(r.Context(), scopeFromRequest(r), chi.URLParam(r, "job_type"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": nonNil(runs)})
}

func (s *Server) handleListErrors(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "":
		status = models.ErrorOpen
	case models.ErrorOpen, models.ErrorResolved, "all":
	default:
		http.Error(w, "status must be open, resolved or all", http.StatusBadRequest)
		return
	}
	if status == "all" {
		status = ""
	}
	limit, ok := intParam(w, r, "limit", 100)
	if !ok {
		return
	}
	items, err := s.errs.List(r.Context(), scopeFromRequest(r), status, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"errors": nonNil(items)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 25)
	if !ok {
		return
	}
	if !s.admit(w, r, ratelimit.ActionRetry) {
		return
	}
	scope := scopeFromRequest(r)
	summary, err := s.errs.RetryDue(r.Context(), &scope, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "connector")
	st, found, err := s.orch.State(r.Context(), scopeFromRequest(r), name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !found {
		http.Error(w, "no sync state for "+name, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// admit consumes a token for action in the caller's scope and writes the
// rejection when it is refused.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, action string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(r.Context(), action, scopeFromRequest(r))
	if err != nil {
		s.log.Errorw("rate limiter unavailable", "action", action, "error", err)
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !allowed {
		s.metrics.RateLimitRejected()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, connector.ErrUnknownConnector):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.log.Errorw("request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func scopeFromRequest(r *http.Request) models.Scope {
	scope := DefaultScope
	if v := r.Header.Get("X-Org-ID"); v != "" {
		scope.OrgID = v
	}
	if v := r.Header.Get("X-Project-ID"); v != "" {
		scope.ProjectID = v
	}
	return scope
}

func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		http.Error(w, name+" must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
