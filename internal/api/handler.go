// Package api exposes job status, watermarks and scores over HTTP. Every
// request names its account in the X-Owner-ID header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thep200/gitpulse/cfg"
	"github.com/thep200/gitpulse/internal/jobs"
	"github.com/thep200/gitpulse/internal/limiter"
	"github.com/thep200/gitpulse/internal/model"
	"github.com/thep200/gitpulse/pkg/log"
)

const OwnerHeader = "X-Owner-ID"

type JobService interface {
	Outstanding(ctx context.Context, ownerID string) ([]jobs.JobView, error)
	NeedsAttention(ctx context.Context, ownerID string) ([]jobs.JobView, error)
	Get(ctx context.Context, id string) (*jobs.JobView, error)
	Cancel(ctx context.Context, id string) (*jobs.JobView, error)
}

type Repositories interface {
	Get(ctx context.Context, id int64) (*model.Repo, error)
}

type Watermarks interface {
	ListByRepository(ctx context.Context, repositoryID int64) ([]model.IndexWatermark, error)
}

type Cleaner interface {
	DeleteRepository(ctx context.Context, repositoryID int64) (*jobs.DeleteStats, error)
	ResetIndexing(ctx context.Context, repositoryID int64, kinds []model.EntityKind, rewind bool) (*jobs.ResetStats, error)
}

type IndexHealth interface {
	Report(ctx context.Context) (*jobs.HealthReport, error)
}

// RateBudgets is the quota last seen per credential bucket.
type RateBudgets interface {
	Snapshot() map[string]limiter.Budget
}

type Scores interface {
	Trend(ctx context.Context, repositoryID int64, n int) ([]model.SecurityScoreSnapshot, error)
}

// Handler serves the status API.
type Handler struct {
	Logger     log.Logger
	Config     *cfg.Config
	jobs       JobService
	repos      Repositories
	watermarks Watermarks
	cleanup    Cleaner
	scores     Scores
	health     IndexHealth
	rates      RateBudgets
	checkRates func(ctx context.Context) (map[string]limiter.Budget, error)
	ping       func() error
}

type Deps struct {
	Jobs       JobService
	Repos      Repositories
	Watermarks Watermarks
	Cleanup    Cleaner
	Scores     Scores
	Health     IndexHealth
	Rates      RateBudgets
	// CheckRates asks GitHub for fresh budgets. Optional.
	CheckRates func(ctx context.Context) (map[string]limiter.Budget, error)
	Ping       func() error
}

func NewHandler(logger log.Logger, config *cfg.Config, deps Deps) *Handler {
	return &Handler{
		Logger:     logger,
		Config:     config,
		jobs:       deps.Jobs,
		repos:      deps.Repos,
		watermarks: deps.Watermarks,
		cleanup:    deps.Cleanup,
		scores:     deps.Scores,
		health:     deps.Health,
		rates:      deps.Rates,
		checkRates: deps.CheckRates,
		ping:       deps.Ping,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(requireOwner)

		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/failed", h.listFailedJobs)
		r.Get("/jobs/{id}", h.getJob)
		r.Post("/jobs/{id}/cancel", h.cancelJob)

		r.Get("/repositories/{id}/watermarks", h.getWatermarks)
		r.Get("/repositories/{id}/score", h.getScore)
		r.Delete("/repositories/{id}", h.deleteRepository)
		r.Post("/repositories/{id}/reset", h.resetRepository)

		r.Get("/ratelimit", h.getRateLimits)
		r.Get("/health/indexing", h.getIndexHealth)
	})
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Logger.Debug(r.Context(), "%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

type ownerKey struct{}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "missing "+OwnerHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.Logger.Error(r.Context(), "Failed to encode JSON response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// fail maps domain errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, jobs.ErrConflict), errors.Is(err, jobs.ErrRunning):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.Logger.Error(r.Context(), "%s %s failed: %v", r.Method, r.URL.Path, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}
