// Package httpapi exposes the orchestrator over a small JSON REST API under
// /api/v1.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/petrijr/costbook"
)

// Service is the orchestrator surface the handlers use.
type Service interface {
	Submit(ctx context.Context, req costbook.SubmitRequest) (*costbook.Job, error)
	Status(ctx context.Context, id string) (*costbook.Job, error)
	List(ctx context.Context, opts costbook.ListOptions) (*costbook.JobPage, error)
	CancelOrDelete(ctx context.Context, id string) (costbook.Outcome, error)
	Download(ctx context.Context, id string, stage costbook.Stage) (*costbook.Download, error)
	Lineage(ctx context.Context, id string) ([]costbook.LineageEvent, error)
	Ready(ctx context.Context) error
	Metrics() costbook.MetricsSnapshot
	ActiveJobs() int
}

// Options configures the handler.
type Options struct {
	Logger *slog.Logger
	// MaxUploadBytes bounds the accepted upload size. The request body limit
	// adds room for the multipart framing.
	MaxUploadBytes int64
	Version        string
}

// Handler serves the REST API.
type Handler struct {
	svc       Service
	logger    *slog.Logger
	maxUpload int64
	version   string
	started   time.Time
	router    *mux.Router
}

// New builds the router with every route registered.
func New(svc Service, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = costbook.DefaultMaxInputBytes
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	h := &Handler{
		svc:       svc,
		logger:    opts.Logger,
		maxUpload: opts.MaxUploadBytes,
		version:   opts.Version,
		started:   time.Now(),
		router:    mux.NewRouter(),
	}
	h.routes()
	return h
}

func (h *Handler) routes() {
	r := h.router
	r.Use(h.logRequests)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", h.ready).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.metrics).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", h.submitJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs", h.listJobs).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", h.getJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}", h.cancelOrDeleteJob).Methods(http.MethodDelete)
	api.HandleFunc("/jobs/{id}/download", h.downloadResult).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/artifacts/{stage}", h.downloadArtifact).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/lineage", h.lineage).Methods(http.MethodGet)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.DebugContext(r.Context(), "http_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
