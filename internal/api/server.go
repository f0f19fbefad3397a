// Package api serves the conductor over HTTP: task submission, status,
// cancellation, the event log, agenda diagrams and a live SSE stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/conductor/internal/engine"
	"github.com/rendis/conductor/internal/store"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// Conductor is the run-management surface the API needs.
type Conductor interface {
	Submit(ctx context.Context, sub schema.Submission) (*schema.SubmitResult, error)
	Status(ctx context.Context, runID string) (*schema.RunSnapshot, error)
	Cancel(ctx context.Context, runID, reason string) error
	Events(ctx context.Context, runID string, since int64) ([]*schema.Event, error)
	Subscribe(ctx context.Context, runID string) (<-chan schema.Event, func(), error)
	List(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)
	Capabilities() []schema.CapabilityStatus
	Active() int
}

var _ Conductor = (*engine.Manager)(nil)

// Deps holds the dependencies of the API server.
type Deps struct {
	Conductor Conductor
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
	Logger  *slog.Logger
	// Heartbeat is the SSE keep-alive interval. Zero means 15s.
	Heartbeat time.Duration
}

// Server is the HTTP surface of the conductor.
type Server struct {
	deps      Deps
	validator *validation.PayloadValidator
	logger    *slog.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	return &Server{
		deps:      deps,
		validator: validation.MustPayloadValidator(),
		logger:    deps.Logger,
	}
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/capabilities", s.handleCapabilities)
		r.Get("/stream", s.handleStreamAll)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleStatus)
				r.Post("/cancel", s.handleCancel)
				r.Get("/events", s.handleEvents)
				r.Get("/stream", s.handleStream)
				r.Get("/diagram", s.handleDiagram)
			})
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}
