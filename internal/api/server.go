// Package api exposes the pipeline manager over HTTP: job creation and
// lookup, source diagnostics, run statistics, and a server-sent event
// stream of job lifecycle events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/config"
	"github.com/sells-group/service-ingest/internal/model"
	"github.com/sells-group/service-ingest/internal/pipeline"
	"github.com/sells-group/service-ingest/internal/store"
)

// JobHistory is the persisted job log. The store backends implement it.
type JobHistory interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.Job, error)
}

// Handler serves the HTTP API for one pipeline manager.
type Handler struct {
	mgr      *pipeline.Manager
	history  JobHistory
	validate *validator.Validate
}

// NewHandler returns a Handler. history may be nil, in which case only jobs
// known to mgr are visible.
func NewHandler(mgr *pipeline.Manager, history JobHistory) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names in validation messages.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return &Handler{mgr: mgr, history: history, validate: v}
}

// Router builds the chi router with CORS and request logging applied.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Get("/events", h.events)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/sources", h.listSources)
		r.Post("/sources/test", h.testSources)

		r.Post("/jobs", h.createJob)
		r.Get("/jobs", h.listJobs)
		r.Get("/jobs/{id}", h.getJob)
		r.Post("/jobs/{id}/retry", h.retryJob)

		r.Get("/stats", h.stats)
	})
	return r
}

// requestLogger logs each request through the global zap logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// Server wraps http.Server with graceful shutdown on context cancellation.
type Server struct {
	srv *http.Server
}

// NewServer returns a Server listening on cfg.Port.
func NewServer(cfg config.ServerConfig, h *Handler) *Server {
	return &Server{srv: &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h.Router(cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.srv.Addr }

// Run serves until ctx is done, then shuts down within grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.String("addr", s.srv.Addr))
		errc <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "api: listen")
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "api: shutdown")
	}
	return nil
}
