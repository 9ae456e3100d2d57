// Package api serves the run engine over HTTP: publishing versions, creating
// and advancing runs, reading traces, and streaming live telemetry.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/intake/internal/engine"
	"github.com/rendis/intake/internal/identity"
	"github.com/rendis/intake/internal/store"
	"github.com/rendis/intake/internal/streaming"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Coordinator *engine.Coordinator
	Store       store.Store
	Hub         streaming.EventHub
	Tokens      *identity.Directory
	Logger      *slog.Logger
	// PublicRuns exposes unauthenticated run creation and submission under
	// /public. Runs created there are anonymous.
	PublicRuns bool
}

// Server is the HTTP API.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer creates a Server and builds its routes.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{deps: deps}
	s.router = s.buildRouter()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.deps.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authenticate(s.deps.Tokens))

		r.Post("/versions", s.handlePublish)
		r.Get("/versions/{versionID}", s.handleGetVersion)
		r.Get("/workflows/{workflowID}/versions", s.handleListVersions)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleCreateRun)
			r.Route("/{runID}", func(r chi.Router) {
				r.Get("/", s.handleSnapshot)
				r.Post("/start", s.handleStartRun)
				r.Post("/sections/{sectionID}", s.handleSubmitSection)
				r.Get("/events", s.handleEvents)
				r.Get("/logs", s.handleLogs)
				r.Get("/outbox", s.handleOutbox)
				r.Get("/stream", s.handleStream)
			})
		})
	})

	if s.deps.PublicRuns {
		r.Route("/public", func(r chi.Router) {
			r.Post("/versions/{versionID}/runs", s.handlePublicCreateRun)
			r.Get("/runs/{runID}", s.handleSnapshot)
			r.Post("/runs/{runID}/sections/{sectionID}", s.handleSubmitSection)
		})
	}
	return r
}

// Serve serves handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status  string              `json:"status"`
	Workers *engine.PoolMetrics `json:"workers,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.deps.Coordinator != nil {
		m := s.deps.Coordinator.PoolMetrics()
		resp.Workers = &m
	}
	writeJSON(w, http.StatusOK, resp)
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
