package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kiln-ci/kiln/pkg/auth"
	"github.com/kiln-ci/kiln/pkg/events"
	"github.com/kiln-ci/kiln/pkg/log"
	"github.com/kiln-ci/kiln/pkg/metrics"
	"github.com/kiln-ci/kiln/pkg/runtime"
	"github.com/kiln-ci/kiln/pkg/spool"
	"github.com/kiln-ci/kiln/pkg/storage"
)

// Config tunes the HTTP server
type Config struct {
	ListenAddr string

	// StreamQueuedTimeout bounds how long a log stream waits for a queued
	// job to start before giving up
	StreamQueuedTimeout time.Duration

	// MaxUploadBytes caps the size of a submitted zip
	MaxUploadBytes int64
}

// Server is the HTTP API: job submission, status queries, and SSE log
// streaming. It never talks to containers directly beyond reading their
// log files; the controller owns all mutations of runtime state.
type Server struct {
	store   storage.Store
	runtime runtime.Runtime
	spool   *spool.Spool
	broker  *events.Broker
	cfg     Config

	httpServer *http.Server
}

// NewServer creates an API server
func NewServer(store storage.Store, rt runtime.Runtime, sp *spool.Spool, broker *events.Broker, cfg Config) *Server {
	if cfg.StreamQueuedTimeout <= 0 {
		cfg.StreamQueuedTimeout = 30 * time.Second
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}
	return &Server{
		store:   store,
		runtime: rt,
		spool:   sp,
		broker:  broker,
		cfg:     cfg,
	}
}

// Router assembles the route tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Method("GET", "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.store))

		r.Post("/submit", s.handleSubmit)
		r.Post("/submit-stream", s.handleSubmitStream)
		r.Post("/submit-async", s.handleSubmitAsync)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/jobs/{jobID}/stream", s.handleStreamJob)
	})

	return r
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.cfg.ListenAddr).Msg("API server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests, including open SSE streams
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
