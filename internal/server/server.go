// Package server provides the HTTP server and routing for the sentiment
// pipeline: ingest, job inspection, daily summaries, and the live event
// stream.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/tjddbs0401/nlp-trading-platform/internal/analytics"
	"github.com/tjddbs0401/nlp-trading-platform/internal/database"
	"github.com/tjddbs0401/nlp-trading-platform/internal/events"
	"github.com/tjddbs0401/nlp-trading-platform/internal/ingest"
	"github.com/tjddbs0401/nlp-trading-platform/internal/jobs"
)

// Config holds server configuration
type Config struct {
	Log         zerolog.Logger
	Port        int
	DevMode     bool
	JobsDB      *database.DB
	AnalyticsDB *database.DB
	Store       *jobs.Store
	Producer    *jobs.Producer
	Metrics     *jobs.MetricsTracker
	Aggregator  *analytics.Aggregator
	Ingest      *ingest.Writer
	Bus         *events.Bus
	DataDir     string
}

// Server represents the HTTP server
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	handlers *Handlers
	stream   *StreamHub
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		handlers: NewHandlers(cfg),
		stream:   NewStreamHub(cfg.Bus, cfg.Log),
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Live pipeline event stream (websocket)
		r.Get("/events/stream", s.stream.ServeHTTP)

		// Object arrival notifications from external uploaders
		r.Post("/events", s.handlers.HandleObjectEvent)

		// Direct ingest
		r.Post("/ingest", s.handlers.HandleIngest)

		// Pipeline state
		r.Get("/stats", s.handlers.HandleStats)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handlers.HandleListJobs)
			r.Get("/{jobID}", s.handlers.HandleGetJob)
			r.Post("/{jobID}/reprocess", s.handlers.HandleReprocessJob)
		})

		// Daily summaries
		r.Route("/summaries/{date}", func(r chi.Router) {
			r.Get("/", s.handlers.HandleGetSummaries)
			r.Post("/export", s.handlers.HandleExportSummaries)
			r.Post("/rebuild", s.handlers.HandleRebuildSummaries)
		})
	})
}

// Start starts the HTTP server and the event stream hub
func (s *Server) Start() error {
	s.stream.Start()
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.stream.Stop()
	return s.server.Shutdown(ctx)
}

// Router exposes the configured router, used by handler tests
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
