// Package server provides the HTTP server and routing for the allocator.
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

	"github.com/perivale/allocator/internal/config"
	"github.com/perivale/allocator/internal/database"
	optimizationhandlers "github.com/perivale/allocator/internal/modules/optimization/handlers"
	rebalancinghandlers "github.com/perivale/allocator/internal/modules/rebalancing/handlers"
	riskhandlers "github.com/perivale/allocator/internal/modules/risk/handlers"
	"github.com/perivale/allocator/internal/modules/runs"
	runshandlers "github.com/perivale/allocator/internal/modules/runs/handlers"
	"github.com/perivale/allocator/internal/workers"
)

// Config holds server configuration.
type Config struct {
	Log    zerolog.Logger
	Config *config.Config
	RunsDB *database.DB
	Repo   *runs.Repository
}

// Server represents the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    *config.Config
	runsDB *database.DB
	repo   *runs.Repository
	system *SystemHandlers
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg.Config,
		runsDB: cfg.RunsDB,
		repo:   cfg.Repo,
		system: NewSystemHandlers(cfg.Log, cfg.RunsDB),
	}

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
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
	s.router.Use(middleware.Timeout(120 * time.Second))

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
	s.router.Get("/health", s.system.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		pool := workers.NewPool(s.cfg.Workers, s.log)

		optimizationHandler := optimizationhandlers.NewHandler(pool, saver(s.repo), s.cfg.AnnualizationFactor, s.log)
		optimizationHandler.RegisterRoutes(r)

		riskHandler := riskhandlers.NewHandler(s.cfg.AnnualizationFactor, s.log)
		riskHandler.RegisterRoutes(r)

		backtestHandler := rebalancinghandlers.NewHandler(backtestSaver(s.repo), s.cfg.AnnualizationFactor, s.cfg.RiskFreeRate, s.log)
		backtestHandler.RegisterRoutes(r)

		if s.repo != nil {
			runsHandler := runshandlers.NewHandler(s.repo, s.log)
			runsHandler.RegisterRoutes(r)
		}

		r.Route("/system", func(r chi.Router) {
			r.Get("/health", s.system.HandleHealth)
			r.Get("/database/stats", s.system.HandleDatabaseStats)
		})
	})
}

// saver converts a possibly-nil repository to the optimization handler's
// store interface without wrapping a typed nil.
func saver(repo *runs.Repository) optimizationhandlers.Saver {
	if repo == nil {
		return nil
	}
	return repo
}

func backtestSaver(repo *runs.Repository) rebalancinghandlers.Saver {
	if repo == nil {
		return nil
	}
	return repo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the chi router, used by tests.
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
