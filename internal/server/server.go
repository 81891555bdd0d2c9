// Package server provides the HTTP server and routing for the cellar.
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

	"github.com/aristath/cellar/internal/agent"
	"github.com/aristath/cellar/internal/cache"
	"github.com/aristath/cellar/internal/config"
	"github.com/aristath/cellar/internal/database"
	"github.com/aristath/cellar/internal/events"
	"github.com/aristath/cellar/internal/modules/catalog"
	"github.com/aristath/cellar/internal/modules/experiments"
	"github.com/aristath/cellar/internal/modules/inventory"
	"github.com/aristath/cellar/internal/modules/learning"
	"github.com/aristath/cellar/internal/modules/pairing"
	"github.com/aristath/cellar/internal/modules/vintage"
	"github.com/aristath/cellar/internal/observability"
	"github.com/aristath/cellar/internal/reliability"
	"github.com/aristath/cellar/internal/scheduler"
)

// Deps carries the services the routes dispatch into. Optional entries
// (Backups) may be nil; their routes then report service unavailable.
type Deps struct {
	Log         zerolog.Logger
	Inventory   *inventory.Service
	Resolver    inventory.VintageResolver
	Wines       *catalog.WineRepository
	Vintages    *catalog.VintageRepository
	Suppliers   *catalog.SupplierRepository
	Pairing     *pairing.Service
	Vintage     *vintage.Service
	Learning    *learning.Service
	Experiments *experiments.Service
	Dispatcher  *agent.Dispatcher
	Cache       *cache.Cache
	Bus         *events.Bus
	Metrics     *observability.Metrics
	RUM         *observability.RUMBuffer
	System      *observability.SystemMonitor
	Scheduler   *scheduler.Scheduler
	Backups     *reliability.BackupService
	Databases   map[string]*database.DB
}

// Server is the HTTP front of the cellar.
type Server struct {
	router       *chi.Mux
	server       *http.Server
	log          zerolog.Logger
	deps         Deps
	authDisabled bool
	dataDir      string
}

// New assembles the router and the underlying http.Server.
func New(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		log:          deps.Log.With().Str("component", "server").Logger(),
		deps:         deps,
		authDisabled: cfg.AuthDisabled,
		dataDir:      cfg.DataDir,
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

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Role", "X-User-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	s.router.Use(s.roleMiddleware)
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		// Streams bypass the write timeout budget by flushing continuously.
		r.Get("/events/stream", s.handleEventsStream)
		r.Get("/events/ws", s.handleEventsWS)

		r.Route("/wines", func(r chi.Router) {
			r.Get("/", s.handleListWines)
			r.Get("/search", s.handleSearchWines)
			r.Get("/{wineID}", s.handleGetWine)
			r.Get("/{wineID}/vintages", s.handleWineVintages)
			r.With(requireRole(RoleCrew)).Post("/", s.handleCreateWine)
			r.With(requireRole(RoleCrew)).Put("/{wineID}", s.handleUpdateWine)
			r.With(requireRole(RoleCrew)).Post("/{wineID}/aliases", s.handleAddAlias)
		})

		r.Route("/vintages", func(r chi.Router) {
			r.Get("/{vintageID}", s.handleGetVintage)
			r.Get("/{vintageID}/prices", s.handleVintagePrices)
			r.Get("/{vintageID}/best-offer", s.handleBestOffer)
			r.With(requireRole(RoleCrew)).Post("/", s.handleCreateVintage)
			r.With(requireRole(RoleCrew)).Post("/{vintageID}/enrich", s.handleEnrichVintage)
		})

		r.Route("/suppliers", func(r chi.Router) {
			r.Get("/", s.handleListSuppliers)
			r.With(requireRole(RoleCrew)).Post("/", s.handleCreateSupplier)
			r.With(requireRole(RoleCrew)).Post("/prices", s.handleUpsertPrice)
		})

		r.Route("/inventory", func(r chi.Router) {
			r.Get("/stock", s.handleAvailableStock)
			r.Get("/stock/{vintageID}", s.handleStockForVintage)
			r.Get("/history/{vintageID}", s.handleStockHistory)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(RoleCrew))
				r.Post("/receive", s.handleReceive)
				r.Post("/consume", s.handleConsume)
				r.Post("/move", s.handleMove)
				r.Post("/reserve", s.handleReserve)
				r.Post("/unreserve", s.handleUnreserve)
				r.Post("/intake", s.handleIntake)
				r.Post("/intake/commit", s.handleIntakeCommit)
			})
		})

		r.Route("/pairings", func(r chi.Router) {
			r.Post("/", s.handleGeneratePairings)
			r.Post("/quick", s.handleQuickPairing)
			r.Post("/feedback", s.handlePairingFeedback)
			r.With(requireRole(RoleCrew)).Get("/weights", s.handlePairingWeights)
			r.With(requireRole(RoleCrew)).Get("/sessions", s.handleRecentSessions)
		})

		r.Get("/profiles/{userID}", s.handleUserProfile)

		r.With(requireRole(RoleCrew)).Post("/enrich", s.handleEnrichWine)

		r.Route("/experiments", func(r chi.Router) {
			r.Post("/events", s.handleExperimentEvents)
			r.Post("/assignments", s.handleExperimentAssign)

			r.Group(func(r chi.Router) {
				r.Use(requireRole(RoleCrew))
				r.Post("/", s.handleCreateExperiment)
				r.Get("/", s.handleListExperiments)
				r.Get("/{experimentID}", s.handleGetExperiment)
				r.Post("/{experimentID}/start", s.handleStartExperiment)
				r.Post("/{experimentID}/pause", s.handlePauseExperiment)
				r.Post("/{experimentID}/complete", s.handleCompleteExperiment)
				r.Post("/{experimentID}/archive", s.handleArchiveExperiment)
				r.Post("/{experimentID}/analyze", s.handleAnalyzeExperiment)
				r.Get("/{experimentID}/analyses", s.handleAnalysisHistory)
			})
		})

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", s.handleListTools)
			r.Post("/{toolName}", s.handleCallTool)
		})

		r.Route("/cache", func(r chi.Router) {
			r.Use(requireRole(RoleAdmin))
			r.Get("/stats", s.handleCacheStats)
			r.Post("/invalidate", s.handleCacheInvalidate)
			r.Post("/cleanup", s.handleCacheCleanup)
			r.Get("/export", s.handleCacheExport)
			r.Post("/import", s.handleCacheImport)
		})

		r.Route("/scheduler", func(r chi.Router) {
			r.With(requireRole(RoleCrew)).Get("/stats", s.handleSchedulerStats)
			r.Group(func(r chi.Router) {
				r.Use(requireRole(RoleAdmin))
				r.Post("/pause", s.handleSchedulerPause)
				r.Post("/resume", s.handleSchedulerResume)
				r.Post("/tasks", s.handleSchedulerEnqueue)
			})
		})

		r.Route("/system", func(r chi.Router) {
			r.With(requireRole(RoleCrew)).Get("/status", s.handleSystemStatus)
			r.With(requireRole(RoleAdmin)).Get("/databases", s.handleDatabaseStats)
		})

		r.Post("/rum", s.handleRUMIngest)
		r.With(requireRole(RoleCrew)).Get("/rum/summary", s.handleRUMSummary)

		r.Route("/backups", func(r chi.Router) {
			r.Use(requireRole(RoleAdmin))
			r.Get("/", s.handleListBackups)
			r.Post("/run", s.handleRunBackup)
		})
	})
}

// Start begins serving. It blocks until the listener closes.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the handler tree for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.deps.Databases))
	healthy := true
	for name, db := range s.deps.Databases {
		if err := db.QuickCheck(r.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]interface{}{
		"healthy":   healthy,
		"databases": checks,
	})
}

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
