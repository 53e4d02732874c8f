// Package server provides the HTTP server and routing for Darkstar.
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

	"github.com/ergetie/darkstar-sub001/internal/config"
	"github.com/ergetie/darkstar-sub001/internal/database"
	"github.com/ergetie/darkstar-sub001/internal/events"
	"github.com/ergetie/darkstar-sub001/internal/modules/correction"
	"github.com/ergetie/darkstar-sub001/internal/modules/ingest"
	"github.com/ergetie/darkstar-sub001/internal/modules/learning"
	"github.com/ergetie/darkstar-sub001/internal/modules/reflex"
	"github.com/ergetie/darkstar-sub001/internal/modules/slots"
	"github.com/ergetie/darkstar-sub001/internal/version"
)

// Config holds everything the server needs to route requests.
type Config struct {
	Log               zerolog.Logger
	Cfg               *config.Config
	HistoryDB         *database.DB
	TuningDB          *database.DB
	Bus               *events.Bus
	SlotRepo          *slots.Repository
	IngestService     *ingest.Service
	LearningRepo      *learning.Repository
	MetricsRepo       *learning.MetricsRepository
	Orchestrator      LearningRunner
	ReflexService     *reflex.Service
	CorrectionService *correction.Service
	Tuning            learning.TuningProvider
}

// Server is the HTTP server.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	handlers       *Handlers
	slotHandlers   *SlotHandlers
	systemHandlers *SystemHandlers
	eventsHandler  *EventsStreamHandler
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		handlers: NewHandlers(
			cfg.LearningRepo,
			cfg.MetricsRepo,
			cfg.Orchestrator,
			cfg.ReflexService,
			cfg.CorrectionService,
			cfg.SlotRepo,
			cfg.Tuning,
			cfg.Log,
		),
		slotHandlers: NewSlotHandlers(cfg.IngestService, cfg.SlotRepo, cfg.Bus, cfg.Tuning, cfg.Log),
		systemHandlers: NewSystemHandlers(cfg.Cfg.DataDir, map[string]*database.DB{
			"history": cfg.HistoryDB,
			"tuning":  cfg.TuningDB,
		}, cfg.Log),
		eventsHandler: NewEventsStreamHandler(cfg.Bus, cfg.Log),
	}

	s.setupMiddleware(cfg.Cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Cfg.Port),
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
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Websocket stream must bypass the write timeout middleware stack
		r.Get("/events", s.eventsHandler.ServeHTTP)

		r.Route("/system", func(r chi.Router) {
			r.Get("/health", s.systemHandlers.HandleSystemHealth)
			r.Get("/database/stats", s.systemHandlers.HandleDatabaseStats)
		})

		r.Route("/slots", func(r chi.Router) {
			r.Post("/counters", s.slotHandlers.HandleIngestCounters)
			r.Post("/prices", s.slotHandlers.HandleUpsertPrices)
			r.Post("/forecasts", s.slotHandlers.HandleUpsertForecasts)
			r.Post("/plan", s.slotHandlers.HandleStorePlan)
		})

		r.Route("/learning", func(r chi.Router) {
			r.Get("/status", s.handlers.HandleLearningStatus)
			r.Get("/runs", s.handlers.HandleLearningRuns)
			r.Get("/params", s.handlers.HandleParamHistory)
			r.Get("/metrics", s.handlers.HandleLearningMetrics)
			r.Post("/run", s.handlers.HandleTriggerRun)
		})

		r.Get("/reflex/report", s.handlers.HandleReflexReport)
		r.Get("/correction/status", s.handlers.HandleCorrectionStatus)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "darkstar",
		"version": version.Version,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(s.log, w, status, data)
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
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
