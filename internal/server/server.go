// Package server provides the HTTP and websocket API for Strikeline.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/quantrails/strikeline/internal/alerts"
	"github.com/quantrails/strikeline/internal/config"
	"github.com/quantrails/strikeline/internal/database"
	"github.com/quantrails/strikeline/internal/domain"
	"github.com/quantrails/strikeline/internal/fo"
	"github.com/quantrails/strikeline/internal/hub"
	"github.com/quantrails/strikeline/internal/positions"
)

// BrokerGateway is the slice of the broker client the HTTP surface needs.
type BrokerGateway interface {
	GetQuote(ctx context.Context, symbol string) (*domain.Quote, error)
	GetLTP(ctx context.Context, symbols ...string) (map[string]float64, error)
	State() string
}

// IndicatorSource serves computed indicator values.
type IndicatorSource interface {
	Value(ctx context.Context, symbol, indicator, timeframe string, lookback int) (float64, error)
}

// AlertTrigger evaluates one alert immediately, outside its schedule.
type AlertTrigger interface {
	EvaluateNow(ctx context.Context, alertID string) error
}

// Config wires the server to the rest of the system.
type Config struct {
	Log  zerolog.Logger
	Cfg  *config.Config
	Addr string

	MarketDB  *database.DB
	AlertsDB  *database.DB
	TradingDB *database.DB
	CacheDB   *database.DB

	Hub        *hub.Hub
	FoRepo     *fo.Repository
	Aggregator *fo.Aggregator
	Indicators IndicatorSource
	Broker     BrokerGateway
	AlertsRepo *alerts.Repository
	AlertsWork AlertTrigger
	Tracker    *positions.Tracker
	OrdersRepo *positions.OrderRepository
}

// Server is the HTTP server.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	cfg        *config.Config
	databases  map[string]*database.DB
	hub        *hub.Hub
	foRepo     *fo.Repository
	aggregator *fo.Aggregator
	indicators IndicatorSource
	broker     BrokerGateway
	alertsRepo *alerts.Repository
	alertsWork AlertTrigger
	tracker    *positions.Tracker
	ordersRepo *positions.OrderRepository

	startupTime time.Time
}

// New creates the HTTP server and registers all routes.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg.Cfg,
		databases: map[string]*database.DB{
			"market":  cfg.MarketDB,
			"alerts":  cfg.AlertsDB,
			"trading": cfg.TradingDB,
			"cache":   cfg.CacheDB,
		},
		hub:         cfg.Hub,
		foRepo:      cfg.FoRepo,
		aggregator:  cfg.Aggregator,
		indicators:  cfg.Indicators,
		broker:      cfg.Broker,
		alertsRepo:  cfg.AlertsRepo,
		alertsWork:  cfg.AlertsWork,
		tracker:     cfg.Tracker,
		ordersRepo:  cfg.OrdersRepo,
		startupTime: time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	origins := s.cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ws/fo", s.handleFoWebsocket)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/fo", func(r chi.Router) {
			r.Get("/strikes", s.handleStrikes)
			r.Get("/metrics", s.handleExpiryMetrics)
			r.Get("/expiries/{symbol}", s.handleExpiries)
			r.Get("/bars/{symbol}", s.handleBars)
		})

		r.Get("/indicators/{symbol}", s.handleIndicator)
		r.Get("/quotes", s.handleQuotes)
		r.Get("/greeks/{symbol}", s.handleGreeks)
		r.Post("/payoff", s.handlePayoff)

		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Post("/", s.handleCreateAlert)
			r.Route("/{alertID}", func(r chi.Router) {
				r.Get("/", s.handleGetAlert)
				r.Patch("/", s.handleUpdateAlert)
				r.Delete("/", s.handleDeleteAlert)
				r.Post("/pause", s.handlePauseAlert)
				r.Post("/resume", s.handleResumeAlert)
				r.Post("/trigger", s.handleTriggerAlert)
				r.Get("/events", s.handleAlertEvents)
			})
		})

		r.Get("/positions/{account}", s.handlePositionSnapshot)
		r.Get("/cleanup/log", s.handleCleanupLog)

		r.Get("/system/status", s.handleSystemStatus)
	})
}

// Start starts the HTTP server. Blocks until shutdown or failure.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.databases))
	healthy := true
	for name, db := range s.databases {
		if db == nil {
			continue
		}
		if err := db.HealthCheck(r.Context()); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	state := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	s.writeJSON(w, status, map[string]interface{}{
		"status":    state,
		"service":   "strikeline",
		"databases": checks,
	})
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error envelope.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// loggingMiddleware logs HTTP requests.
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
