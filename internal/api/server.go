package api

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/brtlive/brtlive_core/internal/cache"
	"github.com/brtlive/brtlive_core/internal/eta"
	"github.com/brtlive/brtlive_core/internal/pubsub"
	"github.com/brtlive/brtlive_core/internal/store"
	"github.com/brtlive/brtlive_core/internal/tracking"
)

// HealthChecker checks one external dependency
type HealthChecker func(ctx context.Context) error

// Config wires the HTTP surface to its collaborators. DBHealth, CacheHealth
// and CacheEnabled are optional; without them the health endpoint only
// reports the calculator and caching is bypassed.
type Config struct {
	Store      store.Store
	Tracker    *tracking.Service
	Estimator  *eta.Estimator
	Calculator *eta.Calculator
	Hub        *pubsub.Hub

	CacheEnabled bool
	DBHealth     HealthChecker
	CacheHealth  HealthChecker
}

// Server holds the handler dependencies
type Server struct {
	store     store.Store
	tracker   *tracking.Service
	estimator *eta.Estimator
	calc      *eta.Calculator
	hub       *pubsub.Hub
	validate  *validator.Validate

	cacheEnabled  bool
	cacheTTL      time.Duration
	cacheMutexTTL time.Duration
	dbHealth      HealthChecker
	cacheHealth   HealthChecker
}

// New creates the server. Cache TTLs are read from the environment once here,
// not per request.
func New(cfg Config) *Server {
	cacheCfg := cache.LoadConfigFromEnv()
	return &Server{
		store:         cfg.Store,
		tracker:       cfg.Tracker,
		estimator:     cfg.Estimator,
		calc:          cfg.Calculator,
		hub:           cfg.Hub,
		validate:      validator.New(),
		cacheEnabled:  cfg.CacheEnabled,
		cacheTTL:      cacheCfg.TTL,
		cacheMutexTTL: cacheCfg.MutexTTL,
		dbHealth:      cfg.DBHealth,
		cacheHealth:   cfg.CacheHealth,
	}
}

// RegisterRoutes mounts every endpoint on the app. locationMiddleware, when
// non-nil, runs before the location update handler (rate limiting).
func (s *Server) RegisterRoutes(app *fiber.App, locationMiddleware ...fiber.Handler) {
	app.Get("/", s.Root)
	app.Get("/health", s.SystemHealth)

	buses := app.Group("/api/buses")
	buses.Post("/register", s.RegisterBus)
	buses.Get("/", s.ListBuses)
	buses.Get("/track/phone/:phone", s.TrackBusByPhone)
	buses.Get("/:id", s.GetBus)
	buses.Patch("/:id/active", s.ToggleBusActive)
	buses.Patch("/:id/status", s.UpdateBusStatus)

	location := append(locationMiddleware, s.UpdateLocation)
	buses.Post("/:id/location", location...)
	buses.Get("/:id/location", s.CurrentLocation)
	buses.Get("/:id/location/history", s.LocationHistory)
	buses.Get("/:id/eta", s.BusEta)

	terminals := app.Group("/api/terminals")
	terminals.Post("/register", s.RegisterTerminal)
	terminals.Get("/", s.ListTerminals)
	terminals.Get("/:id", s.GetTerminal)
	terminals.Get("/:id/dashboard", s.TerminalDashboard)

	app.Get("/api/tracking/active-buses", s.ActiveBuses)
	app.Get("/api/dashboard/overview", s.SystemOverview)
	app.Get("/api/dashboard/wait-times", s.AllWaitTimes)
	app.Get("/api/analytics/terminal/:id", s.TerminalAnalytics)
	app.Get("/api/analytics/system", s.CalculatorStats)

	s.registerWebSocketRoutes(app)
}

// Root describes the service
func (s *Server) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"service":   "BRTLive Core",
		"version":   "1.0.0",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
