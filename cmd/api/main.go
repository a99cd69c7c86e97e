package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"github.com/brtlive/brtlive_core/internal/api"
	"github.com/brtlive/brtlive_core/internal/cache"
	"github.com/brtlive/brtlive_core/internal/db"
	"github.com/brtlive/brtlive_core/internal/eta"
	"github.com/brtlive/brtlive_core/internal/metrics"
	"github.com/brtlive/brtlive_core/internal/middleware"
	"github.com/brtlive/brtlive_core/internal/pubsub"
	"github.com/brtlive/brtlive_core/internal/store"
	"github.com/brtlive/brtlive_core/internal/tracking"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment")
	}

	log.Println("Starting BRTLive Core API server...")

	// Database
	pool, err := db.GetDB()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("✓ Database connection established")

	// Redis (optional: tracking still works without the cache layer)
	cacheEnabled := true
	rdb, err := cache.GetClient()
	if err != nil {
		log.Printf("Redis unavailable, running without cache: %v", err)
		cacheEnabled = false
	} else {
		defer cache.Close()
		log.Println("✓ Redis connection established")
	}

	st := store.NewPostgresStore(pool)

	// Metrics
	collector := metrics.NewCollector()
	if addr := getEnv("METRICS_ADDR", ""); addr != "" {
		go func() {
			if err := collector.Serve(addr); err != nil {
				log.Printf("metrics server stopped: %v", err)
			}
		}()
	}

	// Publishers: in-process WebSocket hub, plus NATS when configured
	hub := pubsub.NewHub()
	hub.ConnectionsChanged = collector.WSConnectionsChanged
	publishers := pubsub.Fanout{hub}
	if natsURL := getEnv("NATS_URL", ""); natsURL != "" {
		natsPub, err := pubsub.NewNATSPublisher(natsURL, collector)
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer natsPub.Close()
		publishers = append(publishers, natsPub)
		log.Println("✓ NATS connection established")
	}

	// Core services
	tracker := tracking.NewService(st, collector)
	estimator := eta.NewEstimator(st)
	calc := eta.NewCalculator(st, estimator, publishers, collector, eta.Options{
		Interval: envDuration("ETA_INTERVAL", 60*time.Second),
	})

	calcCtx, stopCalc := context.WithCancel(context.Background())
	go calc.Run(calcCtx)
	go calc.RunAnalytics(calcCtx)

	// HTTP app
	app := fiber.New(fiber.Config{
		AppName:      "BRTLive Core",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PATCH,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept",
	}))

	serverCfg := api.Config{
		Store:        st,
		Tracker:      tracker,
		Estimator:    estimator,
		Calculator:   calc,
		Hub:          hub,
		CacheEnabled: cacheEnabled,
		DBHealth:     db.HealthCheck,
	}
	if cacheEnabled {
		serverCfg.CacheHealth = cache.HealthCheck
	}
	srv := api.New(serverCfg)

	if cacheEnabled {
		limit, _ := strconv.Atoi(getEnv("LOCATION_RATE_LIMIT", "5"))
		srv.RegisterRoutes(app, middleware.LocationRateLimit(rdb, limit))
	} else {
		srv.RegisterRoutes(app)
	}

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "endpoint not found"})
	})

	addr := fmt.Sprintf(":%s", getEnv("API_PORT", "8080"))

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down gracefully...")
		stopCalc()
		if err := app.Shutdown(); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	}()

	log.Printf("Listening on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("Server stopped")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
