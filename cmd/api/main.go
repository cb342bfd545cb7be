package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/festiq/festiq/config"
	"github.com/festiq/festiq/pkg/api"
	"github.com/festiq/festiq/pkg/api/handlers"
	"github.com/festiq/festiq/pkg/attribution"
	"github.com/festiq/festiq/pkg/cache"
	"github.com/festiq/festiq/pkg/database"
	"github.com/festiq/festiq/pkg/discounts"
	"github.com/festiq/festiq/pkg/email"
	"github.com/festiq/festiq/pkg/inventory"
	"github.com/festiq/festiq/pkg/jobs"
	"github.com/festiq/festiq/pkg/lifecycle"
	"github.com/festiq/festiq/pkg/logger"
	"github.com/festiq/festiq/pkg/metrics"
	custommiddleware "github.com/festiq/festiq/pkg/middleware"
	"github.com/festiq/festiq/pkg/orders"
	"github.com/festiq/festiq/pkg/payments"
	"github.com/festiq/festiq/pkg/points"
	"github.com/festiq/festiq/pkg/settings"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log.Printf("🔧 Configuration loaded (environment: %s)", cfg.APIEnvironment)

	appLogger := logger.New(cfg.LogLevel, cfg.LogFormat)

	// Initialize Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			log.Printf("⚠️  Failed to initialize Sentry: %v", err)
		} else {
			log.Printf("✅ Sentry initialized (environment: %s)", cfg.SentryEnvironment)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Printf("ℹ️  Sentry disabled (no DSN configured)")
	}

	// Initialize database
	db, err := database.NewClient(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to database: %v", err)
	}
	defer db.Close()

	// Initialize Redis cache
	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// Initialize Prometheus metrics
	prometheusMetrics := metrics.New()
	log.Printf("✅ Prometheus metrics initialized")

	// Initialize services
	emailService := email.NewService(cfg.EmailFrom, cfg.EmailFromName, cfg.StorefrontURL, cfg.SendGridAPIKey).
		WithRecorder(prometheusMetrics)
	settingsService := settings.NewService(db.DB, redisClient)
	inventoryService := inventory.NewService(db.DB)
	discountService := discounts.NewService(db.DB)
	pointsService := points.NewService(db.DB, settingsService, emailService, appLogger)
	attributionService := attribution.NewService(db.DB, discountService, pointsService, settingsService, emailService, appLogger)

	cartRecovery := lifecycle.NewCartRecovery(db.DB, settingsService, emailService)
	announcements := lifecycle.NewAnnouncements(db.DB, settingsService, emailService)
	runner := lifecycle.NewRunner(cfg.SweepBatchSize, appLogger)

	orderService := orders.NewService(db.DB, inventoryService, attributionService, cartRecovery, emailService, appLogger)

	var chargeLookup payments.ChargeLookup
	if cfg.StripeSecretKey != "" {
		chargeLookup = payments.NewStripeLookup(cfg.StripeSecretKey)
	} else {
		log.Printf("ℹ️  Stripe disabled (no secret key configured)")
	}

	// Initialize cron jobs
	cronManager := jobs.NewCronManager(
		db.DB,
		runner,
		[]lifecycle.Campaign{cartRecovery, announcements},
		prometheusMetrics,
		cfg.SweepInterval,
		cfg.SweepBudget,
		log.Default(),
	)
	if err := cronManager.SetupJobs(); err != nil {
		log.Fatalf("❌ Failed to setup cron jobs: %v", err)
	}
	cronManager.Start()

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true
	e.Validator = api.NewValidator()

	// Global middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[%s] %s - Status: %d", c.Request().Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	// Sentry error tracking middleware (if configured)
	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic: true,
		}))
	}

	// Prometheus metrics middleware
	e.Use(prometheusMetrics.Middleware())

	// CORS with restricted origins
	e.Use(middleware.CORSWithConfig(custommiddleware.CORSConfig(cfg.CORSAllowedOrigins)))

	e.Use(middleware.Gzip())
	e.Use(custommiddleware.SecurityHeaders(custommiddleware.SecurityHeadersConfig{}))

	// Health check endpoints (public)
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"name":        "Festiq API",
			"version":     "0.1.0",
			"status":      "running",
			"environment": cfg.APIEnvironment,
			"timestamp":   time.Now().Unix(),
		})
	})

	e.GET("/health", func(c echo.Context) error {
		if err := db.Ping(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"database": "down",
			})
		}

		if _, err := redisClient.Redis.Ping(c.Request().Context()).Result(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"cache":  "down",
			})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"status":   "healthy",
			"database": "up",
			"cache":    "up",
		})
	})

	// Prometheus metrics endpoint (public)
	e.GET("/metrics", prometheusMetrics.Handler())

	// Initialize handlers
	checkoutHandler := handlers.NewCheckoutHandler(orderService, chargeLookup, prometheusMetrics, appLogger)
	lifecycleHandler := handlers.NewLifecycleHandler(cartRecovery, announcements, cronManager, appLogger)
	repHandler := handlers.NewRepHandler(db.DB, pointsService, prometheusMetrics, appLogger)

	// API v1 routes
	v1 := e.Group("/api/v1")
	v1.POST("/checkout", checkoutHandler.Checkout)
	v1.POST("/merch/pre-orders", checkoutHandler.MerchPreOrder)
	v1.POST("/orders/:id/refund", checkoutHandler.Refund)
	v1.POST("/carts", lifecycleHandler.TrackCart)
	v1.POST("/announcements/signups", lifecycleHandler.Signup)
	v1.POST("/lifecycle/unsubscribe", lifecycleHandler.Unsubscribe)
	v1.GET("/reps/:id/stats", repHandler.GetStats)
	v1.POST("/reps/:id/points", repHandler.AdjustPoints)

	// Scheduler trigger, guarded by the shared cron secret
	internal := e.Group("/internal/cron", custommiddleware.CronSecret(cfg.CronSecret))
	internal.POST("/sweep", lifecycleHandler.RunSweep)

	address := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	log.Printf("🚀 Festiq API starting on %s", address)
	log.Printf("📝 Log level: %s, Log format: %s", cfg.LogLevel, cfg.LogFormat)
	log.Printf("⏰ Lifecycle sweep: every %s (budget %s, batch %d)", cfg.SweepInterval, cfg.SweepBudget, cfg.SweepBatchSize)

	// Graceful shutdown
	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	// Stop cron jobs
	cronManager.Stop()
	log.Println("✅ Cron jobs stopped")

	// Gracefully shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Fatalf("❌ Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server gracefully stopped")
}
