package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/trailstop-api/internal/auth"
	"github.com/ksred/trailstop-api/internal/config"
	"github.com/ksred/trailstop-api/internal/database"
	"github.com/ksred/trailstop-api/internal/dispatcher"
	"github.com/ksred/trailstop-api/internal/monitor"
	"github.com/ksred/trailstop-api/internal/notify"
	"github.com/ksred/trailstop-api/internal/orders"
	"github.com/ksred/trailstop-api/internal/pricefeed"
	"github.com/ksred/trailstop-api/internal/settlement"
	"github.com/ksred/trailstop-api/pkg/middleware"
)

// main initializes and runs the trailing-stop engine with graceful shutdown
// support. It wires the price feed, order store, monitor loop and API routes.
func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg)

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Notification sinks: structured log always, telegram when configured
	var notifier notify.Notifier = notify.Multi{notify.LogNotifier{}}
	if cfg.Telegram.BotToken != "" {
		notifier = notify.Multi{
			notify.LogNotifier{},
			notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID),
		}
	}

	// Price feed: ordered source chain behind a short-TTL cache
	sources := make([]pricefeed.Source, 0, len(cfg.PriceFeed.Sources))
	for _, sc := range cfg.PriceFeed.Sources {
		sources = append(sources, pricefeed.NewHTTPSource(sc.Name, sc.URL, sc.PricePath, cfg.PriceFeed.SourceTimeout))
	}
	feed := pricefeed.NewAggregator(sources, pricefeed.Options{
		CacheTTL:     cfg.PriceFeed.CacheTTL,
		StaleCeiling: cfg.PriceFeed.StaleCeiling,
	})
	for assetID, price := range cfg.PriceFeed.Fallbacks {
		feed.SetFallback(assetID, price)
	}

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.TestUserAddress)

	orderService := orders.NewService(db, notifier)
	orderHandlers := orders.NewGinHandlers(orderService)

	disp := dispatcher.New(orderService.GetDB(), settlement.NewSimulatedClient(), notifier, dispatcher.Options{
		MaxRetries:     cfg.Dispatcher.MaxRetries,
		InitialBackoff: cfg.Dispatcher.InitialBackoff,
	})

	// Create and start the monitor loop
	mon := monitor.New(orderService.GetDB(), feed, disp, notifier, monitor.Options{
		TickInterval:   cfg.Monitor.TickInterval,
		MaxConcurrency: cfg.Monitor.MaxConcurrency,
		StalenessBound: cfg.Monitor.StalenessBound,
	})
	monitorCtx, monitorCancel := context.WithCancel(context.Background())
	monitorDone := make(chan struct{})

	go func() {
		defer close(monitorDone)
		mon.Start(monitorCtx)
	}()

	// Initialize router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Setup API routes
	setupRoutes(router, cfg.JWTSecret, authHandlers, orderHandlers)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop the monitor first so no new executions start, then drain the server
	monitorCancel()
	<-monitorDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupLogging configures the application logging based on the environment.
// In development mode, it enables pretty printing with timestamps.
func setupLogging(cfg *config.Config) {
	if cfg.Environment != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public endpoints for token issuance
// - Order routes: create/cancel/query, protected by JWT authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes: unauthenticated, limited per client IP
		authGroup := v1.Group("/auth")
		authGroup.Use(middleware.RateLimit())
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes: rate limiting runs after JWT auth so limiters key on
		// the authenticated user address rather than the caller's IP
		orderGroup := v1.Group("/orders")
		orderGroup.Use(middleware.JWTAuth(jwtSecret), middleware.RateLimit())
		{
			orderGroup.POST("", orderHandlers.CreateOrderHandler())
			orderGroup.GET("", orderHandlers.ListOrdersHandler())
			orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
		}
	}
}
