package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-oms/internal/auth"
	"github.com/ksred/klear-oms/internal/broker"
	"github.com/ksred/klear-oms/internal/config"
	"github.com/ksred/klear-oms/internal/database"
	"github.com/ksred/klear-oms/internal/events"
	"github.com/ksred/klear-oms/internal/execution"
	"github.com/ksred/klear-oms/internal/fill"
	"github.com/ksred/klear-oms/internal/guardian"
	"github.com/ksred/klear-oms/internal/journal"
	"github.com/ksred/klear-oms/internal/reconcile"
	"github.com/ksred/klear-oms/internal/trading"
	"github.com/ksred/klear-oms/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the execution engine for the configured mode, starts
// reconciliation in live mode, and serves the API until interrupted.
func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	if os.Getenv("DEBUG") != "true" {
		zerolog.SetGlobalLevel(cfg.LogLevel())
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	bus := events.NewBus(cfg.Events.Buffer)
	defer bus.Close()

	deps := execution.Deps{
		Fill:    fill.NewEngine(cfg.Fill),
		Bus:     bus,
		Journal: journal.NewStore(db),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		engine     execution.Engine
		reconciler *reconcile.Reconciler
	)
	switch cfg.Mode {
	case execution.ModeLive:
		adapter, err := newAdapter(cfg)
		if err != nil {
			zlog.Fatal().Err(err).Msg("Failed to initialize broker adapter")
		}
		var live *execution.Live
		guard := guardian.NewRules(cfg.Guardian, func(symbol string) int64 {
			return live.NetQuantity(symbol)
		})
		live = execution.NewLive(cfg.ExecutionConfig(), deps, adapter, guard, cfg.Broker.Retry)
		reconciler = reconcile.New(cfg.Reconcile, live, adapter, bus)
		go reconciler.Start(ctx)
		engine = live
	default:
		engine = execution.NewPaper(cfg.ExecutionConfig(), deps)
	}

	zlog.Info().
		Str("mode", engine.Mode()).
		Str("broker", cfg.Broker.Name).
		Str("database", cfg.Database.Path).
		Msg("Execution engine ready")

	authService := auth.NewService(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	authHandlers := auth.NewGinHandlers(authService)
	if os.Getenv("ENV") != "production" {
		authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)
	}

	tradingService := trading.NewService(engine, db)
	tradingHandlers := trading.NewGinHandlers(tradingService)
	go purgeIdempotencyKeys(ctx, tradingService)

	router := gin.Default()
	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg, authHandlers, tradingHandlers, bus, reconciler)

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	m := engine.GetMetrics()
	zlog.Info().
		Int("orders", m.OrderCount).
		Int("open_positions", m.OpenPositionCount).
		Str("realized_pnl", m.RealizedPnL.String()).
		Msg("Server exiting")
}

func newAdapter(cfg *config.Config) (broker.Adapter, error) {
	if cfg.Broker.Name == config.BrokerAlpaca {
		return broker.NewAlpaca(cfg.Broker.Alpaca)
	}
	return broker.NewSimulator(fill.NewEngine(cfg.Fill)), nil
}

func purgeIdempotencyKeys(ctx context.Context, svc *trading.Service) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PurgeExpiredKeys()
			if err != nil {
				zlog.Error().Err(err).Msg("Failed to purge idempotency keys")
				continue
			}
			if n > 0 {
				zlog.Debug().Int64("purged", n).Msg("Purged expired idempotency keys")
			}
		}
	}
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: Public endpoints for authentication
// - Order and portfolio routes: Protected by JWT authentication
// - Internal routes: Market data feed, protected by the internal key
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	tradingHandlers *trading.GinHandlers,
	bus *events.Bus,
	reconciler *reconcile.Reconciler,
) {
	v1 := router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(cfg.Server.JWTSecret))
		{
			orders.POST("", tradingHandlers.CreateOrderHandler())
			orders.GET("", tradingHandlers.ListOrdersHandler())
			orders.GET("/:order_id", tradingHandlers.GetOrderHandler())
			orders.DELETE("/:order_id", tradingHandlers.CancelOrderHandler())
		}

		portfolio := v1.Group("")
		portfolio.Use(middleware.JWTAuth(cfg.Server.JWTSecret))
		{
			portfolio.GET("/positions", tradingHandlers.PositionsHandler())
			portfolio.GET("/positions/closed", tradingHandlers.ClosedPositionsHandler())
			portfolio.GET("/metrics", tradingHandlers.MetricsHandler())
			portfolio.GET("/events/stream", events.StreamHandler(bus))
			if reconciler != nil {
				portfolio.GET("/status/reconcile", reconciler.StatusHandler())
			}
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.Server.InternalKey, cfg.Server.JWTSecret))
		{
			internal.POST("/market/ticks", tradingHandlers.MarketTickHandler())
			internal.POST("/market/candles", tradingHandlers.CandleCloseHandler())
		}
	}
}
