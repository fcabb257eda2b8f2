package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	httpapi "tutor-wallet-backend/internal/api/http"
	"tutor-wallet-backend/internal/config"
	"tutor-wallet-backend/internal/currency"
	"tutor-wallet-backend/internal/database"
	"tutor-wallet-backend/internal/gateway"
	"tutor-wallet-backend/internal/logger"
	"tutor-wallet-backend/internal/metrics"
	"tutor-wallet-backend/internal/repository/postgres"
	"tutor-wallet-backend/internal/security"
	"tutor-wallet-backend/internal/service"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "config/config.dev.yaml", "Path to configuration file")
	runMigrations := flag.Bool("migrate", false, "Apply pending database migrations before serving")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	logger.Info("Starting Tutor Wallet API...", "log_level", cfg.Log.Level, "log_format", cfg.Log.Format)
	logger.Info("Server configuration", "address", cfg.GetServerAddress())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *runMigrations {
		logger.Info("Applying migrations", "path", cfg.Database.MigrationsPath)
		if err := database.Migrate(cfg.GetDatabaseConnectionString(), cfg.Database.MigrationsPath); err != nil {
			logger.Error("Failed to apply migrations", "error", err)
			log.Fatalf("Failed to apply migrations: %v", err)
		}
	}

	// Initialize Database
	db, err := database.Open(ctx, cfg)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	store := postgres.NewStore(db, cfg.Database.TxRetries)
	m := metrics.New()

	// Exchange rates, shared through Redis when configured
	var rdb *redis.Client
	if cfg.Redis.Host != "" {
		rdb, err = currency.NewRedisClient(ctx, cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			// The converter runs without the shared cache; rates still come from the provider.
			logger.Warn("Redis unavailable, exchange rates will not be shared", "address", cfg.GetRedisAddress(), "error", err)
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}
	converter := currency.NewConverter(
		currency.NewHTTPRateProvider(cfg.FX.BaseURL, cfg.FX.APIKey, time.Duration(cfg.FX.TimeoutSeconds)*time.Second),
		rdb,
		time.Duration(cfg.FX.CacheTTLMinutes)*time.Minute,
		time.Duration(cfg.FX.FallbackTTLHours)*time.Hour,
		m,
	)

	// Initialize Services
	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, time.Duration(cfg.Gateway.TimeoutSeconds)*time.Second)
	settlementSvc := service.NewSettlementService(store, gw, time.Duration(cfg.Gateway.TimeoutSeconds)*time.Second, m)
	ledgerSvc := service.NewLedgerService(store, m)
	payoutSvc := service.NewPayoutService(store, converter, settlementSvc, service.PayoutOptions{
		MinAmount:    cfg.Payout.Min(),
		MaxAmount:    cfg.Payout.Max(),
		MaxAttempts:  cfg.Settlement.MaxAttempts,
		FXRetryAfter: time.Duration(cfg.FX.RetryAfterSeconds) * time.Second,
	}, m)

	// Initialize Security
	tokenManager := security.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	authMiddleware := httpapi.NewAuthMiddleware(tokenManager)

	var metricsHandler http.Handler
	if cfg.Metrics.Enabled {
		metricsHandler = m.Handler()
	}
	router := httpapi.NewRouter(httpapi.NewHandler(ledgerSvc, payoutSvc, store), authMiddleware, cfg.Metrics.Path, metricsHandler)

	srv := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()

	// Graceful shutdown
	logger.Info("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	logger.Info("Server stopped. Goodbye!")
}
