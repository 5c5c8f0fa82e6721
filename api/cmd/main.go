package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/audit"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/config"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/infrastructure/memory"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/infrastructure/postgres"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/infrastructure/rabbitmq"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/infrastructure/redis"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/pkg/logger"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/security"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/service"
	"github.com/baechuer/onchain-market/services/affiliate-service/internal/transport/rest"
	"github.com/jackc/pgx/v5/pgxpool"
)

const housekeepingInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	log := logger.Logger.With().
		Str("service", "affiliate-service").
		Str("env", cfg.AppEnv).
		Logger()

	// Root ctx with signal cancellation
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auditLog := audit.New(logger.Logger)
	checks := map[string]rest.HealthCheck{}

	// ---- Store ----
	var (
		repo  domain.ClickRepository
		pgRep *postgres.Repository
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		repo = memory.NewClickStore()
		log.Warn().Msg("using in-memory click store; data is lost on restart")
	default:
		dbPool, err := pgxpool.New(rootCtx, cfg.DBDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres pool create failed")
		}
		defer dbPool.Close()

		pingCtx, cancel := context.WithTimeout(rootCtx, 5*time.Second)
		err = dbPool.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("postgres ping failed")
		}
		log.Info().Msg("postgres connected")

		pgRep = postgres.New(dbPool).WithAudit(auditLog)
		repo = pgRep
		checks["postgres"] = pgRep.Ping
	}

	// ---- Redis (optional shared rate limiter) ----
	var limiter domain.RateLimiter
	if cfg.RedisAddr != "" {
		cache := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
		defer func() { _ = cache.Close() }()

		pingCtx, cancel := context.WithTimeout(rootCtx, 2*time.Second)
		// Best-effort ping; the limiter fails open
		if err := cache.Ping(pingCtx); err != nil {
			log.Warn().Err(err).Msg("redis ping failed (continuing)")
		} else {
			log.Info().Msg("redis connected")
		}
		cancel()

		limiter = cache
		checks["redis"] = cache.Ping
	} else {
		log.Info().Msg("REDIS_ADDR not set; using per-process rate limiting")
	}

	// ---- Application service ----
	svc := service.NewAffiliateService(repo, auditLog, service.Policy{
		AttributionWindow: cfg.AttributionWindow,
		SettlementDelay:   cfg.SettlementDelay,
		LinkWindow:        cfg.LinkWindow,
	})
	svc.StartSettlementSweeper(rootCtx, cfg.SettlementSweepInterval)

	// ---- MQ consumer (inbound order events) ----
	if cfg.ConsumerEnabled {
		var inbox rabbitmq.Inbox
		if pgRep != nil {
			inbox = pgRep
		}
		if err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitExchange, svc, inbox).Start(rootCtx); err != nil {
			log.Error().Err(err).Msg("order consumer failed to start; conversions will not be recorded")
		}
	}

	// ---- Outbox worker + housekeeping (postgres only) ----
	if pgRep != nil {
		if cfg.OutboxEnabled {
			pgRep.StartOutboxWorker(rootCtx, cfg.RabbitURL, cfg.RabbitExchange)
			log.Info().Msg("outbox worker started")
		}
		pgRep.StartHousekeeping(rootCtx, housekeepingInterval)
	}

	// ---- Router ----
	httpHandler := rest.NewRouter(rest.RouterDeps{
		Handler:  rest.NewHandler(svc),
		Verifier: security.NewHS256Verifier(cfg.JWTSecret, cfg.JWTIssuer),
		Limiter:  limiter,
		RateLimit: rest.RateLimitConfig{
			Enabled: cfg.RLEnabled,
			Limit:   cfg.RLLimit,
			Window:  cfg.RLWindow,
		},
		IsAdminWallet: cfg.IsAdminWallet,
		Checks:        checks,
	})

	// ---- HTTP server ----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      20 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("http server crashed")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
}
