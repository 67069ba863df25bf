package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aminenidae/screentime-entitlements/internal/api"
	"github.com/aminenidae/screentime-entitlements/internal/cache"
	"github.com/aminenidae/screentime-entitlements/internal/config"
	"github.com/aminenidae/screentime-entitlements/internal/domain"
	"github.com/aminenidae/screentime-entitlements/internal/engine"
	"github.com/aminenidae/screentime-entitlements/internal/netmon"
	"github.com/aminenidae/screentime-entitlements/internal/service"
	"github.com/aminenidae/screentime-entitlements/internal/store"
	"github.com/aminenidae/screentime-entitlements/internal/websocket"
	"github.com/aminenidae/screentime-entitlements/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Initialize PostgreSQL
	ctx := context.Background()
	pgStore, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := pgStore.RunMigrations(ctx, "migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations applied")

	// Initialize Redis
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer redisStore.Close()
	logger.Info("connected to Redis")

	// Open the local entitlement cache
	boltCache, err := cache.Open(cfg.CachePath)
	if err != nil {
		logger.Error("failed to open entitlement cache", "error", err, "path", cfg.CachePath)
		os.Exit(1)
	}
	defer boltCache.Close()
	logger.Info("entitlement cache opened", "path", cfg.CachePath)

	// WebSocket hub for dashboard clients
	hub := websocket.NewHub(logger)
	go hub.Run()

	// Engines
	sender := worker.NewHubSender(hub, logger)
	analyzer := engine.NewSlidingWindowAnalyzer(redisStore.Client(), logger, 24*time.Hour)
	profiler := engine.NewMarkerProfiler(redisStore.Client(), analyzer, logger, cfg.AppBundleID)
	queue := engine.NewRetryNotificationQueue(redisStore.Client(), sender, logger)
	grace := engine.NewGracePeriodStateMachine(pgStore, queue, logger, cfg.GracePeriodDays)
	fraud := engine.NewFraudPreventionEngine(pgStore, profiler, analyzer, logger, engine.DefaultUsageThresholds())
	limiter := engine.NewRateLimiter(redisStore.Client(), logger)
	breaker := engine.NewCircuitBreaker(redisStore.Client(), logger)

	// Connectivity monitor and services
	monitor := netmon.NewProbeMonitor(cfg.ProbeTarget, cfg.ProbeInterval, logger)
	validation := service.NewEntitlementValidationService(pgStore, boltCache, analyzer, grace, logger, cfg.CacheFreshness)
	offline := service.NewOfflineEntitlementService(pgStore, boltCache, monitor, breaker, logger, cfg.OfflineGraceDays, cfg.ResyncWorkers)
	admin := service.NewSubscriptionAdminService(pgStore, boltCache, fraud, logger)

	// Push state transitions out to dashboard clients
	grace.OnTransition(func(familyID string, status engine.GracePeriodStatus) {
		hub.Broadcast(websocket.EntitlementEvent{
			Type:     websocket.EventGraceTransition,
			FamilyID: familyID,
			Detail:   string(status.State),
			Data:     status,
		})
	})
	fraud.OnAssessment(func(assessment *domain.FraudAssessment) {
		hub.Broadcast(websocket.EntitlementEvent{
			Type:     websocket.EventFraudAssessment,
			FamilyID: assessment.FamilyID,
			Detail:   string(assessment.Recommendation),
			Data:     assessment,
		})
	})
	offline.OnChange(func(snapshot service.OfflineSnapshot) {
		hub.Broadcast(websocket.EntitlementEvent{
			Type:   websocket.EventSyncStatus,
			Detail: string(snapshot.SyncStatus),
			Data:   snapshot,
		})
	})

	// Background workers
	runCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	notifier := worker.NewNotifier(redisStore.Client(), sender, logger)
	go notifier.Start(runCtx)
	go monitor.Start(runCtx)
	go offline.Run(runCtx)

	// Setup router
	router := api.NewRouter(api.RouterDeps{
		Validation:    validation,
		Offline:       offline,
		Admin:         admin,
		Fraud:         fraud,
		Grace:         grace,
		Profiler:      profiler,
		Limiter:       limiter,
		Queue:         queue,
		Source:        pgStore,
		Metrics:       pgStore,
		Hub:           hub,
		Logger:        logger,
		ValidateLimit: cfg.ValidateRateLimit,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	stopWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
