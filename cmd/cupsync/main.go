package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cupnote/cupsync/internal/cache"
	"github.com/cupnote/cupsync/internal/config"
	"github.com/cupnote/cupsync/internal/errors"
	"github.com/cupnote/cupsync/internal/health"
	"github.com/cupnote/cupsync/internal/metrics"
	"github.com/cupnote/cupsync/internal/migration"
	"github.com/cupnote/cupsync/internal/model"
	"github.com/cupnote/cupsync/internal/orchestrator"
	"github.com/cupnote/cupsync/internal/queue"
	"github.com/cupnote/cupsync/internal/realtime"
	"github.com/cupnote/cupsync/internal/server"
	"github.com/cupnote/cupsync/internal/store"
	"github.com/cupnote/cupsync/internal/util/workerpool"
	"github.com/cupnote/cupsync/internal/validation"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting CupNote sync daemon",
		zap.String("device_id", cfg.Device.ID),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("realtime_websocket", cfg.Realtime.URL != ""))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry, cfg.Device.ID)

	// Device-local store
	rawKV, closeKV, err := openLocalStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open local store", zap.Error(err))
	}
	defer closeKV()
	kv := store.NewFramedStore(rawKV, cfg.Storage.Compression)

	// Remote backend
	auth := store.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.AccessToken)
	remote, err := store.NewPostgresRemote(ctx, &store.PostgresConfig{
		DatabaseURL:    cfg.Remote.DatabaseURL,
		MaxConnections: cfg.Remote.MaxConnections,
		MinConnections: cfg.Remote.MinConnections,
		NotifyChannel:  cfg.Remote.NotifyChannel,
	}, auth, logger)
	if err != nil {
		logger.Fatal("Failed to connect to remote backend", zap.Error(err))
	}
	defer remote.Close()

	// Realtime connection
	var transport realtime.Transport
	if cfg.Realtime.URL != "" {
		transport = realtime.NewWebSocketTransport(&realtime.WebSocketConfig{
			URL:   cfg.Realtime.URL,
			Token: auth.Token,
		}, logger)
	} else {
		transport = realtime.NewRemoteTransport(remote, cfg.Realtime.HeartbeatTable)
	}
	conn := realtime.NewConnectionManager(&realtime.ConnectionConfig{
		HeartbeatInterval:  cfg.Realtime.HeartbeatInterval,
		HeartbeatTable:     cfg.Realtime.HeartbeatTable,
		ReconnectBaseDelay: cfg.Realtime.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.Realtime.ReconnectMaxDelay,
	}, transport, remote, nil, m, logger)

	// Offline write queue
	pool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "offline-queue",
		MaxWorkers: cfg.Queue.DrainWorkers,
		QueueSize:  4,
		Logger:     logger,
	})
	offlineQueue := queue.NewOfflineQueue(&queue.QueueConfig{
		DeadLetterLimit: cfg.Queue.DeadLetterLimit,
		MaxPayloadBytes: cfg.Queue.MaxPayloadBytes,
	}, kv, remote, conn, pool, m, logger)
	if err := offlineQueue.Load(ctx); err != nil {
		logger.Warn("Failed to restore offline queue", zap.Error(err))
	}

	// Local cache
	cacheService := cache.NewCacheService(&cache.CacheConfig{
		MaxSizeBytes:      cfg.Cache.MaxSizeBytes,
		MaxCollectionSize: cfg.Cache.MaxCollectionSize,
		TTL:               cfg.Cache.TTL,
		OptimizeThreshold: cfg.Cache.OptimizeThreshold,
		TrimTarget:        cfg.Cache.TrimTarget,
	}, kv, m, logger)
	if !cacheService.ValidateIntegrity(ctx) {
		logger.Warn("Cache metadata was repaired at startup")
	}

	// Sync orchestrator
	orch := orchestrator.New(&orchestrator.Config{
		PeriodicInterval: cfg.Sync.PeriodicInterval,
		LookbackWindow:   cfg.Sync.LookbackWindow,
		Thresholds:       cfg.CategoryThresholds(),
		Tables:           cfg.CategoryTables(),
	}, cacheService, offlineQueue, remote, conn, kv, m, logger)
	if err := orch.LoadStatus(ctx); err != nil {
		logger.Warn("Failed to restore sync status", zap.Error(err))
	}

	// Migration gate
	runner := migration.NewRunner(kv, m, logger)
	if err := registerMigrations(cfg, runner, cacheService, offlineQueue, remote, logger); err != nil {
		logger.Fatal("Failed to register migrations", zap.Error(err))
	}
	if err := runner.Load(ctx); err != nil {
		logger.Fatal("Failed to load migration state", zap.Error(err))
	}
	runStartupMigrations(ctx, cfg, runner, logger)

	// Health surfaces
	healthChecker := health.NewHealthChecker(conn, kv, runner, orch, logger)

	var grpcHealth *server.GRPCHealthServer
	if cfg.GRPCHealth.Enabled {
		grpcHealth = server.NewGRPCHealthServer(cfg.GRPCHealth.Port, logger)
		grpcHealth.WatchGate(ctx, cfg.GRPCHealth.GateCheckInterval, healthChecker.CanServe)
		runner.OnRunComplete(func(model.MigrationReport) {
			grpcHealth.SetGate(healthChecker.CanServe())
		})
	}

	conn.OnStateChange(func(state model.ConnectionState) {
		orch.HandleConnectionChange(state)
		if grpcHealth != nil {
			grpcHealth.SetConnection(state)
		}
	})

	// Realtime subscriptions, then the first connection attempt
	userID := ""
	if user, err := remote.CurrentUser(ctx); err == nil {
		userID = user.ID
	} else {
		logger.Warn("No signed-in user, subscribing without a user filter", zap.Error(err))
	}
	for id, spec := range orch.ChangeSubscriptions(userID) {
		if err := conn.Subscribe(ctx, id, spec, orch.HandleChange); err != nil {
			logger.Warn("Failed to subscribe to realtime changes",
				zap.String("subscription_id", id),
				zap.Error(err))
		}
	}
	if err := conn.Connect(ctx); err != nil {
		logger.Warn("Realtime channel unavailable at startup, reconnecting in background", zap.Error(err))
	}

	if healthChecker.CanServe() {
		result := orch.PerformSync(ctx, model.TriggerStartup)
		logger.Info("Startup sync finished",
			zap.String("outcome", string(result.Outcome)),
			zap.String("reason", result.Reason))
	} else {
		logger.Warn("Required migrations are overdue, skipping startup sync")
	}

	conn.SetOnOnline(func(ctx context.Context) {
		orch.PerformSync(ctx, model.TriggerAutomatic)
	})
	orch.Start(ctx)

	// Servers
	serverErrors := make(chan error, 2)

	var admin *server.AdminServer
	if cfg.Admin.Enabled {
		admin = server.NewAdminServer(&server.AdminConfig{
			Port:              cfg.Admin.Port,
			RateLimitEnabled:  cfg.Admin.RateLimit.Enabled,
			RequestsPerSecond: float64(cfg.Admin.RateLimit.RequestsPerSecond),
			BurstSize:         cfg.Admin.RateLimit.BurstSize,
			MetricsEnabled:    cfg.Metrics.Enabled,
			MetricsPath:       cfg.Metrics.Path,
			Gatherer:          registry,
		}, server.Services{
			Sync:       orch,
			Queue:      offlineQueue,
			Cache:      cacheService,
			Migrations: runner,
			Connection: conn,
			Health:     healthChecker,
		}, logger)

		go func() {
			if err := admin.Start(); err != nil {
				serverErrors <- err
			}
		}()
	}

	if grpcHealth != nil {
		go func() {
			if err := grpcHealth.Start(); err != nil {
				serverErrors <- fmt.Errorf("gRPC health server: %w", err)
			}
		}()
	}

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	logger.Info("Shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Admin server shutdown failed", zap.Error(err))
		}
	}
	if grpcHealth != nil {
		grpcHealth.Stop()
	}

	orch.Stop()
	conn.Disconnect()
	cancel()
	if err := pool.Stop(shutdownTimeout); err != nil {
		logger.Warn("Offline queue worker pool did not stop cleanly", zap.Error(err))
	}

	logger.Info("CupNote sync daemon stopped")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

// openLocalStore opens the configured backend and returns its closer
func openLocalStore(cfg *config.Config, logger *zap.Logger) (store.KeyValueStore, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		rs, err := store.NewRedisStore(
			cfg.Storage.Redis.Host,
			cfg.Storage.Redis.Port,
			cfg.Storage.Redis.Password,
			cfg.Storage.Redis.DB,
			cfg.Storage.Redis.KeyPrefix,
			cfg.Device.ID,
			logger,
		)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { rs.Close() }, nil
	case config.BackendMemory:
		logger.Warn("Using in-memory local store, device state will not survive a restart")
		return store.NewMemoryStore(), func() {}, nil
	default:
		ss, err := store.NewSQLiteStore(cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return ss, func() { ss.Close() }, nil
	}
}

func registerMigrations(
	cfg *config.Config,
	runner *migration.Runner,
	cacheService *cache.CacheService,
	offlineQueue *queue.OfflineQueue,
	remote store.RemoteStore,
	logger *zap.Logger,
) error {
	catalog, err := migration.LoadCatalog(cfg.Migration.CatalogPath)
	if err != nil {
		return err
	}

	bodies := migration.Bodies(migration.Env{
		Cache:     cacheService,
		Queue:     offlineQueue,
		Remote:    remote,
		Validator: validation.NewValidatorWithLimits(cfg.Queue.MaxPayloadBytes),
		Logger:    logger,
	})
	return migration.RegisterCatalog(runner, catalog, bodies)
}

func runStartupMigrations(ctx context.Context, cfg *config.Config, runner *migration.Runner, logger *zap.Logger) {
	pending := runner.GetPendingMigrations()
	if len(pending) == 0 {
		logger.Info("No pending migrations", zap.Int("current_version", runner.State().CurrentVersion))
		return
	}

	report, err := runner.RunMigrations(ctx, migration.RunOptions{
		ForceBreaking:        cfg.Migration.ForceBreaking,
		SkipUserConfirmation: cfg.Migration.SkipUserConfirmation,
	})
	if errors.GetCode(err) == errors.ErrCodeBreakingMigration {
		logger.Warn("Breaking migrations are waiting for confirmation",
			zap.Int("pending", len(pending)),
			zap.Bool("can_use_app", runner.CanUseApp(time.Now())))
		return
	}
	if err != nil && report == nil {
		logger.Error("Migration run rejected", zap.Error(err))
		return
	}
	if err != nil {
		logger.Warn("Migration state could not be persisted", zap.Error(err))
	}

	logger.Info("Migrations finished",
		zap.Int("target_version", report.TargetVersion),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed))
}
