package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpAdapter "github.com/lorrc/collab-relay/internal/adapters/primary/http"
	"github.com/lorrc/collab-relay/internal/adapters/primary/websocket"
	"github.com/lorrc/collab-relay/internal/adapters/secondary/postgres"
	"github.com/lorrc/collab-relay/internal/adapters/secondary/redis"
	"github.com/lorrc/collab-relay/internal/auth"
	"github.com/lorrc/collab-relay/internal/config"
	"github.com/lorrc/collab-relay/internal/core/ports"
	"github.com/lorrc/collab-relay/internal/core/services"
	"github.com/lorrc/collab-relay/internal/infrastructure/logging"
	"github.com/lorrc/collab-relay/internal/infrastructure/metrics"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize Structured Logger
	logger := logging.NewLogger(logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      os.Stdout,
		ServiceName: cfg.App.Name,
		Environment: cfg.App.Environment,
	})
	slog.SetDefault(logger)

	logger.Info("starting relay",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
		"instance_id", cfg.App.InstanceID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]httpAdapter.HealthChecker{}

	// 3. Room access store (optional)
	var access ports.AccessStore
	if cfg.Database.Enabled() {
		if cfg.Database.MigrateOnStart {
			if err := postgres.Migrate(cfg.Database.URL); err != nil {
				logger.Error("database migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("database migrations applied")
		}

		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connection established")

		repo := postgres.NewRoomAccessRepository(pool)
		access = repo
		checks["database"] = repo
	} else {
		logger.Info("no database configured, every room is open")
	}

	// 4. Cross-instance event bus (optional)
	var bus ports.EventBus
	if cfg.Redis.Enabled() {
		redisBus, err := redis.NewBus(ctx, cfg.Redis.URL, cfg.Redis.ChannelPrefix, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisBus.Close()
		logger.Info("redis event bus connected")

		bus = redisBus
		checks["redis"] = redisBus
	}

	// 5. Core services
	recorder := metrics.NewRecorder(nil)
	registry := services.NewRoomRegistry(services.RegistryConfig{
		Shards:            cfg.Relay.Shards,
		MaxRooms:          cfg.Relay.MaxRooms,
		MaxMembersPerRoom: cfg.Relay.MaxMembersPerRoom,
	}, recorder, logger)
	router := services.NewRouter(registry, access, bus, recorder, logger, services.RouterConfig{
		InstanceID:      cfg.App.InstanceID,
		MaxPayloadBytes: cfg.Relay.MaxPayloadBytes,
	})
	if err := router.Start(ctx); err != nil {
		logger.Error("failed to subscribe to event bus", "error", err)
		os.Exit(1)
	}

	// 6. Primary adapters
	var tokenManager *auth.TokenManager
	if cfg.JWT.Secret != "" {
		tokenManager = auth.NewTokenManager(cfg.JWT.Secret, cfg.JWT.TokenTTL)
	}
	hub := websocket.NewHub(recorder, logger)

	handler := httpAdapter.NewRouter(httpAdapter.RouterDeps{
		Config:    cfg,
		Logger:    logger,
		Registry:  registry,
		Tokens:    tokenManager,
		Health:    httpAdapter.NewHealthHandler(checks, relayStats{registry, hub}, cfg.App.Version),
		WebSocket: httpAdapter.NewWebSocketHandler(ctx, hub, router, tokenManager, cfg, logger),
		Metrics:   metrics.Handler(),
		Access:    access,
	})

	// 7. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting upgrades first, then close the open sessions
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error("session shutdown incomplete", "error", err, "remaining", hub.SessionCount())
	}

	logger.Info("server shutdown complete")
}

type relayStats struct {
	registry *services.RoomRegistry
	hub      *websocket.Hub
}

func (s relayStats) RoomCount() int    { return s.registry.RoomCount() }
func (s relayStats) SessionCount() int { return s.hub.SessionCount() }
