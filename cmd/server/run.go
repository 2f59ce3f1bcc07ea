package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iudanet/gophvault/internal/collab"
	"github.com/iudanet/gophvault/internal/collab/bus"
	"github.com/iudanet/gophvault/internal/collab/statestore"
	"github.com/iudanet/gophvault/internal/collab/statestore/boltstore"
	"github.com/iudanet/gophvault/internal/collab/statestore/redisstore"
	"github.com/iudanet/gophvault/internal/config"
	"github.com/iudanet/gophvault/internal/metrics"
	"github.com/iudanet/gophvault/internal/server"
	"github.com/iudanet/gophvault/internal/server/auth"
	"github.com/iudanet/gophvault/internal/server/handlers"
	"github.com/iudanet/gophvault/internal/server/middleware"
	"github.com/iudanet/gophvault/internal/server/storage"
	"github.com/iudanet/gophvault/internal/server/storage/postgres"
	"github.com/iudanet/gophvault/internal/server/storage/sqlite"
	"github.com/iudanet/gophvault/internal/server/ws"
)

const (
	// shutdownTimeout время на уход участников и сохранение документов
	shutdownTimeout = 30 * time.Second
	// readHeaderTimeout защита от медленных клиентов
	readHeaderTimeout = 10 * time.Second
)

// run собирает зависимости и обслуживает запросы до отмены ctx
func run(ctx context.Context, cfg *config.Config) error {
	logger := cfg.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	logger.Info("GophVault Server starting",
		slog.String("version", Version),
		slog.String("addr", cfg.Server.Addr),
		slog.String("state_backend", cfg.State.Backend),
		slog.String("storage_driver", cfg.Storage.Driver),
		slog.Bool("dev_mode", cfg.Server.DevMode))

	m := metrics.New()
	hub := bus.NewHub(logger, bus.WithDropCounter(m.EventsDropped))

	store, broadcaster, relay, err := openState(ctx, cfg, logger, hub)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close state store", slog.Any("error", err))
		}
	}()

	files, err := openFiles(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := files.Close(); err != nil {
			logger.Error("failed to close file storage", slog.Any("error", err))
		}
	}()

	svc := collab.NewService(logger, collab.Config{
		SessionSecret: []byte(cfg.Auth.SessionSecret),
		LockTTL:       cfg.Collab.LockTTL,
		DrainTTL:      cfg.Collab.DrainTTL,
		AdmitBackoff:  cfg.Collab.AdmitBackoff,
		AdmitRetries:  cfg.Collab.AdmitRetries,
	}, store, collab.NewVaultFiles(files), broadcaster, m)
	defer svc.Close()

	gatekeeper := auth.NewGatekeeper(logger, auth.JWTConfig{Secret: []byte(cfg.Auth.JWTSecret)}, cfg.Auth.Platforms)

	limiter := middleware.NewConnectLimiter(logger, cfg.RateLimit.ConnectRate, cfg.RateLimit.ConnectWindow,
		middleware.WithRejectCounter(m.ConnectsLimited))
	defer limiter.Stop()

	wsHandler := ws.NewHandler(logger, svc, hub, gatekeeper, m, ws.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Collab.SendBuffer,
		DevMode:        cfg.Server.DevMode,
	})

	router := server.NewRouter(server.RouterConfig{
		Logger: logger,
		Health: handlers.NewHealthHandler(logger, Version, map[string]handlers.Pinger{
			"state":   store,
			"storage": files,
		}),
		Admin:    handlers.NewAdminHandler(logger, svc),
		Collab:   wsHandler,
		Metrics:  m.Handler(),
		Verifier: gatekeeper,
		Limiter:  limiter,
		DevMode:  cfg.Server.DevMode,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	if relay != nil {
		g.Go(func() error {
			return relay(gctx)
		})
	}

	g.Go(func() error {
		logger.Info("server listening", slog.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Сначала перестаем принимать запросы, затем закрываем WebSocket соединения
		err := srv.Shutdown(shutdownCtx)
		return errors.Join(err, wsHandler.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped")
	return nil
}

// openState открывает общее хранилище состояния и шину событий.
// Для redis возвращается relay, который доставляет события pub/sub в hub.
func openState(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	hub *bus.Hub,
) (statestore.Store, bus.Broadcaster, func(context.Context) error, error) {
	switch cfg.State.Backend {
	case config.StateRedis:
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:         cfg.State.RedisAddr,
			Password:     cfg.State.RedisPassword,
			DB:           cfg.State.RedisDB,
			PendingLimit: cfg.Collab.PendingLogSize,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open redis state store: %w", err)
		}

		redisBus := bus.NewRedisBus(store.Client(), hub, logger, "")
		return store, redisBus, redisBus.Run, nil

	case config.StateBolt:
		store, err := boltstore.New(ctx, cfg.State.BoltPath, boltstore.WithPendingLimit(cfg.Collab.PendingLogSize))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open bolt state store: %w", err)
		}
		return store, bus.NewLocalBus(hub), nil, nil
	}

	return nil, nil, nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
}

// openFiles открывает файловое хранилище
func openFiles(ctx context.Context, cfg *config.Config) (storage.FileStorage, error) {
	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		s, err := postgres.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return s, nil

	case config.StorageSQLite:
		s, err := sqlite.New(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return s, nil
	}

	return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
}
