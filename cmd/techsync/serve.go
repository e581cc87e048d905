package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"techsync/internal/api"
	"techsync/internal/cache"
	"techsync/internal/config"
	"techsync/internal/connectivity"
	"techsync/internal/database"
	"techsync/internal/domain"
	"techsync/internal/events"
	"techsync/internal/logging"
	"techsync/internal/metrics"
	"techsync/internal/remote"
	"techsync/internal/repository"
	"techsync/internal/service"
	"techsync/internal/worker"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// storeHandle is the opened key-value store plus the pieces serve needs
// to manage separately.
type storeHandle struct {
	store    domain.KVStore
	db       *database.DB
	failover *repository.FailoverStore
}

func (h *storeHandle) health() api.StoreHealth {
	if h.failover == nil {
		return nil
	}
	return h.failover
}

func runServe(ctx context.Context, cfg *config.Config) error {
	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer func() { _ = closer.Close() }()
	}
	logger := logging.Component(baseLogger, "serve")

	lock, err := acquireLock(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Warn().Err(err).Msg("release agent lock")
		}
	}()

	handle, err := openStore(ctx, cfg, baseLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := handle.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("close store")
		}
	}()

	bus := events.NewEventBus()
	listener := connectivity.NewListener(cfg.Connectivity.InitialOnline, bus, logging.Component(baseLogger, "connectivity"))

	creds := remote.NewCredentials(handle.store)
	if err := creds.Seed(ctx, cfg.Remote.AccessToken, cfg.Remote.RefreshToken); err != nil {
		return fmt.Errorf("seed credentials: %w", err)
	}
	client := remote.NewClient(cfg.Remote, cfg.Connectivity.ProbeURL, creds, logging.Component(baseLogger, "remote"))

	queue := worker.NewActionQueue(handle.store, client, worker.Options{
		Retry:        worker.RetryPolicy{MaxRetries: cfg.Sync.MaxRetries},
		Connectivity: listener,
		Events:       bus,
	}, logging.Component(baseLogger, "queue"))

	syncService := service.NewSyncService(client, cache.New(handle.store), queue, listener, bus, logging.Component(baseLogger, "sync"))
	listener.OnOnline(syncService.HandleOnline)

	startMetrics(ctx, cfg, logger)

	go queue.Run(ctx)
	go syncService.Run(ctx, cfg.Sync.PullInterval)

	if cfg.Connectivity.ProbeURL != "" {
		prober := connectivity.NewProber(client, listener, cfg.Connectivity.ProbeInterval, cfg.Connectivity.ProbeTimeout, logging.Component(baseLogger, "prober"))
		go prober.Start(ctx)
	}

	if cfg.Backup.Enabled && handle.db != nil {
		backup := database.NewBackupService(handle.db, cfg.Backup, logging.Component(baseLogger, "backup"))
		go backup.Start(ctx)
	}

	if cfg.Sync.DrainOnStart && listener.Online() {
		syncService.HandleOnline()
	}

	var httpServer *api.HTTPServer
	if cfg.API.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, api.Dependencies{
			Queue:        queue,
			Sync:         syncService,
			Connectivity: listener,
			Events:       bus,
			Store:        handle.health(),
		}, logging.Component(baseLogger, "api"))

		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("control API stopped")
			}
		}()
	}

	pending, _ := queue.PendingCount(ctx)
	metrics.SetQueueDepth(pending)
	logger.Info().
		Str("driver", cfg.Storage.Driver).
		Bool("online", listener.Online()).
		Int("pending", pending).
		Msg("sync agent started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	logger.Info().Msg("sync agent stopped")
	return nil
}

// acquireLock keeps a second agent from draining the same store.
func acquireLock(cfg *config.Config) (*flock.Flock, error) {
	dir := os.TempDir()
	if cfg.Storage.Driver == config.DriverSQLite && cfg.Storage.Path != ":memory:" {
		dir = filepath.Dir(cfg.Storage.Path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	path := filepath.Join(dir, cfg.App.Name+".lock")
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another agent holds %s", path)
	}
	return lock, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*storeHandle, error) {
	storeLogger := logging.Component(logger, "store")

	var (
		primary domain.KVStore
		db      *database.DB
	)
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		opened, err := database.NewDB(cfg.Storage.Path, storeLogger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		db = opened
		primary = opened
	case config.DriverRedis:
		client := repository.NewRedisClient(cfg.Storage.Redis)
		if err := repository.Ping(ctx, client); err != nil {
			_ = client.Close()
			if !cfg.Storage.FallbackMemory {
				return nil, err
			}
			storeLogger.Warn().Err(err).Msg("redis unavailable, using in-memory store")
			return &storeHandle{store: repository.NewMemoryStore()}, nil
		}
		storeLogger.Info().Str("addr", cfg.Storage.Redis.Address).Msg("redis connected")
		primary = repository.NewRedisStore(client, cfg.Storage.Redis.KeyPrefix)
	case config.DriverMemory:
		storeLogger.Warn().Msg("in-memory store: queued actions are lost on restart")
		return &storeHandle{store: repository.NewMemoryStore()}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Storage.FallbackMemory {
		failover := repository.NewFailoverStore(primary, repository.NewMemoryStore(), storeLogger)
		return &storeHandle{store: failover, db: db, failover: failover}, nil
	}
	return &storeHandle{store: primary, db: db}, nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
