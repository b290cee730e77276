// Package app provides the application lifecycle for the relay service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/spunwebtech/wayback-relay/internal/api"
	"github.com/spunwebtech/wayback-relay/internal/archive"
	"github.com/spunwebtech/wayback-relay/internal/config"
	"github.com/spunwebtech/wayback-relay/internal/database"
	"github.com/spunwebtech/wayback-relay/internal/dedup"
	"github.com/spunwebtech/wayback-relay/internal/logger"
	"github.com/spunwebtech/wayback-relay/internal/metrics"
	"github.com/spunwebtech/wayback-relay/internal/relay"
	"github.com/spunwebtech/wayback-relay/internal/worker"
)

const (
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	pingTimeout = 5 * time.Second
)

// App holds the relay service and all its dependencies.
type App struct {
	config      *config.Config
	logger      logger.Logger
	db          *sqlx.DB
	redisClient *redis.Client
	service     *relay.Service
	worker      *worker.Worker
	httpServer  *http.Server
	version     string
}

// Options configures App construction.
type Options struct {
	ConfigPath string
	Version    string
}

// New loads configuration and wires every dependency. Redis is optional: when
// no address is configured the recently-submitted guard falls back to the
// submission history.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Debug)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	appLogger = appLogger.With(
		logger.String("service", "wayback-relay"),
		logger.String("version", opts.Version),
	)

	db, err := database.NewPostgresConnection(cfg.Database)
	if err != nil {
		_ = appLogger.Sync()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	var redisClient *redis.Client
	var tracker relay.RecentTracker
	if cfg.Redis.Enabled && cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if pingErr := redisClient.Ping(ctx).Err(); pingErr != nil {
			appLogger.Warn("Redis unreachable, dedup guard disabled",
				logger.String("addr", cfg.Redis.Addr),
				logger.Error(pingErr),
			)
			_ = redisClient.Close()
			redisClient = nil
		} else {
			tracker = dedup.NewTracker(redisClient, cfg.Redis.DedupTTL, appLogger)
		}
	}

	m := metrics.New()
	client := archive.NewClient(cfg.Archive, appLogger)
	queueRepo := database.NewQueueRepository(db)
	submissionRepo := database.NewSubmissionRepository(db)

	service := relay.NewService(queueRepo, submissionRepo, client, tracker, m, cfg.Queue, cfg.Redis.DedupTTL, appLogger)
	relayWorker := worker.New(service, cfg.Queue, appLogger)

	router := api.NewRouter(service, queueRepo, submissionRepo, client,
		db, redisClient, opts.Version, cfg.Debug, appLogger)
	httpServer := router.NewServer(cfg.Server.Address)

	return &App{
		config:      cfg,
		logger:      appLogger,
		db:          db,
		redisClient: redisClient,
		service:     service,
		worker:      relayWorker,
		httpServer:  httpServer,
		version:     opts.Version,
	}, nil
}

// Run starts the worker and HTTP server and blocks until shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.worker.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening",
			logger.String("address", a.config.Server.Address),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		a.logger.Info("Shutting down gracefully",
			logger.String("signal", sig.String()),
		)
	case err := <-serverErr:
		a.logger.Error("HTTP server error", logger.Error(err))
		runErr = err
	case <-ctx.Done():
		a.logger.Info("Context cancelled, shutting down")
	}

	a.shutdown()
	return runErr
}

func (a *App) shutdown() {
	a.worker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("HTTP server shutdown error", logger.Error(err))
	}

	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Error("Redis close error", logger.Error(err))
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("Database close error", logger.Error(err))
	}

	a.logger.Info("Service stopped")
	_ = a.logger.Sync()
}
