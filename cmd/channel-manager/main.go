package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"channelmanager/internal/api"
	"channelmanager/internal/bot"
	"channelmanager/internal/channel"
	"channelmanager/internal/channel/agoda"
	"channelmanager/internal/config"
	"channelmanager/internal/database"
	"channelmanager/internal/domain"
	"channelmanager/internal/events"
	"channelmanager/internal/google"
	"channelmanager/internal/logging"
	"channelmanager/internal/metrics"
	"channelmanager/internal/models"
	"channelmanager/internal/orchestrator"
	"channelmanager/internal/reconcile"
	"channelmanager/internal/repository"
	"channelmanager/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, &logger)
	if redisClient != nil {
		defer (func() { _ = repository.Close(redisClient) })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus()
	tasks := worker.NewSyncWorker(db, redisClient, worker.PolicyFromConfig(cfg.Sync.Retry), &logger)
	engine := reconcile.NewEngine(db, tasks, bus, &logger)
	orch := orchestrator.New(
		orchestrator.Stores{Connections: db, Mappings: db, Logs: db, Pushes: db},
		newRegistry(cfg, &logger),
		engine,
		newLocker(redisClient, &logger),
		tasks,
		bus,
		cfg.Sync,
		&logger,
	)
	defer orch.Close()
	tasks.SetHandler(orch)
	orch.Subscribe(bus)

	startLedgerMirror(ctx, cfg, bus, &logger)
	startAlertBot(ctx, cfg, db, bus, &logger)

	connHealth := api.NewConnectionHealth(&logger)
	if err := connHealth.Load(ctx, db); err != nil {
		logger.Warn().Err(err).Msg("seed connection health")
	}
	connHealth.Subscribe(bus)

	scheduler := worker.NewPullScheduler(orch, db, database.NewBackupService(db, cfg.Backup, &logger), worker.ScheduleConfig{
		PullInterval:    cfg.Sync.PullInterval,
		RevalidateEvery: cfg.Sync.RevalidateEvery,
	}, &logger)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer scheduler.Stop()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		tasks.Start(ctx)
	}()

	startMetrics(ctx, cfg, &logger)

	err = startServers(ctx, cfg, orch, engine, db, connHealth, &logger)
	<-workerDone
	return err
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, *baseLogger, closer, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

// newLocker prefers redis leases and falls back to in-process locks while
// redis is unreachable.
func newLocker(client *redis.Client, logger *zerolog.Logger) domain.ConnectionLocker {
	memory := repository.NewMemoryLocker()
	if client == nil {
		return memory
	}
	return repository.NewFailoverLocker(repository.NewRedisLocker(client), memory, logger)
}

func newRegistry(cfg *config.Config, logger *zerolog.Logger) *channel.Registry {
	return channel.NewRegistry(
		agoda.New(cfg.Channels[models.ChannelAgoda], logger),
		channel.NewBookingCom(),
		channel.NewExpedia(),
		channel.NewTraveloka(),
		channel.NewB2B(),
	)
}

func startLedgerMirror(ctx context.Context, cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) {
	if cfg.Google.CredentialsFile == "" || cfg.Google.LedgerSpreadsheetID == "" {
		return
	}

	ledger, err := google.NewLedgerSheet(ctx, cfg.Google, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("google sheets init failed, continuing without ledger mirror")
		return
	}
	if err := ledger.WriteHeader(ctx); err != nil {
		logger.Warn().Err(err).Msg("google sheets unreachable, continuing without ledger mirror")
		return
	}
	ledger.Subscribe(bus)
	go ledger.Run(ctx)
	logger.Info().Msg("google sheets ledger mirror enabled")
}

func startAlertBot(ctx context.Context, cfg *config.Config, db *database.DB, bus *events.EventBus, logger *zerolog.Logger) {
	if cfg.Telegram.BotToken == "" {
		return
	}

	alerts, err := bot.New(cfg.Telegram, db, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram init failed, continuing without alerts")
		return
	}
	alerts.Subscribe(bus)
	go alerts.Start(ctx)
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startServers(
	ctx context.Context,
	cfg *config.Config,
	orch *orchestrator.Orchestrator,
	engine *reconcile.Engine,
	db *database.DB,
	connHealth *api.ConnectionHealth,
	logger *zerolog.Logger,
) error {
	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		srv, err := api.NewGRPCServer(cfg.API, connHealth, logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
		grpcServer = srv
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	httpServer := api.NewHTTPServer(cfg.API, orch, engine, db, logger)
	go func() {
		if !cfg.API.HTTP.Enabled {
			return
		}
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	logger.Info().Bool("grpc", grpcServer != nil).Int("http_port", cfg.API.HTTP.Port).Msg("Channel manager started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	connHealth.Shutdown()
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("Channel manager stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

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
