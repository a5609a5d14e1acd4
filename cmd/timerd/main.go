// Command timerd runs the job scheduling service: REST front door,
// scheduling engine, storage backend and optional leader election in a
// single binary.
package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"timerd/internal/api"
	"timerd/internal/config"
	"timerd/internal/dispatch"
	"timerd/internal/job"
	"timerd/internal/leader"
	redisx "timerd/internal/redis"
	"timerd/internal/repository"
	"timerd/internal/scheduler"
	"timerd/internal/stream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Sugar().Fatalw("config load failed", "error", err)
	}

	log := newLogger(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log.Sugar()); err != nil {
		log.Sugar().Fatalw("timerd exited", "error", err)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) error {
	needsRedis := cfg.Backend == config.BackendRedis || cfg.LeaderEnabled || cfg.StatusStream != ""

	var rdb *redis.Client
	if needsRedis {
		dialCtx, cancel := context.WithTimeout(ctx, time.Minute)
		client, err := redisx.NewClientWithBackoff(dialCtx, redisx.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		cancel()
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()
		rdb = client
	}

	repo, cleanup, err := openRepository(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer cleanup()

	sink := buildSink(cfg, rdb, log)
	httpDispatcher := dispatch.NewHTTP(dispatch.HTTPConfig{}, log)
	dispatchers := dispatch.NewRegistry(
		httpDispatcher,
		dispatch.NewShell(dispatch.ShellConfig{}, log),
	)

	sched := scheduler.New(repo, dispatchers, sink, job.DefaultExceptionRegistry(), scheduler.Config{
		MaxRetries:        cfg.MaxRetries,
		RetryBase:         cfg.RetryBase,
		RetryCap:          cfg.RetryCap,
		Workers:           cfg.Workers,
		RecoveryWindow:    cfg.RecoveryWindow,
		ScanInterval:      cfg.ScanInterval,
		ScheduleTolerance: cfg.ScheduleTolerance,
	}, log)
	sched.Start(ctx)
	defer sched.Stop()

	if cfg.LeaderEnabled {
		coordinator := leader.NewCoordinator(rdb, leader.Config{
			Key: cfg.LeaderKey,
			TTL: cfg.LeaderTTL,
		}, sched, log)
		coordinator.Start(ctx)
		defer coordinator.Stop()
	} else {
		// Single-instance deployment: always active.
		sched.BecomeActive(ctx)
	}

	srvCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	server := api.NewServer(sched, repo, api.NewValidator(httpDispatcher.MaxTimeout()), api.Options{
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
		Shutdown:  cancel,
	}, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run(cfg.HTTPAddr) }()

	select {
	case err := <-errCh:
		return err
	case <-srvCtx.Done():
	}

	log.Infow("shutting down")
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer drainCancel()
	if err := server.Shutdown(drainCtx); err != nil {
		log.Warnw("server drain failed", "error", err)
	}
	return nil
}

func openRepository(ctx context.Context, cfg config.Config, rdb *redis.Client) (repository.JobRepository, func(), error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		pg, err := repository.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	case config.BackendRedis:
		return repository.NewRedis(rdb), func() {}, nil
	default:
		return repository.NewMemory(), func() {}, nil
	}
}

func buildSink(cfg config.Config, rdb *redis.Client, log *zap.SugaredLogger) stream.Sink {
	sinks := stream.Multi{stream.NewLogging(log)}
	if cfg.StatusStream != "" && rdb != nil {
		sinks = append(sinks, stream.NewRedisPublisher(rdb, cfg.StatusStream, log))
	}
	return sinks
}

func newLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}
