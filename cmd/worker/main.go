// Supercheck worker node: leases queued runs for its region and executes
// them with the browser, k6 and monitor runners.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/supercheck-io/supercheck/internal/artifacts"
	"github.com/supercheck-io/supercheck/internal/cancel"
	"github.com/supercheck-io/supercheck/internal/config"
	"github.com/supercheck-io/supercheck/internal/queue"
	"github.com/supercheck-io/supercheck/internal/region"
	"github.com/supercheck-io/supercheck/internal/store"
	"github.com/supercheck-io/supercheck/internal/usage"
	"github.com/supercheck-io/supercheck/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.DatabaseURL, logger.Named("store"))
	if err != nil {
		logger.Fatal("connect database", zap.Error(err))
	}
	defer st.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("parse redis url", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	q := queue.New(rdb, logger.Named("queue"))
	if err := q.Ping(ctx); err != nil {
		logger.Fatal("connect redis", zap.Error(err))
	}

	sink, err := artifacts.New(ctx, cfg, logger.Named("artifacts"))
	if err != nil {
		logger.Fatal("artifact sink", zap.Error(err))
	}

	cancels := cancel.New(rdb)
	ledger := usage.New(rdb, st, logger.Named("usage"))
	location := region.Normalize(cfg.WorkerLocation, logger)

	hostname, _ := os.Hostname()
	workerID := hostname + "-" + uuid.NewString()[:8]

	pool := worker.New(worker.Config{
		WorkerID:   workerID,
		Location:   location,
		Filtering:  cfg.LocationFiltering,
		RunTimeout: cfg.RunTimeout,
		Store:      st,
		Queue:      q,
		Cancels:    cancels,
		Sink:       sink,
		Usage:      ledger,
		Runners: map[region.ExecKind]worker.Runner{
			region.KindPlaywright: worker.NewBrowserRunner(cfg.PlaywrightBinPath, cfg.RunTimeout, cancels, logger.Named("browser")),
			region.KindK6:         worker.NewK6Runner(cfg.K6BinPath, cfg.K6MaxConcurrency, cfg.RunTimeout, cancels, logger.Named("k6")),
			region.KindMonitor:    worker.NewMonitorRunner(cancels, logger.Named("monitor")),
		},
		Logger: logger,
	})

	logger.Info("worker starting",
		zap.String("worker_id", workerID),
		zap.String("location", string(location)),
		zap.Bool("location_filtering", cfg.LocationFiltering),
	)
	pool.Run(ctx)
	logger.Info("worker stopped")
}

func buildLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		logger = zap.NewNop()
		os.Stderr.WriteString("logger init failed: " + err.Error() + "\n")
	}
	return logger
}
