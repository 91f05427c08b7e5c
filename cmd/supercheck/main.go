// Supercheck app node: submission API, SSE event gateway, scheduler.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/supercheck-io/supercheck/internal/admission"
	"github.com/supercheck-io/supercheck/internal/artifacts"
	"github.com/supercheck-io/supercheck/internal/cancel"
	"github.com/supercheck-io/supercheck/internal/config"
	"github.com/supercheck-io/supercheck/internal/hub"
	"github.com/supercheck-io/supercheck/internal/queue"
	"github.com/supercheck-io/supercheck/internal/region"
	"github.com/supercheck-io/supercheck/internal/scheduler"
	"github.com/supercheck-io/supercheck/internal/server"
	"github.com/supercheck-io/supercheck/internal/store"
	"github.com/supercheck-io/supercheck/internal/usage"
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
	if err := st.EnsureSchema(ctx); err != nil {
		logger.Fatal("ensure schema", zap.Error(err))
	}

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

	// Load-test queues are gated so a burst of k6 submissions cannot
	// saturate a region's workers.
	for _, loc := range region.Regions {
		name := region.ExecQueue(region.KindK6, loc)
		if err := q.SetGate(ctx, name, cfg.K6MaxConcurrency); err != nil {
			logger.Warn("set queue gate", zap.String("queue", name), zap.Error(err))
		}
	}

	var keeper *store.SecretKeeper
	if cfg.SecretsKey != "" {
		keeper, err = store.NewSecretKeeper(cfg.SecretsKey)
		if err != nil {
			logger.Fatal("load secrets key", zap.Error(err))
		}
	}

	var sink *artifacts.Sink
	if s, err := artifacts.New(ctx, cfg, logger.Named("artifacts")); err != nil {
		logger.Warn("artifact sink unavailable, urls will not be signed", zap.Error(err))
	} else {
		sink = s
	}

	ledger := usage.New(rdb, st, logger.Named("usage"))
	cancels := cancel.New(rdb)
	router := region.NewRouter(func(queueName string) int {
		return q.Depth(context.Background(), queueName)
	}, logger.Named("region"))

	admitter := admission.New(admission.Config{
		Store:         st,
		Queue:         q,
		Router:        router,
		Subs:          admission.StoreSubscriptionChecker{Store: st},
		Credits:       ledger,
		Keeper:        keeper,
		SelfHosted:    cfg.SelfHosted,
		MaxRunTimeout: cfg.RunTimeout,
		Logger:        logger.Named("admission"),
	})

	h := hub.New(hub.DefaultBufferSize, logger.Named("hub"))
	go h.Run(ctx, q.Subscribe(ctx))

	schedCfg := scheduler.Config{
		Store:    st,
		Admitter: admitter,
		Usage:    ledger,
		Queue:    q,
		Logger:   logger,
	}
	if sink != nil {
		schedCfg.Janitor = sink
	}
	sched := scheduler.New(schedCfg)
	go func() { _ = sched.Run(ctx) }()

	srvCfg := server.Config{
		App:      cfg,
		Store:    st,
		Admitter: admitter,
		Cancels:  cancels,
		Hub:      h,
		Limiter:  server.NewRedisLimiter(rdb, cfg.RateLimitPerMinute, logger.Named("ratelimit")),
		Cron:     sched,
		Queue:    q,
		Logger:   logger,
	}
	if sink != nil {
		srvCfg.Signer = sink
	}
	srv := server.New(srvCfg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	logger.Info("app node stopped")
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
