package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-orders/internal/cachesync"
	"github.com/ariefcatur/marketplace-orders/internal/config"
	"github.com/ariefcatur/marketplace-orders/internal/expiry"
	kafkax "github.com/ariefcatur/marketplace-orders/internal/kafka"
	"github.com/ariefcatur/marketplace-orders/internal/logging"
	"github.com/ariefcatur/marketplace-orders/internal/metrics"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"github.com/ariefcatur/marketplace-orders/internal/outbox"
	"github.com/ariefcatur/marketplace-orders/internal/postgres"
	"github.com/ariefcatur/marketplace-orders/internal/redisx"
)

// worker runs the background loops: reservation expiry, outbox relay and the
// status cache invalidation consumer. Every loop is safe to run in several replicas.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	service := cfg.ServiceName + "-worker"
	logger := logging.MustNew(service, cfg.Env, cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PostgresMax)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer db.Close()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	cache := redisx.NewStatusCache(rdb)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, "worker")

	prod := kafkax.NewProducer(cfg.KafkaBrokers)
	defer prod.Close()

	repo := &orders.Repo{DB: db, Producer: service}
	sweeper := &expiry.Sweeper{
		Store:    repo,
		Cache:    cache,
		Metrics:  m,
		Logger:   logger.Named("sweeper"),
		Window:   cfg.ReservationWindow,
		Interval: cfg.SweepInterval,
		Batch:    cfg.SweepBatch,
	}
	relay := &outbox.Relay{
		DB:        db,
		Publisher: prod,
		Metrics:   m,
		Logger:    logger.Named("outbox"),
		Interval:  cfg.OutboxInterval,
		Batch:     cfg.OutboxBatch,
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.CacheGroup, cfg.CacheWorkers, logger.Named("consumer"), cachesync.Topics...)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("loop exited", zap.String("loop", name), zap.Error(err))
				stop()
			}
		}()
	}
	run("sweeper", sweeper.Run)
	run("outbox", relay.Run)
	run("cache-consumer", func(ctx context.Context) error {
		logger.Info("cache consumer started",
			zap.String("group", cfg.CacheGroup),
			zap.Strings("topics", cachesync.Topics),
			zap.Int("workers", cfg.CacheWorkers))
		return cons.Start(ctx, cachesync.Handler(cache, logger.Named("cachesync")))
	})

	// metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
}
