package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ariefcatur/marketplace-orders/internal/checkout"
	"github.com/ariefcatur/marketplace-orders/internal/config"
	"github.com/ariefcatur/marketplace-orders/internal/expiry"
	"github.com/ariefcatur/marketplace-orders/internal/httpx"
	"github.com/ariefcatur/marketplace-orders/internal/logging"
	"github.com/ariefcatur/marketplace-orders/internal/metrics"
	"github.com/ariefcatur/marketplace-orders/internal/orders"
	"github.com/ariefcatur/marketplace-orders/internal/payments"
	"github.com/ariefcatur/marketplace-orders/internal/postgres"
	"github.com/ariefcatur/marketplace-orders/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.MustNew(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

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

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, "api")

	// Payment gateway
	gateway := payments.WithBreaker(
		payments.NewStripeGateway(cfg.StripeSecretKey, cfg.GatewayTimeout),
		"stripe", cfg.BreakerFailures, cfg.BreakerOpenFor)

	repo := &orders.Repo{DB: db, Producer: cfg.ServiceName}
	svc := checkout.NewService(repo, gateway, cache, m, logger, checkout.Settings{
		ReservationWindow: cfg.ReservationWindow,
		Currency:          cfg.Currency,
		SuccessURL:        cfg.PaymentSuccessURL,
		CancelURL:         cfg.PaymentCancelURL,
	}).WithIdempotency(redisx.NewIdempotencyKeys(rdb))

	router := httpx.NewRouter(logger, m, reg, func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	})
	oh := &httpx.OrdersHandler{
		Checkout:       svc,
		Timeout:        5 * time.Second,
		PaymentTimeout: cfg.GatewayTimeout + 2*time.Second,
	}
	oh.Register(router)

	if cfg.SweeperInProcess {
		sw := &expiry.Sweeper{
			Store:    repo,
			Cache:    cache,
			Metrics:  m,
			Logger:   logger.Named("sweeper"),
			Window:   cfg.ReservationWindow,
			Interval: cfg.SweepInterval,
			Batch:    cfg.SweepBatch,
		}
		go func() { _ = sw.Run(ctx) }()
	}

	// HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpx.Traced(router, cfg.ServiceName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}
