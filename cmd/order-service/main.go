package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/internal/order/application"
	orderhttp "github.com/dmehra2102/order-fulfillment-saga/internal/order/infrastructure/http"
	orderkafka "github.com/dmehra2102/order-fulfillment-saga/internal/order/infrastructure/kafka"
	orderpg "github.com/dmehra2102/order-fulfillment-saga/internal/order/infrastructure/postgres"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/config"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/db"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/idempotency"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/logging"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/messaging"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/metrics"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/outbox"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/shutdown"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/tracing"
)

const serviceName = "order-service"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", serviceName))

	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	shutdownTracer, err := tracing.Init(ctx, serviceName, cfg.Env, cfg.Tracing.Endpoint)
	if err != nil {
		return fmt.Errorf("otel init: %w", err)
	}

	migrations := cfg.MigrationsPath
	if migrations == "" {
		migrations = "migrations/order"
	}
	if err := db.Migrate(cfg.Postgres.URL, migrations); err != nil {
		return err
	}
	pool, err := db.NewPostgres(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}

	m := metrics.New(serviceName)
	host, _ := os.Hostname()

	writer := messaging.NewWriter(cfg.Kafka.Brokers)
	relay := outbox.NewRelay(log,
		outbox.NewPgStore(log, pool),
		outbox.NewDispatcher(log, writer, "order-outbox"),
		serviceName+"-"+host,
		outbox.WithObserver(m),
	)

	repo := orderpg.NewRepository(log, pool)
	svc := application.NewService(log, repo, nil)

	opts := []messaging.Option{messaging.WithRecorder(m)}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		opts = append(opts, messaging.WithClaimer(idempotency.NewStore(rdb, cfg.Consumer.Lease, host)))
	}
	reader := messaging.NewReader(cfg.Kafka.Brokers, serviceName, events.TopicStockOutcome)
	consumer := messaging.NewConsumer(log, reader, messaging.Config{
		Name:    "order.stock-outcome",
		Workers: cfg.Consumer.Workers,
		Lease:   cfg.Consumer.Lease,
	}, orderkafka.NewHandlers(log, svc).StockOutcome(), opts...)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      orderhttp.NewHandler(log, svc).Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		if err := relay.Run(ctx); err != nil {
			logging.Error(ctx, log, "relay stopped with error", zap.Error(err))
		}
	}()
	go func() {
		defer workers.Done()
		if err := consumer.Run(ctx); err != nil {
			logging.Error(ctx, log, "stock outcome consumer stopped", zap.Error(err))
			cancel()
		}
	}()
	go func() {
		if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
			logging.Error(ctx, log, "metrics server error", zap.Error(err))
		}
	}()
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(ctx, log, "http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	steps := []shutdown.Step{
		{Name: "http", Fn: srv.Shutdown},
		shutdown.Wait("consumers", &workers),
		shutdown.Closer("kafka writer", writer.Close),
	}
	if rdb != nil {
		steps = append(steps, shutdown.Closer("redis", rdb.Close))
	}
	steps = append(steps,
		shutdown.Closer("postgres", func() error { pool.Close(); return nil }),
		shutdown.Step{Name: "tracer", Fn: shutdownTracer},
	)
	err = shutdown.Drain(log, 15*time.Second, steps...)
	log.Info("order-service shutdown complete")
	return err
}
