package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dmehra2102/order-fulfillment-saga/internal/catalog/application"
	cataloggrpc "github.com/dmehra2102/order-fulfillment-saga/internal/catalog/infrastructure/grpc"
	catalogkafka "github.com/dmehra2102/order-fulfillment-saga/internal/catalog/infrastructure/kafka"
	catalogpg "github.com/dmehra2102/order-fulfillment-saga/internal/catalog/infrastructure/postgres"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/config"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/db"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/events"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/idempotency"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/inbox"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/logging"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/messaging"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/metrics"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/outbox"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/shutdown"
	"github.com/dmehra2102/order-fulfillment-saga/pkg/tracing"
)

const serviceName = "catalog-service"

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
		migrations = "migrations/catalog"
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
		outbox.NewDispatcher(log, writer, "catalog-outbox"),
		serviceName+"-"+host,
		outbox.WithObserver(m),
	)

	svc := application.NewService(log, catalogpg.NewRepository(log, pool), nil)
	handlers := catalogkafka.NewHandlers(log, svc, m)

	opts := []messaging.Option{messaging.WithRecorder(m)}
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		opts = append(opts, messaging.WithClaimer(idempotency.NewStore(rdb, cfg.Consumer.Lease, host)))
	}
	consumerCfg := func(name string) messaging.Config {
		return messaging.Config{Name: name, Workers: cfg.Consumer.Workers, Lease: cfg.Consumer.Lease}
	}

	// Reservation and release run as separate groups so a backlog of one
	// never delays the other.
	reserveReader := messaging.NewReader(cfg.Kafka.Brokers, serviceName+"-reservation", events.TopicOrderCreated)
	releaseReader := messaging.NewReader(cfg.Kafka.Brokers, serviceName+"-release", events.TopicOrderCancelled)
	consumers := []*messaging.Consumer{
		messaging.NewConsumer(log, reserveReader, consumerCfg(inbox.ConsumerReservation), handlers.Reservation(), opts...),
		messaging.NewConsumer(log, releaseReader, consumerCfg(inbox.ConsumerRelease), handlers.Release(), opts...),
	}

	gs := cataloggrpc.NewServer()
	addr, err := gs.Run(cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	log.Info("grpc listening", zap.String("addr", addr.String()))

	var workers sync.WaitGroup
	workers.Add(1 + len(consumers))
	go func() {
		defer workers.Done()
		if err := relay.Run(ctx); err != nil {
			logging.Error(ctx, log, "relay stopped with error", zap.Error(err))
		}
	}()
	for _, c := range consumers {
		go func() {
			defer workers.Done()
			if err := c.Run(ctx); err != nil {
				logging.Error(ctx, log, "consumer stopped", zap.Error(err))
				cancel()
			}
		}()
	}
	go func() {
		if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
			logging.Error(ctx, log, "metrics server error", zap.Error(err))
		}
	}()
	gs.SetServing(true)

	<-ctx.Done()
	log.Info("shutting down")
	gs.SetServing(false)

	steps := []shutdown.Step{
		shutdown.Closer("grpc", func() error { gs.Stop(); return nil }),
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
	log.Info("catalog-service shutdown complete")
	return err
}
