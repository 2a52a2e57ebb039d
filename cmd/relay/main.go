// Package main runs the outbox relay: it drains staged records from Redis and
// publishes them to NATS JetStream until stopped.
//
// Configuration is taken from the environment:
//
//	NATS_URL        NATS server (default nats://127.0.0.1:4222)
//	REDIS_ADDR      Redis server (default 127.0.0.1:6379)
//	REDIS_PASSWORD  Redis password (default empty)
//	RELAY_INTERVAL  drain tick interval (default 1s)
//	RELAY_BATCH     records claimed per tick (default 100)
//	METRICS_ADDR    Prometheus listen address (default :2121)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evertide/evertide-go/adapters/nats"
	promadapter "github.com/evertide/evertide-go/adapters/prometheus"
	"github.com/evertide/evertide-go/adapters/redis"
	"github.com/evertide/evertide-go/core/outbox"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	if err := run(ctx, log); err != nil {
		log.Error("relay failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger) error {
	metrics := promadapter.NewOutboxMetrics(prometheus.DefaultRegisterer)

	metricsAddr := envStr("METRICS_ADDR", ":2121")
	promMux := http.NewServeMux()
	promMux.Handle("/metrics", promhttp.Handler())
	promServer := &http.Server{Addr: metricsAddr, Handler: promMux}
	go func() {
		log.Info("metrics server starting", slog.String("addr", metricsAddr))
		if err := promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", slog.Any("error", err))
		}
	}()
	defer promServer.Shutdown(context.Background())

	store, err := redis.Connect(ctx, redis.Config{
		Addr:     envStr("REDIS_ADDR", "127.0.0.1:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	pub, err := nats.NewPublisher(nats.PublisherConfig{Log: log})
	if err != nil {
		return fmt.Errorf("create publisher: %w", err)
	}
	defer pub.Close()

	repo := outbox.NewRepository(store,
		outbox.WithLog(log),
		outbox.WithMetrics(metrics),
	)
	relay := outbox.NewRelay(repo, pub,
		outbox.WithInterval(envDuration("RELAY_INTERVAL", time.Second)),
		outbox.WithBatchSize(envInt("RELAY_BATCH", 100)),
		outbox.WithRelayLog(log),
	)

	log.Info("relay starting")
	return relay.Run(ctx)
}

func envStr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
