// Package main implements the classification worker process.
// It drains the task queue with a fixed pool of workers, runs the
// lease reaper on a schedule, and exposes Prometheus metrics.
//
// Usage:
//
//	go run cmd/worker/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/classifier"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/config"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/logger"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/queue"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/store"
	"github.com/SylwiaOliwia2/TFLiteClassification/pkg/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.SetLevel(cfg.Server.LogLevel)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	st := store.New(rdb, cfg.Tasks.RecordTTL)
	q := queue.New(rdb, cfg.Tasks.QueueCapacity, cfg.Tasks.LeaseTTL)

	model, err := classifier.NewModel()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to load classifier model")
	}

	pool := worker.New(st, q, model, worker.Config{
		Workers:         cfg.Worker.Count,
		InferenceBudget: cfg.Worker.InferenceBudget,
	})

	ctx, cancel := context.WithCancel(context.Background())

	// Metrics server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.Worker.MetricsPort)
		logger.Log.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	// The reaper and the depth gauges run on the same schedule.
	c := cron.New()
	spec := fmt.Sprintf("@every %s", cfg.Worker.ReapInterval)
	if _, err := c.AddFunc(spec, func() {
		if n, err := pool.Reap(ctx); err != nil {
			logger.Log.Error().Err(err).Msg("Lease reap failed")
		} else if n > 0 {
			logger.Log.Info().Int("recovered", n).Msg("Lease reap recovered tasks")
		}
		pool.CollectQueueMetrics(ctx)
	}); err != nil {
		logger.Log.Fatal().Err(err).Msg("Failed to schedule lease reaper")
	}
	c.Start()
	defer c.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Log.Info().Msg("Shutting down worker...")
		cancel()
	}()

	logger.Log.Info().Int("workers", cfg.Worker.Count).Msg("Worker started. Waiting for tasks...")
	pool.Start(ctx)

	<-ctx.Done()
	pool.Stop()
}
