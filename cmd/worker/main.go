package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/consoul-dev/consoul-hooks/config"
	"github.com/consoul-dev/consoul-hooks/dispatch"
	"github.com/consoul-dev/consoul-hooks/metrics"
	"github.com/consoul-dev/consoul-hooks/webhook"
	"github.com/consoul-dev/consoul-hooks/webhook/memory"
	"github.com/consoul-dev/consoul-hooks/webhook/redis"
	"github.com/consoul-dev/consoul-hooks/webhook/safeurl"
	"github.com/consoul-dev/consoul-hooks/worker"
)

const shutdownTimeout = 30 * time.Second

// The delivery worker binary: consumes the queue, signs and POSTs
// deliveries, and serves its own health and metrics endpoints.

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Get()
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("webhook delivery is disabled; set WEBHOOKS_ENABLED=true to run the worker")
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
	)
	defer stop()

	repo, queue, err := buildBackends(cfg)
	if err != nil {
		return err
	}
	defer repo.Close(context.Background())
	defer queue.Close(context.Background())

	validator := safeurl.New(safeurl.WithAllowLocalhost(cfg.AllowLocalhost))
	sender := dispatch.New(validator, cfg.DeliveryTimeout)

	exporter, err := metrics.NewExporter()
	if err != nil {
		return fmt.Errorf("setting up metrics: %w", err)
	}
	defer exporter.Shutdown(context.Background())
	if err := exporter.RegisterQueueDepth(queue); err != nil {
		return fmt.Errorf("registering queue metrics: %w", err)
	}
	recorder, err := metrics.NewRecorder(exporter.Meter())
	if err != nil {
		return fmt.Errorf("creating delivery metrics: %w", err)
	}

	w := worker.New(repo, queue, sender, validator, worker.Config{
		Concurrency:      cfg.WorkerConcurrency,
		MaxRetries:       cfg.MaxRetries,
		FailureThreshold: cfg.FailureThreshold,
		Retention:        cfg.DeliveryRetention,
	}, recorder, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", exporter.Handler())
	srv := &http.Server{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Addr:         ":" + cfg.WorkerPort,
		Handler:      mux,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("delivery worker running",
			"concurrency", cfg.WorkerConcurrency, "backend", cfg.Backend)
		return w.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("delivery worker stopped")
	return nil
}

func buildBackends(cfg *config.Config) (webhook.Repository, webhook.Queue, error) {
	if cfg.Backend == config.BackendMemory {
		return memory.NewRepository(), memory.NewQueue(cfg.QueueMaxDepth, cfg.MaxInFlight), nil
	}

	repo, err := redis.NewRepository(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DeliveryRetention)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting repository: %w", err)
	}

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())
	lease := cfg.DeliveryTimeout + time.Minute
	queue, err := redis.NewQueue(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, consumer, cfg.QueueMaxDepth, cfg.MaxInFlight, lease)
	if err != nil {
		repo.Close(context.Background())
		return nil, nil, fmt.Errorf("connecting queue: %w", err)
	}
	return repo, queue, nil
}
