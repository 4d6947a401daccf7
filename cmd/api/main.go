package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/consoul-dev/consoul-hooks/config"
	"github.com/consoul-dev/consoul-hooks/internal/http/chi"
	"github.com/consoul-dev/consoul-hooks/metrics"
	"github.com/consoul-dev/consoul-hooks/seed"
	"github.com/consoul-dev/consoul-hooks/webhook"
	"github.com/consoul-dev/consoul-hooks/webhook/memory"
	"github.com/consoul-dev/consoul-hooks/webhook/redis"
	"github.com/consoul-dev/consoul-hooks/webhook/safeurl"
)

const shutdownTimeout = 30 * time.Second

/* The management API binary: webhook registration, lifecycle, audit and
 * replay. Deliveries themselves are made by cmd/worker; the two share a
 * store and a queue.
 */

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Get()
	if err != nil {
		return err
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

	if cfg.SeedFile != "" {
		created, err := seed.New(repo, validator).Load(ctx, cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("seeding webhooks: %w", err)
		}
		log.Info("webhook seed applied", "file", cfg.SeedFile, "created", created)
	}

	service := webhook.NewService(repo, queue, validator, webhook.ServiceConfig{
		Retention: cfg.DeliveryRetention,
	}, log)

	exporter, err := metrics.NewExporter()
	if err != nil {
		return fmt.Errorf("setting up metrics: %w", err)
	}
	defer exporter.Shutdown(context.Background())
	if err := exporter.RegisterQueueDepth(queue); err != nil {
		return fmt.Errorf("registering queue metrics: %w", err)
	}

	srv := &http.Server{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		Addr:         ":" + cfg.Port,
		Handler:      chi.Handlers(service, exporter.Handler()),
	}

	errShutdown := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errShutdown <- srv.Shutdown(shutdownCtx)
	}()

	log.Info("management api listening", "port", cfg.Port, "backend", cfg.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	if err := <-errShutdown; err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	log.Info("management api stopped")
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

	consumer := fmt.Sprintf("api-%d", os.Getpid())
	lease := cfg.DeliveryTimeout + time.Minute
	queue, err := redis.NewQueue(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, consumer, cfg.QueueMaxDepth, cfg.MaxInFlight, lease)
	if err != nil {
		repo.Close(context.Background())
		return nil, nil, fmt.Errorf("connecting queue: %w", err)
	}
	return repo, queue, nil
}
