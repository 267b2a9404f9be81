// Package main is the entry point for the buildit coordinator process: it
// drives the Dispatcher pull-loop, the queue reaper, and hosts the Engine
// facade in-process. There is no tenant-facing HTTP surface; only a
// metrics listener is exposed.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildit/internal/backend"
	"buildit/internal/bus"
	"buildit/internal/config"
	"buildit/internal/engine"
	"buildit/internal/logger"
	"buildit/internal/observability"
	"buildit/internal/orchestrator"
	"buildit/internal/queue"
	"buildit/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log := logger.New()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	shutdownTracer, err := observability.Init(ctx, "buildit-coordinator", cfg.OTLPCollectorAddr)
	if err != nil {
		log.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Error("failed to init metrics", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Error("failed to shutdown metrics", "error", err)
		}
	}()

	if err := observability.RegisterQueueDepthGauge(st, log); err != nil {
		log.Error("failed to register queue depth gauge", "error", err)
	}

	be, err := newBackend(cfg, log)
	if err != nil {
		log.Error("failed to init backend", "error", err)
		os.Exit(1)
	}
	// Cap spawn throughput; the actual resource being protected is image
	// pulls and container/pod creation against the chosen backend.
	be = backend.NewRateLimited(be, 5, 10)

	b := bus.New()
	contexts := orchestrator.NewRunContexts()

	eng := engine.New(st, b, contexts, nil, log)
	_ = eng // wired for future embedding by a CLI or transport; exercised via engine_test.go today

	dispatcher := orchestrator.NewDispatcher(st, be, b, contexts, noopSecretProvider{}, nil, log, orchestrator.DispatcherConfig{
		WorkerID:     workerID(),
		Concurrency:  cfg.DispatcherConcurrency,
		PollInterval: cfg.DispatcherPollInterval,
		MaxBackoff:   cfg.DispatcherMaxBackoff,
	})

	reaper := queue.NewReaper(st, log, cfg.ReaperSweepInterval, cfg.ReaperStallTimeout, 3)

	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("dispatcher stopped unexpectedly", "error", err)
		}
	}()
	go func() {
		if err := reaper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("reaper stopped unexpectedly", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HTTPPort), Handler: mux}

	go func() {
		log.Info("metrics listener starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics listener stopped", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics listener forced shutdown", "error", err)
	}
}

func newBackend(cfg *config.Config, log *slog.Logger) (backend.Backend, error) {
	switch cfg.Backend {
	case config.BackendKubernetes:
		return backend.NewKubernetesBackend(backend.KubernetesConfig{
			Namespace: "buildit",
		}, log)
	default:
		return backend.NewDockerBackend()
	}
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		return "coordinator"
	}
	return "coordinator-" + host
}

// noopSecretProvider is the default SecretProvider until a real backing
// store (vault, k8s secrets) is wired in; every lookup misses.
type noopSecretProvider struct{}

func (noopSecretProvider) Get(key string) (string, bool) { return "", false }
