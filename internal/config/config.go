// Package config handles environment variable loading for ports, database strings, etc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend selects which container backend a coordinator process drives.
type Backend string

const (
	BackendDocker     Backend = "docker"
	BackendKubernetes Backend = "kubernetes"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP port for the metrics-only listener. There is no tenant-facing
	// API in this process.
	HTTPPort int

	// Which container backend this coordinator drives.
	Backend Backend

	// Dispatcher pull-loop tuning.
	DispatcherConcurrency  int
	DispatcherPollInterval time.Duration
	DispatcherMaxBackoff   time.Duration

	// Reaper sweep tuning: how often it looks for stalled queue rows, and
	// how long a row may sit claimed before it's considered stalled.
	ReaperSweepInterval time.Duration
	ReaperStallTimeout  time.Duration

	// OTLP collector address for trace export (e.g. "localhost:4317").
	OTLPCollectorAddr string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbUrl := os.Getenv("DATABASE_URL")
	if dbUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	port, err := intEnv("HTTP_PORT", 6161)
	if err != nil {
		return nil, err
	}

	backend := Backend(os.Getenv("BACKEND"))
	if backend == "" {
		backend = BackendDocker
	}
	if backend != BackendDocker && backend != BackendKubernetes {
		return nil, fmt.Errorf("invalid BACKEND: %q (must be %q or %q)", backend, BackendDocker, BackendKubernetes)
	}

	dispatcherConcurrency, err := intEnv("DISPATCHER_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}

	dispatcherPollInterval, err := durationEnv("DISPATCHER_POLL_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}

	dispatcherMaxBackoff, err := durationEnv("DISPATCHER_MAX_BACKOFF", 30*time.Second)
	if err != nil {
		return nil, err
	}

	reaperSweepInterval, err := durationEnv("REAPER_SWEEP_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	reaperStallTimeout, err := durationEnv("REAPER_STALL_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	otlpAddr := os.Getenv("OTLP_COLLECTOR_ADDR")
	if otlpAddr == "" {
		otlpAddr = "localhost:4317"
	}

	return &Config{
		DatabaseURL:            dbUrl,
		HTTPPort:               port,
		Backend:                backend,
		DispatcherConcurrency:  dispatcherConcurrency,
		DispatcherPollInterval: dispatcherPollInterval,
		DispatcherMaxBackoff:   dispatcherMaxBackoff,
		ReaperSweepInterval:    reaperSweepInterval,
		ReaperStallTimeout:     reaperStallTimeout,
		OTLPCollectorAddr:      otlpAddr,
	}, nil
}

func intEnv(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return v, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
