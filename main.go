package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mailsync_server/config"
	"mailsync_server/internal/bootstrap"
	"mailsync_server/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
	startupTimeout  = 30 * time.Second
)

func main() {
	// Load .env file if exists (for local development)
	envErr := godotenv.Load()

	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "mailsync-" + *mode,
		Pretty:  cfg.IsDevelopment(),
	})
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Refusing to start sync subsystem: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	cancel()
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	switch *mode {
	case "api":
		runAPI(deps, nil, true)
	case "worker":
		runWorker(bootstrap.NewWorker(deps))
	case "all":
		w := bootstrap.NewWorker(deps)
		runAPI(deps, w, false)
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}
}

// runAPI serves until SIGINT/SIGTERM. A co-located worker is started
// alongside and stopped after the server.
func runAPI(deps *bootstrap.Dependencies, w *bootstrap.Worker, runPhase2 bool) {
	api, err := bootstrap.NewAPI(deps, runPhase2)
	if err != nil {
		logger.Fatal("Failed to initialize API: %v", err)
	}

	workerDone := make(chan struct{})
	if w != nil {
		go func() {
			defer close(workerDone)
			if err := w.Start(); err != nil {
				logger.Error("Worker failed to start: %v", err)
			}
		}()
	} else {
		close(workerDone)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
		if err := api.Shutdown(shutdownTimeout); err != nil {
			logger.Error("Error shutting down: %v", err)
		} else {
			logger.Info("API server shut down gracefully")
		}
	}()

	addr := ":" + deps.Config.Port
	if err := api.Listen(addr); err != nil {
		logger.Error("API server stopped: %v", err)
	}

	if w != nil {
		stopWorker(w)
		<-workerDone
	}
}

func runWorker(w *bootstrap.Worker) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	stopped := make(chan struct{})
	go func() {
		<-sigChan
		stopWorker(w)
		close(stopped)
	}()

	logger.Info("Starting worker...")
	if err := w.Start(); err != nil {
		logger.Fatal("Failed to start worker: %v", err)
	}
	<-stopped
}

func stopWorker(w *bootstrap.Worker) {
	logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)

	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker shut down gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("Worker shutdown timed out, forcing exit")
		os.Exit(1)
	}
}
