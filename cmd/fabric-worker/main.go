// Fabric worker — claims missions from the kernel and runs the roast-report
// agent loop against them.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/emberworks/fabric/pkg/config"
	"github.com/emberworks/fabric/pkg/kernel"
	"github.com/emberworks/fabric/pkg/report"
	"github.com/emberworks/fabric/pkg/runtime"
	"github.com/emberworks/fabric/pkg/version"
	"github.com/emberworks/fabric/pkg/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.LoadWorker()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	config.InitLogging(cfg.LogLevel)

	goals := cfg.Goals
	if len(goals) == 0 {
		goals = []string{report.Goal}
	}

	slog.Info("Starting fabric worker",
		"version", version.Full(),
		"kernel_url", cfg.KernelURL,
		"agent_name", cfg.AgentName,
		"workers", cfg.Count,
		"goals", goals)

	ctx := context.Background()

	kernelClient, err := kernel.NewClient(kernel.Config{BaseURL: cfg.KernelURL})
	if err != nil {
		slog.Error("Failed to create kernel client", "error", err)
		os.Exit(1)
	}

	runner := runtime.NewRunner(
		report.NewReasoner(),
		runtime.NewRegistry(report.Tools(kernelClient)),
		nil,
	)

	pool := worker.NewPool(kernelClient, runner, worker.Config{
		AgentName:         cfg.AgentName,
		Goals:             goals,
		Count:             cfg.Count,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		MissionTimeout:    cfg.MissionTimeout,
	})
	pool.Start(ctx)

	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: worker.NewHealthServer(pool)}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Health server listening", "addr", cfg.HealthAddr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Health server error", "error", err)
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop abandons in-flight missions; their leases lapse and the kernel
	// hands them to another worker.
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Health server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
