// Fabric dispatcher — subscribes to session-closed events on the broker
// and turns them into kernel missions.
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

	"github.com/emberworks/fabric/pkg/broker"
	"github.com/emberworks/fabric/pkg/config"
	"github.com/emberworks/fabric/pkg/dispatch"
	"github.com/emberworks/fabric/pkg/kernel"
	"github.com/emberworks/fabric/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.LoadDispatcher()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	config.InitLogging(cfg.LogLevel)

	slog.Info("Starting fabric dispatcher",
		"version", version.Full(),
		"kernel_url", cfg.KernelURL,
		"broker_url", cfg.MQTTURL,
		"admin_addr", cfg.AdminAddr)

	ctx := context.Background()

	kernelClient, err := kernel.NewClient(kernel.Config{BaseURL: cfg.KernelURL})
	if err != nil {
		slog.Error("Failed to create kernel client", "error", err)
		os.Exit(1)
	}

	mqttClient, err := broker.Connect(broker.Config{
		BrokerURL:      cfg.MQTTURL,
		ClientIDPrefix: "fabric-dispatcher",
	})
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(kernelClient, dispatch.Config{
		Topics:        cfg.Topics,
		Goals:         cfg.Goals,
		MaxAttempts:   cfg.MaxAttempts,
		ReplayEnabled: cfg.ReplayEnabled,
	})
	if err := dispatcher.Start(ctx, mqttClient); err != nil {
		slog.Error("Failed to start dispatcher", "error", err)
		os.Exit(1)
	}

	adminServer := &http.Server{Addr: cfg.AdminAddr, Handler: dispatch.NewAdminServer(dispatcher)}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Admin server listening", "addr", cfg.AdminAddr)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Admin server error", "error", err)
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

	// Broker first so nothing new lands in the inbox, then the consumer.
	// Undelivered events replay from the broker or dedupe at the kernel.
	mqttClient.Close()
	dispatcher.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Admin server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
