// Fabric kernel — owns the mission store, command proposals, and the
// autonomy governor, and serves the HTTP API the other processes use.
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

	"github.com/emberworks/fabric/pkg/alert"
	"github.com/emberworks/fabric/pkg/api"
	"github.com/emberworks/fabric/pkg/broker"
	"github.com/emberworks/fabric/pkg/cleanup"
	"github.com/emberworks/fabric/pkg/command"
	"github.com/emberworks/fabric/pkg/config"
	"github.com/emberworks/fabric/pkg/database"
	"github.com/emberworks/fabric/pkg/driver"
	"github.com/emberworks/fabric/pkg/governor"
	"github.com/emberworks/fabric/pkg/services"
	"github.com/emberworks/fabric/pkg/version"
)

// buildRegistry connects a driver per configured machine. Only the sim
// driver exists today; serial and OEM-gateway drivers register here when
// they land.
func buildRegistry(ctx context.Context, machines []config.MachineConfig) (*driver.Registry, error) {
	drivers := make(map[string]driver.Driver, len(machines))
	for _, m := range machines {
		switch m.Driver {
		case "sim":
			d := driver.NewSimDriver(m.ID)
			if err := d.Connect(ctx); err != nil {
				return nil, err
			}
			drivers[m.ID] = d
		default:
			slog.Warn("Unknown machine driver, skipping", "machine_id", m.ID, "driver", m.Driver)
		}
	}
	return driver.NewRegistry(drivers), nil
}

func thresholdsFrom(t *config.ThresholdsConfig) governor.Thresholds {
	if t == nil {
		return governor.Thresholds{}
	}
	return governor.Thresholds{
		MinSuccessRate:    t.MinSuccessRate,
		MaxErrorRate:      t.MaxErrorRate,
		MaxRollbackRate:   t.MaxRollbackRate,
		MinCommandVolume:  t.MinCommandVolume,
		MinApprovalRate:   t.MinApprovalRate,
		MaxIncidents:      t.MaxIncidents,
		MaxRollbacks:      t.MaxRollbacks,
		MinValidationDays: t.MinValidationDays,
		MinOverallScore:   t.MinOverallScore,
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.LoadKernel()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	config.InitLogging(cfg.LogLevel)

	slog.Info("Starting fabric kernel",
		"version", version.Full(),
		"addr", cfg.Addr,
		"lease_ttl", cfg.LeaseTTL,
		"circuit_breaker_enabled", cfg.CircuitBreakerEnabled)

	ctx := context.Background()

	fileCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		slog.Error("Failed to load config file", "path", cfg.ConfigFile, "error", err)
		os.Exit(1)
	}

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Database ready", "dialect", dbConfig.Type)

	// Domain services.
	missions := services.NewMissionService(dbClient, services.MissionConfig{LeaseTTL: cfg.LeaseTTL})
	traces := services.NewTraceService(dbClient)
	reports := services.NewReportService(dbClient)
	circuit := services.NewCircuitService(dbClient)
	governance := services.NewGovernanceService(dbClient)
	store := services.NewAutonomyStore(dbClient)

	// Seed the circuit rules from the config file (or the built-in defaults).
	if err := circuit.UpsertRules(ctx, fileCfg.Rules()); err != nil {
		slog.Error("Failed to seed circuit rules", "error", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(ctx, fileCfg.Machines)
	if err != nil {
		slog.Error("Failed to connect machine drivers", "error", err)
		os.Exit(1)
	}
	commands := command.NewService(dbClient, governance, registry,
		command.Config{DefaultApprovalTimeout: cfg.ApprovalTimeout})
	slog.Info("Services initialized", "machines", len(fileCfg.Machines))

	// One-time reclaim of leases that lapsed while no kernel was running.
	if reclaimed, err := missions.ReclaimExpired(ctx); err != nil {
		slog.Error("Startup lease reclaim failed", "error", err)
	} else if reclaimed > 0 {
		slog.Info("Reclaimed expired leases at startup", "count", reclaimed)
	}

	// Alerts go to the log, and to MQTT when a broker is configured. A
	// broker outage at startup downgrades to log-only instead of failing.
	sinks := []alert.Sink{alert.NewSlogSink()}
	var mqttClient *broker.Client
	if cfg.MQTTURL != "" {
		mqttClient, err = broker.Connect(broker.Config{
			BrokerURL:      cfg.MQTTURL,
			ClientIDPrefix: "fabric-kernel",
		})
		if err != nil {
			slog.Warn("MQTT unavailable, alerts go to log only", "error", err)
		} else {
			defer mqttClient.Close()
			sinks = append(sinks, alert.NewMQTTSink(mqttClient, ""))
		}
	}
	alerts := alert.NewFanout(sinks...)

	gov := governor.NewService(circuit, governance, store,
		governor.NewCollector(dbClient),
		governor.NewAssessor(thresholdsFrom(fileCfg.ReadinessThresholds)),
		alerts,
		governor.Config{
			BreakerInterval: cfg.CircuitBreakerInterval,
			CycleInterval:   cfg.GovernorCycleInterval,
			BreakerDisabled: !cfg.CircuitBreakerEnabled,
		})
	gov.Start(ctx)

	janitor := cleanup.NewJanitor(missions, commands, traces,
		cleanup.Config{TraceRetentionDays: cfg.TraceRetentionDays})
	janitor.Start(ctx)

	server := api.NewServer(dbClient, missions, traces, reports, commands, circuit, governance, store, gov)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: server.Routes()}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
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

	// Stop taking requests first, then the background loops. Leases held by
	// in-flight workers survive; the next kernel reclaims them if needed.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	janitor.Stop()
	gov.Stop()

	slog.Info("Shutdown complete")
}
