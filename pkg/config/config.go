// Package config loads process configuration. The environment is the
// primary source; an optional YAML file (FABRIC_CONFIG) supplies the
// structured parts: circuit rules, machine inventory, and readiness
// thresholds.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// KernelConfig configures the kernel process.
type KernelConfig struct {
	Addr                   string
	LeaseTTL               time.Duration
	ApprovalTimeout        time.Duration
	CircuitBreakerEnabled  bool
	CircuitBreakerInterval time.Duration
	GovernorCycleInterval  time.Duration
	TraceRetentionDays     int
	MQTTURL                string
	ConfigFile             string
	LogLevel               string
}

// LoadKernel reads the kernel configuration from the environment.
func LoadKernel() (*KernelConfig, error) {
	leaseTTL, err := envMillis("LEASE_TTL_MS", 60_000)
	if err != nil {
		return nil, err
	}
	approvalSeconds, err := envInt("APPROVAL_TIMEOUT_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	breakerInterval, err := envDuration("CIRCUIT_BREAKER_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	cycleInterval, err := envDuration("GOVERNOR_CYCLE_INTERVAL", 168*time.Hour)
	if err != nil {
		return nil, err
	}
	retentionDays, err := envInt("TRACE_RETENTION_DAYS", 0)
	if err != nil {
		return nil, err
	}

	cfg := &KernelConfig{
		Addr:                   envString("KERNEL_ADDR", ":8080"),
		LeaseTTL:               leaseTTL,
		ApprovalTimeout:        time.Duration(approvalSeconds) * time.Second,
		CircuitBreakerEnabled:  envBool("CIRCUIT_BREAKER_ENABLED", true),
		CircuitBreakerInterval: breakerInterval,
		GovernorCycleInterval:  cycleInterval,
		TraceRetentionDays:     retentionDays,
		MQTTURL:                os.Getenv("MQTT_URL"),
		ConfigFile:             os.Getenv("FABRIC_CONFIG"),
		LogLevel:               envString("LOG_LEVEL", "info"),
	}
	if cfg.LeaseTTL <= 0 {
		return nil, fmt.Errorf("LEASE_TTL_MS must be positive")
	}
	return cfg, nil
}

// DispatcherConfig configures the dispatcher process.
type DispatcherConfig struct {
	KernelURL     string
	MQTTURL       string
	Topics        []string
	Goals         []string
	MaxAttempts   int
	ReplayEnabled bool
	AdminAddr     string
	LogLevel      string
}

// LoadDispatcher reads the dispatcher configuration from the environment.
func LoadDispatcher() (*DispatcherConfig, error) {
	maxAttempts, err := envInt("DISPATCHER_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, err
	}

	mqttURL := os.Getenv("DISPATCHER_MQTT_URL")
	if mqttURL == "" {
		mqttURL = envString("MQTT_URL", "tcp://localhost:1883")
	}

	cfg := &DispatcherConfig{
		KernelURL:     envString("KERNEL_URL", "http://localhost:8080"),
		MQTTURL:       mqttURL,
		Topics:        envList("DISPATCHER_TOPICS"),
		Goals:         envList("DISPATCHER_GOALS"),
		MaxAttempts:   maxAttempts,
		ReplayEnabled: envBool("DISPATCHER_REPLAY_ENABLED", false),
		AdminAddr:     envString("DISPATCHER_ADMIN_ADDR", ":8081"),
		LogLevel:      envString("LOG_LEVEL", "info"),
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("DISPATCHER_MAX_ATTEMPTS must be at least 1")
	}
	return cfg, nil
}

// WorkerConfig configures the worker process.
type WorkerConfig struct {
	KernelURL         string
	AgentName         string
	Goals             []string
	Count             int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MissionTimeout    time.Duration
	LeaseTTL          time.Duration
	HealthAddr        string
	LogLevel          string
}

// LoadWorker reads the worker configuration from the environment. The
// heartbeat interval must stay under half the lease TTL, otherwise one
// missed beat loses the lease.
func LoadWorker() (*WorkerConfig, error) {
	poll, err := envMillis("POLL_INTERVAL_MS", 5_000)
	if err != nil {
		return nil, err
	}
	heartbeat, err := envMillis("WORKER_HEARTBEAT_MS", 10_000)
	if err != nil {
		return nil, err
	}
	timeout, err := envMillis("MISSION_TIMEOUT_MS", 300_000)
	if err != nil {
		return nil, err
	}
	leaseTTL, err := envMillis("LEASE_TTL_MS", 60_000)
	if err != nil {
		return nil, err
	}
	count, err := envInt("WORKER_COUNT", 1)
	if err != nil {
		return nil, err
	}

	cfg := &WorkerConfig{
		KernelURL:         envString("KERNEL_URL", "http://localhost:8080"),
		AgentName:         envString("WORKER_AGENT_NAME", "fabric-worker"),
		Goals:             envList("WORKER_GOALS"),
		Count:             count,
		PollInterval:      poll,
		HeartbeatInterval: heartbeat,
		MissionTimeout:    timeout,
		LeaseTTL:          leaseTTL,
		HealthAddr:        envString("WORKER_HEALTH_ADDR", ":8082"),
		LogLevel:          envString("LOG_LEVEL", "info"),
	}
	if cfg.Count < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1")
	}
	if cfg.HeartbeatInterval >= cfg.LeaseTTL/2 {
		return nil, fmt.Errorf("WORKER_HEARTBEAT_MS (%v) must be less than half of LEASE_TTL_MS (%v)",
			cfg.HeartbeatInterval, cfg.LeaseTTL)
	}
	return cfg, nil
}

// InitLogging installs the default slog handler at the configured level.
func InitLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envMillis reads an integer millisecond value into a duration.
func envMillis(key string, fallback int64) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallback) * time.Millisecond, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: must be a non-negative integer of milliseconds", key, v)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// envDuration reads a Go duration string ("90s", "24h").
func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return d, nil
}

// envList splits a comma-separated variable, trimming blanks.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
