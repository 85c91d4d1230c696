// Package cleanup runs the kernel's periodic maintenance: lease
// reclamation, approval-timeout expiry, and optional trace retention.
// Every kernel instance runs it independently; all operations are
// idempotent.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emberworks/fabric/pkg/command"
	"github.com/emberworks/fabric/pkg/services"
)

// Config controls the janitor.
type Config struct {
	// Interval between sweeps. Defaults to half the mission lease TTL so
	// an expired lease is reclaimed within one TTL of lapsing.
	Interval time.Duration
	// TraceRetentionDays deletes traces completed more than this many days
	// ago. Zero disables pruning; traces are then kept forever.
	TraceRetentionDays int
}

// Stats counts what one sweep did.
type Stats struct {
	MissionsReclaimed int   `json:"missionsReclaimed"`
	ProposalsExpired  int   `json:"proposalsExpired"`
	TracesPruned      int64 `json:"tracesPruned"`
}

// Janitor owns the maintenance loop.
type Janitor struct {
	missions *services.MissionService
	commands *command.Service
	traces   *services.TraceService
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	lastRun time.Time
	totals  Stats

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates the janitor. commands and traces may be nil when the
// kernel runs without the corresponding subsystem.
func NewJanitor(missions *services.MissionService, commands *command.Service, traces *services.TraceService, cfg Config) *Janitor {
	if missions == nil {
		panic("cleanup.NewJanitor: missions must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = missions.LeaseTTL() / 2
	}
	if cfg.Interval < time.Second {
		cfg.Interval = time.Second
	}
	return &Janitor{
		missions: missions,
		commands: commands,
		traces:   traces,
		cfg:      cfg,
		logger:   slog.With("component", "janitor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the sweep loop.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	j.logger.Info("Janitor started",
		"interval", j.cfg.Interval, "trace_retention_days", j.cfg.TraceRetentionDays)

	go func() {
		defer close(j.done)
		ticker := time.NewTicker(j.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (j *Janitor) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done
	j.logger.Info("Janitor stopped")
}

// RunOnce performs one sweep. Each step failing is logged and skipped;
// a flaky database must not stop the remaining maintenance.
func (j *Janitor) RunOnce(ctx context.Context) Stats {
	var stats Stats

	reclaimed, err := j.missions.ReclaimExpired(ctx)
	if err != nil {
		j.logger.Error("Lease reclamation failed", "error", err)
	}
	stats.MissionsReclaimed = reclaimed

	if j.commands != nil {
		expired, err := j.commands.ExpireStale(ctx)
		if err != nil {
			j.logger.Error("Approval expiry failed", "error", err)
		}
		stats.ProposalsExpired = expired
	}

	if j.traces != nil && j.cfg.TraceRetentionDays > 0 {
		cutoff := j.now().AddDate(0, 0, -j.cfg.TraceRetentionDays)
		pruned, err := j.traces.PruneOlderThan(ctx, cutoff)
		if err != nil {
			j.logger.Error("Trace pruning failed", "error", err)
		}
		stats.TracesPruned = pruned
	}

	j.mu.Lock()
	j.lastRun = j.now()
	j.totals.MissionsReclaimed += stats.MissionsReclaimed
	j.totals.ProposalsExpired += stats.ProposalsExpired
	j.totals.TracesPruned += stats.TracesPruned
	j.mu.Unlock()

	if stats != (Stats{}) {
		j.logger.Info("Sweep finished",
			"missions_reclaimed", stats.MissionsReclaimed,
			"proposals_expired", stats.ProposalsExpired,
			"traces_pruned", stats.TracesPruned)
	}
	return stats
}

// Totals returns the running counters and the last sweep time.
func (j *Janitor) Totals() (Stats, time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.totals, j.lastRun
}
