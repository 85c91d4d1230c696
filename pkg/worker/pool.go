// Package worker runs the mission-claiming pool. Each worker polls the
// kernel with jitter, executes the claimed mission through the runtime, and
// reports the outcome under its lease. Safety across N instances comes from
// the kernel's leases, not from anything local.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/emberworks/fabric/pkg/kernel"
	"github.com/emberworks/fabric/pkg/metrics"
	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/pkg/runtime"
)

// Kernel is the slice of the kernel client the pool needs.
type Kernel interface {
	ClaimMission(ctx context.Context, agentName string, goals []string) (*models.Mission, error)
	Heartbeat(ctx context.Context, missionID, leaseID string) error
	CompleteMission(ctx context.Context, missionID, leaseID string, resultMeta models.JSONMap) error
	FailMission(ctx context.Context, missionID, leaseID, errMsg, details string, retryable bool) error
	SubmitTrace(ctx context.Context, trace *models.Trace) error
	GetReportBySession(ctx context.Context, sessionID, kind string) (*models.Report, error)
}

// MissionRunner executes one claimed mission; satisfied by *runtime.Runner.
type MissionRunner interface {
	Run(ctx context.Context, mission *models.Mission, opts runtime.Options) (*models.Trace, error)
}

// Config tunes the pool.
type Config struct {
	AgentName         string
	Goals             []string
	Count             int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MissionTimeout    time.Duration
	MaxIterations     int
}

func (c Config) withDefaults() Config {
	if c.AgentName == "" {
		c.AgentName = "fabric-worker"
	}
	if c.Count <= 0 {
		c.Count = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MissionTimeout <= 0 {
		c.MissionTimeout = 5 * time.Minute
	}
	return c
}

// Counters are the pool's lifetime totals.
type Counters struct {
	Claimed           uint64 `json:"claimed"`
	Completed         uint64 `json:"completed"`
	Failed            uint64 `json:"failed"`
	AlreadyExists     uint64 `json:"alreadyExists"`
	HeartbeatFailures uint64 `json:"heartbeatFailures"`
	StaleLeases       uint64 `json:"staleLeases"`
	ClaimErrors       uint64 `json:"claimErrors"`
}

// WorkerStatus is one worker's view for the /status endpoint.
type WorkerStatus struct {
	ID        int    `json:"id"`
	State     string `json:"state"`
	MissionID string `json:"missionId,omitempty"`
}

// Status is the pool health snapshot.
type Status struct {
	AgentName string         `json:"agentName"`
	Workers   []WorkerStatus `json:"workers"`
	Counters  Counters       `json:"counters"`
	LastError string         `json:"lastError,omitempty"`
}

// Pool claims and executes missions with Count workers.
type Pool struct {
	kernel Kernel
	runner MissionRunner
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	counters  Counters
	states    []WorkerStatus
	lastError string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a Pool.
func NewPool(k Kernel, runner MissionRunner, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	states := make([]WorkerStatus, cfg.Count)
	for i := range states {
		states[i] = WorkerStatus{ID: i, State: "idle"}
	}
	return &Pool{
		kernel: k,
		runner: runner,
		cfg:    cfg,
		logger: slog.With("component", "worker_pool"),
		states: states,
	}
}

// Start launches the workers.
func (p *Pool) Start(ctx context.Context) {
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Count; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, i)
	}
	p.logger.Info("Worker pool started",
		"workers", p.cfg.Count, "agent_name", p.cfg.AgentName, "goals", p.cfg.Goals)
}

// Stop cancels in-flight missions and waits for the workers to exit.
// Unfinished missions are reclaimed by the kernel when their leases lapse.
func (p *Pool) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		if !p.sleepJittered(ctx) {
			return
		}
		mission, err := p.kernel.ClaimMission(ctx, p.workerName(id), p.cfg.Goals)
		if err != nil {
			if errors.Is(err, kernel.ErrNoMissions) || ctx.Err() != nil {
				continue
			}
			p.count(func(c *Counters) { c.ClaimErrors++ })
			p.setLastError(fmt.Sprintf("claim: %v", err))
			p.logger.Warn("Claim failed", "worker", id, "error", err)
			continue
		}
		p.count(func(c *Counters) { c.Claimed++ })
		metrics.MissionsClaimed.Inc()
		p.setState(id, "running", mission.MissionID)
		p.Execute(ctx, id, mission)
		p.setState(id, "idle", "")
	}
}

// sleepJittered waits a uniformly jittered poll interval in
// [0.5, 1.5) * PollInterval. Returns false when ctx ended.
func (p *Pool) sleepJittered(ctx context.Context) bool {
	d := time.Duration((0.5 + rand.Float64()) * float64(p.cfg.PollInterval))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Execute runs one claimed mission end to end: idempotency sidecar,
// heartbeats, runtime execution, trace submission, outcome report.
func (p *Pool) Execute(ctx context.Context, id int, mission *models.Mission) {
	leaseID := ""
	if mission.LeaseID != nil {
		leaseID = *mission.LeaseID
	}
	log := p.logger.With("worker", id, "mission_id", mission.MissionID)

	if done := p.completeFromExistingReport(ctx, mission, leaseID, log); done {
		return
	}

	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	go p.heartbeatLoop(hbCtx, mission.MissionID, leaseID, log)

	runCtx, cancelRun := context.WithTimeout(ctx, p.cfg.MissionTimeout)
	trace, runErr := p.runner.Run(runCtx, mission, runtime.Options{
		AgentID:       p.workerName(id),
		MaxIterations: p.cfg.MaxIterations,
		InitialState:  models.JSONMap{"sessionId": mission.SessionID(), "reportKind": mission.ReportKind()},
	})
	cancelRun()
	stopHeartbeats()

	p.submitTrace(ctx, trace, runErr, log)

	if ctx.Err() != nil {
		// Shutdown: report nothing, the lease reclaim re-queues the mission.
		log.Info("Mission abandoned on shutdown")
		return
	}

	switch {
	case runErr == nil && trace.Status == models.TraceSuccess:
		p.reportComplete(ctx, mission, leaseID, trace, log)
	case runErr == nil:
		// MAX_ITERATIONS: the loop ran clean but never declared done.
		p.reportFailure(ctx, mission, leaseID, "max iterations exhausted",
			fmt.Sprintf("loop ended after %d iterations without completing", trace.Metadata.Iterations), false, log)
	default:
		reason, retryable := ClassifyFailure(runErr)
		p.reportFailure(ctx, mission, leaseID, reason, runErr.Error(), retryable, log)
	}
}

// completeFromExistingReport short-circuits redelivered work: a stored
// report for this session and kind means a previous attempt already
// finished.
func (p *Pool) completeFromExistingReport(ctx context.Context, mission *models.Mission, leaseID string, log *slog.Logger) bool {
	sessionID := mission.SessionID()
	if sessionID == "" {
		return false
	}
	report, err := p.kernel.GetReportBySession(ctx, sessionID, mission.ReportKind())
	if err != nil {
		if !errors.Is(err, kernel.ErrNotFound) {
			log.Warn("Report lookup failed, executing anyway", "error", err)
		}
		return false
	}

	p.count(func(c *Counters) { c.AlreadyExists++ })
	log.Info("Report already exists, completing without execution",
		"session_id", sessionID, "report_id", report.ReportID)
	p.reportCompleteMeta(ctx, mission, leaseID,
		models.JSONMap{"reportId": report.ReportID, "sessionId": sessionID, "reused": true}, log)
	return true
}

func (p *Pool) heartbeatLoop(ctx context.Context, missionID, leaseID string, log *slog.Logger) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.kernel.Heartbeat(ctx, missionID, leaseID); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.count(func(c *Counters) { c.HeartbeatFailures++ })
				p.setLastError(fmt.Sprintf("heartbeat %s: %v", missionID, err))
				log.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

// submitTrace is best-effort: a lost trace costs observability, never
// correctness.
func (p *Pool) submitTrace(ctx context.Context, trace *models.Trace, runErr error, log *slog.Logger) {
	if trace == nil {
		var traceErr *runtime.TraceError
		if errors.As(runErr, &traceErr) {
			trace = traceErr.Trace
		}
	}
	if trace == nil || ctx.Err() != nil {
		return
	}
	if err := p.kernel.SubmitTrace(ctx, trace); err != nil {
		log.Warn("Trace submission failed", "trace_id", trace.TraceID, "error", err)
	}
}

func (p *Pool) reportComplete(ctx context.Context, mission *models.Mission, leaseID string, trace *models.Trace, log *slog.Logger) {
	meta := models.JSONMap{"traceId": trace.TraceID}
	if sessionID := mission.SessionID(); sessionID != "" {
		meta["sessionId"] = sessionID
	}
	if reportID := reportIDFromTrace(trace); reportID != "" {
		meta["reportId"] = reportID
	}
	p.reportCompleteMeta(ctx, mission, leaseID, meta, log)
}

func (p *Pool) reportCompleteMeta(ctx context.Context, mission *models.Mission, leaseID string, meta models.JSONMap, log *slog.Logger) {
	if err := p.kernel.CompleteMission(ctx, mission.MissionID, leaseID, meta); err != nil {
		if errors.Is(err, kernel.ErrStaleLease) {
			p.count(func(c *Counters) { c.StaleLeases++ })
			log.Info("Lease went stale before completion, result discarded")
			return
		}
		p.setLastError(fmt.Sprintf("complete %s: %v", mission.MissionID, err))
		log.Error("Completion report failed", "error", err)
		return
	}
	p.count(func(c *Counters) { c.Completed++ })
	metrics.MissionsCompleted.Inc()
	log.Info("Mission completed")
}

func (p *Pool) reportFailure(ctx context.Context, mission *models.Mission, leaseID, reason, details string, retryable bool, log *slog.Logger) {
	if err := p.kernel.FailMission(ctx, mission.MissionID, leaseID, reason, details, retryable); err != nil {
		if errors.Is(err, kernel.ErrStaleLease) {
			p.count(func(c *Counters) { c.StaleLeases++ })
			log.Info("Lease went stale before failure report, discarded")
			return
		}
		p.setLastError(fmt.Sprintf("fail %s: %v", mission.MissionID, err))
		log.Error("Failure report failed", "error", err)
		return
	}
	p.count(func(c *Counters) { c.Failed++ })
	class := "permanent"
	if retryable {
		class = "retryable"
	}
	metrics.MissionsFailed.WithLabelValues(class).Inc()
	log.Warn("Mission failed", "reason", reason, "retryable", retryable)
}

// reportIDFromTrace digs the stored report id out of the trace's tool
// calls; the report reasoner's store tool returns it.
func reportIDFromTrace(trace *models.Trace) string {
	for i := len(trace.Entries) - 1; i >= 0; i-- {
		for j := len(trace.Entries[i].ToolCalls) - 1; j >= 0; j-- {
			call := trace.Entries[i].ToolCalls[j]
			if call.Output == nil {
				continue
			}
			if id, ok := call.Output["reportId"].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}

// transientPatterns mark errors worth a retry. Matched case-insensitively
// against the full error chain text.
var transientPatterns = []string{
	"econn", "enet", "timeout", "timed out",
	"connection refused", "connection reset", "broken pipe", "eof",
}

// ClassifyFailure maps an execution error to a failure reason and a retry
// decision. Timeouts and network-shaped errors retry; everything else is
// permanent.
func ClassifyFailure(err error) (string, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", true
	}
	var traceErr *runtime.TraceError
	if errors.As(err, &traceErr) && traceErr.Trace.Status == models.TraceTimeout {
		return "timeout", true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return "transient error", true
		}
	}
	return "execution error", false
}

func (p *Pool) workerName(id int) string {
	return fmt.Sprintf("%s-%d", p.cfg.AgentName, id)
}

func (p *Pool) count(mutate func(*Counters)) {
	p.mu.Lock()
	mutate(&p.counters)
	p.mu.Unlock()
}

func (p *Pool) setState(id int, state, missionID string) {
	p.mu.Lock()
	p.states[id].State = state
	p.states[id].MissionID = missionID
	p.mu.Unlock()
}

func (p *Pool) setLastError(msg string) {
	p.mu.Lock()
	p.lastError = msg
	p.mu.Unlock()
}

// Status snapshots the pool for the health endpoint.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	workers := make([]WorkerStatus, len(p.states))
	copy(workers, p.states)
	return Status{
		AgentName: p.cfg.AgentName,
		Workers:   workers,
		Counters:  p.counters,
		LastError: p.lastError,
	}
}
