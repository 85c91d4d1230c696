package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/fabric/pkg/kernel"
	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/pkg/runtime"
)

type completion struct {
	missionID string
	leaseID   string
	meta      models.JSONMap
}

type failure struct {
	missionID string
	reason    string
	details   string
	retryable bool
}

type fakeWorkerKernel struct {
	mu          sync.Mutex
	queue       []*models.Mission
	reports     map[string]*models.Report
	heartbeats  int
	completions []completion
	failures    []failure
	traces      []*models.Trace

	heartbeatErr error
	completeErr  error
	failErr      error
}

func newFakeWorkerKernel() *fakeWorkerKernel {
	return &fakeWorkerKernel{reports: make(map[string]*models.Report)}
}

func (k *fakeWorkerKernel) ClaimMission(_ context.Context, _ string, _ []string) (*models.Mission, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.queue) == 0 {
		return nil, kernel.ErrNoMissions
	}
	m := k.queue[0]
	k.queue = k.queue[1:]
	return m, nil
}

func (k *fakeWorkerKernel) Heartbeat(_ context.Context, _, _ string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.heartbeats++
	return k.heartbeatErr
}

func (k *fakeWorkerKernel) CompleteMission(_ context.Context, missionID, leaseID string, meta models.JSONMap) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.completeErr != nil {
		return k.completeErr
	}
	k.completions = append(k.completions, completion{missionID: missionID, leaseID: leaseID, meta: meta})
	return nil
}

func (k *fakeWorkerKernel) FailMission(_ context.Context, missionID, _ string, reason, details string, retryable bool) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.failErr != nil {
		return k.failErr
	}
	k.failures = append(k.failures, failure{missionID: missionID, reason: reason, details: details, retryable: retryable})
	return nil
}

func (k *fakeWorkerKernel) SubmitTrace(_ context.Context, trace *models.Trace) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.traces = append(k.traces, trace)
	return nil
}

func (k *fakeWorkerKernel) GetReportBySession(_ context.Context, sessionID, kind string) (*models.Report, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if r, ok := k.reports[sessionID+"|"+kind]; ok {
		return r, nil
	}
	return nil, kernel.ErrNotFound
}

type fakeRunner struct {
	mu   sync.Mutex
	runs int
	fn   func(ctx context.Context, mission *models.Mission, opts runtime.Options) (*models.Trace, error)
}

func (r *fakeRunner) Run(ctx context.Context, mission *models.Mission, opts runtime.Options) (*models.Trace, error) {
	r.mu.Lock()
	r.runs++
	r.mu.Unlock()
	return r.fn(ctx, mission, opts)
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs
}

func leasedMission(sessionID string) *models.Mission {
	leaseID := "lease-1"
	return &models.Mission{
		MissionID: "mission-1",
		Goal:      "generate-roast-report",
		Params:    models.JSONMap{"sessionId": sessionID, "reportKind": "POST_ROAST_V1"},
		Status:    models.MissionRunning,
		LeaseID:   &leaseID,
	}
}

func successTrace(missionID string) *models.Trace {
	return &models.Trace{
		TraceID:   "trace-1",
		MissionID: missionID,
		Status:    models.TraceSuccess,
		Entries: models.TraceEntries{{
			MissionID: missionID,
			Step:      models.StepAct,
			ToolCalls: []models.ToolCall{{
				ToolName: "report.store",
				Output:   models.JSONMap{"reportId": "report-9"},
			}},
		}},
		Metadata: models.TraceMetadata{Iterations: 1},
	}
}

func TestExecuteCompletesWithReportMeta(t *testing.T) {
	k := newFakeWorkerKernel()
	runner := &fakeRunner{fn: func(_ context.Context, m *models.Mission, _ runtime.Options) (*models.Trace, error) {
		return successTrace(m.MissionID), nil
	}}
	p := NewPool(k, runner, Config{})

	p.Execute(context.Background(), 0, leasedMission("sess-1"))

	require.Len(t, k.completions, 1)
	got := k.completions[0]
	assert.Equal(t, "mission-1", got.missionID)
	assert.Equal(t, "lease-1", got.leaseID)
	assert.Equal(t, "report-9", got.meta["reportId"])
	assert.Equal(t, "sess-1", got.meta["sessionId"])
	assert.Equal(t, "trace-1", got.meta["traceId"])
	require.Len(t, k.traces, 1)
	assert.Equal(t, uint64(1), p.Status().Counters.Completed)
}

func TestExecuteReusesExistingReport(t *testing.T) {
	k := newFakeWorkerKernel()
	k.reports["sess-1|POST_ROAST_V1"] = &models.Report{ReportID: "report-old", SessionID: "sess-1"}
	runner := &fakeRunner{fn: func(_ context.Context, _ *models.Mission, _ runtime.Options) (*models.Trace, error) {
		return nil, errors.New("must not run")
	}}
	p := NewPool(k, runner, Config{})

	p.Execute(context.Background(), 0, leasedMission("sess-1"))

	assert.Zero(t, runner.runCount())
	require.Len(t, k.completions, 1)
	assert.Equal(t, "report-old", k.completions[0].meta["reportId"])
	assert.Equal(t, true, k.completions[0].meta["reused"])
	assert.Equal(t, uint64(1), p.Status().Counters.AlreadyExists)
}

func TestExecuteTimeoutIsRetryable(t *testing.T) {
	k := newFakeWorkerKernel()
	runner := &fakeRunner{fn: func(_ context.Context, m *models.Mission, _ runtime.Options) (*models.Trace, error) {
		trace := &models.Trace{TraceID: "trace-t", MissionID: m.MissionID, Status: models.TraceTimeout}
		return nil, &runtime.TraceError{Trace: trace, Cause: context.DeadlineExceeded}
	}}
	p := NewPool(k, runner, Config{})

	p.Execute(context.Background(), 0, leasedMission("sess-1"))

	require.Len(t, k.failures, 1)
	assert.Equal(t, "timeout", k.failures[0].reason)
	assert.True(t, k.failures[0].retryable)
	// The trace still made it out before the failure report.
	require.Len(t, k.traces, 1)
	assert.Equal(t, "trace-t", k.traces[0].TraceID)
}

func TestExecuteMaxIterationsIsPermanent(t *testing.T) {
	k := newFakeWorkerKernel()
	runner := &fakeRunner{fn: func(_ context.Context, m *models.Mission, _ runtime.Options) (*models.Trace, error) {
		return &models.Trace{
			TraceID:   "trace-m",
			MissionID: m.MissionID,
			Status:    models.TraceMaxIterations,
			Metadata:  models.TraceMetadata{Iterations: 3},
		}, nil
	}}
	p := NewPool(k, runner, Config{})

	p.Execute(context.Background(), 0, leasedMission("sess-1"))

	require.Len(t, k.failures, 1)
	assert.False(t, k.failures[0].retryable)
	assert.Equal(t, "max iterations exhausted", k.failures[0].reason)
}

func TestExecuteStaleLeaseDiscardsResult(t *testing.T) {
	k := newFakeWorkerKernel()
	k.completeErr = kernel.ErrStaleLease
	runner := &fakeRunner{fn: func(_ context.Context, m *models.Mission, _ runtime.Options) (*models.Trace, error) {
		return successTrace(m.MissionID), nil
	}}
	p := NewPool(k, runner, Config{})

	p.Execute(context.Background(), 0, leasedMission("sess-1"))

	c := p.Status().Counters
	assert.Equal(t, uint64(1), c.StaleLeases)
	assert.Zero(t, c.Completed)
	assert.Empty(t, k.failures)
}

func TestExecuteHeartbeatsDuringRun(t *testing.T) {
	k := newFakeWorkerKernel()
	k.heartbeatErr = errors.New("kernel hiccup")
	runner := &fakeRunner{fn: func(ctx context.Context, m *models.Mission, _ runtime.Options) (*models.Trace, error) {
		select {
		case <-time.After(80 * time.Millisecond):
		case <-ctx.Done():
		}
		return successTrace(m.MissionID), nil
	}}
	p := NewPool(k, runner, Config{HeartbeatInterval: 10 * time.Millisecond})

	p.Execute(context.Background(), 0, leasedMission("sess-1"))

	k.mu.Lock()
	beats := k.heartbeats
	k.mu.Unlock()
	assert.Greater(t, beats, 0)
	// Heartbeat failures degrade, never abort.
	assert.Len(t, k.completions, 1)
	assert.Greater(t, p.Status().Counters.HeartbeatFailures, uint64(0))
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		err       error
		reason    string
		retryable bool
	}{
		{context.DeadlineExceeded, "timeout", true},
		{fmt.Errorf("dial tcp 10.0.0.1:8080: connection refused"), "transient error", true},
		{fmt.Errorf("read: connection reset by peer"), "transient error", true},
		{fmt.Errorf("write: broken pipe"), "transient error", true},
		{fmt.Errorf("unexpected EOF"), "transient error", true},
		{fmt.Errorf("socket ECONNRESET"), "transient error", true},
		{fmt.Errorf("request timed out waiting for kernel"), "transient error", true},
		{fmt.Errorf("reasoner returned malformed output"), "execution error", false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			reason, retryable := ClassifyFailure(tt.err)
			assert.Equal(t, tt.reason, reason)
			assert.Equal(t, tt.retryable, retryable)
		})
	}
}

func TestPoolClaimLoop(t *testing.T) {
	k := newFakeWorkerKernel()
	k.queue = []*models.Mission{leasedMission("sess-loop")}
	runner := &fakeRunner{fn: func(_ context.Context, m *models.Mission, _ runtime.Options) (*models.Trace, error) {
		return successTrace(m.MissionID), nil
	}}
	p := NewPool(k, runner, Config{Count: 2, PollInterval: 5 * time.Millisecond})

	p.Start(context.Background())
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Status().Counters.Completed == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c := p.Status().Counters
	assert.Equal(t, uint64(1), c.Claimed)
	assert.Equal(t, uint64(1), c.Completed)
}

func TestHealthServer(t *testing.T) {
	p := NewPool(newFakeWorkerKernel(), &fakeRunner{fn: nil}, Config{Count: 3, AgentName: "roastery"})
	e := NewHealthServer(p)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"agentName":"roastery"`)
	assert.Contains(t, rec.Body.String(), `"workers"`)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
