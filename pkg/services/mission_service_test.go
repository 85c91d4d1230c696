package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberworks/fabric/pkg/models"
	"github.com/emberworks/fabric/test/util"
)

func newMissionService(t *testing.T) *MissionService {
	t.Helper()
	return NewMissionService(util.SetupTestDatabase(t), DefaultMissionConfig())
}

func reportRequest(sessionID string) *models.MissionRequest {
	return &models.MissionRequest{
		Goal:           "generate-roast-report",
		Params:         models.JSONMap{"sessionId": sessionID, "reportKind": "POST_ROAST_V1"},
		SubjectID:      sessionID,
		IdempotencyKey: "report:" + sessionID + ":POST_ROAST_V1",
	}
}

func TestSubmitCreatesPendingMission(t *testing.T) {
	svc := newMissionService(t)

	m, created, err := svc.Submit(context.Background(), reportRequest("sess-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.MissionPending, m.Status)
	assert.Equal(t, models.PriorityMedium, m.Priority)
	assert.Zero(t, m.Attempts)
	assert.Equal(t, 5, m.MaxAttempts)
	assert.Equal(t, "sess-1", m.SessionID())
}

func TestSubmitDeduplicatesByIdempotencyKey(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	first, created, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.MissionID, second.MissionID)

	missions, err := svc.List(ctx, models.MissionFilters{})
	require.NoError(t, err)
	assert.Len(t, missions, 1)
}

func TestSubmitAllowsNewMissionAfterTerminal(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	first, _, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)
	claimed, err := svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.Equal(t, first.MissionID, claimed.MissionID)
	require.NoError(t, svc.Complete(ctx, claimed.MissionID, *claimed.LeaseID, nil))

	// The key only guards non-terminal missions; a finished one does not
	// block a re-submit.
	second, created, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.MissionID, second.MissionID)
}

func TestSubmitValidation(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = svc.Submit(ctx, &models.MissionRequest{Goal: ""})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = svc.Submit(ctx, &models.MissionRequest{Goal: "g", Priority: "URGENT"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, _, err = svc.Submit(ctx, &models.MissionRequest{Goal: "g", MaxAttempts: -1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestClaimPriorityThenFIFO(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	lowReq := reportRequest("sess-low")
	lowReq.Priority = models.PriorityLow
	_, _, err := svc.Submit(ctx, lowReq)
	require.NoError(t, err)

	firstMed, _, err := svc.Submit(ctx, reportRequest("sess-med-1"))
	require.NoError(t, err)
	secondMed, _, err := svc.Submit(ctx, reportRequest("sess-med-2"))
	require.NoError(t, err)

	highReq := reportRequest("sess-high")
	highReq.Priority = models.PriorityHigh
	high, _, err := svc.Submit(ctx, highReq)
	require.NoError(t, err)

	got, err := svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	assert.Equal(t, high.MissionID, got.MissionID)
	assert.Equal(t, models.MissionRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LeaseID)
	require.NotNil(t, got.LeaseExpiresAt)
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, "worker-1", *got.ClaimedBy)

	got, err = svc.Claim(ctx, "worker-2", nil)
	require.NoError(t, err)
	assert.Equal(t, firstMed.MissionID, got.MissionID)

	got, err = svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	assert.Equal(t, secondMed.MissionID, got.MissionID)
}

func TestClaimGoalFilterAndEmptyQueue(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)

	_, err = svc.Claim(ctx, "worker-1", []string{"calibrate-probe"})
	assert.ErrorIs(t, err, ErrNoMissions)

	got, err := svc.Claim(ctx, "worker-1", []string{"calibrate-probe", "generate-roast-report"})
	require.NoError(t, err)
	assert.Equal(t, "generate-roast-report", got.Goal)

	_, err = svc.Claim(ctx, "worker-1", nil)
	assert.ErrorIs(t, err, ErrNoMissions)
}

func TestHeartbeatExtendsLease(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)
	m, err := svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	firstExpiry := *m.LeaseExpiresAt

	svc.now = func() time.Time { return time.Now().UTC().Add(20 * time.Second) }
	require.NoError(t, svc.Heartbeat(ctx, m.MissionID, *m.LeaseID))

	got, err := svc.Get(ctx, m.MissionID)
	require.NoError(t, err)
	assert.True(t, got.LeaseExpiresAt.After(firstExpiry))
	require.NotNil(t, got.LastHeartbeatAt)
}

func TestHeartbeatStaleLease(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)
	m, err := svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)

	err = svc.Heartbeat(ctx, m.MissionID, "lease-bogus")
	assert.ErrorIs(t, err, ErrStaleLease)

	err = svc.Heartbeat(ctx, "no-such-mission", "lease-bogus")
	assert.ErrorIs(t, err, ErrNotFound)

	// The stale heartbeat must not have touched the real lease.
	got, err := svc.Get(ctx, m.MissionID)
	require.NoError(t, err)
	assert.Equal(t, *m.LeaseID, *got.LeaseID)
}

func TestCompleteClearsLease(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)
	m, err := svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Complete(ctx, m.MissionID, *m.LeaseID, models.JSONMap{"reportId": "rep-1"}))

	got, err := svc.Get(ctx, m.MissionID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionDone, got.Status)
	assert.Nil(t, got.LeaseID)
	assert.Nil(t, got.LeaseExpiresAt)
	assert.Equal(t, "rep-1", got.ResultMeta["reportId"])

	// Completing again with the cleared lease is stale.
	err = svc.Complete(ctx, m.MissionID, *m.LeaseID, nil)
	assert.ErrorIs(t, err, ErrStaleLease)
}

func TestFailRetryableRequeuesWithBackoff(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)
	m, err := svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Fail(ctx, m.MissionID, *m.LeaseID, "kernel unreachable", "dial tcp: connection refused", true))

	got, err := svc.Get(ctx, m.MissionID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Nil(t, got.LeaseID)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, "kernel unreachable", got.ErrorMeta["error"])
	assert.Equal(t, true, got.ErrorMeta["retryable"])
	assert.False(t, got.NextRetryAt.After(time.Now().UTC().Add(svc.cfg.BackoffBase)),
		"first retry delay must stay within the backoff base")

	svc.now = func() time.Time { return time.Now().UTC().Add(svc.cfg.BackoffCap) }
	reclaimed, err := svc.Claim(ctx, "worker-2", nil)
	require.NoError(t, err)
	assert.Equal(t, m.MissionID, reclaimed.MissionID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)
	m, err := svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Fail(ctx, m.MissionID, *m.LeaseID, "session not found", "", false))

	got, err := svc.Get(ctx, m.MissionID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionFailed, got.Status)
	assert.Nil(t, got.NextRetryAt)
}

func TestFailExhaustsAttempts(t *testing.T) {
	client := util.SetupTestDatabase(t)
	cfg := DefaultMissionConfig()
	cfg.BackoffBase = time.Nanosecond
	cfg.BackoffCap = time.Nanosecond
	svc := NewMissionService(client, cfg)
	ctx := context.Background()

	req := reportRequest("sess-1")
	req.MaxAttempts = 2
	_, _, err := svc.Submit(ctx, req)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		svc.now = func() time.Time { return time.Now().UTC().Add(time.Duration(attempt) * time.Second) }
		m, err := svc.Claim(ctx, "worker-1", nil)
		require.NoError(t, err)
		require.Equal(t, attempt, m.Attempts)
		require.NoError(t, svc.Fail(ctx, m.MissionID, *m.LeaseID, "flaky", "", true))
	}

	missions, err := svc.List(ctx, models.MissionFilters{Status: "failed"})
	require.NoError(t, err)
	require.Len(t, missions, 1)
	assert.Equal(t, 2, missions[0].Attempts)

	_, err = svc.Claim(ctx, "worker-1", nil)
	assert.ErrorIs(t, err, ErrNoMissions)
}

func TestReclaimExpiredLease(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)
	m, err := svc.Claim(ctx, "worker-crashed", nil)
	require.NoError(t, err)
	oldLease := *m.LeaseID

	// Nothing to reclaim while the lease is alive.
	n, err := svc.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	svc.now = func() time.Time { return time.Now().UTC().Add(svc.cfg.LeaseTTL + svc.cfg.BackoffCap) }
	n, err = svc.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(ctx, m.MissionID)
	require.NoError(t, err)
	assert.Equal(t, models.MissionPending, got.Status)
	assert.Equal(t, "lease expired", got.ErrorMeta["error"])

	// Another worker picks it up with a fresh lease; the crashed worker's
	// lease is now stale everywhere.
	second, err := svc.Claim(ctx, "worker-2", nil)
	require.NoError(t, err)
	assert.Equal(t, m.MissionID, second.MissionID)
	assert.Equal(t, 2, second.Attempts)
	assert.NotEqual(t, oldLease, *second.LeaseID)

	err = svc.Complete(ctx, m.MissionID, oldLease, nil)
	assert.ErrorIs(t, err, ErrStaleLease)

	require.NoError(t, svc.Complete(ctx, m.MissionID, *second.LeaseID, nil))
}

func TestListAndCounts(t *testing.T) {
	svc := newMissionService(t)
	ctx := context.Background()

	_, _, err := svc.Submit(ctx, reportRequest("sess-1"))
	require.NoError(t, err)
	_, _, err = svc.Submit(ctx, reportRequest("sess-2"))
	require.NoError(t, err)
	m, err := svc.Claim(ctx, "worker-1", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, m.MissionID, *m.LeaseID, nil))

	pending, err := svc.List(ctx, models.MissionFilters{Status: "pending"})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	byGoal, err := svc.List(ctx, models.MissionFilters{Goal: "generate-roast-report"})
	require.NoError(t, err)
	assert.Len(t, byGoal, 2)

	counts, err := svc.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.MissionPending])
	assert.Equal(t, 1, counts[models.MissionDone])

	_, err = svc.Get(ctx, "no-such-mission")
	assert.ErrorIs(t, err, ErrNotFound)
}
