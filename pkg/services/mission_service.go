// Package services implements the persistence verbs of the control plane:
// the leased mission queue, trace and report sinks, governance state, and
// circuit-breaker records. All writes go through single-transaction verbs;
// reads for display are eventually consistent.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/emberworks/fabric/pkg/database"
	"github.com/emberworks/fabric/pkg/models"
)

const missionColumns = `mission_id, goal, params, subject_id, priority, constraints, context,
	idempotency_key, status, attempts, max_attempts, lease_id, lease_expires_at,
	last_heartbeat_at, claimed_by, claimed_at, next_retry_at, result_meta, error_meta,
	created_at, updated_at`

// claimCandidateLimit bounds how many pending missions one claim transaction
// inspects before giving up; under SKIP LOCKED the first candidate wins, the
// compare-and-set fallback may need to step past rows another claimer took.
const claimCandidateLimit = 5

// MissionConfig tunes the leased queue.
type MissionConfig struct {
	LeaseTTL           time.Duration
	DefaultMaxAttempts int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
}

// DefaultMissionConfig returns the queue defaults: 60s leases, 5 attempts,
// backoff base 2s capped at 5min.
func DefaultMissionConfig() MissionConfig {
	return MissionConfig{
		LeaseTTL:           60 * time.Second,
		DefaultMaxAttempts: 5,
		BackoffBase:        2 * time.Second,
		BackoffCap:         5 * time.Minute,
	}
}

// MissionService is the durable, leased mission queue. Missions are mutated
// only through these verbs and never deleted; terminal states are retained
// for audit.
type MissionService struct {
	client *database.Client
	cfg    MissionConfig
	now    func() time.Time
}

// NewMissionService creates a MissionService.
func NewMissionService(client *database.Client, cfg MissionConfig) *MissionService {
	if client == nil {
		panic("NewMissionService: client must not be nil")
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultMissionConfig().LeaseTTL
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = DefaultMissionConfig().DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultMissionConfig().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultMissionConfig().BackoffCap
	}
	return &MissionService{
		client: client,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// LeaseTTL returns the configured lease duration.
func (s *MissionService) LeaseTTL() time.Duration {
	return s.cfg.LeaseTTL
}

func (s *MissionService) db() *sqlx.DB {
	return s.client.DB()
}

// Submit inserts a new PENDING mission, or returns the existing non-terminal
// mission untouched when the idempotency key is already active. The second
// return value is true when a new mission was created.
func (s *MissionService) Submit(ctx context.Context, req *models.MissionRequest) (*models.Mission, bool, error) {
	if req == nil || req.Goal == "" {
		return nil, false, NewValidationError("goal", "goal is required")
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}
	if maxAttempts < 1 {
		return nil, false, NewValidationError("maxAttempts", "must be at least 1")
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	switch priority {
	case models.PriorityLow, models.PriorityMedium, models.PriorityHigh:
	default:
		return nil, false, NewValidationError("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}

	// Two rounds: a concurrent submit with the same key can beat our insert;
	// the unique index converts that race into a re-readable dedupe.
	for attempt := 0; attempt < 2; attempt++ {
		if req.IdempotencyKey != "" {
			existing, err := s.getActiveByKey(ctx, s.db(), req.IdempotencyKey)
			if err == nil {
				return existing, false, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, false, err
			}
		}

		mission, err := s.insert(ctx, req, priority, maxAttempts)
		if err == nil {
			return mission, true, nil
		}
		if database.IsUniqueViolation(err) && req.IdempotencyKey != "" {
			continue
		}
		return nil, false, err
	}
	return nil, false, fmt.Errorf("submit lost idempotency race twice for key %q", req.IdempotencyKey)
}

func (s *MissionService) insert(ctx context.Context, req *models.MissionRequest, priority models.MissionPriority, maxAttempts int) (*models.Mission, error) {
	now := s.now()
	m := &models.Mission{
		MissionID:   uuid.New().String(),
		Goal:        req.Goal,
		Params:      req.Params,
		Priority:    priority,
		Constraints: req.Constraints,
		Context:     req.Context,
		Status:      models.MissionPending,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.SubjectID != "" {
		m.SubjectID = &req.SubjectID
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		m.IdempotencyKey = &key
	}

	_, err := s.db().NamedExecContext(ctx, `
		INSERT INTO missions (mission_id, goal, params, subject_id, priority, constraints, context,
			idempotency_key, status, attempts, max_attempts, created_at, updated_at)
		VALUES (:mission_id, :goal, :params, :subject_id, :priority, :constraints, :context,
			:idempotency_key, :status, :attempts, :max_attempts, :created_at, :updated_at)`, m)
	if err != nil {
		return nil, fmt.Errorf("failed to insert mission: %w", err)
	}
	return m, nil
}

func (s *MissionService) getActiveByKey(ctx context.Context, ext sqlx.ExtContext, key string) (*models.Mission, error) {
	var m models.Mission
	query := ext.Rebind(`SELECT ` + missionColumns + ` FROM missions
		WHERE idempotency_key = ? AND status IN ('PENDING', 'RUNNING') LIMIT 1`)
	err := sqlx.GetContext(ctx, ext, &m, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query mission by idempotency key: %w", err)
	}
	return &m, nil
}

// Claim atomically selects one pending, due mission in priority-then-FIFO
// order and leases it to agentName: status RUNNING, fresh leaseId, expiry
// now+leaseTtl, attempts incremented. Returns ErrNoMissions when nothing is
// claimable.
func (s *MissionService) Claim(ctx context.Context, agentName string, goals []string) (*models.Mission, error) {
	if agentName == "" {
		return nil, NewValidationError("agentName", "agentName is required")
	}
	now := s.now()

	var claimed *models.Mission
	err := database.WithTx(ctx, s.db(), func(tx *sqlx.Tx) error {
		query := `SELECT mission_id FROM missions
			WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)`
		args := []any{models.MissionPending, now}
		if len(goals) > 0 {
			query += ` AND goal IN (?)`
			args = append(args, goals)
		}
		query += ` ORDER BY CASE priority WHEN 'HIGH' THEN 0 WHEN 'MEDIUM' THEN 1 ELSE 2 END,
			created_at ASC LIMIT ?`
		args = append(args, claimCandidateLimit)

		var err error
		if len(goals) > 0 {
			query, args, err = sqlx.In(query, args...)
			if err != nil {
				return fmt.Errorf("failed to expand goals filter: %w", err)
			}
		}
		if s.client.SupportsRowLocking() {
			query += " FOR UPDATE SKIP LOCKED"
		}

		var candidates []string
		if err := tx.SelectContext(ctx, &candidates, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to query claimable missions: %w", err)
		}
		if len(candidates) == 0 {
			return ErrNoMissions
		}

		leaseID := "lease-" + uuid.New().String()
		expiresAt := now.Add(s.cfg.LeaseTTL)

		// Compare-and-set on status guards the claim on SQLite, where
		// FOR UPDATE SKIP LOCKED is unavailable; under row locking the first
		// candidate always wins.
		var claimedID string
		for _, id := range candidates {
			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE missions SET status = ?, lease_id = ?, lease_expires_at = ?,
					claimed_by = ?, claimed_at = ?, attempts = attempts + 1,
					next_retry_at = NULL, last_heartbeat_at = NULL, updated_at = ?
				WHERE mission_id = ? AND status = ?`),
				models.MissionRunning, leaseID, expiresAt,
				agentName, now, now, id, models.MissionPending)
			if err != nil {
				return fmt.Errorf("failed to claim mission %s: %w", id, err)
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read claim result: %w", err)
			}
			if rows == 1 {
				claimedID = id
				break
			}
		}
		if claimedID == "" {
			return ErrNoMissions
		}

		m, err := getMission(ctx, tx, claimedID)
		if err != nil {
			return err
		}
		claimed = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat extends the lease to now+leaseTtl when leaseID still matches.
// A mismatch returns ErrStaleLease and mutates nothing.
func (s *MissionService) Heartbeat(ctx context.Context, missionID, leaseID string) error {
	if missionID == "" || leaseID == "" {
		return NewValidationError("leaseId", "missionId and leaseId are required")
	}
	now := s.now()
	res, err := s.db().ExecContext(ctx, s.db().Rebind(`
		UPDATE missions SET lease_expires_at = ?, last_heartbeat_at = ?, updated_at = ?
		WHERE mission_id = ? AND lease_id = ? AND status = ?`),
		now.Add(s.cfg.LeaseTTL), now, now, missionID, leaseID, models.MissionRunning)
	if err != nil {
		return fmt.Errorf("failed to heartbeat mission: %w", err)
	}
	return s.checkLeaseResult(ctx, res, missionID)
}

// Complete transitions RUNNING → DONE under a matching lease, records the
// result, and clears the lease.
func (s *MissionService) Complete(ctx context.Context, missionID, leaseID string, resultMeta models.JSONMap) error {
	if missionID == "" || leaseID == "" {
		return NewValidationError("leaseId", "missionId and leaseId are required")
	}
	now := s.now()
	res, err := s.db().ExecContext(ctx, s.db().Rebind(`
		UPDATE missions SET status = ?, result_meta = ?, lease_id = NULL,
			lease_expires_at = NULL, next_retry_at = NULL, updated_at = ?
		WHERE mission_id = ? AND lease_id = ? AND status = ?`),
		models.MissionDone, resultMeta, now, missionID, leaseID, models.MissionRunning)
	if err != nil {
		return fmt.Errorf("failed to complete mission: %w", err)
	}
	return s.checkLeaseResult(ctx, res, missionID)
}

// Fail finalizes an execution attempt under a matching lease. Retryable
// failures with attempts left go back to PENDING with a jittered backoff;
// everything else becomes FAILED with the error recorded.
func (s *MissionService) Fail(ctx context.Context, missionID, leaseID, errMsg, details string, retryable bool) error {
	if missionID == "" || leaseID == "" {
		return NewValidationError("leaseId", "missionId and leaseId are required")
	}
	err := database.WithTx(ctx, s.db(), func(tx *sqlx.Tx) error {
		query := `SELECT ` + missionColumns + ` FROM missions
			WHERE mission_id = ? AND lease_id = ? AND status = ?`
		if s.client.SupportsRowLocking() {
			query += " FOR UPDATE"
		}
		var m models.Mission
		err := sqlx.GetContext(ctx, tx, &m, tx.Rebind(query), missionID, leaseID, models.MissionRunning)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrStaleLease
		}
		if err != nil {
			return fmt.Errorf("failed to load mission for failure: %w", err)
		}
		return s.failLocked(ctx, tx, &m, errMsg, details, retryable)
	})
	if errors.Is(err, ErrStaleLease) {
		return s.staleOrNotFound(ctx, missionID)
	}
	return err
}

// failLocked applies the fail branch to a row already fetched inside tx.
func (s *MissionService) failLocked(ctx context.Context, tx *sqlx.Tx, m *models.Mission, errMsg, details string, retryable bool) error {
	now := s.now()
	errorMeta := models.JSONMap{
		"error":     errMsg,
		"retryable": retryable,
		"failedAt":  now.Format(time.RFC3339Nano),
		"attempt":   m.Attempts,
	}
	if details != "" {
		errorMeta["details"] = details
	}

	if retryable && m.Attempts < m.MaxAttempts {
		delay := retryBackoff(m.Attempts, s.cfg.BackoffBase, s.cfg.BackoffCap)
		_, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE missions SET status = ?, next_retry_at = ?, error_meta = ?,
				lease_id = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE mission_id = ?`),
			models.MissionPending, now.Add(delay), errorMeta, now, m.MissionID)
		if err != nil {
			return fmt.Errorf("failed to requeue mission: %w", err)
		}
		return nil
	}

	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE missions SET status = ?, error_meta = ?, lease_id = NULL,
			lease_expires_at = NULL, next_retry_at = NULL, updated_at = ?
		WHERE mission_id = ?`),
		models.MissionFailed, errorMeta, now, m.MissionID)
	if err != nil {
		return fmt.Errorf("failed to finalize mission: %w", err)
	}
	return nil
}

// ReclaimExpired converts every RUNNING mission whose lease has lapsed into
// a retryable failure with error "lease expired" (still subject to
// maxAttempts). Idempotent; safe to run from multiple kernels.
func (s *MissionService) ReclaimExpired(ctx context.Context) (int, error) {
	now := s.now()
	reclaimed := 0
	err := database.WithTx(ctx, s.db(), func(tx *sqlx.Tx) error {
		query := `SELECT ` + missionColumns + ` FROM missions
			WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
			ORDER BY lease_expires_at ASC LIMIT 100`
		if s.client.SupportsRowLocking() {
			query += " FOR UPDATE SKIP LOCKED"
		}
		var expired []models.Mission
		if err := sqlx.SelectContext(ctx, tx, &expired, tx.Rebind(query), models.MissionRunning, now); err != nil {
			return fmt.Errorf("failed to query expired leases: %w", err)
		}
		for i := range expired {
			m := &expired[i]
			if err := s.failLocked(ctx, tx, m, "lease expired", "", true); err != nil {
				return err
			}
			slog.Warn("Reclaimed expired mission lease",
				"mission_id", m.MissionID, "attempts", m.Attempts, "claimed_by", derefString(m.ClaimedBy))
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reclaimed, nil
}

// Get fetches one mission by id.
func (s *MissionService) Get(ctx context.Context, missionID string) (*models.Mission, error) {
	return getMission(ctx, s.db(), missionID)
}

// List returns missions matching the filters, newest first.
func (s *MissionService) List(ctx context.Context, filters models.MissionFilters) ([]*models.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions`
	var clauses []string
	var args []any
	if filters.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, strings.ToUpper(filters.Status))
	}
	if filters.Goal != "" {
		clauses = append(clauses, "goal = ?")
		args = append(args, filters.Goal)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filters.Offset)

	var missions []*models.Mission
	if err := sqlx.SelectContext(ctx, s.db(), &missions, s.db().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	return missions, nil
}

// Counts returns the number of missions per status.
func (s *MissionService) Counts(ctx context.Context) (map[models.MissionStatus]int, error) {
	rows := []struct {
		Status models.MissionStatus `db:"status"`
		N      int                  `db:"n"`
	}{}
	if err := sqlx.SelectContext(ctx, s.db(), &rows,
		`SELECT status, COUNT(*) AS n FROM missions GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count missions: %w", err)
	}
	counts := make(map[models.MissionStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// checkLeaseResult maps a zero-row guarded update to ErrNotFound or
// ErrStaleLease depending on whether the mission exists at all.
func (s *MissionService) checkLeaseResult(ctx context.Context, res sql.Result, missionID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if rows == 1 {
		return nil
	}
	return s.staleOrNotFound(ctx, missionID)
}

func (s *MissionService) staleOrNotFound(ctx context.Context, missionID string) error {
	var exists int
	err := s.db().GetContext(ctx, &exists,
		s.db().Rebind(`SELECT 1 FROM missions WHERE mission_id = ?`), missionID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check mission existence: %w", err)
	}
	return ErrStaleLease
}

func getMission(ctx context.Context, ext sqlx.ExtContext, missionID string) (*models.Mission, error) {
	var m models.Mission
	query := ext.Rebind(`SELECT ` + missionColumns + ` FROM missions WHERE mission_id = ?`)
	err := sqlx.GetContext(ctx, ext, &m, query, missionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mission: %w", err)
	}
	return &m, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
