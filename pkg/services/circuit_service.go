package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/emberworks/fabric/pkg/database"
	"github.com/emberworks/fabric/pkg/models"
)

const circuitRuleColumns = `name, enabled, condition, time_window, action, alert_severity,
	command_type, updated_at`

const circuitEventColumns = `id, timestamp, rule_name, window_key, metrics_snapshot, action,
	details, resolved`

// CircuitService stores breaker rules and trigger events. Trigger writes
// are guarded by a (rule, window) uniqueness constraint so concurrent
// checkers produce exactly one event per rule per evaluation window, and
// the triggered action is applied in the same transaction that recorded
// the event.
type CircuitService struct {
	client *database.Client
	now    func() time.Time
}

// NewCircuitService creates a CircuitService.
func NewCircuitService(client *database.Client) *CircuitService {
	if client == nil {
		panic("NewCircuitService: client must not be nil")
	}
	return &CircuitService{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// UpsertRules writes configured rules, replacing existing definitions by
// name. Called at kernel startup with rules from the YAML config.
func (s *CircuitService) UpsertRules(ctx context.Context, rules []models.CircuitRule) error {
	now := s.now()
	return database.WithTx(ctx, s.client.DB(), func(tx *sqlx.Tx) error {
		for i := range rules {
			r := rules[i]
			if r.Name == "" {
				return NewValidationError("name", "rule name is required")
			}
			if !r.Action.Valid() {
				return NewValidationError("action", fmt.Sprintf("unknown action %q for rule %q", r.Action, r.Name))
			}
			r.UpdatedAt = now
			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE circuit_rules SET enabled = ?, condition = ?, time_window = ?,
					action = ?, alert_severity = ?, command_type = ?, updated_at = ?
				WHERE name = ?`),
				r.Enabled, r.Condition, r.Window, r.Action, r.AlertSeverity,
				r.CommandType, r.UpdatedAt, r.Name)
			if err != nil {
				return fmt.Errorf("failed to update rule %q: %w", r.Name, err)
			}
			rows, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read rule update result: %w", err)
			}
			if rows == 0 {
				_, err = tx.NamedExecContext(ctx, `
					INSERT INTO circuit_rules (name, enabled, condition, time_window, action,
						alert_severity, command_type, updated_at)
					VALUES (:name, :enabled, :condition, :time_window, :action,
						:alert_severity, :command_type, :updated_at)`, r)
				if err != nil {
					return fmt.Errorf("failed to insert rule %q: %w", r.Name, err)
				}
			}
		}
		return nil
	})
}

// ListRules returns every stored rule ordered by name.
func (s *CircuitService) ListRules(ctx context.Context) ([]models.CircuitRule, error) {
	db := s.client.DB()
	var rules []models.CircuitRule
	if err := sqlx.SelectContext(ctx, db, &rules,
		`SELECT `+circuitRuleColumns+` FROM circuit_rules ORDER BY name`); err != nil {
		return nil, fmt.Errorf("failed to list circuit rules: %w", err)
	}
	return rules, nil
}

// EnabledRules returns the rules the breaker evaluates each tick.
func (s *CircuitService) EnabledRules(ctx context.Context) ([]models.CircuitRule, error) {
	db := s.client.DB()
	var rules []models.CircuitRule
	query := db.Rebind(`SELECT ` + circuitRuleColumns + ` FROM circuit_rules
		WHERE enabled = ? ORDER BY name`)
	if err := sqlx.SelectContext(ctx, db, &rules, query, true); err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}
	return rules, nil
}

// SetRuleEnabled toggles one rule by name.
func (s *CircuitService) SetRuleEnabled(ctx context.Context, name string, enabled bool) (*models.CircuitRule, error) {
	if name == "" {
		return nil, NewValidationError("name", "rule name is required")
	}
	db := s.client.DB()
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE circuit_rules SET enabled = ?, updated_at = ? WHERE name = ?`),
		enabled, s.now(), name)
	if err != nil {
		return nil, fmt.Errorf("failed to toggle rule: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read toggle result: %w", err)
	}
	if rows == 0 {
		return nil, ErrNotFound
	}
	var rule models.CircuitRule
	err = sqlx.GetContext(ctx, db, &rule,
		db.Rebind(`SELECT `+circuitRuleColumns+` FROM circuit_rules WHERE name = ?`), name)
	if err != nil {
		return nil, fmt.Errorf("failed to re-read rule: %w", err)
	}
	return &rule, nil
}

// Trigger records a breaker event for (rule, windowKey) and applies the
// rule's governance action in the same transaction. Returns false without
// acting when another checker already recorded the event for this window.
func (s *CircuitService) Trigger(ctx context.Context, rule models.CircuitRule, windowKey string, snapshot models.AutonomyMetrics, details string) (bool, error) {
	now := s.now()
	triggered := false
	err := database.WithTx(ctx, s.client.DB(), func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, insertEventQuery(tx, s.client.Dialect()),
			now, rule.Name, windowKey, snapshot, rule.Action, details, false)
		if err != nil {
			// A concurrent checker can still race the insert on dialects
			// without conflict-target support; treat it as suppressed.
			if database.IsUniqueViolation(err) {
				return nil
			}
			return fmt.Errorf("failed to record circuit event: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read event insert result: %w", err)
		}
		if rows == 0 {
			return nil
		}
		triggered = true

		switch rule.Action {
		case models.ActionRevertToL3:
			return demoteTx(ctx, tx, now)
		case models.ActionPauseCommandType:
			return pauseCommandTypeTx(ctx, tx, rule.CommandType, now)
		case models.ActionAlertOnly:
			return nil
		default:
			return fmt.Errorf("unknown circuit action %q", rule.Action)
		}
	})
	if err != nil {
		return false, err
	}
	return triggered, nil
}

// insertEventQuery builds the once-per-window guarded insert for the
// dialect: INSERT OR IGNORE on SQLite, ON CONFLICT DO NOTHING on Postgres.
func insertEventQuery(tx *sqlx.Tx, dialect database.Dialect) string {
	verb := "INSERT"
	suffix := " ON CONFLICT (rule_name, window_key) DO NOTHING"
	if dialect == database.DialectSQLite {
		verb = "INSERT OR IGNORE"
		suffix = ""
	}
	return tx.Rebind(verb + ` INTO circuit_events (timestamp, rule_name, window_key,
		metrics_snapshot, action, details, resolved) VALUES (?, ?, ?, ?, ?, ?, ?)` + suffix)
}

// ListEvents returns events, optionally filtered by resolution state,
// newest first.
func (s *CircuitService) ListEvents(ctx context.Context, resolved *bool, limit int) ([]models.CircuitEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	db := s.client.DB()
	query := `SELECT ` + circuitEventColumns + ` FROM circuit_events`
	var args []any
	if resolved != nil {
		query += ` WHERE resolved = ?`
		args = append(args, *resolved)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	var events []models.CircuitEvent
	if err := sqlx.SelectContext(ctx, db, &events, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list circuit events: %w", err)
	}
	return events, nil
}

// UnresolvedCount returns how many trigger events await operator resolution.
func (s *CircuitService) UnresolvedCount(ctx context.Context) (int, error) {
	db := s.client.DB()
	var n int
	err := db.GetContext(ctx, &n,
		db.Rebind(`SELECT COUNT(*) FROM circuit_events WHERE resolved = ?`), false)
	if err != nil {
		return 0, fmt.Errorf("failed to count unresolved events: %w", err)
	}
	return n, nil
}

// ResolveEvent marks an event resolved and lifts the command pause its rule
// introduced, when the rule's action was pause_command_type.
func (s *CircuitService) ResolveEvent(ctx context.Context, id int64) (*models.CircuitEvent, error) {
	now := s.now()
	var resolvedEvent *models.CircuitEvent
	err := database.WithTx(ctx, s.client.DB(), func(tx *sqlx.Tx) error {
		var ev models.CircuitEvent
		err := sqlx.GetContext(ctx, tx, &ev,
			tx.Rebind(`SELECT `+circuitEventColumns+` FROM circuit_events WHERE id = ?`), id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load circuit event: %w", err)
		}
		if ev.Resolved {
			resolvedEvent = &ev
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			tx.Rebind(`UPDATE circuit_events SET resolved = ? WHERE id = ?`), true, id); err != nil {
			return fmt.Errorf("failed to resolve circuit event: %w", err)
		}

		if ev.Action == models.ActionPauseCommandType {
			var rule models.CircuitRule
			err := sqlx.GetContext(ctx, tx, &rule,
				tx.Rebind(`SELECT `+circuitRuleColumns+` FROM circuit_rules WHERE name = ?`), ev.Rule)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to load rule for resolution: %w", err)
			}
			commandType := ""
			if err == nil {
				commandType = rule.CommandType
			}
			if err := unpauseCommandTypeTx(ctx, tx, commandType, now); err != nil {
				return err
			}
		}

		ev.Resolved = true
		resolvedEvent = &ev
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolvedEvent, nil
}

// EventsInWindow returns events with timestamps inside [start, end], used
// by the metrics collector to derive incident counts.
func (s *CircuitService) EventsInWindow(ctx context.Context, start, end time.Time) ([]models.CircuitEvent, error) {
	db := s.client.DB()
	var events []models.CircuitEvent
	query := db.Rebind(`SELECT ` + circuitEventColumns + ` FROM circuit_events
		WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC`)
	if err := sqlx.SelectContext(ctx, db, &events, query, start, end); err != nil {
		return nil, fmt.Errorf("failed to query events in window: %w", err)
	}
	return events, nil
}
