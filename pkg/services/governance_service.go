package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/emberworks/fabric/pkg/database"
	"github.com/emberworks/fabric/pkg/models"
)

const governanceColumns = `current_phase, phase_start_date, command_whitelist,
	paused_command_types, last_report_date, last_expansion_date, updated_at`

// GovernanceService owns the singleton governance row. The proposal service
// reads it at admission time; the governor writes demotions and expansions.
// Concurrent writers use last-write-wins on updated_at; the circuit
// breaker's demotion wins races by writing inside the transaction that
// recorded its trigger event.
type GovernanceService struct {
	client *database.Client
	now    func() time.Time
}

// NewGovernanceService creates a GovernanceService.
func NewGovernanceService(client *database.Client) *GovernanceService {
	if client == nil {
		panic("NewGovernanceService: client must not be nil")
	}
	return &GovernanceService{
		client: client,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// GetState returns the singleton governance record.
func (s *GovernanceService) GetState(ctx context.Context) (*models.GovernanceState, error) {
	return getGovernanceState(ctx, s.client.DB())
}

func getGovernanceState(ctx context.Context, ext sqlx.ExtContext) (*models.GovernanceState, error) {
	var state models.GovernanceState
	query := ext.Rebind(`SELECT ` + governanceColumns + ` FROM governance_state WHERE id = 1`)
	if err := sqlx.GetContext(ctx, ext, &state, query); err != nil {
		return nil, fmt.Errorf("failed to load governance state: %w", err)
	}
	return &state, nil
}

// Demote reverts autonomy to L3: phase start reset to now, whitelist
// cleared. Paused command types are left in place; resolving the breaker
// events that introduced them clears those separately.
func (s *GovernanceService) Demote(ctx context.Context) error {
	return database.WithTx(ctx, s.client.DB(), func(tx *sqlx.Tx) error {
		return demoteTx(ctx, tx, s.now())
	})
}

func demoteTx(ctx context.Context, tx *sqlx.Tx, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE governance_state SET current_phase = ?, phase_start_date = ?,
			command_whitelist = ?, updated_at = ?
		WHERE id = 1`),
		models.PhaseL3, now, models.StringList{}, now)
	if err != nil {
		return fmt.Errorf("failed to demote governance state: %w", err)
	}
	return nil
}

// ApplyExpansion advances the phase and appends the expansion's commands to
// the whitelist. Returns ErrInvalidTransition when the stored phase no
// longer matches the expansion's starting phase.
func (s *GovernanceService) ApplyExpansion(ctx context.Context, expansion models.ScopeExpansion) error {
	now := s.now()
	return database.WithTx(ctx, s.client.DB(), func(tx *sqlx.Tx) error {
		state, err := getGovernanceState(ctx, tx)
		if err != nil {
			return err
		}
		if state.CurrentPhase != expansion.CurrentPhase {
			return fmt.Errorf("%w: expansion starts at %s but state is %s",
				ErrInvalidTransition, expansion.CurrentPhase, state.CurrentPhase)
		}
		whitelist := state.CommandWhitelist
		for _, cmd := range expansion.CommandsToWhitelist {
			if !whitelist.Contains(cmd) {
				whitelist = append(whitelist, cmd)
			}
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			UPDATE governance_state SET current_phase = ?, phase_start_date = ?,
				command_whitelist = ?, last_expansion_date = ?, updated_at = ?
			WHERE id = 1`),
			expansion.TargetPhase, now, whitelist, now, now)
		if err != nil {
			return fmt.Errorf("failed to apply expansion: %w", err)
		}
		return nil
	})
}

// SetLastReportDate records when the governor last produced a report cycle.
func (s *GovernanceService) SetLastReportDate(ctx context.Context, at time.Time) error {
	db := s.client.DB()
	_, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE governance_state SET last_report_date = ?, updated_at = ? WHERE id = 1`),
		at, s.now())
	if err != nil {
		return fmt.Errorf("failed to set last report date: %w", err)
	}
	return nil
}

func pauseCommandTypeTx(ctx context.Context, tx *sqlx.Tx, commandType string, now time.Time) error {
	state, err := getGovernanceState(ctx, tx)
	if err != nil {
		return err
	}
	if commandType == "" {
		commandType = models.PauseAllCommands
	}
	if state.PausedCommandTypes.Contains(commandType) {
		return nil
	}
	paused := append(state.PausedCommandTypes, commandType)
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE governance_state SET paused_command_types = ?, updated_at = ? WHERE id = 1`),
		paused, now)
	if err != nil {
		return fmt.Errorf("failed to pause command type: %w", err)
	}
	return nil
}

func unpauseCommandTypeTx(ctx context.Context, tx *sqlx.Tx, commandType string, now time.Time) error {
	state, err := getGovernanceState(ctx, tx)
	if err != nil {
		return err
	}
	if commandType == "" {
		commandType = models.PauseAllCommands
	}
	var paused models.StringList
	for _, v := range state.PausedCommandTypes {
		if v != commandType {
			paused = append(paused, v)
		}
	}
	if len(paused) == len(state.PausedCommandTypes) {
		return nil
	}
	if paused == nil {
		paused = models.StringList{}
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE governance_state SET paused_command_types = ?, updated_at = ? WHERE id = 1`),
		paused, now)
	if err != nil {
		return fmt.Errorf("failed to unpause command type: %w", err)
	}
	return nil
}
