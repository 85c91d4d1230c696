package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emberworks/fabric/pkg/models"
)

// simSupportedCommands is what the simulated roaster knows how to execute.
// Everything else is declined with ErrUnsupportedOperation, exercising the
// proposal service's UNSUPPORTED_OPERATION path.
var simSupportedCommands = map[string]struct{}{
	"SET_POWER":          {},
	"SET_FAN":            {},
	"SET_DRUM":           {},
	"SET_AIRFLOW":        {},
	"PREHEAT":            {},
	"COOLING_CYCLE":      {},
	"EMERGENCY_SHUTDOWN": {},
	"ABORT":              {},
}

// SimDriver is a deterministic in-memory roaster used in development and
// tests. Written commands complete immediately; telemetry follows a simple
// first-order temperature model toward the last power setting.
type SimDriver struct {
	machineID string

	mu        sync.Mutex
	connected bool
	bedTemp   float64
	power     float64
	active    map[string]models.RoasterCommand
}

// NewSimDriver creates a simulated roaster for machineID.
func NewSimDriver(machineID string) *SimDriver {
	return &SimDriver{
		machineID: machineID,
		bedTemp:   20.0,
		active:    make(map[string]models.RoasterCommand),
	}
}

// Connect implements Driver.
func (d *SimDriver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

// ReadTelemetry implements Driver.
func (d *SimDriver) ReadTelemetry(ctx context.Context) (*TelemetryPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return nil, fmt.Errorf("machine %s is not connected", d.machineID)
	}
	// Drift one step toward the power-implied setpoint.
	setpoint := 20.0 + d.power*2.2
	d.bedTemp += (setpoint - d.bedTemp) * 0.1
	return &TelemetryPoint{
		MachineID: d.machineID,
		Timestamp: time.Now().UTC(),
		Readings: models.JSONMap{
			"bedTempC": d.bedTemp,
			"powerPct": d.power,
		},
	}, nil
}

// WriteCommand implements Driver.
func (d *SimDriver) WriteCommand(ctx context.Context, cmd models.RoasterCommand) (*CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := simSupportedCommands[cmd.CommandType]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedOperation, cmd.CommandType)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return &CommandResult{Status: CommandRejected, Message: "machine not connected"}, nil
	}
	if cmd.CommandType == "SET_POWER" && cmd.TargetValue != nil {
		if *cmd.TargetValue < 0 || *cmd.TargetValue > 100 {
			return &CommandResult{
				Status:  CommandRejected,
				Message: fmt.Sprintf("power %.1f outside [0,100]", *cmd.TargetValue),
			}, nil
		}
		d.power = *cmd.TargetValue
	}
	d.active[cmd.CommandID] = cmd
	return &CommandResult{
		Status:  CommandCompleted,
		Message: fmt.Sprintf("%s applied", cmd.CommandType),
		Data:    models.JSONMap{"machineId": d.machineID},
	}, nil
}

// AbortCommand implements Driver.
func (d *SimDriver) AbortCommand(ctx context.Context, commandID string) (*CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.active[commandID]; !ok {
		return &CommandResult{Status: CommandFailed, Message: "no such active command"}, nil
	}
	delete(d.active, commandID)
	return &CommandResult{Status: CommandAborted, Message: "command aborted"}, nil
}

// Close implements Driver.
func (d *SimDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}
