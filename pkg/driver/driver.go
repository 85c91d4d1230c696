// Package driver abstracts the roaster hardware boundary. The control
// plane only ever speaks to machines through this interface; protocol
// details live in concrete drivers.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/emberworks/fabric/pkg/models"
)

// ErrDriverNotFound is returned when no driver is registered for a machine.
var ErrDriverNotFound = errors.New("driver not found")

// ErrUnsupportedOperation marks a command the driver declines to execute.
// The proposal service maps it to a FAILED proposal with code
// UNSUPPORTED_OPERATION.
var ErrUnsupportedOperation = errors.New("unsupported operation")

// CommandStatus is the driver's verdict on a written command.
type CommandStatus string

const (
	CommandAccepted  CommandStatus = "ACCEPTED"
	CommandCompleted CommandStatus = "COMPLETED"
	CommandAborted   CommandStatus = "ABORTED"
	CommandFailed    CommandStatus = "FAILED"
	CommandRejected  CommandStatus = "REJECTED"
)

// CommandResult reports the outcome of WriteCommand or AbortCommand.
type CommandResult struct {
	Status  CommandStatus  `json:"status"`
	Message string         `json:"message,omitempty"`
	Data    models.JSONMap `json:"data,omitempty"`
}

// TelemetryPoint is one hardware reading. The core treats the payload as
// opaque; only the session identity matters to mission plumbing.
type TelemetryPoint struct {
	MachineID string         `json:"machineId"`
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Readings  models.JSONMap `json:"readings"`
}

// Driver is the hardware boundary: connect, read telemetry, write and
// abort commands. Implementations must honor ctx on every call.
type Driver interface {
	Connect(ctx context.Context) error
	ReadTelemetry(ctx context.Context) (*TelemetryPoint, error)
	WriteCommand(ctx context.Context, cmd models.RoasterCommand) (*CommandResult, error)
	AbortCommand(ctx context.Context, commandID string) (*CommandResult, error)
	Close() error
}

// Registry maps machine ids to drivers. It is built from configuration at
// startup and immutable afterwards.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry copies the machine → driver table.
func NewRegistry(drivers map[string]Driver) *Registry {
	copied := make(map[string]Driver, len(drivers))
	for id, d := range drivers {
		copied[id] = d
	}
	return &Registry{drivers: copied}
}

// Resolve returns the driver for machineID or ErrDriverNotFound.
func (r *Registry) Resolve(machineID string) (Driver, error) {
	d, ok := r.drivers[machineID]
	if !ok {
		return nil, ErrDriverNotFound
	}
	return d, nil
}

// MachineIDs lists the registered machines, for status surfaces.
func (r *Registry) MachineIDs() []string {
	ids := make([]string, 0, len(r.drivers))
	for id := range r.drivers {
		ids = append(ids, id)
	}
	return ids
}

// Close closes every registered driver, returning the first error.
func (r *Registry) Close() error {
	var firstErr error
	for _, d := range r.drivers {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
