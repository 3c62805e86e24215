package module

import (
	"context"
	"time"

	"github.com/chreez/skelly-jelly-sub001/config"
	"github.com/chreez/skelly-jelly-sub001/errors"
	"github.com/chreez/skelly-jelly-sub001/health"
	"github.com/chreez/skelly-jelly-sub001/message"
)

// StartupPhase groups modules for the startup sequencer.
type StartupPhase int

const (
	// PhaseCore modules start sequentially before everything else.
	PhaseCore StartupPhase = iota
	// PhaseServices modules start with bounded parallelism, gated on
	// their dependencies.
	PhaseServices
	// PhaseUI modules start fully parallel, last.
	PhaseUI
)

// String returns the phase name.
func (p StartupPhase) String() string {
	switch p {
	case PhaseCore:
		return "core"
	case PhaseServices:
		return "services"
	case PhaseUI:
		return "ui"
	default:
		return "unknown"
	}
}

// Runner is what a module implementation provides to the lifecycle
// controller. Initialize sets up resources without a context; Start
// receives the module's own cancellable context; Stop is bounded by a
// timeout.
type Runner interface {
	Initialize() error
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Health() health.Status
}

// Descriptor registers a module with the orchestrator: identity,
// startup dependencies, resource budget, and the runner that
// implements it. Read-only after registration.
type Descriptor struct {
	ID           message.ModuleID
	Version      string
	Phase        StartupPhase
	Dependencies []message.ModuleID
	Budget       config.ResourceLimits
	Runner       Runner
}

// Validate checks the descriptor before registration.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Descriptor", "Validate",
			"module id is required")
	}
	if d.Runner == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Descriptor", "Validate",
			"module runner is required")
	}
	for _, dep := range d.Dependencies {
		if dep == d.ID {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Descriptor", "Validate",
				"module cannot depend on itself")
		}
	}
	return nil
}
