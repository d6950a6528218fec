package startup

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Phase is one ordered step of the startup sequence.
type Phase string

const (
	PhaseConfigurationLoad    Phase = "CONFIGURATION_LOAD"
	PhaseDependencyValidation Phase = "DEPENDENCY_VALIDATION"
	PhaseRepositoryPreload    Phase = "REPOSITORY_PRELOAD"
	PhaseDatabaseConnection   Phase = "DATABASE_CONNECTION"
	PhaseHealthChecks         Phase = "HEALTH_CHECKS"
	PhaseFinalization         Phase = "FINALIZATION"
)

// Phases returns the startup sequence in execution order. Cheap validation
// runs first; network-bound phases, where retries pay off, run last.
func Phases() []Phase {
	return []Phase{
		PhaseConfigurationLoad,
		PhaseDependencyValidation,
		PhaseRepositoryPreload,
		PhaseDatabaseConnection,
		PhaseHealthChecks,
		PhaseFinalization,
	}
}

// Retryable reports whether failures of p may be retried. Bad configuration
// and broken wiring cannot be retried into correctness.
func (p Phase) Retryable() bool {
	return p != PhaseConfigurationLoad && p != PhaseDependencyValidation
}

// Recoverable reports whether p accepts a recovery handler.
func (p Phase) Recoverable() bool {
	return p == PhaseDatabaseConnection || p == PhaseHealthChecks
}

func (p Phase) spanName() string {
	return "startup." + strings.ToLower(string(p))
}

// Handler runs a phase. Warnings are attached to the phase result.
type Handler func(ctx context.Context) (warnings []string, err error)

// RecoveryHandler is invoked with the final error once a phase has
// exhausted its retries. Success puts the process in degraded mode.
type RecoveryHandler func(ctx context.Context, cause error) (warnings []string, err error)

// CleanupFunc releases resources acquired during startup.
type CleanupFunc func(ctx context.Context) error

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Phase      Phase         `json:"phase"`
	Success    bool          `json:"success"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
	Error      string        `json:"error,omitempty"`
	Warnings   []string      `json:"warnings,omitempty"`
	RetryCount int           `json:"retry_count"`
	Recovered  bool          `json:"recovered"`
}

func (r PhaseResult) outcome() string {
	switch {
	case r.Recovered:
		return "recovered"
	case r.Success:
		return "success"
	default:
		return "failed"
	}
}

// StartupError reports the phase that aborted startup.
type StartupError struct {
	Phase    Phase
	Cause    error
	Progress Progress
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed in phase %s: %v", e.Phase, e.Cause)
}

func (e *StartupError) Unwrap() error {
	return e.Cause
}
