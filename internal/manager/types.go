package manager

import (
	"time"

	"peerd/internal/engine"
	"peerd/internal/health"
	"peerd/internal/manifest"
)

// State represents the lifecycle state of the runtime.
type State string

const (
	StateIdle     State = "idle"
	StateLoading  State = "loading"
	StateReady    State = "ready"
	StateDraining State = "draining"
	StateError    State = "error"
)

// Stage is a step of the load state machine.
type Stage string

const (
	StageValidating     Stage = "validating"
	StagePreloadCheck   Stage = "preload_check"
	StageLoading        Stage = "loading"
	StageHealthChecking Stage = "health_checking"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
	StageCancelled      Stage = "cancelled"
)

// Outcome is the terminal result of a load. Cancellation is distinct from
// failure.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Reason labels a ladder step.
type Reason string

const (
	ReasonOptimized   Reason = "optimized"
	ReasonReduced     Reason = "reduced"
	ReasonCPUFallback Reason = "cpu-fallback"
	ReasonRecovery    Reason = "recovery"
)

// LoadAttempt is one immutable ladder step.
type LoadAttempt struct {
	Config engine.Config
	Reason Reason
}

// LoadRequest selects a model and optional overrides.
type LoadRequest struct {
	// Path of the model file. Empty selects the default manifest.
	Path          string
	ContextLength int
	Threads       int
	// AcceleratorLayers caps the recommendation when set; it never raises
	// it.
	AcceleratorLayers *int
}

// Result describes a finished load.
type Result struct {
	OperationID string
	Outcome     Outcome
	Manifest    manifest.Manifest
	Attempt     LoadAttempt
	Health      health.Result
	Duration    time.Duration
}

// Progress is one load progress event.
type Progress struct {
	OperationID string
	Stage       Stage
	Progress    float64
	Message     string
	Cancellable bool
	Time        time.Time
}

// RecoveryReport is passed to the recovery callback after a recovery pass.
type RecoveryReport struct {
	OperationID string
	Path        string
	Config      engine.Config
	Recovered   bool
	Health      health.Result
	Err         error
}

// ModelInfo is a minimal view of the current model.
type ModelInfo struct {
	Manifest manifest.Manifest
	Config   engine.Config
	Attempt  Reason
	LoadedAt time.Time
}

// Snapshot is a read-only projection of the manager state.
type Snapshot struct {
	State        State
	CurrentModel *ModelInfo
	Err          string
}
