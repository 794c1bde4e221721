package manager

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"peerd/internal/health"
)

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ what string }

func (e tooBusyError) Error() string { return "too busy: " + e.what }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

// loadBusyError rejects a Load while another orchestration runs.
type loadBusyError struct{}

func (loadBusyError) Error() string { return "load already in progress" }

// ErrLoadInProgress is returned by Load and Unload while a load runs.
var ErrLoadInProgress error = loadBusyError{}

// IsLoadInProgress reports whether err rejected a concurrent load (409).
func IsLoadInProgress(err error) bool {
	var e loadBusyError
	return errors.As(err, &e)
}

// ErrModelNotFound returns an error when a requested model is not in the catalog.
type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// modelInUseError rejects catalog changes to the resident model.
type modelInUseError struct{ path string }

func (e modelInUseError) Error() string { return "model is loaded: " + e.path }

// IsModelInUse reports whether err refused to touch the resident model (409).
func IsModelInUse(err error) bool {
	var e modelInUseError
	return errors.As(err, &e)
}

// noModelError is returned by generation when nothing is loaded.
type noModelError struct{}

func (noModelError) Error() string { return "no model loaded" }

// IsNoModelLoaded reports whether err was caused by an empty engine.
func IsNoModelLoaded(err error) bool {
	var e noModelError
	return errors.As(err, &e)
}

// dependencyUnavailableError signals a missing native runtime so the HTTP
// layer can return 503 instead of 500.
type dependencyUnavailableError struct{ msg string }

func (e dependencyUnavailableError) Error() string { return e.msg }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

// IsDependencyUnavailable reports whether err indicates a missing runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

// ValidationError rejects a model file before any load attempt.
type ValidationError struct {
	Path   string
	Reason string
	// Corrupt is set when Reason names a corruption symptom.
	Corrupt bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Path, e.Reason)
}

// IsValidation reports whether err is a ValidationError (400).
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// AttemptFailure records one failed try of a ladder step.
type AttemptFailure struct {
	Index  int
	Reason Reason
	Try    int
	Layers int
	Err    error
}

func (f AttemptFailure) String() string {
	return fmt.Sprintf("%s (%d layers) try %d: %v", f.Reason, f.Layers, f.Try, f.Err)
}

// LoadError reports an exhausted ladder. Failures holds every try in order.
type LoadError struct {
	Path     string
	Failures []AttemptFailure
	// Corrupt is set when a failure short-circuited the ladder.
	Corrupt bool
}

func (e *LoadError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return fmt.Sprintf("load failed for %s: %s", e.Path, strings.Join(parts, "; "))
}

func (e *LoadError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Err)
	}
	return out
}

// IsLoadFailure reports whether err is a LoadError.
func IsLoadFailure(err error) bool {
	var e *LoadError
	return errors.As(err, &e)
}

// ManifestMissingError reports that no manifest could be found or created
// for a loaded model.
type ManifestMissingError struct {
	Path string
	Err  error
}

func (e *ManifestMissingError) Error() string {
	return fmt.Sprintf("manifest missing for %s: %v", e.Path, e.Err)
}

func (e *ManifestMissingError) Unwrap() error { return e.Err }

// IsManifestMissing reports whether err is a ManifestMissingError.
func IsManifestMissing(err error) bool {
	var e *ManifestMissingError
	return errors.As(err, &e)
}

// HealthCheckError reports that the model failed its health check and the
// recovery pass could not bring it back.
type HealthCheckError struct {
	Path   string
	Health health.Result
	Err    error
}

func (e *HealthCheckError) Error() string {
	msg := fmt.Sprintf("health check failed for %s: %s", e.Path, e.Health.Summary())
	if e.Err != nil {
		msg += "; recovery: " + e.Err.Error()
	}
	return msg
}

func (e *HealthCheckError) Unwrap() error { return e.Err }

// IsHealthCheckFailure reports whether err is a HealthCheckError.
func IsHealthCheckFailure(err error) bool {
	var e *HealthCheckError
	return errors.As(err, &e)
}

// TimeoutError reports that the global load deadline passed.
type TimeoutError struct {
	Path  string
	Stage Stage
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: load of %s exceeded %s during %s", e.Path, e.After, e.Stage)
}

// IsTimeout reports whether err is a TimeoutError (504).
func IsTimeout(err error) bool {
	var e *TimeoutError
	return errors.As(err, &e)
}

// CancellationError reports a caller-initiated cancel.
type CancellationError struct {
	Path  string
	Stage Stage
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("cancelled: load of %s during %s", e.Path, e.Stage)
}

// IsCancelled reports whether err is a CancellationError (499).
func IsCancelled(err error) bool {
	var e *CancellationError
	return errors.As(err, &e)
}
