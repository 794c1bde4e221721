// Package engine defines the boundary to the native inference engine. The
// engine holds at most one model; all tensor work happens behind this
// interface.
package engine

import (
	"context"
	"errors"
)

// Config is the immutable per-attempt load configuration.
type Config struct {
	ModelPath         string `json:"model_path"`
	Threads           int    `json:"threads"`
	ContextLength     int    `json:"context_length"`
	AcceleratorLayers int    `json:"accelerator_layers"`
	UseAccelerator    bool   `json:"use_accelerator"`
}

// Normalized applies the engine's own floors: at least one thread, a context
// of at least 512 tokens, and zero layers when acceleration is disabled.
func (c Config) Normalized() Config {
	if c.Threads < 1 {
		c.Threads = 1
	}
	if c.ContextLength < MinContextLength {
		c.ContextLength = MinContextLength
	}
	if !c.UseAccelerator || c.AcceleratorLayers < 0 {
		c.AcceleratorLayers = 0
	}
	return c
}

// MinContextLength is the smallest context the engine will create.
const MinContextLength = 512

// Params are sampling parameters for one generation.
type Params struct {
	SystemPrompt string
	Temperature  float32
	TopP         float32
	TopK         int
	MaxTokens    int
	Stop         []string
}

// DefaultParams mirrors the engine defaults.
func DefaultParams() Params {
	return Params{Temperature: 0.8, TopP: 0.9, TopK: 40, MaxTokens: 512}
}

// TokenCallback receives generated text pieces. The final invocation has
// done set; it is always delivered, including after errors and aborts.
type TokenCallback func(text string, done bool)

// Engine is the native engine surface consumed by the runtime.
type Engine interface {
	// Load unloads any current model and loads cfg. A nil error means the
	// model is resident.
	Load(ctx context.Context, cfg Config) error
	Unload()
	// GenerateStream blocks until generation finishes, invoking cb on the
	// calling goroutine.
	GenerateStream(ctx context.Context, prompt string, p Params, cb TokenCallback) error
	CaptureState() ([]byte, error)
	RestoreState(state []byte) bool
	// CurrentModelMeta returns the metadata JSON of the resident model, or
	// false when nothing is loaded.
	CurrentModelMeta() ([]byte, bool)
	Metrics() ([]byte, error)
	CountTokens(text string) int
	// Abort asks an in-flight load or generation to stop. Safe from any
	// goroutine.
	Abort()
	// DetectModel reads metadata JSON from a model file without loading it.
	// Returns "{}" when the file cannot be parsed.
	DetectModel(path string) []byte
}

var (
	// ErrNotLoaded is returned by operations that need a resident model.
	ErrNotLoaded = errors.New("engine: no model loaded")
	// ErrAborted is returned when Abort interrupted an operation.
	ErrAborted = errors.New("engine: aborted")
)

// unavailableError signals that the engine runtime is not compiled in.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

// Unavailable returns an error that IsUnavailable recognizes.
func Unavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates a missing native runtime.
func IsUnavailable(err error) bool {
	var ue unavailableError
	return errors.As(err, &ue)
}
