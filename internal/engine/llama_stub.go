//go:build !llama

package engine

// This file provides a no-CGO stub for the llama engine. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.

import (
	"context"

	"github.com/rs/zerolog"
)

const llamaBuilt = false

var errNotBuilt = unavailableError{msg: "llama support not built (missing 'llama' build tag)"}

// stubEngine refuses every operation that needs the native runtime. Model
// detection still works since it is pure Go.
type stubEngine struct{ log zerolog.Logger }

// NewLlama returns the stub engine in builds without the 'llama' tag.
func NewLlama(log zerolog.Logger) Engine { return stubEngine{log: log} }

func (stubEngine) Load(ctx context.Context, cfg Config) error { return errNotBuilt }
func (stubEngine) Unload()                                    {}
func (stubEngine) GenerateStream(ctx context.Context, prompt string, p Params, cb TokenCallback) error {
	if cb != nil {
		cb("", true)
	}
	return errNotBuilt
}
func (stubEngine) CaptureState() ([]byte, error)    { return nil, errNotBuilt }
func (stubEngine) RestoreState([]byte) bool         { return false }
func (stubEngine) CurrentModelMeta() ([]byte, bool) { return nil, false }
func (stubEngine) Metrics() ([]byte, error)         { return Metrics{StopReason: StopNone}.Encode(), nil }
func (stubEngine) CountTokens(string) int           { return 0 }
func (stubEngine) Abort()                           {}
func (stubEngine) DetectModel(path string) []byte   { return detectModel(path) }
