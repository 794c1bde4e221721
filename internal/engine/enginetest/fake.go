// Package enginetest provides a scripted engine and model file fixtures for
// tests of packages that sit on top of the native engine.
package enginetest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"peerd/internal/engine"
	"peerd/internal/gguf"
)

// Fake is a scriptable engine.Engine. Zero value loads anything and
// generates nothing.
type Fake struct {
	// LoadFunc decides the outcome of each Load call. Nil means success.
	LoadFunc func(ctx context.Context, cfg engine.Config) error
	// Tokens are emitted in order by GenerateStream.
	Tokens []string
	// TokenDelay is slept between tokens.
	TokenDelay time.Duration
	// GenerateErr is returned after the scripted tokens were emitted.
	GenerateErr error
	// Meta is returned by CurrentModelMeta while a model is loaded. Nil
	// yields a minimal document.
	Meta []byte
	// CaptureErr fails CaptureState.
	CaptureErr error
	// RejectRestore makes RestoreState return false.
	RejectRestore bool
	// CountTokensFunc replaces the default one-token-per-four-bytes count.
	CountTokensFunc func(text string) int

	mu       sync.Mutex
	loaded   bool
	cfg      engine.Config
	loads    []engine.Config
	state    []byte
	restored [][]byte
	metrics  engine.Metrics
	prompts  []string

	abortReq atomic.Bool
	aborts   atomic.Int32
	unloads  atomic.Int32
}

var _ engine.Engine = (*Fake)(nil)

func (f *Fake) Load(ctx context.Context, cfg engine.Config) error {
	f.abortReq.Store(false)
	f.mu.Lock()
	f.loads = append(f.loads, cfg)
	fn := f.LoadFunc
	f.mu.Unlock()
	var err error
	if fn != nil {
		err = fn(ctx, cfg)
	}
	if err == nil && f.abortReq.Load() {
		err = engine.ErrAborted
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.loaded = false
		return err
	}
	f.loaded = true
	f.cfg = cfg
	f.metrics = engine.Metrics{NCtx: cfg.ContextLength, NThreads: cfg.Threads, NGpuLayers: cfg.AcceleratorLayers, UseAccelerator: cfg.UseAccelerator, StopReason: engine.StopNone}
	return nil
}

func (f *Fake) Unload() {
	f.unloads.Add(1)
	f.mu.Lock()
	f.loaded = false
	f.mu.Unlock()
}

func (f *Fake) GenerateStream(ctx context.Context, prompt string, p engine.Params, cb engine.TokenCallback) error {
	defer cb("", true)
	f.abortReq.Store(false)
	f.mu.Lock()
	loaded := f.loaded
	f.prompts = append(f.prompts, prompt)
	tokens := append([]string(nil), f.Tokens...)
	f.mu.Unlock()
	if !loaded {
		f.setStop(engine.StopError, 0)
		return engine.ErrNotLoaded
	}
	n := 0
	for _, tok := range tokens {
		if f.TokenDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(f.TokenDelay):
			}
		}
		if f.abortReq.Load() || ctx.Err() != nil {
			f.setStop(engine.StopError, n)
			return engine.ErrAborted
		}
		if p.MaxTokens > 0 && n >= p.MaxTokens {
			f.setStop(engine.StopMaxTokens, n)
			return nil
		}
		cb(tok, false)
		n++
	}
	if f.GenerateErr != nil {
		f.setStop(engine.StopError, n)
		return f.GenerateErr
	}
	f.mu.Lock()
	f.state = []byte("state:" + prompt)
	f.mu.Unlock()
	f.setStop(engine.StopEOS, n)
	return nil
}

func (f *Fake) setStop(r engine.StopReason, generated int) {
	f.mu.Lock()
	f.metrics.StopReason = r
	f.metrics.GenerationTokens = generated
	f.metrics.Truncated = r != engine.StopEOS
	f.mu.Unlock()
}

// SetStopReason overrides the stop reason reported by Metrics.
func (f *Fake) SetStopReason(r engine.StopReason) {
	f.mu.Lock()
	f.metrics.StopReason = r
	f.mu.Unlock()
}

func (f *Fake) CaptureState() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CaptureErr != nil {
		return nil, f.CaptureErr
	}
	if !f.loaded {
		return nil, engine.ErrNotLoaded
	}
	if f.state == nil {
		return nil, errors.New("no state")
	}
	return append([]byte(nil), f.state...), nil
}

func (f *Fake) RestoreState(state []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, append([]byte(nil), state...))
	if f.RejectRestore || !f.loaded {
		return false
	}
	f.state = append([]byte(nil), state...)
	return true
}

func (f *Fake) CurrentModelMeta() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded {
		return nil, false
	}
	if f.Meta != nil {
		return f.Meta, true
	}
	b, _ := json.Marshal(gguf.Summary{Arch: "llama", NCtxTrain: 4096, NLayer: 32, NVocab: 32000})
	return b, true
}

func (f *Fake) Metrics() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metrics.Encode(), nil
}

// CountTokens approximates one token per four bytes unless CountTokensFunc
// is set.
func (f *Fake) CountTokens(text string) int {
	if f.CountTokensFunc != nil {
		return f.CountTokensFunc(text)
	}
	return (len(text) + 3) / 4
}

func (f *Fake) Abort() {
	f.aborts.Add(1)
	f.abortReq.Store(true)
}

func (f *Fake) DetectModel(path string) []byte {
	s, err := gguf.DetectFile(path)
	if err != nil {
		return []byte("{}")
	}
	b, _ := json.Marshal(s)
	return b
}

// Loads returns every config passed to Load, in call order.
func (f *Fake) Loads() []engine.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Config(nil), f.loads...)
}

// Loaded reports whether a model is resident.
func (f *Fake) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

// Restored returns every state blob offered to RestoreState.
func (f *Fake) Restored() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.restored...)
}

// Prompts returns the prompts passed to GenerateStream.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

func (f *Fake) Aborts() int  { return int(f.aborts.Load()) }
func (f *Fake) Unloads() int { return int(f.unloads.Load()) }

// ModelSize is the size of fixtures written by WriteModel; it clears the
// runtime's minimum model size.
const ModelSize = 1<<20 + 4096

// WriteModel writes a valid GGUF file named name under dir, padded to
// ModelSize, and returns its path.
func WriteModel(tb testing.TB, dir, name string, kv map[string]any) string {
	tb.Helper()
	if kv == nil {
		kv = map[string]any{
			"general.architecture": "llama",
			"llama.context_length": uint32(4096),
			"llama.block_count":    uint32(32),
			"tokenizer.ggml.model": "llama",
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		tb.Fatalf("create model: %v", err)
	}
	if err := gguf.Write(f, kv); err != nil {
		_ = f.Close()
		tb.Fatalf("write gguf: %v", err)
	}
	if err := f.Truncate(ModelSize); err != nil {
		_ = f.Close()
		tb.Fatalf("pad model: %v", err)
	}
	if err := f.Close(); err != nil {
		tb.Fatalf("close model: %v", err)
	}
	return path
}
