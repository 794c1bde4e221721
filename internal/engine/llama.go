//go:build llama

package engine

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"peerd/internal/gguf"
)

// llamaBuilt indicates this binary was compiled with real llama support.
const llamaBuilt = true

// llamaEngine runs models in-process through go-llama.cpp.
type llamaEngine struct {
	log   zerolog.Logger
	abort atomic.Bool

	mu      sync.Mutex
	model   *llama.LLama
	cfg     Config
	meta    []byte
	metrics Metrics
}

// NewLlama returns the in-process llama.cpp engine.
func NewLlama(log zerolog.Logger) Engine {
	return &llamaEngine{log: log}
}

func (e *llamaEngine) Load(ctx context.Context, cfg Config) error {
	cfg = cfg.Normalized()
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return errors.New("model path is empty")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unloadLocked()
	e.abort.Store(false)
	if err := ctx.Err(); err != nil {
		return err
	}

	opts := []llama.ModelOption{
		llama.SetContext(cfg.ContextLength),
		llama.SetMMap(true),
	}
	if cfg.UseAccelerator && cfg.AcceleratorLayers > 0 {
		opts = append(opts, llama.SetGPULayers(cfg.AcceleratorLayers), llama.SetNBatch(min(2048, cfg.ContextLength/4)))
	} else {
		opts = append(opts, llama.SetNBatch(min(512, cfg.ContextLength/8)))
	}
	m, err := llama.New(cfg.ModelPath, opts...)
	if err != nil {
		return err
	}
	// The native load cannot be interrupted; drop the result if the caller
	// gave up meanwhile.
	if err := ctx.Err(); err != nil || e.abort.Load() {
		m.Free()
		if err != nil {
			return err
		}
		return ErrAborted
	}
	e.model = m
	e.cfg = cfg
	e.metrics = Metrics{NCtx: cfg.ContextLength, NThreads: cfg.Threads, NGpuLayers: cfg.AcceleratorLayers, UseAccelerator: cfg.UseAccelerator, StopReason: StopNone}
	if s, err := gguf.DetectFile(cfg.ModelPath); err == nil {
		e.meta, _ = json.Marshal(s)
	}
	e.log.Info().Str("model", cfg.ModelPath).Int("n_ctx", cfg.ContextLength).Int("threads", cfg.Threads).Int("gpu_layers", cfg.AcceleratorLayers).Msg("model_loaded")
	return nil
}

func (e *llamaEngine) unloadLocked() {
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
	e.meta = nil
	e.cfg = Config{}
	e.metrics = Metrics{StopReason: StopNone}
}

func (e *llamaEngine) Unload() {
	e.mu.Lock()
	e.unloadLocked()
	e.mu.Unlock()
}

func (e *llamaEngine) GenerateStream(ctx context.Context, prompt string, p Params, cb TokenCallback) error {
	done := false
	finish := func() {
		if !done && cb != nil {
			done = true
			cb("", true)
		}
	}
	defer finish()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		e.metrics.StopReason = StopError
		return ErrNotLoaded
	}
	e.abort.Store(false)
	full := prompt
	if p.SystemPrompt != "" {
		full = p.SystemPrompt + "\n\n" + prompt
	}
	promptTokens := 0
	if n, _, err := e.model.TokenizeString(full); err == nil {
		promptTokens = int(n)
	}

	start := time.Now()
	var first time.Time
	generated := 0
	aborted := false
	e.model.SetTokenCallback(func(tok string) bool {
		if ctx.Err() != nil || e.abort.Load() {
			aborted = true
			return false
		}
		if generated == 0 {
			first = time.Now()
		}
		generated++
		if cb != nil {
			cb(tok, false)
		}
		return true
	})
	defer e.model.SetTokenCallback(nil)

	_, err := e.model.Predict(full, predictOptions(p, e.cfg.Threads)...)
	total := time.Since(start)

	m := Metrics{
		NCtx: e.cfg.ContextLength, NThreads: e.cfg.Threads, NGpuLayers: e.cfg.AcceleratorLayers,
		UseAccelerator: e.cfg.UseAccelerator, PromptTokens: promptTokens, GenerationTokens: generated,
		TotalMs: float64(total.Microseconds()) / 1000,
	}
	if !first.IsZero() {
		m.TTFSMs = float64(first.Sub(start).Microseconds()) / 1000
		m.PrefillMs = m.TTFSMs
		m.DecodeMs = m.TotalMs - m.PrefillMs
		if m.DecodeMs > 0 {
			m.TPS = float64(generated) * 1000 / m.DecodeMs
		}
		if m.PrefillMs > 0 {
			m.PromptTPS = float64(promptTokens) * 1000 / m.PrefillMs
		}
	}
	if e.cfg.ContextLength > 0 {
		m.ContextUsedPct = float64(promptTokens+generated) * 100 / float64(e.cfg.ContextLength)
	}
	switch {
	case err != nil || aborted:
		m.StopReason = StopError
		m.Truncated = true
	case p.MaxTokens > 0 && generated >= p.MaxTokens:
		m.StopReason = StopMaxTokens
		m.Truncated = true
	default:
		m.StopReason = StopEOS
	}
	e.metrics = m
	if aborted {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrAborted
	}
	return err
}

func predictOptions(p Params, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, p.MaxTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopK(p.TopK),
		llama.SetTopP(p.TopP),
		llama.SetTemperature(p.Temperature),
	}
	if len(p.Stop) > 0 {
		po = append(po, llama.SetStopWords(p.Stop...))
	}
	return po
}

// CaptureState round-trips through a temp file because go-llama.cpp only
// exposes file-based state APIs.
func (e *llamaEngine) CaptureState() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil, ErrNotLoaded
	}
	f, err := os.CreateTemp("", "peerd-state-*")
	if err != nil {
		return nil, err
	}
	name := f.Name()
	_ = f.Close()
	defer os.Remove(name)
	if err := e.model.SaveState(name); err != nil {
		return nil, err
	}
	return os.ReadFile(name)
}

func (e *llamaEngine) RestoreState(state []byte) bool {
	if len(state) == 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return false
	}
	f, err := os.CreateTemp("", "peerd-state-*")
	if err != nil {
		return false
	}
	name := f.Name()
	defer os.Remove(name)
	if _, err := f.Write(state); err != nil {
		_ = f.Close()
		return false
	}
	if err := f.Close(); err != nil {
		return false
	}
	if err := e.model.LoadState(name); err != nil {
		e.log.Warn().Err(err).Msg("state_restore_failed")
		return false
	}
	e.metrics = Metrics{NCtx: e.cfg.ContextLength, NThreads: e.cfg.Threads, NGpuLayers: e.cfg.AcceleratorLayers, UseAccelerator: e.cfg.UseAccelerator, StopReason: StopNone}
	return true
}

func (e *llamaEngine) CurrentModelMeta() ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil, false
	}
	if e.meta == nil {
		return []byte("{}"), true
	}
	return append([]byte(nil), e.meta...), true
}

func (e *llamaEngine) Metrics() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics.Encode(), nil
}

func (e *llamaEngine) CountTokens(text string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return 0
	}
	n, _, err := e.model.TokenizeString(text)
	if err != nil {
		return 0
	}
	return int(n)
}

func (e *llamaEngine) Abort() {
	e.abort.Store(true)
	e.log.Info().Msg("abort_requested")
}

func (e *llamaEngine) DetectModel(path string) []byte {
	return detectModel(path)
}
