// Package health runs functional probes against the resident model.
package health

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"peerd/internal/engine"
)

// Status is the overall verdict.
type Status string

const (
	Healthy   Status = "healthy"
	Unhealthy Status = "unhealthy"
	Error     Status = "error"
)

// Result of CheckCurrentModel. Passed lists probe names; Failures holds one
// reason per failed probe.
type Result struct {
	Status   Status
	Passed   []string
	Failures []string
	Err      string
}

// Healthy reports whether every probe passed.
func (r Result) Healthy() bool { return r.Status == Healthy }

// Summary joins the failure reasons (or the error) for messages.
func (r Result) Summary() string {
	switch r.Status {
	case Error:
		return r.Err
	case Unhealthy:
		return strings.Join(r.Failures, "; ")
	}
	return "all checks passed"
}

const (
	probeText                = "Hello, world!"
	probePrompt              = "The capital of France is"
	DefaultGenerationTimeout = 10 * time.Second
	contextSlack             = 1.1
)

// Config tunes the checker.
type Config struct {
	Logger            zerolog.Logger
	GenerationTimeout time.Duration
}

// Checker probes an engine. One check runs at a time per caller; the
// checker holds no state between calls.
type Checker struct {
	eng     engine.Engine
	log     zerolog.Logger
	timeout time.Duration
}

func New(eng engine.Engine, cfg Config) *Checker {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = DefaultGenerationTimeout
	}
	return &Checker{eng: eng, log: cfg.Logger, timeout: cfg.GenerationTimeout}
}

type probe struct {
	name string
	run  func(ctx context.Context) error
}

// CheckCurrentModel runs every probe in order. Probe errors and panics
// become failure entries; nothing propagates.
func (c *Checker) CheckCurrentModel(ctx context.Context) Result {
	if _, ok := c.eng.CurrentModelMeta(); !ok {
		return Result{Status: Error, Err: "no model loaded"}
	}
	probes := []probe{
		{"tokenizer", c.tokenizer},
		{"generation", c.generation},
		{"memory", c.memory},
		{"metadata", c.metadata},
		{"context_window", c.contextWindow},
	}
	var res Result
	for _, p := range probes {
		if err := ctx.Err(); err != nil {
			return Result{Status: Error, Err: "health check interrupted: " + err.Error(), Passed: res.Passed, Failures: res.Failures}
		}
		if err := runProbe(ctx, p); err != nil {
			res.Failures = append(res.Failures, err.Error())
			c.log.Warn().Str("probe", p.name).Err(err).Msg("health_probe_failed")
			continue
		}
		res.Passed = append(res.Passed, p.name)
	}
	if len(res.Failures) > 0 {
		res.Status = Unhealthy
	} else {
		res.Status = Healthy
	}
	c.log.Info().Str("status", string(res.Status)).Int("passed", len(res.Passed)).Int("failed", len(res.Failures)).Msg("health_check_done")
	return res
}

func runProbe(ctx context.Context, p probe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s probe panicked: %v", p.name, r)
		}
	}()
	return p.run(ctx)
}

func (c *Checker) tokenizer(context.Context) error {
	if n := c.eng.CountTokens(probeText); n <= 0 {
		return fmt.Errorf("tokenization failed: %q produced %d tokens", probeText, n)
	}
	return nil
}

func (c *Checker) generation(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var out strings.Builder
	p := engine.Params{Temperature: 0.1, TopP: 0.9, TopK: 1, MaxTokens: 5}
	err := c.eng.GenerateStream(ctx, probePrompt, p, func(text string, done bool) {
		if !done {
			out.WriteString(text)
		}
	})
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.eng.Abort()
		return fmt.Errorf("generation failed: no completion within %s", c.timeout)
	}
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}
	if strings.TrimSpace(out.String()) == "" {
		return errors.New("generation failed: empty output")
	}
	return nil
}

func (c *Checker) memory(context.Context) error {
	b, err := c.eng.Metrics()
	if err != nil {
		return fmt.Errorf("memory integrity failed: metrics unavailable: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return fmt.Errorf("memory integrity failed: metrics not parseable: %w", err)
	}
	if _, ok := doc["nCtx"]; !ok {
		return errors.New("memory integrity failed: metrics missing nCtx")
	}
	return nil
}

func (c *Checker) metadata(context.Context) error {
	b, ok := c.eng.CurrentModelMeta()
	if !ok {
		return errors.New("metadata inconsistent: model unloaded during check")
	}
	var meta struct {
		Arch   string `json:"arch"`
		NVocab int    `json:"nVocab"`
	}
	if err := json.Unmarshal(b, &meta); err != nil {
		return fmt.Errorf("metadata inconsistent: %w", err)
	}
	var missing []string
	if meta.Arch == "" {
		missing = append(missing, "arch")
	}
	if meta.NVocab <= 0 {
		missing = append(missing, "nVocab")
	}
	if len(missing) > 0 {
		return fmt.Errorf("metadata inconsistent: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Checker) contextWindow(context.Context) error {
	b, err := c.eng.Metrics()
	if err != nil {
		return fmt.Errorf("context window check failed: %w", err)
	}
	m, err := engine.ParseMetrics(b)
	if err != nil {
		return fmt.Errorf("context window check failed: %w", err)
	}
	if m.NCtx <= 0 {
		return errors.New("context window check failed: nCtx not reported")
	}
	text := strings.Repeat("word ", m.NCtx/4)
	n := c.eng.CountTokens(text)
	if limit := float64(m.NCtx) * contextSlack; float64(n) > limit {
		return fmt.Errorf("context window check failed: %d tokens for a %d-word sample exceeds %.0f", n, m.NCtx/4, limit)
	}
	return nil
}
