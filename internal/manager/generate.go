package manager

import (
	"context"
	"io"
	"strings"

	json "github.com/goccy/go-json"

	"peerd/internal/engine"
	"peerd/internal/stream"
	"peerd/pkg/types"
)

// Generate streams a completion for req to w as NDJSON: one chunk per token
// and a final chunk with Done and metrics. flush is called after every line.
func (m *Manager) Generate(ctx context.Context, req types.GenerateRequest, w io.Writer, flush func()) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return &ValidationError{Reason: "prompt is required"}
	}
	if !m.Ready() {
		return noModelError{}
	}
	release, err := m.beginGeneration(ctx)
	if err != nil {
		return err
	}
	defer release()
	// The model may have been replaced while queued.
	if !m.Ready() {
		return noModelError{}
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := m.pipeline.Generate(gctx, stream.Request{
		ConversationID: req.ConversationID,
		Prompt:         req.Prompt,
		Params:         paramsFrom(req),
	})

	enc := json.NewEncoder(w)
	var (
		writeErr error
		term     stream.Event
	)
	for ev := range events {
		switch ev.Kind {
		case stream.Token:
			if writeErr != nil {
				continue
			}
			if err := enc.Encode(types.GenerateChunk{Token: ev.Text}); err != nil {
				writeErr = err
				cancel()
				continue
			}
			if flush != nil {
				flush()
			}
		case stream.Terminal:
			term = ev
		}
	}
	if writeErr != nil {
		return writeErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := enc.Encode(types.GenerateChunk{Done: true, Metrics: generateMetrics(term.Metrics)}); err != nil {
		return err
	}
	if flush != nil {
		flush()
	}
	if term.Err != nil {
		m.mu.Lock()
		m.err = term.Err.Error()
		m.mu.Unlock()
		m.log.Warn().Err(term.Err).Int64("conversation", req.ConversationID).Msg("generation_failed")
	}
	return term.Err
}

func paramsFrom(req types.GenerateRequest) engine.Params {
	p := engine.DefaultParams()
	p.SystemPrompt = req.SystemPrompt
	if req.MaxTokens > 0 {
		p.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		p.Temperature = float32(req.Temperature)
	}
	if req.TopP > 0 {
		p.TopP = float32(req.TopP)
	}
	if req.TopK > 0 {
		p.TopK = req.TopK
	}
	p.Stop = req.Stop
	return p
}

func generateMetrics(m engine.Metrics) *types.GenerateMetrics {
	return &types.GenerateMetrics{
		PromptTokens:     m.PromptTokens,
		GenerationTokens: m.GenerationTokens,
		TTFSMs:           m.TTFSMs,
		TotalMs:          m.TotalMs,
		TPS:              m.TPS,
		ContextUsedPct:   m.ContextUsedPct,
		Truncated:        m.Truncated,
		StopReason:       string(m.StopReason),
		StopSequence:     m.StopSequence,
	}
}
