package engine

import (
	json "github.com/goccy/go-json"
)

// StopReason explains why a generation ended.
type StopReason string

const (
	StopNone         StopReason = "none"
	StopEOS          StopReason = "eos"
	StopSequence     StopReason = "stop_sequence"
	StopMaxTokens    StopReason = "max_tokens"
	StopError        StopReason = "error"
	StopBackpressure StopReason = "backpressure"
	StopCancelled    StopReason = "cancelled"
)

// Metrics is the engine metrics document. Field names follow the engine's
// JSON contract.
type Metrics struct {
	NCtx             int        `json:"nCtx"`
	NThreads         int        `json:"nThreads"`
	NGpuLayers       int        `json:"nGpuLayers"`
	UseAccelerator   bool       `json:"useVulkan"`
	PromptTokens     int        `json:"promptTokens"`
	GenerationTokens int        `json:"generationTokens"`
	TTFSMs           float64    `json:"ttfsMs"`
	PrefillMs        float64    `json:"prefillMs"`
	DecodeMs         float64    `json:"decodeMs"`
	TotalMs          float64    `json:"totalMs"`
	TPS              float64    `json:"tps"`
	PromptTPS        float64    `json:"promptTps"`
	ContextUsedPct   float64    `json:"contextUsedPct"`
	Truncated        bool       `json:"truncated"`
	StopReason       StopReason `json:"stopReason"`
	StopSequence     string     `json:"stopSequence"`
}

// Failed reports whether the metrics describe a failed generation.
func (m Metrics) Failed() bool {
	return m.StopReason == StopError || m.StopReason == StopBackpressure
}

// ParseMetrics decodes an engine metrics document.
func ParseMetrics(b []byte) (Metrics, error) {
	var m Metrics
	if err := json.Unmarshal(b, &m); err != nil {
		return Metrics{}, err
	}
	return m, nil
}

// Encode renders m in the engine's JSON shape.
func (m Metrics) Encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
