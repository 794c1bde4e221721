package types

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of imported models.
	Models []Model `json:"models"`
}

// ImportRequest registers a completed local model file with the catalog.
type ImportRequest struct {
	// Absolute path of the model file.
	// example: /home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf"`
	// Optional origin URL recorded on the manifest.
	SourceURL string `json:"source_url,omitempty"`
	// Make this the default model.
	IsDefault bool `json:"is_default,omitempty"`
}

// DeleteModelRequest removes a model from the catalog. The file is left alone.
type DeleteModelRequest struct {
	// example: /home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf"`
}

// LoadRequest asks the runtime to load a model.
type LoadRequest struct {
	// Model path; empty selects the default model.
	// example: /home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf
	Path string `json:"path,omitempty" example:"/home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf"`
	// Requested context length; 0 uses the configured default.
	// example: 2048
	ContextLength int `json:"context_length,omitempty" example:"2048"`
	// Requested threads; 0 uses the configured default.
	// example: 4
	Threads int `json:"threads,omitempty" example:"4"`
	// Requested accelerator layers. Capped at the estimator's recommendation; omitted uses the recommendation.
	// example: 20
	AcceleratorLayers *int `json:"accelerator_layers,omitempty" example:"20"`
}

// LoadResponse reports the outcome of a load orchestration.
type LoadResponse struct {
	// example: 6f1c2f0e-8a52-4d0c-9a57-5f0f3d1b6a11
	OperationID string `json:"operation_id" example:"6f1c2f0e-8a52-4d0c-9a57-5f0f3d1b6a11"`
	// One of completed, failed, cancelled.
	// example: completed
	Outcome string `json:"outcome" example:"completed"`
	// Loaded model (completed only).
	Model *Model `json:"model,omitempty"`
	// Configuration that succeeded.
	Config *EngineConfig `json:"config,omitempty"`
	// Ladder step that succeeded (optimized, reduced, cpu-fallback, recovery).
	// example: optimized
	Attempt string `json:"attempt,omitempty" example:"optimized"`
	// Health check result.
	Health *HealthReport `json:"health,omitempty"`
	// Failure message with all attempt reasons.
	Error string `json:"error,omitempty"`
	// example: 1532
	DurationMs int64 `json:"duration_ms" example:"1532"`
}

// Event is one text frame of GET /events. Exactly one payload is set,
// named by Type.
type Event struct {
	// One of progress, cache, preload.
	// example: progress
	Type     string           `json:"type" example:"progress"`
	Progress *LoadProgress    `json:"progress,omitempty"`
	Cache    *CacheStats      `json:"cache,omitempty"`
	Preload  *PreloadResponse `json:"preload,omitempty"`
}

const (
	EventProgress = "progress"
	EventCache    = "cache"
	EventPreload  = "preload"
)

// LoadProgress is one load state machine event.
type LoadProgress struct {
	// example: 6f1c2f0e-8a52-4d0c-9a57-5f0f3d1b6a11
	OperationID string `json:"operation_id" example:"6f1c2f0e-8a52-4d0c-9a57-5f0f3d1b6a11"`
	// One of validating, preload_check, loading, health_checking, completed, failed, cancelled.
	// example: loading
	Stage string `json:"stage" example:"loading"`
	// Progress in [0,1].
	// example: 0.4
	Progress float64 `json:"progress" example:"0.4"`
	// example: attempt optimized (22 layers) try 1/3
	Message string `json:"message" example:"attempt optimized (22 layers) try 1/3"`
	// Whether POST /load/cancel is accepted at this point.
	// example: true
	Cancellable bool `json:"cancellable" example:"true"`
	// example: 1700000000123
	TimeMs int64 `json:"time_ms" example:"1700000000123"`
}

// GenerateRequest represents a streaming generation request payload.
type GenerateRequest struct {
	// Conversation whose cached state should be resumed and updated.
	// example: 42
	ConversationID int64 `json:"conversation_id" example:"42"`
	// Required prompt text to generate a completion for.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
	// Optional system prompt prepended by the engine.
	SystemPrompt string `json:"system_prompt,omitempty"`
	// Maximum number of new tokens to generate.
	// example: 128
	MaxTokens int `json:"max_tokens,omitempty" example:"128"`
	// Sampling temperature (higher = more random).
	// example: 0.7
	Temperature float64 `json:"temperature,omitempty" example:"0.7"`
	// Nucleus sampling probability.
	// example: 0.9
	TopP float64 `json:"top_p,omitempty" example:"0.9"`
	// Top-K sampling: limit candidates to top K tokens.
	// example: 40
	TopK int `json:"top_k,omitempty" example:"40"`
	// Optional stop sequences.
	// example: ["\n\n","END"]
	Stop []string `json:"stop,omitempty" example:"[\"\\n\\n\",\"END\"]"`
}

// GenerateChunk is one NDJSON line of POST /generate. Token lines carry
// Token; the final line has Done set and carries Metrics.
type GenerateChunk struct {
	Token   string           `json:"token,omitempty"`
	Done    bool             `json:"done,omitempty"`
	Metrics *GenerateMetrics `json:"metrics,omitempty"`
}

// GenerateMetrics is the engine metrics summary sent with the final chunk.
type GenerateMetrics struct {
	PromptTokens     int     `json:"prompt_tokens"`
	GenerationTokens int     `json:"generation_tokens"`
	TTFSMs           float64 `json:"ttfs_ms"`
	TotalMs          float64 `json:"total_ms"`
	TPS              float64 `json:"tps"`
	ContextUsedPct   float64 `json:"context_used_pct"`
	Truncated        bool    `json:"truncated"`
	// One of none, eos, stop_sequence, max_tokens, error, backpressure, cancelled.
	// example: eos
	StopReason   string `json:"stop_reason" example:"eos"`
	StopSequence string `json:"stop_sequence,omitempty"`
}

// PreloadRequest schedules a background preload.
type PreloadRequest struct {
	// example: /home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf"`
	// Lower runs first; 0 is the highest priority.
	// example: 1
	Priority int `json:"priority" example:"1"`
}

// PreloadDecision is the admission verdict for POST /preload. A skipped
// request is not an error.
type PreloadDecision struct {
	// example: /home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf"`
	// example: true
	Queued bool `json:"queued" example:"true"`
	// One of already_preloaded, memory_pressure, at_capacity, missing_file, shutdown.
	// example: at_capacity
	Reason string `json:"reason,omitempty" example:"at_capacity"`
}

// PreloadResponse lists the preload status map (GET /preload).
type PreloadResponse struct {
	Models []PreloadStatus `json:"models"`
	// example: 2
	MaxPreloaded int `json:"max_preloaded" example:"2"`
}

// EstimateResponse reports the accelerator estimate for a model.
type EstimateResponse struct {
	Device AcceleratorProfile `json:"device"`
	Model  MemoryProfile      `json:"model"`
	// example: llama
	Family string `json:"family" example:"llama"`
	// example: 2048
	ContextLength int `json:"context_length" example:"2048"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Runtime state: idle, loading, ready, error.
	// example: ready
	State string `json:"state" example:"ready"`
	// Currently loaded model.
	Model *Model `json:"model,omitempty"`
	// Configuration of the loaded model.
	Config *EngineConfig `json:"config,omitempty"`
	// Whether a load orchestration is running.
	// example: false
	LoadInProgress bool `json:"load_in_progress" example:"false"`
	// Last observed load progress event.
	Progress *LoadProgress `json:"progress,omitempty"`
	// Last load or generation error.
	LastError string `json:"last_error,omitempty"`
	// Current queue length for generation requests.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Whether a generation is running.
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 8
	MaxQueueDepth int `json:"max_queue_depth" example:"8"`
	// Total number of successful loads.
	// example: 12
	LoadsTotal uint64 `json:"loads_total" example:"12"`
	// Conversation state cache statistics.
	Cache CacheStats `json:"cache"`
	// Number of models currently preloaded.
	// example: 1
	Preloaded int `json:"preloaded" example:"1"`
	// Device accelerator estimate.
	Accelerator AcceleratorProfile `json:"accelerator"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
