package types

// Model represents an imported model from the catalog.
type Model struct {
	// Stable identifier for the model (file name including extension).
	// example: tinyllama-1.1b-chat.Q4_K_M.gguf
	ID string `json:"id" example:"tinyllama-1.1b-chat.Q4_K_M.gguf"`
	// Human-friendly name.
	// example: tinyllama-1.1b-chat.Q4_K_M
	Name string `json:"name" example:"tinyllama-1.1b-chat.Q4_K_M"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf"`
	// Quantization level parsed from the file name, if any.
	// example: Q4_K_M
	Quant string `json:"quant,omitempty" example:"Q4_K_M"`
	// Model family used for accelerator estimation (llama, mistral, qwen, phi, gemma, tinyllama, default).
	// example: tinyllama
	Family string `json:"family,omitempty" example:"tinyllama"`
	// Architecture reported by the model metadata.
	// example: llama
	Arch string `json:"arch,omitempty" example:"llama"`
	// File size in bytes.
	// example: 668788096
	SizeBytes int64 `json:"size_bytes,omitempty" example:"668788096"`
	// Training context length from metadata.
	// example: 2048
	ContextLength int `json:"context_length,omitempty" example:"2048"`
	// Quick checksum of the file.
	Checksum string `json:"checksum,omitempty"`
	// Where the file was downloaded from, if known.
	SourceURL string `json:"source_url,omitempty"`
	// Whether this is the default model.
	// example: true
	IsDefault bool `json:"is_default,omitempty" example:"true"`
	// Whether the model advertises a reasoning mode.
	Reasoning bool `json:"reasoning,omitempty"`
}

// EngineConfig is the configuration a model was (or will be) loaded with.
type EngineConfig struct {
	// example: /home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf
	ModelPath string `json:"model_path" example:"/home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf"`
	// example: 4
	Threads int `json:"threads" example:"4"`
	// example: 2048
	ContextLength int `json:"context_length" example:"2048"`
	// example: 22
	AcceleratorLayers int `json:"accelerator_layers" example:"22"`
	// example: true
	UseAccelerator bool `json:"use_accelerator" example:"true"`
}

// HealthReport is the outcome of the post-load health check.
type HealthReport struct {
	// One of healthy, unhealthy, error.
	// example: healthy
	Status string `json:"status" example:"healthy"`
	// Names of the probes that passed.
	Passed []string `json:"passed,omitempty"`
	// Failure reasons, one per failed probe.
	Failures []string `json:"failures,omitempty"`
	// Set when the check could not run at all.
	Error string `json:"error,omitempty"`
}

// AcceleratorProfile summarizes the heuristic accelerator estimate for this device.
type AcceleratorProfile struct {
	// example: true
	HasAccelerator bool `json:"has_accelerator" example:"true"`
	// example: 4294967296
	MaxBudgetBytes int64 `json:"max_budget_bytes" example:"4294967296"`
	// example: 24
	RecommendedLayers int `json:"recommended_layers" example:"24"`
	// Human-readable explanation of the estimate.
	Reasoning string `json:"reasoning"`
}

// MemoryProfile is the per-model accelerator estimate.
type MemoryProfile struct {
	// example: 24
	RecommendedLayers int `json:"recommended_layers" example:"24"`
	// example: 2147483648
	EstimatedUsageBytes int64 `json:"estimated_usage_bytes" example:"2147483648"`
	// example: true
	CanUseAccelerator bool   `json:"can_use_accelerator" example:"true"`
	Reasoning         string `json:"reasoning"`
}

// PreloadStatus is the background preload state of one model path.
type PreloadStatus struct {
	// example: /home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/tinyllama-1.1b-chat.Q4_K_M.gguf"`
	// One of queued, loading, ready, failed.
	// example: ready
	State string `json:"state" example:"ready"`
	// Failure or skip reason.
	Error string `json:"error,omitempty"`
	// Unix seconds when the preload completed.
	// example: 1700000000
	PreloadedAt int64 `json:"preloaded_at_unix,omitempty" example:"1700000000"`
	// Number of times the model was marked as used while preloaded.
	// example: 2
	AccessCount int `json:"access_count,omitempty" example:"2"`
}

// CacheStats is the conversation state cache read model.
type CacheStats struct {
	// example: 12
	Hits uint64 `json:"hits" example:"12"`
	// example: 3
	Misses uint64 `json:"misses" example:"3"`
	// example: 1
	Evictions uint64 `json:"evictions" example:"1"`
	// Entries dropped because their checksum or framing did not verify.
	// example: 0
	Corruptions uint64 `json:"corruptions" example:"0"`
	// Total compressed bytes currently held.
	// example: 10485760
	Bytes int64 `json:"bytes" example:"10485760"`
	// example: 4
	Entries int `json:"entries" example:"4"`
	// example: 268435456
	MaxBytes int64 `json:"max_bytes" example:"268435456"`
	// example: 50
	MaxEntries int `json:"max_entries" example:"50"`
}
