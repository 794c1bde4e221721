package preload

// SkipReason explains why a preload request was not admitted.
type SkipReason string

const (
	SkipAlreadyPreloaded SkipReason = "already_preloaded"
	SkipMemoryPressure   SkipReason = "memory_pressure"
	SkipAtCapacity       SkipReason = "at_capacity"
	SkipMissingFile      SkipReason = "missing_file"
	SkipShutdown         SkipReason = "shutdown"
)

// Decision is the admission verdict for a request. It is a value, not an
// error: a skipped preload is a normal outcome.
type Decision struct {
	Path   string     `json:"path"`
	Queued bool       `json:"queued"`
	Reason SkipReason `json:"reason,omitempty"`
}

// Skipped reports whether the request was refused.
func (d Decision) Skipped() bool { return !d.Queued }
