package engine

import (
	json "github.com/goccy/go-json"

	"peerd/internal/gguf"
)

// Built reports whether the binary carries the native llama runtime.
func Built() bool { return llamaBuilt }

func detectModel(path string) []byte {
	s, err := gguf.DetectFile(path)
	if err != nil {
		return []byte("{}")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return []byte("{}")
	}
	return b
}
