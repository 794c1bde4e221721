// Package registry discovers model files on disk and feeds them into the
// manifest catalog.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"peerd/internal/common/fsutil"
	"peerd/internal/manifest"
	"peerd/pkg/types"
)

// GGUFScanner lists *.gguf files in a directory.
type GGUFScanner struct{}

func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

// Scan builds model entries from file names. ID is the full filename
// (including extension); Path is the absolute file path.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() || !IsModelFile(e.Name()) {
			continue
		}
		name := e.Name()
		m := types.Model{
			ID:     name,
			Name:   manifest.NameFromPath(name),
			Path:   filepath.Join(abs, name),
			Quant:  QuantFromName(name),
			Family: manifest.DetectFamily(name, ""),
		}
		if info, err := e.Info(); err == nil {
			m.SizeBytes = info.Size()
		}
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir scans dir with the default scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

// IsModelFile reports whether name looks like a GGUF model (case-insensitive).
func IsModelFile(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".gguf")
}

var quantRe = regexp.MustCompile(`(?i)(?:^|[.\-_])((?:I?Q\d(?:_[A-Z0-9]+)*)|BF16|F16|F32)(?:[.\-]|$)`)

// QuantFromName extracts a quantization label such as Q4_K_M from a file name.
func QuantFromName(name string) string {
	m := quantRe.FindStringSubmatch(manifest.NameFromPath(name))
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}
