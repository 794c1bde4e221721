// Package manifest is the catalog of imported models. Rows are keyed by the
// model file path and carry typed metadata detected from the file or reported
// by the engine after a load.
package manifest

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ErrNotFound is returned when no manifest exists for a path.
var ErrNotFound = errors.New("manifest not found")

// Manifest describes one imported model file.
type Manifest struct {
	Name          string    `json:"name"`
	FilePath      string    `json:"file_path"`
	Family        string    `json:"family"`
	SizeBytes     int64     `json:"size_bytes"`
	Checksum      string    `json:"checksum"`
	ContextLength int       `json:"context_length"`
	Metadata      Metadata  `json:"metadata"`
	SourceURL     string    `json:"source_url,omitempty"`
	IsDefault     bool      `json:"is_default"`
	ImportedAt    time.Time `json:"imported_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Metadata is the typed view of a model's metadata document. Keys that are
// not recognized are kept verbatim in Extra.
type Metadata struct {
	Arch           string
	NCtxTrain      int
	NLayer         int
	NEmbd          int
	NVocab         int
	ChatTemplate   string
	TokenizerModel string
	Reasoning      bool
	Tags           string
	Extra          map[string]json.RawMessage
}

// known maps document keys to the typed field they populate.
var known = map[string]func(m *Metadata, raw json.RawMessage) error{
	"arch":           func(m *Metadata, raw json.RawMessage) error { return json.Unmarshal(raw, &m.Arch) },
	"nCtxTrain":      func(m *Metadata, raw json.RawMessage) error { return json.Unmarshal(raw, &m.NCtxTrain) },
	"nLayer":         func(m *Metadata, raw json.RawMessage) error { return json.Unmarshal(raw, &m.NLayer) },
	"nEmbd":          func(m *Metadata, raw json.RawMessage) error { return json.Unmarshal(raw, &m.NEmbd) },
	"nVocab":         func(m *Metadata, raw json.RawMessage) error { return json.Unmarshal(raw, &m.NVocab) },
	"chatTemplate":   func(m *Metadata, raw json.RawMessage) error { return json.Unmarshal(raw, &m.ChatTemplate) },
	"tokenizerModel": func(m *Metadata, raw json.RawMessage) error { return json.Unmarshal(raw, &m.TokenizerModel) },
	"reasoning":      func(m *Metadata, raw json.RawMessage) error { return json.Unmarshal(raw, &m.Reasoning) },
	"tags":           func(m *Metadata, raw json.RawMessage) error { return json.Unmarshal(raw, &m.Tags) },
}

// ParseMetadata decodes a metadata document. Empty input yields the zero
// value. A known key with an unexpected type is kept in Extra.
func ParseMetadata(b []byte) (Metadata, error) {
	var m Metadata
	if len(strings.TrimSpace(string(b))) == 0 {
		return m, nil
	}
	if err := m.UnmarshalJSON(b); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range raw {
		if set, ok := known[k]; ok {
			if err := set(m, v); err == nil {
				continue
			}
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = append(json.RawMessage(nil), v...)
	}
	return nil
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+9)
	for k, v := range m.Extra {
		out[k] = v
	}
	put := func(k string, v any, zero bool) {
		if !zero {
			out[k] = v
		}
	}
	put("arch", m.Arch, m.Arch == "")
	put("nCtxTrain", m.NCtxTrain, m.NCtxTrain == 0)
	put("nLayer", m.NLayer, m.NLayer == 0)
	put("nEmbd", m.NEmbd, m.NEmbd == 0)
	put("nVocab", m.NVocab, m.NVocab == 0)
	put("chatTemplate", m.ChatTemplate, m.ChatTemplate == "")
	put("tokenizerModel", m.TokenizerModel, m.TokenizerModel == "")
	put("reasoning", m.Reasoning, !m.Reasoning)
	put("tags", m.Tags, m.Tags == "")
	return json.Marshal(out)
}

// IsZero reports whether m carries no information.
func (m Metadata) IsZero() bool {
	return m.Arch == "" && m.NCtxTrain == 0 && m.NLayer == 0 && m.NEmbd == 0 &&
		m.NVocab == 0 && m.ChatTemplate == "" && m.TokenizerModel == "" &&
		!m.Reasoning && m.Tags == "" && len(m.Extra) == 0
}

// Merge returns m updated with every non-zero field of newer. Extra keys are
// unioned with newer winning.
func (m Metadata) Merge(newer Metadata) Metadata {
	out := m
	if newer.Arch != "" {
		out.Arch = newer.Arch
	}
	if newer.NCtxTrain != 0 {
		out.NCtxTrain = newer.NCtxTrain
	}
	if newer.NLayer != 0 {
		out.NLayer = newer.NLayer
	}
	if newer.NEmbd != 0 {
		out.NEmbd = newer.NEmbd
	}
	if newer.NVocab != 0 {
		out.NVocab = newer.NVocab
	}
	if newer.ChatTemplate != "" {
		out.ChatTemplate = newer.ChatTemplate
	}
	if newer.TokenizerModel != "" {
		out.TokenizerModel = newer.TokenizerModel
	}
	if newer.Reasoning {
		out.Reasoning = true
	}
	if newer.Tags != "" {
		out.Tags = newer.Tags
	}
	if len(m.Extra) > 0 || len(newer.Extra) > 0 {
		out.Extra = make(map[string]json.RawMessage, len(m.Extra)+len(newer.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = v
		}
		for k, v := range newer.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// DetectFamily classifies a model by its architecture or, failing that, its
// file name. Unknown models map to "default".
func DetectFamily(name, arch string) string {
	for _, s := range []string{arch, name} {
		s = strings.ToLower(s)
		switch {
		case s == "":
			continue
		case strings.Contains(s, "tinyllama"):
			return "tinyllama"
		case strings.Contains(s, "mistral"), strings.Contains(s, "mixtral"):
			return "mistral"
		case strings.Contains(s, "qwen"):
			return "qwen"
		case strings.Contains(s, "phi"):
			return "phi"
		case strings.Contains(s, "gemma"):
			return "gemma"
		case strings.Contains(s, "llama"):
			return "llama"
		}
	}
	return "default"
}

// NameFromPath derives the display name from a model file path.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

const checksumWindow = 1 << 20

// QuickChecksum hashes the first and last MiB of the file plus its size.
// Multi-gigabyte models make a full digest too slow for the import path.
func QuickChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.CopyN(h, f, min(fi.Size(), checksumWindow)); err != nil {
		return "", err
	}
	if fi.Size() > 2*checksumWindow {
		if _, err := f.Seek(-checksumWindow, io.SeekEnd); err != nil {
			return "", err
		}
		if _, err := io.CopyN(h, f, checksumWindow); err != nil {
			return "", err
		}
	} else if fi.Size() > checksumWindow {
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
	}
	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], uint64(fi.Size()))
	h.Write(sz[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FromFile builds a fresh manifest for the model at path.
func FromFile(path string, meta Metadata) (Manifest, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Manifest{}, err
	}
	if !fi.Mode().IsRegular() {
		return Manifest{}, errors.New("not a regular file: " + path)
	}
	sum, err := QuickChecksum(path)
	if err != nil {
		return Manifest{}, err
	}
	name := NameFromPath(path)
	now := time.Now().UTC()
	return Manifest{
		Name:          name,
		FilePath:      path,
		Family:        DetectFamily(name, meta.Arch),
		SizeBytes:     fi.Size(),
		Checksum:      sum,
		ContextLength: meta.NCtxTrain,
		Metadata:      meta,
		ImportedAt:    now,
		UpdatedAt:     now,
	}, nil
}
