// Package gguf reads the header and key/value metadata section of GGUF model
// files. Tensor data is never touched.
//
// Format reference: https://github.com/ggml-org/ggml/blob/master/docs/gguf.md
package gguf

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
)

// Magic is the 4-byte marker every GGUF file starts with.
const Magic = "GGUF"

// Value type tags as encoded in the file.
const (
	tUint8   uint32 = 0
	tInt8    uint32 = 1
	tUint16  uint32 = 2
	tInt16   uint32 = 3
	tUint32  uint32 = 4
	tInt32   uint32 = 5
	tFloat32 uint32 = 6
	tBool    uint32 = 7
	tString  uint32 = 8
	tArray   uint32 = 9
	tUint64  uint32 = 10
	tInt64   uint32 = 11
	tFloat64 uint32 = 12
)

const (
	maxStringLen      = 4 << 20
	maxKVCount        = 1 << 20
	maxCapturedArray  = 64
	supportedMinVersn = 2
)

// ErrBadMagic is returned when the file does not start with Magic.
var ErrBadMagic = errors.New("gguf: invalid format: bad magic number")

// Header is the fixed GGUF preamble.
type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// Array describes an array value that was too large to capture.
type Array struct {
	ElemType uint32
	Len      uint64
}

type reader struct {
	r *bufio.Reader
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("gguf: truncated file: %w", io.ErrUnexpectedEOF)
	}
	return err
}

func (r reader) u32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, truncated(err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r reader) u64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, truncated(err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r reader) str() (string, error) {
	n, err := r.u64()
	if err != nil {
		return "", err
	}
	if n > maxStringLen {
		return "", fmt.Errorf("gguf: invalid format: string length %d exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", truncated(err)
	}
	return string(buf), nil
}

func (r reader) skipString() error {
	n, err := r.u64()
	if err != nil {
		return err
	}
	if n > maxStringLen {
		return fmt.Errorf("gguf: invalid format: string length %d exceeds limit", n)
	}
	if _, err := r.r.Discard(int(n)); err != nil {
		return truncated(err)
	}
	return nil
}

func scalarSize(t uint32) int {
	switch t {
	case tUint8, tInt8, tBool:
		return 1
	case tUint16, tInt16:
		return 2
	case tUint32, tInt32, tFloat32:
		return 4
	case tUint64, tInt64, tFloat64:
		return 8
	}
	return 0
}

func (r reader) scalar(t uint32) (any, error) {
	size := scalarSize(t)
	if size == 0 {
		return nil, fmt.Errorf("gguf: invalid format: unknown value type %d", t)
	}
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:size]); err != nil {
		return nil, truncated(err)
	}
	switch t {
	case tUint8:
		return uint64(b[0]), nil
	case tInt8:
		return int64(int8(b[0])), nil
	case tBool:
		return b[0] != 0, nil
	case tUint16:
		return uint64(binary.LittleEndian.Uint16(b[:2])), nil
	case tInt16:
		return int64(int16(binary.LittleEndian.Uint16(b[:2]))), nil
	case tUint32:
		return uint64(binary.LittleEndian.Uint32(b[:4])), nil
	case tInt32:
		return int64(int32(binary.LittleEndian.Uint32(b[:4]))), nil
	case tFloat32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b[:4]))), nil
	case tUint64:
		return binary.LittleEndian.Uint64(b[:8]), nil
	case tInt64:
		return int64(binary.LittleEndian.Uint64(b[:8])), nil
	default: // tFloat64
		return math.Float64frombits(binary.LittleEndian.Uint64(b[:8])), nil
	}
}

func (r reader) value(t uint32) (any, error) {
	switch t {
	case tString:
		return r.str()
	case tArray:
		return r.array()
	default:
		return r.scalar(t)
	}
}

// array captures small string arrays (e.g. general.tags) and only records the
// length of everything else (e.g. tokenizer.ggml.tokens).
func (r reader) array() (any, error) {
	et, err := r.u32()
	if err != nil {
		return nil, err
	}
	n, err := r.u64()
	if err != nil {
		return nil, err
	}
	if et == tString && n <= maxCapturedArray {
		out := make([]string, 0, n)
		for i := uint64(0); i < n; i++ {
			s, err := r.str()
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	}
	switch et {
	case tString:
		for i := uint64(0); i < n; i++ {
			if err := r.skipString(); err != nil {
				return nil, err
			}
		}
	case tArray:
		for i := uint64(0); i < n; i++ {
			if _, err := r.array(); err != nil {
				return nil, err
			}
		}
	default:
		size := scalarSize(et)
		if size == 0 {
			return nil, fmt.Errorf("gguf: invalid format: unknown array element type %d", et)
		}
		total := n * uint64(size)
		for total > 0 {
			chunk := min(total, 1<<30)
			if _, err := r.r.Discard(int(chunk)); err != nil {
				return nil, truncated(err)
			}
			total -= chunk
		}
	}
	return Array{ElemType: et, Len: n}, nil
}

func (r reader) header() (Header, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r.r, magic[:]); err != nil {
		return Header{}, truncated(err)
	}
	if string(magic[:]) != Magic {
		return Header{}, ErrBadMagic
	}
	var h Header
	var err error
	if h.Version, err = r.u32(); err != nil {
		return Header{}, err
	}
	if h.Version < supportedMinVersn {
		return Header{}, fmt.Errorf("gguf: invalid format: unsupported version %d", h.Version)
	}
	if h.TensorCount, err = r.u64(); err != nil {
		return Header{}, err
	}
	if h.KVCount, err = r.u64(); err != nil {
		return Header{}, err
	}
	if h.KVCount > maxKVCount {
		return Header{}, fmt.Errorf("gguf: invalid format: kv count %d exceeds limit", h.KVCount)
	}
	return h, nil
}

// ReadHeader reads and validates the GGUF preamble.
func ReadHeader(r io.Reader) (Header, error) {
	return reader{r: bufio.NewReader(r)}.header()
}

// ReadMetadata reads the header and every key/value pair.
func ReadMetadata(r io.Reader) (Header, map[string]any, error) {
	rd := reader{r: bufio.NewReaderSize(r, 64<<10)}
	h, err := rd.header()
	if err != nil {
		return Header{}, nil, err
	}
	kv := make(map[string]any, h.KVCount)
	for i := uint64(0); i < h.KVCount; i++ {
		key, err := rd.str()
		if err != nil {
			return h, kv, err
		}
		t, err := rd.u32()
		if err != nil {
			return h, kv, err
		}
		v, err := rd.value(t)
		if err != nil {
			return h, kv, fmt.Errorf("key %q: %w", key, err)
		}
		kv[key] = v
	}
	return h, kv, nil
}

// SniffFile checks that path starts with a valid GGUF header.
func SniffFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return ReadHeader(f)
}

// Summary is the compact metadata view exchanged with the engine layer.
type Summary struct {
	Arch           string `json:"arch"`
	NCtxTrain      int    `json:"nCtxTrain"`
	NLayer         int    `json:"nLayer"`
	NEmbd          int    `json:"nEmbd"`
	NVocab         int    `json:"nVocab"`
	ChatTemplate   string `json:"chatTemplate"`
	TokenizerModel string `json:"tokenizerModel"`
	Reasoning      bool   `json:"reasoning"`
	Tags           string `json:"tags"`
}

// DetectFile reads path and summarizes its metadata.
func DetectFile(path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer f.Close()
	_, kv, err := ReadMetadata(f)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(kv), nil
}

// Summarize extracts the well-known fields from raw metadata.
func Summarize(kv map[string]any) Summary {
	s := Summary{Arch: asString(kv["general.architecture"])}
	if s.Arch != "" {
		s.NCtxTrain = asInt(kv[s.Arch+".context_length"])
		s.NLayer = asInt(kv[s.Arch+".block_count"])
		s.NEmbd = asInt(kv[s.Arch+".embedding_length"])
	}
	switch v := kv["tokenizer.ggml.tokens"].(type) {
	case Array:
		s.NVocab = int(v.Len)
	case []string:
		s.NVocab = len(v)
	}
	s.ChatTemplate = asString(kv["tokenizer.chat_template"])
	if s.ChatTemplate == "" {
		s.ChatTemplate = asString(kv["llama.chat_template"])
	}
	s.TokenizerModel = asString(kv["tokenizer.ggml.model"])
	s.Tags = asString(kv["general.tags"])
	capabilities := asString(kv["general.capabilities"])
	flag := asString(kv["general.capabilities.reasoning"])
	if b, ok := kv["general.capabilities.reasoning"].(bool); ok && b {
		flag = "true"
	}
	s.Reasoning = containsFold(flag, "true") ||
		containsFold(capabilities, "reasoning") ||
		containsFold(s.Tags, "reasoning") ||
		containsFold(s.ChatTemplate, "<think>") ||
		containsFold(s.ChatTemplate, "<reasoning>")
	return s
}

func containsFold(haystack, needle string) bool {
	return needle != "" && strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []string:
		return strings.Join(x, ",")
	}
	return ""
}

func asInt(v any) int {
	switch x := v.(type) {
	case uint64:
		return int(x)
	case int64:
		return int(x)
	case float64:
		return int(x)
	}
	return 0
}
