package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// Write encodes a minimal GGUF v3 file containing only the metadata in kv
// (no tensors). Supported value types: string, []string, bool, uint32,
// uint64, int32, int64, float32, float64. Keys are written in sorted order.
// It exists for fixtures and tooling that need small, valid model headers.
func Write(w io.Writer, kv map[string]any) error {
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, Magic...)
	buf = binary.LittleEndian.AppendUint32(buf, 3)
	buf = binary.LittleEndian.AppendUint64(buf, 0)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendString(buf, k)
		var err error
		if buf, err = appendValue(buf, kv[k]); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	_, err := w.Write(buf)
	return err
}

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case string:
		buf = binary.LittleEndian.AppendUint32(buf, tString)
		return appendString(buf, x), nil
	case []string:
		buf = binary.LittleEndian.AppendUint32(buf, tArray)
		buf = binary.LittleEndian.AppendUint32(buf, tString)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(x)))
		for _, s := range x {
			buf = appendString(buf, s)
		}
		return buf, nil
	case bool:
		buf = binary.LittleEndian.AppendUint32(buf, tBool)
		if x {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case uint32:
		buf = binary.LittleEndian.AppendUint32(buf, tUint32)
		return binary.LittleEndian.AppendUint32(buf, x), nil
	case int32:
		buf = binary.LittleEndian.AppendUint32(buf, tInt32)
		return binary.LittleEndian.AppendUint32(buf, uint32(x)), nil
	case uint64:
		buf = binary.LittleEndian.AppendUint32(buf, tUint64)
		return binary.LittleEndian.AppendUint64(buf, x), nil
	case int64:
		buf = binary.LittleEndian.AppendUint32(buf, tInt64)
		return binary.LittleEndian.AppendUint64(buf, uint64(x)), nil
	case float32:
		buf = binary.LittleEndian.AppendUint32(buf, tFloat32)
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(x)), nil
	case float64:
		buf = binary.LittleEndian.AppendUint32(buf, tFloat64)
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(x)), nil
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}
