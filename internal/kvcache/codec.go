package kvcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec identifies the compressor that produced a payload.
type Codec uint8

const (
	CodecLZ4 Codec = iota + 1
	CodecZstd
)

func (c Codec) String() string {
	switch c {
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	}
	return "unknown"
}

// DefaultDualCodecThreshold is the payload size from which both codecs are
// tried and the smaller output kept.
const DefaultDualCodecThreshold = 1 << 20

const lz4SizePrefix = 4

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

// compressLZ4 frames an LZ4 block with the 4-byte little-endian original size.
func compressLZ4(src []byte) ([]byte, error) {
	if uint64(len(src)) > math.MaxUint32 {
		return nil, errors.New("kvcache: payload too large for lz4 framing")
	}
	dst := make([]byte, lz4SizePrefix+lz4.CompressBlockBound(len(src)))
	binary.LittleEndian.PutUint32(dst, uint32(len(src)))
	n, err := lz4.CompressBlock(src, dst[lz4SizePrefix:], nil)
	if err != nil {
		return nil, fmt.Errorf("kvcache: lz4 compress: %w", err)
	}
	return dst[:lz4SizePrefix+n], nil
}

// decompressLZ4 parses the framing. want, when positive, must match the
// declared size; it lets callers skip the allocation for foreign payloads.
func decompressLZ4(b []byte, want int) ([]byte, error) {
	if len(b) <= lz4SizePrefix {
		return nil, errors.New("kvcache: lz4 frame too short")
	}
	size := int(binary.LittleEndian.Uint32(b))
	payload := b[lz4SizePrefix:]
	switch {
	case want > 0 && size != want:
		return nil, fmt.Errorf("kvcache: lz4 frame declares %d bytes, want %d", size, want)
	case size == 0:
		// An empty block is a single zero-length literal token.
		if len(payload) != 1 || payload[0] != 0 {
			return nil, errors.New("kvcache: lz4 empty frame carries data")
		}
		return []byte{}, nil
	case size > len(payload)*255+16:
		return nil, errors.New("kvcache: lz4 frame size exceeds block bound")
	}
	dst := make([]byte, size)
	n, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return nil, fmt.Errorf("kvcache: lz4 decompress: %w", err)
	}
	if n != size {
		return nil, fmt.Errorf("kvcache: lz4 decompressed %d bytes, frame declares %d", n, size)
	}
	return dst, nil
}

func compressZstd(src []byte) ([]byte, error) {
	enc, _, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func decompressZstd(b []byte) ([]byte, error) {
	_, dec, err := zstdCodecs()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("kvcache: zstd decompress: %w", err)
	}
	return out, nil
}

// Compress encodes src. Payloads below dualThreshold use LZ4 only; larger
// ones are compressed with both codecs and the smaller output wins, ties
// going to LZ4. A dualThreshold <= 0 disables zstd.
func Compress(src []byte, dualThreshold int) ([]byte, Codec, error) {
	fast, err := compressLZ4(src)
	if err != nil {
		return nil, 0, err
	}
	if dualThreshold <= 0 || len(src) < dualThreshold {
		return fast, CodecLZ4, nil
	}
	dense, err := compressZstd(src)
	if err != nil {
		return fast, CodecLZ4, nil
	}
	if len(dense) < len(fast) {
		return dense, CodecZstd, nil
	}
	return fast, CodecLZ4, nil
}

// Decompress reverses Compress. The LZ4 framing is tried first; any parse
// failure falls back to zstd.
func Decompress(b []byte) ([]byte, error) {
	return decompress(b, 0)
}

func decompress(b []byte, want int) ([]byte, error) {
	out, lzErr := decompressLZ4(b, want)
	if lzErr == nil {
		return out, nil
	}
	out, zErr := decompressZstd(b)
	if zErr != nil {
		return nil, errors.Join(lzErr, zErr)
	}
	return out, nil
}
