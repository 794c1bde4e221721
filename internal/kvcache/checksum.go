package kvcache

import "encoding/binary"

// Checksum XOR-folds data as little-endian 64-bit words. A trailing partial
// word is zero-padded.
func Checksum(data []byte) uint64 {
	var sum uint64
	n := len(data) &^ 7
	for i := 0; i < n; i += 8 {
		sum ^= binary.LittleEndian.Uint64(data[i:])
	}
	if n < len(data) {
		var tail [8]byte
		copy(tail[:], data[n:])
		sum ^= binary.LittleEndian.Uint64(tail[:])
	}
	return sum
}
