package kvcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"peerd/internal/common/fsutil"
)

// Snapshot file layout, little-endian:
//
//	[0:4]   magic "PKV1"
//	[4:12]  checksum of the uncompressed bytes
//	[12:20] original size
//	[20:28] payload length
//	[28:36] created-at, unix nanoseconds
//	[36:]   compressed payload
const (
	fileMagic     = "PKV1"
	fileHeaderLen = 36
	filePrefix    = "conv-"
	fileSuffix    = ".kv"
)

var errBadSnapshot = errors.New("kvcache: invalid snapshot file")

type fileHeader struct {
	checksum     uint64
	originalSize int64
	payloadLen   int64
	createdAt    time.Time
}

func (h fileHeader) encode(dst []byte) {
	copy(dst[0:4], fileMagic)
	binary.LittleEndian.PutUint64(dst[4:], h.checksum)
	binary.LittleEndian.PutUint64(dst[12:], uint64(h.originalSize))
	binary.LittleEndian.PutUint64(dst[20:], uint64(h.payloadLen))
	binary.LittleEndian.PutUint64(dst[28:], uint64(h.createdAt.UnixNano()))
}

// parseHeader validates the fixed header against the total file size.
func parseHeader(b []byte, fileSize int64) (fileHeader, error) {
	if fileSize < fileHeaderLen || len(b) < fileHeaderLen {
		return fileHeader{}, fmt.Errorf("%w: %d bytes is below the header size", errBadSnapshot, fileSize)
	}
	if string(b[0:4]) != fileMagic {
		return fileHeader{}, fmt.Errorf("%w: bad magic", errBadSnapshot)
	}
	h := fileHeader{
		checksum:     binary.LittleEndian.Uint64(b[4:]),
		originalSize: int64(binary.LittleEndian.Uint64(b[12:])),
		payloadLen:   int64(binary.LittleEndian.Uint64(b[20:])),
		createdAt:    time.Unix(0, int64(binary.LittleEndian.Uint64(b[28:]))),
	}
	if h.payloadLen <= 0 || h.payloadLen != fileSize-fileHeaderLen {
		return fileHeader{}, fmt.Errorf("%w: payload length %d does not match file size %d", errBadSnapshot, h.payloadLen, fileSize)
	}
	if h.originalSize <= 0 {
		return fileHeader{}, fmt.Errorf("%w: original size %d", errBadSnapshot, h.originalSize)
	}
	return h, nil
}

// diskBackend keeps one snapshot file per conversation.
type diskBackend struct {
	dir string
	log zerolog.Logger
}

func (d *diskBackend) path(id int64) string {
	return filepath.Join(d.dir, filePrefix+strconv.FormatInt(id, 10)+fileSuffix)
}

func (d *diskBackend) write(e *entry, payload []byte) error {
	buf := make([]byte, fileHeaderLen+len(payload))
	fileHeader{
		checksum:     e.checksum,
		originalSize: e.originalSize,
		payloadLen:   int64(len(payload)),
		createdAt:    e.createdAt,
	}.encode(buf)
	copy(buf[fileHeaderLen:], payload)
	return fsutil.WriteFileAtomic(d.path(e.id), buf, 0o600)
}

// read returns the payload after checking the header against e.
func (d *diskBackend) read(e *entry) ([]byte, error) {
	b, err := os.ReadFile(d.path(e.id))
	if err != nil {
		return nil, err
	}
	h, err := parseHeader(b, int64(len(b)))
	if err != nil {
		return nil, err
	}
	if h.checksum != e.checksum || h.originalSize != e.originalSize {
		return nil, fmt.Errorf("%w: header does not match index", errBadSnapshot)
	}
	return b[fileHeaderLen:], nil
}

func (d *diskBackend) remove(id int64) {
	if err := os.Remove(d.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		d.log.Warn().Err(err).Int64("conversation", id).Msg("kv_snapshot_remove_failed")
	}
}

func (d *diskBackend) removeAll() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return
	}
	for _, de := range entries {
		if _, ok := parseFileName(de.Name()); ok {
			_ = os.Remove(filepath.Join(d.dir, de.Name()))
		}
	}
}

func parseFileName(name string) (int64, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// load scans the directory and returns index entries for every valid
// snapshot. Invalid files and leftover temp files are purged.
func (d *diskBackend) load() ([]entry, error) {
	if err := os.MkdirAll(d.dir, 0o700); err != nil {
		return nil, fmt.Errorf("kvcache: create dir: %w", err)
	}
	des, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("kvcache: read dir: %w", err)
	}
	var out []entry
	for _, de := range des {
		name := de.Name()
		full := filepath.Join(d.dir, name)
		if strings.HasPrefix(name, "."+filePrefix) && strings.Contains(name, ".tmp-") {
			_ = os.Remove(full)
			continue
		}
		id, ok := parseFileName(name)
		if !ok || !de.Type().IsRegular() {
			continue
		}
		e, err := d.stat(id, full)
		if err != nil {
			d.log.Warn().Err(err).Str("file", name).Msg("kv_snapshot_purged")
			_ = os.Remove(full)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (d *diskBackend) stat(id int64, path string) (entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return entry{}, err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return entry{}, err
	}
	var hdr [fileHeaderLen]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil && fi.Size() >= fileHeaderLen {
		return entry{}, err
	}
	h, err := parseHeader(hdr[:], fi.Size())
	if err != nil {
		return entry{}, err
	}
	return entry{
		id:             id,
		originalSize:   h.originalSize,
		compressedSize: h.payloadLen,
		checksum:       h.checksum,
		createdAt:      h.createdAt,
		lastAccess:     fi.ModTime(),
	}, nil
}
