// Package kvcache keeps compressed per-conversation inference state within a
// byte and entry budget. Snapshots are verified against a checksum of the
// uncompressed bytes on every read; anything that fails verification is
// dropped and reported as a miss.
package kvcache

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultMaxBytes   = 256 << 20
	DefaultMaxEntries = 50

	// evictBatch bounds the candidates taken from one scoring pass.
	evictBatch = 5
	// minAge keeps the score finite for entries touched this instant.
	minAge = 1e-3
)

// Config sizes a Store. Zero values select defaults.
type Config struct {
	MaxBytes   int64
	MaxEntries int
	// DualCodecThreshold is the payload size from which zstd is tried next
	// to LZ4. Zero selects DefaultDualCodecThreshold; negative disables zstd.
	DualCodecThreshold int
	// Dir makes the store durable: one snapshot file per conversation.
	Dir    string
	Logger zerolog.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Store is safe for concurrent use. A single mutex guards the index for
// every read and mutation.
type Store struct {
	mu   sync.Mutex
	idx  *index
	disk *diskBackend

	maxBytes   int64
	maxEntries int
	dual       int
	log        zerolog.Logger
	now        func() time.Time

	hits, misses, evictions, corruptions uint64

	subs    map[int]chan Stats
	nextSub int
}

// New builds a store. With cfg.Dir set, existing snapshots are indexed and
// invalid ones purged.
func New(cfg Config) (*Store, error) {
	s := &Store{
		idx:        newIndex(),
		maxBytes:   cfg.MaxBytes,
		maxEntries: cfg.MaxEntries,
		dual:       cfg.DualCodecThreshold,
		log:        cfg.Logger,
		now:        cfg.Now,
		subs:       make(map[int]chan Stats),
	}
	if s.maxBytes <= 0 {
		s.maxBytes = DefaultMaxBytes
	}
	if s.maxEntries <= 0 {
		s.maxEntries = DefaultMaxEntries
	}
	if s.dual == 0 {
		s.dual = DefaultDualCodecThreshold
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.Dir != "" {
		s.disk = &diskBackend{dir: cfg.Dir, log: cfg.Logger}
		entries, err := s.disk.load()
		if err != nil {
			return nil, err
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].lastAccess.Before(entries[j].lastAccess) })
		s.mu.Lock()
		for _, e := range entries {
			s.idx.insert(e)
		}
		// The budget may have shrunk since the files were written.
		for s.idx.len() > 0 && (s.idx.bytes > s.maxBytes || s.idx.len() > s.maxEntries) {
			s.evictPassLocked(0, s.now())
		}
		s.publishLocked()
		s.mu.Unlock()
		s.log.Info().Str("dir", cfg.Dir).Int("entries", s.idx.len()).Int64("bytes", s.idx.bytes).Msg("kv_cache_opened")
	}
	return s, nil
}

// Durable reports whether snapshots are persisted to disk.
func (s *Store) Durable() bool { return s.disk != nil }

// Store compresses and saves data for a conversation, replacing any previous
// snapshot. It returns false when the snapshot cannot be kept.
func (s *Store) Store(id int64, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sum := Checksum(data)
	payload, codec, err := Compress(data, s.dual)
	if err != nil {
		s.log.Warn().Err(err).Int64("conversation", id).Msg("kv_compress_failed")
		return false
	}
	size := int64(len(payload))
	if size > s.maxBytes {
		s.log.Warn().Int64("conversation", id).Int64("bytes", size).Int64("max_bytes", s.maxBytes).Msg("kv_snapshot_exceeds_budget")
		return false
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.idx.lookup(id); ok {
		s.dropLocked(i, false)
	}
	s.makeRoomLocked(size, now)
	e := entry{
		id:             id,
		codec:          codec,
		originalSize:   int64(len(data)),
		compressedSize: size,
		checksum:       sum,
		createdAt:      now,
		lastAccess:     now,
	}
	if s.disk != nil {
		if err := s.disk.write(&e, payload); err != nil {
			s.log.Warn().Err(err).Int64("conversation", id).Msg("kv_snapshot_write_failed")
			s.disk.remove(id)
			s.publishLocked()
			return false
		}
	} else {
		e.payload = payload
	}
	s.idx.insert(e)
	metricStores.WithLabelValues(codec.String()).Inc()
	s.publishLocked()
	s.log.Debug().Int64("conversation", id).Str("codec", codec.String()).
		Int64("original", e.originalSize).Int64("compressed", size).Msg("kv_snapshot_stored")
	return true
}

// Retrieve returns the decompressed snapshot, or false on a miss. Entries
// that fail verification are evicted and count as misses.
func (s *Store) Retrieve(id int64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.idx.lookup(id)
	if !ok {
		s.misses++
		metricMisses.Inc()
		s.publishLocked()
		return nil, false
	}
	e := s.idx.at(i)
	payload := e.payload
	if s.disk != nil {
		var err error
		if payload, err = s.disk.read(e); err != nil {
			s.corruptLocked(i, err)
			return nil, false
		}
	}
	data, err := decompress(payload, int(e.originalSize))
	if err != nil {
		s.corruptLocked(i, err)
		return nil, false
	}
	if int64(len(data)) != e.originalSize || Checksum(data) != e.checksum {
		s.corruptLocked(i, errChecksum)
		return nil, false
	}
	e.accessCount++
	e.lastAccess = s.now()
	s.idx.touch(i)
	s.hits++
	metricHits.Inc()
	s.publishLocked()
	return data, true
}

// Remove drops a conversation's snapshot. It reports whether one existed.
func (s *Store) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.idx.lookup(id)
	if !ok {
		return false
	}
	s.dropLocked(i, true)
	s.publishLocked()
	return true
}

// ClearAll drops every snapshot.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx.reset()
	if s.disk != nil {
		s.disk.removeAll()
	}
	s.publishLocked()
	s.log.Info().Msg("kv_cache_cleared")
}

func (s *Store) dropLocked(i int32, deleteFile bool) entry {
	e := s.idx.remove(i)
	if deleteFile && s.disk != nil {
		s.disk.remove(e.id)
	}
	return e
}

func (s *Store) corruptLocked(i int32, cause error) {
	e := s.dropLocked(i, true)
	s.corruptions++
	s.misses++
	metricCorruptions.Inc()
	metricMisses.Inc()
	s.publishLocked()
	s.log.Warn().Err(cause).Int64("conversation", e.id).Msg("kv_snapshot_corrupt_evicted")
}

// score ranks eviction candidates; lowest goes first.
func score(e *entry, now time.Time) float64 {
	sinceAccess := max(now.Sub(e.lastAccess).Seconds(), minAge)
	sinceCreate := max(now.Sub(e.createdAt).Seconds(), minAge)
	return float64(e.accessCount)/sinceAccess + 1/float64(max(e.compressedSize, 1)) + 1/sinceCreate
}

// victimsLocked returns up to n slots with the lowest scores. Equal scores
// keep recency order, least recent first.
func (s *Store) victimsLocked(n int, now time.Time) []int32 {
	type cand struct {
		slot  int32
		score float64
	}
	cands := make([]cand, 0, s.idx.len())
	s.idx.oldestFirst(func(i int32, e *entry) bool {
		cands = append(cands, cand{i, score(e, now)})
		return true
	})
	sort.SliceStable(cands, func(a, b int) bool { return cands[a].score < cands[b].score })
	out := make([]int32, 0, min(n, len(cands)))
	for _, c := range cands[:min(n, len(cands))] {
		out = append(out, c.slot)
	}
	return out
}

func (s *Store) fitsLocked(need int64) bool {
	return s.idx.bytes+need <= s.maxBytes && s.idx.len()+1 <= s.maxEntries
}

// makeRoomLocked evicts until an entry of need bytes fits.
func (s *Store) makeRoomLocked(need int64, now time.Time) {
	for s.idx.len() > 0 && !s.fitsLocked(need) {
		s.evictPassLocked(need, now)
	}
}

// evictPassLocked scores once and evicts up to evictBatch candidates one at
// a time, stopping as soon as need bytes fit.
func (s *Store) evictPassLocked(need int64, now time.Time) {
	for _, i := range s.victimsLocked(evictBatch, now) {
		e := s.dropLocked(i, true)
		s.evictions++
		metricEvictions.Inc()
		s.log.Debug().Int64("conversation", e.id).Int64("bytes", e.compressedSize).Msg("kv_snapshot_evicted")
		if need > 0 && s.fitsLocked(need) {
			return
		}
		if need == 0 && s.idx.bytes <= s.maxBytes && s.idx.len() <= s.maxEntries {
			return
		}
	}
}
