package kvcache

import "errors"

var errChecksum = errors.New("kvcache: checksum mismatch")

// Stats is the cache read model.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Corruptions uint64
	Bytes       int64
	Entries     int
	MaxBytes    int64
	MaxEntries  int
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() Stats {
	return Stats{
		Hits:        s.hits,
		Misses:      s.misses,
		Evictions:   s.evictions,
		Corruptions: s.corruptions,
		Bytes:       s.idx.bytes,
		Entries:     s.idx.len(),
		MaxBytes:    s.maxBytes,
		MaxEntries:  s.maxEntries,
	}
}

// Subscribe returns a channel that receives the latest Stats after every
// change. Slow subscribers only see the most recent value. Call cancel to
// stop receiving; the channel is closed.
func (s *Store) Subscribe() (<-chan Stats, func()) {
	ch := make(chan Stats, 1)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.statsLocked()
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

func (s *Store) publishLocked() {
	st := s.statsLocked()
	metricBytes.Set(float64(st.Bytes))
	metricEntries.Set(float64(st.Entries))
	for _, ch := range s.subs {
		select {
		case ch <- st:
			continue
		default:
		}
		// Replace the stale value.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
