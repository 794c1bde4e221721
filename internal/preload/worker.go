package preload

import (
	"sort"
	"time"
)

// consume dequeues requests and runs them under the concurrency bound.
func (p *Preloader) consume() {
	for {
		it, ok := p.next()
		if !ok {
			return
		}
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		if !p.begin(it) {
			p.sem.Release(1)
			continue
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			p.run(it.path)
		}()
	}
}

// next blocks until an item is available or the preloader stops.
func (p *Preloader) next() (*item, bool) {
	for {
		p.mu.Lock()
		it, ok := p.queue.pop()
		metricQueued.Set(float64(p.queue.Len()))
		p.mu.Unlock()
		if ok {
			return it, true
		}
		select {
		case <-p.wake:
		case <-p.ctx.Done():
			return nil, false
		}
	}
}

// begin re-runs admission for a dequeued item and marks it Loading.
func (p *Preloader) begin(it *item) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.table[it.path]
	if !ok || m.Status != Queued {
		return false
	}
	if r := p.admitLocked(it.path, it.priority); r != "" {
		delete(p.table, it.path)
		p.skipLocked(it.path, r)
		p.publishLocked()
		return false
	}
	m.Status = Loading
	p.publishLocked()
	return true
}

func (p *Preloader) run(path string) {
	start := p.now()
	err := p.v.Validate(p.ctx, path)

	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.table[path]
	if !ok || m.Status != Loading {
		return
	}
	if p.ctx.Err() != nil {
		delete(p.table, path)
		p.publishLocked()
		return
	}
	if err != nil {
		m.Status = Failed
		m.Error = err.Error()
		metricRuns.WithLabelValues("failed").Inc()
		p.log.Warn().Err(err).Str("model", path).Msg("preload_failed")
		p.publishLocked()
		return
	}
	now := p.now()
	m.Status = Ready
	m.PreloadedAt = now
	m.LastAccess = now
	m.Error = ""
	metricRuns.WithLabelValues("ready").Inc()
	p.log.Info().Str("model", path).Dur("took", now.Sub(start)).Msg("preload_ready")
	p.enforceCapacityLocked()
	p.publishLocked()
}

// enforceCapacityLocked evicts the oldest preloads until the table is within
// its cap.
func (p *Preloader) enforceCapacityLocked() {
	over := p.readyCountLocked() - p.max
	if over <= 0 {
		return
	}
	ready := p.readyLocked()
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].PreloadedAt.Before(ready[j].PreloadedAt)
	})
	for _, m := range ready[:over] {
		p.evictLocked(m.Path, "capacity")
	}
}

func (p *Preloader) readyLocked() []*Model {
	var out []*Model
	for _, m := range p.table {
		if m.Status == Ready {
			out = append(out, m)
		}
	}
	return out
}

func (p *Preloader) evictLocked(path, cause string) {
	delete(p.table, path)
	metricEvictions.WithLabelValues(cause).Inc()
	p.log.Debug().Str("model", path).Str("cause", cause).Msg("preload_evicted")
}

func (p *Preloader) monitor() {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.CheckMemory()
		case <-p.ctx.Done():
			return
		}
	}
}

// CheckMemory applies the pressure policy once and returns how many preloads
// were evicted. At CriticalPressure every preload goes; at HighPressure the
// least used half goes, older first among equals.
func (p *Preloader) CheckMemory() int {
	pressure := p.pressure()
	if pressure < HighPressure {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	ready := p.readyLocked()
	if len(ready) == 0 {
		return 0
	}
	victims := ready
	cause := "critical_memory"
	if pressure < CriticalPressure {
		cause = "memory_pressure"
		sort.SliceStable(victims, func(i, j int) bool {
			if victims[i].AccessCount != victims[j].AccessCount {
				return victims[i].AccessCount < victims[j].AccessCount
			}
			return victims[i].PreloadedAt.Before(victims[j].PreloadedAt)
		})
		victims = victims[:(len(victims)+1)/2]
	}
	for _, m := range victims {
		p.evictLocked(m.Path, cause)
	}
	p.log.Info().Float64("pressure", pressure).Int("evicted", len(victims)).Msg("preload_memory_sweep")
	p.publishLocked()
	return len(victims)
}
