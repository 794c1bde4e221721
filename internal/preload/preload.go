// Package preload warms likely-next models in the background. A preload only
// validates the model file; it never activates the model in the engine.
package preload

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"peerd/internal/sysinfo"
)

// Status is the per-path preload state.
type Status string

const (
	Queued  Status = "queued"
	Loading Status = "loading"
	Ready   Status = "ready"
	Failed  Status = "failed"
)

const (
	DefaultMaxConcurrent   = 2
	DefaultMaxPreloaded    = 3
	DefaultMonitorInterval = 30 * time.Second
	DefaultRecentSize      = 16
	DefaultRecentTTL       = time.Hour

	// HighPressure starts admission refusal and partial eviction.
	HighPressure = 0.75
	// CriticalPressure evicts every preloaded model.
	CriticalPressure = 0.90

	// lowPriority and above is refused while the table is full.
	lowPriority  = 2
	recentFanout = 3
)

// ErrShutdown is returned by operations on a stopped preloader.
var ErrShutdown = errors.New("preload: shut down")

// Validator checks that a model file would load. The load orchestrator uses
// the same implementation.
type Validator interface {
	Validate(ctx context.Context, path string) error
}

// Model is the read model of one tracked path.
type Model struct {
	Path        string    `json:"path"`
	Status      Status    `json:"status"`
	Priority    int       `json:"priority"`
	QueuedAt    time.Time `json:"queued_at"`
	PreloadedAt time.Time `json:"preloaded_at"`
	LastAccess  time.Time `json:"last_access"`
	AccessCount int       `json:"access_count"`
	Error       string    `json:"error,omitempty"`
}

// Config tunes a Preloader. Zero values select defaults.
type Config struct {
	Logger          zerolog.Logger
	MaxConcurrent   int
	MaxPreloaded    int
	MonitorInterval time.Duration
	RecentSize      int
	RecentTTL       time.Duration
	// Memory is sampled for admission and by the monitor. Nil disables
	// pressure checks.
	Memory sysinfo.Probe
	Now    func() time.Time
}

// Preloader owns the preload queue and the preloaded table.
type Preloader struct {
	v        Validator
	log      zerolog.Logger
	mem      sysinfo.Probe
	now      func() time.Time
	sem      *semaphore.Weighted
	max      int
	interval time.Duration

	mu      sync.Mutex
	queue   queue
	seq     uint64
	table   map[string]*Model
	recent  *expirable.LRU[string, time.Time]
	subs    map[int]chan map[string]Model
	nextSub int
	stopped bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Preloader. Call Start to run its loops.
func New(v Validator, cfg Config) *Preloader {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxPreloaded <= 0 {
		cfg.MaxPreloaded = DefaultMaxPreloaded
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = DefaultRecentSize
	}
	if cfg.RecentTTL <= 0 {
		cfg.RecentTTL = DefaultRecentTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Preloader{
		v:        v,
		log:      cfg.Logger,
		mem:      cfg.Memory,
		now:      cfg.Now,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		max:      cfg.MaxPreloaded,
		interval: cfg.MonitorInterval,
		table:    make(map[string]*Model),
		recent:   expirable.NewLRU[string, time.Time](cfg.RecentSize, nil, cfg.RecentTTL),
		subs:     make(map[int]chan map[string]Model),
		wake:     make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the queue consumer and the memory monitor. They stop on
// Shutdown or when ctx ends.
func (p *Preloader) Start(ctx context.Context) {
	stop := context.AfterFunc(ctx, p.cancel)
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		defer stop()
		p.consume()
	}()
	go func() {
		defer p.wg.Done()
		p.monitor()
	}()
}

// Request asks for path to be preloaded at priority (lower runs first). The
// returned Decision is the admission verdict at enqueue time; admission is
// checked again when the request is dequeued.
func (p *Preloader) Request(path string, priority int) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requestLocked(path, priority)
}

func (p *Preloader) requestLocked(path string, priority int) Decision {
	if p.stopped {
		return p.skipLocked(path, SkipShutdown)
	}
	if m, ok := p.table[path]; ok && (m.Status == Queued || m.Status == Loading) {
		if m.Status == Queued && priority < m.Priority {
			m.Priority = priority
			p.queue.reprioritize(path, priority)
		}
		return Decision{Path: path, Queued: true}
	}
	if r := p.admitLocked(path, priority); r != "" {
		return p.skipLocked(path, r)
	}
	p.seq++
	p.queue.push(&item{path: path, priority: priority, seq: p.seq})
	p.table[path] = &Model{Path: path, Status: Queued, Priority: priority, QueuedAt: p.now()}
	metricQueued.Set(float64(p.queue.Len()))
	p.publishLocked()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return Decision{Path: path, Queued: true}
}

// admitLocked returns the reason to skip path, or "" to admit it.
func (p *Preloader) admitLocked(path string, priority int) SkipReason {
	if m, ok := p.table[path]; ok && m.Status == Ready {
		return SkipAlreadyPreloaded
	}
	if p.pressure() >= HighPressure {
		return SkipMemoryPressure
	}
	if priority >= lowPriority && p.readyCountLocked() >= p.max {
		return SkipAtCapacity
	}
	if fi, err := os.Stat(path); err != nil || !fi.Mode().IsRegular() {
		return SkipMissingFile
	}
	return ""
}

func (p *Preloader) skipLocked(path string, r SkipReason) Decision {
	metricSkipped.WithLabelValues(string(r)).Inc()
	p.log.Debug().Str("model", path).Str("reason", string(r)).Msg("preload_skipped")
	return Decision{Path: path, Reason: r}
}

func (p *Preloader) pressure() float64 {
	if p.mem == nil {
		return 0
	}
	m, err := p.mem.Memory()
	if err != nil {
		p.log.Debug().Err(err).Msg("memory_probe_failed")
		return 0
	}
	return m.Pressure()
}

func (p *Preloader) readyCountLocked() int {
	n := 0
	for _, m := range p.table {
		if m.Status == Ready {
			n++
		}
	}
	return n
}

// IsReady reports whether path holds a successful preload.
func (p *Preloader) IsReady(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.table[path]
	return ok && m.Status == Ready
}

// MarkRecentlyUsed records a use of path and schedules the most recent other
// models that are not yet preloaded.
func (p *Preloader) MarkRecentlyUsed(path string) []Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return nil
	}
	now := p.now()
	p.recent.Add(path, now)
	if m, ok := p.table[path]; ok && m.Status == Ready {
		m.AccessCount++
		m.LastAccess = now
		p.publishLocked()
	}
	keys := p.recent.Keys() // oldest first
	var out []Decision
	for i := len(keys) - 1; i >= 0 && len(out) < recentFanout; i-- {
		k := keys[i]
		if k == path {
			continue
		}
		if m, ok := p.table[k]; ok && m.Status != Failed {
			continue
		}
		out = append(out, p.requestLocked(k, len(out)))
	}
	return out
}

// Forget drops path from the table and the recent list, typically because
// its file is gone. A queued request for it is skipped when dequeued and an
// in-flight one is discarded on completion.
func (p *Preloader) Forget(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recent.Remove(path)
	if _, ok := p.table[path]; !ok {
		return
	}
	p.evictLocked(path, "removed")
	p.publishLocked()
}

// Snapshot returns a copy of the tracked paths.
func (p *Preloader) Snapshot() map[string]Model {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Preloader) snapshotLocked() map[string]Model {
	out := make(map[string]Model, len(p.table))
	for k, m := range p.table {
		out[k] = *m
	}
	return out
}

// Subscribe returns a channel that receives the latest snapshot after every
// change. Slow subscribers only see the most recent value. Call cancel to
// stop receiving; the channel is closed.
func (p *Preloader) Subscribe() (<-chan map[string]Model, func()) {
	ch := make(chan map[string]Model, 1)
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	ch <- p.snapshotLocked()
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

func (p *Preloader) publishLocked() {
	ready := p.readyCountLocked()
	metricReady.Set(float64(ready))
	snap := p.snapshotLocked()
	for _, ch := range p.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// Shutdown cancels in-flight preloads, stops the loops and clears every
// structure. It is safe to call more than once.
func (p *Preloader) Shutdown() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	clear(p.table)
	p.recent.Purge()
	metricQueued.Set(0)
	p.publishLocked()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}

// Max returns the cap on preloaded models.
func (p *Preloader) Max() int { return p.max }
