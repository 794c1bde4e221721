// Package stream turns the engine's push-style token callback into a
// batched, cancellable event channel and keeps the conversation state cache
// in step with each generation.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"peerd/internal/engine"
)

// Kind tags an Event.
type Kind int

const (
	Token Kind = iota
	Terminal
)

// Event is either a Token with Text or the Terminal event with Metrics.
// Terminal is the last event on a channel and is sent at most once.
type Event struct {
	Kind    Kind
	Text    string
	Metrics engine.Metrics
	// Err is set on a Terminal event when generation failed.
	Err error
}

// Cache is the conversation state store consulted around each generation.
type Cache interface {
	Store(id int64, data []byte) bool
	Retrieve(id int64) ([]byte, bool)
	Remove(id int64) bool
}

// Request describes one generation. ConversationID <= 0 bypasses the cache.
type Request struct {
	ConversationID int64
	Prompt         string
	Params         engine.Params
}

const (
	DefaultBatchSize     = 10
	DefaultFlushInterval = 50 * time.Millisecond
	DefaultBuffer        = 64
)

// ErrBackpressure is reported when the consumer fell behind and generation
// was aborted.
var ErrBackpressure = errors.New("stream: consumer too slow, generation aborted")

// Config tunes the pipeline. Zero values select defaults.
type Config struct {
	Logger        zerolog.Logger
	BatchSize     int
	FlushInterval time.Duration
	// Buffer is the capacity of both the native bridge and the event
	// channel. It must hold at least one batch.
	Buffer int
}

// Pipeline runs one generation at a time against an engine.
type Pipeline struct {
	eng   engine.Engine
	cache Cache
	log   zerolog.Logger

	batch    int
	interval time.Duration
	buffer   int

	slot chan struct{}
	wg   sync.WaitGroup
}

// New builds a pipeline. cache may be nil.
func New(eng engine.Engine, cache Cache, cfg Config) *Pipeline {
	p := &Pipeline{
		eng:      eng,
		cache:    cache,
		log:      cfg.Logger,
		batch:    cfg.BatchSize,
		interval: cfg.FlushInterval,
		buffer:   cfg.Buffer,
		slot:     make(chan struct{}, 1),
	}
	if p.batch <= 0 {
		p.batch = DefaultBatchSize
	}
	if p.interval <= 0 {
		p.interval = DefaultFlushInterval
	}
	if p.buffer <= 0 {
		p.buffer = DefaultBuffer
	}
	if p.buffer < p.batch {
		p.buffer = p.batch
	}
	return p
}

// Generate starts a generation and returns its event channel. The channel
// is closed after Terminal, once the conversation state has been captured
// or dropped. Callers must drain it or cancel ctx; cancelling
// before Terminal aborts the engine.
func (p *Pipeline) Generate(ctx context.Context, req Request) <-chan Event {
	out := make(chan Event, p.buffer)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, req, out)
	}()
	return out
}

// Wait blocks until every started generation, including its cache update,
// has finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

type outcome int

const (
	completed outcome = iota
	failed
	cancelled
)

func (p *Pipeline) run(ctx context.Context, req Request, out chan Event) {
	defer close(out)
	select {
	case p.slot <- struct{}{}:
	case <-ctx.Done():
		p.terminal(ctx, out, Event{Kind: Terminal, Metrics: engine.Metrics{StopReason: engine.StopCancelled}, Err: ctx.Err()})
		return
	}
	defer func() { <-p.slot }()

	id := req.ConversationID
	if id > 0 && p.cache != nil {
		if state, ok := p.cache.Retrieve(id); ok && !p.eng.RestoreState(state) {
			p.log.Warn().Int64("conversation", id).Msg("state_restore_rejected")
			p.cache.Remove(id)
		}
	}

	var (
		abortOnce  sync.Once
		overflowed atomic.Bool
		tokens     = make(chan string, p.buffer)
		genErr     = make(chan error, 1)
	)
	abort := func() { abortOnce.Do(p.eng.Abort) }

	go func() {
		err := p.eng.GenerateStream(ctx, req.Prompt, req.Params, func(text string, done bool) {
			if done || overflowed.Load() {
				return
			}
			select {
			case tokens <- text:
			default:
				overflowed.Store(true)
				abort()
			}
		})
		close(tokens)
		genErr <- err
	}()

	res := p.pump(ctx, tokens, out, abort, &overflowed)
	err := <-genErr

	m := p.metrics()
	term := Event{Kind: Terminal, Metrics: m}
	switch {
	case res == cancelled:
		term.Metrics.StopReason = engine.StopCancelled
		term.Err = ctx.Err()
	case overflowed.Load():
		term.Metrics.StopReason = engine.StopBackpressure
		term.Metrics.Truncated = true
		term.Err = ErrBackpressure
		res = failed
		metricBackpressure.Inc()
	case err != nil:
		if !term.Metrics.Failed() {
			term.Metrics.StopReason = engine.StopError
		}
		term.Err = err
		res = failed
	case term.Metrics.Failed():
		term.Err = errors.New("stream: engine reported " + string(term.Metrics.StopReason))
		res = failed
	}
	p.terminal(ctx, out, term)
	metricGenerations.WithLabelValues(string(term.Metrics.StopReason)).Inc()

	if id <= 0 || p.cache == nil {
		return
	}
	switch res {
	case completed:
		state, err := p.eng.CaptureState()
		if err != nil || len(state) == 0 {
			p.log.Debug().Err(err).Int64("conversation", id).Msg("state_capture_skipped")
			return
		}
		if !p.cache.Store(id, state) {
			p.log.Warn().Int64("conversation", id).Int("bytes", len(state)).Msg("state_store_rejected")
		}
	case failed:
		p.cache.Remove(id)
	}
}

// pump batches tokens from the bridge into out until the bridge closes or
// ctx is cancelled. After a backpressure abort it keeps draining the bridge
// so the engine goroutine can finish.
func (p *Pipeline) pump(ctx context.Context, tokens <-chan string, out chan<- Event, abort func(), overflowed *atomic.Bool) outcome {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	batch := make([]string, 0, p.batch)
	flush := func() {
		for _, t := range batch {
			if overflowed.Load() {
				break
			}
			select {
			case out <- Event{Kind: Token, Text: t}:
				metricTokens.Inc()
			default:
				overflowed.Store(true)
				abort()
			}
		}
		batch = batch[:0]
	}
	for {
		select {
		case t, ok := <-tokens:
			if !ok {
				flush()
				return completed
			}
			if overflowed.Load() {
				continue
			}
			batch = append(batch, t)
			if len(batch) >= p.batch {
				flush()
			}
		case <-ticker.C:
			if len(batch) > 0 {
				flush()
			}
		case <-ctx.Done():
			abort()
			for range tokens {
			}
			return cancelled
		}
	}
}

func (p *Pipeline) metrics() engine.Metrics {
	b, err := p.eng.Metrics()
	if err != nil {
		return engine.Metrics{StopReason: engine.StopError}
	}
	m, err := engine.ParseMetrics(b)
	if err != nil {
		p.log.Warn().Err(err).Msg("metrics_parse_failed")
		return engine.Metrics{StopReason: engine.StopError}
	}
	return m
}

// terminal delivers the Terminal event. A consumer that cancelled only gets
// it if there is room; nobody is waiting otherwise.
func (p *Pipeline) terminal(ctx context.Context, out chan<- Event, ev Event) {
	if ctx.Err() != nil {
		select {
		case out <- ev:
		default:
		}
		return
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
