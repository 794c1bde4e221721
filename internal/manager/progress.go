package manager

import (
	"sync"
	"time"
)

const progressBuffer = 32

// progressHub fans progress events out to subscribers. A subscriber that
// falls behind loses the oldest undelivered events.
type progressHub struct {
	mu   sync.Mutex
	subs map[int]chan Progress
	next int
	last *Progress
}

func newProgressHub() *progressHub {
	return &progressHub{subs: make(map[int]chan Progress)}
}

func (h *progressHub) emit(p Progress) {
	if p.Time.IsZero() {
		p.Time = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &p
	for _, ch := range h.subs {
		for {
			select {
			case ch <- p:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func (h *progressHub) latest() (Progress, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.last == nil {
		return Progress{}, false
	}
	return *h.last, true
}

func (h *progressHub) subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, progressBuffer)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// SubscribeProgress streams load progress events. Call cancel to stop; the
// channel is then closed.
func (m *Manager) SubscribeProgress() (<-chan Progress, func()) {
	return m.progress.subscribe()
}
