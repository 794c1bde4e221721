package manager

import (
	"context"
	"time"
)

// Unload drains generations and unloads the resident model.
//   - Sets state to draining to reject new enqueues.
//   - Waits up to drainTimeout for in-flight and queued requests to finish.
//   - Unloads the engine and clears the current model.
func (m *Manager) Unload(ctx context.Context) error {
	if !m.loadMu.TryLock() {
		return ErrLoadInProgress
	}
	defer m.loadMu.Unlock()

	m.mu.Lock()
	cur := m.cur
	prev := m.state
	if cur == nil {
		m.mu.Unlock()
		return noModelError{}
	}
	m.state = StateDraining
	m.mu.Unlock()
	path := cur.Manifest.FilePath
	m.publish("unload_start", path, nil)

	dctx, cancel := context.WithTimeout(ctx, m.drainTimeout)
	defer cancel()
	release, err := m.acquireEngine(dctx)
	if err != nil {
		if ctx.Err() != nil {
			m.mu.Lock()
			m.state = prev
			m.mu.Unlock()
			return ctx.Err()
		}
		// Drain timed out; abort the running generation and take the slot.
		m.publish("unload_timeout", path, map[string]any{"inflight": len(m.genCh), "queue": len(m.queueCh)})
		m.eng.Abort()
		release, err = m.acquireEngine(ctx)
		if err != nil {
			m.mu.Lock()
			m.state = prev
			m.mu.Unlock()
			return err
		}
	}
	defer release()

	start := time.Now()
	m.eng.Unload()
	m.mu.Lock()
	m.cur = nil
	m.state = StateIdle
	m.mu.Unlock()
	m.log.Info().Str("model", path).Dur("took", time.Since(start)).Msg("unload_done")
	m.publish("unload_done", path, nil)
	return nil
}
