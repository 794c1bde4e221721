package manager

import (
	"context"
	"time"
)

// beginGeneration reserves a queue slot and then the engine slot.
// Returns a release func to be deferred.
func (m *Manager) beginGeneration(ctx context.Context) (func(), error) {
	m.mu.RLock()
	draining := m.state == StateDraining
	m.mu.RUnlock()
	// If draining, reject new work to allow graceful unload
	if draining {
		return func() {}, tooBusyError{what: "draining"}
	}

	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}

	// Try to reserve a queue slot with timeout
	timer := time.NewTimer(m.maxWait)
	defer timer.Stop()
	select {
	case m.queueCh <- struct{}{}:
		metricQueueLen.Set(float64(len(m.queueCh)))
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer.C:
		metricRejected.Inc()
		return func() {}, tooBusyError{what: "generation queue"}
	}

	// Wait to acquire the engine slot
	acquired := false
	defer func() {
		if !acquired {
			<-m.queueCh
			metricQueueLen.Set(float64(len(m.queueCh)))
		}
	}()
	timer2 := time.NewTimer(m.maxWait)
	defer timer2.Stop()
	select {
	case m.genCh <- struct{}{}:
		acquired = true
		return func() {
			<-m.genCh
			<-m.queueCh
			metricQueueLen.Set(float64(len(m.queueCh)))
		}, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	case <-timer2.C:
		metricRejected.Inc()
		return func() {}, tooBusyError{what: "generation queue"}
	}
}

// acquireEngine takes the engine slot for a load or unload, waiting for the
// in-flight generation to finish.
func (m *Manager) acquireEngine(ctx context.Context) (func(), error) {
	select {
	case m.genCh <- struct{}{}:
		return func() { <-m.genCh }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
}
