package manager

import (
	"time"

	"peerd/internal/preload"
	"peerd/pkg/types"
)

// Snapshot returns a read-only view of the manager state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var cur *ModelInfo
	if m.cur != nil {
		c := *m.cur
		cur = &c
	}
	return Snapshot{State: m.state, CurrentModel: cur, Err: m.err}
}

// Status builds a detailed status response for /status.
func (m *Manager) Status() types.StatusResponse {
	m.mu.RLock()
	resp := types.StatusResponse{
		State:          string(m.state),
		LoadInProgress: m.loadCancel != nil,
		LastError:      m.err,
		QueueLen:       len(m.queueCh),
		Inflight:       len(m.genCh),
		MaxQueueDepth:  cap(m.queueCh),
		LoadsTotal:     m.loadsTotal,
		UptimeSeconds:  int64(time.Since(m.startTime).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	if m.cur != nil {
		mdl := modelFromManifest(m.cur.Manifest)
		resp.Model = &mdl
		resp.Config = engineConfig(m.cur.Config)
	}
	m.mu.RUnlock()

	if p, ok := m.progress.latest(); ok {
		dto := ProgressDTO(p)
		resp.Progress = &dto
	}
	resp.Cache = m.CacheStats()
	if m.preloader != nil {
		for _, pm := range m.preloader.Snapshot() {
			if pm.Status == preload.Ready {
				resp.Preloaded++
			}
		}
	}
	resp.Accelerator = accelProfile(m.est.Profile(m.device))
	return resp
}
