package manager

import (
	"os"
	"time"

	json "github.com/goccy/go-json"

	"peerd/internal/common/fsutil"
	"peerd/internal/engine"
)

type savedConfig struct {
	Config  engine.Config `json:"config"`
	Reason  Reason        `json:"reason"`
	SavedAt int64         `json:"saved_unix"`
}

func (m *Manager) loadLastGood() {
	m.lastGood = make(map[string]savedConfig)
	if m.statePath == "" {
		return
	}
	b, err := os.ReadFile(m.statePath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warn().Err(err).Str("path", m.statePath).Msg("config_state_read_failed")
		}
		return
	}
	var data map[string]savedConfig
	if err := json.Unmarshal(b, &data); err != nil {
		m.log.Warn().Err(err).Str("path", m.statePath).Msg("config_state_corrupt")
		return
	}
	m.lastGood = data
}

// saveChosen records cfg as the last good config for its model.
func (m *Manager) saveChosen(a LoadAttempt) {
	m.mu.Lock()
	m.lastGood[a.Config.ModelPath] = savedConfig{Config: a.Config, Reason: a.Reason, SavedAt: time.Now().Unix()}
	snap := make(map[string]savedConfig, len(m.lastGood))
	for k, v := range m.lastGood {
		snap[k] = v
	}
	m.mu.Unlock()
	if m.statePath == "" {
		return
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	if err := fsutil.WriteFileAtomic(m.statePath, b, 0o644); err != nil {
		m.log.Warn().Err(err).Str("path", m.statePath).Msg("config_state_write_failed")
	}
}

// lastGoodLayers returns the accelerator layers of the last successful
// accelerated load of path at ctxLen.
func (m *Manager) lastGoodLayers(path string, ctxLen int) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.lastGood[path]
	if !ok || !s.Config.UseAccelerator || s.Config.ContextLength != ctxLen || s.Config.AcceleratorLayers <= 0 {
		return 0, false
	}
	return s.Config.AcceleratorLayers, true
}
