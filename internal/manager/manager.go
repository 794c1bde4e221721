package manager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"peerd/internal/accel"
	"peerd/internal/engine"
	"peerd/internal/health"
	"peerd/internal/kvcache"
	"peerd/internal/manifest"
	"peerd/internal/preload"
	"peerd/internal/stream"
	"peerd/pkg/types"
)

type Manager struct {
	log       zerolog.Logger
	eng       engine.Engine
	store     manifest.Store
	importer  Importer
	est       *accel.Estimator
	device    accel.Device
	validator *Validator
	preloader *preload.Preloader
	cache     *kvcache.Store
	checker   *health.Checker
	pipeline  *stream.Pipeline
	onRecover func(RecoveryReport)

	// loadMu serializes load orchestrations; Load uses TryLock.
	loadMu sync.Mutex

	mu         sync.RWMutex
	state      State
	cur        *ModelInfo
	err        string
	loadCancel context.CancelCauseFunc
	loadsTotal uint64
	publisher  EventPublisher
	lastGood   map[string]savedConfig
	statePath  string
	startTime  time.Time

	progress *progressHub

	ctxLen        int
	threads       int
	maxTries      int
	loadTimeout   time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration
	manifestWait  time.Duration
	recoveryPause time.Duration

	// Generation admission: genCh is the single engine slot shared with
	// Load and Unload; queueCh bounds waiting generations.
	genCh         chan struct{}
	queueCh       chan struct{}
	maxQueueDepth int
	maxWait       time.Duration
	drainTimeout  time.Duration
}

func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateReady && m.cur != nil
}

// Current returns the resident model, if any.
func (m *Manager) Current() (ModelInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cur == nil {
		return ModelInfo{}, false
	}
	return *m.cur, true
}

// ListModels returns the catalog.
func (m *Manager) ListModels(ctx context.Context) ([]types.Model, error) {
	list, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Model, 0, len(list))
	for _, mf := range list {
		out = append(out, modelFromManifest(mf))
	}
	return out, nil
}

// ImportModel registers a completed local file with the catalog.
func (m *Manager) ImportModel(ctx context.Context, req types.ImportRequest) (types.Model, error) {
	if m.importer == nil {
		return types.Model{}, ErrDependencyUnavailable("import not configured")
	}
	if req.Path == "" {
		return types.Model{}, &ValidationError{Path: req.Path, Reason: "path is required"}
	}
	mf, err := m.importer.Import(ctx, req.Path, req.SourceURL, req.IsDefault)
	if err != nil {
		return types.Model{}, &ValidationError{Path: req.Path, Reason: err.Error()}
	}
	m.validator.Invalidate(req.Path)
	m.publish("model_imported", req.Path, map[string]any{"family": mf.Family})
	return modelFromManifest(mf), nil
}

// DeleteModel removes a manifest. The resident model cannot be deleted.
func (m *Manager) DeleteModel(ctx context.Context, path string) error {
	if cur, ok := m.Current(); ok && cur.Manifest.FilePath == path {
		return modelInUseError{path: path}
	}
	if err := m.store.Delete(ctx, path); err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return ErrModelNotFound(path)
		}
		return err
	}
	m.ForgetFile(path)
	m.publish("model_deleted", path, nil)
	return nil
}

// ForgetFile drops every per-file cache entry for path: the validation
// verdict and any preload. Call it when the file is removed or replaced.
func (m *Manager) ForgetFile(path string) {
	m.validator.Invalidate(path)
	if m.preloader != nil {
		m.preloader.Forget(path)
	}
}

// Estimate reports the accelerator estimate for a catalog model.
func (m *Manager) Estimate(ctx context.Context, path string, contextLength int) (types.EstimateResponse, error) {
	mf, err := m.store.Get(ctx, path)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return types.EstimateResponse{}, ErrModelNotFound(path)
		}
		return types.EstimateResponse{}, err
	}
	if contextLength <= 0 {
		contextLength = m.ctxLen
	}
	return EstimateFor(m.est, m.device, mf.Family, contextLength), nil
}

// EstimateFor builds the estimate response for a family and context.
func EstimateFor(est *accel.Estimator, d accel.Device, family string, contextLength int) types.EstimateResponse {
	p := est.Profile(d)
	mp := est.Estimate(d, family, contextLength)
	return types.EstimateResponse{
		Device: accelProfile(p),
		Model: types.MemoryProfile{
			RecommendedLayers:   mp.RecommendedLayers,
			EstimatedUsageBytes: int64(mp.EstimatedUsageBytes),
			CanUseAccelerator:   mp.CanUseAccelerator,
			Reasoning:           mp.Reasoning,
		},
		Family:        family,
		ContextLength: contextLength,
	}
}

// CacheStats returns the conversation state cache counters.
func (m *Manager) CacheStats() types.CacheStats {
	if m.cache == nil {
		return types.CacheStats{}
	}
	return cacheStats(m.cache.Stats())
}

// ForgetConversation drops the cached state of one conversation.
func (m *Manager) ForgetConversation(id int64) bool {
	if m.cache == nil {
		return false
	}
	return m.cache.Remove(id)
}

// ClearCache drops every cached conversation state.
func (m *Manager) ClearCache() {
	if m.cache != nil {
		m.cache.ClearAll()
	}
}

// Preload schedules a background preload.
func (m *Manager) Preload(req types.PreloadRequest) (preload.Decision, error) {
	if m.preloader == nil {
		return preload.Decision{}, ErrDependencyUnavailable("preloader not configured")
	}
	if req.Path == "" {
		return preload.Decision{}, &ValidationError{Reason: "path is required"}
	}
	return m.preloader.Request(req.Path, req.Priority), nil
}

// PreloadStatus lists the preload table.
func (m *Manager) PreloadStatus() types.PreloadResponse {
	if m.preloader == nil {
		return types.PreloadResponse{Models: []types.PreloadStatus{}}
	}
	return preloadResponse(m.preloader.Snapshot(), m.preloader.Max())
}

// Close waits for background generations to settle their cache updates.
func (m *Manager) Close() {
	m.CancelLoad()
	m.pipeline.Wait()
}
