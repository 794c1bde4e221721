package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"peerd/internal/accel"
	"peerd/internal/engine"
	"peerd/internal/health"
	"peerd/internal/kvcache"
	"peerd/internal/manifest"
	"peerd/internal/preload"
	"peerd/internal/stream"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxQueueDepth  = 8
	defaultMaxWait        = 30 * time.Second
	defaultDrainTimeout   = 30 * time.Second
	defaultLoadTimeout    = 4 * time.Minute
	defaultMaxTries       = 3
	defaultBackoffBase    = time.Second
	defaultBackoffCap     = 10 * time.Second
	defaultManifestWait   = 500 * time.Millisecond
	defaultRecoveryPause  = 500 * time.Millisecond
	defaultContextLength  = 2048
	defaultThreads        = 4
	reducedLayerThreshold = 5
)

// Importer registers and forgets model files in the catalog.
type Importer interface {
	Import(ctx context.Context, path, sourceURL string, isDefault bool) (manifest.Manifest, error)
	Forget(ctx context.Context, path string) error
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Logger zerolog.Logger

	Engine    engine.Engine
	Manifests manifest.Store
	Importer  Importer
	Estimator *accel.Estimator
	Device    accel.Device
	Validator *Validator
	Preloader *preload.Preloader
	Cache     *kvcache.Store
	Health    health.Config
	Stream    stream.Config

	// Load defaults applied when a request leaves them unset.
	ContextLength int
	Threads       int

	LoadTimeout   time.Duration
	MaxTries      int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	ManifestWait  time.Duration
	RecoveryPause time.Duration
	// StatePath persists the last successful config. Empty disables it.
	StatePath string
	// OnRecovery is called after every recovery pass.
	OnRecovery func(RecoveryReport)

	MaxQueueDepth int
	MaxWait       time.Duration
	DrainTimeout  time.Duration
}

// NewWithConfig constructs a Manager from ManagerConfig. Engine and
// Manifests are required.
func NewWithConfig(cfg ManagerConfig) *Manager {
	m := &Manager{
		log:       cfg.Logger,
		eng:       cfg.Engine,
		store:     cfg.Manifests,
		importer:  cfg.Importer,
		est:       cfg.Estimator,
		device:    cfg.Device,
		validator: cfg.Validator,
		preloader: cfg.Preloader,
		cache:     cfg.Cache,
		onRecover: cfg.OnRecovery,
		statePath: cfg.StatePath,
		state:     StateIdle,
		publisher: noopPublisher{},
		startTime: time.Now(),
	}
	if m.est == nil {
		m.est = accel.New(accel.Options{})
	}
	if m.validator == nil {
		m.validator = NewValidator(ValidatorConfig{Logger: cfg.Logger})
	}
	m.checker = health.New(cfg.Engine, withLogger(cfg.Health, cfg.Logger))
	var cache stream.Cache
	if cfg.Cache != nil {
		cache = cfg.Cache
	}
	scfg := cfg.Stream
	scfg.Logger = cfg.Logger
	m.pipeline = stream.New(cfg.Engine, cache, scfg)

	m.ctxLen = orDefault(cfg.ContextLength, defaultContextLength)
	m.threads = orDefault(cfg.Threads, defaultThreads)
	m.maxTries = orDefault(cfg.MaxTries, defaultMaxTries)
	m.loadTimeout = orDefaultDur(cfg.LoadTimeout, defaultLoadTimeout)
	m.backoffBase = orDefaultDur(cfg.BackoffBase, defaultBackoffBase)
	m.backoffCap = orDefaultDur(cfg.BackoffCap, defaultBackoffCap)
	m.manifestWait = orDefaultDur(cfg.ManifestWait, defaultManifestWait)
	m.recoveryPause = orDefaultDur(cfg.RecoveryPause, defaultRecoveryPause)
	m.maxQueueDepth = orDefault(cfg.MaxQueueDepth, defaultMaxQueueDepth)
	m.maxWait = orDefaultDur(cfg.MaxWait, defaultMaxWait)
	m.drainTimeout = orDefaultDur(cfg.DrainTimeout, defaultDrainTimeout)

	m.genCh = make(chan struct{}, 1)
	m.queueCh = make(chan struct{}, m.maxQueueDepth)
	m.progress = newProgressHub()
	m.loadLastGood()
	return m
}

func withLogger(c health.Config, l zerolog.Logger) health.Config {
	c.Logger = l
	return c
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func orDefaultDur(v, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}
