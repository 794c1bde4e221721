package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"peerd/internal/accel"
	"peerd/internal/engine/enginetest"
	"peerd/internal/kvcache"
	"peerd/internal/manifest"
)

// capableDevice gets 23 layers for llama at 2048 context.
var capableDevice = accel.Device{TotalRAMBytes: 8 << 30, OSTier: 33, Manufacturer: "acme"}

func newFake() *enginetest.Fake {
	return &enginetest.Fake{Tokens: []string{"Paris", "."}}
}

type testEnv struct {
	m     *Manager
	f     *enginetest.Fake
	store *manifest.SQLiteStore
	dir   string
}

func newTestManager(t *testing.T, f *enginetest.Fake, mut func(*ManagerConfig)) *testEnv {
	t.Helper()
	store, err := manifest.OpenSQLite(":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cache, err := kvcache.New(kvcache.Config{})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	cfg := ManagerConfig{
		Engine:        f,
		Manifests:     store,
		Device:        capableDevice,
		Cache:         cache,
		BackoffBase:   time.Millisecond,
		BackoffCap:    2 * time.Millisecond,
		ManifestWait:  time.Millisecond,
		RecoveryPause: time.Millisecond,
		MaxWait:       time.Second,
		DrainTimeout:  time.Second,
	}
	if mut != nil {
		mut(&cfg)
	}
	m := NewWithConfig(cfg)
	t.Cleanup(m.Close)
	return &testEnv{m: m, f: f, store: store, dir: t.TempDir()}
}

func (e *testEnv) model(t *testing.T, name string) string {
	t.Helper()
	return enginetest.WriteModel(t, e.dir, name, nil)
}

func (e *testEnv) mustLoad(t *testing.T, path string) Result {
	t.Helper()
	res, err := e.m.Load(context.Background(), LoadRequest{Path: path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return res
}

// progressRecorder collects progress events until stopped.
type progressRecorder struct {
	mu     sync.Mutex
	events []Progress
	done   chan struct{}
	cancel func()
}

func recordProgress(m *Manager) *progressRecorder {
	ch, cancel := m.SubscribeProgress()
	r := &progressRecorder{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(r.done)
		for p := range ch {
			r.mu.Lock()
			r.events = append(r.events, p)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *progressRecorder) stop() []Progress {
	r.cancel()
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.events...)
}
