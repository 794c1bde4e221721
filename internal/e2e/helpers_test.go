package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"peerd/internal/accel"
	"peerd/internal/engine/enginetest"
	"peerd/internal/httpapi"
	"peerd/internal/kvcache"
	"peerd/internal/manager"
	"peerd/internal/manifest"
	"peerd/internal/preload"
	"peerd/internal/registry"
)

type stack struct {
	srv      *httptest.Server
	mgr      *manager.Manager
	eng      *enginetest.Fake
	importer *registry.Importer
	dir      string
}

// newStack wires the real catalog, cache, preloader, manager and HTTP mux
// around a fake engine. mut may adjust the manager config.
func newStack(t *testing.T, eng *enginetest.Fake, mut func(*manager.ManagerConfig)) *stack {
	t.Helper()
	log := zerolog.Nop()
	store, err := manifest.OpenSQLite(":memory:", log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cache, err := kvcache.New(kvcache.Config{Dir: t.TempDir(), Logger: log})
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	importer := &registry.Importer{Store: store, Detector: eng, Log: log}
	validator := manager.NewValidator(manager.ValidatorConfig{Logger: log})
	pre := preload.New(validator, preload.Config{Logger: log})
	pre.Start(context.Background())
	t.Cleanup(pre.Shutdown)

	cfg := manager.ManagerConfig{
		Logger:        log,
		Engine:        eng,
		Manifests:     store,
		Importer:      importer,
		Device:        accel.Device{TotalRAMBytes: 8 << 30, OSTier: 33, Manufacturer: "acme"},
		Validator:     validator,
		Preloader:     pre,
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
	mgr := manager.NewWithConfig(cfg)
	t.Cleanup(mgr.Close)
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(srv.Close)
	return &stack{srv: srv, mgr: mgr, eng: eng, importer: importer, dir: t.TempDir()}
}

func newEngine() *enginetest.Fake {
	return &enginetest.Fake{Tokens: []string{"Paris", " is", " nice", "."}}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	return do(t, req)
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return do(t, req)
}

func do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func poll(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s did not happen in time", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
