package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"peerd/internal/accel"
	"peerd/internal/engine"
	"peerd/internal/health"
	"peerd/internal/preload"
	"peerd/pkg/types"
)

func TestNewWithConfig_Defaults(t *testing.T) {
	env := newTestManager(t, newFake(), func(c *ManagerConfig) {
		c.BackoffBase, c.BackoffCap = 0, 0
		c.MaxWait, c.DrainTimeout = 0, 0
	})
	m := env.m
	if m.maxTries != defaultMaxTries || m.ctxLen != defaultContextLength || m.threads != defaultThreads {
		t.Fatalf("unexpected defaults: tries=%d ctx=%d threads=%d", m.maxTries, m.ctxLen, m.threads)
	}
	if m.backoffBase != defaultBackoffBase || m.backoffCap != defaultBackoffCap {
		t.Fatalf("unexpected backoff: %v/%v", m.backoffBase, m.backoffCap)
	}
	if cap(m.queueCh) != defaultMaxQueueDepth || cap(m.genCh) != 1 {
		t.Fatalf("unexpected admission sizes: queue=%d gen=%d", cap(m.queueCh), cap(m.genCh))
	}
	if m.maxWait != defaultMaxWait || m.drainTimeout != defaultDrainTimeout || m.loadTimeout != defaultLoadTimeout {
		t.Fatalf("unexpected timeouts: %v %v %v", m.maxWait, m.drainTimeout, m.loadTimeout)
	}
	if s := m.Snapshot(); s.State != StateIdle || s.CurrentModel != nil {
		t.Fatalf("unexpected initial snapshot: %+v", s)
	}
}

func TestLoad_OptimizedSucceeds(t *testing.T) {
	env := newTestManager(t, newFake(), nil)
	path := env.model(t, "llama-7b.Q4_K_M.gguf")
	rec := recordProgress(env.m)

	res := env.mustLoad(t, path)
	events := rec.stop()

	if res.Outcome != OutcomeCompleted || res.OperationID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Attempt.Reason != ReasonOptimized || res.Attempt.Config.AcceleratorLayers != 23 || !res.Attempt.Config.UseAccelerator {
		t.Fatalf("unexpected attempt: %+v", res.Attempt)
	}
	if !res.Health.Healthy() {
		t.Fatalf("unexpected health: %+v", res.Health)
	}
	if res.Manifest.FilePath != path || res.Manifest.Family != "llama" {
		t.Fatalf("unexpected manifest: %+v", res.Manifest)
	}
	if loads := env.f.Loads(); len(loads) != 1 {
		t.Fatalf("want 1 engine load, got %d", len(loads))
	}
	if !env.m.Ready() {
		t.Fatal("manager should be ready")
	}
	cur, ok := env.m.Current()
	if !ok || cur.Attempt != ReasonOptimized || cur.Manifest.FilePath != path {
		t.Fatalf("unexpected current: %+v ok=%v", cur, ok)
	}

	want := []Stage{StageValidating, StagePreloadCheck, StageLoading, StageHealthChecking, StageCompleted}
	var got []Stage
	for _, p := range events {
		if p.OperationID != res.OperationID {
			t.Fatalf("progress for another operation: %+v", p)
		}
		if len(got) == 0 || got[len(got)-1] != p.Stage {
			got = append(got, p.Stage)
		}
	}
	if len(got) != len(want) {
		t.Fatalf("stages=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stages=%v want %v", got, want)
		}
	}
	last := events[len(events)-1]
	if last.Progress != 1 || last.Cancellable {
		t.Fatalf("unexpected final progress: %+v", last)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Progress < events[i-1].Progress {
			t.Fatalf("progress went backwards at %d: %v", i, events)
		}
	}
}

func TestLoad_NoAcceleratorUsesCPUOnly(t *testing.T) {
	env := newTestManager(t, newFake(), func(c *ManagerConfig) {
		c.Device = accel.Device{TotalRAMBytes: 4 << 30, OSTier: 28}
	})
	path := env.model(t, "llama.gguf")
	res := env.mustLoad(t, path)
	if res.Attempt.Reason != ReasonCPUFallback {
		t.Fatalf("want cpu-fallback, got %s", res.Attempt.Reason)
	}
	loads := env.f.Loads()
	if len(loads) != 1 || loads[0].AcceleratorLayers != 0 || loads[0].UseAccelerator {
		t.Fatalf("unexpected loads: %+v", loads)
	}
}

func TestLoad_RetriesThenFallsBack(t *testing.T) {
	f := newFake()
	f.LoadFunc = func(_ context.Context, cfg engine.Config) error {
		if cfg.UseAccelerator {
			return errors.New("failed to allocate accelerator buffer")
		}
		return nil
	}
	env := newTestManager(t, f, nil)
	res := env.mustLoad(t, env.model(t, "llama.gguf"))
	if res.Attempt.Reason != ReasonCPUFallback {
		t.Fatalf("want cpu-fallback, got %s", res.Attempt.Reason)
	}
	loads := f.Loads()
	if len(loads) != 7 {
		t.Fatalf("want 7 loads (3+3+1), got %d", len(loads))
	}
	wantLayers := []int{23, 23, 23, 11, 11, 11, 0}
	for i, l := range loads {
		if l.AcceleratorLayers != wantLayers[i] {
			t.Fatalf("load %d used %d layers, want %d", i, l.AcceleratorLayers, wantLayers[i])
		}
	}
}

func TestLoad_AllAttemptsFail(t *testing.T) {
	f := newFake()
	f.LoadFunc = func(context.Context, engine.Config) error { return errors.New("out of memory") }
	env := newTestManager(t, f, nil)
	path := env.model(t, "llama.gguf")

	_, err := env.m.Load(context.Background(), LoadRequest{Path: path})
	if !IsLoadFailure(err) {
		t.Fatalf("want LoadError, got %v", err)
	}
	var le *LoadError
	errors.As(err, &le)
	if len(le.Failures) != 9 || le.Corrupt {
		t.Fatalf("want 9 failures, got %d (corrupt=%v)", len(le.Failures), le.Corrupt)
	}
	if n := strings.Count(err.Error(), "out of memory"); n != 9 {
		t.Fatalf("message should list every failure, got %q", err.Error())
	}
	if s := env.m.Snapshot(); s.State != StateError || s.CurrentModel != nil || s.Err == "" {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestLoad_CorruptionStopsLadder(t *testing.T) {
	f := newFake()
	f.LoadFunc = func(context.Context, engine.Config) error { return errors.New("llama_model_load: bad magic number") }
	env := newTestManager(t, f, nil)

	_, err := env.m.Load(context.Background(), LoadRequest{Path: env.model(t, "llama.gguf")})
	var le *LoadError
	if !errors.As(err, &le) || !le.Corrupt {
		t.Fatalf("want corrupt LoadError, got %v", err)
	}
	if n := len(f.Loads()); n != 1 {
		t.Fatalf("corruption must not be retried, got %d loads", n)
	}
}

func TestLoad_DependencyUnavailable(t *testing.T) {
	f := newFake()
	f.LoadFunc = func(context.Context, engine.Config) error { return engine.Unavailable("llama support not built") }
	env := newTestManager(t, f, nil)
	_, err := env.m.Load(context.Background(), LoadRequest{Path: env.model(t, "llama.gguf")})
	if !IsDependencyUnavailable(err) {
		t.Fatalf("want dependency error, got %v", err)
	}
}

func TestLoad_ValidationFailsBeforeEngine(t *testing.T) {
	env := newTestManager(t, newFake(), nil)
	_, err := env.m.Load(context.Background(), LoadRequest{Path: filepath.Join(env.dir, "missing.gguf")})
	if !IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
	if n := len(env.f.Loads()); n != 0 {
		t.Fatalf("engine must not be touched, got %d loads", n)
	}
	if s := env.m.Snapshot(); s.State != StateIdle {
		t.Fatalf("state should stay idle, got %s", s.State)
	}
}

func TestLoad_ConcurrentRejected(t *testing.T) {
	release := make(chan struct{})
	f := newFake()
	f.LoadFunc = func(ctx context.Context, _ engine.Config) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	env := newTestManager(t, f, nil)
	path := env.model(t, "llama.gguf")

	done := make(chan error, 1)
	go func() {
		_, err := env.m.Load(context.Background(), LoadRequest{Path: path})
		done <- err
	}()
	waitFor(t, func() bool { return len(f.Loads()) == 1 })
	if !env.m.LoadInProgress() {
		t.Fatal("load should be in progress")
	}
	if _, err := env.m.Load(context.Background(), LoadRequest{Path: path}); !IsLoadInProgress(err) {
		t.Fatalf("want ErrLoadInProgress, got %v", err)
	}
	if err := env.m.Unload(context.Background()); !IsLoadInProgress(err) {
		t.Fatalf("unload during load: want ErrLoadInProgress, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first load: %v", err)
	}
}

func TestLoad_Cancel(t *testing.T) {
	f := newFake()
	f.LoadFunc = func(ctx context.Context, _ engine.Config) error {
		<-ctx.Done()
		return ctx.Err()
	}
	env := newTestManager(t, f, nil)
	path := env.model(t, "llama.gguf")

	done := make(chan error, 1)
	go func() {
		res, err := env.m.Load(context.Background(), LoadRequest{Path: path})
		if err == nil || res.Outcome != OutcomeCancelled {
			t.Errorf("unexpected outcome %s", res.Outcome)
		}
		done <- err
	}()
	waitFor(t, func() bool { return len(f.Loads()) == 1 })
	if !env.m.CancelLoad() {
		t.Fatal("CancelLoad should report a running load")
	}
	err := <-done
	if !IsCancelled(err) {
		t.Fatalf("want cancellation, got %v", err)
	}
	if f.Aborts() < 1 {
		t.Fatal("engine should have been aborted")
	}
	if len(f.Loads()) != 1 {
		t.Fatalf("cancel must stop the ladder, got %d loads", len(f.Loads()))
	}
	if s := env.m.Snapshot(); s.State != StateIdle || s.CurrentModel != nil {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
	if env.m.CancelLoad() {
		t.Fatal("nothing left to cancel")
	}
}

func TestLoad_Timeout(t *testing.T) {
	f := newFake()
	f.LoadFunc = func(ctx context.Context, _ engine.Config) error {
		<-ctx.Done()
		return ctx.Err()
	}
	env := newTestManager(t, f, func(c *ManagerConfig) { c.LoadTimeout = 20 * time.Millisecond })
	res, err := env.m.Load(context.Background(), LoadRequest{Path: env.model(t, "llama.gguf")})
	if !IsTimeout(err) || res.Outcome != OutcomeFailed {
		t.Fatalf("want timeout failure, got %v (%s)", err, res.Outcome)
	}
	if !strings.HasPrefix(err.Error(), "timeout") {
		t.Fatalf("timeout message should start with timeout: %q", err.Error())
	}
}

// unhealthyOnAccelerator fails tokenization while the last load used the
// accelerator.
func unhealthyOnAccelerator(f interface{ Loads() []engine.Config }) func(string) int {
	return func(text string) int {
		loads := f.Loads()
		if len(loads) > 0 && loads[len(loads)-1].UseAccelerator {
			return 0
		}
		return (len(text) + 3) / 4
	}
}

func TestLoad_RecoversUnhealthyModel(t *testing.T) {
	f := newFake()
	f.CountTokensFunc = unhealthyOnAccelerator(f)
	var (
		mu      sync.Mutex
		reports []RecoveryReport
	)
	env := newTestManager(t, f, func(c *ManagerConfig) {
		c.OnRecovery = func(r RecoveryReport) {
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
		}
	})
	res := env.mustLoad(t, env.model(t, "llama.gguf"))
	if res.Attempt.Reason != ReasonRecovery || !res.Health.Healthy() {
		t.Fatalf("unexpected result: %+v", res)
	}
	loads := f.Loads()
	last := loads[len(loads)-1]
	if last.UseAccelerator || last.ContextLength != 1024 {
		t.Fatalf("recovery should reload CPU-only with half context: %+v", last)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 || !reports[0].Recovered || reports[0].OperationID != res.OperationID {
		t.Fatalf("unexpected recovery reports: %+v", reports)
	}
	if cur, _ := env.m.Current(); cur.Attempt != ReasonRecovery {
		t.Fatalf("current attempt should be recovery, got %s", cur.Attempt)
	}
}

func TestLoad_RecoveryLoadFails(t *testing.T) {
	f := newFake()
	f.CountTokensFunc = unhealthyOnAccelerator(f)
	f.LoadFunc = func(_ context.Context, cfg engine.Config) error {
		if !cfg.UseAccelerator {
			return errors.New("cpu backend failed")
		}
		return nil
	}
	env := newTestManager(t, f, nil)
	_, err := env.m.Load(context.Background(), LoadRequest{Path: env.model(t, "llama.gguf")})
	if !IsHealthCheckFailure(err) {
		t.Fatalf("want health check failure, got %v", err)
	}
	var he *HealthCheckError
	errors.As(err, &he)
	if he.Health.Status != health.Unhealthy {
		t.Fatalf("want the first check's verdict, got %+v", he.Health)
	}
	if env.m.Ready() || f.Loaded() {
		t.Fatal("nothing should be resident")
	}
}

func TestLoad_RecoveryStillUnhealthy(t *testing.T) {
	f := newFake()
	f.CountTokensFunc = func(string) int { return 0 }
	var (
		mu      sync.Mutex
		reports []RecoveryReport
	)
	env := newTestManager(t, f, func(c *ManagerConfig) {
		c.OnRecovery = func(r RecoveryReport) {
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
		}
	})
	res, err := env.m.Load(context.Background(), LoadRequest{Path: env.model(t, "llama.gguf")})
	if !IsHealthCheckFailure(err) {
		t.Fatalf("want health check failure, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("want failed outcome, got %s", res.Outcome)
	}
	var he *HealthCheckError
	errors.As(err, &he)
	if he.Health.Healthy() || he.Err != nil {
		t.Fatalf("want the recovery check's unhealthy verdict, got %+v", he)
	}
	if env.m.Ready() || f.Loaded() {
		t.Fatal("nothing should be resident after an unrecovered model")
	}
	if _, ok := env.m.Current(); ok {
		t.Fatal("no current model expected")
	}
	if len(f.Loads()) != 2 {
		t.Fatalf("want the first load plus one recovery load, got %d", len(f.Loads()))
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reports) != 1 || reports[0].Recovered {
		t.Fatalf("want a single unrecovered report, got %+v", reports)
	}
}

func TestLoad_ReusesLastGoodConfig(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "last_good.json")
	f := newFake()
	f.LoadFunc = func(_ context.Context, cfg engine.Config) error {
		if cfg.AcceleratorLayers > 11 {
			return errors.New("failed to allocate accelerator buffer")
		}
		return nil
	}
	env := newTestManager(t, f, func(c *ManagerConfig) { c.StatePath = statePath })
	path := env.model(t, "llama.gguf")
	if res := env.mustLoad(t, path); res.Attempt.Config.AcceleratorLayers != 11 {
		t.Fatalf("want reduced 11 layers, got %d", res.Attempt.Config.AcceleratorLayers)
	}

	f2 := newFake()
	env2 := newTestManager(t, f2, func(c *ManagerConfig) { c.StatePath = statePath })
	env2.mustLoad(t, path)
	loads := f2.Loads()
	if len(loads) != 1 || loads[0].AcceleratorLayers != 11 {
		t.Fatalf("restart should start from the saved 11 layers, got %+v", loads)
	}
}

func TestLoad_DefaultModel(t *testing.T) {
	env := newTestManager(t, newFake(), nil)
	_, err := env.m.Load(context.Background(), LoadRequest{})
	if !IsModelNotFound(err) {
		t.Fatalf("want model not found, got %v", err)
	}
	path := env.model(t, "llama.gguf")
	if _, err := env.store.EnsureManifestFor(context.Background(), path, nil, "", true); err != nil {
		t.Fatal(err)
	}
	res := env.mustLoad(t, "")
	if res.Manifest.FilePath != path || !res.Manifest.IsDefault {
		t.Fatalf("unexpected manifest: %+v", res.Manifest)
	}
}

func TestLoad_MergesEngineMetadata(t *testing.T) {
	f := newFake()
	f.Meta = []byte(`{"arch":"llama","nCtxTrain":8192,"nVocab":32000,"chatTemplate":"<s>"}`)
	env := newTestManager(t, f, nil)
	path := env.model(t, "llama.gguf")
	env.mustLoad(t, path)
	mf, err := env.store.Get(context.Background(), path)
	if err != nil {
		t.Fatalf("manifest should exist after load: %v", err)
	}
	if mf.Metadata.NCtxTrain != 8192 || mf.Metadata.ChatTemplate != "<s>" || mf.ContextLength != 8192 {
		t.Fatalf("metadata not merged: %+v", mf)
	}
}

func TestLoad_PreloadHit(t *testing.T) {
	v := NewValidator(ValidatorConfig{})
	pl := preload.New(v, preload.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pl.Start(ctx)
	defer pl.Shutdown()

	env := newTestManager(t, newFake(), func(c *ManagerConfig) {
		c.Validator = v
		c.Preloader = pl
	})
	path := env.model(t, "llama.gguf")
	d, err := env.m.Preload(types.PreloadRequest{Path: path})
	if err != nil || !d.Queued {
		t.Fatalf("preload not queued: %+v %v", d, err)
	}
	waitFor(t, func() bool { return pl.IsReady(path) })

	rec := recordProgress(env.m)
	env.mustLoad(t, path)
	var hit bool
	for _, p := range rec.stop() {
		if p.Stage == StagePreloadCheck && p.Message == "preload hit" {
			hit = true
		}
	}
	if !hit {
		t.Fatal("expected a preload hit")
	}
	if got := pl.Snapshot()[path]; got.AccessCount < 1 {
		t.Fatalf("load should mark the model recently used: %+v", got)
	}
}

func TestLoad_PreloadedFileDeleted(t *testing.T) {
	v := NewValidator(ValidatorConfig{})
	pl := preload.New(v, preload.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pl.Start(ctx)
	defer pl.Shutdown()

	f := newFake()
	env := newTestManager(t, f, func(c *ManagerConfig) {
		c.Validator = v
		c.Preloader = pl
	})
	path := env.model(t, "llama.gguf")
	if d, err := env.m.Preload(types.PreloadRequest{Path: path}); err != nil || !d.Queued {
		t.Fatalf("preload not queued: %+v %v", d, err)
	}
	waitFor(t, func() bool { return pl.IsReady(path) })
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}

	_, err := env.m.Load(context.Background(), LoadRequest{Path: path})
	if !IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
	if n := len(f.Loads()); n != 0 {
		t.Fatalf("engine should not be touched, got %d loads", n)
	}
	if pl.IsReady(path) {
		t.Fatal("a failed validation should drop the stale preload")
	}
}

func TestForgetFile(t *testing.T) {
	v := NewValidator(ValidatorConfig{})
	pl := preload.New(v, preload.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pl.Start(ctx)
	defer pl.Shutdown()

	env := newTestManager(t, newFake(), func(c *ManagerConfig) {
		c.Validator = v
		c.Preloader = pl
	})
	path := env.model(t, "llama.gguf")
	env.m.Preload(types.PreloadRequest{Path: path})
	waitFor(t, func() bool { return pl.IsReady(path) })

	env.m.ForgetFile(path)
	if pl.IsReady(path) {
		t.Fatal("forgotten file should not stay preloaded")
	}
	if _, ok := pl.Snapshot()[path]; ok {
		t.Fatal("forgotten file should leave the preload table")
	}
}

func TestUnload(t *testing.T) {
	env := newTestManager(t, newFake(), nil)
	pub := NewMemoryPublisher()
	env.m.SetEventPublisher(pub)
	if err := env.m.Unload(context.Background()); !IsNoModelLoaded(err) {
		t.Fatalf("want no model loaded, got %v", err)
	}
	env.mustLoad(t, env.model(t, "llama.gguf"))
	if err := env.m.Unload(context.Background()); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	if env.m.Ready() || env.f.Loaded() {
		t.Fatal("model should be unloaded")
	}
	if s := env.m.Snapshot(); s.State != StateIdle {
		t.Fatalf("want idle, got %s", s.State)
	}
	names := strings.Join(pub.Names(), ",")
	for _, want := range []string{"load_start", "load_done", "unload_start", "unload_done"} {
		if !strings.Contains(names, want) {
			t.Fatalf("missing event %s in %s", want, names)
		}
	}
}

func TestDeleteModel(t *testing.T) {
	env := newTestManager(t, newFake(), nil)
	path := env.model(t, "llama.gguf")
	env.mustLoad(t, path)
	if err := env.m.DeleteModel(context.Background(), path); !IsModelInUse(err) {
		t.Fatalf("want model in use, got %v", err)
	}
	if err := env.m.Unload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := env.m.DeleteModel(context.Background(), path); err != nil {
		t.Fatalf("DeleteModel: %v", err)
	}
	if err := env.m.DeleteModel(context.Background(), path); !IsModelNotFound(err) {
		t.Fatalf("want model not found, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
