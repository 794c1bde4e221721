package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"peerd/internal/common/fsutil"
	"peerd/internal/engine"
	"peerd/internal/health"
	"peerd/internal/manifest"
)

var (
	errLoadCancelled = errors.New("load cancelled")
	errLoadTimeout   = errors.New("load timed out")
)

// loadOp carries the per-orchestration context.
type loadOp struct {
	id      string
	path    string
	stage   Stage
	start   time.Time
	touched bool // the engine was unloaded for this load
	prev    State
}

// Load runs the load state machine for req. Exactly one of the returned
// Result's manifest (Outcome completed) or the error is meaningful. A
// concurrent call fails immediately with ErrLoadInProgress.
func (m *Manager) Load(ctx context.Context, req LoadRequest) (Result, error) {
	if !m.loadMu.TryLock() {
		metricLoads.WithLabelValues("rejected").Inc()
		return Result{}, ErrLoadInProgress
	}
	defer m.loadMu.Unlock()

	op := &loadOp{id: uuid.NewString(), start: time.Now(), stage: StageValidating}
	m.mu.Lock()
	op.prev = m.state
	m.mu.Unlock()

	base, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	lctx, stop := context.WithTimeoutCause(base, m.loadTimeout, errLoadTimeout)
	defer stop()
	m.mu.Lock()
	m.loadCancel = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.loadCancel = nil
		m.mu.Unlock()
	}()

	path, err := m.resolvePath(lctx, req.Path)
	if err != nil {
		return m.fail(op, err)
	}
	op.path = path
	m.log.Info().Str("op", op.id).Str("model", path).Msg("load_start")
	m.publish("load_start", path, map[string]any{"op": op.id})

	res, err := m.orchestrate(lctx, op, req)
	res.OperationID = op.id
	res.Duration = time.Since(op.start)
	metricLoadDuration.WithLabelValues(string(res.Outcome)).Observe(res.Duration.Seconds())
	return res, err
}

// CancelLoad cancels the running load, if any.
func (m *Manager) CancelLoad() bool {
	m.mu.RLock()
	cancel := m.loadCancel
	m.mu.RUnlock()
	if cancel == nil {
		return false
	}
	cancel(errLoadCancelled)
	return true
}

// LoadInProgress reports whether a load orchestration is running.
func (m *Manager) LoadInProgress() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadCancel != nil
}

func (m *Manager) resolvePath(ctx context.Context, path string) (string, error) {
	if path != "" {
		return fsutil.ExpandHome(path)
	}
	list, err := m.store.List(ctx)
	if err != nil {
		return "", err
	}
	for _, mf := range list {
		if mf.IsDefault {
			return mf.FilePath, nil
		}
	}
	return "", ErrModelNotFound("(default)")
}

func (m *Manager) emit(op *loadOp, stage Stage, progress float64, msg string, cancellable bool) {
	op.stage = stage
	m.progress.emit(Progress{
		OperationID: op.id,
		Stage:       stage,
		Progress:    progress,
		Message:     msg,
		Cancellable: cancellable,
	})
}

func (m *Manager) orchestrate(ctx context.Context, op *loadOp, req LoadRequest) (Result, error) {
	path := op.path

	// VALIDATING: a preload only vouches for the header, so the file is
	// stat'ed again either way.
	msg := "validating model file"
	if m.preloader != nil && m.preloader.IsReady(path) {
		msg = "validating preloaded model file"
	}
	m.emit(op, StageValidating, 0.05, msg, true)
	if err := m.validator.Validate(ctx, path); err != nil {
		if ctx.Err() != nil {
			return m.interrupted(ctx, op)
		}
		if m.preloader != nil && IsValidation(err) {
			m.preloader.Forget(path)
		}
		return m.fail(op, err)
	}

	// PRELOAD_CHECK
	preloaded := m.preloader != nil && m.preloader.IsReady(path)
	msg = "no preload"
	if preloaded {
		msg = "preload hit"
	}
	m.emit(op, StagePreloadCheck, 0.1, msg, true)

	mf, err := m.store.Get(ctx, path)
	if err != nil && !errors.Is(err, manifest.ErrNotFound) {
		m.log.Warn().Err(err).Str("model", path).Msg("manifest_lookup_failed")
	}
	family := mf.Family
	if family == "" {
		family = manifest.DetectFamily(manifest.NameFromPath(path), mf.Metadata.Arch)
	}
	ctxLen := orDefault(req.ContextLength, m.ctxLen)
	threads := orDefault(req.Threads, m.threads)
	base := engine.Config{ModelPath: path, Threads: threads, ContextLength: ctxLen}
	mp := m.est.Estimate(m.device, family, ctxLen)
	if req.AcceleratorLayers == nil && mp.CanUseAccelerator {
		if l, ok := m.lastGoodLayers(path, ctxLen); ok && l <= mp.RecommendedLayers {
			mp.RecommendedLayers = l
			m.log.Debug().Str("model", path).Int("layers", l).Msg("reusing_last_good_config")
		}
	}
	ladder := BuildLadder(base, mp, req.AcceleratorLayers)
	m.log.Debug().Str("op", op.id).Str("family", family).Int("steps", len(ladder)).Str("reasoning", mp.Reasoning).Msg("ladder_built")

	// LOADING
	release, err := m.acquireEngine(ctx)
	if err != nil {
		return m.interrupted(ctx, op)
	}
	defer release()
	stopAbort := context.AfterFunc(ctx, m.eng.Abort)
	defer stopAbort()

	op.touched = true
	m.setLoading()
	chosen, err := m.runLadder(ctx, op, ladder)
	if err != nil {
		if ctx.Err() != nil {
			return m.interrupted(ctx, op)
		}
		return m.fail(op, err)
	}
	m.saveChosen(chosen)

	mf, err = m.refreshManifest(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return m.interrupted(ctx, op)
		}
		m.eng.Unload()
		return m.fail(op, err)
	}
	m.setCurrent(mf, chosen)

	// HEALTH_CHECKING
	m.emit(op, StageHealthChecking, 0.8, "running health checks", true)
	hres := m.checker.CheckCurrentModel(ctx)
	if ctx.Err() != nil {
		return m.interrupted(ctx, op)
	}
	if !hres.Healthy() {
		att, rres, err := m.recover(ctx, op, chosen.Config, hres)
		if ctx.Err() != nil {
			return m.interrupted(ctx, op)
		}
		if err != nil {
			return m.fail(op, err)
		}
		chosen, hres = att, rres
		m.setCurrent(mf, chosen)
	}

	m.emit(op, StageCompleted, 1, fmt.Sprintf("loaded (%s, %d layers)", chosen.Reason, chosen.Config.AcceleratorLayers), false)
	m.mu.Lock()
	m.state = StateReady
	m.err = ""
	m.loadsTotal++
	m.mu.Unlock()
	if m.preloader != nil {
		m.preloader.MarkRecentlyUsed(path)
	}
	metricLoads.WithLabelValues(string(OutcomeCompleted)).Inc()
	m.log.Info().Str("op", op.id).Str("model", path).Str("attempt", string(chosen.Reason)).
		Int("layers", chosen.Config.AcceleratorLayers).Str("health", string(hres.Status)).Msg("load_done")
	m.publish("load_done", path, map[string]any{"op": op.id, "attempt": string(chosen.Reason), "health": string(hres.Status)})
	return Result{Outcome: OutcomeCompleted, Manifest: mf, Attempt: chosen, Health: hres}, nil
}

// runLadder walks the attempts, retrying each with backoff. Corruption and
// a missing native runtime end the walk early.
func (m *Manager) runLadder(ctx context.Context, op *loadOp, ladder []LoadAttempt) (LoadAttempt, error) {
	var failures []AttemptFailure
	for i, att := range ladder {
		for try := 1; try <= m.maxTries; try++ {
			frac := 0.2 + 0.5*(float64(i)+float64(try-1)/float64(m.maxTries))/float64(len(ladder))
			m.emit(op, StageLoading, frac, fmt.Sprintf("attempt %s (%d layers) try %d/%d", att.Reason, att.Config.AcceleratorLayers, try, m.maxTries), true)
			m.eng.Unload()
			err := m.eng.Load(ctx, att.Config)
			if err == nil {
				metricAttempts.WithLabelValues(string(att.Reason), "ok").Inc()
				return att, nil
			}
			if ctx.Err() != nil {
				return LoadAttempt{}, ctx.Err()
			}
			metricAttempts.WithLabelValues(string(att.Reason), "failed").Inc()
			f := AttemptFailure{Index: i, Reason: att.Reason, Try: try, Layers: att.Config.AcceleratorLayers, Err: err}
			failures = append(failures, f)
			m.log.Warn().Str("op", op.id).Str("model", op.path).Str("reason", string(att.Reason)).
				Int("attempt", i).Int("try", try).Err(err).Msg("load_attempt_failed")
			if engine.IsUnavailable(err) {
				return LoadAttempt{}, ErrDependencyUnavailable(err.Error())
			}
			if IsCorruption(err.Error()) {
				return LoadAttempt{}, &LoadError{Path: op.path, Failures: failures, Corrupt: true}
			}
			if try < m.maxTries && !sleepCtx(ctx, m.backoff(try)) {
				return LoadAttempt{}, ctx.Err()
			}
		}
	}
	return LoadAttempt{}, &LoadError{Path: op.path, Failures: failures}
}

// backoff returns the delay after the given failed try: base doubled per
// try, capped.
func (m *Manager) backoff(try int) time.Duration {
	d := m.backoffBase << (try - 1)
	if d <= 0 || d > m.backoffCap {
		return m.backoffCap
	}
	return d
}

// refreshManifest merges the resident model's metadata into its manifest,
// waiting once for a manifest written concurrently by an importer before
// creating it.
func (m *Manager) refreshManifest(ctx context.Context, path string) (manifest.Manifest, error) {
	meta, _ := m.eng.CurrentModelMeta()
	_, err := m.store.Get(ctx, path)
	if errors.Is(err, manifest.ErrNotFound) {
		m.log.Debug().Str("model", path).Msg("manifest_wait")
		if !sleepCtx(ctx, m.manifestWait) {
			return manifest.Manifest{}, ctx.Err()
		}
		_, err = m.store.Get(ctx, path)
	}
	if err != nil && !errors.Is(err, manifest.ErrNotFound) {
		return manifest.Manifest{}, &ManifestMissingError{Path: path, Err: err}
	}
	mf, err := m.store.EnsureManifestFor(ctx, path, meta, "", false)
	if err != nil {
		return manifest.Manifest{}, &ManifestMissingError{Path: path, Err: err}
	}
	return mf, nil
}

// recover runs the single recovery pass after an unhealthy check: unload,
// pause, reload CPU-only with half the context, re-check.
func (m *Manager) recover(ctx context.Context, op *loadOp, from engine.Config, first health.Result) (LoadAttempt, health.Result, error) {
	att := LoadAttempt{Config: recoveryConfig(from), Reason: ReasonRecovery}
	m.emit(op, StageHealthChecking, 0.85, fmt.Sprintf("unhealthy (%s); recovering CPU-only with context %d", first.Summary(), att.Config.ContextLength), true)
	m.log.Warn().Str("op", op.id).Str("model", op.path).Strs("failures", first.Failures).Str("error", first.Err).Msg("health_unhealthy")

	m.eng.Unload()
	m.clearCurrent()
	if !sleepCtx(ctx, m.recoveryPause) {
		return att, first, ctx.Err()
	}
	report := RecoveryReport{OperationID: op.id, Path: op.path, Config: att.Config}
	if err := m.eng.Load(ctx, att.Config); err != nil {
		if ctx.Err() != nil {
			return att, first, ctx.Err()
		}
		m.eng.Unload()
		report.Health, report.Err = first, err
		m.notifyRecovery(report)
		return att, first, &HealthCheckError{Path: op.path, Health: first, Err: err}
	}
	res := m.checker.CheckCurrentModel(ctx)
	report.Recovered = res.Healthy()
	report.Health = res
	m.notifyRecovery(report)
	if !res.Healthy() {
		m.eng.Unload()
		return att, res, &HealthCheckError{Path: op.path, Health: res}
	}
	m.saveChosen(att)
	return att, res, nil
}

func (m *Manager) notifyRecovery(r RecoveryReport) {
	result := "recovered"
	if !r.Recovered {
		result = "unrecovered"
	}
	metricRecoveries.WithLabelValues(result).Inc()
	m.publish("recovery_done", r.Path, map[string]any{"op": r.OperationID, "recovered": r.Recovered})
	if m.onRecover == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			m.log.Error().Interface("panic", p).Msg("recovery_callback_panicked")
		}
	}()
	m.onRecover(r)
}

// interrupted ends a load whose context is done: a passed deadline is a
// timeout failure, anything else a cancellation.
func (m *Manager) interrupted(ctx context.Context, op *loadOp) (Result, error) {
	if op.touched {
		m.eng.Unload()
		m.clearCurrent()
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, errLoadTimeout) || errors.Is(cause, context.DeadlineExceeded) {
		err := &TimeoutError{Path: op.path, Stage: op.stage, After: time.Since(op.start)}
		m.emit(op, StageFailed, 1, "timeout", false)
		m.finish(op, OutcomeFailed, err)
		return Result{Outcome: OutcomeFailed}, err
	}
	err := &CancellationError{Path: op.path, Stage: op.stage}
	m.emit(op, StageCancelled, 1, "cancelled", false)
	m.finish(op, OutcomeCancelled, err)
	return Result{Outcome: OutcomeCancelled}, err
}

func (m *Manager) fail(op *loadOp, err error) (Result, error) {
	if op.touched {
		m.clearCurrent()
	}
	m.emit(op, StageFailed, 1, err.Error(), false)
	m.finish(op, OutcomeFailed, err)
	return Result{Outcome: OutcomeFailed}, err
}

func (m *Manager) finish(op *loadOp, outcome Outcome, err error) {
	m.mu.Lock()
	switch {
	case op.touched && outcome == OutcomeCancelled:
		m.state = StateIdle
	case op.touched:
		m.state = StateError
	default:
		m.state = op.prev
	}
	m.err = err.Error()
	m.mu.Unlock()
	metricLoads.WithLabelValues(string(outcome)).Inc()
	m.log.Warn().Str("op", op.id).Str("model", op.path).Str("stage", string(op.stage)).Str("outcome", string(outcome)).Err(err).Msg("load_failed")
	m.publish("load_failed", op.path, map[string]any{"op": op.id, "outcome": string(outcome), "error": err.Error()})
}

func (m *Manager) setLoading() {
	m.mu.Lock()
	m.state = StateLoading
	m.cur = nil
	m.err = ""
	m.mu.Unlock()
}

func (m *Manager) setCurrent(mf manifest.Manifest, a LoadAttempt) {
	m.mu.Lock()
	m.cur = &ModelInfo{Manifest: mf, Config: a.Config, Attempt: a.Reason, LoadedAt: time.Now()}
	m.mu.Unlock()
}

func (m *Manager) clearCurrent() {
	m.mu.Lock()
	m.cur = nil
	m.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
