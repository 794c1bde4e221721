package manager

import (
	"path/filepath"
	"sort"

	"peerd/internal/accel"
	"peerd/internal/engine"
	"peerd/internal/health"
	"peerd/internal/kvcache"
	"peerd/internal/manifest"
	"peerd/internal/preload"
	"peerd/internal/registry"
	"peerd/pkg/types"
)

func modelFromManifest(mf manifest.Manifest) types.Model {
	name := mf.Name
	if name == "" {
		name = manifest.NameFromPath(mf.FilePath)
	}
	ctxLen := mf.ContextLength
	if ctxLen == 0 {
		ctxLen = mf.Metadata.NCtxTrain
	}
	return types.Model{
		ID:            filepath.Base(mf.FilePath),
		Name:          name,
		Path:          mf.FilePath,
		Quant:         registry.QuantFromName(filepath.Base(mf.FilePath)),
		Family:        mf.Family,
		Arch:          mf.Metadata.Arch,
		SizeBytes:     mf.SizeBytes,
		ContextLength: ctxLen,
		Checksum:      mf.Checksum,
		SourceURL:     mf.SourceURL,
		IsDefault:     mf.IsDefault,
		Reasoning:     mf.Metadata.Reasoning,
	}
}

func engineConfig(c engine.Config) *types.EngineConfig {
	return &types.EngineConfig{
		ModelPath:         c.ModelPath,
		Threads:           c.Threads,
		ContextLength:     c.ContextLength,
		AcceleratorLayers: c.AcceleratorLayers,
		UseAccelerator:    c.UseAccelerator,
	}
}

func healthReport(r health.Result) *types.HealthReport {
	if r.Status == "" {
		return nil
	}
	return &types.HealthReport{Status: string(r.Status), Passed: r.Passed, Failures: r.Failures, Error: r.Err}
}

func accelProfile(p accel.Profile) types.AcceleratorProfile {
	return types.AcceleratorProfile{
		HasAccelerator:    p.HasAccelerator,
		MaxBudgetBytes:    int64(p.MaxBudgetBytes),
		RecommendedLayers: p.RecommendedLayers,
		Reasoning:         p.Reasoning,
	}
}

func cacheStats(s kvcache.Stats) types.CacheStats {
	return types.CacheStats{
		Hits:        s.Hits,
		Misses:      s.Misses,
		Evictions:   s.Evictions,
		Corruptions: s.Corruptions,
		Bytes:       s.Bytes,
		Entries:     s.Entries,
		MaxBytes:    s.MaxBytes,
		MaxEntries:  s.MaxEntries,
	}
}

func preloadStatus(m preload.Model) types.PreloadStatus {
	ps := types.PreloadStatus{
		Path:        m.Path,
		State:       string(m.Status),
		Error:       m.Error,
		AccessCount: m.AccessCount,
	}
	if !m.PreloadedAt.IsZero() {
		ps.PreloadedAt = m.PreloadedAt.Unix()
	}
	return ps
}

func preloadResponse(snap map[string]preload.Model, limit int) types.PreloadResponse {
	resp := types.PreloadResponse{Models: make([]types.PreloadStatus, 0, len(snap)), MaxPreloaded: limit}
	for _, pm := range snap {
		resp.Models = append(resp.Models, preloadStatus(pm))
	}
	sort.Slice(resp.Models, func(i, j int) bool { return resp.Models[i].Path < resp.Models[j].Path })
	return resp
}

// ProgressDTO converts a progress event to its wire form.
func ProgressDTO(p Progress) types.LoadProgress {
	return types.LoadProgress{
		OperationID: p.OperationID,
		Stage:       string(p.Stage),
		Progress:    p.Progress,
		Message:     p.Message,
		Cancellable: p.Cancellable,
		TimeMs:      p.Time.UnixMilli(),
	}
}

// ResultDTO converts a load result to its wire form.
func ResultDTO(r Result, err error) types.LoadResponse {
	resp := types.LoadResponse{
		OperationID: r.OperationID,
		Outcome:     string(r.Outcome),
		DurationMs:  r.Duration.Milliseconds(),
		Health:      healthReport(r.Health),
	}
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	mdl := modelFromManifest(r.Manifest)
	resp.Model = &mdl
	resp.Config = engineConfig(r.Attempt.Config)
	resp.Attempt = string(r.Attempt.Reason)
	return resp
}
