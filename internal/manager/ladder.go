package manager

import (
	"peerd/internal/accel"
	"peerd/internal/engine"
)

// BuildLadder returns the attempts for base in order. The optimized step
// uses the estimator recommendation, capped by requested when set. A reduced
// step halves it (never below 5) when optimized exceeds 5 layers. The
// cpu-fallback step is always last.
func BuildLadder(base engine.Config, mp accel.MemoryProfile, requested *int) []LoadAttempt {
	cpu := base
	cpu.AcceleratorLayers = 0
	cpu.UseAccelerator = false
	fallback := LoadAttempt{Config: cpu, Reason: ReasonCPUFallback}

	if !mp.CanUseAccelerator {
		return []LoadAttempt{fallback}
	}
	layers := mp.RecommendedLayers
	if requested != nil {
		layers = accel.Cap(*requested, layers)
	}
	if layers <= 0 {
		return []LoadAttempt{fallback}
	}
	opt := base
	opt.AcceleratorLayers = layers
	opt.UseAccelerator = true
	out := []LoadAttempt{{Config: opt, Reason: ReasonOptimized}}
	if layers > reducedLayerThreshold {
		red := opt
		red.AcceleratorLayers = max(layers/2, reducedLayerThreshold)
		out = append(out, LoadAttempt{Config: red, Reason: ReasonReduced})
	}
	return append(out, fallback)
}

// recoveryConfig is the conservative config of the recovery pass.
func recoveryConfig(c engine.Config) engine.Config {
	c.AcceleratorLayers = 0
	c.UseAccelerator = false
	c.ContextLength = max(engine.MinContextLength, c.ContextLength/2)
	return c
}
