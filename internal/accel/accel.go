// Package accel estimates how many model layers a device can offload to its
// accelerator. It uses declared heuristics only; no driver is queried.
package accel

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	gib = 1 << 30
	mib = 1 << 20

	// MinSupportedOSTier is the first OS tier with a usable accelerator
	// backend on every device.
	MinSupportedOSTier = 31
	// MinLegacyOSTier is the oldest tier where a backend exists at all.
	// Devices on tiers between it and MinSupportedOSTier need LegacyMinRAM.
	MinLegacyOSTier = 29
	LegacyMinRAM    = 6 * gib

	// DefaultDeviceCeiling bounds every recommendation.
	DefaultDeviceCeiling = 99
	// DefaultContextLength is used for the device-level profile.
	DefaultContextLength = 2048

	budgetUsableFraction = 0.7
	assumedAvgLayers     = 16
)

// Device is the declared hardware description.
type Device struct {
	TotalRAMBytes uint64
	OSTier        int
	Manufacturer  string
}

// Profile is the device-level estimate.
type Profile struct {
	HasAccelerator    bool
	MaxBudgetBytes    uint64
	RecommendedLayers int
	Reasoning         string
}

// MemoryProfile is the per-model estimate.
type MemoryProfile struct {
	RecommendedLayers   int
	EstimatedUsageBytes uint64
	CanUseAccelerator   bool
	Reasoning           string
}

// Options tune an Estimator. Zero values select defaults.
type Options struct {
	// Denylist holds manufacturers whose drivers are known to misbehave;
	// matching is case-insensitive.
	Denylist []string
	// DeviceCeiling caps every recommendation (default 99).
	DeviceCeiling int
	// Families overrides or extends the built-in family table.
	Families map[string]Family
}

// Estimator computes layer recommendations. Safe for concurrent use.
type Estimator struct {
	deny     map[string]struct{}
	ceiling  int
	families map[string]Family
}

func New(opts Options) *Estimator {
	e := &Estimator{
		deny:     make(map[string]struct{}, len(opts.Denylist)),
		ceiling:  opts.DeviceCeiling,
		families: make(map[string]Family, len(builtinFamilies)+len(opts.Families)),
	}
	if e.ceiling <= 0 {
		e.ceiling = DefaultDeviceCeiling
	}
	for _, m := range opts.Denylist {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			e.deny[m] = struct{}{}
		}
	}
	for k, v := range builtinFamilies {
		e.families[k] = v
	}
	for k, v := range opts.Families {
		e.families[strings.ToLower(k)] = v
	}
	return e
}

// Ceiling returns the device ceiling in effect.
func (e *Estimator) Ceiling() int { return e.ceiling }

// Supported classifies accelerator support and explains the decision.
func (e *Estimator) Supported(d Device) (bool, string) {
	if _, denied := e.deny[strings.ToLower(strings.TrimSpace(d.Manufacturer))]; denied {
		return false, fmt.Sprintf("manufacturer %q is on the accelerator denylist", d.Manufacturer)
	}
	switch {
	case d.OSTier >= MinSupportedOSTier:
		return true, fmt.Sprintf("OS tier %d supports acceleration", d.OSTier)
	case d.OSTier >= MinLegacyOSTier && d.TotalRAMBytes >= LegacyMinRAM:
		return true, fmt.Sprintf("OS tier %d with %s RAM supports acceleration", d.OSTier, humanize.IBytes(d.TotalRAMBytes))
	case d.OSTier >= MinLegacyOSTier:
		return false, fmt.Sprintf("OS tier %d needs at least %s RAM for acceleration, device has %s",
			d.OSTier, humanize.IBytes(LegacyMinRAM), humanize.IBytes(d.TotalRAMBytes))
	default:
		return false, fmt.Sprintf("OS tier %d is below the accelerator floor %d", d.OSTier, MinLegacyOSTier)
	}
}

// BudgetBytes maps total RAM to the accelerator budget tier.
func BudgetBytes(totalRAM uint64) uint64 {
	switch {
	case totalRAM < 4*gib:
		return 1 * gib
	case totalRAM < 6*gib:
		return 2 * gib
	case totalRAM < 8*gib:
		return 3 * gib
	case totalRAM < 12*gib:
		return 4 * gib
	case totalRAM < 16*gib:
		return 6 * gib
	default:
		return 8 * gib
	}
}

// Profile returns the device-level estimate for an average model at
// DefaultContextLength.
func (e *Estimator) Profile(d Device) Profile {
	ok, why := e.Supported(d)
	if !ok {
		return Profile{Reasoning: why + "; CPU only"}
	}
	mp := e.Estimate(d, "default", DefaultContextLength)
	return Profile{
		HasAccelerator:    true,
		MaxBudgetBytes:    BudgetBytes(d.TotalRAMBytes),
		RecommendedLayers: mp.RecommendedLayers,
		Reasoning:         mp.Reasoning,
	}
}

// Estimate returns the layer recommendation for a model family at a context
// length. Unknown families use the average profile.
func (e *Estimator) Estimate(d Device, family string, contextLength int) MemoryProfile {
	ok, why := e.Supported(d)
	if !ok {
		return MemoryProfile{Reasoning: why + "; CPU only"}
	}
	fam, known := e.families[strings.ToLower(family)]
	name := strings.ToLower(family)
	if !known {
		fam = e.families["default"]
		name = "default"
	}
	budget := BudgetBytes(d.TotalRAMBytes)
	overhead := fam.BaseCostBytes + fam.KVCost(contextLength)*assumedAvgLayers
	usable := int64(float64(budget)*budgetUsableFraction) - int64(overhead)

	vramLayers := 0
	if usable > 0 && fam.PerLayerCostBytes > 0 {
		vramLayers = int(usable / int64(fam.PerLayerCostBytes))
	}
	famCap := fam.MaxLayers(contextLength)
	rec := max(0, min(vramLayers, famCap, e.ceiling))

	var b strings.Builder
	fmt.Fprintf(&b, "%s; budget %s of %s RAM", why, humanize.IBytes(budget), humanize.IBytes(d.TotalRAMBytes))
	if usable <= 0 {
		fmt.Fprintf(&b, "; base %s and KV %s exceed the usable budget",
			humanize.IBytes(fam.BaseCostBytes), humanize.IBytes(fam.KVCost(contextLength)*assumedAvgLayers))
	} else {
		fmt.Fprintf(&b, "; usable %s fits %d layers at %s each", humanize.IBytes(uint64(usable)), vramLayers, humanize.IBytes(fam.PerLayerCostBytes))
	}
	fmt.Fprintf(&b, "; %s cap %d at %s context; ceiling %d; recommending %d layers",
		name, famCap, fam.bucketName(contextLength), e.ceiling, rec)

	return MemoryProfile{
		RecommendedLayers:   rec,
		EstimatedUsageBytes: overhead + uint64(rec)*fam.PerLayerCostBytes,
		CanUseAccelerator:   rec > 0,
		Reasoning:           b.String(),
	}
}

// Cap limits a requested layer count to the recommendation. A request is
// never raised, and negative requests become zero.
func Cap(requested, recommended int) int {
	return max(0, min(requested, recommended))
}
