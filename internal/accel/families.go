package accel

// Context buckets for the per-family layer caps.
const (
	SmallContextMax  = 2048
	MediumContextMax = 4096
)

// Family describes the memory footprint of a model family.
type Family struct {
	PerLayerCostBytes      uint64
	BaseCostBytes          uint64
	KVCostPer1kTokensBytes uint64
	MaxLayersSmall         int
	MaxLayersMedium        int
	MaxLayersLarge         int
}

// KVCost is the per-layer KV cache cost at contextLength tokens.
func (f Family) KVCost(contextLength int) uint64 {
	if contextLength <= 0 {
		return 0
	}
	return f.KVCostPer1kTokensBytes * uint64(contextLength) / 1000
}

// MaxLayers returns the cap for the context bucket.
func (f Family) MaxLayers(contextLength int) int {
	switch {
	case contextLength <= SmallContextMax:
		return f.MaxLayersSmall
	case contextLength <= MediumContextMax:
		return f.MaxLayersMedium
	default:
		return f.MaxLayersLarge
	}
}

func (f Family) bucketName(contextLength int) string {
	switch {
	case contextLength <= SmallContextMax:
		return "small"
	case contextLength <= MediumContextMax:
		return "medium"
	default:
		return "large"
	}
}

// Footprints for 4-bit quantized weights.
var builtinFamilies = map[string]Family{
	"llama":     {PerLayerCostBytes: 110 * mib, BaseCostBytes: 256 * mib, KVCostPer1kTokensBytes: 1 * mib, MaxLayersSmall: 32, MaxLayersMedium: 28, MaxLayersLarge: 24},
	"mistral":   {PerLayerCostBytes: 115 * mib, BaseCostBytes: 280 * mib, KVCostPer1kTokensBytes: 1 * mib, MaxLayersSmall: 32, MaxLayersMedium: 28, MaxLayersLarge: 24},
	"qwen":      {PerLayerCostBytes: 90 * mib, BaseCostBytes: 240 * mib, KVCostPer1kTokensBytes: 768 << 10, MaxLayersSmall: 28, MaxLayersMedium: 24, MaxLayersLarge: 20},
	"phi":       {PerLayerCostBytes: 80 * mib, BaseCostBytes: 200 * mib, KVCostPer1kTokensBytes: 1536 << 10, MaxLayersSmall: 32, MaxLayersMedium: 28, MaxLayersLarge: 24},
	"gemma":     {PerLayerCostBytes: 100 * mib, BaseCostBytes: 320 * mib, KVCostPer1kTokensBytes: 1280 << 10, MaxLayersSmall: 28, MaxLayersMedium: 24, MaxLayersLarge: 18},
	"tinyllama": {PerLayerCostBytes: 25 * mib, BaseCostBytes: 64 * mib, KVCostPer1kTokensBytes: 512 << 10, MaxLayersSmall: 22, MaxLayersMedium: 22, MaxLayersLarge: 22},
	"default":   {PerLayerCostBytes: 90 * mib, BaseCostBytes: 230 * mib, KVCostPer1kTokensBytes: 1 * mib, MaxLayersSmall: 28, MaxLayersMedium: 24, MaxLayersLarge: 20},
}
