package planner

import (
	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/scanner"
	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// Plan is the fully resolved launch tuning for one model. Every decision
// follows the same precedence: per-model override, then global settings,
// then the auto-calculated value.
type Plan struct {
	ModelPath      string
	ProjectionPath string
	Port           int
	Embedding      bool

	Threads         int
	GPULayers       int
	ContextSize     int64 // 0 means omit the flag
	BatchSize       int
	UbatchSize      int
	KeepTokens      int64
	DefragThreshold float64
	Parallel        int

	FlashAttention     bool
	MemoryLock         bool
	ContinuousBatching bool
	KVCacheType        string

	// TTFT trades throughput for time-to-first-token.
	TTFT         bool
	ThreadsBatch int
}

const (
	EmbeddingPort = 9998
	ChatPort      = 9999

	defaultContext     = 8192
	defaultKVCacheType = "q8_0"
	defaultDefrag      = 0.1
	ttftDefrag         = 0.05
)

// Planner computes launch plans from the probed platform and the persisted
// tuning documents.
type Planner struct {
	platform types.PlatformInfo
	global   types.PerformanceSettings
	perModel map[string]types.PerModelOverride
}

func New(platform types.PlatformInfo, global types.PerformanceSettings, perModel map[string]types.PerModelOverride) *Planner {
	return &Planner{platform: platform, global: global, perModel: perModel}
}

// Plan resolves every launch knob for one model. projectionPath is empty
// when the model runs without a vision projection.
func (p *Planner) Plan(model *types.ModelFile, meta types.ModelMetadata, projectionPath string) Plan {
	override := p.perModel[model.DisplayName]

	plan := Plan{
		ModelPath:      model.AbsolutePath,
		ProjectionPath: projectionPath,
		Embedding:      model.IsEmbedding(),
	}
	if plan.Embedding {
		plan.Port = EmbeddingPort
	} else {
		plan.Port = ChatPort
	}

	plan.Threads = resolveInt(override.Threads, p.global.Threads, p.autoThreads())
	plan.GPULayers = resolveInt(override.GPULayers, p.global.GPULayers, p.autoGPULayers(model))

	if !plan.Embedding {
		plan.ContextSize = resolveInt64(override.MaxContextSize, p.global.MaxContextSize, autoContext(meta))
	}

	batch, ubatch := batchDefaults(model.SizeBytes)
	plan.BatchSize = resolveInt(override.BatchSize, p.global.BatchSize, batch)
	plan.UbatchSize = resolveInt(override.UbatchSize, p.global.UbatchSize, ubatch)

	plan.KeepTokens = resolveInt64(override.KeepTokens, p.global.KeepTokens, autoKeep(plan.ContextSize))
	plan.DefragThreshold = resolveFloat(override.DefragThreshold, p.global.DefragThreshold, defaultDefrag)
	plan.FlashAttention = resolveBool(override.FlashAttention, p.global.FlashAttention, true)
	plan.MemoryLock = resolveBool(override.MemoryLock, p.global.MemoryLock, true)
	plan.ContinuousBatching = resolveBool(override.EnableContinuousBatching, p.global.EnableContinuousBatching, true)

	plan.KVCacheType = defaultKVCacheType
	if p.global.KVCacheType != "" {
		plan.KVCacheType = p.global.KVCacheType
	}
	if override.KVCacheType != "" {
		plan.KVCacheType = override.KVCacheType
	}

	plan.Parallel = 1
	if p.global.ParallelSequences > 0 {
		plan.Parallel = p.global.ParallelSequences
	}
	if override.ParallelSequences > 0 {
		plan.Parallel = override.ParallelSequences
	}

	if override.OptimizeFirstToken || p.global.OptimizeFirstToken {
		applyTTFT(&plan)
	}

	log.Debug().
		Str("model", model.DisplayName).
		Int("gpu_layers", plan.GPULayers).
		Int64("ctx", plan.ContextSize).
		Int("threads", plan.Threads).
		Bool("ttft", plan.TTFT).
		Msg("launch plan resolved")
	return plan
}

// applyTTFT reshapes an already-resolved plan for first-token latency.
func applyTTFT(plan *Plan) {
	plan.TTFT = true
	plan.ThreadsBatch = plan.Threads / 2
	if plan.ThreadsBatch < 1 {
		plan.ThreadsBatch = 1
	}
	if !plan.Embedding && plan.ContextSize > defaultContext {
		plan.ContextSize = defaultContext
	}
	plan.DefragThreshold = ttftDefrag
	plan.ContinuousBatching = false
}

func (p *Planner) autoThreads() int {
	t := p.platform.CPUCores / 2
	if t < 4 {
		t = 4
	}
	if t > 8 {
		t = 8
	}
	return t
}

// layerCountFor maps the filename's parameter count to the typical layer
// count of that model generation.
func layerCountFor(paramsB float64) int {
	switch {
	case paramsB == 0:
		return 100
	case paramsB <= 1.5:
		return 22
	case paramsB <= 4:
		return 26
	case paramsB <= 9:
		return 32
	case paramsB <= 16:
		return 40
	case paramsB <= 40:
		return 60
	case paramsB <= 80:
		return 80
	default:
		return 100
	}
}

// autoGPULayers fits as many full layers as the usable VRAM allows. The
// usable share depends on the accelerator class: dedicated GPUs keep a 20%
// reserve, Apple Silicon 30%, integrated graphics 40%.
func (p *Planner) autoGPULayers(model *types.ModelFile) int {
	if p.platform.Accelerator == types.AcceleratorCPU || p.platform.GPUMemoryMB < 1024 {
		return 0
	}

	total := layerCountFor(scanner.ParseParamCountB(model.Filename))
	perLayerMB := float64(model.SizeBytes) / float64(total) / (1 << 20)
	if perLayerMB <= 0 {
		return 0
	}

	reserve := 0.20
	switch p.platform.GPUClass {
	case types.GPUClassAppleSilicon:
		reserve = 0.30
	case types.GPUClassIntegrated:
		reserve = 0.40
	}

	usableMB := float64(p.platform.GPUMemoryMB) * (1 - reserve)
	fit := int(usableMB / perLayerMB)
	if fit > total {
		fit = total
	}
	if fit < 0 {
		fit = 0
	}
	return fit
}

func autoContext(meta types.ModelMetadata) int64 {
	if meta.NativeContextTokens > 0 {
		return meta.NativeContextTokens
	}
	return defaultContext
}

func batchDefaults(sizeBytes int64) (batch, ubatch int) {
	const gb = int64(1) << 30
	switch {
	case sizeBytes <= 4*gb:
		return 256, 64
	case sizeBytes <= 8*gb:
		return 512, 128
	default:
		return 1024, 256
	}
}

func autoKeep(contextSize int64) int64 {
	if contextSize == 0 {
		return 1024
	}
	keep := contextSize / 4
	if keep > 1024 {
		keep = 1024
	}
	return keep
}

func resolveInt(override, global *int, auto int) int {
	if override != nil {
		return *override
	}
	if global != nil {
		return *global
	}
	return auto
}

func resolveInt64(override, global *int64, auto int64) int64 {
	if override != nil {
		return *override
	}
	if global != nil {
		return *global
	}
	return auto
}

func resolveFloat(override, global *float64, auto float64) float64 {
	if override != nil {
		return *override
	}
	if global != nil {
		return *global
	}
	return auto
}

func resolveBool(override, global *bool, auto bool) bool {
	if override != nil {
		return *override
	}
	if global != nil {
		return *global
	}
	return auto
}
