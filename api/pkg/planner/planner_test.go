package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

func dedicatedPlatform() types.PlatformInfo {
	return types.PlatformInfo{
		Accelerator: types.AcceleratorCUDA,
		GPUClass:    types.GPUClassDedicated,
		GPUMemoryMB: 8192,
		CPUCores:    12,
	}
}

func chatModel(filename string, sizeBytes int64) *types.ModelFile {
	return &types.ModelFile{
		AbsolutePath:   "/models/" + filename,
		Filename:       filename,
		SizeBytes:      sizeBytes,
		DisplayName:    filename,
		Classification: types.ClassChat,
	}
}

func TestAutoThreadsClamp(t *testing.T) {
	cases := map[int]int{2: 4, 8: 4, 12: 6, 32: 8}
	for cores, want := range cases {
		p := New(types.PlatformInfo{CPUCores: cores}, types.PerformanceSettings{}, nil)
		assert.Equal(t, want, p.autoThreads(), "cores=%d", cores)
	}
}

func TestAutoGPULayersFitsVRAM(t *testing.T) {
	p := New(dedicatedPlatform(), types.PerformanceSettings{}, nil)

	// 7B file of 4 GiB over 32 layers is 128 MiB per layer; 80% of 8 GiB
	// holds 51, capped at the model's 32.
	model := chatModel("llama-2-7b-Q4_K_M.gguf", 4<<30)
	assert.Equal(t, 32, p.autoGPULayers(model))

	// 70B at 40 GiB over 80 layers is 512 MiB per layer; only 12 fit.
	big := chatModel("llama-2-70b-Q4_K_M.gguf", 40<<30)
	assert.Equal(t, 12, p.autoGPULayers(big))
}

func TestGPULayersZeroOnCPUOrTinyVRAM(t *testing.T) {
	cpu := New(types.PlatformInfo{Accelerator: types.AcceleratorCPU, GPUMemoryMB: 8192}, types.PerformanceSettings{}, nil)
	assert.Zero(t, cpu.autoGPULayers(chatModel("llama-2-7b.gguf", 4<<30)))

	tiny := New(types.PlatformInfo{Accelerator: types.AcceleratorVulkan, GPUClass: types.GPUClassIntegrated, GPUMemoryMB: 512}, types.PerformanceSettings{}, nil)
	assert.Zero(t, tiny.autoGPULayers(chatModel("llama-2-7b.gguf", 4<<30)))
}

func TestPrecedencePerModelBeatsGlobal(t *testing.T) {
	globalThreads := 8
	overrideThreads := 5
	overrideCtx := int64(4096)
	p := New(dedicatedPlatform(),
		types.PerformanceSettings{Threads: &globalThreads},
		map[string]types.PerModelOverride{
			"m.gguf": {Threads: &overrideThreads, MaxContextSize: &overrideCtx},
		})

	plan := p.Plan(chatModel("m.gguf", 2<<30), types.ModelMetadata{NativeContextTokens: 131072}, "")
	assert.Equal(t, 5, plan.Threads)
	assert.Equal(t, int64(4096), plan.ContextSize)
}

func TestContextFallsBackToNativeThenDefault(t *testing.T) {
	p := New(dedicatedPlatform(), types.PerformanceSettings{}, nil)

	withNative := p.Plan(chatModel("a.gguf", 2<<30), types.ModelMetadata{NativeContextTokens: 32768}, "")
	assert.Equal(t, int64(32768), withNative.ContextSize)

	noNative := p.Plan(chatModel("b.gguf", 2<<30), types.ModelMetadata{}, "")
	assert.Equal(t, int64(8192), noNative.ContextSize)
}

func TestEmbeddingModelOmitsContext(t *testing.T) {
	ctx := int64(4096)
	p := New(dedicatedPlatform(), types.PerformanceSettings{MaxContextSize: &ctx}, nil)
	model := &types.ModelFile{
		Filename:       "mxbai-embed-large.gguf",
		DisplayName:    "mxbai-embed-large:embed",
		SizeBytes:      600 << 20,
		Classification: types.ClassEmbedding,
	}

	plan := p.Plan(model, types.ModelMetadata{NativeContextTokens: 512}, "")
	assert.True(t, plan.Embedding)
	assert.Zero(t, plan.ContextSize)
	assert.Equal(t, EmbeddingPort, plan.Port)
}

func TestBatchDefaultsByFileSize(t *testing.T) {
	p := New(dedicatedPlatform(), types.PerformanceSettings{}, nil)

	small := p.Plan(chatModel("s.gguf", 3<<30), types.ModelMetadata{}, "")
	assert.Equal(t, 256, small.BatchSize)
	assert.Equal(t, 64, small.UbatchSize)

	medium := p.Plan(chatModel("m.gguf", 6<<30), types.ModelMetadata{}, "")
	assert.Equal(t, 512, medium.BatchSize)
	assert.Equal(t, 128, medium.UbatchSize)

	large := p.Plan(chatModel("l.gguf", 12<<30), types.ModelMetadata{}, "")
	assert.Equal(t, 1024, large.BatchSize)
	assert.Equal(t, 256, large.UbatchSize)
}

func TestKeepTokensQuarterOfContextCapped(t *testing.T) {
	p := New(dedicatedPlatform(), types.PerformanceSettings{}, nil)

	plan := p.Plan(chatModel("a.gguf", 2<<30), types.ModelMetadata{NativeContextTokens: 2048}, "")
	assert.Equal(t, int64(512), plan.KeepTokens)

	plan = p.Plan(chatModel("b.gguf", 2<<30), types.ModelMetadata{NativeContextTokens: 32768}, "")
	assert.Equal(t, int64(1024), plan.KeepTokens)
}

func TestDefaultsFlashMlockContBatching(t *testing.T) {
	p := New(dedicatedPlatform(), types.PerformanceSettings{}, nil)
	plan := p.Plan(chatModel("a.gguf", 2<<30), types.ModelMetadata{}, "")

	assert.True(t, plan.FlashAttention)
	assert.True(t, plan.MemoryLock)
	assert.True(t, plan.ContinuousBatching)
	assert.Equal(t, "q8_0", plan.KVCacheType)
	assert.Equal(t, 0.1, plan.DefragThreshold)
	assert.Equal(t, 1, plan.Parallel)
	assert.Equal(t, ChatPort, plan.Port)
}

func TestTTFTMode(t *testing.T) {
	p := New(dedicatedPlatform(), types.PerformanceSettings{OptimizeFirstToken: true}, nil)
	plan := p.Plan(chatModel("a.gguf", 2<<30), types.ModelMetadata{NativeContextTokens: 32768}, "")

	assert.True(t, plan.TTFT)
	assert.Equal(t, plan.Threads/2, plan.ThreadsBatch)
	assert.Equal(t, int64(8192), plan.ContextSize)
	assert.Equal(t, 0.05, plan.DefragThreshold)
	assert.False(t, plan.ContinuousBatching)
}
