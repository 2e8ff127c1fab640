package swapconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claraverse-space/clara-supervisor/api/pkg/planner"
	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

func chatPlan() planner.Plan {
	return planner.Plan{
		ModelPath:          "/models/llama-3.2-3B-Q4_K_M.gguf",
		Port:               planner.ChatPort,
		Threads:            6,
		GPULayers:          26,
		ContextSize:        8192,
		BatchSize:          256,
		UbatchSize:         64,
		KeepTokens:         1024,
		DefragThreshold:    0.1,
		Parallel:           1,
		FlashAttention:     true,
		MemoryLock:         true,
		ContinuousBatching: true,
		KVCacheType:        "q8_0",
	}
}

func embeddingPlan() planner.Plan {
	return planner.Plan{
		ModelPath:       "/models/mxbai-embed-large-v1-f16.gguf",
		Port:            planner.EmbeddingPort,
		Embedding:       true,
		Threads:         4,
		BatchSize:       256,
		UbatchSize:      64,
		KeepTokens:      1024,
		DefragThreshold: 0.1,
		Parallel:        1,
		FlashAttention:  true,
		MemoryLock:      true,
		KVCacheType:     "q8_0",
	}
}

func TestCommandRoundTrip(t *testing.T) {
	plan := chatPlan()
	plan.ProjectionPath = "/models/mmproj-f16.gguf"
	cmd := strings.Join(BuildCommandLines("/bin/llama-server", plan), "\n")

	parsed := ParseCommand(cmd)
	assert.Equal(t, "/bin/llama-server", parsed.Executable)
	assert.Equal(t, plan.ModelPath, parsed.ModelPath)
	assert.Equal(t, plan.ProjectionPath, parsed.ProjectionPath)
	assert.Equal(t, plan.Port, parsed.Port)
	assert.Equal(t, plan.GPULayers, parsed.GPULayers)
	assert.Equal(t, plan.Threads, parsed.Threads)
	assert.Equal(t, plan.ContextSize, parsed.ContextSize)
	assert.Equal(t, plan.KeepTokens, parsed.KeepTokens)
	assert.Equal(t, plan.DefragThreshold, parsed.DefragThreshold)
	assert.Equal(t, "q8_0", parsed.KVCacheType)
	assert.True(t, parsed.FlashAttention)
	assert.True(t, parsed.MemoryLock)
	assert.True(t, parsed.ContinuousBatching)
	assert.False(t, parsed.Embedding)
	assert.Empty(t, parsed.Passthrough)
}

func TestEmbeddingCommandOmitsContext(t *testing.T) {
	cmd := strings.Join(BuildCommandLines("/bin/llama-server", embeddingPlan()), "\n")

	assert.NotContains(t, cmd, "--ctx-size")
	assert.Contains(t, cmd, "--embeddings")
	assert.Contains(t, cmd, "--pooling mean")
	assert.Contains(t, cmd, "--port 9998")
}

func TestGPULayersOmittedAtZero(t *testing.T) {
	plan := chatPlan()
	plan.GPULayers = 0
	cmd := strings.Join(BuildCommandLines("/bin/llama-server", plan), "\n")
	assert.NotContains(t, cmd, "--n-gpu-layers")
}

func TestTTFTFlags(t *testing.T) {
	plan := chatPlan()
	plan.TTFT = true
	plan.ThreadsBatch = 3
	plan.ContinuousBatching = true
	cmd := strings.Join(BuildCommandLines("/bin/llama-server", plan), "\n")

	assert.Contains(t, cmd, "--threads-batch 3")
	assert.Contains(t, cmd, "--no-warmup")
	assert.NotContains(t, cmd, "--cont-batching")
}

func TestF16CacheOmitsCacheFlags(t *testing.T) {
	plan := chatPlan()
	plan.KVCacheType = "f16"
	cmd := strings.Join(BuildCommandLines("/bin/llama-server", plan), "\n")
	assert.NotContains(t, cmd, "--cache-type-k")
}

func TestParseCommandPassthrough(t *testing.T) {
	parsed := ParseCommand("/bin/llama-server -m /m/a.gguf --port 9999 --rope-scaling linear --verbose")
	assert.Equal(t, "/m/a.gguf", parsed.ModelPath)
	assert.Equal(t, []string{"--rope-scaling", "linear", "--verbose"}, parsed.Passthrough)
}

func TestGenerateAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "llama-swap-config.yaml")
	e := NewEmitter(path, "/bin/llama-server")
	e.settleWait = 0
	e.extraWait = 0

	entries := []Entry{
		{
			Model: &types.ModelFile{
				DisplayName:    "llama3.2:3b",
				Classification: types.ClassChat,
			},
			Plan: chatPlan(),
			TTL:  300,
		},
		{
			Model: &types.ModelFile{
				DisplayName:    "mxbai-embed-large:embed",
				Classification: types.ClassEmbedding,
			},
			Plan: embeddingPlan(),
			Env:  []string{"CUDA_VISIBLE_DEVICES=0"},
		},
	}
	require.NoError(t, e.Generate(entries))

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 300, doc.HealthCheckTimeout)
	assert.Equal(t, "info", doc.LogLevel)
	require.Len(t, doc.Models, 2)

	chat := doc.Models["llama3.2:3b"]
	assert.Equal(t, "http://127.0.0.1:9999", chat.Proxy)
	assert.Equal(t, 300, chat.TTL)
	parsed := ParseCommand(chat.Cmd)
	assert.Equal(t, "/models/llama-3.2-3B-Q4_K_M.gguf", parsed.ModelPath)

	embed := doc.Models["mxbai-embed-large:embed"]
	assert.Equal(t, []string{"CUDA_VISIBLE_DEVICES=0"}, embed.Env)
	assert.NotContains(t, embed.Cmd, "--ctx-size")

	require.Contains(t, doc.Groups, "embedding_models")
	require.Contains(t, doc.Groups, "regular_models")
	assert.False(t, doc.Groups["embedding_models"].Swap)
	assert.True(t, doc.Groups["embedding_models"].Persistent)
	assert.True(t, doc.Groups["regular_models"].Exclusive)
	assert.Equal(t, []string{"llama3.2:3b"}, doc.Groups["regular_models"].Members)
	assert.Equal(t, []string{"mxbai-embed-large:embed"}, doc.Groups["embedding_models"].Members)
}

func TestProjectionFilesNeverGetEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	e := NewEmitter(path, "/bin/llama-server")
	e.settleWait = 0

	entries := []Entry{
		{
			Model: &types.ModelFile{
				DisplayName:    "mmproj-f16",
				Classification: types.ClassProjection,
			},
			Plan: planner.Plan{},
		},
	}
	require.NoError(t, e.Generate(entries))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "mmproj-f16")
}
