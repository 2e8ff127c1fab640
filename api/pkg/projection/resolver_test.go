package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

type fakeMetadata map[string]types.ModelMetadata

func (f fakeMetadata) Metadata(m *types.ModelFile) types.ModelMetadata {
	return f[m.AbsolutePath]
}

func visionModel(path, filename string) *types.ModelFile {
	return &types.ModelFile{
		AbsolutePath:   path,
		Filename:       filename,
		DisplayName:    filename,
		Classification: types.ClassVisionChat,
	}
}

func projectionFile(path, filename string) *types.ModelFile {
	return &types.ModelFile{
		AbsolutePath:   path,
		Filename:       filename,
		Classification: types.ClassProjection,
	}
}

func TestNormalizeBase(t *testing.T) {
	cases := map[string]string{
		"llava-v1.5-7b-Q4_K_M.gguf":        "llava-v1-5-7b",
		"mmproj-llava-v1.5-7b-f16.gguf":    "llava-v1-5-7b",
		"Qwen2-VL-7B-Instruct-Q4_K_M.gguf": "qwen2-vl-7b",
		"qwen2-vl-7b-mmproj-f16.gguf":      "qwen2-vl-7b",
		"gemma-2-2b-it.gguf":               "gemma-2-2b",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeBase(in), in)
	}
}

func TestHeuristicMatchByBaseName(t *testing.T) {
	r := NewResolver(fakeMetadata{})
	model := visionModel("/m/llava-v1.5-7b-Q4_K_M.gguf", "llava-v1.5-7b-Q4_K_M.gguf")
	projections := []*types.ModelFile{
		projectionFile("/m/qwen2-vl-7b-mmproj-f16.gguf", "qwen2-vl-7b-mmproj-f16.gguf"),
		projectionFile("/m/mmproj-llava-v1.5-7b-f16.gguf", "mmproj-llava-v1.5-7b-f16.gguf"),
	}

	got := r.Resolve(model, projections, nil, nil)
	require.NotNil(t, got)
	assert.Equal(t, "/m/mmproj-llava-v1.5-7b-f16.gguf", got.AbsolutePath)
}

func TestMappingsAreAuthoritative(t *testing.T) {
	r := NewResolver(fakeMetadata{})
	model := visionModel("/m/llava-7b.gguf", "llava-7b.gguf")
	other := visionModel("/m/qwen2-vl-7b.gguf", "qwen2-vl-7b.gguf")
	projections := []*types.ModelFile{
		projectionFile("/m/mmproj-llava-7b.gguf", "mmproj-llava-7b.gguf"),
		projectionFile("/m/mmproj-qwen2-vl.gguf", "mmproj-qwen2-vl.gguf"),
	}
	mappings := types.ProjectionMappings{
		"/m/llava-7b.gguf": {ProjectionPath: "/m/mmproj-qwen2-vl.gguf", IsManual: true},
	}

	// explicit entry wins over the heuristic match
	got := r.Resolve(model, projections, mappings, nil)
	require.NotNil(t, got)
	assert.Equal(t, "/m/mmproj-qwen2-vl.gguf", got.AbsolutePath)

	// a model missing from a non-empty table gets nothing, heuristics stay off
	assert.Nil(t, r.Resolve(other, projections, mappings, nil))
}

func TestMappingToMissingFile(t *testing.T) {
	r := NewResolver(fakeMetadata{})
	model := visionModel("/m/llava-7b.gguf", "llava-7b.gguf")
	mappings := types.ProjectionMappings{
		"/m/llava-7b.gguf": {ProjectionPath: "/m/deleted.gguf"},
	}
	assert.Nil(t, r.Resolve(model, nil, mappings, nil))
}

func TestBundledFallback(t *testing.T) {
	meta := fakeMetadata{
		"/m/pixtral-12b.gguf":          {EmbeddingDimension: 5120},
		"/bundled/mmproj-generic.gguf": {EmbeddingDimension: 4096},
	}
	r := NewResolver(meta)
	model := visionModel("/m/pixtral-12b.gguf", "pixtral-12b.gguf")
	fallback := projectionFile("/bundled/mmproj-generic.gguf", "mmproj-generic.gguf")

	got := r.Resolve(model, nil, nil, fallback)
	require.NotNil(t, got)
	assert.Equal(t, fallback.AbsolutePath, got.AbsolutePath)
	assert.False(t, r.Compatible(model, fallback))
}

func TestGemmaFamilyGetsBundledFallback(t *testing.T) {
	r := NewResolver(fakeMetadata{})
	// gemma filenames carry no vision marker, so the scanner classifies
	// them as plain chat; the family itself is still vision capable
	gemma := &types.ModelFile{
		AbsolutePath:   "/m/gemma-3-4b-it-Q4_K_M.gguf",
		Filename:       "gemma-3-4b-it-Q4_K_M.gguf",
		Classification: types.ClassChat,
	}
	fallback := projectionFile("/bundled/mmproj-generic.gguf", "mmproj-generic.gguf")

	got := r.Resolve(gemma, nil, nil, fallback)
	require.NotNil(t, got)
	assert.Equal(t, fallback.AbsolutePath, got.AbsolutePath)

	// a family-specific projection still wins over the generic one
	own := projectionFile("/m/mmproj-gemma-3-4b.gguf", "mmproj-gemma-3-4b.gguf")
	got = r.Resolve(gemma, []*types.ModelFile{own}, nil, fallback)
	require.NotNil(t, got)
	assert.Equal(t, own.AbsolutePath, got.AbsolutePath)

	// an embedder from the same family never loads a projection
	embedder := &types.ModelFile{
		AbsolutePath:   "/m/embeddinggemma-300m-Q8_0.gguf",
		Filename:       "embeddinggemma-300m-Q8_0.gguf",
		Classification: types.ClassEmbedding,
	}
	assert.Nil(t, r.Resolve(embedder, nil, nil, fallback))
}

func TestNonVisionModelGetsNoProjection(t *testing.T) {
	r := NewResolver(fakeMetadata{})
	chat := &types.ModelFile{
		AbsolutePath:   "/m/llama-3.2-3b.gguf",
		Filename:       "llama-3.2-3b.gguf",
		Classification: types.ClassChat,
	}
	fallback := projectionFile("/bundled/mmproj-generic.gguf", "mmproj-generic.gguf")
	assert.Nil(t, r.Resolve(chat, nil, nil, fallback))
}

func TestCompatibleUnknownDimension(t *testing.T) {
	r := NewResolver(fakeMetadata{})
	a := visionModel("/m/a.gguf", "a.gguf")
	b := projectionFile("/m/b.gguf", "b.gguf")
	assert.True(t, r.Compatible(a, b))
}
