package scanner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		filename string
		want     types.ModelClassification
	}{
		{"mmproj-model-f16.gguf", types.ClassProjection},
		{"llava-mm-proj.gguf", types.ClassProjection},
		{"gemma-projection.gguf", types.ClassProjection},
		{"mxbai-embed-large-v1-f16.gguf", types.ClassEmbedding},
		{"nomic-embed-text-v1.5.gguf", types.ClassEmbedding},
		{"bge-large-en.gguf", types.ClassEmbedding},
		{"multilingual-e5-large.gguf", types.ClassEmbedding},
		{"all-MiniLM-L6-v2.gguf", types.ClassEmbedding},
		{"Qwen2-VL-7B-Instruct-Q4_K_M.gguf", types.ClassVisionChat},
		{"llama-3.2-11b-vision.gguf", types.ClassVisionChat},
		{"pixtral-multimodal.gguf", types.ClassVisionChat},
		// "gemma" must not read as the short token "mm"
		{"gemma-2-2b-it-Q4_K_M.gguf", types.ClassChat},
		{"Llama-3.2-3B-Instruct-Q4_K_M.gguf", types.ClassChat},
		{"command-r-35b.gguf", types.ClassChat},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.filename), tc.filename)
	}
}

func TestParseQuant(t *testing.T) {
	cases := map[string]string{
		"llama-3.2-3B-Q4_K_M.gguf":   "q4_k_m",
		"llama-3.2-3B-Q8_0.gguf":     "q8_0",
		"llama-3.2-3B-f16.gguf":      "f16",
		"model-q4-k-m.gguf":          "q4_k_m",
		"model-IQ3_XXS.gguf":         "iq3_xxs",
		"model-iq2_bn.gguf":          "iq2_bn",
		"bitnet-b1.58-2B.gguf":       "bitnet-1.58",
		"plain-model.gguf":           "",
	}
	for filename, want := range cases {
		assert.Equal(t, want, ParseQuant(filename), filename)
	}
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "llama3.2:3b", baseName("llama-3.2-3B-Q4_K_M.gguf", 3<<30))
	assert.Equal(t, "mxbai-embed-large:embed", baseName("mxbai-embed-large-v1-f16.gguf", 600<<20))
	assert.Equal(t, "qwen2.5:7b", baseName("Qwen2.5-7B-Instruct-Q4_K_M.gguf", 4<<30))
	assert.Equal(t, "tinyllama:1.1b", baseName("tinyllama-1.1b-chat.Q8_0.gguf", 1<<30))
	// no parameter-count token: size falls back to the disk-size class
	assert.Equal(t, "mystery:medium", baseName("mystery.gguf", 3<<30))
}

// Three same-size sibling quantizations must each get a distinct name.
func TestConflictResolutionByQuant(t *testing.T) {
	models := []*types.ModelFile{
		{Filename: "llama-3.2-3B-Q4_K_M.gguf", SizeBytes: 3 << 30},
		{Filename: "llama-3.2-3B-Q8_0.gguf", SizeBytes: 3 << 30},
		{Filename: "llama-3.2-3B-f16.gguf", SizeBytes: 3 << 30},
	}
	AssignDisplayNames(models)

	names := map[string]bool{}
	for _, m := range models {
		names[m.DisplayName] = true
	}
	assert.Len(t, names, 3)
	assert.Contains(t, names, "llama3.2:3b-q4_k_m")
	assert.Contains(t, names, "llama3.2:3b-q8_0")
	assert.Contains(t, names, "llama3.2:3b-f16")
}

func TestConflictResolutionEscalation(t *testing.T) {
	// identical quant, different sizes -> size bucket disambiguates
	models := []*types.ModelFile{
		{Filename: "llama-3-8B-Q4_K_M.gguf", SizeBytes: 5 << 30},
		{Filename: "llama-3-8B-Q4_K_M.gguf", SizeBytes: 500 << 20},
		{Filename: "llama-3-8B-Q4_K_M.gguf", SizeBytes: 500 << 20},
		{Filename: "llama-3-8B-Q4_K_M.gguf", SizeBytes: 500 << 20},
	}
	AssignDisplayNames(models)

	names := map[string]bool{}
	for _, m := range models {
		require.NotEmpty(t, m.DisplayName)
		assert.False(t, names[m.DisplayName], "duplicate name %s", m.DisplayName)
		names[m.DisplayName] = true
	}
	assert.Len(t, names, 4)
}

func TestScanFindsAndNamesModels(t *testing.T) {
	userDir := t.TempDir()
	customDir := t.TempDir()
	for _, name := range []string{
		"llama-3.2-3B-Q4_K_M.gguf",
		"llama-3.2-3B-Q8_0.gguf",
		"mxbai-embed-large-v1-f16.gguf",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(userDir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(customDir, "mmproj-f16.gguf"), []byte("x"), 0o644))

	s := New(userDir, "", []string{customDir})
	models := s.Scan()
	require.Len(t, models, 4)

	names := map[string]bool{}
	var projections int
	for _, m := range models {
		assert.False(t, names[m.DisplayName])
		names[m.DisplayName] = true
		if m.IsProjection() {
			projections++
			assert.Equal(t, types.SourceCustom, m.Source)
		}
	}
	assert.Equal(t, 1, projections)
}

func TestMetadataFallbackOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gemma-2-2b.gguf")
	require.NoError(t, os.WriteFile(path, []byte("not a gguf header"), 0o644))

	s := New(dir, "", nil)
	models := s.Scan()
	require.Len(t, models, 1)

	meta := s.Metadata(models[0])
	assert.False(t, meta.Parsed)
	assert.Zero(t, meta.NativeContextTokens)
	assert.Equal(t, int64(2048), meta.EmbeddingDimension)
}
