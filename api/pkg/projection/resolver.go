package projection

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// MetadataSource is satisfied by the scanner's metadata cache.
type MetadataSource interface {
	Metadata(model *types.ModelFile) types.ModelMetadata
}

// Resolver pairs vision-capable chat models with their projection files.
//
// Resolution is layered: a non-empty persisted mapping table is
// authoritative for the whole model set and disables heuristics entirely.
// Otherwise projections are matched by normalized base name, and as a last
// resort a bundled generic projection is used with a warning.
type Resolver struct {
	metadata MetadataSource
}

func NewResolver(metadata MetadataSource) *Resolver {
	return &Resolver{metadata: metadata}
}

// Resolve returns the projection file to launch alongside model, or nil
// when the model runs without one. projections and bundledFallback come
// from the same scan as model.
func (r *Resolver) Resolve(
	model *types.ModelFile,
	projections []*types.ModelFile,
	mappings types.ProjectionMappings,
	bundledFallback *types.ModelFile,
) *types.ModelFile {
	if len(mappings) > 0 {
		// Authoritative table: a model without an entry gets no projection,
		// even if a heuristic match exists.
		entry, ok := mappings[model.AbsolutePath]
		if !ok {
			return nil
		}
		for _, p := range projections {
			if p.AbsolutePath == entry.ProjectionPath {
				return p
			}
		}
		log.Warn().
			Str("model", model.DisplayName).
			Str("projection", entry.ProjectionPath).
			Msg("mapped projection file no longer exists")
		return nil
	}

	if model.IsEmbedding() || model.IsProjection() {
		return nil
	}
	if !model.IsVisionChat() && !visionCapableFamily(model.Filename) {
		return nil
	}

	want := normalizeBase(model.Filename)
	for _, p := range projections {
		have := normalizeBase(p.Filename)
		if have == "" || want == "" {
			continue
		}
		if have == want || strings.Contains(want, have) || strings.Contains(have, want) {
			return p
		}
	}

	if bundledFallback != nil {
		if !r.Compatible(model, bundledFallback) {
			log.Warn().
				Str("model", model.DisplayName).
				Str("projection", bundledFallback.Filename).
				Msg("generic projection has a different embedding dimension, vision quality may suffer")
		}
		return bundledFallback
	}
	return nil
}

// Compatible reports whether the model and projection agree on embedding
// dimension. Unknown dimensions on either side count as compatible.
func (r *Resolver) Compatible(model, projection *types.ModelFile) bool {
	m := r.metadata.Metadata(model)
	p := r.metadata.Metadata(projection)
	if m.EmbeddingDimension == 0 || p.EmbeddingDimension == 0 {
		return true
	}
	return m.EmbeddingDimension == p.EmbeddingDimension
}

// visionCapableFamilies accept a projection even when nothing in the
// filename marks them as vision, so classification alone cannot decide.
var visionCapableFamilies = []string{"gemma"}

func visionCapableFamily(filename string) bool {
	name := strings.ToLower(filename)
	for _, family := range visionCapableFamilies {
		if strings.Contains(name, family) {
			return true
		}
	}
	return false
}

var (
	projectionAffixRe = regexp.MustCompile(`(?:^|[-_.])(?:mmproj|mm-proj|projection)(?:$|[-_.])`)
	quantTokenRe      = regexp.MustCompile(`(?:^|[-_.])(?:i?q\d[\w]*|f16|f32|bf16)(?:$|[-_.])`)
	chatAffixRe       = regexp.MustCompile(`(?:^|[-_.])(?:instruct|chat|it)(?:$|[-_.])`)
	separatorRunRe    = regexp.MustCompile(`[-_.]+`)
)

// normalizeBase reduces a filename to a comparable stem: lowercase, no
// extension, projection markers, quantization tags and chat-tuning affixes
// removed, separators collapsed.
func normalizeBase(filename string) string {
	name := strings.ToLower(strings.TrimSuffix(strings.ToLower(filename), ".gguf"))
	for _, re := range []*regexp.Regexp{projectionAffixRe, quantTokenRe, chatAffixRe} {
		for {
			replaced := re.ReplaceAllString(name, "-")
			if replaced == name {
				break
			}
			name = replaced
		}
	}
	name = separatorRunRe.ReplaceAllString(name, "-")
	return strings.Trim(name, "-")
}
