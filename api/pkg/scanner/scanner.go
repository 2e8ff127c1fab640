package scanner

import (
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/gguf"
	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// Scanner enumerates GGUF files across the user, bundled and custom roots.
// The model list is rebuilt from scratch on every call; only the absolute
// path is a stable identity across scans.
type Scanner struct {
	userDir    string
	bundledDir string
	customDirs []string

	// metadata is cached per absolute path; header extraction is cheap but
	// not free, and files do not change under us mid-session.
	metadata *xsync.MapOf[string, types.ModelMetadata]
}

func New(userDir, bundledDir string, customDirs []string) *Scanner {
	return &Scanner{
		userDir:    userDir,
		bundledDir: bundledDir,
		customDirs: customDirs,
		metadata:   xsync.NewMapOf[string, types.ModelMetadata](),
	}
}

// Scan walks every root and returns the classified, uniquely-named model
// files. Unreadable roots are skipped, never fatal.
func (s *Scanner) Scan() []*types.ModelFile {
	var models []*types.ModelFile
	seen := map[string]bool{}

	roots := []struct {
		dir    string
		source types.ModelSource
	}{
		{s.userDir, types.SourceUser},
		{s.bundledDir, types.SourceBundled},
	}
	for _, dir := range s.customDirs {
		roots = append(roots, struct {
			dir    string
			source types.ModelSource
		}{dir, types.SourceCustom})
	}

	for _, root := range roots {
		if root.dir == "" {
			continue
		}
		s.scanRoot(root.dir, root.source, seen, &models)
	}

	AssignDisplayNames(models)

	log.Info().Int("models", len(models)).Msg("model scan complete")
	return models
}

func (s *Scanner) scanRoot(dir string, source types.ModelSource, seen map[string]bool, out *[]*types.ModelFile) {
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are skipped
		}
		if d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".gguf") {
			return nil
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil //nolint:nilerr
		}
		if seen[abs] {
			return nil
		}
		seen[abs] = true

		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr
		}
		model := &types.ModelFile{
			AbsolutePath:   abs,
			Filename:       d.Name(),
			SizeBytes:      info.Size(),
			Source:         source,
			LastModified:   info.ModTime(),
			Classification: Classify(d.Name()),
		}
		*out = append(*out, model)
		log.Debug().
			Str("file", d.Name()).
			Str("class", string(model.Classification)).
			Str("size", humanize.Bytes(uint64(info.Size()))).
			Msg("discovered model file")
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("model root not scannable")
	}
}

// Metadata returns the cached GGUF metadata for a model, extracting it on
// first use. Corrupt headers degrade to filename-based estimates.
func (s *Scanner) Metadata(model *types.ModelFile) types.ModelMetadata {
	meta, _ := s.metadata.LoadOrCompute(model.AbsolutePath, func() types.ModelMetadata {
		m := gguf.ExtractMetadata(model.AbsolutePath)
		if m.EmbeddingDimension == 0 {
			m.EmbeddingDimension = gguf.EstimateEmbeddingDimension(model.Filename, model.Classification)
		}
		return m
	})
	return meta
}

// InvalidateMetadata drops the cached entry for a path, for use after a
// file is replaced on disk.
func (s *Scanner) InvalidateMetadata(absolutePath string) {
	s.metadata.Delete(absolutePath)
}

var (
	projectionTokens = []string{"mmproj", "mm-proj", "projection"}
	embeddingTokens  = []string{"embed", "embedding", "mxbai", "nomic", "bge", "sentence-transformer", "all-minilm"}
	visionTokens     = []string{"vision", "multimodal", "clip", "siglip"}
	// short tokens must be delimited, otherwise "gemma" reads as "mm" and
	// "phi-3.5e5" as an embedder
	embeddingShortTokens = []string{"e5"}
	visionShortTokens    = []string{"vl", "mm"}
)

// Classify buckets a filename into exactly one classification. Projection
// wins over everything, embedding over vision.
func Classify(filename string) types.ModelClassification {
	name := strings.ToLower(strings.TrimSuffix(strings.ToLower(filename), ".gguf"))
	for _, tok := range projectionTokens {
		if strings.Contains(name, tok) {
			return types.ClassProjection
		}
	}
	for _, tok := range embeddingTokens {
		if strings.Contains(name, tok) {
			return types.ClassEmbedding
		}
	}
	for _, tok := range embeddingShortTokens {
		if containsToken(name, tok) {
			return types.ClassEmbedding
		}
	}
	for _, tok := range visionTokens {
		if strings.Contains(name, tok) {
			return types.ClassVisionChat
		}
	}
	for _, tok := range visionShortTokens {
		if containsToken(name, tok) {
			return types.ClassVisionChat
		}
	}
	return types.ClassChat
}

// containsToken reports whether tok appears in name delimited by
// non-alphanumeric characters or the string edges.
func containsToken(name, tok string) bool {
	for idx := 0; ; {
		i := strings.Index(name[idx:], tok)
		if i < 0 {
			return false
		}
		i += idx
		leftOK := i == 0 || !isAlnum(name[i-1])
		right := i + len(tok)
		rightOK := right == len(name) || !isAlnum(name[right])
		if leftOK && rightOK {
			return true
		}
		idx = i + 1
	}
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c >= 'A' && c <= 'Z'
}
