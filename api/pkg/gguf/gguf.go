package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// The extractor reads only the key-value metadata header of a GGUF file.
// Parsing is best-effort: any malformed field aborts cleanly and returns
// whatever has been collected so far. It must never panic, whatever the
// input looks like.

const (
	// headerWindow caps how much of the file we read. The metadata header
	// of every model we care about fits comfortably in 64 KiB.
	headerWindow = 64 * 1024

	magic = "GGUF"
)

// GGUF metadata value kinds, per the container format.
const (
	kindUint8   uint32 = 0
	kindInt8    uint32 = 1
	kindUint16  uint32 = 2
	kindInt16   uint32 = 3
	kindUint32  uint32 = 4
	kindInt32   uint32 = 5
	kindFloat32 uint32 = 6
	kindBool    uint32 = 7
	kindString  uint32 = 8
	kindArray   uint32 = 9
	kindUint64  uint32 = 10
	kindInt64   uint32 = 11
	kindFloat64 uint32 = 12
)

// contextKeySuffixes match the first key carrying the native context size.
var contextKeySuffixes = []string{
	".context_length",
	"llama.context_length",
	"n_ctx",
	"max_position_embeddings",
}

// embeddingKeySuffixes match the first key carrying the embedding width.
var embeddingKeySuffixes = []string{
	".embedding_length",
	"n_embd",
	"hidden_size",
}

// ExtractMetadata parses the GGUF header of the file at path. On any
// malformed input it returns the fields collected so far; the caller is
// expected to combine the result with EstimateEmbeddingDimension.
func ExtractMetadata(path string) types.ModelMetadata {
	var meta types.ModelMetadata

	f, err := os.Open(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("cannot open model file for metadata extraction")
		return meta
	}
	defer f.Close()

	buf := make([]byte, headerWindow)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		log.Debug().Err(err).Str("path", path).Msg("cannot read model file header")
		return meta
	}
	return parseHeader(buf[:n], path)
}

func parseHeader(buf []byte, path string) types.ModelMetadata {
	var meta types.ModelMetadata
	r := &reader{buf: buf}

	head, ok := r.bytes(4)
	if !ok || string(head) != magic {
		log.Debug().Str("path", path).Msg("not a GGUF file, skipping metadata extraction")
		return meta
	}

	version, ok := r.uint32()
	if !ok {
		return meta
	}
	tensorCount, ok := r.uint64()
	if !ok {
		return meta
	}
	kvCount, ok := r.uint64()
	if !ok {
		return meta
	}

	meta.GGUFVersion = version
	meta.TensorCount = tensorCount
	meta.Parsed = true

	for i := uint64(0); i < kvCount; i++ {
		key, ok := r.str()
		if !ok {
			return meta
		}
		kind, ok := r.uint32()
		if !ok {
			return meta
		}
		value, numeric, ok := r.value(kind)
		if !ok {
			return meta
		}
		if !numeric {
			continue
		}
		if meta.NativeContextTokens == 0 && matchesAny(key, contextKeySuffixes) {
			meta.NativeContextTokens = value
		}
		if meta.EmbeddingDimension == 0 && matchesAny(key, embeddingKeySuffixes) {
			meta.EmbeddingDimension = value
		}
		if meta.NativeContextTokens != 0 && meta.EmbeddingDimension != 0 {
			break
		}
	}
	return meta
}

func matchesAny(key string, suffixes []string) bool {
	for _, s := range suffixes {
		if key == s || strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}

// reader is a bounds-checked little-endian cursor over the header window.
type reader struct {
	buf []byte
	off int
}

func (r *reader) bytes(n int) ([]byte, bool) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, false
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, true
}

func (r *reader) uint32() (uint32, bool) {
	b, ok := r.bytes(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (r *reader) uint64() (uint64, bool) {
	b, ok := r.bytes(8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func (r *reader) str() (string, bool) {
	length, ok := r.uint64()
	if !ok {
		return "", false
	}
	if length > uint64(len(r.buf)) {
		return "", false
	}
	b, ok := r.bytes(int(length))
	if !ok {
		return "", false
	}
	return string(b), true
}

// value consumes one metadata value of the given kind. It returns the
// numeric interpretation when the kind is numeric, so callers can record
// context and embedding sizes without caring about the exact width.
func (r *reader) value(kind uint32) (int64, bool, bool) {
	switch kind {
	case kindUint8, kindInt8, kindBool:
		b, ok := r.bytes(1)
		if !ok {
			return 0, false, false
		}
		if kind == kindBool {
			return 0, false, true
		}
		return int64(b[0]), true, true
	case kindUint16, kindInt16:
		b, ok := r.bytes(2)
		if !ok {
			return 0, false, false
		}
		return int64(binary.LittleEndian.Uint16(b)), true, true
	case kindUint32, kindInt32:
		v, ok := r.uint32()
		if !ok {
			return 0, false, false
		}
		return int64(int32(v)), true, true
	case kindFloat32:
		_, ok := r.bytes(4)
		if !ok {
			return 0, false, false
		}
		// float metadata is never a context or embedding size
		return 0, false, true
	case kindUint64, kindInt64:
		v, ok := r.uint64()
		if !ok {
			return 0, false, false
		}
		return int64(v), true, true
	case kindFloat64:
		_, ok := r.bytes(8)
		if !ok {
			return 0, false, false
		}
		return 0, false, true
	case kindString:
		_, ok := r.str()
		if !ok {
			return 0, false, false
		}
		return 0, false, true
	case kindArray:
		return r.skipArray()
	default:
		return 0, false, false
	}
}

// skipArray reads the element kind and count, then discards each element.
func (r *reader) skipArray() (int64, bool, bool) {
	elemKind, ok := r.uint32()
	if !ok {
		return 0, false, false
	}
	count, ok := r.uint64()
	if !ok {
		return 0, false, false
	}
	if count > uint64(len(r.buf)) {
		return 0, false, false
	}
	for i := uint64(0); i < count; i++ {
		if _, _, ok := r.value(elemKind); !ok {
			return 0, false, false
		}
	}
	return 0, false, true
}

// EstimateEmbeddingDimension guesses the embedding width from well-known
// filename tokens when the header could not be parsed.
func EstimateEmbeddingDimension(filename string, classification types.ModelClassification) int64 {
	name := strings.ToLower(filename)
	table := []struct {
		token string
		dim   int64
	}{
		{"nomic-embed", 768},
		{"mxbai", 1024},
		{"bge", 1024},
		{"e5", 1024},
		{"all-minilm", 384},
		{"tinyllama", 2048},
		{"moondream", 2048},
		{"gemma", 2048},
		{"phi", 2560},
		{"llava", 4096},
		{"llama", 4096},
		{"qwen", 4096},
		{"mistral", 4096},
		{"deepseek", 4096},
	}
	for _, entry := range table {
		if strings.Contains(name, entry.token) {
			return entry.dim
		}
	}
	if classification == types.ClassEmbedding {
		return 768
	}
	return 4096
}

// Describe formats a metadata record for diagnostics output.
func Describe(meta types.ModelMetadata) string {
	if !meta.Parsed {
		return "unparsed header"
	}
	return fmt.Sprintf("gguf v%d, %d tensors, ctx=%d, embd=%d",
		meta.GGUFVersion, meta.TensorCount, meta.NativeContextTokens, meta.EmbeddingDimension)
}
