package scanner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// Display names follow the "family:size" convention. Name uniqueness is an
// invariant of the emitted config: collisions are resolved by appending, in
// order, the quantization tag, a file-size bucket, a version index and
// finally a numeric suffix.

// fixedNameOverrides short-circuit the pattern ladder for well-known files.
var fixedNameOverrides = []struct {
	prefix string
	name   string
}{
	{"mxbai", "mxbai-embed-large:embed"},
	{"nomic-embed", "nomic-embed-text:embed"},
	{"all-minilm", "all-minilm:embed"},
}

// knownFamilies are matched in order; the more specific tokens come first
// so "tinyllama" never reads as "llama".
var knownFamilies = []string{
	"tinyllama", "codellama", "openllama", "llava", "moondream",
	"llama", "qwen", "gemma", "phi", "mixtral", "mistral", "deepseek",
	"smollm", "granite", "starcoder", "falcon", "vicuna", "hermes",
	"wizardlm", "internlm", "minicpm", "command-r", "yi",
}

var (
	versionRe   = regexp.MustCompile(`^[-_. ]?v?(\d+(?:\.\d+)?)`)
	paramSizeRe = regexp.MustCompile(`(?:^|[-_. ])(\d+(?:\.\d+)?)[ ]?[bB](?:$|[-_. ])`)
	iqQuantRe   = regexp.MustCompile(`iq\d+_[a-z]+`)
	firstWordRe = regexp.MustCompile(`^[a-z0-9]+`)
)

// quantTokens is the longest-match ladder of recognized quantization tags.
var quantTokens = []string{
	"q3_k_m", "q3_k_s", "q3_k_l",
	"q4_k_m", "q4_k_s", "q5_k_m", "q5_k_s",
	"iq3_xxs", "iq3_xs", "iq3_s", "iq3_m", "iq4_xs", "iq4_nl",
	"q6_k", "q8_0", "q4_0", "q4_1", "q5_0", "q5_1", "q2_k",
	"f16", "f32",
}

// ParseQuant extracts the quantization tag from a filename, longest match
// first. Returns "" when none is recognized.
func ParseQuant(filename string) string {
	name := normalizeForQuant(filename)
	for _, tok := range quantTokens {
		if strings.Contains(name, tok) {
			return tok
		}
	}
	if m := iqQuantRe.FindString(name); m != "" {
		return m
	}
	if strings.Contains(name, "bitnet") || strings.Contains(name, "1.58") {
		return "bitnet-1.58"
	}
	return ""
}

func normalizeForQuant(filename string) string {
	name := strings.ToLower(strings.TrimSuffix(strings.ToLower(filename), ".gguf"))
	return strings.ReplaceAll(name, "-", "_")
}

// baseName produces the first-pass "family:size" handle for a file.
func baseName(filename string, sizeBytes int64) string {
	name := strings.ToLower(strings.TrimSuffix(strings.ToLower(filename), ".gguf"))

	for _, o := range fixedNameOverrides {
		if strings.HasPrefix(name, o.prefix) {
			return o.name
		}
	}

	family := parseFamily(name)
	size := parseParamSize(name)
	if size == "" {
		size = sizeFallback(name, sizeBytes)
	}
	return family + ":" + size
}

func parseFamily(name string) string {
	for _, fam := range knownFamilies {
		idx := strings.Index(name, fam)
		if idx < 0 {
			continue
		}
		rest := name[idx+len(fam):]
		if m := versionRe.FindStringSubmatch(rest); m != nil {
			// digits directly followed by "b" are a parameter count
			// ("tinyllama-1.1b"), not a version
			after := rest[len(m[0]):]
			if len(after) == 0 || (after[0] != 'b' && after[0] != 'B') {
				return fam + m[1]
			}
		}
		return fam
	}
	if m := firstWordRe.FindString(name); m != "" {
		return m
	}
	return "model"
}

func parseParamSize(name string) string {
	m := paramSizeRe.FindStringSubmatch(name)
	if m == nil {
		return ""
	}
	return m[1] + "b"
}

// ParseParamCountB returns the parameter count in billions parsed from a
// filename, or 0 when no count token is present.
func ParseParamCountB(filename string) float64 {
	name := strings.ToLower(strings.TrimSuffix(strings.ToLower(filename), ".gguf"))
	m := paramSizeRe.FindStringSubmatch(name)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return v
}

func sizeFallback(name string, sizeBytes int64) string {
	for _, tok := range []string{"large", "medium", "small"} {
		if strings.Contains(name, tok) {
			return tok
		}
	}
	const gb = int64(1) << 30
	switch {
	case sizeBytes >= 8*gb:
		return "large"
	case sizeBytes >= 2*gb:
		return "medium"
	case sizeBytes > 0:
		return "small"
	default:
		return "unknown"
	}
}

// sizeBucket classifies the on-disk size for conflict resolution.
func sizeBucket(sizeBytes int64) string {
	const gb = int64(1) << 30
	switch {
	case sizeBytes < 1*gb:
		return "xs"
	case sizeBytes < 3*gb:
		return "s"
	case sizeBytes < 6*gb:
		return "m"
	case sizeBytes < 12*gb:
		return "l"
	default:
		return "xl"
	}
}

// AssignDisplayNames fills DisplayName for every model, guaranteeing global
// uniqueness across the whole set.
func AssignDisplayNames(models []*types.ModelFile) {
	counts := map[string]int{}
	bases := make([]string, len(models))
	for i, m := range models {
		bases[i] = baseName(m.Filename, m.SizeBytes)
		counts[bases[i]]++
	}

	used := map[string]bool{}
	versionIdx := map[string]int{}
	for i, m := range models {
		base := bases[i]
		name := base
		if counts[base] > 1 || used[name] {
			name = disambiguate(m, base, used, versionIdx)
		}
		used[name] = true
		m.DisplayName = name
	}
}

// disambiguate walks the escalation ladder until a globally unique name is
// found: quant tag, size bucket, version index, numeric suffix.
func disambiguate(m *types.ModelFile, base string, used map[string]bool, versionIdx map[string]int) string {
	candidate := base
	if q := ParseQuant(m.Filename); q != "" {
		candidate = base + "-" + q
		if !used[candidate] {
			return candidate
		}
	}
	candidate = candidate + "-" + sizeBucket(m.SizeBytes)
	if !used[candidate] {
		return candidate
	}
	versionIdx[candidate]++
	versioned := fmt.Sprintf("%s-v%d", candidate, versionIdx[candidate]+1)
	if !used[versioned] {
		return versioned
	}
	for n := 2; ; n++ {
		numbered := fmt.Sprintf("%s-%d", versioned, n)
		if !used[numbered] {
			return numbered
		}
	}
}
