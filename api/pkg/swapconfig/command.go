package swapconfig

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/claraverse-space/clara-supervisor/api/pkg/planner"
)

// BuildCommandLines renders the inference-server invocation for one plan,
// one flag per line. Line order is stable so configs diff cleanly between
// regenerations.
func BuildCommandLines(serverPath string, plan planner.Plan) []string {
	lines := []string{
		serverPath,
		fmt.Sprintf("-m %s", plan.ModelPath),
		fmt.Sprintf("--port %d", plan.Port),
		"--jinja",
	}
	if plan.GPULayers > 0 {
		lines = append(lines, fmt.Sprintf("--n-gpu-layers %d", plan.GPULayers))
	}
	if plan.ProjectionPath != "" {
		lines = append(lines, fmt.Sprintf("--mmproj %s", plan.ProjectionPath))
	}
	if plan.Embedding {
		lines = append(lines, "--pooling mean", "--embeddings")
	}
	lines = append(lines, fmt.Sprintf("--threads %d", plan.Threads))
	if plan.ContextSize > 0 {
		lines = append(lines, fmt.Sprintf("--ctx-size %d", plan.ContextSize))
	}
	lines = append(lines,
		fmt.Sprintf("--batch-size %d", plan.BatchSize),
		fmt.Sprintf("--ubatch-size %d", plan.UbatchSize),
		fmt.Sprintf("--keep %d", plan.KeepTokens),
		fmt.Sprintf("--defrag-thold %s", strconv.FormatFloat(plan.DefragThreshold, 'f', -1, 64)),
	)
	if plan.MemoryLock {
		lines = append(lines, "--mlock")
	}
	lines = append(lines, fmt.Sprintf("--parallel %d", plan.Parallel))
	if plan.FlashAttention {
		lines = append(lines, "--flash-attn")
	}
	if plan.ContinuousBatching && !plan.TTFT {
		lines = append(lines, "--cont-batching")
	}
	if plan.KVCacheType != "f16" {
		lines = append(lines,
			fmt.Sprintf("--cache-type-k %s", plan.KVCacheType),
			fmt.Sprintf("--cache-type-v %s", plan.KVCacheType),
		)
	}
	if plan.TTFT {
		lines = append(lines,
			fmt.Sprintf("--threads-batch %d", plan.ThreadsBatch),
			"--no-warmup",
		)
	}
	return lines
}

// ParsedCommand is the structured view of a model's cmd block. Unknown
// flags are preserved verbatim so a hand-edited config survives a
// parse/emit cycle.
type ParsedCommand struct {
	Executable      string
	ModelPath       string
	ProjectionPath  string
	Port            int
	GPULayers       int
	Threads         int
	ThreadsBatch    int
	ContextSize     int64
	BatchSize       int
	UbatchSize      int
	KeepTokens      int64
	DefragThreshold float64
	Parallel        int
	KVCacheType     string

	Embedding          bool
	MemoryLock         bool
	FlashAttention     bool
	ContinuousBatching bool
	NoWarmup           bool

	Passthrough []string
}

// valueFlags take one argument each; everything else is boolean or unknown.
var valueFlags = map[string]bool{
	"-m": true, "--model": true, "--port": true, "--n-gpu-layers": true,
	"--mmproj": true, "--pooling": true, "--threads": true, "--ctx-size": true,
	"--batch-size": true, "--ubatch-size": true, "--keep": true,
	"--defrag-thold": true, "--parallel": true,
	"--cache-type-k": true, "--cache-type-v": true, "--threads-batch": true,
}

// ParseCommand reads a multi-line cmd block back into its launch plan.
func ParseCommand(cmd string) ParsedCommand {
	fields := strings.Fields(cmd)
	out := ParsedCommand{KVCacheType: "f16"}
	if len(fields) == 0 {
		return out
	}
	out.Executable = fields[0]

	for i := 1; i < len(fields); i++ {
		flag := fields[i]
		value := ""
		if valueFlags[flag] && i+1 < len(fields) {
			i++
			value = fields[i]
		}
		switch flag {
		case "-m", "--model":
			out.ModelPath = value
		case "--port":
			out.Port = atoi(value)
		case "--n-gpu-layers":
			out.GPULayers = atoi(value)
		case "--mmproj":
			out.ProjectionPath = value
		case "--pooling":
			// carried by --embeddings, nothing to record
		case "--embeddings":
			out.Embedding = true
		case "--threads":
			out.Threads = atoi(value)
		case "--threads-batch":
			out.ThreadsBatch = atoi(value)
		case "--ctx-size":
			out.ContextSize = int64(atoi(value))
		case "--batch-size":
			out.BatchSize = atoi(value)
		case "--ubatch-size":
			out.UbatchSize = atoi(value)
		case "--keep":
			out.KeepTokens = int64(atoi(value))
		case "--defrag-thold":
			out.DefragThreshold, _ = strconv.ParseFloat(value, 64)
		case "--parallel":
			out.Parallel = atoi(value)
		case "--mlock":
			out.MemoryLock = true
		case "--flash-attn":
			out.FlashAttention = true
		case "--cont-batching":
			out.ContinuousBatching = true
		case "--no-warmup":
			out.NoWarmup = true
		case "--jinja":
			// always emitted, nothing to record
		case "--cache-type-k", "--cache-type-v":
			out.KVCacheType = value
		default:
			out.Passthrough = append(out.Passthrough, flag)
			if value != "" {
				out.Passthrough = append(out.Passthrough, value)
			}
		}
	}
	return out
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}
