package supervisor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// Stdout progress parsing is a side channel for the host UI. Lines that
// match nothing are dropped; startup never blocks on this.

var (
	promptProgressRe = regexp.MustCompile(`prompt processing progress.*progress\s*=\s*([0-9.]+)`)
	chatFormatRe     = regexp.MustCompile(`Chat format:\s*(.+)`)
	taskStartRe      = regexp.MustCompile(`slot launch_slot_: id\s+(\d+)\s*\|\s*task\s+(\d+)\s*\|\s*processing task`)
)

// ParseProgressLine classifies one stdout line from the inference server.
func ParseProgressLine(line string) (types.ProgressEvent, bool) {
	if m := promptProgressRe.FindStringSubmatch(line); m != nil {
		f, err := strconv.ParseFloat(m[1], 64)
		if err == nil {
			return types.ProgressEvent{
				Kind:    types.ProgressContextLoading,
				Percent: f * 100,
			}, true
		}
	}
	if strings.Contains(line, "kv cache rm") {
		return types.ProgressEvent{Kind: types.ProgressMemoryOptimize}, true
	}
	if m := chatFormatRe.FindStringSubmatch(line); m != nil {
		return types.ProgressEvent{
			Kind:   types.ProgressInitialization,
			Detail: strings.TrimSpace(m[1]),
		}, true
	}
	if strings.Contains(line, "loading model") || strings.Contains(line, "warming up") {
		return types.ProgressEvent{Kind: types.ProgressModelLoading, Detail: strings.TrimSpace(line)}, true
	}
	if m := taskStartRe.FindStringSubmatch(line); m != nil {
		return types.ProgressEvent{
			Kind:   types.ProgressTaskStart,
			Detail: "slot " + m[1] + " task " + m[2],
		}, true
	}
	return types.ProgressEvent{}, false
}
