package platform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// probeTimeout bounds every vendor tool invocation. A hung nvidia-smi must
// not stall startup; any timeout or nonzero exit falls through to the next
// test in the precedence order.
const probeTimeout = 3 * time.Second

// Probe detects the accelerator class and memory figures for this host.
// Detect never fails: the worst case is a cpu-only PlatformInfo.
type Probe struct {
	commander   Commander
	binariesDir string

	// test seams
	goos   string
	goarch string
}

func NewProbe(binariesDir string) *Probe {
	return &Probe{
		commander:   &RealCommander{},
		binariesDir: binariesDir,
		goos:        runtime.GOOS,
		goarch:      runtime.GOARCH,
	}
}

// Detect computes PlatformInfo once at startup. A saved backend override is
// applied first when it names an available binary directory.
func (p *Probe) Detect(ctx context.Context, override *types.BackendOverride) types.PlatformInfo {
	info := types.PlatformInfo{
		OS:          p.goos,
		Arch:        p.goarch,
		Accelerator: types.AcceleratorCPU,
		GPUClass:    types.GPUClassNone,
		CPUCores:    runtime.NumCPU(),
	}
	info.SystemRAMMB = p.systemRAMMB(ctx)

	if override != nil && override.BackendID != "" && override.BackendID != "auto" {
		if dir := p.backendDir(types.Accelerator(override.BackendID)); dir != "" {
			info.Accelerator = types.Accelerator(override.BackendID)
			info.Overridden = true
			info.PlatformDir = dir
			p.fillMemory(ctx, &info)
			log.Info().
				Str("backend", override.BackendID).
				Str("platform_dir", dir).
				Msg("using backend override instead of hardware probe")
			return info
		}
		log.Warn().
			Str("backend", override.BackendID).
			Msg("backend override names a missing binary directory, falling back to probing")
	}

	info.Accelerator = p.probeAccelerator(ctx)
	info.PlatformDir = p.platformDirFor(info.Accelerator)
	p.fillMemory(ctx, &info)

	log.Info().
		Str("os", info.OS).
		Str("arch", info.Arch).
		Str("accelerator", string(info.Accelerator)).
		Str("gpu_class", string(info.GPUClass)).
		Uint64("gpu_memory_mb", info.GPUMemoryMB).
		Uint64("system_ram_mb", info.SystemRAMMB).
		Bool("estimated", info.Estimated).
		Msg("platform probe complete")
	return info
}

// probeAccelerator runs the vendor precedence ladder. Mac short-circuits on
// architecture alone.
func (p *Probe) probeAccelerator(ctx context.Context) types.Accelerator {
	if p.goos == "darwin" {
		if p.goarch == "arm64" {
			return types.AcceleratorMetal
		}
		return types.AcceleratorCPU
	}

	if mb, ok := p.nvidiaMemoryMB(ctx); ok && mb > 0 {
		return types.AcceleratorCUDA
	}
	if p.goos == "windows" && p.windowsHasAMD(ctx) {
		return types.AcceleratorROCm
	}
	if p.vulkanAvailable(ctx) {
		return types.AcceleratorVulkan
	}
	return types.AcceleratorCPU
}

// nvidiaMemoryMB returns the summed memory.total across devices.
func (p *Probe) nvidiaMemoryMB(ctx context.Context) (uint64, bool) {
	out, err := p.run(ctx, "nvidia-smi", "--query-gpu=memory.total", "--format=csv,noheader,nounits")
	if err != nil {
		return 0, false
	}
	var total uint64
	devices := 0
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		mb, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			log.Debug().Str("line", line).Msg("unparseable nvidia-smi memory line")
			continue
		}
		total += mb
		devices++
	}
	if devices == 0 {
		return 0, false
	}
	log.Info().Int("devices", devices).Uint64("total_mb", total).Msg("detected NVIDIA GPU via nvidia-smi")
	return total, true
}

func (p *Probe) windowsHasAMD(ctx context.Context) bool {
	out, err := p.run(ctx, "wmic", "path", "win32_VideoController", "get", "name")
	if err != nil {
		return false
	}
	lower := strings.ToLower(out)
	if strings.Contains(lower, "amd") || strings.Contains(lower, "radeon") {
		log.Info().Msg("detected AMD GPU via device enumeration")
		return true
	}
	return false
}

func (p *Probe) vulkanAvailable(ctx context.Context) bool {
	if _, err := p.commander.LookPath("vulkaninfo"); err != nil {
		return false
	}
	if _, err := p.run(ctx, "vulkaninfo", "--summary"); err != nil {
		return false
	}
	log.Info().Msg("detected Vulkan-capable GPU via vulkaninfo")
	return true
}

func (p *Probe) run(ctx context.Context, name string, args ...string) (string, error) {
	if _, err := p.commander.LookPath(name); err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := p.commander.CommandContext(cctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("running %s: %w", name, err)
	}
	return string(out), nil
}

// fillMemory resolves the GPU memory figure: a concrete vendor value for
// cuda, otherwise the estimation table keyed on system RAM.
func (p *Probe) fillMemory(ctx context.Context, info *types.PlatformInfo) {
	if info.Accelerator == types.AcceleratorCUDA {
		if mb, ok := p.nvidiaMemoryMB(ctx); ok {
			info.GPUMemoryMB = mb
			info.GPUClass = types.GPUClassDedicated
			return
		}
	}
	info.GPUMemoryMB, info.GPUClass = EstimateGPUMemoryMB(p.goos, p.goarch, info.SystemRAMMB)
	info.Estimated = true
	if info.Accelerator == types.AcceleratorCPU && info.GPUClass == types.GPUClassNone {
		info.GPUMemoryMB = 0
	}
}

// EstimateGPUMemoryMB applies the platform-family estimation table when no
// vendor tool yields a concrete figure.
func EstimateGPUMemoryMB(goos, goarch string, systemRAMMB uint64) (uint64, types.GPUClass) {
	const gb = 1024
	if goos == "darwin" && goarch == "arm64" {
		switch {
		case systemRAMMB >= 32*gb:
			return 16384, types.GPUClassAppleSilicon
		case systemRAMMB >= 16*gb:
			return 8192, types.GPUClassAppleSilicon
		default:
			return 4096, types.GPUClassAppleSilicon
		}
	}
	switch {
	case systemRAMMB >= 16*gb:
		return 4096, types.GPUClassDedicated
	case systemRAMMB >= 8*gb:
		return 2048, types.GPUClassIntegrated
	default:
		// Too little memory to share with a GPU at all.
		return 1024, types.GPUClassNone
	}
}

func (p *Probe) systemRAMMB(ctx context.Context) uint64 {
	switch p.goos {
	case "linux":
		data, err := os.ReadFile("/proc/meminfo")
		if err != nil {
			return 0
		}
		return ParseMeminfoMB(string(data))
	case "darwin":
		out, err := p.run(ctx, "sysctl", "hw.memsize")
		if err != nil {
			return 0
		}
		return ParseSysctlMemsizeMB(out)
	case "windows":
		out, err := p.run(ctx, "wmic", "computersystem", "get", "TotalPhysicalMemory")
		if err != nil {
			return 0
		}
		for _, line := range strings.Split(out, "\n") {
			line = strings.TrimSpace(line)
			if b, err := strconv.ParseUint(line, 10, 64); err == nil {
				return b / (1024 * 1024)
			}
		}
	}
	return 0
}

// ParseMeminfoMB extracts MemTotal from /proc/meminfo content.
func ParseMeminfoMB(meminfo string) uint64 {
	for _, line := range strings.Split(meminfo, "\n") {
		if !strings.HasPrefix(line, "MemTotal") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}

// ParseSysctlMemsizeMB parses "hw.memsize: 17179869184" output.
func ParseSysctlMemsizeMB(out string) uint64 {
	parts := strings.Split(out, ":")
	if len(parts) != 2 {
		return 0
	}
	b, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0
	}
	return b / (1024 * 1024)
}

// platformDirFor maps the accelerator class onto the binary directory tag
// used under the base binaries directory.
func (p *Probe) platformDirFor(acc types.Accelerator) string {
	osTag := map[string]string{"darwin": "darwin", "linux": "linux", "windows": "win32"}[p.goos]
	archTag := map[string]string{"amd64": "x64", "arm64": "arm64"}[p.goarch]
	if osTag == "" {
		osTag = p.goos
	}
	if archTag == "" {
		archTag = p.goarch
	}
	switch acc {
	case types.AcceleratorMetal:
		return fmt.Sprintf("%s-%s", osTag, archTag)
	case types.AcceleratorCPU:
		return fmt.Sprintf("%s-%s-cpu", osTag, archTag)
	default:
		return fmt.Sprintf("%s-%s-%s", osTag, archTag, acc)
	}
}

// backendDir reports the platform directory for an accelerator when its
// binary directory exists on disk, or "" otherwise.
func (p *Probe) backendDir(acc types.Accelerator) string {
	dir := p.platformDirFor(acc)
	if _, err := os.Stat(filepath.Join(p.binariesDir, dir)); err != nil {
		return ""
	}
	return dir
}

// AvailableBackends lists the accelerator directories present under the
// base binaries directory.
func (p *Probe) AvailableBackends() []string {
	entries, err := os.ReadDir(p.binariesDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}
