package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

func TestEstimateGPUMemoryMB(t *testing.T) {
	const gb = 1024
	cases := []struct {
		name      string
		goos      string
		goarch    string
		ramMB     uint64
		wantMB    uint64
		wantClass types.GPUClass
	}{
		{"mac arm 32GB", "darwin", "arm64", 32 * gb, 16384, types.GPUClassAppleSilicon},
		{"mac arm 16GB", "darwin", "arm64", 16 * gb, 8192, types.GPUClassAppleSilicon},
		{"mac arm 8GB", "darwin", "arm64", 8 * gb, 4096, types.GPUClassAppleSilicon},
		{"linux 16GB", "linux", "amd64", 16 * gb, 4096, types.GPUClassDedicated},
		{"win 8GB", "windows", "amd64", 8 * gb, 2048, types.GPUClassIntegrated},
		{"linux 4GB", "linux", "amd64", 4 * gb, 1024, types.GPUClassNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mb, class := EstimateGPUMemoryMB(tc.goos, tc.goarch, tc.ramMB)
			assert.Equal(t, tc.wantMB, mb)
			assert.Equal(t, tc.wantClass, class)
		})
	}
}

func TestParseMeminfoMB(t *testing.T) {
	meminfo := "MemTotal:       16333764 kB\nMemFree:         1234567 kB\n"
	assert.Equal(t, uint64(16333764/1024), ParseMeminfoMB(meminfo))
	assert.Zero(t, ParseMeminfoMB("garbage"))
	assert.Zero(t, ParseMeminfoMB("MemTotal: notanumber kB"))
}

func TestParseSysctlMemsizeMB(t *testing.T) {
	assert.Equal(t, uint64(16384), ParseSysctlMemsizeMB("hw.memsize: 17179869184"))
	assert.Zero(t, ParseSysctlMemsizeMB("unexpected output"))
}

func TestPlatformDirFor(t *testing.T) {
	p := &Probe{goos: "windows", goarch: "amd64"}
	assert.Equal(t, "win32-x64-cuda", p.platformDirFor(types.AcceleratorCUDA))
	assert.Equal(t, "win32-x64-cpu", p.platformDirFor(types.AcceleratorCPU))

	p = &Probe{goos: "darwin", goarch: "arm64"}
	assert.Equal(t, "darwin-arm64", p.platformDirFor(types.AcceleratorMetal))

	p = &Probe{goos: "linux", goarch: "amd64"}
	assert.Equal(t, "linux-x64-vulkan", p.platformDirFor(types.AcceleratorVulkan))
}
