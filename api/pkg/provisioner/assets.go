package provisioner

import (
	"strings"

	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// releaseIndex is the upstream release feed shape we consume.
type releaseIndex struct {
	TagName string  `json:"tag_name"`
	Assets  []asset `json:"assets"`
}

type asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// assetMatcher selects a release asset by token inclusion and exclusion.
// The first asset satisfying every positive token and no negative token
// wins.
type assetMatcher struct {
	Positive []string
	Negative []string
}

func (m assetMatcher) matches(name string) bool {
	lower := strings.ToLower(name)
	for _, tok := range m.Positive {
		if !strings.Contains(lower, tok) {
			return false
		}
	}
	for _, tok := range m.Negative {
		if strings.Contains(lower, tok) {
			return false
		}
	}
	return true
}

// mainAssetMatcher maps an accelerator class onto the matcher for its main
// binary archive.
func mainAssetMatcher(goos string, acc types.Accelerator) assetMatcher {
	if goos == "windows" {
		switch acc {
		case types.AcceleratorCUDA:
			return assetMatcher{Positive: []string{"bin-win-cuda", ".zip"}, Negative: []string{"cudart"}}
		case types.AcceleratorROCm:
			return assetMatcher{Positive: []string{"bin-win-hip-radeon"}}
		case types.AcceleratorVulkan:
			return assetMatcher{Positive: []string{"vulkan", "win"}}
		default:
			return assetMatcher{Positive: []string{"bin-win-cpu", "x64"}}
		}
	}
	// linux builds are published as ubuntu archives
	switch acc {
	case types.AcceleratorVulkan:
		return assetMatcher{Positive: []string{"ubuntu", "vulkan"}}
	default:
		return assetMatcher{Positive: []string{"ubuntu"}, Negative: []string{"vulkan", "cuda", "rocm"}}
	}
}

// cudaRuntimeMatcher selects the CUDA runtime-library archive. CUDA is a
// dual download: main binaries plus the cudart libraries must land in the
// same directory.
func cudaRuntimeMatcher() assetMatcher {
	return assetMatcher{Positive: []string{"cudart", "bin-win-cuda"}}
}

func pickAsset(assets []asset, m assetMatcher) (asset, bool) {
	for _, a := range assets {
		if m.matches(a.Name) {
			return a, true
		}
	}
	return asset{}, false
}
