package provisioner

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/config"
	"github.com/claraverse-space/clara-supervisor/api/pkg/system"
	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// swapCandidates and serverCandidates are tried in order; the first
// existing file wins. Post-update renames are repaired by RepairNames so
// both the canonical and the suffixed names stay valid.
var (
	swapCandidates   = []string{"llama-swap", "clara-swap", "llama-swap.exe", "clara-swap.exe"}
	serverCandidates = []string{"llama-server", "server", "llama-server.exe", "server.exe"}
)

var ErrBaseBinariesMissing = errors.New("base directory binaries are missing")

// Provisioner locates, downloads and validates the swap front-end and
// inference server binaries for the chosen accelerator directory.
type Provisioner struct {
	baseDir  string
	platform types.PlatformInfo
	cfg      config.Binaries
	client   *retryablehttp.Client
	goos     string
}

func New(baseDir string, platform types.PlatformInfo, cfg config.Binaries) *Provisioner {
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.Logger = nil
	return &Provisioner{
		baseDir:  baseDir,
		platform: platform,
		cfg:      cfg,
		client:   client,
		goos:     runtime.GOOS,
	}
}

func (p *Provisioner) platformDir() string {
	return filepath.Join(p.baseDir, p.platform.PlatformDir)
}

// EnsureBinaries resolves the binary set for the accelerator directory,
// downloading missing pieces when possible. Provisioning failures degrade
// to base-directory binaries; only missing base binaries are fatal.
func (p *Provisioner) EnsureBinaries(ctx context.Context) (types.BinarySet, error) {
	if set, err := p.resolve(p.platformDir()); err == nil {
		return set, nil
	}

	log.Info().
		Str("platform_dir", p.platform.PlatformDir).
		Str("accelerator", string(p.platform.Accelerator)).
		Msg("accelerator binaries missing, provisioning from upstream releases")

	if err := p.DownloadAccelerator(ctx, p.platform.Accelerator); err != nil {
		log.Warn().Err(err).Msg("accelerator download failed, falling back to base-directory binaries")
		return p.fallbackToBase()
	}
	if err := p.copySwapFrontend(); err != nil {
		log.Warn().Err(err).Msg("copying swap front-end failed, falling back to base-directory binaries")
		return p.fallbackToBase()
	}
	p.RepairNames()

	set, err := p.resolve(p.platformDir())
	if err != nil {
		log.Warn().Err(err).Msg("provisioned directory still incomplete, falling back to base-directory binaries")
		return p.fallbackToBase()
	}
	return set, nil
}

func (p *Provisioner) fallbackToBase() (types.BinarySet, error) {
	set, err := p.resolve(p.baseDir)
	if err != nil {
		return types.BinarySet{}, fmt.Errorf("%w: %v", ErrBaseBinariesMissing, err)
	}
	set.Degraded = true
	return set, nil
}

// resolve tries the candidate filename ladders inside dir.
func (p *Provisioner) resolve(dir string) (types.BinarySet, error) {
	swap, err := firstExisting(dir, swapCandidates)
	if err != nil {
		return types.BinarySet{}, fmt.Errorf("swap front-end: %w", err)
	}
	server, err := firstExisting(dir, serverCandidates)
	if err != nil {
		return types.BinarySet{}, fmt.Errorf("inference server: %w", err)
	}
	return types.BinarySet{SwapPath: swap, ServerPath: server}, nil
}

func firstExisting(dir string, candidates []string) (string, error) {
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}
	return "", fmt.Errorf("none of %v found in %s", candidates, dir)
}

// Validate checks that both binaries exist and are executable, returning a
// diagnostics bundle when they do not.
func (p *Provisioner) Validate(set types.BinarySet) (bool, map[string]string) {
	diagnostics := map[string]string{
		"base_dir":             p.baseDir,
		"platform_dir":         p.platformDir(),
		"base_dir_listing":     strings.Join(system.ListDir(p.baseDir), ", "),
		"platform_dir_listing": strings.Join(system.ListDir(p.platformDir()), ", "),
		"swap_path":            set.SwapPath,
		"server_path":          set.ServerPath,
	}
	ok := true
	if !system.IsExecutable(set.SwapPath) {
		diagnostics["swap_error"] = "missing or not executable"
		ok = false
	}
	if !system.IsExecutable(set.ServerPath) {
		diagnostics["server_error"] = "missing or not executable"
		ok = false
	}
	if ok {
		return true, nil
	}
	return false, diagnostics
}

// RepairNames ensures both the platform-suffixed and the canonical binary
// name exist in the accelerator directory, so a post-update rename in
// either direction does not break callers. Windows copies; everything else
// links.
func (p *Provisioner) RepairNames() {
	dir := p.platformDir()
	for _, canonical := range []string{"llama-swap", "llama-server"} {
		p.repairPair(dir, canonical)
	}
}

func (p *Provisioner) repairPair(dir, canonical string) {
	ext := ""
	if p.goos == "windows" {
		ext = ".exe"
	}
	canonicalPath := filepath.Join(dir, canonical+ext)
	suffixedPath := filepath.Join(dir, fmt.Sprintf("%s-%s%s", canonical, p.platform.PlatformDir, ext))

	canonicalExists := system.IsExecutable(canonicalPath)
	suffixedExists := system.IsExecutable(suffixedPath)
	switch {
	case canonicalExists && !suffixedExists:
		p.aliasBinary(canonicalPath, suffixedPath)
	case suffixedExists && !canonicalExists:
		p.aliasBinary(suffixedPath, canonicalPath)
	}
}

func (p *Provisioner) aliasBinary(src, dst string) {
	var err error
	if p.goos == "windows" {
		err = system.CopyFile(src, dst)
	} else {
		err = os.Symlink(filepath.Base(src), dst)
	}
	if err != nil {
		log.Warn().Err(err).Str("src", src).Str("dst", dst).Msg("failed to normalize binary name")
		return
	}
	log.Debug().Str("src", src).Str("dst", dst).Msg("normalized binary name")
}

// DownloadAccelerator fetches the release assets for the accelerator class
// into the platform directory. CUDA requires two archives; when either
// fails the whole provisioning falls back to base binaries.
func (p *Provisioner) DownloadAccelerator(ctx context.Context, acc types.Accelerator) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.AggregateTimeout)
	defer cancel()

	index, err := p.fetchReleaseIndex(ctx)
	if err != nil {
		return fmt.Errorf("fetching release index: %w", err)
	}
	log.Info().Str("tag", index.TagName).Int("assets", len(index.Assets)).Msg("fetched upstream release index")

	matchers := []assetMatcher{mainAssetMatcher(p.goos, acc)}
	if acc == types.AcceleratorCUDA && p.goos == "windows" {
		matchers = append(matchers, cudaRuntimeMatcher())
	}

	dir := p.platformDir()
	if err := system.EnsureDir(dir); err != nil {
		return err
	}
	for _, m := range matchers {
		a, found := pickAsset(index.Assets, m)
		if !found {
			return fmt.Errorf("no release asset matches %v for accelerator %s", m.Positive, acc)
		}
		if err := p.downloadAndExtract(ctx, a, dir); err != nil {
			return fmt.Errorf("asset %s: %w", a.Name, err)
		}
	}
	return nil
}

// DownloadSwapFrontend is exposed for repair flows that only lost the
// front-end binary.
func (p *Provisioner) DownloadSwapFrontend() error {
	return p.copySwapFrontend()
}

// copySwapFrontend copies the shared front-end from the base directory into
// the accelerator directory.
func (p *Provisioner) copySwapFrontend() error {
	src, err := firstExisting(p.baseDir, swapCandidates)
	if err != nil {
		return fmt.Errorf("swap front-end not present in base directory: %w", err)
	}
	dst := filepath.Join(p.platformDir(), filepath.Base(src))
	if err := system.CopyFile(src, dst); err != nil {
		return err
	}
	return system.MarkExecutable(dst)
}

func (p *Provisioner) fetchReleaseIndex(ctx context.Context) (*releaseIndex, error) {
	url := fmt.Sprintf("https://api.github.com/repos/%s/%s/releases/latest", p.cfg.ReleaseOwner, p.cfg.ReleaseRepo)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release index returned %d", resp.StatusCode)
	}
	var index releaseIndex
	if err := json.NewDecoder(resp.Body).Decode(&index); err != nil {
		return nil, fmt.Errorf("decoding release index: %w", err)
	}
	return &index, nil
}

func (p *Provisioner) downloadAndExtract(ctx context.Context, a asset, destDir string) error {
	archivePath := filepath.Join(os.TempDir(), a.Name)
	err := retry.Do(
		func() error { return p.downloadAsset(ctx, a, archivePath) },
		retry.Attempts(2),
		retry.Context(ctx),
		retry.Delay(2*time.Second),
	)
	if err != nil {
		return err
	}
	defer os.Remove(archivePath)
	return ExtractArchive(archivePath, destDir)
}

func (p *Provisioner) downloadAsset(ctx context.Context, a asset, dest string) error {
	actx, cancel := context.WithTimeout(ctx, p.cfg.PerAssetTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(actx, http.MethodGet, a.BrowserDownloadURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	log.Info().Str("asset", a.Name).Str("size", humanize.Bytes(uint64(n))).Msg("downloaded release asset")
	return nil
}

// ExtractArchive unpacks a .zip or .tar.gz archive into destDir. Archives
// built with a build/bin/ prefix are flattened so the binaries land at the
// directory root. Extracted files are marked executable on unix.
func ExtractArchive(archivePath, destDir string) error {
	switch {
	case strings.HasSuffix(archivePath, ".zip"):
		return extractZip(archivePath, destDir)
	case strings.HasSuffix(archivePath, ".tar.gz"), strings.HasSuffix(archivePath, ".tgz"):
		return extractTarGz(archivePath, destDir)
	default:
		return fmt.Errorf("unsupported archive format: %s", archivePath)
	}
}

// flattenName strips the build/bin/ prefix some upstream archives carry.
func flattenName(name string) string {
	name = filepath.ToSlash(name)
	name = strings.TrimPrefix(name, "build/bin/")
	name = strings.TrimPrefix(name, "bin/")
	return name
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := flattenName(f.Name)
		if name == "" || strings.Contains(name, "..") {
			continue
		}
		dst := filepath.Join(destDir, filepath.FromSlash(name))
		if err := system.EnsureDir(filepath.Dir(dst)); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		if err := writeExtracted(dst, rc); err != nil {
			rc.Close()
			return err
		}
		rc.Close()
	}
	return nil
}

func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("reading gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := flattenName(hdr.Name)
		if name == "" || strings.Contains(name, "..") {
			continue
		}
		dst := filepath.Join(destDir, filepath.FromSlash(name))
		if err := system.EnsureDir(filepath.Dir(dst)); err != nil {
			return err
		}
		if err := writeExtracted(dst, tr); err != nil {
			return err
		}
	}
}

func writeExtracted(dst string, src io.Reader) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return system.MarkExecutable(dst)
}
