package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/config"
	"github.com/claraverse-space/clara-supervisor/api/pkg/planner"
	"github.com/claraverse-space/clara-supervisor/api/pkg/platform"
	"github.com/claraverse-space/clara-supervisor/api/pkg/projection"
	"github.com/claraverse-space/clara-supervisor/api/pkg/provisioner"
	"github.com/claraverse-space/clara-supervisor/api/pkg/scanner"
	"github.com/claraverse-space/clara-supervisor/api/pkg/settings"
	"github.com/claraverse-space/clara-supervisor/api/pkg/supervisor"
	"github.com/claraverse-space/clara-supervisor/api/pkg/swapconfig"
	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// Controller wires the scanner, planner, emitter and supervisor together
// and backs both the HTTP surface and the CLI.
type Controller struct {
	cfg      config.SupervisorConfig
	platform types.PlatformInfo
	binaries types.BinarySet
	store    *settings.Store
	scanner  *scanner.Scanner
	resolver *projection.Resolver
	probe    *platform.Probe
	prov     *provisioner.Provisioner
	sup      *supervisor.Supervisor
	emitter  *swapconfig.Emitter
}

func NewController(
	cfg config.SupervisorConfig,
	info types.PlatformInfo,
	binaries types.BinarySet,
	store *settings.Store,
	sc *scanner.Scanner,
	probe *platform.Probe,
	prov *provisioner.Provisioner,
	sup *supervisor.Supervisor,
	emitter *swapconfig.Emitter,
) *Controller {
	c := &Controller{
		cfg:      cfg,
		platform: info,
		binaries: binaries,
		store:    store,
		scanner:  sc,
		resolver: projection.NewResolver(sc),
		probe:    probe,
		prov:     prov,
		sup:      sup,
		emitter:  emitter,
	}
	sup.GenerateConfig = c.GenerateConfig
	sup.PersistFlashAttention = c.persistFlashAttention
	return c
}

// GenerateConfig scans the model roots, plans every model and emits the
// proxy configuration. forceFlash pins flash attention on regardless of
// settings, for the automatic retry path.
func (c *Controller) GenerateConfig(forceFlash bool) error {
	models := c.scanner.Scan()

	var projections []*types.ModelFile
	var bundledFallback *types.ModelFile
	for _, m := range models {
		if !m.IsProjection() {
			continue
		}
		projections = append(projections, m)
		if m.Source == types.SourceBundled && bundledFallback == nil {
			bundledFallback = m
		}
	}

	global := c.store.LoadPerformance()
	perModel := c.store.LoadPerModel()
	mappings := c.store.LoadProjectionMappings()
	plnr := planner.New(c.platform, global, perModel)

	var entries []swapconfig.Entry
	for _, m := range models {
		if m.IsProjection() {
			continue
		}
		meta := c.scanner.Metadata(m)

		projectionPath := ""
		if proj := c.resolver.Resolve(m, projections, mappings, bundledFallback); proj != nil {
			projectionPath = proj.AbsolutePath
		}

		plan := plnr.Plan(m, meta, projectionPath)
		if forceFlash {
			plan.FlashAttention = true
		}

		entry := swapconfig.Entry{Model: m, Plan: plan}
		if c.platform.Accelerator == types.AcceleratorCUDA {
			entry.Env = []string{"CUDA_VISIBLE_DEVICES=0"}
		}
		if !m.IsEmbedding() {
			entry.TTL = 300
		}
		entries = append(entries, entry)
	}

	return c.emitter.Generate(entries)
}

func (c *Controller) persistFlashAttention() error {
	global := c.store.LoadPerformance()
	on := true
	global.FlashAttention = &on
	return c.store.SavePerformance(global)
}

func (c *Controller) Start(ctx context.Context, skipConfigGeneration bool) types.StartResult {
	return c.sup.Start(ctx, skipConfigGeneration)
}

func (c *Controller) Stop(ctx context.Context) types.StartResult {
	return c.sup.Stop(ctx)
}

func (c *Controller) Restart(ctx context.Context, skipConfigRegeneration bool) types.StartResult {
	return c.sup.Restart(ctx, skipConfigRegeneration)
}

func (c *Controller) Status() types.SupervisorStatus {
	return c.sup.Status()
}

func (c *Controller) StatusWithHealthCheck(ctx context.Context) (types.SupervisorStatus, bool) {
	return c.sup.StatusWithHealthCheck(ctx)
}

// GPUDiagnostics reports the probed platform and the binary validation
// detail map.
func (c *Controller) GPUDiagnostics() map[string]any {
	out := map[string]any{
		"platform": c.platform,
	}
	if c.prov != nil {
		ok, diags := c.prov.Validate(c.binaries)
		out["binaries_ok"] = ok
		out["binaries"] = diags
	}
	return out
}

// BackendOption is one selectable accelerator directory.
type BackendOption struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Active    bool   `json:"active"`
}

func (c *Controller) AvailableBackends() []BackendOption {
	var dirs []string
	if c.probe != nil {
		dirs = c.probe.AvailableBackends()
	}
	installed := func(acc types.Accelerator) bool {
		for _, dir := range dirs {
			if strings.Contains(dir, string(acc)) {
				return true
			}
			if acc == types.AcceleratorMetal && dir == "darwin-arm64" {
				return true
			}
		}
		return false
	}

	options := []BackendOption{{ID: "auto", Name: "Automatic", Available: true, Active: !c.platform.Overridden}}
	for _, acc := range []types.Accelerator{
		types.AcceleratorCUDA, types.AcceleratorROCm, types.AcceleratorVulkan,
		types.AcceleratorMetal, types.AcceleratorCPU,
	} {
		options = append(options, BackendOption{
			ID:        string(acc),
			Name:      string(acc),
			Available: installed(acc),
			Active:    c.platform.Overridden && c.platform.Accelerator == acc,
		})
	}
	return options
}

// SetBackendOverride persists the accelerator pin; "auto" clears it. Takes
// effect on the next process start.
func (c *Controller) SetBackendOverride(backendID string) error {
	if backendID == "auto" {
		return c.store.SaveBackendOverride(nil)
	}
	switch types.Accelerator(backendID) {
	case types.AcceleratorCUDA, types.AcceleratorROCm, types.AcceleratorVulkan,
		types.AcceleratorMetal, types.AcceleratorCPU:
	default:
		return fmt.Errorf("unknown backend %q", backendID)
	}
	return c.store.SaveBackendOverride(&types.BackendOverride{
		BackendID:    backendID,
		Platform:     c.platform.OS,
		Architecture: c.platform.Arch,
	})
}

// ModelConfiguration pairs a discovered model with its effective override.
type ModelConfiguration struct {
	Model    *types.ModelFile       `json:"model"`
	Override types.PerModelOverride `json:"override"`
	Metadata types.ModelMetadata    `json:"metadata"`
}

func (c *Controller) ModelConfigurations() []ModelConfiguration {
	models := c.scanner.Scan()
	overrides := c.store.LoadPerModel()

	var out []ModelConfiguration
	for _, m := range models {
		if m.IsProjection() {
			continue
		}
		out = append(out, ModelConfiguration{
			Model:    m,
			Override: overrides[m.DisplayName],
			Metadata: c.scanner.Metadata(m),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Model.DisplayName < out[j].Model.DisplayName
	})
	return out
}

func (c *Controller) SaveModelConfiguration(displayName string, override types.PerModelOverride) error {
	return c.store.SaveModelOverride(displayName, override)
}

func (c *Controller) SaveAllModelConfigurations(overrides map[string]types.PerModelOverride) error {
	return c.store.SavePerModel(overrides)
}

func (c *Controller) LoadMmprojMappings() types.ProjectionMappings {
	return c.store.LoadProjectionMappings()
}

func (c *Controller) SaveMmprojMappings(mappings types.ProjectionMappings) error {
	return c.store.SaveProjectionMappings(mappings)
}

// ForceReconfigure regenerates the config and restarts the proxy without
// touching persisted settings.
func (c *Controller) ForceReconfigure(ctx context.Context) types.StartResult {
	if err := c.GenerateConfig(false); err != nil {
		return types.StartResult{Error: "reconfigure failed: " + err.Error()}
	}
	return c.sup.Restart(ctx, true)
}

// SaveConfigAndRestart applies a full performance-settings document and
// restarts with a freshly generated config.
func (c *Controller) SaveConfigAndRestart(ctx context.Context, raw json.RawMessage) types.StartResult {
	var incoming types.PerformanceSettings
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return types.StartResult{Error: "invalid settings payload: " + err.Error()}
	}
	if err := c.store.SavePerformance(incoming); err != nil {
		return types.StartResult{Error: "could not save settings: " + err.Error()}
	}
	return c.sup.Restart(ctx, false)
}

// Optimizer presets reshape the global settings wholesale.
var optimizerPresets = map[string]func(*types.PerformanceSettings){
	"throughput": func(s *types.PerformanceSettings) {
		s.OptimizeFirstToken = false
		on := true
		s.EnableContinuousBatching = &on
		s.KVCacheType = "q8_0"
	},
	"latency": func(s *types.PerformanceSettings) {
		s.OptimizeFirstToken = true
	},
	"memory": func(s *types.PerformanceSettings) {
		s.KVCacheType = "q8_0"
		batch, ubatch := 256, 64
		s.BatchSize = &batch
		s.UbatchSize = &ubatch
		off := false
		s.MemoryLock = &off
	},
	"balanced": func(s *types.PerformanceSettings) {
		*s = types.PerformanceSettings{}
	},
}

// RunLlamaOptimizer applies a named preset and restarts the proxy.
func (c *Controller) RunLlamaOptimizer(ctx context.Context, preset string) types.StartResult {
	apply, ok := optimizerPresets[preset]
	if !ok {
		return types.StartResult{Error: fmt.Sprintf("unknown optimizer preset %q", preset)}
	}
	global := c.store.LoadPerformance()
	apply(&global)
	if err := c.store.SavePerformance(global); err != nil {
		return types.StartResult{Error: "could not save settings: " + err.Error()}
	}
	log.Info().Str("preset", preset).Msg("optimizer preset applied")
	return c.sup.Restart(ctx, false)
}
