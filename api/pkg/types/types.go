package types

import (
	"encoding/json"
	"time"
)

// Accelerator selects which binary directory and launch strategy to use.
type Accelerator string

const (
	AcceleratorCUDA   Accelerator = "cuda"
	AcceleratorROCm   Accelerator = "rocm"
	AcceleratorVulkan Accelerator = "vulkan"
	AcceleratorMetal  Accelerator = "metal"
	AcceleratorCPU    Accelerator = "cpu"
)

// GPUClass describes how much of the detected VRAM we can realistically
// dedicate to model layers.
type GPUClass string

const (
	GPUClassDedicated    GPUClass = "dedicated"
	GPUClassAppleSilicon GPUClass = "apple_silicon"
	GPUClassIntegrated   GPUClass = "integrated"
	GPUClassNone         GPUClass = "none"
)

// PlatformInfo is computed once at startup by the platform probe. A saved
// backend override can replace the probed accelerator.
type PlatformInfo struct {
	OS          string      `json:"os"`   // "darwin", "linux", "windows"
	Arch        string      `json:"arch"` // "arm64", "amd64"
	Accelerator Accelerator `json:"accelerator"`
	PlatformDir string      `json:"platform_dir"` // e.g. "win32-x64-cuda", "darwin-arm64"
	GPUClass    GPUClass    `json:"gpu_class"`
	GPUMemoryMB uint64      `json:"gpu_memory_mb"`
	SystemRAMMB uint64      `json:"system_ram_mb"`
	CPUCores    int         `json:"cpu_cores"`
	Estimated   bool        `json:"estimated"` // GPU memory came from the RAM table, not a vendor tool
	Overridden  bool        `json:"overridden"`
}

// BinarySet holds the two executables the supervisor needs. Both paths must
// exist and be executable before the swap proxy is spawned.
type BinarySet struct {
	SwapPath   string `json:"swap_path"`
	ServerPath string `json:"server_path"`
	Degraded   bool   `json:"degraded"` // fell back to base-directory binaries
}

// ModelSource records which root a model file was found under.
type ModelSource string

const (
	SourceUser    ModelSource = "user"
	SourceBundled ModelSource = "bundled"
	SourceCustom  ModelSource = "custom"
)

// ModelClassification is exactly one of the four kinds. Projection files
// never appear as top-level model entries.
type ModelClassification string

const (
	ClassChat       ModelClassification = "chat"
	ClassEmbedding  ModelClassification = "embedding"
	ClassProjection ModelClassification = "projection"
	ClassVisionChat ModelClassification = "vision-capable-chat"
)

// ModelFile is rebuilt on every scan; AbsolutePath is the only stable key.
type ModelFile struct {
	AbsolutePath   string              `json:"absolute_path"`
	Filename       string              `json:"filename"`
	SizeBytes      int64               `json:"size_bytes"`
	Source         ModelSource         `json:"source"`
	LastModified   time.Time           `json:"last_modified"`
	Classification ModelClassification `json:"classification"`
	DisplayName    string              `json:"display_name"`
}

func (m *ModelFile) IsEmbedding() bool  { return m.Classification == ClassEmbedding }
func (m *ModelFile) IsProjection() bool { return m.Classification == ClassProjection }
func (m *ModelFile) IsVisionChat() bool { return m.Classification == ClassVisionChat }

// ModelMetadata is extracted once per file from the GGUF header and cached
// by absolute path.
type ModelMetadata struct {
	NativeContextTokens int64  `json:"native_context_tokens,omitempty"` // 0 when unknown
	EmbeddingDimension  int64  `json:"embedding_dimension,omitempty"`   // 0 when unknown
	GGUFVersion         uint32 `json:"gguf_version"`
	TensorCount         uint64 `json:"tensor_count"`
	Parsed              bool   `json:"parsed"` // header parse succeeded at least partially
}

// ProjectionEntry maps a main model to its vision projection companion.
type ProjectionEntry struct {
	ProjectionPath string `json:"projection_path"`
	ProjectionName string `json:"projection_name"`
	IsManual       bool   `json:"is_manual"`
}

// ProjectionMappings is keyed by main-model absolute path. A non-empty map
// is authoritative: heuristics are disabled for every model.
type ProjectionMappings map[string]ProjectionEntry

// PerformanceSettings are the global launch tuning knobs. Nil numeric
// fields mean auto-calculate.
type PerformanceSettings struct {
	Threads                  *int     `json:"threads,omitempty"`
	MaxContextSize           *int64   `json:"maxContextSize,omitempty"`
	ParallelSequences        int      `json:"parallelSequences"`
	FlashAttention           *bool    `json:"flashAttention,omitempty"`
	OptimizeFirstToken       bool     `json:"optimizeFirstToken"`
	KeepTokens               *int64   `json:"keepTokens,omitempty"`
	DefragThreshold          *float64 `json:"defragThreshold,omitempty"`
	KVCacheType              string   `json:"kvCacheType,omitempty"`
	GPULayers                *int     `json:"gpuLayers,omitempty"`
	BatchSize                *int     `json:"batchSize,omitempty"`
	UbatchSize               *int     `json:"ubatchSize,omitempty"`
	MemoryLock               *bool    `json:"memoryLock,omitempty"`
	EnableContinuousBatching *bool    `json:"enableContinuousBatching,omitempty"`
}

// PerModelOverride has the same shape as PerformanceSettings but is scoped
// to a single display name. Present fields replace the global ones.
type PerModelOverride = PerformanceSettings

// BackendOverride pins the accelerator directory regardless of probing.
type BackendOverride struct {
	BackendID    string    `json:"backendId"` // accelerator class or "auto"
	Timestamp    time.Time `json:"timestamp"`
	Platform     string    `json:"platform"`
	Architecture string    `json:"architecture"`
}

// UserConsent gates which watchdog services are monitored.
type UserConsent struct {
	HasConsented      bool            `json:"hasConsented"`
	Services          map[string]bool `json:"services"`
	OnboardingMode    bool            `json:"onboardingMode"`
	AutoStartServices bool            `json:"autoStartServices"`
	Timestamp         time.Time       `json:"timestamp"`
}

// ServiceStatus is mutated only by the watchdog.
type ServiceStatus string

const (
	ServiceUnknown  ServiceStatus = "unknown"
	ServiceStarting ServiceStatus = "starting"
	ServiceHealthy  ServiceStatus = "healthy"
	ServiceDegraded ServiceStatus = "degraded"
	ServiceFailed   ServiceStatus = "failed"
	ServiceError    ServiceStatus = "error"
	ServiceDisabled ServiceStatus = "disabled"
)

// ServiceRecord is the watchdog's view of one monitored service. Readers
// obtain a snapshot copy, never the live struct.
type ServiceRecord struct {
	Key               string        `json:"key"`
	HumanName         string        `json:"human_name"`
	Status            ServiceStatus `json:"status"`
	Enabled           bool          `json:"enabled"`
	LastCheckAt       time.Time     `json:"last_check_at"`
	LastHealthyAt     time.Time     `json:"last_healthy_at,omitempty"`
	FailureCount      int           `json:"failure_count"`
	IsRetrying        bool          `json:"is_retrying"`
	GracePeriodLogged bool          `json:"-"`
}

// HealthMetric accumulates per-service counters across the watchdog's life.
type HealthMetric struct {
	StateChangeCount int           `json:"state_change_count"`
	TotalDowntime    time.Duration `json:"-"`
	LastHealthyAt    time.Time     `json:"last_healthy_at,omitempty"`
	RestartCount     int           `json:"restart_count"`
}

// MarshalJSON exposes the accumulated downtime in milliseconds.
func (m HealthMetric) MarshalJSON() ([]byte, error) {
	type metric HealthMetric
	return json.Marshal(struct {
		metric
		TotalDowntimeMs int64 `json:"total_downtime_ms"`
	}{metric(m), m.TotalDowntime.Milliseconds()})
}

// StartupPhase is the user-visible progress message for the supervisor.
type StartupPhase string

const (
	PhaseInitializing      StartupPhase = "Initializing..."
	PhaseCheckingGPU       StartupPhase = "Checking GPU and binaries..."
	PhaseCleaningPrior     StartupPhase = "Cleaning up previous processes..."
	PhaseSecurityCheck     StartupPhase = "Running macOS security check..."
	PhaseVerifyingBinaries StartupPhase = "Verifying binaries..."
	PhaseGeneratingConfig  StartupPhase = "Generating configuration..."
	PhaseVerifyingConfig   StartupPhase = "Verifying configuration..."
	PhaseCheckingPort      StartupPhase = "Checking port availability..."
	PhaseLaunching         StartupPhase = "Launching swap proxy..."
	PhaseVerifyingHealth   StartupPhase = "Verifying service health..."
	PhaseReady             StartupPhase = "Ready"
)

// SupervisorStatus is the payload returned to the host shell.
type SupervisorStatus struct {
	IsRunning           bool         `json:"isRunning"`
	IsStarting          bool         `json:"isStarting"`
	StartingDuration    float64      `json:"startingDuration"` // seconds
	IsStuck             bool         `json:"isStuck"`
	CurrentStartupPhase StartupPhase `json:"currentStartupPhase"`
	Port                int          `json:"port"`
	PID                 int          `json:"pid"`
	APIURL              string       `json:"apiUrl"`
	CurrentBackendName  string       `json:"currentBackendName"`
}

// StartResult is the structured outcome of a critical-path operation.
type StartResult struct {
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	Diagnostics map[string]string `json:"diagnostics,omitempty"`
	Warning     string            `json:"warning,omitempty"`
}

// ProgressEventKind classifies swap-proxy stdout lines.
type ProgressEventKind string

const (
	ProgressContextLoading ProgressEventKind = "context-loading"
	ProgressMemoryOptimize ProgressEventKind = "memory-optimization"
	ProgressInitialization ProgressEventKind = "initialization"
	ProgressModelLoading   ProgressEventKind = "model-loading"
	ProgressTaskStart      ProgressEventKind = "task-start"
)

// ProgressEvent is emitted by the stdout progress parsers. Parsing is a
// side channel; startup never blocks on it.
type ProgressEvent struct {
	Kind    ProgressEventKind `json:"kind"`
	Percent float64           `json:"percent,omitempty"`
	Detail  string            `json:"detail,omitempty"`
}

// WatchdogEventType names the structured records the watchdog emits.
type WatchdogEventType string

const (
	EventServiceDegraded       WatchdogEventType = "SERVICE_DEGRADED"
	EventServiceFailed         WatchdogEventType = "SERVICE_FAILED"
	EventServiceRecovered      WatchdogEventType = "SERVICE_RECOVERED"
	EventServiceRestartSuccess WatchdogEventType = "SERVICE_RESTART_SUCCESS"
	EventServiceRestartFailed  WatchdogEventType = "SERVICE_RESTART_FAILED"
	EventGracePeriodStarted    WatchdogEventType = "SERVICE_GRACE_PERIOD"
)
