package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// SupervisorConfig carries every tunable of the runtime supervisor. All
// values can be overridden through CLARA_* environment variables.
type SupervisorConfig struct {
	Paths    Paths
	Proxy    Proxy
	Watchdog Watchdog
	Binaries Binaries
}

type Paths struct {
	// SettingsDir holds the persisted JSON documents (performance settings,
	// per-model overrides, projection mappings, consent).
	SettingsDir string `envconfig:"CLARA_SETTINGS_DIR" default:"~/.clara/settings"`
	// UserModelsDir is the primary scan root for user-downloaded models.
	UserModelsDir string `envconfig:"CLARA_MODELS_DIR" default:"~/.clara/llama-models"`
	// BundledModelsDir ships with the application and may contain the
	// generic fallback projection file.
	BundledModelsDir string `envconfig:"CLARA_BUNDLED_MODELS_DIR" default:""`
	// CustomModelsDirs are extra scan roots, comma separated.
	CustomModelsDirs []string `envconfig:"CLARA_CUSTOM_MODELS_DIRS" default:""`
	// BinariesDir is the base directory holding per-platform binary sets.
	BinariesDir string `envconfig:"CLARA_BINARIES_DIR" default:"~/.clara/bin"`
	// SwapConfigPath is where the declarative proxy config is written.
	SwapConfigPath string `envconfig:"CLARA_SWAP_CONFIG_PATH" default:"~/.clara/llama-swap-config.yaml"`
}

type Proxy struct {
	ListenHost         string        `envconfig:"CLARA_PROXY_HOST" default:"127.0.0.1"`
	ListenPort         int           `envconfig:"CLARA_PROXY_PORT" default:"8091"`
	EmbeddingPort      int           `envconfig:"CLARA_EMBEDDING_PORT" default:"9998"`
	ChatPort           int           `envconfig:"CLARA_CHAT_PORT" default:"9999"`
	HealthTimeout      time.Duration `envconfig:"CLARA_PROXY_HEALTH_TIMEOUT" default:"10s"`
	StartWaiterTimeout time.Duration `envconfig:"CLARA_PROXY_START_WAITER_TIMEOUT" default:"30s"`
	StuckThreshold     time.Duration `envconfig:"CLARA_PROXY_STUCK_THRESHOLD" default:"120s"`
	ShutdownGrace      time.Duration `envconfig:"CLARA_PROXY_SHUTDOWN_GRACE" default:"8s"`
	MonitorInterval    time.Duration `envconfig:"CLARA_PROXY_MONITOR_INTERVAL" default:"30s"`
	PortRetryWait      time.Duration `envconfig:"CLARA_PROXY_PORT_RETRY_WAIT" default:"5s"`
	ConfigQuiescence   time.Duration `envconfig:"CLARA_CONFIG_QUIESCENCE" default:"2s"`
}

type Watchdog struct {
	CheckInterval           time.Duration `envconfig:"CLARA_WATCHDOG_INTERVAL" default:"30s"`
	StartupDelay            time.Duration `envconfig:"CLARA_WATCHDOG_STARTUP_DELAY" default:"60s"`
	GracePeriod             time.Duration `envconfig:"CLARA_WATCHDOG_GRACE_PERIOD" default:"30m"`
	RetryAttempts           int           `envconfig:"CLARA_WATCHDOG_RETRY_ATTEMPTS" default:"3"`
	RetryDelay              time.Duration `envconfig:"CLARA_WATCHDOG_RETRY_DELAY" default:"10s"`
	MaxNotificationAttempts int           `envconfig:"CLARA_WATCHDOG_MAX_NOTIFICATIONS" default:"3"`
	Verbose                 bool          `envconfig:"CLARA_WATCHDOG_VERBOSE" default:"false"`
}

type Binaries struct {
	ReleaseOwner     string        `envconfig:"CLARA_RELEASE_OWNER" default:"ggml-org"`
	ReleaseRepo      string        `envconfig:"CLARA_RELEASE_REPO" default:"llama.cpp"`
	PerAssetTimeout  time.Duration `envconfig:"CLARA_DOWNLOAD_ASSET_TIMEOUT" default:"2m"`
	AggregateTimeout time.Duration `envconfig:"CLARA_DOWNLOAD_TOTAL_TIMEOUT" default:"5m"`
	BackgroundDelay  time.Duration `envconfig:"CLARA_PROVISION_BACKGROUND_DELAY" default:"5s"`
}

func LoadSupervisorConfig() (SupervisorConfig, error) {
	var cfg SupervisorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return SupervisorConfig{}, err
	}
	cfg.Paths.expandAll()
	return cfg, nil
}

func (p *Paths) expandAll() {
	p.SettingsDir = ExpandHome(p.SettingsDir)
	p.UserModelsDir = ExpandHome(p.UserModelsDir)
	p.BundledModelsDir = ExpandHome(p.BundledModelsDir)
	p.BinariesDir = ExpandHome(p.BinariesDir)
	p.SwapConfigPath = ExpandHome(p.SwapConfigPath)
	for i, dir := range p.CustomModelsDirs {
		p.CustomModelsDirs[i] = ExpandHome(strings.TrimSpace(dir))
	}
}

// ExpandHome resolves a leading ~ against the current user's home directory.
func ExpandHome(path string) string {
	if path == "" || !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
