package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/claraverse-space/clara-supervisor/api/pkg/config"
	"github.com/claraverse-space/clara-supervisor/api/pkg/notification"
	"github.com/claraverse-space/clara-supervisor/api/pkg/platform"
	"github.com/claraverse-space/clara-supervisor/api/pkg/provisioner"
	"github.com/claraverse-space/clara-supervisor/api/pkg/scanner"
	"github.com/claraverse-space/clara-supervisor/api/pkg/server"
	"github.com/claraverse-space/clara-supervisor/api/pkg/settings"
	"github.com/claraverse-space/clara-supervisor/api/pkg/supervisor"
	"github.com/claraverse-space/clara-supervisor/api/pkg/swapconfig"
	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
	"github.com/claraverse-space/clara-supervisor/api/pkg/watchdog"
)

func newServeCmd() *cobra.Command {
	var apiPort int
	var noWatchdog bool
	var autoStart bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor and its control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadSupervisorConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, apiPort, noWatchdog, autoStart)
		},
	}
	cmd.Flags().IntVar(&apiPort, "api-port", 8092, "control API port on localhost")
	cmd.Flags().BoolVar(&noWatchdog, "no-watchdog", false, "disable service monitoring")
	cmd.Flags().BoolVar(&autoStart, "auto-start", true, "start the proxy immediately")
	return cmd
}

func serve(ctx context.Context, cfg config.SupervisorConfig, apiPort int, noWatchdog, autoStart bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := settings.NewStore(cfg.Paths.SettingsDir)
	if err != nil {
		return err
	}

	commander := &platform.RealCommander{}
	probe := platform.NewProbe(cfg.Paths.BinariesDir)
	info := probe.Detect(ctx, store.LoadBackendOverride())
	log.Info().
		Str("accelerator", string(info.Accelerator)).
		Str("platform_dir", info.PlatformDir).
		Uint64("gpu_memory_mb", info.GPUMemoryMB).
		Bool("overridden", info.Overridden).
		Msg("platform detected")

	prov := provisioner.New(cfg.Paths.BinariesDir, info, cfg.Binaries)
	binaries, err := prov.EnsureBinaries(ctx)
	if err != nil {
		if errors.Is(err, provisioner.ErrBaseBinariesMissing) {
			return err
		}
		log.Warn().Err(err).Msg("binary provisioning degraded")
	}

	sc := scanner.New(cfg.Paths.UserModelsDir, cfg.Paths.BundledModelsDir, cfg.Paths.CustomModelsDirs)
	emitter := swapconfig.NewEmitter(cfg.Paths.SwapConfigPath, binaries.ServerPath)
	sup := supervisor.New(cfg.Proxy, binaries, cfg.Paths.SwapConfigPath, string(info.Accelerator), commander)
	ctrl := server.NewController(cfg, info, binaries, store, sc, probe, prov, sup, emitter)

	var wd *watchdog.Watchdog
	if !noWatchdog {
		throttler := notification.NewThrottler(notification.LogNotifier{}, cfg.Watchdog.MaxNotificationAttempts)
		wd = watchdog.New(cfg.Watchdog, store.LoadConsent(), throttler, watchdog.Service{
			Key:         "proxy",
			HumanName:   "Local LLM runtime",
			Essential:   true,
			HealthCheck: sup.HealthCheck,
			Restart: func(ctx context.Context) error {
				res := sup.Restart(ctx, true)
				if !res.Success {
					return errors.New(res.Error)
				}
				return nil
			},
		})
		go wd.Run(ctx)
	}

	if autoStart {
		go func() {
			if res := ctrl.Start(ctx, false); !res.Success {
				log.Error().Str("error", res.Error).Msg("initial proxy start failed")
			} else if wd != nil {
				wd.SignalSetupComplete()
			}
		}()
	}

	go watchModelDirs(ctx, cfg, ctrl)
	go backgroundRepair(ctx, cfg.Binaries.BackgroundDelay, sup.Status, prov.RepairNames)

	srv := server.NewServer(ctrl, wd)
	err = srv.ListenAndServe(ctx, cfg.Proxy.ListenHost, apiPort)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Proxy.ShutdownGrace+5*time.Second)
	defer cancel()
	sup.Stop(shutdownCtx)
	return err
}

// backgroundRepair runs deferred binary maintenance once the proxy has
// settled; it backs off while the proxy is starting or serving.
func backgroundRepair(ctx context.Context, delay time.Duration, status func() types.SupervisorStatus, repair func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		st := status()
		if st.IsStarting || st.IsRunning {
			continue
		}
		repair()
		return
	}
}

// watchModelDirs regenerates the config when GGUF files appear or vanish
// under any scan root.
func watchModelDirs(ctx context.Context, cfg config.SupervisorConfig, ctrl *server.Controller) {
	watcher, err := newModelWatcher(cfg.Paths)
	if err != nil {
		log.Warn().Err(err).Msg("model directory watching disabled")
		return
	}
	defer watcher.Close()

	var debounce *time.Timer
	reconfigure := func() {
		log.Info().Msg("model set changed, reconfiguring")
		if res := ctrl.ForceReconfigure(ctx); !res.Success {
			log.Warn().Str("error", res.Error).Msg("reconfigure after model change failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".gguf" {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(2*time.Second, reconfigure)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("model watcher error")
		}
	}
}
