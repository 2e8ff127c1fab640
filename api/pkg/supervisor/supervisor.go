package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/config"
	"github.com/claraverse-space/clara-supervisor/api/pkg/freeport"
	"github.com/claraverse-space/clara-supervisor/api/pkg/platform"
	"github.com/claraverse-space/clara-supervisor/api/pkg/swapconfig"
	"github.com/claraverse-space/clara-supervisor/api/pkg/system"
	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// State is the supervisor's lifecycle position. Transitions are serialized
// by the mutex; at most one start attempt is in flight at any instant.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFailed   State = "failed"
)

const (
	stderrTailBytes    = 32 * 1024
	healthPollInterval = 500 * time.Millisecond
)

var flashAttnSignatures = []string{
	"V cache quantization requires flash_attn",
	"failed to create context with model",
}

var portInUseSignatures = []string{
	"address already in use",
	"Only one usage of each socket address",
	"EADDRINUSE",
}

// Supervisor owns the swap proxy child process.
type Supervisor struct {
	cfg        config.Proxy
	binaries   types.BinarySet
	configPath string
	backend    string

	commander platform.Commander
	client    *http.Client
	goos      string

	// probe is the health check, separated out so tests can stub it
	probe func(ctx context.Context) error

	// GenerateConfig rebuilds the proxy config; forceFlash pins flash
	// attention on for every model. PersistFlashAttention records the
	// force-flash outcome in the global settings document.
	GenerateConfig        func(forceFlash bool) error
	PersistFlashAttention func() error
	OnProgress            func(types.ProgressEvent)

	mu            sync.Mutex
	state         State
	phase         types.StartupPhase
	startingSince time.Time
	startGen      int

	proc   *exec.Cmd
	pid    int
	exitCh chan struct{}
	stderr *system.LimitedBuffer

	waiters []chan types.StartResult

	flashRetried bool
	portRetried  bool

	monitorCancel context.CancelFunc
}

func New(cfg config.Proxy, binaries types.BinarySet, configPath, backendName string, commander platform.Commander) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		binaries:   binaries,
		configPath: configPath,
		backend:    backendName,
		commander:  commander,
		client:     &http.Client{Timeout: 5 * time.Second},
		goos:       runtime.GOOS,
		state:      StateIdle,
	}
	s.probe = s.probeHealth
	return s
}

// SetBinaries swaps the binary set, for use after a background provision
// pass completes. Takes effect on the next start.
func (s *Supervisor) SetBinaries(binaries types.BinarySet) {
	s.mu.Lock()
	s.binaries = binaries
	s.mu.Unlock()
}

// Start brings the proxy up. Concurrent callers join the in-flight attempt
// through a waiter; a starting state older than the stuck threshold is
// force-reset and retried.
func (s *Supervisor) Start(ctx context.Context, skipConfigGeneration bool) types.StartResult {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		s.mu.Unlock()
		return types.StartResult{Success: true}
	case StateStarting:
		if time.Since(s.startingSince) > s.cfg.StuckThreshold {
			log.Warn().
				Dur("stuck_for", time.Since(s.startingSince)).
				Msg("start attempt is stuck, forcing reset")
			s.forceResetLocked(ctx)
			s.mu.Unlock()
			return s.Start(ctx, skipConfigGeneration)
		}
		ch := make(chan types.StartResult, 1)
		s.waiters = append(s.waiters, ch)
		s.mu.Unlock()
		select {
		case res := <-ch:
			return res
		case <-time.After(s.cfg.StartWaiterTimeout):
			return types.StartResult{Error: "timed out waiting for in-flight start"}
		case <-ctx.Done():
			return types.StartResult{Error: ctx.Err().Error()}
		}
	}
	s.state = StateStarting
	s.startingSince = time.Now()
	s.startGen++
	gen := s.startGen
	s.flashRetried = false
	s.portRetried = false
	s.mu.Unlock()

	res := s.runStart(ctx, skipConfigGeneration)

	s.mu.Lock()
	if s.startGen == gen {
		if res.Success {
			s.state = StateRunning
		} else {
			s.state = StateFailed
		}
	}
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- res
	}
	return res
}

func (s *Supervisor) runStart(ctx context.Context, skipConfigGeneration bool) types.StartResult {
	s.setPhase(types.PhaseInitializing)

	s.setPhase(types.PhaseCheckingGPU)
	if s.binaries.SwapPath == "" || s.binaries.ServerPath == "" {
		return failure("binaries not provisioned", nil)
	}

	s.setPhase(types.PhaseCleaningPrior)
	s.reapExistingProcess()

	if s.goos == "darwin" {
		s.setPhase(types.PhaseSecurityCheck)
		s.clearQuarantine(ctx)
	}

	s.setPhase(types.PhaseVerifyingBinaries)
	for name, path := range map[string]string{"swap": s.binaries.SwapPath, "server": s.binaries.ServerPath} {
		if !system.IsExecutable(path) {
			return failure("binary missing or not executable", map[string]string{name + "_path": path})
		}
	}

	if !skipConfigGeneration {
		s.setPhase(types.PhaseGeneratingConfig)
		if s.GenerateConfig != nil {
			if err := s.GenerateConfig(s.flashRetried); err != nil {
				return failure("config generation failed: "+err.Error(), nil)
			}
		}
	}

	s.setPhase(types.PhaseVerifyingConfig)
	if _, err := swapconfig.Load(s.configPath); err != nil {
		return failure("config verification failed: "+err.Error(), map[string]string{"config_path": s.configPath})
	}
	time.Sleep(s.cfg.ConfigQuiescence)

	s.setPhase(types.PhaseCheckingPort)
	if freeport.IsPortInUse(s.cfg.ListenPort) {
		KillPortOwners(ctx, s.commander, s.goos, s.cfg.ListenPort)
		time.Sleep(s.cfg.PortRetryWait)
		if freeport.IsPortInUse(s.cfg.ListenPort) {
			return failure("listen port is held by another process", map[string]string{
				"port": strconv.Itoa(s.cfg.ListenPort),
			})
		}
	}

	s.setPhase(types.PhaseLaunching)
	if err := s.spawn(); err != nil {
		return failure("spawn failed: "+err.Error(), nil)
	}

	s.setPhase(types.PhaseVerifyingHealth)
	if err := s.waitHealthy(ctx); err != nil {
		tail := s.stderrTail()
		s.stopProcess(ctx)

		if retry, res := s.maybeRetry(ctx, skipConfigGeneration, tail); retry {
			return res
		}
		return failure("health verification failed: "+err.Error(), map[string]string{
			"stderr_tail": tail,
			"hint":        remediationHint(tail),
		})
	}

	s.setPhase(types.PhaseReady)
	s.startMonitor()
	log.Info().
		Int("pid", s.pid).
		Int("port", s.cfg.ListenPort).
		Str("backend", s.backend).
		Msg("swap proxy is healthy")
	return types.StartResult{Success: true}
}

// maybeRetry applies the two single-shot automatic recovery rules.
func (s *Supervisor) maybeRetry(ctx context.Context, skipConfigGeneration bool, stderrTail string) (bool, types.StartResult) {
	if !s.flashRetried && containsAny(stderrTail, flashAttnSignatures) {
		s.flashRetried = true
		log.Warn().Msg("model requires flash attention, retrying with it forced on")
		if s.PersistFlashAttention != nil {
			if err := s.PersistFlashAttention(); err != nil {
				log.Warn().Err(err).Msg("could not persist flash attention setting")
			}
		}
		return true, s.runStart(ctx, false)
	}

	if !s.portRetried && containsAny(stderrTail, portInUseSignatures) {
		s.portRetried = true
		log.Warn().Int("port", s.cfg.ListenPort).Msg("port conflict at launch, killing owners and retrying")
		KillPortOwners(ctx, s.commander, s.goos, s.cfg.ListenPort)
		time.Sleep(s.cfg.PortRetryWait)
		return true, s.runStart(ctx, skipConfigGeneration)
	}

	return false, types.StartResult{}
}

func (s *Supervisor) spawn() error {
	listen := fmt.Sprintf("%s:%d", s.cfg.ListenHost, s.cfg.ListenPort)
	// the child must outlive the start request's context
	cmd := s.commander.CommandContext(context.Background(), s.binaries.SwapPath, "-config", s.configPath, "-listen", listen)

	s.stderr = system.NewLimitedBuffer(stderrTailBytes)
	cmd.Stderr = s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	exitCh := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if event, ok := ParseProgressLine(line); ok && s.OnProgress != nil {
				s.OnProgress(event)
			}
		}
	}()
	go func() {
		_ = cmd.Wait()
		close(exitCh)
	}()

	s.mu.Lock()
	s.proc = cmd
	s.pid = cmd.Process.Pid
	s.exitCh = exitCh
	s.mu.Unlock()

	log.Info().Int("pid", cmd.Process.Pid).Str("listen", listen).Msg("swap proxy spawned")
	return nil
}

func (s *Supervisor) waitHealthy(ctx context.Context) error {
	deadline := time.After(s.cfg.HealthTimeout)
	s.mu.Lock()
	exitCh := s.exitCh
	s.mu.Unlock()

	for {
		if s.probe(ctx) == nil {
			return nil
		}
		select {
		case <-exitCh:
			return fmt.Errorf("proxy exited during startup")
		case <-deadline:
			return fmt.Errorf("no healthy response within %s", s.cfg.HealthTimeout)
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthPollInterval):
		}
	}
}

func (s *Supervisor) probeHealth(ctx context.Context) error {
	url := fmt.Sprintf("http://%s:%d/v1/models", s.cfg.ListenHost, s.cfg.ListenPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Stop terminates the proxy: graceful signal, grace wait, force kill and,
// on windows, a tree kill as the last resort. Cleanup always completes.
func (s *Supervisor) Stop(ctx context.Context) types.StartResult {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return types.StartResult{Success: true}
	}
	s.state = StateStopping
	s.startGen++
	s.mu.Unlock()

	s.stopProcess(ctx)

	s.mu.Lock()
	s.cleanupLocked()
	s.mu.Unlock()
	log.Info().Msg("swap proxy stopped")
	return types.StartResult{Success: true}
}

// Restart is stop-then-start.
func (s *Supervisor) Restart(ctx context.Context, skipConfigRegeneration bool) types.StartResult {
	if res := s.Stop(ctx); !res.Success {
		return res
	}
	return s.Start(ctx, skipConfigRegeneration)
}

func (s *Supervisor) stopProcess(ctx context.Context) {
	s.mu.Lock()
	proc := s.proc
	exitCh := s.exitCh
	pid := s.pid
	s.mu.Unlock()
	if proc == nil || proc.Process == nil {
		return
	}

	_ = proc.Process.Signal(os.Interrupt)
	select {
	case <-exitCh:
		return
	case <-time.After(s.cfg.ShutdownGrace):
	}

	log.Warn().Int("pid", pid).Msg("graceful shutdown timed out, force killing")
	if err := proc.Process.Kill(); err != nil && s.goos == "windows" {
		_ = s.commander.CommandContext(ctx, "taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
	}
	select {
	case <-exitCh:
	case <-time.After(2 * time.Second):
		log.Error().Int("pid", pid).Msg("process did not exit after force kill")
	}
}

// cleanupLocked nulls the process handle, stops the monitor and resets the
// retry flags. Callers hold the mutex.
func (s *Supervisor) cleanupLocked() {
	if s.monitorCancel != nil {
		s.monitorCancel()
		s.monitorCancel = nil
	}
	s.proc = nil
	s.pid = 0
	s.exitCh = nil
	s.state = StateIdle
	s.phase = ""
	s.flashRetried = false
	s.portRetried = false
}

// forceResetLocked recovers from a stuck start. Callers hold the mutex.
func (s *Supervisor) forceResetLocked(ctx context.Context) {
	proc := s.proc
	if proc != nil && proc.Process != nil {
		_ = proc.Process.Kill()
	}
	KillPortOwners(ctx, s.commander, s.goos, s.cfg.ListenPort)
	for _, ch := range s.waiters {
		ch <- types.StartResult{Error: "start attempt was force-reset"}
	}
	s.waiters = nil
	s.startGen++
	s.cleanupLocked()
}

func (s *Supervisor) reapExistingProcess() {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil && proc.Process != nil {
		log.Warn().Int("pid", proc.Process.Pid).Msg("killing leftover proxy process")
		_ = proc.Process.Kill()
	}
}

// clearQuarantine strips the quarantine attribute Gatekeeper puts on
// downloaded binaries. Best effort.
func (s *Supervisor) clearQuarantine(ctx context.Context) {
	for _, path := range []string{s.binaries.SwapPath, s.binaries.ServerPath} {
		if err := s.commander.CommandContext(ctx, "xattr", "-d", "com.apple.quarantine", path).Run(); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("quarantine attribute not cleared")
		}
	}
}

// startMonitor probes the child every interval: a zero-signal existence
// check that acts, and a soft health probe that only logs.
func (s *Supervisor) startMonitor() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.monitorCancel = cancel
	pid := s.pid
	exitCh := s.exitCh
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.MonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-exitCh:
				log.Warn().Int("pid", pid).Msg("proxy process disappeared, returning to idle")
				s.mu.Lock()
				s.cleanupLocked()
				s.mu.Unlock()
				return
			case <-ticker.C:
				if !s.processAlive(pid) {
					log.Warn().Int("pid", pid).Msg("proxy PID no longer exists, returning to idle")
					s.mu.Lock()
					s.cleanupLocked()
					s.mu.Unlock()
					return
				}
				if err := s.probe(ctx); err != nil {
					log.Debug().Err(err).Msg("soft health probe failed")
				}
			}
		}
	}()
}

func (s *Supervisor) processAlive(pid int) bool {
	if s.goos == "windows" {
		// signal probing is not supported there; the exit channel covers it
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Status returns a snapshot of the supervisor's state.
func (s *Supervisor) Status() types.SupervisorStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := types.SupervisorStatus{
		IsRunning:           s.state == StateRunning,
		IsStarting:          s.state == StateStarting,
		CurrentStartupPhase: s.phase,
		Port:                s.cfg.ListenPort,
		PID:                 s.pid,
		APIURL:              fmt.Sprintf("http://%s:%d", s.cfg.ListenHost, s.cfg.ListenPort),
		CurrentBackendName:  s.backend,
	}
	if s.state == StateStarting {
		status.StartingDuration = time.Since(s.startingSince).Seconds()
		status.IsStuck = time.Since(s.startingSince) > s.cfg.StuckThreshold
	}
	return status
}

// StatusWithHealthCheck augments the snapshot with a live probe.
func (s *Supervisor) StatusWithHealthCheck(ctx context.Context) (types.SupervisorStatus, bool) {
	status := s.Status()
	if !status.IsRunning {
		return status, false
	}
	return status, s.probe(ctx) == nil
}

// HealthCheck satisfies the watchdog's probe contract.
func (s *Supervisor) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateRunning {
		return fmt.Errorf("proxy is %s", state)
	}
	return s.probe(ctx)
}

func (s *Supervisor) setPhase(phase types.StartupPhase) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
	log.Debug().Str("phase", string(phase)).Msg("startup phase")
}

func (s *Supervisor) stderrTail() string {
	if s.stderr == nil {
		return ""
	}
	return s.stderr.String()
}

func failure(msg string, diagnostics map[string]string) types.StartResult {
	log.Error().Str("error", msg).Msg("proxy start failed")
	return types.StartResult{Error: msg, Diagnostics: diagnostics}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func remediationHint(stderrTail string) string {
	switch {
	case containsAny(stderrTail, flashAttnSignatures):
		return "the model requires flash attention; enable it in performance settings"
	case containsAny(stderrTail, portInUseSignatures):
		return "another application is using the proxy port; close it or change CLARA_PROXY_PORT"
	default:
		return "inspect the stderr tail and the proxy log for details"
	}
}
