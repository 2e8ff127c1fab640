package supervisor

import (
	"context"
	"errors"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/claraverse-space/clara-supervisor/api/pkg/config"
	"github.com/claraverse-space/clara-supervisor/api/pkg/freeport"
	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

func TestParseProgressLine(t *testing.T) {
	event, ok := ParseProgressLine("slot update_slots: id 0 | task 1 | prompt processing progress, n_past = 512, n_tokens = 256, progress = 0.25")
	require.True(t, ok)
	assert.Equal(t, types.ProgressContextLoading, event.Kind)
	assert.InDelta(t, 25.0, event.Percent, 0.01)

	event, ok = ParseProgressLine("slot update_slots: id 0 | task 1 | kv cache rm [512, end)")
	require.True(t, ok)
	assert.Equal(t, types.ProgressMemoryOptimize, event.Kind)

	event, ok = ParseProgressLine("Chat format: Hermes 2 Pro")
	require.True(t, ok)
	assert.Equal(t, types.ProgressInitialization, event.Kind)
	assert.Equal(t, "Hermes 2 Pro", event.Detail)

	event, ok = ParseProgressLine("llama_model_load: loading model from /models/a.gguf")
	require.True(t, ok)
	assert.Equal(t, types.ProgressModelLoading, event.Kind)

	event, ok = ParseProgressLine("slot launch_slot_: id 0 | task 42 | processing task")
	require.True(t, ok)
	assert.Equal(t, types.ProgressTaskStart, event.Kind)

	_, ok = ParseProgressLine("srv log_server_r: request: GET /health")
	assert.False(t, ok)
}

func TestParseNetstatPIDs(t *testing.T) {
	out := strings.Join([]string{
		"  TCP    0.0.0.0:8091           0.0.0.0:0              LISTENING       4312",
		"  TCP    127.0.0.1:8091         0.0.0.0:0              LISTENING       4312",
		"  TCP    127.0.0.1:8092         0.0.0.0:0              LISTENING       9999",
		"  TCP    127.0.0.1:60101        127.0.0.1:8091         ESTABLISHED     777",
		"  UDP    0.0.0.0:8091           *:*                                    5555",
	}, "\n")

	assert.Equal(t, []int{4312}, ParseNetstatPIDs(out, 8091))
	assert.Empty(t, ParseNetstatPIDs(out, 7000))
}

func TestContainsAnyAndHints(t *testing.T) {
	assert.True(t, containsAny("boom: V cache quantization requires flash_attn", flashAttnSignatures))
	assert.True(t, containsAny("listen tcp 127.0.0.1:8091: bind: address already in use", portInUseSignatures))
	assert.Contains(t, remediationHint("EADDRINUSE"), "port")
	assert.Contains(t, remediationHint("failed to create context with model"), "flash attention")
}

// fakeCommander launches a stand-in child for the swap binary and no-ops
// every other command.
type fakeCommander struct {
	spawn func(ctx context.Context) *exec.Cmd
}

func (f *fakeCommander) LookPath(file string) (string, error) { return file, nil }

func (f *fakeCommander) CommandContext(ctx context.Context, name string, arg ...string) *exec.Cmd {
	if strings.Contains(name, "swap-bin") {
		return f.spawn(ctx)
	}
	return exec.CommandContext(ctx, "true")
}

func testConfig(t *testing.T) config.Proxy {
	port, err := freeport.GetFreePort()
	require.NoError(t, err)
	return config.Proxy{
		ListenHost:         "127.0.0.1",
		ListenPort:         port,
		HealthTimeout:      300 * time.Millisecond,
		StartWaiterTimeout: 5 * time.Second,
		StuckThreshold:     time.Minute,
		ShutdownGrace:      200 * time.Millisecond,
		MonitorInterval:    time.Hour,
	}
}

func testBinaries(t *testing.T) types.BinarySet {
	dir := t.TempDir()
	swap := filepath.Join(dir, "swap-bin")
	server := filepath.Join(dir, "server-bin")
	for _, p := range []string{swap, server} {
		require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\nsleep 60\n"), 0o755))
	}
	return types.BinarySet{SwapPath: swap, ServerPath: server}
}

func testConfigFile(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "llama-swap-config.yaml")
	doc := "healthCheckTimeout: 300\nlogLevel: info\nmodels:\ngroups:\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func newTestSupervisor(t *testing.T) *Supervisor {
	s := New(testConfig(t), testBinaries(t), testConfigFile(t), "cpu", &fakeCommander{
		spawn: func(ctx context.Context) *exec.Cmd {
			return exec.CommandContext(ctx, "sleep", "60")
		},
	})
	s.goos = "linux"
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func TestStartHappyPath(t *testing.T) {
	s := newTestSupervisor(t)
	s.probe = func(ctx context.Context) error { return nil }

	var generated []bool
	s.GenerateConfig = func(forceFlash bool) error {
		generated = append(generated, forceFlash)
		return nil
	}

	res := s.Start(context.Background(), false)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, []bool{false}, generated)

	status := s.Status()
	assert.True(t, status.IsRunning)
	assert.False(t, status.IsStarting)
	assert.Equal(t, types.PhaseReady, status.CurrentStartupPhase)
	assert.NotZero(t, status.PID)

	// second start is a no-op
	assert.True(t, s.Start(context.Background(), false).Success)
}

func TestStopReturnsToIdle(t *testing.T) {
	s := newTestSupervisor(t)
	s.probe = func(ctx context.Context) error { return nil }

	require.True(t, s.Start(context.Background(), true).Success)
	pid := s.Status().PID

	res := s.Stop(context.Background())
	assert.True(t, res.Success)
	status := s.Status()
	assert.False(t, status.IsRunning)
	assert.Zero(t, status.PID)

	// the child must actually be gone
	assert.False(t, s.processAlive(pid))
}

func TestFlashAttentionRetry(t *testing.T) {
	cfg := testConfig(t)
	s := New(cfg, testBinaries(t), testConfigFile(t), "cuda", &fakeCommander{
		spawn: func(ctx context.Context) *exec.Cmd {
			return exec.CommandContext(ctx, "sh", "-c",
				`echo "V cache quantization requires flash_attn" >&2; sleep 60`)
		},
	})
	s.goos = "linux"
	t.Cleanup(func() { s.Stop(context.Background()) })

	var probes atomic.Int32
	s.probe = func(ctx context.Context) error {
		if probes.Add(1) == 1 {
			return errors.New("not ready")
		}
		return nil
	}

	var persisted bool
	s.PersistFlashAttention = func() error { persisted = true; return nil }
	var forceFlags []bool
	s.GenerateConfig = func(forceFlash bool) error {
		forceFlags = append(forceFlags, forceFlash)
		return nil
	}

	res := s.Start(context.Background(), false)
	require.True(t, res.Success, res.Error)
	assert.True(t, persisted)
	// first generation plain, regeneration with flash forced
	assert.Equal(t, []bool{false, true}, forceFlags)
}

func TestFlashRetryIsSingleShot(t *testing.T) {
	s := New(testConfig(t), testBinaries(t), testConfigFile(t), "cuda", &fakeCommander{
		spawn: func(ctx context.Context) *exec.Cmd {
			return exec.CommandContext(ctx, "sh", "-c",
				`echo "failed to create context with model" >&2; sleep 60`)
		},
	})
	s.goos = "linux"
	t.Cleanup(func() { s.Stop(context.Background()) })
	s.probe = func(ctx context.Context) error { return errors.New("never healthy") }

	res := s.Start(context.Background(), true)
	require.False(t, res.Success)
	assert.Contains(t, res.Diagnostics["hint"], "flash attention")
}

func TestPortConflictFailureDiagnostics(t *testing.T) {
	s := newTestSupervisor(t)
	s.probe = func(ctx context.Context) error { return nil }

	// occupy the listen port with something the fake lsof cannot find
	l, err := net.Listen("tcp", s.cfg.ListenHost+":"+strconv.Itoa(s.cfg.ListenPort))
	require.NoError(t, err)
	defer l.Close()

	res := s.Start(context.Background(), true)
	require.False(t, res.Success)
	assert.Contains(t, res.Error, "port")
}

func TestConcurrentStartJoinsInFlight(t *testing.T) {
	s := newTestSupervisor(t)
	s.cfg.HealthTimeout = 5 * time.Second

	release := make(chan struct{})
	s.probe = func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		default:
			return errors.New("not yet")
		}
	}

	first := make(chan types.StartResult, 1)
	go func() { first <- s.Start(context.Background(), true) }()

	// wait for the first attempt to occupy the starting state
	require.Eventually(t, func() bool {
		return s.Status().IsStarting
	}, 2*time.Second, 10*time.Millisecond)

	second := make(chan types.StartResult, 1)
	go func() { second <- s.Start(context.Background(), true) }()

	close(release)
	res1 := <-first
	res2 := <-second
	assert.True(t, res1.Success, res1.Error)
	assert.True(t, res2.Success, res2.Error)
	assert.True(t, s.Status().IsRunning)
}

func TestStatusStuckDetection(t *testing.T) {
	s := newTestSupervisor(t)
	s.mu.Lock()
	s.state = StateStarting
	s.startingSince = time.Now().Add(-2 * time.Minute)
	s.mu.Unlock()

	status := s.Status()
	assert.True(t, status.IsStarting)
	assert.True(t, status.IsStuck)
	assert.Greater(t, status.StartingDuration, 100.0)
}

func TestHealthCheckWhenIdle(t *testing.T) {
	s := newTestSupervisor(t)
	err := s.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle")
}

