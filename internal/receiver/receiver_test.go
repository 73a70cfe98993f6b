package receiver

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aircast-bridge/aircast/internal/models"
	"github.com/aircast-bridge/aircast/internal/proc"
)

func requireSleep(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
}

func testDevices(dir string) []models.Device {
	return []models.Device{
		{ID: "media_player.alpha", Name: "Alpha Speaker", Index: 0, ReceiverPort: 5000, StreamPort: 7000, PipePath: filepath.Join(dir, "shairport_media_player_alpha.pipe")},
		{ID: "media_player.beta", Name: "Beta", Index: 1, ReceiverPort: 5001, StreamPort: 7001, PipePath: filepath.Join(dir, "shairport_media_player_beta.pipe")},
	}
}

func sleepOptions(dir string) Options {
	return Options{
		Binary:         "sleep",
		Args:           []string{"60"},
		ConfigDir:      filepath.Join(dir, "conf"),
		HookCommand:    []string{"/usr/bin/aircast", "hook", "--inbox-dir", "/run/aircast inbox"},
		SessionTimeout: 20,
		PollInterval:   20 * time.Millisecond,
		StopTimeout:    2 * time.Second,
		RestartPolicy:  PolicyImmediate,
	}
}

func TestRenderConfig(t *testing.T) {
	dev := testDevices("/tmp")[0]
	opts := sleepOptions("/tmp")
	opts.Interpolation = "soxr"
	opts.Metadata = true

	conf := renderConfig(dev, opts)
	assert.Contains(t, conf, `name = "Alpha Speaker";`)
	assert.Contains(t, conf, `output_backend = "pipe";`)
	assert.Contains(t, conf, `mdns_backend = "avahi";`)
	assert.Contains(t, conf, "port = 5000;")
	assert.Contains(t, conf, `interpolation = "soxr";`)
	assert.Contains(t, conf, "session_timeout = 20;")
	assert.Contains(t, conf, `allow_session_interruption = "yes";`)
	assert.Contains(t, conf, `wait_for_completion = "no";`)
	assert.Contains(t, conf,
		`run_this_before_play_begins = "/usr/bin/aircast hook --inbox-dir '/run/aircast inbox' start media_player.alpha /tmp/shairport_media_player_alpha.pipe 0";`)
	assert.Contains(t, conf,
		`run_this_after_play_ends = "/usr/bin/aircast hook --inbox-dir '/run/aircast inbox' stop media_player.alpha";`)
	assert.Contains(t, conf, `name = "/tmp/shairport_media_player_alpha.pipe";`)
	assert.Contains(t, conf, `enabled = "yes";`)
}

func TestRenderConfig_Escapes(t *testing.T) {
	dev := models.Device{ID: "x", Name: `Living "Room"`, PipePath: "/tmp/x.pipe"}
	conf := renderConfig(dev, sleepOptions("/tmp"))
	assert.Contains(t, conf, `name = "Living \"Room\"";`)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "media_player.alpha", shellQuote("media_player.alpha"))
	assert.Equal(t, "'a b'", shellQuote("a b"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}

func TestEnsureFifo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.pipe")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))

	require.NoError(t, ensureFifo(path))
	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeNamedPipe, "stale file replaced by a pipe")

	require.NoError(t, ensureFifo(path), "existing pipe kept")
	require.NoError(t, removeFile(path))
	require.NoError(t, removeFile(path), "removing twice is fine")
}

func TestStartAllStopAll(t *testing.T) {
	requireSleep(t)
	dir := t.TempDir()
	devs := testDevices(dir)
	s := New(sleepOptions(dir), nil)

	require.NoError(t, s.StartAll(context.Background(), devs))

	procs := s.Processes()
	require.Len(t, procs, 2)
	for i, p := range procs {
		assert.Equal(t, devs[i].ID, p.DeviceID)
		assert.True(t, p.Running)
		assert.True(t, proc.Alive(p.PID))
	}
	assert.Equal(t, 2, s.Running())
	for _, d := range devs {
		fi, err := os.Lstat(d.PipePath)
		require.NoError(t, err)
		assert.NotZero(t, fi.Mode()&os.ModeNamedPipe)
		_, err = os.Stat(configPath(filepath.Join(dir, "conf"), d))
		assert.NoError(t, err)
	}

	require.NoError(t, s.StopAll(context.Background()))
	for _, p := range procs {
		assert.False(t, proc.Alive(p.PID))
	}
	for _, d := range devs {
		_, err := os.Lstat(d.PipePath)
		assert.True(t, os.IsNotExist(err), "pipe removed")
	}
	assert.Equal(t, 0, s.Running())

	require.NoError(t, s.StopAll(context.Background()), "stop is idempotent")
}

func TestCrashRelaunchesWithSameConfig(t *testing.T) {
	requireSleep(t)
	dir := t.TempDir()
	devs := testDevices(dir)

	var (
		mu     sync.Mutex
		exits  []string
		before = make(map[string]int)
	)
	var s *Supervisor
	s = New(sleepOptions(dir), func(_ context.Context, id string) {
		mu.Lock()
		defer mu.Unlock()
		exits = append(exits, id)
		// The relaunch happens after the exit handler returns.
		for _, p := range s.Processes() {
			if p.DeviceID == id {
				before[id] = p.PID
			}
		}
	})
	require.NoError(t, s.StartAll(context.Background(), devs))
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })

	confPath := configPath(filepath.Join(dir, "conf"), devs[0])
	confBefore, err := os.ReadFile(confPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.MonitorLoop(ctx)

	oldPID := s.Processes()[0].PID
	betaPID := s.Processes()[1].PID
	require.NoError(t, syscall.Kill(oldPID, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		p := s.Processes()[0]
		return p.RestartCount == 1 && p.Running && p.PID != oldPID
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{devs[0].ID}, exits, "exit handler told once, for the crashed device only")
	assert.Equal(t, 0, before[devs[0].ID], "handler runs before the relaunch")
	mu.Unlock()

	confAfter, err := os.ReadFile(confPath)
	require.NoError(t, err)
	assert.Equal(t, string(confBefore), string(confAfter), "relaunched with identical configuration")

	beta := s.Processes()[1]
	assert.Equal(t, betaPID, beta.PID, "other receivers untouched")
	assert.Equal(t, 0, beta.RestartCount)
	assert.NotEmpty(t, s.Processes()[0].LastError)
}

func TestLaunchFailureRetried(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-receiver")
	opts := sleepOptions(dir)
	opts.Binary = script
	opts.Args = nil

	s := New(opts, nil)
	err := s.StartAll(context.Background(), testDevices(dir)[:1])
	require.Error(t, err)
	p := s.Processes()[0]
	assert.False(t, p.Running)
	assert.NotEmpty(t, p.LastError)

	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 60\n"), 0755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.MonitorLoop(ctx)
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })

	require.Eventually(t, func() bool { return s.Processes()[0].Running }, 3*time.Second, 10*time.Millisecond)
}

func TestRetryDelayBackoff(t *testing.T) {
	s := New(Options{
		RestartPolicy:  PolicyBackoff,
		BackoffInitial: 10 * time.Millisecond,
		BackoffMax:     35 * time.Millisecond,
		BackoffReset:   time.Second,
	}, nil)
	p := &process{backoff: s.newBackoff()}

	assert.Zero(t, s.retryDelay(p, 0), "first failure relaunches at once")
	assert.Equal(t, 10*time.Millisecond, s.retryDelay(p, 0))
	assert.Equal(t, 20*time.Millisecond, s.retryDelay(p, 0))
	assert.Equal(t, 35*time.Millisecond, s.retryDelay(p, 0), "capped at max")
	assert.Zero(t, s.retryDelay(p, 2*time.Second), "long uptime resets the backoff")
	assert.Equal(t, 10*time.Millisecond, s.retryDelay(p, 0))

	s.opts.RestartPolicy = PolicyImmediate
	assert.Zero(t, s.retryDelay(p, 0))
}

func TestDefaultPolicyRelaunchesOnDetectingTick(t *testing.T) {
	requireSleep(t)
	dir := t.TempDir()
	s := New(Options{
		Binary:    "sleep",
		Args:      []string{"60"},
		ConfigDir: filepath.Join(dir, "conf"),
	}, nil)
	require.Equal(t, PolicyBackoff, s.opts.RestartPolicy)
	require.NoError(t, s.StartAll(context.Background(), testDevices(dir)[:1]))
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })

	oldPID := s.Processes()[0].PID
	require.NoError(t, syscall.Kill(oldPID, syscall.SIGKILL))
	require.Eventually(t, func() bool { return !proc.Alive(oldPID) }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)

	s.tick(context.Background())

	p := s.Processes()[0]
	assert.Equal(t, 1, p.RestartCount)
	assert.True(t, p.Running, "relaunched by the tick that saw the exit")
	assert.NotEqual(t, oldPID, p.PID)
}

func TestExitHandlerOutlivesMonitorContext(t *testing.T) {
	requireSleep(t)
	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	handlerErr := make(chan error, 1)
	var s *Supervisor
	s = New(sleepOptions(dir), func(hctx context.Context, _ string) {
		cancel()
		_, hasDeadline := hctx.Deadline()
		assert.True(t, hasDeadline, "handler context is bounded")
		handlerErr <- hctx.Err()
	})
	require.NoError(t, s.StartAll(context.Background(), testDevices(dir)[:1]))
	t.Cleanup(func() { _ = s.StopAll(context.Background()) })

	pid := s.Processes()[0].PID
	require.NoError(t, syscall.Kill(pid, syscall.SIGKILL))
	require.Eventually(t, func() bool {
		s.tick(ctx)
		return len(handlerErr) == 1
	}, 3*time.Second, 20*time.Millisecond)

	assert.NoError(t, <-handlerErr, "shutdown does not cancel exit cleanup")
}

func TestStopAllAfterStopRefusesStart(t *testing.T) {
	dir := t.TempDir()
	s := New(sleepOptions(dir), nil)
	require.NoError(t, s.StopAll(context.Background()))
	assert.Error(t, s.StartAll(context.Background(), testDevices(dir)))
}

func TestPreflightDoesNotHang(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		Preflight(ctx, "definitely-not-a-receiver-binary")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("preflight hung")
	}
}
