package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aircast-bridge/aircast/internal/config"
	"github.com/aircast-bridge/aircast/internal/hookinbox"
	"github.com/aircast-bridge/aircast/internal/proc"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		cfgFile = ""
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func inboxEvents(t *testing.T, dir string) []hookinbox.Event {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var evs []hookinbox.Event
	for _, e := range entries {
		ev, err := hookinbox.Read(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		evs = append(evs, ev)
	}
	return evs
}

func TestHookStartWritesEvent(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "hook", "--inbox-dir", dir, "start", "media_player.kitchen", "/tmp/k.pipe", "3")
	require.NoError(t, err)

	evs := inboxEvents(t, dir)
	require.Len(t, evs, 1)
	assert.Equal(t, hookinbox.KindStart, evs[0].Kind)
	assert.Equal(t, "media_player.kitchen", evs[0].DeviceID)
	assert.Equal(t, "/tmp/k.pipe", evs[0].PipePath)
	assert.Equal(t, 3, evs[0].StreamPortOffset)
}

func TestHookStopUsesConfiguredInbox(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox")
	cfgPath := filepath.Join(t.TempDir(), "aircast.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("inbox_dir: "+inbox+"\n"), 0644))

	_, err := execute(t, "--config", cfgPath, "hook", "--inbox-dir", "", "stop", "media_player.den")
	require.NoError(t, err)

	evs := inboxEvents(t, inbox)
	require.Len(t, evs, 1)
	assert.Equal(t, hookinbox.KindStop, evs[0].Kind)
	assert.Equal(t, "media_player.den", evs[0].DeviceID)
}

func TestHookUsageErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "hook", "--inbox-dir", dir, "start", "media_player.kitchen", "/tmp/k.pipe", "x")
	assert.Error(t, err)

	_, err = execute(t, "hook", "--inbox-dir", dir, "stop")
	assert.Error(t, err)

	assert.Empty(t, inboxEvents(t, dir))
}

func TestHookDeliveryFailureStillSucceeds(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	// The inbox path is a regular file, so the write fails.
	_, err := execute(t, "hook", "--inbox-dir", blocker, "stop", "media_player.kitchen")
	assert.NoError(t, err)
}

func TestVersionJSON(t *testing.T) {
	out, err := execute(t, "version", "--json")
	require.NoError(t, err)
	t.Cleanup(func() { versionJSON = false })

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info["version"])
	assert.NotEmpty(t, info["go"])
}

func TestPortFromAddr(t *testing.T) {
	port, err := portFromAddr(":8099")
	require.NoError(t, err)
	assert.Equal(t, 8099, port)

	port, err = portFromAddr("127.0.0.1:9000")
	require.NoError(t, err)
	assert.Equal(t, 9000, port)

	_, err = portFromAddr("8099")
	assert.Error(t, err)
	_, err = portFromAddr(":0")
	assert.Error(t, err)
}

func TestHookCommand(t *testing.T) {
	cfg := &config.Config{InboxDir: "/run/aircast/inbox"}
	cmd, err := hookCommand(cfg)
	require.NoError(t, err)
	require.Len(t, cmd, 4)
	assert.Equal(t, []string{"hook", "--inbox-dir", "/run/aircast/inbox"}, cmd[1:])

	cfg.Receiver.HookCommand = "/usr/local/bin/aircast hook --inbox-dir /x"
	cmd, err = hookCommand(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/local/bin/aircast", "hook", "--inbox-dir", "/x"}, cmd)
}

func TestNewBridgeStatus(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "aircast.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
pipe_dir: `+dir+`
state_dir: `+dir+`
inbox_dir: `+filepath.Join(dir, "inbox")+`
receiver:
  hook_command: "true"
devices:
  - id: media_player.kitchen
    name: Kitchen
  - id: media_player.den
`), 0644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	b, err := newBridge(cfg)
	require.NoError(t, err)

	devices := b.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "Kitchen", devices[0].Name)
	assert.Equal(t, 7001, devices[1].StreamPort)

	assert.Empty(t, b.Sessions())
	assert.Empty(t, b.Receivers())
	assert.Equal(t, 2, b.Info().Devices)
	assert.Empty(t, b.streams.Addr("media_player.kitchen"), "listeners bind in run")

	devices[0].Name = "changed"
	assert.Equal(t, "Kitchen", b.Devices()[0].Name, "Devices returns a copy")

	b.updateGauges()
}

type controlPlaneRecorder struct {
	mu    sync.Mutex
	calls []string // "<service> <entity>"
}

func (r *controlPlaneRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body struct {
		EntityID string `json:"entity_id"`
	}
	_ = json.NewDecoder(req.Body).Decode(&body)
	r.mu.Lock()
	r.calls = append(r.calls, req.URL.Path[strings.LastIndex(req.URL.Path, "/")+1:]+" "+body.EntityID)
	r.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (r *controlPlaneRecorder) count(call string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c == call {
			n++
		}
	}
	return n
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestReceiverCrashEndsSession(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	cp := &controlPlaneRecorder{}
	srv := httptest.NewServer(cp)
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "aircast.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf(`
pipe_dir: %[1]s
state_dir: %[1]s/state
inbox_dir: %[1]s/inbox
receiver:
  binary: sleep
  args: ["60"]
  config_dir: %[1]s/conf
  hook_command: "true"
transcoder:
  binary: sleep
  args: ["60"]
stream:
  bind_host: 127.0.0.1
  port_base: %[2]d
  advertise_host: 127.0.0.1
supervisor:
  poll_interval: 20ms
  stop_timeout: 2s
control_plane:
  base_url: %[3]s/api
http:
  enabled: false
zeroconf:
  enabled: false
devices:
  - id: media_player.kitchen
`, dir, freePort(t), srv.URL)), 0644))

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	b, err := newBridge(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		b.coord.Shutdown(sctx)
		_ = b.sup.StopAll(sctx)
		_ = b.streams.Shutdown(sctx)
	})

	require.NoError(t, b.sup.StartAll(ctx, b.devices))
	require.NoError(t, b.coord.OnSessionStart(ctx, "media_player.kitchen", "", 0))
	assert.Equal(t, 1, cp.count("play_media media_player.kitchen"))

	sessions := b.Sessions()
	require.Len(t, sessions, 1)
	transcoderPID := sessions[0].TranscoderPID
	receiverPID := b.Receivers()[0].PID

	go b.sup.MonitorLoop(ctx)
	require.NoError(t, syscall.Kill(receiverPID, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		return cp.count("media_stop media_player.kitchen") == 1 && len(b.Sessions()) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.False(t, proc.Alive(transcoderPID), "transcoder terminated")

	require.Eventually(t, func() bool {
		r := b.Receivers()[0]
		return r.Running && r.PID != receiverPID && r.RestartCount == 1
	}, 5*time.Second, 20*time.Millisecond)
}
