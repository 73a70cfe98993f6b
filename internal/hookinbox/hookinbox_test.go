package hookinbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	Kind     Kind
	DeviceID string
	PipePath string
	Offset   int
}

type fakeHandler struct {
	mu       sync.Mutex
	calls    []recorded
	startErr error
	block    map[string]chan struct{}
}

func (f *fakeHandler) OnSessionStart(_ context.Context, deviceID, pipePath string, offset int) error {
	f.mu.Lock()
	f.calls = append(f.calls, recorded{Kind: KindStart, DeviceID: deviceID, PipePath: pipePath, Offset: offset})
	err := f.startErr
	f.mu.Unlock()
	return err
}

func (f *fakeHandler) OnSessionStop(_ context.Context, deviceID string) error {
	f.mu.Lock()
	ch := f.block[deviceID]
	f.mu.Unlock()
	if ch != nil {
		<-ch
	}
	f.mu.Lock()
	f.calls = append(f.calls, recorded{Kind: KindStop, DeviceID: deviceID})
	f.mu.Unlock()
	return nil
}

func (f *fakeHandler) snapshot() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.calls...)
}

func (f *fakeHandler) forDevice(id string) []recorded {
	var out []recorded
	for _, c := range f.snapshot() {
		if c.DeviceID == id {
			out = append(out, c)
		}
	}
	return out
}

func runWatcher(t *testing.T, w *Watcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func eventFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	ev := NewStart("kitchen", "/tmp/k.pipe", 2)

	path, err := Write(dir, ev)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.True(t, isEventFile(filepath.Base(path)))
	assert.Equal(t, []string{filepath.Base(path)}, eventFiles(t, dir), "no temp file left behind")

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, KindStart, got.Kind)
	assert.Equal(t, "kitchen", got.DeviceID)
	assert.Equal(t, "/tmp/k.pipe", got.PipePath)
	assert.Equal(t, 2, got.StreamPortOffset)
	assert.True(t, ev.CreatedAt.Equal(got.CreatedAt))
}

func TestWriteRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	_, err := Write(dir, Event{Kind: KindStart})
	assert.Error(t, err)
	_, err = Write(dir, Event{Kind: "pause", DeviceID: "a"})
	assert.Error(t, err)
}

func TestFileNamesSortByCreation(t *testing.T) {
	a := NewStop("x")
	b := NewStop("x")
	b.CreatedAt = a.CreatedAt.Add(time.Millisecond)
	assert.Less(t, a.fileName(), b.fileName())
}

func TestIsEventFile(t *testing.T) {
	assert.True(t, isEventFile("000-abc.json"))
	assert.False(t, isEventFile(".000-abc.json.tmp"))
	assert.False(t, isEventFile(".000-abc.json"))
	assert.False(t, isEventFile("000-abc.json.bad"))
}

func TestWatcherDrainsExistingFilesInOrder(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().UTC()

	start := NewStart("a", "/p/a", 0)
	start.CreatedAt = base
	stop := NewStop("a")
	stop.CreatedAt = base.Add(time.Millisecond)
	start2 := NewStart("a", "/p/a2", 0)
	start2.CreatedAt = base.Add(2 * time.Millisecond)

	// Written out of order on purpose.
	for _, ev := range []Event{start2, stop, start} {
		_, err := Write(dir, ev)
		require.NoError(t, err)
	}

	h := &fakeHandler{}
	runWatcher(t, NewWatcher(dir, nil, h, nil))

	require.Eventually(t, func() bool { return len(h.snapshot()) == 3 }, 3*time.Second, 10*time.Millisecond)
	calls := h.snapshot()
	assert.Equal(t, KindStart, calls[0].Kind)
	assert.Equal(t, "/p/a", calls[0].PipePath)
	assert.Equal(t, KindStop, calls[1].Kind)
	assert.Equal(t, KindStart, calls[2].Kind)
	assert.Equal(t, "/p/a2", calls[2].PipePath)

	require.Eventually(t, func() bool { return len(eventFiles(t, dir)) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestWatcherPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHandler{}
	var mu sync.Mutex
	var observed []string
	observe := func(kind string, err error) {
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, kind)
	}
	runWatcher(t, NewWatcher(dir, nil, h, observe))

	_, err := Write(dir, NewStart("b", "/p/b", 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, recorded{Kind: KindStart, DeviceID: "b", PipePath: "/p/b", Offset: 1}, h.snapshot()[0])

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "start", observed[0])
}

func TestWatcherRemovesFailedEvents(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHandler{startErr: errors.New("boom")}
	var mu sync.Mutex
	var errs []error
	observe := func(_ string, err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}
	runWatcher(t, NewWatcher(dir, nil, h, observe))

	_, err := Write(dir, NewStart("c", "", 0))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Error(t, errs[0])
	require.Eventually(t, func() bool { return len(eventFiles(t, dir)) == 0 }, 3*time.Second, 10*time.Millisecond)
	assert.Len(t, h.snapshot(), 1, "failed events are not retried")
}

func TestWatcherQuarantinesBadFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001-bad.json"), []byte("{not json"), 0644))
	invalid, err := json.Marshal(Event{ID: "x", Kind: "pause", DeviceID: "a"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "002-invalid.json"), invalid, 0644))

	h := &fakeHandler{}
	runWatcher(t, NewWatcher(dir, nil, h, nil))

	require.Eventually(t, func() bool {
		names := eventFiles(t, dir)
		return len(names) == 2 &&
			contains(names, "001-bad.json.bad") &&
			contains(names, "002-invalid.json.bad")
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.snapshot())
}

func TestWatcherDevicesIndependent(t *testing.T) {
	dir := t.TempDir()
	release := make(chan struct{})
	h := &fakeHandler{block: map[string]chan struct{}{"slow": release}}
	runWatcher(t, NewWatcher(dir, nil, h, nil))

	stop := NewStop("slow")
	start := NewStart("slow", "", 0)
	start.CreatedAt = stop.CreatedAt.Add(time.Millisecond)
	_, err := Write(dir, stop)
	require.NoError(t, err)
	_, err = Write(dir, start)
	require.NoError(t, err)
	_, err = Write(dir, NewStart("fast", "", 0))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.forDevice("fast")) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.forDevice("slow"), "slow device still blocked in stop")

	close(release)
	require.Eventually(t, func() bool { return len(h.forDevice("slow")) == 2 }, 3*time.Second, 10*time.Millisecond)
	slow := h.forDevice("slow")
	assert.Equal(t, KindStop, slow[0].Kind)
	assert.Equal(t, KindStart, slow[1].Kind)
}

func TestWatcherCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "inbox")
	h := &fakeHandler{}
	runWatcher(t, NewWatcher(dir, nil, h, nil))

	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return err == nil
	}, 3*time.Second, 10*time.Millisecond)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestWatcherDiscardsUnknownDevices(t *testing.T) {
	dir := t.TempDir()
	h := &fakeHandler{}
	var mu sync.Mutex
	var errs []error
	observe := func(_ string, err error) {
		mu.Lock()
		defer mu.Unlock()
		errs = append(errs, err)
	}
	w := NewWatcher(dir, []string{"known"}, h, observe)

	for i := 0; i < 20; i++ {
		_, err := Write(dir, NewStop(fmt.Sprintf("stranger-%d", i)))
		require.NoError(t, err)
	}
	_, err := Write(dir, NewStop("known"))
	require.NoError(t, err)

	runWatcher(t, w)

	require.Eventually(t, func() bool { return len(h.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "known", h.snapshot()[0].DeviceID)
	require.Eventually(t, func() bool { return len(eventFiles(t, dir)) == 0 }, 3*time.Second, 10*time.Millisecond)

	w.mu.Lock()
	assert.Len(t, w.queues, 1, "no worker for unknown devices")
	w.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	unknown := 0
	for _, err := range errs {
		if errors.Is(err, ErrUnknownDevice) {
			unknown++
		}
	}
	assert.Equal(t, 20, unknown)
}
