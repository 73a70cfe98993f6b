package hookinbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	queueSize      = 64
	rescanInterval = 2 * time.Second
)

// Handler receives dispatched hook events.
type Handler interface {
	OnSessionStart(ctx context.Context, deviceID, pipePath string, streamPortOffset int) error
	OnSessionStop(ctx context.Context, deviceID string) error
}

// ErrUnknownDevice is reported for events naming a device the watcher does
// not accept.
var ErrUnknownDevice = errors.New("hookinbox: unknown device")

// Observer is told about every handled event. It may be nil.
type Observer func(kind string, err error)

type item struct {
	path string
	ev   Event
}

// Watcher dispatches inbox files to a Handler. Each device has its own worker
// so one device's slow stop never delays another device's start, while
// events for the same device run strictly in order.
type Watcher struct {
	dir     string
	handler Handler
	observe Observer
	devices map[string]bool // nil accepts every device

	mu      sync.Mutex
	queues  map[string]chan item
	pending map[string]bool // paths queued or in progress
	wg      sync.WaitGroup
}

// NewWatcher creates a watcher for dir. Events for devices outside deviceIDs
// are discarded without starting a worker; a nil deviceIDs accepts all.
func NewWatcher(dir string, deviceIDs []string, h Handler, observe Observer) *Watcher {
	var devices map[string]bool
	if deviceIDs != nil {
		devices = make(map[string]bool, len(deviceIDs))
		for _, id := range deviceIDs {
			devices[id] = true
		}
	}
	return &Watcher{
		devices: devices,
		dir:     dir,
		handler: h,
		observe: observe,
		queues:  make(map[string]chan item),
		pending: make(map[string]bool),
	}
}

// Run watches the inbox until ctx is cancelled. Files already present are
// dispatched first. Events still queued at shutdown stay on disk.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("hookinbox: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("hookinbox: watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("hookinbox: watch %s: %w", w.dir, err)
	}

	slog.Info("hookinbox: watching", "dir", w.dir)
	w.scan(ctx)

	// fsnotify can drop events on queue overflow; a slow rescan covers that.
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()

	defer w.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if (event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Write)) &&
				isEventFile(filepath.Base(event.Name)) {
				w.scan(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("hookinbox: watcher error", "err", err)
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

// scan queues every event file not yet pending, oldest first.
func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		slog.Warn("hookinbox: read dir", "err", err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isEventFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(w.dir, name)

		w.mu.Lock()
		busy := w.pending[path]
		w.mu.Unlock()
		if busy {
			continue
		}

		ev, err := Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			slog.Error("hookinbox: discarding unreadable event", "file", name, "err", err)
			if rerr := os.Rename(path, path+badSuffix); rerr != nil {
				_ = os.Remove(path)
			}
			continue
		}
		if w.devices != nil && !w.devices[ev.DeviceID] {
			slog.Warn("hookinbox: discarding event for unknown device", "file", name, "device", ev.DeviceID, "kind", ev.Kind)
			if w.observe != nil {
				w.observe(string(ev.Kind), ErrUnknownDevice)
			}
			if rerr := os.Remove(path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
				slog.Warn("hookinbox: could not remove event file", "file", name, "err", rerr)
			}
			continue
		}
		w.enqueue(ctx, item{path: path, ev: ev})
	}
}

func (w *Watcher) enqueue(ctx context.Context, it item) {
	w.mu.Lock()
	q, ok := w.queues[it.ev.DeviceID]
	if !ok {
		q = make(chan item, queueSize)
		w.queues[it.ev.DeviceID] = q
		w.wg.Add(1)
		go w.worker(ctx, q)
	}
	w.pending[it.path] = true
	w.mu.Unlock()

	select {
	case q <- it:
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, it.path)
		w.mu.Unlock()
	}
}

func (w *Watcher) worker(ctx context.Context, q <-chan item) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-q:
			w.dispatch(ctx, it)
		}
	}
}

func (w *Watcher) dispatch(ctx context.Context, it item) {
	ev := it.ev
	log := slog.With("device", ev.DeviceID, "kind", ev.Kind, "event", ev.ID)
	log.Debug("hookinbox: dispatching", "age", time.Since(ev.CreatedAt))

	var err error
	switch ev.Kind {
	case KindStart:
		err = w.handler.OnSessionStart(ctx, ev.DeviceID, ev.PipePath, ev.StreamPortOffset)
	case KindStop:
		err = w.handler.OnSessionStop(ctx, ev.DeviceID)
	}
	if err != nil {
		log.Error("hookinbox: event failed", "err", err)
	}
	if w.observe != nil {
		w.observe(string(ev.Kind), err)
	}

	if rerr := os.Remove(it.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		log.Warn("hookinbox: could not remove event file", "err", rerr)
	}
	w.mu.Lock()
	delete(w.pending, it.path)
	w.mu.Unlock()
}
