package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/aircast-bridge/aircast/internal/models"
)

// Manager owns one HTTP listener per device. A bind failure affects only the
// device that failed.
type Manager struct {
	bindHost string
	source   BufferSource
	cfg      ServerConfig

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	listeners map[string]*listener
}

type listener struct {
	srv  *http.Server
	addr net.Addr
	done chan struct{}
}

// NewManager creates a manager binding on bindHost ("" for all interfaces).
func NewManager(bindHost string, source BufferSource, cfg ServerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		bindHost:  bindHost,
		source:    source,
		cfg:       cfg,
		baseCtx:   ctx,
		cancel:    cancel,
		listeners: make(map[string]*listener),
	}
}

// Ensure binds the device's stream listener if it is not bound yet.
func (m *Manager) Ensure(dev models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.listeners[dev.ID]; ok {
		return nil
	}
	if m.baseCtx.Err() != nil {
		return errors.New("stream manager shut down")
	}

	addr := net.JoinHostPort(m.bindHost, strconv.Itoa(dev.StreamPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("stream: listen %s for %s: %w", addr, dev.ID, err)
	}

	srv := &http.Server{
		Handler:           NewServer(dev.ID, m.source, m.cfg).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return m.baseCtx },
	}
	l := &listener{srv: srv, addr: ln.Addr(), done: make(chan struct{})}
	m.listeners[dev.ID] = l

	go func() {
		defer close(l.done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("stream: server stopped", "device", dev.ID, "err", err)
		}
	}()

	slog.Info("stream: listening", "device", dev.ID, "addr", ln.Addr().String(), "path", m.cfg.Path)
	return nil
}

// EnsureAll binds every device and returns the errors joined. Devices that
// bound successfully keep their listener.
func (m *Manager) EnsureAll(devices []models.Device) error {
	var errs []error
	for _, d := range devices {
		if err := m.Ensure(d); err != nil {
			slog.Error("stream: bind failed", "device", d.ID, "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Addr returns the bound address of a device listener, or "" when unbound.
func (m *Manager) Addr(deviceID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.listeners[deviceID]; ok {
		return l.addr.String()
	}
	return ""
}

// Shutdown ends every open stream and closes all listeners.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	ls := m.listeners
	m.listeners = make(map[string]*listener)
	m.mu.Unlock()

	var errs []error
	for id, l := range ls {
		if err := l.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stream: shutdown %s: %w", id, err))
			_ = l.srv.Close()
		}
		<-l.done
	}
	return errors.Join(errs...)
}
