package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aircast-bridge/aircast/internal/api"
	"github.com/aircast-bridge/aircast/internal/auth"
	"github.com/aircast-bridge/aircast/internal/config"
	"github.com/aircast-bridge/aircast/internal/controlplane"
	"github.com/aircast-bridge/aircast/internal/events"
	"github.com/aircast-bridge/aircast/internal/handoff"
	"github.com/aircast-bridge/aircast/internal/hookinbox"
	"github.com/aircast-bridge/aircast/internal/identity"
	"github.com/aircast-bridge/aircast/internal/maintenance"
	"github.com/aircast-bridge/aircast/internal/metrics"
	"github.com/aircast-bridge/aircast/internal/models"
	"github.com/aircast-bridge/aircast/internal/receiver"
	"github.com/aircast-bridge/aircast/internal/session"
	"github.com/aircast-bridge/aircast/internal/stream"
	"github.com/aircast-bridge/aircast/internal/zeroconf"
)

const shutdownTimeout = 15 * time.Second

// bridge wires the components of one daemon run together.
type bridge struct {
	cfg     *config.Config
	devices []models.Device

	bus     *events.Bus
	metrics *metrics.Metrics
	streams *stream.Manager
	coord   *session.Coordinator
	sup     *receiver.Supervisor
	inbox   *hookinbox.Watcher
	maint   *maintenance.Service
	auth    *auth.Service // nil when the status API is open
}

func newBridge(cfg *config.Config) (*bridge, error) {
	devices, err := cfg.ResolveDevices()
	if err != nil {
		return nil, err
	}
	hook, err := hookCommand(cfg)
	if err != nil {
		return nil, err
	}
	var authSvc *auth.Service
	if cfg.HTTP.Enabled && cfg.HTTP.KeysFile != "" {
		if authSvc, err = auth.NewService(cfg.HTTP.KeysFile); err != nil {
			return nil, fmt.Errorf("loading api keys: %w", err)
		}
	}

	b := &bridge{
		cfg:     cfg,
		devices: devices,
		bus:     events.NewBus(),
		metrics: metrics.New(),
		auth:    authSvc,
	}

	b.streams = stream.NewManager(cfg.Stream.BindHost,
		stream.BufferSourceFunc(func(id string) *stream.Buffer { return b.coord.Buffer(id) }),
		stream.ServerConfig{
			Path:         cfg.Stream.URLPath(),
			ContentType:  cfg.Transcoder.ContentType(),
			ChunkSize:    cfg.Stream.ChunkSize,
			PollInterval: cfg.Stream.PollInterval,
		})

	var client controlplane.Client = controlplane.NewHomeAssistant(controlplane.HomeAssistantConfig{
		BaseURL:     cfg.ControlPlane.BaseURL,
		Token:       controlplane.TokenFromEnv(cfg.ControlPlane.TokenEnv),
		Timeout:     cfg.ControlPlane.Timeout,
		BypassProxy: cfg.ControlPlane.BypassProxy,
		RateLimit:   cfg.ControlPlane.RateLimit,
		Burst:       cfg.ControlPlane.Burst,
	})
	client = controlplane.WithRetry(client, cfg.ControlPlane.RetryAttempts, cfg.ControlPlane.RetryInitial)
	client = controlplane.Instrumented(client, b.metrics)

	b.coord = session.New(devices, session.Options{
		Transcoder: session.TranscoderConfig{
			Binary: cfg.Transcoder.Binary,
			Args:   cfg.Transcoder.Args,
			Grace:  cfg.Supervisor.StopTimeout,
		},
		BufferBytes:   cfg.Stream.BufferBytes,
		StreamPath:    cfg.Stream.URLPath(),
		AdvertiseHost: cfg.Stream.AdvertiseHost,
	}, session.Deps{
		Client:    client,
		Store:     handoff.NewFileStore(cfg.StateDir),
		Listeners: b.streams,
		Bus:       b.bus,
		Metrics:   b.metrics,
	})

	b.sup = receiver.New(receiver.Options{
		Binary:         cfg.Receiver.Binary,
		Args:           cfg.Receiver.Args,
		ConfigDir:      cfg.Receiver.ConfigDir,
		HookCommand:    hook,
		SessionTimeout: cfg.Receiver.SessionTimeout,
		Interpolation:  cfg.Receiver.Interpolation,
		Metadata:       cfg.Receiver.Metadata,
		PollInterval:   cfg.Supervisor.PollInterval,
		StopTimeout:    cfg.Supervisor.StopTimeout,
		RestartPolicy:  cfg.Supervisor.RestartPolicy,
		BackoffInitial: cfg.Supervisor.BackoffInitial,
		BackoffMax:     cfg.Supervisor.BackoffMax,
		BackoffReset:   cfg.Supervisor.BackoffReset,
	}, b.onReceiverExit)

	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	b.inbox = hookinbox.NewWatcher(cfg.InboxDir, ids, b.coord, b.metrics.ObserveHookEvent)

	probe := ""
	if cfg.Maintenance.CheckInterval > 0 {
		if probe, err = maintenance.ProbeAddr(cfg.ControlPlane.BaseURL); err != nil {
			slog.Warn("maintenance: control plane probe disabled", "err", err)
		}
	}
	b.maint = maintenance.New(maintenance.Options{
		ProbeAddr:     probe,
		PruneDirs:     []string{cfg.InboxDir, cfg.StateDir},
		CheckInterval: cfg.Maintenance.CheckInterval,
		Retention:     cfg.Maintenance.Retention,
	})
	return b, nil
}

func (b *bridge) onReceiverExit(ctx context.Context, deviceID string) {
	b.metrics.IncReceiverRestarts(deviceID)
	b.coord.HandleReceiverExit(ctx, deviceID)
}

// run starts everything and blocks until ctx is cancelled, then shuts down
// sessions before receivers and listeners.
func (b *bridge) run(ctx context.Context) error {
	if err := b.streams.EnsureAll(b.devices); err != nil {
		slog.Error("stream: some listeners failed to bind", "err", err)
	}
	if err := b.coord.Recover(ctx); err != nil {
		slog.Warn("session: recovery incomplete", "err", err)
	}

	receiver.Preflight(ctx, b.cfg.Receiver.Binary)
	if err := b.sup.StartAll(ctx, b.devices); err != nil {
		slog.Error("receiver: some receivers failed to start", "err", err)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		b.maint.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		b.sup.MonitorLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := b.inbox.Run(ctx); err != nil {
			slog.Error("hookinbox: stopped", "err", err)
		}
	}()

	var srv *http.Server
	if b.cfg.HTTP.Enabled {
		srv = &http.Server{
			Addr:         b.cfg.HTTP.Addr,
			Handler:      api.NewRouter(b, b.auth, b.bus, b.metrics.Handler(b.updateGauges)),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // SSE
			IdleTimeout:  120 * time.Second,
		}
		go func() {
			slog.Info("api: listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("api: server error", "err", err)
			}
		}()

		if b.cfg.Zeroconf.Enabled {
			b.advertise(ctx)
		}
	}

	slog.Info("aircast: running", "devices", len(b.devices), "version", identity.GetVersion())
	<-ctx.Done()
	slog.Info("aircast: shutting down")

	// No new hook events once the inbox and monitor loop have returned.
	wg.Wait()

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	b.coord.Shutdown(shutCtx)
	var errs []error
	if err := b.sup.StopAll(shutCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping receivers: %w", err))
	}
	if err := b.streams.Shutdown(shutCtx); err != nil {
		errs = append(errs, fmt.Errorf("stopping stream listeners: %w", err))
	}
	if srv != nil {
		if err := srv.Shutdown(shutCtx); err != nil {
			errs = append(errs, fmt.Errorf("stopping api: %w", err))
		}
	}
	if b.auth != nil {
		b.auth.Close()
	}
	slog.Info("aircast: shutdown complete")
	return errors.Join(errs...)
}

func (b *bridge) advertise(ctx context.Context) {
	port, err := portFromAddr(b.cfg.HTTP.Addr)
	if err != nil {
		slog.Warn("zeroconf: not advertising", "err", err)
		return
	}
	name := b.cfg.Zeroconf.Name
	if name == "" {
		name = identity.GetHostname()
	}
	zc := zeroconf.New(name, port,
		"version="+identity.GetVersion(),
		"devices="+strconv.Itoa(len(b.devices)),
		"path=/api",
	)
	go func() {
		if err := zc.Start(ctx); err != nil {
			slog.Warn("zeroconf: failed", "err", err)
		}
	}()
}

// updateGauges refreshes scrape-time gauges.
func (b *bridge) updateGauges() {
	sessions := b.coord.Sessions()
	gauges := make([]metrics.SessionGauge, 0, len(sessions))
	for _, s := range sessions {
		gauges = append(gauges, metrics.SessionGauge{DeviceID: s.DeviceID, Written: s.Written, Dropped: s.Dropped})
	}
	b.metrics.SetSessions(gauges)
	b.metrics.SetReceiversRunning(b.sup.Running())
}

// Devices, Sessions, Receivers and Info serve the status API.

func (b *bridge) Devices() []models.Device {
	return append([]models.Device(nil), b.devices...)
}

func (b *bridge) Sessions() []models.SessionInfo { return b.coord.Sessions() }

func (b *bridge) Receivers() []models.ReceiverInfo { return b.sup.Processes() }

func (b *bridge) Info() models.Info {
	return models.Info{
		Hostname:              identity.GetHostname(),
		Version:               identity.GetVersion(),
		Devices:               len(b.devices),
		ControlPlaneReachable: b.maint.Reachable(),
	}
}

// hookCommand returns the argv prefix the receiver runs for hook events:
// the configured command, or this executable's hook subcommand.
func hookCommand(cfg *config.Config) ([]string, error) {
	if cmd := strings.Fields(cfg.Receiver.HookCommand); len(cmd) > 0 {
		return cmd, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable for hooks: %w", err)
	}
	return []string{exe, "hook", "--inbox-dir", cfg.InboxDir}, nil
}

func portFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 {
		return 0, fmt.Errorf("listen address %q has no fixed port", addr)
	}
	return port, nil
}
