package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/godbus/dbus/v5"
)

const (
	avahiService = "org.freedesktop.Avahi"
	avahiVersion = "org.freedesktop.Avahi.Server.GetVersionString"
)

// AvahiVersion asks avahi-daemon for its version over the system bus.
func AvahiVersion(ctx context.Context) (string, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return "", fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	var version string
	obj := conn.Object(avahiService, "/")
	if err := obj.CallWithContext(ctx, avahiVersion, 0).Store(&version); err != nil {
		return "", fmt.Errorf("query avahi: %w", err)
	}
	return version, nil
}

// Preflight logs warnings for missing prerequisites. Receivers still start:
// a missing binary is retried on every tick and avahi may come up later.
func Preflight(ctx context.Context, binary string) {
	if _, err := exec.LookPath(binary); err != nil {
		slog.Warn("receiver: binary not found", "binary", binary, "err", err)
	}
	version, err := AvahiVersion(ctx)
	if err != nil {
		slog.Warn("receiver: avahi-daemon not reachable, receivers will not be discoverable", "err", err)
		return
	}
	slog.Info("receiver: avahi-daemon available", "version", version)
}
