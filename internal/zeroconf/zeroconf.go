// Package zeroconf advertises the bridge's status API over mDNS/DNS-SD so it
// can be found on the LAN.
package zeroconf

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/grandcat/zeroconf"
)

const serviceType = "_http._tcp"

// Service manages one mDNS registration.
type Service struct {
	name string
	port int
	txt  []string
}

// New creates a Service that will advertise name on port. txt entries are
// "key=value" pairs.
func New(name string, port int, txt ...string) *Service {
	return &Service{name: name, port: port, txt: txt}
}

// TXT returns the TXT records that Start registers.
func (s *Service) TXT() []string {
	return append([]string(nil), s.txt...)
}

// Start registers the service and blocks until ctx is cancelled, then
// unregisters it.
func (s *Service) Start(ctx context.Context) error {
	if s.port <= 0 {
		return fmt.Errorf("zeroconf: invalid port %d", s.port)
	}
	server, err := zeroconf.Register(s.name, serviceType, "local.", s.port, s.txt, nil)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	slog.Info("zeroconf: registered mDNS service", "name", s.name, "port", s.port, "txt", s.txt)

	<-ctx.Done()

	server.Shutdown()
	slog.Info("zeroconf: mDNS service unregistered")
	return nil
}
