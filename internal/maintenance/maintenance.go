// Package maintenance runs the bridge's background housekeeping: it probes
// the control plane for reachability and prunes stale spool files.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// dialFunc is a variable so tests can inject a mock dialer.
var dialFunc = func(network, address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout(network, address, timeout)
}

const (
	defaultCheckInterval = 5 * time.Minute
	defaultRetention     = 24 * time.Hour
	pruneInterval        = time.Hour
	dialTimeout          = 3 * time.Second
)

// Options configures a Service.
type Options struct {
	ProbeAddr     string        // host:port of the control plane; empty disables the probe
	PruneDirs     []string      // directories whose .bad and .tmp files expire
	CheckInterval time.Duration
	Retention     time.Duration
	OnReachable   func(bool) // called when reachability changes
}

// Service manages background maintenance goroutines.
type Service struct {
	opts      Options
	reachable atomic.Bool
}

// New creates a new maintenance Service.
func New(opts Options) *Service {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	return &Service{opts: opts}
}

// Reachable reports the result of the last control-plane probe.
func (s *Service) Reachable() bool {
	return s.reachable.Load()
}

// Start launches the background goroutines and blocks until ctx is cancelled
// and they have returned.
func (s *Service) Start(ctx context.Context) {
	var wg sync.WaitGroup
	if s.opts.ProbeAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runCheckReachable(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runPrune(ctx)
	}()

	wg.Wait()
}

func (s *Service) runCheckReachable(ctx context.Context) {
	first := true

	check := func() {
		conn, err := dialFunc("tcp", s.opts.ProbeAddr, dialTimeout)
		up := err == nil
		if conn != nil {
			conn.Close()
		}

		if first || up != s.reachable.Load() {
			first = false
			s.reachable.Store(up)
			if s.opts.OnReachable != nil {
				s.opts.OnReachable(up)
			}
			if up {
				slog.Info("maintenance: control plane reachable", "addr", s.opts.ProbeAddr)
			} else {
				slog.Warn("maintenance: control plane unreachable", "addr", s.opts.ProbeAddr, "err", err)
			}
		}
	}

	check()

	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func (s *Service) runPrune(ctx context.Context) {
	prune := func() {
		for _, dir := range s.opts.PruneDirs {
			pruneStale(dir, s.opts.Retention)
		}
	}

	prune()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// pruneStale deletes quarantined (.bad) and abandoned (.tmp) files older than
// maxAge from dir. It returns the number of files removed.
func pruneStale(dir string, maxAge time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".bad") && !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err != nil {
				slog.Warn("maintenance: failed to prune stale file", "file", path, "err", err)
				continue
			}
			slog.Info("maintenance: pruned stale file", "file", path)
			removed++
		}
	}
	return removed
}

// ProbeAddr derives the host:port to probe from a control-plane base URL.
func ProbeAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port), nil
}
