// Package receiver supervises one receiver-engine process per device: it
// prepares each device's pipe and config, restarts processes that die and
// tears everything down on shutdown.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/aircast-bridge/aircast/internal/models"
	"github.com/aircast-bridge/aircast/internal/proc"
)

// Restart policies.
const (
	PolicyBackoff   = "backoff"
	PolicyImmediate = "immediate"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultStopTimeout    = 5 * time.Second
	defaultBackoffInitial = time.Second
	defaultBackoffMax     = time.Minute
	defaultBackoffReset   = 30 * time.Second // reset backoff if process ran this long
	exitHandlerTimeout    = 10 * time.Second
)

// Options configures the Supervisor.
type Options struct {
	Binary         string
	Args           []string // {config} is replaced by the device's config path
	ConfigDir      string
	HookCommand    []string // argv prefix of the hook, e.g. ["/usr/bin/aircast", "hook", "--inbox-dir", "/run/aircast"]
	SessionTimeout int      // seconds
	Interpolation  string
	Metadata       bool

	PollInterval   time.Duration
	StopTimeout    time.Duration
	RestartPolicy  string
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffReset   time.Duration
}

// ExitHandler is told about every receiver exit before the receiver is
// relaunched.
type ExitHandler func(ctx context.Context, deviceID string)

// run is one launch of a receiver process.
type run struct {
	pid       int
	startedAt time.Time
	done      chan struct{}

	// guarded by Supervisor.mu
	exited   bool
	exitedAt time.Time
	exitErr  error
	handled  bool
}

type process struct {
	dev      models.Device
	confPath string
	backoff  backoff.BackOff

	cur       *run
	failCount int // consecutive fast failures
	restarts  int
	lastStart time.Time
	lastErr   string
	nextStart time.Time // zero when no relaunch is pending
}

// Supervisor owns every receiver process. Nothing else starts or signals them.
type Supervisor struct {
	opts   Options
	onExit ExitHandler

	mu      sync.Mutex
	procs   map[string]*process
	order   []string
	stopped bool
}

// New creates a Supervisor. onExit may be nil.
func New(opts Options, onExit ExitHandler) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = defaultBackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.BackoffReset <= 0 {
		opts.BackoffReset = defaultBackoffReset
	}
	if opts.RestartPolicy == "" {
		opts.RestartPolicy = PolicyBackoff
	}
	if len(opts.Args) == 0 {
		opts.Args = DefaultArgs()
	}
	if opts.Interpolation == "" {
		opts.Interpolation = "soxr"
	}
	return &Supervisor{
		opts:   opts,
		onExit: onExit,
		procs:  make(map[string]*process),
	}
}

func (s *Supervisor) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffInitial
	b.MaxInterval = s.opts.BackoffMax
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.Reset()
	return b
}

// StartAll prepares and launches a receiver for every device. A device that
// fails to launch is logged and retried on a later monitor tick; the returned
// error joins those failures.
func (s *Supervisor) StartAll(ctx context.Context, devices []models.Device) error {
	if err := os.MkdirAll(s.opts.ConfigDir, 0755); err != nil {
		return fmt.Errorf("receiver: config dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("receiver: supervisor stopped")
	}

	var errs []error
	for _, dev := range devices {
		if _, dup := s.procs[dev.ID]; dup {
			continue
		}
		p := &process{
			dev:      dev,
			confPath: configPath(s.opts.ConfigDir, dev),
			backoff:  s.newBackoff(),
		}
		s.procs[dev.ID] = p
		s.order = append(s.order, dev.ID)

		if err := s.launchLocked(p); err != nil {
			slog.Error("receiver: launch failed, will retry", "device", dev.ID, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", dev.ID, err))
		}
	}
	return errors.Join(errs...)
}

// launchLocked (re)creates the device's pipe and config and starts the
// process. On failure a retry is scheduled. The caller holds s.mu.
func (s *Supervisor) launchLocked(p *process) error {
	now := time.Now()
	fail := func(err error) error {
		p.cur = nil
		p.lastErr = err.Error()
		p.nextStart = now.Add(s.retryDelay(p, 0))
		return err
	}

	if err := ensureFifo(p.dev.PipePath); err != nil {
		return fail(err)
	}
	if err := writeFileAtomic(p.confPath, []byte(renderConfig(p.dev, s.opts))); err != nil {
		return fail(fmt.Errorf("write config: %w", err))
	}

	cmd := exec.Command(s.opts.Binary, argv(s.opts, p.confPath)...)
	proc.Setpgid(cmd)
	out := proc.NewLogWriter("receiver: output", "device", p.dev.ID)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start %s: %w", s.opts.Binary, err))
	}

	r := &run{pid: cmd.Process.Pid, startedAt: now, done: make(chan struct{})}
	p.cur = r
	p.lastStart = now
	p.nextStart = time.Time{}
	slog.Info("receiver: process running", "device", p.dev.ID, "pid", r.pid, "port", p.dev.ReceiverPort)

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		r.exited = true
		r.exitedAt = time.Now()
		r.exitErr = err
		s.mu.Unlock()
		close(r.done)
	}()
	return nil
}

// retryDelay returns how long to wait before relaunching after a run that
// lasted uptime. The first failure after a healthy run relaunches at once;
// only consecutive fast failures back off.
func (s *Supervisor) retryDelay(p *process, uptime time.Duration) time.Duration {
	if s.opts.RestartPolicy == PolicyImmediate {
		return 0
	}
	if uptime >= s.opts.BackoffReset {
		p.failCount = 0
		p.backoff.Reset()
	}
	p.failCount++
	if p.failCount == 1 {
		return 0
	}
	d := p.backoff.NextBackOff()
	if d == backoff.Stop {
		d = s.opts.BackoffMax
	}
	return d
}

// MonitorLoop checks for exited receivers every poll interval until ctx is
// cancelled.
func (s *Supervisor) MonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick handles exits observed since the last tick and relaunches receivers
// whose restart is due.
func (s *Supervisor) tick(ctx context.Context) {
	var exited []string

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	for _, id := range s.order {
		p := s.procs[id]
		r := p.cur
		if r == nil || !r.exited || r.handled {
			continue
		}
		r.handled = true
		p.restarts++
		uptime := r.exitedAt.Sub(r.startedAt)
		if r.exitErr != nil {
			p.lastErr = r.exitErr.Error()
		} else {
			p.lastErr = "exited"
		}
		delay := s.retryDelay(p, uptime)
		p.nextStart = r.exitedAt.Add(delay)
		slog.Warn("receiver: process exited, restarting",
			"device", id, "pid", r.pid, "uptime", uptime, "restarts", p.restarts, "in", delay, "err", r.exitErr)
		exited = append(exited, id)
	}
	s.mu.Unlock()

	if s.onExit != nil && len(exited) > 0 {
		// Cleanup must finish even when ctx is cancelled by shutdown.
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exitHandlerTimeout)
		defer cancel()
		var wg sync.WaitGroup
		for _, id := range exited {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				s.onExit(hctx, id)
			}(id)
		}
		wg.Wait()
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	for _, id := range s.order {
		p := s.procs[id]
		if p.nextStart.IsZero() || now.Before(p.nextStart) {
			continue
		}
		if p.cur != nil && !p.cur.handled {
			continue
		}
		if err := s.launchLocked(p); err != nil {
			slog.Error("receiver: relaunch failed", "device", id, "err", err)
		}
	}
}

// StopAll terminates every receiver (SIGTERM, then SIGKILL after the stop
// timeout) and removes the named pipes. It is safe to call more than once.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	var runs []*run
	var files []string
	for _, id := range s.order {
		p := s.procs[id]
		if p.cur != nil && !p.cur.exited {
			runs = append(runs, p.cur)
		}
		files = append(files, p.dev.PipePath, p.confPath)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range runs {
		wg.Add(1)
		go func(r *run) {
			defer wg.Done()
			if proc.Terminate(r.pid, s.opts.StopTimeout, r.done) {
				slog.Warn("receiver: process killed after stop timeout", "pid", r.pid)
			}
		}(r)
	}
	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		slog.Warn("receiver: stop interrupted", "err", ctx.Err())
	}

	var errs []error
	for _, f := range files {
		if err := removeFile(f); err != nil {
			errs = append(errs, err)
		}
	}
	if len(runs) > 0 {
		slog.Info("receiver: all processes stopped", "count", len(runs))
	}
	return errors.Join(errs...)
}

// Processes returns the status of every supervised receiver in device order.
func (s *Supervisor) Processes() []models.ReceiverInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ReceiverInfo, 0, len(s.order))
	for _, id := range s.order {
		p := s.procs[id]
		info := models.ReceiverInfo{
			DeviceID:     id,
			RestartCount: p.restarts,
			LastStart:    p.lastStart,
			LastError:    p.lastErr,
		}
		if p.cur != nil && !p.cur.exited {
			info.PID = p.cur.pid
			info.Running = true
		}
		out = append(out, info)
	}
	return out
}

// Running returns how many receivers are currently alive.
func (s *Supervisor) Running() int {
	n := 0
	for _, p := range s.Processes() {
		if p.Running {
			n++
		}
	}
	return n
}
