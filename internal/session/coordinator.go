// Package session owns the lifecycle of playback sessions: one per device,
// started and stopped by the receiver's hooks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aircast-bridge/aircast/internal/controlplane"
	"github.com/aircast-bridge/aircast/internal/handoff"
	"github.com/aircast-bridge/aircast/internal/models"
	"github.com/aircast-bridge/aircast/internal/proc"
	"github.com/aircast-bridge/aircast/internal/stream"
)

// ErrUnknownDevice is returned for a device ID that is not configured.
var ErrUnknownDevice = errors.New("unknown device")

// Reasons attached to session end events.
const (
	ReasonStop           = "stop"
	ReasonSuperseded     = "superseded"
	ReasonReceiverExit   = "receiver_exit"
	ReasonTranscoderExit = "transcoder_exit"
	ReasonShutdown       = "shutdown"
	ReasonRecovered      = "recovered"
)

// cleanupTimeout bounds control-plane calls made outside a caller's context.
const cleanupTimeout = 15 * time.Second

// Listeners binds the per-device stream listener.
type Listeners interface {
	Ensure(dev models.Device) error
}

// Publisher receives session state transitions.
type Publisher interface {
	Publish(ev models.SessionEvent)
}

// Recorder receives session counters.
type Recorder interface {
	IncSessionsStarted()
	IncSessionsEnded(reason string)
}

// Options configures a Coordinator.
type Options struct {
	Transcoder    TranscoderConfig
	BufferBytes   int
	StreamPath    string // e.g. "/stream.wav"
	AdvertiseHost string // overrides local address discovery
}

// Deps are the collaborators of a Coordinator. Bus and Metrics are optional.
type Deps struct {
	Client    controlplane.Client
	Store     handoff.Store
	Listeners Listeners
	Bus       Publisher
	Metrics   Recorder
}

type session struct {
	id        string
	device    models.Device
	pipePath  string
	buf       *stream.Buffer
	tr        *transcoder
	streamURL string
	createdAt time.Time
	state     models.SessionState // guarded by Coordinator.mu
	stopping  atomic.Bool
}

// Coordinator maps receiver hook events onto transcoder processes, stream
// buffers and control-plane commands. Each device is serialized by its own
// lock; different devices never contend.
type Coordinator struct {
	opts    Options
	deps    Deps
	devices map[string]models.Device

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a Coordinator for the given devices.
func New(devices []models.Device, opts Options, deps Deps) *Coordinator {
	if opts.BufferBytes <= 0 {
		opts.BufferBytes = 1 << 20
	}
	if opts.Transcoder.Grace <= 0 {
		opts.Transcoder.Grace = 5 * time.Second
	}
	if opts.StreamPath == "" {
		opts.StreamPath = "/stream.wav"
	}
	c := &Coordinator{
		opts:     opts,
		deps:     deps,
		devices:  make(map[string]models.Device, len(devices)),
		locks:    make(map[string]*sync.Mutex, len(devices)),
		sessions: make(map[string]*session),
	}
	for _, d := range devices {
		c.devices[d.ID] = d
		c.locks[d.ID] = &sync.Mutex{}
	}
	return c
}

// deviceLock returns the lock serializing start/stop for deviceID. Unknown IDs
// get a lock too so stale handoff records can be cleaned up.
func (c *Coordinator) deviceLock(deviceID string) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[deviceID] = l
	}
	return l
}

// Device returns a configured device.
func (c *Coordinator) Device(deviceID string) (models.Device, bool) {
	d, ok := c.devices[deviceID]
	return d, ok
}

// Buffer returns the stream buffer of the device's active session, or nil.
func (c *Coordinator) Buffer(deviceID string) *stream.Buffer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[deviceID]
	if !ok || s.stopping.Load() {
		return nil
	}
	return s.buf
}

// Sessions returns a snapshot of active sessions ordered by device ID.
func (c *Coordinator) Sessions() []models.SessionInfo {
	c.mu.RLock()
	out := make([]models.SessionInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		st := s.buf.Stats()
		out = append(out, models.SessionInfo{
			ID:            s.id,
			DeviceID:      s.device.ID,
			State:         s.state,
			PipePath:      s.pipePath,
			StreamURL:     s.streamURL,
			TranscoderPID: s.tr.pid,
			CreatedAt:     s.createdAt,
			Buffered:      st.Buffered,
			Dropped:       st.Dropped,
			Written:       st.Written,
		})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// OnSessionStart handles a receiver's start hook. An active session for the
// device is torn down first; the newest start always wins. A failed Play is
// logged and the session stays up so the device can still be pointed at it.
func (c *Coordinator) OnSessionStart(ctx context.Context, deviceID, pipePath string, streamPortOffset int) error {
	dev, ok := c.devices[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	lock := c.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	log := slog.With("device", deviceID)
	if streamPortOffset != dev.Index {
		log.Warn("session: stream port offset differs from device index", "offset", streamPortOffset, "index", dev.Index)
	}
	if pipePath == "" {
		pipePath = dev.PipePath
	} else if pipePath != dev.PipePath {
		log.Warn("session: hook pipe differs from configured pipe, using hook pipe", "hook", pipePath, "configured", dev.PipePath)
	}

	if old := c.lookup(deviceID); old != nil {
		log.Info("session: superseding active session", "session", old.id)
		c.teardownLocked(ctx, deviceID, ReasonSuperseded, false)
	}

	s := &session{
		id:        uuid.NewString(),
		device:    dev,
		pipePath:  pipePath,
		createdAt: time.Now().UTC(),
		state:     models.SessionStarting,
	}
	c.publish(s.device.ID, s.id, models.SessionStarting, "")

	if err := c.deps.Listeners.Ensure(dev); err != nil {
		c.publish(deviceID, s.id, models.SessionIdle, "listener_failed")
		return fmt.Errorf("session %s: %w", deviceID, err)
	}

	s.buf = stream.NewBuffer(c.opts.BufferBytes)
	tr, err := startTranscoder(c.opts.Transcoder, deviceID, pipePath, s.buf, func(error) {
		c.onTranscoderExit(deviceID, s.id)
	})
	if err != nil {
		_ = s.buf.Close()
		c.publish(deviceID, s.id, models.SessionIdle, "transcoder_failed")
		return fmt.Errorf("session %s: %w", deviceID, err)
	}
	s.tr = tr
	s.streamURL = c.streamURL(dev)

	c.mu.Lock()
	c.sessions[deviceID] = s
	c.mu.Unlock()

	if err := c.deps.Client.Play(ctx, deviceID, s.streamURL); err != nil {
		log.Error("session: play request failed", "url", s.streamURL, "err", err)
	}

	rec := handoff.Record{
		DeviceID:            deviceID,
		SessionID:           s.id,
		PipePath:            pipePath,
		StreamPort:          dev.StreamPort,
		StreamURL:           s.streamURL,
		TranscoderPID:       tr.pid,
		TranscoderStartedAt: tr.startedAt,
		CreatedAt:           s.createdAt,
	}
	if err := c.deps.Store.Save(rec); err != nil {
		log.Warn("session: could not persist handoff record", "err", err)
	}

	c.mu.Lock()
	s.state = models.SessionPlaying
	c.mu.Unlock()
	c.publish(deviceID, s.id, models.SessionPlaying, "")
	if c.deps.Metrics != nil {
		c.deps.Metrics.IncSessionsStarted()
	}
	log.Info("session: started", "session", s.id, "url", s.streamURL, "transcoder_pid", tr.pid)
	return nil
}

// OnSessionStop handles a receiver's stop hook. It always asks the device to
// stop and never fails on missing state, so repeated stops are harmless.
func (c *Coordinator) OnSessionStop(ctx context.Context, deviceID string) error {
	lock := c.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()
	c.teardownLocked(ctx, deviceID, ReasonStop, true)
	return nil
}

// HandleReceiverExit is the implicit stop for a receiver that died mid
// session. Idle devices are left alone.
func (c *Coordinator) HandleReceiverExit(ctx context.Context, deviceID string) {
	lock := c.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	if c.lookup(deviceID) == nil {
		if _, err := c.deps.Store.Load(deviceID); errors.Is(err, handoff.ErrNotFound) {
			return
		}
	}
	slog.Warn("session: receiver exited during session, stopping", "device", deviceID)
	c.teardownLocked(ctx, deviceID, ReasonReceiverExit, true)
}

func (c *Coordinator) onTranscoderExit(deviceID, sessionID string) {
	lock := c.deviceLock(deviceID)
	lock.Lock()
	defer lock.Unlock()

	s := c.lookup(deviceID)
	if s == nil || s.id != sessionID || s.stopping.Load() {
		return
	}
	slog.Warn("session: transcoder exited while playing, stopping", "device", deviceID, "session", sessionID)
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	c.teardownLocked(ctx, deviceID, ReasonTranscoderExit, true)
}

// Recover cleans up sessions left behind by a previous daemon: orphaned
// transcoders are killed after verifying their identity, devices are told to
// stop and the records are removed.
func (c *Coordinator) Recover(ctx context.Context) error {
	recs, err := c.deps.Store.List()
	if err != nil {
		return fmt.Errorf("session recover: %w", err)
	}
	for _, rec := range recs {
		if c.lookup(rec.DeviceID) != nil {
			continue
		}
		slog.Info("session: recovering stale session", "device", rec.DeviceID, "session", rec.SessionID, "transcoder_pid", rec.TranscoderPID)
		lock := c.deviceLock(rec.DeviceID)
		lock.Lock()
		c.teardownLocked(ctx, rec.DeviceID, ReasonRecovered, true)
		lock.Unlock()
	}
	return nil
}

// Shutdown stops every active session. Devices are stopped concurrently.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			lock := c.deviceLock(id)
			lock.Lock()
			defer lock.Unlock()
			c.teardownLocked(ctx, id, ReasonShutdown, true)
		}(id)
	}
	wg.Wait()
}

// teardownLocked ends the device's session. The caller holds the device lock.
// Order: load record, ask the device to stop, terminate the transcoder, close
// the buffer, delete the record.
func (c *Coordinator) teardownLocked(ctx context.Context, deviceID, reason string, sendStop bool) {
	log := slog.With("device", deviceID, "reason", reason)

	rec, recErr := c.deps.Store.Load(deviceID)
	haveRec := recErr == nil
	if recErr != nil && !errors.Is(recErr, handoff.ErrNotFound) {
		log.Warn("session: ignoring unreadable handoff record", "err", recErr)
	}

	c.mu.Lock()
	s := c.sessions[deviceID]
	if s != nil {
		s.stopping.Store(true)
		s.state = models.SessionStopping
		delete(c.sessions, deviceID)
	}
	c.mu.Unlock()

	if s != nil {
		c.publish(deviceID, s.id, models.SessionStopping, reason)
	}

	if sendStop {
		if err := c.deps.Client.Stop(ctx, deviceID); err != nil {
			log.Error("session: stop request failed", "err", err)
		}
	}

	switch {
	case s != nil:
		s.tr.stop(c.opts.Transcoder.Grace)
		_ = s.buf.Close()
	case haveRec && rec.TranscoderPID > 0:
		if proc.Verify(rec.TranscoderPID, rec.TranscoderStartedAt, c.opts.Transcoder.Binary) {
			log.Info("session: terminating recorded transcoder", "pid", rec.TranscoderPID)
			proc.Terminate(rec.TranscoderPID, c.opts.Transcoder.Grace, nil)
		} else {
			log.Debug("session: recorded transcoder already gone", "pid", rec.TranscoderPID)
		}
	}

	if err := c.deps.Store.Delete(deviceID); err != nil {
		log.Warn("session: could not delete handoff record", "err", err)
	}

	if s != nil || haveRec {
		id := rec.SessionID
		if s != nil {
			id = s.id
		}
		c.publish(deviceID, id, models.SessionIdle, reason)
		if c.deps.Metrics != nil {
			c.deps.Metrics.IncSessionsEnded(reason)
		}
		log.Info("session: stopped", "session", id)
	}
}

func (c *Coordinator) lookup(deviceID string) *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[deviceID]
}

func (c *Coordinator) publish(deviceID, sessionID string, state models.SessionState, reason string) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(models.SessionEvent{
		DeviceID:  deviceID,
		SessionID: sessionID,
		State:     state,
		Reason:    reason,
		At:        time.Now().UTC(),
	})
}

func (c *Coordinator) streamURL(dev models.Device) string {
	host := c.opts.AdvertiseHost
	if host == "" {
		host = LocalIP()
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(dev.StreamPort)) + "/" + strings.TrimLeft(c.opts.StreamPath, "/")
}
