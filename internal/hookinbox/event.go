// Package hookinbox carries receiver hook events from the short-lived hook
// command to the daemon through a spool directory. The hook drops one JSON
// file per event; the daemon watches the directory and dispatches the events
// in order.
package hookinbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind is the type of a hook event.
type Kind string

// Hook event kinds.
const (
	KindStart Kind = "start"
	KindStop  Kind = "stop"
)

const (
	eventSuffix = ".json"
	badSuffix   = ".bad"
	tmpPrefix   = "."
)

// Event is one receiver hook invocation.
type Event struct {
	ID               string    `json:"id"`
	Kind             Kind      `json:"kind"`
	DeviceID         string    `json:"device_id"`
	PipePath         string    `json:"pipe_path,omitempty"`
	StreamPortOffset int       `json:"stream_port_offset"`
	CreatedAt        time.Time `json:"created_at"`
}

// NewStart builds a start event.
func NewStart(deviceID, pipePath string, streamPortOffset int) Event {
	return Event{
		ID:               uuid.NewString(),
		Kind:             KindStart,
		DeviceID:         deviceID,
		PipePath:         pipePath,
		StreamPortOffset: streamPortOffset,
		CreatedAt:        time.Now().UTC(),
	}
}

// NewStop builds a stop event.
func NewStop(deviceID string) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      KindStop,
		DeviceID:  deviceID,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate checks that the event can be dispatched.
func (e Event) Validate() error {
	if e.DeviceID == "" {
		return errors.New("missing device_id")
	}
	switch e.Kind {
	case KindStart, KindStop:
		return nil
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
}

// fileName orders events by creation time when sorted lexically.
func (e Event) fileName() string {
	return fmt.Sprintf("%020d-%s%s", e.CreatedAt.UnixNano(), e.ID, eventSuffix)
}

// Write stores ev in dir atomically and returns the final path. The file only
// becomes visible under its .json name once it is complete.
func Write(dir string, ev Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("hookinbox: marshal: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("hookinbox: %w", err)
	}

	final := filepath.Join(dir, ev.fileName())
	tmp := filepath.Join(dir, tmpPrefix+ev.fileName()+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("hookinbox: write: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("hookinbox: rename: %w", err)
	}
	return final, nil
}

// Read decodes and validates an event file.
func Read(path string) (Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, fmt.Errorf("invalid %s: %w", filepath.Base(path), err)
	}
	return ev, nil
}

// isEventFile reports whether name is a complete event file.
func isEventFile(name string) bool {
	return strings.HasSuffix(name, eventSuffix) && !strings.HasPrefix(name, tmpPrefix)
}
