// Package handoff persists the per-device record that links a session's start
// hook to its later stop hook. The two hooks run as separate processes, so the
// record lives on disk rather than in memory.
package handoff

import (
	"errors"
	"time"
)

// RecordVersion is the schema version written by this build.
const RecordVersion = 1

// ErrNotFound is returned by Load when no record exists for a device.
var ErrNotFound = errors.New("handoff record not found")

// Record is the minimal state needed to clean up a session from a different
// process than the one that started it. Unknown JSON fields are ignored on
// read so newer writers stay readable.
type Record struct {
	Version             int       `json:"version"`
	DeviceID            string    `json:"device_id"`
	SessionID           string    `json:"session_id"`
	PipePath            string    `json:"pipe_path"`
	StreamPort          int       `json:"stream_port"`
	StreamURL           string    `json:"stream_url,omitempty"`
	TranscoderPID       int       `json:"transcoder_pid,omitempty"`
	TranscoderStartedAt int64     `json:"transcoder_started_at,omitempty"` // unix ms, 0 if unknown
	ReceiverPID         int       `json:"receiver_pid,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

// Store is the interface for persisting handoff records keyed by device ID.
type Store interface {
	// Save writes the record for rec.DeviceID, replacing any previous one.
	Save(rec Record) error

	// Load returns the record for deviceID or ErrNotFound.
	Load(deviceID string) (Record, error)

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(deviceID string) error

	// List returns every stored record.
	List() ([]Record, error)
}
