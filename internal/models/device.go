// Package models defines the data structures shared across the bridge.
// JSON field names are the ones exposed by the status API.
package models

import (
	"regexp"
	"time"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Slug turns a device ID into a string safe for file names.
// "media_player.kitchen" becomes "media_player_kitchen".
func Slug(deviceID string) string {
	return unsafeChars.ReplaceAllString(deviceID, "_")
}

// Device is a playback target addressed through the control plane.
// Devices are built once from configuration and never change afterwards.
type Device struct {
	ID           string `json:"id"` // control-plane entity id, e.g. "media_player.kitchen"
	Name         string `json:"name"`
	Index        int    `json:"index"` // position in the configured list
	ReceiverPort int    `json:"receiver_port"`
	StreamPort   int    `json:"stream_port"`
	PipePath     string `json:"pipe_path"`
}

// SessionState is a step of a device's session lifecycle.
type SessionState string

// Session lifecycle states.
const (
	SessionIdle     SessionState = "idle"
	SessionStarting SessionState = "starting"
	SessionPlaying  SessionState = "playing"
	SessionStopping SessionState = "stopping"
)

// SessionInfo is a point-in-time view of an active session.
type SessionInfo struct {
	ID            string       `json:"id"`
	DeviceID      string       `json:"device_id"`
	State         SessionState `json:"state"`
	PipePath      string       `json:"pipe_path"`
	StreamURL     string       `json:"stream_url"`
	TranscoderPID int          `json:"transcoder_pid"`
	CreatedAt     time.Time    `json:"created_at"`
	Buffered      int          `json:"buffered_bytes"`
	Dropped       uint64       `json:"dropped_bytes"`
	Written       uint64       `json:"written_bytes"`
}

// SessionEvent is published on every session state transition.
type SessionEvent struct {
	DeviceID  string       `json:"device_id"`
	SessionID string       `json:"session_id,omitempty"`
	State     SessionState `json:"state"`
	Reason    string       `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}

// ReceiverInfo is the status of a supervised receiver-engine process.
type ReceiverInfo struct {
	DeviceID     string    `json:"device_id"`
	PID          int       `json:"pid"`
	Running      bool      `json:"running"`
	RestartCount int       `json:"restart_count"`
	LastStart    time.Time `json:"last_start"`
	LastError    string    `json:"last_error,omitempty"`
}

// Info describes the running bridge.
type Info struct {
	Hostname              string `json:"hostname"`
	Version               string `json:"version"`
	Devices               int    `json:"devices"`
	ControlPlaneReachable bool   `json:"control_plane_reachable"`
}
