// Package api implements the bridge's read-only HTTP status API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/aircast-bridge/aircast/internal/models"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	status Status
	events EventBus
}

// Status is the view of the bridge the handlers report on.
type Status interface {
	Devices() []models.Device
	Sessions() []models.SessionInfo
	Receivers() []models.ReceiverInfo
	Info() models.Info
}

// EventBus is the interface for subscribing to session events.
type EventBus interface {
	Subscribe(id string) <-chan models.SessionEvent
	Unsubscribe(id string)
	Snapshot() []models.SessionEvent
}

// DeviceStatus is the detail view of one device.
type DeviceStatus struct {
	Device   models.Device        `json:"device"`
	State    models.SessionState  `json:"state"`
	Session  *models.SessionInfo  `json:"session,omitempty"`
	Receiver *models.ReceiverInfo `json:"receiver,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an AppError as a JSON response.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if appErr, ok := err.(*models.AppError); ok {
		w.WriteHeader(appErr.Status)
		_ = json.NewEncoder(w).Encode(appErr)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(models.ErrInternal(err.Error()))
}
