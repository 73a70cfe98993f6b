package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aircast-bridge/aircast/internal/models"
)

func (h *Handlers) getDevices(w http.ResponseWriter, r *http.Request) {
	devices := h.status.Devices()
	sessions := indexSessions(h.status.Sessions())
	receivers := indexReceivers(h.status.Receivers())

	out := make([]DeviceStatus, 0, len(devices))
	for _, d := range devices {
		out = append(out, deviceStatus(d, sessions, receivers))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) getDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, d := range h.status.Devices() {
		if d.ID == id {
			ds := deviceStatus(d, indexSessions(h.status.Sessions()), indexReceivers(h.status.Receivers()))
			writeJSON(w, http.StatusOK, ds)
			return
		}
	}
	writeError(w, models.ErrNotFound("device "+id+" not found"))
}

func (h *Handlers) getSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.status.Sessions()
	if sessions == nil {
		sessions = []models.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (h *Handlers) getReceivers(w http.ResponseWriter, r *http.Request) {
	receivers := h.status.Receivers()
	if receivers == nil {
		receivers = []models.ReceiverInfo{}
	}
	writeJSON(w, http.StatusOK, receivers)
}

func (h *Handlers) getInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Info())
}

func (h *Handlers) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func deviceStatus(d models.Device, sessions map[string]models.SessionInfo, receivers map[string]models.ReceiverInfo) DeviceStatus {
	ds := DeviceStatus{Device: d, State: models.SessionIdle}
	if s, ok := sessions[d.ID]; ok {
		ds.Session = &s
		ds.State = s.State
	}
	if rc, ok := receivers[d.ID]; ok {
		ds.Receiver = &rc
	}
	return ds
}

func indexSessions(list []models.SessionInfo) map[string]models.SessionInfo {
	m := make(map[string]models.SessionInfo, len(list))
	for _, s := range list {
		m[s.DeviceID] = s
	}
	return m
}

func indexReceivers(list []models.ReceiverInfo) map[string]models.ReceiverInfo {
	m := make(map[string]models.ReceiverInfo, len(list))
	for _, rc := range list {
		m[rc.DeviceID] = rc
	}
	return m
}
