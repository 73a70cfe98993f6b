package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// sseEvents streams session events. Clients first receive the last known
// event of every device, then live updates.
func (h *Handlers) sseEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id := uuid.New().String()
	ch := h.events.Subscribe(id)
	defer h.events.Unsubscribe(id)

	w.WriteHeader(http.StatusOK)
	for _, ev := range h.events.Snapshot() {
		sendSSE(w, flusher, ev)
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			sendSSE(w, flusher, ev)
		case <-r.Context().Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
