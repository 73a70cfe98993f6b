// Package metrics exposes Prometheus counters and gauges for the bridge.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsEnded    *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	receiverRestarts *prometheus.CounterVec
	receiversRunning prometheus.Gauge
	controlRequests  *prometheus.CounterVec
	hookEvents       *prometheus.CounterVec
	streamBytes      *prometheus.GaugeVec
	droppedBytes     *prometheus.GaugeVec
}

// New creates and registers the bridge metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aircast_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		sessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aircast_sessions_ended_total",
			Help: "Total number of sessions ended, by reason",
		}, []string{"reason"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aircast_active_sessions",
			Help: "Number of sessions currently active",
		}),
		receiverRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aircast_receiver_restarts_total",
			Help: "Total number of receiver process restarts",
		}, []string{"device"}),
		receiversRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aircast_receivers_running",
			Help: "Number of receiver processes currently running",
		}),
		controlRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aircast_control_requests_total",
			Help: "Control-plane requests, by operation and result",
		}, []string{"op", "result"}),
		hookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aircast_hook_events_total",
			Help: "Hook events processed, by kind and result",
		}, []string{"kind", "result"}),
		streamBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aircast_stream_written_bytes",
			Help: "Bytes written into the active session buffer",
		}, []string{"device"}),
		droppedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aircast_stream_dropped_bytes",
			Help: "Bytes dropped from the active session buffer on overflow",
		}, []string{"device"}),
	}

	m.registry.MustRegister(
		m.sessionsStarted,
		m.sessionsEnded,
		m.activeSessions,
		m.receiverRestarts,
		m.receiversRunning,
		m.controlRequests,
		m.hookEvents,
		m.streamBytes,
		m.droppedBytes,
	)
	return m
}

// IncSessionsStarted increments the started sessions counter.
func (m *Metrics) IncSessionsStarted() {
	m.sessionsStarted.Inc()
}

// IncSessionsEnded increments the ended sessions counter for reason.
func (m *Metrics) IncSessionsEnded(reason string) {
	m.sessionsEnded.WithLabelValues(reason).Inc()
}

// IncReceiverRestarts increments the restart counter for a device.
func (m *Metrics) IncReceiverRestarts(deviceID string) {
	m.receiverRestarts.WithLabelValues(deviceID).Inc()
}

// ObserveControlRequest records the result of a control-plane call.
func (m *Metrics) ObserveControlRequest(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.controlRequests.WithLabelValues(op, result).Inc()
}

// ObserveHookEvent records a processed hook event.
func (m *Metrics) ObserveHookEvent(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.hookEvents.WithLabelValues(kind, result).Inc()
}

// SessionGauge is the per-session data refreshed before each scrape.
type SessionGauge struct {
	DeviceID string
	Written  uint64
	Dropped  uint64
}

// SetSessions replaces the session gauges.
func (m *Metrics) SetSessions(sessions []SessionGauge) {
	m.activeSessions.Set(float64(len(sessions)))
	m.streamBytes.Reset()
	m.droppedBytes.Reset()
	for _, s := range sessions {
		m.streamBytes.WithLabelValues(s.DeviceID).Set(float64(s.Written))
		m.droppedBytes.WithLabelValues(s.DeviceID).Set(float64(s.Dropped))
	}
}

// SetReceiversRunning sets the running receivers gauge.
func (m *Metrics) SetReceiversRunning(n int) {
	m.receiversRunning.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
