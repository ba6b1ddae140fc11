// Package metrics holds the Prometheus metrics for the bridge.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the voice bridge.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration prometheus.Histogram

	// Audio metrics
	AudioBytesTotal  *prometheus.CounterVec
	PacedFramesTotal prometheus.Counter
	BargeInsTotal    prometheus.Counter

	// Tool metrics
	ToolCallsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicebridge"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live relay sessions",
		},
	)

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total relay sessions by terminal status",
		},
		[]string{"status"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Relay session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes relayed by direction",
		},
		[]string{"direction"},
	)

	pacedFramesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "paced_frames_total",
			Help:      "Audio frames written to the telephony leg by the pacer",
		},
	)

	bargeInsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Barge-in events that discarded buffered agent audio",
		},
	)

	toolCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched by tool name and outcome",
		},
		[]string{"tool", "outcome"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		pacedFramesTotal,
		bargeInsTotal,
		toolCallsTotal,
	)

	return &Metrics{
		registry:         registry,
		SessionsActive:   sessionsActive,
		SessionsTotal:    sessionsTotal,
		SessionDuration:  sessionDuration,
		AudioBytesTotal:  audioBytesTotal,
		PacedFramesTotal: pacedFramesTotal,
		BargeInsTotal:    bargeInsTotal,
		ToolCallsTotal:   toolCallsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a relay session starting.
func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a relay session ending with a terminal status.
func (m *Metrics) RecordSessionEnd(status string, duration time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(status).Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordAudio records relayed audio bytes for one direction, either
// "inbound" (caller to agent) or "outbound" (agent to caller).
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if bytes > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordPacedFrame records one frame written by the pacing loop.
func (m *Metrics) RecordPacedFrame() {
	m.PacedFramesTotal.Inc()
}

// RecordBargeIn records a barge-in that cleared buffered agent audio.
func (m *Metrics) RecordBargeIn() {
	m.BargeInsTotal.Inc()
}

// RecordToolCall records a dispatched tool call and its outcome, either
// "ok" or "error".
func (m *Metrics) RecordToolCall(tool, outcome string) {
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}
