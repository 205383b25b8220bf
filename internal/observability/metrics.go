package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	WSWriteErrors    *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	RecordedBytes    prometheus.Counter
	DiscardedFrames  *prometheus.CounterVec
	RecordingResults *prometheus.CounterVec

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected audio sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by reason.",
		}, []string{"reason"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "External provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "External provider call latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 15000, 30000, 60000},
		}, []string{"provider"}),
		RecordedBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorded_pcm_bytes_total",
			Help:      "PCM bytes appended to recordings.",
		}),
		DiscardedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_frames_total",
			Help:      "Inbound frames dropped without a reply, by reason.",
		}, []string{"reason"}),
		RecordingResults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_results_total",
			Help:      "Recording outcomes by result.",
		}, []string{"result"}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveWriteError(reason string) {
	if m == nil {
		return
	}
	m.WSWriteErrors.WithLabelValues(reason).Inc()
}

// ObserveProvider records latency for a provider call and, when code is non-empty, an error.
func (m *Metrics) ObserveProvider(provider string, d time.Duration, code string) {
	if m == nil {
		return
	}
	m.ProviderLatency.WithLabelValues(provider).Observe(float64(d.Milliseconds()))
	if code != "" {
		m.ProviderErrors.WithLabelValues(provider, code).Inc()
	}
}

func (m *Metrics) AddRecordedBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordedBytes.Add(float64(n))
}

func (m *Metrics) ObserveDiscarded(reason string) {
	if m == nil {
		return
	}
	m.DiscardedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveRecording(result string) {
	if m == nil {
		return
	}
	m.RecordingResults.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
}

func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return newStageWindow(0).Snapshot()
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
