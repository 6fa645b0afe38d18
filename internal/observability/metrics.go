package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client.
type Metrics struct {
	ConnectionState   prometheus.Gauge
	ConnectionEvents  *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	StateTransitions  *prometheus.CounterVec
	RecoveryEvents    *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	UploadBytes       prometheus.Histogram
	ExerciseDuration  prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectionState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current tutor socket state (0 closed, 1 connecting, 2 open, 3 closing).",
		}),
		ConnectionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_events_total",
			Help:      "Tutor socket lifecycle events by type.",
		}, []string{"event"}),
		ReconnectAttempts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection attempts after abnormal socket drops.",
		}),
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Conversation state transitions by destination state.",
		}, []string{"state"}),
		RecoveryEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_events_total",
			Help:      "Stuck-state recoveries by the state recovered from.",
		}, []string{"state"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		UploadBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_bytes",
			Help:      "Size of uploaded utterances in bytes.",
			Buckets:   []float64{1000, 4000, 16000, 64000, 256000, 1024000},
		}),
		ExerciseDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exercise_duration_ms",
			Help:      "Time from utterance upload to feedback completion in milliseconds.",
			Buckets:   []float64{2000, 5000, 10000, 20000, 40000, 80000},
		}),
	}
}

func (m *Metrics) ObserveExerciseDuration(d time.Duration) {
	m.ExerciseDuration.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
