package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions prometheus.Gauge
	SessionEvents  *prometheus.CounterVec
	AgentConnects  *prometheus.CounterVec
	TokensIssued   *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	TasksInFlight  prometheus.Gauge
	TaskOutcomes   *prometheus.CounterVec
	StageLatency   *prometheus.HistogramVec
	TurnErrors     *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active coaching sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		AgentConnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_connects_total",
			Help:      "Agent room connection outcomes.",
		}, []string{"result"}),
		TokensIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Capability tokens issued by kind.",
		}, []string{"kind"}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speech_queue_depth",
			Help:      "Speech tasks waiting in the queue.",
		}),
		TasksInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "speech_tasks_in_flight",
			Help:      "Speech tasks currently leased by a worker.",
		}),
		TaskOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_task_outcomes_total",
			Help:      "Speech task outcomes by result.",
		}, []string{"result"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_latency_ms",
			Help:      "Per-stage pipeline latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 500, 700, 1000, 1500, 2500, 4000},
		}, []string{"stage"}),
		TurnErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_errors_total",
			Help:      "Conversational turn failures by stage.",
		}, []string{"stage"}),
	}
}

func (m *Metrics) ObserveStageLatency(stage string, d time.Duration) {
	m.StageLatency.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
