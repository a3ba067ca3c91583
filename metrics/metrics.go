// Package metrics exposes Prometheus instrumentation for the task
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors used across the server and worker.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	TaskLatency    *prometheus.HistogramVec
	QueueDepth     prometheus.Gauge
	DuelsRun       prometheus.Counter
	DuelWins       *prometheus.CounterVec
	OllamaErrors   *prometheus.CounterVec
	SSEClients     prometheus.Gauge
	RewardsLogged  prometheus.Counter
	RateLimited    prometheus.Counter
}

// New builds a Metrics set on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TasksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "macs_tasks_submitted_total",
			Help: "Tasks accepted into the queue, by task type.",
		}, []string{"type"}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "macs_tasks_completed_total",
			Help: "Tasks that reached a terminal status.",
		}, []string{"type", "status"}),
		TaskLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "macs_task_latency_seconds",
			Help:    "End-to-end task latency.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 180, 300, 600},
		}, []string{"type", "mode"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "macs_queue_depth",
			Help: "Tasks waiting in the queue.",
		}),
		DuelsRun: factory.NewCounter(prometheus.CounterOpts{
			Name: "macs_duels_total",
			Help: "Candidate duels executed.",
		}),
		DuelWins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "macs_duel_wins_total",
			Help: "Duel wins by model.",
		}, []string{"model"}),
		OllamaErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "macs_ollama_errors_total",
			Help: "Ollama API failures by phase.",
		}, []string{"phase"}),
		SSEClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "macs_sse_clients",
			Help: "Connected SSE subscribers.",
		}),
		RewardsLogged: factory.NewCounter(prometheus.CounterOpts{
			Name: "macs_rewards_logged_total",
			Help: "Reward observations recorded.",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "macs_rate_limited_total",
			Help: "Requests rejected by the rate limiter.",
		}),
	}
}

// Handler returns the scrape endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
