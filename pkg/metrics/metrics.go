// Package metrics exposes the control plane's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns the registry and every instrument the control plane
// updates. One instance is created in main and shared by reference.
type Recorder struct {
	registry *prometheus.Registry

	tasksStarted   *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	appsByStatus   *prometheus.GaugeVec
	wsClients      prometheus.Gauge
	activeStreams  *prometheus.GaugeVec
	opDuration     *prometheus.HistogramVec
	rateLimitDrops *prometheus.CounterVec
}

// NewRecorder builds a recorder with its own registry, including the
// standard Go and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		tasksStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scotty_tasks_started_total",
			Help: "Tasks started, by operation name.",
		}, []string{"operation"}),
		tasksFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scotty_tasks_finished_total",
			Help: "Tasks finished, by terminal state.",
		}, []string{"state"}),
		appsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scotty_apps",
			Help: "Known apps, by derived status.",
		}, []string{"status"}),
		wsClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scotty_websocket_clients",
			Help: "Connected WebSocket clients.",
		}),
		activeStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scotty_active_streams",
			Help: "Active streaming sessions, by kind (logs, shell, task_output).",
		}, []string{"kind"}),
		opDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scotty_operation_duration_seconds",
			Help:    "Wall-clock duration of lifecycle operations.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"operation", "outcome"}),
		rateLimitDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scotty_rate_limited_requests_total",
			Help: "Requests rejected by the rate limiter, by tier.",
		}, []string{"tier"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// TaskStarted counts a new task.
func (r *Recorder) TaskStarted(operation string) {
	r.tasksStarted.WithLabelValues(operation).Inc()
}

// TaskFinished counts a terminal task state ("completed" or "failed").
func (r *Recorder) TaskFinished(state string) {
	r.tasksFinished.WithLabelValues(state).Inc()
}

// SetAppCounts replaces the per-status app gauges with a fresh snapshot.
func (r *Recorder) SetAppCounts(counts map[string]int) {
	r.appsByStatus.Reset()
	for status, n := range counts {
		r.appsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

// SetWSClients records the connected client count.
func (r *Recorder) SetWSClients(n int) {
	r.wsClients.Set(float64(n))
}

// SetActiveStreams records the active session count of one stream kind.
func (r *Recorder) SetActiveStreams(kind string, n int) {
	r.activeStreams.WithLabelValues(kind).Set(float64(n))
}

// ObserveOperation records the duration of a finished lifecycle operation.
func (r *Recorder) ObserveOperation(operation, outcome string, d time.Duration) {
	r.opDuration.WithLabelValues(operation, outcome).Observe(d.Seconds())
}

// RateLimited counts a limiter rejection.
func (r *Recorder) RateLimited(tier string) {
	r.rateLimitDrops.WithLabelValues(tier).Inc()
}
