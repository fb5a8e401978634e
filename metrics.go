package taskwire

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are the Prometheus collectors of one Server. A nil *metrics records nothing.
type metrics struct {
	// tasks counts terminal deliveries by task and state.
	tasks *prometheus.CounterVec
	// duration observes time from receipt to the terminal state.
	duration *prometheus.HistogramVec
	// inflight is the number of dispatched, unfinished deliveries.
	inflight prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &metrics{
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "taskwire_tasks_total",
			Help: "The total number of finished deliveries",
		}, []string{"task", "state"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskwire_task_duration_seconds",
			Help:    "Duration of task processing",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "taskwire_tasks_inflight",
			Help: "Number of tasks currently executing",
		}),
	}
}

func (m *metrics) started(Report) {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *metrics) finished(rep Report) {
	if m == nil {
		return
	}
	if rep.Dispatched {
		m.inflight.Dec()
	}
	m.tasks.WithLabelValues(rep.Task, string(rep.State)).Inc()
	m.duration.WithLabelValues(rep.Task).Observe(rep.Duration.Seconds())
}
