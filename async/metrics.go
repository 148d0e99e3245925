package async

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments a pool: gauges for the running and queued task counts
// and a counter of terminal transitions by state. Attach with WithMetrics;
// the zero-instrumentation default costs nothing.
type Metrics struct {
	running prometheus.Gauge
	queued  prometheus.Gauge
	tasks   *prometheus.CounterVec
}

// NewMetrics builds and registers pool metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "polyrun",
			Subsystem: "pool",
			Name:      "tasks_running",
			Help:      "Tasks currently in the Running state.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "polyrun",
			Subsystem: "pool",
			Name:      "tasks_queued",
			Help:      "Tasks waiting for a slot.",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "polyrun",
			Subsystem: "pool",
			Name:      "tasks_total",
			Help:      "Terminal task transitions by state.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.running, m.queued, m.tasks)
	return m
}
