package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/droverhq/drover/internal/loop"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the Prometheus metrics for a controller run. All
// metrics are prefixed with "drover_".
type Metrics struct {
	Iterations      prometheus.Gauge
	EstimateUnits   prometheus.Gauge
	GutterIncidents prometheus.Gauge
	QueueTasks      *prometheus.GaugeVec
	SignalsTotal    *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics. Registration happens
// once per process; repeated calls return the same set.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			Iterations: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "drover_iterations",
				Help: "Current iteration counter",
			}),
			EstimateUnits: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "drover_context_estimate_units",
				Help: "Estimated context consumption of the active worker session",
			}),
			GutterIncidents: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "drover_gutter_incidents",
				Help: "Thrashing incidents observed in the active context",
			}),
			QueueTasks: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "drover_queue_tasks",
				Help: "Task counts by eligibility",
			}, []string{"state"}),
			SignalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "drover_signals_total",
				Help: "Worker sentinel signals observed",
			}, []string{"signal"}),
		}
	})
	return globalMetrics
}

// Record updates the gauges from a controller status.
func (m *Metrics) Record(s loop.Status) {
	m.Iterations.Set(float64(s.Iteration))
	m.EstimateUnits.Set(float64(s.EstimateUnits))
	m.GutterIncidents.Set(float64(s.Incidents))
	for state, n := range s.Queue {
		m.QueueTasks.WithLabelValues(state).Set(float64(n))
	}
}

// RecordSignal counts one observed sentinel signal.
func (m *Metrics) RecordSignal(signal string) {
	m.SignalsTotal.WithLabelValues(signal).Inc()
}
