package distributed

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for continuation delivery.
type Metrics struct {
	tasks    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// MustNewMetrics registers the worker collectors on reg. Collectors already
// registered by an earlier call are reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	tasks := register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procedure",
			Subsystem: "worker",
			Name:      "tasks_total",
			Help:      "Continuation tasks handled by workers, by function and outcome.",
		},
		[]string{"function", "outcome"},
	))
	duration := register(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "procedure",
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Time spent inside continuation handlers.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"function"},
	))
	return &Metrics{tasks: tasks, duration: duration}
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) T {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

func (m *Metrics) observe(function, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(function, outcome).Inc()
	if elapsed > 0 {
		m.duration.WithLabelValues(function).Observe(elapsed.Seconds())
	}
}
