package procedure

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/PipeOpsHQ/procedure-engine/state"
)

// Metrics exposes Prometheus collectors for scheduler activity. A nil
// *Metrics records nothing.
type Metrics struct {
	transitions  *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	terminal     *prometheus.CounterVec
	polls        *prometheus.CounterVec
}

// MustNewMetrics registers the engine collectors on reg. Collectors already
// registered by an earlier call are reused.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Metrics{
		transitions: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "procedure",
				Name:      "node_transitions_total",
				Help:      "Node state transitions, by target state and node kind.",
			},
			[]string{"state", "kind"},
		)),
		passDuration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "procedure",
				Name:      "pass_duration_seconds",
				Help:      "Duration of scheduler passes, by outcome.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		)),
		terminal: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "procedure",
				Name:      "sessions_terminal_total",
				Help:      "Sessions that reached a terminal status.",
			},
			[]string{"status"},
		)),
		polls: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "procedure",
				Name:      "poll_outcomes_total",
				Help:      "Async job poll outcomes.",
			},
			[]string{"outcome"},
		)),
	}
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

func (m *Metrics) transition(to state.NodeState, kind NodeKind) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to), kind.String()).Inc()
}

func (m *Metrics) pass(outcome PassOutcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

func (m *Metrics) sessionTerminal(status state.SessionStatus) {
	if m == nil {
		return
	}
	m.terminal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) poll(outcome PollStatus) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(string(outcome)).Inc()
}
