package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for repair runs.
// A nil *Metrics records nothing.
type Metrics struct {
	attempts     *prometheus.CounterVec
	refineRounds prometheus.Histogram
	runs         *prometheus.CounterVec
	memoryAdded  prometheus.Counter
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "repair_attempts_total",
			Help: "Finished repair attempts by outcome and reason.",
		}, []string{"outcome", "reason"}),
		refineRounds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "repair_refine_rounds",
			Help:    "Refine rounds used per attempt.",
			Buckets: []float64{0, 1, 2, 3, 5, 8},
		}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "repair_runs_total",
			Help: "Finished repair runs by outcome.",
		}, []string{"outcome"}),
		memoryAdded: factory.NewCounter(prometheus.CounterOpts{
			Name: "repair_memory_items_added_total",
			Help: "Memory items appended by repair runs.",
		}),
	}
}

func (m *Metrics) observeAttempt(a AttemptLog) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(string(a.Outcome), string(a.Reason)).Inc()
	m.refineRounds.Observe(float64(a.RefineRounds))
}

func (m *Metrics) observeRun(success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) addMemory(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.memoryAdded.Add(float64(n))
}
