// Package metrics holds the Prometheus collectors of the orchestrator.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for stage execution and dispatch.
type Metrics struct {
	StageAttemptsTotal *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	DispatchClaims     *prometheus.CounterVec
	RunsFinishedTotal  *prometheus.CounterVec
	ApprovalsTotal     *prometheus.CounterVec
	InFlight           prometheus.Gauge
}

// Default returns the process-wide metrics registered with the default
// registry. Registration happens once.
//
// Metrics:
//   - cineforge_stage_attempts_total{stage,outcome}
//   - cineforge_stage_duration_seconds{stage}
//   - cineforge_dispatch_claims_total{result}
//   - cineforge_runs_finished_total{status}
//   - cineforge_approvals_total{decision}
//   - cineforge_stage_executions_in_flight
func Default() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics(promauto.With(prometheus.DefaultRegisterer))
	})
	return globalMetrics
}

// New registers a fresh set of collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	return newMetrics(promauto.With(reg))
}

func newMetrics(factory promauto.Factory) *Metrics {
	return &Metrics{
		StageAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cineforge_stage_attempts_total",
				Help: "Stage attempts by outcome",
			},
			[]string{"stage", "outcome"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cineforge_stage_duration_seconds",
				Help:    "Duration of stage capability calls in seconds",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"stage"},
		),
		DispatchClaims: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cineforge_dispatch_claims_total",
				Help: "Dispatcher claim attempts by result",
			},
			[]string{"result"}, // "won", "lost", "error"
		),
		RunsFinishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cineforge_runs_finished_total",
				Help: "Runs reaching a terminal status",
			},
			[]string{"status"},
		),
		ApprovalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cineforge_approvals_total",
				Help: "Approval decisions by kind",
			},
			[]string{"decision"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cineforge_stage_executions_in_flight",
				Help: "Stage executions currently running in this process",
			},
		),
	}
}
