package engine

import (
	"time"

	"github.com/dshills/routeforge/engine/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for exchange execution.
//
// All metrics are namespaced with "routeforge":
//   - exchanges_total (counter): exchanges reaching a terminal status.
//     Labels: route_id, status.
//   - active_exchanges (gauge): exchanges currently held by a worker.
//   - checkpoints_total (counter): checkpoint insert outcomes.
//     Labels: route_id, outcome (created, skipped).
//   - approval_decisions_total (counter): operator decisions.
//     Labels: decision (approved, rejected, timed_out).
//   - step_latency_ms (histogram): step execution duration.
//     Labels: route_id, step.
//   - recovered_exchanges_total (counter): recovery re-submissions.
//
// Expose via promhttp against the same registry passed to NewMetrics.
type Metrics struct {
	exchangesTotal    *prometheus.CounterVec
	activeExchanges   prometheus.Gauge
	checkpointsTotal  *prometheus.CounterVec
	approvalDecisions *prometheus.CounterVec
	stepLatency       *prometheus.HistogramVec
	recoveredTotal    prometheus.Counter
}

// NewMetrics creates and registers the engine metrics with the given
// registry. A nil registry uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		exchangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routeforge",
			Name:      "exchanges_total",
			Help:      "Exchanges that reached a terminal status",
		}, []string{"route_id", "status"}),
		activeExchanges: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "routeforge",
			Name:      "active_exchanges",
			Help:      "Exchanges currently being processed by a worker",
		}),
		checkpointsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routeforge",
			Name:      "checkpoints_total",
			Help:      "Checkpoint insert outcomes",
		}, []string{"route_id", "outcome"}), // outcome: created, skipped
		approvalDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routeforge",
			Name:      "approval_decisions_total",
			Help:      "Operator approval decisions",
		}, []string{"decision"}), // decision: approved, rejected, timed_out
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "routeforge",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
		}, []string{"route_id", "step"}),
		recoveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "routeforge",
			Name:      "recovered_exchanges_total",
			Help:      "Exchanges re-submitted through the recovery path",
		}),
	}
}

// RecordTerminal counts an exchange reaching a terminal status.
func (m *Metrics) RecordTerminal(routeID string, status store.Status) {
	if m == nil {
		return
	}
	m.exchangesTotal.WithLabelValues(routeID, string(status)).Inc()
}

// WorkerStarted bumps the active-exchange gauge.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.activeExchanges.Inc()
}

// WorkerFinished decrements the active-exchange gauge.
func (m *Metrics) WorkerFinished() {
	if m == nil {
		return
	}
	m.activeExchanges.Dec()
}

// RecordCheckpoint counts a checkpoint insert outcome.
func (m *Metrics) RecordCheckpoint(routeID string, created bool) {
	if m == nil {
		return
	}
	outcome := "created"
	if !created {
		outcome = "skipped"
	}
	m.checkpointsTotal.WithLabelValues(routeID, outcome).Inc()
}

// RecordApprovalDecision counts an operator decision.
func (m *Metrics) RecordApprovalDecision(decision string) {
	if m == nil {
		return
	}
	m.approvalDecisions.WithLabelValues(decision).Inc()
}

// RecordStepLatency records a step's execution duration.
func (m *Metrics) RecordStepLatency(routeID, step string, latency time.Duration) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(routeID, step).Observe(float64(latency.Milliseconds()))
}

// RecordRecovery counts a recovery re-submission.
func (m *Metrics) RecordRecovery() {
	if m == nil {
		return
	}
	m.recoveredTotal.Inc()
}
