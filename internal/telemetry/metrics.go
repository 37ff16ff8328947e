// Package telemetry provides observability primitives for the oracle gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the scheduler, proxy, and
// ledger.
type Metrics struct {
	ProxyRequestsTotal   *prometheus.CounterVec // labels: service, status
	ProxyRequestDuration *prometheus.HistogramVec
	BudgetRejectsTotal   *prometheus.CounterVec // labels: service

	SchedulerRunning prometheus.Gauge
	SchedulerQueued  prometheus.Gauge
	JobsTotal        *prometheus.CounterVec // labels: status
	JobDuration      *prometheus.HistogramVec

	LedgerChargesTotal *prometheus.CounterVec // labels: service
	LedgerCostUSD      *prometheus.CounterVec // labels: service

	CircuitBreakerState   *prometheus.GaugeVec   // labels: service (value encodes the state)
	CircuitBreakerRejects *prometheus.CounterVec // labels: service

	PredictionsTotal *prometheus.CounterVec // labels: mode, status
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oracle_gateway",
			Name:      "proxy_requests_total",
			Help:      "Total number of agent->gateway requests mediated by the interception proxy.",
		}, []string{"service", "status"}),

		ProxyRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "oracle_gateway",
			Name:                            "proxy_request_duration_seconds",
			Help:                            "Proxy request handling duration in seconds, including requests rejected before forwarding.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"service"}),

		BudgetRejectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oracle_gateway",
			Name:      "budget_rejects_total",
			Help:      "Total requests short-circuited with 402 for being over budget.",
		}, []string{"service"}),

		SchedulerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oracle_gateway",
			Name:      "scheduler_running_jobs",
			Help:      "Number of agent jobs currently executing.",
		}),

		SchedulerQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oracle_gateway",
			Name:      "scheduler_queued_jobs",
			Help:      "Number of agent jobs waiting for a free slot.",
		}),

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oracle_gateway",
			Name:      "jobs_total",
			Help:      "Total completed agent jobs by terminal status.",
		}, []string{"status"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oracle_gateway",
			Name:      "job_duration_seconds",
			Help:      "Agent job wall-clock duration in seconds, from acquiring a running slot to release.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"status"}),

		LedgerChargesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oracle_gateway",
			Name:      "ledger_charges_total",
			Help:      "Total number of cost charges applied to the ledger.",
		}, []string{"service"}),

		LedgerCostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oracle_gateway",
			Name:      "ledger_cost_usd_total",
			Help:      "Total USD charged to the ledger.",
		}, []string{"service"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oracle_gateway",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per service class (0=closed, 1=open, 2=half_open).",
		}, []string{"service"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oracle_gateway",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total proxy requests rejected by the circuit breaker before reaching upstream.",
		}, []string{"service"}),

		PredictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oracle_gateway",
			Name:      "predictions_total",
			Help:      "Total prediction requests handled by the orchestrator, by mode and terminal status.",
		}, []string{"mode", "status"}),
	}

	reg.MustRegister(
		m.ProxyRequestsTotal,
		m.ProxyRequestDuration,
		m.BudgetRejectsTotal,
		m.SchedulerRunning,
		m.SchedulerQueued,
		m.JobsTotal,
		m.JobDuration,
		m.LedgerChargesTotal,
		m.LedgerCostUSD,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
		m.PredictionsTotal,
	)

	return m
}
