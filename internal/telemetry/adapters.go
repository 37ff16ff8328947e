package telemetry

import (
	"strconv"
	"time"

	oracle "github.com/justapithecus/oracle-gateway/internal"
	"github.com/justapithecus/oracle-gateway/internal/circuitbreaker"
)

// These methods adapt *Metrics to the narrow Metrics interfaces defined
// locally by internal/scheduler, internal/proxyserver, and
// internal/orchestrator, so none of those packages needs to import this one.

// SetRunning implements scheduler.Metrics.
func (m *Metrics) SetRunning(n int) { m.SchedulerRunning.Set(float64(n)) }

// SetQueued implements scheduler.Metrics.
func (m *Metrics) SetQueued(n int) { m.SchedulerQueued.Set(float64(n)) }

// ObserveJob implements scheduler.Metrics.
func (m *Metrics) ObserveJob(status oracle.AgentOutcomeStatus, elapsed time.Duration) {
	m.JobsTotal.WithLabelValues(string(status)).Inc()
	m.JobDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

// ObserveRequest implements proxyserver.Metrics.
func (m *Metrics) ObserveRequest(service oracle.ServiceClass, status int, elapsed time.Duration) {
	m.ProxyRequestsTotal.WithLabelValues(string(service), strconv.Itoa(status)).Inc()
	m.ProxyRequestDuration.WithLabelValues(string(service)).Observe(elapsed.Seconds())
}

// ObserveBudgetReject implements proxyserver.Metrics.
func (m *Metrics) ObserveBudgetReject(service oracle.ServiceClass) {
	m.BudgetRejectsTotal.WithLabelValues(string(service)).Inc()
}

// ObserveBreakerState implements proxyserver.Metrics.
func (m *Metrics) ObserveBreakerState(service oracle.ServiceClass, state circuitbreaker.State) {
	m.CircuitBreakerState.WithLabelValues(string(service)).Set(float64(state))
}

// ObserveBreakerReject implements proxyserver.Metrics.
func (m *Metrics) ObserveBreakerReject(service oracle.ServiceClass) {
	m.CircuitBreakerRejects.WithLabelValues(string(service)).Inc()
}

// ObservePrediction implements orchestrator.Metrics.
func (m *Metrics) ObservePrediction(mode oracle.PredictionMode, status oracle.PredictionStatus) {
	m.PredictionsTotal.WithLabelValues(string(mode), string(status)).Inc()
}
