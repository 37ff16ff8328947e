package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	oracle "github.com/justapithecus/oracle-gateway/internal"
	"github.com/justapithecus/oracle-gateway/internal/circuitbreaker"
)

func TestNewMetrics_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveRequest(oracle.ServiceChutes, 200, 10*time.Millisecond)
	m.ObserveBudgetReject(oracle.ServiceChutes)
	m.SetRunning(3)
	m.SetQueued(1)
	m.ObserveJob(oracle.OutcomeSuccess, 50*time.Millisecond)
	m.ObserveBreakerState(oracle.ServiceDesearch, circuitbreaker.StateOpen)
	m.ObserveBreakerReject(oracle.ServiceDesearch)
	m.ObservePrediction(oracle.ModeCouncil, oracle.PredictionSuccess)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family")
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"oracle_gateway_proxy_requests_total",
		"oracle_gateway_budget_rejects_total",
		"oracle_gateway_scheduler_running_jobs",
		"oracle_gateway_scheduler_queued_jobs",
		"oracle_gateway_jobs_total",
		"oracle_gateway_circuit_breaker_state",
		"oracle_gateway_circuit_breaker_rejects_total",
		"oracle_gateway_predictions_total",
	} {
		if !names[want] {
			t.Errorf("missing registered metric family %q", want)
		}
	}
}

func TestMetrics_SchedulerGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SetRunning(5)
	m.SetQueued(2)

	if got := gaugeValue(t, m.SchedulerRunning); got != 5 {
		t.Errorf("running = %v, want 5", got)
	}
	if got := gaugeValue(t, m.SchedulerQueued); got != 2 {
		t.Errorf("queued = %v, want 2", got)
	}
}

func TestMetrics_CircuitBreakerStateGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveBreakerState(oracle.ServiceChutes, circuitbreaker.StateOpen)

	metric := &dto.Metric{}
	if err := m.CircuitBreakerState.WithLabelValues(string(oracle.ServiceChutes)).Write(metric); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := metric.GetGauge().GetValue(); got != float64(circuitbreaker.StateOpen) {
		t.Errorf("state = %v, want %v", got, circuitbreaker.StateOpen)
	}
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := g.Write(metric); err != nil {
		t.Fatalf("write: %v", err)
	}
	return metric.GetGauge().GetValue()
}
