package orchestrator

import (
	"context"
	"strings"
	"testing"

	oracle "github.com/justapithecus/oracle-gateway/internal"
	"github.com/justapithecus/oracle-gateway/internal/ledger"
	"github.com/justapithecus/oracle-gateway/internal/scheduler"
	"github.com/justapithecus/oracle-gateway/internal/testutil"
)

// chargingRuntime is a fake IsolationRuntime that computes each job's
// outcome from a per-miner function and charges the shared ledger the
// returned cost before returning, so the Scheduler's post-run
// ledger.Total/Release reports the cost an Interception Proxy would have
// accumulated during the run.
type chargingRuntime struct {
	led  *ledger.Ledger
	next map[int]func(job oracle.AgentJob) (oracle.JobOutcome, float64)
}

func (r *chargingRuntime) Run(ctx context.Context, job oracle.AgentJob) oracle.JobOutcome {
	fn, ok := r.next[job.MinerUID]
	if !ok {
		return oracle.JobOutcome{RunID: job.RunID, Status: oracle.OutcomeInvalidOutput}
	}
	outcome, cost := fn(job)
	if cost > 0 {
		r.led.Charge(job.RunID, oracle.ServiceChutes, cost)
	}
	outcome.RunID = job.RunID
	outcome.MinerUID = job.MinerUID
	outcome.Rank = job.Rank
	outcome.VersionID = job.VersionID
	return outcome
}

func success(prediction float64, reasoning string) func(oracle.AgentJob) (oracle.JobOutcome, float64) {
	return func(job oracle.AgentJob) (oracle.JobOutcome, float64) {
		return oracle.JobOutcome{Status: oracle.OutcomeSuccess, Output: &oracle.AgentOutput{Prediction: prediction, Reasoning: reasoning}}, 0
	}
}

func successWithCost(prediction, cost float64) func(oracle.AgentJob) (oracle.JobOutcome, float64) {
	return func(job oracle.AgentJob) (oracle.JobOutcome, float64) {
		return oracle.JobOutcome{Status: oracle.OutcomeSuccess, Output: &oracle.AgentOutput{Prediction: prediction}}, cost
	}
}

func timeout() func(oracle.AgentJob) (oracle.JobOutcome, float64) {
	return func(job oracle.AgentJob) (oracle.JobOutcome, float64) {
		return oracle.JobOutcome{Status: oracle.OutcomeTimeout, Err: oracle.ErrTimeout}, 0
	}
}

func newOrchestrator(t *testing.T, reg oracle.Registry, budget oracle.BudgetSpec, next map[int]func(oracle.AgentJob) (oracle.JobOutcome, float64)) *Orchestrator {
	t.Helper()
	led := ledger.New(budget)
	rt := &chargingRuntime{led: led, next: next}
	sched := scheduler.New(scheduler.Config{}, rt, led, nil)
	audit := testutil.NewFakeAuditSink()
	return New(reg, sched, audit, nil, nil)
}

func TestChampion_HappyPath(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(testutil.FakeMiner{UID: 123, Hotkey: "h", Rank: 0, VersionID: "v1", Code: "code"})
	o := newOrchestrator(t, reg, oracle.BudgetSpec{}, map[int]func(oracle.AgentJob) (oracle.JobOutcome, float64){
		123: success(0.75, "r"),
	})

	resp := o.Predict(context.Background(), oracle.PredictionRequest{Question: "q", Mode: oracle.ModeChampion})

	if resp.Status != oracle.PredictionSuccess {
		t.Fatalf("status = %v, want success (error: %s)", resp.Status, resp.Error)
	}
	if resp.Prediction != 0.75 {
		t.Errorf("prediction = %v, want 0.75", resp.Prediction)
	}
	if len(resp.Results) != 1 || resp.Results[0].MinerUID != 123 || resp.Results[0].Reasoning != "r" {
		t.Errorf("results = %+v, want one result for miner 123", resp.Results)
	}
	if resp.TotalCostUSD != 0 {
		t.Errorf("total_cost = %v, want 0", resp.TotalCostUSD)
	}
}

func TestChampion_NoAgentsAvailable(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry()
	o := newOrchestrator(t, reg, oracle.BudgetSpec{}, nil)

	resp := o.Predict(context.Background(), oracle.PredictionRequest{Question: "q", Mode: oracle.ModeChampion})

	if resp.Status != oracle.PredictionError {
		t.Fatalf("status = %v, want error", resp.Status)
	}
	if resp.TotalCostUSD != 0 {
		t.Errorf("total_cost = %v, want 0", resp.TotalCostUSD)
	}
}

func TestCouncil_OneFailure(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(
		testutil.FakeMiner{UID: 1, Hotkey: "h1", Rank: 0, VersionID: "v1", Code: "code"},
		testutil.FakeMiner{UID: 2, Hotkey: "h2", Rank: 1, VersionID: "v1", Code: "code"},
		testutil.FakeMiner{UID: 3, Hotkey: "h3", Rank: 2, VersionID: "v1", Code: "code"},
	)
	o := newOrchestrator(t, reg, oracle.BudgetSpec{}, map[int]func(oracle.AgentJob) (oracle.JobOutcome, float64){
		1: successWithCost(0.60, 0.01),
		2: successWithCost(0.80, 0.02),
		3: timeout(),
	})

	resp := o.Predict(context.Background(), oracle.PredictionRequest{Question: "q", Mode: oracle.ModeCouncil})

	if resp.Status != oracle.PredictionSuccess {
		t.Fatalf("status = %v, want success (error: %s)", resp.Status, resp.Error)
	}
	if diff := resp.Prediction - 0.70; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("prediction = %v, want 0.70", resp.Prediction)
	}
	if len(resp.Results) != 2 {
		t.Errorf("results len = %d, want 2", len(resp.Results))
	}
	if len(resp.Failures) != 1 {
		t.Errorf("failures len = %d, want 1", len(resp.Failures))
	}
	if diff := resp.TotalCostUSD - 0.03; diff < -1e-9 || diff > 1e-9 {
		t.Errorf("total_cost = %v, want 0.03", resp.TotalCostUSD)
	}
}

func TestCouncil_Shortfall(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(
		testutil.FakeMiner{UID: 1, Hotkey: "h1", Rank: 0, VersionID: "v1", Code: "code"},
		testutil.FakeMiner{UID: 2, Hotkey: "h2", Rank: 1, VersionID: "v1", Code: "code"},
		testutil.FakeMiner{UID: 3, Hotkey: "h3", Rank: 2, VersionID: "v1", Code: "code"},
	)
	o := newOrchestrator(t, reg, oracle.BudgetSpec{}, map[int]func(oracle.AgentJob) (oracle.JobOutcome, float64){
		1: timeout(),
		2: timeout(),
		3: success(0.5, ""),
	})

	resp := o.Predict(context.Background(), oracle.PredictionRequest{Question: "q", Mode: oracle.ModeCouncil})

	if resp.Status != oracle.PredictionError {
		t.Fatalf("status = %v, want error", resp.Status)
	}
	if !strings.Contains(resp.Error, "Not enough successful predictions") {
		t.Errorf("error = %q, want substring %q", resp.Error, "Not enough successful predictions")
	}
	if len(resp.Results) != 1 {
		t.Errorf("results len = %d, want 1", len(resp.Results))
	}
	if len(resp.Failures) != 2 {
		t.Errorf("failures len = %d, want 2", len(resp.Failures))
	}
}

func TestCouncil_NotEnoughMiners(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(testutil.FakeMiner{UID: 1, Hotkey: "h1", Rank: 0, VersionID: "v1", Code: "code"})
	o := newOrchestrator(t, reg, oracle.BudgetSpec{}, nil)

	resp := o.Predict(context.Background(), oracle.PredictionRequest{Question: "q", Mode: oracle.ModeCouncil})

	if resp.Status != oracle.PredictionError {
		t.Fatalf("status = %v, want error", resp.Status)
	}
	if resp.Error != "Not enough miners available" {
		t.Errorf("error = %q, want %q", resp.Error, "Not enough miners available")
	}
}

func TestSelected_HappyPath(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(testutil.FakeMiner{UID: 42, Hotkey: "h", Rank: 3, VersionID: "v1", Code: "code"})
	o := newOrchestrator(t, reg, oracle.BudgetSpec{}, map[int]func(oracle.AgentJob) (oracle.JobOutcome, float64){
		42: success(0.9, ""),
	})

	resp := o.Predict(context.Background(), oracle.PredictionRequest{Question: "q", Mode: oracle.ModeSelected, MinerUID: 42})

	if resp.Status != oracle.PredictionSuccess {
		t.Fatalf("status = %v, want success (error: %s)", resp.Status, resp.Error)
	}
	if resp.Prediction != 0.9 {
		t.Errorf("prediction = %v, want 0.9", resp.Prediction)
	}
}

func TestSelected_MinerNotFound(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(testutil.FakeMiner{UID: 1, Hotkey: "h", Rank: 0, VersionID: "v1", Code: "code"})
	o := newOrchestrator(t, reg, oracle.BudgetSpec{}, nil)

	resp := o.Predict(context.Background(), oracle.PredictionRequest{Question: "q", Mode: oracle.ModeSelected, MinerUID: 999})

	if resp.Status != oracle.PredictionError {
		t.Fatalf("status = %v, want error", resp.Status)
	}
	want := "miner with UID 999 not found in leaderboard"
	if resp.Error != want {
		t.Errorf("error = %q, want %q", resp.Error, want)
	}
}

func TestSelected_NoCodeAvailable(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(testutil.FakeMiner{UID: 7, Hotkey: "h", Rank: 0, VersionID: "", Code: ""})
	o := newOrchestrator(t, reg, oracle.BudgetSpec{}, nil)

	resp := o.Predict(context.Background(), oracle.PredictionRequest{Question: "q", Mode: oracle.ModeSelected, MinerUID: 7})

	if resp.Status != oracle.PredictionError {
		t.Fatalf("status = %v, want error", resp.Status)
	}
	if len(resp.Failures) != 1 || resp.Failures[0].ErrType != oracle.OutcomeInvalidOutput {
		t.Errorf("failures = %+v, want one invalid_output failure", resp.Failures)
	}
}

func TestPredict_RecordsAudit(t *testing.T) {
	t.Parallel()
	reg := testutil.NewFakeRegistry(testutil.FakeMiner{UID: 123, Hotkey: "h", Rank: 0, VersionID: "v1", Code: "code"})
	led := ledger.New(oracle.BudgetSpec{})
	rt := &chargingRuntime{led: led, next: map[int]func(oracle.AgentJob) (oracle.JobOutcome, float64){123: success(0.75, "")}}
	sched := scheduler.New(scheduler.Config{}, rt, led, nil)
	audit := testutil.NewFakeAuditSink()
	o := New(reg, sched, audit, nil, nil)

	o.Predict(context.Background(), oracle.PredictionRequest{Question: "q", Mode: oracle.ModeChampion})

	if len(audit.Predictions) != 1 {
		t.Fatalf("recorded predictions = %d, want 1", len(audit.Predictions))
	}
	if len(audit.Outcomes) != 1 {
		t.Fatalf("recorded outcomes = %d, want 1", len(audit.Outcomes))
	}
}
