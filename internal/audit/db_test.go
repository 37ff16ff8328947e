package audit

import (
	"context"
	"database/sql"
	"testing"

	oracle "github.com/justapithecus/oracle-gateway/internal"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	path := t.TempDir() + "/audit.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordOutcome(t *testing.T) {
	t.Parallel()
	s := newTestSink(t)
	ctx := context.Background()

	outcome := oracle.JobOutcome{
		RunID:     "run-1",
		MinerUID:  123,
		Rank:      0,
		VersionID: "v1",
		Status:    oracle.OutcomeSuccess,
		Output:    &oracle.AgentOutput{Prediction: 0.75, Reasoning: "because"},
		CostUSD:   0.02,
	}
	if err := s.RecordOutcome(ctx, outcome); err != nil {
		t.Fatal(err)
	}

	var status string
	var prediction sql.NullFloat64
	var cost float64
	row := s.read.QueryRowContext(ctx, `SELECT status, prediction, cost_usd FROM job_outcomes WHERE run_id = ?`, "run-1")
	if err := row.Scan(&status, &prediction, &cost); err != nil {
		t.Fatal(err)
	}
	if status != string(oracle.OutcomeSuccess) {
		t.Errorf("status = %q, want %q", status, oracle.OutcomeSuccess)
	}
	if !prediction.Valid || prediction.Float64 != 0.75 {
		t.Errorf("prediction = %v, want 0.75", prediction)
	}
	if cost != 0.02 {
		t.Errorf("cost_usd = %v, want 0.02", cost)
	}
}

func TestRecordOutcome_Failure(t *testing.T) {
	t.Parallel()
	s := newTestSink(t)
	ctx := context.Background()

	outcome := oracle.JobOutcome{
		RunID:  "run-2",
		Status: oracle.OutcomeTimeout,
		Err:    oracle.ErrTimeout,
	}
	if err := s.RecordOutcome(ctx, outcome); err != nil {
		t.Fatal(err)
	}

	var prediction sql.NullFloat64
	var errMsg sql.NullString
	row := s.read.QueryRowContext(ctx, `SELECT prediction, error FROM job_outcomes WHERE run_id = ?`, "run-2")
	if err := row.Scan(&prediction, &errMsg); err != nil {
		t.Fatal(err)
	}
	if prediction.Valid {
		t.Errorf("prediction should be NULL for a failed job, got %v", prediction.Float64)
	}
	if !errMsg.Valid || errMsg.String == "" {
		t.Error("error message should be recorded for a failed job")
	}
}

func TestRecordPrediction(t *testing.T) {
	t.Parallel()
	s := newTestSink(t)
	ctx := context.Background()

	req := oracle.PredictionRequest{Question: "Will it rain?", Mode: oracle.ModeCouncil}
	resp := oracle.PredictionResponse{
		Status:     oracle.PredictionSuccess,
		Prediction: 0.7,
		Results: []oracle.AgentResult{
			{MinerUID: 1, Rank: 0, Prediction: 0.6, CostUSD: 0.01},
			{MinerUID: 2, Rank: 1, Prediction: 0.8, CostUSD: 0.02},
		},
		Failures:     []oracle.AgentFailure{{MinerUID: 3, Rank: 2, Error: "timeout", ErrType: oracle.OutcomeTimeout}},
		TotalCostUSD: 0.03,
	}

	if err := s.RecordPrediction(ctx, "run-3", req, resp); err != nil {
		t.Fatal(err)
	}

	var status string
	var totalCost float64
	var resultsJSON string
	row := s.read.QueryRowContext(ctx, `SELECT status, total_cost_usd, results_json FROM predictions WHERE run_id = ?`, "run-3")
	if err := row.Scan(&status, &totalCost, &resultsJSON); err != nil {
		t.Fatal(err)
	}
	if status != string(oracle.PredictionSuccess) {
		t.Errorf("status = %q, want success", status)
	}
	if totalCost != 0.03 {
		t.Errorf("total_cost_usd = %v, want 0.03", totalCost)
	}
	if resultsJSON == "" || resultsJSON == "null" {
		t.Error("results_json should contain the marshaled results")
	}
}
