package testutil

import (
	"context"
	"sync"

	oracle "github.com/justapithecus/oracle-gateway/internal"
)

// FakeAuditSink is an in-memory oracle.AuditSink for testing. Every
// recorded outcome and prediction is kept in order for assertion.
type FakeAuditSink struct {
	mu          sync.Mutex
	Outcomes    []oracle.JobOutcome
	Predictions []FakeRecordedPrediction

	// Err, if set, is returned by every method call instead of recording.
	Err error
}

// FakeRecordedPrediction pairs a recorded PredictionResponse with its
// originating request.
type FakeRecordedPrediction struct {
	RunID    oracle.RunID
	Request  oracle.PredictionRequest
	Response oracle.PredictionResponse
}

func NewFakeAuditSink() *FakeAuditSink {
	return &FakeAuditSink{}
}

func (f *FakeAuditSink) RecordOutcome(_ context.Context, o oracle.JobOutcome) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Outcomes = append(f.Outcomes, o)
	return nil
}

func (f *FakeAuditSink) RecordPrediction(_ context.Context, runID oracle.RunID, req oracle.PredictionRequest, resp oracle.PredictionResponse) error {
	if f.Err != nil {
		return f.Err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Predictions = append(f.Predictions, FakeRecordedPrediction{RunID: runID, Request: req, Response: resp})
	return nil
}

var _ oracle.AuditSink = (*FakeAuditSink)(nil)
