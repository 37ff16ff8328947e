package testutil

import (
	"context"
	"sync"

	oracle "github.com/justapithecus/oracle-gateway/internal"
)

// FakeIsolationRuntime is a configurable oracle.IsolationRuntime. By default
// it returns OutcomeFn's result if set, else a canned success outcome
// echoing the job's run ID, miner UID, rank and version ID with a fixed
// prediction.
type FakeIsolationRuntime struct {
	mu sync.Mutex

	// OutcomeFn, if set, computes the JobOutcome for each Run call.
	OutcomeFn func(job oracle.AgentJob) oracle.JobOutcome

	// Prediction is used by the default outcome when OutcomeFn is nil.
	Prediction float64
	Reasoning  string

	// Calls records every job this runtime has been asked to run, in order.
	Calls []oracle.AgentJob
}

// NewFakeIsolationRuntime returns a runtime that always succeeds with the
// given prediction.
func NewFakeIsolationRuntime(prediction float64) *FakeIsolationRuntime {
	return &FakeIsolationRuntime{Prediction: prediction}
}

func (f *FakeIsolationRuntime) Run(_ context.Context, job oracle.AgentJob) oracle.JobOutcome {
	f.mu.Lock()
	f.Calls = append(f.Calls, job)
	f.mu.Unlock()

	if f.OutcomeFn != nil {
		return f.OutcomeFn(job)
	}
	return oracle.JobOutcome{
		RunID:     job.RunID,
		MinerUID:  job.MinerUID,
		Rank:      job.Rank,
		VersionID: job.VersionID,
		Status:    oracle.OutcomeSuccess,
		Output: &oracle.AgentOutput{
			Prediction: f.Prediction,
			Reasoning:  f.Reasoning,
		},
	}
}

var _ oracle.IsolationRuntime = (*FakeIsolationRuntime)(nil)
