// Package scheduler implements the Sandbox Scheduler: admission control,
// a bounded concurrency cap, a bounded wait queue, and parallel fan-out of
// agent jobs onto the Isolation Runtime.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	oracle "github.com/justapithecus/oracle-gateway/internal"
	"github.com/justapithecus/oracle-gateway/internal/ledger"
)

// Config holds the Scheduler's immutable admission-control parameters.
type Config struct {
	MaxConcurrent  int           // hard cap on sandboxes running at once
	MaxQueued      int           // hard cap on jobs waiting for a free slot
	DefaultTimeout time.Duration // applied when AgentJob.Timeout is zero
	DeadlineSlack  time.Duration // added on top of DefaultTimeout as headroom

	// Tracer, if non-nil, starts one span per AgentJob run, parented to
	// whatever span ctx carries into Submit. Nil disables tracing.
	Tracer trace.Tracer
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 6
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = 6
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 120 * time.Second
	}
	return c
}

// Metrics is the narrow subset of telemetry.Metrics the scheduler updates.
// Defined locally so this package does not import internal/telemetry.
type Metrics interface {
	SetRunning(n int)
	SetQueued(n int)
	ObserveJob(status oracle.AgentOutcomeStatus, elapsed time.Duration)
}

// noopMetrics discards every call; used when no Metrics is configured.
type noopMetrics struct{}

func (noopMetrics) SetRunning(int)                                          {}
func (noopMetrics) SetQueued(int)                                            {}
func (noopMetrics) ObserveJob(oracle.AgentOutcomeStatus, time.Duration) {}

// Scheduler admits, serializes, executes, and releases AgentJobs against a
// shared Isolation Runtime and Cost Ledger.
//
// Admission is governed by a pair of coupled counters: `admitted` (queued
// OR running, bounded by MaxConcurrent+MaxQueued) and `running` (running
// only, bounded by MaxConcurrent). Both live under the
// same mutex/condition variable to avoid a TOCTOU window between "am I
// under the cap?" and "acquire a slot" -- the classic bug this shape is
// built to avoid.
type Scheduler struct {
	cfg     Config
	runtime oracle.IsolationRuntime
	ledger  *ledger.Ledger
	metrics Metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	cond     *sync.Cond
	admitted int  // queued + running
	running  int  // running only
	closed   bool
}

// New returns a Scheduler wired to the given Isolation Runtime and Cost
// Ledger. Pass nil for metrics to disable instrumentation.
func New(cfg Config, runtime oracle.IsolationRuntime, led *ledger.Ledger, metrics Metrics) *Scheduler {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	s := &Scheduler{cfg: cfg, runtime: runtime, ledger: led, metrics: metrics, tracer: cfg.Tracer}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Submit admits, runs, and releases one AgentJob, blocking the caller
// until it reaches a terminal outcome (or is rejected for QueueFull).
// Submit never panics: runtime panics are recovered and reported as
// JobOutcome{Status: ContainerError}.
func (s *Scheduler) Submit(ctx context.Context, job oracle.AgentJob) oracle.JobOutcome {
	if job.RunID == "" {
		job.RunID = oracle.RunID(uuid.NewString())
	}
	if job.Timeout <= 0 {
		job.Timeout = s.cfg.DefaultTimeout
	}
	if max := s.cfg.DefaultTimeout + s.cfg.DeadlineSlack; max > 0 && job.Timeout > max {
		job.Timeout = max
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return oracle.JobOutcome{
			RunID:  job.RunID,
			Status: oracle.OutcomeQueueFull,
			Err:    fmt.Errorf("%w: scheduler is shutting down", oracle.ErrQueueFull),
		}
	}
	if s.admitted >= s.cfg.MaxConcurrent+s.cfg.MaxQueued {
		s.mu.Unlock()
		return oracle.JobOutcome{
			RunID:  job.RunID,
			Status: oracle.OutcomeQueueFull,
			Err: fmt.Errorf("%w: server busy. Max %d running, %d queued.",
				oracle.ErrQueueFull, s.cfg.MaxConcurrent, s.cfg.MaxQueued),
		}
	}
	// Admitted as queued. Wait for a running slot under the same lock the
	// admission counter is guarded by, so admission and slot-acquisition
	// never race against a concurrent shutdown or another Submit.
	s.admitted++
	s.metrics.SetQueued(s.admitted - s.running)
	for !s.closed && s.running >= s.cfg.MaxConcurrent {
		s.cond.Wait()
	}
	if s.closed {
		s.admitted--
		s.metrics.SetQueued(s.admitted - s.running)
		s.mu.Unlock()
		return oracle.JobOutcome{
			RunID:  job.RunID,
			Status: oracle.OutcomeQueueFull,
			Err:    fmt.Errorf("%w: scheduler is shutting down", oracle.ErrQueueFull),
		}
	}
	s.running++
	s.metrics.SetQueued(s.admitted - s.running)
	s.metrics.SetRunning(s.running)
	s.mu.Unlock()

	start := time.Now()
	outcome := s.execute(ctx, job)

	s.mu.Lock()
	s.running--
	s.admitted--
	s.metrics.SetRunning(s.running)
	s.metrics.SetQueued(s.admitted - s.running)
	// Broadcast, not Signal: both queued Submits waiting for a free slot
	// and a concurrent Shutdown waiting for drain share this cond variable
	// with distinct predicates, so a single arbitrary wakeup could miss
	// the goroutine whose condition just became true.
	s.cond.Broadcast()
	s.mu.Unlock()

	s.metrics.ObserveJob(outcome.Status, time.Since(start))
	return outcome
}

// execute runs the job to completion and releases its ledger entry. It
// recovers a panicking Isolation Runtime so the slot is always released.
func (s *Scheduler) execute(ctx context.Context, job oracle.AgentJob) (outcome oracle.JobOutcome) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "scheduler.AgentJob",
			trace.WithAttributes(
				attribute.String("run_id", string(job.RunID)),
				attribute.Int64("miner_uid", int64(job.MinerUID)),
			),
		)
		defer span.End()
	}

	defer func() {
		if span != nil {
			span.SetAttributes(attribute.String("outcome.status", string(outcome.Status)))
		}
		if r := recover(); r != nil {
			slog.Error("isolation runtime panicked",
				slog.String("run_id", string(job.RunID)),
				slog.Any("panic", r),
			)
			outcome = oracle.JobOutcome{
				RunID:     job.RunID,
				MinerUID:  job.MinerUID,
				Rank:      job.Rank,
				VersionID: job.VersionID,
				Status:    oracle.OutcomeContainerError,
				Err:       fmt.Errorf("%w: isolation runtime panic: %v", oracle.ErrContainerError, r),
			}
		}
		if s.ledger != nil {
			outcome.CostUSD = s.ledger.Total(job.RunID)
			s.ledger.Release(job.RunID)
		}
	}()

	if job.AgentCode == "" {
		return oracle.JobOutcome{
			RunID:     job.RunID,
			MinerUID:  job.MinerUID,
			Rank:      job.Rank,
			VersionID: job.VersionID,
			Status:    oracle.OutcomeInvalidOutput,
			Err:       fmt.Errorf("%w: empty agent code", oracle.ErrInvalidOutput),
		}
	}

	return s.runtime.Run(ctx, job)
}

// SubmitAll fans job out across up to len(jobs) concurrent Submit calls
// and waits for every one to resolve; one job's admission outcome never
// affects another's.
func (s *Scheduler) SubmitAll(ctx context.Context, jobs []oracle.AgentJob) []oracle.JobOutcome {
	results := make([]oracle.JobOutcome, len(jobs))
	var wg sync.WaitGroup
	wg.Add(len(jobs))
	for i, job := range jobs {
		go func(i int, job oracle.AgentJob) {
			defer wg.Done()
			results[i] = s.Submit(ctx, job)
		}(i, job)
	}
	wg.Wait()
	return results
}

// Shutdown stops accepting new submissions; running jobs continue to
// completion (bounded by their own deadlines), while jobs still waiting
// for a slot are rejected with QueueFull. Shutdown returns once every
// admitted job has drained.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	for s.admitted > 0 {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

// Stats reports a point-in-time view of admission state, for diagnostics.
type Stats struct {
	Running int
	Queued  int
}

// Stats returns the current running/queued counts.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Running: s.running, Queued: s.admitted - s.running}
}
