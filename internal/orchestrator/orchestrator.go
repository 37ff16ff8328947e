// Package orchestrator implements the Prediction Orchestrator: given a
// PredictionRequest, it selects one or three agents from the Registry,
// submits each as an AgentJob to the Scheduler, and folds the resulting
// JobOutcomes into a single PredictionResponse.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	oracle "github.com/justapithecus/oracle-gateway/internal"
)

const (
	councilTopK    = 3 // top-K ranks considered for council mode
	councilMinimum = 2 // minimum successful results required to aggregate
)

// Scheduler is the narrow subset of scheduler.Scheduler the Orchestrator
// needs. Defined locally so this package does not import internal/scheduler.
type Scheduler interface {
	Submit(ctx context.Context, job oracle.AgentJob) oracle.JobOutcome
}

// Metrics is the narrow subset of telemetry.Metrics the Orchestrator updates.
type Metrics interface {
	ObservePrediction(mode oracle.PredictionMode, status oracle.PredictionStatus)
}

type noopMetrics struct{}

func (noopMetrics) ObservePrediction(oracle.PredictionMode, oracle.PredictionStatus) {}

// Orchestrator aggregates agent predictions according to a PredictionMode.
type Orchestrator struct {
	registry  oracle.Registry
	scheduler Scheduler
	audit     oracle.AuditSink // nil disables recording
	metrics   Metrics
	tracer    trace.Tracer // nil disables tracing
}

// New returns an Orchestrator wired to the given Registry and Scheduler.
// audit, metrics, and tracer may all be nil.
func New(registry oracle.Registry, scheduler Scheduler, audit oracle.AuditSink, metrics Metrics, tracer trace.Tracer) *Orchestrator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Orchestrator{registry: registry, scheduler: scheduler, audit: audit, metrics: metrics, tracer: tracer}
}

// Predict resolves req according to its Mode and returns the aggregated
// PredictionResponse. It never returns a Go error: every expected failure
// mode (no agents available, miner not found, quorum shortfall) is carried
// in the response's Status/Error fields, per the module's error taxonomy.
func (o *Orchestrator) Predict(ctx context.Context, req oracle.PredictionRequest) oracle.PredictionResponse {
	// requestID identifies this top-level PredictionRequest for the audit
	// trail only. Each agent job submitted below gets its own RunId from
	// the Scheduler -- RunId is the Cost Ledger's unit of accounting, and
	// council mode fans out to multiple agents that must not share a
	// ledger entry or one agent's release would wipe another's charge.
	requestID := oracle.RunID(uuid.NewString())
	event := buildEvent(req)

	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.Predict",
			trace.WithAttributes(
				attribute.String("mode", string(req.Mode)),
				attribute.String("request_id", string(requestID)),
			),
		)
		defer span.End()
	}

	var resp oracle.PredictionResponse
	switch req.Mode {
	case oracle.ModeCouncil:
		resp = o.council(ctx, event)
	case oracle.ModeSelected:
		resp = o.selected(ctx, req.MinerUID, event)
	default:
		resp = o.champion(ctx, event)
	}

	o.metrics.ObservePrediction(req.Mode, resp.Status)
	o.record(ctx, requestID, req, resp)
	return resp
}

func buildEvent(req oracle.PredictionRequest) oracle.EventData {
	return oracle.EventData{
		EventID:     uuid.NewString(),
		Title:       req.Question,
		Description: req.ResolutionCriteria,
		Cutoff:      req.ResolutionDate,
		Metadata:    oracle.EventMetadata{Topics: req.Categories},
	}
}

// champion runs the single rank-0 agent.
func (o *Orchestrator) champion(ctx context.Context, event oracle.EventData) oracle.PredictionResponse {
	uid, hotkey, err := o.registry.MinerByRank(ctx, 0)
	if err != nil {
		return oracle.PredictionResponse{Status: oracle.PredictionError, Error: "No agents available"}
	}

	result, failure, cost := o.runAgent(ctx, uid, hotkey, 0, event)
	if failure != nil {
		return oracle.PredictionResponse{
			Status:       oracle.PredictionError,
			Failures:     []oracle.AgentFailure{*failure},
			TotalCostUSD: cost,
			Error:        failure.Error,
		}
	}
	return oracle.PredictionResponse{
		Status:       oracle.PredictionSuccess,
		Prediction:   result.Prediction,
		Results:      []oracle.AgentResult{*result},
		TotalCostUSD: cost,
	}
}

// council runs the top-3 ranked agents in parallel and averages the
// successful predictions. It never short-circuits on a per-agent failure:
// every fan-out job runs to completion and contributes to the response.
func (o *Orchestrator) council(ctx context.Context, event oracle.EventData) oracle.PredictionResponse {
	type candidate struct {
		uid, rank int
		hotkey    string
	}
	var candidates []candidate
	for rank := 0; rank < councilTopK; rank++ {
		uid, hotkey, err := o.registry.MinerByRank(ctx, rank)
		if err != nil {
			if errors.Is(err, oracle.ErrNoMinersRanked) {
				break
			}
			continue
		}
		candidates = append(candidates, candidate{uid: uid, rank: rank, hotkey: hotkey})
	}
	if len(candidates) < councilMinimum {
		return oracle.PredictionResponse{Status: oracle.PredictionError, Error: "Not enough miners available"}
	}

	results := make([]*oracle.AgentResult, len(candidates))
	failures := make([]*oracle.AgentFailure, len(candidates))
	costs := make([]float64, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range candidates {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					failures[i] = &oracle.AgentFailure{
						MinerUID: c.uid, Rank: c.rank,
						Error:   fmt.Sprintf("agent run panicked: %v", r),
						ErrType: oracle.OutcomeContainerError,
					}
				}
			}()
			results[i], failures[i], costs[i] = o.runAgent(gctx, c.uid, c.hotkey, c.rank, event)
			return nil
		})
	}
	g.Wait()

	var successes []oracle.AgentResult
	var fails []oracle.AgentFailure
	var total float64
	for i := range candidates {
		total += costs[i]
		switch {
		case failures[i] != nil:
			fails = append(fails, *failures[i])
		case results[i] != nil:
			successes = append(successes, *results[i])
		}
	}

	if len(successes) < councilMinimum {
		return oracle.PredictionResponse{
			Status:       oracle.PredictionError,
			Results:      successes,
			Failures:     fails,
			TotalCostUSD: total,
			Error:        fmt.Sprintf("Not enough successful predictions: %d of %d succeeded", len(successes), len(candidates)),
		}
	}

	var sum float64
	for _, r := range successes {
		sum += r.Prediction
	}

	return oracle.PredictionResponse{
		Status:       oracle.PredictionSuccess,
		Prediction:   sum / float64(len(successes)),
		Results:      successes,
		Failures:     fails,
		TotalCostUSD: total,
	}
}

// selected runs the single agent named by uid.
func (o *Orchestrator) selected(ctx context.Context, uid int, event oracle.EventData) oracle.PredictionResponse {
	hotkey, found, err := o.registry.MinerByUID(ctx, uid)
	if err != nil {
		return oracle.PredictionResponse{Status: oracle.PredictionError, Error: fmt.Sprintf("registry error: %v", err)}
	}
	if !found {
		return oracle.PredictionResponse{
			Status: oracle.PredictionError,
			Error:  fmt.Sprintf("miner with UID %d not found in leaderboard", uid),
		}
	}
	rank, _, err := o.registry.RankByUID(ctx, uid)
	if err != nil {
		return oracle.PredictionResponse{Status: oracle.PredictionError, Error: fmt.Sprintf("registry error: %v", err)}
	}

	result, failure, cost := o.runAgent(ctx, uid, hotkey, rank, event)
	if failure != nil {
		return oracle.PredictionResponse{
			Status:       oracle.PredictionError,
			Failures:     []oracle.AgentFailure{*failure},
			TotalCostUSD: cost,
			Error:        failure.Error,
		}
	}
	return oracle.PredictionResponse{
		Status:       oracle.PredictionSuccess,
		Prediction:   result.Prediction,
		Results:      []oracle.AgentResult{*result},
		TotalCostUSD: cost,
	}
}

// runAgent fetches a miner's current agent code and submits it to the
// Scheduler, translating the result into exactly one of AgentResult or
// AgentFailure. A non-nil failure always comes with the cost incurred
// before or during the attempt, since council's total cost sums every
// attempted agent's cost, successes and failures alike. The job is
// submitted with no pre-assigned RunId: the Scheduler mints one per job,
// so concurrent council agents never share (and prematurely release) the
// same Cost Ledger entry.
func (o *Orchestrator) runAgent(ctx context.Context, uid int, hotkey string, rank int, event oracle.EventData) (*oracle.AgentResult, *oracle.AgentFailure, float64) {
	versionID, code, err := o.registry.AgentCode(ctx, uid, hotkey)
	if err != nil {
		return nil, &oracle.AgentFailure{
			MinerUID: uid, Rank: rank,
			Error:   fmt.Sprintf("fetch agent code: %v", err),
			ErrType: oracle.OutcomeContainerError,
		}, 0
	}
	if code == "" {
		return nil, &oracle.AgentFailure{
			MinerUID: uid, Rank: rank,
			Error:   fmt.Sprintf("no agent code available for miner %d", uid),
			ErrType: oracle.OutcomeInvalidOutput,
		}, 0
	}

	job := oracle.AgentJob{
		MinerUID:    uid,
		MinerHotkey: hotkey,
		Rank:        rank,
		VersionID:   versionID,
		AgentCode:   code,
		Event:       event,
	}
	outcome := o.scheduler.Submit(ctx, job)

	if o.audit != nil {
		if err := o.audit.RecordOutcome(ctx, outcome); err != nil {
			slog.Error("record job outcome", slog.String("run_id", string(outcome.RunID)), slog.String("error", err.Error()))
		}
	}

	if outcome.Status == oracle.OutcomeSuccess && outcome.Output != nil {
		return &oracle.AgentResult{
			MinerUID:   uid,
			Rank:       rank,
			VersionID:  versionID,
			Prediction: outcome.Output.Prediction,
			Reasoning:  outcome.Output.Reasoning,
			CostUSD:    outcome.CostUSD,
		}, nil, outcome.CostUSD
	}

	msg := string(outcome.Status)
	if outcome.Err != nil {
		msg = outcome.Err.Error()
	}
	return nil, &oracle.AgentFailure{
		MinerUID: uid,
		Rank:     rank,
		Error:    msg,
		ErrType:  outcome.Status,
	}, outcome.CostUSD
}

func (o *Orchestrator) record(ctx context.Context, runID oracle.RunID, req oracle.PredictionRequest, resp oracle.PredictionResponse) {
	if o.audit == nil {
		return
	}
	if err := o.audit.RecordPrediction(ctx, runID, req, resp); err != nil {
		slog.Error("record prediction", slog.String("run_id", string(runID)), slog.String("error", err.Error()))
	}
}
