// Package oracle defines domain types and interfaces for the prediction
// gateway. This package has no project imports -- it is the dependency root.
package oracle

import (
	"context"
	"strings"
	"time"
)

// RunID identifies one AgentJob run (one execution of one agent). The
// Scheduler mints one per job when the job does not carry one.
type RunID string

// ServiceClass identifies the upstream service an agent's outbound call
// targets, used to bucket cost against a per-service budget.
type ServiceClass string

const (
	ServiceChutes   ServiceClass = "chutes"
	ServiceDesearch ServiceClass = "desearch"
	ServiceOther    ServiceClass = "other"
)

// ClassifyService classifies a request path into a ServiceClass by
// substring match, mirroring the upstream gateway's own routing segments.
func ClassifyService(path string) ServiceClass {
	switch {
	case strings.Contains(path, "/chutes/"):
		return ServiceChutes
	case strings.Contains(path, "/desearch/"):
		return ServiceDesearch
	default:
		return ServiceOther
	}
}

// BudgetSpec is the per-service-class spending cap for one run, in USD.
// A zero value for a class means unlimited.
type BudgetSpec struct {
	Chutes   float64
	Desearch float64
	Other    float64
}

// For returns the budget ceiling for the given service class.
func (b BudgetSpec) For(service ServiceClass) float64 {
	switch service {
	case ServiceChutes:
		return b.Chutes
	case ServiceDesearch:
		return b.Desearch
	default:
		return b.Other
	}
}

// CostEntry records a single charge against a run's budget.
type CostEntry struct {
	RunID     RunID
	Service   ServiceClass
	AmountUSD float64
	At        time.Time
}

// BudgetStatus is a point-in-time snapshot of a run's spend, returned to
// callers of the Cost Ledger and embedded in 402 responses from the proxy.
type BudgetStatus struct {
	RunID       RunID
	Service     ServiceClass
	CurrentCost float64
	Budget      float64
	OverBudget  bool
	AllServices map[ServiceClass]float64
}

// AgentOutcomeStatus classifies how an AgentJob ended.
type AgentOutcomeStatus string

const (
	OutcomeSuccess        AgentOutcomeStatus = "success"
	OutcomeTimeout        AgentOutcomeStatus = "timeout"
	OutcomeContainerError AgentOutcomeStatus = "container_error"
	OutcomeInvalidOutput  AgentOutcomeStatus = "invalid_output"
	OutcomeAgentError     AgentOutcomeStatus = "agent_error"
	OutcomeBudgetExceeded AgentOutcomeStatus = "budget_exceeded"
	OutcomeQueueFull      AgentOutcomeStatus = "queue_full"
)

// EventData is the payload handed to an agent, built from a
// PredictionRequest by the Orchestrator.
type EventData struct {
	EventID     string         `json:"event_id"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Cutoff      string         `json:"cutoff"`
	Metadata    EventMetadata  `json:"event_metadata"`
}

// EventMetadata carries auxiliary classification hints for the agent.
type EventMetadata struct {
	Topics []string `json:"topics"`
}

// AgentJob is one unit of sandboxed work submitted to the Scheduler.
type AgentJob struct {
	RunID       RunID
	MinerUID    int
	MinerHotkey string
	Rank        int
	VersionID   string
	AgentCode   string
	Event       EventData
	Timeout     time.Duration
}

// AgentOutput is the parsed, validated payload an agent returns on success.
type AgentOutput struct {
	Prediction float64 `json:"prediction"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// JobOutcome is the terminal state of an AgentJob.
type JobOutcome struct {
	RunID     RunID
	MinerUID  int
	Rank      int
	VersionID string
	Status    AgentOutcomeStatus
	Output    *AgentOutput
	CostUSD   float64
	Logs      string
	Err       error
}

// PredictionMode selects how the Orchestrator combines agent outcomes.
type PredictionMode string

const (
	ModeChampion PredictionMode = "champion"
	ModeCouncil  PredictionMode = "council"
	ModeSelected PredictionMode = "selected"
)

// PredictionRequest describes one question to forecast.
type PredictionRequest struct {
	Question          string
	ResolutionCriteria string
	ResolutionDate    string
	Categories        []string
	Mode              PredictionMode
	MinerUID          int // only meaningful when Mode == ModeSelected
}

// AgentResult is one agent's contribution to a PredictionResponse.
type AgentResult struct {
	MinerUID   int
	Rank       int
	VersionID  string
	Prediction float64
	Reasoning  string
	CostUSD    float64
}

// AgentFailure records why one agent did not contribute a result.
type AgentFailure struct {
	MinerUID int
	Rank     int
	Error    string
	ErrType  AgentOutcomeStatus
}

// PredictionStatus is the overall outcome of a PredictionResponse.
type PredictionStatus string

const (
	PredictionSuccess PredictionStatus = "success"
	PredictionError   PredictionStatus = "error"
)

// PredictionResponse is the Orchestrator's aggregated answer.
type PredictionResponse struct {
	Status      PredictionStatus
	Prediction  float64
	Results     []AgentResult
	Failures    []AgentFailure
	TotalCostUSD float64
	Error       string
}

// --- External collaborator contracts ---

// Registry answers questions about the leaderboard of miners and fetches
// agent code, against the out-of-scope upstream agent registry.
type Registry interface {
	MinerByRank(ctx context.Context, rank int) (uid int, hotkey string, err error)
	MinerByUID(ctx context.Context, uid int) (hotkey string, found bool, err error)
	RankByUID(ctx context.Context, uid int) (rank int, found bool, err error)
	AgentCode(ctx context.Context, uid int, hotkey string) (versionID string, code string, err error)
}

// IsolationRuntime executes one AgentJob in a sandbox and reports its
// JobOutcome. Implementations are responsible for resource limits,
// timeout enforcement, and workspace cleanup.
type IsolationRuntime interface {
	Run(ctx context.Context, job AgentJob) JobOutcome
}

// AuditSink durably records finished work. Out of scope as a queryable
// feature; present only as a narrow write path the in-scope modules can
// exercise.
type AuditSink interface {
	RecordOutcome(ctx context.Context, o JobOutcome) error
	RecordPrediction(ctx context.Context, runID RunID, req PredictionRequest, resp PredictionResponse) error
}

// --- Context helpers ---

type contextKey int

const ctxKeyRunID contextKey = 0

// ContextWithRunID returns a context carrying the given run ID.
func ContextWithRunID(ctx context.Context, id RunID) context.Context {
	return context.WithValue(ctx, ctxKeyRunID, id)
}

// RunIDFromContext extracts the run ID stored in ctx, if any.
func RunIDFromContext(ctx context.Context) (RunID, bool) {
	id, ok := ctx.Value(ctxKeyRunID).(RunID)
	return id, ok
}
