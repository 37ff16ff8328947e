package oracle

import "errors"

// Sentinel errors for the prediction domain. JobOutcome.Err wraps these, and
// callers classify against them with errors.Is rather than string matching.
var (
	ErrTimeout         = errors.New("agent execution timed out")
	ErrContainerError  = errors.New("sandbox container error")
	ErrInvalidOutput   = errors.New("agent produced invalid output")
	ErrAgentError      = errors.New("agent raised an error")
	ErrBudgetExceeded  = errors.New("run is over budget for this service")
	ErrQueueFull       = errors.New("scheduler queue is full")
	ErrNotFound        = errors.New("not found")
	ErrNoMinersRanked  = errors.New("no miners available in leaderboard")
)
