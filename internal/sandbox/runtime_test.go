package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	oracle "github.com/justapithecus/oracle-gateway/internal"
)

func skipIfNoPython(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available in test environment")
	}
	return path
}

func TestRuntime_Success(t *testing.T) {
	py := skipIfNoPython(t)
	t.Parallel()

	rt := New(Config{PythonPath: py, WorkspaceRoot: t.TempDir(), MemoryLimitMB: 256})
	job := oracle.AgentJob{
		RunID:     "r1",
		AgentCode: "def agent_main(event):\n    return {'event_id': event['event_id'], 'prediction': 0.75, 'reasoning': 'r'}\n",
		Event:     oracle.EventData{EventID: "E"},
		Timeout:   5 * time.Second,
	}

	outcome := rt.Run(context.Background(), job)
	if outcome.Status != oracle.OutcomeSuccess {
		t.Fatalf("status = %v, err = %v, logs = %s", outcome.Status, outcome.Err, outcome.Logs)
	}
	if outcome.Output == nil || outcome.Output.Prediction != 0.75 {
		t.Fatalf("unexpected output: %+v", outcome.Output)
	}
}

func TestRuntime_AgentError(t *testing.T) {
	py := skipIfNoPython(t)
	t.Parallel()

	rt := New(Config{PythonPath: py, WorkspaceRoot: t.TempDir()})
	job := oracle.AgentJob{
		RunID:     "r2",
		AgentCode: "def agent_main(event):\n    raise ValueError('boom')\n",
		Event:     oracle.EventData{EventID: "E"},
		Timeout:   5 * time.Second,
	}

	outcome := rt.Run(context.Background(), job)
	if outcome.Status != oracle.OutcomeAgentError {
		t.Fatalf("status = %v, want AgentError (err=%v)", outcome.Status, outcome.Err)
	}
	if !errors.Is(outcome.Err, oracle.ErrAgentError) {
		t.Fatalf("err = %v, want wrapping ErrAgentError", outcome.Err)
	}
}

func TestRuntime_MissingAgentMain(t *testing.T) {
	py := skipIfNoPython(t)
	t.Parallel()

	rt := New(Config{PythonPath: py, WorkspaceRoot: t.TempDir()})
	job := oracle.AgentJob{
		RunID:     "r3",
		AgentCode: "x = 1\n",
		Event:     oracle.EventData{EventID: "E"},
		Timeout:   5 * time.Second,
	}

	outcome := rt.Run(context.Background(), job)
	if outcome.Status != oracle.OutcomeAgentError {
		t.Fatalf("status = %v, want AgentError (missing agent_main -> runner writes status=error)", outcome.Status)
	}
}

func TestRuntime_Timeout(t *testing.T) {
	py := skipIfNoPython(t)
	t.Parallel()

	rt := New(Config{PythonPath: py, WorkspaceRoot: t.TempDir()})
	job := oracle.AgentJob{
		RunID:     "r4",
		AgentCode: "import time\ndef agent_main(event):\n    time.sleep(5)\n    return {'event_id': 'E', 'prediction': 0.5}\n",
		Event:     oracle.EventData{EventID: "E"},
		Timeout:   200 * time.Millisecond,
	}

	outcome := rt.Run(context.Background(), job)
	if outcome.Status != oracle.OutcomeTimeout {
		t.Fatalf("status = %v, want Timeout", outcome.Status)
	}
	if !errors.Is(outcome.Err, oracle.ErrTimeout) {
		t.Fatalf("err = %v, want wrapping ErrTimeout", outcome.Err)
	}
}

func TestRuntime_EmptyAgentCode(t *testing.T) {
	t.Parallel()
	rt := New(Config{WorkspaceRoot: t.TempDir()})
	outcome := rt.Run(context.Background(), oracle.AgentJob{RunID: "r5"})
	if outcome.Status != oracle.OutcomeInvalidOutput {
		t.Fatalf("status = %v, want InvalidOutput", outcome.Status)
	}
}

func TestRuntime_PredictionOutOfRange(t *testing.T) {
	py := skipIfNoPython(t)
	t.Parallel()

	rt := New(Config{PythonPath: py, WorkspaceRoot: t.TempDir()})
	job := oracle.AgentJob{
		RunID:     "r6",
		AgentCode: "def agent_main(event):\n    return {'event_id': 'E', 'prediction': 1.5}\n",
		Event:     oracle.EventData{EventID: "E"},
		Timeout:   5 * time.Second,
	}

	outcome := rt.Run(context.Background(), job)
	if outcome.Status != oracle.OutcomeInvalidOutput {
		t.Fatalf("status = %v, want InvalidOutput", outcome.Status)
	}
}
