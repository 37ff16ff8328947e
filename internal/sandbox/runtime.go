// Package sandbox implements a process-based oracle.IsolationRuntime: it
// materializes a per-job workspace, launches the fixed agent_runner.py
// trampoline under a resource-capped subprocess, and parses the output it
// writes back. It is one valid implementation of the Isolation Runtime
// contract; the contract, not this mechanism, is what the Scheduler
// depends on (a container runtime or VM jail could satisfy it just as
// well).
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	oracle "github.com/justapithecus/oracle-gateway/internal"
)

// Config holds the resource caps and binary paths applied to every job.
type Config struct {
	PythonPath    string
	WorkspaceRoot string
	MemoryLimitMB int64 // applied as a best-effort RLIMIT_AS via `ulimit -v`
	CPUQuota      int64 // informational only in this process-based runtime
	CPUPeriod     int64
	ProxyURL      string // injected as GATEWAY_URL / SANDBOX_PROXY_URL
}

// Runtime is a process-based oracle.IsolationRuntime.
type Runtime struct {
	cfg Config
}

// New returns a Runtime applying cfg to every job it runs.
func New(cfg Config) *Runtime {
	if cfg.PythonPath == "" {
		cfg.PythonPath = "python3"
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}
	return &Runtime{cfg: cfg}
}

// Run executes job.AgentCode against job.Event inside a freshly
// materialized workspace, and returns its terminal JobOutcome. It never
// panics; process, I/O, and parse failures are all folded into a
// JobOutcome with the appropriate status.
func (rt *Runtime) Run(ctx context.Context, job oracle.AgentJob) oracle.JobOutcome {
	base := oracle.JobOutcome{
		RunID:     job.RunID,
		MinerUID:  job.MinerUID,
		Rank:      job.Rank,
		VersionID: job.VersionID,
	}

	if job.AgentCode == "" {
		base.Status = oracle.OutcomeInvalidOutput
		base.Err = fmt.Errorf("%w: empty agent code", oracle.ErrInvalidOutput)
		return base
	}

	ws, err := os.MkdirTemp(rt.cfg.WorkspaceRoot, "oracle-sandbox-"+string(job.RunID)+"-")
	if err != nil {
		base.Status = oracle.OutcomeContainerError
		base.Err = fmt.Errorf("%w: create workspace: %v", oracle.ErrContainerError, err)
		return base
	}
	defer os.RemoveAll(ws)

	if err := rt.materialize(ws, job); err != nil {
		base.Status = oracle.OutcomeContainerError
		base.Err = fmt.Errorf("%w: %v", oracle.ErrContainerError, err)
		return base
	}

	deadline := job.Timeout
	if deadline <= 0 {
		deadline = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	start := time.Now()
	stdout, stderr, runErr := rt.exec(runCtx, ws, job)
	elapsed := time.Since(start)

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		base.Status = oracle.OutcomeTimeout
		base.Logs = string(stdout)
		base.Err = fmt.Errorf("%w: agent exceeded %s (elapsed %s)", oracle.ErrTimeout, deadline, elapsed)
		return base
	}
	if runErr != nil {
		slog.Warn("sandbox process exited non-zero",
			slog.String("run_id", string(job.RunID)),
			slog.String("stderr", string(stderr)),
			slog.String("error", runErr.Error()),
		)
		// A non-zero exit with a parseable output.json still carries a
		// legitimate agent-level error; fall through to read it.
	}

	out, err := readOutput(ws)
	if err != nil {
		base.Status = oracle.OutcomeInvalidOutput
		base.Logs = string(stdout)
		base.Err = fmt.Errorf("%w: %v", oracle.ErrInvalidOutput, err)
		return base
	}
	base.Logs = string(stdout)
	return rt.classify(base, out)
}

func (rt *Runtime) materialize(ws string, job oracle.AgentJob) error {
	if err := os.WriteFile(filepath.Join(ws, "agent.py"), []byte(job.AgentCode), 0o600); err != nil {
		return fmt.Errorf("write agent.py: %w", err)
	}
	eventJSON, err := json.Marshal(job.Event)
	if err != nil {
		return fmt.Errorf("marshal input.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ws, "input.json"), eventJSON, 0o600); err != nil {
		return fmt.Errorf("write input.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(ws, "agent_runner.py"), []byte(runnerStub), 0o600); err != nil {
		return fmt.Errorf("write agent_runner.py: %w", err)
	}
	return nil
}

// exec launches the runner stub under the resource caps and environment
// bindings the contract requires, returning its captured stdout/stderr.
func (rt *Runtime) exec(ctx context.Context, ws string, job oracle.AgentJob) (stdout, stderr []byte, err error) {
	var outBuf, errBuf bytes.Buffer

	runnerPath := filepath.Join(ws, "agent_runner.py")
	memLimitKB := rt.cfg.MemoryLimitMB * 1024
	if memLimitKB <= 0 {
		memLimitKB = 768 * 1024
	}
	script := fmt.Sprintf("ulimit -v %d 2>/dev/null; exec %s %s", memLimitKB, rt.cfg.PythonPath, runnerPath)

	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = ws
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	cmd.Env = append(os.Environ(),
		"GATEWAY_URL="+rt.cfg.ProxyURL,
		"SANDBOX_PROXY_URL="+rt.cfg.ProxyURL,
		"RUN_ID="+string(job.RunID),
		"SANDBOX_DIR="+ws,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	err = cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

func readOutput(ws string) (outputDoc, error) {
	data, err := os.ReadFile(filepath.Join(ws, "output.json"))
	if err != nil {
		return outputDoc{}, fmt.Errorf("read output.json: %w", err)
	}
	var out outputDoc
	if err := json.Unmarshal(data, &out); err != nil {
		return outputDoc{}, fmt.Errorf("parse output.json: %w", err)
	}
	return out, nil
}

// outputDoc mirrors the runner stub's JSON shape: either a success with an
// arbitrary output payload, or an error with optional traceback.
type outputDoc struct {
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output"`
	Error     string          `json:"error"`
	Traceback string          `json:"traceback"`
}

func (rt *Runtime) classify(base oracle.JobOutcome, out outputDoc) oracle.JobOutcome {
	switch out.Status {
	case "success":
		var raw struct {
			EventID    string  `json:"event_id"`
			Prediction float64 `json:"prediction"`
			Reasoning  string  `json:"reasoning"`
		}
		if len(out.Output) == 0 || json.Unmarshal(out.Output, &raw) != nil {
			base.Status = oracle.OutcomeInvalidOutput
			base.Err = fmt.Errorf("%w: unparseable success output", oracle.ErrInvalidOutput)
			return base
		}
		if raw.EventID == "" {
			base.Status = oracle.OutcomeInvalidOutput
			base.Err = fmt.Errorf("%w: success output missing event_id", oracle.ErrInvalidOutput)
			return base
		}
		if raw.Prediction < 0.0 || raw.Prediction > 1.0 {
			base.Status = oracle.OutcomeInvalidOutput
			base.Err = fmt.Errorf("%w: prediction %v out of [0,1]", oracle.ErrInvalidOutput, raw.Prediction)
			return base
		}
		base.Status = oracle.OutcomeSuccess
		base.Output = &oracle.AgentOutput{Prediction: raw.Prediction, Reasoning: raw.Reasoning}
		return base
	case "error":
		base.Status = oracle.OutcomeAgentError
		msg := out.Error
		if msg == "" {
			msg = "agent raised an unspecified error"
		}
		base.Err = fmt.Errorf("%w: %s", oracle.ErrAgentError, msg)
		base.Logs = base.Logs + "\n" + out.Traceback
		return base
	default:
		base.Status = oracle.OutcomeInvalidOutput
		base.Err = fmt.Errorf("%w: unrecognized status %q", oracle.ErrInvalidOutput, out.Status)
		return base
	}
}

var _ oracle.IsolationRuntime = (*Runtime)(nil)
