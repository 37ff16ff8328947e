// Package audit implements the reference oracle.AuditSink: an append-only
// SQLite log of finished JobOutcomes and PredictionResponses. Querying or
// reporting on that history is out of scope; this package exists only to
// give the Scheduler and Orchestrator a real, durable sink to write
// through, grounded on the same write/read pool split the rest of the
// module's storage layer uses.
package audit

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"runtime"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	oracle "github.com/justapithecus/oracle-gateway/internal"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Sink implements oracle.AuditSink using SQLite.
type Sink struct {
	write *sql.DB // single-writer connection
	read  *sql.DB // multi-reader pool, used today only by Ping; the
	// Record* writes all go through the single-writer connection.
}

// New opens a SQLite database at dsn, runs migrations, and returns a Sink.
// dsn may be ":memory:" for tests.
func New(dsn string) (*Sink, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"

	var fullDSN string
	if dsn == ":memory:" {
		fullDSN = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		fullDSN = "file:" + dsn + "?" + pragmas
	}

	write, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", fullDSN)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if err := runMigrations(write); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &Sink{write: write, read: read}, nil
}

func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

// RecordOutcome persists one finished AgentJob's outcome.
func (s *Sink) RecordOutcome(ctx context.Context, o oracle.JobOutcome) error {
	var prediction sql.NullFloat64
	var reasoning sql.NullString
	if o.Output != nil {
		prediction = sql.NullFloat64{Float64: o.Output.Prediction, Valid: true}
		reasoning = sql.NullString{String: o.Output.Reasoning, Valid: true}
	}
	var errMsg sql.NullString
	if o.Err != nil {
		errMsg = sql.NullString{String: o.Err.Error(), Valid: true}
	}

	_, err := s.write.ExecContext(ctx, `
		INSERT INTO job_outcomes (run_id, miner_uid, rank, version_id, status, prediction, reasoning, cost_usd, logs, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(o.RunID), o.MinerUID, o.Rank, o.VersionID, string(o.Status),
		prediction, reasoning, o.CostUSD, o.Logs, errMsg,
	)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// RecordPrediction persists one finished top-level PredictionRequest and
// its aggregated PredictionResponse.
func (s *Sink) RecordPrediction(ctx context.Context, runID oracle.RunID, req oracle.PredictionRequest, resp oracle.PredictionResponse) error {
	results, err := json.Marshal(resp.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	failures, err := json.Marshal(resp.Failures)
	if err != nil {
		return fmt.Errorf("marshal failures: %w", err)
	}
	var prediction sql.NullFloat64
	if resp.Status == oracle.PredictionSuccess {
		prediction = sql.NullFloat64{Float64: resp.Prediction, Valid: true}
	}
	var errMsg sql.NullString
	if resp.Error != "" {
		errMsg = sql.NullString{String: resp.Error, Valid: true}
	}

	_, err = s.write.ExecContext(ctx, `
		INSERT INTO predictions (run_id, question, mode, status, prediction, total_cost_usd, results_json, failures_json, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(runID), req.Question, string(req.Mode), string(resp.Status),
		prediction, resp.TotalCostUSD, string(results), string(failures), errMsg,
	)
	if err != nil {
		return fmt.Errorf("record prediction: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Sink) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *Sink) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}

var _ oracle.AuditSink = (*Sink)(nil)
