package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Arashiailing/CQLLM/internal/logging"
	"github.com/Arashiailing/CQLLM/internal/refine"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Run is one batch invocation.
type Run struct {
	ID           string
	Command      string
	Args         string
	Status       string
	Total        int
	Succeeded    int
	Abandoned    int
	Failed       int
	TokensInput  int64
	TokensOutput int64
	StartedAt    time.Time
	FinishedAt   time.Time
}

// RunTotals are the counters written when a run finishes.
type RunTotals struct {
	Total        int
	Succeeded    int
	Abandoned    int
	Failed       int
	TokensInput  int64
	TokensOutput int64
}

// AttemptRecord is a persisted refine attempt.
type AttemptRecord struct {
	RunID          string
	Key            string
	Number         int
	Outcome        string
	Diagnostic     string
	Error          string
	DurationMs     int64
	CandidateBytes int
	CreatedAt      time.Time
}

// OutcomeRecord is the persisted final state of one artifact in a run.
type OutcomeRecord struct {
	RunID      string
	Key        string
	Status     string // published, abandoned, failed
	Attempts   int
	Diagnostic string
	Error      string
	CreatedAt  time.Time
}

// OutcomeFailed marks an artifact whose workflow returned an error.
const OutcomeFailed = "failed"

// StartRun opens a new run and returns its id.
func (l *Ledger) StartRun(ctx context.Context, command, args string) (string, error) {
	id := uuid.NewString()
	err := l.exec(ctx,
		`INSERT INTO runs (id, command, args, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, command, args, RunRunning, formatTime(time.Now()))
	if err != nil {
		logging.StoreError("Failed to start run: %v", err)
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	logging.Store("Run %s started: %s %s", id, command, args)
	return id, nil
}

// FinishRun records the final counters and status of a run.
func (l *Ledger) FinishRun(ctx context.Context, runID, status string, totals RunTotals) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, total = ?, succeeded = ?, abandoned = ?, failed = ?,
			tokens_input = ?, tokens_output = ?, finished_at = ? WHERE id = ?`,
		status, totals.Total, totals.Succeeded, totals.Abandoned, totals.Failed,
		totals.TokensInput, totals.TokensOutput, formatTime(time.Now()), runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	logging.Store("Run %s %s: %d total, %d published, %d abandoned, %d failed",
		runID, status, totals.Total, totals.Succeeded, totals.Abandoned, totals.Failed)
	return nil
}

// RecordAttempt persists one refine attempt.
func (l *Ledger) RecordAttempt(ctx context.Context, runID string, a refine.Attempt) error {
	var errText string
	if a.Err != nil {
		errText = a.Err.Error()
	}
	err := l.exec(ctx,
		`INSERT INTO attempts (run_id, artifact_key, number, outcome, diagnostic, error, duration_ms, candidate_bytes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, a.Key, a.Number, string(a.Outcome), a.Diagnostic, errText,
		a.Duration.Milliseconds(), len(a.Candidate), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// RecordOutcome persists the final state of one artifact. A non-nil
// runErr marks it failed regardless of out.Status.
func (l *Ledger) RecordOutcome(ctx context.Context, runID string, out refine.Outcome, runErr error) error {
	status := string(out.Status)
	var errText string
	if runErr != nil {
		status = OutcomeFailed
		errText = runErr.Error()
	}
	err := l.exec(ctx,
		`INSERT OR REPLACE INTO outcomes (run_id, artifact_key, status, attempts, diagnostic, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, out.Key, status, len(out.Attempts), out.Diagnostic, errText, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// GetRun loads one run.
func (l *Ledger) GetRun(ctx context.Context, runID string) (*Run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row := l.db.QueryRowContext(ctx, runColumns+` WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// ListRuns returns the most recent runs, newest first.
func (l *Ledger) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx, runColumns+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Attempts returns the attempts of a run, optionally filtered to one key.
func (l *Ledger) Attempts(ctx context.Context, runID, key string) ([]AttemptRecord, error) {
	query := `SELECT run_id, artifact_key, number, outcome, diagnostic, error, duration_ms, candidate_bytes, created_at
		FROM attempts WHERE run_id = ?`
	args := []any{runID}
	if key != "" {
		query += ` AND artifact_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY artifact_key, number`

	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var a AttemptRecord
		var created string
		if err := rows.Scan(&a.RunID, &a.Key, &a.Number, &a.Outcome, &a.Diagnostic, &a.Error,
			&a.DurationMs, &a.CandidateBytes, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Outcomes returns the per-artifact results of a run.
func (l *Ledger) Outcomes(ctx context.Context, runID string) ([]OutcomeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx,
		`SELECT run_id, artifact_key, status, attempts, diagnostic, error, created_at
		 FROM outcomes WHERE run_id = ? ORDER BY artifact_key`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRecord
	for rows.Next() {
		var o OutcomeRecord
		var created string
		if err := rows.Scan(&o.RunID, &o.Key, &o.Status, &o.Attempts, &o.Diagnostic, &o.Error, &created); err != nil {
			return nil, err
		}
		o.CreatedAt = parseTime(created)
		out = append(out, o)
	}
	return out, rows.Err()
}

const runColumns = `SELECT id, command, args, status, total, succeeded, abandoned, failed,
	tokens_input, tokens_output, started_at, COALESCE(finished_at, '') FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var r Run
	var started, finished string
	if err := s.Scan(&r.ID, &r.Command, &r.Args, &r.Status, &r.Total, &r.Succeeded, &r.Abandoned, &r.Failed,
		&r.TokensInput, &r.TokensOutput, &started, &finished); err != nil {
		return nil, err
	}
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	return &r, nil
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	// the driver may already have converted the column to time.Time,
	// which database/sql renders as RFC 3339 when scanning into a string
	for _, layout := range []string{timeLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
