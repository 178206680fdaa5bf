package store

import (
	"context"
	"fmt"

	"github.com/Arashiailing/CQLLM/internal/perception"
)

// StoreTrace persists one LLM exchange. It satisfies perception.TraceStore.
func (l *Ledger) StoreTrace(ctx context.Context, t *perception.Trace) error {
	success := 0
	if t.Success {
		success = 1
	}
	err := l.exec(ctx,
		`INSERT INTO llm_traces (id, run_id, artifact_key, provider, system_prompt, user_prompt, response, duration_ms, success, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.RunID, t.Key, t.Provider, t.SystemPrompt, t.UserPrompt, t.Response,
		t.DurationMs, success, t.ErrorMessage, formatTime(t.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to store trace: %w", err)
	}
	return nil
}

// Traces returns the LLM exchanges of a run in call order, optionally
// filtered to one artifact key.
func (l *Ledger) Traces(ctx context.Context, runID, key string) ([]perception.Trace, error) {
	query := `SELECT id, run_id, artifact_key, provider, system_prompt, user_prompt, response, duration_ms, success, error, created_at
		FROM llm_traces WHERE run_id = ?`
	args := []any{runID}
	if key != "" {
		query += ` AND artifact_key = ?`
		args = append(args, key)
	}
	query += ` ORDER BY created_at, rowid`

	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer rows.Close()

	var out []perception.Trace
	for rows.Next() {
		var t perception.Trace
		var success int
		var created string
		if err := rows.Scan(&t.ID, &t.RunID, &t.Key, &t.Provider, &t.SystemPrompt, &t.UserPrompt, &t.Response,
			&t.DurationMs, &success, &t.ErrorMessage, &created); err != nil {
			return nil, err
		}
		t.Success = success == 1
		t.Timestamp = parseTime(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneRuns deletes all but the newest keep runs and their rows.
func (l *Ledger) PruneRuns(ctx context.Context, keep int) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT -1 OFFSET ?`
	for _, table := range []string{"llm_traces", "attempts", "outcomes"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id IN (`+stale+`)`, keep); err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}
