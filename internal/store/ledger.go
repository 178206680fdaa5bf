// Package store is the run ledger: a SQLite record of every batch run, each
// refine attempt, the final outcome per artifact, and the LLM exchanges
// behind them. It is append-mostly and never consulted by the refine loop.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/Arashiailing/CQLLM/internal/logging"
)

// Ledger is the SQLite-backed run history.
type Ledger struct {
	db     *sql.DB
	mu     sync.Mutex
	dbPath string
}

// Open initializes the ledger database at path, creating it if needed.
func Open(path string) (*Ledger, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening run ledger at %s", path)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.StoreError("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("%s failed: %v", pragma, err)
		}
	}

	l := &Ledger{db: db, dbPath: path}
	if err := l.initialize(); err != nil {
		logging.StoreError("Failed to initialize schema: %v", err)
		db.Close()
		return nil, err
	}
	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	logging.StoreDebug("Run ledger ready")
	return l, nil
}

func (l *Ledger) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			command TEXT NOT NULL,
			args TEXT DEFAULT '',
			status TEXT NOT NULL DEFAULT 'running',
			total INTEGER DEFAULT 0,
			succeeded INTEGER DEFAULT 0,
			abandoned INTEGER DEFAULT 0,
			failed INTEGER DEFAULT 0,
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			artifact_key TEXT NOT NULL,
			number INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			diagnostic TEXT DEFAULT '',
			error TEXT DEFAULT '',
			duration_ms INTEGER DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_run_key ON attempts(run_id, artifact_key)`,
		`CREATE TABLE IF NOT EXISTS outcomes (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			artifact_key TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL,
			diagnostic TEXT DEFAULT '',
			error TEXT DEFAULT '',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (run_id, artifact_key)
		)`,
		`CREATE TABLE IF NOT EXISTS llm_traces (
			id TEXT PRIMARY KEY,
			run_id TEXT DEFAULT '',
			artifact_key TEXT DEFAULT '',
			provider TEXT DEFAULT '',
			system_prompt TEXT DEFAULT '',
			user_prompt TEXT NOT NULL,
			response TEXT DEFAULT '',
			duration_ms INTEGER DEFAULT 0,
			success INTEGER NOT NULL,
			error TEXT DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_run ON llm_traces(run_id)`,
	}
	for _, stmt := range schema {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Path returns the database file path.
func (l *Ledger) Path() string { return l.dbPath }

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) exec(ctx context.Context, query string, args ...any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, query, args...)
	return err
}
