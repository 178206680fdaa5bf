// Package codeql drives the codeql CLI: compiling and running queries
// against a prepared database, decoding result sets and validating
// candidate queries for the refine workflow.
package codeql

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/Arashiailing/CQLLM/internal/config"
	"github.com/Arashiailing/CQLLM/internal/logging"
	"github.com/Arashiailing/CQLLM/internal/tactile"
)

// ErrNoDatabase is returned when a query is run without a database.
var ErrNoDatabase = errors.New("codeql database not configured")

// Options configures a Runner.
type Options struct {
	Binary          string
	Database        string
	Threads         int
	RAM             int // MB
	AdditionalPacks []string
	Timeout         time.Duration

	// MaxConcurrent bounds concurrent codeql processes. Zero means unbounded.
	MaxConcurrent int

	// MaxDiagnosticBytes trims stderr used as a diagnostic. Zero keeps all.
	MaxDiagnosticBytes int
}

// OptionsFromConfig maps the codeql config section to Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Binary:             cfg.CodeQL.Binary,
		Database:           cfg.CodeQL.Database,
		Threads:            cfg.CodeQL.Threads,
		RAM:                cfg.CodeQL.RAM,
		AdditionalPacks:    cfg.CodeQL.AdditionalPacks,
		Timeout:            cfg.GetCodeQLTimeout(),
		MaxConcurrent:      cfg.CodeQL.MaxConcurrent,
		MaxDiagnosticBytes: cfg.CodeQL.MaxDiagnosticBytes,
	}
}

// QueryResult is the outcome of one `codeql query run`.
type QueryResult struct {
	Path       string
	OK         bool
	ExitCode   int
	Diagnostic string
	Duration   time.Duration
	TimedOut   bool
}

// Runner executes codeql commands through a tactile.Executor.
type Runner struct {
	exec tactile.Executor
	opts Options
	sem  *semaphore.Weighted
}

// NewRunner creates a Runner. A nil executor uses a DirectExecutor.
func NewRunner(exec tactile.Executor, opts Options) *Runner {
	if exec == nil {
		exec = tactile.NewDirectExecutor()
	}
	if opts.Binary == "" {
		opts.Binary = "codeql"
	}
	r := &Runner{exec: exec, opts: opts}
	if opts.MaxConcurrent > 0 {
		r.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	return r
}

// Database returns the configured database path.
func (r *Runner) Database() string { return r.opts.Database }

func (r *Runner) run(ctx context.Context, args []string) (*tactile.ExecutionResult, error) {
	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.sem.Release(1)
	}

	cmd := tactile.Command{Binary: r.opts.Binary, Arguments: args}
	if r.opts.Timeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: r.opts.Timeout.Milliseconds()}
	}
	res, err := r.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("exec %s: %w", r.opts.Binary, err)
	}
	if res.IsError() {
		return res, fmt.Errorf("exec %s: %s", r.opts.Binary, res.Error)
	}
	return res, nil
}

// queryArgs builds `query run` arguments. outputPath may be empty.
func (r *Runner) queryArgs(queryPath, outputPath string) []string {
	args := []string{"query", "run", queryPath, "--database", r.opts.Database}
	if outputPath != "" {
		args = append(args, "--output", outputPath)
	}
	if r.opts.Threads != 0 {
		args = append(args, "--threads", strconv.Itoa(r.opts.Threads))
	}
	if r.opts.RAM > 0 {
		args = append(args, "--ram", strconv.Itoa(r.opts.RAM))
	}
	if len(r.opts.AdditionalPacks) > 0 {
		args = append(args, "--additional-packs", strings.Join(r.opts.AdditionalPacks, string(os.PathListSeparator)))
	}
	return args
}

// RunQuery compiles and runs queryPath against the database. A query that
// fails to compile or run yields OK=false with stderr as the diagnostic; an
// error means codeql itself could not be executed.
func (r *Runner) RunQuery(ctx context.Context, queryPath, outputPath string) (*QueryResult, error) {
	if r.opts.Database == "" {
		return nil, ErrNoDatabase
	}

	logging.CodeQLDebug("query run %s (db=%s)", queryPath, r.opts.Database)
	res, err := r.run(ctx, r.queryArgs(queryPath, outputPath))
	if err != nil {
		return nil, err
	}

	qr := &QueryResult{Path: queryPath, ExitCode: res.ExitCode, Duration: res.Duration}
	switch {
	case res.Killed && ctx.Err() != nil:
		return nil, ctx.Err()
	case res.Killed:
		qr.TimedOut = true
		qr.Diagnostic = fmt.Sprintf("codeql %s", res.KillReason)
	case !res.IsNonZeroExit():
		qr.OK = true
	default:
		diag := strings.TrimSpace(res.Stderr)
		if diag == "" {
			diag = strings.TrimSpace(res.Output())
		}
		if diag == "" {
			diag = fmt.Sprintf("codeql exited with code %d", res.ExitCode)
		}
		qr.Diagnostic = TrimDiagnostic(diag, r.opts.MaxDiagnosticBytes)
	}

	if qr.OK {
		logging.CodeQL("query ok: %s (%s)", queryPath, qr.Duration)
	} else {
		logging.CodeQLWarn("query failed: %s exit=%d", queryPath, qr.ExitCode)
	}
	return qr, nil
}

// DecodeRowCount decodes a BQRS file as CSV and returns the number of result
// rows, excluding the header.
func (r *Runner) DecodeRowCount(ctx context.Context, bqrsPath string) (int, error) {
	res, err := r.run(ctx, []string{"bqrs", "decode", bqrsPath, "--format=csv"})
	if err != nil {
		return 0, err
	}
	if res.Killed {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("bqrs decode %s: %s", bqrsPath, res.KillReason)
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("bqrs decode %s: %s", bqrsPath, TrimDiagnostic(strings.TrimSpace(res.Stderr), r.opts.MaxDiagnosticBytes))
	}
	return CountCSVRows(res.Stdout), nil
}

// Version returns `codeql version --format=terse`.
func (r *Runner) Version(ctx context.Context) (string, error) {
	res, err := r.run(ctx, []string{"version", "--format=terse"})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("codeql version: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CountCSVRows counts data rows in decoded CSV output.
func CountCSVRows(out string) int {
	out = strings.TrimSpace(out)
	if out == "" {
		return 0
	}
	n := strings.Count(out, "\n") // lines - 1
	if n < 0 {
		return 0
	}
	return n
}

// TrimDiagnostic keeps the first max bytes of a diagnostic on a line
// boundary when possible. max <= 0 disables trimming.
func TrimDiagnostic(diag string, max int) string {
	if max <= 0 || len(diag) <= max {
		return diag
	}
	n := max
	for n > 0 && !utf8.RuneStart(diag[n]) {
		n--
	}
	cut := diag[:n]
	if i := strings.LastIndexByte(cut, '\n'); i > max/2 {
		cut = cut[:i]
	}
	return fmt.Sprintf("%s\n... (%d bytes truncated)", cut, len(diag)-len(cut))
}
