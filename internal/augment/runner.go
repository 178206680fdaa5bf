package augment

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Arashiailing/CQLLM/internal/logging"
	"github.com/Arashiailing/CQLLM/internal/perception"
	"github.com/Arashiailing/CQLLM/internal/refine"
)

// Result statuses beyond refine.Status.
const (
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Result is the fate of one job.
type Result struct {
	Source     string
	Key        string
	Status     string // published, abandoned, failed, skipped
	Attempts   int
	Diagnostic string
	Err        error
	Duration   time.Duration
}

// Summary aggregates a batch.
type Summary struct {
	Total     int
	Succeeded int
	Abandoned int
	Failed    int
	Skipped   int
	Results   []Result
}

// Add counts r.
func (s *Summary) Add(r Result) {
	s.Total++
	switch r.Status {
	case string(refine.StatusPublished):
		s.Succeeded++
	case string(refine.StatusAbandoned):
		s.Abandoned++
	case StatusSkipped:
		s.Skipped++
	default:
		s.Failed++
	}
	s.Results = append(s.Results, r)
}

// Recorder persists attempts and outcomes. *store.Ledger satisfies it.
type Recorder interface {
	RecordAttempt(ctx context.Context, runID string, a refine.Attempt) error
	RecordOutcome(ctx context.Context, runID string, out refine.Outcome, runErr error) error
}

// Runner refines many jobs concurrently with one shared workflow
// configuration. Label names the batch in logs.
type Runner struct {
	Workflow     refine.Workflow
	Workers      int
	SkipExisting bool
	Label        string

	// Recorder and RunID are optional.
	Recorder Recorder
	RunID    string

	Logger *zap.Logger
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run refines every job with at most Workers in flight. One job's failure
// never stops the others. The error is non-nil only when ctx ends the batch
// early; the summary then covers the jobs that finished.
func (r *Runner) Run(ctx context.Context, jobs []Job) (Summary, error) {
	label := r.Label
	if label == "" {
		label = "augment"
	}
	timer := logging.StartTimer(logging.CategoryRefine, label+" batch")
	defer timer.Stop()

	jobs = Dedupe(append([]Job(nil), jobs...))
	results := make([]Result, len(jobs))
	done := make([]bool, len(jobs))

	workers := r.Workers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = r.RefineOne(ctx, job)
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	var sum Summary
	for i, res := range results {
		if done[i] {
			sum.Add(res)
		}
	}
	logging.Refine("%s batch: %d total, %d published, %d abandoned, %d failed, %d skipped",
		label, sum.Total, sum.Succeeded, sum.Abandoned, sum.Failed, sum.Skipped)
	return sum, ctx.Err()
}

// RefineOne runs the workflow for a single job.
func (r *Runner) RefineOne(ctx context.Context, job Job) Result {
	start := time.Now()
	res := Result{Source: job.Source, Key: job.Key}
	log := r.logger().With(zap.String("source", job.Source), zap.String("key", job.Key))

	if r.SkipExisting {
		if _, err := os.Stat(job.Key); err == nil {
			res.Status = StatusSkipped
			log.Debug("Skipping, variant exists")
			return res
		}
	}

	original := job.Original
	if original == "" {
		data, err := os.ReadFile(job.Source)
		if err != nil {
			res.Status = StatusFailed
			res.Err = &refine.ResourceError{Op: "read", Path: job.Source, Err: err}
			log.Error("Cannot read query", zap.Error(err))
			return res
		}
		original = string(data)
	}

	ctx = perception.WithTraceScope(ctx, r.RunID, job.Key)

	wf := r.Workflow
	if job.Transformer != nil {
		wf.Transformer = job.Transformer
	}
	inner := wf.OnAttempt
	wf.OnAttempt = func(a refine.Attempt) {
		log.Debug("Attempt finished",
			zap.Int("attempt", a.Number),
			zap.String("outcome", string(a.Outcome)),
			zap.Duration("duration", a.Duration))
		if r.Recorder != nil {
			if err := r.Recorder.RecordAttempt(context.WithoutCancel(ctx), r.RunID, a); err != nil {
				log.Warn("Failed to record attempt", zap.Error(err))
			}
		}
		if inner != nil {
			inner(a)
		}
	}

	out, err := wf.Refine(ctx, refine.Request{Key: job.Key, Original: original})
	res.Attempts = len(out.Attempts)
	res.Duration = time.Since(start)
	res.Diagnostic = out.Diagnostic

	if r.Recorder != nil {
		if rerr := r.Recorder.RecordOutcome(context.WithoutCancel(ctx), r.RunID, out, err); rerr != nil {
			log.Warn("Failed to record outcome", zap.Error(rerr))
		}
	}

	switch {
	case err != nil:
		res.Status = StatusFailed
		res.Err = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			log.Info("Cancelled", zap.Int("attempts", res.Attempts))
		} else {
			log.Error("Refine failed", zap.Error(err), zap.Int("attempts", res.Attempts))
		}
	case out.Published():
		res.Status = string(refine.StatusPublished)
		log.Info("Published", zap.Int("attempts", res.Attempts), zap.Duration("duration", res.Duration))
	default:
		res.Status = string(refine.StatusAbandoned)
		log.Warn("Abandoned", zap.Int("attempts", res.Attempts), zap.String("diagnostic", firstLine(out.Diagnostic)))
	}
	return res
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
