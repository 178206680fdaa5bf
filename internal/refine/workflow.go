package refine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// CAPABILITIES
// =============================================================================

// Feedback is the diagnostic from the previous attempt. Outcome tells a
// validator rejection apart from a failed transform. Rejection holds the
// diagnostic of the latest validator rejection and survives later failed
// transforms.
type Feedback struct {
	Attempt    int
	Outcome    AttemptOutcome
	Diagnostic string
	Rejection  string
}

// Rejected reports whether the previous candidate reached the validator and
// failed there.
func (f *Feedback) Rejected() bool {
	return f != nil && f.Outcome == AttemptRejected
}

// Repair returns the diagnostic the current input was rejected with, if any.
func (f *Feedback) Repair() (string, bool) {
	if f == nil {
		return "", false
	}
	if f.Rejection != "" {
		return f.Rejection, true
	}
	if f.Rejected() {
		return f.Diagnostic, true
	}
	return "", false
}

// Transformer produces a candidate from the current input. prior is nil on
// the first attempt.
type Transformer interface {
	Transform(ctx context.Context, input string, prior *Feedback) (string, error)
}

// TransformFunc adapts a function to Transformer.
type TransformFunc func(ctx context.Context, input string, prior *Feedback) (string, error)

// Transform calls f.
func (f TransformFunc) Transform(ctx context.Context, input string, prior *Feedback) (string, error) {
	return f(ctx, input, prior)
}

// Candidate is a staged artifact handed to a Validator.
type Candidate struct {
	Key     string // final location
	Path    string // staged location
	Text    string
	Attempt int
}

// Verdict is a validator's answer. Diagnostic is meaningful when OK is false.
type Verdict struct {
	OK         bool
	Diagnostic string
}

// Validator checks a staged candidate. A returned error is treated as a
// rejection with the error text as diagnostic.
type Validator interface {
	Validate(ctx context.Context, c Candidate) (Verdict, error)
}

// ValidateFunc adapts a function to Validator.
type ValidateFunc func(ctx context.Context, c Candidate) (Verdict, error)

// Validate calls f.
func (f ValidateFunc) Validate(ctx context.Context, c Candidate) (Verdict, error) {
	return f(ctx, c)
}

// AcceptAll is a Validator that passes every candidate.
var AcceptAll = ValidateFunc(func(context.Context, Candidate) (Verdict, error) {
	return Verdict{OK: true}, nil
})

// =============================================================================
// RESULTS
// =============================================================================

// AttemptOutcome classifies one attempt.
type AttemptOutcome string

const (
	AttemptAccepted        AttemptOutcome = "accepted"
	AttemptRejected        AttemptOutcome = "rejected"
	AttemptTransformFailed AttemptOutcome = "transform_failed"
	// AttemptAborted means staging infrastructure failed mid-attempt.
	AttemptAborted AttemptOutcome = "aborted"
)

// Attempt records one pass through the loop.
type Attempt struct {
	Key        string
	Number     int
	Outcome    AttemptOutcome
	Candidate  string
	Diagnostic string
	Err        error
	Duration   time.Duration
}

// Status is the terminal state of a workflow.
type Status string

const (
	StatusPublished Status = "published"
	StatusAbandoned Status = "abandoned"
)

// Outcome is what Refine returns.
type Outcome struct {
	Key    string
	Status Status
	// Text is the published candidate when Status is StatusPublished.
	Text string
	// Diagnostic is the last rejection reason when Status is StatusAbandoned.
	Diagnostic string
	Attempts   []Attempt
}

// Published reports whether the key now holds a validated candidate.
func (o Outcome) Published() bool { return o.Status == StatusPublished }

// Request names one artifact to refine.
type Request struct {
	// Key is the final location. It is only ever written by Publish.
	Key string
	// Original seeds the first transform.
	Original string
}

// =============================================================================
// WORKFLOW
// =============================================================================

// Workflow runs the refine loop. A zero Backoff means no waiting. Workflow
// holds no per-run state and is safe for concurrent use on distinct keys.
type Workflow struct {
	Transformer Transformer
	Validator   Validator
	Stager      Stager
	MaxAttempts int
	Backoff     Backoff

	// OnAttempt, if set, observes every attempt after it completes.
	OnAttempt func(Attempt)
}

func (w *Workflow) check(req Request) error {
	switch {
	case w.Transformer == nil:
		return fmt.Errorf("%w: no transformer", ErrInvalidRequest)
	case w.Validator == nil:
		return fmt.Errorf("%w: no validator", ErrInvalidRequest)
	case w.Stager == nil:
		return fmt.Errorf("%w: no stager", ErrInvalidRequest)
	case w.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be >= 1, got %d", ErrInvalidRequest, w.MaxAttempts)
	case strings.TrimSpace(req.Key) == "":
		return fmt.Errorf("%w: empty key", ErrInvalidRequest)
	case req.Original == "":
		return fmt.Errorf("%w: empty original for %s", ErrInvalidRequest, req.Key)
	}
	return nil
}

// Refine runs up to MaxAttempts transform/validate rounds for req.
//
// The returned error is non-nil only for invalid requests, resource
// failures and cancellation. Exhausting attempts is a normal outcome with
// StatusAbandoned. The Outcome carries every attempt made, including on
// error.
func (w *Workflow) Refine(ctx context.Context, req Request) (Outcome, error) {
	out := Outcome{Key: req.Key, Status: StatusAbandoned}
	if err := w.check(req); err != nil {
		return out, err
	}

	input := req.Original
	var prior *Feedback

	for n := 1; n <= w.MaxAttempts; n++ {
		if n > 1 {
			if err := sleepCtx(ctx, w.pause(n)); err != nil {
				return out, fmt.Errorf("refine %s: %w", req.Key, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("refine %s: %w", req.Key, err)
		}

		rec, err := w.attempt(ctx, req.Key, n, input, prior)
		out.Attempts = append(out.Attempts, rec)
		if w.OnAttempt != nil {
			w.OnAttempt(rec)
		}
		if err != nil {
			return out, err
		}

		if rec.Outcome == AttemptAccepted {
			out.Status = StatusPublished
			out.Text = rec.Candidate
			out.Diagnostic = ""
			return out, nil
		}

		// A cancelled transform or validator looks like a rejection; do not
		// report it as an ordinary abandon.
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("refine %s: %w", req.Key, err)
		}

		out.Diagnostic = rec.Diagnostic
		next := &Feedback{Attempt: n, Outcome: rec.Outcome, Diagnostic: rec.Diagnostic}
		if rec.Outcome == AttemptRejected {
			next.Rejection = rec.Diagnostic
			input = rec.Candidate
		} else if prior != nil {
			next.Rejection = prior.Rejection
		}
		prior = next
	}
	return out, nil
}

func (w *Workflow) pause(n int) time.Duration {
	if w.Backoff == nil {
		return 0
	}
	return w.Backoff(n)
}

// attempt runs one round. A non-nil error is always a *ResourceError.
func (w *Workflow) attempt(ctx context.Context, key string, n int, input string, prior *Feedback) (rec Attempt, err error) {
	start := time.Now()
	rec = Attempt{Key: key, Number: n}
	defer func() { rec.Duration = time.Since(start) }()

	text, terr := w.Transformer.Transform(ctx, input, prior)
	if terr == nil && strings.TrimSpace(text) == "" {
		terr = errEmptyCandidate
	}
	if terr != nil {
		rec.Outcome = AttemptTransformFailed
		rec.Err = fmt.Errorf("%w: %w", ErrTransform, terr)
		rec.Diagnostic = terr.Error()
		return rec, nil
	}
	rec.Candidate = text

	staged, err := w.Stager.Stage(key, text)
	if err != nil {
		rec.Outcome = AttemptAborted
		rec.Err = err
		return rec, err
	}

	verdict, verr := w.Validator.Validate(ctx, Candidate{Key: key, Path: staged, Text: text, Attempt: n})
	if verr != nil {
		verdict = Verdict{OK: false, Diagnostic: verr.Error()}
		rec.Err = verr
	}

	if verdict.OK {
		if err := w.Stager.Publish(staged, key); err != nil {
			// best effort; the publish error is what matters
			_ = w.Stager.Discard(staged)
			rec.Outcome = AttemptAborted
			rec.Err = err
			return rec, err
		}
		rec.Outcome = AttemptAccepted
		return rec, nil
	}

	if err := w.Stager.Discard(staged); err != nil {
		rec.Outcome = AttemptAborted
		rec.Err = errors.Join(rec.Err, err)
		return rec, err
	}

	rec.Outcome = AttemptRejected
	rec.Diagnostic = verdict.Diagnostic
	if strings.TrimSpace(rec.Diagnostic) == "" {
		rec.Diagnostic = "validation failed without diagnostic output"
	}
	return rec, nil
}
