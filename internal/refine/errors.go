package refine

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned before any work when the workflow or
	// request is misconfigured.
	ErrInvalidRequest = errors.New("invalid refine request")

	// ErrTransform marks an attempt whose transform step failed. It is
	// recorded on the attempt and consumes one attempt; it never escapes
	// Refine.
	ErrTransform = errors.New("transform failed")

	// errEmptyCandidate is a transform failure for blank output.
	errEmptyCandidate = errors.New("transform returned empty candidate")
)

// ResourceError is an infrastructure failure while staging, publishing or
// discarding. It aborts the workflow immediately without consuming retries.
type ResourceError struct {
	Op   string // stage, publish, discard
	Path string
	Err  error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// IsResourceError reports whether err wraps a *ResourceError.
func IsResourceError(err error) bool {
	var re *ResourceError
	return errors.As(err, &re)
}
