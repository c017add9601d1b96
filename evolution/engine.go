package evolution

import (
	"context"

	"github.com/acehq/ace/errors"
	"github.com/acehq/ace/outcome"
)

// Engine rewrites playbook content from recorded outcomes. Implementations
// live behind this boundary so workers never know which model (or test
// stub) is on the other side.
type Engine interface {
	// Evolve produces an improved revision of content informed by the
	// outcome snapshot. Implementations must respect ctx cancellation and
	// mark retryable failures with MarkTransient.
	Evolve(ctx context.Context, content string, outcomes []*outcome.Outcome) (*Result, error)
}

// Result is what an engine call produced
type Result struct {
	Content     string // evolved content; ignored when HasChanges is false
	HasChanges  bool   // false = engine decided the playbook is fine as-is
	DiffSummary string // human-readable summary of the changes
	Usage       Usage  // tokens and cost for the call
}

// transientError marks failures worth retrying (timeouts, 5xx, dropped
// connections). Anything unmarked is treated as fatal for the attempt.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so IsTransient reports true for it
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked transient
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var t *transientError
	return errors.As(err, &t)
}
