package services

import (
	"context"
	"errors"
	"fmt"
)

// ErrSessionNotFound covers both unknown session ids and sessions owned by a
// different user; callers cannot tell the two apart.
var ErrSessionNotFound = errors.New("session not found")

// CollaboratorError wraps a failed external collaborator call. Recoverable:
// the session is left unchanged and the same request may be retried.
type CollaboratorError struct {
	Op      string // e.g. "specification_generator", "test_runner"
	Timeout bool
	Err     error
}

func (e *CollaboratorError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("collaborator %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("collaborator %s failed: %v", e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

func collaboratorErr(op string, err error) *CollaboratorError {
	return &CollaboratorError{
		Op:      op,
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// RetryExhaustedError reports that the configured regeneration attempt cap was
// hit without a passing test run. The session stays at its last valid stage so
// a human can intervene.
type RetryExhaustedError struct {
	Attempts int
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("module generation failed after %d attempts", e.Attempts)
}
