package pipeline

import (
	"fmt"
	"strings"
)

// ValidationError reports stage data that fails its validator. The session it
// was raised for is never mutated.
type ValidationError struct {
	Stage  Stage
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for stage %s: %s (%s)", e.Stage, e.Reason, e.Field)
}

// UnreachableStageError reports an advance to a stage whose prerequisites are
// not all completed.
type UnreachableStageError struct {
	Stage   Stage
	Missing []Stage
}

func (e *UnreachableStageError) Error() string {
	names := make([]string, 0, len(e.Missing))
	for _, s := range e.Missing {
		names = append(names, s.String())
	}
	return fmt.Sprintf("stage %s is not reachable: complete %s first", e.Stage, strings.Join(names, ", "))
}

// NotCompletedError reports a rewind to a stage that has never been completed.
type NotCompletedError struct {
	Stage Stage
}

func (e *NotCompletedError) Error() string {
	return fmt.Sprintf("cannot rewind to stage %s: stage was never completed", e.Stage)
}
