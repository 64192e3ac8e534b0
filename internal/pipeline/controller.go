package pipeline

import (
	"encoding/json"
	"fmt"
	"time"
)

// Controller is the stage state machine. Every method takes a Session value and
// returns an updated copy; a returned error always means the input session is
// unchanged and no partial transition happened.
type Controller struct {
	registry *Registry
}

func NewController(registry *Registry) *Controller {
	return &Controller{registry: registry}
}

// IsReachable reports whether every prerequisite of target is completed.
func (c *Controller) IsReachable(s Session, target Stage) bool {
	for _, prereq := range c.registry.PrerequisitesOf(target) {
		if !s.Completed[prereq] {
			return false
		}
	}
	return target.Valid()
}

// CanModify reports whether a stage is editable: the current stage and any
// stage at or before it. Future stages are not editable.
func (c *Controller) CanModify(s Session, stage Stage) bool {
	return stage.Valid() && stage.Order() <= s.CurrentStage.Order()
}

// Advance validates data for the stage, records it, marks the stage completed
// and moves the current stage forward. Advancing a stage that is already
// completed with identical data is idempotent apart from UpdatedAt.
func (c *Controller) Advance(s Session, stage Stage, data any, now time.Time) (Session, error) {
	if !stage.Valid() {
		return s, fmt.Errorf("invalid stage %d", int(stage))
	}
	if !c.IsReachable(s, stage) {
		return s, &UnreachableStageError{Stage: stage, Missing: c.missingPrerequisites(s, stage)}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return s, fmt.Errorf("encode stage data: %w", err)
	}
	if vErr := c.registry.Validate(stage, raw); vErr != nil {
		return s, vErr
	}

	out := s.clone()
	out.Data[stage] = raw
	out.Completed[stage] = true
	if next, ok := stage.Next(); ok {
		out.CurrentStage = next
	} else {
		out.CurrentStage = stage
	}
	out.UpdatedAt = now
	if err := c.CheckInvariant(out); err != nil {
		return s, err
	}
	return out, nil
}

// Rewind moves the current stage back to an already-completed stage so the
// user can revise it. Completed stages and their data are kept; downstream
// invalidation is a separate, explicit decision (InvalidateFrom).
func (c *Controller) Rewind(s Session, to Stage, now time.Time) (Session, error) {
	if !to.Valid() {
		return s, fmt.Errorf("invalid stage %d", int(to))
	}
	if !s.Completed[to] {
		return s, &NotCompletedError{Stage: to}
	}
	out := s.clone()
	out.CurrentStage = to
	out.UpdatedAt = now
	return out, nil
}

// InvalidateFrom removes the stage and everything after it from the completed
// set, clears their data and resets the current stage. Used when a downstream
// rejection forces rework of an earlier stage's output.
func (c *Controller) InvalidateFrom(s Session, stage Stage, now time.Time) Session {
	out := s.clone()
	for _, st := range Stages() {
		if st.Order() >= stage.Order() {
			delete(out.Completed, st)
			delete(out.Data, st)
		}
	}
	out.CurrentStage = stage
	out.UpdatedAt = now
	return out
}

// CheckInvariant verifies the no-gap rule: no completed stage may have an
// incomplete prerequisite.
func (c *Controller) CheckInvariant(s Session) error {
	for stage, done := range s.Completed {
		if !done {
			continue
		}
		for _, prereq := range c.registry.PrerequisitesOf(stage) {
			if !s.Completed[prereq] {
				return fmt.Errorf("completed set has a gap: %s is completed but prerequisite %s is not", stage, prereq)
			}
		}
	}
	return nil
}

func (c *Controller) missingPrerequisites(s Session, stage Stage) []Stage {
	var missing []Stage
	for _, prereq := range c.registry.PrerequisitesOf(stage) {
		if !s.Completed[prereq] {
			missing = append(missing, prereq)
		}
	}
	return missing
}
