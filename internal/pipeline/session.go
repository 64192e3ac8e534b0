package pipeline

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Session is the pure pipeline view of one module build attempt. The session
// store maps it to and from its persisted record; the controller only ever
// works on values of this type and returns updated copies, never mutating its
// input.
type Session struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	CurrentStage Stage
	Completed    map[Stage]bool
	Data         map[Stage]json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func NewSession(id, userID uuid.UUID, now time.Time) Session {
	return Session{
		ID:           id,
		UserID:       userID,
		CurrentStage: StageRequirements,
		Completed:    map[Stage]bool{},
		Data:         map[Stage]json.RawMessage{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s Session) clone() Session {
	out := s
	out.Completed = make(map[Stage]bool, len(s.Completed))
	for k, v := range s.Completed {
		out.Completed[k] = v
	}
	out.Data = make(map[Stage]json.RawMessage, len(s.Data))
	for k, v := range s.Data {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		out.Data[k] = cp
	}
	return out
}

// CompletedStages returns the completed set in pipeline order.
func (s Session) CompletedStages() []Stage {
	out := make([]Stage, 0, len(s.Completed))
	for stage, done := range s.Completed {
		if done {
			out = append(out, stage)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Session) IsCompleted(stage Stage) bool {
	return s.Completed[stage]
}

// StageData decodes the stored payload for a stage into out. Returns false when
// no payload has been recorded.
func (s Session) StageData(stage Stage, out any) (bool, error) {
	raw, ok := s.Data[stage]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, err
	}
	return true, nil
}

// Delivered reports whether the session has passed its terminal gate: the
// OdooTesting stage is completed with an accepted verdict.
func (s Session) Delivered() bool {
	if !s.Completed[StageOdooTesting] {
		return false
	}
	var payload OdooTestingData
	ok, err := s.StageData(StageOdooTesting, &payload)
	if !ok || err != nil {
		return false
	}
	return payload.Accepted
}
