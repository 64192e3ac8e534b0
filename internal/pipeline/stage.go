package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Stage is one ordered phase of the module build pipeline. Order indexes are
// contiguous starting at 1; every stage's prerequisite is the stage before it,
// so completed stages always form a prefix of the order.
type Stage int

const (
	StageRequirements Stage = iota + 1
	StageSpecification
	StageDevelopmentPlan
	StageModuleOutput
	StageOdooTesting
)

const stageCount = 5

var stageNames = map[Stage]string{
	StageRequirements:    "requirements",
	StageSpecification:   "specification",
	StageDevelopmentPlan: "development_plan",
	StageModuleOutput:    "module_output",
	StageOdooTesting:     "odoo_testing",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

func (s Stage) Valid() bool {
	return s >= StageRequirements && s <= StageOdooTesting
}

// Order returns the stage's position in pipeline order.
func (s Stage) Order() int { return int(s) }

// Next returns the stage after s, or s itself with false when s is terminal.
func (s Stage) Next() (Stage, bool) {
	if s >= StageOdooTesting {
		return s, false
	}
	return s + 1, true
}

// Stages returns all stages in pipeline order.
func Stages() []Stage {
	out := make([]Stage, 0, stageCount)
	for s := StageRequirements; s <= StageOdooTesting; s++ {
		out = append(out, s)
	}
	return out
}

func ParseStage(name string) (Stage, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for s, n := range stageNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage: %q", name)
}

func (s Stage) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid stage %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *Stage) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStage(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
