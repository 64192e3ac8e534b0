package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Step describes one registered pipeline stage: its prerequisites and the
// validator its payload must pass before the stage counts as completed.
type Step struct {
	Stage         Stage
	Prerequisites []Stage
	Validate      func(data json.RawMessage) *ValidationError
}

// Registry is the static step table. Built once at process start, read-only
// afterwards.
type Registry struct {
	steps map[Stage]Step
}

func NewRegistry() *Registry {
	steps := map[Stage]Step{
		StageRequirements: {
			Stage:         StageRequirements,
			Prerequisites: nil,
			Validate:      validateRequirements,
		},
		StageSpecification: {
			Stage:         StageSpecification,
			Prerequisites: []Stage{StageRequirements},
			Validate:      validateSpecification,
		},
		StageDevelopmentPlan: {
			Stage:         StageDevelopmentPlan,
			Prerequisites: []Stage{StageRequirements, StageSpecification},
			Validate:      validatePlan,
		},
		StageModuleOutput: {
			Stage:         StageModuleOutput,
			Prerequisites: []Stage{StageRequirements, StageSpecification, StageDevelopmentPlan},
			Validate:      validateModuleOutput,
		},
		StageOdooTesting: {
			Stage:         StageOdooTesting,
			Prerequisites: []Stage{StageRequirements, StageSpecification, StageDevelopmentPlan, StageModuleOutput},
			Validate:      validateOdooTesting,
		},
	}
	return &Registry{steps: steps}
}

func (r *Registry) PrerequisitesOf(stage Stage) []Stage {
	step, ok := r.steps[stage]
	if !ok {
		return nil
	}
	out := make([]Stage, len(step.Prerequisites))
	copy(out, step.Prerequisites)
	return out
}

func (r *Registry) Validate(stage Stage, data json.RawMessage) *ValidationError {
	step, ok := r.steps[stage]
	if !ok {
		return &ValidationError{Stage: stage, Field: "stage", Reason: "unknown stage"}
	}
	return step.Validate(data)
}

func validateRequirements(data json.RawMessage) *ValidationError {
	var payload RequirementsData
	if err := json.Unmarshal(data, &payload); err != nil {
		return &ValidationError{Stage: StageRequirements, Field: "text", Reason: "malformed payload"}
	}
	if strings.TrimSpace(payload.Text) == "" {
		return &ValidationError{Stage: StageRequirements, Field: "text", Reason: "requirements text is empty"}
	}
	return nil
}

func validateSpecification(data json.RawMessage) *ValidationError {
	var payload SpecificationData
	if err := json.Unmarshal(data, &payload); err != nil {
		return &ValidationError{Stage: StageSpecification, Field: "content", Reason: "malformed payload"}
	}
	if !payload.Approved {
		return &ValidationError{Stage: StageSpecification, Field: "approved", Reason: "specification is not approved"}
	}
	if strings.TrimSpace(payload.Content) == "" {
		return &ValidationError{Stage: StageSpecification, Field: "content", Reason: "specification content is empty"}
	}
	return nil
}

func validatePlan(data json.RawMessage) *ValidationError {
	var payload PlanData
	if err := json.Unmarshal(data, &payload); err != nil {
		return &ValidationError{Stage: StageDevelopmentPlan, Field: "content", Reason: "malformed payload"}
	}
	if !payload.Approved {
		return &ValidationError{Stage: StageDevelopmentPlan, Field: "approved", Reason: "development plan is not approved"}
	}
	if strings.TrimSpace(payload.Content) == "" {
		return &ValidationError{Stage: StageDevelopmentPlan, Field: "content", Reason: "development plan content is empty"}
	}
	return nil
}

func validateModuleOutput(data json.RawMessage) *ValidationError {
	var payload ModuleOutputData
	if err := json.Unmarshal(data, &payload); err != nil {
		return &ValidationError{Stage: StageModuleOutput, Field: "generated", Reason: "malformed payload"}
	}
	if !payload.Generated {
		return &ValidationError{Stage: StageModuleOutput, Field: "generated", Reason: "module has not been generated"}
	}
	if payload.ArtifactID == uuid.Nil {
		return &ValidationError{Stage: StageModuleOutput, Field: "artifact_id", Reason: "missing artifact reference"}
	}
	return nil
}

// OdooTesting is the terminal gate: reaching it is the requirement, any payload
// is acceptable.
func validateOdooTesting(data json.RawMessage) *ValidationError {
	return nil
}
