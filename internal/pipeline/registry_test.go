package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestRegistryPrerequisites(t *testing.T) {
	r := NewRegistry()

	cases := []struct {
		stage Stage
		want  int
	}{
		{StageRequirements, 0},
		{StageSpecification, 1},
		{StageDevelopmentPlan, 2},
		{StageModuleOutput, 3},
		{StageOdooTesting, 4},
	}
	for _, tc := range cases {
		if got := len(r.PrerequisitesOf(tc.stage)); got != tc.want {
			t.Fatalf("PrerequisitesOf(%s) has %d entries, want %d", tc.stage, got, tc.want)
		}
	}
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	artifact := uuid.New()

	cases := []struct {
		name    string
		stage   Stage
		payload any
		wantOK  bool
	}{
		{"requirements_text", StageRequirements, RequirementsData{Text: "timesheet approvals"}, true},
		{"requirements_empty", StageRequirements, RequirementsData{}, false},
		{"spec_approved", StageSpecification, SpecificationData{Content: "spec", Approved: true}, true},
		{"spec_unapproved", StageSpecification, SpecificationData{Content: "spec"}, false},
		{"spec_approved_empty", StageSpecification, SpecificationData{Approved: true}, false},
		{"plan_approved", StageDevelopmentPlan, PlanData{Content: "plan", Approved: true}, true},
		{"plan_unapproved", StageDevelopmentPlan, PlanData{Content: "plan"}, false},
		{"module_generated", StageModuleOutput, ModuleOutputData{Generated: true, ArtifactID: artifact}, true},
		{"module_not_generated", StageModuleOutput, ModuleOutputData{ArtifactID: artifact}, false},
		{"module_missing_artifact", StageModuleOutput, ModuleOutputData{Generated: true}, false},
		{"odoo_testing_always_valid", StageOdooTesting, OdooTestingData{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.payload)
			if err != nil {
				t.Fatalf("marshal payload: %v", err)
			}
			vErr := r.Validate(tc.stage, raw)
			if tc.wantOK && vErr != nil {
				t.Fatalf("Validate(%s) = %v, want nil", tc.stage, vErr)
			}
			if !tc.wantOK && vErr == nil {
				t.Fatalf("Validate(%s) = nil, want error", tc.stage)
			}
		})
	}
}

func TestStageJSONRoundTrip(t *testing.T) {
	for _, stage := range Stages() {
		raw, err := json.Marshal(stage)
		if err != nil {
			t.Fatalf("marshal %s: %v", stage, err)
		}
		var back Stage
		if err := json.Unmarshal(raw, &back); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if back != stage {
			t.Fatalf("round trip %s -> %s", stage, back)
		}
	}
	var bad Stage
	if err := json.Unmarshal([]byte(`"deployment"`), &bad); err == nil {
		t.Fatalf("expected error for unknown stage name")
	}
}
