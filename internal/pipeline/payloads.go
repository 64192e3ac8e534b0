package pipeline

import "github.com/google/uuid"

// Per-stage payload shapes. These are what the stage validators run against;
// drafts held before approval use the same shapes with their approved/generated
// flags unset.

type RequirementsData struct {
	Text string `json:"text"`
}

type SpecificationData struct {
	Content  string `json:"content"`
	Approved bool   `json:"approved"`
}

type PlanData struct {
	Content  string `json:"content"`
	Approved bool   `json:"approved"`
}

type ModuleOutputData struct {
	Generated  bool      `json:"generated"`
	ArtifactID uuid.UUID `json:"artifact_id"`
	VersionID  int       `json:"version_id"`
}

type OdooTestingData struct {
	Accepted bool   `json:"accepted"`
	Feedback string `json:"feedback,omitempty"`
}
