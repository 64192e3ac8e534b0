package types

import (
	"time"

	"github.com/google/uuid"
)

// TestVerdict is the automated test outcome for one artifact version.
type TestVerdict struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID     uuid.UUID `gorm:"type:uuid;not null;index" json:"session_id"`
	ArtifactID    uuid.UUID `gorm:"type:uuid;not null;index" json:"artifact_id"`
	Passed        bool      `gorm:"not null" json:"passed"`
	Feedback      string    `gorm:"column:feedback" json:"feedback"`
	TotalTests    int       `gorm:"column:total_tests" json:"total_tests"`
	PassedTests   int       `gorm:"column:passed_tests" json:"passed_tests"`
	FailedTests   int       `gorm:"column:failed_tests" json:"failed_tests"`
	ExecutionSecs float64   `gorm:"column:execution_secs" json:"execution_secs"`
	CreatedAt     time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (TestVerdict) TableName() string { return "test_verdict" }
