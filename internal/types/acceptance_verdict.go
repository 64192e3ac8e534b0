package types

import (
	"time"

	"github.com/google/uuid"
)

// AcceptanceVerdict is the user's accept/reject decision for one artifact
// version, terminal for that version.
type AcceptanceVerdict struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID  uuid.UUID `gorm:"type:uuid;not null;index" json:"session_id"`
	ArtifactID uuid.UUID `gorm:"type:uuid;not null;index" json:"artifact_id"`
	Accepted   bool      `gorm:"not null" json:"accepted"`
	Feedback   string    `gorm:"column:feedback" json:"feedback"`
	EnvID      string    `gorm:"column:env_id" json:"env_id"`
	CreatedAt  time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (AcceptanceVerdict) TableName() string { return "acceptance_verdict" }
