package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// BuildSession lifecycle statuses. The stage machine in internal/pipeline is
// authoritative for ordering; Status is a denormalized summary for listings.
const (
	SessionStatusDraft      = "draft"
	SessionStatusGenerating = "generating"
	SessionStatusTesting    = "testing"
	SessionStatusUAT        = "uat"
	SessionStatusDelivered  = "delivered"
	SessionStatusFailed     = "failed"
)

// BuildSession is one end-to-end module build attempt.
type BuildSession struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Name            string         `gorm:"not null" json:"name"`
	OdooVersion     int            `gorm:"column:odoo_version;not null" json:"odoo_version"`
	CurrentStage    string         `gorm:"column:current_stage;not null;index" json:"current_stage"`
	CompletedStages datatypes.JSON `gorm:"type:jsonb;column:completed_stages" json:"completed_stages"`
	StageData       datatypes.JSON `gorm:"type:jsonb;column:stage_data" json:"-"`
	Status          string         `gorm:"not null;index" json:"status"`

	// Acceptance environment bookkeeping; populated while a UAT instance is up.
	AcceptanceEnvID     string     `gorm:"column:acceptance_env_id" json:"acceptance_env_id,omitempty"`
	AcceptanceURL       string     `gorm:"column:acceptance_url" json:"acceptance_url,omitempty"`
	AcceptanceExpiresAt *time.Time `gorm:"column:acceptance_expires_at" json:"acceptance_expires_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"last_updated"`
}

func (BuildSession) TableName() string { return "build_session" }
