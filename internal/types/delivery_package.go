package types

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryPackage records a packaged artifact and its time-limited download
// URL. A fresh URL is signed on demand when the stored one has expired.
type DeliveryPackage struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID  uuid.UUID `gorm:"type:uuid;not null;index" json:"session_id"`
	ArtifactID uuid.UUID `gorm:"type:uuid;not null;index" json:"artifact_id"`
	ObjectKey  string    `gorm:"column:object_key;not null" json:"-"`
	URL        string    `gorm:"column:url" json:"url"`
	ExpiresAt  time.Time `gorm:"not null" json:"expires_at"`
	CreatedAt  time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (DeliveryPackage) TableName() string { return "delivery_package" }
