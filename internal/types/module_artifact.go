package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ModuleArtifact is one generated module version: a file-path to file-content
// map plus its version identity. Immutable once created; regeneration after a
// rejected verdict writes a new row with the next version id.
type ModuleArtifact struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"session_id"`
	PackageID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"package_id"`
	VersionID  int            `gorm:"column:version_id;not null" json:"version_id"`
	ModuleName string         `gorm:"column:module_name;not null" json:"module_name"`
	Files      datatypes.JSON `gorm:"type:jsonb;column:files;not null" json:"-"`
	CreatedAt  time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (ModuleArtifact) TableName() string { return "module_artifact" }
