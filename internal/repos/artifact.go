package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/types"
)

type ModuleArtifactRepo interface {
	Create(ctx context.Context, tx *gorm.DB, artifacts []*types.ModuleArtifact) ([]*types.ModuleArtifact, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ModuleArtifact, error)
	GetLatestBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.ModuleArtifact, error)
	MaxVersionBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (int, error)
}

type moduleArtifactRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewModuleArtifactRepo(db *gorm.DB, baseLog *logger.Logger) ModuleArtifactRepo {
	return &moduleArtifactRepo{db: db, log: baseLog.With("repo", "ModuleArtifactRepo")}
}

func (r *moduleArtifactRepo) Create(ctx context.Context, tx *gorm.DB, artifacts []*types.ModuleArtifact) ([]*types.ModuleArtifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(artifacts) == 0 {
		return []*types.ModuleArtifact{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&artifacts).Error; err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (r *moduleArtifactRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ModuleArtifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var artifact types.ModuleArtifact
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&artifact).Error
	if err != nil {
		return nil, err
	}
	if artifact.ID == uuid.Nil {
		return nil, nil
	}
	return &artifact, nil
}

func (r *moduleArtifactRepo) GetLatestBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.ModuleArtifact, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if sessionID == uuid.Nil {
		return nil, nil
	}
	var artifact types.ModuleArtifact
	err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("version_id DESC").
		Limit(1).
		Find(&artifact).Error
	if err != nil {
		return nil, err
	}
	if artifact.ID == uuid.Nil {
		return nil, nil
	}
	return &artifact, nil
}

func (r *moduleArtifactRepo) MaxVersionBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if sessionID == uuid.Nil {
		return 0, nil
	}
	var max int
	err := transaction.WithContext(ctx).
		Model(&types.ModuleArtifact{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(version_id), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max, nil
}
