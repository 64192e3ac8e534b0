package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/types"
)

type DeliveryPackageRepo interface {
	Create(ctx context.Context, tx *gorm.DB, pkgs []*types.DeliveryPackage) ([]*types.DeliveryPackage, error)
	GetLatestBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.DeliveryPackage, error)
	UpdateURL(ctx context.Context, tx *gorm.DB, id uuid.UUID, url string, expiresAt time.Time) error
}

type deliveryPackageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeliveryPackageRepo(db *gorm.DB, baseLog *logger.Logger) DeliveryPackageRepo {
	return &deliveryPackageRepo{db: db, log: baseLog.With("repo", "DeliveryPackageRepo")}
}

func (r *deliveryPackageRepo) Create(ctx context.Context, tx *gorm.DB, pkgs []*types.DeliveryPackage) ([]*types.DeliveryPackage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(pkgs) == 0 {
		return []*types.DeliveryPackage{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&pkgs).Error; err != nil {
		return nil, err
	}
	return pkgs, nil
}

func (r *deliveryPackageRepo) GetLatestBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.DeliveryPackage, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if sessionID == uuid.Nil {
		return nil, nil
	}
	var pkg types.DeliveryPackage
	err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(1).
		Find(&pkg).Error
	if err != nil {
		return nil, err
	}
	if pkg.ID == uuid.Nil {
		return nil, nil
	}
	return &pkg, nil
}

func (r *deliveryPackageRepo) UpdateURL(ctx context.Context, tx *gorm.DB, id uuid.UUID, url string, expiresAt time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&types.DeliveryPackage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"url": url, "expires_at": expiresAt}).Error
}
