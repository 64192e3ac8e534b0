package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/types"
)

type TestVerdictRepo interface {
	Create(ctx context.Context, tx *gorm.DB, verdicts []*types.TestVerdict) ([]*types.TestVerdict, error)
	GetLatestBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.TestVerdict, error)
	ListBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) ([]*types.TestVerdict, error)
}

type testVerdictRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTestVerdictRepo(db *gorm.DB, baseLog *logger.Logger) TestVerdictRepo {
	return &testVerdictRepo{db: db, log: baseLog.With("repo", "TestVerdictRepo")}
}

func (r *testVerdictRepo) Create(ctx context.Context, tx *gorm.DB, verdicts []*types.TestVerdict) ([]*types.TestVerdict, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(verdicts) == 0 {
		return []*types.TestVerdict{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&verdicts).Error; err != nil {
		return nil, err
	}
	return verdicts, nil
}

func (r *testVerdictRepo) GetLatestBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.TestVerdict, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if sessionID == uuid.Nil {
		return nil, nil
	}
	var verdict types.TestVerdict
	err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(1).
		Find(&verdict).Error
	if err != nil {
		return nil, err
	}
	if verdict.ID == uuid.Nil {
		return nil, nil
	}
	return &verdict, nil
}

func (r *testVerdictRepo) ListBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) ([]*types.TestVerdict, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.TestVerdict
	if sessionID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

type AcceptanceVerdictRepo interface {
	Create(ctx context.Context, tx *gorm.DB, verdicts []*types.AcceptanceVerdict) ([]*types.AcceptanceVerdict, error)
	GetLatestBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.AcceptanceVerdict, error)
}

type acceptanceVerdictRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAcceptanceVerdictRepo(db *gorm.DB, baseLog *logger.Logger) AcceptanceVerdictRepo {
	return &acceptanceVerdictRepo{db: db, log: baseLog.With("repo", "AcceptanceVerdictRepo")}
}

func (r *acceptanceVerdictRepo) Create(ctx context.Context, tx *gorm.DB, verdicts []*types.AcceptanceVerdict) ([]*types.AcceptanceVerdict, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(verdicts) == 0 {
		return []*types.AcceptanceVerdict{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&verdicts).Error; err != nil {
		return nil, err
	}
	return verdicts, nil
}

func (r *acceptanceVerdictRepo) GetLatestBySessionID(ctx context.Context, tx *gorm.DB, sessionID uuid.UUID) (*types.AcceptanceVerdict, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if sessionID == uuid.Nil {
		return nil, nil
	}
	var verdict types.AcceptanceVerdict
	err := transaction.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Limit(1).
		Find(&verdict).Error
	if err != nil {
		return nil, err
	}
	if verdict.ID == uuid.Nil {
		return nil, nil
	}
	return &verdict, nil
}
