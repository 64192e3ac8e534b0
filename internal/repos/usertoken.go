package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/odooforge/odooforge-backend/internal/logger"
	"github.com/odooforge/odooforge-backend/internal/types"
)

type UserTokenRepo interface {
	Create(ctx context.Context, tx *gorm.DB, tokens []*types.UserToken) ([]*types.UserToken, error)
	GetByUserIDs(ctx context.Context, tx *gorm.DB, userIDs []uuid.UUID) ([]*types.UserToken, error)
	GetByRefreshToken(ctx context.Context, tx *gorm.DB, refreshToken string) (*types.UserToken, error)
	DeleteByUserIDs(ctx context.Context, tx *gorm.DB, userIDs []uuid.UUID) error
}

type userTokenRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserTokenRepo(db *gorm.DB, baseLog *logger.Logger) UserTokenRepo {
	return &userTokenRepo{db: db, log: baseLog.With("repo", "UserTokenRepo")}
}

func (r *userTokenRepo) Create(ctx context.Context, tx *gorm.DB, tokens []*types.UserToken) ([]*types.UserToken, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(tokens) == 0 {
		return []*types.UserToken{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *userTokenRepo) GetByUserIDs(ctx context.Context, tx *gorm.DB, userIDs []uuid.UUID) ([]*types.UserToken, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.UserToken
	if len(userIDs) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *userTokenRepo) GetByRefreshToken(ctx context.Context, tx *gorm.DB, refreshToken string) (*types.UserToken, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if refreshToken == "" {
		return nil, nil
	}
	var token types.UserToken
	err := transaction.WithContext(ctx).
		Where("refresh_token = ?", refreshToken).
		Limit(1).
		Find(&token).Error
	if err != nil {
		return nil, err
	}
	if token.ID == uuid.Nil {
		return nil, nil
	}
	return &token, nil
}

func (r *userTokenRepo) DeleteByUserIDs(ctx context.Context, tx *gorm.DB, userIDs []uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(userIDs) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).Where("user_id IN ?", userIDs).Delete(&types.UserToken{}).Error
}
